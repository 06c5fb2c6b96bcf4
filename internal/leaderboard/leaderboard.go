// Package leaderboard serves XP rankings from a cache when one is available
// and from the store otherwise. The cache never affects capture outcomes.
package leaderboard

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/ctfgame/api/internal/models"
	"github.com/ctfgame/api/internal/progression"
	"github.com/ctfgame/api/internal/store"
)

const (
	// DefaultLimit is used when callers pass a non-positive limit
	DefaultLimit = 50
	// MaxLimit caps a single page
	MaxLimit = 100
	// WarmSize is how many players a warm-up loads into the cache
	WarmSize = 1000
	// NearbySpan is how many ranks above and below a player Standing includes
	NearbySpan = 5
)

// ErrNotRanked is returned when the player has no leaderboard row
var ErrNotRanked = errors.New("player not ranked")

// Cache is a read-optimised ranking keyed by XP
type Cache interface {
	// UpsertScore never lowers a player's stored score.
	UpsertScore(ctx context.Context, e models.LeaderboardEntry) error
	ReplaceAll(ctx context.Context, entries []models.LeaderboardEntry) error
	TopXP(ctx context.Context, limit, offset int) ([]models.LeaderboardEntry, error)
	LeaderboardSize(ctx context.Context) (int64, error)
	// PlayerRank returns the 1-based rank of a player.
	PlayerRank(ctx context.Context, userID int) (int64, error)
}

// Service answers leaderboard queries
type Service struct {
	store store.Store
	cache Cache

	mu   sync.Mutex
	seen map[int]int64 // highest XP pushed to the cache per user
}

// NewService creates a leaderboard service. cache may be nil.
func NewService(s store.Store, cache Cache) *Service {
	return &Service{store: s, cache: cache, seen: make(map[int]int64)}
}

// Page is one page of rankings
type Page struct {
	Entries []models.LeaderboardEntry `json:"leaderboard"`
	Cached  bool                      `json:"cached"`
}

// Top returns players ordered by XP. A cold or failing cache falls back to the store.
func (s *Service) Top(ctx context.Context, limit, offset int) (*Page, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	if offset < 0 {
		offset = 0
	}

	if s.cache != nil {
		entries, err := s.cache.TopXP(ctx, limit, offset)
		switch {
		case err != nil:
			log.Printf("[Leaderboard] Cache read failed, using store: %v", err)
		case len(entries) > 0:
			return &Page{Entries: entries, Cached: true}, nil
		}
	}

	entries, err := s.store.TopUsers(ctx, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query leaderboard: %w", err)
	}
	return &Page{Entries: entries}, nil
}

// OnGrant is a progression.Observer that keeps the cache in step with
// committed grants. Grants older than one already applied are skipped, so the
// cache never moves a player backwards.
func (s *Service) OnGrant(ctx context.Context, g progression.Grant) {
	if s.cache == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if g.XP < s.seen[g.UserID] {
		return
	}
	s.seen[g.UserID] = g.XP

	err := s.cache.UpsertScore(ctx, models.LeaderboardEntry{
		UserID:   g.UserID,
		Username: g.Username,
		TeamID:   g.TeamID,
		XP:       g.XP,
		Level:    g.Level,
	})
	if err != nil {
		log.Printf("[Leaderboard] Failed to update cache for user %d: %v", g.UserID, err)
	}
}

// Warm rebuilds the cache from the store
func (s *Service) Warm(ctx context.Context) error {
	if s.cache == nil {
		return nil
	}

	entries, err := s.store.TopUsers(ctx, WarmSize, 0)
	if err != nil {
		return fmt.Errorf("failed to load leaderboard for warm-up: %w", err)
	}
	if err := s.cache.ReplaceAll(ctx, entries); err != nil {
		return fmt.Errorf("failed to warm leaderboard cache: %w", err)
	}

	size, err := s.cache.LeaderboardSize(ctx)
	if err == nil {
		log.Printf("[Leaderboard] Cache warmed with %d players", size)
	}
	return nil
}

// Standing is a player's own row with the players ranked around them
type Standing struct {
	User   models.LeaderboardEntry   `json:"user"`
	Nearby []models.LeaderboardEntry `json:"nearby"`
	Cached bool                      `json:"cached"`
}

// Standing returns the player's rank and the NearbySpan players either side.
// Like Top it prefers the cache and falls back to the store.
func (s *Service) Standing(ctx context.Context, userID int) (*Standing, error) {
	if s.cache != nil {
		st, err := s.cachedStanding(ctx, userID)
		if err == nil {
			return st, nil
		}
		log.Printf("[Leaderboard] Cache rank lookup for user %d failed, using store: %v", userID, err)
	}

	me, err := s.store.UserRank(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotRanked
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rank for user %d: %w", userID, err)
	}

	limit, offset := nearbyWindow(me.Rank)
	nearby, err := s.store.TopUsers(ctx, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query players near user %d: %w", userID, err)
	}
	return &Standing{User: *me, Nearby: nearby}, nil
}

func (s *Service) cachedStanding(ctx context.Context, userID int) (*Standing, error) {
	rank, err := s.cache.PlayerRank(ctx, userID)
	if err != nil {
		return nil, err
	}

	limit, offset := nearbyWindow(rank)
	nearby, err := s.cache.TopXP(ctx, limit, offset)
	if err != nil {
		return nil, err
	}
	for _, e := range nearby {
		if e.UserID == userID {
			return &Standing{User: e, Nearby: nearby, Cached: true}, nil
		}
	}
	return nil, fmt.Errorf("user %d missing from cached window", userID)
}

// nearbyWindow returns the TopUsers page around a 1-based rank
func nearbyWindow(rank int64) (limit, offset int) {
	first := rank - NearbySpan
	if first < 1 {
		first = 1
	}
	return int(rank + NearbySpan - first + 1), int(first - 1)
}
