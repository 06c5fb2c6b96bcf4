// Package memstore is an in-process store.Store. Each flag and each user has
// its own mutex; a unit of work holds the flag lock (and any user locks it
// takes) until it finishes. Writes are buffered in the unit of work and
// applied under one store-wide lock on success, so readers never observe a
// partial capture.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ctfgame/api/internal/geo"
	"github.com/ctfgame/api/internal/models"
	"github.com/ctfgame/api/internal/store"
	"github.com/google/uuid"
)

type keyedMutex[K comparable] struct {
	mu    sync.Mutex
	locks map[K]*sync.Mutex
}

func (k *keyedMutex[K]) lock(key K) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[K]*sync.Mutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// Store holds all engine state in memory
type Store struct {
	mu            sync.RWMutex
	flags         map[uuid.UUID]models.Flag
	defenders     map[uuid.UUID]models.Defender
	captures      []models.CaptureRecord
	users         map[int]models.User
	progress      map[int]models.UserProgress
	notifications []models.Notification

	flagLocks keyedMutex[uuid.UUID]
	userLocks keyedMutex[int]
}

var _ store.Store = (*Store)(nil)

// New creates an empty store
func New() *Store {
	return &Store{
		flags:     make(map[uuid.UUID]models.Flag),
		defenders: make(map[uuid.UUID]models.Defender),
		users:     make(map[int]models.User),
		progress:  make(map[int]models.UserProgress),
	}
}

// AddFlag inserts or replaces a flag
func (s *Store) AddFlag(f models.Flag) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flags[f.ID] = f
}

// AddUser inserts a user with empty progression
func (s *Store) AddUser(u models.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
	s.progress[u.ID] = models.UserProgress{
		UserID:   u.ID,
		Username: u.Username,
		TeamID:   u.TeamID,
	}
}

// Notifications returns the notifications addressed to a user, oldest first
func (s *Store) Notifications(userID int) []models.Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Notification
	for _, n := range s.notifications {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	return out
}

// WithFlagLock implements store.Store
func (s *Store) WithFlagLock(ctx context.Context, flagID uuid.UUID, fn func(tx store.FlagTx, flag *models.Flag) error) error {
	unlock := s.flagLocks.lock(flagID)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	f, ok := s.flags[flagID]
	s.mu.RUnlock()
	if !ok {
		return store.ErrNotFound
	}

	t := newTx(s)
	defer t.release()

	if err := fn(t, &f); err != nil {
		return err
	}
	t.commit()
	return nil
}

// WithUserLock implements store.Store
func (s *Store) WithUserLock(ctx context.Context, fn func(tx store.UserTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t := newTx(s)
	defer t.release()

	if err := fn(t); err != nil {
		return err
	}
	t.commit()
	return nil
}

// GetFlag implements store.Store
func (s *Store) GetFlag(_ context.Context, flagID uuid.UUID) (*models.Flag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.flags[flagID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &f, nil
}

// GetDefender implements store.Store
func (s *Store) GetDefender(_ context.Context, flagID uuid.UUID) (*models.Defender, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.defenders[flagID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &d, nil
}

// RecentCaptures implements store.Store
func (s *Store) RecentCaptures(_ context.Context, flagID uuid.UUID, limit int) ([]models.CaptureRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.CaptureRecord, 0, limit)
	for i := len(s.captures) - 1; i >= 0 && len(out) < limit; i-- {
		if s.captures[i].FlagID == flagID {
			out = append(out, s.captures[i])
		}
	}
	return out, nil
}

// GetUserProgress implements store.Store
func (s *Store) GetUserProgress(_ context.Context, userID int) (*models.UserProgress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.progress[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

// TopUsers implements store.Store
func (s *Store) TopUsers(_ context.Context, limit, offset int) ([]models.LeaderboardEntry, error) {
	s.mu.RLock()
	all := make([]models.UserProgress, 0, len(s.progress))
	for _, p := range s.progress {
		all = append(all, p)
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].XP != all[j].XP {
			return all[i].XP > all[j].XP
		}
		return all[i].UserID < all[j].UserID
	})

	if offset >= len(all) {
		return []models.LeaderboardEntry{}, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}

	out := make([]models.LeaderboardEntry, 0, end-offset)
	for i := offset; i < end; i++ {
		p := all[i]
		out = append(out, models.LeaderboardEntry{
			Rank:     int64(i + 1),
			UserID:   p.UserID,
			Username: p.Username,
			TeamID:   p.TeamID,
			XP:       p.XP,
			Level:    p.Level,
		})
	}
	return out, nil
}

// ActiveFlagsWithin implements store.Store
func (s *Store) ActiveFlagsWithin(_ context.Context, box geo.Box) ([]models.Flag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []models.Flag{}
	for _, f := range s.flags {
		if f.IsActive && box.Contains(f.Latitude, f.Longitude) {
			out = append(out, f)
		}
	}
	return out, nil
}

// UserRank implements store.Store
func (s *Store) UserRank(ctx context.Context, userID int) (*models.LeaderboardEntry, error) {
	s.mu.RLock()
	_, ok := s.progress[userID]
	total := len(s.progress)
	s.mu.RUnlock()
	if !ok {
		return nil, store.ErrNotFound
	}

	all, err := s.TopUsers(ctx, total, 0)
	if err != nil {
		return nil, err
	}
	for i := range all {
		if all[i].UserID == userID {
			return &all[i], nil
		}
	}
	return nil, store.ErrNotFound
}

// TeamStats implements store.Store
func (s *Store) TeamStats(ctx context.Context, teamID, topMembers int) (*models.TeamStats, error) {
	s.mu.RLock()
	stats := &models.TeamStats{TeamID: teamID, TopMembers: []models.LeaderboardEntry{}}
	var levels int64
	for _, p := range s.progress {
		if p.TeamID != teamID {
			continue
		}
		stats.MemberCount++
		stats.TotalTeamXP += p.XP
		levels += int64(p.Level)
	}
	for _, f := range s.flags {
		if f.IsActive && f.OwnerTeamID != nil && *f.OwnerTeamID == teamID {
			stats.FlagsControlled++
		}
	}
	for _, c := range s.captures {
		if c.TeamID == teamID {
			stats.TotalCaptures++
		}
	}
	total := len(s.progress)
	s.mu.RUnlock()

	if stats.MemberCount > 0 {
		stats.AvgLevel = float64(levels) / float64(stats.MemberCount)
	}

	all, err := s.TopUsers(ctx, total, 0)
	if err != nil {
		return nil, err
	}
	for _, e := range all {
		if len(stats.TopMembers) >= topMembers {
			break
		}
		if e.TeamID == teamID {
			e.Rank = int64(len(stats.TopMembers) + 1)
			stats.TopMembers = append(stats.TopMembers, e)
		}
	}
	return stats, nil
}

// GetUserByUsername implements store.Store
func (s *Store) GetUserByUsername(_ context.Context, username string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.users {
		if u.Username == username {
			return &u, nil
		}
	}
	return nil, store.ErrNotFound
}

// InsertNotification implements store.Store
func (s *Store) InsertNotification(_ context.Context, n *models.Notification) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications = append(s.notifications, *n)
	return nil
}

// DeleteExpiredDefenders implements store.Store. Each row is removed under its
// flag lock so an in-flight capture never has a row vanish mid-transaction.
func (s *Store) DeleteExpiredDefenders(ctx context.Context, now time.Time) (int64, error) {
	s.mu.RLock()
	var expired []uuid.UUID
	for flagID, d := range s.defenders {
		if !d.ActiveAt(now) {
			expired = append(expired, flagID)
		}
	}
	s.mu.RUnlock()

	var removed int64
	for _, flagID := range expired {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		unlock := s.flagLocks.lock(flagID)
		s.mu.Lock()
		if d, ok := s.defenders[flagID]; ok && !d.ActiveAt(now) {
			delete(s.defenders, flagID)
			removed++
		}
		s.mu.Unlock()
		unlock()
	}
	return removed, nil
}

// tx is one unit of work. Writes stay in the buffers below until commit;
// reads through the tx see its own pending writes.
type tx struct {
	s       *Store
	unlocks []func()
	users   map[int]bool

	flags     map[uuid.UUID]models.Flag
	defenders map[uuid.UUID]*models.Defender // nil marks a delete
	progress  map[int]models.UserProgress
	captures  []models.CaptureRecord
}

func newTx(s *Store) *tx {
	return &tx{
		s:         s,
		users:     make(map[int]bool),
		flags:     make(map[uuid.UUID]models.Flag),
		defenders: make(map[uuid.UUID]*models.Defender),
		progress:  make(map[int]models.UserProgress),
	}
}

func (t *tx) commit() {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	for id, f := range t.flags {
		t.s.flags[id] = f
	}
	for flagID, d := range t.defenders {
		if d == nil {
			delete(t.s.defenders, flagID)
		} else {
			t.s.defenders[flagID] = *d
		}
	}
	for userID, p := range t.progress {
		t.s.progress[userID] = p
	}
	t.s.captures = append(t.s.captures, t.captures...)
}

func (t *tx) release() {
	for i := len(t.unlocks) - 1; i >= 0; i-- {
		t.unlocks[i]()
	}
	t.unlocks = nil
}

func (t *tx) GetDefender(ctx context.Context, flagID uuid.UUID) (*models.Defender, error) {
	if d, ok := t.defenders[flagID]; ok {
		if d == nil {
			return nil, store.ErrNotFound
		}
		cp := *d
		return &cp, nil
	}
	return t.s.GetDefender(ctx, flagID)
}

func (t *tx) UpsertDefender(_ context.Context, d *models.Defender) error {
	cp := *d
	t.defenders[d.FlagID] = &cp
	return nil
}

func (t *tx) DeleteDefender(_ context.Context, flagID uuid.UUID) error {
	t.defenders[flagID] = nil
	return nil
}

func (t *tx) LockUserProgress(_ context.Context, userID int) (*models.UserProgress, error) {
	if !t.users[userID] {
		t.unlocks = append(t.unlocks, t.s.userLocks.lock(userID))
		t.users[userID] = true
	}

	if p, ok := t.progress[userID]; ok {
		return &p, nil
	}

	t.s.mu.RLock()
	defer t.s.mu.RUnlock()

	p, ok := t.s.progress[userID]
	if !ok {
		return nil, fmt.Errorf("user %d: %w", userID, store.ErrNotFound)
	}
	return &p, nil
}

func (t *tx) SaveUserProgress(_ context.Context, p *models.UserProgress) error {
	if !t.users[p.UserID] {
		return fmt.Errorf("user %d progress saved without lock", p.UserID)
	}
	t.progress[p.UserID] = *p
	return nil
}

func (t *tx) UpdateFlag(_ context.Context, f *models.Flag) error {
	t.s.mu.RLock()
	_, ok := t.s.flags[f.ID]
	t.s.mu.RUnlock()
	if !ok {
		return store.ErrNotFound
	}
	t.flags[f.ID] = *f
	return nil
}

func (t *tx) InsertCapture(_ context.Context, rec *models.CaptureRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	t.captures = append(t.captures, *rec)
	return nil
}
