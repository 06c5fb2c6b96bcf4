package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/ctfgame/api/internal/models"
	"github.com/redis/go-redis/v9"
)

const (
	leaderboardKey     = "leaderboard:global"
	leaderboardMetaKey = "leaderboard:global:meta"
)

// playerMeta is the non-score part of a leaderboard row
type playerMeta struct {
	Username string `json:"username"`
	TeamID   int    `json:"teamId"`
	Level    int    `json:"level"`
}

func memberID(userID int) string {
	return strconv.Itoa(userID)
}

// upsertScoreScript writes score and meta together, and only when the new
// score is not below the stored one.
// KEYS: zset, meta hash. ARGV: member, score, meta.
var upsertScoreScript = redis.NewScript(`
local cur = redis.call('ZSCORE', KEYS[1], ARGV[1])
if cur and tonumber(cur) > tonumber(ARGV[2]) then
	return 0
end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
redis.call('HSET', KEYS[2], ARGV[1], ARGV[3])
return 1
`)

// UpsertScore sets a player's XP and display fields. A score lower than the
// stored one is ignored, so late writes from any instance cannot lower a player.
func (c *Client) UpsertScore(ctx context.Context, e models.LeaderboardEntry) error {
	meta, err := json.Marshal(playerMeta{Username: e.Username, TeamID: e.TeamID, Level: e.Level})
	if err != nil {
		return fmt.Errorf("failed to encode leaderboard meta: %w", err)
	}

	err = upsertScoreScript.Run(ctx, c.Client,
		[]string{leaderboardKey, leaderboardMetaKey},
		memberID(e.UserID), e.XP, meta,
	).Err()
	if err != nil {
		return fmt.Errorf("failed to update leaderboard: %w", err)
	}
	return nil
}

// ReplaceAll rebuilds the leaderboard from entries in one transaction
func (c *Client) ReplaceAll(ctx context.Context, entries []models.LeaderboardEntry) error {
	pipe := c.TxPipeline()
	pipe.Del(ctx, leaderboardKey, leaderboardMetaKey)

	for _, e := range entries {
		meta, err := json.Marshal(playerMeta{Username: e.Username, TeamID: e.TeamID, Level: e.Level})
		if err != nil {
			return fmt.Errorf("failed to encode leaderboard meta: %w", err)
		}
		pipe.ZAdd(ctx, leaderboardKey, redis.Z{Score: float64(e.XP), Member: memberID(e.UserID)})
		pipe.HSet(ctx, leaderboardMetaKey, memberID(e.UserID), meta)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to rebuild leaderboard: %w", err)
	}
	return nil
}

// TopXP returns players ordered by XP, highest first, with 1-based ranks
func (c *Client) TopXP(ctx context.Context, limit, offset int) ([]models.LeaderboardEntry, error) {
	start := int64(offset)
	players, err := c.ZRevRangeWithScores(ctx, leaderboardKey, start, start+int64(limit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get top players: %w", err)
	}
	if len(players) == 0 {
		return []models.LeaderboardEntry{}, nil
	}

	ids := make([]string, len(players))
	for i, z := range players {
		ids[i], _ = z.Member.(string)
	}
	metas, err := c.HMGet(ctx, leaderboardMetaKey, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get leaderboard meta: %w", err)
	}

	entries := make([]models.LeaderboardEntry, 0, len(players))
	for i, z := range players {
		userID, err := strconv.Atoi(ids[i])
		if err != nil {
			continue
		}
		e := models.LeaderboardEntry{
			Rank:   start + int64(i) + 1,
			UserID: userID,
			XP:     int64(z.Score),
		}
		if raw, ok := metas[i].(string); ok {
			var meta playerMeta
			if json.Unmarshal([]byte(raw), &meta) == nil {
				e.Username = meta.Username
				e.TeamID = meta.TeamID
				e.Level = meta.Level
			}
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// PlayerRank returns the 1-based rank of a player, or redis.Nil if unranked
func (c *Client) PlayerRank(ctx context.Context, userID int) (int64, error) {
	rank, err := c.ZRevRank(ctx, leaderboardKey, memberID(userID)).Result()
	if err != nil {
		return 0, err
	}
	return rank + 1, nil
}

// LeaderboardSize returns the number of ranked players
func (c *Client) LeaderboardSize(ctx context.Context) (int64, error) {
	count, err := c.ZCard(ctx, leaderboardKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get leaderboard size: %w", err)
	}
	return count, nil
}
