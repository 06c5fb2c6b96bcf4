package redis

import (
	"context"
	"fmt"

	"github.com/ctfgame/api/internal/live"
	"github.com/ctfgame/api/internal/models"
	"github.com/redis/go-redis/v9"
)

const activeUsersKey = "active_users"

func teamActiveKey(teamID int) string {
	return fmt.Sprintf("active_users:team:%d", teamID)
}

func connCountKey(userID int) string {
	return fmt.Sprintf("presence:conns:%d", userID)
}

// Presence tracks connected players across instances. A user stays active
// until their last connection leaves.
type Presence struct {
	client *Client
}

var _ live.Presence = (*Presence)(nil)

// NewPresence creates a presence tracker
func NewPresence(client *Client) *Presence {
	return &Presence{client: client}
}

// Join records one more connection for the user
func (p *Presence) Join(ctx context.Context, id live.Identity) error {
	pipe := p.client.TxPipeline()
	pipe.Incr(ctx, connCountKey(id.UserID))
	pipe.SAdd(ctx, activeUsersKey, id.UserID)
	pipe.SAdd(ctx, teamActiveKey(id.TeamID), id.UserID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to add to active users: %w", err)
	}
	return nil
}

// Leave drops one connection and clears the user once none remain
func (p *Presence) Leave(ctx context.Context, id live.Identity) error {
	remaining, err := p.client.Decr(ctx, connCountKey(id.UserID)).Result()
	if err != nil {
		return fmt.Errorf("failed to decrement connections: %w", err)
	}
	if remaining > 0 {
		return nil
	}

	pipe := p.client.TxPipeline()
	pipe.Del(ctx, connCountKey(id.UserID))
	pipe.SRem(ctx, activeUsersKey, id.UserID)
	pipe.SRem(ctx, teamActiveKey(id.TeamID), id.UserID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to remove from active users: %w", err)
	}
	return nil
}

// ActiveUsersCount returns the total number of connected players
func (p *Presence) ActiveUsersCount(ctx context.Context) (int64, error) {
	count, err := p.client.SCard(ctx, activeUsersKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get active users count: %w", err)
	}
	return count, nil
}

// ActiveByTeam returns connected player counts for every team
func (p *Presence) ActiveByTeam(ctx context.Context) (map[int]int64, error) {
	pipe := p.client.Pipeline()
	cmds := make(map[int]*redis.IntCmd)
	for _, team := range models.GetAllTeams() {
		cmds[team.ID] = pipe.SCard(ctx, teamActiveKey(team.ID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to get active users by team: %w", err)
	}

	counts := make(map[int]int64, len(cmds))
	for teamID, cmd := range cmds {
		counts[teamID] = cmd.Val()
	}
	return counts, nil
}
