package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/ctfgame/api/internal/live"
	"github.com/ctfgame/api/internal/models"
	"github.com/ctfgame/api/internal/realtime"
)

// testClient connects to REDIS_TEST_HOST and flushes the selected DB.
// Tests are skipped when it is unset.
func testClient(t *testing.T) *Client {
	t.Helper()
	host := os.Getenv("REDIS_TEST_HOST")
	if host == "" {
		t.Skip("REDIS_TEST_HOST not set")
	}

	ctx := context.Background()
	c, err := NewClient(ctx, &Config{Host: host, Port: "6379", DB: 15, PoolSize: 4, DialTimeout: time.Second})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := c.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestLeaderboardOrdering(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()

	for _, e := range []models.LeaderboardEntry{
		{UserID: 1, Username: "alice", TeamID: 1, XP: 300, Level: 1},
		{UserID: 2, Username: "bob", TeamID: 2, XP: 900, Level: 3},
		{UserID: 3, Username: "carol", TeamID: 3, XP: 100, Level: 1},
	} {
		if err := c.UpsertScore(ctx, e); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	top, err := c.TopXP(ctx, 2, 0)
	if err != nil {
		t.Fatalf("top: %v", err)
	}
	if len(top) != 2 || top[0].Username != "bob" || top[0].Rank != 1 || top[1].UserID != 1 {
		t.Fatalf("unexpected top: %+v", top)
	}

	page, _ := c.TopXP(ctx, 2, 2)
	if len(page) != 1 || page[0].Rank != 3 || page[0].TeamID != 3 {
		t.Fatalf("unexpected second page: %+v", page)
	}

	if rank, err := c.PlayerRank(ctx, 1); err != nil || rank != 2 {
		t.Fatalf("expected rank 2, got %d (%v)", rank, err)
	}

	if err := c.ReplaceAll(ctx, []models.LeaderboardEntry{{UserID: 9, Username: "zed", XP: 5}}); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if size, _ := c.LeaderboardSize(ctx); size != 1 {
		t.Fatalf("expected rebuilt leaderboard of 1, got %d", size)
	}
}

func TestUpsertScoreNeverLowers(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()

	if err := c.UpsertScore(ctx, models.LeaderboardEntry{UserID: 1, Username: "alice", TeamID: 1, XP: 500, Level: 2}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := c.UpsertScore(ctx, models.LeaderboardEntry{UserID: 1, Username: "alice", TeamID: 1, XP: 400, Level: 1}); err != nil {
		t.Fatalf("stale upsert: %v", err)
	}

	top, err := c.TopXP(ctx, 1, 0)
	if err != nil {
		t.Fatalf("top: %v", err)
	}
	if len(top) != 1 || top[0].XP != 500 || top[0].Level != 2 {
		t.Fatalf("stale write lowered the player: %+v", top)
	}

	if err := c.UpsertScore(ctx, models.LeaderboardEntry{UserID: 1, Username: "alice", TeamID: 1, XP: 900, Level: 3}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if top, _ := c.TopXP(ctx, 1, 0); top[0].XP != 900 || top[0].Level != 3 {
		t.Fatalf("newer write not applied: %+v", top)
	}
}

func TestPresenceCountsLastConnection(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()
	p := NewPresence(c)
	id := live.Identity{UserID: 5, Username: "eve", TeamID: 2}

	_ = p.Join(ctx, id)
	_ = p.Join(ctx, id)
	_ = p.Leave(ctx, id)

	counts, err := p.ActiveByTeam(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts[2] != 1 {
		t.Fatalf("user left too early: %v", counts)
	}

	_ = p.Leave(ctx, id)
	if n, _ := p.ActiveUsersCount(ctx); n != 0 {
		t.Fatalf("expected no active users, got %d", n)
	}
}

func TestAllowWindow(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if ok, err := c.Allow(ctx, "capture:1", 3, time.Minute); err != nil || !ok {
			t.Fatalf("hit %d rejected: %v", i, err)
		}
	}
	if ok, _ := c.Allow(ctx, "capture:1", 3, time.Minute); ok {
		t.Fatalf("fourth hit allowed")
	}
	if ok, _ := c.Allow(ctx, "capture:2", 3, time.Minute); !ok {
		t.Fatalf("separate key shares a bucket")
	}
}

type collectingDispatcher struct {
	events chan realtime.Event
}

func (d *collectingDispatcher) DispatchGlobal(e realtime.Event) { d.events <- e }
func (d *collectingDispatcher) DispatchToFlagSubscribers(_ string, e realtime.Event) {
	d.events <- e
}
func (d *collectingDispatcher) DispatchToUser(_ int, e realtime.Event) { d.events <- e }
func (d *collectingDispatcher) DispatchToTeam(_ int, e realtime.Event) { d.events <- e }

func TestPubSubBusRoundTrip(t *testing.T) {
	c := testClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := NewPubSubBus(c, 16)
	d := &collectingDispatcher{events: make(chan realtime.Event, 4)}
	bus.Subscribe(d)
	go bus.Run(ctx)

	// give PSUBSCRIBE time to register before publishing
	time.Sleep(200 * time.Millisecond)
	bus.Publish(ctx, realtime.Direct(7, realtime.EventFlagLost, map[string]any{"flagName": "Library"}, time.Now()))

	select {
	case e := <-d.events:
		if e.Type != realtime.TypeDirect || e.Event != realtime.EventFlagLost {
			t.Fatalf("unexpected event: %+v", e)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("event never delivered")
	}
}

func TestRouteDecodesChannel(t *testing.T) {
	bus := NewPubSubBus(nil, 1)
	d := &collectingDispatcher{events: make(chan realtime.Event, 4)}
	bus.Subscribe(d)

	bus.route("weather:report", `{"type":"flag_update"}`)
	bus.route("flag:abc:updates", `not json`)
	bus.route("flag:abc:updates", `{"type":"flag_update","flagId":"abc","event":"captured","data":null,"timestamp":1}`)

	if len(d.events) != 1 {
		t.Fatalf("expected exactly one routed event, got %d", len(d.events))
	}
	if e := <-d.events; e.FlagID != "abc" || e.Event != realtime.EventCaptured {
		t.Fatalf("unexpected event: %+v", e)
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	bus := NewPubSubBus(nil, 1)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(context.Background(), realtime.Global("tick", nil, time.Now()))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("publish blocked on a full queue")
	}
}
