package live

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ctfgame/api/internal/realtime"
	"github.com/google/uuid"
)

func testConfig() *Config {
	return &Config{
		HeartbeatInterval: time.Second,
		HeartbeatGrace:    time.Second,
		WriteTimeout:      time.Second,
		SendBuffer:        8,
		MaxMessageBytes:   4096,
		MessageRate:       100,
		MessageBurst:      100,
	}
}

type recordingPresence struct {
	mu     sync.Mutex
	joined []int
	left   []int
}

func (p *recordingPresence) Join(_ context.Context, id Identity) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.joined = append(p.joined, id.UserID)
	return nil
}

func (p *recordingPresence) Leave(_ context.Context, id Identity) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.left = append(p.left, id.UserID)
	return nil
}

func register(r *Registry, userID, teamID int) *Conn {
	c := newConn(nil, Identity{UserID: userID, Username: "player", TeamID: teamID}, r.cfg)
	r.Register(c)
	return c
}

func drain(c *Conn) []realtime.Event {
	var out []realtime.Event
	for {
		select {
		case payload, ok := <-c.send:
			if !ok {
				return out
			}
			var e realtime.Event
			if err := json.Unmarshal(payload, &e); err == nil {
				out = append(out, e)
			}
		default:
			return out
		}
	}
}

func TestDispatchScoping(t *testing.T) {
	r := NewRegistry(testConfig(), nil)
	flagID := uuid.NewString()

	follower := register(r, 1, 1)
	teammate := register(r, 2, 1)
	rival := register(r, 3, 2)
	if err := r.Subscribe(follower.ID, flagID); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	now := time.Now()
	r.DispatchToFlagSubscribers(flagID, realtime.FlagUpdate(flagID, realtime.EventCaptured, nil, now).Event)
	r.DispatchToUser(3, realtime.Direct(3, realtime.EventFlagLost, nil, now).Event)
	r.DispatchToTeam(1, realtime.Team(1, realtime.EventTeamFlagLost, nil, now).Event)
	r.DispatchGlobal(realtime.Global("season_start", nil, now).Event)

	want := map[*Conn][]string{
		follower: {realtime.EventCaptured, realtime.EventTeamFlagLost, "season_start"},
		teammate: {realtime.EventTeamFlagLost, "season_start"},
		rival:    {realtime.EventFlagLost, "season_start"},
	}
	for c, names := range want {
		got := drain(c)
		if len(got) != len(names) {
			t.Fatalf("user %d: expected %v, got %+v", c.UserID, names, got)
		}
		for i, name := range names {
			if got[i].Event != name {
				t.Fatalf("user %d: event %d is %q, want %q", c.UserID, i, got[i].Event, name)
			}
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	r := NewRegistry(testConfig(), nil)
	flagID := uuid.NewString()
	c := register(r, 1, 1)

	_ = r.Subscribe(c.ID, flagID)
	_ = r.Unsubscribe(c.ID, flagID)
	r.DispatchToFlagSubscribers(flagID, realtime.FlagUpdate(flagID, realtime.EventCaptured, nil, time.Now()).Event)

	if got := drain(c); len(got) != 0 {
		t.Fatalf("unsubscribed connection received %+v", got)
	}
}

func TestUnknownConnection(t *testing.T) {
	r := NewRegistry(testConfig(), nil)
	if err := r.Subscribe(uuid.New(), "flag"); !errors.Is(err, ErrUnknownConnection) {
		t.Fatalf("expected ErrUnknownConnection, got %v", err)
	}
	// unregistering twice is harmless
	c := register(r, 1, 1)
	r.Unregister(c.ID)
	r.Unregister(c.ID)
	if r.Len() != 0 {
		t.Fatalf("expected empty registry, got %d", r.Len())
	}
}

func TestSlowConnectionEvicted(t *testing.T) {
	cfg := testConfig()
	cfg.SendBuffer = 1
	presence := &recordingPresence{}
	r := NewRegistry(cfg, presence)

	slow := register(r, 1, 1)
	fast := register(r, 2, 1)

	e := realtime.Global("tick", nil, time.Now()).Event
	r.DispatchGlobal(e)
	drain(fast)
	r.DispatchGlobal(e)

	if r.Len() != 1 {
		t.Fatalf("expected slow connection evicted, %d remain", r.Len())
	}
	if _, err := r.lookup(fast.ID); err != nil {
		t.Fatalf("fast connection evicted: %v", err)
	}

	// queue still holds the first event, then reports closed
	<-slow.send
	if _, ok := <-slow.send; ok {
		t.Fatalf("expected evicted send queue to be closed")
	}

	presence.mu.Lock()
	defer presence.mu.Unlock()
	if len(presence.joined) != 2 || len(presence.left) != 1 || presence.left[0] != 1 {
		t.Fatalf("unexpected presence calls: joined=%v left=%v", presence.joined, presence.left)
	}
}

func TestActiveByTeamCountsDistinctUsers(t *testing.T) {
	r := NewRegistry(testConfig(), nil)
	register(r, 1, 1)
	register(r, 1, 1)
	register(r, 2, 1)
	register(r, 3, 3)

	counts, err := r.ActiveByTeam(context.Background())
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts[1] != 2 || counts[2] != 0 || counts[3] != 1 {
		t.Fatalf("unexpected counts: %v", counts)
	}
}

func TestConcurrentDispatchAndChurn(t *testing.T) {
	r := NewRegistry(testConfig(), nil)
	flagID := uuid.NewString()
	e := realtime.FlagUpdate(flagID, realtime.EventCaptured, nil, time.Now()).Event

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			c := register(r, i, i%3+1)
			_ = r.Subscribe(c.ID, flagID)
			drain(c)
			r.Unregister(c.ID)
		}(i)
		go func() {
			defer wg.Done()
			r.DispatchToFlagSubscribers(flagID, e)
			r.DispatchGlobal(e)
		}()
	}
	wg.Wait()

	if r.Len() != 0 {
		t.Fatalf("expected all connections gone, %d remain", r.Len())
	}
}
