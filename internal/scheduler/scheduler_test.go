package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ctfgame/api/internal/defender"
	"github.com/ctfgame/api/internal/memstore"
	"github.com/ctfgame/api/internal/models"
	"github.com/ctfgame/api/internal/store"
	"github.com/google/uuid"
)

func deploy(t *testing.T, s *memstore.Store, deployedAt time.Time, typeID int) uuid.UUID {
	t.Helper()
	flagID := uuid.New()
	s.AddFlag(models.Flag{ID: flagID, Name: "Fountain", Latitude: 1, Longitude: 1, IsActive: true})

	dt, _ := models.GetDefenderType(typeID)
	err := s.WithFlagLock(context.Background(), flagID, func(tx store.FlagTx, _ *models.Flag) error {
		_, err := defender.Deploy(context.Background(), tx, flagID, 1, dt, deployedAt)
		return err
	})
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	return flagID
}

func TestSweepDefenders(t *testing.T) {
	s := memstore.New()
	now := time.Now()

	expired := deploy(t, s, now.Add(-2*time.Hour), 1)
	active := deploy(t, s, now, 1)

	if n := SweepDefenders(context.Background(), s, now); n != 1 {
		t.Fatalf("expected 1 swept, got %d", n)
	}
	if _, err := s.GetDefender(context.Background(), expired); err == nil {
		t.Fatalf("expired defender still stored")
	}
	if _, err := s.GetDefender(context.Background(), active); err != nil {
		t.Fatalf("active defender removed: %v", err)
	}
}

type countingWarmer struct {
	calls atomic.Int32
}

func (w *countingWarmer) Warm(context.Context) error {
	w.calls.Add(1)
	return nil
}

func TestSchedulerRunsJobs(t *testing.T) {
	s := memstore.New()
	flagID := deploy(t, s, time.Now().Add(-2*time.Hour), 1)
	warmer := &countingWarmer{}

	sched, err := New(&Config{
		DefenderSweepInterval:      20 * time.Millisecond,
		LeaderboardRefreshInterval: time.Hour,
		JobTimeout:                 time.Second,
	}, s, warmer)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	sched.Start()
	defer sched.Shutdown()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_, err := s.GetDefender(context.Background(), flagID)
		if err != nil && warmer.calls.Load() > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("jobs did not run: warm calls=%d", warmer.calls.Load())
}

func TestDisabledJobs(t *testing.T) {
	sched, err := New(&Config{}, memstore.New(), &countingWarmer{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if n := len(sched.sched.Jobs()); n != 0 {
		t.Fatalf("expected no jobs, got %d", n)
	}
	_ = sched.Shutdown()
}
