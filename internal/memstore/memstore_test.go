package memstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ctfgame/api/internal/geo"
	"github.com/ctfgame/api/internal/models"
	"github.com/ctfgame/api/internal/store"
	"github.com/google/uuid"
)

func newFlag(s *Store) models.Flag {
	f := models.Flag{ID: uuid.New(), Name: "Test", Tier: models.TierCommon, IsActive: true}
	s.AddFlag(f)
	return f
}

func TestWithFlagLockMissingFlag(t *testing.T) {
	s := New()
	err := s.WithFlagLock(context.Background(), uuid.New(), func(store.FlagTx, *models.Flag) error {
		t.Fatal("fn must not run for a missing flag")
		return nil
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestWithFlagLockDiscardsEveryWriteOnError(t *testing.T) {
	ctx := context.Background()
	s := New()
	f := newFlag(s)
	s.AddUser(models.User{ID: 1, Username: "alice", TeamID: 1})
	s.defenders[f.ID] = models.Defender{ID: uuid.New(), FlagID: f.ID, ExpiresAt: time.Now().Add(time.Hour)}

	boom := errors.New("boom")
	err := s.WithFlagLock(ctx, f.ID, func(tx store.FlagTx, flag *models.Flag) error {
		team, user := 1, 1
		flag.OwnerTeamID, flag.OwnerUserID = &team, &user
		flag.TotalCaptures++
		if err := tx.UpdateFlag(ctx, flag); err != nil {
			return err
		}
		if err := tx.DeleteDefender(ctx, f.ID); err != nil {
			return err
		}
		if err := tx.InsertCapture(ctx, &models.CaptureRecord{FlagID: f.ID, UserID: 1, TeamID: 1}); err != nil {
			return err
		}
		p, err := tx.LockUserProgress(ctx, 1)
		if err != nil {
			return err
		}
		p.XP += 100
		if err := tx.SaveUserProgress(ctx, p); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error to propagate, got %v", err)
	}

	got, _ := s.GetFlag(ctx, f.ID)
	if !got.Neutral() || got.TotalCaptures != 0 {
		t.Fatalf("flag write not discarded: %+v", got)
	}
	if _, err := s.GetDefender(ctx, f.ID); err != nil {
		t.Fatalf("defender delete not discarded: %v", err)
	}
	if recs, _ := s.RecentCaptures(ctx, f.ID, 10); len(recs) != 0 {
		t.Fatalf("capture insert not discarded: %+v", recs)
	}
	if p, _ := s.GetUserProgress(ctx, 1); p.XP != 0 {
		t.Fatalf("xp not discarded: %+v", p)
	}
}

func TestWithFlagLockSerializesSameFlag(t *testing.T) {
	ctx := context.Background()
	s := New()
	f := newFlag(s)

	const workers = 50
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.WithFlagLock(ctx, f.ID, func(tx store.FlagTx, flag *models.Flag) error {
				flag.TotalCaptures++
				return tx.UpdateFlag(ctx, flag)
			})
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	got, _ := s.GetFlag(ctx, f.ID)
	if got.TotalCaptures != workers {
		t.Fatalf("expected %d serialized increments, got %d", workers, got.TotalCaptures)
	}
}

func TestDifferentFlagsDoNotBlock(t *testing.T) {
	ctx := context.Background()
	s := New()
	a, b := newFlag(s), newFlag(s)

	inside := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = s.WithFlagLock(ctx, a.ID, func(store.FlagTx, *models.Flag) error {
			close(inside)
			<-release
			return nil
		})
	}()
	<-inside
	defer close(release)

	done := make(chan error, 1)
	go func() {
		done <- s.WithFlagLock(ctx, b.ID, func(store.FlagTx, *models.Flag) error { return nil })
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("lock on flag a blocked a transaction on flag b")
	}
}

func TestConcurrentGrantsToSameUserAcrossFlags(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.AddUser(models.User{ID: 9, Username: "bob", TeamID: 2})

	const flags = 20
	var wg sync.WaitGroup
	for i := 0; i < flags; i++ {
		f := newFlag(s)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.WithFlagLock(ctx, f.ID, func(tx store.FlagTx, _ *models.Flag) error {
				p, err := tx.LockUserProgress(ctx, 9)
				if err != nil {
					return err
				}
				p.XP += 10
				return tx.SaveUserProgress(ctx, p)
			})
		}()
	}
	wg.Wait()

	p, _ := s.GetUserProgress(ctx, 9)
	if p.XP != flags*10 {
		t.Fatalf("expected no lost updates (xp=%d), got %d", flags*10, p.XP)
	}
}

func TestDeleteExpiredDefenders(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Now()

	live, stale := newFlag(s), newFlag(s)
	s.defenders[live.ID] = models.Defender{FlagID: live.ID, ExpiresAt: now.Add(time.Minute)}
	s.defenders[stale.ID] = models.Defender{FlagID: stale.ID, ExpiresAt: now.Add(-time.Minute)}

	n, err := s.DeleteExpiredDefenders(ctx, now)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row removed, got %d", n)
	}
	if _, err := s.GetDefender(ctx, stale.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected stale defender removed, got %v", err)
	}
	if _, err := s.GetDefender(ctx, live.ID); err != nil {
		t.Fatalf("expected live defender kept, got %v", err)
	}
}

func TestTopUsersOrdering(t *testing.T) {
	ctx := context.Background()
	s := New()
	for i, xp := range []int64{50, 900, 300} {
		id := i + 1
		s.AddUser(models.User{ID: id, Username: "u", TeamID: 1})
		s.progress[id] = models.UserProgress{UserID: id, XP: xp}
	}

	top, err := s.TopUsers(ctx, 2, 0)
	if err != nil {
		t.Fatalf("top: %v", err)
	}
	if len(top) != 2 || top[0].UserID != 2 || top[1].UserID != 3 {
		t.Fatalf("unexpected ordering: %+v", top)
	}
	if top[0].Rank != 1 || top[1].Rank != 2 {
		t.Fatalf("unexpected ranks: %+v", top)
	}

	rest, _ := s.TopUsers(ctx, 10, 2)
	if len(rest) != 1 || rest[0].UserID != 1 || rest[0].Rank != 3 {
		t.Fatalf("unexpected offset page: %+v", rest)
	}
}

func TestSeedDemo(t *testing.T) {
	s := New()
	if err := SeedDemo(s, "password123"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if len(s.flags) != len(sampleFlags) {
		t.Fatalf("expected %d flags, got %d", len(sampleFlags), len(s.flags))
	}
	u, err := s.GetUserByUsername(context.Background(), "Titans_scout")
	if err != nil || u.TeamID != models.TeamTitans {
		t.Fatalf("expected seeded Titans user, got %+v err=%v", u, err)
	}
}

func TestPendingWritesInvisibleUntilCommit(t *testing.T) {
	ctx := context.Background()
	s := New()
	f := newFlag(s)
	s.AddUser(models.User{ID: 1, Username: "alice", TeamID: 1})
	s.defenders[f.ID] = models.Defender{ID: uuid.New(), FlagID: f.ID, ExpiresAt: time.Now().Add(time.Hour)}

	err := s.WithFlagLock(ctx, f.ID, func(tx store.FlagTx, flag *models.Flag) error {
		if err := tx.DeleteDefender(ctx, f.ID); err != nil {
			return err
		}
		team, user := 1, 1
		flag.OwnerTeamID, flag.OwnerUserID = &team, &user
		if err := tx.UpdateFlag(ctx, flag); err != nil {
			return err
		}
		p, err := tx.LockUserProgress(ctx, 1)
		if err != nil {
			return err
		}
		p.XP = 100
		if err := tx.SaveUserProgress(ctx, p); err != nil {
			return err
		}

		// the unit of work reads its own writes
		if _, err := tx.GetDefender(ctx, f.ID); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("tx should see its own defender delete, got %v", err)
		}
		if again, _ := tx.LockUserProgress(ctx, 1); again.XP != 100 {
			t.Fatalf("tx should see its own progress write, got %+v", again)
		}

		// outside readers see the state before the unit of work
		if _, err := s.GetDefender(ctx, f.ID); err != nil {
			t.Fatalf("defender vanished before commit: %v", err)
		}
		if got, _ := s.GetFlag(ctx, f.ID); !got.Neutral() {
			t.Fatalf("ownership visible before commit: %+v", got)
		}
		if top, _ := s.TopUsers(ctx, 1, 0); top[0].XP != 0 {
			t.Fatalf("xp visible before commit: %+v", top)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := s.GetDefender(ctx, f.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("defender delete not applied: %v", err)
	}
	if got, _ := s.GetFlag(ctx, f.ID); got.Neutral() {
		t.Fatalf("ownership not applied: %+v", got)
	}
	if p, _ := s.GetUserProgress(ctx, 1); p.XP != 100 {
		t.Fatalf("xp not applied: %+v", p)
	}
}

func TestActiveFlagsWithin(t *testing.T) {
	ctx := context.Background()
	s := New()
	lat, lon := 40.3487, -74.6594
	near := models.Flag{ID: uuid.New(), Latitude: lat, Longitude: lon, IsActive: true}
	farLat, farLon := geo.Offset(lat, lon, 5000, 0)
	far := models.Flag{ID: uuid.New(), Latitude: farLat, Longitude: farLon, IsActive: true}
	hidden := models.Flag{ID: uuid.New(), Latitude: lat, Longitude: lon}
	for _, f := range []models.Flag{near, far, hidden} {
		s.AddFlag(f)
	}

	got, err := s.ActiveFlagsWithin(ctx, geo.BoundingBox(lat, lon, 1000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].ID != near.ID {
		t.Fatalf("expected only the nearby active flag, got %+v", got)
	}
}

func TestUserRank(t *testing.T) {
	ctx := context.Background()
	s := New()
	for i, xp := range []int64{50, 900, 300} {
		id := i + 1
		s.AddUser(models.User{ID: id, Username: "u", TeamID: 1})
		s.progress[id] = models.UserProgress{UserID: id, XP: xp}
	}

	e, err := s.UserRank(ctx, 3)
	if err != nil {
		t.Fatalf("rank: %v", err)
	}
	if e.Rank != 2 || e.XP != 300 {
		t.Fatalf("expected rank 2 with 300 xp, got %+v", e)
	}
	if _, err := s.UserRank(ctx, 42); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTeamStats(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.AddUser(models.User{ID: 1, Username: "alice", TeamID: 1})
	s.AddUser(models.User{ID: 2, Username: "bob", TeamID: 2})
	s.AddUser(models.User{ID: 3, Username: "carol", TeamID: 1})
	s.progress[1] = models.UserProgress{UserID: 1, Username: "alice", TeamID: 1, XP: 400, Level: 2}
	s.progress[3] = models.UserProgress{UserID: 3, Username: "carol", TeamID: 1, XP: 900, Level: 3}

	owned := newFlag(s)
	team := 1
	owned.OwnerTeamID = &team
	s.AddFlag(owned)
	newFlag(s)
	s.captures = append(s.captures,
		models.CaptureRecord{ID: uuid.New(), FlagID: owned.ID, UserID: 1, TeamID: 1},
		models.CaptureRecord{ID: uuid.New(), FlagID: owned.ID, UserID: 2, TeamID: 2},
		models.CaptureRecord{ID: uuid.New(), FlagID: owned.ID, UserID: 3, TeamID: 1},
	)

	stats, err := s.TeamStats(ctx, 1, 1)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.MemberCount != 2 || stats.FlagsControlled != 1 || stats.TotalCaptures != 2 || stats.TotalTeamXP != 1300 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.AvgLevel != 2.5 {
		t.Fatalf("expected avg level 2.5, got %v", stats.AvgLevel)
	}
	if len(stats.TopMembers) != 1 || stats.TopMembers[0].UserID != 3 || stats.TopMembers[0].Rank != 1 {
		t.Fatalf("unexpected top members: %+v", stats.TopMembers)
	}
}
