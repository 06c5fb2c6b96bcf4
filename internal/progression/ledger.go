// Package progression owns user XP and level computation.
package progression

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"

	"github.com/ctfgame/api/internal/store"
)

// ErrNegativeXP is returned for grants below zero
var ErrNegativeXP = errors.New("xp amount must be non-negative")

// LevelForXP returns floor(sqrt(xp / 100))
func LevelForXP(xp int64) int {
	if xp <= 0 {
		return 0
	}
	q := xp / 100
	n := int64(math.Sqrt(float64(q)))
	// correct float rounding at perfect-square boundaries
	for n*n > q {
		n--
	}
	for (n+1)*(n+1) <= q {
		n++
	}
	return int(n)
}

// Grant describes one committed XP change
type Grant struct {
	UserID        int    `json:"userId"`
	Username      string `json:"username"`
	TeamID        int    `json:"teamId"`
	Amount        int64  `json:"amount"`
	PreviousXP    int64  `json:"previousXp"`
	XP            int64  `json:"xp"`
	PreviousLevel int    `json:"previousLevel"`
	Level         int    `json:"level"`
	CaptureCount  int64  `json:"captureCount"`
}

// LeveledUp reports whether the grant crossed at least one level
func (g Grant) LeveledUp() bool {
	return g.Level > g.PreviousLevel
}

// Observer receives grants after they commit
type Observer func(ctx context.Context, g Grant)

// observerQueueSize bounds grants waiting for delivery
const observerQueueSize = 1024

// Ledger applies XP grants and fans committed grants out to observers
type Ledger struct {
	store store.Store

	mu        sync.RWMutex
	observers []Observer

	start  sync.Once
	grants chan Grant
}

// NewLedger creates a ledger backed by s
func NewLedger(s store.Store) *Ledger {
	return &Ledger{store: s, grants: make(chan Grant, observerQueueSize)}
}

// Observe registers fn for every committed grant. Observers run one grant at
// a time on a single delivery goroutine, in the order grants were handed to
// Committed.
func (l *Ledger) Observe(fn Observer) {
	l.mu.Lock()
	l.observers = append(l.observers, fn)
	l.mu.Unlock()

	l.start.Do(func() { go l.deliver() })
}

// Apply adds amount to the user's XP inside the caller's unit of work and
// recomputes the level. When countCapture is set the capture counter is
// incremented too. Observers are not notified; call Committed after commit.
func (l *Ledger) Apply(ctx context.Context, repo store.ProgressRepository, userID int, amount int64, countCapture bool) (Grant, error) {
	if amount < 0 {
		return Grant{}, ErrNegativeXP
	}

	p, err := repo.LockUserProgress(ctx, userID)
	if err != nil {
		return Grant{}, fmt.Errorf("failed to load progress for user %d: %w", userID, err)
	}

	g := Grant{
		UserID:        p.UserID,
		Username:      p.Username,
		TeamID:        p.TeamID,
		Amount:        amount,
		PreviousXP:    p.XP,
		PreviousLevel: p.Level,
	}

	p.XP += amount
	// level never decreases even if a stored level was seeded above the formula
	if lvl := LevelForXP(p.XP); lvl > p.Level {
		p.Level = lvl
	}
	if countCapture {
		p.CaptureCount++
	}

	if err := repo.SaveUserProgress(ctx, p); err != nil {
		return Grant{}, fmt.Errorf("failed to save progress for user %d: %w", userID, err)
	}

	g.XP = p.XP
	g.Level = p.Level
	g.CaptureCount = p.CaptureCount
	return g, nil
}

// GrantXP applies a standalone grant in its own unit of work and notifies observers
func (l *Ledger) GrantXP(ctx context.Context, userID int, amount int64) (Grant, error) {
	if amount < 0 {
		return Grant{}, ErrNegativeXP
	}

	var g Grant
	err := l.store.WithUserLock(ctx, func(tx store.UserTx) error {
		var err error
		g, err = l.Apply(ctx, tx, userID, amount, false)
		return err
	})
	if err != nil {
		return Grant{}, err
	}

	l.Committed(g)
	return g, nil
}

// Committed queues a grant for the observers without blocking. A full queue
// drops the grant; observers only feed derived views.
func (l *Ledger) Committed(g Grant) {
	l.mu.RLock()
	n := len(l.observers)
	l.mu.RUnlock()
	if n == 0 {
		return
	}

	select {
	case l.grants <- g:
	default:
		log.Printf("[Progression] Observer queue full, dropping grant for user %d", g.UserID)
	}
}

func (l *Ledger) deliver() {
	for g := range l.grants {
		l.mu.RLock()
		observers := make([]Observer, len(l.observers))
		copy(observers, l.observers)
		l.mu.RUnlock()

		for _, fn := range observers {
			l.notify(fn, g)
		}
	}
}

func (l *Ledger) notify(fn Observer, g Grant) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Progression] Observer panicked for user %d: %v", g.UserID, r)
		}
	}()
	fn(context.Background(), g)
}
