// Package capture is the territory-capture state machine. Every ownership
// change runs inside a single per-flag unit of work; propagation happens only
// after that unit commits.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"time"

	"github.com/ctfgame/api/internal/defender"
	"github.com/ctfgame/api/internal/geo"
	"github.com/ctfgame/api/internal/models"
	"github.com/ctfgame/api/internal/progression"
	"github.com/ctfgame/api/internal/realtime"
	"github.com/ctfgame/api/internal/store"
	"github.com/google/uuid"
)

const (
	// BattleBonusXP is added to the base reward after defeating a defender
	BattleBonusXP = 50
	// RecentHistoryLimit bounds the history returned by GetFlagState
	RecentHistoryLimit = 10
)

// BattleFunc decides whether an attacker breaks through a defender
type BattleFunc func(d models.Defender) bool

// CoinFlip succeeds half of the time regardless of defender strength
func CoinFlip(models.Defender) bool {
	return rand.Float64() > 0.5
}

// Engine resolves capture attempts
type Engine struct {
	store  store.Store
	ledger *progression.Ledger
	bus    realtime.Publisher
	battle BattleFunc
	now    func() time.Time
}

// Option configures an Engine
type Option func(*Engine)

// WithBattle replaces the battle outcome policy
func WithBattle(fn BattleFunc) Option {
	return func(e *Engine) { e.battle = fn }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a capture engine
func NewEngine(s store.Store, ledger *progression.Ledger, bus realtime.Publisher, opts ...Option) *Engine {
	e := &Engine{
		store:  s,
		ledger: ledger,
		bus:    bus,
		battle: CoinFlip,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Request is one capture attempt by an authenticated player
type Request struct {
	FlagID         uuid.UUID
	UserID         int
	Username       string
	TeamID         int
	Latitude       float64
	Longitude      float64
	DefenderTypeID *int
}

// Result describes a successful capture
type Result struct {
	FlagID           uuid.UUID               `json:"flagId"`
	FlagName         string                  `json:"flagName"`
	OwnerTeamID      int                     `json:"ownerTeamId"`
	OwnerUserID      int                     `json:"ownerUserId"`
	TotalCaptures    int64                   `json:"totalCaptures"`
	XPEarned         int64                   `json:"xpEarned"`
	PreviousLevel    int                     `json:"previousLevel"`
	NewLevel         int                     `json:"newLevel"`
	TotalXP          int64                   `json:"totalXp"`
	BattleOccurred   bool                    `json:"battleOccurred"`
	DeployedDefender *models.DefenderSummary `json:"deployedDefender"`
	CapturedAt       time.Time               `json:"capturedAt"`
}

// committed carries what the post-commit phase needs
type committed struct {
	flag         models.Flag
	previousTeam *int
	previousUser *int
	grant        progression.Grant
	deployed     *models.Defender
	battle       bool
	xp           int64
	capturedAt   time.Time
}

// AttemptCapture runs the full capture state machine for one request.
// Validation, proximity, ownership and battle failures return before any
// write is committed.
func (e *Engine) AttemptCapture(ctx context.Context, req Request) (*Result, error) {
	if err := geo.ValidateCoordinates(req.Latitude, req.Longitude); err != nil {
		return nil, err
	}

	var c committed
	err := e.store.WithFlagLock(ctx, req.FlagID, func(tx store.FlagTx, flag *models.Flag) error {
		if !flag.IsActive {
			return ErrFlagNotFound
		}

		within, distance, err := geo.CheckFlagProximity(req.Latitude, req.Longitude, flag)
		if err != nil {
			return err
		}
		if !within {
			return &TooFarError{Distance: distance, Required: flag.Radius()}
		}

		if flag.OwnerTeamID != nil && *flag.OwnerTeamID == req.TeamID {
			return ErrAlreadyControlled
		}

		now := e.now()

		if _, err := defender.SweepExpired(ctx, tx, flag.ID, now); err != nil {
			return err
		}
		active, err := defender.Active(ctx, tx, flag.ID, now)
		if err != nil {
			return err
		}

		xp := flag.Tier.BaseXP()
		battle := false
		if active != nil {
			if !e.battle(*active) {
				return &BattleLostError{Defender: *active.Summary()}
			}
			if err := defender.Remove(ctx, tx, flag.ID); err != nil {
				return err
			}
			battle = true
			xp += BattleBonusXP
		}

		grant, err := e.ledger.Apply(ctx, tx, req.UserID, xp, true)
		if errors.Is(err, store.ErrNotFound) {
			return ErrUserNotFound
		}
		if err != nil {
			return err
		}

		var held *int64
		if flag.CapturedAt != nil {
			secs := int64(now.Sub(*flag.CapturedAt) / time.Second)
			held = &secs
		}

		previousTeam, previousUser := flag.OwnerTeamID, flag.OwnerUserID
		team, user := req.TeamID, req.UserID
		flag.OwnerTeamID = &team
		flag.OwnerUserID = &user
		flag.CapturedAt = &now
		flag.TotalCaptures++

		if err := tx.UpdateFlag(ctx, flag); err != nil {
			return fmt.Errorf("failed to update flag ownership: %w", err)
		}

		rec := &models.CaptureRecord{
			ID:                  uuid.New(),
			FlagID:              flag.ID,
			UserID:              req.UserID,
			TeamID:              req.TeamID,
			XPEarned:            xp,
			PreviousOwnerTeamID: previousTeam,
			DurationHeldSeconds: held,
			BattleOccurred:      battle,
			CapturedAt:          now,
		}
		if err := tx.InsertCapture(ctx, rec); err != nil {
			return fmt.Errorf("failed to record capture: %w", err)
		}

		var deployed *models.Defender
		if req.DefenderTypeID != nil {
			dt, ok := models.GetDefenderType(*req.DefenderTypeID)
			if ok && grant.Level >= dt.UnlockLevel {
				deployed, err = defender.Deploy(ctx, tx, flag.ID, req.UserID, dt, now)
				if err != nil {
					return err
				}
			}
		}

		c = committed{
			flag:         *flag,
			previousTeam: previousTeam,
			previousUser: previousUser,
			grant:        grant,
			deployed:     deployed,
			battle:       battle,
			xp:           xp,
			capturedAt:   now,
		}
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrFlagNotFound
	}
	if err != nil {
		return nil, err
	}

	e.afterCapture(ctx, req, c)

	return &Result{
		FlagID:           c.flag.ID,
		FlagName:         c.flag.Name,
		OwnerTeamID:      req.TeamID,
		OwnerUserID:      req.UserID,
		TotalCaptures:    c.flag.TotalCaptures,
		XPEarned:         c.xp,
		PreviousLevel:    c.grant.PreviousLevel,
		NewLevel:         c.grant.Level,
		TotalXP:          c.grant.XP,
		BattleOccurred:   c.battle,
		DeployedDefender: c.deployed.Summary(),
		CapturedAt:       c.capturedAt,
	}, nil
}

// afterCapture runs the best-effort side effects of a committed capture.
// Nothing here can fail the capture.
func (e *Engine) afterCapture(ctx context.Context, req Request, c committed) {
	e.ledger.Committed(c.grant)

	flagID := c.flag.ID.String()
	e.bus.Publish(ctx, realtime.FlagUpdate(flagID, realtime.EventCaptured, map[string]any{
		"flagId":         flagID,
		"flagName":       c.flag.Name,
		"userId":         req.UserID,
		"username":       req.Username,
		"teamId":         req.TeamID,
		"previousTeamId": c.previousTeam,
		"battleOccurred": c.battle,
		"totalCaptures":  c.flag.TotalCaptures,
	}, c.capturedAt))

	if c.grant.LeveledUp() {
		e.bus.Publish(ctx, realtime.Direct(req.UserID, realtime.EventLevelUp, map[string]any{
			"level": c.grant.Level,
			"xp":    c.grant.XP,
		}, c.capturedAt))
	}

	if c.previousUser != nil {
		e.notifyFlagLost(ctx, req, c)
	}

	log.Printf("[Capture] %s (user %d, team %d) captured %s (+%d XP, battle=%v)",
		req.Username, req.UserID, req.TeamID, c.flag.Name, c.xp, c.battle)
}

// DeployDefender places a defender on a flag the user's team already holds
func (e *Engine) DeployDefender(ctx context.Context, flagID uuid.UUID, userID, teamID, defenderTypeID int) (*models.DefenderSummary, error) {
	dt, ok := models.GetDefenderType(defenderTypeID)
	if !ok {
		return nil, ErrDefenderTypeNotFound
	}

	var deployed *models.Defender
	err := e.store.WithFlagLock(ctx, flagID, func(tx store.FlagTx, flag *models.Flag) error {
		if !flag.IsActive {
			return ErrFlagNotFound
		}
		if flag.OwnerTeamID == nil || *flag.OwnerTeamID != teamID {
			return ErrNotOwner
		}

		p, err := tx.LockUserProgress(ctx, userID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrUserNotFound
		}
		if err != nil {
			return err
		}
		if p.Level < dt.UnlockLevel {
			return ErrLevelTooLow
		}

		deployed, err = defender.Deploy(ctx, tx, flag.ID, userID, dt, e.now())
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrFlagNotFound
	}
	if err != nil {
		return nil, err
	}

	summary := deployed.Summary()
	e.bus.Publish(ctx, realtime.FlagUpdate(flagID.String(), "defender_deployed", summary, deployed.DeployedAt))
	return summary, nil
}

// FlagState is the read view of one flag
type FlagState struct {
	Flag           models.Flag             `json:"flag"`
	Owner          *models.Team            `json:"ownerTeam"`
	Defender       *models.DefenderSummary `json:"defender"`
	RecentCaptures []models.CaptureRecord  `json:"recentCaptures"`
}

// GetFlagState returns ownership, the active defender and recent history
func (e *Engine) GetFlagState(ctx context.Context, flagID uuid.UUID) (*FlagState, error) {
	flag, err := e.store.GetFlag(ctx, flagID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !flag.IsActive) {
		return nil, ErrFlagNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load flag: %w", err)
	}

	active, err := defender.Active(ctx, e.store, flagID, e.now())
	if err != nil {
		return nil, err
	}

	history, err := e.store.RecentCaptures(ctx, flagID, RecentHistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load capture history: %w", err)
	}

	state := &FlagState{
		Flag:           *flag,
		Defender:       active.Summary(),
		RecentCaptures: history,
	}
	if flag.OwnerTeamID != nil {
		state.Owner = models.GetTeamDetails(*flag.OwnerTeamID)
	}
	return state, nil
}
