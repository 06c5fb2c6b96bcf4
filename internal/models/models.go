package models

import (
	"time"

	"github.com/google/uuid"
)

// FlagTier classifies a flag and fixes its base XP reward
type FlagTier string

const (
	TierCommon    FlagTier = "common"
	TierRare      FlagTier = "rare"
	TierLegendary FlagTier = "legendary"
)

// DefaultCaptureRadius is used when a flag carries no explicit radius
const DefaultCaptureRadius = 30.0

// BaseXP returns the capture reward for the tier
func (t FlagTier) BaseXP() int64 {
	switch t {
	case TierRare:
		return 500
	case TierLegendary:
		return 2000
	default:
		return 100
	}
}

// Flag represents a capturable map location
type Flag struct {
	ID            uuid.UUID  `json:"id"`
	Name          string     `json:"name"`
	Latitude      float64    `json:"latitude"`
	Longitude     float64    `json:"longitude"`
	Tier          FlagTier   `json:"type"`
	CaptureRadius float64    `json:"captureRadius"`
	OwnerTeamID   *int       `json:"ownerTeamId"`
	OwnerUserID   *int       `json:"ownerUserId"`
	CapturedAt    *time.Time `json:"capturedAt"`
	TotalCaptures int64      `json:"totalCaptures"`
	IsActive      bool       `json:"-"`
}

// Neutral reports whether no team owns the flag
func (f *Flag) Neutral() bool {
	return f.OwnerTeamID == nil
}

// Radius returns the capture radius, falling back to the default
func (f *Flag) Radius() float64 {
	if f.CaptureRadius <= 0 {
		return DefaultCaptureRadius
	}
	return f.CaptureRadius
}

// DefenderType is a deployable defender from the static catalogue
type DefenderType struct {
	ID              int    `json:"id"`
	Name            string `json:"name"`
	Strength        int    `json:"strength"`
	DurationMinutes int    `json:"durationMinutes"`
	UnlockLevel     int    `json:"unlockLevel"`
	Description     string `json:"description"`
}

// Duration returns how long a deployment of this type lives
func (d DefenderType) Duration() time.Duration {
	return time.Duration(d.DurationMinutes) * time.Minute
}

// Defender protects a flag until ExpiresAt. At most one per flag.
type Defender struct {
	ID             uuid.UUID `json:"id"`
	FlagID         uuid.UUID `json:"flagId"`
	UserID         int       `json:"userId"`
	DefenderTypeID int       `json:"defenderTypeId"`
	Name           string    `json:"name"`
	Strength       int       `json:"strength"`
	DeployedAt     time.Time `json:"deployedAt"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

// ActiveAt reports whether the defender still protects its flag at now
func (d *Defender) ActiveAt(now time.Time) bool {
	return d.ExpiresAt.After(now)
}

// DefenderSummary is the client-facing view of a defender
type DefenderSummary struct {
	Name       string    `json:"name"`
	Strength   int       `json:"strength"`
	DeployedBy int       `json:"deployedBy"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Summary builds the client-facing view
func (d *Defender) Summary() *DefenderSummary {
	if d == nil {
		return nil
	}
	return &DefenderSummary{
		Name:       d.Name,
		Strength:   d.Strength,
		DeployedBy: d.UserID,
		ExpiresAt:  d.ExpiresAt,
	}
}

// CaptureRecord is an append-only history entry
type CaptureRecord struct {
	ID                  uuid.UUID `json:"id"`
	FlagID              uuid.UUID `json:"flagId"`
	UserID              int       `json:"userId"`
	TeamID              int       `json:"teamId"`
	XPEarned            int64     `json:"xpEarned"`
	PreviousOwnerTeamID *int      `json:"previousOwnerTeamId"`
	DurationHeldSeconds *int64    `json:"durationHeldSeconds"`
	BattleOccurred      bool      `json:"battleOccurred"`
	CapturedAt          time.Time `json:"capturedAt"`
}

// UserProgress holds the progression fields of a user
type UserProgress struct {
	UserID       int    `json:"userId"`
	Username     string `json:"username"`
	TeamID       int    `json:"teamId"`
	XP           int64  `json:"xp"`
	Level        int    `json:"level"`
	CaptureCount int64  `json:"captureCount"`
}

// User is a player account as far as login is concerned
type User struct {
	ID           int       `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	TeamID       int       `json:"teamId"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Notification is a persisted message addressed to one user
type Notification struct {
	ID        uuid.UUID      `json:"id"`
	UserID    int            `json:"userId"`
	Type      string         `json:"type"`
	Title     string         `json:"title"`
	Body      string         `json:"body"`
	Data      map[string]any `json:"data"`
	CreatedAt time.Time      `json:"createdAt"`
}

// LeaderboardEntry is one ranked row
type LeaderboardEntry struct {
	Rank     int64  `json:"rank"`
	UserID   int    `json:"userId"`
	Username string `json:"username"`
	TeamID   int    `json:"teamId,omitempty"`
	XP       int64  `json:"xp"`
	Level    int    `json:"level"`
}
