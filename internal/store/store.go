// Package store defines the persistence contract shared by the Postgres and
// in-memory backends.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ctfgame/api/internal/geo"
	"github.com/ctfgame/api/internal/models"
	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested row does not exist
var ErrNotFound = errors.New("not found")

// DefenderReader reads the defender table
type DefenderReader interface {
	// GetDefender returns the stored row for the flag regardless of expiry,
	// or ErrNotFound.
	GetDefender(ctx context.Context, flagID uuid.UUID) (*models.Defender, error)
}

// DefenderRepository is the single-row-per-flag defender table
type DefenderRepository interface {
	DefenderReader
	// UpsertDefender replaces any existing row for d.FlagID.
	UpsertDefender(ctx context.Context, d *models.Defender) error
	// DeleteDefender removes the row for the flag. Missing rows are not an error.
	DeleteDefender(ctx context.Context, flagID uuid.UUID) error
}

// ProgressRepository locks and updates a user's progression row
type ProgressRepository interface {
	// LockUserProgress loads the row and holds it until the unit of work ends.
	LockUserProgress(ctx context.Context, userID int) (*models.UserProgress, error)
	SaveUserProgress(ctx context.Context, p *models.UserProgress) error
}

// FlagTx is the unit of work opened by WithFlagLock. Every write made through
// it commits or rolls back together.
type FlagTx interface {
	DefenderRepository
	ProgressRepository

	UpdateFlag(ctx context.Context, f *models.Flag) error
	InsertCapture(ctx context.Context, rec *models.CaptureRecord) error
}

// UserTx is the unit of work opened by WithUserLock
type UserTx interface {
	ProgressRepository
}

// Store is the authoritative state of the capture engine
type Store interface {
	// WithFlagLock loads the flag under an exclusive per-flag lock and runs fn
	// inside one atomic unit. fn returning an error rolls back every write.
	// Returns ErrNotFound if the flag does not exist.
	WithFlagLock(ctx context.Context, flagID uuid.UUID, fn func(tx FlagTx, flag *models.Flag) error) error
	// WithUserLock runs fn inside one atomic unit scoped to a user.
	WithUserLock(ctx context.Context, fn func(tx UserTx) error) error

	DefenderReader

	GetFlag(ctx context.Context, flagID uuid.UUID) (*models.Flag, error)
	// ActiveFlagsWithin returns the active flags inside box in no particular order.
	ActiveFlagsWithin(ctx context.Context, box geo.Box) ([]models.Flag, error)
	RecentCaptures(ctx context.Context, flagID uuid.UUID, limit int) ([]models.CaptureRecord, error)
	GetUserProgress(ctx context.Context, userID int) (*models.UserProgress, error)
	TopUsers(ctx context.Context, limit, offset int) ([]models.LeaderboardEntry, error)
	// UserRank returns the user's row in the same ordering TopUsers uses, or ErrNotFound.
	UserRank(ctx context.Context, userID int) (*models.LeaderboardEntry, error)
	// TeamStats aggregates a team. TopMembers holds at most topMembers rows.
	TeamStats(ctx context.Context, teamID, topMembers int) (*models.TeamStats, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	InsertNotification(ctx context.Context, n *models.Notification) error
	// DeleteExpiredDefenders removes every defender row with expires_at <= now.
	DeleteExpiredDefenders(ctx context.Context, now time.Time) (int64, error)
}
