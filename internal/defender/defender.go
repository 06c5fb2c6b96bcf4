// Package defender manages the single time-bounded defender attached to a flag.
//
// Expiry is lazy: rows are only physically removed by SweepExpired (or the
// background sweep job), but Active always filters by time, so a stale row is
// never observed as a live defender.
package defender

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ctfgame/api/internal/models"
	"github.com/ctfgame/api/internal/store"
	"github.com/google/uuid"
)

// Deploy writes the defender for flagID, replacing any existing row
func Deploy(ctx context.Context, repo store.DefenderRepository, flagID uuid.UUID, userID int, dt models.DefenderType, now time.Time) (*models.Defender, error) {
	d := &models.Defender{
		ID:             uuid.New(),
		FlagID:         flagID,
		UserID:         userID,
		DefenderTypeID: dt.ID,
		Name:           dt.Name,
		Strength:       dt.Strength,
		DeployedAt:     now,
		ExpiresAt:      now.Add(dt.Duration()),
	}

	if err := repo.UpsertDefender(ctx, d); err != nil {
		return nil, fmt.Errorf("failed to deploy defender: %w", err)
	}
	return d, nil
}

// Active returns the flag's defender if it has not expired at now, or nil
func Active(ctx context.Context, repo store.DefenderReader, flagID uuid.UUID, now time.Time) (*models.Defender, error) {
	d, err := repo.GetDefender(ctx, flagID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load defender: %w", err)
	}
	if !d.ActiveAt(now) {
		return nil, nil
	}
	return d, nil
}

// SweepExpired deletes the flag's defender row if it has expired at now.
// Reports whether a row was removed.
func SweepExpired(ctx context.Context, repo store.DefenderRepository, flagID uuid.UUID, now time.Time) (bool, error) {
	d, err := repo.GetDefender(ctx, flagID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load defender: %w", err)
	}
	if d.ActiveAt(now) {
		return false, nil
	}
	if err := repo.DeleteDefender(ctx, flagID); err != nil {
		return false, fmt.Errorf("failed to sweep defender: %w", err)
	}
	return true, nil
}

// Remove deletes the flag's defender unconditionally (defender defeated)
func Remove(ctx context.Context, repo store.DefenderRepository, flagID uuid.UUID) error {
	if err := repo.DeleteDefender(ctx, flagID); err != nil {
		return fmt.Errorf("failed to remove defender: %w", err)
	}
	return nil
}
