package capture

import (
	"errors"
	"fmt"

	"github.com/ctfgame/api/internal/models"
)

var (
	// ErrFlagNotFound is returned for missing or inactive flags
	ErrFlagNotFound = errors.New("flag not found or inactive")
	// ErrDefenderTypeNotFound is returned when deploying an unknown defender type
	ErrDefenderTypeNotFound = errors.New("defender type not found")
	// ErrUserNotFound is returned when the acting user has no progression row
	ErrUserNotFound = errors.New("user not found")
	// ErrAlreadyControlled is returned when the attacker's team already owns the flag
	ErrAlreadyControlled = errors.New("your team already controls this flag")
	// ErrNotOwner is returned when deploying on a flag the user's team does not hold
	ErrNotOwner = errors.New("your team does not control this flag")
	// ErrLevelTooLow is returned when a defender type is still locked for the user
	ErrLevelTooLow = errors.New("defender type not unlocked at your level")
)

// TooFarError reports a failed proximity check
type TooFarError struct {
	Distance float64
	Required float64
}

func (e *TooFarError) Error() string {
	return fmt.Sprintf("too far from flag: %.0fm away, must be within %.0fm", e.Distance, e.Required)
}

// BattleLostError reports a failed attempt to break through a defender
type BattleLostError struct {
	Defender models.DefenderSummary
}

func (e *BattleLostError) Error() string {
	return fmt.Sprintf("failed to break through the defender (strength %d)", e.Defender.Strength)
}
