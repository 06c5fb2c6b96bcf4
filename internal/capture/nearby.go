package capture

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/ctfgame/api/internal/defender"
	"github.com/ctfgame/api/internal/geo"
	"github.com/ctfgame/api/internal/models"
	"github.com/google/uuid"
)

const (
	// DefaultNearbyRadius is the map search radius in meters when none is given
	DefaultNearbyRadius = 1000.0
	// MaxNearbyRadius caps the map search radius
	MaxNearbyRadius = 10000.0
)

// NearbyFlag is one flag on the player's map
type NearbyFlag struct {
	ID             uuid.UUID       `json:"id"`
	Name           string          `json:"name"`
	Latitude       float64         `json:"latitude"`
	Longitude      float64         `json:"longitude"`
	Type           models.FlagTier `json:"type"`
	DistanceMeters int64           `json:"distanceMeters"`
	OwnerTeam      *models.Team    `json:"ownerTeam"`
	HasDefender    bool            `json:"hasDefender"`
	Capturable     bool            `json:"capturable"`
}

// NearbyFlags lists active flags within radius meters of a point, closest
// first. A non-positive radius means DefaultNearbyRadius.
func (e *Engine) NearbyFlags(ctx context.Context, lat, lon, radius float64) ([]NearbyFlag, error) {
	if err := geo.ValidateCoordinates(lat, lon); err != nil {
		return nil, err
	}
	if radius <= 0 || math.IsNaN(radius) {
		radius = DefaultNearbyRadius
	}
	radius = math.Min(radius, MaxNearbyRadius)

	flags, err := e.store.ActiveFlagsWithin(ctx, geo.BoundingBox(lat, lon, radius))
	if err != nil {
		return nil, fmt.Errorf("failed to load nearby flags: %w", err)
	}

	now := e.now()
	out := make([]NearbyFlag, 0, len(flags))
	for i := range flags {
		f := &flags[i]
		d := geo.Distance(lat, lon, f.Latitude, f.Longitude)
		if d > radius {
			continue
		}

		active, err := defender.Active(ctx, e.store, f.ID, now)
		if err != nil {
			return nil, err
		}

		nf := NearbyFlag{
			ID:             f.ID,
			Name:           f.Name,
			Latitude:       f.Latitude,
			Longitude:      f.Longitude,
			Type:           f.Tier,
			DistanceMeters: int64(math.Round(d)),
			HasDefender:    active != nil,
			Capturable:     d <= f.Radius(),
		}
		if f.OwnerTeamID != nil {
			nf.OwnerTeam = models.GetTeamDetails(*f.OwnerTeamID)
		}
		out = append(out, nf)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].DistanceMeters < out[j].DistanceMeters })
	return out, nil
}
