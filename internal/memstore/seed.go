package memstore

import (
	"github.com/ctfgame/api/internal/models"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

type sampleFlag struct {
	name string
	lat  float64
	lon  float64
	tier models.FlagTier
}

var sampleFlags = []sampleFlag{
	{"Nassau Hall", 40.3487, -74.6594, models.TierLegendary},
	{"Princeton Public Library", 40.3497, -74.6585, models.TierCommon},
	{"Nomad Pizza", 40.3519, -74.6573, models.TierCommon},
	{"The Bent Spoon", 40.3497, -74.6592, models.TierRare},
	{"Golden Gate Park", 37.7694, -122.4862, models.TierCommon},
	{"Coit Tower", 37.8024, -122.4058, models.TierRare},
	{"Golden Gate Bridge", 37.8199, -122.4783, models.TierLegendary},
}

// flagNamespace derives stable demo flag IDs from their names
var flagNamespace = uuid.MustParse("6f1c2a4e-3b7d-4c59-9a0e-2d8b5f6c7e10")

// SeedDemo fills the store with sample flags and one player per team, all
// sharing the given password. Used when running without Postgres.
func SeedDemo(s *Store, password string) error {
	for _, f := range sampleFlags {
		s.AddFlag(models.Flag{
			ID:            uuid.NewSHA1(flagNamespace, []byte(f.name)),
			Name:          f.name,
			Latitude:      f.lat,
			Longitude:     f.lon,
			Tier:          f.tier,
			CaptureRadius: models.DefaultCaptureRadius,
			IsActive:      true,
		})
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	for _, team := range models.GetAllTeams() {
		s.AddUser(models.User{
			ID:           team.ID,
			Username:     team.Name + "_scout",
			PasswordHash: string(hash),
			TeamID:       team.ID,
		})
	}
	return nil
}
