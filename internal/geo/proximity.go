// Package geo implements the proximity check used before a capture.
package geo

import (
	"errors"
	"math"

	"github.com/ctfgame/api/internal/models"
)

// EarthRadiusMeters is the mean earth radius used for haversine distance
const EarthRadiusMeters = 6371000.0

// ErrInvalidCoordinates is returned when a point lies outside valid lat/lon ranges
var ErrInvalidCoordinates = errors.New("invalid coordinates")

// ValidateCoordinates checks latitude in [-90,90] and longitude in [-180,180]
func ValidateCoordinates(lat, lon float64) error {
	if math.IsNaN(lat) || math.IsNaN(lon) {
		return ErrInvalidCoordinates
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return ErrInvalidCoordinates
	}
	return nil
}

// Distance returns the great-circle distance in meters between two points
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	rlat1 := lat1 * math.Pi / 180
	rlat2 := lat2 * math.Pi / 180
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rlat1)*math.Cos(rlat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return EarthRadiusMeters * c
}

// CheckProximity reports whether the claimed point is within radius meters
// of the target, along with the measured distance.
func CheckProximity(claimedLat, claimedLon, targetLat, targetLon, radius float64) (bool, float64, error) {
	if err := ValidateCoordinates(claimedLat, claimedLon); err != nil {
		return false, 0, err
	}
	d := Distance(claimedLat, claimedLon, targetLat, targetLon)
	return d <= radius, d, nil
}

// CheckFlagProximity runs CheckProximity against a flag's point and radius
func CheckFlagProximity(claimedLat, claimedLon float64, flag *models.Flag) (bool, float64, error) {
	return CheckProximity(claimedLat, claimedLon, flag.Latitude, flag.Longitude, flag.Radius())
}

// Offset returns the point reached by moving meters north and east from a
// starting point. Accurate enough for the short distances of a capture radius.
func Offset(lat, lon, northMeters, eastMeters float64) (float64, float64) {
	dLat := northMeters / EarthRadiusMeters * 180 / math.Pi
	dLon := eastMeters / (EarthRadiusMeters * math.Cos(lat*math.Pi/180)) * 180 / math.Pi
	return lat + dLat, lon + dLon
}

// Box is a latitude/longitude rectangle
type Box struct {
	MinLat, MaxLat float64
	MinLon, MaxLon float64
}

// Contains reports whether the point lies inside the box
func (b Box) Contains(lat, lon float64) bool {
	return lat >= b.MinLat && lat <= b.MaxLat && lon >= b.MinLon && lon <= b.MaxLon
}

// BoundingBox returns a box enclosing every point within radius meters of
// the center. Boxes are clamped at the poles and the antimeridian.
func BoundingBox(lat, lon, radius float64) Box {
	dLat := radius / EarthRadiusMeters * 180 / math.Pi
	b := Box{
		MinLat: math.Max(lat-dLat, -90),
		MaxLat: math.Min(lat+dLat, 90),
		MinLon: -180,
		MaxLon: 180,
	}
	if cos := math.Cos(lat * math.Pi / 180); cos > 1e-9 {
		dLon := dLat / cos
		if dLon < 180 {
			b.MinLon = math.Max(lon-dLon, -180)
			b.MaxLon = math.Min(lon+dLon, 180)
		}
	}
	return b
}
