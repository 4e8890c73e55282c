package location

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"
)

// earthRadius is the mean Earth radius in meters
const earthRadius = 6371000.0

// AccuracyTier selects how hard the platform tries to fix a position
type AccuracyTier int

const (
	AccuracyHigh AccuracyTier = iota
	AccuracyBalanced
)

// String returns the string representation of the tier
func (a AccuracyTier) String() string {
	switch a {
	case AccuracyHigh:
		return "high"
	case AccuracyBalanced:
		return "balanced"
	default:
		return "unknown"
	}
}

// ParseAccuracyTier parses "high" or "balanced" (case-insensitive)
func ParseAccuracyTier(s string) (AccuracyTier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high", "":
		return AccuracyHigh, nil
	case "balanced":
		return AccuracyBalanced, nil
	default:
		return AccuracyHigh, fmt.Errorf("unknown accuracy tier %q", s)
	}
}

// Options configures a location subscription. Both thresholds are lower
// bounds on delivery, not triggers.
type Options struct {
	Accuracy          AccuracyTier
	MinInterval       time.Duration
	MinDistanceMeters float64
}

// DefaultOptions returns the recommended tracking options.
func DefaultOptions() Options {
	return Options{
		Accuracy:          AccuracyHigh,
		MinInterval:       time.Second,
		MinDistanceMeters: 2,
	}
}

// PositionSample is one immutable position fix.
type PositionSample struct {
	Latitude   float64   `json:"latitude" validate:"latitude"`
	Longitude  float64   `json:"longitude" validate:"longitude"`
	Accuracy   float64   `json:"accuracy" validate:"gte=0"`
	CapturedAt time.Time `json:"captured_at" validate:"required"`
}

// SameCoordinate reports whether both samples name the same point.
func (s PositionSample) SameCoordinate(other PositionSample) bool {
	return s.Latitude == other.Latitude && s.Longitude == other.Longitude
}

// DistanceTo returns the great-circle distance to other in meters.
func (s PositionSample) DistanceTo(other PositionSample) float64 {
	return Haversine(s.Latitude, s.Longitude, other.Latitude, other.Longitude)
}

// Haversine returns the great-circle distance between two points in meters.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	lat1Rad := lat1 * math.Pi / 180.0
	lon1Rad := lon1 * math.Pi / 180.0
	lat2Rad := lat2 * math.Pi / 180.0
	lon2Rad := lon2 * math.Pi / 180.0

	dLat := lat2Rad - lat1Rad
	dLon := lon2Rad - lon1Rad

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(dLon/2)*math.Sin(dLon/2)

	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadius * c
}

// Source is the platform capability that produces raw fixes. The returned
// channel is closed when ctx is cancelled or the source stops.
type Source interface {
	Watch(ctx context.Context, opts Options) (<-chan PositionSample, error)
}
