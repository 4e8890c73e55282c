package geolocation

import (
	"context"
	"math"
	"time"

	"github.com/GriffinCanCode/livemap/internal/domain/location"
	"github.com/GriffinCanCode/livemap/internal/domain/permission"
)

const metersPerDegree = 111320.0

// SimulatorConfig configures the walker
type SimulatorConfig struct {
	StartLatitude  float64
	StartLongitude float64
	StepMeters     float64       // distance per fix
	Interval       time.Duration // time between fixes
	TurnDegrees    float64       // heading change per fix
	Accuracy       float64
	Steps          int  // fixes before stopping, 0 for unbounded
	ServiceOff     bool // report location services disabled
	Deny           bool // deny the permission prompt
}

// DefaultSimulatorConfig walks a slow circle around Seoul City Hall
func DefaultSimulatorConfig() SimulatorConfig {
	return SimulatorConfig{
		StartLatitude:  37.5665,
		StartLongitude: 126.9780,
		StepMeters:     5,
		Interval:       time.Second,
		TurnDegrees:    6,
		Accuracy:       4,
	}
}

// Simulator is a deterministic location source
type Simulator struct {
	config SimulatorConfig
}

// NewSimulator creates a simulator
func NewSimulator(config SimulatorConfig) *Simulator {
	if config.Interval <= 0 {
		config.Interval = time.Second
	}
	return &Simulator{config: config}
}

// ServiceEnabled reports the configured service state
func (s *Simulator) ServiceEnabled(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return !s.config.ServiceOff, nil
}

// RequestPermission answers the prompt immediately
func (s *Simulator) RequestPermission(ctx context.Context) (permission.Grant, error) {
	if err := ctx.Err(); err != nil {
		return permission.Denied, err
	}
	if s.config.Deny {
		return permission.Denied, nil
	}
	return permission.Granted, nil
}

// Path returns the first n fixes the walker produces, without timing
func (s *Simulator) Path(n int) []location.PositionSample {
	w := s.walker(time.Now())
	out := make([]location.PositionSample, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, w.next())
	}
	return out
}

// Watch emits one fix per interval, starting immediately
func (s *Simulator) Watch(ctx context.Context, _ location.Options) (<-chan location.PositionSample, error) {
	out := make(chan location.PositionSample)

	go func() {
		defer close(out)
		ticker := time.NewTicker(s.config.Interval)
		defer ticker.Stop()

		w := s.walker(time.Now())
		for i := 0; s.config.Steps == 0 || i < s.config.Steps; i++ {
			fix := w.next()
			fix.CapturedAt = time.Now()
			select {
			case out <- fix:
			case <-ctx.Done():
				return
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

type walker struct {
	config  SimulatorConfig
	lat     float64
	lng     float64
	heading float64
	at      time.Time
	started bool
}

func (s *Simulator) walker(start time.Time) *walker {
	return &walker{
		config: s.config,
		lat:    s.config.StartLatitude,
		lng:    s.config.StartLongitude,
		at:     start,
	}
}

func (w *walker) next() location.PositionSample {
	if w.started {
		rad := w.heading * math.Pi / 180
		w.lat += w.config.StepMeters * math.Cos(rad) / metersPerDegree
		w.lng += w.config.StepMeters * math.Sin(rad) / (metersPerDegree * math.Cos(w.lat*math.Pi/180))
		w.heading = math.Mod(w.heading+w.config.TurnDegrees, 360)
		w.at = w.at.Add(w.config.Interval)
	}
	w.started = true

	return location.PositionSample{
		Latitude:   w.lat,
		Longitude:  w.lng,
		Accuracy:   w.config.Accuracy,
		CapturedAt: w.at,
	}
}
