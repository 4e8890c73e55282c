package permission

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Grant is the outcome of a foreground location permission request
type Grant int

const (
	Denied Grant = iota
	Granted
)

// String returns the string representation of the grant
func (g Grant) String() string {
	if g == Granted {
		return "granted"
	}
	return "denied"
}

// Availability is the result of the startup capability check
type Availability int

const (
	Available Availability = iota
	ServiceDisabled
	PermissionDenied
)

// String returns the string representation of the availability
func (a Availability) String() string {
	switch a {
	case Available:
		return "available"
	case ServiceDisabled:
		return "service_disabled"
	case PermissionDenied:
		return "permission_denied"
	default:
		return "unknown"
	}
}

// Err maps a failing availability to its sentinel error; Available yields nil.
func (a Availability) Err() error {
	switch a {
	case ServiceDisabled:
		return ErrServiceDisabled
	case PermissionDenied:
		return ErrPermissionDenied
	default:
		return nil
	}
}

// UserMessage is the overlay text shown for a failing availability.
func (a Availability) UserMessage() string {
	switch a {
	case ServiceDisabled:
		return "Location services are turned off. Enable them in system settings and reopen the map."
	case PermissionDenied:
		return "Location permission was denied. Allow it in settings and reopen the map."
	default:
		return ""
	}
}

// PermissionError is returned when location cannot be used this session.
type PermissionError struct {
	Availability Availability
}

func (e *PermissionError) Error() string {
	return "location unavailable: " + e.Availability.String()
}

// Is matches any PermissionError carrying the same availability.
func (e *PermissionError) Is(target error) bool {
	t, ok := target.(*PermissionError)
	return ok && t.Availability == e.Availability
}

var (
	ErrServiceDisabled  error = &PermissionError{Availability: ServiceDisabled}
	ErrPermissionDenied error = &PermissionError{Availability: PermissionDenied}
)

// Platform is the device capability consulted by the gate. RequestPermission
// may block until the user answers a prompt.
type Platform interface {
	ServiceEnabled(ctx context.Context) (bool, error)
	RequestPermission(ctx context.Context) (Grant, error)
}

// Gate performs the startup location availability check once per session.
type Gate struct {
	platform Platform
	logger   *zap.Logger

	once   sync.Once
	result Availability
	err    error
}

// NewGate creates a gate over platform
func NewGate(platform Platform, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{platform: platform, logger: logger}
}

// CheckAvailability checks the location service, then the permission, and
// returns the first failing condition. The check (and any prompt it causes)
// runs once; later calls return the memoized result. A platform error is
// reported alongside the availability it was blocking on.
func (g *Gate) CheckAvailability(ctx context.Context) (Availability, error) {
	g.once.Do(func() {
		g.result, g.err = g.check(ctx)
		fields := []zap.Field{zap.Stringer("availability", g.result)}
		if g.err != nil {
			fields = append(fields, zap.Error(g.err))
		}
		g.logger.Info("Location availability checked", fields...)
	})
	return g.result, g.err
}

func (g *Gate) check(ctx context.Context) (Availability, error) {
	enabled, err := g.platform.ServiceEnabled(ctx)
	if err != nil {
		return ServiceDisabled, fmt.Errorf("failed to query location service: %w", err)
	}
	if !enabled {
		return ServiceDisabled, nil
	}

	grant, err := g.platform.RequestPermission(ctx)
	if err != nil {
		return PermissionDenied, fmt.Errorf("failed to request location permission: %w", err)
	}
	if grant != Granted {
		return PermissionDenied, nil
	}

	return Available, nil
}
