package session

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/livemap/internal/domain/bridge"
	"github.com/GriffinCanCode/livemap/internal/domain/location"
	"github.com/GriffinCanCode/livemap/internal/domain/permission"
	"github.com/GriffinCanCode/livemap/internal/domain/protocol"
	"github.com/GriffinCanCode/livemap/internal/domain/readiness"
	"github.com/GriffinCanCode/livemap/internal/domain/reconciler"
	"github.com/GriffinCanCode/livemap/internal/providers/mapview/render"
)

var (
	ErrNotMounted     = errors.New("session is not mounted")
	ErrAlreadyMounted = errors.New("session was already mounted")
	ErrNotFound       = errors.New("session not found")
	ErrInvalidRequest = errors.New("invalid session request")
)

const maxDiagnostics = 32

// Sandbox is the map host a session drives
type Sandbox interface {
	bridge.Host
	Markup() (string, error)
	Close() error
}

// View exposes what the sandbox renderer drew
type View interface {
	Snapshot() render.Snapshot
	Subscribe() (<-chan render.Snapshot, func())
	Reset()
}

// Recorder receives session metrics. All methods must be safe for
// concurrent use.
type Recorder interface {
	SessionStarted()
	SessionEnded()
	SampleReceived()
	Decision(d reconciler.Decision)
	Transition(stage readiness.Stage)
	Message(kind protocol.Kind)
	Availability(a permission.Availability)
}

type nopRecorder struct{}

func (nopRecorder) SessionStarted()                      {}
func (nopRecorder) SessionEnded()                        {}
func (nopRecorder) SampleReceived()                      {}
func (nopRecorder) Decision(reconciler.Decision)         {}
func (nopRecorder) Transition(readiness.Stage)           {}
func (nopRecorder) Message(protocol.Kind)                {}
func (nopRecorder) Availability(permission.Availability) {}

// Deps are the collaborators of one session
type Deps struct {
	Platform permission.Platform
	Source   location.Source
	Sandbox  Sandbox
	View     View // optional
	Dialect  protocol.Dialect
	Options  location.Options
	Logger   *zap.Logger
	Metrics  Recorder
}

// Config bounds the waits of a session
type Config struct {
	BootstrapTimeout time.Duration // watchdog for the readiness handshake
	PromptTimeout    time.Duration // wait for the permission answer
}

// DefaultConfig returns the default session configuration
func DefaultConfig() Config {
	return Config{
		BootstrapTimeout: 10 * time.Second,
		PromptTimeout:    2 * time.Minute,
	}
}

// Overlay is the notice shown over the map
type Overlay string

const (
	OverlayLoading Overlay = "loading"
	OverlayError   Overlay = "error"
	OverlayNone    Overlay = "none"
)

const (
	loadingMessage        = "Getting your current location…"
	mapFailedMessage      = "The map could not be loaded. Reload to try again."
	trackingFailedMessage = "Location tracking could not be started."
)

// Diagnostic is a sandbox-reported problem that did not affect readiness
type Diagnostic struct {
	Kind    string    `json:"kind"`
	Command string    `json:"command,omitempty"`
	Text    string    `json:"text"`
	Line    int       `json:"line,omitempty"`
	Column  int       `json:"column,omitempty"`
	At      time.Time `json:"at"`
}

// Counters accumulate over the session lifetime
type Counters struct {
	Samples    uint64            `json:"samples"`
	Injections uint64            `json:"injections"`
	Skipped    map[string]uint64 `json:"skipped"`
	Messages   uint64            `json:"messages"`
	Reloads    uint64            `json:"reloads"`
}

// Status is a point-in-time view of a session
type Status struct {
	ID            string                   `json:"id"`
	Mounted       bool                     `json:"mounted"`
	Overlay       Overlay                  `json:"overlay"`
	Message       string                   `json:"message,omitempty"`
	Availability  string                   `json:"availability"`
	Stage         string                   `json:"stage"`
	Ready         bool                     `json:"ready"`
	FailureReason string                   `json:"failure_reason,omitempty"`
	LastSample    *location.PositionSample `json:"last_sample,omitempty"`
	LastInjected  *location.PositionSample `json:"last_injected,omitempty"`
	LastApplied   *render.Point            `json:"last_applied,omitempty"`
	Diagnostics   []Diagnostic             `json:"diagnostics"`
	Counters      Counters                 `json:"counters"`
	Bridge        bridge.Stats             `json:"bridge"`
	View          *render.Snapshot         `json:"view,omitempty"`
	CreatedAt     time.Time                `json:"created_at"`
	UpdatedAt     time.Time                `json:"updated_at"`
}

type availabilityResult struct {
	availability permission.Availability
	err          error
}
