package geolocation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/livemap/internal/domain/location"
	"github.com/GriffinCanCode/livemap/internal/domain/permission"
)

var (
	ErrUnknownRequest = errors.New("unknown permission request")
	ErrInvalidSample  = errors.New("invalid position sample")
)

var validate = validator.New()

// Request types sent to the phone agent
const (
	RequestPermission = "permission_request"
	RequestWatch      = "watch"
	RequestUnwatch    = "unwatch"
)

// Request is a host→device instruction
type Request struct {
	Type       string  `json:"type"`
	ID         string  `json:"id,omitempty"`
	Accuracy   string  `json:"accuracy,omitempty"`
	IntervalMS int64   `json:"interval_ms,omitempty"`
	DistanceM  float64 `json:"distance_m,omitempty"`
}

// Device is a phone agent. The WebSocket handler feeds it status reports,
// permission answers and fixes, and drains Requests toward the phone.
type Device struct {
	id     string
	logger *zap.Logger

	requests chan Request

	mu        sync.Mutex
	enabled   bool
	known     chan struct{}
	knownOnce sync.Once
	pending   map[string]chan permission.Grant
	watchers  map[int]chan location.PositionSample
	nextWatch int
	connected bool
	lastFix   *location.PositionSample
}

// NewDevice creates a device endpoint
func NewDevice(id string, logger *zap.Logger) *Device {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Device{
		id:       id,
		logger:   logger.With(zap.String("device_id", id)),
		requests: make(chan Request, 16),
		known:    make(chan struct{}),
		pending:  make(map[string]chan permission.Grant),
		watchers: make(map[int]chan location.PositionSample),
	}
}

// ID returns the device id
func (d *Device) ID() string {
	return d.id
}

// Requests carries instructions for the phone
func (d *Device) Requests() <-chan Request {
	return d.requests
}

// SetConnected records whether a phone connection is attached
func (d *Device) SetConnected(connected bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = connected
}

// TryConnect claims the device for a phone connection. It reports false
// when another connection already holds it.
func (d *Device) TryConnect() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.connected {
		return false
	}
	d.connected = true
	return true
}

// Connected reports whether a phone connection is attached
func (d *Device) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

// ReportStatus records the phone's location service state
func (d *Device) ReportStatus(enabled bool) {
	d.mu.Lock()
	d.enabled = enabled
	d.mu.Unlock()
	d.knownOnce.Do(func() { close(d.known) })
	d.logger.Debug("Device status reported", zap.Bool("service_enabled", enabled))
}

// ResolvePermission delivers the user's answer to a prompt
func (d *Device) ResolvePermission(requestID string, granted bool) error {
	d.mu.Lock()
	ch, ok := d.pending[requestID]
	delete(d.pending, requestID)
	d.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}
	grant := permission.Denied
	if granted {
		grant = permission.Granted
	}
	ch <- grant
	return nil
}

// Push validates a fix and hands it to every watcher. A watcher that has
// not consumed its previous fix only sees the newest one.
func (d *Device) Push(sample location.PositionSample) error {
	if sample.CapturedAt.IsZero() {
		sample.CapturedAt = time.Now()
	}
	if err := validate.Struct(sample); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSample, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastFix = &sample
	for _, ch := range d.watchers {
		offer(ch, sample)
	}
	return nil
}

// LastFix returns the most recent accepted fix
func (d *Device) LastFix() (location.PositionSample, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lastFix == nil {
		return location.PositionSample{}, false
	}
	return *d.lastFix, true
}

// ServiceEnabled waits for the phone to report its service state
func (d *Device) ServiceEnabled(ctx context.Context) (bool, error) {
	select {
	case <-d.known:
	case <-ctx.Done():
		return false, ctx.Err()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enabled, nil
}

// RequestPermission prompts the user on the phone and waits for the answer
func (d *Device) RequestPermission(ctx context.Context) (permission.Grant, error) {
	id := uuid.NewString()
	answer := make(chan permission.Grant, 1)

	d.mu.Lock()
	d.pending[id] = answer
	d.mu.Unlock()

	cleanup := func() {
		d.mu.Lock()
		delete(d.pending, id)
		d.mu.Unlock()
	}

	select {
	case d.requests <- Request{Type: RequestPermission, ID: id}:
	case <-ctx.Done():
		cleanup()
		return permission.Denied, ctx.Err()
	}

	select {
	case grant := <-answer:
		d.logger.Info("Permission answered", zap.Stringer("grant", grant))
		return grant, nil
	case <-ctx.Done():
		cleanup()
		return permission.Denied, ctx.Err()
	}
}

// Watch streams fixes until ctx is cancelled
func (d *Device) Watch(ctx context.Context, opts location.Options) (<-chan location.PositionSample, error) {
	ch := make(chan location.PositionSample, 1)

	d.mu.Lock()
	id := d.nextWatch
	d.nextWatch++
	d.watchers[id] = ch
	d.mu.Unlock()

	d.send(Request{
		Type:       RequestWatch,
		Accuracy:   opts.Accuracy.String(),
		IntervalMS: opts.MinInterval.Milliseconds(),
		DistanceM:  opts.MinDistanceMeters,
	})

	go func() {
		<-ctx.Done()
		d.mu.Lock()
		delete(d.watchers, id)
		close(ch)
		remaining := len(d.watchers)
		d.mu.Unlock()
		if remaining == 0 {
			d.send(Request{Type: RequestUnwatch})
		}
	}()

	return ch, nil
}

// send queues a request without blocking; the phone re-syncs on reconnect
func (d *Device) send(req Request) {
	select {
	case d.requests <- req:
	default:
		d.logger.Warn("Device request queue full, dropping", zap.String("type", req.Type))
	}
}

// offer replaces any unread value in ch with sample
func offer(ch chan location.PositionSample, sample location.PositionSample) {
	select {
	case ch <- sample:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- sample:
	default:
	}
}

// Registry tracks devices by id
type Registry struct {
	mu      sync.Mutex
	devices map[string]*Device
	logger  *zap.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{devices: make(map[string]*Device), logger: logger}
}

// Device returns the device for id, creating it on first use
func (r *Registry) Device(id string) *Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		d = NewDevice(id, r.logger)
		r.devices[id] = d
	}
	return d
}

// List returns all known devices
func (r *Registry) List() []*Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d)
	}
	return out
}
