// Package reconciler decides when a position sample is forwarded into the
// map sandbox.
//
// It keeps two values: the latest known sample and the last one injected.
// On every new sample and on the readiness transition it re-evaluates:
// nothing is sent while the sandbox is not ready, nothing is sent when no
// sample is known, and nothing is sent when the latest sample matches what
// was injected last. Otherwise exactly one injection for the latest sample
// goes out. Samples that arrive before readiness are never replayed; only
// the newest one survives to the catch-up injection.
package reconciler

import (
	"github.com/GriffinCanCode/livemap/internal/domain/location"
	"github.com/GriffinCanCode/livemap/internal/domain/protocol"
)

// Decision is the outcome of one reconciliation pass
type Decision int

const (
	Injected Decision = iota
	NotReady
	NoSample
	Duplicate
)

// String returns the string representation of the decision
func (d Decision) String() string {
	switch d {
	case Injected:
		return "injected"
	case NotReady:
		return "not_ready"
	case NoSample:
		return "no_sample"
	case Duplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// Readiness reports whether the sandbox accepts location commands.
type Readiness interface {
	Ready() bool
}

// Sender is the fire-and-forget host→sandbox transport.
type Sender interface {
	SendToSandbox(code string)
}

// Reconciler holds the host-side bookkeeping. It is not safe for concurrent
// use; the owning session drives it from one goroutine.
type Reconciler struct {
	readiness Readiness
	sender    Sender
	dialect   protocol.Dialect

	latest       *location.PositionSample
	lastInjected *location.PositionSample
	injections   uint64
}

// New creates a reconciler.
func New(readiness Readiness, sender Sender, dialect protocol.Dialect) *Reconciler {
	return &Reconciler{
		readiness: readiness,
		sender:    sender,
		dialect:   dialect,
	}
}

// OnSample records sample as the latest and reconciles.
func (r *Reconciler) OnSample(sample location.PositionSample) Decision {
	r.latest = &sample
	return r.reconcile()
}

// OnReady reconciles after the sandbox became ready.
func (r *Reconciler) OnReady() Decision {
	return r.reconcile()
}

// ForgetInjected drops the record of the last injection. Used when the
// sandbox is recreated and no longer shows the marker.
func (r *Reconciler) ForgetInjected() {
	r.lastInjected = nil
}

// Latest returns the latest known sample.
func (r *Reconciler) Latest() (location.PositionSample, bool) {
	if r.latest == nil {
		return location.PositionSample{}, false
	}
	return *r.latest, true
}

// LastInjected returns the sample most recently sent into the sandbox.
func (r *Reconciler) LastInjected() (location.PositionSample, bool) {
	if r.lastInjected == nil {
		return location.PositionSample{}, false
	}
	return *r.lastInjected, true
}

// Injections returns the number of commands sent.
func (r *Reconciler) Injections() uint64 {
	return r.injections
}

func (r *Reconciler) reconcile() Decision {
	if !r.readiness.Ready() {
		return NotReady
	}
	if r.latest == nil {
		return NoSample
	}
	if r.lastInjected != nil && r.lastInjected.SameCoordinate(*r.latest) {
		return Duplicate
	}

	sample := *r.latest
	r.sender.SendToSandbox(r.dialect.ApplyLocation(sample.Latitude, sample.Longitude))
	r.lastInjected = &sample
	r.injections++
	return Injected
}
