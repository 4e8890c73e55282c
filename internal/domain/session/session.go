package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/livemap/internal/domain/bridge"
	"github.com/GriffinCanCode/livemap/internal/domain/location"
	"github.com/GriffinCanCode/livemap/internal/domain/permission"
	"github.com/GriffinCanCode/livemap/internal/domain/protocol"
	"github.com/GriffinCanCode/livemap/internal/domain/readiness"
	"github.com/GriffinCanCode/livemap/internal/domain/reconciler"
	"github.com/GriffinCanCode/livemap/internal/providers/mapview/render"
	"github.com/GriffinCanCode/livemap/internal/shared/id"
)

const (
	stateNew int32 = iota
	stateMounted
	stateUnmounted
)

// sanitizer strips markup from sandbox-originated text before it leaves
// the process
var sanitizer = bluemonday.StrictPolicy()

// Session is one mounted map
type Session struct {
	id      id.SessionID
	deps    Deps
	config  Config
	logger  *zap.Logger
	metrics Recorder
	created time.Time

	gate       *permission.Gate
	machine    *readiness.Machine
	reconciler *reconciler.Reconciler
	channel    *bridge.Channel

	inbound      chan bridge.Message
	availability chan availabilityResult
	reloads      chan chan error

	mu        sync.Mutex // serializes Mount and Unmount
	lifecycle atomic.Int32
	ctx       context.Context
	cancel    context.CancelFunc
	bridgeRef atomic.Pointer[bridge.Channel]
	done      chan struct{}

	status   atomic.Pointer[Status]
	watchers watchers

	// Owned by the event loop
	sub         *location.Subscription
	unregister  func()
	watchdog    *time.Timer
	avail       *permission.Availability
	availErr    error
	streamErr   error
	lastApplied *render.Point
	diagnostics []Diagnostic
	counters    Counters
}

// New creates an unmounted session
func New(sessionID id.SessionID, deps Deps, config Config) (*Session, error) {
	if deps.Platform == nil || deps.Source == nil || deps.Sandbox == nil {
		return nil, errors.New("session requires a platform, a location source and a sandbox")
	}
	if deps.Dialect == (protocol.Dialect{}) {
		deps.Dialect = protocol.DefaultDialect()
	}
	if deps.Options == (location.Options{}) {
		deps.Options = location.DefaultOptions()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = nopRecorder{}
	}
	defaults := DefaultConfig()
	if config.BootstrapTimeout <= 0 {
		config.BootstrapTimeout = defaults.BootstrapTimeout
	}
	if config.PromptTimeout <= 0 {
		config.PromptTimeout = defaults.PromptTimeout
	}

	logger := deps.Logger.With(zap.String("session_id", sessionID.String()))
	machine := readiness.New()

	s := &Session{
		id:           sessionID,
		deps:         deps,
		config:       config,
		logger:       logger,
		metrics:      deps.Metrics,
		created:      time.Now(),
		gate:         permission.NewGate(deps.Platform, logger.Named("permission")),
		machine:      machine,
		inbound:      make(chan bridge.Message, 64),
		availability: make(chan availabilityResult, 1),
		reloads:      make(chan chan error),
		done:         make(chan struct{}),
		counters:     Counters{Skipped: make(map[string]uint64)},
	}
	s.publish()
	return s, nil
}

// ID returns the session id
func (s *Session) ID() id.SessionID {
	return s.id
}

// View returns the renderer view, or nil when none was provided
func (s *Session) View() View {
	return s.deps.View
}

// Mount loads the map page and starts the session. ctx bounds the whole
// session lifetime, not just this call.
func (s *Session) Mount(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lifecycle.Load() != stateNew {
		return ErrAlreadyMounted
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.channel = bridge.NewChannel(s.deps.Sandbox, s.logger.Named("bridge"))
	s.reconciler = reconciler.New(s.machine, s.channel, s.deps.Dialect)
	s.unregister = s.channel.OnDocumentMessage(s.receive)

	if err := s.load(); err != nil {
		s.unregister()
		s.channel.Close()
		s.cancel()
		return err
	}

	s.watchdog = time.NewTimer(s.config.BootstrapTimeout)
	s.bridgeRef.Store(s.channel)
	s.lifecycle.Store(stateMounted)
	s.metrics.SessionStarted()
	s.publish()

	go s.checkAvailability()
	go s.loop()

	s.logger.Info("Session mounted", zap.Duration("bootstrap_timeout", s.config.BootstrapTimeout))
	return nil
}

// Reload recreates the sandbox document. Readiness returns to Loading and
// the latest sample is injected again once the new map is ready.
func (s *Session) Reload() error {
	if !s.isMounted() {
		return ErrNotMounted
	}

	reply := make(chan error, 1)
	select {
	case s.reloads <- reply:
	case <-s.done:
		return ErrNotMounted
	}
	select {
	case err := <-reply:
		return err
	case <-s.done:
		return ErrNotMounted
	}
}

// Unmount tears the session down. It is idempotent and blocks until the
// event loop has released every resource.
func (s *Session) Unmount() {
	s.mu.Lock()
	prev := s.lifecycle.Swap(stateUnmounted)
	s.mu.Unlock()

	switch prev {
	case stateUnmounted:
		return
	case stateNew:
		s.publish()
		s.watchers.closeAll()
		close(s.done)
		return
	}
	s.cancel()
	<-s.done
}

// Done is closed once the session has been torn down
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Status returns the latest published status
func (s *Session) Status() Status {
	status := *s.status.Load()
	if channel := s.bridgeRef.Load(); channel != nil {
		status.Bridge = channel.Stats()
	}
	if s.deps.View != nil {
		snap := s.deps.View.Snapshot()
		status.View = &snap
	}
	return status
}

// Watch delivers a status whenever the session changes. Slow readers only
// see the newest status.
func (s *Session) Watch() (<-chan Status, func()) {
	return s.watchers.add(*s.status.Load())
}

func (s *Session) isMounted() bool {
	return s.lifecycle.Load() == stateMounted
}

// receive runs on the bridge dispatcher goroutine
func (s *Session) receive(msg bridge.Message) {
	select {
	case s.inbound <- msg:
	case <-s.ctx.Done():
	}
}

func (s *Session) checkAvailability() {
	ctx, cancel := context.WithTimeout(s.ctx, s.config.PromptTimeout)
	defer cancel()

	availability, err := s.gate.CheckAvailability(ctx)
	select {
	case s.availability <- availabilityResult{availability: availability, err: err}:
	case <-s.ctx.Done():
	}
}

func (s *Session) load() error {
	markup, err := s.deps.Sandbox.Markup()
	if err != nil {
		return fmt.Errorf("failed to render map page: %w", err)
	}
	if err := s.channel.Load(markup); err != nil {
		return err
	}
	return nil
}

func (s *Session) loop() {
	defer close(s.done)
	defer s.teardown()

	for {
		var samples <-chan location.PositionSample
		if s.sub != nil {
			samples = s.sub.C()
		}
		var expired <-chan time.Time
		if s.watchdog != nil {
			expired = s.watchdog.C
		}

		select {
		case <-s.ctx.Done():
			return
		case res := <-s.availability:
			s.onAvailability(res)
		case sample, ok := <-samples:
			if !ok {
				s.logger.Info("Location stream ended")
				s.sub.Stop()
				s.sub = nil
				break
			}
			s.onSample(sample)
		case msg := <-s.inbound:
			// Queued before a reload; the document that posted it is gone
			if msg.Document != s.channel.Document() {
				s.logger.Debug("Dropped message from replaced document", zap.String("text", msg.Text))
				break
			}
			s.onMessage(msg.Text)
		case <-expired:
			s.watchdog = nil
			s.logger.Warn("Sandbox bootstrap timed out", zap.Duration("timeout", s.config.BootstrapTimeout))
			s.onTransition(s.machine.Expire())
		case reply := <-s.reloads:
			err := s.reload()
			s.publish()
			reply <- err
			continue
		}
		s.publish()
	}
}

func (s *Session) teardown() {
	if s.sub != nil {
		s.sub.Stop()
		s.sub = nil
	}
	s.stopWatchdog()
	s.unregister()
	s.channel.Close()
	if err := s.deps.Sandbox.Close(); err != nil {
		s.logger.Warn("Failed to close sandbox", zap.Error(err))
	}

	s.publish()
	s.watchers.closeAll()
	s.metrics.SessionEnded()
	s.logger.Info("Session unmounted",
		zap.Uint64("samples", s.counters.Samples),
		zap.Uint64("injections", s.counters.Injections))
}

func (s *Session) onAvailability(res availabilityResult) {
	s.avail = &res.availability
	s.availErr = res.err
	s.metrics.Availability(res.availability)

	if res.availability != permission.Available {
		fields := []zap.Field{zap.Stringer("availability", res.availability)}
		if res.err != nil {
			fields = append(fields, zap.Error(res.err))
		}
		s.logger.Warn("Location unavailable, tracking not started", fields...)
		return
	}

	sub, err := location.Start(s.ctx, s.deps.Source, s.deps.Options, s.logger.Named("location"))
	if err != nil {
		s.streamErr = err
		s.logger.Error("Failed to start location tracking", zap.Error(err))
		return
	}
	s.sub = sub
}

func (s *Session) onSample(sample location.PositionSample) {
	s.counters.Samples++
	s.metrics.SampleReceived()
	s.recordDecision(s.reconciler.OnSample(sample))
}

func (s *Session) onMessage(text string) {
	msg := s.deps.Dialect.Parse(text)
	s.counters.Messages++
	s.metrics.Message(msg.Kind)

	t := s.machine.Handle(msg)

	switch msg.Kind {
	case protocol.KindLocationApplied:
		s.lastApplied = &render.Point{Latitude: msg.Latitude, Longitude: msg.Longitude}
	case protocol.KindCommandNotReady:
		s.diagnose(Diagnostic{Kind: msg.Kind.String(), Command: msg.Command, Text: text})
		s.logger.Warn("Sandbox command ran before the map existed", zap.String("command", msg.Command))
	case protocol.KindUnknown:
		s.logger.Debug("Unrecognized sandbox message", zap.String("text", text))
	}

	if t.Error != nil {
		s.diagnose(Diagnostic{
			Kind:    t.Error.Kind.String(),
			Command: t.Error.Command,
			Text:    t.Error.Text,
			Line:    t.Error.Line,
			Column:  t.Error.Column,
		})
		s.logger.Warn("Sandbox runtime error", zap.Error(t.Error))
	}
	if t.Ignored != nil {
		s.logger.Debug("Sandbox message ignored", zap.Error(t.Ignored))
	}

	s.onTransition(t)
}

func (s *Session) onTransition(t readiness.Transition) {
	if !t.Changed {
		return
	}
	s.metrics.Transition(t.To)
	s.logger.Info("Sandbox readiness changed", zap.Stringer("from", t.From), zap.Stringer("to", t.To))

	if t.To.Terminal() {
		s.stopWatchdog()
	}
	if t.BecameReady() {
		s.recordDecision(s.reconciler.OnReady())
	}
	if t.BecameFailed() {
		s.logger.Error("Sandbox bootstrap failed", zap.Error(s.machine.State().Reason))
	}
}

func (s *Session) reload() error {
	s.machine.Reset()
	s.reconciler.ForgetInjected()
	s.lastApplied = nil
	if s.deps.View != nil {
		s.deps.View.Reset()
	}
	s.counters.Reloads++
	s.metrics.Transition(readiness.StageLoading)

	s.stopWatchdog()
	if err := s.load(); err != nil {
		s.logger.Error("Failed to reload sandbox", zap.Error(err))
		return err
	}
	s.watchdog = time.NewTimer(s.config.BootstrapTimeout)
	s.logger.Info("Sandbox reloaded")
	return nil
}

func (s *Session) recordDecision(d reconciler.Decision) {
	s.metrics.Decision(d)
	if d == reconciler.Injected {
		s.counters.Injections++
		if sample, ok := s.reconciler.LastInjected(); ok {
			s.logger.Debug("Location injected",
				zap.Float64("lat", sample.Latitude),
				zap.Float64("lng", sample.Longitude))
		}
		return
	}
	s.counters.Skipped[d.String()]++
}

func (s *Session) diagnose(d Diagnostic) {
	d.Text = sanitizer.Sanitize(d.Text)
	if d.At.IsZero() {
		d.At = time.Now()
	}
	if len(s.diagnostics) == maxDiagnostics {
		copy(s.diagnostics, s.diagnostics[1:])
		s.diagnostics = s.diagnostics[:maxDiagnostics-1]
	}
	s.diagnostics = append(s.diagnostics, d)
}

func (s *Session) stopWatchdog() {
	if s.watchdog != nil {
		s.watchdog.Stop()
		s.watchdog = nil
	}
}

// publish snapshots loop-owned state for readers
func (s *Session) publish() {
	state := s.machine.State()
	status := &Status{
		ID:           s.id.String(),
		Mounted:      s.isMounted(),
		Availability: "pending",
		Stage:        state.Stage.String(),
		Ready:        s.machine.Ready(),
		Diagnostics:  append([]Diagnostic{}, s.diagnostics...),
		Counters:     s.copyCounters(),
		CreatedAt:    s.created,
		UpdatedAt:    time.Now(),
	}
	if s.avail != nil {
		status.Availability = s.avail.String()
	}
	if state.Reason != nil {
		status.FailureReason = state.Reason.Error()
	}
	if s.reconciler != nil {
		if sample, ok := s.reconciler.Latest(); ok {
			status.LastSample = &sample
		}
		if sample, ok := s.reconciler.LastInjected(); ok {
			status.LastInjected = &sample
		}
	}
	if s.lastApplied != nil {
		p := *s.lastApplied
		status.LastApplied = &p
	}
	status.Overlay, status.Message = s.overlay(status)

	s.status.Store(status)
	s.watchers.publish(*status)
}

func (s *Session) overlay(status *Status) (Overlay, string) {
	switch {
	case s.avail != nil && *s.avail != permission.Available:
		return OverlayError, s.avail.UserMessage()
	case s.streamErr != nil:
		return OverlayError, trackingFailedMessage
	case s.machine.State().Stage == readiness.StageFailed:
		return OverlayError, mapFailedMessage
	case status.LastSample == nil:
		return OverlayLoading, loadingMessage
	default:
		return OverlayNone, ""
	}
}

func (s *Session) copyCounters() Counters {
	c := s.counters
	c.Skipped = make(map[string]uint64, len(s.counters.Skipped))
	for k, v := range s.counters.Skipped {
		c.Skipped[k] = v
	}
	return c
}

// watchers fans status updates out to conflating subscribers
type watchers struct {
	mu     sync.Mutex
	next   int
	subs   map[int]chan Status
	closed bool
}

func (w *watchers) add(current Status) (<-chan Status, func()) {
	w.mu.Lock()
	defer w.mu.Unlock()

	ch := make(chan Status, 1)
	if w.closed {
		ch <- current
		close(ch)
		return ch, func() {}
	}
	if w.subs == nil {
		w.subs = make(map[int]chan Status)
	}
	key := w.next
	w.next++
	ch <- current
	w.subs[key] = ch

	return ch, func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		if c, ok := w.subs[key]; ok {
			delete(w.subs, key)
			close(c)
		}
	}
}

func (w *watchers) publish(status Status) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, ch := range w.subs {
		select {
		case ch <- status:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- status:
		default:
		}
	}
}

func (w *watchers) closeAll() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	for key, ch := range w.subs {
		delete(w.subs, key)
		close(ch)
	}
}
