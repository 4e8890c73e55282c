package readiness

import (
	"errors"
	"fmt"
	"time"

	"github.com/GriffinCanCode/livemap/internal/domain/protocol"
)

var (
	ErrSDKLoadFailed     = errors.New("map SDK failed to load")
	ErrRendererNotReady  = errors.New("map renderer not ready")
	ErrBootstrapTimeout  = errors.New("sandbox bootstrap timed out")
	errUnexpectedMessage = errors.New("message not valid in current stage")
)

// maxRecordedErrors bounds the runtime error ring.
const maxRecordedErrors = 32

// Stage is the sandbox bootstrap progress
type Stage int

const (
	StageLoading Stage = iota
	StageHTMLLoaded
	StageSDKLoaded
	StageMapCreated
	StageFailed
)

// String returns the string representation of the stage
func (s Stage) String() string {
	switch s {
	case StageLoading:
		return "loading"
	case StageHTMLLoaded:
		return "html_loaded"
	case StageSDKLoaded:
		return "sdk_loaded"
	case StageMapCreated:
		return "map_created"
	case StageFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further bootstrap message can move the stage.
func (s Stage) Terminal() bool {
	return s == StageMapCreated || s == StageFailed
}

// State is the current stage plus the failure cause when Stage is StageFailed.
type State struct {
	Stage  Stage
	Reason error
}

// BootstrapError reports why the sandbox never became ready.
type BootstrapError struct {
	Stage   Stage // stage the machine was in when it failed
	Cause   error
	Message string // raw sandbox message, empty for timeouts
}

func (e *BootstrapError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("sandbox bootstrap failed in %s: %v (%q)", e.Stage, e.Cause, e.Message)
	}
	return fmt.Sprintf("sandbox bootstrap failed in %s: %v", e.Stage, e.Cause)
}

func (e *BootstrapError) Unwrap() error { return e.Cause }

// RuntimeError is a non-fatal script exception or command failure reported by the sandbox.
type RuntimeError struct {
	Kind    protocol.Kind
	Command string
	Text    string
	Line    int
	Column  int
	At      time.Time
}

func (e *RuntimeError) Error() string {
	if e.Kind == protocol.KindScriptError {
		return fmt.Sprintf("script error: %s @ %d:%d", e.Text, e.Line, e.Column)
	}
	return fmt.Sprintf("%s error: %s", e.Command, e.Text)
}

// Transition describes the effect of one input on the machine.
type Transition struct {
	From    Stage
	To      Stage
	Changed bool
	Error   *RuntimeError // set when the input was a recorded runtime error
	Ignored error         // set when the input did not apply to the current stage
}

// BecameReady reports whether this transition entered StageMapCreated.
func (t Transition) BecameReady() bool {
	return t.Changed && t.To == StageMapCreated
}

// BecameFailed reports whether this transition entered StageFailed.
func (t Transition) BecameFailed() bool {
	return t.Changed && t.To == StageFailed
}

// Machine tracks sandbox readiness. It is owned by a single goroutine and
// does no locking.
type Machine struct {
	state  State
	errors []*RuntimeError
	now    func() time.Time
}

// New creates a machine in StageLoading.
func New() *Machine {
	return &Machine{now: time.Now}
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Ready reports whether the map exists and location commands may be sent.
func (m *Machine) Ready() bool { return m.state.Stage == StageMapCreated }

// Errors returns the recorded runtime errors, oldest first.
func (m *Machine) Errors() []*RuntimeError {
	return append([]*RuntimeError(nil), m.errors...)
}

// Handle applies one parsed inbound message.
func (m *Machine) Handle(msg protocol.Message) Transition {
	from := m.state.Stage
	t := Transition{From: from, To: from}

	switch msg.Kind {
	case protocol.KindScriptError, protocol.KindCommandError:
		t.Error = m.record(msg)
		return t

	case protocol.KindHTMLLoaded:
		if from == StageLoading {
			m.moveTo(StageHTMLLoaded, nil)
		}

	case protocol.KindSDKLoaded:
		if from == StageHTMLLoaded {
			m.moveTo(StageSDKLoaded, nil)
		}

	case protocol.KindSDKFailed, protocol.KindRendererNotReady:
		if from == StageHTMLLoaded || from == StageSDKLoaded {
			cause := ErrSDKLoadFailed
			if msg.Kind == protocol.KindRendererNotReady {
				cause = ErrRendererNotReady
			}
			m.moveTo(StageFailed, &BootstrapError{Stage: from, Cause: cause, Message: msg.Raw})
		}

	case protocol.KindMapCreated:
		// The SDK load notice may be lost or never sent; a created map implies it.
		if from == StageHTMLLoaded || from == StageSDKLoaded {
			m.moveTo(StageMapCreated, nil)
		}

	default:
		return t
	}

	t.To = m.state.Stage
	t.Changed = t.To != from
	if !t.Changed {
		t.Ignored = fmt.Errorf("%w: %s in %s", errUnexpectedMessage, msg.Kind, from)
	}
	return t
}

// Expire fails a machine that has not reached a terminal stage. It is
// driven by the bootstrap watchdog.
func (m *Machine) Expire() Transition {
	from := m.state.Stage
	if from.Terminal() {
		return Transition{From: from, To: from}
	}
	m.moveTo(StageFailed, &BootstrapError{Stage: from, Cause: ErrBootstrapTimeout})
	return Transition{From: from, To: StageFailed, Changed: true}
}

// Reset returns the machine to StageLoading for a recreated sandbox.
// Recorded runtime errors are kept.
func (m *Machine) Reset() {
	m.state = State{Stage: StageLoading}
}

func (m *Machine) moveTo(stage Stage, reason error) {
	m.state = State{Stage: stage, Reason: reason}
}

func (m *Machine) record(msg protocol.Message) *RuntimeError {
	rerr := &RuntimeError{
		Kind:    msg.Kind,
		Command: msg.Command,
		Text:    msg.Text,
		Line:    msg.Line,
		Column:  msg.Column,
		At:      m.now(),
	}
	if len(m.errors) == maxRecordedErrors {
		copy(m.errors, m.errors[1:])
		m.errors = m.errors[:maxRecordedErrors-1]
	}
	m.errors = append(m.errors, rerr)
	return rerr
}
