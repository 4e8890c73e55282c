package session

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/livemap/internal/shared/id"
)

var validate = validator.New()

// Request describes the session a client asks for
type Request struct {
	Provider string `json:"provider" validate:"omitempty,oneof=device ip simulator"`
	DeviceID string `json:"device_id" validate:"required_if=Provider device,max=128"`
	Accuracy string `json:"accuracy" validate:"omitempty,oneof=high balanced"`
}

// Factory builds the collaborators for a new session. Errors wrapping
// ErrInvalidRequest are reported to the client as bad requests.
type Factory func(sessionID id.SessionID, req Request) (Deps, error)

// Manager owns the mounted sessions
type Manager struct {
	ctx     context.Context
	factory Factory
	config  Config
	logger  *zap.Logger

	mu       sync.RWMutex
	sessions map[id.SessionID]*Session
}

// NewManager creates a manager. Sessions live until closed or until ctx
// is cancelled.
func NewManager(ctx context.Context, factory Factory, config Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		ctx:      ctx,
		factory:  factory,
		config:   config,
		logger:   logger,
		sessions: make(map[id.SessionID]*Session),
	}
}

// Create builds and mounts a session
func (m *Manager) Create(req Request) (*Session, error) {
	if err := validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	sessionID := id.NewSessionID()
	deps, err := m.factory(sessionID, req)
	if err != nil {
		return nil, fmt.Errorf("failed to build session: %w", err)
	}

	s, err := New(sessionID, deps, m.config)
	if err != nil {
		if deps.Sandbox != nil {
			_ = deps.Sandbox.Close()
		}
		return nil, err
	}
	if err := s.Mount(m.ctx); err != nil {
		_ = deps.Sandbox.Close()
		return nil, fmt.Errorf("failed to mount session: %w", err)
	}

	m.mu.Lock()
	m.sessions[sessionID] = s
	m.mu.Unlock()

	// Drop sessions that end on their own, e.g. when ctx is cancelled
	go func() {
		<-s.Done()
		m.mu.Lock()
		if m.sessions[sessionID] == s {
			delete(m.sessions, sessionID)
		}
		m.mu.Unlock()
	}()

	m.logger.Info("Session created",
		zap.String("session_id", sessionID.String()),
		zap.String("provider", req.Provider),
		zap.String("device_id", req.DeviceID))
	return s, nil
}

// Get returns the session with the given id
func (m *Manager) Get(sessionID id.SessionID) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// List returns all sessions, oldest first
func (m *Manager) List() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Count returns the number of live sessions
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Close unmounts and forgets a session
func (m *Manager) Close(sessionID id.SessionID) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	s.Unmount()
	return nil
}

// Shutdown unmounts every session
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[id.SessionID]*Session)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Unmount()
		}(s)
	}
	wg.Wait()
	m.logger.Info("All sessions closed", zap.Int("count", len(sessions)))
}
