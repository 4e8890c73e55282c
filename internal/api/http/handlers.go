package http

import (
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/livemap/internal/domain/location"
	"github.com/GriffinCanCode/livemap/internal/domain/session"
	"github.com/GriffinCanCode/livemap/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/livemap/internal/providers/geolocation"
	"github.com/GriffinCanCode/livemap/internal/shared/id"
)

// Version is reported by the root endpoint
const Version = "1.0.0"

// Handlers contains all HTTP handlers
type Handlers struct {
	sessions    *session.Manager
	devices     *geolocation.Registry
	metrics     *monitoring.Metrics
	logger      *zap.Logger
	maxSessions int
	started     time.Time
}

// NewHandlers creates a new handler set. maxSessions of 0 means unlimited.
func NewHandlers(sessions *session.Manager, devices *geolocation.Registry, metrics *monitoring.Metrics, maxSessions int, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{
		sessions:    sessions,
		devices:     devices,
		metrics:     metrics,
		logger:      logger,
		maxSessions: maxSessions,
		started:     time.Now(),
	}
}

// Register mounts every route on router
func (h *Handlers) Register(router gin.IRouter) {
	router.GET("/", h.Root)
	router.GET("/health", h.Health)

	api := router.Group("/api")
	api.POST("/sessions", h.CreateSession)
	api.GET("/sessions", h.ListSessions)
	api.GET("/sessions/:id", h.GetSession)
	api.POST("/sessions/:id/reload", h.ReloadSession)
	api.DELETE("/sessions/:id", h.CloseSession)
	api.GET("/devices", h.ListDevices)

	if h.metrics != nil {
		router.GET("/metrics", gin.WrapH(h.metrics.Handler()))
		router.GET("/metrics/json", h.MetricsJSON)
	}
}

// Root handles the service banner
func (h *Handlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "online",
		"service": "livemap",
		"version": Version,
	})
}

// Health handles detailed health check
func (h *Handlers) Health(c *gin.Context) {
	connected := 0
	for _, d := range h.devices.List() {
		if d.Connected() {
			connected++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":            "healthy",
		"sessions":          h.sessions.Count(),
		"devices_connected": connected,
		"uptime_seconds":    time.Since(h.started).Seconds(),
	})
}

// CreateSession mounts a new map session
func (h *Handlers) CreateSession(c *gin.Context) {
	var req session.Request
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	if h.maxSessions > 0 && h.sessions.Count() >= h.maxSessions {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session limit reached"})
		return
	}

	s, err := h.sessions.Create(req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, s.Status())
}

// ListSessions lists all mounted sessions
func (h *Handlers) ListSessions(c *gin.Context) {
	sessions := h.sessions.List()
	out := make([]session.Status, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Status())
	}
	c.JSON(http.StatusOK, gin.H{
		"sessions": out,
		"count":    len(out),
	})
}

// GetSession returns one session's status
func (h *Handlers) GetSession(c *gin.Context) {
	s, ok := h.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s.Status())
}

// ReloadSession recreates the session's sandbox document
func (h *Handlers) ReloadSession(c *gin.Context) {
	s, ok := h.lookup(c)
	if !ok {
		return
	}
	if err := s.Reload(); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.Status())
}

// CloseSession unmounts a session
func (h *Handlers) CloseSession(c *gin.Context) {
	sessionID, err := id.ParseSessionID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.sessions.Close(sessionID); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"session_id": sessionID,
	})
}

type deviceInfo struct {
	ID        string                   `json:"id"`
	Connected bool                     `json:"connected"`
	LastFix   *location.PositionSample `json:"last_fix,omitempty"`
}

// ListDevices lists phone agents that have connected at least once
func (h *Handlers) ListDevices(c *gin.Context) {
	devices := h.devices.List()
	out := make([]deviceInfo, 0, len(devices))
	for _, d := range devices {
		info := deviceInfo{ID: d.ID(), Connected: d.Connected()}
		if fix, ok := d.LastFix(); ok {
			info.LastFix = &fix
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	c.JSON(http.StatusOK, gin.H{"devices": out})
}

// MetricsJSON returns the metrics summary
func (h *Handlers) MetricsJSON(c *gin.Context) {
	c.JSON(http.StatusOK, h.metrics.Snapshot())
}

func (h *Handlers) lookup(c *gin.Context) (*session.Session, bool) {
	sessionID, err := id.ParseSessionID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}
	s, ok := h.sessions.Get(sessionID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": session.ErrNotFound.Error()})
		return nil, false
	}
	return s, true
}

func (h *Handlers) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, session.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, session.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, session.ErrNotMounted):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		h.logger.Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
