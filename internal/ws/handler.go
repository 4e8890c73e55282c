package ws

import (
	"net/http"
	"regexp"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/livemap/internal/domain/location"
	"github.com/GriffinCanCode/livemap/internal/domain/session"
	"github.com/GriffinCanCode/livemap/internal/providers/geolocation"
	"github.com/GriffinCanCode/livemap/internal/providers/mapview/render"
	"github.com/GriffinCanCode/livemap/internal/shared/id"
)

const (
	RoleDevice = "device"
	RoleViewer = "viewer"
)

var deviceIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // origin policy is enforced by the CORS middleware
	},
}

// Stats receives connection metrics
type Stats interface {
	WSConnected(role string)
	WSDisconnected(role string)
	RecordWSMessage(direction, msgType string)
}

type nopStats struct{}

func (nopStats) WSConnected(string)             {}
func (nopStats) WSDisconnected(string)          {}
func (nopStats) RecordWSMessage(string, string) {}

// Handler manages WebSocket connections
type Handler struct {
	sessions *session.Manager
	devices  *geolocation.Registry
	stats    Stats
	logger   *zap.Logger
}

// NewHandler creates a new WebSocket handler. stats may be nil.
func NewHandler(sessions *session.Manager, devices *geolocation.Registry, stats Stats, logger *zap.Logger) *Handler {
	if stats == nil {
		stats = nopStats{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{sessions: sessions, devices: devices, stats: stats, logger: logger}
}

// Register mounts the stream routes
func (h *Handler) Register(router gin.IRouter) {
	router.GET("/api/devices/:id/stream", h.DeviceStream)
	router.GET("/api/sessions/:id/view", h.SessionView)
}

type connectedFrame struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connection_id"`
	Timestamp    int64  `json:"timestamp"`
}

type deviceFrame struct {
	Type    string                   `json:"type"`
	Enabled *bool                    `json:"enabled,omitempty"`
	ID      string                   `json:"id,omitempty"`
	Granted bool                     `json:"granted,omitempty"`
	Fix     *location.PositionSample `json:"fix,omitempty"`
}

// DeviceStream attaches a phone agent to its device endpoint
func (h *Handler) DeviceStream(c *gin.Context) {
	deviceID := c.Param("id")
	if !deviceIDPattern.MatchString(deviceID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid device id"})
		return
	}
	device := h.devices.Device(deviceID)
	if !device.TryConnect() {
		c.JSON(http.StatusConflict, gin.H{"error": "device already connected"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		device.SetConnected(false)
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	p := newPeer(conn, RoleDevice, h.stats, h.logger.With(zap.String("device_id", deviceID)))
	defer func() {
		device.SetConnected(false)
		p.shutdown()
		p.logger.Info("Device disconnected")
	}()
	p.logger.Info("Device connected")

	p.send(connectedFrame{Type: "connected", ConnectionID: p.id.String(), Timestamp: time.Now().Unix()}, "connected")

	// Forward host requests until the connection ends
	go func() {
		for {
			select {
			case req := <-device.Requests():
				if !p.send(req, req.Type) {
					return
				}
			case <-p.done:
				return
			}
		}
	}()

	for {
		data, msgType, err := p.read()
		if err != nil {
			if isUnexpectedClose(err) {
				p.logger.Warn("Device connection lost", zap.Error(err))
			}
			return
		}
		h.handleDeviceFrame(p, device, data, msgType)
	}
}

func (h *Handler) handleDeviceFrame(p *peer, device *geolocation.Device, data []byte, msgType string) {
	var f deviceFrame
	if err := sonic.Unmarshal(data, &f); err != nil {
		p.sendError("malformed frame")
		return
	}

	switch msgType {
	case "status":
		if f.Enabled == nil {
			p.sendError("status requires enabled")
			return
		}
		device.ReportStatus(*f.Enabled)
	case "permission_result":
		if err := device.ResolvePermission(f.ID, f.Granted); err != nil {
			p.sendError(err.Error())
		}
	case "fix":
		if f.Fix == nil {
			p.sendError("fix requires a position")
			return
		}
		if err := device.Push(*f.Fix); err != nil {
			p.sendError(err.Error())
		}
	case "ping":
		p.send(Frame{Type: "pong", Timestamp: time.Now().Unix()}, "pong")
	default:
		p.sendError("unknown message type")
	}
}

type statusFrame struct {
	Type   string         `json:"type"`
	Status session.Status `json:"status"`
}

type viewFrame struct {
	Type string          `json:"type"`
	View render.Snapshot `json:"view"`
}

// SessionView streams a session's status and map view to a viewer
func (h *Handler) SessionView(c *gin.Context) {
	sessionID, err := id.ParseSessionID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s, ok := h.sessions.Get(sessionID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": session.ErrNotFound.Error()})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	p := newPeer(conn, RoleViewer, h.stats, h.logger.With(zap.String("session_id", sessionID.String())))
	defer p.shutdown()

	p.send(connectedFrame{Type: "connected", ConnectionID: p.id.String(), Timestamp: time.Now().Unix()}, "connected")

	go h.pushSession(p, s)

	for {
		_, msgType, err := p.read()
		if err != nil {
			if isUnexpectedClose(err) {
				p.logger.Warn("Viewer connection lost", zap.Error(err))
			}
			return
		}
		switch msgType {
		case "reload":
			if err := s.Reload(); err != nil {
				p.sendError(err.Error())
			}
		case "ping":
			p.send(Frame{Type: "pong", Timestamp: time.Now().Unix()}, "pong")
		default:
			p.sendError("unknown message type")
		}
	}
}

// pushSession forwards status and view updates until the session or the
// connection ends
func (h *Handler) pushSession(p *peer, s *session.Session) {
	statuses, stopStatus := s.Watch()
	defer stopStatus()

	var views <-chan render.Snapshot
	if view := s.View(); view != nil {
		ch, stopView := view.Subscribe()
		defer stopView()
		views = ch
	}

	for {
		select {
		case status, ok := <-statuses:
			if !ok {
				p.send(Frame{Type: "closed", Message: "session ended", Timestamp: time.Now().Unix()}, "closed")
				p.close()
				return
			}
			if !p.send(statusFrame{Type: "status", Status: status}, "status") {
				return
			}
		case snap, ok := <-views:
			if !ok {
				views = nil
				continue
			}
			if !p.send(viewFrame{Type: "view", View: snap}, "view") {
				return
			}
		case <-p.done:
			return
		}
	}
}
