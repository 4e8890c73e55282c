package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/livemap/internal/domain/location"
	"github.com/GriffinCanCode/livemap/internal/domain/session"
	"github.com/GriffinCanCode/livemap/internal/providers/geolocation"
	"github.com/GriffinCanCode/livemap/internal/providers/mapview"
	"github.com/GriffinCanCode/livemap/internal/providers/mapview/sandbox"
	"github.com/GriffinCanCode/livemap/internal/shared/id"
)

type countingStats struct {
	mu     sync.Mutex
	active map[string]int
	in     map[string]int
}

func newCountingStats() *countingStats {
	return &countingStats{active: make(map[string]int), in: make(map[string]int)}
}

func (s *countingStats) WSConnected(role string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[role]++
}

func (s *countingStats) WSDisconnected(role string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[role]--
}

func (s *countingStats) RecordWSMessage(direction, msgType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if direction == "in" {
		s.in[msgType]++
	}
}

func (s *countingStats) activeCount(role string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[role]
}

type harness struct {
	server  *httptest.Server
	manager *session.Manager
	devices *geolocation.Registry
	stats   *countingStats
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	profile := mapview.DefaultProfile()
	profile.CreateDelayMS = 0
	devices := geolocation.NewRegistry(nil)

	factory := func(_ id.SessionID, req session.Request) (session.Deps, error) {
		host := mapview.NewHost(profile, sandbox.DefaultConfig(), nil)
		deps := session.Deps{
			Sandbox: host,
			View:    host.View,
			Dialect: profile.Dialect(),
			Options: location.Options{Accuracy: location.AccuracyHigh, MinInterval: time.Second},
		}
		if req.Provider == "device" {
			device := devices.Device(req.DeviceID)
			deps.Platform, deps.Source = device, device
			return deps, nil
		}
		sim := geolocation.NewSimulator(geolocation.SimulatorConfig{
			StartLatitude:  37.5665,
			StartLongitude: 126.9780,
			StepMeters:     5,
			Interval:       20 * time.Millisecond,
			Steps:          3,
		})
		deps.Platform, deps.Source = sim, sim
		return deps, nil
	}

	manager := session.NewManager(context.Background(), factory, session.DefaultConfig(), nil)
	stats := newCountingStats()

	router := gin.New()
	NewHandler(manager, devices, stats, nil).Register(router)
	server := httptest.NewServer(router)
	t.Cleanup(func() {
		manager.Shutdown()
		server.Close()
	})
	return &harness{server: server, manager: manager, devices: devices, stats: stats}
}

func (h *harness) dial(t *testing.T, path string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + path
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if conn != nil {
		t.Cleanup(func() { _ = conn.Close() })
	}
	return conn, resp, err
}

func writeFrame(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	data, err := sonic.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

// readUntil returns the first frame of the given type, skipping others
func readUntil(t *testing.T, conn *websocket.Conn, frameType string) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %q", frameType)
		var frame map[string]interface{}
		require.NoError(t, sonic.Unmarshal(data, &frame))
		if frame["type"] == frameType {
			return frame
		}
	}
}

func TestDeviceDrivesSessionToMap(t *testing.T) {
	h := newHarness(t)

	phone, _, err := h.dial(t, "/api/devices/phone-1/stream")
	require.NoError(t, err)
	connected := readUntil(t, phone, "connected")
	assert.NotEmpty(t, connected["connection_id"])
	assert.Eventually(t, func() bool { return h.devices.Device("phone-1").Connected() }, time.Second, 5*time.Millisecond)

	writeFrame(t, phone, map[string]interface{}{"type": "status", "enabled": true})

	s, err := h.manager.Create(session.Request{Provider: "device", DeviceID: "phone-1"})
	require.NoError(t, err)

	prompt := readUntil(t, phone, geolocation.RequestPermission)
	require.NotEmpty(t, prompt["id"])
	writeFrame(t, phone, map[string]interface{}{"type": "permission_result", "id": prompt["id"], "granted": true})

	watch := readUntil(t, phone, geolocation.RequestWatch)
	assert.Equal(t, "high", watch["accuracy"])
	assert.EqualValues(t, 1000, watch["interval_ms"])

	writeFrame(t, phone, map[string]interface{}{
		"type": "fix",
		"fix":  map[string]interface{}{"latitude": 37.5701, "longitude": 126.9825, "accuracy": 4},
	})

	require.Eventually(t, func() bool {
		applied := s.Status().LastApplied
		return applied != nil && applied.Latitude == 37.5701 && applied.Longitude == 126.9825
	}, 3*time.Second, 10*time.Millisecond)

	fix, ok := h.devices.Device("phone-1").LastFix()
	require.True(t, ok)
	assert.False(t, fix.CapturedAt.IsZero())
}

func TestDeviceFrameErrors(t *testing.T) {
	h := newHarness(t)

	phone, _, err := h.dial(t, "/api/devices/phone-2/stream")
	require.NoError(t, err)
	readUntil(t, phone, "connected")

	tests := []struct {
		name  string
		frame interface{}
	}{
		{"status without flag", map[string]interface{}{"type": "status"}},
		{"unknown permission", map[string]interface{}{"type": "permission_result", "id": "nope", "granted": true}},
		{"invalid fix", map[string]interface{}{"type": "fix", "fix": map[string]interface{}{"latitude": 123.0, "longitude": 0}}},
		{"missing fix", map[string]interface{}{"type": "fix"}},
		{"unknown type", map[string]interface{}{"type": "teleport"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			writeFrame(t, phone, tt.frame)
			frame := readUntil(t, phone, "error")
			assert.NotEmpty(t, frame["message"])
		})
	}

	writeFrame(t, phone, map[string]interface{}{"type": "ping"})
	readUntil(t, phone, "pong")

	_, ok := h.devices.Device("phone-2").LastFix()
	assert.False(t, ok)
}

func TestDeviceRejectsSecondConnection(t *testing.T) {
	h := newHarness(t)

	first, _, err := h.dial(t, "/api/devices/phone-3/stream")
	require.NoError(t, err)
	readUntil(t, first, "connected")

	_, resp, err := h.dial(t, "/api/devices/phone-3/stream")
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	require.NoError(t, first.Close())
	assert.Eventually(t, func() bool {
		return !h.devices.Device("phone-3").Connected() && h.stats.activeCount(RoleDevice) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestDeviceFailedUpgradeReleasesClaim(t *testing.T) {
	h := newHarness(t)

	resp, err := http.Get(h.server.URL + "/api/devices/phone-4/stream")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.False(t, h.devices.Device("phone-4").Connected())

	phone, _, err := h.dial(t, "/api/devices/phone-4/stream")
	require.NoError(t, err)
	readUntil(t, phone, "connected")
}

func TestDeviceRejectsInvalidID(t *testing.T) {
	h := newHarness(t)

	_, resp, err := h.dial(t, "/api/devices/bad.id/stream")
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSessionViewStreamsStatusAndView(t *testing.T) {
	h := newHarness(t)

	s, err := h.manager.Create(session.Request{Provider: "simulator"})
	require.NoError(t, err)

	viewer, _, err := h.dial(t, "/api/sessions/"+s.ID().String()+"/view")
	require.NoError(t, err)
	readUntil(t, viewer, "connected")

	status := readUntil(t, viewer, "status")
	assert.Equal(t, s.ID().String(), status["status"].(map[string]interface{})["id"])

	// The marker shows up once the first sample reaches the map
	for {
		frame := readUntil(t, viewer, "view")
		view := frame["view"].(map[string]interface{})
		if view["marker"] != nil {
			break
		}
	}

	writeFrame(t, viewer, map[string]interface{}{"type": "reload"})
	require.Eventually(t, func() bool { return s.Status().Counters.Reloads == 1 }, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, h.manager.Close(s.ID()))
	closed := readUntil(t, viewer, "closed")
	assert.Equal(t, "session ended", closed["message"])

	assert.Eventually(t, func() bool { return h.stats.activeCount(RoleViewer) == 0 }, time.Second, 5*time.Millisecond)
}

func TestSessionViewRejectsUnknownSession(t *testing.T) {
	h := newHarness(t)

	_, resp, err := h.dial(t, "/api/sessions/not-an-id/view")
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, resp, err = h.dial(t, "/api/sessions/"+id.NewSessionID().String()+"/view")
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
