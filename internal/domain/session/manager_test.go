package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/livemap/internal/domain/location"
	"github.com/GriffinCanCode/livemap/internal/providers/geolocation"
	"github.com/GriffinCanCode/livemap/internal/providers/mapview"
	"github.com/GriffinCanCode/livemap/internal/providers/mapview/sandbox"
	"github.com/GriffinCanCode/livemap/internal/shared/id"
)

func fakeFactory(sandboxes map[id.SessionID]*fakeSandbox) Factory {
	return func(sessionID id.SessionID, req Request) (Deps, error) {
		if req.Provider == "ip" {
			return Deps{}, errors.New("ip lookup disabled")
		}
		sb := &fakeSandbox{}
		if sandboxes != nil {
			sandboxes[sessionID] = sb
		}
		return Deps{
			Platform: grantingPlatform(),
			Source:   newFakeSource(),
			Sandbox:  sb,
		}, nil
	}
}

func TestManagerLifecycle(t *testing.T) {
	sandboxes := make(map[id.SessionID]*fakeSandbox)
	m := NewManager(context.Background(), fakeFactory(sandboxes), DefaultConfig(), nil)
	defer m.Shutdown()

	first, err := m.Create(Request{Provider: "simulator"})
	require.NoError(t, err)
	second, err := m.Create(Request{Provider: "simulator"})
	require.NoError(t, err)

	assert.Equal(t, 2, m.Count())
	got, ok := m.Get(first.ID())
	require.True(t, ok)
	assert.Same(t, first, got)

	list := m.List()
	require.Len(t, list, 2)
	assert.Equal(t, first.ID(), list[0].ID())
	assert.Equal(t, second.ID(), list[1].ID())

	require.NoError(t, m.Close(first.ID()))
	assert.True(t, sandboxes[first.ID()].isClosed())
	assert.Equal(t, 1, m.Count())
	assert.ErrorIs(t, m.Close(first.ID()), ErrNotFound)

	m.Shutdown()
	assert.Equal(t, 0, m.Count())
	assert.True(t, sandboxes[second.ID()].isClosed())
}

func TestManagerValidatesRequests(t *testing.T) {
	m := NewManager(context.Background(), fakeFactory(nil), DefaultConfig(), nil)
	defer m.Shutdown()

	tests := []struct {
		name string
		req  Request
	}{
		{"unknown provider", Request{Provider: "gps"}},
		{"device without id", Request{Provider: "device"}},
		{"unknown accuracy", Request{Provider: "simulator", Accuracy: "best"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Create(tt.req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
	assert.Zero(t, m.Count())
}

func TestManagerFactoryError(t *testing.T) {
	m := NewManager(context.Background(), fakeFactory(nil), DefaultConfig(), nil)
	defer m.Shutdown()

	_, err := m.Create(Request{Provider: "ip"})
	assert.ErrorContains(t, err, "ip lookup disabled")
	assert.Zero(t, m.Count())
}

func TestManagerDropsSessionsWhenContextEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m := NewManager(ctx, fakeFactory(nil), DefaultConfig(), nil)

	s, err := m.Create(Request{})
	require.NoError(t, err)

	cancel()
	select {
	case <-s.Done():
	case <-time.After(waitFor):
		t.Fatal("session did not end with its context")
	}
	assert.Eventually(t, func() bool { return m.Count() == 0 }, waitFor, tick)
}

// TestSimulatedWalkReachesMap drives the real sandbox page and SDK with a
// simulated walker.
func TestSimulatedWalkReachesMap(t *testing.T) {
	profile := mapview.DefaultProfile()
	profile.CreateDelayMS = 0

	sim := geolocation.NewSimulator(geolocation.SimulatorConfig{
		StartLatitude:  37.5665,
		StartLongitude: 126.9780,
		StepMeters:     10,
		Interval:       20 * time.Millisecond,
		Accuracy:       4,
		Steps:          5,
	})

	factory := func(sessionID id.SessionID, _ Request) (Deps, error) {
		host := mapview.NewHost(profile, sandbox.DefaultConfig(), nil)
		return Deps{
			Platform: sim,
			Source:   sim,
			Sandbox:  host,
			View:     host.View,
			Dialect:  profile.Dialect(),
			Options:  location.Options{Accuracy: location.AccuracyHigh},
		}, nil
	}

	m := NewManager(context.Background(), factory, DefaultConfig(), nil)
	defer m.Shutdown()

	s, err := m.Create(Request{Provider: "simulator"})
	require.NoError(t, err)

	last := sim.Path(5)[4]
	require.Eventually(t, func() bool {
		status := s.Status()
		return status.LastApplied != nil && status.LastApplied.Latitude == last.Latitude
	}, 5*time.Second, 10*time.Millisecond, "the final fix should be applied on the map")

	status := s.Status()
	assert.True(t, status.Ready)
	assert.Equal(t, OverlayNone, status.Overlay)
	require.NotNil(t, status.View)
	require.NotNil(t, status.View.Marker)
	assert.InDelta(t, last.Latitude, status.View.Marker.Latitude, 1e-9)
	assert.InDelta(t, last.Longitude, status.View.Marker.Longitude, 1e-9)
	assert.Empty(t, status.Diagnostics)
}
