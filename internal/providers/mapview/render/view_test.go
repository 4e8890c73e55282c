package render

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestViewStateTracksMapAndMarker(t *testing.T) {
	v := NewViewState()
	assert.False(t, v.Snapshot().MapCreated)

	v.CreateMap(37.5665, 126.9780, 3)
	snap := v.Snapshot()
	require.True(t, snap.MapCreated)
	assert.Equal(t, &Point{Latitude: 37.5665, Longitude: 126.9780}, snap.Center)
	assert.Equal(t, 3, snap.Level)
	assert.Nil(t, snap.Marker)

	v.SetCenter(1, 2)
	v.SetMarker(1, 2)
	snap = v.Snapshot()
	assert.Equal(t, &Point{Latitude: 1, Longitude: 2}, snap.Center)
	assert.Equal(t, &Point{Latitude: 1, Longitude: 2}, snap.Marker)
	assert.Equal(t, uint64(3), snap.Updates)

	v.ClearMarker()
	assert.Nil(t, v.Snapshot().Marker)
}

func TestSnapshotsAreNotAliased(t *testing.T) {
	v := NewViewState()
	v.SetMarker(1, 1)
	before := v.Snapshot()

	v.SetMarker(2, 2)
	assert.Equal(t, 1.0, before.Marker.Latitude)
}

func TestSubscribeConflates(t *testing.T) {
	v := NewViewState()
	ch, cancel := v.Subscribe()
	defer cancel()

	initial := <-ch
	assert.False(t, initial.MapCreated)

	v.CreateMap(0, 0, 3)
	v.SetMarker(1, 1)
	v.SetMarker(2, 2)

	latest := <-ch
	require.NotNil(t, latest.Marker)
	assert.Equal(t, 2.0, latest.Marker.Latitude)

	select {
	case extra := <-ch:
		t.Fatalf("unexpected extra snapshot %+v", extra)
	default:
	}
}

func TestResetKeepsUpdateCounter(t *testing.T) {
	v := NewViewState()
	v.CreateMap(0, 0, 3)
	v.SetMarker(1, 1)
	v.Reset()

	snap := v.Snapshot()
	assert.False(t, snap.MapCreated)
	assert.Nil(t, snap.Marker)
	assert.Equal(t, uint64(3), snap.Updates)
}

func TestCancelStopsDelivery(t *testing.T) {
	v := NewViewState()
	ch, cancel := v.Subscribe()
	<-ch
	cancel()
	cancel()

	v.SetMarker(1, 1)
	select {
	case <-ch:
		t.Fatal("received snapshot after cancel")
	default:
	}
}
