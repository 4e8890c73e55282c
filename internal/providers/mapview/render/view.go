// Package render keeps the host-visible state of the map drawn inside the
// sandbox: whether a map exists, where it is centered and where the
// position marker sits. Viewers subscribe to snapshots.
package render

import (
	"sync"
	"time"
)

// Point is a geographic coordinate
type Point struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lng"`
}

// Snapshot is an immutable copy of the view
type Snapshot struct {
	MapCreated bool      `json:"map_created"`
	Center     *Point    `json:"center,omitempty"`
	Level      int       `json:"level,omitempty"`
	Marker     *Point    `json:"marker,omitempty"`
	Updates    uint64    `json:"updates"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ViewState implements atlas.Renderer. Safe for concurrent use.
type ViewState struct {
	mu   sync.Mutex
	snap Snapshot
	subs map[int]chan Snapshot
	next int
}

// NewViewState creates an empty view
func NewViewState() *ViewState {
	return &ViewState{subs: make(map[int]chan Snapshot)}
}

// CreateMap records a new map at the initial center
func (v *ViewState) CreateMap(lat, lng float64, level int) {
	v.update(func(s *Snapshot) {
		s.MapCreated = true
		s.Center = &Point{Latitude: lat, Longitude: lng}
		s.Level = level
		s.Marker = nil
	})
}

// SetCenter moves the map center
func (v *ViewState) SetCenter(lat, lng float64) {
	v.update(func(s *Snapshot) {
		s.Center = &Point{Latitude: lat, Longitude: lng}
	})
}

// SetMarker creates or moves the position marker
func (v *ViewState) SetMarker(lat, lng float64) {
	v.update(func(s *Snapshot) {
		s.Marker = &Point{Latitude: lat, Longitude: lng}
	})
}

// ClearMarker removes the marker from the map
func (v *ViewState) ClearMarker() {
	v.update(func(s *Snapshot) {
		s.Marker = nil
	})
}

// Reset forgets the map, used when the sandbox is recreated
func (v *ViewState) Reset() {
	v.update(func(s *Snapshot) {
		*s = Snapshot{Updates: s.Updates}
	})
}

// Snapshot returns the current view
func (v *ViewState) Snapshot() Snapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.snap
}

// Subscribe returns a channel carrying the latest snapshot. Slow readers
// only ever see the newest value. The current view is delivered first.
func (v *ViewState) Subscribe() (<-chan Snapshot, func()) {
	v.mu.Lock()
	defer v.mu.Unlock()

	id := v.next
	v.next++
	ch := make(chan Snapshot, 1)
	ch <- v.snap
	v.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			v.mu.Lock()
			defer v.mu.Unlock()
			delete(v.subs, id)
		})
	}
}

// update mutates the snapshot. Points are replaced, never modified, so
// published snapshots stay valid.
func (v *ViewState) update(fn func(*Snapshot)) {
	v.mu.Lock()
	defer v.mu.Unlock()

	fn(&v.snap)
	v.snap.Updates++
	v.snap.UpdatedAt = time.Now()

	for _, ch := range v.subs {
		publish(ch, v.snap)
	}
}

func publish(ch chan Snapshot, snap Snapshot) {
	select {
	case ch <- snap:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- snap:
	default:
	}
}
