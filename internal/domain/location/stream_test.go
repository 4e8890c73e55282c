package location

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chanSource struct {
	ch   chan PositionSample
	err  error
	opts Options
}

func (c *chanSource) Watch(ctx context.Context, opts Options) (<-chan PositionSample, error) {
	if c.err != nil {
		return nil, c.err
	}
	c.opts = opts
	return c.ch, nil
}

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func sample(lat, lng float64, offset time.Duration) PositionSample {
	return PositionSample{Latitude: lat, Longitude: lng, Accuracy: 10, CapturedAt: t0.Add(offset)}
}

func TestHaversine(t *testing.T) {
	// 0.001 degrees of latitude is roughly 111 meters
	d := Haversine(37.5665, 126.9780, 37.5675, 126.9780)
	assert.InDelta(t, 111.19, d, 0.5)

	assert.Zero(t, Haversine(10, 20, 10, 20))

	// Seoul to Busan is about 325 km
	assert.InDelta(t, 325000, Haversine(37.5665, 126.9780, 35.1796, 129.0756), 5000)
}

func TestParseAccuracyTier(t *testing.T) {
	tier, err := ParseAccuracyTier("Balanced")
	require.NoError(t, err)
	assert.Equal(t, AccuracyBalanced, tier)

	tier, err = ParseAccuracyTier("")
	require.NoError(t, err)
	assert.Equal(t, AccuracyHigh, tier)

	_, err = ParseAccuracyTier("extreme")
	assert.Error(t, err)
}

func TestThrottleAdmit(t *testing.T) {
	opts := DefaultOptions()
	base := sample(37.5665, 126.9780, 0)

	tests := []struct {
		name string
		opts Options
		next PositionSample
		want bool
	}{
		{
			name: "too soon",
			opts: opts,
			next: sample(37.5700, 126.9780, 500*time.Millisecond),
			want: false,
		},
		{
			name: "not far enough",
			opts: opts,
			next: sample(37.56651, 126.9780, 2*time.Second),
			want: false,
		},
		{
			name: "interval and distance satisfied",
			opts: opts,
			next: sample(37.5670, 126.9790, 2*time.Second),
			want: true,
		},
		{
			name: "older fix superseded",
			opts: Options{Accuracy: AccuracyHigh},
			next: sample(37.5700, 126.9780, -time.Second),
			want: false,
		},
		{
			name: "accuracy refinement on high tier",
			opts: opts,
			next: PositionSample{Latitude: 37.5665, Longitude: 126.9780, Accuracy: 4, CapturedAt: t0.Add(2 * time.Second)},
			want: true,
		},
		{
			name: "accuracy refinement ignored on balanced tier",
			opts: Options{Accuracy: AccuracyBalanced, MinInterval: time.Second, MinDistanceMeters: 2},
			next: PositionSample{Latitude: 37.5665, Longitude: 126.9780, Accuracy: 4, CapturedAt: t0.Add(2 * time.Second)},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			th := &throttle{opts: tt.opts}
			require.True(t, th.admit(base), "first fix always passes")
			assert.Equal(t, tt.want, th.admit(tt.next))
		})
	}
}

func TestStartRequiresSource(t *testing.T) {
	_, err := Start(context.Background(), nil, DefaultOptions(), nil)
	assert.ErrorIs(t, err, ErrNoSource)
}

func TestStartPropagatesWatchError(t *testing.T) {
	boom := errors.New("sensor offline")
	_, err := Start(context.Background(), &chanSource{err: boom}, DefaultOptions(), nil)
	assert.ErrorIs(t, err, boom)
}

func TestSubscriptionDeliversAndStops(t *testing.T) {
	src := &chanSource{ch: make(chan PositionSample)}
	opts := DefaultOptions()

	sub, err := Start(context.Background(), src, opts, nil)
	require.NoError(t, err)
	assert.Equal(t, opts, src.opts)

	first := sample(37.5665, 126.9780, 0)
	src.ch <- first

	select {
	case got := <-sub.C():
		assert.Equal(t, first, got)
	case <-time.After(time.Second):
		t.Fatal("sample not delivered")
	}

	sub.Stop()
	sub.Stop()

	_, ok := <-sub.C()
	assert.False(t, ok, "channel closed after stop")

	select {
	case <-sub.Done():
	default:
		t.Fatal("done not closed")
	}
}

func TestSubscriptionKeepsOnlyNewest(t *testing.T) {
	src := &chanSource{ch: make(chan PositionSample)}
	sub, err := Start(context.Background(), src, Options{MinDistanceMeters: 0}, nil)
	require.NoError(t, err)
	defer sub.Stop()

	s1 := sample(37.5665, 126.9780, 0)
	s2 := sample(37.5670, 126.9790, time.Second)
	s3 := sample(37.5680, 126.9800, 2*time.Second)
	src.ch <- s1
	src.ch <- s2
	src.ch <- s3

	var seen []PositionSample
	require.Eventually(t, func() bool {
		select {
		case got := <-sub.C():
			seen = append(seen, got)
			return got == s3
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)

	assert.NotContains(t, seen, s1)
	assert.LessOrEqual(t, len(seen), 2)
}

func TestSubscriptionEndsWithContext(t *testing.T) {
	src := &chanSource{ch: make(chan PositionSample)}
	ctx, cancel := context.WithCancel(context.Background())

	sub, err := Start(ctx, src, DefaultOptions(), nil)
	require.NoError(t, err)

	cancel()
	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription did not end with context")
	}
	sub.Stop()
}
