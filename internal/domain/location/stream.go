package location

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

var ErrNoSource = errors.New("location source is required")

// Subscription is a live, throttled sequence of samples from one Source.
// It is not restartable; call Start again for a new one.
type Subscription struct {
	out    chan PositionSample
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	logger *zap.Logger

	delivered atomic.Uint64
	filtered  atomic.Uint64
}

// Start begins watching src. The subscription runs until Stop is called or
// ctx is cancelled; either way C is closed afterwards.
func Start(ctx context.Context, src Source, opts Options, logger *zap.Logger) (*Subscription, error) {
	if src == nil {
		return nil, ErrNoSource
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	watchCtx, cancel := context.WithCancel(ctx)
	raw, err := src.Watch(watchCtx, opts)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start location watch: %w", err)
	}

	sub := &Subscription{
		out:    make(chan PositionSample, 1),
		cancel: cancel,
		done:   make(chan struct{}),
		logger: logger,
	}

	logger.Debug("Location subscription started",
		zap.Stringer("accuracy", opts.Accuracy),
		zap.Duration("min_interval", opts.MinInterval),
		zap.Float64("min_distance_m", opts.MinDistanceMeters),
	)

	go sub.run(watchCtx, raw, &throttle{opts: opts})
	return sub, nil
}

// C delivers samples. Only the newest undelivered sample is held; older
// ones are superseded if the reader falls behind.
func (s *Subscription) C() <-chan PositionSample {
	return s.out
}

// Stop releases the underlying watch and waits for the pump to exit.
// Calling it more than once is harmless.
func (s *Subscription) Stop() {
	s.once.Do(func() {
		s.cancel()
		<-s.done
		s.logger.Debug("Location subscription stopped",
			zap.Uint64("delivered", s.delivered.Load()),
			zap.Uint64("filtered", s.filtered.Load()),
		)
	})
}

// Done is closed once the subscription has fully stopped.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) run(ctx context.Context, raw <-chan PositionSample, th *throttle) {
	defer close(s.done)
	defer close(s.out)

	for {
		select {
		case <-ctx.Done():
			return
		case fix, ok := <-raw:
			if !ok {
				return
			}
			if !th.admit(fix) {
				s.filtered.Add(1)
				continue
			}
			s.offer(fix)
			s.delivered.Add(1)
		}
	}
}

// offer replaces any pending sample with sample.
func (s *Subscription) offer(sample PositionSample) {
	for {
		select {
		case s.out <- sample:
			return
		default:
		}
		select {
		case <-s.out:
		default:
		}
	}
}

// throttle applies the interval and distance filters to raw fixes.
type throttle struct {
	opts Options
	last PositionSample
	has  bool
}

func (t *throttle) admit(fix PositionSample) bool {
	if !t.has {
		t.last, t.has = fix, true
		return true
	}

	elapsed := fix.CapturedAt.Sub(t.last.CapturedAt)
	if elapsed < t.opts.MinInterval || elapsed < 0 {
		return false
	}

	moved := fix.DistanceTo(t.last) >= t.opts.MinDistanceMeters
	if !moved && !t.improved(fix) {
		return false
	}

	t.last = fix
	return true
}

// improved reports a high-accuracy refinement of the same position.
func (t *throttle) improved(fix PositionSample) bool {
	if t.opts.Accuracy != AccuracyHigh {
		return false
	}
	return fix.Accuracy > 0 && t.last.Accuracy > 0 && fix.Accuracy <= t.last.Accuracy/2
}
