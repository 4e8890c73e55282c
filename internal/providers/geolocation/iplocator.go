package geolocation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/livemap/internal/domain/location"
	"github.com/GriffinCanCode/livemap/internal/domain/permission"
	"github.com/GriffinCanCode/livemap/internal/shared/httpclient"
)

// ipAccuracyMeters is the nominal error of city-level IP positioning
const ipAccuracyMeters = 5000.0

var ErrLookupFailed = errors.New("ip geolocation lookup failed")

// ipAPIResponse is the ip-api.com JSON shape
type ipAPIResponse struct {
	Status  string  `json:"status"`
	Message string  `json:"message"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	City    string  `json:"city"`
	Country string  `json:"country"`
}

// IPLocator derives a coarse position from the server's public address.
// The capability is always enabled and never prompts.
type IPLocator struct {
	client   *httpclient.Client
	endpoint string
	interval time.Duration
	logger   *zap.Logger
}

// NewIPLocator creates a locator polling endpoint every interval
func NewIPLocator(client *httpclient.Client, endpoint string, interval time.Duration, logger *zap.Logger) *IPLocator {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IPLocator{client: client, endpoint: endpoint, interval: interval, logger: logger}
}

// ServiceEnabled always reports true
func (l *IPLocator) ServiceEnabled(ctx context.Context) (bool, error) {
	return ctx.Err() == nil, ctx.Err()
}

// RequestPermission always grants
func (l *IPLocator) RequestPermission(ctx context.Context) (permission.Grant, error) {
	if err := ctx.Err(); err != nil {
		return permission.Denied, err
	}
	return permission.Granted, nil
}

// Locate performs a single lookup
func (l *IPLocator) Locate(ctx context.Context) (location.PositionSample, error) {
	body, err := l.client.Get(ctx, l.endpoint)
	if err != nil {
		return location.PositionSample{}, fmt.Errorf("%w: %v", ErrLookupFailed, err)
	}

	var resp ipAPIResponse
	if err := sonic.Unmarshal(body, &resp); err != nil {
		return location.PositionSample{}, fmt.Errorf("%w: decode: %v", ErrLookupFailed, err)
	}
	if resp.Status != "success" {
		return location.PositionSample{}, fmt.Errorf("%w: %s", ErrLookupFailed, resp.Message)
	}

	sample := location.PositionSample{
		Latitude:   resp.Lat,
		Longitude:  resp.Lon,
		Accuracy:   ipAccuracyMeters,
		CapturedAt: time.Now(),
	}
	if err := validate.Struct(sample); err != nil {
		return location.PositionSample{}, fmt.Errorf("%w: %v", ErrInvalidSample, err)
	}
	return sample, nil
}

// Watch polls until ctx is cancelled. Failed lookups are logged and retried
// on the next tick.
func (l *IPLocator) Watch(ctx context.Context, _ location.Options) (<-chan location.PositionSample, error) {
	out := make(chan location.PositionSample, 1)

	go func() {
		defer close(out)
		ticker := time.NewTicker(l.interval)
		defer ticker.Stop()

		for {
			sample, err := l.Locate(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				l.logger.Warn("IP lookup failed", zap.Error(err))
			} else {
				offer(out, sample)
			}

			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}
