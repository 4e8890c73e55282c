package sandbox

import (
	"context"
	"fmt"
	"strings"

	"github.com/GriffinCanCode/livemap/internal/shared/httpclient"
)

// HTTPLoader fetches external scripts over the network. Only sources under
// one of the allowed prefixes are matched.
type HTTPLoader struct {
	client   *httpclient.Client
	prefixes []string
}

// NewHTTPLoader creates a loader restricted to the given URL prefixes
func NewHTTPLoader(client *httpclient.Client, prefixes ...string) *HTTPLoader {
	return &HTTPLoader{client: client, prefixes: prefixes}
}

// Match reports whether src is an allowed http(s) URL
func (l *HTTPLoader) Match(src string) bool {
	if !strings.HasPrefix(src, "https://") && !strings.HasPrefix(src, "http://") {
		return false
	}
	for _, prefix := range l.prefixes {
		if strings.HasPrefix(src, prefix) {
			return true
		}
	}
	return false
}

// Load downloads src
func (l *HTTPLoader) Load(ctx context.Context, src string) (Script, error) {
	body, err := l.client.Get(ctx, src)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch script: %w", err)
	}
	return SourceScript{Name: src, Source: string(body)}, nil
}

// StaticLoader serves scripts from memory, keyed by exact src
type StaticLoader map[string]Script

// Match reports whether src is registered
func (l StaticLoader) Match(src string) bool {
	_, ok := l[src]
	return ok
}

// Load returns the registered script
func (l StaticLoader) Load(_ context.Context, src string) (Script, error) {
	script, ok := l[src]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoLoader, src)
	}
	return script, nil
}
