package mapview

import (
	"go.uber.org/zap"

	"github.com/GriffinCanCode/livemap/internal/providers/mapview/atlas"
	"github.com/GriffinCanCode/livemap/internal/providers/mapview/render"
	"github.com/GriffinCanCode/livemap/internal/providers/mapview/sandbox"
)

// Host is one sandboxed map. It satisfies bridge.Host through the embedded
// runtime.
type Host struct {
	*sandbox.Runtime
	View    *render.ViewState
	profile Profile
}

// NewHost creates a sandbox with the atlas SDK registered for the profile's
// SDK source. Extra loaders are consulted after the SDK loader.
func NewHost(profile Profile, config sandbox.Config, logger *zap.Logger, loaders ...sandbox.ScriptLoader) *Host {
	if logger == nil {
		logger = zap.NewNop()
	}
	view := render.NewViewState()
	all := append([]sandbox.ScriptLoader{atlas.NewLoader(profile.SDKSource, view)}, loaders...)

	return &Host{
		Runtime: sandbox.New(config, sandbox.WithLogger(logger), sandbox.WithLoaders(all...)),
		View:    view,
		profile: profile,
	}
}

// Markup renders the page for this host's profile
func (h *Host) Markup() (string, error) {
	return Page(h.profile)
}

// Profile returns the page profile
func (h *Host) Profile() Profile {
	return h.profile
}
