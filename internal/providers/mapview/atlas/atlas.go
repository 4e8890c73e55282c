// Package atlas is the map SDK loaded by the sandbox page. The JavaScript
// surface (atlas.maps.LatLng, Map, Marker) is embedded; drawing calls are
// forwarded to a Go Renderer, which is the only observable output of the
// map.
package atlas

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/dop251/goja"

	"github.com/GriffinCanCode/livemap/internal/providers/mapview/sandbox"
)

// Version reported as atlas.maps.version
const Version = "1.0"

const nativeGlobal = "__atlasNative"

//go:embed atlas.js
var source string

// Renderer receives drawing operations from the SDK
type Renderer interface {
	CreateMap(lat, lng float64, level int)
	SetCenter(lat, lng float64)
	SetMarker(lat, lng float64)
	ClearMarker()
}

// Loader resolves the SDK <script src> to the embedded implementation
type Loader struct {
	src      string
	renderer Renderer
}

// NewLoader creates a loader answering for src. Query strings are
// ignored when matching, so keyed SDK URLs resolve too.
func NewLoader(src string, renderer Renderer) *Loader {
	return &Loader{src: stripQuery(src), renderer: renderer}
}

// Match reports whether src names the SDK
func (l *Loader) Match(src string) bool {
	return stripQuery(src) == l.src
}

// Load returns the SDK script bound to the loader's renderer
func (l *Loader) Load(ctx context.Context, src string) (sandbox.Script, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !l.Match(src) {
		return nil, fmt.Errorf("%w: %s", sandbox.ErrNoLoader, src)
	}
	return &SDK{renderer: l.renderer}, nil
}

// SDK installs atlas.maps into a VM
type SDK struct {
	renderer Renderer
}

// Install defines window.atlas in vm
func (s *SDK) Install(vm *goja.Runtime) error {
	native := vm.NewObject()
	native.Set("version", Version)
	native.Set("createMap", s.renderer.CreateMap)
	native.Set("setCenter", s.renderer.SetCenter)
	native.Set("setMarker", s.renderer.SetMarker)
	native.Set("clearMarker", s.renderer.ClearMarker)

	if err := vm.Set(nativeGlobal, native); err != nil {
		return err
	}
	defer vm.GlobalObject().Delete(nativeGlobal)

	_, err := vm.RunScript("atlas.js", source)
	return err
}

func stripQuery(src string) string {
	if i := strings.IndexAny(src, "?#"); i >= 0 {
		return src[:i]
	}
	return src
}
