package mapview

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/livemap/internal/domain/protocol"
	"github.com/GriffinCanCode/livemap/internal/providers/mapview/render"
	"github.com/GriffinCanCode/livemap/internal/providers/mapview/sandbox"
)

func TestLoadProfile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
sdk_name: Harbor SDK
center:
  lat: 35.1796
  lng: 129.0756
level: 5
`), 0o600))

	profile, err := LoadProfile(path)
	require.NoError(t, err)
	assert.Equal(t, "Harbor SDK", profile.SDKName)
	assert.Equal(t, 35.1796, profile.Center.Latitude)
	assert.Equal(t, 5, profile.Level)
	// Unset keys keep defaults
	assert.Equal(t, "setMyLocation", profile.Command)
	assert.Equal(t, 200, profile.CreateDelayMS)
	assert.Equal(t, "Harbor SDK loaded", profile.Dialect().SDKLoaded())
}

func TestLoadProfileRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"latitude out of range", "center:\n  lat: 91\n  lng: 0\n"},
		{"bad level", "level: 0\n"},
		{"command with spaces", "command: set location\n"},
		{"sdk src not url", "sdk_src: maps.js\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "profile.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.body), 0o600))
			_, err := LoadProfile(path)
			assert.Error(t, err)
		})
	}
}

func TestPageContainsProtocol(t *testing.T) {
	markup, err := Page(DefaultProfile())
	require.NoError(t, err)

	for _, want := range []string{
		`id="map"`,
		`src="https://sdk.atlas.local/v1/maps.js"`,
		`"HTML loaded"`,
		`"Map created OK"`,
		`"setMyLocation called but map not ready"`,
		`37.5665`,
	} {
		assert.Contains(t, markup, want)
	}
}

type messages chan string

func (m messages) expect(t *testing.T, want string) {
	t.Helper()
	select {
	case got := <-m:
		assert.Equal(t, want, got)
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %q", want)
	}
}

func listen(rt *sandbox.Runtime) messages {
	m := make(messages, 32)
	rt.OnMessage(func(text string) { m <- text })
	return m
}

func TestBootstrapAndApplyLocation(t *testing.T) {
	profile := DefaultProfile()
	profile.CreateDelayMS = 10
	dialect := profile.Dialect()

	host := NewHost(profile, sandbox.DefaultConfig(), nil)
	defer host.Close()
	m := listen(host.Runtime)

	markup, err := host.Markup()
	require.NoError(t, err)
	require.NoError(t, host.LoadContent(markup))

	m.expect(t, protocol.MsgHTMLLoaded)
	m.expect(t, dialect.SDKLoaded())
	m.expect(t, protocol.MsgMapCreated)

	snap := host.View.Snapshot()
	require.True(t, snap.MapCreated)
	assert.Equal(t, &render.Point{Latitude: 37.5665, Longitude: 126.9780}, snap.Center)
	assert.Nil(t, snap.Marker)

	host.InjectCode(dialect.ApplyLocation(37.5665, 126.978))
	m.expect(t, protocol.Applied(37.5665, 126.978))
	host.InjectCode(dialect.ApplyLocation(37.57, 126.99))
	m.expect(t, protocol.Applied(37.57, 126.99))

	snap = host.View.Snapshot()
	assert.Equal(t, &render.Point{Latitude: 37.57, Longitude: 126.99}, snap.Marker)
	assert.Equal(t, &render.Point{Latitude: 37.57, Longitude: 126.99}, snap.Center)
}

func TestCommandBeforeMapCreated(t *testing.T) {
	profile := DefaultProfile()
	profile.CreateDelayMS = 300
	dialect := profile.Dialect()

	host := NewHost(profile, sandbox.DefaultConfig(), nil)
	defer host.Close()
	m := listen(host.Runtime)

	markup, err := host.Markup()
	require.NoError(t, err)
	require.NoError(t, host.LoadContent(markup))

	m.expect(t, protocol.MsgHTMLLoaded)
	m.expect(t, dialect.SDKLoaded())

	host.InjectCode(dialect.ApplyLocation(1, 2))
	m.expect(t, dialect.CommandNotReady())
	m.expect(t, protocol.MsgMapCreated)
	assert.Nil(t, host.View.Snapshot().Marker)
}

func TestSDKLoadFailure(t *testing.T) {
	profile := DefaultProfile()
	profile.CreateDelayMS = 10
	dialect := profile.Dialect()

	// No loader resolves the SDK source
	rt := sandbox.New(sandbox.DefaultConfig())
	defer rt.Close()
	m := listen(rt)

	markup, err := Page(profile)
	require.NoError(t, err)
	require.NoError(t, rt.LoadContent(markup))

	m.expect(t, protocol.MsgHTMLLoaded)
	m.expect(t, dialect.SDKFailed())
	m.expect(t, dialect.RendererNotReady())
}

func TestCommandErrorIsReported(t *testing.T) {
	profile := DefaultProfile()
	profile.CreateDelayMS = 10
	dialect := profile.Dialect()

	host := NewHost(profile, sandbox.DefaultConfig(), nil)
	defer host.Close()
	m := listen(host.Runtime)

	markup, err := host.Markup()
	require.NoError(t, err)
	require.NoError(t, host.LoadContent(markup))
	m.expect(t, protocol.MsgHTMLLoaded)
	m.expect(t, dialect.SDKLoaded())
	m.expect(t, protocol.MsgMapCreated)

	host.InjectCode(`window.setMyLocation("north", 2);`)
	select {
	case got := <-m:
		assert.True(t, strings.HasPrefix(got, dialect.CommandErrorPrefix()), got)
		assert.Equal(t, protocol.KindCommandError, dialect.Parse(got).Kind)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for command error")
	}
}
