// Package mapview assembles the sandboxed map: the page markup built from a
// Profile, the goja host that runs it and the view state the atlas SDK
// draws into.
package mapview

import (
	_ "embed"
	"fmt"
	"html/template"
	"strings"

	"github.com/GriffinCanCode/livemap/internal/domain/protocol"
)

//go:embed page.gohtml
var pageSource string

var pageTemplate = template.Must(template.New("page").Parse(pageSource))

type pageData struct {
	Command          string
	SDKSource        string
	Latitude         float64
	Longitude        float64
	Level            int
	CreateDelayMS    int
	HTMLLoaded       string
	MapCreated       string
	SDKLoaded        string
	SDKFailed        string
	RendererNotReady string
	CommandNotReady  string
	CommandError     string
	ScriptError      string
	Applied          string
}

// Page renders the map page for profile
func Page(profile Profile) (string, error) {
	if err := profile.Validate(); err != nil {
		return "", err
	}

	dialect := profile.Dialect()
	data := pageData{
		Command:          profile.Command,
		SDKSource:        profile.SDKSource,
		Latitude:         profile.Center.Latitude,
		Longitude:        profile.Center.Longitude,
		Level:            profile.Level,
		CreateDelayMS:    profile.CreateDelayMS,
		HTMLLoaded:       protocol.MsgHTMLLoaded,
		MapCreated:       protocol.MsgMapCreated,
		SDKLoaded:        dialect.SDKLoaded(),
		SDKFailed:        dialect.SDKFailed(),
		RendererNotReady: dialect.RendererNotReady(),
		CommandNotReady:  dialect.CommandNotReady(),
		CommandError:     dialect.CommandErrorPrefix(),
		ScriptError:      protocol.PrefixScriptError,
		Applied:          protocol.PrefixApplied,
	}

	var b strings.Builder
	if err := pageTemplate.Execute(&b, data); err != nil {
		return "", fmt.Errorf("failed to render map page: %w", err)
	}
	return b.String(), nil
}
