package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// Fixed sandbox→host messages.
const (
	MsgHTMLLoaded = "HTML loaded"
	MsgMapCreated = "Map created OK"

	// PrefixScriptError and PrefixApplied start the two messages that
	// carry a payload.
	PrefixScriptError = "JS ERROR: "
	PrefixApplied     = "Location applied: "

	commandErrSep = " error: "
	positionSep   = " @ "
)

// Kind classifies an inbound sandbox message.
type Kind int

const (
	KindUnknown Kind = iota
	KindHTMLLoaded
	KindSDKLoaded
	KindSDKFailed
	KindRendererNotReady
	KindMapCreated
	KindScriptError
	KindCommandError
	KindCommandNotReady
	KindLocationApplied
)

// String returns the metric/log label of the kind
func (k Kind) String() string {
	switch k {
	case KindHTMLLoaded:
		return "html_loaded"
	case KindSDKLoaded:
		return "sdk_loaded"
	case KindSDKFailed:
		return "sdk_failed"
	case KindRendererNotReady:
		return "renderer_not_ready"
	case KindMapCreated:
		return "map_created"
	case KindScriptError:
		return "script_error"
	case KindCommandError:
		return "command_error"
	case KindCommandNotReady:
		return "command_not_ready"
	case KindLocationApplied:
		return "location_applied"
	default:
		return "unknown"
	}
}

// Message is a parsed sandbox→host message. Only the fields relevant to
// Kind are populated.
type Message struct {
	Kind Kind
	Raw  string

	// Script and command errors
	Command string
	Text    string
	Line    int
	Column  int

	// Location applied confirmation
	Latitude  float64
	Longitude float64
}

// Dialect names the SDK, renderer and page command a sandbox page uses.
// The bootstrap messages embed these names.
type Dialect struct {
	SDK      string // e.g. "Atlas SDK"
	Renderer string // e.g. "atlas.maps"
	Command  string // global function taking (lat, lng)
}

// DefaultDialect matches the page produced by the mapview package.
func DefaultDialect() Dialect {
	return Dialect{
		SDK:      "Atlas SDK",
		Renderer: "atlas.maps",
		Command:  "setMyLocation",
	}
}

// SDKLoaded returns the message the page posts when the SDK script loaded.
func (d Dialect) SDKLoaded() string { return d.SDK + " loaded" }

// SDKFailed returns the message the page posts when the SDK script failed.
func (d Dialect) SDKFailed() string { return d.SDK + " load FAILED" }

// RendererNotReady returns the message posted when map creation found no renderer.
func (d Dialect) RendererNotReady() string { return d.Renderer + " not ready" }

// CommandNotReady returns the message posted when the command ran before the map existed.
func (d Dialect) CommandNotReady() string { return d.Command + " called but map not ready" }

// CommandErrorPrefix starts the message posted when the command threw.
func (d Dialect) CommandErrorPrefix() string { return d.Command + commandErrSep }

// ApplyLocation formats the injection that moves the map to (lat, lng).
// The trailing `true;` is the truthy completion value some hosts require.
func (d Dialect) ApplyLocation(lat, lng float64) string {
	return fmt.Sprintf("window.%s(%s, %s);\ntrue;", d.Command, formatCoord(lat), formatCoord(lng))
}

// Applied formats the confirmation the page posts after applying a location.
func Applied(lat, lng float64) string {
	return PrefixApplied + formatCoord(lat) + "," + formatCoord(lng)
}

// Parse classifies raw. Unrecognized text yields KindUnknown rather than an error.
func (d Dialect) Parse(raw string) Message {
	msg := Message{Kind: KindUnknown, Raw: raw}

	switch raw {
	case MsgHTMLLoaded:
		msg.Kind = KindHTMLLoaded
		return msg
	case MsgMapCreated:
		msg.Kind = KindMapCreated
		return msg
	case d.SDKLoaded():
		msg.Kind = KindSDKLoaded
		return msg
	case d.SDKFailed():
		msg.Kind = KindSDKFailed
		return msg
	case d.RendererNotReady():
		msg.Kind = KindRendererNotReady
		return msg
	case d.CommandNotReady():
		msg.Kind = KindCommandNotReady
		msg.Command = d.Command
		return msg
	}

	if rest, ok := strings.CutPrefix(raw, PrefixScriptError); ok {
		msg.Kind = KindScriptError
		msg.Text, msg.Line, msg.Column = splitPosition(rest)
		return msg
	}

	if rest, ok := strings.CutPrefix(raw, PrefixApplied); ok {
		lat, lng, err := parsePair(rest)
		if err == nil {
			msg.Kind = KindLocationApplied
			msg.Latitude, msg.Longitude = lat, lng
		}
		return msg
	}

	if cmd, text, ok := strings.Cut(raw, commandErrSep); ok && cmd != "" && !strings.ContainsAny(cmd, " \t") {
		msg.Kind = KindCommandError
		msg.Command = cmd
		msg.Text = text
	}

	return msg
}

// splitPosition splits "message @ line:col". A missing or malformed
// position leaves line and column at zero.
func splitPosition(s string) (string, int, int) {
	idx := strings.LastIndex(s, positionSep)
	if idx < 0 {
		return s, 0, 0
	}
	lineStr, colStr, ok := strings.Cut(s[idx+len(positionSep):], ":")
	if !ok {
		return s, 0, 0
	}
	line, err1 := strconv.Atoi(strings.TrimSpace(lineStr))
	col, err2 := strconv.Atoi(strings.TrimSpace(colStr))
	if err1 != nil || err2 != nil {
		return s, 0, 0
	}
	return s[:idx], line, col
}

func parsePair(s string) (float64, float64, error) {
	latStr, lngStr, ok := strings.Cut(s, ",")
	if !ok {
		return 0, 0, fmt.Errorf("malformed coordinate pair %q", s)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(latStr), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid latitude: %w", err)
	}
	lng, err := strconv.ParseFloat(strings.TrimSpace(lngStr), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid longitude: %w", err)
	}
	return lat, lng, nil
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
