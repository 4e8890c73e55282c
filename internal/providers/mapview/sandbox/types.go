package sandbox

import (
	"context"
	"errors"
	"time"

	"github.com/dop251/goja"
)

var (
	ErrClosed        = errors.New("sandbox is closed")
	ErrNoLoader      = errors.New("no script loader for source")
	ErrQueueFull     = errors.New("sandbox job queue is full")
	errStaleDocument = errors.New("document replaced")
)

// Config defines sandbox configuration
type Config struct {
	ScriptTimeout    time.Duration // Per-job execution timeout
	LoadTimeout      time.Duration // Timeout for resolving one external script
	MaxCallStackSize int           // goja call stack limit
	QueueSize        int           // Pending job capacity
	BaseURL          string        // Reported as the script source for inline scripts
}

// DefaultConfig returns the default sandbox configuration
func DefaultConfig() Config {
	return Config{
		ScriptTimeout:    2 * time.Second,
		LoadTimeout:      5 * time.Second,
		MaxCallStackSize: 1024,
		QueueSize:        256,
		BaseURL:          "https://localhost/",
	}
}

// Script is a resolved external script ready to run inside the VM
type Script interface {
	Install(vm *goja.Runtime) error
}

// ScriptLoader resolves <script src> references
type ScriptLoader interface {
	Match(src string) bool
	Load(ctx context.Context, src string) (Script, error)
}

// SourceScript is plain JavaScript source
type SourceScript struct {
	Name   string
	Source string
}

// Install runs the source in vm
func (s SourceScript) Install(vm *goja.Runtime) error {
	_, err := vm.RunScript(s.Name, s.Source)
	return err
}

// LogEntry represents console output
type LogEntry struct {
	Level   string
	Message string
	Time    time.Time
}
