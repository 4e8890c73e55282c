package sandbox

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/dop251/goja"
	"go.uber.org/zap"
)

const maxConsoleEntries = 200

// positionPattern extracts line:column from goja stack frames and
// compiler errors.
var positionPattern = regexp.MustCompile(`(?::|Line )(\d+):(\d+)`)

// job is a unit of work for the event loop. Jobs posted for an older
// document epoch are skipped.
type job struct {
	epoch    uint64
	run      func()
	finished chan struct{}
}

// scriptTag is a <script> element in document order
type scriptTag struct {
	src     string
	body    string
	onload  string
	onerror string
}

// Runtime hosts one HTML document inside a goja VM.
//
// All JavaScript runs on a single event-loop goroutine. Page scripts,
// timer callbacks and injected code are queued as jobs, so a page never
// observes concurrent execution. Loading new content bumps the document
// epoch; queued work for the old document is discarded.
type Runtime struct {
	config  Config
	logger  *zap.Logger
	loaders []ScriptLoader

	jobs chan job
	done chan struct{}
	exit chan struct{}
	once sync.Once

	mu      sync.Mutex
	handler func(string)
	epoch   uint64
	loaded  bool
	closed  bool

	consoleMu sync.Mutex
	console   []LogEntry

	// Owned by the loop goroutine
	vm        *goja.Runtime
	docEpoch  uint64
	timers    map[int64]*time.Timer
	nextTimer int64
}

// Option configures a Runtime
type Option func(*Runtime)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(r *Runtime) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithLoaders registers resolvers for external scripts. The first loader
// whose Match accepts a src wins.
func WithLoaders(loaders ...ScriptLoader) Option {
	return func(r *Runtime) {
		r.loaders = append(r.loaders, loaders...)
	}
}

// New creates a runtime and starts its event loop
func New(config Config, opts ...Option) *Runtime {
	defaults := DefaultConfig()
	if config.ScriptTimeout <= 0 {
		config.ScriptTimeout = defaults.ScriptTimeout
	}
	if config.LoadTimeout <= 0 {
		config.LoadTimeout = defaults.LoadTimeout
	}
	if config.MaxCallStackSize <= 0 {
		config.MaxCallStackSize = defaults.MaxCallStackSize
	}
	if config.QueueSize <= 0 {
		config.QueueSize = defaults.QueueSize
	}
	if config.BaseURL == "" {
		config.BaseURL = defaults.BaseURL
	}

	r := &Runtime{
		config: config,
		logger: zap.NewNop(),
		jobs:   make(chan job, config.QueueSize),
		done:   make(chan struct{}),
		exit:   make(chan struct{}),
		timers: make(map[int64]*time.Timer),
	}
	for _, opt := range opts {
		opt(r)
	}

	go r.loop()
	return r
}

// LoadContent replaces the current document with markup. Parsing happens
// synchronously; scripts execute asynchronously in document order.
func (r *Runtime) LoadContent(markup string) error {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return fmt.Errorf("failed to parse markup: %w", err)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.epoch++
	epoch := r.epoch
	r.loaded = true
	r.mu.Unlock()

	go r.parse(epoch, doc, collectScripts(doc))
	return nil
}

// InjectCode queues code for evaluation in the page's global scope.
// Nothing is returned to the caller; code sent before any content is
// loaded is dropped.
func (r *Runtime) InjectCode(code string) {
	r.mu.Lock()
	ok := r.loaded && !r.closed
	epoch := r.epoch
	r.mu.Unlock()

	if !ok {
		r.logger.Debug("Dropped injection without loaded content")
		return
	}

	name := r.config.BaseURL + "injected.js"
	if err := r.post(epoch, func() {
		if r.docEpoch != epoch {
			return
		}
		r.exec(name, code)
	}, false); err != nil {
		r.logger.Warn("Dropped injection", zap.Error(err))
	}
}

// OnMessage sets the receiver for hostBridge.postMessage calls. Passing
// nil detaches it.
func (r *Runtime) OnMessage(handler func(string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handler = handler
}

// Evaluate runs expr against the current document and exports the result.
func (r *Runtime) Evaluate(ctx context.Context, expr string) (interface{}, error) {
	r.mu.Lock()
	ok := r.loaded && !r.closed
	epoch := r.epoch
	r.mu.Unlock()
	if !ok {
		return nil, ErrClosed
	}

	var (
		value interface{}
		err   error
	)
	j := job{
		epoch:    epoch,
		finished: make(chan struct{}),
		run: func() {
			if r.docEpoch != epoch {
				err = errStaleDocument
				return
			}
			err = r.guard(func() error {
				val, runErr := r.vm.RunScript(r.config.BaseURL+"evaluate.js", expr)
				if runErr != nil {
					return runErr
				}
				value = exportValue(val)
				return nil
			})
		},
	}

	select {
	case r.jobs <- j:
	case <-r.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case <-j.finished:
	case <-r.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if r.currentEpoch() != epoch {
		return nil, errStaleDocument
	}
	return value, err
}

// Console returns a copy of recent console output
func (r *Runtime) Console() []LogEntry {
	r.consoleMu.Lock()
	defer r.consoleMu.Unlock()
	return append([]LogEntry{}, r.console...)
}

// Close stops the event loop and cancels pending timers
func (r *Runtime) Close() error {
	r.once.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.loaded = false
		r.handler = nil
		r.mu.Unlock()

		close(r.done)
		<-r.exit
	})
	return nil
}

func (r *Runtime) currentEpoch() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.epoch
}

func (r *Runtime) loop() {
	defer close(r.exit)
	for {
		select {
		case <-r.done:
			r.stopTimers()
			return
		case j := <-r.jobs:
			r.run(j)
		}
	}
}

func (r *Runtime) run(j job) {
	defer close(j.finished)
	if j.epoch != r.currentEpoch() {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Sandbox job panicked", zap.Any("panic", p))
		}
	}()
	j.run()
}

// post queues fn for the given epoch. When block is false a full queue
// rejects the job instead of waiting.
func (r *Runtime) post(epoch uint64, fn func(), block bool) error {
	j := job{epoch: epoch, run: fn, finished: make(chan struct{})}
	if block {
		select {
		case r.jobs <- j:
			return nil
		case <-r.done:
			return ErrClosed
		}
	}
	select {
	case r.jobs <- j:
		return nil
	case <-r.done:
		return ErrClosed
	default:
		return ErrQueueFull
	}
}

// await posts fn and waits until the loop has run it
func (r *Runtime) await(epoch uint64, fn func()) error {
	j := job{epoch: epoch, run: fn, finished: make(chan struct{})}
	select {
	case r.jobs <- j:
	case <-r.done:
		return ErrClosed
	}
	select {
	case <-j.finished:
	case <-r.done:
		return ErrClosed
	}
	if r.currentEpoch() != epoch {
		return errStaleDocument
	}
	return nil
}

// parse executes the document's scripts in order
func (r *Runtime) parse(epoch uint64, doc *goquery.Document, scripts []scriptTag) {
	if err := r.await(epoch, func() { r.reset(epoch, doc) }); err != nil {
		return
	}

	for i, tag := range scripts {
		var err error
		if tag.src == "" {
			name := fmt.Sprintf("%sinline-%d.js", r.config.BaseURL, i)
			body := tag.body
			err = r.await(epoch, func() { r.exec(name, body) })
		} else {
			err = r.loadExternal(epoch, tag)
		}
		if err != nil {
			r.logger.Debug("Stopped executing document scripts", zap.Error(err))
			return
		}
	}
}

func (r *Runtime) loadExternal(epoch uint64, tag scriptTag) error {
	script, err := r.resolve(tag.src)
	if err != nil {
		r.logger.Warn("Failed to load script", zap.String("src", tag.src), zap.Error(err))
		return r.await(epoch, func() {
			if tag.onerror != "" {
				r.exec(tag.src+"#onerror", tag.onerror)
			}
		})
	}

	return r.await(epoch, func() {
		if err := r.guard(func() error { return script.Install(r.vm) }); err != nil {
			r.reportError(err, tag.src)
		}
		if tag.onload != "" {
			r.exec(tag.src+"#onload", tag.onload)
		}
	})
}

func (r *Runtime) resolve(src string) (Script, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.config.LoadTimeout)
	defer cancel()

	go func() {
		select {
		case <-r.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for _, loader := range r.loaders {
		if loader.Match(src) {
			return loader.Load(ctx, src)
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoLoader, src)
}

// reset installs a fresh VM for a new document
func (r *Runtime) reset(epoch uint64, doc *goquery.Document) {
	r.stopTimers()

	vm := goja.New()
	vm.SetMaxCallStackSize(r.config.MaxCallStackSize)
	r.vm = vm
	r.docEpoch = epoch
	r.setupGlobals(doc)
}

// setupGlobals configures global objects and security
func (r *Runtime) setupGlobals(doc *goquery.Document) {
	vm := r.vm

	// Remove dangerous globals
	vm.Set("require", goja.Undefined())
	vm.Set("process", goja.Undefined())
	vm.Set("module", goja.Undefined())
	vm.Set("exports", goja.Undefined())

	global := vm.GlobalObject()
	vm.Set("window", global)
	vm.Set("self", global)

	bridge := vm.NewObject()
	bridge.Set("postMessage", func(call goja.FunctionCall) goja.Value {
		r.emit(call.Argument(0).String())
		return goja.Undefined()
	})
	vm.Set("hostBridge", bridge)

	console := vm.NewObject()
	console.Set("log", r.makeConsoleFunc("log"))
	console.Set("warn", r.makeConsoleFunc("warn"))
	console.Set("error", r.makeConsoleFunc("error"))
	console.Set("info", r.makeConsoleFunc("info"))
	vm.Set("console", console)

	vm.Set("setTimeout", r.setTimeout)
	vm.Set("clearTimeout", r.clearTimeout)

	vm.Set("document", r.newDocument(doc))
}

// emit delivers a page message to the host handler
func (r *Runtime) emit(text string) {
	r.mu.Lock()
	handler := r.handler
	stale := r.docEpoch != r.epoch
	r.mu.Unlock()

	if stale {
		return
	}
	r.logger.Debug("Sandbox message", zap.String("text", text))
	if handler != nil {
		handler(text)
	}
}

// makeConsoleFunc creates a console function
func (r *Runtime) makeConsoleFunc(level string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		parts := make([]string, 0, len(call.Arguments))
		for _, arg := range call.Arguments {
			parts = append(parts, arg.String())
		}
		msg := strings.Join(parts, " ")

		r.consoleMu.Lock()
		r.console = append(r.console, LogEntry{
			Level:   level,
			Message: msg,
			Time:    time.Now(),
		})
		if len(r.console) > maxConsoleEntries {
			r.console = r.console[len(r.console)-maxConsoleEntries:]
		}
		r.consoleMu.Unlock()

		r.logger.Debug("Sandbox console", zap.String("level", level), zap.String("message", msg))
		return goja.Undefined()
	}
}

func (r *Runtime) setTimeout(call goja.FunctionCall) goja.Value {
	fn, ok := goja.AssertFunction(call.Argument(0))
	if !ok {
		return goja.Undefined()
	}

	delay := time.Duration(call.Argument(1).ToInteger()) * time.Millisecond
	if delay < 0 {
		delay = 0
	}
	var args []goja.Value
	if len(call.Arguments) > 2 {
		args = append(args, call.Arguments[2:]...)
	}

	r.nextTimer++
	id := r.nextTimer
	epoch := r.docEpoch
	r.timers[id] = time.AfterFunc(delay, func() {
		_ = r.post(epoch, func() {
			if _, live := r.timers[id]; !live {
				return
			}
			delete(r.timers, id)
			if err := r.guard(func() error {
				_, err := fn(goja.Undefined(), args...)
				return err
			}); err != nil {
				r.reportError(err, r.config.BaseURL+"timer.js")
			}
		}, true)
	})

	return r.vm.ToValue(id)
}

func (r *Runtime) clearTimeout(call goja.FunctionCall) goja.Value {
	id := call.Argument(0).ToInteger()
	if timer, ok := r.timers[id]; ok {
		timer.Stop()
		delete(r.timers, id)
	}
	return goja.Undefined()
}

func (r *Runtime) stopTimers() {
	for id, timer := range r.timers {
		timer.Stop()
		delete(r.timers, id)
	}
}

// guard runs fn with the script timeout armed
func (r *Runtime) guard(fn func() error) error {
	vm := r.vm
	timer := time.AfterFunc(r.config.ScriptTimeout, func() {
		vm.Interrupt("execution timeout exceeded")
	})
	err := fn()
	timer.Stop()
	vm.ClearInterrupt()
	return err
}

// exec runs src as a classic script and routes uncaught errors to
// window.onerror
func (r *Runtime) exec(name, src string) {
	err := r.guard(func() error {
		_, err := r.vm.RunScript(name, src)
		return err
	})
	if err != nil {
		r.reportError(err, name)
	}
}

func (r *Runtime) reportError(err error, source string) {
	message, line, column := describe(err)

	handler, ok := goja.AssertFunction(r.vm.Get("onerror"))
	if !ok {
		r.logger.Warn("Uncaught script error",
			zap.String("source", source),
			zap.String("message", message),
			zap.Int("line", line),
			zap.Int("column", column))
		return
	}

	vm := r.vm
	if herr := r.guard(func() error {
		_, err := handler(goja.Undefined(), vm.ToValue(message), vm.ToValue(source), vm.ToValue(line), vm.ToValue(column))
		return err
	}); herr != nil {
		r.logger.Warn("window.onerror threw", zap.Error(herr))
	}
}

// describe converts a goja error to the message and position a browser
// would pass to window.onerror
func describe(err error) (string, int, int) {
	var interrupted *goja.InterruptedError
	var exception *goja.Exception

	switch {
	case errors.As(err, &interrupted):
		return fmt.Sprintf("Script timeout: %v", interrupted.Value()), 0, 0
	case errors.As(err, &exception):
		message := exception.Error()
		if v := exception.Value(); v != nil {
			message = v.String()
		}
		line, column := position(exception.String())
		return message, line, column
	default:
		line, column := position(err.Error())
		return err.Error(), line, column
	}
}

func position(text string) (int, int) {
	m := positionPattern.FindStringSubmatch(text)
	if m == nil {
		return 0, 0
	}
	line, _ := strconv.Atoi(m[1])
	column, _ := strconv.Atoi(m[2])
	return line, column
}

// exportValue converts goja value to Go value
func exportValue(val goja.Value) interface{} {
	if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
		return nil
	}
	return val.Export()
}

func collectScripts(doc *goquery.Document) []scriptTag {
	var tags []scriptTag
	doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		if kind, ok := s.Attr("type"); ok && !isJavaScriptType(kind) {
			return
		}
		tag := scriptTag{body: s.Text()}
		tag.src, _ = s.Attr("src")
		tag.onload, _ = s.Attr("onload")
		tag.onerror, _ = s.Attr("onerror")
		tags = append(tags, tag)
	})
	return tags
}

func isJavaScriptType(kind string) bool {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "text/javascript", "application/javascript", "module":
		return true
	default:
		return false
	}
}
