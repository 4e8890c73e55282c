package bridge

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

var ErrChannelClosed = errors.New("bridge channel is closed")

// maxPending bounds inbound messages held while no handler is registered.
const maxPending = 1024

// Host is the sandbox host control surface. InjectCode has no result and no
// delivery confirmation. OnMessage installs the single inbound callback; nil
// removes it. The callback may run on any goroutine.
type Host interface {
	LoadContent(markup string) error
	InjectCode(code string)
	OnMessage(handler func(text string))
}

// Stats counts channel traffic
type Stats struct {
	Sent       uint64 `json:"sent"`
	Dropped    uint64 `json:"dropped"`
	Received   uint64 `json:"received"`
	Stale      uint64 `json:"stale"`      // inbound messages from a replaced document
	Overflowed uint64 `json:"overflowed"` // inbound messages lost to a full queue
}

// Message is an inbound message tagged with the document that posted it.
// Document is the number of Load calls made before the message arrived.
type Message struct {
	Text     string
	Document uint64
}

// Channel is the asymmetric transport between host logic and a sandbox.
// Outbound sends are fire-and-forget. Inbound messages are delivered to one
// handler, in emission order, on the channel's own goroutine.
type Channel struct {
	host   Host
	logger *zap.Logger

	mu         sync.Mutex
	handler    func(Message)
	generation uint64 // handler registrations
	document   uint64 // content loads
	pending    []Message
	loaded     bool
	closed     bool

	wake chan struct{}
	done chan struct{}
	exit chan struct{}

	sent       atomic.Uint64
	dropped    atomic.Uint64
	received   atomic.Uint64
	stale      atomic.Uint64
	overflowed atomic.Uint64
}

// NewChannel attaches a channel to host and starts inbound delivery.
func NewChannel(host Host, logger *zap.Logger) *Channel {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Channel{
		host:   host,
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		exit:   make(chan struct{}),
	}
	host.OnMessage(c.enqueue)
	go c.dispatch()
	return c
}

// Load (re)creates the sandbox content. Sends are dropped until it succeeds.
// Messages posted by the previous document are never delivered afterwards.
func (c *Channel) Load(markup string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	c.loaded = false
	c.document++
	if n := len(c.pending); n > 0 {
		c.stale.Add(uint64(n))
		c.pending = nil
	}
	c.mu.Unlock()

	if err := c.host.LoadContent(markup); err != nil {
		return fmt.Errorf("failed to load sandbox content: %w", err)
	}

	c.mu.Lock()
	c.loaded = !c.closed
	c.mu.Unlock()
	return nil
}

// SendToSandbox injects code. It never reports failure: before Load or after
// Close the code is counted as dropped and discarded.
func (c *Channel) SendToSandbox(code string) {
	c.mu.Lock()
	ok := c.loaded && !c.closed
	c.mu.Unlock()

	if !ok {
		c.dropped.Add(1)
		c.logger.Debug("Dropped injection, sandbox not constructed")
		return
	}
	c.host.InjectCode(code)
	c.sent.Add(1)
}

// Document returns the current document number. A Message carrying a lower
// number was posted by content that has since been replaced.
func (c *Channel) Document() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.document
}

// OnMessageFromSandbox installs handler as the single inbound handler,
// replacing any previous one. Messages that arrived while no handler was
// installed are delivered to it first. The returned func uninstalls it.
func (c *Channel) OnMessageFromSandbox(handler func(text string)) (unregister func()) {
	return c.OnDocumentMessage(func(m Message) { handler(m.Text) })
}

// OnDocumentMessage is OnMessageFromSandbox with the posting document
// attached, for handlers that hand messages on asynchronously and must
// discard them after a reload.
func (c *Channel) OnDocumentMessage(handler func(Message)) (unregister func()) {
	c.mu.Lock()
	c.generation++
	gen := c.generation
	c.handler = handler
	c.mu.Unlock()
	c.signal()

	return func() {
		c.mu.Lock()
		if c.generation == gen {
			c.handler = nil
		}
		c.mu.Unlock()
	}
}

// Stats returns traffic counters.
func (c *Channel) Stats() Stats {
	return Stats{
		Sent:       c.sent.Load(),
		Dropped:    c.dropped.Load(),
		Received:   c.received.Load(),
		Stale:      c.stale.Load(),
		Overflowed: c.overflowed.Load(),
	}
}

// Close detaches from the host and stops delivery. Pending messages are discarded.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.loaded = false
	c.handler = nil
	c.pending = nil
	c.mu.Unlock()

	c.host.OnMessage(nil)
	close(c.done)
	<-c.exit
}

func (c *Channel) enqueue(text string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if len(c.pending) == maxPending {
		c.pending = c.pending[1:]
		c.overflowed.Add(1)
		c.logger.Warn("Inbound sandbox queue full, dropped oldest message")
	}
	c.pending = append(c.pending, Message{Text: text, Document: c.document})
	c.mu.Unlock()

	c.received.Add(1)
	c.signal()
}

func (c *Channel) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Channel) dispatch() {
	defer close(c.exit)

	for {
		select {
		case <-c.done:
			return
		case <-c.wake:
		}

		for {
			c.mu.Lock()
			if c.closed || c.handler == nil || len(c.pending) == 0 {
				c.mu.Unlock()
				break
			}
			msg := c.pending[0]
			c.pending = c.pending[1:]
			if msg.Document != c.document {
				c.mu.Unlock()
				c.stale.Add(1)
				continue
			}
			handler := c.handler
			c.mu.Unlock()

			handler(msg)
		}
	}
}
