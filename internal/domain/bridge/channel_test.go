package bridge

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHost struct {
	mu       sync.Mutex
	handler  func(string)
	injected []string
	markup   []string
	loadErr  error
}

func (h *fakeHost) LoadContent(markup string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.loadErr != nil {
		return h.loadErr
	}
	h.markup = append(h.markup, markup)
	return nil
}

func (h *fakeHost) InjectCode(code string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.injected = append(h.injected, code)
}

func (h *fakeHost) OnMessage(handler func(string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handler = handler
}

func (h *fakeHost) emit(text string) {
	h.mu.Lock()
	handler := h.handler
	h.mu.Unlock()
	if handler != nil {
		handler(text)
	}
}

func (h *fakeHost) injections() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.injected...)
}

type recorder struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recorder) handle(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, text)
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}

func TestSendBeforeLoadIsDropped(t *testing.T) {
	host := &fakeHost{}
	ch := NewChannel(host, nil)
	defer ch.Close()

	ch.SendToSandbox("window.setMyLocation(1, 2);")
	assert.Empty(t, host.injections())
	assert.Equal(t, uint64(1), ch.Stats().Dropped)

	require.NoError(t, ch.Load("<html></html>"))
	ch.SendToSandbox("window.setMyLocation(1, 2);")
	assert.Equal(t, []string{"window.setMyLocation(1, 2);"}, host.injections())
	assert.Equal(t, uint64(1), ch.Stats().Sent)
}

func TestLoadFailureKeepsDropping(t *testing.T) {
	host := &fakeHost{loadErr: errors.New("renderer crashed")}
	ch := NewChannel(host, nil)
	defer ch.Close()

	err := ch.Load("<html></html>")
	require.Error(t, err)
	assert.ErrorIs(t, err, host.loadErr)

	ch.SendToSandbox("x")
	assert.Empty(t, host.injections())
}

func TestInboundOrderIsPreserved(t *testing.T) {
	host := &fakeHost{}
	ch := NewChannel(host, nil)
	defer ch.Close()

	rec := &recorder{}
	ch.OnMessageFromSandbox(rec.handle)

	var want []string
	for i := 0; i < 200; i++ {
		msg := fmt.Sprintf("msg-%d", i)
		want = append(want, msg)
		host.emit(msg)
	}

	require.Eventually(t, func() bool {
		return len(rec.snapshot()) == len(want)
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, want, rec.snapshot())
	assert.Equal(t, uint64(200), ch.Stats().Received)
}

func TestMessagesHeldUntilHandlerRegistered(t *testing.T) {
	host := &fakeHost{}
	ch := NewChannel(host, nil)
	defer ch.Close()

	host.emit("HTML loaded")
	host.emit("Map created OK")

	rec := &recorder{}
	ch.OnMessageFromSandbox(rec.handle)

	require.Eventually(t, func() bool {
		return len(rec.snapshot()) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"HTML loaded", "Map created OK"}, rec.snapshot())
}

func TestSingleHandlerReplacement(t *testing.T) {
	host := &fakeHost{}
	ch := NewChannel(host, nil)
	defer ch.Close()

	first := &recorder{}
	second := &recorder{}
	unregisterFirst := ch.OnMessageFromSandbox(first.handle)
	ch.OnMessageFromSandbox(second.handle)

	// Stale unregister must not remove the newer handler
	unregisterFirst()

	host.emit("hello")
	require.Eventually(t, func() bool {
		return len(second.snapshot()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, first.snapshot())
}

func TestCloseDetachesHost(t *testing.T) {
	host := &fakeHost{}
	ch := NewChannel(host, nil)
	require.NoError(t, ch.Load("<html></html>"))

	ch.Close()
	ch.Close()

	host.mu.Lock()
	assert.Nil(t, host.handler)
	host.mu.Unlock()

	ch.SendToSandbox("x")
	assert.Empty(t, host.injections())
	assert.ErrorIs(t, ch.Load("<html></html>"), ErrChannelClosed)
}

func TestLoadDiscardsPreviousDocumentMessages(t *testing.T) {
	host := &fakeHost{}
	ch := NewChannel(host, nil)
	defer ch.Close()

	require.NoError(t, ch.Load("<html>first</html>"))
	host.emit("HTML loaded")
	host.emit("Map created OK")

	// Nobody consumed the first page's messages before it was replaced
	require.NoError(t, ch.Load("<html>second</html>"))
	assert.Equal(t, uint64(2), ch.Document())
	host.emit("HTML loaded")

	var mu sync.Mutex
	var got []Message
	ch.OnDocumentMessage(func(m Message) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, m)
	})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []Message{{Text: "HTML loaded", Document: 2}}, got)
	mu.Unlock()
	assert.Equal(t, uint64(2), ch.Stats().Stale)
}

func TestQueueOverflowIsCounted(t *testing.T) {
	host := &fakeHost{}
	ch := NewChannel(host, nil)
	defer ch.Close()

	for i := 0; i < maxPending+5; i++ {
		host.emit(fmt.Sprintf("msg-%d", i))
	}
	stats := ch.Stats()
	assert.Equal(t, uint64(5), stats.Overflowed)
	assert.Equal(t, uint64(maxPending+5), stats.Received)

	rec := &recorder{}
	ch.OnMessageFromSandbox(rec.handle)
	require.Eventually(t, func() bool {
		return len(rec.snapshot()) == maxPending
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "msg-5", rec.snapshot()[0])
}
