package ws

import (
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/livemap/internal/shared/id"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
	sendQueue      = 32
)

// Frame is the envelope every message shares
type Frame struct {
	Type      string `json:"type"`
	Message   string `json:"message,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// peer owns one connection. Only writeLoop writes to the socket.
type peer struct {
	id     id.ConnectionID
	role   string
	conn   *websocket.Conn
	logger *zap.Logger
	stats  Stats

	out       chan []byte
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

func newPeer(conn *websocket.Conn, role string, stats Stats, logger *zap.Logger) *peer {
	connID := id.NewConnectionID()
	p := &peer{
		id:      connID,
		role:    role,
		conn:    conn,
		stats:   stats,
		logger:  logger.With(zap.String("conn_id", connID.String()), zap.String("role", role)),
		out:     make(chan []byte, sendQueue),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	stats.WSConnected(role)
	go p.writeLoop()
	return p
}

// send queues v for writing. A peer whose queue is full is too slow to keep
// up and gets disconnected.
func (p *peer) send(v interface{}, msgType string) bool {
	data, err := sonic.Marshal(v)
	if err != nil {
		p.logger.Error("Failed to encode frame", zap.String("type", msgType), zap.Error(err))
		return false
	}
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.out <- data:
		p.stats.RecordWSMessage("out", msgType)
		return true
	case <-p.done:
		return false
	default:
		p.logger.Warn("Send queue full, disconnecting")
		p.close()
		return false
	}
}

func (p *peer) sendError(msg string) bool {
	return p.send(Frame{Type: "error", Message: msg, Timestamp: time.Now().Unix()}, "error")
}

// read returns the next inbound frame's raw bytes and its type
func (p *peer) read() ([]byte, string, error) {
	_, data, err := p.conn.ReadMessage()
	if err != nil {
		return nil, "", err
	}
	var f Frame
	if err := sonic.Unmarshal(data, &f); err != nil {
		return data, "", nil
	}
	p.stats.RecordWSMessage("in", f.Type)
	return data, f.Type, nil
}

// writeLoop is the only writer and the only closer of the connection.
// Frames queued before close are flushed first.
func (p *peer) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.close()
		_ = p.conn.Close()
		close(p.stopped)
	}()

	for {
		select {
		case data := <-p.out:
			if err := p.write(data); err != nil {
				p.logger.Debug("Write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-p.done:
			p.flush()
			_ = p.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		}
	}
}

func (p *peer) flush() {
	for {
		select {
		case data := <-p.out:
			if p.write(data) != nil {
				return
			}
		default:
			return
		}
	}
}

func (p *peer) write(data []byte) error {
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

// shutdown closes the peer and waits for the writer to release the socket
func (p *peer) shutdown() {
	p.close()
	<-p.stopped
}

func (p *peer) close() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.stats.WSDisconnected(p.role)
	})
}

func isUnexpectedClose(err error) bool {
	return websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}
