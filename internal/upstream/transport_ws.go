package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/conduit/pkg/models"
)

// WebSocket close codes used by the protocol.
const (
	wsCloseNormal           = websocket.CloseNormalClosure // 1000
	wsCloseHeartbeatTimeout = 4000
	wsCloseForcedReconnect  = 4001
)

// WSOptions tunes reconnection and heartbeat behavior.
type WSOptions struct {
	// ReconnectInitialDelay is the first reconnect delay.
	ReconnectInitialDelay time.Duration
	// ReconnectMaxDelay caps the backoff.
	ReconnectMaxDelay time.Duration
	// ReconnectMultiplier grows the delay per attempt.
	ReconnectMultiplier float64
	// MaxReconnectAttempts bounds reconnection before giving up.
	MaxReconnectAttempts int
	// HeartbeatInterval is the ping cadence. Zero disables heartbeats.
	HeartbeatInterval time.Duration
	// HeartbeatTimeout is how long to wait for a pong before force-closing.
	HeartbeatTimeout time.Duration
	// PendingBufferSize bounds the queue of frames buffered while
	// reconnecting.
	PendingBufferSize int
}

// DefaultWSOptions returns the reconnection defaults.
func DefaultWSOptions() WSOptions {
	return WSOptions{
		ReconnectInitialDelay: time.Second,
		ReconnectMaxDelay:     30 * time.Second,
		ReconnectMultiplier:   2,
		MaxReconnectAttempts:  10,
		HeartbeatInterval:     30 * time.Second,
		HeartbeatTimeout:      10 * time.Second,
		PendingBufferSize:     64,
	}
}

// WSTransport is a WebSocket transport with automatic reconnection. On an
// unplanned close it backs off exponentially and redials; frames sent while
// reconnecting are queued in a bounded buffer and drained on reconnect. A
// heartbeat ping is sent every HeartbeatInterval; a missed pong force-closes
// the socket to trigger reconnection.
type WSTransport struct {
	server *models.Server
	opts   WSOptions
	logger *slog.Logger

	onFrame func([]byte)
	onClose func(error)

	mu           sync.Mutex
	conn         *websocket.Conn
	state        models.ConnectionState
	pending      [][]byte
	reconnectN   int
	closed       bool
	lastPong     time.Time
	heartbeatCtx context.CancelFunc
	wg           sync.WaitGroup
}

// NewWSTransport creates a WebSocket transport for the server.
func NewWSTransport(server *models.Server, opts WSOptions) *WSTransport {
	return &WSTransport{
		server: server,
		opts:   opts,
		logger: slog.Default().With("server", server.ID, "transport", "ws"),
		state:  models.ConnDisconnected,
	}
}

// OnFrame registers the inbound frame callback.
func (t *WSTransport) OnFrame(fn func([]byte)) { t.onFrame = fn }

// OnClose registers the terminal close callback. It fires on planned close
// errors only after reconnection is exhausted.
func (t *WSTransport) OnClose(fn func(error)) { t.onClose = fn }

// Connect dials the upstream.
func (t *WSTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.state == models.ConnConnected || t.state == models.ConnConnecting {
		t.mu.Unlock()
		return nil
	}
	t.state = models.ConnConnecting
	t.mu.Unlock()

	if err := t.dial(ctx); err != nil {
		t.mu.Lock()
		t.state = models.ConnFailed
		t.mu.Unlock()
		return err
	}
	return nil
}

func (t *WSTransport) dial(ctx context.Context) error {
	header := http.Header{}
	for k, v := range t.server.Transport.Headers {
		header.Set(k, v)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, t.server.Transport.URL, header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", t.server.Transport.URL, err)
	}

	t.mu.Lock()
	t.conn = conn
	t.state = models.ConnConnected
	t.reconnectN = 0
	t.lastPong = time.Now()
	pending := t.pending
	t.pending = nil
	t.mu.Unlock()

	t.logger.Info("websocket connected", "url", t.server.Transport.URL)

	t.wg.Add(1)
	go t.readLoop(conn)

	if t.opts.HeartbeatInterval > 0 {
		hbCtx, cancel := context.WithCancel(context.Background())
		t.mu.Lock()
		t.heartbeatCtx = cancel
		t.mu.Unlock()
		t.wg.Add(1)
		go t.heartbeatLoop(hbCtx, conn)
	}

	// Drain frames queued while reconnecting, in order.
	for _, frame := range pending {
		if err := t.writeFrame(conn, frame); err != nil {
			t.logger.Warn("failed to drain pending frame", "error", err)
			break
		}
	}
	return nil
}

func (t *WSTransport) readLoop(conn *websocket.Conn) {
	defer t.wg.Done()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.handleDisconnect(conn, err)
			return
		}
		if t.isPong(data) {
			t.mu.Lock()
			t.lastPong = time.Now()
			t.mu.Unlock()
			continue
		}
		if t.onFrame != nil {
			t.onFrame(data)
		}
	}
}

// isPong accepts both a bare "pong" text frame and {"type":"pong"}.
func (t *WSTransport) isPong(data []byte) bool {
	if string(data) == "pong" {
		return true
	}
	var probe struct {
		Type string `json:"type"`
	}
	return json.Unmarshal(data, &probe) == nil && probe.Type == "pong"
}

func (t *WSTransport) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.writeFrame(conn, []byte(`{"type":"ping"}`)); err != nil {
				return
			}
			t.mu.Lock()
			stale := time.Since(t.lastPong) > t.opts.HeartbeatInterval+t.opts.HeartbeatTimeout
			t.mu.Unlock()
			if stale {
				t.logger.Warn("heartbeat timeout, forcing reconnect")
				msg := websocket.FormatCloseMessage(wsCloseHeartbeatTimeout, "heartbeat timeout")
				_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
				conn.Close()
				return
			}
		}
	}
}

// handleDisconnect runs reconnection after an unplanned close.
func (t *WSTransport) handleDisconnect(conn *websocket.Conn, cause error) {
	t.mu.Lock()
	if t.closed || t.conn != conn {
		t.mu.Unlock()
		return
	}
	if t.heartbeatCtx != nil {
		t.heartbeatCtx()
		t.heartbeatCtx = nil
	}
	t.conn = nil
	t.state = models.ConnReconnecting
	t.mu.Unlock()

	t.logger.Warn("websocket closed, reconnecting", "error", cause)

	for {
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return
		}
		t.reconnectN++
		attempt := t.reconnectN
		t.mu.Unlock()

		if attempt > t.opts.MaxReconnectAttempts {
			t.mu.Lock()
			t.state = models.ConnFailed
			t.mu.Unlock()
			if t.onClose != nil {
				t.onClose(fmt.Errorf("reconnect attempts exhausted: %w", cause))
			}
			return
		}

		delay := t.reconnectDelay(attempt)
		t.logger.Debug("reconnect attempt", "attempt", attempt, "delay", delay)
		time.Sleep(delay)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := t.dial(ctx)
		cancel()
		if err == nil {
			return
		}
		t.logger.Warn("reconnect failed", "attempt", attempt, "error", err)
	}
}

// reconnectDelay computes min(initial * multiplier^(n-1), max).
func (t *WSTransport) reconnectDelay(attempt int) time.Duration {
	d := float64(t.opts.ReconnectInitialDelay) *
		math.Pow(t.opts.ReconnectMultiplier, float64(attempt-1))
	if capped := float64(t.opts.ReconnectMaxDelay); d > capped {
		d = capped
	}
	return time.Duration(d)
}

func (t *WSTransport) writeFrame(conn *websocket.Conn, frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, frame)
}

// Send writes one frame, or queues it while reconnecting.
func (t *WSTransport) Send(frame []byte) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("transport closed")
	}
	if t.state == models.ConnReconnecting {
		if len(t.pending) >= t.opts.PendingBufferSize {
			t.mu.Unlock()
			return fmt.Errorf("pending buffer full")
		}
		buf := make([]byte, len(frame))
		copy(buf, frame)
		t.pending = append(t.pending, buf)
		t.mu.Unlock()
		return nil
	}
	conn := t.conn
	if conn == nil {
		t.mu.Unlock()
		return fmt.Errorf("not connected")
	}
	defer t.mu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, frame)
}

// Connected reports whether the socket is currently established.
func (t *WSTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == models.ConnConnected
}

// State reports the transport's lifecycle state.
func (t *WSTransport) State() models.ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Close performs a planned shutdown; no reconnection follows.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.state = models.ConnDisconnected
	if t.heartbeatCtx != nil {
		t.heartbeatCtx()
		t.heartbeatCtx = nil
	}
	conn := t.conn
	t.conn = nil
	t.pending = nil
	t.mu.Unlock()

	if conn != nil {
		msg := websocket.FormatCloseMessage(wsCloseNormal, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		conn.Close()
	}
	return nil
}
