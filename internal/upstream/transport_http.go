package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/conduit/pkg/models"
)

// HTTPTransport exchanges frames over request/response HTTP: each Send POSTs
// one frame and the response body, if any, is delivered through the frame
// callback.
type HTTPTransport struct {
	server *models.Server
	logger *slog.Logger
	client *http.Client

	onFrame func([]byte)
	onClose func(error)

	connected atomic.Bool
	closeOnce sync.Once
}

// NewHTTPTransport creates an HTTP transport for the server.
func NewHTTPTransport(server *models.Server) *HTTPTransport {
	return &HTTPTransport{
		server: server,
		logger: slog.Default().With("server", server.ID, "transport", "http"),
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// OnFrame registers the inbound frame callback.
func (t *HTTPTransport) OnFrame(fn func([]byte)) { t.onFrame = fn }

// OnClose registers the close callback.
func (t *HTTPTransport) OnClose(fn func(error)) { t.onClose = fn }

// Connect marks the transport ready. HTTP has no persistent connection to
// establish; failures surface per-send.
func (t *HTTPTransport) Connect(ctx context.Context) error {
	if t.server.Transport.URL == "" {
		return fmt.Errorf("url is required for http transport")
	}
	t.connected.Store(true)
	t.logger.Debug("http transport ready", "url", t.server.Transport.URL)
	return nil
}

// Send POSTs one frame. The response body is handed to the frame callback
// from the sending goroutine.
func (t *HTTPTransport) Send(frame []byte) error {
	if !t.connected.Load() {
		return fmt.Errorf("not connected")
	}

	req, err := http.NewRequest(http.MethodPost, t.server.Transport.URL, bytes.NewReader(frame))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range t.server.Transport.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if len(body) > 0 && t.onFrame != nil {
		t.onFrame(body)
	}
	return nil
}

// Connected reports whether Connect has succeeded and Close has not run.
func (t *HTTPTransport) Connected() bool { return t.connected.Load() }

// Close marks the transport closed.
func (t *HTTPTransport) Close() error {
	t.closeOnce.Do(func() {
		t.connected.Store(false)
		t.client.CloseIdleConnections()
	})
	return nil
}
