package upstream

import (
	"context"
	"fmt"

	"github.com/haasonsaas/conduit/pkg/models"
)

// Transport moves opaque JSON frames to and from one upstream. Implementations
// are owned by a single Client; callbacks must be registered before Connect.
type Transport interface {
	// Connect establishes the transport.
	Connect(ctx context.Context) error

	// Send writes one frame. Implementations may queue while reconnecting.
	Send(frame []byte) error

	// OnFrame registers the callback invoked for every inbound frame.
	OnFrame(fn func(frame []byte))

	// OnClose registers the callback invoked when the transport closes.
	// err is nil for a planned close.
	OnClose(fn func(err error))

	// Close tears the transport down. Idempotent.
	Close() error

	// Connected reports whether frames can currently be sent.
	Connected() bool
}

// NewTransport constructs the transport matching the server's configured
// variant.
func NewTransport(server *models.Server) (Transport, error) {
	switch server.Transport.Type {
	case models.TransportStdio:
		return NewStdioTransport(server), nil
	case models.TransportHTTP:
		return NewHTTPTransport(server), nil
	case models.TransportWebSocket:
		return NewWSTransport(server, DefaultWSOptions()), nil
	default:
		return nil, fmt.Errorf("unknown transport type %q", server.Transport.Type)
	}
}
