package session

import (
	"context"
	"time"

	"github.com/almuete/ari/internal/streaming"
	"github.com/almuete/ari/logger"
)

// Transport is one open duplex connection to the model service.
type Transport interface {
	// Send writes one JSON message. Safe for concurrent use.
	Send(msg any) error
	// ReceiveLoop forwards inbound messages in arrival order until the
	// connection ends. It returns nil after a local Close.
	ReceiveLoop(ctx context.Context, msgCh chan<- []byte) error
	// Close ends the connection. Safe to call more than once.
	Close() error
}

// Dialer opens a Transport authorized by token. ctx bounds the session,
// not only the handshake.
type Dialer func(ctx context.Context, token string) (Transport, error)

// WebsocketDialer dials endpoint with the token carried as a query
// parameter. A positive heartbeat enables ping frames.
func WebsocketDialer(endpoint string, heartbeat time.Duration) Dialer {
	return func(ctx context.Context, token string) (Transport, error) {
		u, err := streaming.BuildURL(endpoint, token)
		if err != nil {
			return nil, err
		}
		conn, err := streaming.Dial(ctx, &streaming.ConnConfig{
			URL:               u,
			HeartbeatInterval: heartbeat,
			Logger:            logger.DefaultLogger.With("component", "transport"),
		})
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}
