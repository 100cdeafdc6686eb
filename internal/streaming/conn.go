// Package streaming is the websocket transport for live sessions. It owns
// dialing, serialized writes, the read loop, heartbeat pings and graceful
// close, and leaves message encoding to the caller.
package streaming

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/almuete/ari/logger"
)

// Default connection constants.
const (
	DefaultDialTimeout      = 10 * time.Second
	DefaultWriteWait        = 10 * time.Second
	DefaultMaxMessageSize   = 16 * 1024 * 1024 // 16MB
	DefaultCloseGracePeriod = 5 * time.Second
)

// TokenParam is the query parameter that carries the ephemeral credential.
const TokenParam = "access_token"

// ErrNotConnected is returned by writes on a connection that is not open.
var ErrNotConnected = errors.New("websocket is not connected")

// CloseError reports the close frame that ended a receive loop.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("websocket closed: code=%d reason=%q", e.Code, e.Reason)
}

// ConnConfig configures the WebSocket connection behavior.
type ConnConfig struct {
	// URL is the WebSocket endpoint URL, credential included.
	URL string

	// Headers are sent during the WebSocket handshake.
	Headers http.Header

	// DialTimeout is the handshake timeout. Defaults to DefaultDialTimeout.
	DialTimeout time.Duration

	// WriteWait is the write deadline for each message. Defaults to DefaultWriteWait.
	WriteWait time.Duration

	// MaxMessageSize is the read limit. Defaults to DefaultMaxMessageSize.
	MaxMessageSize int64

	// CloseGracePeriod is the deadline for writing the close frame.
	CloseGracePeriod time.Duration

	// HeartbeatInterval enables ping frames when positive.
	HeartbeatInterval time.Duration

	// Logger receives transport diagnostics. Optional.
	Logger Logger
}

// Logger is satisfied by *slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

func (c *ConnConfig) defaults() {
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.WriteWait == 0 {
		c.WriteWait = DefaultWriteWait
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.CloseGracePeriod == 0 {
		c.CloseGracePeriod = DefaultCloseGracePeriod
	}
	if c.Logger == nil {
		c.Logger = noopLogger{}
	}
}

// BuildURL appends the credential to endpoint as the access_token query
// parameter, replacing any value already there.
func BuildURL(endpoint, token string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("endpoint scheme must be ws or wss, got %q", u.Scheme)
	}
	q := u.Query()
	q.Set(TokenParam, token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Conn is one websocket connection. It is not reusable after Close.
type Conn struct {
	cfg ConnConfig

	conn    *websocket.Conn
	mu      sync.Mutex
	writeMu sync.Mutex // gorilla/websocket allows one concurrent writer
	closed  bool
	closeCh chan struct{}
}

// NewConn creates a Conn. Call Connect to establish it.
func NewConn(cfg *ConnConfig) *Conn {
	cfg.defaults()
	return &Conn{
		cfg:     *cfg,
		closeCh: make(chan struct{}),
	}
}

// Dial creates a Conn, connects it and starts the heartbeat if configured.
func Dial(ctx context.Context, cfg *ConnConfig) (*Conn, error) {
	c := NewConn(cfg)
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	if c.cfg.HeartbeatInterval > 0 {
		c.StartHeartbeat(ctx, c.cfg.HeartbeatInterval)
	}
	return c, nil
}

// Connect performs the websocket handshake.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("connection is closed")
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: c.cfg.DialTimeout,
		TLSClientConfig:  &tls.Config{MinVersion: tls.VersionTLS12},
	}

	c.cfg.Logger.Debug("connecting to websocket", "url", logger.RedactSensitiveData(c.cfg.URL))

	conn, resp, err := dialer.DialContext(ctx, c.cfg.URL, c.cfg.Headers)
	if err != nil {
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
			c.cfg.Logger.Error("websocket dial failed", "error", err, "status", resp.StatusCode)
			return fmt.Errorf("failed to connect (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("failed to connect: %w", err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	conn.SetReadLimit(c.cfg.MaxMessageSize)
	c.conn = conn
	c.cfg.Logger.Info("websocket connected")
	return nil
}

// Send JSON-encodes msg and writes it as a text frame.
func (c *Conn) Send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return c.SendRaw(data)
}

// SendRaw writes pre-encoded data as a text frame.
func (c *Conn) SendRaw(data []byte) error {
	conn := c.live()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait)); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (c *Conn) live() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	return c.conn
}

// ReceiveLoop reads frames in arrival order and forwards text and binary
// payloads to msgCh. It returns nil after a local Close, a *CloseError when
// the peer sends a close frame, ctx.Err() on cancellation, and the read
// error otherwise.
func (c *Conn) ReceiveLoop(ctx context.Context, msgCh chan<- []byte) error {
	conn := c.live()
	if conn == nil {
		return ErrNotConnected
	}

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return c.classifyReadError(ctx, err)
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}

		select {
		case msgCh <- data:
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closeCh:
			return nil
		}
	}
}

func (c *Conn) classifyReadError(ctx context.Context, err error) error {
	if c.IsClosed() {
		return nil
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return &CloseError{Code: ce.Code, Reason: ce.Text}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// StartHeartbeat sends ping frames at interval until the connection closes.
func (c *Conn) StartHeartbeat(ctx context.Context, interval time.Duration) {
	go c.heartbeatLoop(ctx, interval)
}

func (c *Conn) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closeCh:
			return
		case <-ticker.C:
			if !c.sendPing() {
				return
			}
		}
	}
}

func (c *Conn) sendPing() bool {
	conn := c.live()
	if conn == nil {
		return false
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(c.cfg.WriteWait)
	if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		c.cfg.Logger.Warn("ping failed", "error", err)
		return false
	}
	return true
}

// Close sends a normal close frame and releases the socket. Safe to call
// more than once.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	close(c.closeCh)

	if c.conn == nil {
		return nil
	}

	c.writeMu.Lock()
	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(c.cfg.CloseGracePeriod))
	c.writeMu.Unlock()

	return c.conn.Close()
}

// IsClosed reports whether Close has been called.
func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// IsConnected reports whether the handshake completed and Close has not been called.
func (c *Conn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.closed
}
