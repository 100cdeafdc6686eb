package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// echoServer echoes every message back and records the request query.
func echoServer(t *testing.T, queries chan<- url.Values) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if queries != nil {
			queries <- r.URL.Query()
		}
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
}

// closingServer sends one message and then a close frame with the given code.
func closingServer(t *testing.T, code int, reason string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"setupComplete":{}}`))
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
		_, _, _ = conn.ReadMessage()
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestBuildURL(t *testing.T) {
	got, err := BuildURL("wss://example.com/ws/live?alt=1", "tok/en")
	require.NoError(t, err)

	u, err := url.Parse(got)
	require.NoError(t, err)
	assert.Equal(t, "tok/en", u.Query().Get(TokenParam))
	assert.Equal(t, "1", u.Query().Get("alt"))

	_, err = BuildURL("https://example.com", "t")
	assert.Error(t, err)
	_, err = BuildURL("://bad", "t")
	assert.Error(t, err)
}

func TestConn_SendAndReceiveLoop(t *testing.T) {
	queries := make(chan url.Values, 1)
	srv := echoServer(t, queries)
	defer srv.Close()

	endpoint, err := BuildURL(wsURL(srv), "secret")
	require.NoError(t, err)

	c, err := Dial(context.Background(), &ConnConfig{URL: endpoint})
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, "secret", (<-queries).Get(TokenParam))
	assert.True(t, c.IsConnected())

	msgCh := make(chan []byte, 4)
	done := make(chan error, 1)
	go func() { done <- c.ReceiveLoop(context.Background(), msgCh) }()

	require.NoError(t, c.Send(map[string]string{"hello": "world"}))
	require.NoError(t, c.SendRaw([]byte(`{"n":2}`)))

	var first map[string]string
	require.NoError(t, json.Unmarshal(<-msgCh, &first))
	assert.Equal(t, "world", first["hello"])
	assert.JSONEq(t, `{"n":2}`, string(<-msgCh))

	require.NoError(t, c.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("receive loop did not stop after Close")
	}
}

func TestConn_ReceiveLoopReportsCloseFrame(t *testing.T) {
	srv := closingServer(t, websocket.CloseGoingAway, "session expired")
	defer srv.Close()

	c, err := Dial(context.Background(), &ConnConfig{URL: wsURL(srv)})
	require.NoError(t, err)
	defer c.Close()

	msgCh := make(chan []byte, 1)
	err = c.ReceiveLoop(context.Background(), msgCh)

	var ce *CloseError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, websocket.CloseGoingAway, ce.Code)
	assert.Equal(t, "session expired", ce.Reason)
	assert.Contains(t, ce.Error(), "1001")
	assert.Len(t, msgCh, 1)
}

func TestConn_ReceiveLoopContextCancel(t *testing.T) {
	srv := echoServer(t, nil)
	defer srv.Close()

	c, err := Dial(context.Background(), &ConnConfig{URL: wsURL(srv)})
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.ReceiveLoop(ctx, make(chan []byte)) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("receive loop ignored cancellation")
	}
}

func TestConn_NotConnected(t *testing.T) {
	c := NewConn(&ConnConfig{URL: "ws://localhost:1"})
	assert.ErrorIs(t, c.Send(map[string]string{}), ErrNotConnected)
	assert.ErrorIs(t, c.ReceiveLoop(context.Background(), make(chan []byte)), ErrNotConnected)
	assert.False(t, c.IsConnected())

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.True(t, c.IsClosed())
	assert.Error(t, c.Connect(context.Background()))
}

func TestConn_DialFailure(t *testing.T) {
	_, err := Dial(context.Background(), &ConnConfig{
		URL:         "ws://localhost:1",
		DialTimeout: 100 * time.Millisecond,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect")
}

func TestConn_Heartbeat(t *testing.T) {
	pings := make(chan struct{}, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.SetPingHandler(func(string) error {
			select {
			case pings <- struct{}{}:
			default:
			}
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	c, err := Dial(context.Background(), &ConnConfig{
		URL:               wsURL(srv),
		HeartbeatInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	defer c.Close()

	select {
	case <-pings:
	case <-time.After(5 * time.Second):
		t.Fatal("no ping received")
	}
}
