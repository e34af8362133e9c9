package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeconn/internal/adapter/enum"
	"tradeconn/internal/obs"
	"tradeconn/internal/venue"
	"tradeconn/pkg/exception"
)

type frame struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

func parseFrame(msg []byte) ([]venue.StreamEvent, error) {
	var f frame
	if err := sonic.ConfigFastest.Unmarshal(msg, &f); err != nil {
		return nil, err
	}
	if f.ID == "" {
		return nil, nil
	}
	state := enum.OrderStateSubmitted
	if f.State == "cancelled" {
		state = enum.OrderStateCancelled
	}
	return []venue.StreamEvent{{
		Kind:  venue.StreamEventOrder,
		Order: venue.OrderStatus{OrderRef: venue.OrderRef{ClientOrderID: f.ID}, State: state},
	}}, nil
}

// newServer replies to the handshake with frames, then closes the connection.
func newServer(t *testing.T, frames ...string) (*httptest.Server, <-chan string) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	received := make(chan string, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		received <- string(msg)
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	}))
	t.Cleanup(srv.Close)
	return srv, received
}

func wsURL(srv *httptest.Server) func(context.Context) (string, error) {
	return func(context.Context) (string, error) {
		return "ws" + strings.TrimPrefix(srv.URL, "http"), nil
	}
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{}, nil)
	require.ErrorIs(t, err, exception.ErrFatalConfig)
}

func TestRunEmitsParsedEvents(t *testing.T) {
	srv, received := newServer(t,
		`{"id":"c1","state":"open"}`,
		`not json`,
		`{"ping":1}`,
		`{"id":"c1","state":"cancelled"}`,
	)
	m := obs.NewMetrics()
	src, err := New(Config{
		URL: wsURL(srv),
		Handshake: func(context.Context) ([]any, error) {
			return []any{map[string]any{"method": "server.auth"}}, nil
		},
		Parse: parseFrame,
	}, m)
	require.NoError(t, err)

	var (
		mu     sync.Mutex
		events []venue.StreamEvent
	)
	err = src.Run(context.Background(), func(e venue.StreamEvent) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e)
	})
	require.ErrorIs(t, err, exception.ErrStreamClosed)

	assert.JSONEq(t, `{"method":"server.auth"}`, <-received)
	require.Len(t, events, 2)
	assert.Equal(t, enum.OrderStateSubmitted, events[0].Order.State)
	assert.Equal(t, enum.OrderStateCancelled, events[1].Order.State)
	assert.Equal(t, uint64(4), m.Count(obs.CounterStreamMessages))
}

func TestRunReturnsNilOnCancel(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	src, err := New(Config{URL: wsURL(srv), Parse: parseFrame, PingInterval: 10 * time.Millisecond}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.NoError(t, src.Run(ctx, func(venue.StreamEvent) {}))
}

func TestRunGivesUpOnRejectedDial(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	src, err := New(Config{URL: wsURL(srv), Parse: parseFrame}, nil)
	require.NoError(t, err)

	err = src.Run(context.Background(), func(venue.StreamEvent) {})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}
