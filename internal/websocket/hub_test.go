package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iago/inbox-triage-back/internal/domain"
)

func newHubServer(t *testing.T, hub *Hub) string {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		client := hub.Register(conn)
		if client == nil {
			return
		}
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					hub.Unregister(client)
					return
				}
			}
		}()
	}))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestHubRunBroadcastsStatusUpdates(t *testing.T) {
	hub := NewHub(0, nil)
	url := newHubServer(t, hub)

	first := dial(t, url)
	second := dial(t, url)
	require.Eventually(t, func() bool { return hub.ActiveConnections() == 2 }, 2*time.Second, 10*time.Millisecond)

	updates := make(chan domain.RefreshStatus, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx, updates)

	updates <- domain.RefreshStatus{
		Status:  domain.RefreshStateProcessing,
		Message: "Processing 3 emails",
		Count:   3,
	}

	for _, conn := range []*websocket.Conn{first, second} {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var got domain.RefreshStatus
		require.NoError(t, conn.ReadJSON(&got))
		assert.Equal(t, domain.RefreshStateProcessing, got.Status)
		assert.Equal(t, 3, got.Count)
	}
}

func TestHubRejectsConnectionsOverLimit(t *testing.T) {
	hub := NewHub(1, nil)
	url := newHubServer(t, hub)

	dial(t, url)
	require.Eventually(t, func() bool { return hub.ActiveConnections() == 1 }, 2*time.Second, 10*time.Millisecond)

	extra := dial(t, url)
	require.NoError(t, extra.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := extra.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "unexpected error %v", err)
	assert.Equal(t, 1, hub.ActiveConnections())
}

func TestHubDropsClientsOnDisconnect(t *testing.T) {
	hub := NewHub(0, nil)
	url := newHubServer(t, hub)

	conn := dial(t, url)
	require.Eventually(t, func() bool { return hub.ActiveConnections() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.ActiveConnections() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHubRunStopsWhenUpdatesClose(t *testing.T) {
	hub := NewHub(0, nil)
	updates := make(chan domain.RefreshStatus)
	done := make(chan struct{})
	go func() {
		hub.Run(context.Background(), updates)
		close(done)
	}()

	close(updates)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop after updates closed")
	}
}
