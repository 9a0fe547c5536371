package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultfetch/vaultfetch/internal/events"
	"github.com/vaultfetch/vaultfetch/internal/testutil"
)

func startHub(t *testing.T) (*Hub, *websocket.Conn) {
	t.Helper()
	hub := NewHub(testutil.NewTestLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	e := echo.New()
	e.GET("/ws", hub.HandleWebSocket)
	srv := httptest.NewServer(e)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
		cancel()
		srv.Close()
	})

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, testutil.WaitTimeout, testutil.PollInterval)
	return hub, conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(testutil.WaitTimeout)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestHub_Broadcast(t *testing.T) {
	hub, conn := startHub(t)

	require.NoError(t, hub.Broadcast("downloads:state", map[string]bool{"hasItems": true}))

	msg := readMessage(t, conn)
	assert.Equal(t, "downloads:state", msg.Type)
	assert.JSONEq(t, `{"hasItems":true}`, string(msg.Payload))
	assert.NotEmpty(t, msg.Timestamp)
}

func TestHub_RelaySkipsTicks(t *testing.T) {
	hub, conn := startHub(t)
	bus := events.NewBus(10, testutil.NopLogger())
	unsubscribe := hub.Relay(bus)
	defer unsubscribe()

	bus.Publish(events.TypeTick, nil)
	bus.Notify("downloadfinished", events.SeverityInfo, "Rocks finished")

	msg := readMessage(t, conn)
	assert.Equal(t, string(events.TypeNotification), msg.Type)

	var n events.Notification
	require.NoError(t, json.Unmarshal(msg.Payload, &n))
	assert.Equal(t, "Rocks finished", n.Message)
}

func TestHub_Commands(t *testing.T) {
	hub, conn := startHub(t)

	var mu sync.Mutex
	var got []string
	hub.SetCommandHandler(func(_ context.Context, command, id string) error {
		mu.Lock()
		got = append(got, command+" "+id)
		mu.Unlock()
		if id == "missing" {
			return errors.New("item not found")
		}
		return nil
	})

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": CommandPause, "payload": map[string]string{"id": "a1"}}))
	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": CommandCancel, "payload": map[string]string{"id": "missing"}}))

	msg := readMessage(t, conn)
	assert.Equal(t, CommandError, msg.Type)
	var payload map[string]string
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	assert.Equal(t, "missing", payload["id"])
	assert.Equal(t, "item not found", payload["error"])

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"download:pause a1", "download:cancel missing"}, got)
}

func TestHub_BroadcastAfterStop(t *testing.T) {
	hub := NewHub(testutil.NopLogger())
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()
	cancel()
	<-stopped

	assert.ErrorIs(t, hub.Broadcast("x", nil), ErrHubStopped)
}
