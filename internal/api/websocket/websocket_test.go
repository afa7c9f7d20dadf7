package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/KevinKickass/OpenPhotoRig/internal/auth"
	"github.com/KevinKickass/OpenPhotoRig/internal/machine"
	"github.com/KevinKickass/OpenPhotoRig/internal/streaming"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type idleStatus struct{}

func (idleStatus) Status() machine.MachineStatus {
	return machine.MachineStatus{State: machine.StateIdle, ColorLight: "g"}
}

func startHub(t *testing.T, validator TokenValidator) (*Hub, *streaming.EventStreamer, string) {
	t.Helper()
	streamer := streaming.NewEventStreamer(100)
	hub := NewHub(zaptest.NewLogger(t), validator, idleStatus{})

	ctx, cancel := context.WithCancel(context.Background())
	events := streamer.Subscribe()
	done := make(chan struct{})
	go func() {
		hub.Run(ctx, events)
		close(done)
	}()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	}))
	t.Cleanup(func() {
		cancel()
		<-done
		srv.Close()
	})

	return hub, streamer, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestHub_SnapshotThenEvents(t *testing.T) {
	hub, streamer, url := startHub(t, nil)
	conn := dial(t, url)

	snap := read(t, conn)
	assert.Equal(t, MessageTypeSnapshot, snap.Type)
	assert.Equal(t, "IDLE", snap.Data.(map[string]any)["state"])
	assert.Equal(t, 1, hub.GetClientCount())

	streamer.Publish(machine.TopicMachine, machine.EventStateChanged, machine.StateChange{State: machine.StateWorking, Previous: machine.StateIdle})

	msg := read(t, conn)
	assert.Equal(t, MessageTypeStateChanged, msg.Type)
	assert.Equal(t, "machine", msg.Topic)
	assert.Equal(t, "WORKING", msg.Data.(map[string]any)["state"])
}

func TestHub_TopicSubscriptions(t *testing.T) {
	_, streamer, url := startHub(t, nil)
	conn := dial(t, url)
	read(t, conn)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "subscribe", Topics: []string{machine.TopicMotor(1)}}))
	ack := read(t, conn)
	assert.Equal(t, MessageTypeSubscribed, ack.Type)
	assert.Equal(t, []any{"motor.1"}, ack.Data.(map[string]any)["topics"])

	streamer.Publish(machine.TopicMotor(0), machine.EventTelemetry, machine.MotorTelemetry{ID: 0, Pos: 10})
	streamer.Publish(machine.TopicMachine, machine.EventError, "limit switch")
	streamer.Publish(machine.TopicMotor(1), machine.EventTelemetry, machine.MotorTelemetry{ID: 1, Pos: 300})

	msg := read(t, conn)
	assert.Equal(t, "motor.1", msg.Topic)
	assert.Equal(t, 300.0, msg.Data.(map[string]any)["pos"])

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "bogus"}))
	assert.Equal(t, MessageTypeInvalid, read(t, conn).Type)
}

func TestHub_RequiresAuthFirst(t *testing.T) {
	jwt := auth.NewJWTHandler("test-secret-with-at-least-32-characters", time.Hour)
	hub, _, url := startHub(t, jwt)

	conn := dial(t, url)
	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "subscribe"}))
	assert.Equal(t, MessageTypeAuthFailed, read(t, conn).Type)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "connection must be closed after failed auth")
	assert.Zero(t, hub.GetClientCount())

	token, err := jwt.GenerateAccessToken("olga", auth.RoleViewer)
	require.NoError(t, err)

	conn = dial(t, url)
	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "auth", Token: token}))
	ok := read(t, conn)
	assert.Equal(t, MessageTypeAuthSuccess, ok.Type)
	assert.Equal(t, "olga", ok.Data.(map[string]any)["operator"])
	assert.Equal(t, MessageTypeSnapshot, read(t, conn).Type)
	assert.Equal(t, 1, hub.GetClientCount())
}
