package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/KevinKickass/OpenPhotoRig/internal/api/websocket"
	"github.com/KevinKickass/OpenPhotoRig/internal/auth"
	"github.com/KevinKickass/OpenPhotoRig/internal/camera"
	"github.com/KevinKickass/OpenPhotoRig/internal/channel/channeltest"
	"github.com/KevinKickass/OpenPhotoRig/internal/config"
	"github.com/KevinKickass/OpenPhotoRig/internal/interfaces"
	"github.com/KevinKickass/OpenPhotoRig/internal/machine"
	"github.com/KevinKickass/OpenPhotoRig/internal/planner"
	"github.com/KevinKickass/OpenPhotoRig/internal/protocol"
	"github.com/KevinKickass/OpenPhotoRig/internal/sequencer"
	"github.com/KevinKickass/OpenPhotoRig/internal/storage"
	"github.com/KevinKickass/OpenPhotoRig/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type testLifecycle struct {
	cfg   *config.Config
	sup   *machine.Supervisor
	coord *sequencer.Coordinator
}

func (l *testLifecycle) Config() *config.Config { return l.cfg }
func (l *testLifecycle) Supervisor() *machine.Supervisor { return l.sup }
func (l *testLifecycle) Coordinator() *sequencer.Coordinator { return l.coord }
func (l *testLifecycle) History() interfaces.History { return nil }
func (l *testLifecycle) Shutdown(ctx context.Context) error { return nil }
func (l *testLifecycle) GetCurrentStatus() interfaces.SystemStatus {
	return interfaces.SystemStatus{State: "RUNNING", Machine: l.sup.Health()}
}

type frameCapturer struct{}

func (frameCapturer) Capture(ctx context.Context, cam string, actuator int, angle float64) (*camera.Capture, error) {
	return &camera.Capture{Camera: cam, Actuator: actuator, Angle: angle}, nil
}

// bridge acknowledges every command and reports moved motors at their
// target, like an ideal drive.
type bridge struct {
	fake *channeltest.Fake

	mu  sync.Mutex
	pos [protocol.Actuators]float64
}

func newBridge() *bridge {
	b := &bridge{fake: channeltest.NewFake(), pos: [protocol.Actuators]float64{30, 330}}
	b.fake.SetResponder(func(cmd protocol.Command) (protocol.Reply, error) {
		if mv, ok := cmd.(protocol.Move); ok {
			b.mu.Lock()
			b.pos[mv.Motor] = mv.Pos
			b.mu.Unlock()
			b.push()
		}
		return protocol.Reply{OK: true}, nil
	})
	return b
}

func (b *bridge) push() {
	b.mu.Lock()
	defer b.mu.Unlock()
	idle := "IDLE"
	zero := 0.0
	msg := protocol.StatusMessage{}
	for i := range b.pos {
		p := b.pos[i]
		msg.Motors = append(msg.Motors, protocol.MotorStatus{Pos: &p, Spd: &zero, State: &idle})
	}
	b.fake.PushStatus(msg)
}

type testServer struct {
	srv    *Server
	bridge *bridge
	sup    *machine.Supervisor
}

func newTestServer(t *testing.T, jwt *auth.JWTHandler) *testServer {
	t.Helper()
	logger := zaptest.NewLogger(t)
	b := newBridge()

	sup := machine.NewSupervisor(b.fake, protocol.MustCodec(), machine.Options{
		Supervisor: config.SupervisorConfig{
			ErrorMonitorPeriod: 10 * time.Millisecond,
			LampPeriod:         20 * time.Millisecond,
			ButtonPeriod:       5 * time.Millisecond,
			ArrivalPoll:        5 * time.Millisecond,
			ArrivalTimeout:     time.Second,
			ArrivalTolerance:   5,
			SettleGrace:        30 * time.Millisecond,
		},
		Bridge: config.BridgeConfig{
			CommandTimeout:   200 * time.Millisecond,
			ReceiveTimeout:   20 * time.Millisecond,
			ResubscribeDelay: 10 * time.Millisecond,
		},
		Homes: [protocol.Actuators]float64{30, 330},
	}, logger)
	require.NoError(t, sup.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sup.Shutdown(ctx)
	})
	b.push()
	require.Eventually(t, func() bool {
		m, _ := sup.Motor(1)
		return m.Pos == 330
	}, time.Second, 5*time.Millisecond)

	dir := t.TempDir()
	coord := sequencer.NewCoordinator(sup,
		planner.NewOptimizer(planner.DefaultConfig()),
		frameCapturer{},
		camera.NewGuard(filepath.Join(dir, "images"), logger),
		storage.NewFileStore(filepath.Join(dir, "SPconfig.json"), logger),
		sequencer.CoordinatorOptions{Cameras: [protocol.Actuators]string{"cam0", "cam1"}, Dwell: time.Millisecond},
		logger)

	lm := &testLifecycle{cfg: &config.Config{}, sup: sup, coord: coord}
	hub := websocket.NewHub(logger, nil, sup)
	return &testServer{
		srv:    NewServer(lm.cfg, lm, logger, hub, jwt),
		bridge: b,
		sup:    sup,
	}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

func TestHealthCheck(t *testing.T) {
	ts := newTestServer(t, nil)
	w := ts.do(t, http.MethodGet, "/health", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[map[string]any](t, w)
	assert.Equal(t, "ok", body["status"])
}

func TestMotorTelemetry(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(t, http.MethodGet, "/api/v1/motors/1", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	m := decode[machine.MotorTelemetry](t, w)
	assert.Equal(t, 330.0, m.Pos)
	assert.True(t, m.IsHome)

	w = ts.do(t, http.MethodGet, "/api/v1/motors/0/is-home", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode[map[string]any](t, w)["is_home"])

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/api/v1/motors/x", nil, "").Code)
	w = ts.do(t, http.MethodGet, "/api/v1/motors/2", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, types.CodeBadRequest, decode[types.ErrorResponse](t, w).Error.Code)
}

func TestMoveAndWait(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(t, http.MethodPost, "/api/v1/motors/0/move", map[string]any{"position": 90, "wait": true}, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 90.0, decode[machine.MotorTelemetry](t, w).Pos)

	w = ts.do(t, http.MethodPost, "/api/v1/motors/0/move-inc", map[string]any{"delta": 10}, "")
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, 100.0, decode[map[string]any](t, w)["target"])

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/api/v1/motors/0/move", map[string]any{}, "").Code)
}

func TestBridgeErrorsMapToStatus(t *testing.T) {
	ts := newTestServer(t, nil)

	ts.bridge.fake.SetResponder(func(protocol.Command) (protocol.Reply, error) {
		return protocol.Reply{OK: false, Err: "Busy"}, nil
	})
	w := ts.do(t, http.MethodPost, "/api/v1/motors/1/home", nil, "")
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, types.CodeBridge, decode[types.ErrorResponse](t, w).Error.Code)

	ts.bridge.fake.AlwaysTimeout()
	w = ts.do(t, http.MethodPost, "/api/v1/motors/1/stop", nil, "")
	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
	assert.Equal(t, types.CodeTimeout, decode[types.ErrorResponse](t, w).Error.Code)
}

func TestEmergencyRejectsMotionUntilResolved(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(t, http.MethodPost, "/api/v1/machine/emergency", map[string]any{"reason": "operator pressed stop"}, "")
	require.Equal(t, http.StatusAccepted, w.Code)

	w = ts.do(t, http.MethodGet, "/api/v1/machine/emergency", nil, "")
	body := decode[map[string]any](t, w)
	assert.Equal(t, true, body["emergency"])
	assert.Equal(t, "ERROR", body["state"])
	assert.Contains(t, body["reasons"], "operator pressed stop")

	w = ts.do(t, http.MethodPost, "/api/v1/motors/0/move", map[string]any{"position": 90}, "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = ts.do(t, http.MethodPost, "/api/v1/sequences/shoot", map[string]any{"targets": []float64{90}}, "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = ts.do(t, http.MethodGet, "/api/v1/machine/errors", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[map[string][]machine.ErrorEntry](t, w)["errors"], 1)

	w = ts.do(t, http.MethodPost, "/api/v1/machine/resolve", nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.False(t, ts.sup.IsEmergency())
}

func TestShootRunsBothActuators(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(t, http.MethodPost, "/api/v1/sequences/shoot", map[string]any{"targets": []float64{90, 270}}, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	res := decode[sequencer.Result](t, w)
	assert.Equal(t, storage.RunCompleted, res.Run.Status)
	assert.Equal(t, 2, res.Run.Captures)
	assert.Equal(t, []float64{90}, res.Plan.Seq0)
	assert.Equal(t, []float64{270}, res.Plan.Seq1)

	w = ts.do(t, http.MethodGet, "/api/v1/setpoints", nil, "")
	assert.Equal(t, []float64{90, 270}, decode[map[string][]float64](t, w)["setpoints"])

	w = ts.do(t, http.MethodGet, "/api/v1/runs", nil, "")
	assert.Len(t, decode[map[string][]storage.RunRecord](t, w)["runs"], 1)

	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/v1/runs/history", nil, "").Code)
}

func TestMoveSetReusesSetpoints(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(t, http.MethodPost, "/api/v1/sequences/move-set", map[string]any{"targets": []float64{120}}, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = ts.do(t, http.MethodPost, "/api/v1/sequences/move-set", nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[sequencer.Result](t, w)
	assert.Equal(t, []float64{120}, res.Run.Targets)
	assert.False(t, res.Run.Capture)
	assert.Zero(t, res.Run.Captures)
}

func TestLampAndParams(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(t, http.MethodPost, "/api/v1/machine/lamp", map[string]any{"r": false, "y": true, "g": false}, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "y", decode[map[string]any](t, w)["colorLight"])

	w = ts.do(t, http.MethodPost, "/api/v1/motors/0/params", map[string]any{"max_speed": 1200}, "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/v1/machine/params/save", nil, "").Code)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/v1/machine/params/load", nil, "").Code)

	sets := ts.bridge.fake.CommandsOf(protocol.CmdSet)
	require.Len(t, sets, 1)
	assert.Equal(t, 1200.0, *sets[0].(protocol.Set).MaxSpeed)
	assert.Len(t, ts.bridge.fake.CommandsOf(protocol.CmdSave), 1)
	assert.Len(t, ts.bridge.fake.CommandsOf(protocol.CmdLoad), 1)

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/api/v1/motors/0/params", map[string]any{}, "").Code)
}

func TestAuthGuardsControlRoutes(t *testing.T) {
	jwt := auth.NewJWTHandler("test-secret-with-at-least-32-characters", time.Hour)
	ts := newTestServer(t, jwt)

	viewer, err := jwt.GenerateAccessToken("vic", auth.RoleViewer)
	require.NoError(t, err)
	operator, err := jwt.GenerateAccessToken("olga", auth.RoleOperator)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/health", nil, "").Code)
	assert.Equal(t, http.StatusUnauthorized, ts.do(t, http.MethodGet, "/api/v1/machine/status", nil, "").Code)
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/v1/machine/status", nil, viewer).Code)
	assert.Equal(t, http.StatusForbidden, ts.do(t, http.MethodPost, "/api/v1/machine/emergency", nil, viewer).Code)

	w := ts.do(t, http.MethodPost, "/api/v1/machine/emergency", nil, operator)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "emergency raised via API (by olga)", decode[map[string]any](t, w)["reason"])
}
