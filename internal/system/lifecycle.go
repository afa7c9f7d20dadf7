package system

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/KevinKickass/OpenPhotoRig/internal/api/rest"
	"github.com/KevinKickass/OpenPhotoRig/internal/api/websocket"
	"github.com/KevinKickass/OpenPhotoRig/internal/auth"
	"github.com/KevinKickass/OpenPhotoRig/internal/camera"
	"github.com/KevinKickass/OpenPhotoRig/internal/channel"
	"github.com/KevinKickass/OpenPhotoRig/internal/config"
	"github.com/KevinKickass/OpenPhotoRig/internal/interfaces"
	"github.com/KevinKickass/OpenPhotoRig/internal/machine"
	"github.com/KevinKickass/OpenPhotoRig/internal/planner"
	"github.com/KevinKickass/OpenPhotoRig/internal/protocol"
	"github.com/KevinKickass/OpenPhotoRig/internal/rig"
	"github.com/KevinKickass/OpenPhotoRig/internal/sequencer"
	"github.com/KevinKickass/OpenPhotoRig/internal/storage"
	"github.com/KevinKickass/OpenPhotoRig/internal/streaming"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

const cameraFetchTimeout = 5 * time.Second

type LifecycleManager struct {
	config  *config.Config
	profile *rig.Profile
	logger  *zap.Logger

	db          *storage.PostgresClient
	setpoints   storage.SetpointStore
	supervisor  *machine.Supervisor
	gpio        camera.Driver
	guard       *camera.Guard
	coordinator *sequencer.Coordinator

	eventStreamer *streaming.EventStreamer
	telemetry     *streaming.TelemetryService
	wsHub         *websocket.Hub
	jwt           *auth.JWTHandler

	restServer *rest.Server
	grpcServer *grpc.Server

	stateMu      sync.RWMutex
	currentState SystemState
	lastError    string
	startedAt    time.Time

	cancel  context.CancelFunc
	hubDone chan struct{}

	shutdownChan chan struct{}
	shutdownOnce sync.Once
}

// NewLifecycleManager builds every component once and wires them together.
// Nothing talks to the bridge until Start.
func NewLifecycleManager(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*LifecycleManager, error) {
	lm := &LifecycleManager{
		config:        cfg,
		logger:        logger,
		currentState:  StateInitializing,
		eventStreamer: streaming.NewEventStreamer(100),
		shutdownChan:  make(chan struct{}),
	}

	profile, fallback, err := rig.LoadOrDefault(cfg.Rig.ProfilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to load rig profile: %w", err)
	}
	if fallback {
		logger.Warn("Rig profile not found, using defaults", zap.String("path", cfg.Rig.ProfilePath))
	}
	lm.profile = profile

	if err := lm.initStorage(ctx); err != nil {
		return nil, err
	}

	codec, err := protocol.NewCodec()
	if err != nil {
		lm.closeStorage()
		return nil, fmt.Errorf("failed to build protocol codec: %w", err)
	}

	lm.supervisor = machine.NewSupervisor(channel.NewNNG(cfg.Bridge, logger), codec, machine.Options{
		Supervisor: cfg.Supervisor,
		Bridge:     cfg.Bridge,
		Homes:      profile.Homes,
	}, logger)
	lm.supervisor.SetPublisher(lm.eventStreamer)
	if lm.db != nil {
		lm.supervisor.SetErrorRecorder(lm.db)
	}

	cameras, err := lm.initCameras()
	if err != nil {
		if lm.guard != nil {
			lm.guard.Close()
		}
		if lm.gpio != nil {
			lm.gpio.Close()
		}
		lm.closeStorage()
		return nil, err
	}
	lm.supervisor.AddCondition(lm.guard.ConnectionLost)

	optimizer := planner.NewOptimizer(planner.Config{
		Home0:             profile.Homes[0],
		Home1:             profile.Homes[1],
		MinSeparation:     cfg.Planner.MinSeparation,
		Fallback:          cfg.Planner.Fallback,
		HitRange:          cfg.Planner.HitRange,
		MaxTicks:          cfg.Planner.MaxTicks,
		MoveTimePerDegree: cfg.Planner.MoveTimePerDegree,
	})

	lm.coordinator = sequencer.NewCoordinator(lm.supervisor, optimizer, lm.guard, lm.guard, lm.setpoints,
		sequencer.CoordinatorOptions{Cameras: cameras, Dwell: cfg.Supervisor.SettleDwell},
		logger)
	lm.coordinator.SetPublisher(lm.eventStreamer)
	if lm.db != nil {
		lm.coordinator.SetRunRecorder(lm.db)
	}
	lm.supervisor.SetShotHandler(lm.coordinator.ShotHook)

	var validator websocket.TokenValidator
	if cfg.Auth.Enabled {
		if !cfg.Auth.IsProductionReady() {
			logger.Warn("JWT secret is the development default or too short",
				zap.String("env", cfg.Auth.JWTSecretEnv))
		}
		lm.jwt = auth.NewJWTHandler(cfg.Auth.GetJWTSecret(), cfg.Auth.AccessTokenTTL)
		validator = lm.jwt
	}

	lm.wsHub = websocket.NewHub(logger, validator, lm.supervisor)
	lm.telemetry = streaming.NewTelemetryService(lm.eventStreamer, lm.supervisor)

	return lm, nil
}

func (lm *LifecycleManager) initStorage(ctx context.Context) error {
	dbCfg := lm.config.Storage.Database
	if !dbCfg.Enabled() {
		lm.setpoints = storage.NewFileStore(lm.config.Storage.SetpointFile, lm.logger)
		lm.logger.Info("Using setpoint file", zap.String("path", lm.config.Storage.SetpointFile))
		return nil
	}

	db, err := storage.NewPostgresClient(ctx, dbCfg, lm.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	lm.db = db
	lm.setpoints = db
	return nil
}

// initCameras registers the profile's cameras with a capture guard and
// returns the camera bound to each actuator. A camera whose source cannot
// be opened is skipped, leaving its actuator without frames.
func (lm *LifecycleManager) initCameras() ([protocol.Actuators]string, error) {
	var bound [protocol.Actuators]string

	gpio, err := camera.NewDriver(lm.profile.Trigger.MockGPIO, lm.logger)
	if err != nil {
		return bound, fmt.Errorf("failed to open GPIO: %w", err)
	}
	lm.gpio = gpio
	lm.guard = camera.NewGuard(lm.config.Storage.ImageDir, lm.logger)

	for _, cp := range lm.profile.Cameras {
		var source camera.Source
		switch cp.Source {
		case rig.SourceHTTP:
			source = camera.NewHTTPSource(cp.URL, cameraFetchTimeout)
		default:
			ps, err := camera.NewPlaybackSource(cp.Path)
			if err != nil {
				lm.logger.Warn("Camera unavailable",
					zap.String("camera", cp.Name),
					zap.String("path", cp.Path),
					zap.Error(err))
				continue
			}
			source = ps
		}

		var trigger camera.Trigger
		if cp.TriggerPin > 0 {
			pt, err := camera.NewPulseTrigger(gpio, cp.TriggerPin, lm.profile.TriggerPulse())
			if err != nil {
				source.Close()
				return bound, fmt.Errorf("camera %s trigger: %w", cp.Name, err)
			}
			trigger = pt
		}

		lm.guard.Register(cp.Name, source, trigger)
		if bound[cp.Actuator] == "" {
			bound[cp.Actuator] = cp.Name
		}
		lm.logger.Info("Camera registered",
			zap.String("camera", cp.Name),
			zap.String("source", cp.Source),
			zap.Int("actuator", cp.Actuator),
			zap.Int("trigger_pin", cp.TriggerPin))
	}

	return bound, nil
}

// Start starts the entire system
func (lm *LifecycleManager) Start() error {
	lm.logger.Info("Starting OpenPhotoRig", zap.String("rig", lm.profile.Name))

	ctx, cancel := context.WithCancel(context.Background())
	lm.cancel = cancel

	if err := lm.supervisor.Start(ctx); err != nil {
		lm.setError(fmt.Errorf("failed to start supervisor: %w", err))
		return err
	}

	events := lm.eventStreamer.Subscribe()
	lm.hubDone = make(chan struct{})
	go func() {
		defer close(lm.hubDone)
		lm.wsHub.Run(ctx, events)
		lm.eventStreamer.Unsubscribe(events)
	}()

	if err := lm.startGRPCServer(); err != nil {
		lm.setError(fmt.Errorf("failed to start gRPC: %w", err))
		return err
	}

	if err := lm.startRESTServer(); err != nil {
		lm.setError(fmt.Errorf("failed to start REST API: %w", err))
		return err
	}

	lm.stateMu.Lock()
	lm.startedAt = time.Now()
	lm.stateMu.Unlock()
	lm.setState(StateRunning)

	lm.logger.Info("System started successfully",
		zap.Int("grpc_port", lm.config.Server.GRPCPort),
		zap.Int("http_port", lm.config.Server.HTTPPort),
		zap.Strings("cameras", lm.guard.Cameras()),
		zap.Bool("database", lm.db != nil),
		zap.Bool("auth", lm.jwt != nil))

	return nil
}

func (lm *LifecycleManager) startGRPCServer() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", lm.config.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	lm.grpcServer = grpc.NewServer()
	streaming.RegisterTelemetryServer(lm.grpcServer, lm.telemetry)

	go func() {
		lm.logger.Info("gRPC server listening",
			zap.Int("port", lm.config.Server.GRPCPort),
			zap.String("services", streaming.TelemetryServiceDesc.ServiceName))
		if err := lm.grpcServer.Serve(lis); err != nil {
			lm.logger.Error("gRPC server failed", zap.Error(err))
		}
	}()

	return nil
}

func (lm *LifecycleManager) startRESTServer() error {
	lm.restServer = rest.NewServer(lm.config, lm, lm.logger, lm.wsHub, lm.jwt)
	return lm.restServer.Start()
}

// Done is closed once Shutdown has finished.
func (lm *LifecycleManager) Done() <-chan struct{} {
	return lm.shutdownChan
}

// Shutdown gracefully shuts down the system
func (lm *LifecycleManager) Shutdown(ctx context.Context) error {
	var shutdownErr error

	lm.shutdownOnce.Do(func() {
		lm.logger.Info("Shutting down system")
		lm.setState(StateStopping)

		shutdownErr = lm.gracefulShutdown(ctx)

		lm.setState(StateStopped)
		close(lm.shutdownChan)
	})

	return shutdownErr
}

// gracefulShutdown stops the API servers first so no request reaches a
// stopping supervisor, then the supervisor, and only then the cameras: a
// closed camera would otherwise be reported as a lost connection.
func (lm *LifecycleManager) gracefulShutdown(ctx context.Context) error {
	var wg sync.WaitGroup
	errChan := make(chan error, 4)

	if lm.restServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()

			if err := lm.restServer.Shutdown(shutdownCtx); err != nil {
				errChan <- fmt.Errorf("rest api shutdown failed: %w", err)
			}
		}()
	}

	if lm.grpcServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lm.logger.Info("Stopping gRPC server")
			lm.grpcServer.GracefulStop()
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		lm.logger.Warn("Shutdown timeout, forcing stop")
		if lm.grpcServer != nil {
			lm.grpcServer.Stop()
		}
	}

	if err := lm.supervisor.Shutdown(ctx); err != nil {
		errChan <- fmt.Errorf("supervisor shutdown failed: %w", err)
	}

	if lm.cancel != nil {
		lm.cancel()
	}
	if lm.hubDone != nil {
		<-lm.hubDone
	}

	if err := lm.guard.Close(); err != nil {
		errChan <- fmt.Errorf("camera close failed: %w", err)
	}
	if err := lm.gpio.Close(); err != nil {
		errChan <- fmt.Errorf("gpio close failed: %w", err)
	}
	lm.closeStorage()

	close(errChan)
	var first error
	for err := range errChan {
		lm.logger.Error("Shutdown step failed", zap.Error(err))
		if first == nil {
			first = err
		}
	}
	if first == nil {
		lm.logger.Info("Graceful shutdown completed")
	}
	return first
}

func (lm *LifecycleManager) closeStorage() {
	if lm.db != nil {
		lm.db.Close()
	}
}

func (lm *LifecycleManager) setState(state SystemState) {
	lm.stateMu.Lock()
	if err := ValidateTransition(lm.currentState, state); err != nil {
		lm.stateMu.Unlock()
		lm.logger.Warn("Ignoring system state change", zap.Error(err))
		return
	}
	lm.currentState = state
	status := newStatus(state, lm.lastError)
	lm.stateMu.Unlock()

	lm.eventStreamer.Publish(TopicSystem, EventSystemStatus, status)
}

func (lm *LifecycleManager) setError(err error) {
	lm.logger.Error("System error", zap.Error(err))
	lm.stateMu.Lock()
	lm.lastError = err.Error()
	lm.stateMu.Unlock()
	lm.setState(StateError)
}

// GetCurrentStatus returns current system status (Interface implementation)
func (lm *LifecycleManager) GetCurrentStatus() interfaces.SystemStatus {
	lm.stateMu.RLock()
	state := lm.currentState
	started := lm.startedAt
	lm.stateMu.RUnlock()

	status := interfaces.SystemStatus{
		State:         state.String(),
		Machine:       lm.supervisor.Health(),
		Storage:       "file",
		Cameras:       lm.guard.Cameras(),
		DroppedEvents: lm.eventStreamer.Dropped(),
	}
	if lm.db != nil {
		status.Storage = "postgres"
	}
	if !started.IsZero() {
		status.Uptime = time.Since(started).Round(time.Second).String()
	}
	return status
}

// Config returns the configuration
func (lm *LifecycleManager) Config() *config.Config {
	return lm.config
}

func (lm *LifecycleManager) Supervisor() *machine.Supervisor {
	return lm.supervisor
}

func (lm *LifecycleManager) Coordinator() *sequencer.Coordinator {
	return lm.coordinator
}

func (lm *LifecycleManager) History() interfaces.History {
	if lm.db == nil {
		return nil
	}
	return lm.db
}

func (lm *LifecycleManager) Streamer() *streaming.EventStreamer {
	return lm.eventStreamer
}
