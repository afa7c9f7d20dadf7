package machine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KevinKickass/OpenPhotoRig/internal/channel"
	"github.com/KevinKickass/OpenPhotoRig/internal/config"
	"github.com/KevinKickass/OpenPhotoRig/internal/protocol"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	TopicMachine = "machine"

	EventStateChanged = "state_changed"
	EventError        = "error"
	EventTelemetry    = "telemetry"

	homeTolerance = 0.5
	maxErrorLog   = 200
)

func TopicMotor(id int) string {
	return fmt.Sprintf("motor.%d", id)
}

// Publisher receives machine events. Implementations must not block.
type Publisher interface {
	Publish(topic, kind string, payload any)
}

// ErrorRecorder persists error-log entries beyond the in-memory ring.
type ErrorRecorder interface {
	RecordMachineError(ctx context.Context, entry ErrorEntry) error
}

// Condition is an extra fault source checked by the error monitor.
type Condition func() (reason string, faulted bool)

type StateChange struct {
	State     State     `json:"state"`
	Previous  State     `json:"previous"`
	Emergency bool      `json:"emergency"`
	Reasons   []string  `json:"reasons"`
	Time      time.Time `json:"time"`
}

type Options struct {
	Supervisor config.SupervisorConfig
	Bridge     config.BridgeConfig
	Homes      [protocol.Actuators]float64
}

type Supervisor struct {
	logger *zap.Logger
	ch     channel.Channel
	codec  *protocol.Codec
	store  *Store

	cfg              config.SupervisorConfig
	commandTimeout   time.Duration
	resubscribeDelay time.Duration
	homes            [protocol.Actuators]float64

	publisher  Publisher
	recorder   ErrorRecorder
	shotHook   func(ctx context.Context) error
	conditions []Condition

	cid          atomic.Int64
	handled      [protocol.ButtonCount]atomic.Uint64
	resolveGroup singleflight.Group
	running      atomic.Bool

	mu              sync.RWMutex
	state           State
	emergency       bool
	reasons         []string
	resolving       bool
	activeJobs      int
	lastStateChange time.Time
	lastCommand     time.Time
	lampSent        *LampState
	errorLog        []ErrorEntry
	sub             channel.Subscription
	ctx             context.Context
	cancel          context.CancelFunc

	tasks         sync.WaitGroup
	effectsMu     sync.Mutex
	effects       sync.WaitGroup
	effectsClosed bool
}

func NewSupervisor(ch channel.Channel, codec *protocol.Codec, opts Options, logger *zap.Logger) *Supervisor {
	return &Supervisor{
		logger:           logger,
		ch:               ch,
		codec:            codec,
		store:            NewStore(),
		cfg:              opts.Supervisor,
		commandTimeout:   opts.Bridge.CommandTimeout,
		resubscribeDelay: opts.Bridge.ResubscribeDelay,
		homes:            opts.Homes,
		state:            StateIdle,
		lastStateChange:  time.Now(),
	}
}

func (s *Supervisor) SetPublisher(p Publisher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publisher = p
}

func (s *Supervisor) SetErrorRecorder(r ErrorRecorder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recorder = r
}

// SetShotHandler installs the action run on a shot-button press.
func (s *Supervisor) SetShotHandler(fn func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shotHook = fn
}

func (s *Supervisor) AddCondition(c Condition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conditions = append(s.conditions, c)
}

func (s *Supervisor) Store() *Store {
	return s.store
}

func (s *Supervisor) HomePosition(motor int) float64 {
	return s.homes[motor]
}

// Start launches the background tasks. They stop when ctx is cancelled or
// Shutdown is called.
func (s *Supervisor) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("supervisor already running")
	}

	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.effectsMu.Lock()
	s.effectsClosed = false
	s.effectsMu.Unlock()

	s.tasks.Add(4)
	go s.runTask("status listener", s.statusListener)
	go s.runTask("error monitor", s.errorMonitor)
	go s.runTask("lamp controller", s.lampController)
	go s.runTask("button monitor", s.buttonMonitor)

	s.logger.Info("Supervisor started",
		zap.Float64("home0", s.homes[0]),
		zap.Float64("home1", s.homes[1]))
	return nil
}

func (s *Supervisor) runTask(name string, fn func(ctx context.Context)) {
	defer s.tasks.Done()
	s.logger.Debug("Background task started", zap.String("task", name))
	fn(s.lifetime())
	s.logger.Debug("Background task stopped", zap.String("task", name))
}

// Shutdown cancels the background tasks, waits for them and for every
// in-flight effect, then releases the status subscription.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	if s.running.CompareAndSwap(true, false) {
		s.mu.RLock()
		cancel := s.cancel
		s.mu.RUnlock()
		cancel()
	}

	done := make(chan struct{})
	go func() {
		s.tasks.Wait()
		s.effectsMu.Lock()
		s.effectsClosed = true
		s.effectsMu.Unlock()
		s.effects.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("Supervisor shutdown timeout")
		return fmt.Errorf("supervisor shutdown: %w", ctx.Err())
	}

	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()
	if sub != nil {
		if err := sub.Close(); err != nil {
			s.logger.Warn("Failed to close status subscription", zap.Error(err))
		}
	}

	s.logger.Info("Supervisor stopped")
	return nil
}

func (s *Supervisor) lifetime() context.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}

// goEffect runs fn in a goroutine Shutdown waits for.
func (s *Supervisor) goEffect(fn func()) {
	s.effectsMu.Lock()
	if s.effectsClosed {
		s.effectsMu.Unlock()
		return
	}
	s.effects.Add(1)
	s.effectsMu.Unlock()

	go func() {
		defer s.effects.Done()
		fn()
	}()
}

// SendCommand performs one exchange with the bridge. Failures come back as a
// reply with ok=false; it never returns an error.
func (s *Supervisor) SendCommand(ctx context.Context, cmd protocol.Command) (reply protocol.Reply) {
	cid := s.cid.Add(1)

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Command exchange panicked", zap.Int64("cid", cid), zap.Any("panic", r))
			reply = protocol.FailureReply(fmt.Errorf("%v", r))
		}
	}()

	payload, err := s.codec.EncodeCommand(cid, cmd)
	if err != nil {
		s.logger.Warn("Command rejected before sending", zap.Int64("cid", cid), zap.Error(err))
		return protocol.FailureReply(err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.commandTimeout)
	defer cancel()

	raw, err := s.ch.Request(ctx, payload)
	if err != nil {
		if errors.Is(err, channel.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			s.logger.Error("Command timed out",
				zap.Int64("cid", cid),
				zap.String("cmd", string(cmd.Type())))
			return protocol.TimeoutReply()
		}
		s.logger.Error("Command exchange failed",
			zap.Int64("cid", cid),
			zap.String("cmd", string(cmd.Type())),
			zap.Error(err))
		return protocol.FailureReply(err)
	}

	reply, err = s.codec.DecodeReply(raw)
	if err != nil {
		s.logger.Error("Invalid command reply", zap.Int64("cid", cid), zap.Error(err))
		return protocol.FailureReply(err)
	}
	if !reply.OK {
		s.logger.Warn("Command not acknowledged",
			zap.Int64("cid", cid),
			zap.String("cmd", string(cmd.Type())),
			zap.String("err", reply.Err))
	}
	return reply
}

// transitionLocked is the only place the machine state changes. Caller holds mu.
func (s *Supervisor) transitionLocked(to State) error {
	from := s.state
	if err := ValidateTransition(from, to); err != nil {
		s.logger.Error("Rejected state transition", zap.Error(err))
		return err
	}
	if from == to {
		return nil
	}

	s.state = to
	s.lastStateChange = time.Now()

	s.logger.Info("Machine state changed",
		zap.String("state", string(to)),
		zap.String("previous", string(from)))

	if s.publisher != nil {
		s.publisher.Publish(TopicMachine, EventStateChanged, StateChange{
			State:     to,
			Previous:  from,
			Emergency: s.emergency,
			Reasons:   slices.Clone(s.reasons),
			Time:      s.lastStateChange,
		})
	}
	return nil
}

// raise drives the machine into ERROR. Entry effects run once per entry;
// while already in ERROR only the reason list grows. With dedupe set a
// reason already on the list is not added again.
func (s *Supervisor) raise(reason string, dedupe bool) {
	s.mu.Lock()
	if s.state == StateError {
		if dedupe && slices.Contains(s.reasons, reason) {
			s.mu.Unlock()
			return
		}
		s.reasons = append(s.reasons, reason)
		entry := s.logErrorLocked(reason)
		s.mu.Unlock()
		s.persistError(entry)
		return
	}

	s.emergency = true
	s.reasons = append(s.reasons, reason)
	_ = s.transitionLocked(StateError)
	entry := s.logErrorLocked(reason)
	s.mu.Unlock()

	s.logger.Error("Machine error", zap.String("reason", reason))
	s.persistError(entry)

	for m := 0; m < protocol.Actuators; m++ {
		s.goEffect(func() {
			if reply := s.SendCommand(context.Background(), protocol.Stop{Motor: m}); !reply.OK {
				s.logger.Error("Emergency stop not acknowledged", zap.Int("motor", m), zap.String("err", reply.Err))
			}
		})
	}
	s.goEffect(func() {
		if err := s.SetLamp(context.Background(), LampFor(StateError)); err != nil {
			s.logger.Warn("Failed to set error lamp", zap.Error(err))
		}
	})
}

func (s *Supervisor) logErrorLocked(reason string) ErrorEntry {
	entry := ErrorEntry{Time: time.Now(), Reason: reason, State: s.state}
	s.errorLog = append(s.errorLog, entry)
	if len(s.errorLog) > maxErrorLog {
		s.errorLog = s.errorLog[len(s.errorLog)-maxErrorLog:]
	}
	if s.publisher != nil {
		s.publisher.Publish(TopicMachine, EventError, entry)
	}
	return entry
}

func (s *Supervisor) persistError(entry ErrorEntry) {
	s.mu.RLock()
	recorder := s.recorder
	s.mu.RUnlock()
	if recorder == nil {
		return
	}

	s.goEffect(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := recorder.RecordMachineError(ctx, entry); err != nil {
			s.logger.Warn("Failed to persist error entry", zap.Error(err))
		}
	})
}

// RaiseEmergency forces ERROR from any state and always appends reason.
func (s *Supervisor) RaiseEmergency(reason string) {
	if reason == "" {
		reason = "emergency raised"
	}
	s.raise(reason, false)
}

// Resolve homes every actuator and clears the emergency only if all of them
// acknowledge. Concurrent calls share one attempt.
func (s *Supervisor) Resolve(ctx context.Context) error {
	ch := s.resolveGroup.DoChan("resolve", func() (interface{}, error) {
		return nil, s.resolve()
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) resolve() error {
	s.mu.Lock()
	s.resolving = true
	s.lastCommand = time.Now()
	_ = s.transitionLocked(StateHoming)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.resolving = false
		s.mu.Unlock()
	}()

	s.logger.Info("Resolving machine error")

	var g errgroup.Group
	for m := 0; m < protocol.Actuators; m++ {
		g.Go(func() error {
			reply := s.SendCommand(context.Background(), protocol.Home{Motor: m})
			if !reply.OK {
				return &CommandError{Command: protocol.CmdHome, Motor: m, Reply: reply}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		s.raise(fmt.Sprintf("resolve failed: %v", err), false)
		return fmt.Errorf("resolve: %w", err)
	}

	s.mu.Lock()
	if s.state == StateError {
		s.mu.Unlock()
		return fmt.Errorf("resolve interrupted: %w", ErrMachineInError)
	}
	s.emergency = false
	s.reasons = nil
	if s.state == StateHoming {
		_ = s.transitionLocked(StateIdle)
	}
	s.mu.Unlock()

	s.logger.Info("Machine error resolved")
	return nil
}

func checkMotor(motor int) error {
	if motor < 0 || motor >= protocol.Actuators {
		return fmt.Errorf("%w: %d", ErrInvalidMotor, motor)
	}
	return nil
}

// enter moves into a motion state unless the machine is in ERROR and
// returns the state to fall back to if the bridge refuses.
func (s *Supervisor) enter(to State) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateError {
		return s.state, ErrMachineInError
	}
	prev := s.state
	if err := s.transitionLocked(to); err != nil {
		return prev, err
	}
	s.lastCommand = time.Now()
	return prev, nil
}

// revert falls back to prev if nothing else moved the machine meanwhile.
func (s *Supervisor) revert(from, prev State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == from && prev != StateError {
		_ = s.transitionLocked(prev)
	}
}

func (s *Supervisor) MoveAbsolute(ctx context.Context, motor int, angle float64) error {
	if err := checkMotor(motor); err != nil {
		return err
	}

	prev, err := s.enter(StateWorking)
	if err != nil {
		s.logger.Warn("Move rejected",
			zap.Int("motor", motor),
			zap.Float64("pos", angle),
			zap.Error(err))
		return err
	}

	s.logger.Info("Moving motor", zap.Int("motor", motor), zap.Float64("pos", angle))

	reply := s.SendCommand(ctx, protocol.Move{Motor: motor, Pos: angle})
	if !reply.OK {
		s.revert(StateWorking, prev)
		return &CommandError{Command: protocol.CmdMove, Motor: motor, Reply: reply}
	}
	return nil
}

func (s *Supervisor) MoveIncremental(ctx context.Context, motor int, delta float64) error {
	if err := checkMotor(motor); err != nil {
		return err
	}
	return s.MoveAbsolute(ctx, motor, s.store.Motor(motor).Pos+delta)
}

// Stop is accepted in every state.
func (s *Supervisor) Stop(ctx context.Context, motor int) error {
	if err := checkMotor(motor); err != nil {
		return err
	}

	reply := s.SendCommand(ctx, protocol.Stop{Motor: motor})
	if !reply.OK {
		return &CommandError{Command: protocol.CmdStop, Motor: motor, Reply: reply}
	}

	s.mu.Lock()
	if (s.state == StateWorking || s.state == StateHoming) && s.activeJobs == 0 && !s.resolving {
		_ = s.transitionLocked(StateIdle)
	}
	s.mu.Unlock()
	return nil
}

func (s *Supervisor) Home(ctx context.Context, motor int) error {
	if err := checkMotor(motor); err != nil {
		return err
	}

	prev, err := s.enter(StateHoming)
	if err != nil {
		return err
	}

	reply := s.SendCommand(ctx, protocol.Home{Motor: motor})
	if !reply.OK {
		s.revert(StateHoming, prev)
		return &CommandError{Command: protocol.CmdHome, Motor: motor, Reply: reply}
	}
	return nil
}

func (s *Supervisor) HomeAll(ctx context.Context) error {
	prev, err := s.enter(StateHoming)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for m := 0; m < protocol.Actuators; m++ {
		g.Go(func() error {
			reply := s.SendCommand(gctx, protocol.Home{Motor: m})
			if !reply.OK {
				return &CommandError{Command: protocol.CmdHome, Motor: m, Reply: reply}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		s.revert(StateHoming, prev)
		return err
	}
	return nil
}

func (s *Supervisor) SetLamp(ctx context.Context, lamp LampState) error {
	reply := s.SendCommand(ctx, lamp.command())
	if !reply.OK {
		return &CommandError{Command: protocol.CmdLamp, Motor: -1, Reply: reply}
	}

	s.mu.Lock()
	s.lampSent = &lamp
	s.mu.Unlock()
	return nil
}

func (s *Supervisor) SetMotorParams(ctx context.Context, motor int, maxSpeed, acceleration *float64) error {
	if err := checkMotor(motor); err != nil {
		return err
	}
	reply := s.SendCommand(ctx, protocol.Set{Motor: motor, MaxSpeed: maxSpeed, Acceleration: acceleration})
	if !reply.OK {
		return &CommandError{Command: protocol.CmdSet, Motor: motor, Reply: reply}
	}
	return nil
}

// SaveParams asks the bridge to persist its motion parameters.
func (s *Supervisor) SaveParams(ctx context.Context) error {
	if reply := s.SendCommand(ctx, protocol.Save{}); !reply.OK {
		return &CommandError{Command: protocol.CmdSave, Motor: -1, Reply: reply}
	}
	return nil
}

// LoadParams restores the bridge's persisted motion parameters.
func (s *Supervisor) LoadParams(ctx context.Context) error {
	if reply := s.SendCommand(ctx, protocol.Load{}); !reply.OK {
		return &CommandError{Command: protocol.CmdLoad, Motor: -1, Reply: reply}
	}
	return nil
}

// BeginJob keeps the machine from settling back to IDLE while a sequence
// is between moves. The returned func ends the job.
func (s *Supervisor) BeginJob() func() {
	s.mu.Lock()
	s.activeJobs++
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.activeJobs--
			s.lastCommand = time.Now()
			s.mu.Unlock()
		})
	}
}

// WaitUntilArrived polls the telemetry of motor until it is within the
// arrival tolerance of target. It fails with a *MotionError on timeout, on a
// stop fault of that motor or when the emergency flag rises.
func (s *Supervisor) WaitUntilArrived(ctx context.Context, motor int, target float64) error {
	if err := checkMotor(motor); err != nil {
		return err
	}

	start := time.Now()
	timer := time.NewTimer(s.cfg.ArrivalTimeout)
	defer timer.Stop()
	ticker := time.NewTicker(s.cfg.ArrivalPoll)
	defer ticker.Stop()

	for {
		arrived, err := s.checkArrival(motor, target, start)
		if err != nil || arrived {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			m := s.store.Motor(motor)
			s.logger.Warn("Motion timeout",
				zap.Int("motor", motor),
				zap.Float64("pos", m.Pos),
				zap.Float64("target", target))
			return &MotionError{Kind: MotionTimeout, Motor: motor, Target: target, Pos: m.Pos, Elapsed: time.Since(start)}
		case <-ticker.C:
		}
	}
}

// checkArrival lets an arrival within tolerance win over a stop condition
// seen on the same poll.
func (s *Supervisor) checkArrival(motor int, target float64, start time.Time) (bool, error) {
	m := s.store.Motor(motor)

	if math.Abs(m.Pos-target) <= s.cfg.ArrivalTolerance {
		return true, nil
	}

	if s.store.Limit(motor) || m.State == MotorStateError {
		detail := "limit switch asserted"
		if m.State == MotorStateError {
			detail = "drive reports ERROR"
		}
		return false, &MotionError{Kind: MotorStop, Motor: motor, Target: target, Pos: m.Pos, Elapsed: time.Since(start), Detail: detail}
	}

	if s.IsEmergency() {
		s.goEffect(func() {
			if reply := s.SendCommand(context.Background(), protocol.Stop{Motor: motor}); !reply.OK {
				s.logger.Error("Abort stop not acknowledged", zap.Int("motor", motor), zap.String("err", reply.Err))
			}
		})
		return false, &MotionError{Kind: EmergencyAbort, Motor: motor, Target: target, Pos: m.Pos, Elapsed: time.Since(start)}
	}

	return false, nil
}

func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Supervisor) IsEmergency() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.emergency
}

func (s *Supervisor) Reasons() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.reasons)
}

func (s *Supervisor) ErrorLog() []ErrorEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.errorLog)
}

func (s *Supervisor) Motor(id int) (MotorTelemetry, error) {
	if err := checkMotor(id); err != nil {
		return MotorTelemetry{}, err
	}
	m := s.store.Motor(id)
	m.IsHome = math.Abs(m.Pos-s.homes[id]) < homeTolerance
	return m, nil
}

func (s *Supervisor) IsHome(id int) (bool, error) {
	m, err := s.Motor(id)
	if err != nil {
		return false, err
	}
	return m.IsHome, nil
}

func (s *Supervisor) Status() MachineStatus {
	s.mu.RLock()
	state := s.state
	emergency := s.emergency
	reasons := slices.Clone(s.reasons)
	jobs := s.activeJobs
	changed := s.lastStateChange
	s.mu.RUnlock()

	motors := s.store.Motors()
	for i := range motors {
		motors[i].IsHome = math.Abs(motors[i].Pos-s.homes[i]) < homeTolerance
	}
	lamp := s.store.Lamp()
	buttons := s.store.Buttons()
	_, lastFrame := s.store.Frames()

	if reasons == nil {
		reasons = []string{}
	}

	return MachineStatus{
		State:           state,
		Emergency:       emergency,
		Reason:          strings.Join(reasons, "; "),
		Reasons:         reasons,
		Lamp:            lamp,
		ColorLight:      lamp.Color(),
		Motors:          motors,
		Limits:          s.store.Limits(),
		Buttons:         buttons,
		ButtonsOn:       buttons.Pressed(),
		ActiveJobs:      jobs,
		LastStateChange: changed,
		LastFrame:       lastFrame,
	}
}

func (s *Supervisor) Health() Health {
	frames, last := s.store.Frames()

	s.mu.RLock()
	defer s.mu.RUnlock()

	h := Health{
		Running:    s.running.Load(),
		State:      s.state,
		Emergency:  s.emergency,
		Subscribed: s.sub != nil,
		Frames:     frames,
	}
	if !last.IsZero() {
		h.FrameAge = time.Since(last)
	}
	return h
}
