package machine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/KevinKickass/OpenPhotoRig/internal/channel/channeltest"
	"github.com/KevinKickass/OpenPhotoRig/internal/config"
	"github.com/KevinKickass/OpenPhotoRig/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testOptions() Options {
	return Options{
		Supervisor: config.SupervisorConfig{
			ErrorMonitorPeriod: 10 * time.Millisecond,
			LampPeriod:         20 * time.Millisecond,
			ButtonPeriod:       5 * time.Millisecond,
			ArrivalPoll:        10 * time.Millisecond,
			ArrivalTimeout:     300 * time.Millisecond,
			ArrivalTolerance:   5,
			SettleGrace:        30 * time.Millisecond,
		},
		Bridge: config.BridgeConfig{
			CommandTimeout:   200 * time.Millisecond,
			ReceiveTimeout:   20 * time.Millisecond,
			ResubscribeDelay: 10 * time.Millisecond,
		},
		Homes: [protocol.Actuators]float64{30, 330},
	}
}

func newTestSupervisor(t *testing.T, opts Options) (*Supervisor, *channeltest.Fake) {
	t.Helper()
	fake := channeltest.NewFake()
	s := NewSupervisor(fake, protocol.MustCodec(), opts, zaptest.NewLogger(t))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s, fake
}

func startSupervisor(t *testing.T, s *Supervisor) {
	t.Helper()
	require.NoError(t, s.Start(context.Background()))
}

func drain(t *testing.T, s *Supervisor) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
}

func pos(v float64) *float64 { return &v }

func motorsAt(p0, p1 float64) protocol.StatusMessage {
	idle := "IDLE"
	zero := 0.0
	return protocol.StatusMessage{Motors: []protocol.MotorStatus{
		{Pos: pos(p0), Spd: &zero, State: &idle},
		{Pos: pos(p1), Spd: &zero, State: &idle},
	}}
}

func stopsFor(fake *channeltest.Fake, motor int) int {
	n := 0
	for _, c := range fake.CommandsOf(protocol.CmdStop) {
		if c.(protocol.Stop).Motor == motor {
			n++
		}
	}
	return n
}

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{StateIdle, StateWorking, true},
		{StateIdle, StateError, true},
		{StateWorking, StateIdle, true},
		{StateHoming, StateIdle, true},
		{StateError, StateHoming, true},
		{StateError, StateError, true},
		{StateError, StateIdle, false},
		{StateError, StateWorking, false},
		{State("BOGUS"), StateIdle, false},
	}

	for _, tt := range tests {
		err := ValidateTransition(tt.from, tt.to)
		if tt.ok {
			assert.NoError(t, err, "%s -> %s", tt.from, tt.to)
		} else {
			assert.Error(t, err, "%s -> %s", tt.from, tt.to)
		}
	}
}

func TestRaiseEmergency_StickyAndCumulative(t *testing.T) {
	s, fake := newTestSupervisor(t, testOptions())

	s.RaiseEmergency("first")
	assert.Equal(t, StateError, s.State())
	assert.True(t, s.IsEmergency())

	s.RaiseEmergency("second")
	assert.Equal(t, []string{"first", "second"}, s.Reasons())
	assert.Equal(t, "first; second", s.Status().Reason)
	assert.Len(t, s.ErrorLog(), 2)

	drain(t, s)

	// Entry effects ran once: one STOP per actuator and a red lamp.
	assert.Equal(t, 1, stopsFor(fake, 0))
	assert.Equal(t, 1, stopsFor(fake, 1))
	lamps := fake.CommandsOf(protocol.CmdLamp)
	require.Len(t, lamps, 1)
	assert.Equal(t, protocol.Lamp{R: true}, lamps[0])

	ctx := context.Background()
	assert.ErrorIs(t, s.MoveAbsolute(ctx, 0, 90), ErrMachineInError)
	assert.ErrorIs(t, s.MoveIncremental(ctx, 1, -5), ErrMachineInError)
	assert.ErrorIs(t, s.Home(ctx, 0), ErrMachineInError)
	assert.ErrorIs(t, s.HomeAll(ctx), ErrMachineInError)
	assert.Empty(t, fake.CommandsOf(protocol.CmdMove))

	// Stop stays available in ERROR.
	require.NoError(t, s.Stop(ctx, 0))
	assert.Equal(t, StateError, s.State())
}

func TestRaiseEmergency_FromEveryState(t *testing.T) {
	ctx := context.Background()
	setups := map[State]func(s *Supervisor) error{
		StateIdle:    func(*Supervisor) error { return nil },
		StateWorking: func(s *Supervisor) error { return s.MoveAbsolute(ctx, 0, 90) },
		StateHoming:  func(s *Supervisor) error { return s.Home(ctx, 1) },
	}

	for from, setup := range setups {
		t.Run(string(from), func(t *testing.T) {
			s, _ := newTestSupervisor(t, testOptions())
			require.NoError(t, setup(s))
			require.Equal(t, from, s.State())

			s.RaiseEmergency("")
			assert.Equal(t, StateError, s.State())
			assert.True(t, s.IsEmergency())
			assert.Equal(t, []string{"emergency raised"}, s.Reasons())
		})
	}
}

func TestResolve_AllAcknowledged(t *testing.T) {
	s, fake := newTestSupervisor(t, testOptions())
	s.RaiseEmergency("limit")

	require.NoError(t, s.Resolve(context.Background()))

	assert.Equal(t, StateIdle, s.State())
	assert.False(t, s.IsEmergency())
	assert.Empty(t, s.Reasons())

	homes := fake.CommandsOf(protocol.CmdHome)
	require.Len(t, homes, 2)
	assert.ElementsMatch(t, []protocol.Command{protocol.Home{Motor: 0}, protocol.Home{Motor: 1}}, homes)
}

func TestResolve_OneActuatorNaks(t *testing.T) {
	s, fake := newTestSupervisor(t, testOptions())
	fake.SetResponder(func(cmd protocol.Command) (protocol.Reply, error) {
		if h, ok := cmd.(protocol.Home); ok && h.Motor == 1 {
			return protocol.Reply{OK: false, Err: "HomeFail"}, nil
		}
		return protocol.Reply{OK: true}, nil
	})
	s.RaiseEmergency("limit")

	err := s.Resolve(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCommandRejected)

	assert.Equal(t, StateError, s.State())
	assert.True(t, s.IsEmergency())
	reasons := s.Reasons()
	require.Len(t, reasons, 2)
	assert.Equal(t, "limit", reasons[0])
	assert.Contains(t, reasons[1], "resolve failed")

	fake.SetResponder(func(protocol.Command) (protocol.Reply, error) { return protocol.Reply{OK: true}, nil })
	require.NoError(t, s.Resolve(context.Background()))
	assert.Equal(t, StateIdle, s.State())
	assert.False(t, s.IsEmergency())
}

func TestResolve_TimeoutKeepsError(t *testing.T) {
	opts := testOptions()
	opts.Bridge.CommandTimeout = 50 * time.Millisecond
	s, fake := newTestSupervisor(t, opts)
	s.RaiseEmergency("limit")
	drain(t, s)
	fake.AlwaysTimeout()

	err := s.Resolve(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCommandTimeout)
	assert.True(t, IsTimeout(err))
	assert.Equal(t, StateError, s.State())
}

func TestResolve_SingleFlight(t *testing.T) {
	s, fake := newTestSupervisor(t, testOptions())
	fake.SetResponder(func(cmd protocol.Command) (protocol.Reply, error) {
		if cmd.Type() == protocol.CmdHome {
			time.Sleep(50 * time.Millisecond)
		}
		return protocol.Reply{OK: true}, nil
	})
	s.RaiseEmergency("limit")

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Resolve(context.Background()))
		}()
	}
	wg.Wait()

	assert.Len(t, fake.CommandsOf(protocol.CmdHome), 2)
	assert.Equal(t, StateIdle, s.State())
}

func TestMoveAbsolute_RevertsOnNak(t *testing.T) {
	s, fake := newTestSupervisor(t, testOptions())
	fake.SetResponder(func(cmd protocol.Command) (protocol.Reply, error) {
		if cmd.Type() == protocol.CmdMove {
			return protocol.Reply{OK: false, Err: "Busy"}, nil
		}
		return protocol.Reply{OK: true}, nil
	})

	err := s.MoveAbsolute(context.Background(), 0, 90)

	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, protocol.CmdMove, cmdErr.Command)
	assert.ErrorIs(t, err, ErrCommandRejected)
	assert.Equal(t, StateIdle, s.State())
}

func TestMoveAbsolute_InvalidMotor(t *testing.T) {
	s, fake := newTestSupervisor(t, testOptions())

	assert.ErrorIs(t, s.MoveAbsolute(context.Background(), 2, 90), ErrInvalidMotor)
	assert.Empty(t, fake.Commands())
	assert.Equal(t, StateIdle, s.State())
}

func TestMoveIncremental_UsesTelemetry(t *testing.T) {
	s, fake := newTestSupervisor(t, testOptions())
	msg := motorsAt(100, 300)
	s.Store().Apply(&msg)

	require.NoError(t, s.MoveIncremental(context.Background(), 1, -20))

	moves := fake.CommandsOf(protocol.CmdMove)
	require.Len(t, moves, 1)
	assert.Equal(t, protocol.Move{Motor: 1, Pos: 280}, moves[0])
}

func TestWorkingSettlesToIdle(t *testing.T) {
	s, fake := newTestSupervisor(t, testOptions())
	startSupervisor(t, s)

	require.NoError(t, s.MoveAbsolute(context.Background(), 0, 90))
	assert.Equal(t, StateWorking, s.State())

	fake.PushStatus(motorsAt(90, 330))
	require.Eventually(t, func() bool { return s.State() == StateIdle }, 2*time.Second, 5*time.Millisecond)
}

func TestBeginJob_HoldsWorking(t *testing.T) {
	s, fake := newTestSupervisor(t, testOptions())
	startSupervisor(t, s)

	done := s.BeginJob()
	require.NoError(t, s.MoveAbsolute(context.Background(), 0, 90))
	fake.PushStatus(motorsAt(90, 330))

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, StateWorking, s.State())
	assert.Equal(t, 1, s.Status().ActiveJobs)

	done()
	done()
	require.Eventually(t, func() bool { return s.State() == StateIdle }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, s.Status().ActiveJobs)
}

func TestStop_ReturnsToIdle(t *testing.T) {
	s, _ := newTestSupervisor(t, testOptions())

	require.NoError(t, s.MoveAbsolute(context.Background(), 0, 90))
	require.NoError(t, s.Stop(context.Background(), 0))
	assert.Equal(t, StateIdle, s.State())
}

func TestHomeAll_RevertsOnFailure(t *testing.T) {
	s, fake := newTestSupervisor(t, testOptions())
	fake.SetResponder(func(cmd protocol.Command) (protocol.Reply, error) {
		if h, ok := cmd.(protocol.Home); ok && h.Motor == 0 {
			return protocol.Reply{OK: false, Err: "NoHome"}, nil
		}
		return protocol.Reply{OK: true}, nil
	})

	assert.Error(t, s.HomeAll(context.Background()))
	assert.Equal(t, StateIdle, s.State())
}

func TestWaitUntilArrived_Converging(t *testing.T) {
	s, _ := newTestSupervisor(t, testOptions())
	start := motorsAt(60, 330)
	s.Store().Apply(&start)

	go func() {
		for p := 65.0; p <= 90; p += 5 {
			time.Sleep(15 * time.Millisecond)
			msg := motorsAt(p, 330)
			s.Store().Apply(&msg)
		}
	}()

	began := time.Now()
	require.NoError(t, s.WaitUntilArrived(context.Background(), 0, 90))
	assert.Less(t, time.Since(began), testOptions().Supervisor.ArrivalTimeout)
}

func TestWaitUntilArrived_TimeoutTiming(t *testing.T) {
	if testing.Short() {
		t.Skip("runs for the full 8s arrival timeout")
	}

	opts := testOptions()
	opts.Supervisor.ArrivalTimeout = 8 * time.Second
	opts.Supervisor.ArrivalPoll = 100 * time.Millisecond
	s, _ := newTestSupervisor(t, opts)
	msg := motorsAt(84, 330)
	s.Store().Apply(&msg)

	began := time.Now()
	err := s.WaitUntilArrived(context.Background(), 0, 90)
	elapsed := time.Since(began)

	var motionErr *MotionError
	require.ErrorAs(t, err, &motionErr)
	assert.Equal(t, MotionTimeout, motionErr.Kind)
	assert.ErrorIs(t, err, ErrMotionTimeout)
	assert.GreaterOrEqual(t, elapsed, 7900*time.Millisecond)
	assert.Less(t, elapsed, 9*time.Second)
}

func TestWaitUntilArrived_StopFault(t *testing.T) {
	s, _ := newTestSupervisor(t, testOptions())
	msg := motorsAt(60, 330)
	msg.Limits = []protocol.Flag{true, false}
	s.Store().Apply(&msg)

	err := s.WaitUntilArrived(context.Background(), 0, 90)
	assert.ErrorIs(t, err, ErrMotorStop)

	faulted := "ERROR"
	msg = motorsAt(60, 330)
	msg.Limits = []protocol.Flag{false, false}
	msg.Motors[1].State = &faulted
	s.Store().Apply(&msg)

	err = s.WaitUntilArrived(context.Background(), 1, 200)
	var motionErr *MotionError
	require.ErrorAs(t, err, &motionErr)
	assert.Equal(t, MotorStop, motionErr.Kind)
	assert.Contains(t, motionErr.Error(), "drive reports ERROR")
}

func TestWaitUntilArrived_ArrivalWinsOverStop(t *testing.T) {
	s, fake := newTestSupervisor(t, testOptions())
	msg := motorsAt(88, 330)
	msg.Limits = []protocol.Flag{true, false}
	s.Store().Apply(&msg)

	assert.NoError(t, s.WaitUntilArrived(context.Background(), 0, 90))

	s.RaiseEmergency("operator")
	assert.NoError(t, s.WaitUntilArrived(context.Background(), 1, 327))

	drain(t, s)
	// Only the STOP from the error entry; an arrived wait sends no abort stop.
	assert.Equal(t, 1, stopsFor(fake, 1))
}

func TestWaitUntilArrived_EmergencyAbort(t *testing.T) {
	s, fake := newTestSupervisor(t, testOptions())
	msg := motorsAt(60, 330)
	s.Store().Apply(&msg)

	go func() {
		time.Sleep(30 * time.Millisecond)
		s.RaiseEmergency("operator")
	}()

	err := s.WaitUntilArrived(context.Background(), 1, 200)
	assert.ErrorIs(t, err, ErrEmergencyAbort)

	drain(t, s)
	// One STOP from the error entry and one from the aborted wait.
	assert.Equal(t, 2, stopsFor(fake, 1))
}

func TestLimitSwitch_ForcesErrorAndStop(t *testing.T) {
	s, fake := newTestSupervisor(t, testOptions())
	startSupervisor(t, s)
	require.Equal(t, StateIdle, s.State())

	fake.Push([]byte(`{"lim":[1,0]}`))

	require.Eventually(t, func() bool { return s.State() == StateError }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return stopsFor(fake, 0) >= 1 }, time.Second, time.Millisecond)
	assert.True(t, s.IsEmergency())
	assert.Equal(t, []bool{true, false}, s.Status().Limits)
	assert.Contains(t, s.Reasons()[0], "limit switch")
}

func TestLimitSwitch_IgnoredWhileHoming(t *testing.T) {
	opts := testOptions()
	opts.Supervisor.SettleGrace = 5 * time.Second
	s, fake := newTestSupervisor(t, opts)
	startSupervisor(t, s)

	require.NoError(t, s.Home(context.Background(), 0))
	fake.Push([]byte(`{"lim":[1,0]}`))

	require.Eventually(t, func() bool {
		frames, _ := s.Store().Frames()
		return frames >= 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, StateHoming, s.State())
	assert.False(t, s.IsEmergency())
}

func TestSendCommand_AlwaysTimeout(t *testing.T) {
	opts := testOptions()
	opts.Bridge.CommandTimeout = 80 * time.Millisecond
	s, fake := newTestSupervisor(t, opts)
	fake.AlwaysTimeout()
	startSupervisor(t, s)

	reply := s.SendCommand(context.Background(), protocol.Stop{Motor: 0})
	assert.Equal(t, protocol.Reply{OK: false, Err: "Timeout"}, reply)

	for i := 0; i < 3; i++ {
		fake.PushStatus(motorsAt(float64(40+i), 330))
	}
	require.Eventually(t, func() bool {
		frames, _ := s.Store().Frames()
		return frames == 3
	}, time.Second, 5*time.Millisecond)
	m, err := s.Motor(0)
	require.NoError(t, err)
	assert.Equal(t, 42.0, m.Pos)
}

func TestSendCommand_StrictlyIncreasingCID(t *testing.T) {
	s, fake := newTestSupervisor(t, testOptions())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.SendCommand(context.Background(), protocol.Save{})
		}()
	}
	wg.Wait()

	seen := map[int64]bool{}
	for _, r := range fake.Commands() {
		assert.False(t, seen[r.CID], "cid %d reused", r.CID)
		seen[r.CID] = true
	}
	assert.Len(t, seen, 10)
}

func TestSendCommand_InvalidCommandNeverSent(t *testing.T) {
	s, fake := newTestSupervisor(t, testOptions())

	reply := s.SendCommand(context.Background(), protocol.Move{Motor: 7, Pos: 10})
	assert.False(t, reply.OK)
	assert.NotEmpty(t, reply.Err)
	assert.Empty(t, fake.Commands())
}

func TestStatusListener_ResubscribesAndDropsInvalid(t *testing.T) {
	s, fake := newTestSupervisor(t, testOptions())
	fake.FailSubscribe(errors.New("bridge down"), errors.New("still down"))
	startSupervisor(t, s)

	require.Eventually(t, func() bool { return fake.Subscriptions() >= 3 }, time.Second, time.Millisecond)

	fake.Push([]byte(`{"m":"garbage"}`))
	fake.Push([]byte(`{"alive":1}`))
	fake.PushStatus(motorsAt(31, 329))

	require.Eventually(t, func() bool {
		frames, _ := s.Store().Frames()
		return frames == 2
	}, time.Second, time.Millisecond)
	assert.True(t, s.Health().Subscribed)
}

func TestButtons_HomeOncePerPress(t *testing.T) {
	opts := testOptions()
	opts.Supervisor.SettleGrace = 5 * time.Second
	s, fake := newTestSupervisor(t, opts)
	startSupervisor(t, s)

	for i := 0; i < 5; i++ {
		fake.Push([]byte(`{"btn":[0,0,1,0,0]}`))
	}
	require.Eventually(t, func() bool { return len(fake.CommandsOf(protocol.CmdHome)) == 2 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, fake.CommandsOf(protocol.CmdHome), 2)
	assert.Equal(t, StateHoming, s.State())

	fake.Push([]byte(`{"btn":[0,0,0,0,0]}`))
	fake.Push([]byte(`{"btn":[0,0,1,0,0]}`))
	require.Eventually(t, func() bool { return len(fake.CommandsOf(protocol.CmdHome)) == 4 }, time.Second, time.Millisecond)
}

func TestButtons_EmergencyEdge(t *testing.T) {
	s, fake := newTestSupervisor(t, testOptions())
	startSupervisor(t, s)

	fake.Push([]byte(`{"btn":[1,0,0,0,0]}`))

	require.Eventually(t, func() bool { return s.State() == StateError }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		for _, r := range s.Reasons() {
			if r == reasonEmergencyPressed {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)
	assert.Equal(t, []string{"emg"}, s.Status().ButtonsOn)
}

func TestButtons_ResolveExactlyOnce(t *testing.T) {
	s, fake := newTestSupervisor(t, testOptions())
	startSupervisor(t, s)
	s.RaiseEmergency("operator")

	fake.Push([]byte(`{"btn":[0,0,0,1,0]}`))

	require.Eventually(t, func() bool { return s.State() == StateIdle }, time.Second, time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, fake.CommandsOf(protocol.CmdHome), 2)
	assert.False(t, s.IsEmergency())
}

func TestButtons_ShotHook(t *testing.T) {
	s, fake := newTestSupervisor(t, testOptions())
	var shots atomic.Int32
	s.SetShotHandler(func(context.Context) error {
		shots.Add(1)
		return nil
	})
	startSupervisor(t, s)

	fake.Push([]byte(`{"btn":[0,1,0,0,0]}`))
	fake.Push([]byte(`{"btn":[0,1,0,0,0]}`))

	require.Eventually(t, func() bool { return shots.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.EqualValues(t, 1, shots.Load())
}

func TestErrorMonitor_DriveFaultAndConditions(t *testing.T) {
	s, fake := newTestSupervisor(t, testOptions())
	var cameraLost atomic.Bool
	s.AddCondition(func() (string, bool) {
		return "camera cam0 connection lost", cameraLost.Load()
	})
	startSupervisor(t, s)

	fake.Push([]byte(`{"m":[{"pos":30,"spd":0,"state":"ERROR"},{"pos":330,"spd":0,"state":"IDLE"}]}`))
	require.Eventually(t, func() bool { return s.State() == StateError }, time.Second, time.Millisecond)

	cameraLost.Store(true)
	require.Eventually(t, func() bool { return len(s.Reasons()) == 2 }, time.Second, time.Millisecond)

	// Monitor-derived reasons are not repeated on every pass.
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, []string{"motor 0 reports ERROR", "camera cam0 connection lost"}, s.Reasons())
}

func TestLampController_FollowsState(t *testing.T) {
	s, fake := newTestSupervisor(t, testOptions())
	startSupervisor(t, s)

	lampSent := func(want protocol.Lamp) func() bool {
		return func() bool {
			for _, c := range fake.CommandsOf(protocol.CmdLamp) {
				if c == want {
					return true
				}
			}
			return false
		}
	}

	require.Eventually(t, lampSent(protocol.Lamp{G: true}), time.Second, time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	assert.Len(t, fake.CommandsOf(protocol.CmdLamp), 1)

	require.NoError(t, s.MoveAbsolute(context.Background(), 0, 90))
	require.Eventually(t, lampSent(protocol.Lamp{Y: true}), time.Second, time.Millisecond)
}

func TestStatus_Snapshot(t *testing.T) {
	s, _ := newTestSupervisor(t, testOptions())
	msg := motorsAt(30.2, 300)
	msg.Buttons = []protocol.Flag{false, true, false, true, false}
	msg.Lamp = &protocol.LampStatus{Y: true}
	s.Store().Apply(&msg)

	st := s.Status()
	assert.Equal(t, StateIdle, st.State)
	assert.Equal(t, "y", st.ColorLight)
	assert.Equal(t, []string{"shot", "resolve"}, st.ButtonsOn)
	require.Len(t, st.Motors, 2)
	assert.True(t, st.Motors[0].IsHome)
	assert.False(t, st.Motors[1].IsHome)
	assert.Equal(t, "", st.Reason)

	home, err := s.IsHome(0)
	require.NoError(t, err)
	assert.True(t, home)
	_, err = s.IsHome(3)
	assert.ErrorIs(t, err, ErrInvalidMotor)
}

func TestSetMotorParams(t *testing.T) {
	s, fake := newTestSupervisor(t, testOptions())
	acc := 400.0

	require.NoError(t, s.SetMotorParams(context.Background(), 1, nil, &acc))
	require.NoError(t, s.SaveParams(context.Background()))
	require.NoError(t, s.LoadParams(context.Background()))

	types := make([]string, 0, 3)
	for _, r := range fake.Commands() {
		types = append(types, string(r.Command.Type()))
	}
	assert.Equal(t, "SET,SAVE,LOAD", strings.Join(types, ","))
	assert.Equal(t, protocol.Set{Motor: 1, Acceleration: &acc}, fake.CommandsOf(protocol.CmdSet)[0])
}
