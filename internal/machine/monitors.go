package machine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/KevinKickass/OpenPhotoRig/internal/channel"
	"github.com/KevinKickass/OpenPhotoRig/internal/protocol"
	"go.uber.org/zap"
)

const (
	reasonEmergencyPressed = "emergency button pressed"
	reasonEmergencyHeld    = "emergency button held"
)

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (s *Supervisor) setSubscription(sub channel.Subscription) {
	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()
}

// statusListener keeps a subscription open for the supervisor's lifetime and
// resubscribes after any stream fault.
func (s *Supervisor) statusListener(ctx context.Context) {
	for ctx.Err() == nil {
		sub, err := s.ch.Subscribe()
		if err != nil {
			s.logger.Warn("Status subscribe failed",
				zap.Error(err),
				zap.Duration("retry_in", s.resubscribeDelay))
			if !sleepCtx(ctx, s.resubscribeDelay) {
				return
			}
			continue
		}
		s.setSubscription(sub)

		err = s.consume(ctx, sub)
		if ctx.Err() != nil {
			return
		}

		s.logger.Warn("Status stream faulted, resubscribing", zap.Error(err))
		s.setSubscription(nil)
		if cerr := sub.Close(); cerr != nil {
			s.logger.Debug("Failed to close faulted subscription", zap.Error(cerr))
		}
		if !sleepCtx(ctx, s.resubscribeDelay) {
			return
		}
	}
}

func (s *Supervisor) consume(ctx context.Context, sub channel.Subscription) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("status handler panicked: %v", r)
		}
	}()

	for {
		raw, err := sub.Receive(ctx)
		if err != nil {
			if errors.Is(err, channel.ErrReceiveTimeout) {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				continue
			}
			return err
		}

		msg, err := s.codec.DecodeStatus(raw)
		if err != nil {
			s.logger.Warn("Dropping invalid status frame", zap.Error(err))
			continue
		}
		s.ingest(msg)
	}
}

func (s *Supervisor) ingest(msg *protocol.StatusMessage) {
	s.store.Apply(msg)
	if msg.Keepalive() {
		return
	}

	if msg.AnyLimit() && s.State() != StateHoming {
		for i, l := range msg.Limits {
			if l {
				s.raise(fmt.Sprintf("limit switch triggered on motor %d", i), true)
			}
		}
	}

	s.mu.RLock()
	publisher := s.publisher
	s.mu.RUnlock()
	if publisher != nil && msg.Motors != nil {
		for i := range msg.Motors {
			if i >= protocol.Actuators {
				break
			}
			m, _ := s.Motor(i)
			publisher.Publish(TopicMotor(i), EventTelemetry, m)
		}
	}
}

func (s *Supervisor) errorMonitor(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ErrorMonitorPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkErrors(ctx)
			s.settle()
		}
	}
}

func (s *Supervisor) checkErrors(ctx context.Context) {
	for _, m := range s.store.Motors() {
		if m.State == MotorStateError {
			s.raise(fmt.Sprintf("motor %d reports ERROR", m.ID), true)
		}
	}

	if s.store.Buttons().Emergency {
		s.raise(reasonEmergencyHeld, true)
	}

	s.mu.RLock()
	conditions := s.conditions
	s.mu.RUnlock()
	for _, cond := range conditions {
		if reason, faulted := cond(); faulted {
			s.raise(reason, true)
		}
	}

	if s.State() == StateError && s.claimPress(protocol.ButtonResolve) {
		s.logger.Info("Resolve button pressed")
		s.goEffect(func() {
			if err := s.Resolve(ctx); err != nil {
				s.logger.Warn("Resolve from button failed", zap.Error(err))
			}
		})
	}
}

// settle returns WORKING or HOMING to IDLE once everything stands still, the
// grace period since the last command has passed and no job is running.
func (s *Supervisor) settle() {
	if !s.store.Stationary() {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateWorking && s.state != StateHoming {
		return
	}
	if s.resolving || s.activeJobs > 0 || time.Since(s.lastCommand) < s.cfg.SettleGrace {
		return
	}
	_ = s.transitionLocked(StateIdle)
}

func (s *Supervisor) lampController(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.LampPeriod)
	defer ticker.Stop()

	for {
		s.updateLamp(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Supervisor) updateLamp(ctx context.Context) {
	s.mu.RLock()
	want := LampFor(s.state)
	sent := s.lampSent
	s.mu.RUnlock()

	if sent != nil && *sent == want {
		return
	}
	if err := s.SetLamp(ctx, want); err != nil {
		s.logger.Warn("Failed to update lamp", zap.String("color", want.Color()), zap.Error(err))
	}
}

// claimPress returns true once for every new rising edge on a button slot,
// however many monitors look at it.
func (s *Supervisor) claimPress(slot int) bool {
	seen := s.store.Presses(slot)
	for {
		handled := s.handled[slot].Load()
		if seen <= handled {
			return false
		}
		if s.handled[slot].CompareAndSwap(handled, seen) {
			return true
		}
	}
}

func (s *Supervisor) buttonMonitor(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ButtonPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.handleButtons(ctx)
		}
	}
}

func (s *Supervisor) handleButtons(ctx context.Context) {
	if s.claimPress(protocol.ButtonEmergency) {
		s.logger.Warn("Emergency button pressed")
		s.RaiseEmergency(reasonEmergencyPressed)
	}

	if s.claimPress(protocol.ButtonHome) {
		s.logger.Info("Home button pressed")
		s.goEffect(func() {
			if err := s.HomeAll(ctx); err != nil {
				s.logger.Warn("Home from button failed", zap.Error(err))
			}
		})
	}

	if s.claimPress(protocol.ButtonResolve) {
		s.logger.Info("Resolve button pressed")
		s.goEffect(func() {
			if err := s.Resolve(ctx); err != nil {
				s.logger.Warn("Resolve from button failed", zap.Error(err))
			}
		})
	}

	if s.claimPress(protocol.ButtonShot) {
		s.mu.RLock()
		hook := s.shotHook
		s.mu.RUnlock()
		if hook == nil {
			return
		}
		s.logger.Info("Shot button pressed")
		s.goEffect(func() {
			if err := hook(ctx); err != nil {
				s.logger.Warn("Shot from button failed", zap.Error(err))
			}
		})
	}
}
