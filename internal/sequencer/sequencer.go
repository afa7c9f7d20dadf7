package sequencer

import (
	"context"
	"fmt"
	"time"

	"github.com/KevinKickass/OpenPhotoRig/internal/camera"
	"github.com/KevinKickass/OpenPhotoRig/internal/protocol"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Motion is the part of the supervisor a sequence drives.
type Motion interface {
	MoveAbsolute(ctx context.Context, motor int, angle float64) error
	WaitUntilArrived(ctx context.Context, motor int, target float64) error
	HomePosition(motor int) float64
}

type Capturer interface {
	Capture(ctx context.Context, camera string, actuator int, angle float64) (*camera.Capture, error)
}

// Sequencer moves one actuator through its stops, optionally capturing a
// frame at each.
type Sequencer struct {
	motion   Motion
	capturer Capturer
	dwell    time.Duration
	logger   *zap.Logger
}

func New(motion Motion, capturer Capturer, dwell time.Duration, logger *zap.Logger) *Sequencer {
	return &Sequencer{
		motion:   motion,
		capturer: capturer,
		dwell:    dwell,
		logger:   logger,
	}
}

// Run visits targets in order. Any move or arrival fault aborts the rest of
// the sequence and the captures taken so far are discarded. Only a sequence
// that reached its last stop parks the actuator at home.
func (s *Sequencer) Run(ctx context.Context, motor int, cam string, targets []float64, capture bool) ([]camera.Capture, error) {
	captures := make([]camera.Capture, 0, len(targets))
	if capture && cam == "" {
		s.logger.Warn("No camera bound to actuator, frames are skipped", zap.Int("motor", motor))
	}

	for i, target := range targets {
		if err := s.visit(ctx, motor, target); err != nil {
			if len(captures) > 0 {
				s.logger.Warn("Discarding partial captures",
					zap.Int("motor", motor),
					zap.Int("discarded", len(captures)))
			}
			return nil, fmt.Errorf("motor %d stop %d (%.2f): %w", motor, i, target, err)
		}

		if !capture || cam == "" {
			continue
		}
		c, err := s.capturer.Capture(ctx, cam, motor, target)
		if err != nil {
			return nil, fmt.Errorf("motor %d capture at %.2f: %w", motor, target, err)
		}
		if c == nil {
			s.logger.Warn("No frame at stop", zap.Int("motor", motor), zap.String("camera", cam), zap.Float64("angle", target))
			continue
		}
		captures = append(captures, *c)
	}

	home := s.motion.HomePosition(motor)
	if err := s.motion.MoveAbsolute(ctx, motor, home); err != nil {
		return nil, fmt.Errorf("motor %d return home: %w", motor, err)
	}

	s.logger.Info("Sequence finished",
		zap.Int("motor", motor),
		zap.Int("stops", len(targets)),
		zap.Int("captures", len(captures)))
	return captures, nil
}

func (s *Sequencer) visit(ctx context.Context, motor int, target float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.motion.MoveAbsolute(ctx, motor, target); err != nil {
		return err
	}
	if err := s.motion.WaitUntilArrived(ctx, motor, target); err != nil {
		return err
	}

	t := time.NewTimer(s.dwell)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// PairResult holds the captures of both actuators, indexed by actuator.
type PairResult struct {
	Captures [protocol.Actuators][]camera.Capture
}

func (p *PairResult) Total() int {
	n := 0
	for _, c := range p.Captures {
		n += len(c)
	}
	return n
}

// RunPair runs both actuators together. They fail together: the first fault
// cancels the sibling and is returned.
func (s *Sequencer) RunPair(ctx context.Context, seqs [protocol.Actuators][]float64, cams [protocol.Actuators]string, capture bool) (*PairResult, error) {
	var result PairResult
	g, gctx := errgroup.WithContext(ctx)

	for motor := 0; motor < protocol.Actuators; motor++ {
		g.Go(func() error {
			captures, err := s.Run(gctx, motor, cams[motor], seqs[motor], capture)
			if err != nil {
				return err
			}
			result.Captures[motor] = captures
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &result, nil
}
