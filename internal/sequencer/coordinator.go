package sequencer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KevinKickass/OpenPhotoRig/internal/machine"
	"github.com/KevinKickass/OpenPhotoRig/internal/planner"
	"github.com/KevinKickass/OpenPhotoRig/internal/protocol"
	"github.com/KevinKickass/OpenPhotoRig/internal/storage"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	EventRunStarted  = "run_started"
	EventRunFinished = "run_finished"

	maxRunHistory = 50
)

var ErrRunInProgress = errors.New("a run is already in progress")

// Supervisor is what the coordinator needs from the machine supervisor.
type Supervisor interface {
	Motion
	BeginJob() func()
	IsEmergency() bool
	RaiseEmergency(reason string)
}

type Purger interface {
	Purge() (int, error)
}

type RunRecorder interface {
	SaveRun(ctx context.Context, run *storage.RunRecord) error
}

// Result is the outcome of one move-set or shoot request.
type Result struct {
	Run      storage.RunRecord `json:"run"`
	Plan     *planner.Plan     `json:"plan"`
	Captures *PairResult       `json:"captures,omitempty"`
}

type CoordinatorOptions struct {
	Cameras [protocol.Actuators]string
	Dwell   time.Duration
}

// Coordinator turns a target set into a planned, executed pair of sequences.
type Coordinator struct {
	logger    *zap.Logger
	sup       Supervisor
	optimizer *planner.Optimizer
	seq       *Sequencer
	setpoints storage.SetpointStore
	purger    Purger
	cameras   [protocol.Actuators]string

	recorder  RunRecorder
	publisher machine.Publisher

	running atomic.Bool
	mu      sync.RWMutex
	runs    []storage.RunRecord
}

func NewCoordinator(
	sup Supervisor,
	optimizer *planner.Optimizer,
	capturer Capturer,
	purger Purger,
	setpoints storage.SetpointStore,
	opts CoordinatorOptions,
	logger *zap.Logger,
) *Coordinator {
	return &Coordinator{
		logger:    logger,
		sup:       sup,
		optimizer: optimizer,
		seq:       New(sup, capturer, opts.Dwell, logger),
		setpoints: setpoints,
		purger:    purger,
		cameras:   opts.Cameras,
	}
}

func (c *Coordinator) SetRunRecorder(r RunRecorder) {
	c.recorder = r
}

func (c *Coordinator) SetPublisher(p machine.Publisher) {
	c.publisher = p
}

// MoveSet visits the targets without capturing.
func (c *Coordinator) MoveSet(ctx context.Context, targets []float64) (*Result, error) {
	return c.execute(ctx, targets, false)
}

// Shoot visits the targets and captures a frame at every stop. An empty
// target list reuses the persisted setpoints.
func (c *Coordinator) Shoot(ctx context.Context, targets []float64) (*Result, error) {
	return c.execute(ctx, targets, true)
}

// ShotHook is installed as the supervisor's shot-button action.
func (c *Coordinator) ShotHook(ctx context.Context) error {
	_, err := c.Shoot(ctx, nil)
	return err
}

func (c *Coordinator) Setpoints(ctx context.Context) ([]float64, error) {
	return c.setpoints.LoadSetpoints(ctx)
}

// Runs returns the most recent runs, newest first.
func (c *Coordinator) Runs() []storage.RunRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]storage.RunRecord, len(c.runs))
	for i, r := range c.runs {
		out[len(c.runs)-1-i] = r
	}
	return out
}

func (c *Coordinator) execute(ctx context.Context, targets []float64, capture bool) (*Result, error) {
	if c.sup.IsEmergency() {
		return nil, machine.ErrMachineInError
	}
	if !c.running.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	defer c.running.Store(false)

	targets, err := c.resolveTargets(ctx, targets)
	if err != nil {
		return nil, err
	}

	plan := c.optimizer.Optimize(targets)
	if len(plan.Dropped) > 0 {
		c.logger.Warn("Targets outside the reachable arc dropped", zap.Float64s("dropped", plan.Dropped))
	}
	if len(plan.Unassigned) > 0 {
		c.logger.Warn("Targets left unassigned at tick bound", zap.Float64s("unassigned", plan.Unassigned))
	}

	if capture && c.purger != nil {
		if _, err := c.purger.Purge(); err != nil {
			c.logger.Warn("Failed to purge image directory", zap.Error(err))
		}
	}

	run := storage.RunRecord{
		ID:        uuid.New(),
		Targets:   targets,
		Seq0:      plan.Seq0,
		Seq1:      plan.Seq1,
		Dropped:   plan.Dropped,
		Capture:   capture,
		Status:    storage.RunRunning,
		StartedAt: time.Now(),
	}
	c.record(ctx, &run, EventRunStarted)

	c.logger.Info("Run started",
		zap.String("run_id", run.ID.String()),
		zap.Bool("capture", capture),
		zap.Float64s("seq0", plan.Seq0),
		zap.Float64s("seq1", plan.Seq1),
		zap.Duration("estimated", plan.EstimatedDuration))

	done := c.sup.BeginJob()
	pair, err := c.seq.RunPair(ctx, [protocol.Actuators][]float64{plan.Sequence(0), plan.Sequence(1)}, c.cameras, capture)
	done()

	finished := time.Now()
	run.CompletedAt = &finished

	if err != nil {
		run.Status = storage.RunFailed
		run.Error = err.Error()
		c.logger.Error("Run failed",
			zap.String("run_id", run.ID.String()),
			zap.Error(err))
		if !c.sup.IsEmergency() {
			c.sup.RaiseEmergency(fmt.Sprintf("run %s aborted: %v", run.ID, err))
		}
		c.record(context.WithoutCancel(ctx), &run, EventRunFinished)
		return &Result{Run: run, Plan: plan}, err
	}

	run.Status = storage.RunCompleted
	run.Captures = pair.Total()
	c.record(ctx, &run, EventRunFinished)

	c.logger.Info("Run completed",
		zap.String("run_id", run.ID.String()),
		zap.Int("captures", run.Captures),
		zap.Duration("took", finished.Sub(run.StartedAt)))

	return &Result{Run: run, Plan: plan, Captures: pair}, nil
}

func (c *Coordinator) resolveTargets(ctx context.Context, targets []float64) ([]float64, error) {
	if len(targets) == 0 {
		stored, err := c.setpoints.LoadSetpoints(ctx)
		if err != nil {
			return nil, fmt.Errorf("load setpoints: %w", err)
		}
		c.logger.Info("Using persisted setpoints", zap.Int("count", len(stored)))
		return stored, nil
	}

	if err := c.setpoints.SaveSetpoints(ctx, targets); err != nil {
		c.logger.Warn("Failed to persist setpoints", zap.Error(err))
	}
	return targets, nil
}

func (c *Coordinator) record(ctx context.Context, run *storage.RunRecord, event string) {
	c.mu.Lock()
	if event == EventRunStarted {
		c.runs = append(c.runs, *run)
		if len(c.runs) > maxRunHistory {
			c.runs = c.runs[len(c.runs)-maxRunHistory:]
		}
	} else {
		for i := range c.runs {
			if c.runs[i].ID == run.ID {
				c.runs[i] = *run
			}
		}
	}
	c.mu.Unlock()

	if c.publisher != nil {
		c.publisher.Publish(machine.TopicMachine, event, *run)
	}
	if c.recorder != nil {
		if err := c.recorder.SaveRun(ctx, run); err != nil {
			c.logger.Warn("Failed to persist run", zap.String("run_id", run.ID.String()), zap.Error(err))
		}
	}
}
