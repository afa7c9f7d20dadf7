// Package planner splits a set of target angles between the two camera arms
// so that both arms can sweep their share concurrently without ever closing
// the gap between them below the minimum separation.
package planner

import (
	"math"
	"sort"
	"time"
)

const epsilon = 1e-9

type Config struct {
	Home0             float64
	Home1             float64
	MinSeparation     float64
	Fallback          float64
	HitRange          float64
	MaxTicks          int
	MoveTimePerDegree time.Duration
}

// DefaultConfig matches the calibration of the production rig.
func DefaultConfig() Config {
	return Config{
		Home0:             30,
		Home1:             330,
		MinSeparation:     20,
		Fallback:          15,
		HitRange:          45,
		MaxTicks:          360,
		MoveTimePerDegree: 20 * time.Millisecond,
	}
}

// Assignment records the sweep instant at which a cursor claimed a target.
type Assignment struct {
	Tick          int     `json:"tick"`
	Actuator      int     `json:"actuator"`
	Angle         float64 `json:"angle"`
	Position      float64 `json:"position"`
	OtherPosition float64 `json:"other_position"`
}

type Plan struct {
	Seq0              []float64     `json:"seq0"`
	Seq1              []float64     `json:"seq1"`
	Ticks             int           `json:"ticks"`
	EstimatedDuration time.Duration `json:"estimated_duration"`
	Dropped           []float64     `json:"dropped,omitempty"`
	Unassigned        []float64     `json:"unassigned,omitempty"`
	Assignments       []Assignment  `json:"assignments,omitempty"`
}

// Sequence returns the visit order of the given actuator.
func (p *Plan) Sequence(actuator int) []float64 {
	if actuator == 0 {
		return p.Seq0
	}
	return p.Seq1
}

// Total is the number of targets the plan visits.
func (p *Plan) Total() int {
	return len(p.Seq0) + len(p.Seq1)
}

type Optimizer struct {
	cfg Config
}

func NewOptimizer(cfg Config) *Optimizer {
	return &Optimizer{cfg: cfg}
}

func (o *Optimizer) Config() Config {
	return o.cfg
}

// sweep works in normalised coordinates: 0 is home0, span is home1, and
// cursor 0 always stays below cursor 1.
type sweep struct {
	cfg       Config
	dir       float64
	span      float64
	cursor    [2]float64
	leader    int
	remaining []target
	plan      *Plan
}

type target struct {
	u     float64
	angle float64
}

// Optimize never fails: out-of-range targets end up in Dropped, targets the
// tick bound left behind end up in Unassigned.
func (o *Optimizer) Optimize(targets []float64) *Plan {
	plan := &Plan{Seq0: []float64{}, Seq1: []float64{}}

	lo := math.Min(o.cfg.Home0, o.cfg.Home1)
	hi := math.Max(o.cfg.Home0, o.cfg.Home1)

	dir := 1.0
	if o.cfg.Home1 < o.cfg.Home0 {
		dir = -1.0
	}

	seen := make(map[float64]bool, len(targets))
	var remaining []target
	for _, t := range targets {
		if math.IsNaN(t) || seen[t] {
			continue
		}
		seen[t] = true
		if t < lo || t > hi {
			plan.Dropped = append(plan.Dropped, t)
			continue
		}
		remaining = append(remaining, target{u: (t - o.cfg.Home0) * dir, angle: t})
	}

	if len(remaining) == 0 {
		return plan
	}

	s := &sweep{
		cfg:       o.cfg,
		dir:       dir,
		span:      hi - lo,
		cursor:    [2]float64{0, hi - lo},
		remaining: remaining,
		plan:      plan,
	}

	// Homes closer than the separation leave no safe instant to claim anything.
	if s.gap() < o.cfg.MinSeparation {
		s.leaveUnassigned()
		return plan
	}

	s.claim(0, 0)
	s.claim(1, 0)

	for len(s.remaining) > 0 && plan.Ticks < o.cfg.MaxTicks {
		plan.Ticks++
		s.tick(plan.Ticks)
	}

	s.leaveUnassigned()
	plan.EstimatedDuration = time.Duration(plan.Ticks) * o.cfg.MoveTimePerDegree
	return plan
}

func (s *sweep) gap() float64 {
	return s.cursor[1] - s.cursor[0]
}

func (s *sweep) tick(n int) {
	if s.gap() >= s.cfg.HitRange {
		for actuator := 0; actuator < 2; actuator++ {
			if s.advance(actuator) {
				s.claim(actuator, n)
			}
		}
		return
	}

	if s.advance(s.leader) {
		s.claim(s.leader, n)
		return
	}

	follower := 1 - s.leader
	if s.atHome(follower) {
		s.retreat(s.leader)
		s.leader = follower
		return
	}
	s.retreat(follower)
}

// advance moves the cursor one degree toward the other arm unless the step
// would break the minimum separation.
func (s *sweep) advance(actuator int) bool {
	next := s.cursor[actuator] + 1
	if actuator == 1 {
		next = s.cursor[actuator] - 1
	}
	next = math.Max(0, math.Min(s.span, next))

	var gap float64
	if actuator == 0 {
		gap = s.cursor[1] - next
	} else {
		gap = next - s.cursor[0]
	}
	if gap < s.cfg.MinSeparation-epsilon {
		return false
	}
	s.cursor[actuator] = next
	return true
}

func (s *sweep) retreat(actuator int) {
	if actuator == 0 {
		s.cursor[0] = math.Max(0, s.cursor[0]-s.cfg.Fallback)
	} else {
		s.cursor[1] = math.Min(s.span, s.cursor[1]+s.cfg.Fallback)
	}
}

func (s *sweep) atHome(actuator int) bool {
	if actuator == 0 {
		return s.cursor[0] <= epsilon
	}
	return s.cursor[1] >= s.span-epsilon
}

// claim takes every remaining target the cursor has reached or passed, in the
// order the cursor met them.
func (s *sweep) claim(actuator, tick int) {
	pos := s.cursor[actuator]

	var claimed, kept []target
	for _, t := range s.remaining {
		reached := t.u <= pos+epsilon
		if actuator == 1 {
			reached = t.u >= pos-epsilon
		}
		if reached {
			claimed = append(claimed, t)
		} else {
			kept = append(kept, t)
		}
	}
	if len(claimed) == 0 {
		return
	}
	s.remaining = kept

	sort.Slice(claimed, func(i, j int) bool {
		if actuator == 0 {
			return claimed[i].u < claimed[j].u
		}
		return claimed[i].u > claimed[j].u
	})

	other := s.cursor[1-actuator]
	for _, t := range claimed {
		if actuator == 0 {
			s.plan.Seq0 = append(s.plan.Seq0, t.angle)
		} else {
			s.plan.Seq1 = append(s.plan.Seq1, t.angle)
		}
		s.plan.Assignments = append(s.plan.Assignments, Assignment{
			Tick:          tick,
			Actuator:      actuator,
			Angle:         t.angle,
			Position:      s.angle(pos),
			OtherPosition: s.angle(other),
		})
	}

	// Fall back so the neighbouring target is not taken on the next tick.
	s.retreat(actuator)
}

func (s *sweep) angle(u float64) float64 {
	return s.cfg.Home0 + u*s.dir
}

func (s *sweep) leaveUnassigned() {
	for _, t := range s.remaining {
		s.plan.Unassigned = append(s.plan.Unassigned, t.angle)
	}
	s.remaining = nil
	sort.Float64s(s.plan.Unassigned)
}
