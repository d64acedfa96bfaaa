package optim

import (
	"fmt"
	"math"
)

// Schedule maps a step count to a learning rate.
type Schedule interface {
	Name() string
	LR(step int) float64
}

type ConstSchedule struct {
	Base float64
}

func (ConstSchedule) Name() string { return "const" }

func (s ConstSchedule) LR(_ int) float64 { return s.Base }

// CosineSchedule follows the closed form of cosine annealing:
// min + (base-min) * (1 + cos(pi*step/TMax)) / 2.
type CosineSchedule struct {
	Base float64
	Min  float64
	TMax int
}

func (CosineSchedule) Name() string { return "cosine" }

func (s CosineSchedule) LR(step int) float64 {
	if s.TMax <= 0 {
		return s.Base
	}
	return s.Min + (s.Base-s.Min)*(1+math.Cos(math.Pi*float64(step)/float64(s.TMax)))/2
}

// StepSchedule multiplies the rate by Gamma every Every steps.
type StepSchedule struct {
	Base  float64
	Gamma float64
	Every int
}

func (StepSchedule) Name() string { return "step" }

func (s StepSchedule) LR(step int) float64 {
	if s.Every <= 0 {
		return s.Base
	}
	return s.Base * math.Pow(s.Gamma, float64(step/s.Every))
}

// Scheduler drives an optimizer's learning rate from a Schedule.
type Scheduler struct {
	schedule Schedule
	opt      Optimizer
	step     int
}

func NewScheduler(schedule Schedule, opt Optimizer) *Scheduler {
	opt.SetLR(schedule.LR(0))
	return &Scheduler{schedule: schedule, opt: opt}
}

// Step advances one step and applies the new rate.
func (s *Scheduler) Step() {
	s.step++
	s.opt.SetLR(s.schedule.LR(s.step))
}

func (s *Scheduler) Steps() int { return s.step }

func (s *Scheduler) Schedule() Schedule { return s.schedule }

// ScheduleFromConfig builds a named schedule. param is TMax for cosine and the
// step interval for step.
func ScheduleFromConfig(name string, base float64, param int) (Schedule, error) {
	switch NormalizeScheduleName(name) {
	case "const":
		return ConstSchedule{Base: base}, nil
	case "cosine":
		tmax := param
		if tmax < 1 {
			tmax = 1
		}
		return CosineSchedule{Base: base, TMax: tmax}, nil
	case "step":
		every := param
		if every < 1 {
			every = 1
		}
		return StepSchedule{Base: base, Gamma: 0.1, Every: every}, nil
	default:
		return nil, fmt.Errorf("unsupported learning rate schedule: %s", name)
	}
}

func NormalizeScheduleName(name string) string {
	switch name {
	case "", "cosine", "cosine_annealing":
		return "cosine"
	case "const", "constant", "fixed":
		return "const"
	case "step":
		return "step"
	default:
		return name
	}
}
