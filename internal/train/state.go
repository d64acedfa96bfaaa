package train

import "math"

// Phase is the optimizer schedule of an epoch.
type Phase string

const (
	// PhaseWarmupWeights trains ordinary weights only; thetas stay fixed.
	PhaseWarmupWeights Phase = "warmup_weights"
	// PhaseJointSearch alternates a weight pass and a theta pass each epoch.
	PhaseJointSearch Phase = "joint_search"
)

// PhaseFor is a pure function of the epoch index: epochs before threshold
// warm up, every later epoch searches jointly.
func PhaseFor(epoch, threshold int) Phase {
	if epoch < threshold {
		return PhaseWarmupWeights
	}
	return PhaseJointSearch
}

// State is the mutable progress of one training run. Only the Trainer
// mutates it.
type State struct {
	Epoch       int     `json:"epoch"`
	Temperature float64 `json:"temperature"`
	Phase       Phase   `json:"phase"`
	BestTop1    float64 `json:"best_top1"`
	BestTopK    float64 `json:"best_topk"`
	BestEpoch   int     `json:"best_epoch"`
}

func NewState(initTemperature float64) State {
	return State{
		Temperature: initTemperature,
		Phase:       PhaseWarmupWeights,
		BestTop1:    math.Inf(-1),
		BestTopK:    math.Inf(-1),
		BestEpoch:   -1,
	}
}

// HasBest reports whether any validation result has been recorded.
func (s State) HasBest() bool { return s.BestEpoch >= 0 }

// beginEpoch anneals the temperature and resolves the phase of epoch.
func (s *State) beginEpoch(epoch, threshold int, rate float64) {
	s.Epoch = epoch
	s.Temperature *= rate
	s.Phase = PhaseFor(epoch, threshold)
}

// observe records a validation result and reports whether top-1 strictly
// improved on the best seen so far.
func (s *State) observe(epoch int, top1, topk float64) bool {
	if top1 <= s.BestTop1 {
		return false
	}
	s.BestTop1 = top1
	s.BestTopK = topk
	s.BestEpoch = epoch
	return true
}
