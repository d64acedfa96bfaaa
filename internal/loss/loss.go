package loss

import (
	"math"

	"github.com/pkg/errors"

	"gumbelnas/internal/tensor"
)

const (
	DefaultAlpha = 0.2
	DefaultBeta  = 0.6
)

// Composite is cross-entropy plus alpha * log(beta + cost).
type Composite struct {
	Alpha float64
	Beta  float64
}

func Default() Composite {
	return Composite{Alpha: DefaultAlpha, Beta: DefaultBeta}
}

// Breakdown reports the scalar components of one evaluation.
type Breakdown struct {
	Task     float64 `json:"task"`
	Cost     float64 `json:"cost"`
	CostTerm float64 `json:"cost_term"`
	Total    float64 `json:"total"`
}

func (c Composite) Validate() error {
	if c.Alpha < 0 || math.IsNaN(c.Alpha) || math.IsInf(c.Alpha, 0) {
		return errors.Errorf("loss alpha must be finite and nonnegative, got %v", c.Alpha)
	}
	if c.Beta <= 0 || math.IsNaN(c.Beta) || math.IsInf(c.Beta, 0) {
		return errors.Errorf("loss beta must be finite and positive, got %v", c.Beta)
	}
	return nil
}

// Evaluate combines the task loss of logits against labels with the total
// cost of the sampled architecture. The returned tensor is differentiable with
// respect to whichever parameters the inputs track.
func (c Composite) Evaluate(logits *tensor.Tensor, labels []int, cost *tensor.Tensor) (*tensor.Tensor, Breakdown) {
	task := tensor.CrossEntropy(logits, labels)
	term := tensor.MulConst(tensor.Log(tensor.AddConst(cost, c.Beta)), c.Alpha)
	total := tensor.Sum(task, term)
	return total, Breakdown{
		Task:     task.Item(),
		Cost:     cost.Item(),
		CostTerm: term.Item(),
		Total:    total.Item(),
	}
}

// CostTerm is alpha * log(beta + cost) for a plain value.
func (c Composite) CostTerm(cost float64) float64 {
	return c.Alpha * math.Log(c.Beta+cost)
}
