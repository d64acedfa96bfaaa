package supernet

import (
	"fmt"
	"math/rand/v2"

	"github.com/pkg/errors"

	"gumbelnas/internal/costtable"
	"gumbelnas/internal/model"
	"gumbelnas/internal/ops"
	"gumbelnas/internal/tensor"
)

// MixedOp is one searchable position: every candidate operation of the
// catalog plus one theta per candidate.
type MixedOp struct {
	index      int
	names      []string
	candidates []ops.Transform
	theta      *tensor.Tensor
	costs      []float64
	out        ops.Shape
	execution  Execution
}

// LayerOutput is the result of one stochastic forward through a MixedOp.
type LayerOutput struct {
	Y *tensor.Tensor
	// Weights is the relaxed one-hot vector that produced Y.
	Weights *tensor.Tensor
	// Cost is sum_i Weights[i] * cost[layer, op_i].
	Cost *tensor.Tensor
	// Chosen is the sampled candidate for single-path execution, -1 otherwise.
	Chosen int
}

func NewMixedOp(index int, in ops.Shape, layer model.LayerSpec, catalog *ops.Catalog, table *costtable.Table, execution Execution, rng *rand.Rand) (*MixedOp, error) {
	names := catalog.Names()
	costs, err := table.Row(index, names)
	if err != nil {
		return nil, errors.Wrapf(err, "layer %d", index)
	}

	m := &MixedOp{
		index:     index,
		names:     names,
		theta:     tensor.Param([]int{len(names)}, thetaInit(len(names))),
		costs:     costs,
		execution: execution,
	}
	for i := 0; i < catalog.Len(); i++ {
		spec := catalog.Spec(i)
		op, err := spec.Build(in, layer, rng)
		if err != nil {
			return nil, errors.Wrapf(err, "layer %d: build %s", index, spec.Name)
		}
		shape := op.OutShape()
		if i == 0 {
			m.out = shape
		} else if shape != m.out {
			return nil, errors.Errorf("layer %d: %s produces %+v, %s produces %+v", index, spec.Name, shape, names[0], m.out)
		}
		m.candidates = append(m.candidates, op)
	}
	return m, nil
}

func (m *MixedOp) Index() int { return m.index }

func (m *MixedOp) Theta() *tensor.Tensor { return m.theta }

func (m *MixedOp) OutShape() ops.Shape { return m.out }

// RelaxedWeights is softmax((theta + noise) / temperature).
func (m *MixedOp) RelaxedWeights(noise []float64, temperature float64) *tensor.Tensor {
	return tensor.GumbelSoftmax(m.theta, noise, temperature)
}

func (m *MixedOp) Forward(x *tensor.Tensor, temperature float64, noise Noise) LayerOutput {
	weights := m.RelaxedWeights(noise.Gumbel(len(m.candidates)), temperature)
	out := LayerOutput{
		Weights: weights,
		Cost:    tensor.Dot(weights, m.costs),
		Chosen:  -1,
	}

	switch m.execution {
	case ExecutionSinglePath:
		i := noise.Pick(weights.Data)
		out.Chosen = i
		out.Y = tensor.ScaleBy(m.candidates[i].Forward(x), tensor.Index(weights, i))
	default:
		var sum *tensor.Tensor
		for i, op := range m.candidates {
			term := tensor.ScaleBy(op.Forward(x), tensor.Index(weights, i))
			if sum == nil {
				sum = term
			} else {
				sum = tensor.Add(sum, term)
			}
		}
		out.Y = sum
	}
	return out
}

func (m *MixedOp) weightParams() []ops.NamedParam {
	var out []ops.NamedParam
	for i, op := range m.candidates {
		for _, p := range op.Params() {
			out = append(out, ops.NamedParam{
				Name:   fmt.Sprintf("layers.%d.%s.%s", m.index, m.names[i], p.Name),
				Tensor: p.Tensor,
			})
		}
	}
	return out
}

func (m *MixedOp) thetaParam() ops.NamedParam {
	return ops.NamedParam{Name: fmt.Sprintf("layers.%d.thetas", m.index), Tensor: m.theta}
}
