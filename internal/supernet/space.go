package supernet

import (
	"github.com/pkg/errors"

	"gumbelnas/internal/model"
	"gumbelnas/internal/ops"
	"gumbelnas/internal/tensor"
)

// Execution selects how a mixed-operation layer evaluates its candidates.
type Execution string

const (
	// ExecutionDense evaluates every candidate and sums them by relaxed weight.
	ExecutionDense Execution = "dense"
	// ExecutionSinglePath evaluates one sampled candidate scaled by its weight.
	ExecutionSinglePath Execution = "single_path"
)

func ParseExecution(name string) (Execution, error) {
	switch Execution(name) {
	case "", ExecutionDense:
		return ExecutionDense, nil
	case ExecutionSinglePath:
		return ExecutionSinglePath, nil
	default:
		return "", errors.Errorf("unsupported execution variant: %s", name)
	}
}

// SearchSpace fixes the stem, the searchable positions and the head.
type SearchSpace struct {
	Input        ops.Shape         `json:"input"`
	StemChannels int               `json:"stem_channels"`
	Layers       []model.LayerSpec `json:"layers"`
	Classes      int               `json:"classes"`
}

// DefaultSearchSpace is a reduced CIFAR-10 sized space.
func DefaultSearchSpace() SearchSpace {
	return SearchSpace{
		Input:        ops.Shape{C: 3, H: 32, W: 32},
		StemChannels: 16,
		Layers: []model.LayerSpec{
			{In: 16, Out: 16, Stride: 1},
			{In: 16, Out: 24, Stride: 2},
			{In: 24, Out: 24, Stride: 1},
			{In: 24, Out: 32, Stride: 2},
			{In: 32, Out: 32, Stride: 1},
			{In: 32, Out: 64, Stride: 2},
		},
		Classes: 10,
	}
}

func (s SearchSpace) Validate() error {
	if s.Input.C <= 0 || s.Input.H <= 0 || s.Input.W <= 0 {
		return errors.Errorf("invalid input shape %+v", s.Input)
	}
	if s.StemChannels <= 0 {
		return errors.New("stem channels must be positive")
	}
	if s.Classes < 2 {
		return errors.New("at least two classes are required")
	}
	if len(s.Layers) == 0 {
		return errors.New("search space has no searchable layers")
	}
	prev := s.StemChannels
	for i, layer := range s.Layers {
		if layer.In != prev {
			return errors.Errorf("layer %d expects %d input channels, previous layer produces %d", i, layer.In, prev)
		}
		if layer.Out <= 0 || layer.Stride <= 0 {
			return errors.Errorf("layer %d has invalid spec %+v", i, layer)
		}
		prev = layer.Out
	}
	return nil
}

// InputShapes returns the activation shape entering each searchable layer.
func (s SearchSpace) InputShapes() []ops.Shape {
	shapes := make([]ops.Shape, len(s.Layers))
	cur := ops.Shape{C: s.StemChannels, H: s.Input.H, W: s.Input.W}
	for i, layer := range s.Layers {
		shapes[i] = cur
		cur = ops.Shape{
			C: layer.Out,
			H: tensor.ConvOutputSize(cur.H, 1, layer.Stride, 0),
			W: tensor.ConvOutputSize(cur.W, 1, layer.Stride, 0),
		}
	}
	return shapes
}
