package ops

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/pkg/errors"

	"gumbelnas/internal/model"
	"gumbelnas/internal/tensor"
)

// DefaultOperations is the catalog order used when none is configured.
var DefaultOperations = []string{"ir_k3_e2", "ir_k5_e2", "conv_k1", "conv_k3", "conv_k5", "skip"}

func initializeBuiltInOperations() {
	MustRegister("skip", buildSkip, skipFLOPs)
	for _, k := range []int{1, 3, 5} {
		MustRegister(fmt.Sprintf("conv_k%d", k), convBuilder(k), convFLOPs(k))
	}
	for _, k := range []int{3, 5} {
		MustRegister(fmt.Sprintf("ir_k%d_e2", k), invertedResidualBuilder(k, 2), invertedResidualFLOPs(k, 2))
	}
}

// conv is a square convolution with bias and optional ReLU.
type conv struct {
	weight *tensor.Tensor
	bias   *tensor.Tensor
	stride int
	pad    int
	relu   bool
}

func newConv(rng *rand.Rand, in, out, kernel, stride int, relu bool) *conv {
	fanIn := in * kernel * kernel
	std := math.Sqrt(2.0 / float64(fanIn))
	w := make([]float64, out*fanIn)
	for i := range w {
		w[i] = rng.NormFloat64() * std
	}
	return &conv{
		weight: tensor.Param([]int{out, in, kernel, kernel}, w),
		bias:   tensor.Param([]int{out}, nil),
		stride: stride,
		pad:    kernel / 2,
		relu:   relu,
	}
}

func (c *conv) forward(x *tensor.Tensor) *tensor.Tensor {
	y := tensor.Conv2D(x, c.weight, c.bias, c.stride, c.pad)
	if c.relu {
		y = tensor.ReLU(y)
	}
	return y
}

func (c *conv) params(prefix string) []NamedParam {
	return []NamedParam{
		{Name: prefix + "weight", Tensor: c.weight},
		{Name: prefix + "bias", Tensor: c.bias},
	}
}

func outShape(in Shape, layer model.LayerSpec) Shape {
	return Shape{
		C: layer.Out,
		H: tensor.ConvOutputSize(in.H, 1, layer.Stride, 0),
		W: tensor.ConvOutputSize(in.W, 1, layer.Stride, 0),
	}
}

func checkLayer(in Shape, layer model.LayerSpec) error {
	if in.C != layer.In {
		return errors.Errorf("input has %d channels, layer expects %d", in.C, layer.In)
	}
	if layer.Out <= 0 || layer.Stride <= 0 {
		return errors.Errorf("invalid layer %+v", layer)
	}
	return nil
}

type identity struct{ shape Shape }

func (i identity) Forward(x *tensor.Tensor) *tensor.Tensor { return x }
func (i identity) Params() []NamedParam                    { return nil }
func (i identity) OutShape() Shape                         { return i.shape }

type convStack struct {
	convs    []*conv
	residual bool
	shape    Shape
}

func (s *convStack) Forward(x *tensor.Tensor) *tensor.Tensor {
	y := x
	for _, c := range s.convs {
		y = c.forward(y)
	}
	if s.residual {
		y = tensor.Add(y, x)
	}
	return y
}

func (s *convStack) Params() []NamedParam {
	var out []NamedParam
	for i, c := range s.convs {
		out = append(out, c.params(fmt.Sprintf("%d.", i))...)
	}
	return out
}

func (s *convStack) OutShape() Shape { return s.shape }

// buildSkip is the identity when the shape is preserved and a 1x1 strided
// projection otherwise.
func buildSkip(in Shape, layer model.LayerSpec, rng *rand.Rand) (Transform, error) {
	if err := checkLayer(in, layer); err != nil {
		return nil, err
	}
	if layer.In == layer.Out && layer.Stride == 1 {
		return identity{shape: in}, nil
	}
	return &convStack{
		convs: []*conv{newConv(rng, layer.In, layer.Out, 1, layer.Stride, true)},
		shape: outShape(in, layer),
	}, nil
}

func skipFLOPs(in Shape, layer model.LayerSpec) float64 {
	if layer.In == layer.Out && layer.Stride == 1 {
		return 0
	}
	out := outShape(in, layer)
	return float64(out.C * out.H * out.W * layer.In)
}

func convBuilder(k int) Builder {
	return func(in Shape, layer model.LayerSpec, rng *rand.Rand) (Transform, error) {
		if err := checkLayer(in, layer); err != nil {
			return nil, err
		}
		return &convStack{
			convs: []*conv{newConv(rng, layer.In, layer.Out, k, layer.Stride, true)},
			shape: outShape(in, layer),
		}, nil
	}
}

func convFLOPs(k int) FLOPsFunc {
	return func(in Shape, layer model.LayerSpec) float64 {
		out := outShape(in, layer)
		return float64(out.C * out.H * out.W * layer.In * k * k)
	}
}

// invertedResidualBuilder expands with a 1x1 conv, applies a kxk conv at the
// layer stride, projects back with a linear 1x1 conv and adds the input when
// shapes allow.
func invertedResidualBuilder(k, expansion int) Builder {
	return func(in Shape, layer model.LayerSpec, rng *rand.Rand) (Transform, error) {
		if err := checkLayer(in, layer); err != nil {
			return nil, err
		}
		mid := layer.In * expansion
		return &convStack{
			convs: []*conv{
				newConv(rng, layer.In, mid, 1, 1, true),
				newConv(rng, mid, mid, k, layer.Stride, true),
				newConv(rng, mid, layer.Out, 1, 1, false),
			},
			residual: layer.In == layer.Out && layer.Stride == 1,
			shape:    outShape(in, layer),
		}, nil
	}
}

func invertedResidualFLOPs(k, expansion int) FLOPsFunc {
	return func(in Shape, layer model.LayerSpec) float64 {
		mid := layer.In * expansion
		out := outShape(in, layer)
		expand := float64(in.H * in.W * layer.In * mid)
		spatial := float64(out.H * out.W * mid * mid * k * k)
		project := float64(out.H * out.W * mid * layer.Out)
		return expand + spatial + project
	}
}
