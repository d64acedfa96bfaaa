package tensor

import (
	"fmt"
	"math"
)

// Tensor is a dense float64 array with an optional reverse-mode gradient.
// Ops record a backward closure only when at least one input requires a
// gradient, so graphs over frozen parameters cost nothing to build.
type Tensor struct {
	Shape []int
	Data  []float64
	Grad  []float64

	requiresGrad bool
	reached      bool
	parents      []*Tensor
	backFn       func()
}

func New(shape []int, data []float64) *Tensor {
	size := Volume(shape)
	if data == nil {
		data = make([]float64, size)
	}
	if len(data) != size {
		panic(fmt.Sprintf("tensor: data length %d does not match shape %v", len(data), shape))
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: data}
}

func Zeros(shape ...int) *Tensor {
	return New(shape, nil)
}

func Scalar(v float64) *Tensor {
	return New([]int{1}, []float64{v})
}

// Param returns a leaf tensor that accumulates gradients.
func Param(shape []int, data []float64) *Tensor {
	t := New(shape, data)
	t.SetRequiresGrad(true)
	return t
}

func Volume(shape []int) int {
	size := 1
	for _, d := range shape {
		size *= d
	}
	return size
}

func (t *Tensor) Size() int { return len(t.Data) }

func (t *Tensor) RequiresGrad() bool { return t.requiresGrad }

// SetRequiresGrad toggles gradient tracking on a leaf tensor.
func (t *Tensor) SetRequiresGrad(v bool) {
	t.requiresGrad = v
	if v && t.Grad == nil {
		t.Grad = make([]float64, len(t.Data))
	}
}

// ZeroGrad clears the gradient and forgets whether a backward pass reached t.
func (t *Tensor) ZeroGrad() {
	for i := range t.Grad {
		t.Grad[i] = 0
	}
	t.reached = false
}

// Reached reports whether a backward pass since the last ZeroGrad flowed into
// t. Parameters off the executed path keep a zero gradient and report false.
func (t *Tensor) Reached() bool { return t.reached }

// Item returns the single value of a one-element tensor.
func (t *Tensor) Item() float64 {
	if len(t.Data) != 1 {
		panic(fmt.Sprintf("tensor: Item on tensor of shape %v", t.Shape))
	}
	return t.Data[0]
}

// Detach returns a copy of the values without graph history.
func (t *Tensor) Detach() *Tensor {
	return New(t.Shape, append([]float64(nil), t.Data...))
}

func (t *Tensor) IsFinite() bool {
	for _, v := range t.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor%v", t.Shape)
}

// result builds an op output wired to its parents.
func result(shape []int, data []float64, parents ...*Tensor) *Tensor {
	out := New(shape, data)
	for _, p := range parents {
		if p != nil && p.requiresGrad {
			out.requiresGrad = true
			break
		}
	}
	if out.requiresGrad {
		out.Grad = make([]float64, len(out.Data))
		out.parents = parents
	}
	return out
}

// accumulate adds delta into p's gradient when p participates in the graph.
func accumulate(p *Tensor, delta []float64) {
	if p == nil || !p.requiresGrad {
		return
	}
	for i, v := range delta {
		p.Grad[i] += v
	}
}

// Backward propagates d(root)/d(leaf) into every tracked leaf reachable from a
// one-element root.
func Backward(root *Tensor) error {
	if len(root.Data) != 1 {
		return fmt.Errorf("backward root must have one element, got shape %v", root.Shape)
	}
	if !root.requiresGrad {
		return nil
	}

	topo := make([]*Tensor, 0, 64)
	visited := make(map[*Tensor]bool)
	var build func(n *Tensor)
	build = func(n *Tensor) {
		if n == nil || visited[n] || !n.requiresGrad {
			return
		}
		visited[n] = true
		n.reached = true
		for _, p := range n.parents {
			build(p)
		}
		topo = append(topo, n)
	}
	build(root)

	root.Grad[0] = 1
	for i := len(topo) - 1; i >= 0; i-- {
		if topo[i].backFn != nil {
			topo[i].backFn()
		}
	}
	return nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
