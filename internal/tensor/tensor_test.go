package tensor

import (
	"math"
	"math/rand"
	"testing"
)

func randomParam(rng *rand.Rand, shape ...int) *Tensor {
	data := make([]float64, Volume(shape))
	for i := range data {
		data[i] = rng.NormFloat64() * 0.5
	}
	return Param(shape, data)
}

// checkGradient compares analytic gradients of f with central differences.
func checkGradient(t *testing.T, name string, f func() *Tensor, params ...*Tensor) {
	t.Helper()
	for _, p := range params {
		p.ZeroGrad()
	}
	out := f()
	if err := Backward(out); err != nil {
		t.Fatalf("%s backward: %v", name, err)
	}
	const eps = 1e-6
	for pi, p := range params {
		analytic := append([]float64(nil), p.Grad...)
		for i := range p.Data {
			orig := p.Data[i]
			p.Data[i] = orig + eps
			plus := f().Item()
			p.Data[i] = orig - eps
			minus := f().Item()
			p.Data[i] = orig
			numeric := (plus - minus) / (2 * eps)
			if math.Abs(numeric-analytic[i]) > 1e-4*math.Max(1, math.Abs(numeric)) {
				t.Fatalf("%s param %d index %d: analytic=%f numeric=%f", name, pi, i, analytic[i], numeric)
			}
		}
	}
}

func TestMatMulGradient(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	a := randomParam(rng, 3, 4)
	b := randomParam(rng, 4, 2)
	bias := randomParam(rng, 2)
	labels := []int{0, 1, 1}
	checkGradient(t, "matmul", func() *Tensor {
		return CrossEntropy(AddRowVector(MatMul(a, b), bias), labels)
	}, a, b, bias)
}

func TestConv2DGradient(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	x := randomParam(rng, 2, 2, 5, 5)
	w := randomParam(rng, 3, 2, 3, 3)
	b := randomParam(rng, 3)
	for _, stride := range []int{1, 2} {
		checkGradient(t, "conv", func() *Tensor {
			y := ReLU(Conv2D(x, w, b, stride, 1))
			pooled := GlobalAvgPool(y)
			return CrossEntropy(pooled, []int{2, 0})
		}, x, w, b)
	}
}

func TestConv2DOutputShape(t *testing.T) {
	x := Zeros(1, 3, 8, 8)
	w := Zeros(4, 3, 5, 5)
	y := Conv2D(x, w, nil, 2, 2)
	if y.Shape[0] != 1 || y.Shape[1] != 4 || y.Shape[2] != 4 || y.Shape[3] != 4 {
		t.Fatalf("unexpected conv output shape: %v", y.Shape)
	}
}

func TestGumbelSoftmaxGradient(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	theta := randomParam(rng, 4)
	noise := []float64{0.3, -0.2, 1.1, 0.05}
	coeffs := []float64{1, 5, 2, 7}
	checkGradient(t, "gumbel", func() *Tensor {
		w := GumbelSoftmax(theta, noise, 0.7)
		return Log(AddConst(Dot(w, coeffs), 0.6))
	}, theta)
}

func TestScaleByAndIndexGradient(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	theta := randomParam(rng, 3)
	x := randomParam(rng, 2, 3)
	checkGradient(t, "scale", func() *Tensor {
		w := GumbelSoftmax(theta, []float64{0, 0, 0}, 1)
		y := Add(ScaleBy(x, Index(w, 1)), MulConst(x, 0.5))
		return CrossEntropy(y, []int{0, 2})
	}, theta, x)
}

func TestFrozenParamReceivesNoGradient(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	a := randomParam(rng, 2, 2)
	b := randomParam(rng, 2, 2)
	b.SetRequiresGrad(false)
	b.Grad = make([]float64, 4)

	loss := CrossEntropy(MatMul(a, b), []int{0, 1})
	if err := Backward(loss); err != nil {
		t.Fatalf("backward: %v", err)
	}
	for i, g := range b.Grad {
		if g != 0 {
			t.Fatalf("frozen tensor received gradient at %d: %f", i, g)
		}
	}
	nonZero := false
	for _, g := range a.Grad {
		if g != 0 {
			nonZero = true
		}
	}
	if !nonZero {
		t.Fatal("expected gradient on tracked tensor")
	}
}

func TestNoGraphWithoutTrackedInputs(t *testing.T) {
	a := New([]int{2, 2}, []float64{1, 2, 3, 4})
	b := New([]int{2, 2}, []float64{1, 0, 0, 1})
	out := MatMul(a, b)
	if out.RequiresGrad() || out.Grad != nil {
		t.Fatal("expected untracked output")
	}
	if err := Backward(CrossEntropy(out, []int{0, 1})); err != nil {
		t.Fatalf("backward on untracked graph: %v", err)
	}
}

func TestSoftmaxSumsToOne(t *testing.T) {
	p := Softmax([]float64{1000, 1001, 999})
	total := 0.0
	for _, v := range p {
		if v < 0 || math.IsNaN(v) {
			t.Fatalf("invalid probability: %v", p)
		}
		total += v
	}
	if math.Abs(total-1) > 1e-12 {
		t.Fatalf("softmax does not sum to one: %f", total)
	}
}

func TestIsFinite(t *testing.T) {
	if !Scalar(1).IsFinite() {
		t.Fatal("expected finite scalar")
	}
	if Scalar(math.NaN()).IsFinite() || Scalar(math.Inf(1)).IsFinite() {
		t.Fatal("expected non-finite detection")
	}
}

func TestReLUPropagatesNaN(t *testing.T) {
	x := Param([]int{3}, []float64{math.NaN(), -1, 2})
	out := ReLU(x)
	if !math.IsNaN(out.Data[0]) || out.Data[1] != 0 || out.Data[2] != 2 {
		t.Fatalf("unexpected relu output: %v", out.Data)
	}
	if Dot(out, []float64{1, 1, 1}).IsFinite() {
		t.Fatal("expected NaN to survive into the reduction")
	}
}

func TestBackwardMarksReachedLeaves(t *testing.T) {
	used := Param([]int{2}, []float64{1, 2})
	idle := Param([]int{2}, []float64{3, 4})
	if err := Backward(Dot(used, []float64{0, 0})); err != nil {
		t.Fatalf("backward: %v", err)
	}
	if !used.Reached() {
		t.Fatal("expected leaf on the graph to be reached")
	}
	if idle.Reached() {
		t.Fatal("leaf off the graph reported as reached")
	}
	used.ZeroGrad()
	if used.Reached() {
		t.Fatal("ZeroGrad should clear reached")
	}
}
