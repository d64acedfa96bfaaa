package tensor

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// MatMul multiplies a [n,k] by b [k,m].
func MatMul(a, b *Tensor) *Tensor {
	if len(a.Shape) != 2 || len(b.Shape) != 2 || a.Shape[1] != b.Shape[0] {
		panic(fmt.Sprintf("tensor: matmul shape mismatch %v x %v", a.Shape, b.Shape))
	}
	n, k, m := a.Shape[0], a.Shape[1], b.Shape[1]
	am := mat.NewDense(n, k, a.Data)
	bm := mat.NewDense(k, m, b.Data)
	out := mat.NewDense(n, m, nil)
	out.Mul(am, bm)

	res := result([]int{n, m}, out.RawMatrix().Data, a, b)
	if res.requiresGrad {
		res.backFn = func() {
			g := mat.NewDense(n, m, res.Grad)
			if a.requiresGrad {
				var da mat.Dense
				da.Mul(g, bm.T())
				accumulate(a, da.RawMatrix().Data)
			}
			if b.requiresGrad {
				var db mat.Dense
				db.Mul(am.T(), g)
				accumulate(b, db.RawMatrix().Data)
			}
		}
	}
	return res
}

// AddRowVector adds bias [m] to every row of x [n,m].
func AddRowVector(x, bias *Tensor) *Tensor {
	if len(x.Shape) != 2 || bias.Size() != x.Shape[1] {
		panic(fmt.Sprintf("tensor: bias %v does not fit %v", bias.Shape, x.Shape))
	}
	n, m := x.Shape[0], x.Shape[1]
	data := make([]float64, n*m)
	for i := 0; i < n; i++ {
		row := data[i*m : (i+1)*m]
		copy(row, x.Data[i*m:(i+1)*m])
		floats.Add(row, bias.Data)
	}
	res := result(x.Shape, data, x, bias)
	if res.requiresGrad {
		res.backFn = func() {
			accumulate(x, res.Grad)
			if bias.requiresGrad {
				for i := 0; i < n; i++ {
					floats.Add(bias.Grad, res.Grad[i*m:(i+1)*m])
				}
			}
		}
	}
	return res
}

func ReLU(x *Tensor) *Tensor {
	data := make([]float64, len(x.Data))
	for i, v := range x.Data {
		// NaN passes through so a poisoned input stays visible in the loss.
		if v > 0 || math.IsNaN(v) {
			data[i] = v
		}
	}
	res := result(x.Shape, data, x)
	if res.requiresGrad {
		res.backFn = func() {
			if !x.requiresGrad {
				return
			}
			for i, v := range x.Data {
				if v > 0 || math.IsNaN(v) {
					x.Grad[i] += res.Grad[i]
				}
			}
		}
	}
	return res
}

// Add sums two tensors of identical shape.
func Add(a, b *Tensor) *Tensor {
	if !sameShape(a.Shape, b.Shape) {
		panic(fmt.Sprintf("tensor: add shape mismatch %v + %v", a.Shape, b.Shape))
	}
	data := make([]float64, len(a.Data))
	floats.AddTo(data, a.Data, b.Data)
	res := result(a.Shape, data, a, b)
	if res.requiresGrad {
		res.backFn = func() {
			accumulate(a, res.Grad)
			accumulate(b, res.Grad)
		}
	}
	return res
}

// ScaleBy multiplies x by the one-element tensor s.
func ScaleBy(x, s *Tensor) *Tensor {
	if s.Size() != 1 {
		panic(fmt.Sprintf("tensor: scale factor must have one element, got %v", s.Shape))
	}
	data := make([]float64, len(x.Data))
	floats.ScaleTo(data, s.Data[0], x.Data)
	res := result(x.Shape, data, x, s)
	if res.requiresGrad {
		res.backFn = func() {
			if x.requiresGrad {
				floats.AddScaled(x.Grad, s.Data[0], res.Grad)
			}
			if s.requiresGrad {
				s.Grad[0] += floats.Dot(x.Data, res.Grad)
			}
		}
	}
	return res
}

// GlobalAvgPool reduces [n,c,h,w] to [n,c].
func GlobalAvgPool(x *Tensor) *Tensor {
	if len(x.Shape) != 4 {
		panic(fmt.Sprintf("tensor: global pool expects 4 dims, got %v", x.Shape))
	}
	n, c, area := x.Shape[0], x.Shape[1], x.Shape[2]*x.Shape[3]
	data := make([]float64, n*c)
	for i := 0; i < n*c; i++ {
		data[i] = floats.Sum(x.Data[i*area:(i+1)*area]) / float64(area)
	}
	res := result([]int{n, c}, data, x)
	if res.requiresGrad {
		res.backFn = func() {
			if !x.requiresGrad {
				return
			}
			for i := 0; i < n*c; i++ {
				g := res.Grad[i] / float64(area)
				seg := x.Grad[i*area : (i+1)*area]
				for j := range seg {
					seg[j] += g
				}
			}
		}
	}
	return res
}

// GumbelSoftmax returns softmax((theta + noise) / temperature).
func GumbelSoftmax(theta *Tensor, noise []float64, temperature float64) *Tensor {
	if len(noise) != theta.Size() {
		panic(fmt.Sprintf("tensor: noise length %d does not match theta %v", len(noise), theta.Shape))
	}
	logits := make([]float64, theta.Size())
	floats.AddTo(logits, theta.Data, noise)
	floats.Scale(1/temperature, logits)
	y := Softmax(logits)

	res := result(theta.Shape, y, theta)
	if res.requiresGrad {
		res.backFn = func() {
			if !theta.requiresGrad {
				return
			}
			inner := floats.Dot(res.Grad, y)
			for i := range y {
				theta.Grad[i] += y[i] * (res.Grad[i] - inner) / temperature
			}
		}
	}
	return res
}

// Softmax is a numerically stable softmax over plain values.
func Softmax(logits []float64) []float64 {
	out := make([]float64, len(logits))
	if len(logits) == 0 {
		return out
	}
	lse := floats.LogSumExp(logits)
	for i, v := range logits {
		out[i] = math.Exp(v - lse)
	}
	return out
}

// Dot contracts x with constant coefficients, yielding a one-element tensor.
func Dot(x *Tensor, coeffs []float64) *Tensor {
	if len(coeffs) != x.Size() {
		panic(fmt.Sprintf("tensor: dot length %d does not match %v", len(coeffs), x.Shape))
	}
	res := result([]int{1}, []float64{floats.Dot(x.Data, coeffs)}, x)
	if res.requiresGrad {
		res.backFn = func() {
			if x.requiresGrad {
				floats.AddScaled(x.Grad, res.Grad[0], coeffs)
			}
		}
	}
	return res
}

// Index selects element i of a flat tensor as a one-element tensor.
func Index(x *Tensor, i int) *Tensor {
	res := result([]int{1}, []float64{x.Data[i]}, x)
	if res.requiresGrad {
		res.backFn = func() {
			if x.requiresGrad {
				x.Grad[i] += res.Grad[0]
			}
		}
	}
	return res
}

// Sum adds one-element tensors.
func Sum(xs ...*Tensor) *Tensor {
	total := 0.0
	for _, x := range xs {
		total += x.Item()
	}
	res := result([]int{1}, []float64{total}, xs...)
	if res.requiresGrad {
		res.backFn = func() {
			for _, x := range xs {
				if x.requiresGrad {
					x.Grad[0] += res.Grad[0]
				}
			}
		}
	}
	return res
}

// Log is the natural logarithm of a one-element tensor.
func Log(x *Tensor) *Tensor {
	v := x.Item()
	res := result([]int{1}, []float64{math.Log(v)}, x)
	if res.requiresGrad {
		res.backFn = func() {
			if x.requiresGrad {
				x.Grad[0] += res.Grad[0] / v
			}
		}
	}
	return res
}

func AddConst(x *Tensor, c float64) *Tensor {
	data := make([]float64, len(x.Data))
	for i, v := range x.Data {
		data[i] = v + c
	}
	res := result(x.Shape, data, x)
	if res.requiresGrad {
		res.backFn = func() {
			accumulate(x, res.Grad)
		}
	}
	return res
}

func MulConst(x *Tensor, c float64) *Tensor {
	data := make([]float64, len(x.Data))
	floats.ScaleTo(data, c, x.Data)
	res := result(x.Shape, data, x)
	if res.requiresGrad {
		res.backFn = func() {
			if x.requiresGrad {
				floats.AddScaled(x.Grad, c, res.Grad)
			}
		}
	}
	return res
}

// CrossEntropy is the batch-mean multi-class cross-entropy of logits [n,m].
func CrossEntropy(logits *Tensor, labels []int) *Tensor {
	if len(logits.Shape) != 2 || logits.Shape[0] != len(labels) {
		panic(fmt.Sprintf("tensor: cross entropy logits %v for %d labels", logits.Shape, len(labels)))
	}
	n, m := logits.Shape[0], logits.Shape[1]
	probs := make([]float64, n*m)
	total := 0.0
	for i := 0; i < n; i++ {
		row := logits.Data[i*m : (i+1)*m]
		lse := floats.LogSumExp(row)
		total += lse - row[labels[i]]
		for j, v := range row {
			probs[i*m+j] = math.Exp(v - lse)
		}
	}
	res := result([]int{1}, []float64{total / float64(n)}, logits)
	if res.requiresGrad {
		res.backFn = func() {
			if !logits.requiresGrad {
				return
			}
			scale := res.Grad[0] / float64(n)
			for i := 0; i < n; i++ {
				for j := 0; j < m; j++ {
					g := probs[i*m+j]
					if j == labels[i] {
						g -= 1
					}
					logits.Grad[i*m+j] += g * scale
				}
			}
		}
	}
	return res
}
