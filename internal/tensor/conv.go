package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// ConvOutputSize returns the spatial extent after a square convolution.
func ConvOutputSize(in, kernel, stride, pad int) int {
	return (in+2*pad-kernel)/stride + 1
}

// Conv2D convolves x [n,c,h,w] with weight [f,c,k,k] and optional bias [f].
// Each sample is lowered with im2col and multiplied as a GEMM.
func Conv2D(x, weight, bias *Tensor, stride, pad int) *Tensor {
	if len(x.Shape) != 4 || len(weight.Shape) != 4 || weight.Shape[1] != x.Shape[1] || weight.Shape[2] != weight.Shape[3] {
		panic(fmt.Sprintf("tensor: conv shape mismatch input %v weight %v", x.Shape, weight.Shape))
	}
	if bias != nil && bias.Size() != weight.Shape[0] {
		panic(fmt.Sprintf("tensor: conv bias %v for %d filters", bias.Shape, weight.Shape[0]))
	}
	n, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	f, k := weight.Shape[0], weight.Shape[2]
	oh := ConvOutputSize(h, k, stride, pad)
	ow := ConvOutputSize(w, k, stride, pad)
	if oh <= 0 || ow <= 0 {
		panic(fmt.Sprintf("tensor: conv output collapses for input %v kernel %d", x.Shape, k))
	}
	rows, l := c*k*k, oh*ow
	geom := convGeometry{c: c, h: h, w: w, k: k, stride: stride, pad: pad, oh: oh, ow: ow}

	wm := mat.NewDense(f, rows, weight.Data)
	data := make([]float64, n*f*l)
	cols := make([][]float64, n)
	for s := 0; s < n; s++ {
		cols[s] = make([]float64, rows*l)
		geom.im2col(x.Data[s*c*h*w:(s+1)*c*h*w], cols[s])
		dst := mat.NewDense(f, l, data[s*f*l:(s+1)*f*l])
		dst.Mul(wm, mat.NewDense(rows, l, cols[s]))
		if bias != nil {
			for fi := 0; fi < f; fi++ {
				seg := data[(s*f+fi)*l : (s*f+fi+1)*l]
				for j := range seg {
					seg[j] += bias.Data[fi]
				}
			}
		}
	}

	res := result([]int{n, f, oh, ow}, data, x, weight, bias)
	if res.requiresGrad {
		res.backFn = func() {
			for s := 0; s < n; s++ {
				g := mat.NewDense(f, l, res.Grad[s*f*l:(s+1)*f*l])
				cm := mat.NewDense(rows, l, cols[s])
				if weight.requiresGrad {
					var dw mat.Dense
					dw.Mul(g, cm.T())
					floats.Add(weight.Grad, dw.RawMatrix().Data)
				}
				if x.requiresGrad {
					var dcols mat.Dense
					dcols.Mul(wm.T(), g)
					geom.col2im(dcols.RawMatrix().Data, x.Grad[s*c*h*w:(s+1)*c*h*w])
				}
				if bias != nil && bias.requiresGrad {
					for fi := 0; fi < f; fi++ {
						bias.Grad[fi] += floats.Sum(res.Grad[(s*f+fi)*l : (s*f+fi+1)*l])
					}
				}
			}
		}
	}
	return res
}

type convGeometry struct {
	c, h, w   int
	k, stride int
	pad       int
	oh, ow    int
}

func (g convGeometry) im2col(src, cols []float64) {
	l := g.oh * g.ow
	for ci := 0; ci < g.c; ci++ {
		for ki := 0; ki < g.k; ki++ {
			for kj := 0; kj < g.k; kj++ {
				base := ((ci*g.k+ki)*g.k + kj) * l
				for oy := 0; oy < g.oh; oy++ {
					iy := oy*g.stride - g.pad + ki
					for ox := 0; ox < g.ow; ox++ {
						ix := ox*g.stride - g.pad + kj
						v := 0.0
						if iy >= 0 && iy < g.h && ix >= 0 && ix < g.w {
							v = src[(ci*g.h+iy)*g.w+ix]
						}
						cols[base+oy*g.ow+ox] = v
					}
				}
			}
		}
	}
}

func (g convGeometry) col2im(cols, dst []float64) {
	l := g.oh * g.ow
	for ci := 0; ci < g.c; ci++ {
		for ki := 0; ki < g.k; ki++ {
			for kj := 0; kj < g.k; kj++ {
				base := ((ci*g.k+ki)*g.k + kj) * l
				for oy := 0; oy < g.oh; oy++ {
					iy := oy*g.stride - g.pad + ki
					if iy < 0 || iy >= g.h {
						continue
					}
					for ox := 0; ox < g.ow; ox++ {
						ix := ox*g.stride - g.pad + kj
						if ix < 0 || ix >= g.w {
							continue
						}
						dst[(ci*g.h+iy)*g.w+ix] += cols[base+oy*g.ow+ox]
					}
				}
			}
		}
	}
}
