package supernet

import (
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"
)

// Noise supplies the random draws of the stochastic forward pass.
type Noise interface {
	// Gumbel returns n i.i.d. standard Gumbel samples.
	Gumbel(n int) []float64
	// Pick draws one index from the categorical distribution weights.
	Pick(weights []float64) int
}

type gumbelNoise struct {
	src    rand.Source
	gumbel distuv.GumbelRight
}

// NewNoise returns a Noise drawing from src.
func NewNoise(src rand.Source) Noise {
	return &gumbelNoise{
		src:    src,
		gumbel: distuv.GumbelRight{Mu: 0, Beta: 1, Src: src},
	}
}

func (g *gumbelNoise) Gumbel(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = g.gumbel.Rand()
	}
	return out
}

func (g *gumbelNoise) Pick(weights []float64) int {
	return int(distuv.NewCategorical(weights, g.src).Rand())
}

// FixedNoise replays the same Gumbel vector and always picks the arg-max
// weight. It makes the forward pass deterministic for evaluation and tests.
type FixedNoise struct {
	Values []float64
}

func (f FixedNoise) Gumbel(n int) []float64 {
	out := make([]float64, n)
	copy(out, f.Values)
	return out
}

func (f FixedNoise) Pick(weights []float64) int {
	best := 0
	for i, w := range weights {
		if w > weights[best] {
			best = i
		}
	}
	return best
}
