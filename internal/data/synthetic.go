package data

import (
	"math/rand/v2"

	"gumbelnas/internal/ops"
)

// Synthetic draws images around one random prototype per class. It stands in
// for a real dataset in smoke runs and tests.
type Synthetic struct {
	shape   ops.Shape
	classes int
	pixels  [][]float64
	labels  []int
}

func NewSynthetic(n int, shape ops.Shape, classes int, noise float64, seed uint64) *Synthetic {
	rng := rand.New(rand.NewPCG(seed, seed+1))
	size := shape.C * shape.H * shape.W
	prototypes := make([][]float64, classes)
	for c := range prototypes {
		prototypes[c] = make([]float64, size)
		for i := range prototypes[c] {
			prototypes[c][i] = rng.NormFloat64()
		}
	}
	s := &Synthetic{
		shape:   shape,
		classes: classes,
		pixels:  make([][]float64, n),
		labels:  make([]int, n),
	}
	for i := 0; i < n; i++ {
		label := i % classes
		px := make([]float64, size)
		for j := range px {
			px[j] = prototypes[label][j] + noise*rng.NormFloat64()
		}
		s.pixels[i] = px
		s.labels[i] = label
	}
	return s
}

func (s *Synthetic) Len() int { return len(s.labels) }

func (s *Synthetic) Example(i int) ([]float64, int) { return s.pixels[i], s.labels[i] }

func (s *Synthetic) Shape() ops.Shape { return s.shape }

func (s *Synthetic) Classes() int { return s.classes }
