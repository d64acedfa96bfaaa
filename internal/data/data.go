package data

import (
	"math"
	"math/rand/v2"

	"github.com/pkg/errors"

	"gumbelnas/internal/ops"
	"gumbelnas/internal/tensor"
)

// Batch is one minibatch of images [n,c,h,w] with their class labels.
type Batch struct {
	X      *tensor.Tensor
	Labels []int
}

func (b Batch) Len() int { return len(b.Labels) }

// Dataset is an indexed collection of labelled images of a fixed shape.
type Dataset interface {
	Len() int
	// Example returns the flattened c*h*w pixels and label of item i.
	Example(i int) ([]float64, int)
	Shape() ops.Shape
	Classes() int
}

// Subset views a subset of another dataset by index.
type Subset struct {
	base    Dataset
	indices []int
}

func NewSubset(base Dataset, indices []int) *Subset {
	return &Subset{base: base, indices: append([]int(nil), indices...)}
}

func (s *Subset) Len() int { return len(s.indices) }

func (s *Subset) Example(i int) ([]float64, int) { return s.base.Example(s.indices[i]) }

func (s *Subset) Shape() ops.Shape { return s.base.Shape() }

func (s *Subset) Classes() int { return s.base.Classes() }

// Split shuffles the indices of ds with seed and divides them into a share
// used for weight updates and the remainder used for theta updates.
func Split(ds Dataset, share float64, seed uint64) (*Subset, *Subset, error) {
	if share <= 0 || share >= 1 || math.IsNaN(share) {
		return nil, nil, errors.Errorf("split share must be in (0,1), got %v", share)
	}
	n := ds.Len()
	cut := int(math.Floor(share * float64(n)))
	if cut == 0 || cut == n {
		return nil, nil, errors.Errorf("split share %v of %d examples leaves an empty side", share, n)
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	perm := rng.Perm(n)
	return NewSubset(ds, perm[:cut]), NewSubset(ds, perm[cut:]), nil
}

// Collect assembles the given example indices into a batch.
func Collect(ds Dataset, indices []int) Batch {
	shape := ds.Shape()
	size := shape.C * shape.H * shape.W
	data := make([]float64, len(indices)*size)
	labels := make([]int, len(indices))
	for i, idx := range indices {
		pixels, label := ds.Example(idx)
		copy(data[i*size:(i+1)*size], pixels)
		labels[i] = label
	}
	return Batch{
		X:      tensor.New([]int{len(indices), shape.C, shape.H, shape.W}, data),
		Labels: labels,
	}
}
