package data

import (
	"context"
	"math/rand/v2"

	"github.com/pkg/errors"
)

// Loader streams shuffled minibatches of a dataset.
type Loader struct {
	ds        Dataset
	batchSize int
	prefetch  int
	shuffle   bool
	seed      uint64
}

func NewLoader(ds Dataset, batchSize, prefetch int, shuffle bool, seed uint64) (*Loader, error) {
	if ds == nil || ds.Len() == 0 {
		return nil, errors.New("loader dataset is empty")
	}
	if batchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", batchSize)
	}
	if prefetch < 0 {
		prefetch = 0
	}
	return &Loader{ds: ds, batchSize: batchSize, prefetch: prefetch, shuffle: shuffle, seed: seed}, nil
}

func (l *Loader) Dataset() Dataset { return l.ds }

// Batches is the number of batches one pass yields.
func (l *Loader) Batches() int {
	return (l.ds.Len() + l.batchSize - 1) / l.batchSize
}

// Stream produces one pass over the dataset on a producer goroutine. The
// channel holds at most prefetch batches and is closed at the end of the pass
// or when ctx is done. epoch varies the shuffle order.
func (l *Loader) Stream(ctx context.Context, epoch int) <-chan Batch {
	out := make(chan Batch, l.prefetch)
	order := make([]int, l.ds.Len())
	for i := range order {
		order[i] = i
	}
	if l.shuffle {
		rng := rand.New(rand.NewPCG(l.seed, uint64(epoch)))
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}
	go func() {
		defer close(out)
		for start := 0; start < len(order); start += l.batchSize {
			end := start + l.batchSize
			if end > len(order) {
				end = len(order)
			}
			batch := Collect(l.ds, order[start:end])
			select {
			case out <- batch:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
