package sampler

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/ncruces/go-strftime"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"

	"gumbelnas/internal/model"
	"gumbelnas/internal/tensor"
)

// Catalog is the append-only destination of sampled architectures.
type Catalog interface {
	AppendArchitecture(ctx context.Context, record model.ArchitectureRecord) error
}

// Hard picks the operation with the largest theta at every layer. Ties go to
// the earliest operation.
func Hard(thetas [][]float64, opNames []string) ([]string, error) {
	if err := check(thetas, opNames); err != nil {
		return nil, err
	}
	out := make([]string, len(thetas))
	for i, theta := range thetas {
		out[i] = opNames[floats.MaxIdx(theta)]
	}
	return out, nil
}

// Soft draws one operation per layer from softmax(theta) using src.
func Soft(thetas [][]float64, opNames []string, src rand.Source) ([]string, error) {
	if err := check(thetas, opNames); err != nil {
		return nil, err
	}
	if src == nil {
		return nil, errors.New("soft sampling requires a random source")
	}
	out := make([]string, len(thetas))
	for i, theta := range thetas {
		dist := distuv.NewCategorical(tensor.Softmax(theta), src)
		out[i] = opNames[int(dist.Rand())]
	}
	return out, nil
}

// Request describes one sampling invocation.
type Request struct {
	Name   string
	Hard   bool
	RunID  string
	Source rand.Source
}

// Sample builds an architecture record from thetas without persisting it.
func Sample(thetas [][]float64, opNames []string, req Request) (model.ArchitectureRecord, error) {
	if req.Name == "" {
		return model.ArchitectureRecord{}, errors.New("architecture name is required")
	}
	var (
		operations []string
		err        error
	)
	if req.Hard {
		operations, err = Hard(thetas, opNames)
	} else {
		operations, err = Soft(thetas, opNames, req.Source)
	}
	if err != nil {
		return model.ArchitectureRecord{}, err
	}
	return model.ArchitectureRecord{
		Name:         req.Name,
		Operations:   operations,
		Hard:         req.Hard,
		RunID:        req.RunID,
		CreatedAtUTC: strftime.Format(model.TimestampLayout, time.Now().UTC()),
	}, nil
}

// SampleInto samples an architecture and appends it to catalog. A name
// already in the catalog fails with the catalog's duplicate error and leaves
// it unchanged.
func SampleInto(ctx context.Context, catalog Catalog, thetas [][]float64, opNames []string, req Request) (model.ArchitectureRecord, error) {
	record, err := Sample(thetas, opNames, req)
	if err != nil {
		return model.ArchitectureRecord{}, err
	}
	if err := catalog.AppendArchitecture(ctx, record); err != nil {
		return model.ArchitectureRecord{}, err
	}
	return record, nil
}

func check(thetas [][]float64, opNames []string) error {
	if len(thetas) == 0 {
		return errors.New("no theta vectors to sample from")
	}
	for i, theta := range thetas {
		if len(theta) != len(opNames) {
			return errors.Errorf("layer %d has %d thetas for %d operations", i, len(theta), len(opNames))
		}
	}
	return nil
}
