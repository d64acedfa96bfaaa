package storage

import (
	"context"

	"github.com/pkg/errors"

	"gumbelnas/internal/model"
)

// ErrDuplicateName reports an architecture name already present in the
// catalog. The catalog is left unchanged.
var ErrDuplicateName = errors.New("architecture name already exists")

// Store persists the architecture catalog and per-run epoch history. The
// catalog is append-only.
type Store interface {
	Init(ctx context.Context) error
	AppendArchitecture(ctx context.Context, record model.ArchitectureRecord) error
	GetArchitecture(ctx context.Context, name string) (model.ArchitectureRecord, bool, error)
	ListArchitectures(ctx context.Context) ([]model.ArchitectureRecord, error)
	SaveEpochHistory(ctx context.Context, runID string, history []model.EpochMetrics) error
	GetEpochHistory(ctx context.Context, runID string) ([]model.EpochMetrics, bool, error)
}

func checkRecord(record model.ArchitectureRecord) error {
	if record.Name == "" {
		return errors.New("architecture name is required")
	}
	if len(record.Operations) == 0 {
		return errors.Errorf("architecture %s has no operations", record.Name)
	}
	return nil
}
