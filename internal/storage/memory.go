package storage

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"gumbelnas/internal/model"
)

type MemoryStore struct {
	mu            sync.RWMutex
	initialized   bool
	architectures []model.ArchitectureRecord
	byName        map[string]int
	history       map[string][]model.EpochMetrics
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initialized = true
	s.architectures = nil
	s.byName = make(map[string]int)
	s.history = make(map[string][]model.EpochMetrics)
	return nil
}

func (s *MemoryStore) AppendArchitecture(_ context.Context, record model.ArchitectureRecord) error {
	if err := checkRecord(record); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errors.New("store is not initialized")
	}
	if _, exists := s.byName[record.Name]; exists {
		return errors.Wrap(ErrDuplicateName, record.Name)
	}
	record.VersionedRecord = currentVersion()
	record.Operations = append([]string(nil), record.Operations...)
	s.byName[record.Name] = len(s.architectures)
	s.architectures = append(s.architectures, record)
	return nil
}

func (s *MemoryStore) GetArchitecture(_ context.Context, name string) (model.ArchitectureRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.byName[name]
	if !ok {
		return model.ArchitectureRecord{}, false, nil
	}
	record := s.architectures[idx]
	record.Operations = append([]string(nil), record.Operations...)
	return record, true, nil
}

func (s *MemoryStore) ListArchitectures(_ context.Context) ([]model.ArchitectureRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.ArchitectureRecord, len(s.architectures))
	copy(out, s.architectures)
	for i := range out {
		out[i].Operations = append([]string(nil), out[i].Operations...)
	}
	return out, nil
}

func (s *MemoryStore) SaveEpochHistory(_ context.Context, runID string, history []model.EpochMetrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errors.New("store is not initialized")
	}
	s.history[runID] = append([]model.EpochMetrics(nil), history...)
	return nil
}

func (s *MemoryStore) GetEpochHistory(_ context.Context, runID string) ([]model.EpochMetrics, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history, ok := s.history[runID]
	if !ok {
		return nil, false, nil
	}
	return append([]model.EpochMetrics(nil), history...), true, nil
}
