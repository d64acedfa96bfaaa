package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/renameio/v2"
	"github.com/pkg/errors"

	"gumbelnas/internal/model"
)

// FileStore keeps the catalog in one JSON document. Every mutation reads the
// document, applies the change and renames a new copy into place while
// holding an exclusive lock on a sibling lock file, so separate processes
// can append safely.
type FileStore struct {
	path string
	// mu serializes goroutines sharing this store; the file lock does not
	// exclude holders of the same handle.
	mu   sync.Mutex
	lock *flock.Flock
}

type fileDocument struct {
	model.VersionedRecord
	Architectures []model.ArchitectureRecord      `json:"architectures"`
	History       map[string][]model.EpochMetrics `json:"history"`
}

const lockRetryDelay = 20 * time.Millisecond

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, lock: flock.New(path + ".lock")}
}

func (s *FileStore) Init(ctx context.Context) error {
	if s.path == "" {
		return errors.New("file store path is required")
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return errors.Wrap(err, "create store dir")
	}
	return s.update(ctx, func(*fileDocument) error { return nil })
}

func (s *FileStore) AppendArchitecture(ctx context.Context, record model.ArchitectureRecord) error {
	if err := checkRecord(record); err != nil {
		return err
	}
	return s.update(ctx, func(doc *fileDocument) error {
		for _, existing := range doc.Architectures {
			if existing.Name == record.Name {
				return errors.Wrap(ErrDuplicateName, record.Name)
			}
		}
		record.VersionedRecord = currentVersion()
		doc.Architectures = append(doc.Architectures, record)
		return nil
	})
}

func (s *FileStore) GetArchitecture(ctx context.Context, name string) (model.ArchitectureRecord, bool, error) {
	doc, err := s.snapshot(ctx)
	if err != nil {
		return model.ArchitectureRecord{}, false, err
	}
	for _, record := range doc.Architectures {
		if record.Name == name {
			return record, true, nil
		}
	}
	return model.ArchitectureRecord{}, false, nil
}

func (s *FileStore) ListArchitectures(ctx context.Context) ([]model.ArchitectureRecord, error) {
	doc, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return doc.Architectures, nil
}

func (s *FileStore) SaveEpochHistory(ctx context.Context, runID string, history []model.EpochMetrics) error {
	return s.update(ctx, func(doc *fileDocument) error {
		doc.History[runID] = append([]model.EpochMetrics(nil), history...)
		return nil
	})
}

func (s *FileStore) GetEpochHistory(ctx context.Context, runID string) ([]model.EpochMetrics, bool, error) {
	doc, err := s.snapshot(ctx)
	if err != nil {
		return nil, false, err
	}
	history, ok := doc.History[runID]
	return history, ok, nil
}

func (s *FileStore) update(ctx context.Context, fn func(*fileDocument) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.lock.Unlock()

	doc, err := s.read()
	if err != nil {
		return err
	}
	if err := fn(&doc); err != nil {
		return err
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode catalog")
	}
	return errors.Wrap(renameio.WriteFile(s.path, data, 0o644), "write catalog")
}

func (s *FileStore) snapshot(ctx context.Context) (fileDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.acquire(ctx); err != nil {
		return fileDocument{}, err
	}
	defer s.lock.Unlock()
	return s.read()
}

func (s *FileStore) acquire(ctx context.Context) error {
	locked, err := s.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return errors.Wrap(err, "lock catalog")
	}
	if !locked {
		return errors.New("catalog lock not acquired")
	}
	return nil
}

func (s *FileStore) read() (fileDocument, error) {
	doc := fileDocument{
		VersionedRecord: currentVersion(),
		History:         make(map[string][]model.EpochMetrics),
	}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return doc, errors.Wrap(err, "read catalog")
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return doc, errors.Wrap(err, "decode catalog")
	}
	if err := checkVersion(doc.VersionedRecord); err != nil {
		return doc, err
	}
	if doc.History == nil {
		doc.History = make(map[string][]model.EpochMetrics)
	}
	return doc, nil
}
