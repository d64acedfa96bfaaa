//go:build sqlite

package storage

import (
	"context"
	"database/sql"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"gumbelnas/internal/model"

	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	path string

	mu sync.RWMutex
	db *sql.DB
}

func NewSQLiteStore(path string) *SQLiteStore {
	return &SQLiteStore{path: path}
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return errors.New("sqlite path is required")
	}
	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return err
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}

	if err := createTables(ctx, db); err != nil {
		_ = db.Close()
		return err
	}

	s.db = db
	return nil
}

// AppendArchitecture inserts inside a transaction; the name is the primary
// key, so a collision rolls back and reports ErrDuplicateName.
func (s *SQLiteStore) AppendArchitecture(ctx context.Context, record model.ArchitectureRecord) error {
	if err := checkRecord(record); err != nil {
		return err
	}
	db, err := s.getDB()
	if err != nil {
		return err
	}

	payload, err := EncodeArchitecture(record)
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM architectures WHERE name = ?`, record.Name).Scan(&exists)
	if err != nil {
		return err
	}
	if exists > 0 {
		return errors.Wrap(ErrDuplicateName, record.Name)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO architectures (name, schema_version, codec_version, payload)
		VALUES (?, ?, ?, ?)
	`, record.Name, CurrentSchemaVersion, CurrentCodecVersion, payload)
	if err != nil {
		if isConstraintError(err) {
			return errors.Wrap(ErrDuplicateName, record.Name)
		}
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetArchitecture(ctx context.Context, name string) (model.ArchitectureRecord, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return model.ArchitectureRecord{}, false, err
	}

	var payload []byte
	err = db.QueryRowContext(ctx, `SELECT payload FROM architectures WHERE name = ?`, name).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.ArchitectureRecord{}, false, nil
		}
		return model.ArchitectureRecord{}, false, err
	}

	record, err := DecodeArchitecture(payload)
	if err != nil {
		return model.ArchitectureRecord{}, false, errors.Wrapf(err, "decode architecture %s", name)
	}
	return record, true, nil
}

func (s *SQLiteStore) ListArchitectures(ctx context.Context) ([]model.ArchitectureRecord, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `SELECT name, payload FROM architectures ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ArchitectureRecord
	for rows.Next() {
		var (
			name    string
			payload []byte
		)
		if err := rows.Scan(&name, &payload); err != nil {
			return nil, err
		}
		record, err := DecodeArchitecture(payload)
		if err != nil {
			return nil, errors.Wrapf(err, "decode architecture %s", name)
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveEpochHistory(ctx context.Context, runID string, history []model.EpochMetrics) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	payload, err := EncodeEpochHistory(history)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO epoch_history (run_id, payload)
		VALUES (?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			payload = excluded.payload
	`, runID, payload)
	return err
}

func (s *SQLiteStore) GetEpochHistory(ctx context.Context, runID string) ([]model.EpochMetrics, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, false, err
	}

	var payload []byte
	err = db.QueryRowContext(ctx, `SELECT payload FROM epoch_history WHERE run_id = ?`, runID).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}

	history, err := DecodeEpochHistory(payload)
	if err != nil {
		return nil, false, errors.Wrapf(err, "decode epoch history %s", runID)
	}
	return history, true, nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	return s.db, nil
}

func isConstraintError(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed") || strings.Contains(err.Error(), "PRIMARY KEY")
}

func createTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS architectures (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			schema_version INTEGER NOT NULL,
			codec_version INTEGER NOT NULL,
			payload BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS epoch_history (
			run_id TEXT PRIMARY KEY,
			payload BLOB NOT NULL
		);
	`)
	return err
}
