package storage

import "github.com/pkg/errors"

// DefaultStoreKind is the backend used when none is configured.
func DefaultStoreKind() string { return "file" }

// NewStore builds a backend by kind. path is the catalog document for file
// and the database for sqlite.
func NewStore(kind, path string) (Store, error) {
	switch kind {
	case "memory":
		return NewMemoryStore(), nil
	case "", "file":
		return NewFileStore(path), nil
	case "sqlite":
		return newSQLiteStore(path)
	default:
		return nil, errors.Errorf("unsupported store backend: %s", kind)
	}
}

func CloseIfSupported(store Store) error {
	closer, ok := store.(interface{ Close() error })
	if !ok {
		return nil
	}
	return closer.Close()
}
