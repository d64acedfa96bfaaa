//go:build sqlite

package storage

import (
	"path/filepath"
	"testing"
)

func TestSQLiteStoreCatalog(t *testing.T) {
	store := NewSQLiteStore(filepath.Join(t.TempDir(), "gumbelnas.db"))
	t.Cleanup(func() {
		_ = store.Close()
	})
	exerciseCatalog(t, store)
}

func TestNewStoreSQLite(t *testing.T) {
	store, err := NewStore("sqlite", filepath.Join(t.TempDir(), "gumbelnas.db"))
	if err != nil {
		t.Fatalf("new sqlite store: %v", err)
	}
	if err := CloseIfSupported(store); err != nil {
		t.Fatalf("close: %v", err)
	}
}
