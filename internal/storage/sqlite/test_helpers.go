package sqlite

import (
	"context"
	"path/filepath"
	"testing"
)

// setupTestStore creates a Store backed by a temp-dir database.
func setupTestStore(t *testing.T) (*Store, func()) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	store, err := New(context.Background(), path)
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	return store, func() { store.Close() }
}
