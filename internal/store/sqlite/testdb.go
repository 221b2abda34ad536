package sqlite

import (
	"testing"
)

// OpenTestStore opens an in-memory store with all migrations applied. It
// is closed when the test finishes.
func OpenTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &Store{DB: db}
}
