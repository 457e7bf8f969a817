package testutil

import (
	"path/filepath"
	"testing"

	"github.com/vdavid/mailsync/internal/store"
)

// NewTestStore creates a SQLiteStore in the test's temp dir with all
// migrations applied. The store is closed when the test completes.
func NewTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "mailbox.db"))
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing test store: %v", err)
		}
	})
	return s
}
