package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/vdavid/mailmirror/internal/db"
	"github.com/vdavid/mailmirror/internal/retry"
	"go.uber.org/zap"
)

// NewTestStore opens a migrated mirror store in a temporary directory.
// It is closed automatically when the test finishes.
func NewTestStore(t *testing.T) *db.Store {
	t.Helper()

	store, err := db.Open(context.Background(), filepath.Join(t.TempDir(), "mirror.db"), db.Options{
		BusyTimeout: time.Second,
		Retry: retry.Config{
			InitialInterval: time.Millisecond,
			MaxInterval:     10 * time.Millisecond,
			MaxElapsed:      2 * time.Second,
			MaxRetries:      5,
		},
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("Failed to open test store: %v", err)
	}

	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("Failed to close test store: %v", err)
		}
	})

	return store
}
