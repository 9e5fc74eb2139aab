package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/g960059/launchgate/internal/db"
)

func NewStore(t *testing.T) (*db.Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := db.Open(ctx, filepath.Join(t.TempDir(), "launchgate-test.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return store, ctx
}

// NewSettings opens a fresh store and wraps it in the settings adapter.
func NewSettings(t *testing.T) (*db.Settings, *db.Store) {
	t.Helper()
	store, _ := NewStore(t)
	return db.NewSettings(store, zap.NewNop()), store
}

// ReopenSettings wraps an existing store again, as a subsequent launch would.
func ReopenSettings(t *testing.T, store *db.Store) *db.Settings {
	t.Helper()
	return db.NewSettings(store, zap.NewNop())
}
