package store_test

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/homereach/dispatch/internal/store"
	dispatchtesting "github.com/homereach/dispatch/internal/testing"
)

var (
	testDB      *dispatchtesting.DB
	migrateOnce sync.Once
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	log := slog.Default()

	var err error
	testDB, err = dispatchtesting.NewDB(ctx, log, nil)
	if err != nil {
		slog.Error("failed to start PostgreSQL container", "error", err)
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close()
	os.Exit(code)
}

// newTestStore migrates once per package run and hands back a store on a
// per-test pool. Tests share the database, so rows must carry their own ids.
func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	migrateOnce.Do(func() {
		dispatchtesting.MigrateTestDB(t, testDB, store.EmbedMigrations)
	})
	pool := dispatchtesting.NewTestPool(t, testDB)
	return store.NewWithPool(dispatchtesting.NewLogger(), pool)
}

func ptr[T any](v T) *T { return &v }
