// Package storetest opens throwaway stores for package tests.
package storetest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/lychee-technology/formsync"
	"github.com/lychee-technology/formsync/internal/store"
	"github.com/stretchr/testify/require"
)

// New opens a SQLite-backed store with the full schema in t.TempDir.
func New(t testing.TB) *store.Store {
	t.Helper()
	cfg := formsync.StoreConfig{
		Driver:         "sqlite",
		Path:           filepath.Join(t.TempDir(), "formsync.db"),
		MaxConnections: 1,
	}
	s := store.New(cfg)
	require.NoError(t, s.Open(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}
