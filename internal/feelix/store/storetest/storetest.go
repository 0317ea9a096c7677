// Package storetest opens throwaway databases for package tests.
package storetest

import (
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/bdobrica/feelix/internal/feelix/store"
)

// New returns a migrated Store backed by a temp file that is removed when
// the test ends.
func New(t testing.TB) *store.Store {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "feelix-test-*.db")
	if err != nil {
		t.Fatalf("create temp db file: %v", err)
	}
	f.Close()

	s, err := store.Open(f.Name(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}
