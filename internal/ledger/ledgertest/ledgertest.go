// Package ledgertest opens throwaway in-memory ledgers for tests.
package ledgertest

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/AmariLuigi/vendors.gg-sub001/internal/ledger"
)

// New returns a migrated sqlite ledger that is closed when t finishes.
func New(t testing.TB) *ledger.Store {
	t.Helper()

	store, err := ledger.Open(ledger.Config{
		Driver: "sqlite",
		DSN:    "file:" + uuid.NewString() + "?mode=memory&cache=shared",
	})
	require.NoError(t, err)
	require.NoError(t, store.Migrate())

	t.Cleanup(func() { _ = store.Close() })
	return store
}
