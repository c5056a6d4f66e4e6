package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestSQLiteDSN(t *testing.T) {
	require.Equal(t,
		"file:/tmp/x.db?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate",
		sqliteDSN("/tmp/x.db"))
	require.Equal(t, "file:x.db?mode=memory", sqliteDSN("file:x.db?mode=memory"))
}
