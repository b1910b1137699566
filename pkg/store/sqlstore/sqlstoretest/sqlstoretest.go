// Package sqlstoretest opens throwaway in-memory SQLite stores for tests.
package sqlstoretest

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/sagaflow/pkg/config"
	"github.com/flowforge/sagaflow/pkg/store/sqlstore"
)

// New returns a migrated store backed by a private in-memory database that is
// closed when the test ends. A single connection keeps every query on the
// same in-memory database.
func New(t testing.TB) *sqlstore.Store {
	t.Helper()

	s, err := sqlstore.NewStore(&config.DatabaseConfig{
		Driver:       "sqlite",
		Path:         fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()),
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	})
	require.NoError(t, err)
	require.NoError(t, s.AutoMigrate())

	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}
