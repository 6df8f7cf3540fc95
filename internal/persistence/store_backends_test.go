package persistence

import (
	"database/sql"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/petrijr/steward/internal/testutil"
)

func TestInMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store { return NewInMemoryStore() })
}

// newTestSQLiteStore returns a store on a private in-memory database.
// A single connection keeps every statement on the same database.
func newTestSQLiteStore(t *testing.T) Store {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewSQLiteStore(db)
	require.NoError(t, err)
	return store
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, newTestSQLiteStore)
}

func TestPostgresStore(t *testing.T) {
	dsn := testutil.StartPostgresContainer(t)

	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	runStoreSuite(t, func(t *testing.T) Store {
		for _, table := range []string{"events", "unrouted_events", "executions", "execution_transitions", "approvals"} {
			_, _ = db.Exec("DROP TABLE IF EXISTS " + table)
		}
		store, err := NewPostgresStore(db)
		require.NoError(t, err)
		return store
	})
}
