package taskqueue

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	_ "modernc.org/sqlite"

	"github.com/petrijr/steward/internal/testutil"
)

func TestInMemoryQueue(t *testing.T) {
	runQueueSuite(t, func(t *testing.T, cfg Config) Queue { return NewInMemoryQueue(cfg) })
}

func TestSQLiteQueue(t *testing.T) {
	runQueueSuite(t, func(t *testing.T, cfg Config) Queue {
		db, err := sql.Open("sqlite", ":memory:")
		require.NoError(t, err)
		db.SetMaxOpenConns(1)
		t.Cleanup(func() { _ = db.Close() })

		q, err := NewSQLiteQueue(db, cfg)
		require.NoError(t, err)
		return q
	})
}

func TestPostgresQueue(t *testing.T) {
	dsn := testutil.StartPostgresContainer(t)
	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	runQueueSuite(t, func(t *testing.T, cfg Config) Queue {
		_, err := db.Exec(`DROP TABLE IF EXISTS invocations`)
		require.NoError(t, err)
		q, err := NewPostgresQueue(db, cfg)
		require.NoError(t, err)
		return q
	})
}

func TestRedisQueue(t *testing.T) {
	addr := testutil.StartRedisContainer(t)
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	runQueueSuite(t, func(t *testing.T, cfg Config) Queue {
		require.NoError(t, client.FlushDB(context.Background()).Err())
		return NewRedisQueue(client, "steward-test:", cfg)
	})
}

func TestMongoQueue(t *testing.T) {
	uri := testutil.StartMongoContainer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })

	runQueueSuite(t, func(t *testing.T, cfg Config) Queue {
		q := NewMongoQueue(client, "steward_test", "invocations", cfg)
		require.NoError(t, q.coll.Drop(context.Background()))
		require.NoError(t, q.EnsureIndexes(context.Background()))
		return q
	})
}
