package persistence

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgconn"
)

// Dialect selects the SQL flavour used by SQLStore.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

func (d Dialect) placeholders() sq.PlaceholderFormat {
	if d == DialectPostgres {
		return sq.Dollar
	}
	return sq.Question
}

func (d Dialect) blobType() string {
	if d == DialectPostgres {
		return "BYTEA"
	}
	return "BLOB"
}

// Timestamps are stored as Unix nanoseconds in BIGINT columns on both
// dialects so comparisons and ordering behave identically.
func (d Dialect) schema() []string {
	blob := d.blobType()
	return []string{
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			external_id TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL DEFAULT '',
			received_at BIGINT NOT NULL,
			payload ` + blob + `,
			correlation_id TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_events_source_external
			ON events(source, external_id) WHERE external_id <> ''`,
		`CREATE INDEX IF NOT EXISTS ix_events_received_at ON events(received_at)`,
		`CREATE TABLE IF NOT EXISTS unrouted_events (
			event_id TEXT PRIMARY KEY,
			correlation_id TEXT NOT NULL,
			source TEXT NOT NULL,
			recorded_at BIGINT NOT NULL,
			reason TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			workflow_type TEXT NOT NULL,
			event_id TEXT NOT NULL,
			correlation_id TEXT NOT NULL,
			state TEXT NOT NULL,
			current_step INTEGER NOT NULL,
			approved_step INTEGER NOT NULL,
			pending_invocation_id TEXT NOT NULL DEFAULT '',
			retry_count INTEGER NOT NULL,
			next_retry_at BIGINT,
			failure_reason TEXT NOT NULL DEFAULT '',
			state_entered_at BIGINT NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			version BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS ix_executions_state ON executions(state)`,
		`CREATE INDEX IF NOT EXISTS ix_executions_event ON executions(event_id)`,
		`CREATE TABLE IF NOT EXISTS execution_transitions (
			execution_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			from_state TEXT NOT NULL,
			to_state TEXT NOT NULL,
			at BIGINT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (execution_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS approvals (
			id TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL,
			step INTEGER NOT NULL,
			summary TEXT NOT NULL DEFAULT '',
			requested_at BIGINT NOT NULL,
			expires_at BIGINT,
			decision TEXT NOT NULL,
			decided_by TEXT NOT NULL DEFAULT '',
			decided_at BIGINT
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_approvals_open
			ON approvals(execution_id) WHERE decision = 'pending'`,
	}
}

func (s *SQLStore) initSchema(ctx context.Context) error {
	for _, stmt := range s.dialect.schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("persistence: init %s schema: %w", s.dialect, err)
		}
	}
	return nil
}

// isUniqueViolation reports whether err is a unique-constraint failure on
// either dialect.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
