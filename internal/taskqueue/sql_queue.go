package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/petrijr/steward/internal/persistence"
	"github.com/petrijr/steward/pkg/api"
)

// SQLQueue is a Queue backed by an invocations table. It works on SQLite
// and PostgreSQL; on PostgreSQL claims use FOR UPDATE SKIP LOCKED so
// concurrent workers never block on each other.
type SQLQueue struct {
	db       *sql.DB
	cfg      Config
	postgres bool
	builder  sq.StatementBuilderType
}

var _ Queue = (*SQLQueue)(nil)

const invocationColumns = "id, execution_id, step, action, input, attempt, status, scheduled_at, created_at, " +
	"completed_at, error, owner, lease_expires_at, deliveries, result_status, output"

// NewSQLiteQueue initializes the invocations table in db and returns a queue.
func NewSQLiteQueue(db *sql.DB, cfg Config) (*SQLQueue, error) {
	return newSQLQueue(db, cfg, false)
}

// NewPostgresQueue initializes the invocations table in db and returns a queue.
func NewPostgresQueue(db *sql.DB, cfg Config) (*SQLQueue, error) {
	return newSQLQueue(db, cfg, true)
}

func newSQLQueue(db *sql.DB, cfg Config, postgres bool) (*SQLQueue, error) {
	q := &SQLQueue{db: db, cfg: cfg.withDefaults(), postgres: postgres}
	if postgres {
		q.builder = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
	} else {
		q.builder = sq.StatementBuilder.PlaceholderFormat(sq.Question)
	}
	if err := q.initSchema(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *SQLQueue) initSchema() error {
	blob := "BLOB"
	if q.postgres {
		blob = "BYTEA"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS invocations (
			id TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL DEFAULT '',
			step INTEGER NOT NULL,
			action TEXT NOT NULL,
			input ` + blob + `,
			attempt INTEGER NOT NULL,
			status TEXT NOT NULL,
			scheduled_at BIGINT NOT NULL,
			created_at BIGINT NOT NULL,
			completed_at BIGINT,
			error TEXT NOT NULL DEFAULT '',
			owner TEXT NOT NULL DEFAULT '',
			lease_expires_at BIGINT,
			deliveries INTEGER NOT NULL DEFAULT 0,
			result_status TEXT NOT NULL DEFAULT '',
			output ` + blob + `
		)`,
		`CREATE INDEX IF NOT EXISTS ix_invocations_due ON invocations(status, scheduled_at)`,
	}
	for _, stmt := range stmts {
		if _, err := q.db.Exec(stmt); err != nil {
			return fmt.Errorf("taskqueue: init schema: %w", err)
		}
	}
	return nil
}

// rebind converts '?' placeholders for the active dialect.
func (q *SQLQueue) rebind(query string) (string, error) {
	if !q.postgres {
		return query, nil
	}
	return sq.Dollar.ReplacePlaceholders(query)
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64).UTC()
	return &t
}

func (q *SQLQueue) Enqueue(ctx context.Context, inv *api.ActionInvocation) error {
	prepare(inv, q.cfg.Now())
	input, err := persistence.EncodePayload(inv.Input)
	if err != nil {
		return fmt.Errorf("taskqueue: encode input: %w", err)
	}
	query, args, err := q.builder.
		Insert("invocations").
		Columns("id", "execution_id", "step", "action", "input", "attempt", "status", "scheduled_at", "created_at").
		Values(inv.ID, inv.ExecutionID, inv.Step, string(inv.Action), input, inv.Attempt, string(inv.Status),
			inv.ScheduledAt.UnixNano(), inv.CreatedAt.UnixNano()).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := q.db.ExecContext(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("taskqueue: enqueue: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInvocation(row rowScanner) (*api.ActionInvocation, error) {
	var (
		inv                       api.ActionInvocation
		action, status, resStatus string
		input, output             []byte
		scheduled, created        int64
		completed, lease          sql.NullInt64
	)
	if err := row.Scan(&inv.ID, &inv.ExecutionID, &inv.Step, &action, &input, &inv.Attempt, &status,
		&scheduled, &created, &completed, &inv.Error, &inv.Owner, &lease, &inv.Deliveries, &resStatus, &output); err != nil {
		return nil, err
	}
	inv.Action = api.ActionName(action)
	inv.Status = api.InvocationStatus(status)
	inv.ResultStatus = api.ResultStatus(resStatus)
	inv.ScheduledAt = time.Unix(0, scheduled).UTC()
	inv.CreatedAt = time.Unix(0, created).UTC()
	inv.CompletedAt = timePtr(completed)
	inv.LeaseExpiresAt = timePtr(lease)

	var err error
	if inv.Input, err = persistence.DecodePayload(input); err != nil {
		return nil, fmt.Errorf("taskqueue: decode input of %s: %w", inv.ID, err)
	}
	if inv.Output, err = persistence.DecodePayload(output); err != nil {
		return nil, fmt.Errorf("taskqueue: decode output of %s: %w", inv.ID, err)
	}
	return &inv, nil
}

func (q *SQLQueue) Claim(ctx context.Context, owner string) (*api.ActionInvocation, error) {
	now := q.cfg.Now()
	lock := ""
	if q.postgres {
		lock = " FOR UPDATE SKIP LOCKED"
	}
	query, err := q.rebind(`
		UPDATE invocations
		SET status = ?, owner = ?, lease_expires_at = ?, deliveries = deliveries + 1
		WHERE id = (
			SELECT id FROM invocations
			WHERE (status = ? AND scheduled_at <= ?)
			   OR (status = ? AND lease_expires_at <= ?)
			ORDER BY scheduled_at, created_at, id
			LIMIT 1` + lock + `
		)
		RETURNING ` + invocationColumns)
	if err != nil {
		return nil, err
	}
	nowN := now.UnixNano()
	inv, err := scanInvocation(q.db.QueryRowContext(ctx, query,
		string(api.InvocationRunning), owner, now.Add(q.cfg.VisibilityTimeout).UnixNano(),
		string(api.InvocationPending), nowN,
		string(api.InvocationRunning), nowN,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("taskqueue: claim: %w", err)
	}
	return inv, nil
}

// refuse loads the invocation to explain why a conditional update matched
// no rows.
func (q *SQLQueue) refuse(ctx context.Context, id, owner string) error {
	inv, err := q.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := reportError(inv, owner); err != nil {
		return err
	}
	// The row changed between the update and the read.
	return ErrLeaseLost
}

func (q *SQLQueue) Extend(ctx context.Context, id, owner string) error {
	query, args, err := q.builder.
		Update("invocations").
		Set("lease_expires_at", q.cfg.Now().Add(q.cfg.VisibilityTimeout).UnixNano()).
		Where(sq.Eq{"id": id, "owner": owner, "status": string(api.InvocationRunning)}).
		ToSql()
	if err != nil {
		return err
	}
	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("taskqueue: extend: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return q.refuse(ctx, id, owner)
	}
	return nil
}

func (q *SQLQueue) finish(ctx context.Context, id, owner string, r api.Result) error {
	output, err := persistence.EncodePayload(r.Output)
	if err != nil {
		return fmt.Errorf("taskqueue: encode output: %w", err)
	}
	errText := ""
	if !r.Succeeded() {
		errText = r.Detail
	}
	query, args, err := q.builder.
		Update("invocations").
		SetMap(map[string]any{
			"status":           string(finishedStatus(r)),
			"result_status":    string(r.Status),
			"output":           output,
			"error":            errText,
			"completed_at":     q.cfg.Now().UnixNano(),
			"lease_expires_at": nil,
		}).
		Where(sq.Eq{"id": id, "owner": owner, "status": string(api.InvocationRunning)}).
		ToSql()
	if err != nil {
		return err
	}
	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("taskqueue: report: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return q.refuse(ctx, id, owner)
	}
	return nil
}

func (q *SQLQueue) Complete(ctx context.Context, id, owner string, res api.Result) error {
	return q.finish(ctx, id, owner, res)
}

func (q *SQLQueue) Fail(ctx context.Context, id, owner string, res api.Result) error {
	return q.finish(ctx, id, owner, res)
}

func (q *SQLQueue) Get(ctx context.Context, id string) (*api.ActionInvocation, error) {
	query, args, err := q.builder.Select(invocationColumns).From("invocations").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, err
	}
	inv, err := scanInvocation(q.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return inv, err
}

func (q *SQLQueue) Len(ctx context.Context) (int, error) {
	query, args, err := q.builder.
		Select("COUNT(*)").
		From("invocations").
		Where(sq.Eq{"status": []string{string(api.InvocationPending), string(api.InvocationRunning)}}).
		ToSql()
	if err != nil {
		return 0, err
	}
	var n int
	if err := q.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

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
