package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/petrijr/steward/pkg/api"
)

// SQLStore is a Store backed by database/sql. The same code serves SQLite and
// PostgreSQL; only placeholders and blob types differ per Dialect.
//
// The caller is responsible for importing the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
//	import _ "github.com/jackc/pgx/v5/stdlib"
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	builder sq.StatementBuilderType
}

var _ Store = (*SQLStore)(nil)

const (
	eventColumns     = "id, source, external_id, kind, received_at, payload, correlation_id"
	executionColumns = "id, workflow_type, event_id, correlation_id, state, current_step, approved_step, " +
		"pending_invocation_id, retry_count, next_retry_at, failure_reason, state_entered_at, created_at, updated_at, version"
	approvalColumns = "id, execution_id, step, summary, requested_at, expires_at, decision, decided_by, decided_at"
)

// NewSQLStore initializes the schema in db and returns a store for dialect.
func NewSQLStore(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLStore, error) {
	s := &SQLStore{
		db:      db,
		dialect: dialect,
		builder: sq.StatementBuilder.PlaceholderFormat(dialect.placeholders()),
	}
	if err := s.initSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// NewSQLiteStore is NewSQLStore with DialectSQLite.
func NewSQLiteStore(db *sql.DB) (*SQLStore, error) {
	return NewSQLStore(context.Background(), db, DialectSQLite)
}

// NewPostgresStore is NewSQLStore with DialectPostgres.
func NewPostgresStore(db *sql.DB) (*SQLStore, error) {
	return NewSQLStore(context.Background(), db, DialectPostgres)
}

type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// withinTx runs fn in a transaction, committing if it returns nil.
func (s *SQLStore) withinTx(ctx context.Context, fn func(ex executor) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("persistence: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func nanos(t time.Time) int64 { return t.UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

//
// Events
//

func (s *SQLStore) SaveEvent(ctx context.Context, ev *api.Event) error {
	payload, err := EncodePayload(ev.Payload)
	if err != nil {
		return fmt.Errorf("persistence: encode payload: %w", err)
	}
	query, args, err := s.builder.
		Insert("events").
		Columns("id", "source", "external_id", "kind", "received_at", "payload", "correlation_id").
		Values(ev.ID, string(ev.Source), ev.ExternalID, ev.Kind, nanos(ev.ReceivedAt), payload, ev.CorrelationID).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateEvent
		}
		return fmt.Errorf("persistence: save event: %w", err)
	}
	return nil
}

func scanEvent(row scanner) (*api.Event, error) {
	var (
		ev       api.Event
		source   string
		received int64
		payload  []byte
	)
	if err := row.Scan(&ev.ID, &source, &ev.ExternalID, &ev.Kind, &received, &payload, &ev.CorrelationID); err != nil {
		return nil, err
	}
	ev.Source = api.SourceType(source)
	ev.ReceivedAt = fromNanos(received)
	m, err := DecodePayload(payload)
	if err != nil {
		return nil, fmt.Errorf("persistence: decode payload of %s: %w", ev.ID, err)
	}
	ev.Payload = m
	return &ev, nil
}

func (s *SQLStore) getEventWhere(ctx context.Context, pred any) (*api.Event, error) {
	query, args, err := s.builder.Select(eventColumns).From("events").Where(pred).ToSql()
	if err != nil {
		return nil, err
	}
	ev, err := scanEvent(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return ev, err
}

func (s *SQLStore) GetEvent(ctx context.Context, id string) (*api.Event, error) {
	return s.getEventWhere(ctx, sq.Eq{"id": id})
}

func (s *SQLStore) FindByExternalID(ctx context.Context, source api.SourceType, externalID string) (*api.Event, error) {
	if externalID == "" {
		return nil, ErrNotFound
	}
	return s.getEventWhere(ctx, sq.Eq{"source": string(source), "external_id": externalID})
}

func (s *SQLStore) RecordUnrouted(ctx context.Context, rec api.UnroutedRecord) error {
	query, args, err := s.builder.
		Insert("unrouted_events").
		Columns("event_id", "correlation_id", "source", "recorded_at", "reason").
		Values(rec.EventID, rec.CorrelationID, string(rec.Source), nanos(rec.RecordedAt), rec.Reason).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil && !isUniqueViolation(err) {
		return fmt.Errorf("persistence: record unrouted: %w", err)
	}
	return nil
}

func (s *SQLStore) ListUnrouted(ctx context.Context, limit int) ([]api.UnroutedRecord, error) {
	b := s.builder.
		Select("event_id, correlation_id, source, recorded_at, reason").
		From("unrouted_events").
		OrderBy("recorded_at ASC", "event_id ASC")
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("persistence: list unrouted: %w", err)
	}
	defer rows.Close()

	var out []api.UnroutedRecord
	for rows.Next() {
		var (
			rec    api.UnroutedRecord
			source string
			at     int64
		)
		if err := rows.Scan(&rec.EventID, &rec.CorrelationID, &source, &at, &rec.Reason); err != nil {
			return nil, err
		}
		rec.Source = api.SourceType(source)
		rec.RecordedAt = fromNanos(at)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// purgeablePredicate matches events older than cutoff that no non-terminal
// execution references.
func purgeablePredicate(cutoff time.Time) sq.And {
	return sq.And{sq.Lt{"received_at": nanos(cutoff)}, unpinned()}
}

func unpinned() sq.Sqlizer {
	return sq.Expr("id NOT IN (SELECT event_id FROM executions WHERE state IN (?, ?, ?))",
		string(api.StateCreated), string(api.StateRunning), string(api.StateAwaitingApproval))
}

func (s *SQLStore) ListEventsBefore(ctx context.Context, cutoff time.Time, limit int) ([]*api.Event, error) {
	b := s.builder.Select(eventColumns).From("events").
		Where(purgeablePredicate(cutoff)).
		OrderBy("received_at ASC", "id ASC")
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("persistence: list events: %w", err)
	}
	defer rows.Close()

	var out []*api.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQLStore) PurgeEventsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	var n int64
	err := s.withinTx(ctx, func(ex executor) error {
		query, args, err := s.builder.Delete("events").Where(purgeablePredicate(cutoff)).ToSql()
		if err != nil {
			return err
		}
		res, err := ex.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("persistence: purge events: %w", err)
		}
		if n, err = res.RowsAffected(); err != nil {
			return err
		}
		query, args, err = s.builder.Delete("unrouted_events").Where(sq.Lt{"recorded_at": nanos(cutoff)}).ToSql()
		if err != nil {
			return err
		}
		_, err = ex.ExecContext(ctx, query, args...)
		return err
	})
	return int(n), err
}

func (s *SQLStore) PurgeEvents(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query, args, err := s.builder.Delete("events").Where(sq.And{sq.Eq{"id": ids}, unpinned()}).ToSql()
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("persistence: purge events: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLStore) PurgeUnroutedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	query, args, err := s.builder.Delete("unrouted_events").Where(sq.Lt{"recorded_at": nanos(cutoff)}).ToSql()
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("persistence: purge unrouted: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

//
// Executions
//

func (s *SQLStore) insertTransitions(ctx context.Context, ex executor, id string, from int, history []api.Transition) error {
	if from >= len(history) {
		return nil
	}
	b := s.builder.Insert("execution_transitions").
		Columns("execution_id", "seq", "from_state", "to_state", "at", "detail")
	for i := from; i < len(history); i++ {
		tr := history[i]
		b = b.Values(id, i, string(tr.From), string(tr.To), nanos(tr.At), tr.Detail)
	}
	query, args, err := b.ToSql()
	if err != nil {
		return err
	}
	if _, err := ex.ExecContext(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("persistence: append history: %w", err)
	}
	return nil
}

func (s *SQLStore) CreateExecution(ctx context.Context, exec *api.WorkflowExecution) error {
	err := s.withinTx(ctx, func(ex executor) error {
		query, args, err := s.builder.
			Insert("executions").
			Columns("id", "workflow_type", "event_id", "correlation_id", "state", "current_step", "approved_step",
				"pending_invocation_id", "retry_count", "next_retry_at", "failure_reason", "state_entered_at",
				"created_at", "updated_at", "version").
			Values(exec.ID, exec.WorkflowType, exec.EventID, exec.CorrelationID, string(exec.State), exec.CurrentStep,
				exec.ApprovedStep, exec.PendingInvocationID, exec.RetryCount, nullNanos(exec.NextRetryAt),
				string(exec.FailureReason), nanos(exec.StateEnteredAt), nanos(exec.CreatedAt), nanos(exec.UpdatedAt), 1).
			ToSql()
		if err != nil {
			return err
		}
		if _, err := ex.ExecContext(ctx, query, args...); err != nil {
			if isUniqueViolation(err) {
				return ErrConflict
			}
			return fmt.Errorf("persistence: create execution: %w", err)
		}
		return s.insertTransitions(ctx, ex, exec.ID, 0, exec.History)
	})
	if err != nil {
		return err
	}
	exec.Version = 1
	return nil
}

func scanExecution(row scanner) (*api.WorkflowExecution, error) {
	var (
		e                               api.WorkflowExecution
		state, reason                   string
		nextRetry                       sql.NullInt64
		enteredAt, createdAt, updatedAt int64
	)
	if err := row.Scan(&e.ID, &e.WorkflowType, &e.EventID, &e.CorrelationID, &state, &e.CurrentStep,
		&e.ApprovedStep, &e.PendingInvocationID, &e.RetryCount, &nextRetry, &reason, &enteredAt,
		&createdAt, &updatedAt, &e.Version); err != nil {
		return nil, err
	}
	e.State = api.State(state)
	e.FailureReason = api.FailureReason(reason)
	e.NextRetryAt = timePtr(nextRetry)
	e.StateEnteredAt = fromNanos(enteredAt)
	e.CreatedAt = fromNanos(createdAt)
	e.UpdatedAt = fromNanos(updatedAt)
	return &e, nil
}

// loadHistory fills History for every execution in execs.
func (s *SQLStore) loadHistory(ctx context.Context, execs []*api.WorkflowExecution) error {
	if len(execs) == 0 {
		return nil
	}
	byID := make(map[string]*api.WorkflowExecution, len(execs))
	ids := make([]string, 0, len(execs))
	for _, e := range execs {
		byID[e.ID] = e
		ids = append(ids, e.ID)
	}
	query, args, err := s.builder.
		Select("execution_id, from_state, to_state, at, detail").
		From("execution_transitions").
		Where(sq.Eq{"execution_id": ids}).
		OrderBy("execution_id ASC", "seq ASC").
		ToSql()
	if err != nil {
		return err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("persistence: load history: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id, from, to, detail string
			at                   int64
		)
		if err := rows.Scan(&id, &from, &to, &at, &detail); err != nil {
			return err
		}
		e := byID[id]
		e.History = append(e.History, api.Transition{
			From:   api.State(from),
			To:     api.State(to),
			At:     fromNanos(at),
			Detail: detail,
		})
	}
	return rows.Err()
}

func (s *SQLStore) GetExecution(ctx context.Context, id string) (*api.WorkflowExecution, error) {
	query, args, err := s.builder.Select(executionColumns).From("executions").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, err
	}
	e, err := scanExecution(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadHistory(ctx, []*api.WorkflowExecution{e}); err != nil {
		return nil, err
	}
	return e, nil
}

func (s *SQLStore) UpdateExecution(ctx context.Context, exec *api.WorkflowExecution) error {
	err := s.withinTx(ctx, func(ex executor) error {
		query, args, err := s.builder.
			Update("executions").
			SetMap(map[string]any{
				"state":                 string(exec.State),
				"current_step":          exec.CurrentStep,
				"approved_step":         exec.ApprovedStep,
				"pending_invocation_id": exec.PendingInvocationID,
				"retry_count":           exec.RetryCount,
				"next_retry_at":         nullNanos(exec.NextRetryAt),
				"failure_reason":        string(exec.FailureReason),
				"state_entered_at":      nanos(exec.StateEnteredAt),
				"updated_at":            nanos(exec.UpdatedAt),
				"version":               exec.Version + 1,
			}).
			Where(sq.Eq{"id": exec.ID, "version": exec.Version}).
			ToSql()
		if err != nil {
			return err
		}
		res, err := ex.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("persistence: update execution: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			var one int
			q, a, err := s.builder.Select("1").From("executions").Where(sq.Eq{"id": exec.ID}).ToSql()
			if err != nil {
				return err
			}
			if err := ex.QueryRowContext(ctx, q, a...).Scan(&one); errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return ErrConflict
		}

		q, a, err := s.builder.Select("COUNT(*)").From("execution_transitions").Where(sq.Eq{"execution_id": exec.ID}).ToSql()
		if err != nil {
			return err
		}
		var stored int
		if err := ex.QueryRowContext(ctx, q, a...).Scan(&stored); err != nil {
			return err
		}
		if stored > len(exec.History) {
			return ErrConflict
		}
		return s.insertTransitions(ctx, ex, exec.ID, stored, exec.History)
	})
	if err != nil {
		return err
	}
	exec.Version++
	return nil
}

func (s *SQLStore) ListExecutions(ctx context.Context, f ExecutionFilter) ([]*api.WorkflowExecution, error) {
	b := s.builder.Select(executionColumns).From("executions").OrderBy("created_at ASC", "id ASC")
	if f.WorkflowType != "" {
		b = b.Where(sq.Eq{"workflow_type": f.WorkflowType})
	}
	if f.EventID != "" {
		b = b.Where(sq.Eq{"event_id": f.EventID})
	}
	if len(f.States) > 0 {
		states := make([]string, len(f.States))
		for i, st := range f.States {
			states[i] = string(st)
		}
		b = b.Where(sq.Eq{"state": states})
	}
	if f.DueBefore != nil {
		b = b.Where(sq.And{sq.NotEq{"next_retry_at": nil}, sq.LtOrEq{"next_retry_at": nanos(*f.DueBefore)}})
	}
	if f.EnteredBefore != nil {
		b = b.Where(sq.Lt{"state_entered_at": nanos(*f.EnteredBefore)})
	}
	if f.After != nil {
		at := nanos(f.After.CreatedAt)
		b = b.Where(sq.Or{
			sq.Gt{"created_at": at},
			sq.And{sq.Eq{"created_at": at}, sq.Gt{"id": f.After.ID}},
		})
	}
	if f.Limit > 0 {
		b = b.Limit(uint64(f.Limit))
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("persistence: list executions: %w", err)
	}
	var out []*api.WorkflowExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if err := s.loadHistory(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

//
// Approvals
//

func (s *SQLStore) CreateApproval(ctx context.Context, req *api.ApprovalRequest) error {
	query, args, err := s.builder.
		Insert("approvals").
		Columns("id", "execution_id", "step", "summary", "requested_at", "expires_at", "decision", "decided_by", "decided_at").
		Values(req.ID, req.ExecutionID, req.Step, req.Summary, nanos(req.RequestedAt), nullNanos(req.ExpiresAt),
			string(req.Decision), req.DecidedBy, nullNanos(req.DecidedAt)).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		if !isUniqueViolation(err) {
			return fmt.Errorf("persistence: create approval: %w", err)
		}
		open, getErr := s.OpenApproval(ctx, req.ExecutionID)
		if getErr != nil {
			// The violation was on the primary key, not the open-request index.
			return ErrConflict
		}
		return &api.DuplicateApprovalError{ExecutionID: req.ExecutionID, OpenRequestID: open.ID}
	}
	return nil
}

func scanApproval(row scanner) (*api.ApprovalRequest, error) {
	var (
		r                  api.ApprovalRequest
		decision           string
		requested          int64
		expires, decidedAt sql.NullInt64
	)
	if err := row.Scan(&r.ID, &r.ExecutionID, &r.Step, &r.Summary, &requested, &expires, &decision, &r.DecidedBy, &decidedAt); err != nil {
		return nil, err
	}
	r.RequestedAt = fromNanos(requested)
	r.ExpiresAt = timePtr(expires)
	r.Decision = api.Decision(decision)
	r.DecidedAt = timePtr(decidedAt)
	return &r, nil
}

func (s *SQLStore) getApprovalWhere(ctx context.Context, pred any) (*api.ApprovalRequest, error) {
	query, args, err := s.builder.Select(approvalColumns).From("approvals").Where(pred).ToSql()
	if err != nil {
		return nil, err
	}
	r, err := scanApproval(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (s *SQLStore) GetApproval(ctx context.Context, id string) (*api.ApprovalRequest, error) {
	return s.getApprovalWhere(ctx, sq.Eq{"id": id})
}

func (s *SQLStore) OpenApproval(ctx context.Context, executionID string) (*api.ApprovalRequest, error) {
	return s.getApprovalWhere(ctx, sq.Eq{"execution_id": executionID, "decision": string(api.DecisionPending)})
}

func (s *SQLStore) DecideApproval(ctx context.Context, id string, decision api.Decision, by string, at time.Time) (*api.ApprovalRequest, error) {
	query, args, err := s.builder.
		Update("approvals").
		Set("decision", string(decision)).
		Set("decided_by", by).
		Set("decided_at", nanos(at)).
		Where(sq.Eq{"id": id, "decision": string(api.DecisionPending)}).
		ToSql()
	if err != nil {
		return nil, err
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("persistence: decide approval: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	r, err := s.GetApproval(ctx, id)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return r, &api.AlreadyDecidedError{RequestID: id, Decision: r.Decision}
	}
	return r, nil
}

func (s *SQLStore) ListApprovals(ctx context.Context, f ApprovalFilter) ([]*api.ApprovalRequest, error) {
	b := s.builder.Select(approvalColumns).From("approvals").OrderBy("requested_at ASC", "id ASC")
	if f.ExecutionID != "" {
		b = b.Where(sq.Eq{"execution_id": f.ExecutionID})
	}
	if f.Decision != "" {
		b = b.Where(sq.Eq{"decision": string(f.Decision)})
	}
	if f.ExpiresBefore != nil {
		b = b.Where(sq.And{sq.NotEq{"expires_at": nil}, sq.LtOrEq{"expires_at": nanos(*f.ExpiresBefore)}})
	}
	if f.Limit > 0 {
		b = b.Limit(uint64(f.Limit))
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("persistence: list approvals: %w", err)
	}
	defer rows.Close()

	var out []*api.ApprovalRequest
	for rows.Next() {
		r, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
