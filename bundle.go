package steward

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/petrijr/steward/internal/action"
	"github.com/petrijr/steward/internal/approval"
	"github.com/petrijr/steward/internal/engine"
	"github.com/petrijr/steward/internal/httpapi"
	"github.com/petrijr/steward/internal/ingress"
	"github.com/petrijr/steward/internal/maintenance"
	"github.com/petrijr/steward/internal/persistence"
	"github.com/petrijr/steward/internal/router"
	"github.com/petrijr/steward/internal/scheduler"
	"github.com/petrijr/steward/internal/taskqueue"
	"github.com/petrijr/steward/pkg/api"
	"github.com/petrijr/steward/pkg/worker"
)

// ScheduleEntry is one recurring maintenance invocation.
type ScheduleEntry = scheduler.Entry

// BundleConfig describes the workflows, routing and tuning of a Bundle.
type BundleConfig struct {
	// Workflows are registered before the router is built, so every rule
	// must target one of them.
	Workflows []WorkflowDefinition
	Rules     []Rule

	// Schedule defaults to the standard maintenance schedule.
	Schedule []ScheduleEntry

	Worker            worker.Config
	VisibilityTimeout time.Duration

	// ApprovalTTL defaults to 24h. A negative value disables expiry.
	ApprovalTTL time.Duration

	RequiredFields map[SourceType][]string
	RateLimits     map[SourceType]RateLimit

	// Retention is how long events are kept by the purge maintenance action.
	Retention  time.Duration
	PurgeBatch int

	// Archiver is optional. When set, purged events are archived first.
	Archiver maintenance.Archiver

	// Idempotency de-duplicates action side effects across redeliveries.
	// Defaults to a process-local store that remembers keys for
	// IdempotencyTTL (default 7 days).
	Idempotency    action.IdempotencyStore
	IdempotencyTTL time.Duration

	// WrapExecutor is optional. It decorates the de-duplicated action
	// executor before the worker uses it.
	WrapExecutor func(worker.Executor) worker.Executor

	// Observer receives lifecycle callbacks in addition to Bundle.Metrics.
	Observer Observer
	Logger   *slog.Logger
	Now      func() time.Time
}

// Bundle wires an event store, a durable invocation queue, the approval
// gate, the engine, routing, ingress and a Worker that consumes the queue.
type Bundle struct {
	Store       persistence.Store
	Queue       taskqueue.Queue
	Gate        *approval.Gate
	Engine      *engine.Engine
	Actions     *action.Registry
	Router      *router.Router
	Ingress     *ingress.Ingress
	Worker      *worker.Worker
	Scheduler   *scheduler.Scheduler
	Maintenance *maintenance.Tasks
	Metrics     *BasicMetrics

	logger *slog.Logger
}

// NewMemoryBundle constructs a Bundle whose state lives in process memory.
// Nothing survives a restart; it is meant for tests and local runs.
func NewMemoryBundle(cfg BundleConfig) (*Bundle, error) {
	q := taskqueue.NewInMemoryQueue(queueConfig(cfg))
	return NewBundle(persistence.NewInMemoryStore(), q, cfg)
}

// NewSQLiteBundle constructs a Bundle that keeps events, executions,
// approvals and queued invocations in the same SQLite database.
//
// Typical usage:
//
//	db, _ := sql.Open("sqlite", "file:steward.db?_pragma=journal_mode(WAL)")
//	bundle, err := steward.NewSQLiteBundle(db, steward.BundleConfig{
//	    Workflows: defs,
//	    Rules:     rules,
//	})
//	// register action handlers on bundle.Actions, then bundle.Run(ctx)
func NewSQLiteBundle(db *sql.DB, cfg BundleConfig) (*Bundle, error) {
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	q, err := taskqueue.NewSQLiteQueue(db, queueConfig(cfg))
	if err != nil {
		return nil, err
	}
	return NewBundle(store, q, cfg)
}

// NewPostgresBundle is NewSQLiteBundle for PostgreSQL.
func NewPostgresBundle(db *sql.DB, cfg BundleConfig) (*Bundle, error) {
	store, err := persistence.NewPostgresStore(db)
	if err != nil {
		return nil, err
	}
	q, err := taskqueue.NewPostgresQueue(db, queueConfig(cfg))
	if err != nil {
		return nil, err
	}
	return NewBundle(store, q, cfg)
}

func queueConfig(cfg BundleConfig) taskqueue.Config {
	return taskqueue.Config{VisibilityTimeout: cfg.VisibilityTimeout, Now: cfg.Now}
}

// NewBundle wires the components on top of an existing store and queue.
// Maintenance actions are registered on Actions; domain actions are left
// to the caller.
func NewBundle(store persistence.Store, q taskqueue.Queue, cfg BundleConfig) (*Bundle, error) {
	if store == nil || q == nil {
		return nil, errors.New("steward: store and queue are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	metrics := &api.BasicMetrics{}
	var obs api.Observer = metrics
	if cfg.Observer != nil {
		obs = api.NewCompositeObserver(metrics, cfg.Observer)
	}

	b := &Bundle{Store: store, Queue: q, Metrics: metrics, logger: logger}
	b.Gate = approval.NewGate(approval.Config{
		Store:    store,
		Observer: obs,
		Logger:   logger,
		TTL:      cfg.ApprovalTTL,
		Now:      now,
	})
	b.Engine = engine.New(engine.Config{
		Persistence: persistence.FromStore(store),
		Queue:       q,
		Gate:        b.Gate,
		Observer:    obs,
		Logger:      logger,
		Now:         now,
	})
	b.Gate.SetHandler(b.Engine)

	registered := make([]WorkflowDefinition, 0, len(cfg.Workflows))
	for _, def := range cfg.Workflows {
		if err := b.Engine.RegisterWorkflow(def); err != nil {
			return nil, fmt.Errorf("steward: %w", err)
		}
		def, _ = b.Engine.Workflow(def.Name)
		registered = append(registered, def)
	}
	if names := approvalsOutlived(registered, b.Gate.TTL()); len(names) > 0 {
		logger.Warn("workflow timeout is shorter than the approval TTL, approvals will time out before they expire",
			slog.Any("workflows", names),
			slog.Duration("approval_ttl", b.Gate.TTL()),
		)
	}

	var err error
	b.Router, err = router.New(router.Config{
		Rules:    cfg.Rules,
		Engine:   b.Engine,
		Events:   store,
		Observer: obs,
		Logger:   logger,
		Now:      now,
	})
	if err != nil {
		return nil, err
	}
	b.Ingress, err = ingress.New(ingress.Config{
		Events:         store,
		Router:         b.Router,
		Executions:     store,
		RequiredFields: cfg.RequiredFields,
		RateLimits:     cfg.RateLimits,
		Observer:       obs,
		Logger:         logger,
		Now:            now,
	})
	if err != nil {
		return nil, err
	}

	b.Actions = action.NewRegistry()
	b.Maintenance = maintenance.New(maintenance.Config{
		Engine:     b.Engine,
		Gate:       b.Gate,
		Events:     store,
		Archiver:   cfg.Archiver,
		Retention:  cfg.Retention,
		PurgeBatch: cfg.PurgeBatch,
		Logger:     logger,
		Now:        now,
	})
	if err := b.Maintenance.Register(b.Actions); err != nil {
		return nil, err
	}

	entries := cfg.Schedule
	if entries == nil {
		entries = scheduler.DefaultEntries()
	}
	b.Scheduler, err = scheduler.New(scheduler.Config{Queue: q, Entries: entries, Logger: logger})
	if err != nil {
		return nil, err
	}

	wcfg := cfg.Worker
	if wcfg.Observer == nil {
		wcfg.Observer = obs
	}
	if wcfg.Logger == nil {
		wcfg.Logger = logger
	}
	idem := cfg.Idempotency
	if idem == nil {
		idem = action.NewMemoryIdempotencyStore(cfg.IdempotencyTTL, cfg.Now)
	}
	var executor worker.Executor = action.Deduplicate(b.Actions, idem, logger)
	if cfg.WrapExecutor != nil {
		executor = cfg.WrapExecutor(executor)
	}
	b.Worker = worker.New(q, executor, b.Engine, wcfg)
	return b, nil
}

// RegisterAction binds a handler to a domain action.
func (b *Bundle) RegisterAction(name ActionName, h ActionHandler) error {
	return b.Actions.Register(name, h)
}

// Ingest accepts and routes one raw event. See ingress.Ingress.Ingest for
// how duplicates and unrouted events are reported.
func (b *Bundle) Ingest(ctx context.Context, raw RawEvent) (*Event, *WorkflowExecution, error) {
	return b.Ingress.Ingest(ctx, raw)
}

// Decide records a human decision on an approval request.
func (b *Bundle) Decide(ctx context.Context, requestID string, decision Decision, decidedBy string) (*ApprovalRequest, error) {
	return b.Gate.Decide(ctx, requestID, decision, decidedBy)
}

// PendingApprovals returns open approval requests, oldest first.
func (b *Bundle) PendingApprovals(ctx context.Context) ([]*ApprovalRequest, error) {
	return b.Gate.ListOpen(ctx, 0)
}

// Execution returns one execution with its history.
func (b *Bundle) Execution(ctx context.Context, id string) (*WorkflowExecution, error) {
	return b.Engine.GetExecution(ctx, id)
}

// Cancel fails a non-terminal execution.
func (b *Bundle) Cancel(ctx context.Context, id, reason string) (*WorkflowExecution, error) {
	return b.Engine.Cancel(ctx, id, reason)
}

// HTTPHandler returns the HTTP API for this bundle, with /v1/metrics
// serving Metrics.
func (b *Bundle) HTTPHandler() (http.Handler, error) {
	srv, err := httpapi.New(httpapi.Config{
		Ingress:    b.Ingress,
		Approvals:  b.Gate,
		Executions: b.Engine,
		Metrics: func(context.Context) (any, error) {
			return b.Metrics.Snapshot(), nil
		},
		Logger: b.logger,
	})
	if err != nil {
		return nil, err
	}
	return srv.Handler(), nil
}

// Run starts the worker and the maintenance scheduler and blocks until ctx
// is cancelled.
func (b *Bundle) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.Worker.Run(ctx) })
	g.Go(func() error { return b.Scheduler.Run(ctx) })
	return g.Wait()
}

// approvalsOutlived returns the workflows with an approval step whose
// timeout ends an approval wait before the request can expire.
func approvalsOutlived(defs []WorkflowDefinition, ttl time.Duration) []string {
	if ttl <= 0 {
		return nil
	}
	var names []string
	for _, def := range defs {
		if def.Timeout > ttl {
			continue
		}
		for _, st := range def.Steps {
			if st.RequiresApproval {
				names = append(names, def.Name)
				break
			}
		}
	}
	return names
}
