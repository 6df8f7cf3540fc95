// Package approval holds executions that wait for a human decision.
//
// The Gate records approval requests and decisions. It never executes
// actions: once a decision is recorded it notifies a DecisionHandler
// (normally the engine), which resumes or fails the execution.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/petrijr/steward/internal/persistence"
	"github.com/petrijr/steward/pkg/api"
)

// DefaultTTL is how long a request stays open before ExpireStale expires it.
const DefaultTTL = 24 * time.Hour

// ErrInvalidDecision is returned by Decide for anything other than
// approved or rejected.
var ErrInvalidDecision = errors.New("decision must be approved or rejected")

// DecisionHandler is notified after a decision has been recorded.
type DecisionHandler interface {
	HandleDecision(ctx context.Context, req *api.ApprovalRequest) error
}

// RequestOption customizes a new ApprovalRequest.
type RequestOption func(*api.ApprovalRequest)

// WithStep records which workflow step the request gates.
func WithStep(step int) RequestOption {
	return func(r *api.ApprovalRequest) { r.Step = step }
}

// WithExpiry overrides the gate's TTL for one request. A zero time means
// the request never expires.
func WithExpiry(at time.Time) RequestOption {
	return func(r *api.ApprovalRequest) {
		if at.IsZero() {
			r.ExpiresAt = nil
			return
		}
		r.ExpiresAt = &at
	}
}

// Config configures a Gate.
type Config struct {
	Store persistence.ApprovalStore

	// Handler may also be set later with SetHandler.
	Handler DecisionHandler

	Observer api.Observer
	Logger   *slog.Logger

	// TTL defaults to DefaultTTL. A negative TTL disables expiry.
	TTL time.Duration

	Now   func() time.Time
	NewID func() string
}

// Gate implements the approval workflow on top of an ApprovalStore.
type Gate struct {
	store    persistence.ApprovalStore
	observer api.Observer
	logger   *slog.Logger
	ttl      time.Duration
	now      func() time.Time
	newID    func() string

	mu      sync.RWMutex
	handler DecisionHandler
}

// NewGate returns a Gate. cfg.Store is required.
func NewGate(cfg Config) *Gate {
	g := &Gate{
		store:    cfg.Store,
		observer: cfg.Observer,
		logger:   cfg.Logger,
		ttl:      cfg.TTL,
		now:      cfg.Now,
		newID:    cfg.NewID,
		handler:  cfg.Handler,
	}
	if g.observer == nil {
		g.observer = api.NoopObserver{}
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	if g.ttl == 0 {
		g.ttl = DefaultTTL
	}
	if g.now == nil {
		g.now = time.Now
	}
	if g.newID == nil {
		g.newID = api.NewID
	}
	return g
}

// TTL returns how long a request stays open. A negative value means
// requests never expire.
func (g *Gate) TTL() time.Duration { return g.ttl }

// SetHandler sets the handler notified of decisions.
func (g *Gate) SetHandler(h DecisionHandler) {
	g.mu.Lock()
	g.handler = h
	g.mu.Unlock()
}

func (g *Gate) currentHandler() DecisionHandler {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.handler
}

// Request opens an approval request for an execution. It fails with
// *api.DuplicateApprovalError if the execution already has an open request.
func (g *Gate) Request(ctx context.Context, executionID, summary string, opts ...RequestOption) (*api.ApprovalRequest, error) {
	if executionID == "" {
		return nil, errors.New("approval: execution id is required")
	}
	now := g.now()
	req := &api.ApprovalRequest{
		ID:          g.newID(),
		ExecutionID: executionID,
		Summary:     summary,
		RequestedAt: now,
		Decision:    api.DecisionPending,
	}
	if g.ttl > 0 {
		exp := now.Add(g.ttl)
		req.ExpiresAt = &exp
	}
	for _, opt := range opts {
		opt(req)
	}

	if err := g.store.CreateApproval(ctx, req); err != nil {
		return nil, err
	}
	g.observer.OnApprovalRequested(ctx, req)
	return req, nil
}

// Decide records a human decision and notifies the handler. It fails with
// *api.AlreadyDecidedError if the request is no longer pending.
//
// The decision is durable once recorded. If the handler then fails, the
// returned error says so and the decided request is still returned; the
// engine's due sweep applies it later.
func (g *Gate) Decide(ctx context.Context, requestID string, decision api.Decision, decidedBy string) (*api.ApprovalRequest, error) {
	if decision != api.DecisionApproved && decision != api.DecisionRejected {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDecision, decision)
	}
	return g.decide(ctx, requestID, decision, decidedBy, true)
}

func (g *Gate) decide(ctx context.Context, requestID string, decision api.Decision, by string, notify bool) (*api.ApprovalRequest, error) {
	req, err := g.store.DecideApproval(ctx, requestID, decision, by, g.now())
	if err != nil {
		return req, err
	}
	g.observer.OnApprovalDecided(ctx, req)

	if !notify {
		return req, nil
	}
	h := g.currentHandler()
	if h == nil {
		g.logger.WarnContext(ctx, "approval decided without a handler",
			slog.String("approval_id", req.ID),
			slog.String("execution_id", req.ExecutionID),
		)
		return req, nil
	}
	if err := h.HandleDecision(ctx, req.Clone()); err != nil {
		return req, fmt.Errorf("approval %s recorded but not applied: %w", req.ID, err)
	}
	return req, nil
}

// ExpireStale expires every pending request whose expiry is at or before
// now and notifies the handler. It returns the number expired.
func (g *Gate) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	stale, err := g.store.ListApprovals(ctx, persistence.ApprovalFilter{
		Decision:      api.DecisionPending,
		ExpiresBefore: &now,
	})
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, req := range stale {
		_, err := g.decide(ctx, req.ID, api.DecisionExpired, "system", false)
		var already *api.AlreadyDecidedError
		if errors.As(err, &already) {
			continue
		}
		if err != nil {
			return expired, err
		}
		expired++
		if h := g.currentHandler(); h != nil {
			decided, err := g.store.GetApproval(ctx, req.ID)
			if err == nil {
				err = h.HandleDecision(ctx, decided)
			}
			if err != nil {
				g.logger.ErrorContext(ctx, "expired approval not applied",
					slog.String("approval_id", req.ID),
					slog.String("execution_id", req.ExecutionID),
					slog.Any("error", err),
				)
			}
		}
	}
	return expired, nil
}

// Withdraw rejects the open request of an execution without notifying the
// handler. It is used when the execution ends for another reason.
func (g *Gate) Withdraw(ctx context.Context, executionID, by string) error {
	open, err := g.store.OpenApproval(ctx, executionID)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = g.decide(ctx, open.ID, api.DecisionRejected, by, false)
	var already *api.AlreadyDecidedError
	if errors.As(err, &already) {
		return nil
	}
	return err
}

// Get returns one request.
func (g *Gate) Get(ctx context.Context, id string) (*api.ApprovalRequest, error) {
	return g.store.GetApproval(ctx, id)
}

// ListOpen returns pending requests, oldest first.
func (g *Gate) ListOpen(ctx context.Context, limit int) ([]*api.ApprovalRequest, error) {
	return g.store.ListApprovals(ctx, persistence.ApprovalFilter{Decision: api.DecisionPending, Limit: limit})
}

// List returns requests matching filter.
func (g *Gate) List(ctx context.Context, filter persistence.ApprovalFilter) ([]*api.ApprovalRequest, error) {
	return g.store.ListApprovals(ctx, filter)
}
