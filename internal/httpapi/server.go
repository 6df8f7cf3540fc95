// Package httpapi exposes event ingestion, approval decisions and execution
// inspection over HTTP.
//
// Routes:
//
//	POST /v1/events                    ingest {source_type, payload, correlation_id}
//	GET  /v1/approvals                 list approvals (?decision=&execution_id=&limit=)
//	GET  /v1/approvals/{id}            one approval
//	POST /v1/approvals/{id}/decision   {decision: approved|rejected, decided_by}
//	GET  /v1/executions                list executions (?workflow_type=&state=&event_id=&limit=)
//	GET  /v1/executions/{id}           one execution with its history
//	POST /v1/executions/{id}/cancel    {reason}
//	GET  /v1/metrics                   metrics snapshot, when configured
//	GET  /healthz
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/petrijr/steward/internal/approval"
	"github.com/petrijr/steward/internal/ingress"
	"github.com/petrijr/steward/internal/persistence"
	"github.com/petrijr/steward/pkg/api"
)

const (
	defaultMaxBodyBytes = 1 << 20
	defaultListLimit    = 100
	maxListLimit        = 1000
)

// Ingester accepts and routes raw events. *ingress.Ingress implements it.
type Ingester interface {
	Ingest(ctx context.Context, raw ingress.RawEvent) (*api.Event, *api.WorkflowExecution, error)
}

// Approvals is the part of the approval gate the API drives.
type Approvals interface {
	Decide(ctx context.Context, requestID string, decision api.Decision, decidedBy string) (*api.ApprovalRequest, error)
	Get(ctx context.Context, id string) (*api.ApprovalRequest, error)
	List(ctx context.Context, filter persistence.ApprovalFilter) ([]*api.ApprovalRequest, error)
}

// Executions is the part of the engine the API drives.
type Executions interface {
	GetExecution(ctx context.Context, id string) (*api.WorkflowExecution, error)
	ListExecutions(ctx context.Context, filter persistence.ExecutionFilter) ([]*api.WorkflowExecution, error)
	Cancel(ctx context.Context, id, detail string) (*api.WorkflowExecution, error)
}

// Config wires the handlers.
type Config struct {
	Ingress    Ingester
	Approvals  Approvals
	Executions Executions

	// Metrics is optional. It returns a JSON-encodable snapshot.
	Metrics func(ctx context.Context) (any, error)

	MaxBodyBytes int64
	Logger       *slog.Logger
}

// Server serves the API.
type Server struct {
	cfg     Config
	logger  *slog.Logger
	handler http.Handler
}

// New validates cfg and builds the route table.
func New(cfg Config) (*Server, error) {
	if cfg.Ingress == nil || cfg.Approvals == nil || cfg.Executions == nil {
		return nil, errors.New("httpapi: ingress, approvals and executions are required")
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	s := &Server{cfg: cfg, logger: cfg.Logger}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/events", s.handleIngest)
	mux.HandleFunc("GET /v1/approvals", s.handleListApprovals)
	mux.HandleFunc("GET /v1/approvals/{id}", s.handleGetApproval)
	mux.HandleFunc("POST /v1/approvals/{id}/decision", s.handleDecide)
	mux.HandleFunc("GET /v1/executions", s.handleListExecutions)
	mux.HandleFunc("GET /v1/executions/{id}", s.handleGetExecution)
	mux.HandleFunc("POST /v1/executions/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /v1/metrics", s.handleMetrics)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	s.handler = s.logRequests(mux)
	return s, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Serve runs srv with the API handler until ctx is cancelled, then shuts it
// down within shutdownTimeout.
func (s *Server) Serve(ctx context.Context, srv *http.Server, shutdownTimeout time.Duration) error {
	srv.Handler = s.handler
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", slog.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var raw ingress.RawEvent
	if !s.decode(w, r, &raw) {
		return
	}

	ev, exec, err := s.cfg.Ingress.Ingest(r.Context(), raw)
	var malformed *api.MalformedEventError
	switch {
	case errors.As(err, &malformed):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: malformed.Error(), Missing: malformed.Missing})
		return
	case errors.Is(err, persistence.ErrDuplicateEvent) && ev != nil:
		writeJSON(w, http.StatusOK, eventResponse{EventID: ev.ID, CorrelationID: ev.CorrelationID, Duplicate: true})
		return
	case errors.Is(err, api.ErrUnroutedEvent) && ev != nil:
		writeJSON(w, http.StatusAccepted, eventResponse{EventID: ev.ID, CorrelationID: ev.CorrelationID, Unrouted: true})
		return
	case err != nil:
		s.internalError(w, r, "ingest event", err)
		return
	}

	resp := eventResponse{EventID: ev.ID, CorrelationID: ev.CorrelationID}
	if exec != nil {
		resp.ExecutionID = exec.ID
		resp.WorkflowType = exec.WorkflowType
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, ok := parseLimit(w, q.Get("limit"))
	if !ok {
		return
	}
	filter := persistence.ApprovalFilter{
		ExecutionID: q.Get("execution_id"),
		Decision:    api.Decision(q.Get("decision")),
		Limit:       limit,
	}
	if filter.Decision == "" && filter.ExecutionID == "" {
		filter.Decision = api.DecisionPending
	}

	reqs, err := s.cfg.Approvals.List(r.Context(), filter)
	if err != nil {
		s.internalError(w, r, "list approvals", err)
		return
	}
	out := make([]approvalResponse, len(reqs))
	for i, req := range reqs {
		out[i] = toApproval(req)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	req, err := s.cfg.Approvals.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, persistence.ErrNotFound) {
		writeError(w, http.StatusNotFound, "approval not found")
		return
	}
	if err != nil {
		s.internalError(w, r, "get approval", err)
		return
	}
	writeJSON(w, http.StatusOK, toApproval(req))
}

func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	var body decisionRequest
	if !s.decode(w, r, &body) {
		return
	}
	if body.DecidedBy == "" {
		writeError(w, http.StatusBadRequest, "decided_by is required")
		return
	}

	req, err := s.cfg.Approvals.Decide(r.Context(), r.PathValue("id"), body.Decision, body.DecidedBy)
	var decided *api.AlreadyDecidedError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, toApproval(req))
	case errors.Is(err, approval.ErrInvalidDecision):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, persistence.ErrNotFound):
		writeError(w, http.StatusNotFound, "approval not found")
	case errors.As(err, &decided):
		writeJSON(w, http.StatusConflict, errorResponse{Error: decided.Error()})
	case req != nil:
		// Recorded but not yet applied to the execution; the due sweep
		// finishes the job.
		s.logger.WarnContext(r.Context(), "approval decision not applied",
			slog.String("approval_id", req.ID),
			slog.String("error", err.Error()),
		)
		writeJSON(w, http.StatusAccepted, toApproval(req))
	default:
		s.internalError(w, r, "decide approval", err)
	}
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, ok := parseLimit(w, q.Get("limit"))
	if !ok {
		return
	}
	filter := persistence.ExecutionFilter{
		WorkflowType: q.Get("workflow_type"),
		EventID:      q.Get("event_id"),
		Limit:        limit,
	}
	for _, st := range q["state"] {
		filter.States = append(filter.States, api.State(st))
	}

	execs, err := s.cfg.Executions.ListExecutions(r.Context(), filter)
	if err != nil {
		s.internalError(w, r, "list executions", err)
		return
	}
	out := make([]executionResponse, len(execs))
	for i, x := range execs {
		out[i] = toExecution(x)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.cfg.Executions.GetExecution(r.Context(), r.PathValue("id"))
	if errors.Is(err, persistence.ErrNotFound) {
		writeError(w, http.StatusNotFound, "execution not found")
		return
	}
	if err != nil {
		s.internalError(w, r, "get execution", err)
		return
	}
	writeJSON(w, http.StatusOK, toExecution(exec))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body cancelRequest
	if r.ContentLength != 0 && !s.decode(w, r, &body) {
		return
	}
	exec, err := s.cfg.Executions.Cancel(r.Context(), r.PathValue("id"), body.Reason)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, toExecution(exec))
	case errors.Is(err, persistence.ErrNotFound):
		writeError(w, http.StatusNotFound, "execution not found")
	case errors.Is(err, api.ErrTerminalExecution):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.internalError(w, r, "cancel execution", err)
	}
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Metrics == nil {
		writeError(w, http.StatusNotFound, "metrics are not enabled")
		return
	}
	snap, err := s.cfg.Metrics(r.Context())
	if err != nil {
		s.internalError(w, r, "collect metrics", err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		writeError(w, http.StatusServiceUnavailable, op+": request cancelled")
		return
	}
	s.logger.ErrorContext(r.Context(), "request failed",
		slog.String("op", op),
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func parseLimit(w http.ResponseWriter, s string) (int, bool) {
	if s == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 || n > maxListLimit {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("limit must be between 1 and %d", maxListLimit))
		return 0, false
	}
	return n, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.DebugContext(r.Context(), "http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("duration", time.Since(start)),
		)
	})
}
