package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/SharmARohitt/Hypnos/pkg/contracts"
	"github.com/SharmARohitt/Hypnos/pkg/mirror"
	"github.com/SharmARohitt/Hypnos/pkg/observability"
	"github.com/SharmARohitt/Hypnos/pkg/query"
	"github.com/SharmARohitt/Hypnos/pkg/reconciler"
)

// LedgerReader is the read side of the ledger the API exposes.
type LedgerReader interface {
	Capability(grantee contracts.Address, id contracts.Hash) (contracts.Capability, error)
	Capabilities(grantee contracts.Address) []contracts.Hash
	Execution(id contracts.Hash) (contracts.ExecutionRecord, error)
	ExecutionCount() uint64
}

// ReconcilerAdmin is the operator surface of the reconciler.
type ReconcilerAdmin interface {
	Status(ctx context.Context) ([]reconciler.ShardStatus, error)
	Stats() reconciler.Stats
	DeadLetters(ctx context.Context, status mirror.DeadLetterStatus) ([]mirror.DeadLetter, error)
	Skip(ctx context.Context, seq uint64) error
	Retry(ctx context.Context, seq uint64) error
}

// Server routes HTTP requests. The ledger and the reconciler are optional;
// their routes are only mounted when present.
type Server struct {
	ledger     LedgerReader
	query      *query.Service
	reconciler ReconcilerAdmin

	auth      *Authenticator
	limiter   *RateLimiter
	idem      IdempotencyStore
	logger    *slog.Logger
	telemetry *observability.Provider
}

// NewServer serves mirror reads from q. ledger and rec may be nil, which
// leaves their routes unmounted.
func NewServer(ledger LedgerReader, q *query.Service, rec ReconcilerAdmin) *Server {
	return &Server{
		ledger:     ledger,
		query:      q,
		reconciler: rec,
		logger:     slog.Default().With("component", "api"),
	}
}

// WithAuth requires bearer tokens. A nil authenticator disables auth.
func (s *Server) WithAuth(a *Authenticator) *Server {
	s.auth = a
	return s
}

// WithRateLimiter throttles requests per client.
func (s *Server) WithRateLimiter(rl *RateLimiter) *Server {
	s.limiter = rl
	return s
}

// WithIdempotency caches POST responses by Idempotency-Key.
func (s *Server) WithIdempotency(store IdempotencyStore) *Server {
	s.idem = store
	return s
}

// WithLogger sets the access and error logger.
func (s *Server) WithLogger(logger *slog.Logger) *Server {
	s.logger = logger.With("component", "api")
	return s
}

// WithTelemetry records a span and RED metrics per route.
func (s *Server) WithTelemetry(p *observability.Provider) *Server {
	s.telemetry = p
	return s
}

// Handler builds the routed, middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	route := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, s.tracked(pattern, fn))
	}
	operator := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, RequireOperator(s.tracked(pattern, fn)))
	}

	route("GET /health", s.health)
	if s.ledger != nil {
		route("GET /v1/ledger/capabilities", s.listCapabilities)
		route("GET /v1/ledger/capabilities/{id}", s.getCapability)
		route("GET /v1/ledger/executions/count", s.executionCount)
		route("GET /v1/ledger/executions/{id}", s.getExecution)
	}
	route("GET /v1/mirror/permissions", s.listPermissions)
	route("GET /v1/mirror/permissions/{id}", s.getPermission)
	route("POST /v1/mirror/permissions:filter", s.filterPermissions)
	route("GET /v1/mirror/executions", s.listExecutions)
	route("POST /v1/mirror/executions:filter", s.filterExecutions)
	route("GET /v1/mirror/audit", s.audit)
	route("GET /v1/mirror/audit/{kind}", s.audit)
	route("GET /v1/mirror/timeline/{id}", s.timeline)
	route("GET /v1/mirror/explain/{id}", s.explain)
	if s.reconciler != nil {
		route("GET /v1/reconciler/status", s.reconcilerStatus)
		operator("GET /v1/reconciler/deadletters", s.listDeadLetters)
		operator("POST /v1/reconciler/deadletters/{seq}/skip", s.resolveDeadLetter(mirror.DeadLetterSkipped))
		operator("POST /v1/reconciler/deadletters/{seq}/retry", s.resolveDeadLetter(mirror.DeadLetterRetry))
	}

	var h http.Handler = mux
	h = Idempotent(s.idem)(h)
	h = s.auth.Middleware(h)
	if s.limiter != nil {
		h = s.limiter.Middleware(h)
	}
	h = AccessLog(s.logger)(h)
	return RequestID(h)
}

func (s *Server) tracked(pattern string, fn http.HandlerFunc) http.Handler {
	if s.telemetry == nil {
		return fn
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, done := s.telemetry.TrackOperation(r.Context(), "api "+pattern)
		fn(w, r.WithContext(ctx))
		done(nil)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// caller is the grantee a ledger read acts as: the token subject, or the
// grantee query parameter when auth is disabled.
func (s *Server) caller(r *http.Request) (contracts.Address, error) {
	if grantee, ok := GranteeFrom(r.Context()); ok {
		return grantee, nil
	}
	if s.auth != nil {
		return contracts.ZeroAddress, errors.New("no authenticated grantee")
	}
	raw := r.URL.Query().Get("grantee")
	if raw == "" {
		return contracts.ZeroAddress, errors.New("grantee query parameter is required")
	}
	return contracts.ParseAddress(raw)
}

func pathHash(w http.ResponseWriter, r *http.Request, name string) (contracts.Hash, bool) {
	h, err := contracts.ParseHash(r.PathValue(name))
	if err != nil {
		WriteBadRequest(w, fmt.Sprintf("invalid %s: %v", name, err))
		return contracts.ZeroHash, false
	}
	return h, true
}

func queryLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	return n, nil
}

func (s *Server) listCapabilities(w http.ResponseWriter, r *http.Request) {
	grantee, err := s.caller(r)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	ids := s.ledger.Capabilities(grantee)
	out := make([]contracts.Capability, 0, len(ids))
	for _, id := range ids {
		c, err := s.ledger.Capability(grantee, id)
		if err != nil {
			WriteDomainError(w, r, err)
			return
		}
		out = append(out, c)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getCapability(w http.ResponseWriter, r *http.Request) {
	grantee, err := s.caller(r)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	id, ok := pathHash(w, r, "id")
	if !ok {
		return
	}
	c, err := s.ledger.Capability(grantee, id)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) executionCount(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]uint64{"count": s.ledger.ExecutionCount()})
}

func (s *Server) getExecution(w http.ResponseWriter, r *http.Request) {
	id, ok := pathHash(w, r, "id")
	if !ok {
		return
	}
	rec, err := s.ledger.Execution(id)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) listPermissions(w http.ResponseWriter, r *http.Request) {
	var f mirror.PermissionFilter
	q := r.URL.Query()
	if raw := q.Get("owner"); raw != "" {
		owner, err := contracts.ParseAddress(raw)
		if err != nil {
			WriteBadRequest(w, err.Error())
			return
		}
		f.Owner = owner
	}
	if raw := q.Get("active"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			WriteBadRequest(w, fmt.Sprintf("invalid active %q", raw))
			return
		}
		f.Active = &active
	}
	limit, err := queryLimit(r)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	f.Limit = limit
	perms, err := s.query.Permissions(r.Context(), f)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, perms)
}

func (s *Server) getPermission(w http.ResponseWriter, r *http.Request) {
	id, ok := pathHash(w, r, "id")
	if !ok {
		return
	}
	p, err := s.query.Permission(r.Context(), id)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) listExecutions(w http.ResponseWriter, r *http.Request) {
	var f mirror.ExecutionFilter
	q := r.URL.Query()
	if raw := q.Get("caller"); raw != "" {
		caller, err := contracts.ParseAddress(raw)
		if err != nil {
			WriteBadRequest(w, err.Error())
			return
		}
		f.Caller = caller
	}
	if raw := q.Get("permission_id"); raw != "" {
		id, err := contracts.ParseHash(raw)
		if err != nil {
			WriteBadRequest(w, err.Error())
			return
		}
		f.PermissionID = id
	}
	limit, err := queryLimit(r)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	f.Limit = limit
	execs, err := s.query.Executions(r.Context(), f)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, execs)
}

// FilterRequest is the body of the :filter endpoints.
type FilterRequest struct {
	Expr  string `json:"expr"`
	Limit int    `json:"limit"`
}

func decodeFilter(w http.ResponseWriter, r *http.Request) (FilterRequest, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
	var req FilterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return req, false
	}
	if req.Expr == "" {
		WriteBadRequest(w, "Missing required field: expr")
		return req, false
	}
	return req, true
}

func (s *Server) filterPermissions(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeFilter(w, r)
	if !ok {
		return
	}
	perms, err := s.query.FilterPermissions(r.Context(), req.Expr, req.Limit)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, perms)
}

func (s *Server) filterExecutions(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeFilter(w, r)
	if !ok {
		return
	}
	execs, err := s.query.FilterExecutions(r.Context(), req.Expr, req.Limit)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, execs)
}

func (s *Server) audit(w http.ResponseWriter, r *http.Request) {
	entries, err := s.query.Audit(r.Context(), contracts.EventKind(r.PathValue("kind")))
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) timeline(w http.ResponseWriter, r *http.Request) {
	id, ok := pathHash(w, r, "id")
	if !ok {
		return
	}
	entries, err := s.query.Timeline(r.Context(), id)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) explain(w http.ResponseWriter, r *http.Request) {
	id, ok := pathHash(w, r, "id")
	if !ok {
		return
	}
	acct, err := s.query.Explain(r.Context(), id)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// ReconcilerStatus is the body of GET /v1/reconciler/status.
type ReconcilerStatus struct {
	Shards []reconciler.ShardStatus `json:"shards"`
	Stats  reconciler.Stats         `json:"stats"`
}

func (s *Server) reconcilerStatus(w http.ResponseWriter, r *http.Request) {
	shards, err := s.reconciler.Status(r.Context())
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ReconcilerStatus{Shards: shards, Stats: s.reconciler.Stats()})
}

func (s *Server) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	status := mirror.DeadLetterStatus(r.URL.Query().Get("status"))
	switch status {
	case "", mirror.DeadLetterPending, mirror.DeadLetterRetry, mirror.DeadLetterSkipped:
	default:
		WriteBadRequest(w, fmt.Sprintf("invalid status %q", status))
		return
	}
	letters, err := s.reconciler.DeadLetters(r.Context(), status)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, letters)
}

func (s *Server) resolveDeadLetter(status mirror.DeadLetterStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		seq, err := strconv.ParseUint(r.PathValue("seq"), 10, 64)
		if err != nil {
			WriteBadRequest(w, fmt.Sprintf("invalid sequence %q", r.PathValue("seq")))
			return
		}
		if status == mirror.DeadLetterSkipped {
			err = s.reconciler.Skip(r.Context(), seq)
		} else {
			err = s.reconciler.Retry(r.Context(), seq)
		}
		if err != nil {
			WriteDomainError(w, r, err)
			return
		}
		s.logger.InfoContext(r.Context(), "dead letter resolved via api", "sequence", seq, "status", status)
		writeJSON(w, http.StatusOK, map[string]any{"sequence": seq, "status": status})
	}
}
