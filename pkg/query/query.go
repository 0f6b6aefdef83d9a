// Package query is the read surface over the mirror consumed by the
// explanation layer. It returns structured data only.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/cel-go/cel"
	lru "github.com/hashicorp/golang-lru"

	"github.com/SharmARohitt/Hypnos/pkg/contracts"
	"github.com/SharmARohitt/Hypnos/pkg/mirror"
)

var (
	ErrInvalidExpression = errors.New("invalid filter expression")
	ErrUnknownKind       = errors.New("unknown event kind")
)

// Service answers questions about permissions and executions.
type Service struct {
	store  mirror.Projection
	clock  func() time.Time
	logger *slog.Logger

	env      *cel.Env
	programs *lru.Cache
}

// ProgramCacheSize bounds the number of compiled filter expressions kept.
const ProgramCacheSize = 256

// New creates a service over store. Filter expressions see the permission
// as p, the execution as e and the current unix time as now.
func New(store mirror.Projection) (*Service, error) {
	env, err := cel.NewEnv(
		cel.Variable("p", cel.DynType),
		cel.Variable("e", cel.DynType),
		cel.Variable("now", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	programs, err := lru.New(ProgramCacheSize)
	if err != nil {
		return nil, err
	}
	return &Service{
		store:    store,
		clock:    time.Now,
		logger:   slog.Default().With("component", "query"),
		env:      env,
		programs: programs,
	}, nil
}

// WithClock overrides clock for testing.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

func (s *Service) Permission(ctx context.Context, id contracts.Hash) (mirror.Permission, error) {
	return s.store.Permission(ctx, id)
}

func (s *Service) Permissions(ctx context.Context, f mirror.PermissionFilter) ([]mirror.Permission, error) {
	return s.store.Permissions(ctx, f)
}

func (s *Service) Executions(ctx context.Context, f mirror.ExecutionFilter) ([]mirror.Execution, error) {
	return s.store.Executions(ctx, f)
}

// FilterPermissions returns permissions for which expr is true, at most
// limit when limit is positive.
func (s *Service) FilterPermissions(ctx context.Context, expr string, limit int) ([]mirror.Permission, error) {
	prg, err := s.program(expr)
	if err != nil {
		return nil, err
	}
	all, err := s.store.Permissions(ctx, mirror.PermissionFilter{})
	if err != nil {
		return nil, err
	}
	now := s.clock().Unix()
	out := make([]mirror.Permission, 0)
	for _, p := range all {
		ok, err := eval(prg, map[string]any{"p": permissionDoc(p), "e": map[string]any{}, "now": now})
		if err != nil {
			return nil, fmt.Errorf("permission %s: %w", p.ID, err)
		}
		if ok {
			out = append(out, p)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// FilterExecutions returns executions for which expr is true.
func (s *Service) FilterExecutions(ctx context.Context, expr string, limit int) ([]mirror.Execution, error) {
	prg, err := s.program(expr)
	if err != nil {
		return nil, err
	}
	all, err := s.store.Executions(ctx, mirror.ExecutionFilter{})
	if err != nil {
		return nil, err
	}
	now := s.clock().Unix()
	out := make([]mirror.Execution, 0)
	for _, e := range all {
		ok, err := eval(prg, map[string]any{"p": map[string]any{}, "e": executionDoc(e), "now": now})
		if err != nil {
			return nil, fmt.Errorf("execution %s: %w", e.ID, err)
		}
		if ok {
			out = append(out, e)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *Service) program(expr string) (cel.Program, error) {
	if cached, hit := s.programs.Get(expr); hit {
		return cached.(cel.Program), nil
	}
	ast, issues := s.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidExpression, issues.Err())
	}
	if t := ast.OutputType(); !t.IsExactType(cel.BoolType) && !t.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("%w: result is %s, not bool", ErrInvalidExpression, t)
	}
	prg, err := s.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidExpression, err)
	}
	s.programs.Add(expr, prg)
	return prg, nil
}

func eval(prg cel.Program, input map[string]any) (bool, error) {
	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("%w: result not bool", ErrInvalidExpression)
	}
	return val, nil
}

// amount exposes uint64 amounts as CEL ints so they compare with literals.
func amount(v uint64) int64 {
	if v > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(v)
}

func permissionDoc(p mirror.Permission) map[string]any {
	return map[string]any{
		"id":               p.ID.String(),
		"owner":            p.Owner.String(),
		"target":           p.Target.String(),
		"selector":         p.Selector.String(),
		"max_value":        amount(p.MaxValue),
		"max_token_amount": amount(p.MaxTokenAmount),
		"token_asset":      p.TokenAsset.String(),
		"expiry":           amount(p.Expiry),
		"active":           p.Active,
		"revoked":          p.RevokedTx != "",
		"granted_seq":      amount(p.GrantedSeq),
		"granted_at":       p.GrantedAt,
	}
}

func executionDoc(e mirror.Execution) map[string]any {
	return map[string]any{
		"id":            e.ID.String(),
		"permission_id": e.PermissionID.String(),
		"kind":          string(e.Kind),
		"caller":        e.Caller.String(),
		"target":        e.Target.String(),
		"selector":      e.Selector.String(),
		"value":         amount(e.Value),
		"success":       e.Success,
		"reason":        e.Reason,
		"sequence":      amount(e.Sequence),
		"created_at":    e.CreatedAt,
	}
}

// AuditEntry is one row of the audit trail in a kind-independent shape.
type AuditEntry struct {
	mirror.EventRef
	Kind         contracts.EventKind `json:"kind"`
	PermissionID contracts.Hash      `json:"permission_id"`
	Principal    contracts.Address   `json:"principal"`
	ExecutionID  *contracts.Hash     `json:"execution_id,omitempty"`
	Value        uint64              `json:"value,omitempty"`
	Success      *bool               `json:"success,omitempty"`
}

// Audit returns the audit trail in log order. An empty kind returns every
// kind; ExecutionRecorded has no audit table and is rejected.
func (s *Service) Audit(ctx context.Context, kind contracts.EventKind) ([]AuditEntry, error) {
	switch kind {
	case "", contracts.KindCapabilityGranted, contracts.KindCapabilityRevoked, contracts.KindPermissionUsed:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	var out []AuditEntry //nolint:prealloc
	if kind == "" || kind == contracts.KindCapabilityGranted {
		rows, err := s.store.GrantedEvents(ctx)
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			out = append(out, AuditEntry{EventRef: r.EventRef, Kind: contracts.KindCapabilityGranted, PermissionID: r.PermissionID, Principal: r.Owner, Value: r.MaxValue})
		}
	}
	if kind == "" || kind == contracts.KindCapabilityRevoked {
		rows, err := s.store.RevokedEvents(ctx)
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			out = append(out, AuditEntry{EventRef: r.EventRef, Kind: contracts.KindCapabilityRevoked, PermissionID: r.PermissionID, Principal: r.Owner})
		}
	}
	if kind == "" || kind == contracts.KindPermissionUsed {
		rows, err := s.store.UsedEvents(ctx)
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			execID, success := r.ExecutionID, r.Success
			out = append(out, AuditEntry{
				EventRef: r.EventRef, Kind: contracts.KindPermissionUsed, PermissionID: r.PermissionID,
				Principal: r.Grantee, ExecutionID: &execID, Value: r.Value, Success: &success,
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Sequence != out[j].Sequence {
			return out[i].Sequence < out[j].Sequence
		}
		return out[i].LogIndex < out[j].LogIndex
	})
	return out, nil
}

// Timeline is the audit trail of one permission.
func (s *Service) Timeline(ctx context.Context, id contracts.Hash) ([]AuditEntry, error) {
	all, err := s.Audit(ctx, "")
	if err != nil {
		return nil, err
	}
	out := make([]AuditEntry, 0)
	for _, entry := range all {
		if entry.PermissionID == id {
			out = append(out, entry)
		}
	}
	return out, nil
}

// Account is everything known about one execution, for explanation.
type Account struct {
	Execution  mirror.Execution  `json:"execution"`
	Permission mirror.Permission `json:"permission"`
	Outcome    string            `json:"outcome"` // succeeded | failed
	Reason     string            `json:"reason"`
	// Headroom is the permission's value limit left unused by this call.
	// Token transfers are bounded by a cumulative amount instead and report zero.
	Headroom uint64 `json:"headroom"`
	// RevokedSince reports that the permission was revoked after the call.
	RevokedSince bool `json:"revoked_since"`
	// ExpiredNow reports that the permission has expired since.
	ExpiredNow bool         `json:"expired_now"`
	Timeline   []AuditEntry `json:"timeline"`
}

// Explain assembles the Account of an execution.
func (s *Service) Explain(ctx context.Context, executionID contracts.Hash) (Account, error) {
	exec, err := s.store.Execution(ctx, executionID)
	if err != nil {
		return Account{}, err
	}
	perm, err := s.store.Permission(ctx, exec.PermissionID)
	if err != nil {
		return Account{}, fmt.Errorf("permission of execution %s: %w", executionID, err)
	}
	timeline, err := s.Timeline(ctx, perm.ID)
	if err != nil {
		return Account{}, err
	}

	acct := Account{
		Execution:    exec,
		Permission:   perm,
		Outcome:      "failed",
		Reason:       exec.Reason,
		RevokedSince: !perm.Active,
		Timeline:     timeline,
	}
	if exec.Success {
		acct.Outcome = "succeeded"
	}
	if exec.Kind != contracts.ExecutionKindTokenTransfer && perm.MaxValue > exec.Value {
		acct.Headroom = perm.MaxValue - exec.Value
	}
	capability := contracts.Capability{Expiry: perm.Expiry}
	acct.ExpiredNow = capability.Expired(uint64(s.clock().Unix())) //nolint:gosec // clock is past the epoch
	s.logger.DebugContext(ctx, "explained execution", "execution_id", executionID, "outcome", acct.Outcome)
	return acct, nil
}
