package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/SharmARohitt/Hypnos/pkg/contracts"
	"github.com/SharmARohitt/Hypnos/pkg/mirror"
)

// Outcome is what applying one envelope did to the mirror.
type Outcome int

const (
	OutcomeApplied Outcome = iota
	// OutcomeDropped means the envelope was consumed without a mirror effect.
	OutcomeDropped
)

func (o Outcome) String() string {
	if o == OutcomeDropped {
		return "dropped"
	}
	return "applied"
}

// DropOrphanExecution is the drop reason for executions whose permission
// is not in the mirror.
const DropOrphanExecution = "orphan_execution"

// applier projects one decoded event. Every write it issues is idempotent.
type applier struct {
	ctx    context.Context
	store  mirror.Projection
	env    contracts.Envelope
	logger *slog.Logger

	outcome Outcome
	reason  string
}

var _ contracts.EventVisitor = (*applier)(nil)

func (a *applier) ref() mirror.EventRef {
	return mirror.EventRef{
		TxID:     a.env.TxID,
		LogIndex: a.env.LogIndex,
		Sequence: a.env.Sequence,
		At:       a.env.EmittedAt,
	}
}

func (a *applier) VisitCapabilityGranted(e contracts.CapabilityGranted) error {
	err := a.store.UpsertPermission(a.ctx, mirror.Permission{
		ID:             e.CapabilityID,
		Owner:          e.Grantee,
		Target:         e.Target,
		Selector:       e.Selector,
		MaxValue:       e.MaxValue,
		MaxTokenAmount: e.MaxTokenAmount,
		TokenAsset:     e.TokenAsset,
		Expiry:         e.Expiry,
		Active:         true,
		GrantedTx:      a.env.TxID,
		GrantedSeq:     a.env.Sequence,
		GrantedAt:      a.env.EmittedAt,
	})
	if err != nil {
		return err
	}
	return a.store.InsertGrantedEvent(a.ctx, mirror.GrantedEvent{
		EventRef:     a.ref(),
		PermissionID: e.CapabilityID,
		Owner:        e.Grantee,
		Target:       e.Target,
		Selector:     e.Selector,
		MaxValue:     e.MaxValue,
		Expiry:       e.Expiry,
	})
}

func (a *applier) VisitCapabilityRevoked(e contracts.CapabilityRevoked) error {
	found, err := a.store.RevokePermission(a.ctx, e.CapabilityID, a.env.EmittedAt, a.env.TxID)
	if err != nil {
		return err
	}
	if !found {
		a.logger.DebugContext(a.ctx, "revocation for unknown permission", "capability_id", e.CapabilityID, "key", a.env.Key())
	}
	return a.store.InsertRevokedEvent(a.ctx, mirror.RevokedEvent{
		EventRef:     a.ref(),
		PermissionID: e.CapabilityID,
		Owner:        e.Grantee,
	})
}

func (a *applier) VisitPermissionUsed(e contracts.PermissionUsed) error {
	return a.store.InsertUsedEvent(a.ctx, mirror.UsedEvent{
		EventRef:     a.ref(),
		PermissionID: e.CapabilityID,
		ExecutionID:  e.ExecutionID,
		Grantee:      e.Grantee,
		Target:       e.Target,
		Selector:     e.Selector,
		Value:        e.Value,
		Success:      e.Success,
	})
}

func (a *applier) VisitExecutionRecorded(e contracts.ExecutionRecorded) error {
	if _, err := a.store.Permission(a.ctx, e.CapabilityID); err != nil {
		if !errors.Is(err, mirror.ErrNotFound) {
			return err
		}
		a.outcome, a.reason = OutcomeDropped, DropOrphanExecution
		a.logger.WarnContext(a.ctx, "dropping execution without permission",
			"execution_id", e.ExecutionID, "capability_id", e.CapabilityID, "key", a.env.Key())
		return nil
	}
	kind := e.Kind
	if kind == "" {
		kind = contracts.ExecutionKindCall
	}
	return a.store.UpsertExecution(a.ctx, mirror.Execution{
		ID:           e.ExecutionID,
		PermissionID: e.CapabilityID,
		Kind:         kind,
		Caller:       e.Caller,
		Target:       e.Target,
		Selector:     e.Selector,
		Value:        e.Value,
		Success:      e.Success,
		Reason:       e.Reason,
		TxID:         a.env.TxID,
		Sequence:     a.env.Sequence,
		CreatedAt:    a.env.EmittedAt,
	})
}

// project applies a decoded event to store.
func project(ctx context.Context, store mirror.Projection, logger *slog.Logger, env contracts.Envelope, ev contracts.Event) (Outcome, string, error) {
	a := &applier{ctx: ctx, store: store, env: env, logger: logger}
	if err := ev.Accept(a); err != nil {
		return OutcomeApplied, "", fmt.Errorf("apply %s %s: %w", env.Kind, env.Key(), err)
	}
	return a.outcome, a.reason, nil
}
