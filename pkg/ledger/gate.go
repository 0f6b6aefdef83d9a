package ledger

import (
	"context"
	"fmt"

	"github.com/SharmARohitt/Hypnos/pkg/contracts"
	"github.com/SharmARohitt/Hypnos/pkg/executor"
	"github.com/SharmARohitt/Hypnos/pkg/revert"
)

// Result is the outcome of a gated call that passed the gate. A failed inner
// call is reported here, not as an error.
type Result struct {
	ExecutionID contracts.Hash `json:"execution_id"`
	Success     bool           `json:"success"`
	ReturnData  []byte         `json:"return_data,omitempty"`
	Reason      string         `json:"reason"`
}

var transferSelector = contracts.SelectorFromSignature(contracts.TransferSignature)

// checkCall runs the gate for ExecuteGated. Order matters: each check is a
// distinct failure mode and the first one that fails is reported.
func (l *Ledger) checkCall(caller contracts.Address, id contracts.Hash, target contracts.Address, payload []byte, value uint64) (contracts.Capability, error) {
	l.mu.RLock()
	c, ok := l.lookup(caller, id)
	var capability contracts.Capability
	if ok {
		capability = *c
	}
	l.mu.RUnlock()

	switch {
	case !ok:
		return capability, contracts.ErrNotFound
	case !capability.Active:
		return capability, contracts.ErrInactive
	case capability.Target != target:
		return capability, fmt.Errorf("%w: want %s, got %s", contracts.ErrTargetMismatch, capability.Target, target)
	case capability.Expired(l.now()):
		return capability, fmt.Errorf("%w: at %d", contracts.ErrExpired, capability.Expiry)
	case !capability.Selector.Matches(payload):
		return capability, fmt.Errorf("%w: want %s, got %s", contracts.ErrSelectorMismatch, capability.Selector, contracts.SelectorOf(payload))
	case value > capability.MaxValue:
		return capability, fmt.Errorf("%w: %d > %d", contracts.ErrValueExceeded, value, capability.MaxValue)
	}
	return capability, nil
}

func (l *Ledger) checkTransfer(caller contracts.Address, id contracts.Hash, asset contracts.Address, amount uint64) (contracts.Capability, error) {
	l.mu.RLock()
	c, ok := l.lookup(caller, id)
	var capability contracts.Capability
	if ok {
		capability = *c
	}
	l.mu.RUnlock()

	switch {
	case !ok:
		return capability, contracts.ErrNotFound
	case !capability.Active:
		return capability, contracts.ErrInactive
	case capability.Expired(l.now()):
		return capability, fmt.Errorf("%w: at %d", contracts.ErrExpired, capability.Expiry)
	case capability.NativeOnly() || capability.TokenAsset != asset:
		return capability, fmt.Errorf("%w: want %s, got %s", contracts.ErrAssetMismatch, capability.TokenAsset, asset)
	case amount > capability.MaxTokenAmount || capability.TokenSpent > capability.MaxTokenAmount-amount:
		return capability, fmt.Errorf("%w: %d spent + %d > %d", contracts.ErrTokenAmountExceeded,
			capability.TokenSpent, amount, capability.MaxTokenAmount)
	}
	return capability, nil
}

// ExecuteGated invokes target with payload and value if caller's capability
// id admits it. The inner call's failure is recorded, not returned: once the
// gate passes, exactly one execution record and one ExecutionRecorded plus
// one PermissionUsed event are written whatever the target does.
func (l *Ledger) ExecuteGated(ctx context.Context, caller contracts.Address, id contracts.Hash, target contracts.Address, payload []byte, value uint64) (Result, error) {
	ctx, release, err := l.enterFrame(ctx)
	if err != nil {
		return Result{}, err
	}
	defer release()
	ctx, done := l.track(ctx, "ledger.execute_gated")

	res, err := l.executeGated(ctx, caller, id, target, payload, value)
	done(err)
	return res, err
}

func (l *Ledger) executeGated(ctx context.Context, caller contracts.Address, id contracts.Hash, target contracts.Address, payload []byte, value uint64) (Result, error) {
	capability, err := l.checkCall(caller, id, target, payload, value)
	if err != nil {
		l.logger.WarnContext(ctx, "gated call blocked",
			"capability_id", id, "caller", caller, "target", target,
			"denial", contracts.DenialKind(err), "error", err)
		return Result{}, err
	}

	ret, callErr := l.invoke(ctx, executor.Call{Caller: caller, Target: target, Value: value, Payload: payload})
	res := Result{Success: callErr == nil, ReturnData: ret, Reason: contracts.SuccessReason}
	if callErr != nil {
		res.ReturnData = executor.RevertData(callErr)
		res.Reason = revert.Reason(res.ReturnData)
		l.logger.InfoContext(ctx, "gated call failed", "capability_id", id, "reason", res.Reason, "error", callErr)
	}

	rec, err := l.record(ctx, capability, contracts.ExecutionKindCall, caller, target,
		contracts.SelectorOf(payload), payload, value, res.Success, res.Reason)
	if err != nil {
		// The target already ran; the caller still gets its outcome.
		l.logger.ErrorContext(ctx, "gated call ran but was not recorded",
			"capability_id", id, "target", target, "success", res.Success, "error", err)
		return res, fmt.Errorf("%w: %w", contracts.ErrUnrecorded, err)
	}
	res.ExecutionID = rec.ID
	return res, nil
}

// invoke calls the target, converting a panicking target into a failure
// without return data.
func (l *Ledger) invoke(ctx context.Context, call executor.Call) (ret []byte, err error) {
	if l.invoker == nil {
		return nil, fmt.Errorf("no invoker configured")
	}
	defer func() {
		if r := recover(); r != nil {
			l.logger.ErrorContext(ctx, "target panicked", "target", call.Target, "panic", r)
			ret, err = nil, fmt.Errorf("target panicked: %v", r)
		}
	}()
	err = l.outside(func() error {
		var callErr error
		ret, callErr = l.invoker.Invoke(ctx, call)
		return callErr
	})
	return ret, err
}

// ExecuteTokenTransfer moves amount of asset from the ledger's custody to
// recipient under caller's capability. Unlike ExecuteGated a failing
// transfer is a hard error: nothing is recorded and nothing is emitted.
// A transfer whose events cannot be appended is reversed through the rail.
func (l *Ledger) ExecuteTokenTransfer(ctx context.Context, caller contracts.Address, id contracts.Hash, asset, recipient contracts.Address, amount uint64) (bool, error) {
	ctx, release, err := l.enterFrame(ctx)
	if err != nil {
		return false, err
	}
	defer release()
	ctx, done := l.track(ctx, "ledger.execute_token_transfer")

	err = l.executeTokenTransfer(ctx, caller, id, asset, recipient, amount)
	done(err)
	return err == nil, err
}

func (l *Ledger) executeTokenTransfer(ctx context.Context, caller contracts.Address, id contracts.Hash, asset, recipient contracts.Address, amount uint64) error {
	capability, err := l.checkTransfer(caller, id, asset, amount)
	if err != nil {
		l.logger.WarnContext(ctx, "token transfer blocked",
			"capability_id", id, "caller", caller, "asset", asset,
			"denial", contracts.DenialKind(err), "error", err)
		return err
	}
	if l.rail == nil {
		return fmt.Errorf("%w: no asset rail configured", contracts.ErrTransferFailed)
	}
	err = l.outside(func() error {
		return l.rail.Transfer(ctx, asset, l.custody, recipient, amount)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", contracts.ErrTransferFailed, err)
	}

	payload := append(transferSelector.Code[:], recipient[:]...)
	payload = append(payload, u64(amount)...)
	_, err = l.record(ctx, capability, contracts.ExecutionKindTokenTransfer, caller, asset,
		transferSelector, payload, amount, true, contracts.SuccessReason)
	if err == nil {
		return nil
	}

	undo := l.outside(func() error {
		return l.rail.Transfer(context.WithoutCancel(ctx), asset, recipient, l.custody, amount)
	})
	if undo != nil {
		l.logger.ErrorContext(ctx, "token transfer not recorded and not reversed",
			"capability_id", id, "asset", asset, "recipient", recipient, "amount", amount,
			"error", err, "reverse_error", undo)
		return fmt.Errorf("%w: %w (reversal failed: %v)", contracts.ErrUnrecorded, err, undo)
	}
	l.logger.WarnContext(ctx, "token transfer reversed after append failure",
		"capability_id", id, "asset", asset, "recipient", recipient, "amount", amount, "error", err)
	return fmt.Errorf("%w: %w", contracts.ErrTransferFailed, err)
}

// record writes the execution record and its two events in one origin
// transaction. For token transfers the spent counter moves with it.
func (l *Ledger) record(ctx context.Context, capability contracts.Capability, kind contracts.ExecutionKind, caller, target contracts.Address, selector contracts.Selector, payload []byte, value uint64, success bool, reason string) (contracts.ExecutionRecord, error) {
	at := l.clock()
	l.mu.RLock()
	sequence := uint64(len(l.executionIDs)) + 1
	l.mu.RUnlock()

	rec := contracts.ExecutionRecord{
		ID:           l.executionID(caller, target, payload, value, sequence, at.UnixNano()),
		Sequence:     sequence,
		Kind:         kind,
		Caller:       caller,
		Target:       target,
		Selector:     selector,
		Value:        value,
		Success:      success,
		Reason:       reason,
		CapabilityID: capability.ID,
		CreatedAt:    uint64(at.Unix()),
	}
	events := []contracts.Event{
		contracts.ExecutionRecorded{
			Kind:         kind,
			ExecutionID:  rec.ID,
			Caller:       caller,
			Target:       target,
			Selector:     selector,
			Value:        value,
			CapabilityID: capability.ID,
			Success:      success,
			Reason:       reason,
		},
		contracts.PermissionUsed{
			Grantee:      capability.Grantee,
			CapabilityID: capability.ID,
			ExecutionID:  rec.ID,
			Target:       target,
			Selector:     selector,
			Value:        value,
			Success:      success,
		},
	}
	err := l.commitWith(ctx, &l.appendRetry, events, func() {
		l.executions[rec.ID] = rec
		l.executionIDs = append(l.executionIDs, rec.ID)
		if kind == contracts.ExecutionKindTokenTransfer {
			if c, ok := l.lookup(capability.Grantee, capability.ID); ok {
				c.TokenSpent += value
			}
		}
	})
	if err != nil {
		return contracts.ExecutionRecord{}, err
	}
	l.logger.InfoContext(ctx, "execution recorded",
		"execution_id", rec.ID, "capability_id", capability.ID, "kind", kind,
		"value", value, "success", success, "reason", reason)
	return rec, nil
}
