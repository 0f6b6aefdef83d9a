package ledger

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SharmARohitt/Hypnos/pkg/contracts"
	"github.com/SharmARohitt/Hypnos/pkg/eventlog"
	"github.com/SharmARohitt/Hypnos/pkg/executor"
	"github.com/SharmARohitt/Hypnos/pkg/retry"
	"github.com/SharmARohitt/Hypnos/pkg/revert"
)

var (
	alice  = contracts.MustAddress("0x00000000000000000000000000000000000000a1")
	bob    = contracts.MustAddress("0x00000000000000000000000000000000000000b0")
	target = contracts.MustAddress("0x00000000000000000000000000000000000000c7")
	other  = contracts.MustAddress("0x00000000000000000000000000000000000000d4")
	asset  = contracts.MustAddress("0x00000000000000000000000000000000000000e5")
)

var ping = contracts.SelectorFromSignature("ping()")

type fixture struct {
	ledger *Ledger
	log    *eventlog.MemoryLog
	router *executor.Router
	vault  *executor.Vault
	now    time.Time
	calls  int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		log:    eventlog.NewMemoryLog(),
		router: executor.NewRouter(),
		vault:  executor.NewVault(),
		now:    time.Unix(1000, 0),
	}
	f.router.Register(target, func(_ context.Context, call executor.Call) ([]byte, error) {
		f.calls++
		return []byte("pong"), nil
	})
	f.ledger = NewLedger(f.log, f.router, f.vault).
		WithClock(func() time.Time { return f.now }).
		WithAppendRetry(retry.Policy{MaxAttempts: 3}).
		WithInstanceID(contracts.Keccak256([]byte("test-ledger")))
	return f
}

func (f *fixture) grant(t *testing.T, req GrantRequest) contracts.Hash {
	t.Helper()
	id, err := f.ledger.Grant(context.Background(), req)
	require.NoError(t, err)
	return id
}

func (f *fixture) events(t *testing.T) []contracts.Envelope {
	t.Helper()
	envs, err := f.log.Read(context.Background(), 0, 0)
	require.NoError(t, err)
	return envs
}

func wildcard(maxValue uint64) GrantRequest {
	return GrantRequest{Grantee: alice, Target: target, Selector: contracts.WildcardSelector, MaxValue: maxValue}
}

func payloadFor(sel contracts.Selector) []byte {
	return append(sel.Code[:], 0x00, 0x01)
}

func TestLifecycleScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.grant(t, wildcard(100))

	res, err := f.ledger.ExecuteGated(ctx, alice, id, target, payloadFor(ping), 50)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, []byte("pong"), res.ReturnData)

	rec, err := f.ledger.Execution(res.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, uint64(50), rec.Value)
	assert.Equal(t, contracts.SuccessReason, rec.Reason)
	assert.Equal(t, id, rec.CapabilityID)
	assert.Equal(t, uint64(1), rec.Sequence)

	_, err = f.ledger.ExecuteGated(ctx, alice, id, target, payloadFor(ping), 60)
	require.ErrorIs(t, err, contracts.ErrValueExceeded)
	assert.Equal(t, uint64(1), f.ledger.ExecutionCount())

	require.NoError(t, f.ledger.Revoke(ctx, alice, id))
	capability, err := f.ledger.Capability(alice, id)
	require.NoError(t, err)
	assert.False(t, capability.Active)
	assert.Equal(t, uint64(1000), capability.RevokedAt)

	_, err = f.ledger.ExecuteGated(ctx, alice, id, target, payloadFor(ping), 10)
	require.ErrorIs(t, err, contracts.ErrInactive)
	assert.Equal(t, uint64(1), f.ledger.ExecutionCount())
	assert.Equal(t, 1, f.calls)

	envs := f.events(t)
	require.Len(t, envs, 4)
	kinds := make([]contracts.EventKind, 0, len(envs))
	for _, env := range envs {
		kinds = append(kinds, env.Kind)
	}
	assert.Equal(t, []contracts.EventKind{
		contracts.KindCapabilityGranted,
		contracts.KindExecutionRecorded,
		contracts.KindPermissionUsed,
		contracts.KindCapabilityRevoked,
	}, kinds)
	assert.Equal(t, envs[1].TxID, envs[2].TxID, "execution events share one origin transaction")
	assert.Equal(t, uint32(0), envs[1].LogIndex)
	assert.Equal(t, uint32(1), envs[2].LogIndex)

	ok, reason := f.log.Verify()
	assert.True(t, ok, reason)
}

func TestGrantValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ledger.Grant(ctx, GrantRequest{Grantee: alice, Selector: contracts.WildcardSelector})
	require.ErrorIs(t, err, contracts.ErrInvalidTarget)

	req := wildcard(1)
	req.Expiry = 1000
	_, err = f.ledger.Grant(ctx, req)
	require.ErrorIs(t, err, contracts.ErrExpiredGrant)

	req.Expiry = 999
	_, err = f.ledger.Grant(ctx, req)
	require.ErrorIs(t, err, contracts.ErrExpiredGrant)

	assert.Empty(t, f.ledger.Capabilities(alice))
	assert.Empty(t, f.events(t))
}

func TestGrantIdentifiersAreUnique(t *testing.T) {
	f := newFixture(t)
	a := f.grant(t, wildcard(1))
	b := f.grant(t, wildcard(1))
	assert.NotEqual(t, a, b)
	assert.Equal(t, []contracts.Hash{a, b}, f.ledger.Capabilities(alice))

	capability, err := f.ledger.Capability(alice, a)
	require.NoError(t, err)
	assert.True(t, capability.Active)
	assert.Equal(t, uint64(1000), capability.CreatedAt)
}

func TestGateCheckOrder(t *testing.T) {
	ctx := context.Background()
	transfer := contracts.SelectorFromSignature(contracts.TransferSignature)

	tests := []struct {
		name    string
		setup   func(t *testing.T, f *fixture, id contracts.Hash)
		caller  contracts.Address
		target  contracts.Address
		payload []byte
		value   uint64
		want    error
	}{
		{
			name:    "unknown caller is not found before anything else",
			caller:  bob,
			target:  other,
			payload: payloadFor(ping),
			value:   1 << 40,
			want:    contracts.ErrNotFound,
		},
		{
			name: "inactive before target mismatch",
			setup: func(t *testing.T, f *fixture, id contracts.Hash) {
				require.NoError(t, f.ledger.Revoke(ctx, alice, id))
			},
			caller:  alice,
			target:  other,
			payload: payloadFor(ping),
			want:    contracts.ErrInactive,
		},
		{
			name:    "target mismatch before expiry",
			setup:   func(_ *testing.T, f *fixture, _ contracts.Hash) { f.now = time.Unix(5000, 0) },
			caller:  alice,
			target:  other,
			payload: payloadFor(ping),
			want:    contracts.ErrTargetMismatch,
		},
		{
			name:    "expired before selector mismatch",
			setup:   func(_ *testing.T, f *fixture, _ contracts.Hash) { f.now = time.Unix(2000, 0) },
			caller:  alice,
			target:  target,
			payload: payloadFor(transfer),
			want:    contracts.ErrExpired,
		},
		{
			name:    "selector mismatch before value",
			caller:  alice,
			target:  target,
			payload: payloadFor(transfer),
			value:   1000,
			want:    contracts.ErrSelectorMismatch,
		},
		{
			name:    "short payload never matches a concrete selector",
			caller:  alice,
			target:  target,
			payload: []byte{0x01},
			want:    contracts.ErrSelectorMismatch,
		},
		{
			name:    "value over limit",
			caller:  alice,
			target:  target,
			payload: payloadFor(ping),
			value:   11,
			want:    contracts.ErrValueExceeded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			id := f.grant(t, GrantRequest{Grantee: alice, Target: target, Selector: ping, MaxValue: 10, Expiry: 2000})
			if tt.setup != nil {
				tt.setup(t, f, id)
			}
			before := len(f.events(t))

			_, err := f.ledger.ExecuteGated(ctx, tt.caller, id, tt.target, tt.payload, tt.value)
			require.ErrorIs(t, err, tt.want)
			assert.Equal(t, 0, f.calls, "target must not be invoked")
			assert.Zero(t, f.ledger.ExecutionCount())
			assert.Len(t, f.events(t), before, "denials emit nothing")
		})
	}
}

func TestValueAtLimitPasses(t *testing.T) {
	f := newFixture(t)
	id := f.grant(t, GrantRequest{Grantee: alice, Target: target, Selector: ping, MaxValue: 10})
	res, err := f.ledger.ExecuteGated(context.Background(), alice, id, target, payloadFor(ping), 10)
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestExpiryBoundary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := wildcard(10)
	req.Expiry = 1010
	id := f.grant(t, req)

	f.now = time.Unix(1009, 0)
	_, err := f.ledger.ExecuteGated(ctx, alice, id, target, nil, 0)
	require.NoError(t, err)

	f.now = time.Unix(1010, 0)
	_, err = f.ledger.ExecuteGated(ctx, alice, id, target, nil, 0)
	require.ErrorIs(t, err, contracts.ErrExpired)

	capability, err := f.ledger.Capability(alice, id)
	require.NoError(t, err)
	assert.True(t, capability.Active, "expiry never flips the active flag")
}

func TestInnerFailureIsRecorded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	failing := contracts.MustAddress("0x00000000000000000000000000000000000000f1")
	panicking := contracts.MustAddress("0x00000000000000000000000000000000000000f2")
	f.router.Register(failing, func(context.Context, executor.Call) ([]byte, error) {
		return nil, executor.Revert(revert.Encode("insufficient allowance"))
	})
	f.router.Register(panicking, func(context.Context, executor.Call) ([]byte, error) {
		panic("target exploded")
	})

	tests := []struct {
		target contracts.Address
		reason string
	}{
		{failing, "insufficient allowance"},
		{panicking, "unknown error"},
		{other, "unknown error"},
	}
	for _, tt := range tests {
		id := f.grant(t, GrantRequest{Grantee: alice, Target: tt.target, Selector: contracts.WildcardSelector})
		res, err := f.ledger.ExecuteGated(ctx, alice, id, tt.target, payloadFor(ping), 0)
		require.NoError(t, err, "inner failure is not an error of the gated call")
		assert.False(t, res.Success)
		assert.Equal(t, tt.reason, res.Reason)

		rec, err := f.ledger.Execution(res.ExecutionID)
		require.NoError(t, err)
		assert.False(t, rec.Success)
		assert.Equal(t, tt.reason, rec.Reason)
	}
	assert.Equal(t, uint64(3), f.ledger.ExecutionCount())

	last, err := f.ledger.ExecutionAt(3)
	require.NoError(t, err)
	assert.Equal(t, other, last.Target)
	_, err = f.ledger.ExecutionAt(4)
	require.ErrorIs(t, err, contracts.ErrExecutionNotFound)
}

func TestRevoke(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.grant(t, wildcard(1))

	err := f.ledger.Revoke(ctx, bob, id)
	require.ErrorIs(t, err, contracts.ErrNotFound, "non-owner cannot revoke")

	err = f.ledger.Revoke(ctx, alice, contracts.Keccak256([]byte("missing")))
	require.ErrorIs(t, err, contracts.ErrNotFound)

	require.NoError(t, f.ledger.Revoke(ctx, alice, id))
	require.Len(t, f.events(t), 2)

	require.NoError(t, f.ledger.Revoke(ctx, alice, id), "second revoke is a no-op")
	assert.Len(t, f.events(t), 2, "second revoke emits nothing")
}

func TestReentrantCallsAreRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	reentrant := contracts.MustAddress("0x00000000000000000000000000000000000000ee")

	var inner []error
	var id contracts.Hash
	f.router.Register(reentrant, func(ctx context.Context, call executor.Call) ([]byte, error) {
		_, err := f.ledger.ExecuteGated(ctx, call.Caller, id, reentrant, nil, 0)
		inner = append(inner, err)
		inner = append(inner, f.ledger.Revoke(ctx, call.Caller, id))
		_, err = f.ledger.Grant(ctx, wildcard(1))
		inner = append(inner, err)
		_, err = f.ledger.ExecuteTokenTransfer(ctx, call.Caller, id, asset, bob, 1)
		inner = append(inner, err)
		if !f.ledger.InFrame(ctx) {
			return nil, errors.New("frame marker lost")
		}
		return nil, executor.Revert(revert.Encode("reentered"))
	})
	id = f.grant(t, GrantRequest{Grantee: alice, Target: reentrant, Selector: contracts.WildcardSelector})

	res, err := f.ledger.ExecuteGated(ctx, alice, id, reentrant, nil, 0)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "reentered", res.Reason)

	require.Len(t, inner, 4)
	for _, err := range inner {
		assert.ErrorIs(t, err, contracts.ErrReentrant)
	}
	capability, err := f.ledger.Capability(alice, id)
	require.NoError(t, err)
	assert.True(t, capability.Active, "reentrant revoke had no effect")
	assert.Equal(t, uint64(1), f.ledger.ExecutionCount())

	// The guard is released on every path.
	res, err = f.ledger.ExecuteGated(ctx, alice, id, reentrant, nil, 0)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.False(t, f.ledger.InFrame(ctx))
}

func TestAppendFailureLeavesStateUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	boom := errors.New("log unavailable")

	f.log.FailNextAppend(boom)
	_, err := f.ledger.Grant(ctx, wildcard(10))
	require.ErrorIs(t, err, boom)
	assert.Empty(t, f.ledger.Capabilities(alice))

	id := f.grant(t, wildcard(10))
	f.log.FailNextAppend(boom)
	require.ErrorIs(t, f.ledger.Revoke(ctx, alice, id), boom)
	capability, err := f.ledger.Capability(alice, id)
	require.NoError(t, err)
	assert.True(t, capability.Active)
	assert.Len(t, f.events(t), 1)
}

func TestReentryOnFreshContextIsRejected(t *testing.T) {
	f := newFixture(t)
	reentrant := contracts.MustAddress("0x00000000000000000000000000000000000000ef")

	var inner []error
	var id contracts.Hash
	f.router.Register(reentrant, func(context.Context, executor.Call) ([]byte, error) {
		fresh := context.Background()
		_, err := f.ledger.ExecuteGated(fresh, alice, id, reentrant, nil, 0)
		inner = append(inner, err)
		inner = append(inner, f.ledger.Revoke(fresh, alice, id))
		_, err = f.ledger.Grant(fresh, wildcard(1))
		inner = append(inner, err)

		// A callback from another goroutine the target waits on.
		done := make(chan error, 1)
		go func() {
			_, err := f.ledger.ExecuteTokenTransfer(context.Background(), alice, id, asset, bob, 1)
			done <- err
		}()
		inner = append(inner, <-done)
		return []byte("done"), nil
	})
	id = f.grant(t, GrantRequest{Grantee: alice, Target: reentrant, Selector: contracts.WildcardSelector})

	type outcome struct {
		res Result
		err error
	}
	out := make(chan outcome, 1)
	go func() {
		res, err := f.ledger.ExecuteGated(context.Background(), alice, id, reentrant, nil, 0)
		out <- outcome{res, err}
	}()

	var got outcome
	select {
	case got = <-out:
	case <-time.After(5 * time.Second):
		t.Fatal("ledger blocked on a callback issued with a fresh context")
	}
	require.NoError(t, got.err)
	assert.True(t, got.res.Success)

	require.Len(t, inner, 4)
	for _, err := range inner {
		assert.ErrorIs(t, err, contracts.ErrReentrant)
	}
	capability, err := f.ledger.Capability(alice, id)
	require.NoError(t, err)
	assert.True(t, capability.Active)
	assert.Len(t, f.ledger.Capabilities(alice), 1)
	assert.Equal(t, uint64(1), f.ledger.ExecutionCount())

	// Mutations are accepted again once the call returns.
	_, err = f.ledger.Grant(context.Background(), wildcard(1))
	require.NoError(t, err)
}

func TestGatedCallSurvivesTransientAppendFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.grant(t, wildcard(10))
	before := len(f.events(t))

	f.log.FailAppends(2, errors.New("log unavailable"))
	res, err := f.ledger.ExecuteGated(ctx, alice, id, target, nil, 1)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, f.calls, "the target runs once")

	rec, err := f.ledger.Execution(res.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.Value)
	assert.Len(t, f.events(t), before+2)
}

func TestGatedCallUnrecordableAfterEffect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	boom := errors.New("log unavailable")
	id := f.grant(t, wildcard(10))
	before := len(f.events(t))

	f.log.FailAppends(3, boom)
	res, err := f.ledger.ExecuteGated(ctx, alice, id, target, nil, 1)
	require.ErrorIs(t, err, contracts.ErrUnrecorded)
	require.ErrorIs(t, err, boom)
	assert.True(t, res.Success, "the outcome of the call is still reported")
	assert.Equal(t, []byte("pong"), res.ReturnData)
	assert.True(t, res.ExecutionID.IsZero())
	assert.Zero(t, f.ledger.ExecutionCount())
	assert.Len(t, f.events(t), before)
}

func TestTokenTransferAppendFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	boom := errors.New("log unavailable")
	f.vault.Mint(asset, f.ledger.Custody(), 150)
	id := f.grant(t, GrantRequest{
		Grantee: alice, Target: target, Selector: contracts.WildcardSelector,
		MaxTokenAmount: 100, TokenAsset: asset,
	})
	before := len(f.events(t))

	f.log.FailAppends(3, boom)
	ok, err := f.ledger.ExecuteTokenTransfer(ctx, alice, id, asset, bob, 60)
	require.ErrorIs(t, err, contracts.ErrTransferFailed)
	require.ErrorIs(t, err, boom)
	assert.False(t, ok)
	assert.Zero(t, f.vault.BalanceOf(asset, bob), "transfer reversed")
	assert.Equal(t, uint64(150), f.vault.BalanceOf(asset, f.ledger.Custody()))
	assert.Zero(t, f.ledger.ExecutionCount())
	assert.Len(t, f.events(t), before)
	capability, err := f.ledger.Capability(alice, id)
	require.NoError(t, err)
	assert.Zero(t, capability.TokenSpent)

	// A transient failure is absorbed and the limit stays cumulative.
	f.log.FailAppends(2, boom)
	ok, err = f.ledger.ExecuteTokenTransfer(ctx, alice, id, asset, bob, 60)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(60), f.vault.BalanceOf(asset, bob))
	assert.Len(t, f.events(t), before+2)

	_, err = f.ledger.ExecuteTokenTransfer(ctx, alice, id, asset, bob, 60)
	require.ErrorIs(t, err, contracts.ErrTokenAmountExceeded)
}

func TestTokenTransfer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.vault.Mint(asset, f.ledger.Custody(), 150)
	id := f.grant(t, GrantRequest{
		Grantee: alice, Target: target, Selector: contracts.WildcardSelector,
		MaxTokenAmount: 100, TokenAsset: asset,
	})

	ok, err := f.ledger.ExecuteTokenTransfer(ctx, alice, id, asset, bob, 60)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(60), f.vault.BalanceOf(asset, bob))

	_, err = f.ledger.ExecuteTokenTransfer(ctx, alice, id, asset, bob, 50)
	require.ErrorIs(t, err, contracts.ErrTokenAmountExceeded, "limit is cumulative")

	ok, err = f.ledger.ExecuteTokenTransfer(ctx, alice, id, asset, bob, 40)
	require.NoError(t, err)
	assert.True(t, ok)

	capability, err := f.ledger.Capability(alice, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), capability.TokenSpent)

	rec, err := f.ledger.ExecutionAt(2)
	require.NoError(t, err)
	assert.Equal(t, contracts.ExecutionKindTokenTransfer, rec.Kind)
	assert.Equal(t, asset, rec.Target)
	assert.Equal(t, "0xa9059cbb", rec.Selector.String())
	assert.Equal(t, uint64(40), rec.Value)
}

func TestTokenTransferFailureIsHard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.vault.Mint(asset, f.ledger.Custody(), 5)
	id := f.grant(t, GrantRequest{
		Grantee: alice, Target: target, Selector: contracts.WildcardSelector,
		MaxTokenAmount: 100, TokenAsset: asset,
	})
	before := len(f.events(t))

	ok, err := f.ledger.ExecuteTokenTransfer(ctx, alice, id, asset, bob, 10)
	require.ErrorIs(t, err, contracts.ErrTransferFailed)
	assert.False(t, ok)
	assert.Zero(t, f.ledger.ExecutionCount())
	assert.Len(t, f.events(t), before)

	capability, err := f.ledger.Capability(alice, id)
	require.NoError(t, err)
	assert.Zero(t, capability.TokenSpent)
	assert.Equal(t, uint64(5), f.vault.BalanceOf(asset, f.ledger.Custody()))
}

func TestTokenTransferGate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	native := f.grant(t, wildcard(100))
	token := f.grant(t, GrantRequest{
		Grantee: alice, Target: target, Selector: ping, MaxTokenAmount: 10, TokenAsset: asset, Expiry: 1500,
	})

	_, err := f.ledger.ExecuteTokenTransfer(ctx, alice, native, asset, bob, 1)
	require.ErrorIs(t, err, contracts.ErrAssetMismatch, "native-only capability")

	_, err = f.ledger.ExecuteTokenTransfer(ctx, alice, token, other, bob, 1)
	require.ErrorIs(t, err, contracts.ErrAssetMismatch)

	_, err = f.ledger.ExecuteTokenTransfer(ctx, bob, token, asset, bob, 1)
	require.ErrorIs(t, err, contracts.ErrNotFound)

	_, err = f.ledger.ExecuteTokenTransfer(ctx, alice, token, asset, bob, 11)
	require.ErrorIs(t, err, contracts.ErrTokenAmountExceeded)

	f.now = time.Unix(1500, 0)
	_, err = f.ledger.ExecuteTokenTransfer(ctx, alice, token, asset, bob, 1)
	require.ErrorIs(t, err, contracts.ErrExpired)

	require.NoError(t, f.ledger.Revoke(ctx, alice, token))
	_, err = f.ledger.ExecuteTokenTransfer(ctx, alice, token, asset, bob, 1)
	require.ErrorIs(t, err, contracts.ErrInactive)
}

func TestConcurrentExecutionsAndReads(t *testing.T) {
	log := eventlog.NewMemoryLog()
	router := executor.NewRouter()
	router.Register(target, func(context.Context, executor.Call) ([]byte, error) { return nil, nil })
	l := NewLedger(log, router, executor.NewVault())
	ctx := context.Background()

	ids := make([]contracts.Hash, 4)
	for i := range ids {
		id, err := l.Grant(ctx, GrantRequest{
			Grantee: contracts.Address{byte(i + 1)}, Target: target, Selector: contracts.WildcardSelector, MaxValue: 10,
		})
		require.NoError(t, err)
		ids[i] = id
	}

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for i, id := range ids {
		wg.Add(1)
		go func(grantee contracts.Address, id contracts.Hash) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				// Callers that arrive while another caller's target runs are
				// turned away and try again.
				_, err := l.ExecuteGated(ctx, grantee, id, target, nil, uint64(j))
				for errors.Is(err, contracts.ErrReentrant) {
					runtime.Gosched()
					_, err = l.ExecuteGated(ctx, grantee, id, target, nil, uint64(j))
				}
				if err != nil {
					errs <- fmt.Errorf("execute: %w", err)
				}
				if _, err := l.Capability(grantee, id); err != nil {
					errs <- err
				}
				_ = l.ExecutionCount()
			}
		}(contracts.Address{byte(i + 1)}, id)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	require.Equal(t, uint64(40), l.ExecutionCount())
	seen := make(map[contracts.Hash]bool)
	for seq := uint64(1); seq <= 40; seq++ {
		rec, err := l.ExecutionAt(seq)
		require.NoError(t, err)
		assert.Equal(t, seq, rec.Sequence)
		assert.False(t, seen[rec.ID], "execution ids are unique")
		seen[rec.ID] = true
	}
	ok, reason := log.Verify()
	assert.True(t, ok, reason)
}
