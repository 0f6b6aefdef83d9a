// Package ledger implements the Capability Ledger.
//
// The ledger is the single source of truth for granted capabilities and the
// executions performed under them:
//   - Grant stores a new Active capability scoped to its grantee
//   - Revoke is terminal; a revoked capability never becomes active again
//   - every gated call is checked synchronously before anything is invoked
//   - every mutation appends its events to the log before state is committed
package ledger

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/SharmARohitt/Hypnos/pkg/contracts"
	"github.com/SharmARohitt/Hypnos/pkg/eventlog"
	"github.com/SharmARohitt/Hypnos/pkg/executor"
	"github.com/SharmARohitt/Hypnos/pkg/observability"
	"github.com/SharmARohitt/Hypnos/pkg/retry"
)

// DefaultAppendRetry bounds how long a gated call keeps retrying the append
// of an execution whose external effect already happened.
var DefaultAppendRetry = retry.Policy{BaseMs: 20, MaxMs: 500, MaxJitterMs: 10, MaxAttempts: 5}

// GrantRequest describes a capability to create.
type GrantRequest struct {
	Grantee        contracts.Address  `json:"grantee"`
	Target         contracts.Address  `json:"target"`
	Selector       contracts.Selector `json:"selector"`
	MaxValue       uint64             `json:"max_value"`
	MaxTokenAmount uint64             `json:"max_token_amount"`
	TokenAsset     contracts.Address  `json:"token_asset"`
	Expiry         uint64             `json:"expiry"`
}

// Ledger owns capability and execution state.
type Ledger struct {
	id          contracts.Hash
	custody     contracts.Address
	log         eventlog.Appender
	invoker     executor.Invoker
	rail        executor.AssetRail
	clock       func() time.Time
	newTxID     func() string
	logger      *slog.Logger
	telemetry   *observability.Provider
	appendRetry retry.Policy

	// frame serializes top-level mutations. External code runs while it is
	// held, with external raised.
	frame    sync.Mutex
	external atomic.Bool

	mu           sync.RWMutex
	capabilities map[contracts.Address]map[contracts.Hash]*contracts.Capability
	grantOrder   map[contracts.Address][]contracts.Hash
	executions   map[contracts.Hash]contracts.ExecutionRecord
	executionIDs []contracts.Hash
	nonce        uint64
}

// NewLedger creates a ledger writing its events to log.
func NewLedger(log eventlog.Appender, invoker executor.Invoker, rail executor.AssetRail) *Ledger {
	id := contracts.Keccak256([]byte(uuid.NewString()))
	l := &Ledger{
		log:          log,
		invoker:      invoker,
		rail:         rail,
		clock:        time.Now,
		newTxID:      uuid.NewString,
		logger:       slog.Default().With("component", "ledger"),
		appendRetry:  DefaultAppendRetry,
		capabilities: make(map[contracts.Address]map[contracts.Hash]*contracts.Capability),
		grantOrder:   make(map[contracts.Address][]contracts.Hash),
		executions:   make(map[contracts.Hash]contracts.ExecutionRecord),
	}
	return l.WithInstanceID(id)
}

// WithClock overrides clock for testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// WithTxIDs overrides the origin transaction id source.
func (l *Ledger) WithTxIDs(next func() string) *Ledger {
	l.newTxID = next
	return l
}

// WithAppendRetry sets the policy for appends that follow an external effect.
func (l *Ledger) WithAppendRetry(p retry.Policy) *Ledger {
	l.appendRetry = p
	return l
}

// WithLogger sets the structured logger.
func (l *Ledger) WithLogger(logger *slog.Logger) *Ledger {
	l.logger = logger.With("component", "ledger")
	return l
}

// WithTelemetry enables spans and RED metrics for ledger operations.
func (l *Ledger) WithTelemetry(p *observability.Provider) *Ledger {
	l.telemetry = p
	return l
}

// WithInstanceID pins the creation context mixed into identifiers. The
// custody address token transfers are paid from is derived from it.
func (l *Ledger) WithInstanceID(id contracts.Hash) *Ledger {
	l.id = id
	h := contracts.Keccak256([]byte("hypnos.custody"), id[:])
	copy(l.custody[:], h[contracts.HashLength-contracts.AddressLength:])
	return l
}

// Custody is the holder token transfers are paid from.
func (l *Ledger) Custody() contracts.Address { return l.custody }

func (l *Ledger) now() uint64 {
	return uint64(l.clock().Unix())
}

func (l *Ledger) track(ctx context.Context, op string) (context.Context, func(error)) {
	if l.telemetry == nil {
		return ctx, func(error) {}
	}
	return l.telemetry.TrackOperation(ctx, op, observability.LedgerOperation(op)...)
}

// Grant creates a new Active capability and returns its identifier.
func (l *Ledger) Grant(ctx context.Context, req GrantRequest) (contracts.Hash, error) {
	ctx, release, err := l.enterFrame(ctx)
	if err != nil {
		return contracts.ZeroHash, err
	}
	defer release()
	ctx, done := l.track(ctx, "ledger.grant")

	id, err := l.grant(ctx, req)
	done(err)
	return id, err
}

func (l *Ledger) grant(ctx context.Context, req GrantRequest) (contracts.Hash, error) {
	if req.Target.IsZero() {
		return contracts.ZeroHash, contracts.ErrInvalidTarget
	}
	now := l.now()
	if req.Expiry != 0 && req.Expiry <= now {
		return contracts.ZeroHash, fmt.Errorf("%w: expiry %d, now %d", contracts.ErrExpiredGrant, req.Expiry, now)
	}

	l.mu.RLock()
	nonce := l.nonce + 1
	l.mu.RUnlock()

	id := l.capabilityID(req, nonce, l.clock().UnixNano())
	capability := &contracts.Capability{
		ID:             id,
		Grantee:        req.Grantee,
		Target:         req.Target,
		Selector:       req.Selector,
		MaxValue:       req.MaxValue,
		MaxTokenAmount: req.MaxTokenAmount,
		TokenAsset:     req.TokenAsset,
		Expiry:         req.Expiry,
		Active:         true,
		CreatedAt:      now,
	}
	granted := contracts.CapabilityGranted{
		Grantee:        req.Grantee,
		CapabilityID:   id,
		Target:         req.Target,
		Selector:       req.Selector,
		MaxValue:       req.MaxValue,
		MaxTokenAmount: req.MaxTokenAmount,
		TokenAsset:     req.TokenAsset,
		Expiry:         req.Expiry,
	}
	err := l.commit(ctx, []contracts.Event{granted}, func() {
		l.nonce = nonce
		owned, ok := l.capabilities[req.Grantee]
		if !ok {
			owned = make(map[contracts.Hash]*contracts.Capability)
			l.capabilities[req.Grantee] = owned
		}
		owned[id] = capability
		l.grantOrder[req.Grantee] = append(l.grantOrder[req.Grantee], id)
	})
	if err != nil {
		return contracts.ZeroHash, err
	}
	l.logger.InfoContext(ctx, "capability granted",
		"capability_id", id, "grantee", req.Grantee, "target", req.Target,
		"selector", req.Selector, "max_value", req.MaxValue, "expiry", req.Expiry)
	return id, nil
}

// Revoke deactivates a capability owned by caller. Revoking an already
// revoked capability is a no-op success and emits nothing; ids the caller
// does not own are ErrNotFound.
func (l *Ledger) Revoke(ctx context.Context, caller contracts.Address, id contracts.Hash) error {
	ctx, release, err := l.enterFrame(ctx)
	if err != nil {
		return err
	}
	defer release()
	ctx, done := l.track(ctx, "ledger.revoke")

	err = l.revoke(ctx, caller, id)
	done(err)
	return err
}

func (l *Ledger) revoke(ctx context.Context, caller contracts.Address, id contracts.Hash) error {
	l.mu.RLock()
	capability, ok := l.lookup(caller, id)
	l.mu.RUnlock()
	if !ok {
		return fmt.Errorf("revoke %s: %w", id, contracts.ErrNotFound)
	}
	if !capability.Active {
		l.logger.DebugContext(ctx, "capability already revoked", "capability_id", id)
		return nil
	}

	now := l.now()
	revoked := contracts.CapabilityRevoked{Grantee: caller, CapabilityID: id}
	err := l.commit(ctx, []contracts.Event{revoked}, func() {
		capability.Active = false
		capability.RevokedAt = now
	})
	if err != nil {
		return err
	}
	l.logger.InfoContext(ctx, "capability revoked", "capability_id", id, "grantee", caller)
	return nil
}

// lookup must be called with mu held.
func (l *Ledger) lookup(grantee contracts.Address, id contracts.Hash) (*contracts.Capability, bool) {
	owned, ok := l.capabilities[grantee]
	if !ok {
		return nil, false
	}
	c, ok := owned[id]
	return c, ok
}

// commit seals events into one origin transaction, appends them, and only
// then applies the state change. A failed append leaves state untouched.
func (l *Ledger) commit(ctx context.Context, events []contracts.Event, apply func()) error {
	return l.commitWith(ctx, nil, events, apply)
}

// commitWith is commit with the append retried under policy. Every attempt
// appends the same sealed batch, and logs treat a committed transaction as
// already appended, so a retry never duplicates events.
func (l *Ledger) commitWith(ctx context.Context, policy *retry.Policy, events []contracts.Event, apply func()) error {
	txID := l.newTxID()
	at := l.clock()
	batch := make([]contracts.Envelope, 0, len(events))
	for i, ev := range events {
		env, err := contracts.Seal(txID, uint32(i), at, ev)
		if err != nil {
			return err
		}
		batch = append(batch, env)
	}
	appendBatch := func(ctx context.Context) error {
		_, err := l.log.Append(ctx, batch)
		return err
	}

	var err error
	if policy == nil {
		err = appendBatch(ctx)
	} else {
		err = retry.Do(ctx, *policy, retry.Params{Scope: "ledger.append", Key: txID}, appendBatch,
			func(attempt int, err error, wait time.Duration) {
				l.logger.WarnContext(ctx, "append failed, retrying",
					"tx_id", txID, "attempt", attempt+1, "wait", wait, "error", err)
			})
	}
	if err != nil {
		return fmt.Errorf("append events for tx %s: %w", txID, err)
	}

	l.mu.Lock()
	apply()
	l.mu.Unlock()
	return nil
}

func (l *Ledger) capabilityID(req GrantRequest, nonce uint64, createdAtNanos int64) contracts.Hash {
	return contracts.Keccak256(
		l.id[:],
		req.Grantee[:],
		req.Target[:],
		req.Selector.Bytes(),
		u64(req.MaxValue),
		u64(req.MaxTokenAmount),
		req.TokenAsset[:],
		u64(req.Expiry),
		u64(nonce),
		u64(uint64(createdAtNanos)),
	)
}

func (l *Ledger) executionID(caller, target contracts.Address, payload []byte, value, sequence uint64, atNanos int64) contracts.Hash {
	return contracts.Keccak256(
		l.id[:],
		caller[:],
		target[:],
		contracts.Keccak256(payload).Bytes(),
		u64(value),
		u64(sequence),
		u64(uint64(atNanos)),
	)
}

func u64(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

// Capability returns the capability id owned by grantee.
func (l *Ledger) Capability(grantee contracts.Address, id contracts.Hash) (contracts.Capability, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	c, ok := l.lookup(grantee, id)
	if !ok {
		return contracts.Capability{}, contracts.ErrNotFound
	}
	return *c, nil
}

// Capabilities lists the ids granted to grantee in grant order.
func (l *Ledger) Capabilities(grantee contracts.Address) []contracts.Hash {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]contracts.Hash(nil), l.grantOrder[grantee]...)
}

// Execution returns an execution record by id.
func (l *Ledger) Execution(id contracts.Hash) (contracts.ExecutionRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.executions[id]
	if !ok {
		return contracts.ExecutionRecord{}, contracts.ErrExecutionNotFound
	}
	return rec, nil
}

// ExecutionCount returns the number of recorded executions.
func (l *Ledger) ExecutionCount() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return uint64(len(l.executionIDs))
}

// ExecutionAt returns the record at a 1-based sequence.
func (l *Ledger) ExecutionAt(sequence uint64) (contracts.ExecutionRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if sequence == 0 || sequence > uint64(len(l.executionIDs)) {
		return contracts.ExecutionRecord{}, contracts.ErrExecutionNotFound
	}
	return l.executions[l.executionIDs[sequence-1]], nil
}
