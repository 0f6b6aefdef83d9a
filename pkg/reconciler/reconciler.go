// Package reconciler keeps the mirror converged with the ledger's event log.
//
// The log is consumed in append order by a fixed set of shard workers. Each
// worker owns the lineages (capability ids) that hash to it, so events of
// one capability are applied in the order they were emitted while unrelated
// capabilities proceed in parallel. Every shard keeps its own cursor, which
// only moves past an event once that event has been applied, dropped, or
// skipped by an operator.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/SharmARohitt/Hypnos/pkg/contracts"
	"github.com/SharmARohitt/Hypnos/pkg/eventlog"
	"github.com/SharmARohitt/Hypnos/pkg/mirror"
	"github.com/SharmARohitt/Hypnos/pkg/observability"
	"github.com/SharmARohitt/Hypnos/pkg/retry"
)

// Options tune the runtime.
type Options struct {
	Shards           int           `yaml:"shards"`
	BatchSize        int           `yaml:"batch_size"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	SchemaConstraint string        `yaml:"schema_constraint"`
	Retry            retry.Policy  `yaml:"-"`
}

// DefaultOptions are applied to zero fields of the Options passed to New.
func DefaultOptions() Options {
	return Options{
		Shards:           4,
		BatchSize:        256,
		PollInterval:     500 * time.Millisecond,
		SchemaConstraint: DefaultSchemaConstraint,
		Retry:            retry.DefaultPolicy,
	}
}

// Subscriber is implemented by logs that can signal appends. Workers fall
// back to polling when the log does not implement it.
type Subscriber interface {
	Subscribe() (<-chan struct{}, func())
}

// Stats are cumulative counters since the reconciler was created.
type Stats struct {
	Applied      uint64 `json:"applied"`
	Dropped      uint64 `json:"dropped"`
	DeadLettered uint64 `json:"dead_lettered"`
	Retried      uint64 `json:"retried"`
}

// ShardStatus reports one worker's progress against the log head.
type ShardStatus struct {
	Shard  int    `json:"shard"`
	Cursor uint64 `json:"cursor"`
	Head   uint64 `json:"head"`
}

// Reconciler projects the event log into the mirror with one worker per
// shard. It is safe for concurrent use.
type Reconciler struct {
	log       eventlog.Reader
	store     mirror.Store
	cursors   mirror.CursorStore
	validator *Validator
	opts      Options
	logger    *slog.Logger
	telemetry *observability.Provider
	clock     func() time.Time
	resolved  *broadcaster

	applied, dropped, deadLettered, retried atomic.Uint64
}

// New creates a reconciler reading log and writing store. Cursors live in
// store unless WithCursors says otherwise.
func New(log eventlog.Reader, store mirror.Store, opts Options) (*Reconciler, error) {
	defaults := DefaultOptions()
	if opts.Shards <= 0 {
		opts.Shards = defaults.Shards
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaults.BatchSize
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaults.PollInterval
	}
	if opts.Retry == (retry.Policy{}) {
		opts.Retry = defaults.Retry
	}
	validator, err := NewValidator(opts.SchemaConstraint)
	if err != nil {
		return nil, err
	}
	return &Reconciler{
		log:       log,
		store:     store,
		cursors:   store,
		validator: validator,
		opts:      opts,
		logger:    slog.Default().With("component", "reconciler"),
		clock:     time.Now,
		resolved:  newBroadcaster(),
	}, nil
}

// WithCursors stores shard cursors outside the mirror.
func (r *Reconciler) WithCursors(c mirror.CursorStore) *Reconciler {
	r.cursors = c
	return r
}

// WithLogger sets the structured logger.
func (r *Reconciler) WithLogger(logger *slog.Logger) *Reconciler {
	r.logger = logger.With("component", "reconciler")
	return r
}

// WithTelemetry enables a span per applied event and the reconciler counters.
func (r *Reconciler) WithTelemetry(p *observability.Provider) *Reconciler {
	r.telemetry = p
	return r
}

// WithClock overrides clock for testing.
func (r *Reconciler) WithClock(clock func() time.Time) *Reconciler {
	r.clock = clock
	return r
}

// CursorName is the cursor key of a shard.
func CursorName(shard int) string {
	return fmt.Sprintf("shard-%d", shard)
}

// ShardOf returns the shard that owns a lineage.
func (r *Reconciler) ShardOf(lineage contracts.Hash) int {
	h := fnv.New32a()
	_, _ = h.Write(lineage[:])
	return int(h.Sum32() % uint32(r.opts.Shards)) //nolint:gosec // Shards is positive
}

// Stats returns the counters accumulated so far.
func (r *Reconciler) Stats() Stats {
	return Stats{
		Applied:      r.applied.Load(),
		Dropped:      r.dropped.Load(),
		DeadLettered: r.deadLettered.Load(),
		Retried:      r.retried.Load(),
	}
}

// Status reports every shard's cursor and the current log head.
func (r *Reconciler) Status(ctx context.Context) ([]ShardStatus, error) {
	head, err := r.log.Head(ctx)
	if err != nil {
		return nil, fmt.Errorf("read log head: %w", err)
	}
	out := make([]ShardStatus, 0, r.opts.Shards)
	for shard := 0; shard < r.opts.Shards; shard++ {
		cursor, err := r.cursors.Cursor(ctx, CursorName(shard))
		if err != nil {
			return nil, err
		}
		out = append(out, ShardStatus{Shard: shard, Cursor: cursor, Head: head})
	}
	return out, nil
}

// Apply validates and projects one envelope without touching cursors.
// Applying the same envelope again leaves the mirror unchanged.
func (r *Reconciler) Apply(ctx context.Context, env contracts.Envelope) (Outcome, error) {
	ev, err := r.validator.Check(env)
	if err != nil {
		return OutcomeApplied, err
	}
	return r.applyDecoded(ctx, r.ShardOf(env.Lineage), env, ev)
}

// Run reconciles until ctx is cancelled. Shutdown finishes the event in
// flight and persists every cursor; it returns nil.
func (r *Reconciler) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "reconciler starting", "shards", r.opts.Shards)
	err := r.run(ctx, false)
	r.logger.InfoContext(ctx, "reconciler stopped", "error", err)
	return err
}

// ReplayAll drains the log once from the stored cursors and returns. Shards
// parked on a dead letter stop there.
func (r *Reconciler) ReplayAll(ctx context.Context) (Stats, error) {
	err := r.run(ctx, true)
	return r.Stats(), err
}

// Reset rewinds every shard cursor to the start of the log. Replaying over
// an existing mirror is safe.
func (r *Reconciler) Reset(ctx context.Context) error {
	for shard := 0; shard < r.opts.Shards; shard++ {
		if err := r.cursors.SaveCursor(ctx, CursorName(shard), 0); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) run(ctx context.Context, drain bool) error {
	g, gctx := errgroup.WithContext(ctx)
	for shard := 0; shard < r.opts.Shards; shard++ {
		g.Go(func() error {
			return r.worker(gctx, shard, drain)
		})
	}
	return g.Wait()
}

func (r *Reconciler) worker(ctx context.Context, shard int, drain bool) error {
	name := CursorName(shard)
	logger := r.logger.With("shard", shard)

	cursor, err := r.cursors.Cursor(ctx, name)
	if err != nil {
		return fmt.Errorf("load cursor %s: %w", name, err)
	}
	saved := cursor

	var wake <-chan struct{}
	if sub, ok := r.log.(Subscriber); ok && !drain {
		ch, cancel := sub.Subscribe()
		defer cancel()
		wake = ch
	}
	resolved, unsubscribe := r.resolved.subscribe()
	defer unsubscribe()

	save := func() error {
		if cursor == saved {
			return nil
		}
		if err := r.cursors.SaveCursor(context.WithoutCancel(ctx), name, cursor); err != nil {
			return fmt.Errorf("save cursor %s: %w", name, err)
		}
		saved = cursor
		return nil
	}

	for {
		if ctx.Err() != nil {
			return save()
		}
		envs, err := r.read(ctx, name, cursor)
		if err != nil {
			if ctx.Err() != nil {
				return save()
			}
			return errors.Join(err, save())
		}
		if len(envs) == 0 {
			if drain || !r.idle(ctx, wake) {
				return save()
			}
			continue
		}

		for _, env := range envs {
			if r.ShardOf(env.Lineage) == shard {
				advance, err := r.process(ctx, shard, env, drain, resolved, logger)
				if err != nil {
					return errors.Join(err, save())
				}
				if !advance {
					return save()
				}
			}
			cursor = env.Sequence
		}
		if err := save(); err != nil {
			return err
		}
	}
}

func (r *Reconciler) read(ctx context.Context, name string, after uint64) ([]contracts.Envelope, error) {
	var envs []contracts.Envelope
	err := retry.Do(ctx, r.opts.Retry, retry.Params{Scope: name, Key: fmt.Sprintf("read/%d", after)},
		func(ctx context.Context) error {
			var err error
			envs, err = r.log.Read(ctx, after, r.opts.BatchSize)
			return err
		},
		func(attempt int, err error, wait time.Duration) {
			r.logger.WarnContext(ctx, "log read failed, retrying", "cursor", name, "attempt", attempt, "wait", wait, "error", err)
		})
	return envs, err
}

func (r *Reconciler) idle(ctx context.Context, wake <-chan struct{}) bool {
	timer := time.NewTimer(r.opts.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-wake:
	case <-timer.C:
	}
	return true
}

// process applies one owned envelope. It returns false when the shard must
// stop before this envelope: shutdown, or a dead letter in drain mode.
func (r *Reconciler) process(ctx context.Context, shard int, env contracts.Envelope, drain bool, resolved <-chan struct{}, logger *slog.Logger) (bool, error) {
	for {
		ev, verr := r.validator.Check(env)
		if verr == nil {
			err := retry.Do(ctx, r.opts.Retry, retry.Params{Scope: CursorName(shard), Key: env.Key()},
				func(ctx context.Context) error {
					_, err := r.applyDecoded(context.WithoutCancel(ctx), shard, env, ev)
					return err
				},
				func(attempt int, err error, wait time.Duration) {
					r.retried.Add(1)
					logger.WarnContext(ctx, "apply failed, retrying",
						"key", env.Key(), "sequence", env.Sequence, "attempt", attempt, "wait", wait, "error", err)
				})
			if err != nil {
				if ctx.Err() != nil {
					return false, nil
				}
				return false, err
			}
			return true, nil
		}

		skip, err := r.park(ctx, shard, env, verr, logger)
		if err != nil || skip {
			return skip, err
		}
		if drain {
			return false, nil
		}
		status, ok := r.awaitResolution(ctx, env.Sequence, resolved, logger)
		if !ok {
			return false, nil
		}
		if status == mirror.DeadLetterSkipped {
			logger.InfoContext(ctx, "dead letter skipped", "sequence", env.Sequence, "key", env.Key())
			return true, nil
		}
		logger.InfoContext(ctx, "retrying dead letter", "sequence", env.Sequence, "key", env.Key())
	}
}

// park records a dead letter for env. It reports true when an operator
// already chose to skip this event.
func (r *Reconciler) park(ctx context.Context, shard int, env contracts.Envelope, verr error, logger *slog.Logger) (bool, error) {
	existing, err := r.store.DeadLetter(ctx, env.Sequence)
	switch {
	case err == nil && existing.Status == mirror.DeadLetterSkipped:
		return true, nil
	case err != nil && !errors.Is(err, mirror.ErrNotFound):
		return false, fmt.Errorf("lookup dead letter %d: %w", env.Sequence, err)
	}

	now := r.clock()
	letter := mirror.DeadLetter{
		Sequence:  env.Sequence,
		Shard:     shard,
		TxID:      env.TxID,
		LogIndex:  env.LogIndex,
		Kind:      env.Kind,
		Payload:   env.Payload,
		Error:     verr.Error(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.store.PutDeadLetter(context.WithoutCancel(ctx), letter); err != nil {
		return false, fmt.Errorf("park %s: %w", env.Key(), err)
	}
	r.deadLettered.Add(1)
	r.telemetry.RecordDeadLetter(ctx, shard, env.Kind)
	logger.ErrorContext(ctx, "shard parked on undecodable event",
		"sequence", env.Sequence, "key", env.Key(), "kind", env.Kind, "error", verr)
	return false, nil
}

func (r *Reconciler) awaitResolution(ctx context.Context, seq uint64, resolved <-chan struct{}, logger *slog.Logger) (mirror.DeadLetterStatus, bool) {
	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", false
		case <-resolved:
		case <-ticker.C:
		}
		d, err := r.store.DeadLetter(ctx, seq)
		if err != nil {
			if ctx.Err() != nil {
				return "", false
			}
			logger.WarnContext(ctx, "dead letter lookup failed", "sequence", seq, "error", err)
			continue
		}
		if d.Status != mirror.DeadLetterPending {
			return d.Status, true
		}
	}
}

func (r *Reconciler) applyDecoded(ctx context.Context, shard int, env contracts.Envelope, ev contracts.Event) (Outcome, error) {
	done := func(error) {}
	if r.telemetry != nil {
		ctx, done = r.telemetry.TrackOperation(ctx, "reconciler.apply", observability.ReconcileOperation(shard, env.Kind)...)
	}
	outcome, reason, err := project(ctx, r.store, r.logger, env, ev)
	done(err)
	if err != nil {
		return outcome, err
	}
	if outcome == OutcomeDropped {
		r.dropped.Add(1)
		r.telemetry.RecordDropped(ctx, env.Kind, reason)
	} else {
		r.applied.Add(1)
		r.telemetry.RecordApplied(ctx, shard, env.Kind)
	}
	return outcome, nil
}

// DeadLetters lists parked events; an empty status lists all.
func (r *Reconciler) DeadLetters(ctx context.Context, status mirror.DeadLetterStatus) ([]mirror.DeadLetter, error) {
	return r.store.DeadLetters(ctx, status)
}

// Skip resolves a dead letter by moving its shard past it.
func (r *Reconciler) Skip(ctx context.Context, seq uint64) error {
	return r.resolve(ctx, seq, mirror.DeadLetterSkipped)
}

// Retry resolves a dead letter by decoding it again.
func (r *Reconciler) Retry(ctx context.Context, seq uint64) error {
	return r.resolve(ctx, seq, mirror.DeadLetterRetry)
}

func (r *Reconciler) resolve(ctx context.Context, seq uint64, status mirror.DeadLetterStatus) error {
	if err := r.store.ResolveDeadLetter(ctx, seq, status, r.clock()); err != nil {
		return err
	}
	r.logger.InfoContext(ctx, "dead letter resolved", "sequence", seq, "status", status)
	r.resolved.notify()
	return nil
}

// broadcaster wakes every parked worker when an operator resolves a letter.
type broadcaster struct {
	mu   sync.Mutex
	subs map[int]chan struct{}
	next int
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[int]chan struct{})}
}

func (b *broadcaster) subscribe() (<-chan struct{}, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan struct{}, 1)
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

func (b *broadcaster) notify() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
