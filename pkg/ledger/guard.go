package ledger

import (
	"context"
	"fmt"

	"github.com/SharmARohitt/Hypnos/pkg/contracts"
)

type frameKey struct{}

// enterFrame acquires the mutation frame and returns a context marked as
// belonging to it.
//
// A mutation is rejected with ErrReentrant when it carries a marked context
// or arrives while the frame owner is inside an external call. The second
// rule holds whatever context the caller uses, so a target that calls back
// on a fresh context is refused instead of waiting on a frame it can never
// get. Callers arriving between external calls queue on the frame.
//
// The release func must be deferred by the caller; it runs on every exit
// path including a panicking target.
func (l *Ledger) enterFrame(ctx context.Context) (context.Context, func(), error) {
	if l.InFrame(ctx) {
		return ctx, func() {}, contracts.ErrReentrant
	}
	if l.external.Load() {
		return ctx, func() {}, fmt.Errorf("%w: external call in flight", contracts.ErrReentrant)
	}
	l.frame.Lock()
	return context.WithValue(ctx, frameKey{}, l), l.frame.Unlock, nil
}

// outside runs fn, an external call made by the frame owner, with the
// in-flight flag raised.
func (l *Ledger) outside(fn func() error) error {
	l.external.Store(true)
	defer l.external.Store(false)
	return fn()
}

// InFrame reports whether ctx was issued from inside a gated call of l.
func (l *Ledger) InFrame(ctx context.Context) bool {
	owner, ok := ctx.Value(frameKey{}).(*Ledger)
	return ok && owner == l
}
