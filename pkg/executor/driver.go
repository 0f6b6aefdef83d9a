package executor

import (
	"context"
	"sync"

	"github.com/SharmARohitt/Hypnos/pkg/contracts"
)

// TargetFunc is an in-process target. It receives the same context the
// ledger invoked it with.
type TargetFunc func(ctx context.Context, call Call) ([]byte, error)

// Router dispatches calls to in-process targets keyed by address.
type Router struct {
	mu      sync.RWMutex
	targets map[contracts.Address]TargetFunc
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{targets: make(map[contracts.Address]TargetFunc)}
}

// Register binds fn to addr, replacing any previous binding.
func (r *Router) Register(addr contracts.Address, fn TargetFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets[addr] = fn
}

// Invoke implements Invoker. Unknown targets revert without data.
func (r *Router) Invoke(ctx context.Context, call Call) ([]byte, error) {
	r.mu.RLock()
	fn, ok := r.targets[call.Target]
	r.mu.RUnlock()
	if !ok {
		return nil, Revert(nil)
	}
	return fn(ctx, call)
}
