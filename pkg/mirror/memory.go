package mirror

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/SharmARohitt/Hypnos/pkg/contracts"
)

type eventKey struct {
	txID     string
	logIndex uint32
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu          sync.RWMutex
	permissions map[contracts.Hash]Permission
	executions  map[contracts.Hash]Execution
	granted     map[eventKey]GrantedEvent
	revoked     map[eventKey]RevokedEvent
	used        map[eventKey]UsedEvent
	cursors     map[string]uint64
	deadLetters map[uint64]DeadLetter
}

// NewMemoryStore creates an empty in-process mirror.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		permissions: make(map[contracts.Hash]Permission),
		executions:  make(map[contracts.Hash]Execution),
		granted:     make(map[eventKey]GrantedEvent),
		revoked:     make(map[eventKey]RevokedEvent),
		used:        make(map[eventKey]UsedEvent),
		cursors:     make(map[string]uint64),
		deadLetters: make(map[uint64]DeadLetter),
	}
}

func (s *MemoryStore) UpsertPermission(_ context.Context, p Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.permissions[p.ID]; ok {
		p.Active = existing.Active
		p.RevokedAt = existing.RevokedAt
		p.RevokedTx = existing.RevokedTx
	}
	s.permissions[p.ID] = p
	return nil
}

func (s *MemoryStore) RevokePermission(_ context.Context, id contracts.Hash, at time.Time, txID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.permissions[id]
	if !ok {
		return false, nil
	}
	if p.RevokedTx == "" {
		p.Active = false
		p.RevokedAt = at
		p.RevokedTx = txID
		s.permissions[id] = p
	}
	return true, nil
}

func (s *MemoryStore) Permission(_ context.Context, id contracts.Hash) (Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.permissions[id]
	if !ok {
		return Permission{}, fmt.Errorf("permission %s: %w", id, ErrNotFound)
	}
	return p, nil
}

func (s *MemoryStore) Permissions(_ context.Context, f PermissionFilter) ([]Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Permission, 0, len(s.permissions))
	for _, p := range s.permissions {
		if !f.Owner.IsZero() && p.Owner != f.Owner {
			continue
		}
		if f.Active != nil && p.Active != *f.Active {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GrantedSeq < out[j].GrantedSeq })
	return limit(out, f.Limit), nil
}

func (s *MemoryStore) UpsertExecution(_ context.Context, e Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions[e.ID] = e
	return nil
}

func (s *MemoryStore) Execution(_ context.Context, id contracts.Hash) (Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.executions[id]
	if !ok {
		return Execution{}, fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	return e, nil
}

func (s *MemoryStore) Executions(_ context.Context, f ExecutionFilter) ([]Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Execution, 0, len(s.executions))
	for _, e := range s.executions {
		if !f.Caller.IsZero() && e.Caller != f.Caller {
			continue
		}
		if !f.PermissionID.IsZero() && e.PermissionID != f.PermissionID {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Sequence < out[j].Sequence
	})
	return limit(out, f.Limit), nil
}

func (s *MemoryStore) InsertGrantedEvent(_ context.Context, ev GrantedEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := eventKey{ev.TxID, ev.LogIndex}
	if _, ok := s.granted[k]; !ok {
		s.granted[k] = ev
	}
	return nil
}

func (s *MemoryStore) InsertRevokedEvent(_ context.Context, ev RevokedEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := eventKey{ev.TxID, ev.LogIndex}
	if _, ok := s.revoked[k]; !ok {
		s.revoked[k] = ev
	}
	return nil
}

func (s *MemoryStore) InsertUsedEvent(_ context.Context, ev UsedEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := eventKey{ev.TxID, ev.LogIndex}
	if _, ok := s.used[k]; !ok {
		s.used[k] = ev
	}
	return nil
}

func (s *MemoryStore) GrantedEvents(context.Context) ([]GrantedEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]GrantedEvent, 0, len(s.granted))
	for _, ev := range s.granted {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (s *MemoryStore) RevokedEvents(context.Context) ([]RevokedEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]RevokedEvent, 0, len(s.revoked))
	for _, ev := range s.revoked {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (s *MemoryStore) UsedEvents(context.Context) ([]UsedEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]UsedEvent, 0, len(s.used))
	for _, ev := range s.used {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (s *MemoryStore) Cursor(_ context.Context, name string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursors[name], nil
}

func (s *MemoryStore) SaveCursor(_ context.Context, name string, seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[name] = seq
	return nil
}

func (s *MemoryStore) PutDeadLetter(_ context.Context, d DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.deadLetters[d.Sequence]; ok {
		d.CreatedAt = existing.CreatedAt
	}
	d.Status = DeadLetterPending
	s.deadLetters[d.Sequence] = d
	return nil
}

func (s *MemoryStore) DeadLetter(_ context.Context, seq uint64) (DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deadLetters[seq]
	if !ok {
		return DeadLetter{}, fmt.Errorf("dead letter %d: %w", seq, ErrNotFound)
	}
	return d, nil
}

func (s *MemoryStore) DeadLetters(_ context.Context, status DeadLetterStatus) ([]DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]DeadLetter, 0, len(s.deadLetters))
	for _, d := range s.deadLetters {
		if status != "" && d.Status != status {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (s *MemoryStore) ResolveDeadLetter(_ context.Context, seq uint64, status DeadLetterStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deadLetters[seq]
	if !ok {
		return fmt.Errorf("dead letter %d: %w", seq, ErrNotFound)
	}
	d.Status = status
	d.UpdatedAt = at
	s.deadLetters[seq] = d
	return nil
}

func limit[T any](items []T, n int) []T {
	if n > 0 && len(items) > n {
		return items[:n]
	}
	return items
}
