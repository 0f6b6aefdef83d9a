package eventlog

import (
	"context"
	"sync"

	"github.com/SharmARohitt/Hypnos/pkg/contracts"
)

// MemoryLog is an in-process Log.
type MemoryLog struct {
	mu          sync.RWMutex
	entries     []contracts.Envelope
	headHash    string
	subscribers map[int]chan struct{}
	nextSub     int
	byTx        map[string]int
	failNext    error
	failCount   int
}

// NewMemoryLog creates an empty log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		headHash:    Genesis,
		subscribers: make(map[int]chan struct{}),
		byTx:        make(map[string]int),
	}
}

// Append implements Appender. Appending a transaction that is already in
// the log returns the stored entries and writes nothing.
func (l *MemoryLog) Append(_ context.Context, batch []contracts.Envelope) ([]contracts.Envelope, error) {
	l.mu.Lock()
	if l.failCount > 0 {
		err := l.failNext
		l.failCount--
		l.mu.Unlock()
		return nil, err
	}
	if len(batch) > 0 {
		if start, ok := l.byTx[batch[0].TxID]; ok {
			out := make([]contracts.Envelope, 0, len(batch))
			for _, env := range l.entries[start:] {
				if env.TxID != batch[0].TxID {
					break
				}
				out = append(out, env)
			}
			l.mu.Unlock()
			return out, nil
		}
	}
	sealed, err := chain(batch, uint64(len(l.entries)), l.headHash)
	if err != nil {
		l.mu.Unlock()
		return nil, err
	}
	l.byTx[batch[0].TxID] = len(l.entries)
	l.entries = append(l.entries, sealed...)
	l.headHash = sealed[len(sealed)-1].Hash
	subs := make([]chan struct{}, 0, len(l.subscribers))
	for _, ch := range l.subscribers {
		subs = append(subs, ch)
	}
	l.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return sealed, nil
}

// FailNextAppend makes the next Append return err without writing. Used to
// exercise atomicity of callers.
func (l *MemoryLog) FailNextAppend(err error) {
	l.FailAppends(1, err)
}

// FailAppends makes the next n Appends return err without writing.
func (l *MemoryLog) FailAppends(n int, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failNext, l.failCount = err, n
}

// Read implements Reader.
func (l *MemoryLog) Read(_ context.Context, after uint64, limit int) ([]contracts.Envelope, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if after >= uint64(len(l.entries)) {
		return nil, nil
	}
	end := uint64(len(l.entries))
	if limit > 0 && after+uint64(limit) < end {
		end = after + uint64(limit)
	}
	out := make([]contracts.Envelope, end-after)
	copy(out, l.entries[after:end])
	return out, nil
}

// Head implements Reader.
func (l *MemoryLog) Head(context.Context) (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return uint64(len(l.entries)), nil
}

// HeadHash returns the hash of the last entry.
func (l *MemoryLog) HeadHash() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.headHash
}

// Subscribe returns a channel signalled (coalesced) after every append.
func (l *MemoryLog) Subscribe() (<-chan struct{}, func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.nextSub
	l.nextSub++
	ch := make(chan struct{}, 1)
	l.subscribers[id] = ch
	return ch, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.subscribers, id)
	}
}

// Verify checks the integrity of the entire chain.
func (l *MemoryLog) Verify() (bool, string) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if err := Verify(l.entries, Genesis); err != nil {
		return false, err.Error()
	}
	return true, "chain verified"
}
