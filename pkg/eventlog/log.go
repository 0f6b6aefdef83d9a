// Package eventlog is the append-only, hash-chained stream of ledger events.
//
// The ledger appends one batch per origin transaction; the reconciler reads
// the stream in sequence order. Entries are never mutated or deleted.
package eventlog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/SharmARohitt/Hypnos/pkg/contracts"
)

// Genesis is the PrevHash of the first entry.
const Genesis = "genesis"

var (
	ErrEmptyBatch   = errors.New("empty batch")
	ErrInvalidBatch = errors.New("invalid batch")
	ErrChainBroken  = errors.New("hash chain is broken")
)

// Appender is the sink the ledger writes to. A batch is appended atomically.
type Appender interface {
	Append(ctx context.Context, batch []contracts.Envelope) ([]contracts.Envelope, error)
}

// Reader serves the stream in append order.
type Reader interface {
	// Read returns up to limit envelopes with Sequence > after.
	Read(ctx context.Context, after uint64, limit int) ([]contracts.Envelope, error)
	// Head returns the last assigned sequence (0 when empty).
	Head(ctx context.Context) (uint64, error)
}

// Log is both ends of the stream.
type Log interface {
	Appender
	Reader
}

type chainInput struct {
	Sequence      uint64          `json:"sequence"`
	TxID          string          `json:"tx_id"`
	LogIndex      uint32          `json:"log_index"`
	Kind          string          `json:"kind"`
	Lineage       string          `json:"lineage"`
	SchemaVersion string          `json:"schema_version"`
	EmittedAt     string          `json:"emitted_at"`
	Payload       json.RawMessage `json:"payload"`
	PrevHash      string          `json:"prev"`
}

// ComputeHash returns the chain hash of env given its PrevHash.
func ComputeHash(env contracts.Envelope) (string, error) {
	payload := env.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	raw, err := json.Marshal(chainInput{
		Sequence:      env.Sequence,
		TxID:          env.TxID,
		LogIndex:      env.LogIndex,
		Kind:          string(env.Kind),
		Lineage:       env.Lineage.String(),
		SchemaVersion: env.SchemaVersion,
		EmittedAt:     env.EmittedAt.UTC().Format(time.RFC3339Nano),
		Payload:       payload,
		PrevHash:      env.PrevHash,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal entry: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize entry: %w", err)
	}
	h := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(h[:]), nil
}

// chain assigns sequence numbers and hashes to a batch following head.
func chain(batch []contracts.Envelope, headSeq uint64, headHash string) ([]contracts.Envelope, error) {
	if len(batch) == 0 {
		return nil, ErrEmptyBatch
	}
	out := make([]contracts.Envelope, len(batch))
	prev := headHash
	for i, env := range batch {
		if env.TxID == "" {
			return nil, fmt.Errorf("%w: entry %d has no tx id", ErrInvalidBatch, i)
		}
		env.Sequence = headSeq + uint64(i) + 1
		env.PrevHash = prev
		env.EmittedAt = env.EmittedAt.UTC()
		h, err := ComputeHash(env)
		if err != nil {
			return nil, err
		}
		env.Hash = h
		prev = h
		out[i] = env
	}
	return out, nil
}

// Verify checks that envs form a contiguous chain starting after prevHash.
func Verify(envs []contracts.Envelope, prevHash string) error {
	for i, env := range envs {
		if env.PrevHash != prevHash {
			return fmt.Errorf("%w at sequence %d: expected prev %s, got %s", ErrChainBroken, env.Sequence, prevHash, env.PrevHash)
		}
		if i > 0 && env.Sequence != envs[i-1].Sequence+1 {
			return fmt.Errorf("%w: gap between %d and %d", ErrChainBroken, envs[i-1].Sequence, env.Sequence)
		}
		computed, err := ComputeHash(env)
		if err != nil {
			return err
		}
		if computed != env.Hash {
			return fmt.Errorf("%w: hash mismatch at sequence %d", ErrChainBroken, env.Sequence)
		}
		prevHash = env.Hash
	}
	return nil
}

// VerifyLog reads the whole log and verifies the chain from genesis.
func VerifyLog(ctx context.Context, r Reader, pageSize int) (uint64, error) {
	if pageSize <= 0 {
		pageSize = 500
	}
	var (
		after uint64
		prev  = Genesis
	)
	for {
		page, err := r.Read(ctx, after, pageSize)
		if err != nil {
			return after, err
		}
		if len(page) == 0 {
			return after, nil
		}
		if page[0].Sequence != after+1 {
			return after, fmt.Errorf("%w: expected sequence %d, got %d", ErrChainBroken, after+1, page[0].Sequence)
		}
		if err := Verify(page, prev); err != nil {
			return after, err
		}
		last := page[len(page)-1]
		after, prev = last.Sequence, last.Hash
	}
}
