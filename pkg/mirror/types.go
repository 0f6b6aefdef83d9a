// Package mirror is the read model rebuilt from the ledger's event stream.
//
// Every write is an idempotent upsert keyed like its source record, so
// applying the same envelope any number of times yields the same state.
package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/SharmARohitt/Hypnos/pkg/contracts"
)

var ErrNotFound = errors.New("mirror: not found")

// Permission mirrors one capability.
type Permission struct {
	ID             contracts.Hash     `json:"id"`
	Owner          contracts.Address  `json:"owner"`
	Target         contracts.Address  `json:"target"`
	Selector       contracts.Selector `json:"selector"`
	MaxValue       uint64             `json:"max_value"`
	MaxTokenAmount uint64             `json:"max_token_amount"`
	TokenAsset     contracts.Address  `json:"token_asset"`
	Expiry         uint64             `json:"expiry"`
	Active         bool               `json:"active"`
	GrantedTx      string             `json:"granted_tx"`
	GrantedSeq     uint64             `json:"granted_seq"`
	GrantedAt      time.Time          `json:"granted_at"`
	RevokedTx      string             `json:"revoked_tx,omitempty"`
	RevokedAt      time.Time          `json:"revoked_at"`
}

// Execution mirrors one execution record.
type Execution struct {
	ID           contracts.Hash          `json:"id"`
	PermissionID contracts.Hash          `json:"permission_id"`
	Kind         contracts.ExecutionKind `json:"kind"`
	Caller       contracts.Address       `json:"caller"`
	Target       contracts.Address       `json:"target"`
	Selector     contracts.Selector      `json:"selector"`
	Value        uint64                  `json:"value"`
	Success      bool                    `json:"success"`
	Reason       string                  `json:"reason"`
	TxID         string                  `json:"tx_id"`
	Sequence     uint64                  `json:"sequence"`
	CreatedAt    time.Time               `json:"created_at"`
}

// EventRef locates an audit row's source envelope.
type EventRef struct {
	TxID     string    `json:"tx_id"`
	LogIndex uint32    `json:"log_index"`
	Sequence uint64    `json:"sequence"`
	At       time.Time `json:"at"`
}

// GrantedEvent is the audit row for CapabilityGranted.
type GrantedEvent struct {
	EventRef
	PermissionID contracts.Hash     `json:"permission_id"`
	Owner        contracts.Address  `json:"owner"`
	Target       contracts.Address  `json:"target"`
	Selector     contracts.Selector `json:"selector"`
	MaxValue     uint64             `json:"max_value"`
	Expiry       uint64             `json:"expiry"`
}

// RevokedEvent is the audit row for CapabilityRevoked. It is kept even when
// the permission it names is unknown.
type RevokedEvent struct {
	EventRef
	PermissionID contracts.Hash    `json:"permission_id"`
	Owner        contracts.Address `json:"owner"`
}

// UsedEvent is the audit row for PermissionUsed.
type UsedEvent struct {
	EventRef
	PermissionID contracts.Hash     `json:"permission_id"`
	ExecutionID  contracts.Hash     `json:"execution_id"`
	Grantee      contracts.Address  `json:"grantee"`
	Target       contracts.Address  `json:"target"`
	Selector     contracts.Selector `json:"selector"`
	Value        uint64             `json:"value"`
	Success      bool               `json:"success"`
}

// DeadLetterStatus tracks operator handling of a parked event.
type DeadLetterStatus string

const (
	DeadLetterPending DeadLetterStatus = "pending"
	DeadLetterRetry   DeadLetterStatus = "retry"
	DeadLetterSkipped DeadLetterStatus = "skipped"
)

// DeadLetter is an event the reconciler could not decode. Its shard does
// not advance past Sequence until the letter is resolved.
type DeadLetter struct {
	Sequence  uint64              `json:"sequence"`
	Shard     int                 `json:"shard"`
	TxID      string              `json:"tx_id"`
	LogIndex  uint32              `json:"log_index"`
	Kind      contracts.EventKind `json:"kind"`
	Payload   json.RawMessage     `json:"payload"`
	Error     string              `json:"error"`
	Status    DeadLetterStatus    `json:"status"`
	CreatedAt time.Time           `json:"created_at"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// PermissionFilter narrows Permissions. Zero values match everything.
type PermissionFilter struct {
	Owner  contracts.Address
	Active *bool
	Limit  int
}

// ExecutionFilter narrows Executions. Zero values match everything.
type ExecutionFilter struct {
	Caller       contracts.Address
	PermissionID contracts.Hash
	Limit        int
}

// Projection holds the mirrored entities and their audit rows.
type Projection interface {
	// UpsertPermission inserts p, or refreshes its grant fields. It never
	// touches the active flag or revocation columns of an existing row.
	UpsertPermission(ctx context.Context, p Permission) error
	// RevokePermission marks id inactive. It reports false when id is
	// unknown. The first revocation's time and tx are kept.
	RevokePermission(ctx context.Context, id contracts.Hash, at time.Time, txID string) (bool, error)
	Permission(ctx context.Context, id contracts.Hash) (Permission, error)
	Permissions(ctx context.Context, f PermissionFilter) ([]Permission, error)

	UpsertExecution(ctx context.Context, e Execution) error
	Execution(ctx context.Context, id contracts.Hash) (Execution, error)
	Executions(ctx context.Context, f ExecutionFilter) ([]Execution, error)

	// Audit rows are insert-once per (TxID, LogIndex).
	InsertGrantedEvent(ctx context.Context, ev GrantedEvent) error
	InsertRevokedEvent(ctx context.Context, ev RevokedEvent) error
	InsertUsedEvent(ctx context.Context, ev UsedEvent) error
	GrantedEvents(ctx context.Context) ([]GrantedEvent, error)
	RevokedEvents(ctx context.Context) ([]RevokedEvent, error)
	UsedEvents(ctx context.Context) ([]UsedEvent, error)
}

// CursorStore persists reconciler progress per named cursor.
type CursorStore interface {
	Cursor(ctx context.Context, name string) (uint64, error)
	SaveCursor(ctx context.Context, name string, seq uint64) error
}

// DeadLetterStore keeps parked events.
type DeadLetterStore interface {
	// PutDeadLetter records or refreshes the letter at d.Sequence and marks it pending.
	PutDeadLetter(ctx context.Context, d DeadLetter) error
	DeadLetter(ctx context.Context, seq uint64) (DeadLetter, error)
	// DeadLetters lists letters in sequence order; an empty status lists all.
	DeadLetters(ctx context.Context, status DeadLetterStatus) ([]DeadLetter, error)
	ResolveDeadLetter(ctx context.Context, seq uint64, status DeadLetterStatus, at time.Time) error
}

// Store is the full mirror.
type Store interface {
	Projection
	CursorStore
	DeadLetterStore
}
