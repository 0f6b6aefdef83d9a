package contracts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// SchemaVersion is the payload schema written by this build.
const SchemaVersion = "1.0.0"

// Envelope is the immutable log record of one emitted event.
// (TxID, LogIndex) identifies it globally; Sequence orders the log.
type Envelope struct {
	Sequence      uint64          `json:"sequence"`
	TxID          string          `json:"tx_id"`
	LogIndex      uint32          `json:"log_index"`
	Kind          EventKind       `json:"kind"`
	Lineage       Hash            `json:"lineage"`
	SchemaVersion string          `json:"schema_version"`
	EmittedAt     time.Time       `json:"emitted_at"`
	Payload       json.RawMessage `json:"payload"`
	PrevHash      string          `json:"prev_hash"`
	Hash          string          `json:"hash"`
}

// Key is the idempotency key of the envelope.
func (e Envelope) Key() string { return fmt.Sprintf("%s/%d", e.TxID, e.LogIndex) }

// Seal wraps an event for appending. Sequence and hashes are assigned by the log.
func Seal(txID string, logIndex uint32, at time.Time, ev Event) (Envelope, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return Envelope{}, fmt.Errorf("seal %s: %w", ev.Kind(), err)
	}
	return Envelope{
		TxID:          txID,
		LogIndex:      logIndex,
		Kind:          ev.Kind(),
		Lineage:       ev.Lineage(),
		SchemaVersion: SchemaVersion,
		EmittedAt:     at.UTC(),
		Payload:       payload,
	}, nil
}

// Open decodes the envelope payload into its concrete event.
// Unknown kinds, unknown fields and lineage mismatches are ErrMalformedEvent.
func Open(env Envelope) (Event, error) {
	var (
		ev  Event
		err error
	)
	switch env.Kind {
	case KindCapabilityGranted:
		var e CapabilityGranted
		err = decodeStrict(env.Payload, &e)
		ev = e
	case KindCapabilityRevoked:
		var e CapabilityRevoked
		err = decodeStrict(env.Payload, &e)
		ev = e
	case KindPermissionUsed:
		var e PermissionUsed
		err = decodeStrict(env.Payload, &e)
		ev = e
	case KindExecutionRecorded:
		var e ExecutionRecorded
		err = decodeStrict(env.Payload, &e)
		ev = e
	default:
		return nil, fmt.Errorf("%w: unknown kind %q at %s", ErrMalformedEvent, env.Kind, env.Key())
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s at %s: %v", ErrMalformedEvent, env.Kind, env.Key(), err)
	}
	if ev.Lineage() != env.Lineage {
		return nil, fmt.Errorf("%w: lineage %s does not match payload %s at %s",
			ErrMalformedEvent, env.Lineage, ev.Lineage(), env.Key())
	}
	return ev, nil
}

func decodeStrict(raw []byte, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return fmt.Errorf("empty payload")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
