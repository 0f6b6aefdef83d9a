package mirror

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Snapshot is the complete projected state. Reconciliation bookkeeping
// (cursors, dead letters) is not part of it.
type Snapshot struct {
	Permissions []Permission   `json:"permissions"`
	Executions  []Execution    `json:"executions"`
	Granted     []GrantedEvent `json:"granted_events"`
	Revoked     []RevokedEvent `json:"revoked_events"`
	Used        []UsedEvent    `json:"used_events"`
}

// Take reads the full projection from p.
func Take(ctx context.Context, p Projection) (Snapshot, error) {
	var (
		snap Snapshot
		err  error
	)
	if snap.Permissions, err = p.Permissions(ctx, PermissionFilter{}); err != nil {
		return Snapshot{}, err
	}
	if snap.Executions, err = p.Executions(ctx, ExecutionFilter{}); err != nil {
		return Snapshot{}, err
	}
	if snap.Granted, err = p.GrantedEvents(ctx); err != nil {
		return Snapshot{}, err
	}
	if snap.Revoked, err = p.RevokedEvents(ctx); err != nil {
		return Snapshot{}, err
	}
	if snap.Used, err = p.UsedEvents(ctx); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// Digest hashes the snapshot's canonical JSON form. Two mirrors built from
// the same log have the same digest whatever store backs them.
func (s Snapshot) Digest() (string, error) {
	raw, err := json.Marshal(s.normalized())
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize snapshot: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// normalized replaces nil slices so an empty store and an empty SQL result
// serialize the same way.
func (s Snapshot) normalized() Snapshot {
	if s.Permissions == nil {
		s.Permissions = []Permission{}
	}
	if s.Executions == nil {
		s.Executions = []Execution{}
	}
	if s.Granted == nil {
		s.Granted = []GrantedEvent{}
	}
	if s.Revoked == nil {
		s.Revoked = []RevokedEvent{}
	}
	if s.Used == nil {
		s.Used = []UsedEvent{}
	}
	return s
}
