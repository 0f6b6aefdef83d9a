package contracts

// EventKind is the discriminator persisted with every envelope.
type EventKind string

const (
	KindCapabilityGranted EventKind = "CapabilityGranted"
	KindCapabilityRevoked EventKind = "CapabilityRevoked"
	KindPermissionUsed    EventKind = "PermissionUsed"
	KindExecutionRecorded EventKind = "ExecutionRecorded"
)

// EventKinds lists every kind in emission-independent order.
var EventKinds = []EventKind{
	KindCapabilityGranted,
	KindCapabilityRevoked,
	KindPermissionUsed,
	KindExecutionRecorded,
}

// Event is the closed set of ledger events. Only types in this package
// implement it.
type Event interface {
	Kind() EventKind
	// Lineage is the capability the event belongs to. Consumers partition on it.
	Lineage() Hash
	Accept(v EventVisitor) error
	sealed()
}

// EventVisitor handles each event kind. Adding a kind adds a method here,
// which breaks every visitor that does not handle it.
type EventVisitor interface {
	VisitCapabilityGranted(CapabilityGranted) error
	VisitCapabilityRevoked(CapabilityRevoked) error
	VisitPermissionUsed(PermissionUsed) error
	VisitExecutionRecorded(ExecutionRecorded) error
}

// CapabilityGranted is emitted by Grant.
type CapabilityGranted struct {
	Grantee        Address  `json:"grantee"`
	CapabilityID   Hash     `json:"capability_id"`
	Target         Address  `json:"target"`
	Selector       Selector `json:"selector"`
	MaxValue       uint64   `json:"max_value"`
	MaxTokenAmount uint64   `json:"max_token_amount"`
	TokenAsset     Address  `json:"token_asset"`
	Expiry         uint64   `json:"expiry"`
}

// CapabilityRevoked is emitted by the first successful Revoke.
type CapabilityRevoked struct {
	Grantee      Address `json:"grantee"`
	CapabilityID Hash    `json:"capability_id"`
}

// PermissionUsed is emitted for every gated execution that passed the gate.
// It exists for observability only.
type PermissionUsed struct {
	Grantee      Address  `json:"grantee"`
	CapabilityID Hash     `json:"capability_id"`
	ExecutionID  Hash     `json:"execution_id"`
	Target       Address  `json:"target"`
	Selector     Selector `json:"selector"`
	Value        uint64   `json:"value"`
	Success      bool     `json:"success"`
}

// ExecutionRecorded carries the full execution record.
type ExecutionRecorded struct {
	ExecutionID  Hash     `json:"execution_id"`
	Caller       Address  `json:"caller"`
	Target       Address  `json:"target"`
	Selector     Selector `json:"selector"`
	Value        uint64   `json:"value"`
	CapabilityID Hash     `json:"capability_id"`
	Success      bool     `json:"success"`
	Reason       string   `json:"reason"`
	// Kind is empty on events written before transfers were tagged; those are calls.
	Kind ExecutionKind `json:"kind,omitempty"`
}

func (CapabilityGranted) Kind() EventKind { return KindCapabilityGranted }
func (CapabilityRevoked) Kind() EventKind { return KindCapabilityRevoked }
func (PermissionUsed) Kind() EventKind    { return KindPermissionUsed }
func (ExecutionRecorded) Kind() EventKind { return KindExecutionRecorded }

func (e CapabilityGranted) Lineage() Hash { return e.CapabilityID }
func (e CapabilityRevoked) Lineage() Hash { return e.CapabilityID }
func (e PermissionUsed) Lineage() Hash    { return e.CapabilityID }
func (e ExecutionRecorded) Lineage() Hash { return e.CapabilityID }

func (e CapabilityGranted) Accept(v EventVisitor) error { return v.VisitCapabilityGranted(e) }
func (e CapabilityRevoked) Accept(v EventVisitor) error { return v.VisitCapabilityRevoked(e) }
func (e PermissionUsed) Accept(v EventVisitor) error    { return v.VisitPermissionUsed(e) }
func (e ExecutionRecorded) Accept(v EventVisitor) error { return v.VisitExecutionRecorded(e) }

func (CapabilityGranted) sealed() {}
func (CapabilityRevoked) sealed() {}
func (PermissionUsed) sealed()    {}
func (ExecutionRecorded) sealed() {}
