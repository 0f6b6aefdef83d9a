package contracts

// SuccessReason is the reason recorded for executions whose inner call succeeded.
const SuccessReason = "success"

// TransferSignature is the action recorded for token-transfer executions.
const TransferSignature = "transfer(address,uint256)"

// Capability is a bounded, revocable right for one grantee to invoke one
// action on one target.
type Capability struct {
	ID             Hash     `json:"id"`
	Grantee        Address  `json:"grantee"`
	Target         Address  `json:"target"`
	Selector       Selector `json:"selector"`
	MaxValue       uint64   `json:"max_value"`
	MaxTokenAmount uint64   `json:"max_token_amount"`
	// TokenAsset is the fungible asset this capability may move. Zero means
	// the capability is limited to the native asset.
	TokenAsset Address `json:"token_asset"`
	TokenSpent uint64  `json:"token_spent"`
	// Expiry is in epoch seconds; zero never expires.
	Expiry    uint64 `json:"expiry"`
	Active    bool   `json:"active"`
	CreatedAt uint64 `json:"created_at"`
	RevokedAt uint64 `json:"revoked_at,omitempty"`
}

// Expired reports whether the capability is past its expiry at now (epoch seconds).
// Expiry is evaluated at use time only; it never flips Active.
func (c Capability) Expired(now uint64) bool {
	return c.Expiry != 0 && now >= c.Expiry
}

// NativeOnly reports whether the capability has no fungible-asset rail.
func (c Capability) NativeOnly() bool { return c.TokenAsset.IsZero() }

// ExecutionKind distinguishes the two gated paths.
type ExecutionKind string

const (
	ExecutionKindCall          ExecutionKind = "call"
	ExecutionKindTokenTransfer ExecutionKind = "token_transfer"
)

// ExecutionRecord is the immutable audit entry for one gated call that passed the gate.
type ExecutionRecord struct {
	ID           Hash          `json:"id"`
	Sequence     uint64        `json:"sequence"`
	Kind         ExecutionKind `json:"kind"`
	Caller       Address       `json:"caller"`
	Target       Address       `json:"target"`
	Selector     Selector      `json:"selector"`
	Value        uint64        `json:"value"`
	Success      bool          `json:"success"`
	Reason       string        `json:"reason"`
	CapabilityID Hash          `json:"capability_id"`
	CreatedAt    uint64        `json:"created_at"`
}
