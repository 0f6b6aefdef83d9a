package contracts

import "errors"

// Validation errors, surfaced synchronously from Grant.
var (
	ErrInvalidTarget = errors.New("invalid target: zero address")
	ErrExpiredGrant  = errors.New("expiry must be zero or in the future")
)

// Authorization errors, one per gate check.
var (
	ErrNotFound            = errors.New("capability not found for caller")
	ErrInactive            = errors.New("capability inactive")
	ErrTargetMismatch      = errors.New("target does not match capability")
	ErrExpired             = errors.New("capability expired")
	ErrSelectorMismatch    = errors.New("selector does not match capability")
	ErrValueExceeded       = errors.New("value exceeds capability limit")
	ErrAssetMismatch       = errors.New("asset does not match capability")
	ErrTokenAmountExceeded = errors.New("token amount exceeds capability limit")
)

var (
	// ErrReentrant rejects a ledger mutation issued from inside a gated call.
	ErrReentrant = errors.New("reentrant ledger call")
	// ErrTransferFailed is the hard failure of the asset-transfer path.
	ErrTransferFailed = errors.New("token transfer failed")
	// ErrUnrecorded reports an external effect that happened but whose
	// events could not be appended.
	ErrUnrecorded = errors.New("external effect not recorded")
	// ErrExecutionNotFound is returned by execution lookups.
	ErrExecutionNotFound = errors.New("execution not found")
)

// Reconciliation errors.
var (
	ErrMalformedEvent    = errors.New("malformed event")
	ErrUnsupportedSchema = errors.New("unsupported event schema version")
)

var denialKinds = []struct {
	err  error
	kind string
}{
	{ErrInvalidTarget, "invalid_target"},
	{ErrExpiredGrant, "expired_grant"},
	{ErrNotFound, "not_found"},
	{ErrInactive, "inactive"},
	{ErrTargetMismatch, "target_mismatch"},
	{ErrExpired, "expired"},
	{ErrSelectorMismatch, "selector_mismatch"},
	{ErrValueExceeded, "value_exceeded"},
	{ErrAssetMismatch, "asset_mismatch"},
	{ErrTokenAmountExceeded, "token_amount_exceeded"},
	{ErrReentrant, "reentrant"},
	{ErrTransferFailed, "transfer_failed"},
}

// DenialKind names the constraint that blocked a call so consumers can say
// precisely why. Returns "" for nil and "internal" for errors outside the taxonomy.
func DenialKind(err error) string {
	if err == nil {
		return ""
	}
	for _, d := range denialKinds {
		if errors.Is(err, d.err) {
			return d.kind
		}
	}
	return "internal"
}

// IsValidation reports whether err is a grant validation failure.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidTarget) || errors.Is(err, ErrExpiredGrant)
}

// IsAuthorization reports whether err came from a gate check.
func IsAuthorization(err error) bool {
	switch DenialKind(err) {
	case "not_found", "inactive", "target_mismatch", "expired",
		"selector_mismatch", "value_exceeded", "asset_mismatch", "token_amount_exceeded":
		return true
	}
	return false
}
