package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/SharmARohitt/Hypnos/pkg/contracts"
)

// ErrInsufficientBalance is returned by asset rails when the holder cannot cover a transfer.
var ErrInsufficientBalance = errors.New("insufficient balance")

// Call is one invocation of a target on behalf of a caller.
type Call struct {
	Caller  contracts.Address
	Target  contracts.Address
	Value   uint64
	Payload []byte
}

// RevertError reports an inner-call failure together with the data the target returned.
type RevertError struct {
	Data []byte
}

func (e *RevertError) Error() string {
	return fmt.Sprintf("call reverted (%d bytes of data)", len(e.Data))
}

// Revert is a helper for targets that want to fail with raw data.
func Revert(data []byte) error { return &RevertError{Data: data} }

// RevertData extracts return data from an inner-call error. Errors that are
// not reverts carry no data.
func RevertData(err error) []byte {
	var re *RevertError
	if errors.As(err, &re) {
		return re.Data
	}
	return nil
}

// Invoker performs target calls. Implementations must pass ctx through to
// any ledger call they make so re-entrant calls can be recognized.
type Invoker interface {
	Invoke(ctx context.Context, call Call) ([]byte, error)
}

// AssetRail moves fungible assets. A returned error aborts the gated transfer.
type AssetRail interface {
	Transfer(ctx context.Context, asset, from, to contracts.Address, amount uint64) error
}
