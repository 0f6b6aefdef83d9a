package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/SharmARohitt/Hypnos/pkg/contracts"
)

type balanceKey struct {
	asset  contracts.Address
	holder contracts.Address
}

// Vault is an in-memory AssetRail holding balances per (asset, holder).
type Vault struct {
	mu       sync.Mutex
	balances map[balanceKey]uint64
}

// NewVault creates an empty vault.
func NewVault() *Vault {
	return &Vault{balances: make(map[balanceKey]uint64)}
}

// Mint credits amount of asset to holder.
func (v *Vault) Mint(asset, holder contracts.Address, amount uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.balances[balanceKey{asset, holder}] += amount
}

// BalanceOf returns the holder's balance of asset.
func (v *Vault) BalanceOf(asset, holder contracts.Address) uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.balances[balanceKey{asset, holder}]
}

// Transfer implements AssetRail. It is all-or-nothing.
func (v *Vault) Transfer(_ context.Context, asset, from, to contracts.Address, amount uint64) error {
	if asset.IsZero() {
		return fmt.Errorf("transfer: zero asset")
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	src := balanceKey{asset, from}
	if v.balances[src] < amount {
		return fmt.Errorf("transfer %d of %s from %s: %w", amount, asset, from, ErrInsufficientBalance)
	}
	v.balances[src] -= amount
	v.balances[balanceKey{asset, to}] += amount
	return nil
}
