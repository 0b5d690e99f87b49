// Package adapter defines the capability contract every yield-source
// integration implements. The registry depends only on this fixed surface;
// setup and harvest payloads stay opaque byte strings interpreted by the
// concrete adapter alone.
package adapter

import (
	"errors"
	"math/big"
)

var (
	// ErrInvalidWindow marks a release or harvest attempted before the
	// ecosystem-specific cutoff or unbonding delay has elapsed.
	ErrInvalidWindow = errors.New("adapter: invalid window")
	// ErrInvalidRecipient marks a recipient rejected by the adapter's own
	// authorization (delegation binding, KYC membership, transfer locking).
	ErrInvalidRecipient = errors.New("adapter: invalid recipient")
	// ErrHarvestNotCompleted marks a claim attempted before the one-time
	// terminal harvest required by the ecosystem has run.
	ErrHarvestNotCompleted = errors.New("adapter: harvest not completed")
	// ErrHarvestCompleted marks a repeated terminal harvest.
	ErrHarvestCompleted = errors.New("adapter: harvest completed")
	// ErrOrderProcessed marks a replay of an already-processed yield-source
	// order.
	ErrOrderProcessed = errors.New("adapter: order already processed")
	// ErrInvalidSetup marks a setup payload the adapter cannot accept for
	// custody (bad attestation, unknown pool, missing membership).
	ErrInvalidSetup = errors.New("adapter: invalid setup")
	// ErrNotEscrowed marks a release request for a node the adapter never
	// took custody of, or released already.
	ErrNotEscrowed = errors.New("adapter: node not escrowed")
)

// State is the namespaced key-value view an adapter persists its bookkeeping
// through. Writes share the transaction of the enclosing registry operation,
// so a failing adapter call rolls back together with the registry state.
type State interface {
	AdapterPut(name string, key []byte, value []byte) error
	AdapterGet(name string, key []byte) ([]byte, bool, error)
	AdapterDelete(name string, key []byte) error
}

// YieldAdapter is the capability set the registry requires from every
// yield-source integration.
type YieldAdapter interface {
	// Name identifies the adapter for market bindings and state namespacing.
	Name() string
	// Token identifies the yield token the adapter harvests.
	Token() string
	// CumulativeYield reports the total yield ever harvested by the adapter.
	CumulativeYield(st State) (*big.Int, error)
	// Setup takes custody of the node tokens for the holder, performs any
	// ecosystem delegation or staking, and returns per-node operator
	// identifiers for event reporting.
	Setup(st State, holder [20]byte, tokenIDs []uint64, data []byte) ([]string, error)
	// Harvest pulls newly available yield into adapter custody and returns
	// the amount received. A claim-phase call may return zero and schedule a
	// later withdrawal behind the ecosystem cliff.
	Harvest(st State, data []byte) (*big.Int, error)
	// Claim transfers already-harvested yield out to the recipient.
	Claim(st State, recipient [20]byte, amount *big.Int) error
	// Redeem registers the pending release of escrowed nodes under the
	// redemption key and may apply ecosystem-specific recipient checks.
	Redeem(st State, recipient [20]byte, tokenIDs []uint64, key [32]byte) error
	// Withdraw completes the release once the unbonding delay elapsed and
	// returns the recipient the nodes were handed to.
	Withdraw(st State, tokenIDs []uint64, key [32]byte) ([20]byte, error)
}
