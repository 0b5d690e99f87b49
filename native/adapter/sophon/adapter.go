// Package sophon integrates the Sophon guardian-node ecosystem. Custody is
// gated on KYC allow-list membership for both depositors and, under transfer
// locking, redemption recipients. Yield settles immediately on harvest and
// nodes release without an unbonding delay.
package sophon

import (
	"encoding/json"
	"fmt"
	"math/big"

	"yieldpass/native/adapter"
)

const (
	// AdapterName identifies the adapter in market bindings and state keys.
	AdapterName = "sophon"
	// YieldToken is the SOPH yield token identifier.
	YieldToken = "SOPH"
)

func memberKey(addr [20]byte) []byte {
	return append([]byte("kyc/"), addr[:]...)
}

// Adapter implements the yield-adapter contract for Sophon guardian nodes.
type Adapter struct {
	ledger adapter.Ledger
}

// New constructs the adapter. Allow-list membership lives in state so
// onboarding survives restarts.
func New() *Adapter {
	return &Adapter{ledger: adapter.NewLedger(AdapterName)}
}

// Name implements the YieldAdapter interface.
func (a *Adapter) Name() string { return AdapterName }

// Token implements the YieldAdapter interface.
func (a *Adapter) Token() string { return YieldToken }

// CumulativeYield implements the YieldAdapter interface.
func (a *Adapter) CumulativeYield(st adapter.State) (*big.Int, error) {
	return a.ledger.TotalYield(st)
}

// Enroll adds an address to the KYC allow-list.
func (a *Adapter) Enroll(st adapter.State, addr [20]byte) error {
	return st.AdapterPut(AdapterName, memberKey(addr), []byte{1})
}

// Revoke removes an address from the KYC allow-list.
func (a *Adapter) Revoke(st adapter.State, addr [20]byte) error {
	return st.AdapterDelete(AdapterName, memberKey(addr))
}

// Enrolled reports KYC allow-list membership.
func (a *Adapter) Enrolled(st adapter.State, addr [20]byte) (bool, error) {
	_, ok, err := st.AdapterGet(AdapterName, memberKey(addr))
	return ok, err
}

// Setup implements the YieldAdapter interface. The holder must be on the KYC
// allow-list before the adapter accepts custody.
func (a *Adapter) Setup(st adapter.State, holder [20]byte, tokenIDs []uint64, data []byte) ([]string, error) {
	enrolled, err := a.Enrolled(st, holder)
	if err != nil {
		return nil, err
	}
	if !enrolled {
		return nil, adapter.ErrInvalidSetup
	}
	operators := make([]string, 0, len(tokenIDs))
	for _, tokenID := range tokenIDs {
		if err := a.ledger.Escrow(st, tokenID, holder, "guardian"); err != nil {
			return nil, err
		}
		operators = append(operators, "guardian")
	}
	return operators, nil
}

type harvestOrder struct {
	OrderID string `json:"orderId"`
	Amount  string `json:"amount"`
}

type harvestPayload struct {
	Orders []harvestOrder `json:"orders"`
}

// Harvest implements the YieldAdapter interface. Guardian rewards settle
// immediately; order ids guard against double-counting replays.
func (a *Adapter) Harvest(st adapter.State, data []byte) (*big.Int, error) {
	var payload harvestPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("sophon: harvest payload: %w", err)
	}
	received := big.NewInt(0)
	for _, order := range payload.Orders {
		if err := a.ledger.MarkOrder(st, order.OrderID); err != nil {
			return nil, err
		}
		amount, ok := new(big.Int).SetString(order.Amount, 10)
		if !ok || amount.Sign() <= 0 {
			return nil, fmt.Errorf("sophon: invalid order amount %q", order.Amount)
		}
		received.Add(received, amount)
	}
	if received.Sign() > 0 {
		if err := a.ledger.AddYield(st, received); err != nil {
			return nil, err
		}
	}
	return received, nil
}

// Claim implements the YieldAdapter interface.
func (a *Adapter) Claim(st adapter.State, recipient [20]byte, amount *big.Int) error {
	return a.ledger.PayYield(st, amount)
}

// Redeem implements the YieldAdapter interface. Recipients must hold KYC
// membership before a release can be registered for them.
func (a *Adapter) Redeem(st adapter.State, recipient [20]byte, tokenIDs []uint64, key [32]byte) error {
	enrolled, err := a.Enrolled(st, recipient)
	if err != nil {
		return err
	}
	if !enrolled {
		return adapter.ErrInvalidRecipient
	}
	for _, tokenID := range tokenIDs {
		if _, ok, err := a.ledger.Escrowed(st, tokenID); err != nil {
			return err
		} else if !ok {
			return adapter.ErrNotEscrowed
		}
	}
	return a.ledger.QueueRelease(st, key, &adapter.ReleaseOrder{
		Recipient: recipient,
		TokenIDs:  append([]uint64(nil), tokenIDs...),
	})
}

// Withdraw implements the YieldAdapter interface. Guardian nodes carry no
// unbonding period, so release completes as soon as the redemption settled.
func (a *Adapter) Withdraw(st adapter.State, tokenIDs []uint64, key [32]byte) ([20]byte, error) {
	order, ok, err := a.ledger.PendingRelease(st, key)
	if err != nil {
		return [20]byte{}, err
	}
	if !ok {
		return [20]byte{}, adapter.ErrNotEscrowed
	}
	for _, tokenID := range tokenIDs {
		if err := a.ledger.ReleaseEscrow(st, tokenID); err != nil {
			return [20]byte{}, err
		}
	}
	if err := a.ledger.ConsumeRelease(st, key); err != nil {
		return [20]byte{}, err
	}
	return order.Recipient, nil
}
