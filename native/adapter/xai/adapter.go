// Package xai integrates the XAI sentry-node ecosystem. Nodes are staked
// into an allow-listed esXAI pool, and the ecosystem requires a one-time
// terminal harvest after market expiry before any yield can leave the
// adapter.
package xai

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"yieldpass/native/adapter"
)

const (
	// AdapterName identifies the adapter in market bindings and state keys.
	AdapterName = "xai"
	// YieldToken is the esXAI yield token identifier.
	YieldToken = "esXAI"
)

var finalHarvestKey = []byte("final-harvest")

// Adapter implements the yield-adapter contract for XAI sentry nodes.
type Adapter struct {
	ledger        adapter.Ledger
	pools         map[string]struct{}
	unbondingTime time.Duration
	nowFn         func() int64
}

// New constructs the adapter with the allow-listed staking pools and the
// redemption unbonding period.
func New(pools []string, unbondingTime time.Duration) *Adapter {
	allowed := make(map[string]struct{}, len(pools))
	for _, pool := range pools {
		pool = strings.ToLower(strings.TrimSpace(pool))
		if pool != "" {
			allowed[pool] = struct{}{}
		}
	}
	return &Adapter{
		ledger:        adapter.NewLedger(AdapterName),
		pools:         allowed,
		unbondingTime: unbondingTime,
		nowFn:         func() int64 { return time.Now().Unix() },
	}
}

// SetNowFunc overrides the adapter clock for deterministic tests.
func (a *Adapter) SetNowFunc(now func() int64) {
	if now == nil {
		a.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	a.nowFn = now
}

// Name implements the YieldAdapter interface.
func (a *Adapter) Name() string { return AdapterName }

// Token implements the YieldAdapter interface.
func (a *Adapter) Token() string { return YieldToken }

// CumulativeYield implements the YieldAdapter interface.
func (a *Adapter) CumulativeYield(st adapter.State) (*big.Int, error) {
	return a.ledger.TotalYield(st)
}

type setupPayload struct {
	Pool string `json:"pool"`
}

// Setup implements the YieldAdapter interface. The payload names the esXAI
// staking pool the nodes are assigned to; only allow-listed pools are
// accepted.
func (a *Adapter) Setup(st adapter.State, holder [20]byte, tokenIDs []uint64, data []byte) ([]string, error) {
	var payload setupPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, adapter.ErrInvalidSetup
	}
	pool := strings.ToLower(strings.TrimSpace(payload.Pool))
	if _, ok := a.pools[pool]; !ok {
		return nil, adapter.ErrInvalidSetup
	}
	operators := make([]string, 0, len(tokenIDs))
	for _, tokenID := range tokenIDs {
		if err := a.ledger.Escrow(st, tokenID, holder, pool); err != nil {
			return nil, err
		}
		operators = append(operators, pool)
	}
	return operators, nil
}

type harvestOrder struct {
	OrderID string `json:"orderId"`
	Amount  string `json:"amount"`
}

type harvestPayload struct {
	Orders []harvestOrder `json:"orders"`
	Final  bool           `json:"final,omitempty"`
}

func (a *Adapter) finalHarvestDone(st adapter.State) (bool, error) {
	_, ok, err := st.AdapterGet(AdapterName, finalHarvestKey)
	return ok, err
}

// Harvest implements the YieldAdapter interface. Orders accrue immediately;
// the payload's final flag marks the one-time terminal harvest the ecosystem
// requires after expiry. Repeating the terminal harvest fails, as does
// harvesting anything after it.
func (a *Adapter) Harvest(st adapter.State, data []byte) (*big.Int, error) {
	var payload harvestPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("xai: harvest payload: %w", err)
	}
	done, err := a.finalHarvestDone(st)
	if err != nil {
		return nil, err
	}
	if done {
		return nil, adapter.ErrHarvestCompleted
	}
	received := big.NewInt(0)
	for _, order := range payload.Orders {
		if err := a.ledger.MarkOrder(st, order.OrderID); err != nil {
			return nil, err
		}
		amount, ok := new(big.Int).SetString(order.Amount, 10)
		if !ok || amount.Sign() <= 0 {
			return nil, fmt.Errorf("xai: invalid order amount %q", order.Amount)
		}
		received.Add(received, amount)
	}
	if received.Sign() > 0 {
		if err := a.ledger.AddYield(st, received); err != nil {
			return nil, err
		}
	}
	if payload.Final {
		if err := st.AdapterPut(AdapterName, finalHarvestKey, []byte{1}); err != nil {
			return nil, err
		}
	}
	return received, nil
}

// Claim implements the YieldAdapter interface. Yield stays locked until the
// terminal harvest has run.
func (a *Adapter) Claim(st adapter.State, recipient [20]byte, amount *big.Int) error {
	done, err := a.finalHarvestDone(st)
	if err != nil {
		return err
	}
	if !done {
		return adapter.ErrHarvestNotCompleted
	}
	return a.ledger.PayYield(st, amount)
}

// Redeem implements the YieldAdapter interface.
func (a *Adapter) Redeem(st adapter.State, recipient [20]byte, tokenIDs []uint64, key [32]byte) error {
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
		ReadyAt:   a.nowFn() + int64(a.unbondingTime/time.Second),
	})
}

// Withdraw implements the YieldAdapter interface.
func (a *Adapter) Withdraw(st adapter.State, tokenIDs []uint64, key [32]byte) ([20]byte, error) {
	order, ok, err := a.ledger.PendingRelease(st, key)
	if err != nil {
		return [20]byte{}, err
	}
	if !ok {
		return [20]byte{}, adapter.ErrNotEscrowed
	}
	if a.nowFn() < order.ReadyAt {
		return [20]byte{}, adapter.ErrInvalidWindow
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
