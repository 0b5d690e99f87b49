package adapter

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
)

// Ledger bundles the bookkeeping every concrete adapter shares: node custody,
// the cumulative/held yield counters, external-order replay protection and
// the pending-release queue. All records live under the adapter's own state
// namespace so two adapters never collide.
type Ledger struct {
	name string
}

// NewLedger returns a ledger bound to the adapter's state namespace.
func NewLedger(name string) Ledger {
	return Ledger{name: name}
}

func (l Ledger) escrowKey(tokenID uint64) []byte {
	var id [8]byte
	binary.BigEndian.PutUint64(id[:], tokenID)
	return append([]byte("escrow/"), id[:]...)
}

func (l Ledger) orderKey(orderID string) []byte {
	return []byte("order/" + orderID)
}

func (l Ledger) releaseKey(key [32]byte) []byte {
	return []byte("release/" + hex.EncodeToString(key[:]))
}

var (
	totalYieldKey = []byte("yield/total")
	heldYieldKey  = []byte("yield/held")
)

type escrowRecord struct {
	Holder   [20]byte `json:"holder"`
	Operator string   `json:"operator"`
}

// ReleaseOrder tracks a redemption awaiting the ecosystem unbonding delay.
type ReleaseOrder struct {
	Recipient [20]byte `json:"recipient"`
	TokenIDs  []uint64 `json:"tokenIds"`
	ReadyAt   int64    `json:"readyAt"`
}

// Escrow records custody of a node token for the given holder.
func (l Ledger) Escrow(st State, tokenID uint64, holder [20]byte, operator string) error {
	raw, err := json.Marshal(escrowRecord{Holder: holder, Operator: operator})
	if err != nil {
		return err
	}
	return st.AdapterPut(l.name, l.escrowKey(tokenID), raw)
}

// Escrowed returns the holder a node token was escrowed for.
func (l Ledger) Escrowed(st State, tokenID uint64) ([20]byte, bool, error) {
	raw, ok, err := st.AdapterGet(l.name, l.escrowKey(tokenID))
	if err != nil || !ok {
		return [20]byte{}, false, err
	}
	var rec escrowRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return [20]byte{}, false, err
	}
	return rec.Holder, true, nil
}

// ReleaseEscrow drops the custody record for a node token.
func (l Ledger) ReleaseEscrow(st State, tokenID uint64) error {
	_, ok, err := st.AdapterGet(l.name, l.escrowKey(tokenID))
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotEscrowed
	}
	return st.AdapterDelete(l.name, l.escrowKey(tokenID))
}

// MarkOrder records an external yield-source order as processed. Replaying a
// processed order fails with ErrOrderProcessed so competing harvest calls can
// never double-count the same yield.
func (l Ledger) MarkOrder(st State, orderID string) error {
	if orderID == "" {
		return fmt.Errorf("adapter: order id required")
	}
	_, ok, err := st.AdapterGet(l.name, l.orderKey(orderID))
	if err != nil {
		return err
	}
	if ok {
		return ErrOrderProcessed
	}
	return st.AdapterPut(l.name, l.orderKey(orderID), []byte{1})
}

// OrderProcessed reports whether an external order was already consumed.
func (l Ledger) OrderProcessed(st State, orderID string) (bool, error) {
	_, ok, err := st.AdapterGet(l.name, l.orderKey(orderID))
	return ok, err
}

// AddYield credits harvested yield to both the cumulative and the held
// counters.
func (l Ledger) AddYield(st State, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return nil
	}
	total, err := l.counter(st, totalYieldKey)
	if err != nil {
		return err
	}
	held, err := l.counter(st, heldYieldKey)
	if err != nil {
		return err
	}
	if err := l.putCounter(st, totalYieldKey, new(big.Int).Add(total, amount)); err != nil {
		return err
	}
	return l.putCounter(st, heldYieldKey, new(big.Int).Add(held, amount))
}

// PayYield debits the held counter for an outbound claim transfer.
func (l Ledger) PayYield(st State, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("adapter: negative claim amount")
	}
	held, err := l.counter(st, heldYieldKey)
	if err != nil {
		return err
	}
	if held.Cmp(amount) < 0 {
		return fmt.Errorf("adapter: insufficient harvested yield")
	}
	return l.putCounter(st, heldYieldKey, new(big.Int).Sub(held, amount))
}

// TotalYield returns the cumulative yield ever harvested.
func (l Ledger) TotalYield(st State) (*big.Int, error) {
	return l.counter(st, totalYieldKey)
}

// HeldYield returns the yield currently in adapter custody.
func (l Ledger) HeldYield(st State) (*big.Int, error) {
	return l.counter(st, heldYieldKey)
}

// QueueRelease stores a pending release order under the redemption key.
func (l Ledger) QueueRelease(st State, key [32]byte, order *ReleaseOrder) error {
	if order == nil {
		return fmt.Errorf("adapter: nil release order")
	}
	raw, err := json.Marshal(order)
	if err != nil {
		return err
	}
	return st.AdapterPut(l.name, l.releaseKey(key), raw)
}

// PendingRelease looks up a queued release order.
func (l Ledger) PendingRelease(st State, key [32]byte) (*ReleaseOrder, bool, error) {
	raw, ok, err := st.AdapterGet(l.name, l.releaseKey(key))
	if err != nil || !ok {
		return nil, false, err
	}
	order := new(ReleaseOrder)
	if err := json.Unmarshal(raw, order); err != nil {
		return nil, false, err
	}
	return order, true, nil
}

// ConsumeRelease deletes a queued release order once the nodes are handed out.
func (l Ledger) ConsumeRelease(st State, key [32]byte) error {
	return st.AdapterDelete(l.name, l.releaseKey(key))
}

func (l Ledger) counter(st State, key []byte) (*big.Int, error) {
	raw, ok, err := st.AdapterGet(l.name, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	value, ok := new(big.Int).SetString(string(raw), 10)
	if !ok {
		return nil, fmt.Errorf("adapter: corrupt counter %q", string(key))
	}
	return value, nil
}

func (l Ledger) putCounter(st State, key []byte, value *big.Int) error {
	return st.AdapterPut(l.name, key, []byte(value.String()))
}
