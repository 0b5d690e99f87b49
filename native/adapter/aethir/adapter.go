// Package aethir integrates the Aethir checker-node ecosystem. Custody
// requires a delegation attestation signed by the Aethir oracle binding each
// node to an operator wallet, and yield arrives in two phases: a claim
// schedules a withdrawal order behind the ecosystem cliff, a later harvest
// collects matured orders.
package aethir

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"yieldpass/native/adapter"
)

const (
	// AdapterName identifies the adapter in market bindings and state keys.
	AdapterName = "aethir"
	// YieldToken is the ATH yield token identifier.
	YieldToken = "ATH"

	attestationTag = "AETHIR_DELEGATION"

	// futureTolerance bounds how far ahead of the local clock an attestation
	// timestamp may sit before it is rejected as future-dated.
	futureTolerance = 30 * time.Second
)

// Adapter implements the yield-adapter contract for Aethir checker nodes.
type Adapter struct {
	ledger        adapter.Ledger
	oracle        [20]byte
	claimCliff    time.Duration
	unbondingTime time.Duration
	nowFn         func() int64
}

// New constructs the adapter. oracle is the trusted attestation signer,
// claimCliff the delay between scheduling and collecting a yield order,
// unbondingTime the delay between redeem and node release.
func New(oracle [20]byte, claimCliff, unbondingTime time.Duration) *Adapter {
	return &Adapter{
		ledger:        adapter.NewLedger(AdapterName),
		oracle:        oracle,
		claimCliff:    claimCliff,
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

func (a *Adapter) now() int64 { return a.nowFn() }

// Name implements the YieldAdapter interface.
func (a *Adapter) Name() string { return AdapterName }

// Token implements the YieldAdapter interface.
func (a *Adapter) Token() string { return YieldToken }

// CumulativeYield implements the YieldAdapter interface.
func (a *Adapter) CumulativeYield(st adapter.State) (*big.Int, error) {
	return a.ledger.TotalYield(st)
}

// Attestation binds node token ids to their delegated operator wallets for a
// bounded validity window, vouched for by the Aethir oracle.
type Attestation struct {
	TokenIDs  []uint64 `json:"tokenIds"`
	Operators []string `json:"operators"`
	IssuedAt  int64    `json:"issuedAt"`
	ValidFor  int64    `json:"validFor"`
}

type setupPayload struct {
	Attestation Attestation `json:"attestation"`
	Signature   string      `json:"signature"`
}

// Digest computes the canonical keccak digest the oracle signs.
func (at *Attestation) Digest() []byte {
	encoded := make([]byte, 0, len(at.TokenIDs)*8)
	var word [8]byte
	for _, id := range at.TokenIDs {
		binary.BigEndian.PutUint64(word[:], id)
		encoded = append(encoded, word[:]...)
	}
	payload := fmt.Sprintf("%s|tokens=%s|operators=%s|issued=%d|valid=%d",
		attestationTag,
		hex.EncodeToString(ethcrypto.Keccak256(encoded)),
		strings.Join(at.Operators, ","),
		at.IssuedAt,
		at.ValidFor,
	)
	return ethcrypto.Keccak256([]byte(payload))
}

func (a *Adapter) verifyAttestation(at *Attestation, signature []byte, tokenIDs []uint64) error {
	if len(at.TokenIDs) != len(tokenIDs) || len(at.Operators) != len(tokenIDs) {
		return adapter.ErrInvalidSetup
	}
	for i, id := range tokenIDs {
		if at.TokenIDs[i] != id {
			return adapter.ErrInvalidSetup
		}
	}
	now := a.now()
	if at.IssuedAt > now+int64(futureTolerance/time.Second) {
		return adapter.ErrInvalidSetup
	}
	if at.ValidFor <= 0 || now > at.IssuedAt+at.ValidFor {
		return adapter.ErrInvalidSetup
	}
	if len(signature) != 65 {
		return adapter.ErrInvalidSetup
	}
	pubKey, err := ethcrypto.SigToPub(at.Digest(), signature)
	if err != nil {
		return adapter.ErrInvalidSetup
	}
	if ethcrypto.PubkeyToAddress(*pubKey) != ethcommon.BytesToAddress(a.oracle[:]) {
		return adapter.ErrInvalidSetup
	}
	return nil
}

// Setup implements the YieldAdapter interface. The payload carries an
// oracle-signed delegation attestation for exactly the escrowed token ids.
func (a *Adapter) Setup(st adapter.State, holder [20]byte, tokenIDs []uint64, data []byte) ([]string, error) {
	var payload setupPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, adapter.ErrInvalidSetup
	}
	signature, err := hex.DecodeString(strings.TrimPrefix(payload.Signature, "0x"))
	if err != nil {
		return nil, adapter.ErrInvalidSetup
	}
	if err := a.verifyAttestation(&payload.Attestation, signature, tokenIDs); err != nil {
		return nil, err
	}
	for i, tokenID := range tokenIDs {
		if err := a.ledger.Escrow(st, tokenID, holder, payload.Attestation.Operators[i]); err != nil {
			return nil, err
		}
	}
	return append([]string(nil), payload.Attestation.Operators...), nil
}

type pendingOrder struct {
	Amount   string `json:"amount"`
	MatureAt int64  `json:"matureAt"`
}

type harvestOrder struct {
	OrderID string `json:"orderId"`
	Amount  string `json:"amount"`
}

type harvestPayload struct {
	Claims    []harvestOrder `json:"claims,omitempty"`
	Withdraws []string       `json:"withdraws,omitempty"`
}

func pendingKey(orderID string) []byte {
	return []byte("pending/" + orderID)
}

// Harvest implements the YieldAdapter interface. Claim entries schedule a
// withdrawal order behind the cliff and contribute nothing yet; withdraw
// entries collect matured orders. Every order id is single-use.
func (a *Adapter) Harvest(st adapter.State, data []byte) (*big.Int, error) {
	var payload harvestPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("aethir: harvest payload: %w", err)
	}
	now := a.now()
	for _, order := range payload.Claims {
		if err := a.ledger.MarkOrder(st, order.OrderID); err != nil {
			return nil, err
		}
		amount, ok := new(big.Int).SetString(order.Amount, 10)
		if !ok || amount.Sign() <= 0 {
			return nil, fmt.Errorf("aethir: invalid order amount %q", order.Amount)
		}
		raw, err := json.Marshal(pendingOrder{
			Amount:   amount.String(),
			MatureAt: now + int64(a.claimCliff/time.Second),
		})
		if err != nil {
			return nil, err
		}
		if err := st.AdapterPut(AdapterName, pendingKey(order.OrderID), raw); err != nil {
			return nil, err
		}
	}
	received := big.NewInt(0)
	for _, orderID := range payload.Withdraws {
		raw, ok, err := st.AdapterGet(AdapterName, pendingKey(orderID))
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, adapter.ErrOrderProcessed
		}
		var pending pendingOrder
		if err := json.Unmarshal(raw, &pending); err != nil {
			return nil, err
		}
		if now < pending.MatureAt {
			return nil, adapter.ErrInvalidWindow
		}
		amount, ok2 := new(big.Int).SetString(pending.Amount, 10)
		if !ok2 {
			return nil, fmt.Errorf("aethir: corrupt pending order %q", orderID)
		}
		if err := st.AdapterDelete(AdapterName, pendingKey(orderID)); err != nil {
			return nil, err
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

// Redeem implements the YieldAdapter interface. The release matures after
// the Aethir unbonding period.
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
		ReadyAt:   a.now() + int64(a.unbondingTime/time.Second),
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
	if a.now() < order.ReadyAt {
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
