package aethir

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"yieldpass/crypto"
	"yieldpass/native/adapter"
)

type memState struct {
	data map[string][]byte
}

func newMemState() *memState {
	return &memState{data: make(map[string][]byte)}
}

func (m *memState) AdapterPut(name string, key []byte, value []byte) error {
	m.data[name+"/"+string(key)] = append([]byte(nil), value...)
	return nil
}

func (m *memState) AdapterGet(name string, key []byte) ([]byte, bool, error) {
	value, ok := m.data[name+"/"+string(key)]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), value...), true, nil
}

func (m *memState) AdapterDelete(name string, key []byte) error {
	delete(m.data, name+"/"+string(key))
	return nil
}

const testNow = int64(10_000)

func newTestAdapter(t *testing.T) (*Adapter, *crypto.PrivateKey) {
	t.Helper()
	oracleKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate oracle key: %v", err)
	}
	a := New(oracleKey.PubKey().Address().Array(), 30*time.Minute, 7*24*time.Hour)
	a.SetNowFunc(func() int64 { return testNow })
	return a, oracleKey
}

func signedSetupPayload(t *testing.T, oracleKey *crypto.PrivateKey, tokenIDs []uint64, operators []string, issuedAt, validFor int64) []byte {
	t.Helper()
	at := Attestation{TokenIDs: tokenIDs, Operators: operators, IssuedAt: issuedAt, ValidFor: validFor}
	signature, err := oracleKey.Sign(at.Digest())
	if err != nil {
		t.Fatalf("sign attestation: %v", err)
	}
	raw, err := json.Marshal(setupPayload{Attestation: at, Signature: hex.EncodeToString(signature)})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return raw
}

func TestSetupVerifiesAttestation(t *testing.T) {
	a, oracleKey := newTestAdapter(t)
	st := newMemState()
	var holder [20]byte
	holder[0] = 0xAA
	tokenIDs := []uint64{1, 2}
	operators := []string{"wallet-a", "wallet-b"}

	payload := signedSetupPayload(t, oracleKey, tokenIDs, operators, testNow-60, 3600)
	got, err := a.Setup(st, holder, tokenIDs, payload)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if len(got) != 2 || got[0] != "wallet-a" || got[1] != "wallet-b" {
		t.Fatalf("operators mismatch: %v", got)
	}

	// Attestation for different ids than the escrowed batch.
	payload = signedSetupPayload(t, oracleKey, []uint64{1, 3}, operators, testNow-60, 3600)
	if _, err := a.Setup(st, holder, tokenIDs, payload); !errors.Is(err, adapter.ErrInvalidSetup) {
		t.Fatalf("expected ErrInvalidSetup for id mismatch, got %v", err)
	}

	// Stale attestation.
	payload = signedSetupPayload(t, oracleKey, tokenIDs, operators, testNow-7200, 3600)
	if _, err := a.Setup(st, holder, tokenIDs, payload); !errors.Is(err, adapter.ErrInvalidSetup) {
		t.Fatalf("expected ErrInvalidSetup for stale attestation, got %v", err)
	}

	// Future-dated beyond the tolerance.
	payload = signedSetupPayload(t, oracleKey, tokenIDs, operators, testNow+120, 3600)
	if _, err := a.Setup(st, holder, tokenIDs, payload); !errors.Is(err, adapter.ErrInvalidSetup) {
		t.Fatalf("expected ErrInvalidSetup for future attestation, got %v", err)
	}

	// Signed by a key other than the oracle.
	rogueKey, _ := crypto.GeneratePrivateKey()
	payload = signedSetupPayload(t, rogueKey, tokenIDs, operators, testNow-60, 3600)
	if _, err := a.Setup(st, holder, tokenIDs, payload); !errors.Is(err, adapter.ErrInvalidSetup) {
		t.Fatalf("expected ErrInvalidSetup for rogue signer, got %v", err)
	}

	if _, err := a.Setup(st, holder, tokenIDs, []byte("not json")); !errors.Is(err, adapter.ErrInvalidSetup) {
		t.Fatalf("expected ErrInvalidSetup for malformed payload, got %v", err)
	}
}

func harvestData(t *testing.T, payload harvestPayload) []byte {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal harvest payload: %v", err)
	}
	return raw
}

func TestHarvestTwoPhase(t *testing.T) {
	a, _ := newTestAdapter(t)
	st := newMemState()

	// Phase one: schedule the withdrawal order. Nothing accrues yet.
	amount, err := a.Harvest(st, harvestData(t, harvestPayload{
		Claims: []harvestOrder{{OrderID: "order-1", Amount: "2000000"}},
	}))
	if err != nil {
		t.Fatalf("claim phase: %v", err)
	}
	if amount.Sign() != 0 {
		t.Fatalf("claim phase must yield nothing, got %s", amount)
	}

	// Scheduling the same order twice double-counts and must fail.
	if _, err := a.Harvest(st, harvestData(t, harvestPayload{
		Claims: []harvestOrder{{OrderID: "order-1", Amount: "2000000"}},
	})); !errors.Is(err, adapter.ErrOrderProcessed) {
		t.Fatalf("expected ErrOrderProcessed on replay, got %v", err)
	}

	// Collecting before the cliff matures fails.
	if _, err := a.Harvest(st, harvestData(t, harvestPayload{
		Withdraws: []string{"order-1"},
	})); !errors.Is(err, adapter.ErrInvalidWindow) {
		t.Fatalf("expected ErrInvalidWindow before cliff, got %v", err)
	}

	// Phase two: past the cliff the order pays out.
	a.SetNowFunc(func() int64 { return testNow + int64(30*time.Minute/time.Second) })
	amount, err = a.Harvest(st, harvestData(t, harvestPayload{
		Withdraws: []string{"order-1"},
	}))
	if err != nil {
		t.Fatalf("withdraw phase: %v", err)
	}
	if amount.String() != "2000000" {
		t.Fatalf("matured amount mismatch: %s", amount)
	}
	total, err := a.CumulativeYield(st)
	if err != nil || total.String() != "2000000" {
		t.Fatalf("cumulative yield mismatch: %s (%v)", total, err)
	}

	// A withdrawal order is single use.
	if _, err := a.Harvest(st, harvestData(t, harvestPayload{
		Withdraws: []string{"order-1"},
	})); !errors.Is(err, adapter.ErrOrderProcessed) {
		t.Fatalf("expected ErrOrderProcessed on spent order, got %v", err)
	}
}

func TestRedeemWithdrawUnbonding(t *testing.T) {
	a, oracleKey := newTestAdapter(t)
	st := newMemState()
	var holder, recipient [20]byte
	holder[0] = 0xAA
	recipient[0] = 0xBB
	tokenIDs := []uint64{1}
	var key [32]byte
	key[0] = 0x07

	if err := a.Redeem(st, recipient, tokenIDs, key); !errors.Is(err, adapter.ErrNotEscrowed) {
		t.Fatalf("redeem without escrow must fail, got %v", err)
	}

	payload := signedSetupPayload(t, oracleKey, tokenIDs, []string{"wallet-a"}, testNow-60, 3600)
	if _, err := a.Setup(st, holder, tokenIDs, payload); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := a.Redeem(st, recipient, tokenIDs, key); err != nil {
		t.Fatalf("redeem: %v", err)
	}

	if _, err := a.Withdraw(st, tokenIDs, key); !errors.Is(err, adapter.ErrInvalidWindow) {
		t.Fatalf("withdraw before unbonding must fail, got %v", err)
	}

	a.SetNowFunc(func() int64 { return testNow + int64(7*24*time.Hour/time.Second) })
	released, err := a.Withdraw(st, tokenIDs, key)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if released != recipient {
		t.Fatalf("released to wrong recipient")
	}
	if _, err := a.Withdraw(st, tokenIDs, key); !errors.Is(err, adapter.ErrNotEscrowed) {
		t.Fatalf("consumed release must fail, got %v", err)
	}
}
