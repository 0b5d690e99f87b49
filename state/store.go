// Package state persists registry and adapter records in a key-value
// database behind a staged-write transaction. Every engine operation runs
// against one Tx; nothing reaches the database until Commit, so a failing
// operation leaves no partial state behind.
package state

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strconv"

	"yieldpass/native/yieldpass"
	"yieldpass/storage"
)

const (
	marketPrefix     = "market/"
	marketIndexKey   = "market-index"
	claimPrefix      = "claim/"
	redemptionPrefix = "redeem/"
	sharePrefix      = "share/"
	receiptPrefix    = "receipt/"
	depositorPrefix  = "depositor/"
	adapterPrefix    = "adapter/"
)

// Store opens transactions against the underlying database.
type Store struct {
	db storage.Database
}

// NewStore wraps a key-value database.
func NewStore(db storage.Database) *Store {
	return &Store{db: db}
}

// Begin opens a transaction. Implements the engine's Backend interface.
func (s *Store) Begin() (yieldpass.EngineState, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("state: database not configured")
	}
	return &Tx{
		db:     s.db,
		writes: make(map[string][]byte),
		dels:   make(map[string]struct{}),
	}, nil
}

// Tx stages writes and deletions over the database. Reads observe staged
// mutations first, then fall through to committed state.
type Tx struct {
	db     storage.Database
	writes map[string][]byte
	dels   map[string]struct{}
	done   bool
}

func (t *Tx) get(key string) ([]byte, bool, error) {
	if value, ok := t.writes[key]; ok {
		return value, true, nil
	}
	if _, ok := t.dels[key]; ok {
		return nil, false, nil
	}
	value, err := t.db.Get([]byte(key))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (t *Tx) put(key string, value []byte) error {
	if t.done {
		return errors.New("state: transaction closed")
	}
	delete(t.dels, key)
	t.writes[key] = append([]byte(nil), value...)
	return nil
}

func (t *Tx) del(key string) error {
	if t.done {
		return errors.New("state: transaction closed")
	}
	delete(t.writes, key)
	t.dels[key] = struct{}{}
	return nil
}

// Commit applies every staged write and deletion to the database.
func (t *Tx) Commit() error {
	if t.done {
		return errors.New("state: transaction closed")
	}
	t.done = true
	for key := range t.dels {
		if err := t.db.Delete([]byte(key)); err != nil {
			return err
		}
	}
	for key, value := range t.writes {
		if err := t.db.Put([]byte(key), value); err != nil {
			return err
		}
	}
	return nil
}

// Discard drops the staged mutations.
func (t *Tx) Discard() {
	t.done = true
	t.writes = nil
	t.dels = nil
}

// --- stored record encodings ---

type storedMarket struct {
	YieldPassToken string `json:"yieldPassToken"`
	NodePassToken  string `json:"nodePassToken"`
	NodeToken      string `json:"nodeToken"`
	StartTime      int64  `json:"startTime"`
	ExpiryTime     int64  `json:"expiryTime"`
	Adapter        string `json:"adapter"`
	TransferLocked bool   `json:"transferLocked"`
	CreatedAt      int64  `json:"createdAt"`
}

type storedClaimState struct {
	Shares  string `json:"shares"`
	Balance string `json:"balance"`
	Total   string `json:"total"`
}

type storedRedemption struct {
	Recipient  string   `json:"recipient"`
	TokenIDs   []uint64 `json:"tokenIds"`
	RedeemedAt int64    `json:"redeemedAt"`
}

func encodeAddr(addr [20]byte) string { return hex.EncodeToString(addr[:]) }

func decodeAddr(value string) ([20]byte, error) {
	var addr [20]byte
	raw, err := hex.DecodeString(value)
	if err != nil {
		return addr, err
	}
	if len(raw) != 20 {
		return addr, fmt.Errorf("state: address must be 20 bytes, got %d", len(raw))
	}
	copy(addr[:], raw)
	return addr, nil
}

func decodeBig(value string) (*big.Int, error) {
	if value == "" {
		return big.NewInt(0), nil
	}
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return nil, fmt.Errorf("state: corrupt amount %q", value)
	}
	return v, nil
}

// --- markets ---

func marketKey(yieldPass [20]byte) string {
	return marketPrefix + encodeAddr(yieldPass)
}

func (t *Tx) MarketPut(market *yieldpass.Market) error {
	if market == nil {
		return errors.New("state: nil market")
	}
	record := storedMarket{
		YieldPassToken: encodeAddr(market.YieldPassToken),
		NodePassToken:  encodeAddr(market.NodePassToken),
		NodeToken:      encodeAddr(market.NodeToken),
		StartTime:      market.StartTime,
		ExpiryTime:     market.ExpiryTime,
		Adapter:        market.Adapter,
		TransferLocked: market.TransferLocked,
		CreatedAt:      market.CreatedAt,
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}
	if err := t.put(marketKey(market.YieldPassToken), raw); err != nil {
		return err
	}
	return t.indexMarket(market.YieldPassToken)
}

func (t *Tx) MarketGet(yieldPass [20]byte) (*yieldpass.Market, bool, error) {
	raw, ok, err := t.get(marketKey(yieldPass))
	if err != nil || !ok {
		return nil, false, err
	}
	var record storedMarket
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, false, err
	}
	market := &yieldpass.Market{
		StartTime:      record.StartTime,
		ExpiryTime:     record.ExpiryTime,
		Adapter:        record.Adapter,
		TransferLocked: record.TransferLocked,
		CreatedAt:      record.CreatedAt,
	}
	if market.YieldPassToken, err = decodeAddr(record.YieldPassToken); err != nil {
		return nil, false, err
	}
	if market.NodePassToken, err = decodeAddr(record.NodePassToken); err != nil {
		return nil, false, err
	}
	if market.NodeToken, err = decodeAddr(record.NodeToken); err != nil {
		return nil, false, err
	}
	return market, true, nil
}

func (t *Tx) indexMarket(yieldPass [20]byte) error {
	ids, err := t.MarketIDs()
	if err != nil {
		return err
	}
	for _, id := range ids {
		if id == yieldPass {
			return nil
		}
	}
	ids = append(ids, yieldPass)
	encoded := make([]string, 0, len(ids))
	for _, id := range ids {
		encoded = append(encoded, encodeAddr(id))
	}
	sort.Strings(encoded)
	raw, err := json.Marshal(encoded)
	if err != nil {
		return err
	}
	return t.put(marketIndexKey, raw)
}

func (t *Tx) MarketIDs() ([][20]byte, error) {
	raw, ok, err := t.get(marketIndexKey)
	if err != nil || !ok {
		return nil, err
	}
	var encoded []string
	if err := json.Unmarshal(raw, &encoded); err != nil {
		return nil, err
	}
	ids := make([][20]byte, 0, len(encoded))
	for _, value := range encoded {
		id, err := decodeAddr(value)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// --- claim state ---

func claimKey(yieldPass [20]byte) string {
	return claimPrefix + encodeAddr(yieldPass)
}

func (t *Tx) ClaimStatePut(yieldPass [20]byte, claim *yieldpass.ClaimState) error {
	if claim == nil {
		return errors.New("state: nil claim state")
	}
	record := storedClaimState{
		Shares:  claim.Shares.String(),
		Balance: claim.Balance.String(),
		Total:   claim.Total.String(),
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return t.put(claimKey(yieldPass), raw)
}

func (t *Tx) ClaimStateGet(yieldPass [20]byte) (*yieldpass.ClaimState, bool, error) {
	raw, ok, err := t.get(claimKey(yieldPass))
	if err != nil || !ok {
		return nil, false, err
	}
	var record storedClaimState
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, false, err
	}
	claim := yieldpass.NewClaimState()
	if claim.Shares, err = decodeBig(record.Shares); err != nil {
		return nil, false, err
	}
	if claim.Balance, err = decodeBig(record.Balance); err != nil {
		return nil, false, err
	}
	if claim.Total, err = decodeBig(record.Total); err != nil {
		return nil, false, err
	}
	return claim, true, nil
}

// --- redemptions ---

func redemptionKey(yieldPass [20]byte, key [32]byte) string {
	return redemptionPrefix + encodeAddr(yieldPass) + "/" + hex.EncodeToString(key[:])
}

func (t *Tx) RedemptionPut(yieldPass [20]byte, key [32]byte, redemption *yieldpass.Redemption) error {
	if redemption == nil {
		return errors.New("state: nil redemption")
	}
	record := storedRedemption{
		Recipient:  encodeAddr(redemption.Recipient),
		TokenIDs:   append([]uint64(nil), redemption.TokenIDs...),
		RedeemedAt: redemption.RedeemedAt,
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return t.put(redemptionKey(yieldPass, key), raw)
}

func (t *Tx) RedemptionGet(yieldPass [20]byte, key [32]byte) (*yieldpass.Redemption, bool, error) {
	raw, ok, err := t.get(redemptionKey(yieldPass, key))
	if err != nil || !ok {
		return nil, false, err
	}
	var record storedRedemption
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, false, err
	}
	redemption := &yieldpass.Redemption{
		TokenIDs:   record.TokenIDs,
		RedeemedAt: record.RedeemedAt,
	}
	if redemption.Recipient, err = decodeAddr(record.Recipient); err != nil {
		return nil, false, err
	}
	return redemption, true, nil
}

func (t *Tx) RedemptionDelete(yieldPass [20]byte, key [32]byte) error {
	return t.del(redemptionKey(yieldPass, key))
}

// --- fungible share ledger ---

func shareKey(token, owner [20]byte) string {
	return sharePrefix + encodeAddr(token) + "/" + encodeAddr(owner)
}

func (t *Tx) SharesBalance(token, owner [20]byte) (*big.Int, error) {
	raw, ok, err := t.get(shareKey(token, owner))
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return decodeBig(string(raw))
}

func (t *Tx) SharesMint(token, to [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return errors.New("state: share mint amount must be non-negative")
	}
	balance, err := t.SharesBalance(token, to)
	if err != nil {
		return err
	}
	balance = new(big.Int).Add(balance, amount)
	return t.put(shareKey(token, to), []byte(balance.String()))
}

func (t *Tx) SharesBurn(token, from [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return errors.New("state: share burn amount must be non-negative")
	}
	balance, err := t.SharesBalance(token, from)
	if err != nil {
		return err
	}
	if balance.Cmp(amount) < 0 {
		return errors.New("state: insufficient share balance")
	}
	balance = new(big.Int).Sub(balance, amount)
	return t.put(shareKey(token, from), []byte(balance.String()))
}

// --- non-fungible receipt ledger ---

func receiptKey(token [20]byte, tokenID uint64) string {
	return receiptPrefix + encodeAddr(token) + "/" + strconv.FormatUint(tokenID, 10)
}

func (t *Tx) ReceiptMint(token [20]byte, tokenID uint64, to [20]byte) error {
	key := receiptKey(token, tokenID)
	if _, ok, err := t.get(key); err != nil {
		return err
	} else if ok {
		return fmt.Errorf("state: receipt %d already minted", tokenID)
	}
	return t.put(key, []byte(encodeAddr(to)))
}

func (t *Tx) ReceiptBurn(token [20]byte, tokenID uint64) error {
	key := receiptKey(token, tokenID)
	if _, ok, err := t.get(key); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("state: receipt %d not minted", tokenID)
	}
	return t.del(key)
}

func (t *Tx) ReceiptOwner(token [20]byte, tokenID uint64) ([20]byte, bool, error) {
	raw, ok, err := t.get(receiptKey(token, tokenID))
	if err != nil || !ok {
		return [20]byte{}, false, err
	}
	owner, err := decodeAddr(string(raw))
	if err != nil {
		return [20]byte{}, false, err
	}
	return owner, true, nil
}

// --- depositor records ---

func depositorKey(yieldPass [20]byte, tokenID uint64) string {
	return depositorPrefix + encodeAddr(yieldPass) + "/" + strconv.FormatUint(tokenID, 10)
}

func (t *Tx) DepositorPut(yieldPass [20]byte, tokenID uint64, holder [20]byte) error {
	return t.put(depositorKey(yieldPass, tokenID), []byte(encodeAddr(holder)))
}

func (t *Tx) DepositorGet(yieldPass [20]byte, tokenID uint64) ([20]byte, bool, error) {
	raw, ok, err := t.get(depositorKey(yieldPass, tokenID))
	if err != nil || !ok {
		return [20]byte{}, false, err
	}
	holder, err := decodeAddr(string(raw))
	if err != nil {
		return [20]byte{}, false, err
	}
	return holder, true, nil
}

// --- adapter namespaces ---

func adapterKey(name string, key []byte) string {
	return adapterPrefix + name + "/" + string(key)
}

func (t *Tx) AdapterPut(name string, key []byte, value []byte) error {
	return t.put(adapterKey(name, key), value)
}

func (t *Tx) AdapterGet(name string, key []byte) ([]byte, bool, error) {
	return t.get(adapterKey(name, key))
}

func (t *Tx) AdapterDelete(name string, key []byte) error {
	return t.del(adapterKey(name, key))
}
