package yieldpass

import (
	"encoding/binary"
	"math/big"
	"sort"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// OneUnit is the share amount minted for one node escrowed exactly at market
// start. Shares decay linearly to zero at expiry.
var OneUnit = mustBigInt("1000000000000000000") // 1e18

func mustBigInt(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("invalid big integer constant")
	}
	return v
}

// Market captures one deployed (node collection, expiry) pair together with
// its derived share and receipt token identifiers. StartTime, ExpiryTime and
// the token identifiers are immutable once deployed; the adapter binding and
// transfer policy remain admin-mutable.
type Market struct {
	YieldPassToken [20]byte
	NodePassToken  [20]byte
	NodeToken      [20]byte
	StartTime      int64
	ExpiryTime     int64
	Adapter        string
	TransferLocked bool
	CreatedAt      int64
}

// Deployed reports whether the market exists. A zero expiry marks an
// undeployed slot and all lookups against it must fail.
func (m *Market) Deployed() bool {
	return m != nil && m.ExpiryTime != 0
}

// Clone returns a copy callers can mutate without affecting stored state.
func (m *Market) Clone() *Market {
	if m == nil {
		return nil
	}
	clone := *m
	return &clone
}

// ClaimState tracks the per-market yield accounting counters. Shares is the
// cumulative share supply (decremented only by claim burns), Balance the
// yield currently held for claims, Total the cumulative yield ever harvested.
// Balance <= Total holds at all times.
type ClaimState struct {
	Shares  *big.Int
	Balance *big.Int
	Total   *big.Int
}

// NewClaimState returns a zeroed claim state.
func NewClaimState() *ClaimState {
	return &ClaimState{Shares: big.NewInt(0), Balance: big.NewInt(0), Total: big.NewInt(0)}
}

// Clone returns a deep copy of the claim state.
func (c *ClaimState) Clone() *ClaimState {
	if c == nil {
		return NewClaimState()
	}
	return &ClaimState{
		Shares:  cloneBigInt(c.Shares),
		Balance: cloneBigInt(c.Balance),
		Total:   cloneBigInt(c.Total),
	}
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// Redemption records the recipient entitled to the eventual node release for
// one redeemed token-id set. Created on redeem, deleted on withdraw, so every
// redemption key is consumable at most once.
type Redemption struct {
	Recipient  [20]byte
	TokenIDs   []uint64
	RedeemedAt int64
}

// Clone returns a deep copy of the redemption record.
func (r *Redemption) Clone() *Redemption {
	if r == nil {
		return nil
	}
	clone := *r
	clone.TokenIDs = append([]uint64(nil), r.TokenIDs...)
	return &clone
}

const (
	shareTokenTag   = "yieldpass/share"
	receiptTokenTag = "yieldpass/receipt"
)

// DeriveTokenIDs computes the deterministic share and receipt token
// identifiers for a (collection, expiry) pair. Both are addressable before
// the market exists, and a repeat deployment maps onto the same identifiers
// so collisions are detected instead of silently shadowed.
func DeriveTokenIDs(nodeToken [20]byte, expiry int64) (yieldPass [20]byte, nodePass [20]byte) {
	copy(yieldPass[:], deriveToken(shareTokenTag, nodeToken, expiry))
	copy(nodePass[:], deriveToken(receiptTokenTag, nodeToken, expiry))
	return yieldPass, nodePass
}

func deriveToken(tag string, nodeToken [20]byte, expiry int64) []byte {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(expiry))
	digest := ethcrypto.Keccak256([]byte(tag), nodeToken[:], ts[:])
	return digest[12:]
}

// RedemptionKey derives the canonical key for a sorted token-id batch. The
// encoding is the concatenation of each id as an 8-byte big-endian word, so
// equal sets always collapse onto the same key.
func RedemptionKey(tokenIDs []uint64) [32]byte {
	encoded := make([]byte, 0, len(tokenIDs)*8)
	var word [8]byte
	for _, id := range tokenIDs {
		binary.BigEndian.PutUint64(word[:], id)
		encoded = append(encoded, word[:]...)
	}
	var key [32]byte
	copy(key[:], ethcrypto.Keccak256(encoded))
	return key
}

// ValidateTokenIDs enforces the canonical batch shape: non-empty, strictly
// ascending (which also rules out duplicates).
func ValidateTokenIDs(tokenIDs []uint64) error {
	if len(tokenIDs) == 0 {
		return ErrInvalidTokenIDs
	}
	if !sort.SliceIsSorted(tokenIDs, func(i, j int) bool { return tokenIDs[i] < tokenIDs[j] }) {
		return ErrInvalidTokenIDs
	}
	for i := 1; i < len(tokenIDs); i++ {
		if tokenIDs[i] == tokenIDs[i-1] {
			return ErrInvalidTokenIDs
		}
	}
	return nil
}
