package yieldpass

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	ethcommon "github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"yieldpass/crypto"
)

const (
	permitName    = "YieldPassRegistry"
	permitVersion = "1"
	permitTag     = "YIELDPASS_MINT"
)

// PermitDomain derives the domain separator binding permits to one registry
// deployment. Signatures produced for one instance never verify against
// another.
func PermitDomain(instance string) [32]byte {
	message := permitName + "|v" + permitVersion + "|instance=" + strings.TrimSpace(instance)
	var domain [32]byte
	copy(domain[:], ethcrypto.Keccak256([]byte(message)))
	return domain
}

func permitDigest(domain [32]byte, proxy [20]byte, deadline int64, tokenIDs []uint64) []byte {
	encoded := make([]byte, 0, len(tokenIDs)*8)
	var word [8]byte
	for _, id := range tokenIDs {
		binary.BigEndian.PutUint64(word[:], id)
		encoded = append(encoded, word[:]...)
	}
	payload := fmt.Sprintf("%s|domain=%s|proxy=%s|deadline=%d|tokens=%s",
		permitTag,
		hex.EncodeToString(domain[:]),
		hex.EncodeToString(proxy[:]),
		deadline,
		hex.EncodeToString(ethcrypto.Keccak256(encoded)),
	)
	return ethcrypto.Keccak256([]byte(payload))
}

// SignMintPermit produces the holder's authorization for proxy to mint the
// given token ids on their behalf until deadline.
func SignMintPermit(key *crypto.PrivateKey, domain [32]byte, proxy [20]byte, deadline int64, tokenIDs []uint64) ([]byte, error) {
	if key == nil {
		return nil, fmt.Errorf("yieldpass: signing key required")
	}
	return key.Sign(permitDigest(domain, proxy, deadline, tokenIDs))
}

// VerifyMintPermit checks a proxy-mint authorization: the deadline must not
// have passed and the signature must recover to the holder over exactly this
// (proxy, deadline, tokenIDs) binding.
func VerifyMintPermit(domain [32]byte, holder, proxy [20]byte, deadline int64, tokenIDs []uint64, signature []byte, now int64) error {
	if deadline < now {
		return ErrInvalidDeadline
	}
	if len(signature) != 65 {
		return ErrInvalidSignature
	}
	pubKey, err := ethcrypto.SigToPub(permitDigest(domain, proxy, deadline, tokenIDs), signature)
	if err != nil {
		return ErrInvalidSignature
	}
	recovered := ethcrypto.PubkeyToAddress(*pubKey)
	if recovered != ethcommon.BytesToAddress(holder[:]) {
		return ErrInvalidSignature
	}
	return nil
}
