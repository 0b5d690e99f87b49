package yieldpass

import (
	"encoding/hex"
	"math/big"
	"strconv"
	"strings"

	"yieldpass/core/events"
)

const (
	EventTypeMarketDeployed = "yieldpass.market_deployed"
	EventTypeAdapterUpdated = "yieldpass.adapter_updated"
	EventTypeTransferPolicy = "yieldpass.transfer_policy"
	EventTypeMinted         = "yieldpass.minted"
	EventTypeHarvested      = "yieldpass.harvested"
	EventTypeClaimed        = "yieldpass.claimed"
	EventTypeRedeemed       = "yieldpass.redeemed"
	EventTypeWithdrawn      = "yieldpass.withdrawn"
)

func marketAttributes(m *Market) map[string]string {
	attrs := make(map[string]string)
	if m == nil {
		return attrs
	}
	attrs["yieldPass"] = hex.EncodeToString(m.YieldPassToken[:])
	attrs["nodePass"] = hex.EncodeToString(m.NodePassToken[:])
	attrs["nodeToken"] = hex.EncodeToString(m.NodeToken[:])
	attrs["startTime"] = strconv.FormatInt(m.StartTime, 10)
	attrs["expiryTime"] = strconv.FormatInt(m.ExpiryTime, 10)
	attrs["adapter"] = m.Adapter
	attrs["transferLocked"] = strconv.FormatBool(m.TransferLocked)
	return attrs
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func tokenIDList(tokenIDs []uint64) string {
	parts := make([]string, 0, len(tokenIDs))
	for _, id := range tokenIDs {
		parts = append(parts, strconv.FormatUint(id, 10))
	}
	return strings.Join(parts, ",")
}

// NewMarketDeployedEvent returns the canonical payload for a market
// deployment.
func NewMarketDeployedEvent(m *Market) *events.Event {
	return &events.Event{Type: EventTypeMarketDeployed, Attributes: marketAttributes(m)}
}

// NewAdapterUpdatedEvent returns the payload emitted when a market is rebound
// to a different adapter.
func NewAdapterUpdatedEvent(m *Market) *events.Event {
	return &events.Event{Type: EventTypeAdapterUpdated, Attributes: marketAttributes(m)}
}

// NewTransferPolicyEvent returns the payload emitted when the redemption
// transfer policy changes.
func NewTransferPolicyEvent(m *Market) *events.Event {
	return &events.Event{Type: EventTypeTransferPolicy, Attributes: marketAttributes(m)}
}

// NewMintedEvent returns the payload for a completed mint, carrying the share
// amount, escrowed token ids and resolved operators.
func NewMintedEvent(m *Market, holder, shareRecipient, receiptRecipient [20]byte, result *MintResult) *events.Event {
	attrs := marketAttributes(m)
	attrs["holder"] = hex.EncodeToString(holder[:])
	attrs["shareRecipient"] = hex.EncodeToString(shareRecipient[:])
	attrs["receiptRecipient"] = hex.EncodeToString(receiptRecipient[:])
	if result != nil {
		attrs["shareAmount"] = bigString(result.ShareAmount)
		attrs["tokenIds"] = tokenIDList(result.TokenIDs)
		attrs["operators"] = strings.Join(result.Operators, ",")
	}
	return &events.Event{Type: EventTypeMinted, Attributes: attrs}
}

// NewHarvestedEvent returns the payload for a harvest, including zero-amount
// claim phases so indexers observe every adapter interaction.
func NewHarvestedEvent(m *Market, yieldToken string, amount *big.Int) *events.Event {
	attrs := marketAttributes(m)
	attrs["yieldToken"] = yieldToken
	attrs["amount"] = bigString(amount)
	return &events.Event{Type: EventTypeHarvested, Attributes: attrs}
}

// NewClaimedEvent returns the payload for a proportional claim payout.
func NewClaimedEvent(m *Market, caller, recipient [20]byte, shareAmount, yieldAmount *big.Int) *events.Event {
	attrs := marketAttributes(m)
	attrs["caller"] = hex.EncodeToString(caller[:])
	attrs["recipient"] = hex.EncodeToString(recipient[:])
	attrs["shareAmount"] = bigString(shareAmount)
	attrs["yieldAmount"] = bigString(yieldAmount)
	return &events.Event{Type: EventTypeClaimed, Attributes: attrs}
}

// NewRedeemedEvent returns the payload for a redemption registration.
func NewRedeemedEvent(m *Market, caller, recipient [20]byte, tokenIDs []uint64, key [32]byte) *events.Event {
	attrs := marketAttributes(m)
	attrs["caller"] = hex.EncodeToString(caller[:])
	attrs["recipient"] = hex.EncodeToString(recipient[:])
	attrs["tokenIds"] = tokenIDList(tokenIDs)
	attrs["redemptionKey"] = hex.EncodeToString(key[:])
	return &events.Event{Type: EventTypeRedeemed, Attributes: attrs}
}

// NewWithdrawnEvent returns the payload for a completed node release.
func NewWithdrawnEvent(m *Market, recipient [20]byte, tokenIDs []uint64, key [32]byte) *events.Event {
	attrs := marketAttributes(m)
	attrs["recipient"] = hex.EncodeToString(recipient[:])
	attrs["tokenIds"] = tokenIDList(tokenIDs)
	attrs["redemptionKey"] = hex.EncodeToString(key[:])
	return &events.Event{Type: EventTypeWithdrawn, Attributes: attrs}
}
