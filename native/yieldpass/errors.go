package yieldpass

import "errors"

var (
	// ErrInvalidYieldPass marks a lookup against an unknown or undeployed market.
	ErrInvalidYieldPass = errors.New("yieldpass: invalid yield pass")
	// ErrInvalidAdapter marks a missing or unregistered adapter binding.
	ErrInvalidAdapter = errors.New("yieldpass: invalid adapter")
	// ErrInvalidExpiry marks a zero expiry or an expiry at or before the start time.
	ErrInvalidExpiry = errors.New("yieldpass: invalid expiry")
	// ErrAlreadyDeployed marks a deterministic token-id collision on deployment.
	ErrAlreadyDeployed = errors.New("yieldpass: already deployed")
	// ErrInvalidWindow marks an operation attempted outside its valid time range.
	ErrInvalidWindow = errors.New("yieldpass: invalid window")
	// ErrInvalidSignature marks a proxy-mint authorization that does not recover
	// to the claimed holder.
	ErrInvalidSignature = errors.New("yieldpass: invalid signature")
	// ErrInvalidDeadline marks an expired proxy-mint authorization.
	ErrInvalidDeadline = errors.New("yieldpass: invalid deadline")
	// ErrInvalidRecipient marks a transfer-lock violation on redemption.
	ErrInvalidRecipient = errors.New("yieldpass: invalid recipient")
	// ErrInvalidRedemption marks a redeem attempt by a caller that does not own
	// the receipt.
	ErrInvalidRedemption = errors.New("yieldpass: invalid redemption")
	// ErrInvalidAmount marks a zero claim or an insufficient share balance.
	ErrInvalidAmount = errors.New("yieldpass: invalid amount")
	// ErrInvalidTokenIDs marks an empty, unsorted or duplicated token-id batch.
	ErrInvalidTokenIDs = errors.New("yieldpass: invalid token ids")
	// ErrInvalidWithdrawal marks a withdraw without a matching redemption record
	// or by a caller other than the stored recipient.
	ErrInvalidWithdrawal = errors.New("yieldpass: invalid withdrawal")
)
