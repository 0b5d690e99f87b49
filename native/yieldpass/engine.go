package yieldpass

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"yieldpass/core/events"
	"yieldpass/native/adapter"
)

var (
	errNilBackend = errors.New("yieldpass engine: state backend not configured")

	// ErrUnauthorized marks an admin operation invoked by a non-admin caller.
	ErrUnauthorized = errors.New("yieldpass: unauthorized")
)

// EngineState is the narrow view of persistent state the engine mutates. One
// instance spans one logical operation; Commit applies every staged write
// atomically and Discard drops them, so a failing adapter call can never
// leave partial registry state behind.
type EngineState interface {
	adapter.State

	MarketPut(market *Market) error
	MarketGet(yieldPass [20]byte) (*Market, bool, error)
	MarketIDs() ([][20]byte, error)

	ClaimStatePut(yieldPass [20]byte, claim *ClaimState) error
	ClaimStateGet(yieldPass [20]byte) (*ClaimState, bool, error)

	RedemptionPut(yieldPass [20]byte, key [32]byte, redemption *Redemption) error
	RedemptionGet(yieldPass [20]byte, key [32]byte) (*Redemption, bool, error)
	RedemptionDelete(yieldPass [20]byte, key [32]byte) error

	SharesMint(token [20]byte, to [20]byte, amount *big.Int) error
	SharesBurn(token [20]byte, from [20]byte, amount *big.Int) error
	SharesBalance(token [20]byte, owner [20]byte) (*big.Int, error)

	ReceiptMint(token [20]byte, tokenID uint64, to [20]byte) error
	ReceiptBurn(token [20]byte, tokenID uint64) error
	ReceiptOwner(token [20]byte, tokenID uint64) ([20]byte, bool, error)

	DepositorPut(yieldPass [20]byte, tokenID uint64, holder [20]byte) error
	DepositorGet(yieldPass [20]byte, tokenID uint64) ([20]byte, bool, error)

	Commit() error
	Discard()
}

// Backend opens one transactional state view per engine operation.
type Backend interface {
	Begin() (EngineState, error)
}

// Engine implements the yield-pass registry: market deployment, the
// mint/harvest/claim accounting and the two-phase redeem/withdraw protocol.
// Node custody is delegated to the per-market yield adapter; the engine never
// interprets adapter payloads. All entry points serialize on one mutex so no
// operation observes another's intermediate state.
type Engine struct {
	mu       sync.Mutex
	backend  Backend
	adapters map[string]adapter.YieldAdapter
	emitter  events.Emitter
	domain   [32]byte
	admin    [20]byte
	nowFn    func() int64
}

// NewEngine creates a registry engine with a no-op emitter. Callers wire the
// backend, adapters and permit domain before use.
func NewEngine() *Engine {
	return &Engine{
		adapters: make(map[string]adapter.YieldAdapter),
		emitter:  events.NoopEmitter{},
		nowFn:    func() int64 { return time.Now().Unix() },
	}
}

// SetBackend configures the transactional state backend.
func (e *Engine) SetBackend(backend Backend) { e.backend = backend }

// SetAdmin configures the address allowed to deploy markets and mutate
// adapter bindings and transfer policies. A zero admin rejects all admin
// calls.
func (e *Engine) SetAdmin(addr [20]byte) { e.admin = addr }

// SetDomain configures the permit domain separator used to validate
// proxy-mint authorizations.
func (e *Engine) SetDomain(domain [32]byte) { e.domain = domain }

// SetEmitter configures the event emitter. Passing nil resets it to a no-op
// implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source, primarily so tests can pin the clock.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// RegisterAdapter makes a yield adapter available for market bindings.
func (e *Engine) RegisterAdapter(a adapter.YieldAdapter) error {
	if a == nil || a.Name() == "" {
		return ErrInvalidAdapter
	}
	if _, exists := e.adapters[a.Name()]; exists {
		return fmt.Errorf("yieldpass engine: adapter %q already registered", a.Name())
	}
	e.adapters[a.Name()] = a
	return nil
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) requireAdmin(caller [20]byte) error {
	if e.admin == ([20]byte{}) || caller != e.admin {
		return ErrUnauthorized
	}
	return nil
}

func (e *Engine) adapterFor(market *Market) (adapter.YieldAdapter, error) {
	a, ok := e.adapters[market.Adapter]
	if !ok {
		return nil, ErrInvalidAdapter
	}
	return a, nil
}

// Batch groups several operations into one atomic state transaction. Every
// call runs against the same staged view; the first failure discards the
// whole batch and no events are emitted.
type Batch struct {
	engine *Engine
	st     EngineState
	events []*events.Event
}

func (b *Batch) emit(evt *events.Event) {
	if evt != nil {
		b.events = append(b.events, evt)
	}
}

// Batch opens a state transaction, runs fn against it, and commits on
// success. Events are published only after the commit lands.
func (e *Engine) Batch(fn func(*Batch) error) error {
	if e == nil || e.backend == nil {
		return errNilBackend
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	st, err := e.backend.Begin()
	if err != nil {
		return err
	}
	batch := &Batch{engine: e, st: st}
	if err := fn(batch); err != nil {
		st.Discard()
		return err
	}
	if err := st.Commit(); err != nil {
		return err
	}
	for _, evt := range batch.events {
		e.emitter.Emit(evt)
	}
	return nil
}

// --- Admin surface ---

// DeployYieldPass creates a market for the (nodeToken, expiry) pair. The
// share and receipt token identifiers are derived deterministically, so a
// second deployment of the same pair collides and is rejected.
func (e *Engine) DeployYieldPass(caller, nodeToken [20]byte, startTime, expiryTime int64, transferLocked bool, adapterName string) (*Market, error) {
	var market *Market
	err := e.Batch(func(b *Batch) error {
		var err error
		market, err = b.DeployYieldPass(caller, nodeToken, startTime, expiryTime, transferLocked, adapterName)
		return err
	})
	return market, err
}

// DeployYieldPass is the batch form of Engine.DeployYieldPass.
func (b *Batch) DeployYieldPass(caller, nodeToken [20]byte, startTime, expiryTime int64, transferLocked bool, adapterName string) (*Market, error) {
	if err := b.engine.requireAdmin(caller); err != nil {
		return nil, err
	}
	if expiryTime == 0 || startTime >= expiryTime {
		return nil, ErrInvalidExpiry
	}
	if _, ok := b.engine.adapters[adapterName]; !ok {
		return nil, ErrInvalidAdapter
	}
	yieldPass, nodePass := DeriveTokenIDs(nodeToken, expiryTime)
	if existing, ok, err := b.st.MarketGet(yieldPass); err != nil {
		return nil, err
	} else if ok && existing.Deployed() {
		return nil, ErrAlreadyDeployed
	}
	market := &Market{
		YieldPassToken: yieldPass,
		NodePassToken:  nodePass,
		NodeToken:      nodeToken,
		StartTime:      startTime,
		ExpiryTime:     expiryTime,
		Adapter:        adapterName,
		TransferLocked: transferLocked,
		CreatedAt:      b.engine.now(),
	}
	if err := b.st.MarketPut(market); err != nil {
		return nil, err
	}
	if err := b.st.ClaimStatePut(yieldPass, NewClaimState()); err != nil {
		return nil, err
	}
	b.emit(NewMarketDeployedEvent(market))
	return market.Clone(), nil
}

// SetYieldAdapter rebinds the market to a different registered adapter.
func (e *Engine) SetYieldAdapter(caller, yieldPass [20]byte, adapterName string) error {
	return e.Batch(func(b *Batch) error {
		if err := b.engine.requireAdmin(caller); err != nil {
			return err
		}
		market, err := b.market(yieldPass)
		if err != nil {
			return err
		}
		if _, ok := b.engine.adapters[adapterName]; !ok {
			return ErrInvalidAdapter
		}
		market.Adapter = adapterName
		if err := b.st.MarketPut(market); err != nil {
			return err
		}
		b.emit(NewAdapterUpdatedEvent(market))
		return nil
	})
}

// SetTransferPolicy toggles whether redemption recipients are locked to the
// original depositor.
func (e *Engine) SetTransferPolicy(caller, yieldPass [20]byte, locked bool) error {
	return e.Batch(func(b *Batch) error {
		if err := b.engine.requireAdmin(caller); err != nil {
			return err
		}
		market, err := b.market(yieldPass)
		if err != nil {
			return err
		}
		market.TransferLocked = locked
		if err := b.st.MarketPut(market); err != nil {
			return err
		}
		b.emit(NewTransferPolicyEvent(market))
		return nil
	})
}

// --- Read surface ---

// Market returns the deployed market for the share token identifier.
func (e *Engine) Market(yieldPass [20]byte) (*Market, error) {
	var market *Market
	err := e.view(func(st EngineState) error {
		m, ok, err := st.MarketGet(yieldPass)
		if err != nil {
			return err
		}
		if !ok || !m.Deployed() {
			return ErrInvalidYieldPass
		}
		market = m.Clone()
		return nil
	})
	return market, err
}

// Markets returns every deployed market.
func (e *Engine) Markets() ([]*Market, error) {
	var markets []*Market
	err := e.view(func(st EngineState) error {
		ids, err := st.MarketIDs()
		if err != nil {
			return err
		}
		for _, id := range ids {
			m, ok, err := st.MarketGet(id)
			if err != nil {
				return err
			}
			if ok && m.Deployed() {
				markets = append(markets, m.Clone())
			}
		}
		return nil
	})
	return markets, err
}

// ClaimState returns the accounting counters for a market.
func (e *Engine) ClaimState(yieldPass [20]byte) (*ClaimState, error) {
	var claim *ClaimState
	err := e.view(func(st EngineState) error {
		if _, err := marketFromState(st, yieldPass); err != nil {
			return err
		}
		c, ok, err := st.ClaimStateGet(yieldPass)
		if err != nil {
			return err
		}
		if !ok {
			c = NewClaimState()
		}
		claim = c.Clone()
		return nil
	})
	return claim, err
}

// ShareBalance returns the share-token balance an owner holds in a market.
func (e *Engine) ShareBalance(yieldPass, owner [20]byte) (*big.Int, error) {
	var balance *big.Int
	err := e.view(func(st EngineState) error {
		market, err := marketFromState(st, yieldPass)
		if err != nil {
			return err
		}
		balance, err = st.SharesBalance(market.YieldPassToken, owner)
		return err
	})
	return balance, err
}

// ReceiptOwner returns the current owner of a node-pass receipt.
func (e *Engine) ReceiptOwner(yieldPass [20]byte, tokenID uint64) ([20]byte, bool, error) {
	var owner [20]byte
	var ok bool
	err := e.view(func(st EngineState) error {
		market, err := marketFromState(st, yieldPass)
		if err != nil {
			return err
		}
		owner, ok, err = st.ReceiptOwner(market.NodePassToken, tokenID)
		return err
	})
	return owner, ok, err
}

func (e *Engine) view(fn func(EngineState) error) error {
	if e == nil || e.backend == nil {
		return errNilBackend
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	st, err := e.backend.Begin()
	if err != nil {
		return err
	}
	defer st.Discard()
	return fn(st)
}

func marketFromState(st EngineState, yieldPass [20]byte) (*Market, error) {
	market, ok, err := st.MarketGet(yieldPass)
	if err != nil {
		return nil, err
	}
	if !ok || !market.Deployed() {
		return nil, ErrInvalidYieldPass
	}
	return market, nil
}

func (b *Batch) market(yieldPass [20]byte) (*Market, error) {
	return marketFromState(b.st, yieldPass)
}

func (b *Batch) claimState(yieldPass [20]byte) (*ClaimState, error) {
	claim, ok, err := b.st.ClaimStateGet(yieldPass)
	if err != nil {
		return nil, err
	}
	if !ok {
		claim = NewClaimState()
	}
	return claim.Clone(), nil
}

// --- User surface ---

// QuoteMint prices a mint of nodeCount nodes at the current time. Shares
// decay linearly from OneUnit per node at market start to zero at expiry.
func (e *Engine) QuoteMint(yieldPass [20]byte, nodeCount int) (*big.Int, error) {
	var amount *big.Int
	err := e.view(func(st EngineState) error {
		market, err := marketFromState(st, yieldPass)
		if err != nil {
			return err
		}
		amount, err = quoteMintAt(market, nodeCount, e.now())
		return err
	})
	return amount, err
}

func quoteMintAt(market *Market, nodeCount int, now int64) (*big.Int, error) {
	if now < market.StartTime || now >= market.ExpiryTime {
		return nil, ErrInvalidWindow
	}
	if nodeCount <= 0 {
		return nil, ErrInvalidAmount
	}
	remaining := big.NewInt(market.ExpiryTime - now)
	duration := big.NewInt(market.ExpiryTime - market.StartTime)
	amount := new(big.Int).Mul(OneUnit, remaining)
	amount.Mul(amount, big.NewInt(int64(nodeCount)))
	amount.Quo(amount, duration)
	return amount, nil
}

// MintResult reports the outcome of a mint: the share amount issued and the
// operator identifiers the adapter resolved during setup.
type MintResult struct {
	ShareAmount *big.Int
	TokenIDs    []uint64
	Operators   []string
}

// Mint escrows the holder's nodes via the market adapter, credits the market
// share supply and issues share tokens plus one receipt per node. When the
// caller is not the holder a permit signed by the holder must authorize the
// caller for exactly these token ids.
func (e *Engine) Mint(caller [20]byte, params MintParams) (*MintResult, error) {
	var result *MintResult
	err := e.Batch(func(b *Batch) error {
		var err error
		result, err = b.Mint(caller, params)
		return err
	})
	return result, err
}

// MintParams carries the mint operation inputs. SetupData is an opaque
// payload for the market adapter. ProxySignature is required when the caller
// differs from the holder.
type MintParams struct {
	YieldPass        [20]byte
	Holder           [20]byte
	ShareRecipient   [20]byte
	ReceiptRecipient [20]byte
	Deadline         int64
	TokenIDs         []uint64
	SetupData        []byte
	ProxySignature   []byte
}

// Mint is the batch form of Engine.Mint.
func (b *Batch) Mint(caller [20]byte, params MintParams) (*MintResult, error) {
	market, err := b.market(params.YieldPass)
	if err != nil {
		return nil, err
	}
	now := b.engine.now()
	if now < market.StartTime || now >= market.ExpiryTime {
		return nil, ErrInvalidWindow
	}
	if len(params.TokenIDs) == 0 || hasDuplicates(params.TokenIDs) {
		return nil, ErrInvalidTokenIDs
	}
	if caller != params.Holder {
		if err := VerifyMintPermit(b.engine.domain, params.Holder, caller, params.Deadline, params.TokenIDs, params.ProxySignature, now); err != nil {
			return nil, err
		}
	}
	shareAmount, err := quoteMintAt(market, len(params.TokenIDs), now)
	if err != nil {
		return nil, err
	}
	claim, err := b.claimState(params.YieldPass)
	if err != nil {
		return nil, err
	}
	claim.Shares = new(big.Int).Add(claim.Shares, shareAmount)
	if err := b.st.ClaimStatePut(params.YieldPass, claim); err != nil {
		return nil, err
	}
	a, err := b.engine.adapterFor(market)
	if err != nil {
		return nil, err
	}
	operators, err := a.Setup(b.st, params.Holder, params.TokenIDs, params.SetupData)
	if err != nil {
		return nil, err
	}
	if err := b.st.SharesMint(market.YieldPassToken, params.ShareRecipient, shareAmount); err != nil {
		return nil, err
	}
	for _, tokenID := range params.TokenIDs {
		if err := b.st.ReceiptMint(market.NodePassToken, tokenID, params.ReceiptRecipient); err != nil {
			return nil, err
		}
		if err := b.st.DepositorPut(params.YieldPass, tokenID, params.Holder); err != nil {
			return nil, err
		}
	}
	result := &MintResult{
		ShareAmount: shareAmount,
		TokenIDs:    append([]uint64(nil), params.TokenIDs...),
		Operators:   operators,
	}
	b.emit(NewMintedEvent(market, params.Holder, params.ShareRecipient, params.ReceiptRecipient, result))
	return result, nil
}

func hasDuplicates(tokenIDs []uint64) bool {
	seen := make(map[uint64]struct{}, len(tokenIDs))
	for _, id := range tokenIDs {
		if _, ok := seen[id]; ok {
			return true
		}
		seen[id] = struct{}{}
	}
	return false
}

// Harvest pulls newly available yield through the market adapter and credits
// the claimable balance. Callable by anyone at any time; replay protection
// for external yield orders is the adapter's responsibility.
func (e *Engine) Harvest(yieldPass [20]byte, harvestData []byte) (*big.Int, error) {
	var amount *big.Int
	err := e.Batch(func(b *Batch) error {
		var err error
		amount, err = b.Harvest(yieldPass, harvestData)
		return err
	})
	return amount, err
}

// Harvest is the batch form of Engine.Harvest.
func (b *Batch) Harvest(yieldPass [20]byte, harvestData []byte) (*big.Int, error) {
	market, err := b.market(yieldPass)
	if err != nil {
		return nil, err
	}
	a, err := b.engine.adapterFor(market)
	if err != nil {
		return nil, err
	}
	amount, err := a.Harvest(b.st, harvestData)
	if err != nil {
		return nil, err
	}
	amount = cloneBigInt(amount)
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("yieldpass engine: adapter returned negative yield")
	}
	if amount.Sign() > 0 {
		claim, err := b.claimState(yieldPass)
		if err != nil {
			return nil, err
		}
		claim.Balance = new(big.Int).Add(claim.Balance, amount)
		claim.Total = new(big.Int).Add(claim.Total, amount)
		if err := b.st.ClaimStatePut(yieldPass, claim); err != nil {
			return nil, err
		}
	}
	b.emit(NewHarvestedEvent(market, a.Token(), amount))
	return amount, nil
}

// Claim burns shareAmount of the caller's shares after expiry and pays out
// the proportional slice of the claimable balance, truncating in favour of
// the protocol.
func (e *Engine) Claim(caller, yieldPass, recipient [20]byte, shareAmount *big.Int) (*big.Int, error) {
	var yieldAmount *big.Int
	err := e.Batch(func(b *Batch) error {
		var err error
		yieldAmount, err = b.Claim(caller, yieldPass, recipient, shareAmount)
		return err
	})
	return yieldAmount, err
}

// Claim is the batch form of Engine.Claim.
func (b *Batch) Claim(caller, yieldPass, recipient [20]byte, shareAmount *big.Int) (*big.Int, error) {
	market, err := b.market(yieldPass)
	if err != nil {
		return nil, err
	}
	if b.engine.now() <= market.ExpiryTime {
		return nil, ErrInvalidWindow
	}
	shareAmount = cloneBigInt(shareAmount)
	if shareAmount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	balance, err := b.st.SharesBalance(market.YieldPassToken, caller)
	if err != nil {
		return nil, err
	}
	if balance.Cmp(shareAmount) < 0 {
		return nil, ErrInvalidAmount
	}
	claim, err := b.claimState(yieldPass)
	if err != nil {
		return nil, err
	}
	if claim.Shares.Sign() == 0 {
		return nil, ErrInvalidAmount
	}
	yieldAmount := new(big.Int).Mul(claim.Balance, shareAmount)
	yieldAmount.Quo(yieldAmount, claim.Shares)
	claim.Balance = new(big.Int).Sub(claim.Balance, yieldAmount)
	claim.Shares = new(big.Int).Sub(claim.Shares, shareAmount)
	if err := b.st.ClaimStatePut(yieldPass, claim); err != nil {
		return nil, err
	}
	if err := b.st.SharesBurn(market.YieldPassToken, caller, shareAmount); err != nil {
		return nil, err
	}
	a, err := b.engine.adapterFor(market)
	if err != nil {
		return nil, err
	}
	if err := a.Claim(b.st, recipient, yieldAmount); err != nil {
		return nil, err
	}
	b.emit(NewClaimedEvent(market, caller, recipient, shareAmount, yieldAmount))
	return yieldAmount, nil
}

// Redeem burns the caller's receipts for the supplied token ids and registers
// the recipient under the canonical redemption key. The adapter hook may
// apply ecosystem-specific recipient checks and schedules the release behind
// its own unbonding delay.
func (e *Engine) Redeem(caller, yieldPass, recipient [20]byte, tokenIDs []uint64) ([32]byte, error) {
	var key [32]byte
	err := e.Batch(func(b *Batch) error {
		var err error
		key, err = b.Redeem(caller, yieldPass, recipient, tokenIDs)
		return err
	})
	return key, err
}

// Redeem is the batch form of Engine.Redeem.
func (b *Batch) Redeem(caller, yieldPass, recipient [20]byte, tokenIDs []uint64) ([32]byte, error) {
	var key [32]byte
	market, err := b.market(yieldPass)
	if err != nil {
		return key, err
	}
	if b.engine.now() <= market.ExpiryTime {
		return key, ErrInvalidWindow
	}
	if err := ValidateTokenIDs(tokenIDs); err != nil {
		return key, err
	}
	for _, tokenID := range tokenIDs {
		owner, ok, err := b.st.ReceiptOwner(market.NodePassToken, tokenID)
		if err != nil {
			return key, err
		}
		if !ok || owner != caller {
			return key, ErrInvalidRedemption
		}
		if market.TransferLocked {
			depositor, ok, err := b.st.DepositorGet(yieldPass, tokenID)
			if err != nil {
				return key, err
			}
			if !ok || recipient != depositor {
				return key, ErrInvalidRecipient
			}
		}
	}
	for _, tokenID := range tokenIDs {
		if err := b.st.ReceiptBurn(market.NodePassToken, tokenID); err != nil {
			return key, err
		}
	}
	key = RedemptionKey(tokenIDs)
	redemption := &Redemption{
		Recipient:  recipient,
		TokenIDs:   append([]uint64(nil), tokenIDs...),
		RedeemedAt: b.engine.now(),
	}
	if err := b.st.RedemptionPut(yieldPass, key, redemption); err != nil {
		return key, err
	}
	a, err := b.engine.adapterFor(market)
	if err != nil {
		return key, err
	}
	if err := a.Redeem(b.st, recipient, tokenIDs, key); err != nil {
		return key, err
	}
	b.emit(NewRedeemedEvent(market, caller, recipient, tokenIDs, key))
	return key, nil
}

// Withdraw completes a registered redemption: the record is consumed (a key
// withdraws at most once) and the adapter releases the escrowed nodes to the
// stored recipient once its unbonding delay has elapsed.
func (e *Engine) Withdraw(caller, yieldPass [20]byte, tokenIDs []uint64) ([20]byte, error) {
	var recipient [20]byte
	err := e.Batch(func(b *Batch) error {
		var err error
		recipient, err = b.Withdraw(caller, yieldPass, tokenIDs)
		return err
	})
	return recipient, err
}

// Withdraw is the batch form of Engine.Withdraw.
func (b *Batch) Withdraw(caller, yieldPass [20]byte, tokenIDs []uint64) ([20]byte, error) {
	var recipient [20]byte
	market, err := b.market(yieldPass)
	if err != nil {
		return recipient, err
	}
	if err := ValidateTokenIDs(tokenIDs); err != nil {
		return recipient, err
	}
	key := RedemptionKey(tokenIDs)
	redemption, ok, err := b.st.RedemptionGet(yieldPass, key)
	if err != nil {
		return recipient, err
	}
	if !ok || redemption.Recipient != caller {
		return recipient, ErrInvalidWithdrawal
	}
	if err := b.st.RedemptionDelete(yieldPass, key); err != nil {
		return recipient, err
	}
	a, err := b.engine.adapterFor(market)
	if err != nil {
		return recipient, err
	}
	released, err := a.Withdraw(b.st, tokenIDs, key)
	if err != nil {
		return recipient, err
	}
	if released != redemption.Recipient {
		return recipient, ErrInvalidWithdrawal
	}
	recipient = released
	b.emit(NewWithdrawnEvent(market, recipient, tokenIDs, key))
	return recipient, nil
}
