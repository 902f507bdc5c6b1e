package escrow

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

var (
	errNilState    = errors.New("escrow engine: state not configured")
	errNilTreasury = errors.New("escrow engine: fee collector not configured")
)

// RevertError is returned when the engine rejects a call. It is the native
// analogue of a contract revert: the state is left untouched.
type RevertError struct {
	Reason string
}

func (e *RevertError) Error() string { return "escrow: " + e.Reason }

func revert(format string, args ...any) error {
	return &RevertError{Reason: fmt.Sprintf(format, args...)}
}

// IsRevert reports whether err carries a RevertError.
func IsRevert(err error) bool {
	var target *RevertError
	return errors.As(err, &target)
}

// Engine settles escrows against a token State. Calls are serialised, so each
// one observes the effects of every call before it.
type Engine struct {
	mu           sync.Mutex
	state        State
	emitter      Emitter
	owner        [20]byte
	feeCollector [20]byte
	vault        [20]byte
	nowFn        func() int64
}

// NewEngine creates an engine owned by owner. The vault address holds funded
// balances until settlement.
func NewEngine(owner, vault [20]byte) *Engine {
	return &Engine{
		emitter: NoopEmitter{},
		owner:   owner,
		vault:   vault,
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state State) { e.state = state }

// SetFeeCollector configures the address that receives release fees.
func (e *Engine) SetFeeCollector(addr [20]byte) { e.feeCollector = addr }

// SetNowFunc overrides the time source used by the engine.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter. Passing nil resets the emitter to
// a no-op implementation.
func (e *Engine) SetEmitter(emitter Emitter) {
	if emitter == nil {
		e.emitter = NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) Owner() [20]byte { return e.owner }

func (e *Engine) emit(evt Event) {
	if e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(evt)
}

func (e *Engine) now() int64 {
	if e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) loadEscrow(id [32]byte) (*Escrow, error) {
	if e.state == nil {
		return nil, errNilState
	}
	esc, ok := e.state.EscrowGet(id)
	if !ok {
		return nil, revert("escrow not found")
	}
	return esc, nil
}

func (e *Engine) transferToken(from, to [20]byte, amount *big.Int) error {
	amt := cloneBigInt(amount)
	if amt.Sign() == 0 {
		return nil
	}
	if amt.Sign() < 0 {
		return revert("negative transfer amount")
	}
	fromBal, err := e.state.Balance(from)
	if err != nil {
		return err
	}
	if fromBal.Cmp(amt) < 0 {
		return revert("insufficient balance")
	}
	toBal, err := e.state.Balance(to)
	if err != nil {
		return err
	}
	if err := e.state.SetBalance(from, new(big.Int).Sub(fromBal, amt)); err != nil {
		return err
	}
	return e.state.SetBalance(to, new(big.Int).Add(toBal, amt))
}

func (e *Engine) transferFrom(owner, to [20]byte, amount *big.Int) error {
	allowance, err := e.state.Allowance(owner, e.vault)
	if err != nil {
		return err
	}
	if allowance.Cmp(amount) < 0 {
		return revert("insufficient allowance")
	}
	if err := e.transferToken(owner, to, amount); err != nil {
		return err
	}
	return e.state.SetAllowance(owner, e.vault, new(big.Int).Sub(allowance, amount))
}

// Approve sets the amount the engine vault may pull from owner.
func (e *Engine) Approve(owner [20]byte, amount *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return errNilState
	}
	if amount == nil || amount.Sign() < 0 {
		return revert("invalid allowance")
	}
	return e.state.SetAllowance(owner, e.vault, amount)
}

// Allowance returns the amount the vault may currently pull from owner.
func (e *Engine) Allowance(owner [20]byte) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return nil, errNilState
	}
	return e.state.Allowance(owner, e.vault)
}

// Get returns a copy of the stored escrow.
func (e *Engine) Get(id [32]byte) (*Escrow, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loadEscrow(id)
}

// Create registers a new escrow. Only the owner may create escrows; the
// identifier is derived from the parties, amount, time and a per-state nonce.
func (e *Engine) Create(caller, buyer, seller [20]byte, amount *big.Int) (*Escrow, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return nil, errNilState
	}
	if caller != e.owner {
		return nil, revert("only owner")
	}
	if buyer == ([20]byte{}) || seller == ([20]byte{}) {
		return nil, revert("invalid party address")
	}
	if buyer == seller {
		return nil, revert("buyer and seller must differ")
	}
	amt := cloneBigInt(amount)
	if amt.Sign() <= 0 {
		return nil, revert("amount must be positive")
	}
	nonce, err := e.state.NextNonce()
	if err != nil {
		return nil, err
	}
	now := e.now()
	var meta [16]byte
	binary.BigEndian.PutUint64(meta[:8], uint64(now))
	binary.BigEndian.PutUint64(meta[8:], nonce)
	id := ethcrypto.Keccak256Hash(buyer[:], seller[:], amt.Bytes(), meta[:])
	esc := &Escrow{
		ID:        id,
		Buyer:     buyer,
		Seller:    seller,
		Amount:    amt,
		Status:    StatusCreated,
		CreatedAt: now,
	}
	if err := e.state.EscrowPut(esc); err != nil {
		return nil, err
	}
	e.emit(EscrowCreated{ID: id, Buyer: buyer, Seller: seller, Amount: cloneBigInt(amt)})
	return esc.Clone(), nil
}

// Fund pulls the escrow amount from the buyer into the vault. The buyer must
// have approved at least the amount beforehand.
func (e *Engine) Fund(id [32]byte, caller [20]byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if esc.Status != StatusCreated {
		return revert("cannot fund in status %s", esc.Status)
	}
	if caller != esc.Buyer {
		return revert("only buyer can fund")
	}
	if err := e.transferFrom(esc.Buyer, e.vault, esc.Amount); err != nil {
		return err
	}
	now := e.now()
	esc.Status = StatusFunded
	esc.FundedAt = now
	esc.AutoReleaseAt = now + AutoReleaseGrace
	if err := e.state.EscrowPut(esc); err != nil {
		return err
	}
	e.emit(EscrowFunded{ID: id, Amount: cloneBigInt(esc.Amount)})
	return nil
}

// Release settles a funded escrow in favour of the seller at the buyer's
// request.
func (e *Engine) Release(id [32]byte, caller [20]byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if caller != esc.Buyer {
		return revert("only buyer can release")
	}
	return e.complete(esc)
}

// OwnerRelease settles a funded escrow on behalf of a buyer that authorised
// the release off-chain.
func (e *Engine) OwnerRelease(id [32]byte, caller [20]byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if caller != e.owner {
		return revert("only owner")
	}
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	return e.complete(esc)
}

// AutoRelease settles an undisputed escrow once the grace period has elapsed.
// Anyone may call it.
func (e *Engine) AutoRelease(id [32]byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if esc.Status == StatusFunded && !esc.Disputed && e.now() < esc.AutoReleaseAt {
		return revert("auto-release not yet due")
	}
	return e.complete(esc)
}

func (e *Engine) complete(esc *Escrow) error {
	if esc.Status != StatusFunded {
		return revert("cannot release in status %s", esc.Status)
	}
	if esc.Disputed {
		return revert("escrow is disputed")
	}
	if e.feeCollector == ([20]byte{}) {
		return errNilTreasury
	}
	payout, fee := ReleaseSplit(esc.Amount)
	if err := e.transferToken(e.vault, esc.Seller, payout); err != nil {
		return err
	}
	if err := e.transferToken(e.vault, e.feeCollector, fee); err != nil {
		return err
	}
	esc.Status = StatusCompleted
	if err := e.state.EscrowPut(esc); err != nil {
		return err
	}
	e.emit(EscrowCompleted{ID: esc.ID, SellerAmount: payout, Fee: fee})
	return nil
}

// RaiseDispute freezes a funded escrow. Either party may raise it, once.
func (e *Engine) RaiseDispute(id [32]byte, caller [20]byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if esc.Status != StatusFunded {
		return revert("cannot dispute in status %s", esc.Status)
	}
	if esc.Disputed {
		return revert("dispute already raised")
	}
	if caller != esc.Buyer && caller != esc.Seller {
		return revert("only buyer or seller can dispute")
	}
	esc.Status = StatusDisputed
	esc.Disputed = true
	if err := e.state.EscrowPut(esc); err != nil {
		return err
	}
	e.emit(DisputeRaised{ID: id, RaisedBy: caller})
	return nil
}

// ResolveDispute splits a disputed escrow between the parties. buyerPct is
// the whole-number percentage awarded to the buyer.
func (e *Engine) ResolveDispute(id [32]byte, caller [20]byte, buyerPct uint8) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if caller != e.owner {
		return revert("only owner")
	}
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if esc.Status != StatusDisputed {
		return revert("cannot resolve in status %s", esc.Status)
	}
	if buyerPct > 100 {
		return revert("invalid percentage")
	}
	buyerAmt, sellerAmt, err := DisputeSplit(esc.Amount, buyerPct)
	if err != nil {
		return err
	}
	if err := e.transferToken(e.vault, esc.Buyer, buyerAmt); err != nil {
		return err
	}
	if err := e.transferToken(e.vault, esc.Seller, sellerAmt); err != nil {
		return err
	}
	esc.Status = StatusCompleted
	if err := e.state.EscrowPut(esc); err != nil {
		return err
	}
	e.emit(DisputeResolved{ID: id, BuyerAmount: buyerAmt, SellerAmount: sellerAmt})
	return nil
}
