package chain

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"

	"proofpay/native/escrow"
)

type loggedEvent struct {
	event  escrow.Event
	block  uint64
	txHash string
}

// NativeAdapter drives an in-process escrow engine. Every call is treated as a
// single-transaction block so event queries see the same ordering an EVM node
// would report.
type NativeAdapter struct {
	engine   *escrow.Engine
	lookback uint64
	now      func() time.Time

	mu      sync.Mutex
	height  uint64
	pending []escrow.Event
	log     []loggedEvent
}

// NativeConfig configures the in-process chain.
type NativeConfig struct {
	LookbackBlocks uint64
	Now            func() time.Time
}

// NewNativeAdapter wraps engine. The adapter installs itself as the engine's
// event emitter.
func NewNativeAdapter(engine *escrow.Engine, cfg NativeConfig) *NativeAdapter {
	if cfg.LookbackBlocks == 0 {
		cfg.LookbackBlocks = 43_200
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	a := &NativeAdapter{engine: engine, lookback: cfg.LookbackBlocks, now: cfg.Now}
	engine.SetEmitter(a)
	engine.SetNowFunc(func() int64 { return a.now().Unix() })
	return a
}

// Emit implements escrow.Emitter. Events are buffered until the enclosing
// call seals its block.
func (a *NativeAdapter) Emit(evt escrow.Event) {
	a.pending = append(a.pending, evt)
}

// Head returns the current block height.
func (a *NativeAdapter) Head() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.height
}

// execute runs fn as one block. Emit is only ever called from inside fn,
// which runs under a.mu.
func (a *NativeAdapter) execute(op string, fn func() error) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending = a.pending[:0]
	if err := fn(); err != nil {
		a.pending = a.pending[:0]
		var rev *escrow.RevertError
		if errors.As(err, &rev) {
			return "", &TransitionError{Op: op, Reason: rev.Reason}
		}
		return "", &ChainError{Op: op, Err: err}
	}
	a.height++
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], a.height)
	txHash := gethcrypto.Keccak256Hash([]byte(op), buf[:]).Hex()
	for _, evt := range a.pending {
		a.log = append(a.log, loggedEvent{event: evt, block: a.height, txHash: txHash})
	}
	a.pending = a.pending[:0]
	return txHash, nil
}

func (a *NativeAdapter) SubmitCreate(_ context.Context, buyer, seller common.Address, amount *big.Int) (string, string, error) {
	var created *escrow.Escrow
	txHash, err := a.execute(OpCreate, func() error {
		var err error
		created, err = a.engine.Create(a.engine.Owner(), buyer, seller, amount)
		return err
	})
	if err != nil {
		return "", "", err
	}
	return FormatID(created.ID), txHash, nil
}

func (a *NativeAdapter) SubmitFund(ctx context.Context, onChainID string, amount *big.Int, payer Signer) (string, error) {
	if payer == nil {
		return "", fmt.Errorf("chain: payer signer is required")
	}
	id, state, err := a.preflight(ctx, OpFund, onChainID)
	if err != nil {
		return "", err
	}
	if amount != nil && state.Amount.Cmp(amount) != 0 {
		return "", &TransitionError{Op: OpFund, Reason: "amount does not match on-chain terms", Observed: state}
	}
	from := payer.Address()
	allowance, err := a.engine.Allowance(from)
	if err != nil {
		return "", &ChainError{Op: OpApprove, Err: err}
	}
	if allowance.Cmp(state.Amount) < 0 {
		if _, err := a.execute(OpApprove, func() error { return a.engine.Approve(from, state.Amount) }); err != nil {
			return "", err
		}
	}
	return a.execute(OpFund, func() error { return a.engine.Fund(id, from) })
}

func (a *NativeAdapter) SubmitRelease(ctx context.Context, onChainID string) (string, error) {
	id, _, err := a.preflight(ctx, OpRelease, onChainID)
	if err != nil {
		return "", err
	}
	return a.execute(OpRelease, func() error { return a.engine.OwnerRelease(id, a.engine.Owner()) })
}

func (a *NativeAdapter) SubmitDispute(ctx context.Context, onChainID string, party Signer) (string, error) {
	if party == nil {
		return "", fmt.Errorf("chain: party signer is required")
	}
	id, _, err := a.preflight(ctx, OpDispute, onChainID)
	if err != nil {
		return "", err
	}
	return a.execute(OpDispute, func() error { return a.engine.RaiseDispute(id, party.Address()) })
}

func (a *NativeAdapter) SubmitResolve(ctx context.Context, onChainID string, buyerPct uint8) (string, error) {
	id, _, err := a.preflight(ctx, OpResolve, onChainID)
	if err != nil {
		return "", err
	}
	return a.execute(OpResolve, func() error { return a.engine.ResolveDispute(id, a.engine.Owner(), buyerPct) })
}

func (a *NativeAdapter) SubmitAutoRelease(ctx context.Context, onChainID string) (string, error) {
	id, _, err := a.preflight(ctx, OpAutoRelease, onChainID)
	if err != nil {
		return "", err
	}
	return a.execute(OpAutoRelease, func() error { return a.engine.AutoRelease(id) })
}

func (a *NativeAdapter) EscrowState(_ context.Context, onChainID string) (*OnChainEscrow, error) {
	id, err := ParseID(onChainID)
	if err != nil {
		return nil, err
	}
	esc, err := a.engine.Get(id)
	if err != nil {
		if escrow.IsRevert(err) {
			return nil, ErrUnknownEscrow
		}
		return nil, &ChainError{Op: OpQuery, Err: err}
	}
	return &OnChainEscrow{
		ID:            FormatID(esc.ID),
		Buyer:         esc.Buyer,
		Seller:        esc.Seller,
		Amount:        esc.Amount,
		Status:        esc.Status,
		CreatedAt:     unixTime(esc.CreatedAt),
		FundedAt:      unixTime(esc.FundedAt),
		AutoReleaseAt: unixTime(esc.AutoReleaseAt),
		Disputed:      esc.Disputed,
	}, nil
}

func (a *NativeAdapter) QueryFundedEvents(_ context.Context, onChainIDs []string) ([]FundedEvent, error) {
	if len(onChainIDs) == 0 {
		return nil, nil
	}
	wanted := make(map[[32]byte]struct{}, len(onChainIDs))
	for _, raw := range onChainIDs {
		id, err := ParseID(raw)
		if err != nil {
			return nil, err
		}
		wanted[id] = struct{}{}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	var from uint64
	if a.height > a.lookback {
		from = a.height - a.lookback
	}
	var out []FundedEvent
	for _, entry := range a.log {
		if entry.block < from {
			continue
		}
		funded, ok := entry.event.(escrow.EscrowFunded)
		if !ok {
			continue
		}
		if _, ok := wanted[funded.ID]; !ok {
			continue
		}
		out = append(out, FundedEvent{
			OnChainID:   FormatID(funded.ID),
			Amount:      new(big.Int).Set(funded.Amount),
			BlockNumber: entry.block,
			TxHash:      entry.txHash,
		})
	}
	return out, nil
}

func (a *NativeAdapter) preflight(ctx context.Context, op, onChainID string) ([32]byte, *OnChainEscrow, error) {
	id, err := ParseID(onChainID)
	if err != nil {
		return id, nil, err
	}
	state, err := a.EscrowState(ctx, onChainID)
	if err != nil {
		if errors.Is(err, ErrUnknownEscrow) {
			return id, nil, &TransitionError{Op: op, Reason: "escrow not found on chain"}
		}
		return id, nil, err
	}
	if err := checkPrecondition(op, state, a.now()); err != nil {
		return id, state, err
	}
	return id, state, nil
}
