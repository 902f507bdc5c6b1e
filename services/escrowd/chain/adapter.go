package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"proofpay/native/escrow"
)

var (
	// ErrInvalidTransition matches every TransitionError.
	ErrInvalidTransition = errors.New("chain: invalid transition")
	// ErrUnknownEscrow indicates the contract has no record of the id.
	ErrUnknownEscrow = errors.New("chain: escrow not found on chain")
)

// Adapter is the narrow surface the settlement service needs from the chain.
// Every submit reads on-chain state first and refuses to broadcast when the
// transition cannot apply, so retries never double-submit.
type Adapter interface {
	SubmitCreate(ctx context.Context, buyer, seller common.Address, amount *big.Int) (onChainID, txHash string, err error)
	SubmitFund(ctx context.Context, onChainID string, amount *big.Int, payer Signer) (string, error)
	SubmitRelease(ctx context.Context, onChainID string) (string, error)
	SubmitDispute(ctx context.Context, onChainID string, party Signer) (string, error)
	SubmitResolve(ctx context.Context, onChainID string, buyerPct uint8) (string, error)
	SubmitAutoRelease(ctx context.Context, onChainID string) (string, error)
	EscrowState(ctx context.Context, onChainID string) (*OnChainEscrow, error)
	QueryFundedEvents(ctx context.Context, onChainIDs []string) ([]FundedEvent, error)
}

// OnChainEscrow is the contract's view of one escrow.
type OnChainEscrow struct {
	ID            string
	Buyer         common.Address
	Seller        common.Address
	Amount        *big.Int
	Status        escrow.Status
	CreatedAt     time.Time
	FundedAt      time.Time
	AutoReleaseAt time.Time
	Disputed      bool
}

// FundedEvent is a decoded EscrowFunded log.
type FundedEvent struct {
	OnChainID   string
	Amount      *big.Int
	BlockNumber uint64
	TxHash      string
}

// ChainError reports an RPC, signing or confirmation failure. When Unknown is
// set the transaction was broadcast but its outcome was not observed in time;
// TxHash identifies it for later reconciliation.
type ChainError struct {
	Op      string
	TxHash  string
	Unknown bool
	Err     error
}

func (e *ChainError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "chain: %s failed", e.Op)
	if e.Unknown {
		b.WriteString(" (outcome unknown)")
	}
	if e.TxHash != "" {
		fmt.Fprintf(&b, " tx=%s", e.TxHash)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *ChainError) Unwrap() error { return e.Err }

// TransitionError reports that the contract rejected, or would reject, a
// transition. Observed carries the on-chain state read at the time when it is
// available.
type TransitionError struct {
	Op       string
	Reason   string
	TxHash   string
	Observed *OnChainEscrow
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("chain: %s rejected: %s", e.Op, e.Reason)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// IsUnknownOutcome reports whether err is a ChainError whose transaction may
// still land.
func IsUnknownOutcome(err error) bool {
	var ce *ChainError
	return errors.As(err, &ce) && ce.Unknown
}

// checkPrecondition mirrors the contract's guards so adapters can refuse a
// submission that would revert or that has already been applied.
func checkPrecondition(op string, state *OnChainEscrow, now time.Time) error {
	reject := func(reason string) error {
		return &TransitionError{Op: op, Reason: reason, Observed: state}
	}
	switch op {
	case OpFund:
		if state.Status != escrow.StatusCreated {
			return reject("escrow is " + state.Status.String())
		}
	case OpRelease, OpDispute:
		if state.Status != escrow.StatusFunded {
			return reject("escrow is " + state.Status.String())
		}
		if state.Disputed {
			return reject("escrow is disputed")
		}
	case OpResolve:
		if state.Status != escrow.StatusDisputed {
			return reject("escrow is " + state.Status.String())
		}
	case OpAutoRelease:
		if state.Status != escrow.StatusFunded {
			return reject("escrow is " + state.Status.String())
		}
		if state.Disputed {
			return reject("escrow is disputed")
		}
		if now.Before(state.AutoReleaseAt) {
			return reject("auto-release not yet due")
		}
	}
	return nil
}

// Operation names used in errors and metrics.
const (
	OpCreate      = "create"
	OpApprove     = "approve"
	OpFund        = "fund"
	OpRelease     = "release"
	OpDispute     = "dispute"
	OpResolve     = "resolve"
	OpAutoRelease = "auto_release"
	OpQuery       = "query"
)

// ParseID converts a 0x-prefixed 32-byte hex id.
func ParseID(onChainID string) ([32]byte, error) {
	var id [32]byte
	trimmed := strings.TrimSpace(onChainID)
	if !strings.HasPrefix(trimmed, "0x") && !strings.HasPrefix(trimmed, "0X") {
		return id, fmt.Errorf("chain: escrow id must be 0x-prefixed")
	}
	raw := common.FromHex(trimmed)
	if len(raw) != 32 {
		return id, fmt.Errorf("chain: escrow id must be 32 bytes")
	}
	copy(id[:], raw)
	return id, nil
}

// FormatID renders an id the way the ledger stores it.
func FormatID(id [32]byte) string {
	return strings.ToLower(common.Hash(id).Hex())
}

func unixTime(v int64) time.Time {
	if v <= 0 {
		return time.Time{}
	}
	return time.Unix(v, 0).UTC()
}
