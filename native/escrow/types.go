package escrow

import (
	"fmt"
	"math/big"
)

// Status represents the lifecycle states of a settlement escrow. The numeric
// values match the ordinal order of the deployed contract's status enum and
// must not be reordered.
type Status uint8

const (
	StatusCreated Status = iota
	StatusFunded
	StatusCompleted
	StatusDisputed
	StatusRefunded
	StatusCancelled
)

const (
	// FeeBps is the platform fee charged on release, in basis points (0.5%).
	FeeBps = 50
	// AutoReleaseGrace is the number of seconds after funding at which anyone
	// may settle an undisputed escrow in favour of the seller.
	AutoReleaseGrace int64 = 7 * 24 * 60 * 60
)

var statusNames = [...]string{"CREATED", "FUNDED", "COMPLETED", "DISPUTED", "REFUNDED", "CANCELLED"}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("STATUS(%d)", uint8(s))
}

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	return int(s) < len(statusNames)
}

// ParseStatus converts the canonical upper-case name into a Status.
func ParseStatus(name string) (Status, error) {
	for i, candidate := range statusNames {
		if candidate == name {
			return Status(i), nil
		}
	}
	return 0, fmt.Errorf("escrow: unknown status %q", name)
}

// Escrow captures the immutable terms and runtime status of a single
// settlement. The identifier is assigned by the engine at creation time.
type Escrow struct {
	ID            [32]byte
	Buyer         [20]byte
	Seller        [20]byte
	Amount        *big.Int
	Status        Status
	CreatedAt     int64
	FundedAt      int64
	AutoReleaseAt int64
	Disputed      bool
}

// Clone returns a deep copy of the escrow so callers can safely mutate the
// copy without affecting the stored instance.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Amount != nil {
		clone.Amount = new(big.Int).Set(e.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	return &clone
}

// AutoReleaseDue reports whether the escrow may be auto-released at now.
func (e *Escrow) AutoReleaseDue(now int64) bool {
	if e == nil {
		return false
	}
	return e.Status == StatusFunded && !e.Disputed && e.AutoReleaseAt > 0 && now >= e.AutoReleaseAt
}

func sanitizeEscrow(e *Escrow) (*Escrow, error) {
	if e == nil {
		return nil, fmt.Errorf("nil escrow")
	}
	clone := e.Clone()
	if clone.Amount.Sign() < 0 {
		return nil, fmt.Errorf("escrow amount must be non-negative")
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("invalid escrow status: %d", clone.Status)
	}
	return clone, nil
}
