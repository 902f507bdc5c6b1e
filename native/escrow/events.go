package escrow

import (
	"encoding/hex"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

const (
	EventEscrowCreated   = "EscrowCreated"
	EventEscrowFunded    = "EscrowFunded"
	EventEscrowCompleted = "EscrowCompleted"
	EventDisputeRaised   = "DisputeRaised"
	EventDisputeResolved = "DisputeResolved"
)

// Event is implemented by every payload the engine emits.
type Event interface {
	EventName() string
	EscrowID() [32]byte
	Attributes() map[string]string
}

// Emitter receives engine events in the order transitions are applied.
type Emitter interface {
	Emit(Event)
}

// NoopEmitter discards all events.
type NoopEmitter struct{}

func (NoopEmitter) Emit(Event) {}

type EscrowCreated struct {
	ID     [32]byte
	Buyer  [20]byte
	Seller [20]byte
	Amount *big.Int
}

func (EscrowCreated) EventName() string    { return EventEscrowCreated }
func (e EscrowCreated) EscrowID() [32]byte { return e.ID }

func (e EscrowCreated) Attributes() map[string]string {
	return map[string]string{
		"id":     idHex(e.ID),
		"buyer":  common.Address(e.Buyer).Hex(),
		"seller": common.Address(e.Seller).Hex(),
		"amount": formatAmount(e.Amount),
	}
}

type EscrowFunded struct {
	ID     [32]byte
	Amount *big.Int
}

func (EscrowFunded) EventName() string    { return EventEscrowFunded }
func (e EscrowFunded) EscrowID() [32]byte { return e.ID }

func (e EscrowFunded) Attributes() map[string]string {
	return map[string]string{"id": idHex(e.ID), "amount": formatAmount(e.Amount)}
}

// EscrowCompleted is emitted for buyer release, owner release and
// auto-release alike.
type EscrowCompleted struct {
	ID           [32]byte
	SellerAmount *big.Int
	Fee          *big.Int
}

func (EscrowCompleted) EventName() string    { return EventEscrowCompleted }
func (e EscrowCompleted) EscrowID() [32]byte { return e.ID }

func (e EscrowCompleted) Attributes() map[string]string {
	return map[string]string{
		"id":           idHex(e.ID),
		"sellerAmount": formatAmount(e.SellerAmount),
		"fee":          formatAmount(e.Fee),
	}
}

type DisputeRaised struct {
	ID       [32]byte
	RaisedBy [20]byte
}

func (DisputeRaised) EventName() string    { return EventDisputeRaised }
func (e DisputeRaised) EscrowID() [32]byte { return e.ID }

func (e DisputeRaised) Attributes() map[string]string {
	return map[string]string{"id": idHex(e.ID), "raisedBy": common.Address(e.RaisedBy).Hex()}
}

type DisputeResolved struct {
	ID           [32]byte
	BuyerAmount  *big.Int
	SellerAmount *big.Int
}

func (DisputeResolved) EventName() string    { return EventDisputeResolved }
func (e DisputeResolved) EscrowID() [32]byte { return e.ID }

func (e DisputeResolved) Attributes() map[string]string {
	return map[string]string{
		"id":           idHex(e.ID),
		"buyerAmount":  formatAmount(e.BuyerAmount),
		"sellerAmount": formatAmount(e.SellerAmount),
	}
}

func idHex(id [32]byte) string { return "0x" + hex.EncodeToString(id[:]) }

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
