package chain

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"proofpay/native/escrow"
)

var (
	// ErrUnknownEvent is returned for logs whose topic0 is not part of the
	// escrow contract schema.
	ErrUnknownEvent = errors.New("chain: unknown event")
	// ErrMalformedEvent is returned when a known event's topics or data do not
	// match its schema.
	ErrMalformedEvent = errors.New("chain: malformed event")
)

// Decoder turns raw contract logs into the typed escrow events. Each event
// name has a fixed schema; anything else is rejected.
type Decoder struct {
	byTopic map[common.Hash]abi.Event
}

func NewDecoder() *Decoder {
	d := &Decoder{byTopic: make(map[common.Hash]abi.Event, len(escrowABI.Events))}
	for _, ev := range escrowABI.Events {
		d.byTopic[ev.ID] = ev
	}
	return d
}

// Topic returns topic0 for the named event.
func Topic(name string) common.Hash {
	return escrowABI.Events[name].ID
}

// Decode parses log into one of the escrow event types.
func (d *Decoder) Decode(log gethtypes.Log) (escrow.Event, error) {
	if len(log.Topics) == 0 {
		return nil, fmt.Errorf("%w: log without topics", ErrUnknownEvent)
	}
	ev, ok := d.byTopic[log.Topics[0]]
	if !ok {
		return nil, fmt.Errorf("%w: topic %s", ErrUnknownEvent, log.Topics[0].Hex())
	}
	indexed := 0
	for _, input := range ev.Inputs {
		if input.Indexed {
			indexed++
		}
	}
	if len(log.Topics) != indexed+1 {
		return nil, fmt.Errorf("%w: %s expects %d topics, got %d", ErrMalformedEvent, ev.Name, indexed+1, len(log.Topics))
	}
	values, err := ev.Inputs.NonIndexed().Unpack(log.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s data: %v", ErrMalformedEvent, ev.Name, err)
	}
	id := [32]byte(log.Topics[1])
	switch ev.Name {
	case escrow.EventEscrowCreated:
		amount, err := bigAt(values, 0, ev.Name)
		if err != nil {
			return nil, err
		}
		return escrow.EscrowCreated{
			ID:     id,
			Buyer:  common.BytesToAddress(log.Topics[2].Bytes()),
			Seller: common.BytesToAddress(log.Topics[3].Bytes()),
			Amount: amount,
		}, nil
	case escrow.EventEscrowFunded:
		amount, err := bigAt(values, 0, ev.Name)
		if err != nil {
			return nil, err
		}
		return escrow.EscrowFunded{ID: id, Amount: amount}, nil
	case escrow.EventEscrowCompleted:
		seller, err := bigAt(values, 0, ev.Name)
		if err != nil {
			return nil, err
		}
		fee, err := bigAt(values, 1, ev.Name)
		if err != nil {
			return nil, err
		}
		return escrow.EscrowCompleted{ID: id, SellerAmount: seller, Fee: fee}, nil
	case escrow.EventDisputeRaised:
		return escrow.DisputeRaised{ID: id, RaisedBy: common.BytesToAddress(log.Topics[2].Bytes())}, nil
	case escrow.EventDisputeResolved:
		buyer, err := bigAt(values, 0, ev.Name)
		if err != nil {
			return nil, err
		}
		seller, err := bigAt(values, 1, ev.Name)
		if err != nil {
			return nil, err
		}
		return escrow.DisputeResolved{ID: id, BuyerAmount: buyer, SellerAmount: seller}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, ev.Name)
	}
}

func bigAt(values []interface{}, idx int, name string) (*big.Int, error) {
	if idx >= len(values) {
		return nil, fmt.Errorf("%w: %s missing field %d", ErrMalformedEvent, name, idx)
	}
	v, ok := values[idx].(*big.Int)
	if !ok || v == nil {
		return nil, fmt.Errorf("%w: %s field %d is not uint256", ErrMalformedEvent, name, idx)
	}
	return new(big.Int).Set(v), nil
}
