package escrow

import (
	"fmt"
	"math/big"
)

var bpsDenominator = big.NewInt(10_000)

// ReleaseSplit returns the seller payout and platform fee for a release of
// amount. The fee is floored to the smallest unit so the seller absorbs no
// rounding loss.
func ReleaseSplit(amount *big.Int) (seller, fee *big.Int) {
	total := cloneBigInt(amount)
	fee = new(big.Int).Mul(total, big.NewInt(FeeBps))
	fee.Div(fee, bpsDenominator)
	seller = new(big.Int).Sub(total, fee)
	return seller, fee
}

// DisputeSplit divides a disputed amount between buyer and seller. The buyer
// share is floored; the seller receives the remainder so the parts always sum
// to amount. No fee is charged on dispute resolution.
func DisputeSplit(amount *big.Int, buyerPct uint8) (buyer, seller *big.Int, err error) {
	if buyerPct > 100 {
		return nil, nil, fmt.Errorf("escrow: buyer percentage %d out of range", buyerPct)
	}
	total := cloneBigInt(amount)
	buyer = new(big.Int).Mul(total, big.NewInt(int64(buyerPct)))
	buyer.Div(buyer, big.NewInt(100))
	seller = new(big.Int).Sub(total, buyer)
	return buyer, seller, nil
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
