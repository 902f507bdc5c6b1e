package escrow

import (
	"math/big"
	"testing"
)

func TestLevelStateSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	state, err := OpenLevelState(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	buyer := [20]byte{1}
	seller := [20]byte{2}
	if err := state.Mint(buyer, big.NewInt(500)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := state.SetAllowance(buyer, [20]byte{9}, big.NewInt(70)); err != nil {
		t.Fatalf("allowance: %v", err)
	}
	n1, _ := state.NextNonce()
	n2, _ := state.NextNonce()
	if n1 != 1 || n2 != 2 {
		t.Fatalf("nonces %d,%d", n1, n2)
	}
	esc := &Escrow{ID: [32]byte{7}, Buyer: buyer, Seller: seller, Amount: big.NewInt(70), Status: StatusFunded, CreatedAt: 100, FundedAt: 200, AutoReleaseAt: 300}
	if err := state.EscrowPut(esc); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := state.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := OpenLevelState(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	got, ok := reopened.EscrowGet(esc.ID)
	if !ok {
		t.Fatalf("escrow lost across reopen")
	}
	if got.Status != StatusFunded || got.Amount.Int64() != 70 || got.AutoReleaseAt != 300 || got.Buyer != buyer {
		t.Fatalf("unexpected escrow %+v", got)
	}
	bal, _ := reopened.Balance(buyer)
	if bal.Int64() != 500 {
		t.Fatalf("balance = %s", bal)
	}
	alw, _ := reopened.Allowance(buyer, [20]byte{9})
	if alw.Int64() != 70 {
		t.Fatalf("allowance = %s", alw)
	}
	if n, _ := reopened.NextNonce(); n != 3 {
		t.Fatalf("nonce after reopen = %d", n)
	}
	if _, ok := reopened.EscrowGet([32]byte{8}); ok {
		t.Fatalf("unexpected escrow for unknown id")
	}
}
