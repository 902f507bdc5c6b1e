package escrow

import (
	"bytes"
	"math/big"
	"testing"
)

type recordingEmitter struct {
	events []Event
}

func (r *recordingEmitter) Emit(evt Event) { r.events = append(r.events, evt) }

func (r *recordingEmitter) last() Event {
	if len(r.events) == 0 {
		return nil
	}
	return r.events[len(r.events)-1]
}

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

func usdc(whole int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(whole), big.NewInt(1_000_000))
}

type engineFixture struct {
	engine   *Engine
	state    *MemState
	emitter  *recordingEmitter
	owner    [20]byte
	vault    [20]byte
	treasury [20]byte
	buyer    [20]byte
	seller   [20]byte
	now      int64
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	f := &engineFixture{
		state:    NewMemState(),
		emitter:  &recordingEmitter{},
		owner:    newTestAddress(0x01),
		vault:    newTestAddress(0x02),
		treasury: newTestAddress(0x03),
		buyer:    newTestAddress(0x10),
		seller:   newTestAddress(0x20),
		now:      1_700_000_000,
	}
	f.engine = NewEngine(f.owner, f.vault)
	f.engine.SetState(f.state)
	f.engine.SetFeeCollector(f.treasury)
	f.engine.SetEmitter(f.emitter)
	f.engine.SetNowFunc(func() int64 { return f.now })
	return f
}

func (f *engineFixture) balance(t *testing.T, addr [20]byte) *big.Int {
	t.Helper()
	bal, err := f.state.Balance(addr)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return bal
}

func (f *engineFixture) funded(t *testing.T, amount *big.Int) [32]byte {
	t.Helper()
	esc, err := f.engine.Create(f.owner, f.buyer, f.seller, amount)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	f.state.Mint(f.buyer, amount)
	if err := f.engine.Approve(f.buyer, amount); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := f.engine.Fund(esc.ID, f.buyer); err != nil {
		t.Fatalf("fund: %v", err)
	}
	return esc.ID
}

func TestCreateRequiresOwner(t *testing.T) {
	f := newEngineFixture(t)
	if _, err := f.engine.Create(f.buyer, f.buyer, f.seller, usdc(10)); !IsRevert(err) {
		t.Fatalf("expected revert for non-owner create, got %v", err)
	}
	if _, err := f.engine.Create(f.owner, f.buyer, f.seller, big.NewInt(0)); !IsRevert(err) {
		t.Fatalf("expected revert for zero amount, got %v", err)
	}
	if _, err := f.engine.Create(f.owner, f.buyer, f.buyer, usdc(1)); !IsRevert(err) {
		t.Fatalf("expected revert for identical parties, got %v", err)
	}
}

func TestCreateAssignsDistinctIDs(t *testing.T) {
	f := newEngineFixture(t)
	first, err := f.engine.Create(f.owner, f.buyer, f.seller, usdc(10))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := f.engine.Create(f.owner, f.buyer, f.seller, usdc(10))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if first.ID == second.ID {
		t.Fatalf("expected distinct ids for identical terms")
	}
	if first.Status != StatusCreated {
		t.Fatalf("unexpected status %s", first.Status)
	}
	created, ok := f.emitter.last().(EscrowCreated)
	if !ok || created.ID != second.ID {
		t.Fatalf("expected EscrowCreated for second escrow, got %#v", f.emitter.last())
	}
}

func TestFundMovesAmountIntoVault(t *testing.T) {
	f := newEngineFixture(t)
	amount := usdc(100)
	id := f.funded(t, amount)

	esc, err := f.engine.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if esc.Status != StatusFunded {
		t.Fatalf("expected funded, got %s", esc.Status)
	}
	if esc.FundedAt != f.now || esc.AutoReleaseAt != f.now+AutoReleaseGrace {
		t.Fatalf("unexpected timestamps funded=%d auto=%d", esc.FundedAt, esc.AutoReleaseAt)
	}
	if got := f.balance(t, f.vault); got.Cmp(amount) != 0 {
		t.Fatalf("vault balance %s, want %s", got, amount)
	}
	if got := f.balance(t, f.buyer); got.Sign() != 0 {
		t.Fatalf("buyer balance %s, want 0", got)
	}
	if _, ok := f.emitter.last().(EscrowFunded); !ok {
		t.Fatalf("expected EscrowFunded event, got %#v", f.emitter.last())
	}
}

func TestFundTwiceTransfersOnce(t *testing.T) {
	f := newEngineFixture(t)
	amount := usdc(50)
	id := f.funded(t, amount)
	f.state.Mint(f.buyer, amount)
	if err := f.engine.Approve(f.buyer, amount); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := f.engine.Fund(id, f.buyer); !IsRevert(err) {
		t.Fatalf("expected revert on second fund, got %v", err)
	}
	if got := f.balance(t, f.vault); got.Cmp(amount) != 0 {
		t.Fatalf("vault balance %s, want %s", got, amount)
	}
}

func TestFundRejectsNonBuyerAndMissingAllowance(t *testing.T) {
	f := newEngineFixture(t)
	esc, err := f.engine.Create(f.owner, f.buyer, f.seller, usdc(5))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.engine.Fund(esc.ID, f.seller); !IsRevert(err) {
		t.Fatalf("expected revert for seller fund, got %v", err)
	}
	f.state.Mint(f.buyer, usdc(5))
	if err := f.engine.Fund(esc.ID, f.buyer); !IsRevert(err) {
		t.Fatalf("expected revert without allowance, got %v", err)
	}
}

func TestReleaseSplitsFee(t *testing.T) {
	cases := []struct {
		name   string
		amount *big.Int
		seller int64
		fee    int64
	}{
		{"hundred", usdc(100), 99_500_000, 500_000},
		{"fractional", big.NewInt(33_330_000), 33_163_350, 166_650},
		{"tiny", big.NewInt(199), 199, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newEngineFixture(t)
			id := f.funded(t, tc.amount)
			if err := f.engine.Release(id, f.buyer); err != nil {
				t.Fatalf("release: %v", err)
			}
			if got := f.balance(t, f.seller); got.Cmp(big.NewInt(tc.seller)) != 0 {
				t.Fatalf("seller balance %s, want %d", got, tc.seller)
			}
			if got := f.balance(t, f.treasury); got.Cmp(big.NewInt(tc.fee)) != 0 {
				t.Fatalf("treasury balance %s, want %d", got, tc.fee)
			}
			if got := f.balance(t, f.vault); got.Sign() != 0 {
				t.Fatalf("vault not drained: %s", got)
			}
		})
	}
}

func TestReleaseRequiresBuyer(t *testing.T) {
	f := newEngineFixture(t)
	id := f.funded(t, usdc(10))
	if err := f.engine.Release(id, f.seller); !IsRevert(err) {
		t.Fatalf("expected revert for seller release, got %v", err)
	}
	if err := f.engine.OwnerRelease(id, f.buyer); !IsRevert(err) {
		t.Fatalf("expected revert for non-owner owner release, got %v", err)
	}
	if err := f.engine.OwnerRelease(id, f.owner); err != nil {
		t.Fatalf("owner release: %v", err)
	}
	if err := f.engine.OwnerRelease(id, f.owner); !IsRevert(err) {
		t.Fatalf("expected revert releasing completed escrow, got %v", err)
	}
}

func TestDisputeBlocksRelease(t *testing.T) {
	f := newEngineFixture(t)
	id := f.funded(t, usdc(10))
	if err := f.engine.RaiseDispute(id, newTestAddress(0x99)); !IsRevert(err) {
		t.Fatalf("expected revert for stranger dispute, got %v", err)
	}
	if err := f.engine.RaiseDispute(id, f.seller); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if err := f.engine.RaiseDispute(id, f.buyer); !IsRevert(err) {
		t.Fatalf("expected revert for second dispute, got %v", err)
	}
	if err := f.engine.Release(id, f.buyer); !IsRevert(err) {
		t.Fatalf("expected revert releasing disputed escrow, got %v", err)
	}
	f.now += AutoReleaseGrace + 1
	if err := f.engine.AutoRelease(id); !IsRevert(err) {
		t.Fatalf("expected revert auto-releasing disputed escrow, got %v", err)
	}
}

func TestDisputeRequiresFunding(t *testing.T) {
	f := newEngineFixture(t)
	esc, err := f.engine.Create(f.owner, f.buyer, f.seller, usdc(10))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.engine.RaiseDispute(esc.ID, f.buyer); !IsRevert(err) {
		t.Fatalf("expected revert disputing unfunded escrow, got %v", err)
	}
}

func TestResolveDisputeSplits(t *testing.T) {
	f := newEngineFixture(t)
	id := f.funded(t, usdc(100))
	if err := f.engine.RaiseDispute(id, f.buyer); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if err := f.engine.ResolveDispute(id, f.buyer, 30); !IsRevert(err) {
		t.Fatalf("expected revert for non-owner resolve, got %v", err)
	}
	if err := f.engine.ResolveDispute(id, f.owner, 101); !IsRevert(err) {
		t.Fatalf("expected revert for out of range pct, got %v", err)
	}
	if err := f.engine.ResolveDispute(id, f.owner, 30); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got := f.balance(t, f.buyer); got.Cmp(usdc(30)) != 0 {
		t.Fatalf("buyer balance %s", got)
	}
	if got := f.balance(t, f.seller); got.Cmp(usdc(70)) != 0 {
		t.Fatalf("seller balance %s", got)
	}
	esc, _ := f.engine.Get(id)
	if esc.Status != StatusCompleted || !esc.Disputed {
		t.Fatalf("unexpected final state %s disputed=%v", esc.Status, esc.Disputed)
	}
	resolved, ok := f.emitter.last().(DisputeResolved)
	if !ok || resolved.BuyerAmount.Cmp(usdc(30)) != 0 {
		t.Fatalf("unexpected resolved event %#v", f.emitter.last())
	}
}

func TestAutoReleaseBoundary(t *testing.T) {
	f := newEngineFixture(t)
	id := f.funded(t, usdc(20))
	f.now += AutoReleaseGrace - 1
	if err := f.engine.AutoRelease(id); !IsRevert(err) {
		t.Fatalf("expected revert one second before deadline, got %v", err)
	}
	f.now++
	if err := f.engine.AutoRelease(id); err != nil {
		t.Fatalf("auto release at deadline: %v", err)
	}
	seller, _ := ReleaseSplit(usdc(20))
	if got := f.balance(t, f.seller); got.Cmp(seller) != 0 {
		t.Fatalf("seller balance %s, want %s", got, seller)
	}
}

func TestReleaseWithoutFeeCollector(t *testing.T) {
	f := newEngineFixture(t)
	id := f.funded(t, usdc(1))
	f.engine.SetFeeCollector([20]byte{})
	if err := f.engine.Release(id, f.buyer); err != errNilTreasury {
		t.Fatalf("expected treasury error, got %v", err)
	}
}
