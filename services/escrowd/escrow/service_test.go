package escrow_test

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	nativeescrow "proofpay/native/escrow"
	"proofpay/services/escrowd/chain"
	"proofpay/services/escrowd/escrow"
	"proofpay/services/escrowd/evidence"
	"proofpay/services/escrowd/identity"
	"proofpay/services/escrowd/ledger"
	"proofpay/services/escrowd/models"
	"proofpay/services/escrowd/notify"
)

const (
	buyerID    = "+15550000001"
	sellerID   = "+15550000002"
	operatorID = "+15550009999"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type sentNote struct {
	to   string
	kind notify.Kind
	data map[string]string
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentNote
	err  error
}

func (r *recordingNotifier) Notify(_ context.Context, to string, kind notify.Kind, data map[string]string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sentNote{to: to, kind: kind, data: data})
	if r.err != nil {
		return "", r.err
	}
	return fmt.Sprintf("note-%d", len(r.sent)), nil
}

func (r *recordingNotifier) find(to string, kind notify.Kind) (sentNote, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.sent {
		if n.to == to && n.kind == kind {
			return n, true
		}
	}
	return sentNote{}, false
}

type harness struct {
	svc      *escrow.Service
	store    *ledger.Store
	adapter  *chain.NativeAdapter
	chain    chain.Adapter
	state    *nativeescrow.MemState
	notes    *recordingNotifier
	evidence *evidence.MemoryStore
	buyer    *chain.KeySigner
	seller   *chain.KeySigner
	treasury common.Address
	clock    *clock
}

func newSigner(t *testing.T) *chain.KeySigner {
	t.Helper()
	key, err := gethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return chain.NewKeySignerFromECDSA(key)
}

func openDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// newHarness wires the service to an in-process chain. wrap, when set, may
// decorate the adapter the service sees.
func newHarness(t *testing.T, wrap func(chain.Adapter) chain.Adapter) *harness {
	t.Helper()
	h := &harness{
		state:    nativeescrow.NewMemState(),
		notes:    &recordingNotifier{},
		evidence: evidence.NewMemoryStore(),
		buyer:    newSigner(t),
		seller:   newSigner(t),
		treasury: common.HexToAddress("0x0300000000000000000000000000000000000003"),
		clock:    &clock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)},
	}
	engine := nativeescrow.NewEngine(common.HexToAddress("0x0100000000000000000000000000000000000001"), common.HexToAddress("0x0200000000000000000000000000000000000002"))
	engine.SetState(h.state)
	engine.SetFeeCollector(h.treasury)
	h.adapter = chain.NewNativeAdapter(engine, chain.NativeConfig{Now: h.clock.Now})
	h.chain = h.adapter
	if wrap != nil {
		h.chain = wrap(h.adapter)
	}

	wallets, err := identity.NewStatic(map[string]string{
		buyerID:  h.buyer.Address().Hex(),
		sellerID: h.seller.Address().Hex(),
	})
	if err != nil {
		t.Fatalf("wallets: %v", err)
	}
	signers := chain.NewStaticSigners()
	signers.Add(buyerID, h.buyer)
	signers.Add(sellerID, h.seller)

	h.store = ledger.NewStore(openDB(t), h.clock.Now)
	h.svc, err = escrow.NewService(escrow.Config{
		Store:      h.store,
		Chain:      h.chain,
		Wallets:    wallets,
		Signers:    signers,
		Notifier:   h.notes,
		Evidence:   h.evidence,
		Authorizer: escrow.NewOperatorSet(operatorID),
		Now:        h.clock.Now,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return h
}

func (h *harness) balance(t *testing.T, addr common.Address) int64 {
	t.Helper()
	bal, err := h.state.Balance(addr)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return bal.Int64()
}

func (h *harness) create(t *testing.T, amount string) *models.Escrow {
	t.Helper()
	esc, err := h.svc.Create(context.Background(), escrow.CreateRequest{
		SellerIdentity: sellerID,
		BuyerIdentity:  buyerID,
		Amount:         amount,
		Description:    "widget",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return esc
}

func (h *harness) reload(t *testing.T, code string) *models.Escrow {
	t.Helper()
	esc, err := h.svc.Get(context.Background(), code)
	if err != nil {
		t.Fatalf("get %s: %v", code, err)
	}
	return esc
}

func TestScenarioCreateFundRelease(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.state.Mint(h.buyer.Address(), big.NewInt(50_000_000))

	esc := h.create(t, "50")
	if esc.Status != models.StatusCreated || esc.AutoReleaseAt != nil || esc.FundedAt != nil {
		t.Fatalf("unexpected created escrow: %+v", esc)
	}
	if len(esc.ShortCode) != 8 || esc.ShortCode[:2] != "BP" {
		t.Fatalf("unexpected short code %q", esc.ShortCode)
	}
	if _, ok := h.notes.find(sellerID, notify.KindEscrowCreated); !ok {
		t.Fatalf("seller was not told about the escrow")
	}
	if _, ok := h.notes.find(buyerID, notify.KindPaymentRequest); !ok {
		t.Fatalf("buyer was not asked to pay")
	}

	fundedAt := h.clock.Now()
	if _, err := h.svc.Fund(ctx, esc.ShortCode, buyerID); err != nil {
		t.Fatalf("fund: %v", err)
	}
	funded := h.reload(t, esc.ShortCode)
	if funded.Status != models.StatusFunded || funded.FundTxHash == "" {
		t.Fatalf("unexpected funded escrow: %+v", funded)
	}
	if funded.AutoReleaseAt == nil || !funded.AutoReleaseAt.Equal(fundedAt.Add(7*24*time.Hour)) {
		t.Fatalf("deadline = %v, want %v", funded.AutoReleaseAt, fundedAt.Add(7*24*time.Hour))
	}

	if _, err := h.svc.Release(ctx, esc.ShortCode, buyerID); err != nil {
		t.Fatalf("release: %v", err)
	}
	done := h.reload(t, esc.ShortCode)
	if done.Status != models.StatusCompleted || done.CompletedAt == nil || done.ReleaseTxHash == "" {
		t.Fatalf("unexpected completed escrow: %+v", done)
	}
	if got := h.balance(t, h.seller.Address()); got != 49_750_000 {
		t.Fatalf("seller received %d, want 49750000", got)
	}
	if got := h.balance(t, h.treasury); got != 250_000 {
		t.Fatalf("fee collector received %d, want 250000", got)
	}
	note, ok := h.notes.find(sellerID, notify.KindFundsReleased)
	if !ok || note.data["seller_amount"] != "49.75" || note.data["fee"] != "0.25" {
		t.Fatalf("unexpected release notification: %+v", note)
	}

	events, err := h.svc.History(ctx, esc.ShortCode)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 audit events, got %d", len(events))
	}
}

func TestFundTwiceTransfersOnce(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.state.Mint(h.buyer.Address(), big.NewInt(200_000_000))
	esc := h.create(t, "100")

	if _, err := h.svc.Fund(ctx, esc.ShortCode, buyerID); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if _, err := h.svc.Fund(ctx, esc.ShortCode, buyerID); !errors.Is(err, escrow.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on second fund, got %v", err)
	}
	if got := h.balance(t, h.buyer.Address()); got != 100_000_000 {
		t.Fatalf("buyer balance %d, want exactly one transfer", got)
	}
}

func TestOnlyBuyerMayFundOrRelease(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.state.Mint(h.buyer.Address(), big.NewInt(10_000_000))
	esc := h.create(t, "10")

	if _, err := h.svc.Fund(ctx, esc.ShortCode, sellerID); !errors.Is(err, escrow.ErrUnauthorized) {
		t.Fatalf("expected seller fund to be unauthorized, got %v", err)
	}
	if _, err := h.svc.Release(ctx, esc.ShortCode, sellerID); !errors.Is(err, escrow.ErrUnauthorized) {
		t.Fatalf("expected seller release on CREATED to be unauthorized, got %v", err)
	}
	if _, err := h.svc.Fund(ctx, esc.ShortCode, buyerID); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if _, err := h.svc.Release(ctx, esc.ShortCode, sellerID); !errors.Is(err, escrow.ErrUnauthorized) {
		t.Fatalf("expected seller release on FUNDED to be unauthorized, got %v", err)
	}
	if _, err := h.svc.Release(ctx, "BPNOPE00", buyerID); !errors.Is(err, escrow.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReleaseBeforeFundingIsInvalidState(t *testing.T) {
	h := newHarness(t, nil)
	esc := h.create(t, "10")
	if _, err := h.svc.Release(context.Background(), esc.ShortCode, buyerID); !errors.Is(err, escrow.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestDisputeOnUnfundedEscrowFails(t *testing.T) {
	h := newHarness(t, nil)
	esc := h.create(t, "10")
	_, err := h.svc.RaiseDispute(context.Background(), escrow.DisputeRequest{
		ShortCode: esc.ShortCode,
		Requester: buyerID,
		Reason:    "NOT_RECEIVED",
	})
	if !errors.Is(err, escrow.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestDisputeResolutionSplit(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.state.Mint(h.buyer.Address(), big.NewInt(100_000_000))
	esc := h.create(t, "100.00")
	if _, err := h.svc.Fund(ctx, esc.ShortCode, buyerID); err != nil {
		t.Fatalf("fund: %v", err)
	}

	if _, err := h.svc.RaiseDispute(ctx, escrow.DisputeRequest{ShortCode: esc.ShortCode, Requester: "+15550007777"}); !errors.Is(err, escrow.ErrUnauthorized) {
		t.Fatalf("expected stranger dispute to be unauthorized, got %v", err)
	}
	if _, err := h.svc.RaiseDispute(ctx, escrow.DisputeRequest{ShortCode: esc.ShortCode, Requester: sellerID, Reason: "bogus"}); !errors.Is(err, escrow.ErrValidation) {
		t.Fatalf("expected bad reason to fail validation, got %v", err)
	}
	dispute, err := h.svc.RaiseDispute(ctx, escrow.DisputeRequest{
		ShortCode:   esc.ShortCode,
		Requester:   sellerID,
		Reason:      "payment_issue",
		Description: "buyer claims non-delivery",
		Evidence: []escrow.EvidenceFile{
			{Filename: "tracking.png", Data: []byte("png")},
			{Filename: "empty.txt"},
		},
	})
	if err != nil {
		t.Fatalf("raise dispute: %v", err)
	}
	if dispute.Status != models.DisputeOpen || len(dispute.EvidenceURLs) != 1 {
		t.Fatalf("unexpected dispute: %+v", dispute)
	}
	disputed := h.reload(t, esc.ShortCode)
	if disputed.Status != models.StatusDisputed || !disputed.DisputeRaised || disputed.DisputeID == nil || *disputed.DisputeID != dispute.ID {
		t.Fatalf("unexpected disputed escrow: %+v", disputed)
	}
	if _, err := h.svc.Release(ctx, esc.ShortCode, buyerID); !errors.Is(err, escrow.ErrInvalidState) {
		t.Fatalf("expected release of disputed escrow to fail, got %v", err)
	}

	if _, err := h.svc.ResolveDispute(ctx, dispute.ID, 30, buyerID); !errors.Is(err, escrow.ErrUnauthorized) {
		t.Fatalf("expected non-operator resolve to be unauthorized, got %v", err)
	}
	if _, err := h.svc.ResolveDispute(ctx, dispute.ID, 101, operatorID); !errors.Is(err, escrow.ErrValidation) {
		t.Fatalf("expected out-of-range percentage to fail validation, got %v", err)
	}
	if _, err := h.svc.ResolveDispute(ctx, dispute.ID, 30, operatorID); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got := h.balance(t, h.buyer.Address()); got != 30_000_000 {
		t.Fatalf("buyer received %d, want 30000000", got)
	}
	if got := h.balance(t, h.seller.Address()); got != 70_000_000 {
		t.Fatalf("seller received %d, want 70000000", got)
	}
	if got := h.balance(t, h.treasury); got != 0 {
		t.Fatalf("dispute resolution charged a fee of %d", got)
	}
	resolved, err := h.svc.GetDispute(ctx, dispute.ID)
	if err != nil {
		t.Fatalf("get dispute: %v", err)
	}
	if resolved.Status != models.DisputeResolved || resolved.BuyerPercentage == nil || *resolved.BuyerPercentage != 30 {
		t.Fatalf("unexpected resolved dispute: %+v", resolved)
	}
	if h.reload(t, esc.ShortCode).Status != models.StatusCompleted {
		t.Fatalf("escrow not completed after resolution")
	}
	if _, err := h.svc.ResolveDispute(ctx, dispute.ID, 50, operatorID); !errors.Is(err, escrow.ErrInvalidState) {
		t.Fatalf("expected second resolve to fail with ErrInvalidState, got %v", err)
	}
	if _, err := h.svc.GetDispute(ctx, uuid.New()); !errors.Is(err, escrow.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAutoReleaseBoundary(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.state.Mint(h.buyer.Address(), big.NewInt(20_000_000))
	esc := h.create(t, "20")
	if _, err := h.svc.Fund(ctx, esc.ShortCode, buyerID); err != nil {
		t.Fatalf("fund: %v", err)
	}

	h.clock.Advance(7*24*time.Hour - time.Second)
	if _, err := h.svc.AutoRelease(ctx, esc.ShortCode); !errors.Is(err, escrow.ErrInvalidState) {
		t.Fatalf("expected auto release one second early to fail, got %v", err)
	}
	h.clock.Advance(time.Second)
	if _, err := h.svc.AutoRelease(ctx, esc.ShortCode); err != nil {
		t.Fatalf("auto release at deadline: %v", err)
	}
	if h.reload(t, esc.ShortCode).Status != models.StatusCompleted {
		t.Fatalf("escrow not completed")
	}
	if got := h.balance(t, h.seller.Address()); got != 19_900_000 {
		t.Fatalf("seller received %d, want 19900000", got)
	}
}

func TestApplyFundingAppliesOnce(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.state.Mint(h.buyer.Address(), big.NewInt(5_000_000))
	esc := h.create(t, "5")

	// The buyer pays from their own wallet without going through Fund.
	if _, err := h.adapter.SubmitFund(ctx, esc.OnChainID, big.NewInt(5_000_000), h.buyer); err != nil {
		t.Fatalf("direct fund: %v", err)
	}
	if h.reload(t, esc.ShortCode).Status != models.StatusCreated {
		t.Fatalf("ledger should still be CREATED")
	}
	events, err := h.adapter.QueryFundedEvents(ctx, []string{esc.OnChainID})
	if err != nil || len(events) != 1 {
		t.Fatalf("query events: %+v err=%v", events, err)
	}
	if err := h.svc.ApplyFunding(ctx, esc.ShortCode, events[0]); err != nil {
		t.Fatalf("apply funding: %v", err)
	}
	if err := h.svc.ApplyFunding(ctx, esc.ShortCode, events[0]); !errors.Is(err, escrow.ErrInvalidState) {
		t.Fatalf("expected second apply to fail with ErrInvalidState, got %v", err)
	}
	funded := h.reload(t, esc.ShortCode)
	if funded.Status != models.StatusFunded || funded.FundTxHash != events[0].TxHash || funded.AutoReleaseAt == nil {
		t.Fatalf("unexpected reconciled escrow: %+v", funded)
	}
}

func TestRejectedTransitionResyncsLedger(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.state.Mint(h.buyer.Address(), big.NewInt(5_000_000))
	esc := h.create(t, "5")
	if _, err := h.adapter.SubmitFund(ctx, esc.OnChainID, big.NewInt(5_000_000), h.buyer); err != nil {
		t.Fatalf("direct fund: %v", err)
	}

	_, err := h.svc.Fund(ctx, esc.ShortCode, buyerID)
	if !errors.Is(err, escrow.ErrInvalidState) || !errors.Is(err, chain.ErrInvalidTransition) {
		t.Fatalf("expected invalid state wrapping the chain rejection, got %v", err)
	}
	synced := h.reload(t, esc.ShortCode)
	if synced.Status != models.StatusFunded || synced.FundedAt == nil {
		t.Fatalf("ledger not resynced from chain: %+v", synced)
	}
}

type unknownFundAdapter struct {
	chain.Adapter
}

func (unknownFundAdapter) SubmitFund(context.Context, string, *big.Int, chain.Signer) (string, error) {
	return "", &chain.ChainError{Op: chain.OpFund, TxHash: "0xfeed", Unknown: true, Err: context.DeadlineExceeded}
}

func TestUnknownFundingOutcomeKeepsCreated(t *testing.T) {
	h := newHarness(t, func(a chain.Adapter) chain.Adapter { return unknownFundAdapter{Adapter: a} })
	esc := h.create(t, "5")

	_, err := h.svc.Fund(context.Background(), esc.ShortCode, buyerID)
	if !chain.IsUnknownOutcome(err) {
		t.Fatalf("expected unknown outcome, got %v", err)
	}
	pending := h.reload(t, esc.ShortCode)
	if pending.Status != models.StatusCreated || pending.FundTxHash != "0xfeed" || pending.FundedAt != nil {
		t.Fatalf("unexpected pending escrow: %+v", pending)
	}
}

func TestCreateValidation(t *testing.T) {
	h := newHarness(t, nil)
	cases := []struct {
		name string
		req  escrow.CreateRequest
	}{
		{"zero amount", escrow.CreateRequest{SellerIdentity: sellerID, BuyerIdentity: buyerID, Amount: "0", Description: "x"}},
		{"too precise", escrow.CreateRequest{SellerIdentity: sellerID, BuyerIdentity: buyerID, Amount: "1.0000001", Description: "x"}},
		{"missing description", escrow.CreateRequest{SellerIdentity: sellerID, BuyerIdentity: buyerID, Amount: "1"}},
		{"same party", escrow.CreateRequest{SellerIdentity: buyerID, BuyerIdentity: buyerID, Amount: "1", Description: "x"}},
		{"unprovisioned buyer", escrow.CreateRequest{SellerIdentity: sellerID, BuyerIdentity: "+15550004444", Amount: "1", Description: "x"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := h.svc.Create(context.Background(), tc.req); !errors.Is(err, escrow.ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestNotificationFailureDoesNotRollBack(t *testing.T) {
	h := newHarness(t, nil)
	h.notes.err = errors.New("bridge down")
	ctx := context.Background()
	h.state.Mint(h.buyer.Address(), big.NewInt(1_000_000))
	esc := h.create(t, "1")
	if _, err := h.svc.Fund(ctx, esc.ShortCode, buyerID); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if h.reload(t, esc.ShortCode).Status != models.StatusFunded {
		t.Fatalf("funding rolled back by notification failure")
	}
}

func TestListForIdentity(t *testing.T) {
	h := newHarness(t, nil)
	first := h.create(t, "1")
	h.clock.Advance(time.Minute)
	second := h.create(t, "2")

	rows, err := h.svc.ListForIdentity(context.Background(), " "+sellerID, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 2 || rows[0].ShortCode != second.ShortCode || rows[1].ShortCode != first.ShortCode {
		t.Fatalf("unexpected listing: %+v", rows)
	}
	if _, err := h.svc.ListForIdentity(context.Background(), "", 10); !errors.Is(err, escrow.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestChainDisputeIsMirroredAndResolvable(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.state.Mint(h.buyer.Address(), big.NewInt(10_000_000))
	esc := h.create(t, "10")
	if _, err := h.svc.Fund(ctx, esc.ShortCode, buyerID); err != nil {
		t.Fatalf("fund: %v", err)
	}
	// The buyer disputes from their own wallet; the ledger never hears of it.
	if _, err := h.adapter.SubmitDispute(ctx, esc.OnChainID, h.buyer); err != nil {
		t.Fatalf("direct dispute: %v", err)
	}

	if _, err := h.svc.Release(ctx, esc.ShortCode, buyerID); !errors.Is(err, escrow.ErrInvalidState) {
		t.Fatalf("expected release to be rejected, got %v", err)
	}
	mirrored := h.reload(t, esc.ShortCode)
	if mirrored.Status != models.StatusDisputed || !mirrored.DisputeRaised || mirrored.DisputeID == nil {
		t.Fatalf("dispute not mirrored: %+v", mirrored)
	}
	dispute, err := h.svc.GetDispute(ctx, *mirrored.DisputeID)
	if err != nil {
		t.Fatalf("get mirrored dispute: %v", err)
	}
	if dispute.Status != models.DisputeOpen || dispute.Reason != models.ReasonOther {
		t.Fatalf("unexpected mirrored dispute: %+v", dispute)
	}

	if _, err := h.svc.ResolveDispute(ctx, dispute.ID, 30, operatorID); err != nil {
		t.Fatalf("resolve mirrored dispute: %v", err)
	}
	if got := h.balance(t, h.buyer.Address()); got != 3_000_000 {
		t.Fatalf("buyer received %d, want 3000000", got)
	}
	if got := h.balance(t, h.seller.Address()); got != 7_000_000 {
		t.Fatalf("seller received %d, want 7000000", got)
	}
}

func TestResyncCreatesMissingDispute(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.state.Mint(h.buyer.Address(), big.NewInt(2_000_000))
	esc := h.create(t, "2")
	if _, err := h.svc.Fund(ctx, esc.ShortCode, buyerID); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if _, err := h.adapter.SubmitDispute(ctx, esc.OnChainID, h.seller); err != nil {
		t.Fatalf("direct dispute: %v", err)
	}
	synced, err := h.svc.Resync(ctx, esc.ShortCode)
	if err != nil {
		t.Fatalf("resync: %v", err)
	}
	if synced.Status != models.StatusDisputed || synced.DisputeID == nil {
		t.Fatalf("resync left no dispute: %+v", synced)
	}
	again, err := h.svc.Resync(ctx, esc.ShortCode)
	if err != nil {
		t.Fatalf("second resync: %v", err)
	}
	if again.DisputeID == nil || *again.DisputeID != *synced.DisputeID {
		t.Fatalf("second resync replaced the dispute: %+v", again)
	}
}

type countingUnknownFund struct {
	chain.Adapter
	op    string
	calls *int
}

func (a countingUnknownFund) SubmitFund(context.Context, string, *big.Int, chain.Signer) (string, error) {
	*a.calls++
	return "", &chain.ChainError{Op: a.op, TxHash: fmt.Sprintf("0x%s%d", a.op, *a.calls), Unknown: true, Err: context.DeadlineExceeded}
}

func TestUnknownApproveIsNotRecordedAsFunding(t *testing.T) {
	calls := 0
	h := newHarness(t, func(a chain.Adapter) chain.Adapter {
		return countingUnknownFund{Adapter: a, op: chain.OpApprove, calls: &calls}
	})
	esc := h.create(t, "5")
	if _, err := h.svc.Fund(context.Background(), esc.ShortCode, buyerID); !chain.IsUnknownOutcome(err) {
		t.Fatalf("expected unknown outcome, got %v", err)
	}
	stored := h.reload(t, esc.ShortCode)
	if stored.FundTxHash != "" || stored.FundPendingAt != nil {
		t.Fatalf("approve tx recorded as funding: %+v", stored)
	}
	events, err := h.store.Events(context.Background(), esc.ShortCode)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	for _, evt := range events {
		if evt.Action == "escrow.fund_pending" {
			t.Fatalf("unexpected fund_pending event for approve timeout")
		}
	}
}

func TestPendingFundingBlocksResubmission(t *testing.T) {
	calls := 0
	h := newHarness(t, func(a chain.Adapter) chain.Adapter {
		return countingUnknownFund{Adapter: a, op: chain.OpFund, calls: &calls}
	})
	ctx := context.Background()
	esc := h.create(t, "5")
	if _, err := h.svc.Fund(ctx, esc.ShortCode, buyerID); !chain.IsUnknownOutcome(err) {
		t.Fatalf("expected unknown outcome, got %v", err)
	}
	if _, err := h.svc.Fund(ctx, esc.ShortCode, buyerID); !errors.Is(err, escrow.ErrInvalidState) {
		t.Fatalf("expected pending funding to block a retry, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("fund submitted %d times while pending", calls)
	}

	h.clock.Advance(escrow.PendingFundWindow)
	if _, err := h.svc.Fund(ctx, esc.ShortCode, buyerID); !chain.IsUnknownOutcome(err) {
		t.Fatalf("expected a retry after the pending window, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected a second submission after the window, got %d", calls)
	}
}

type unknownCreateAdapter struct{ chain.Adapter }

func (unknownCreateAdapter) SubmitCreate(context.Context, common.Address, common.Address, *big.Int) (string, string, error) {
	return "", "", &chain.ChainError{Op: chain.OpCreate, TxHash: "0xc0ffee", Unknown: true, Err: context.DeadlineExceeded}
}

func TestUnknownCreateOutcomeReportsTxHash(t *testing.T) {
	h := newHarness(t, func(a chain.Adapter) chain.Adapter { return unknownCreateAdapter{a} })
	ctx := context.Background()
	_, err := h.svc.Create(ctx, escrow.CreateRequest{
		SellerIdentity: sellerID,
		BuyerIdentity:  buyerID,
		Amount:         "5",
		Description:    "bike",
	})
	if !chain.IsUnknownOutcome(err) {
		t.Fatalf("expected unknown outcome, got %v", err)
	}
	if !strings.Contains(err.Error(), "0xc0ffee") {
		t.Fatalf("error %q does not carry the broadcast tx hash", err)
	}
	rows, err := h.svc.ListForIdentity(ctx, buyerID, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("unconfirmed create recorded %d ledger rows", len(rows))
	}
}
