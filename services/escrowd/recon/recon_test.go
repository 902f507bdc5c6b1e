package recon

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
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
	"proofpay/services/escrowd/identity"
	"proofpay/services/escrowd/ledger"
	"proofpay/services/escrowd/models"
	"proofpay/services/escrowd/notify"
)

const (
	buyerID  = "+15550000001"
	sellerID = "+15550000002"
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

type reminderLog struct {
	mu   sync.Mutex
	sent []map[string]string
}

func (r *reminderLog) Notify(_ context.Context, to string, kind notify.Kind, data map[string]string) (string, error) {
	if kind != notify.KindDeliveryReminder {
		return "", nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := map[string]string{"to": to}
	for k, v := range data {
		copied[k] = v
	}
	r.sent = append(r.sent, copied)
	return "ok", nil
}

func (r *reminderLog) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

type fixture struct {
	svc     *escrow.Service
	store   *ledger.Store
	adapter *chain.NativeAdapter
	state   *nativeescrow.MemState
	buyer   *chain.KeySigner
	seller  *chain.KeySigner
	clock   *clock
	notes   *reminderLog
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		state: nativeescrow.NewMemState(),
		clock: &clock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)},
		notes: &reminderLog{},
	}
	f.buyer = newSigner(t)
	f.seller = newSigner(t)
	engine := nativeescrow.NewEngine(common.HexToAddress("0x0100000000000000000000000000000000000001"), common.HexToAddress("0x0200000000000000000000000000000000000002"))
	engine.SetState(f.state)
	engine.SetFeeCollector(common.HexToAddress("0x0300000000000000000000000000000000000003"))
	f.adapter = chain.NewNativeAdapter(engine, chain.NativeConfig{Now: f.clock.Now})

	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	f.store = ledger.NewStore(db, f.clock.Now)

	wallets, err := identity.NewStatic(map[string]string{
		buyerID:  f.buyer.Address().Hex(),
		sellerID: f.seller.Address().Hex(),
	})
	if err != nil {
		t.Fatalf("wallets: %v", err)
	}
	signers := chain.NewStaticSigners()
	signers.Add(buyerID, f.buyer)
	signers.Add(sellerID, f.seller)
	f.svc, err = escrow.NewService(escrow.Config{
		Store:    f.store,
		Chain:    f.adapter,
		Wallets:  wallets,
		Signers:  signers,
		Notifier: f.notes,
		Now:      f.clock.Now,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return f
}

func newSigner(t *testing.T) *chain.KeySigner {
	t.Helper()
	key, err := gethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return chain.NewKeySignerFromECDSA(key)
}

func (f *fixture) reconciler(t *testing.T, mutate func(*Config)) *Reconciler {
	t.Helper()
	cfg := Config{
		Settler:  f.svc,
		Store:    f.store,
		Chain:    f.adapter,
		Notifier: f.notes,
		Now:      f.clock.Now,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	r, err := NewReconciler(cfg)
	if err != nil {
		t.Fatalf("new reconciler: %v", err)
	}
	return r
}

func (f *fixture) create(t *testing.T, amount string) *models.Escrow {
	t.Helper()
	esc, err := f.svc.Create(context.Background(), escrow.CreateRequest{
		SellerIdentity: sellerID,
		BuyerIdentity:  buyerID,
		Amount:         amount,
		Description:    "bicycle",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return esc
}

// fundOnChainOnly funds the escrow on chain without telling the ledger, the
// way a crash between confirmation and commit would leave it.
func (f *fixture) fundOnChainOnly(t *testing.T, esc *models.Escrow) {
	t.Helper()
	amount, ok := new(big.Int).SetString(esc.Amount, 10)
	if !ok {
		t.Fatalf("bad stored amount %q", esc.Amount)
	}
	f.state.Mint(f.buyer.Address(), amount)
	if _, err := f.adapter.SubmitFund(context.Background(), esc.OnChainID, amount, f.buyer); err != nil {
		t.Fatalf("fund on chain: %v", err)
	}
}

func (f *fixture) fund(t *testing.T, esc *models.Escrow) {
	t.Helper()
	amount, _ := new(big.Int).SetString(esc.Amount, 10)
	f.state.Mint(f.buyer.Address(), amount)
	if _, err := f.svc.Fund(context.Background(), esc.ShortCode, buyerID); err != nil {
		t.Fatalf("fund: %v", err)
	}
}

func (f *fixture) status(t *testing.T, code string) models.EscrowStatus {
	t.Helper()
	esc, err := f.store.Get(context.Background(), code)
	if err != nil {
		t.Fatalf("get %s: %v", code, err)
	}
	return esc.Status
}

func TestReconcileFundingAppliesExactlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lost := f.create(t, "12.5")
	untouched := f.create(t, "3")
	f.fundOnChainOnly(t, lost)

	r := f.reconciler(t, nil)
	res, err := r.ReconcileFunding(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.Processed != 1 || res.Failed != 0 {
		t.Fatalf("unexpected first run result: %+v", res)
	}
	if got := f.status(t, lost.ShortCode); got != models.StatusFunded {
		t.Fatalf("lost escrow status = %s, want FUNDED", got)
	}
	if got := f.status(t, untouched.ShortCode); got != models.StatusCreated {
		t.Fatalf("unfunded escrow status = %s, want CREATED", got)
	}

	res, err = r.ReconcileFunding(ctx)
	if err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	if res.Processed != 0 {
		t.Fatalf("second run processed %d, want 0", res.Processed)
	}
	events, err := f.store.Events(ctx, lost.ShortCode)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	funded := 0
	for _, evt := range events {
		if evt.Action == "escrow.funded" {
			funded++
		}
	}
	if funded != 1 {
		t.Fatalf("funding recorded %d times", funded)
	}
}

func TestReconcileFundingScansPastBatchLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		f.create(t, "1")
		f.clock.Advance(time.Minute)
	}
	late := f.create(t, "4")
	f.fundOnChainOnly(t, late)

	r := f.reconciler(t, func(cfg *Config) { cfg.BatchLimit = 2 })
	res, err := r.ReconcileFunding(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.Processed != 1 || res.Failed != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if got := f.status(t, late.ShortCode); got != models.StatusFunded {
		t.Fatalf("escrow beyond the first page is %s, want FUNDED", got)
	}
}

func TestReconcileFundingNoopWithoutPendingEscrows(t *testing.T) {
	f := newFixture(t)
	res, err := f.reconciler(t, nil).ReconcileFunding(context.Background())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.Processed+res.Failed+res.Skipped != 0 {
		t.Fatalf("expected empty result, got %+v", res)
	}
}

type flakySettler struct {
	Settler
	failFor string
}

func (s flakySettler) ApplyFunding(ctx context.Context, code string, evt chain.FundedEvent) error {
	if code == s.failFor {
		return errors.New("ledger unavailable")
	}
	return s.Settler.ApplyFunding(ctx, code, evt)
}

func TestReconcileFundingContinuesPastFailures(t *testing.T) {
	f := newFixture(t)
	bad := f.create(t, "1")
	good := f.create(t, "2")
	f.fundOnChainOnly(t, bad)
	f.fundOnChainOnly(t, good)

	r := f.reconciler(t, func(cfg *Config) {
		cfg.Settler = flakySettler{Settler: f.svc, failFor: bad.ShortCode}
	})
	res, err := r.ReconcileFunding(context.Background())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.Processed != 1 || res.Failed != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if got := f.status(t, good.ShortCode); got != models.StatusFunded {
		t.Fatalf("good escrow status = %s", got)
	}
	if got := f.status(t, bad.ShortCode); got != models.StatusCreated {
		t.Fatalf("failed escrow status = %s", got)
	}
}

func TestReconcileFundingWritesDriftReport(t *testing.T) {
	f := newFixture(t)
	esc := f.create(t, "7.25")
	f.fundOnChainOnly(t, esc)
	dir := t.TempDir()

	res, err := f.reconciler(t, func(cfg *Config) { cfg.ReportDir = dir }).ReconcileFunding(context.Background())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(res.Reports) != 2 {
		t.Fatalf("expected csv and parquet reports, got %v", res.Reports)
	}
	if filepath.Ext(res.Reports[1]) != ".parquet" {
		t.Fatalf("unexpected parquet path %s", res.Reports[1])
	}
	if info, err := os.Stat(res.Reports[1]); err != nil || info.Size() == 0 {
		t.Fatalf("parquet report missing or empty: %v", err)
	}
	file, err := os.Open(res.Reports[0])
	if err != nil {
		t.Fatalf("open csv: %v", err)
	}
	defer file.Close()
	records, err := csv.NewReader(file).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected header and one row, got %d records", len(records))
	}
	if records[1][0] != esc.ShortCode || records[1][2] != "7250000" {
		t.Fatalf("unexpected csv row %v", records[1])
	}
}

func TestAutoReleaseSweepHonoursDeadline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	esc := f.create(t, "20")
	f.fund(t, esc)
	r := f.reconciler(t, nil)

	f.clock.Advance(7*24*time.Hour - time.Second)
	res, err := r.AutoReleaseSweep(ctx)
	if err != nil {
		t.Fatalf("early sweep: %v", err)
	}
	if res.Processed != 0 || f.status(t, esc.ShortCode) != models.StatusFunded {
		t.Fatalf("escrow released before its deadline: %+v", res)
	}

	f.clock.Advance(time.Second)
	res, err = r.AutoReleaseSweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Processed != 1 {
		t.Fatalf("expected one release, got %+v", res)
	}
	if got := f.status(t, esc.ShortCode); got != models.StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", got)
	}
	bal, err := f.state.Balance(f.seller.Address())
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if bal.Int64() != 19_900_000 {
		t.Fatalf("seller received %s, want 19900000", bal)
	}
}

func TestAutoReleaseSweepSkipsDisputed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	esc := f.create(t, "5")
	f.fund(t, esc)
	if _, err := f.svc.RaiseDispute(ctx, escrow.DisputeRequest{ShortCode: esc.ShortCode, Requester: buyerID, Reason: "NOT_RECEIVED"}); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	f.clock.Advance(8 * 24 * time.Hour)
	res, err := f.reconciler(t, nil).AutoReleaseSweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Processed != 0 {
		t.Fatalf("disputed escrow was auto-released: %+v", res)
	}
	if got := f.status(t, esc.ShortCode); got != models.StatusDisputed {
		t.Fatalf("status = %s, want DISPUTED", got)
	}
}

func TestDeliveryRemindersSpacing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	esc := f.create(t, "9")
	f.fund(t, esc)
	r := f.reconciler(t, nil)

	f.clock.Advance(47 * time.Hour)
	if res, err := r.DeliveryReminders(ctx); err != nil || res.Processed != 0 {
		t.Fatalf("reminded too early: %+v %v", res, err)
	}

	f.clock.Advance(time.Hour)
	res, err := r.DeliveryReminders(ctx)
	if err != nil || res.Processed != 1 {
		t.Fatalf("expected one reminder: %+v %v", res, err)
	}
	if f.notes.count() != 1 {
		t.Fatalf("notifier saw %d reminders", f.notes.count())
	}
	note := f.notes.sent[0]
	if note["to"] != buyerID || note["days_remaining"] != "5" || note["short_code"] != esc.ShortCode {
		t.Fatalf("unexpected reminder %v", note)
	}

	f.clock.Advance(12 * time.Hour)
	if res, err := r.DeliveryReminders(ctx); err != nil || res.Processed != 0 {
		t.Fatalf("reminded twice within a day: %+v %v", res, err)
	}
	f.clock.Advance(12 * time.Hour)
	if res, err := r.DeliveryReminders(ctx); err != nil || res.Processed != 1 {
		t.Fatalf("expected daily reminder: %+v %v", res, err)
	}
	if f.notes.sent[1]["days_remaining"] != "4" {
		t.Fatalf("unexpected second reminder %v", f.notes.sent[1])
	}
}

func TestSweepRefusesWhileLocked(t *testing.T) {
	f := newFixture(t)
	locker := NewLocalLocker()
	unlock, err := locker.TryLock(context.Background(), SweepAutoRelease, time.Minute)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	r := f.reconciler(t, func(cfg *Config) { cfg.Locker = locker })
	if _, err := r.AutoReleaseSweep(context.Background()); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	if _, err := r.ReconcileFunding(context.Background()); err != nil {
		t.Fatalf("other sweeps must not be blocked: %v", err)
	}
	if err := unlock(context.Background()); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if _, err := r.AutoReleaseSweep(context.Background()); err != nil {
		t.Fatalf("sweep after unlock: %v", err)
	}
}

func TestLocalLockerExpires(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	locker := NewLocalLocker()
	locker.nowFn = func() time.Time { return now }
	stale, err := locker.TryLock(context.Background(), "job", time.Minute)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if _, err := locker.TryLock(context.Background(), "job", time.Minute); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	now = now.Add(time.Minute)
	fresh, err := locker.TryLock(context.Background(), "job", time.Minute)
	if err != nil {
		t.Fatalf("lock after expiry: %v", err)
	}
	// The stale holder must not release the new lease.
	_ = stale(context.Background())
	if _, err := locker.TryLock(context.Background(), "job", time.Minute); !errors.Is(err, ErrLocked) {
		t.Fatalf("stale unlock released the fresh lease: %v", err)
	}
	_ = fresh(context.Background())
	if _, err := locker.TryLock(context.Background(), "job", time.Minute); err != nil {
		t.Fatalf("lock after release: %v", err)
	}
}

func TestRedisLocker(t *testing.T) {
	addr := os.Getenv("PROOFPAY_TEST_REDIS")
	if addr == "" {
		t.Skip("PROOFPAY_TEST_REDIS not set")
	}
	client, err := ConnectRedis(addr)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()
	ctx := context.Background()
	locker := NewRedisLocker(client, "proofpay:test:"+uuid.NewString()+":")
	unlock, err := locker.TryLock(ctx, "job", time.Minute)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if _, err := locker.TryLock(ctx, "job", time.Minute); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	if err := unlock(ctx); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	again, err := locker.TryLock(ctx, "job", time.Minute)
	if err != nil {
		t.Fatalf("relock: %v", err)
	}
	_ = again(ctx)
}

type signalSettler struct {
	Settler
	applied chan string
}

func (s signalSettler) ApplyFunding(ctx context.Context, code string, evt chain.FundedEvent) error {
	err := s.Settler.ApplyFunding(ctx, code, evt)
	if err == nil {
		s.applied <- code
	}
	return err
}

func TestSchedulerStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	esc := f.create(t, "4")
	f.fundOnChainOnly(t, esc)
	applied := make(chan string, 1)
	s := NewScheduler(SchedulerConfig{
		Reconciler: f.reconciler(t, func(cfg *Config) {
			cfg.Settler = signalSettler{Settler: f.svc, applied: applied}
		}),
		FundingInterval: 10 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()
	select {
	case code := <-applied:
		if code != esc.ShortCode {
			t.Errorf("reconciled %s, want %s", code, esc.ShortCode)
		}
	case <-time.After(5 * time.Second):
		t.Errorf("scheduler never reconciled the escrow")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("scheduler did not stop")
	}
	if got := f.status(t, esc.ShortCode); got != models.StatusFunded {
		t.Fatalf("status = %s, want FUNDED", got)
	}
}
