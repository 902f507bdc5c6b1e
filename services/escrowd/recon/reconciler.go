package recon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"proofpay/observability"
	"proofpay/observability/logging"
	"proofpay/services/escrowd/chain"
	"proofpay/services/escrowd/escrow"
	"proofpay/services/escrowd/ledger"
	"proofpay/services/escrowd/models"
	"proofpay/services/escrowd/notify"
)

// Sweep names used for locks, logs and metrics.
const (
	SweepFunding     = "reconcile-funding"
	SweepAutoRelease = "auto-release"
	SweepReminders   = "delivery-reminders"
)

const (
	defaultBatchLimit       = 500
	defaultLockTTL          = 10 * time.Minute
	defaultReminderAfter    = 48 * time.Hour
	defaultReminderInterval = 24 * time.Hour
)

// Settler applies reconciliation outcomes through the state machine.
type Settler interface {
	ApplyFunding(ctx context.Context, shortCode string, evt chain.FundedEvent) error
	AutoRelease(ctx context.Context, shortCode string) (string, error)
}

// Config wires the reconciler dependencies.
type Config struct {
	Settler  Settler
	Store    *ledger.Store
	Chain    chain.Adapter
	Notifier notify.Notifier
	Locker   Locker
	// BatchLimit is the page size of the funding scan, which walks every
	// CREATED escrow, and caps the auto-release and reminder batches.
	BatchLimit int
	LockTTL    time.Duration
	// ReminderAfter is the minimum time since funding before the buyer is
	// reminded; ReminderInterval spaces repeated reminders.
	ReminderAfter    time.Duration
	ReminderInterval time.Duration
	// ReportDir, when set, receives CSV and Parquet drift reports.
	ReportDir string
	Logger    *slog.Logger
	Now       func() time.Time
}

// Result summarises one sweep run.
type Result struct {
	Sweep     string
	Processed int
	Failed    int
	Skipped   int
	Reports   []string
}

// Reconciler drives the periodic sweeps that keep the ledger aligned with
// the chain.
type Reconciler struct {
	settler          Settler
	store            *ledger.Store
	chain            chain.Adapter
	notifier         notify.Notifier
	locker           Locker
	batch            int
	lockTTL          time.Duration
	reminderAfter    time.Duration
	reminderInterval time.Duration
	reportDir        string
	logger           *slog.Logger
	now              func() time.Time
}

// NewReconciler validates the configuration and returns a reconciler.
func NewReconciler(cfg Config) (*Reconciler, error) {
	if cfg.Settler == nil {
		return nil, fmt.Errorf("recon: settler required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("recon: ledger store required")
	}
	if cfg.Chain == nil {
		return nil, fmt.Errorf("recon: chain adapter required")
	}
	r := &Reconciler{
		settler:          cfg.Settler,
		store:            cfg.Store,
		chain:            cfg.Chain,
		notifier:         cfg.Notifier,
		locker:           cfg.Locker,
		batch:            cfg.BatchLimit,
		lockTTL:          cfg.LockTTL,
		reminderAfter:    cfg.ReminderAfter,
		reminderInterval: cfg.ReminderInterval,
		reportDir:        cfg.ReportDir,
		logger:           cfg.Logger,
		now:              cfg.Now,
	}
	if r.notifier == nil {
		r.notifier = notify.Nop{}
	}
	if r.locker == nil {
		r.locker = NewLocalLocker()
	}
	if r.batch <= 0 || r.batch > ledger.MaxListLimit {
		r.batch = defaultBatchLimit
	}
	if r.lockTTL <= 0 {
		r.lockTTL = defaultLockTTL
	}
	if r.reminderAfter <= 0 {
		r.reminderAfter = defaultReminderAfter
	}
	if r.reminderInterval <= 0 {
		r.reminderInterval = defaultReminderInterval
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r, nil
}

// ReconcileFunding finds CREATED escrows whose funding landed on chain
// without reaching the ledger and applies it. Every CREATED escrow is
// examined, one page of BatchLimit rows at a time.
func (r *Reconciler) ReconcileFunding(ctx context.Context) (Result, error) {
	return r.run(ctx, SweepFunding, func(ctx context.Context, res *Result) error {
		var (
			recovered []driftRow
			cursor    ledger.Cursor
		)
		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			rows, err := r.store.ListByStatus(ctx, models.StatusCreated, cursor, r.batch)
			if err != nil {
				return fmt.Errorf("recon: list created: %w", err)
			}
			if len(rows) == 0 {
				break
			}
			page, err := r.reconcilePage(ctx, rows, res)
			if err != nil {
				return err
			}
			recovered = append(recovered, page...)
			if len(rows) < r.batch {
				break
			}
			cursor = cursor.Next(rows)
		}
		if len(recovered) > 0 && r.reportDir != "" {
			paths, err := writeDriftReport(r.reportDir, r.now(), recovered)
			if err != nil {
				r.logger.Warn("drift report failed", slog.Any("error", err))
			} else {
				res.Reports = paths
			}
		}
		return nil
	})
}

func (r *Reconciler) reconcilePage(ctx context.Context, rows []models.Escrow, res *Result) ([]driftRow, error) {
	byID := make(map[string]string, len(rows))
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		byID[row.OnChainID] = row.ShortCode
		ids = append(ids, row.OnChainID)
	}
	events, err := r.chain.QueryFundedEvents(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("recon: query funded events: %w", err)
	}
	observability.Events().RecordEvent("EscrowFunded", len(events))

	var recovered []driftRow
	seen := make(map[string]struct{}, len(events))
	for _, evt := range events {
		code, ok := byID[evt.OnChainID]
		if !ok {
			continue
		}
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		err := r.settler.ApplyFunding(ctx, code, evt)
		switch {
		case err == nil:
			res.Processed++
			recovered = append(recovered, newDriftRow(code, evt, r.now()))
			r.logger.Info("funding reconciled",
				slog.String("short_code", code),
				slog.String("tx_hash", evt.TxHash))
		case errors.Is(err, escrow.ErrInvalidState):
			res.Skipped++
		default:
			res.Failed++
			r.logger.Warn("funding reconciliation failed",
				slog.String("short_code", code),
				slog.Any("error", err))
		}
	}
	return recovered, nil
}

// AutoReleaseSweep releases every funded, undisputed escrow whose deadline
// has passed.
func (r *Reconciler) AutoReleaseSweep(ctx context.Context) (Result, error) {
	return r.run(ctx, SweepAutoRelease, func(ctx context.Context, res *Result) error {
		rows, err := r.store.ListAutoReleaseDue(ctx, r.now(), r.batch)
		if err != nil {
			return fmt.Errorf("recon: list auto-release due: %w", err)
		}
		for _, row := range rows {
			txHash, err := r.settler.AutoRelease(ctx, row.ShortCode)
			switch {
			case err == nil:
				res.Processed++
				r.logger.Info("escrow auto-released",
					slog.String("short_code", row.ShortCode),
					slog.String("tx_hash", txHash))
			case errors.Is(err, escrow.ErrInvalidState):
				res.Skipped++
			default:
				res.Failed++
				r.logger.Warn("auto-release failed",
					slog.String("short_code", row.ShortCode),
					slog.Any("error", err))
			}
		}
		return nil
	})
}

// DeliveryReminders nudges buyers whose funded escrows have waited at least
// ReminderAfter, at most once per ReminderInterval.
func (r *Reconciler) DeliveryReminders(ctx context.Context) (Result, error) {
	return r.run(ctx, SweepReminders, func(ctx context.Context, res *Result) error {
		now := r.now()
		rows, err := r.store.ListReminderDue(ctx, now.Add(-r.reminderAfter), now.Add(-r.reminderInterval), r.batch)
		if err != nil {
			return fmt.Errorf("recon: list reminders due: %w", err)
		}
		for _, row := range rows {
			data := map[string]string{
				"short_code":     row.ShortCode,
				"description":    row.Description,
				"days_remaining": strconv.Itoa(daysRemaining(row.AutoReleaseAt, now)),
			}
			if _, err := r.notifier.Notify(ctx, row.BuyerIdentity, notify.KindDeliveryReminder, data); err != nil {
				res.Failed++
				r.logger.Warn("delivery reminder failed",
					slog.String("short_code", row.ShortCode),
					logging.Identity("buyer", row.BuyerIdentity),
					slog.Any("error", err))
				continue
			}
			if err := r.store.MarkReminderSent(ctx, row.ShortCode, now); err != nil {
				res.Failed++
				r.logger.Warn("mark reminder failed",
					slog.String("short_code", row.ShortCode),
					slog.Any("error", err))
				continue
			}
			res.Processed++
		}
		return nil
	})
}

func (r *Reconciler) run(ctx context.Context, sweep string, fn func(context.Context, *Result) error) (Result, error) {
	res := Result{Sweep: sweep}
	unlock, err := r.locker.TryLock(ctx, sweep, r.lockTTL)
	if err != nil {
		return res, err
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			r.logger.Warn("sweep unlock failed", slog.String("sweep", sweep), slog.Any("error", err))
		}
	}()
	start := time.Now()
	err = fn(ctx, &res)
	elapsed := time.Since(start)
	observability.Escrowd().RecordSweep(sweep, res.Processed, res.Failed, res.Skipped, elapsed)
	if err != nil {
		r.logger.Error("sweep aborted", slog.String("sweep", sweep), slog.Any("error", err))
		return res, err
	}
	if res.Processed+res.Failed+res.Skipped > 0 {
		r.logger.Info("sweep finished",
			slog.String("sweep", sweep),
			slog.Int("processed", res.Processed),
			slog.Int("failed", res.Failed),
			slog.Int("skipped", res.Skipped),
			slog.Duration("elapsed", elapsed))
	}
	return res, nil
}

func daysRemaining(deadline *time.Time, now time.Time) int {
	if deadline == nil {
		return 0
	}
	left := deadline.Sub(now)
	if left <= 0 {
		return 0
	}
	return int(math.Ceil(left.Hours() / 24))
}
