package ledger

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"proofpay/services/escrowd/models"
)

var (
	// ErrNotFound indicates the short code or chain id is unknown.
	ErrNotFound = errors.New("ledger: escrow not found")
	// ErrDisputeNotFound indicates the dispute identifier is unknown.
	ErrDisputeNotFound = errors.New("ledger: dispute not found")
	// ErrConflict is returned when a compare-and-set update finds the record in
	// a different state than expected.
	ErrConflict = errors.New("ledger: record changed concurrently")
)

const (
	shortCodePrefix   = "BP"
	shortCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	shortCodeLength   = 6
	maxShortCodeTries = 8
	// MaxListLimit bounds every list query.
	MaxListLimit = 500
)

// Open connects to the configured database. postgres:// URLs use the pgx
// driver; sqlite:// and file: URLs use the pure-Go SQLite driver.
func Open(url string, quiet bool) (*gorm.DB, error) {
	trimmed := strings.TrimSpace(url)
	if trimmed == "" {
		return nil, fmt.Errorf("ledger: database url is required")
	}
	cfg := &gorm.Config{}
	if quiet {
		cfg.Logger = logger.Default.LogMode(logger.Silent)
	}
	var dialector gorm.Dialector
	switch {
	case strings.HasPrefix(trimmed, "postgres://"), strings.HasPrefix(trimmed, "postgresql://"):
		dialector = postgres.Open(trimmed)
	case strings.HasPrefix(trimmed, "sqlite://"):
		dialector = sqlite.Open(strings.TrimPrefix(trimmed, "sqlite://"))
	case strings.HasPrefix(trimmed, "file:"):
		dialector = sqlite.Open(trimmed)
	default:
		return nil, fmt.Errorf("ledger: unsupported database url scheme")
	}
	db, err := gorm.Open(dialector, cfg)
	if err != nil {
		return nil, fmt.Errorf("ledger: open database: %w", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("ledger: migrate: %w", err)
	}
	return db, nil
}

// Store persists the off-chain mirror of every escrow. Status changes go
// through compare-and-set updates so concurrent writers never both apply the
// same transition.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// NewStore constructs a ledger store over db.
func NewStore(db *gorm.DB, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{db: db, now: now}
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// NewShortCode returns a random code of the form BPXXXXXX. Bytes at or above
// the largest multiple of the alphabet size are discarded so every symbol is
// equally likely.
func NewShortCode() (string, error) {
	limit := 256 - 256%len(shortCodeAlphabet)
	var b strings.Builder
	b.WriteString(shortCodePrefix)
	buf := make([]byte, shortCodeLength*2)
	for b.Len() < len(shortCodePrefix)+shortCodeLength {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, v := range buf {
			if int(v) >= limit {
				continue
			}
			b.WriteByte(shortCodeAlphabet[int(v)%len(shortCodeAlphabet)])
			if b.Len() == len(shortCodePrefix)+shortCodeLength {
				break
			}
		}
	}
	return b.String(), nil
}

// Insert persists a newly created escrow, assigning a unique short code when
// the record has none. Generated codes are retried on collision.
func (s *Store) Insert(ctx context.Context, esc *models.Escrow, actor string) error {
	if esc == nil {
		return fmt.Errorf("ledger: nil escrow")
	}
	generate := esc.ShortCode == ""
	for attempt := 0; attempt < maxShortCodeTries; attempt++ {
		if generate {
			code, err := NewShortCode()
			if err != nil {
				return fmt.Errorf("ledger: short code: %w", err)
			}
			var count int64
			if err := s.db.WithContext(ctx).Model(&models.Escrow{}).Where("short_code = ?", code).Count(&count).Error; err != nil {
				return err
			}
			if count > 0 {
				continue
			}
			esc.ShortCode = code
		}
		now := s.now().UTC()
		if esc.CreatedAt.IsZero() {
			esc.CreatedAt = now
		}
		esc.UpdatedAt = now
		if esc.Status == "" {
			esc.Status = models.StatusCreated
		}
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Create(esc).Error; err != nil {
				return err
			}
			return recordEvent(tx, esc.ShortCode, "escrow.created", actor, esc.CreateTxHash, esc.OnChainID, now)
		})
	}
	return fmt.Errorf("ledger: could not allocate unique short code")
}

// Get loads an escrow by short code.
func (s *Store) Get(ctx context.Context, shortCode string) (*models.Escrow, error) {
	var esc models.Escrow
	if err := s.db.WithContext(ctx).First(&esc, "short_code = ?", strings.ToUpper(strings.TrimSpace(shortCode))).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &esc, nil
}

// GetByOnChainID loads an escrow by its chain identifier.
func (s *Store) GetByOnChainID(ctx context.Context, onChainID string) (*models.Escrow, error) {
	var esc models.Escrow
	if err := s.db.WithContext(ctx).First(&esc, "on_chain_id = ?", strings.ToLower(onChainID)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &esc, nil
}

// Transition describes a single status change and the fields that accompany
// it. Zero-valued optional fields are left untouched.
type Transition struct {
	From          models.EscrowStatus
	To            models.EscrowStatus
	Action        string
	Actor         string
	TxHash        string
	FundedAt      *time.Time
	AutoReleaseAt *time.Time
	CompletedAt   *time.Time
	FundTxHash    string
	ReleaseTxHash string
	Details       string
}

func (t Transition) updates(now time.Time) map[string]any {
	values := map[string]any{"status": t.To, "updated_at": now}
	if t.FundedAt != nil {
		values["funded_at"] = t.FundedAt.UTC()
	}
	if t.AutoReleaseAt != nil {
		values["auto_release_at"] = t.AutoReleaseAt.UTC()
	}
	if t.CompletedAt != nil {
		values["completed_at"] = t.CompletedAt.UTC()
	}
	if t.FundTxHash != "" {
		values["fund_tx_hash"] = t.FundTxHash
	}
	if t.ReleaseTxHash != "" {
		values["release_tx_hash"] = t.ReleaseTxHash
	}
	return values
}

// Apply performs a compare-and-set status change: the update only lands when
// the stored status still equals t.From. ErrConflict is returned otherwise.
func (s *Store) Apply(ctx context.Context, shortCode string, t Transition) error {
	now := s.now().UTC()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return applyTransition(tx, shortCode, t, now)
	})
}

func applyTransition(tx *gorm.DB, shortCode string, t Transition, now time.Time) error {
	res := tx.Model(&models.Escrow{}).
		Where("short_code = ? AND status = ?", shortCode, t.From).
		Updates(t.updates(now))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := tx.Model(&models.Escrow{}).Where("short_code = ?", shortCode).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return ErrNotFound
		}
		return ErrConflict
	}
	action := t.Action
	if action == "" {
		action = "escrow." + strings.ToLower(string(t.To))
	}
	return recordEvent(tx, shortCode, action, t.Actor, t.TxHash, t.Details, now)
}

// SetPendingFundTx remembers a broadcast funding transaction whose outcome is
// unknown. The escrow stays CREATED until reconciliation observes the event.
func (s *Store) SetPendingFundTx(ctx context.Context, shortCode, txHash string) error {
	now := s.now().UTC()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Escrow{}).
			Where("short_code = ? AND status = ?", shortCode, models.StatusCreated).
			Updates(map[string]any{"fund_tx_hash": txHash, "fund_pending_at": now, "updated_at": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrConflict
		}
		return recordEvent(tx, shortCode, "escrow.fund_pending", "system", txHash, "", now)
	})
}

// ChainState is the subset of on-chain truth mirrored during a resync.
// DisputeRaisedBy names the party recorded on a dispute that the ledger never
// saw being opened; it defaults to "chain".
type ChainState struct {
	Status          models.EscrowStatus
	Disputed        bool
	DisputeRaisedBy string
	FundedAt        *time.Time
	AutoReleaseAt   *time.Time
}

// Sync overwrites the mirrored status with chain truth. It is only used after
// the chain rejected a transition the ledger believed valid, or on an operator
// resync. An escrow that becomes DISPUTED without a dispute record gets an
// OPEN dispute in the same transaction so an operator can resolve it.
func (s *Store) Sync(ctx context.Context, shortCode string, state ChainState) error {
	now := s.now().UTC()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current models.Escrow
		if err := tx.First(&current, "short_code = ?", shortCode).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		values := map[string]any{
			"status":         state.Status,
			"dispute_raised": state.Disputed,
			"updated_at":     now,
		}
		if state.FundedAt != nil {
			values["funded_at"] = state.FundedAt.UTC()
		}
		if state.AutoReleaseAt != nil {
			values["auto_release_at"] = state.AutoReleaseAt.UTC()
		}
		if state.Status == models.StatusCompleted {
			values["completed_at"] = gorm.Expr("COALESCE(completed_at, ?)", now)
		}
		var mirrored *models.Dispute
		if state.Status == models.StatusDisputed && current.DisputeID == nil {
			raisedBy := strings.TrimSpace(state.DisputeRaisedBy)
			if raisedBy == "" {
				raisedBy = "chain"
			}
			mirrored = &models.Dispute{
				ID:              uuid.New(),
				EscrowShortCode: shortCode,
				RaisedBy:        raisedBy,
				Reason:          models.ReasonOther,
				Description:     "dispute raised directly on chain",
				Status:          models.DisputeOpen,
				CreatedAt:       now,
				UpdatedAt:       now,
			}
			values["dispute_id"] = mirrored.ID
		}
		res := tx.Model(&models.Escrow{}).Where("short_code = ?", shortCode).Updates(values)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		if mirrored != nil {
			if err := tx.Create(mirrored).Error; err != nil {
				return err
			}
			if err := recordEvent(tx, shortCode, "escrow.disputed", mirrored.RaisedBy, "", string(mirrored.Reason), now); err != nil {
				return err
			}
		}
		return recordEvent(tx, shortCode, "escrow.resynced", "system", "", string(state.Status), now)
	})
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}

// Cursor marks the last row of a page returned by ListByStatus. The zero value
// starts from the oldest row.
type Cursor struct {
	CreatedAt time.Time
	ShortCode string
}

// Next returns the cursor that continues after the last row of page.
func (c Cursor) Next(page []models.Escrow) Cursor {
	if len(page) == 0 {
		return c
	}
	last := page[len(page)-1]
	return Cursor{CreatedAt: last.CreatedAt, ShortCode: last.ShortCode}
}

// ListByStatus returns one page of escrows in status ordered by
// (created_at, short_code), starting after cursor. Callers page until a short
// page comes back.
func (s *Store) ListByStatus(ctx context.Context, status models.EscrowStatus, after Cursor, limit int) ([]models.Escrow, error) {
	q := s.db.WithContext(ctx).Where("status = ?", status)
	if after.ShortCode != "" {
		at := after.CreatedAt.UTC()
		q = q.Where("(created_at > ? OR (created_at = ? AND short_code > ?))", at, at, after.ShortCode)
	}
	var rows []models.Escrow
	err := q.Order("created_at asc").
		Order("short_code asc").
		Limit(clampLimit(limit)).
		Find(&rows).Error
	return rows, err
}

// ListAutoReleaseDue returns funded, undisputed escrows whose auto-release
// deadline is at or before now.
func (s *Store) ListAutoReleaseDue(ctx context.Context, now time.Time, limit int) ([]models.Escrow, error) {
	var rows []models.Escrow
	err := s.db.WithContext(ctx).
		Where("status = ? AND dispute_raised = ? AND auto_release_at IS NOT NULL AND auto_release_at <= ?", models.StatusFunded, false, now.UTC()).
		Order("auto_release_at asc").
		Limit(clampLimit(limit)).
		Find(&rows).Error
	return rows, err
}

// ListReminderDue returns funded, undisputed escrows funded at or before
// fundedBefore that have not been reminded since remindedBefore.
func (s *Store) ListReminderDue(ctx context.Context, fundedBefore, remindedBefore time.Time, limit int) ([]models.Escrow, error) {
	var rows []models.Escrow
	err := s.db.WithContext(ctx).
		Where("status = ? AND dispute_raised = ? AND funded_at IS NOT NULL AND funded_at <= ?", models.StatusFunded, false, fundedBefore.UTC()).
		Where("reminder_sent_at IS NULL OR reminder_sent_at <= ?", remindedBefore.UTC()).
		Order("funded_at asc").
		Limit(clampLimit(limit)).
		Find(&rows).Error
	return rows, err
}

// MarkReminderSent records that a delivery reminder went out.
func (s *Store) MarkReminderSent(ctx context.Context, shortCode string, at time.Time) error {
	return s.db.WithContext(ctx).Model(&models.Escrow{}).
		Where("short_code = ?", shortCode).
		Updates(map[string]any{"reminder_sent_at": at.UTC()}).Error
}

// ListByIdentity returns the most recent escrows where identity is a party.
func (s *Store) ListByIdentity(ctx context.Context, identity string, limit int) ([]models.Escrow, error) {
	var rows []models.Escrow
	err := s.db.WithContext(ctx).
		Where("buyer_identity = ? OR seller_identity = ?", identity, identity).
		Order("created_at desc").
		Limit(clampLimit(limit)).
		Find(&rows).Error
	return rows, err
}

// OpenDispute persists dispute and moves its escrow from FUNDED to DISPUTED in
// one transaction.
func (s *Store) OpenDispute(ctx context.Context, dispute *models.Dispute, txHash string) error {
	if dispute == nil {
		return fmt.Errorf("ledger: nil dispute")
	}
	now := s.now().UTC()
	if dispute.ID == uuid.Nil {
		dispute.ID = uuid.New()
	}
	dispute.Status = models.DisputeOpen
	dispute.DisputeTxHash = txHash
	dispute.CreatedAt = now
	dispute.UpdatedAt = now
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Escrow{}).
			Where("short_code = ? AND status = ?", dispute.EscrowShortCode, models.StatusFunded).
			Updates(map[string]any{
				"status":         models.StatusDisputed,
				"dispute_raised": true,
				"dispute_id":     dispute.ID,
				"updated_at":     now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrConflict
		}
		if err := tx.Create(dispute).Error; err != nil {
			return err
		}
		return recordEvent(tx, dispute.EscrowShortCode, "escrow.disputed", dispute.RaisedBy, txHash, string(dispute.Reason), now)
	})
}

// GetDispute loads a dispute by id.
func (s *Store) GetDispute(ctx context.Context, id uuid.UUID) (*models.Dispute, error) {
	var dispute models.Dispute
	if err := s.db.WithContext(ctx).First(&dispute, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDisputeNotFound
		}
		return nil, err
	}
	return &dispute, nil
}

// Resolution carries the outcome of an operator decision.
type Resolution struct {
	BuyerPercentage int
	ResolvedBy      string
	Resolution      string
	TxHash          string
}

// ResolveDispute archives the dispute as RESOLVED and completes its escrow in
// one transaction.
func (s *Store) ResolveDispute(ctx context.Context, id uuid.UUID, r Resolution) error {
	now := s.now().UTC()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var dispute models.Dispute
		if err := tx.First(&dispute, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrDisputeNotFound
			}
			return err
		}
		res := tx.Model(&models.Dispute{}).
			Where("id = ? AND status = ?", id, models.DisputeOpen).
			Updates(map[string]any{
				"status":           models.DisputeResolved,
				"buyer_percentage": r.BuyerPercentage,
				"resolved_by":      r.ResolvedBy,
				"resolved_at":      now,
				"resolution":       r.Resolution,
				"resolve_tx_hash":  r.TxHash,
				"updated_at":       now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrConflict
		}
		return applyTransition(tx, dispute.EscrowShortCode, Transition{
			From:          models.StatusDisputed,
			To:            models.StatusCompleted,
			Action:        "escrow.dispute_resolved",
			Actor:         r.ResolvedBy,
			TxHash:        r.TxHash,
			CompletedAt:   &now,
			ReleaseTxHash: r.TxHash,
			Details:       r.Resolution,
		}, now)
	})
}

// Events returns the audit trail of an escrow in insertion order.
func (s *Store) Events(ctx context.Context, shortCode string) ([]models.Event, error) {
	var rows []models.Event
	err := s.db.WithContext(ctx).
		Where("escrow_short_code = ?", shortCode).
		Order("created_at asc").
		Find(&rows).Error
	return rows, err
}

func recordEvent(tx *gorm.DB, shortCode, action, actor, txHash, details string, at time.Time) error {
	if actor == "" {
		actor = "system"
	}
	return tx.Create(&models.Event{
		ID:              uuid.New(),
		EscrowShortCode: shortCode,
		Action:          action,
		Actor:           actor,
		TxHash:          txHash,
		Details:         details,
		CreatedAt:       at,
	}).Error
}
