package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// EscrowStatus represents a state in the settlement lifecycle. Values match the
// canonical names reported by the chain.
type EscrowStatus string

// All lifecycle states.
const (
	StatusCreated   EscrowStatus = "CREATED"
	StatusFunded    EscrowStatus = "FUNDED"
	StatusCompleted EscrowStatus = "COMPLETED"
	StatusDisputed  EscrowStatus = "DISPUTED"
	StatusRefunded  EscrowStatus = "REFUNDED"
	StatusCancelled EscrowStatus = "CANCELLED"
)

// DisputeReason enumerates the grounds a party may cite.
type DisputeReason string

const (
	ReasonNotReceived    DisputeReason = "NOT_RECEIVED"
	ReasonNotAsDescribed DisputeReason = "NOT_AS_DESCRIBED"
	ReasonPaymentIssue   DisputeReason = "PAYMENT_ISSUE"
	ReasonOther          DisputeReason = "OTHER"
)

// DisputeStatus tracks whether a dispute still awaits an operator.
type DisputeStatus string

const (
	DisputeOpen     DisputeStatus = "OPEN"
	DisputeResolved DisputeStatus = "RESOLVED"
)

// Escrow mirrors one on-chain settlement. Amount holds the integer count of
// smallest token units as a decimal string.
type Escrow struct {
	ShortCode      string       `gorm:"primaryKey;size:16"`
	OnChainID      string       `gorm:"uniqueIndex;size:66;not null"`
	BuyerIdentity  string       `gorm:"size:32;index"`
	SellerIdentity string       `gorm:"size:32;index"`
	BuyerAddress   string       `gorm:"size:42"`
	SellerAddress  string       `gorm:"size:42"`
	Amount         string       `gorm:"size:78;not null"`
	Description    string       `gorm:"type:text"`
	Status         EscrowStatus `gorm:"size:16;index"`
	DisputeRaised  bool
	DisputeID      *uuid.UUID `gorm:"type:uuid"`
	CreateTxHash   string     `gorm:"size:66"`
	FundTxHash     string     `gorm:"size:66"`
	FundPendingAt  *time.Time
	ReleaseTxHash  string     `gorm:"size:66"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
	FundedAt       *time.Time
	CompletedAt    *time.Time
	AutoReleaseAt  *time.Time `gorm:"index"`
	ReminderSentAt *time.Time
}

// Dispute records a party's challenge against a funded escrow. Resolved
// disputes are retained for audit.
type Dispute struct {
	ID              uuid.UUID     `gorm:"type:uuid;primaryKey"`
	EscrowShortCode string        `gorm:"size:16;index;not null"`
	Escrow          *Escrow       `gorm:"foreignKey:EscrowShortCode;references:ShortCode;constraint:OnUpdate:CASCADE,OnDelete:RESTRICT"`
	RaisedBy        string        `gorm:"size:32"`
	Reason          DisputeReason `gorm:"size:32"`
	Description     string        `gorm:"type:text"`
	EvidenceURLs    []string      `gorm:"serializer:json"`
	Status          DisputeStatus `gorm:"size:16;index"`
	BuyerPercentage *int
	ResolvedBy      string `gorm:"size:32"`
	ResolvedAt      *time.Time
	Resolution      string `gorm:"type:text"`
	DisputeTxHash   string `gorm:"size:66"`
	ResolveTxHash   string `gorm:"size:66"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Event captures an audit log entry for every applied transition.
type Event struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey"`
	EscrowShortCode string    `gorm:"size:16;index"`
	Action          string    `gorm:"size:64"`
	Actor           string    `gorm:"size:64"`
	TxHash          string    `gorm:"size:66"`
	Details         string    `gorm:"type:text"`
	CreatedAt       time.Time
}

// TableName keeps the audit table distinct from chain events.
func (Event) TableName() string { return "escrow_events" }

// AutoMigrate runs database migrations for all models.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Escrow{},
		&Dispute{},
		&Event{},
	)
}
