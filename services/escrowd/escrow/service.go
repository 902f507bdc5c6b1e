package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"proofpay/observability"
	"proofpay/observability/logging"
	"proofpay/services/escrowd/chain"
	"proofpay/services/escrowd/identity"
	"proofpay/services/escrowd/ledger"
	"proofpay/services/escrowd/models"
	"proofpay/services/escrowd/notify"
)

// MaxHistory bounds per-identity listings.
const MaxHistory = 50

// WalletResolver maps a party identity to its settlement address. It must
// return identity.ErrNotFound for unprovisioned parties.
type WalletResolver interface {
	Resolve(ctx context.Context, identity string) (common.Address, error)
}

// EvidenceStore persists dispute attachments.
type EvidenceStore interface {
	Store(ctx context.Context, data []byte, filename string) (string, error)
}

// Authorizer decides whether an identity may act as an operator.
type Authorizer interface {
	IsOperator(ctx context.Context, identity string) (bool, error)
}

// OperatorSet authorizes a fixed list of identities.
type OperatorSet struct {
	ids map[string]struct{}
}

func NewOperatorSet(identities ...string) *OperatorSet {
	set := &OperatorSet{ids: make(map[string]struct{}, len(identities))}
	for _, id := range identities {
		if key := identity.Normalize(id); key != "" {
			set.ids[key] = struct{}{}
		}
	}
	return set
}

func (o *OperatorSet) IsOperator(_ context.Context, id string) (bool, error) {
	if o == nil {
		return false, nil
	}
	_, ok := o.ids[identity.Normalize(id)]
	return ok, nil
}

// Config wires the service's collaborators. Store, Chain, Wallets and Signers
// are required.
type Config struct {
	Store      *ledger.Store
	Chain      chain.Adapter
	Wallets    WalletResolver
	Signers    chain.SignerProvider
	Notifier   notify.Notifier
	Evidence   EvidenceStore
	Authorizer Authorizer
	Logger     *slog.Logger
	Now        func() time.Time
}

// Service is the authoritative off-chain escrow state machine. It holds no
// escrow state of its own: every operation re-reads the ledger, drives the
// chain and persists the confirmed result with a compare-and-set update.
type Service struct {
	store    *ledger.Store
	chain    chain.Adapter
	wallets  WalletResolver
	signers  chain.SignerProvider
	notifier notify.Notifier
	evidence EvidenceStore
	auth     Authorizer
	logger   *slog.Logger
	now      func() time.Time
	metrics  *observability.EscrowdMetrics
	tracer   trace.Tracer
}

// NewService validates cfg and constructs a Service.
func NewService(cfg Config) (*Service, error) {
	switch {
	case cfg.Store == nil:
		return nil, fmt.Errorf("escrow: ledger store required")
	case cfg.Chain == nil:
		return nil, fmt.Errorf("escrow: chain adapter required")
	case cfg.Wallets == nil:
		return nil, fmt.Errorf("escrow: wallet resolver required")
	case cfg.Signers == nil:
		return nil, fmt.Errorf("escrow: signer provider required")
	}
	svc := &Service{
		store:    cfg.Store,
		chain:    cfg.Chain,
		wallets:  cfg.Wallets,
		signers:  cfg.Signers,
		notifier: cfg.Notifier,
		evidence: cfg.Evidence,
		auth:     cfg.Authorizer,
		logger:   cfg.Logger,
		now:      cfg.Now,
		metrics:  observability.Escrowd(),
		tracer:   otel.Tracer("escrowd/escrow"),
	}
	if svc.notifier == nil {
		svc.notifier = notify.Nop{}
	}
	if svc.auth == nil {
		svc.auth = NewOperatorSet()
	}
	if svc.logger == nil {
		svc.logger = slog.Default()
	}
	if svc.now == nil {
		svc.now = time.Now
	}
	return svc, nil
}

// Get returns the mirrored escrow for shortCode.
func (s *Service) Get(ctx context.Context, shortCode string) (*models.Escrow, error) {
	return s.load(ctx, shortCode)
}

// GetDispute returns a dispute by id.
func (s *Service) GetDispute(ctx context.Context, id uuid.UUID) (*models.Dispute, error) {
	dispute, err := s.store.GetDispute(ctx, id)
	if err != nil {
		if errors.Is(err, ledger.ErrDisputeNotFound) {
			return nil, fmt.Errorf("%w: dispute %s", ErrNotFound, id)
		}
		return nil, err
	}
	return dispute, nil
}

// ListForIdentity returns the most recent escrows where identity is a party.
func (s *Service) ListForIdentity(ctx context.Context, id string, limit int) ([]models.Escrow, error) {
	key := identity.Normalize(id)
	if key == "" {
		return nil, fmt.Errorf("%w: identity is required", ErrValidation)
	}
	if limit <= 0 || limit > MaxHistory {
		limit = MaxHistory
	}
	return s.store.ListByIdentity(ctx, key, limit)
}

// History returns the audit trail of an escrow.
func (s *Service) History(ctx context.Context, shortCode string) ([]models.Event, error) {
	esc, err := s.load(ctx, shortCode)
	if err != nil {
		return nil, err
	}
	return s.store.Events(ctx, esc.ShortCode)
}

func (s *Service) load(ctx context.Context, shortCode string) (*models.Escrow, error) {
	code := strings.ToUpper(strings.TrimSpace(shortCode))
	if code == "" {
		return nil, fmt.Errorf("%w: short code is required", ErrValidation)
	}
	esc, err := s.store.Get(ctx, code)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, fmt.Errorf("%w: escrow %s", ErrNotFound, code)
		}
		return nil, err
	}
	return esc, nil
}

func (s *Service) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// submit runs one chain call and records its latency and failure kind.
func (s *Service) submit(op string, fn func() (string, error)) (string, error) {
	start := s.now()
	txHash, err := fn()
	kind := ""
	switch {
	case err == nil:
	case chain.IsUnknownOutcome(err):
		kind = "unknown"
	case errors.Is(err, chain.ErrInvalidTransition):
		kind = "rejected"
	default:
		kind = "rpc"
	}
	s.metrics.ObserveChainCall(op, s.now().Sub(start), kind)
	return txHash, err
}

// commit applies t and treats a lost compare-and-set as success when another
// writer already moved the escrow to the same target status.
func (s *Service) commit(ctx context.Context, shortCode string, t ledger.Transition) error {
	err := s.store.Apply(ctx, shortCode, t)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ledger.ErrConflict) {
		return fmt.Errorf("escrow: persist %s: %w", t.Action, err)
	}
	current, loadErr := s.store.Get(ctx, shortCode)
	if loadErr != nil {
		return fmt.Errorf("escrow: persist %s: %w", t.Action, loadErr)
	}
	if current.Status == t.To {
		s.logger.Info("transition already applied",
			slog.String("short_code", shortCode),
			slog.String("status", string(current.Status)))
		return nil
	}
	return fmt.Errorf("%w: escrow %s is %s", ErrInvalidState, shortCode, current.Status)
}

func (s *Service) notify(ctx context.Context, to string, kind notify.Kind, data map[string]string) {
	if _, err := s.notifier.Notify(ctx, to, kind, data); err != nil {
		s.logger.Warn("notification failed",
			slog.String("kind", string(kind)),
			logging.Identity("to", to),
			slog.Any("error", err))
	}
}

func invalidState(esc *models.Escrow, want string) error {
	if esc.DisputeRaised && esc.Status == models.StatusFunded {
		return fmt.Errorf("%w: escrow %s is disputed", ErrInvalidState, esc.ShortCode)
	}
	return fmt.Errorf("%w: escrow %s is %s, %s required", ErrInvalidState, esc.ShortCode, esc.Status, want)
}
