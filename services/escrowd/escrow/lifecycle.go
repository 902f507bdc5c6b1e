package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel/attribute"

	nativeescrow "proofpay/native/escrow"
	"proofpay/observability/logging"
	"proofpay/services/escrowd/chain"
	"proofpay/services/escrowd/identity"
	"proofpay/services/escrowd/ledger"
	"proofpay/services/escrowd/models"
	"proofpay/services/escrowd/notify"
)

const maxDescriptionLength = 500

// PendingFundWindow is how long a funding transaction with an unknown outcome
// blocks a new Fund call. Reconciliation normally settles it well within the
// window; after it a retry is allowed on the assumption the tx was dropped.
const PendingFundWindow = 30 * time.Minute

// CreateRequest carries the terms of a new escrow. Amount is a human decimal
// in whole stablecoin units.
type CreateRequest struct {
	SellerIdentity string
	BuyerIdentity  string
	Amount         string
	Description    string
}

// Create opens an escrow on chain and records it as CREATED.
func (s *Service) Create(ctx context.Context, req CreateRequest) (_ *models.Escrow, err error) {
	ctx, span := s.startSpan(ctx, "escrow.create")
	defer func() { endSpan(span, err) }()

	seller := identity.Normalize(req.SellerIdentity)
	buyer := identity.Normalize(req.BuyerIdentity)
	description := strings.TrimSpace(req.Description)
	switch {
	case seller == "":
		return nil, fmt.Errorf("%w: seller identity is required", ErrValidation)
	case buyer == "":
		return nil, fmt.Errorf("%w: buyer identity is required", ErrValidation)
	case seller == buyer:
		return nil, fmt.Errorf("%w: buyer and seller must differ", ErrValidation)
	case description == "":
		return nil, fmt.Errorf("%w: description is required", ErrValidation)
	case utf8.RuneCountInString(description) > maxDescriptionLength:
		return nil, fmt.Errorf("%w: description exceeds %d characters", ErrValidation, maxDescriptionLength)
	}
	amount, err := ParseAmount(req.Amount)
	if err != nil {
		return nil, err
	}
	sellerAddr, err := s.resolve(ctx, "seller", seller)
	if err != nil {
		return nil, err
	}
	buyerAddr, err := s.resolve(ctx, "buyer", buyer)
	if err != nil {
		return nil, err
	}

	var onChainID string
	txHash, err := s.submit(chain.OpCreate, func() (string, error) {
		id, hash, err := s.chain.SubmitCreate(ctx, buyerAddr, sellerAddr, amount)
		onChainID = id
		return hash, err
	})
	if err != nil {
		var ce *chain.ChainError
		if errors.As(err, &ce) && ce.Unknown && ce.TxHash != "" {
			// The escrow may exist on chain without a ledger row. Resubmitting
			// would open a second one, so the operator checks the tx first.
			s.metrics.RecordFailure(chain.OpCreate, "unknown_outcome")
			s.logger.Warn("escrow create outcome unknown",
				slog.String("tx_hash", ce.TxHash),
				logging.Identity("seller", seller),
				logging.Identity("buyer", buyer),
				slog.String("amount", amount.String()))
			return nil, fmt.Errorf("escrow: create tx %s outcome unknown: %w", ce.TxHash, err)
		}
		s.metrics.RecordFailure(chain.OpCreate, "chain")
		return nil, fmt.Errorf("escrow: create: %w", err)
	}

	record := &models.Escrow{
		OnChainID:      strings.ToLower(onChainID),
		BuyerIdentity:  buyer,
		SellerIdentity: seller,
		BuyerAddress:   buyerAddr.Hex(),
		SellerAddress:  sellerAddr.Hex(),
		Amount:         amount.String(),
		Description:    description,
		Status:         models.StatusCreated,
		CreateTxHash:   txHash,
	}
	if err := s.store.Insert(ctx, record, seller); err != nil {
		s.logger.Error("escrow created on chain but not recorded",
			slog.String("on_chain_id", onChainID),
			slog.String("tx_hash", txHash),
			slog.Any("error", err))
		return nil, fmt.Errorf("escrow: record %s: %w", onChainID, err)
	}
	span.SetAttributes(attribute.String("escrow.short_code", record.ShortCode))
	s.metrics.RecordTransition(chain.OpCreate, "api", amount)
	s.logger.Info("escrow created",
		slog.String("short_code", record.ShortCode),
		slog.String("on_chain_id", record.OnChainID),
		slog.String("tx_hash", txHash))

	data := map[string]string{
		"short_code":  record.ShortCode,
		"description": description,
		"amount":      FormatAmount(amount),
		"buyer":       buyer,
	}
	s.notify(ctx, seller, notify.KindEscrowCreated, data)
	s.notify(ctx, buyer, notify.KindPaymentRequest, data)
	return record, nil
}

func (s *Service) resolve(ctx context.Context, role, id string) (common.Address, error) {
	addr, err := s.wallets.Resolve(ctx, id)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return common.Address{}, fmt.Errorf("%w: %s has no provisioned settlement address", ErrValidation, role)
		}
		return common.Address{}, fmt.Errorf("escrow: resolve %s: %w", role, err)
	}
	return addr, nil
}

// Fund pulls the escrowed amount from the buyer into the contract. Only the
// registered buyer may fund, and only while the escrow is CREATED.
func (s *Service) Fund(ctx context.Context, shortCode, requester string) (_ string, err error) {
	ctx, span := s.startSpan(ctx, "escrow.fund", attribute.String("escrow.short_code", shortCode))
	defer func() { endSpan(span, err) }()

	esc, err := s.load(ctx, shortCode)
	if err != nil {
		return "", err
	}
	if identity.Normalize(requester) != esc.BuyerIdentity {
		s.metrics.RecordFailure(chain.OpFund, "unauthorized")
		return "", fmt.Errorf("%w: only the buyer may fund %s", ErrUnauthorized, esc.ShortCode)
	}
	if esc.Status != models.StatusCreated {
		return "", invalidState(esc, string(models.StatusCreated))
	}
	if esc.FundTxHash != "" && esc.FundPendingAt != nil && s.now().Before(esc.FundPendingAt.Add(PendingFundWindow)) {
		s.metrics.RecordFailure(chain.OpFund, "pending")
		return "", fmt.Errorf("%w: funding tx %s for %s is awaiting reconciliation", ErrInvalidState, esc.FundTxHash, esc.ShortCode)
	}
	amount, err := parseStored(esc.Amount)
	if err != nil {
		return "", err
	}
	payer, err := s.signers.SignerFor(ctx, esc.BuyerIdentity)
	if err != nil {
		return "", fmt.Errorf("escrow: buyer signer: %w", err)
	}

	txHash, err := s.submit(chain.OpFund, func() (string, error) {
		return s.chain.SubmitFund(ctx, esc.OnChainID, amount, payer)
	})
	if err != nil {
		var ce *chain.ChainError
		if errors.As(err, &ce) && ce.Op == chain.OpFund && ce.Unknown && ce.TxHash != "" {
			if pendErr := s.store.SetPendingFundTx(ctx, esc.ShortCode, ce.TxHash); pendErr != nil {
				s.logger.Error("record pending funding tx",
					slog.String("short_code", esc.ShortCode),
					slog.String("tx_hash", ce.TxHash),
					slog.Any("error", pendErr))
			}
		}
		return "", s.chainFailure(ctx, esc, chain.OpFund, err)
	}

	if err := s.markFunded(ctx, esc, txHash, esc.BuyerIdentity); err != nil {
		return txHash, err
	}
	s.metrics.RecordTransition(chain.OpFund, "api", amount)
	s.notifyFunded(ctx, esc, amount)
	return txHash, nil
}

func (s *Service) markFunded(ctx context.Context, esc *models.Escrow, txHash, actor string) error {
	t := s.fundingTransition(ctx, esc, txHash, actor, "")
	if err := s.commit(ctx, esc.ShortCode, t); err != nil {
		return err
	}
	s.logger.Info("escrow funded",
		slog.String("short_code", esc.ShortCode),
		slog.String("tx_hash", txHash),
		slog.Time("auto_release_at", *t.AutoReleaseAt))
	return nil
}

func (s *Service) notifyFunded(ctx context.Context, esc *models.Escrow, amount *big.Int) {
	data := map[string]string{"short_code": esc.ShortCode, "amount": FormatAmount(amount)}
	buyerData := map[string]string{"role": "buyer"}
	sellerData := map[string]string{"role": "seller"}
	for k, v := range data {
		buyerData[k] = v
		sellerData[k] = v
	}
	s.notify(ctx, esc.BuyerIdentity, notify.KindPaymentConfirmed, buyerData)
	s.notify(ctx, esc.SellerIdentity, notify.KindPaymentConfirmed, sellerData)
}

// ApplyFunding records a funding observed on chain that did not go through
// Fund, for example when the buyer paid from their own wallet. An escrow that
// is no longer CREATED yields ErrInvalidState so repeated sweeps apply the
// transition exactly once.
func (s *Service) ApplyFunding(ctx context.Context, shortCode string, evt chain.FundedEvent) (err error) {
	ctx, span := s.startSpan(ctx, "escrow.apply_funding",
		attribute.String("escrow.short_code", shortCode),
		attribute.String("tx.hash", evt.TxHash))
	defer func() { endSpan(span, err) }()

	esc, err := s.load(ctx, shortCode)
	if err != nil {
		return err
	}
	if !sameID(esc.OnChainID, evt.OnChainID) {
		return fmt.Errorf("%w: event for %s does not belong to %s", ErrValidation, evt.OnChainID, esc.ShortCode)
	}
	if esc.Status != models.StatusCreated {
		return invalidState(esc, string(models.StatusCreated))
	}
	amount, err := parseStored(esc.Amount)
	if err != nil {
		return err
	}
	if evt.Amount != nil && evt.Amount.Cmp(amount) != 0 {
		return fmt.Errorf("%w: funded amount %s does not match escrow amount %s", ErrValidation, evt.Amount, amount)
	}
	if err := s.store.Apply(ctx, esc.ShortCode, s.fundingTransition(ctx, esc, evt.TxHash, "reconciler", "observed on chain")); err != nil {
		if errors.Is(err, ledger.ErrConflict) {
			return fmt.Errorf("%w: escrow %s changed concurrently", ErrInvalidState, esc.ShortCode)
		}
		return fmt.Errorf("escrow: persist funding: %w", err)
	}
	s.metrics.RecordTransition(chain.OpFund, "reconciler", amount)
	s.logger.Info("escrow funding reconciled",
		slog.String("short_code", esc.ShortCode),
		slog.String("tx_hash", evt.TxHash),
		slog.Uint64("block", evt.BlockNumber))
	s.notifyFunded(ctx, esc, amount)
	return nil
}

func (s *Service) fundingTransition(ctx context.Context, esc *models.Escrow, txHash, actor, details string) ledger.Transition {
	fundedAt, deadline := s.fundingTimes(ctx, esc.OnChainID)
	return ledger.Transition{
		From:          models.StatusCreated,
		To:            models.StatusFunded,
		Action:        "escrow.funded",
		Actor:         actor,
		TxHash:        txHash,
		FundedAt:      &fundedAt,
		AutoReleaseAt: &deadline,
		FundTxHash:    txHash,
		Details:       details,
	}
}

// Release pays the seller on the buyer's confirmation of delivery.
func (s *Service) Release(ctx context.Context, shortCode, requester string) (_ string, err error) {
	ctx, span := s.startSpan(ctx, "escrow.release", attribute.String("escrow.short_code", shortCode))
	defer func() { endSpan(span, err) }()

	esc, err := s.load(ctx, shortCode)
	if err != nil {
		return "", err
	}
	if identity.Normalize(requester) != esc.BuyerIdentity {
		s.metrics.RecordFailure(chain.OpRelease, "unauthorized")
		return "", fmt.Errorf("%w: only the buyer may release %s", ErrUnauthorized, esc.ShortCode)
	}
	if esc.Status != models.StatusFunded || esc.DisputeRaised {
		return "", invalidState(esc, string(models.StatusFunded))
	}
	txHash, err := s.submit(chain.OpRelease, func() (string, error) {
		return s.chain.SubmitRelease(ctx, esc.OnChainID)
	})
	if err != nil {
		return "", s.chainFailure(ctx, esc, chain.OpRelease, err)
	}
	if err := s.complete(ctx, esc, txHash, "escrow.released", esc.BuyerIdentity); err != nil {
		return txHash, err
	}
	amount, err := parseStored(esc.Amount)
	if err != nil {
		return txHash, err
	}
	sellerAmount, fee := nativeescrow.ReleaseSplit(amount)
	s.metrics.RecordTransition(chain.OpRelease, "api", sellerAmount)
	s.notify(ctx, esc.SellerIdentity, notify.KindFundsReleased, map[string]string{
		"short_code":    esc.ShortCode,
		"seller_amount": FormatAmount(sellerAmount),
		"fee":           FormatAmount(fee),
	})
	s.notify(ctx, esc.BuyerIdentity, notify.KindReleaseComplete, map[string]string{"short_code": esc.ShortCode})
	return txHash, nil
}

// AutoRelease settles a funded, undisputed escrow whose delivery window has
// closed.
func (s *Service) AutoRelease(ctx context.Context, shortCode string) (_ string, err error) {
	ctx, span := s.startSpan(ctx, "escrow.auto_release", attribute.String("escrow.short_code", shortCode))
	defer func() { endSpan(span, err) }()

	esc, err := s.load(ctx, shortCode)
	if err != nil {
		return "", err
	}
	if esc.Status != models.StatusFunded || esc.DisputeRaised {
		return "", invalidState(esc, string(models.StatusFunded))
	}
	if esc.AutoReleaseAt == nil || s.now().Before(*esc.AutoReleaseAt) {
		return "", fmt.Errorf("%w: escrow %s is not yet due for auto-release", ErrInvalidState, esc.ShortCode)
	}
	txHash, err := s.submit(chain.OpAutoRelease, func() (string, error) {
		return s.chain.SubmitAutoRelease(ctx, esc.OnChainID)
	})
	if err != nil {
		return "", s.chainFailure(ctx, esc, chain.OpAutoRelease, err)
	}
	if err := s.complete(ctx, esc, txHash, "escrow.auto_released", "reconciler"); err != nil {
		return txHash, err
	}
	amount, err := parseStored(esc.Amount)
	if err != nil {
		return txHash, err
	}
	sellerAmount, _ := nativeescrow.ReleaseSplit(amount)
	s.metrics.RecordTransition(chain.OpAutoRelease, "reconciler", sellerAmount)
	data := map[string]string{"short_code": esc.ShortCode, "seller_amount": FormatAmount(sellerAmount)}
	s.notify(ctx, esc.SellerIdentity, notify.KindAutoReleased, data)
	s.notify(ctx, esc.BuyerIdentity, notify.KindAutoReleased, data)
	return txHash, nil
}

func (s *Service) complete(ctx context.Context, esc *models.Escrow, txHash, action, actor string) error {
	completedAt := s.now().UTC()
	err := s.commit(ctx, esc.ShortCode, ledger.Transition{
		From:          models.StatusFunded,
		To:            models.StatusCompleted,
		Action:        action,
		Actor:         actor,
		TxHash:        txHash,
		CompletedAt:   &completedAt,
		ReleaseTxHash: txHash,
	})
	if err != nil {
		return err
	}
	s.logger.Info("escrow completed",
		slog.String("short_code", esc.ShortCode),
		slog.String("tx_hash", txHash),
		slog.String("action", action))
	return nil
}
