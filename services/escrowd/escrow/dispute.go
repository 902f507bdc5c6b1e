package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	nativeescrow "proofpay/native/escrow"
	"proofpay/observability/metrics"
	"proofpay/services/escrowd/chain"
	"proofpay/services/escrowd/identity"
	"proofpay/services/escrowd/ledger"
	"proofpay/services/escrowd/models"
	"proofpay/services/escrowd/notify"
)

// EvidenceFile is an attachment supplied with a dispute.
type EvidenceFile struct {
	Filename string
	Data     []byte
}

// DisputeRequest raises a dispute on a funded escrow.
type DisputeRequest struct {
	ShortCode   string
	Requester   string
	Reason      string
	Description string
	Evidence    []EvidenceFile
}

// ParseReason validates a dispute reason. An empty reason maps to OTHER.
func ParseReason(raw string) (models.DisputeReason, error) {
	switch reason := models.DisputeReason(strings.ToUpper(strings.TrimSpace(raw))); reason {
	case "":
		return models.ReasonOther, nil
	case models.ReasonNotReceived, models.ReasonNotAsDescribed, models.ReasonPaymentIssue, models.ReasonOther:
		return reason, nil
	default:
		return "", fmt.Errorf("%w: unknown dispute reason %q", ErrValidation, raw)
	}
}

// RaiseDispute freezes a funded escrow pending operator review. Either party
// may raise a dispute. Evidence upload is best effort: a failed upload is
// logged and skipped.
func (s *Service) RaiseDispute(ctx context.Context, req DisputeRequest) (_ *models.Dispute, err error) {
	ctx, span := s.startSpan(ctx, "escrow.raise_dispute", attribute.String("escrow.short_code", req.ShortCode))
	defer func() { endSpan(span, err) }()

	reason, err := ParseReason(req.Reason)
	if err != nil {
		return nil, err
	}
	esc, err := s.load(ctx, req.ShortCode)
	if err != nil {
		return nil, err
	}
	requester := identity.Normalize(req.Requester)
	if requester != esc.BuyerIdentity && requester != esc.SellerIdentity {
		s.metrics.RecordFailure(chain.OpDispute, "unauthorized")
		return nil, fmt.Errorf("%w: only a party may dispute %s", ErrUnauthorized, esc.ShortCode)
	}
	if esc.Status != models.StatusFunded || esc.DisputeRaised {
		return nil, invalidState(esc, string(models.StatusFunded))
	}
	party, err := s.signers.SignerFor(ctx, requester)
	if err != nil {
		return nil, fmt.Errorf("escrow: party signer: %w", err)
	}
	urls := s.storeEvidence(ctx, esc.ShortCode, req.Evidence)

	txHash, err := s.submit(chain.OpDispute, func() (string, error) {
		return s.chain.SubmitDispute(ctx, esc.OnChainID, party)
	})
	if err != nil {
		return nil, s.chainFailure(ctx, esc, chain.OpDispute, err)
	}

	dispute := &models.Dispute{
		ID:              uuid.New(),
		EscrowShortCode: esc.ShortCode,
		RaisedBy:        requester,
		Reason:          reason,
		Description:     strings.TrimSpace(req.Description),
		EvidenceURLs:    urls,
	}
	if err := s.store.OpenDispute(ctx, dispute, txHash); err != nil {
		if errors.Is(err, ledger.ErrConflict) {
			if _, syncErr := s.resyncFrom(ctx, esc, nil); syncErr != nil {
				s.logger.Error("resync after dispute conflict failed", slog.String("short_code", esc.ShortCode), slog.Any("error", syncErr))
			}
			return nil, fmt.Errorf("%w: escrow %s changed concurrently", ErrInvalidState, esc.ShortCode)
		}
		return nil, fmt.Errorf("escrow: persist dispute: %w", err)
	}
	s.metrics.RecordTransition(chain.OpDispute, "api", nil)
	s.logger.Info("dispute raised",
		slog.String("short_code", esc.ShortCode),
		slog.String("dispute_id", dispute.ID.String()),
		slog.String("reason", string(reason)),
		slog.String("tx_hash", txHash))

	data := map[string]string{"short_code": esc.ShortCode, "reason": string(reason)}
	s.notify(ctx, esc.BuyerIdentity, notify.KindDisputeRaised, data)
	s.notify(ctx, esc.SellerIdentity, notify.KindDisputeRaised, data)
	return dispute, nil
}

func (s *Service) storeEvidence(ctx context.Context, shortCode string, files []EvidenceFile) []string {
	if len(files) == 0 {
		return nil
	}
	if s.evidence == nil {
		s.logger.Warn("evidence dropped: no evidence store configured",
			slog.String("short_code", shortCode), slog.Int("files", len(files)))
		return nil
	}
	urls := make([]string, 0, len(files))
	for _, file := range files {
		url, err := s.evidence.Store(ctx, file.Data, file.Filename)
		metrics.Notify().RecordEvidence(err == nil)
		if err != nil {
			s.logger.Warn("evidence upload failed",
				slog.String("short_code", shortCode),
				slog.String("filename", file.Filename),
				slog.Any("error", err))
			continue
		}
		urls = append(urls, url)
	}
	return urls
}

// ResolveDispute splits a disputed escrow between the parties. Only
// operators may resolve; buyerPct is the buyer's share in whole percent.
func (s *Service) ResolveDispute(ctx context.Context, disputeID uuid.UUID, buyerPct int, resolver string) (_ string, err error) {
	ctx, span := s.startSpan(ctx, "escrow.resolve_dispute",
		attribute.String("dispute.id", disputeID.String()),
		attribute.Int("dispute.buyer_pct", buyerPct))
	defer func() { endSpan(span, err) }()

	if buyerPct < 0 || buyerPct > 100 {
		return "", fmt.Errorf("%w: buyer percentage must be between 0 and 100", ErrValidation)
	}
	resolver = identity.Normalize(resolver)
	ok, err := s.auth.IsOperator(ctx, resolver)
	if err != nil {
		return "", fmt.Errorf("escrow: authorize resolver: %w", err)
	}
	if !ok {
		s.metrics.RecordFailure(chain.OpResolve, "unauthorized")
		return "", fmt.Errorf("%w: resolver is not an operator", ErrUnauthorized)
	}
	dispute, err := s.GetDispute(ctx, disputeID)
	if err != nil {
		return "", err
	}
	if dispute.Status != models.DisputeOpen {
		return "", fmt.Errorf("%w: dispute %s is %s", ErrInvalidState, disputeID, dispute.Status)
	}
	esc, err := s.load(ctx, dispute.EscrowShortCode)
	if err != nil {
		return "", err
	}
	if esc.Status != models.StatusDisputed {
		return "", invalidState(esc, string(models.StatusDisputed))
	}
	amount, err := parseStored(esc.Amount)
	if err != nil {
		return "", err
	}
	buyerAmount, sellerAmount, err := nativeescrow.DisputeSplit(amount, uint8(buyerPct))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrValidation, err)
	}

	txHash, err := s.submit(chain.OpResolve, func() (string, error) {
		return s.chain.SubmitResolve(ctx, esc.OnChainID, uint8(buyerPct))
	})
	if err != nil {
		return "", s.chainFailure(ctx, esc, chain.OpResolve, err)
	}
	err = s.store.ResolveDispute(ctx, disputeID, ledger.Resolution{
		BuyerPercentage: buyerPct,
		ResolvedBy:      resolver,
		Resolution:      fmt.Sprintf("buyer %d%% (%s), seller %d%% (%s)", buyerPct, FormatAmount(buyerAmount), 100-buyerPct, FormatAmount(sellerAmount)),
		TxHash:          txHash,
	})
	if err != nil {
		if errors.Is(err, ledger.ErrConflict) {
			return txHash, fmt.Errorf("%w: dispute %s changed concurrently", ErrInvalidState, disputeID)
		}
		return txHash, fmt.Errorf("escrow: persist resolution: %w", err)
	}
	s.metrics.RecordTransition(chain.OpResolve, "operator", amount)
	s.logger.Info("dispute resolved",
		slog.String("short_code", esc.ShortCode),
		slog.String("dispute_id", disputeID.String()),
		slog.Int("buyer_pct", buyerPct),
		slog.String("tx_hash", txHash))

	s.notify(ctx, esc.BuyerIdentity, notify.KindDisputeResolved, map[string]string{
		"short_code": esc.ShortCode,
		"amount":     FormatAmount(buyerAmount),
		"percentage": strconv.Itoa(buyerPct),
	})
	s.notify(ctx, esc.SellerIdentity, notify.KindDisputeResolved, map[string]string{
		"short_code": esc.ShortCode,
		"amount":     FormatAmount(sellerAmount),
		"percentage": strconv.Itoa(100 - buyerPct),
	})
	return txHash, nil
}
