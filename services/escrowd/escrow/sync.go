package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	nativeescrow "proofpay/native/escrow"
	"proofpay/services/escrowd/chain"
	"proofpay/services/escrowd/ledger"
	"proofpay/services/escrowd/models"
)

// Resync overwrites the mirrored status of an escrow with on-chain truth.
func (s *Service) Resync(ctx context.Context, shortCode string) (_ *models.Escrow, err error) {
	ctx, span := s.startSpan(ctx, "escrow.resync", attribute.String("escrow.short_code", shortCode))
	defer func() { endSpan(span, err) }()

	esc, err := s.load(ctx, shortCode)
	if err != nil {
		return nil, err
	}
	return s.resyncFrom(ctx, esc, nil)
}

// resyncFrom mirrors observed onto esc. A nil observed state is read from the
// chain first.
func (s *Service) resyncFrom(ctx context.Context, esc *models.Escrow, observed *chain.OnChainEscrow) (*models.Escrow, error) {
	if observed == nil {
		state, err := s.chain.EscrowState(ctx, esc.OnChainID)
		if err != nil {
			return nil, fmt.Errorf("escrow: read chain state for %s: %w", esc.ShortCode, err)
		}
		observed = state
	}
	target := models.EscrowStatus(observed.Status.String())
	orphaned := target == models.StatusDisputed && esc.DisputeID == nil
	if target == esc.Status && observed.Disputed == esc.DisputeRaised && !orphaned {
		return esc, nil
	}
	state := ledger.ChainState{Status: target, Disputed: observed.Disputed}
	if !observed.FundedAt.IsZero() {
		funded := observed.FundedAt
		state.FundedAt = &funded
	}
	if !observed.AutoReleaseAt.IsZero() {
		deadline := observed.AutoReleaseAt
		state.AutoReleaseAt = &deadline
	}
	if err := s.store.Sync(ctx, esc.ShortCode, state); err != nil {
		return nil, fmt.Errorf("escrow: mirror chain state for %s: %w", esc.ShortCode, err)
	}
	s.logger.Warn("escrow resynced from chain",
		slog.String("short_code", esc.ShortCode),
		slog.String("from", string(esc.Status)),
		slog.String("to", string(target)))
	s.metrics.RecordTransition("resync", "chain", nil)
	return s.store.Get(ctx, esc.ShortCode)
}

// chainFailure classifies an adapter error. A contract rejection is
// authoritative: the ledger is resynced and the caller sees ErrInvalidState.
// Anything else leaves the ledger untouched.
func (s *Service) chainFailure(ctx context.Context, esc *models.Escrow, op string, err error) error {
	var rejected *chain.TransitionError
	if errors.As(err, &rejected) {
		s.metrics.RecordFailure(op, "rejected")
		if _, syncErr := s.resyncFrom(ctx, esc, rejected.Observed); syncErr != nil {
			s.logger.Error("resync after rejection failed",
				slog.String("short_code", esc.ShortCode),
				slog.String("op", op),
				slog.Any("error", syncErr))
		}
		return fmt.Errorf("%w: %w", ErrInvalidState, err)
	}
	reason := "chain"
	if chain.IsUnknownOutcome(err) {
		reason = "unknown_outcome"
	}
	s.metrics.RecordFailure(op, reason)
	s.logger.Error("chain call failed",
		slog.String("short_code", esc.ShortCode),
		slog.String("op", op),
		slog.Any("error", err))
	return fmt.Errorf("escrow: %s %s: %w", op, esc.ShortCode, err)
}

// fundingTimes returns the funding timestamp and auto-release deadline,
// preferring the contract's own clock.
func (s *Service) fundingTimes(ctx context.Context, onChainID string) (time.Time, time.Time) {
	if state, err := s.chain.EscrowState(ctx, onChainID); err == nil && !state.FundedAt.IsZero() {
		deadline := state.AutoReleaseAt
		if deadline.IsZero() {
			deadline = state.FundedAt.Add(time.Duration(nativeescrow.AutoReleaseGrace) * time.Second)
		}
		return state.FundedAt.UTC(), deadline.UTC()
	}
	now := s.now().UTC().Truncate(time.Second)
	return now, now.Add(time.Duration(nativeescrow.AutoReleaseGrace) * time.Second)
}

func sameID(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
