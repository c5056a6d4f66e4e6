package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/fxledger/internal/domain"
	"github.com/punchamoorthee/fxledger/internal/money"
)

// compensationTimeout bounds the reversal of leg A.
const compensationTimeout = 10 * time.Second

// SettleRequest describes a two-leg exchange. OperationID is the stable
// identity of the exchange; every leg key is derived from it, so retrying
// with the same OperationID never applies a leg twice.
type SettleRequest struct {
	ClientID    int64
	OperationID string
	LegA        domain.Leg
	LegB        domain.Leg
	GroupID     *int64
	ActorID     *int64
	Comment     string
	At          time.Time
}

// Settle applies leg A then leg B. If leg B fails after leg A succeeded, the
// exact inverse of leg A is applied under its own key and ErrExchangeCompensated
// is returned; the same operation id is then refused. When the reversal also
// fails a *domain.CompensationError carrying both causes is returned.
func (l *Ledger) Settle(ctx context.Context, req SettleRequest) (domain.ExchangeResult, error) {
	if req.OperationID == "" {
		req.OperationID = l.newOpID()
	}
	log := l.log.With().Str("operation_id", req.OperationID).Int64("client_id", req.ClientID).Logger()

	legA, legB, rate, err := l.prepareLegs(ctx, req.ClientID, req.LegA, req.LegB)
	if err != nil {
		exchangeTotal.WithLabelValues(outcomeRejected).Inc()
		log.Info().Err(err).Msg("exchange rejected")
		return domain.ExchangeResult{}, err
	}

	base := domain.ApplyRequest{
		ClientID: req.ClientID,
		GroupID:  req.GroupID,
		ActorID:  req.ActorID,
		Comment:  req.Comment,
		Source:   domain.SourceExchange,
		At:       req.At,
	}

	// 1. Leg A
	resA, err := l.apply(ctx, legRequest(base, legA, req.OperationID+":legA"))
	if err != nil {
		exchangeTotal.WithLabelValues(outcomeRejected).Inc()
		return domain.ExchangeResult{}, fmt.Errorf("exchange %s: leg A: %w", req.OperationID, err)
	}

	undoKey := req.OperationID + ":legA:undo"
	if resA.Replayed {
		// A replayed leg A may already have been reversed by an earlier attempt.
		_, undone, err := l.store.TransactionByKey(ctx, req.ClientID, undoKey)
		if err != nil {
			return domain.ExchangeResult{}, fmt.Errorf("exchange %s: %w", req.OperationID, err)
		}
		if undone {
			exchangeTotal.WithLabelValues(outcomeRejected).Inc()
			return domain.ExchangeResult{}, fmt.Errorf("exchange %s: %w", req.OperationID, domain.ErrExchangeCompensated)
		}
	}

	// 2. Leg B
	resB, legErr := l.apply(ctx, legRequest(base, legB, req.OperationID+":legB"))
	if legErr != nil {
		// 3. Compensation
		undo := legRequest(base, domain.Leg{
			Currency:  legA.Currency,
			Amount:    legA.Amount,
			Direction: legA.Direction.Inverse(),
		}, undoKey)
		undo.Source = domain.SourceExchangeCompensate

		// Runs even when the caller's context is already done.
		compCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
		_, compErr := l.apply(compCtx, undo)
		cancel()
		if compErr != nil {
			exchangeTotal.WithLabelValues(outcomeCompensationFailed).Inc()
			log.Error().AnErr("leg_error", legErr).AnErr("compensation_error", compErr).Msg("exchange compensation failed")
			return domain.ExchangeResult{}, &domain.CompensationError{
				OperationID:   req.OperationID,
				LegErr:        legErr,
				CompensateErr: compErr,
			}
		}
		exchangeTotal.WithLabelValues(outcomeCompensated).Inc()
		log.Warn().Err(legErr).Msg("exchange leg B failed, leg A compensated")
		return domain.ExchangeResult{}, fmt.Errorf("exchange %s: %w: leg B: %w", req.OperationID, domain.ErrExchangeCompensated, legErr)
	}

	// 4. Record
	replayed := resA.Replayed && resB.Replayed
	if err := l.saveSettled(ctx, replayed, domain.Exchange{
		ClientID:    req.ClientID,
		OperationID: req.OperationID,
		LegA:        legA,
		LegB:        legB,
		Rate:        rate,
		Comment:     req.Comment,
	}); err != nil {
		// Both legs are durable; a retry with the same operation id replays
		// them and writes the record again.
		log.Error().Err(err).Msg("exchange record not saved")
		return domain.ExchangeResult{}, fmt.Errorf("exchange %s: save record: %w", req.OperationID, err)
	}

	exchangeTotal.WithLabelValues(outcomeSettled).Inc()
	log.Debug().Str("rate", rate.String()).Msg("exchange settled")
	return domain.ExchangeResult{
		OperationID:     req.OperationID,
		LegA:            legA,
		LegB:            legB,
		LegATransaction: resA.TransactionID,
		LegBTransaction: resB.TransactionID,
		Rate:            rate,
		Replayed:        replayed,
	}, nil
}

// saveSettled writes the exchange record unless this was a full replay of
// an exchange that is already recorded.
func (l *Ledger) saveSettled(ctx context.Context, replayed bool, ex domain.Exchange) error {
	if replayed {
		_, err := l.store.Exchange(ctx, ex.ClientID, ex.OperationID)
		if err == nil {
			return nil
		}
		if !errors.Is(err, domain.ErrExchangeNotFound) {
			return err
		}
	}
	return l.store.SaveExchange(ctx, ex)
}

// EditRequest replaces the legs of a settled exchange. An empty leg
// direction keeps the recorded one.
type EditRequest struct {
	ClientID    int64
	OperationID string
	// EditID distinguishes successive edits of one exchange.
	EditID  string
	LegA    domain.Leg
	LegB    domain.Leg
	ActorID *int64
	Comment string
	At      time.Time
}

// EditExchange corrects a settled exchange to new legs using the recorded
// amounts as the old state. It returns false without touching the ledger
// when no record exists for the operation.
func (l *Ledger) EditExchange(ctx context.Context, req EditRequest) (bool, error) {
	if strings.TrimSpace(req.EditID) == "" {
		return false, fmt.Errorf("%w: edit id is required", domain.ErrInvalidLeg)
	}
	prev, err := l.store.Exchange(ctx, req.ClientID, req.OperationID)
	if errors.Is(err, domain.ErrExchangeNotFound) {
		reconcileTotal.WithLabelValues(modeSkipped).Inc()
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if req.LegA.Direction == "" {
		req.LegA.Direction = prev.LegA.Direction
	}
	if req.LegB.Direction == "" {
		req.LegB.Direction = prev.LegB.Direction
	}
	if req.LegA.Direction != prev.LegA.Direction || req.LegB.Direction != prev.LegB.Direction {
		return false, fmt.Errorf("%w: an edit cannot change leg directions", domain.ErrInvalidLeg)
	}
	legA, legB, rate, err := l.prepareLegs(ctx, req.ClientID, req.LegA, req.LegB)
	if err != nil {
		return false, err
	}

	ok, err := l.Reconcile(ctx, ReconcileRequest{
		ClientID:    req.ClientID,
		OperationID: "edit:" + req.OperationID + ":" + req.EditID,
		OldA:        &prev.LegA,
		OldB:        &prev.LegB,
		NewA:        legA,
		NewB:        legB,
		ActorID:     req.ActorID,
		Comment:     req.Comment,
		At:          req.At,
	})
	if err != nil || !ok {
		return ok, err
	}

	comment := req.Comment
	if comment == "" {
		comment = prev.Comment
	}
	if err := l.store.SaveExchange(ctx, domain.Exchange{
		ClientID:    req.ClientID,
		OperationID: req.OperationID,
		LegA:        legA,
		LegB:        legB,
		Rate:        rate,
		Comment:     comment,
	}); err != nil {
		return false, fmt.Errorf("exchange %s: save edit: %w", req.OperationID, err)
	}
	return true, nil
}

// prepareLegs validates both legs, derives the display rate from the
// requested amounts and quantizes each amount to its account's precision.
func (l *Ledger) prepareLegs(ctx context.Context, clientID int64, a, b domain.Leg) (domain.Leg, domain.Leg, decimal.Decimal, error) {
	var err error
	if a, err = normalizeLeg(a); err != nil {
		return a, b, decimal.Zero, fmt.Errorf("leg A: %w", err)
	}
	if b, err = normalizeLeg(b); err != nil {
		return a, b, decimal.Zero, fmt.Errorf("leg B: %w", err)
	}

	rate, err := money.ImpliedRate(a, b, l.opts.RatePivot)
	if err != nil {
		return a, b, decimal.Zero, err
	}

	accounts, err := l.store.Snapshot(ctx, clientID)
	if err != nil {
		return a, b, decimal.Zero, err
	}
	precision := make(map[string]int32, len(accounts))
	for _, acc := range accounts {
		precision[acc.Currency] = acc.Precision
	}
	for _, leg := range []*domain.Leg{&a, &b} {
		p, ok := precision[leg.Currency]
		if !ok {
			return a, b, decimal.Zero, fmt.Errorf("%w: %s", domain.ErrAccountNotFound, leg.Currency)
		}
		leg.Amount = money.Quantize(leg.Amount, p)
		if leg.Amount.IsZero() {
			return a, b, decimal.Zero, fmt.Errorf("%w: %s amount rounds to zero", domain.ErrInvalidAmount, leg.Currency)
		}
	}
	return a, b, rate, nil
}

func normalizeLeg(leg domain.Leg) (domain.Leg, error) {
	code, err := money.NormalizeCode(leg.Currency)
	if err != nil {
		return leg, err
	}
	leg.Currency = code
	if !leg.Direction.Valid() {
		return leg, fmt.Errorf("%w: direction %q", domain.ErrInvalidLeg, leg.Direction)
	}
	if !leg.Amount.IsPositive() {
		return leg, fmt.Errorf("%w: amount must be positive", domain.ErrInvalidAmount)
	}
	return leg, nil
}

func legRequest(base domain.ApplyRequest, leg domain.Leg, key string) domain.ApplyRequest {
	base.Currency = leg.Currency
	base.Amount = leg.Direction.Signed(leg.Amount)
	base.IdempotencyKey = key
	return base
}
