package service

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/fxledger/internal/domain"
)

// ReconcileRequest carries the recorded legs of a settled exchange and the
// legs it should have had. Amounts on both sides are already quantized.
type ReconcileRequest struct {
	ClientID int64
	// OperationID prefixes every derived idempotency key.
	OperationID string

	// OldA and OldB are nil when the previous state is unknown.
	OldA *domain.Leg
	OldB *domain.Leg
	NewA domain.Leg
	NewB domain.Leg

	GroupID *int64
	ActorID *int64
	Comment string
	At      time.Time
}

// Reconcile applies the minimal ledger correction turning the old legs into
// the new ones. With unchanged currencies each leg gets a single delta call;
// if either currency changed both old legs are reverted and both new legs
// applied. The recorded leg directions are used throughout. It returns false
// without any ledger call when the old state is missing.
func (l *Ledger) Reconcile(ctx context.Context, req ReconcileRequest) (bool, error) {
	if req.OldA == nil || req.OldB == nil {
		reconcileTotal.WithLabelValues(modeSkipped).Inc()
		return false, nil
	}
	oldA, oldB := *req.OldA, *req.OldB

	base := domain.ApplyRequest{
		ClientID: req.ClientID,
		GroupID:  req.GroupID,
		ActorID:  req.ActorID,
		Comment:  req.Comment,
		Source:   domain.SourceExchangeEdit,
		At:       req.At,
	}

	if oldA.Currency == req.NewA.Currency && oldB.Currency == req.NewB.Currency {
		reconcileTotal.WithLabelValues(modeDelta).Inc()
		if err := l.applyDelta(ctx, base, req.OperationID, "legA", oldA, req.NewA.Amount); err != nil {
			return false, err
		}
		if err := l.applyDelta(ctx, base, req.OperationID, "legB", oldB, req.NewB.Amount); err != nil {
			return false, err
		}
		return true, nil
	}

	reconcileTotal.WithLabelValues(modeRebuild).Inc()
	steps := []struct {
		suffix string
		leg    domain.Leg
	}{
		{"revert:legA", domain.Leg{Currency: oldA.Currency, Amount: oldA.Amount, Direction: oldA.Direction.Inverse()}},
		{"revert:legB", domain.Leg{Currency: oldB.Currency, Amount: oldB.Amount, Direction: oldB.Direction.Inverse()}},
		{"apply:legA", domain.Leg{Currency: req.NewA.Currency, Amount: req.NewA.Amount, Direction: oldA.Direction}},
		{"apply:legB", domain.Leg{Currency: req.NewB.Currency, Amount: req.NewB.Amount, Direction: oldB.Direction}},
	}
	for _, step := range steps {
		if _, err := l.apply(ctx, legRequest(base, step.leg, req.OperationID+":"+step.suffix)); err != nil {
			return false, fmt.Errorf("reconcile %s %s: %w", req.OperationID, step.suffix, err)
		}
	}
	l.log.Info().Str("operation_id", req.OperationID).Msg("exchange rebuilt after currency change")
	return true, nil
}

// applyDelta moves one leg from old.Amount to newAmount in old.Direction.
// A negative delta is applied in the opposite direction; zero is a no-op.
func (l *Ledger) applyDelta(ctx context.Context, base domain.ApplyRequest, opID, leg string, old domain.Leg, newAmount decimal.Decimal) error {
	delta := newAmount.Sub(old.Amount)
	if delta.IsZero() {
		return nil
	}
	dir, mark := old.Direction, "delta+"
	if delta.IsNegative() {
		dir, mark = old.Direction.Inverse(), "delta-"
	}
	key := fmt.Sprintf("%s:%s:%s", opID, mark, leg)
	change := domain.Leg{Currency: old.Currency, Amount: delta.Abs(), Direction: dir}
	if _, err := l.apply(ctx, legRequest(base, change, key)); err != nil {
		return fmt.Errorf("reconcile %s %s: %w", opID, leg, err)
	}
	return nil
}
