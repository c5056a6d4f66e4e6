// Package service implements the ledger operations exposed to the command
// layer: wallet management, single-currency adjustments, two-leg exchange
// settlement, exchange edits and undo. Every balance change goes through
// store.Store.Apply.
package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/fxledger/internal/chatlock"
	"github.com/punchamoorthee/fxledger/internal/domain"
	"github.com/punchamoorthee/fxledger/internal/money"
	"github.com/punchamoorthee/fxledger/internal/registry"
	"github.com/punchamoorthee/fxledger/internal/store"
)

// Currency is one entry of the default account set.
type Currency struct {
	Code      string
	Precision int32
}

type Options struct {
	// AllowNonZeroRemoval lets RemoveCurrency abandon a non-zero balance.
	AllowNonZeroRemoval bool

	// RatePivot is the currency display rates are quoted in, when present.
	RatePivot string

	DefaultCurrencies []Currency
}

// Ledger is the entry point for all ledger mutations.
type Ledger struct {
	store    store.Store
	gate     *chatlock.Gate
	undo     registry.Undo
	requests *registry.RequestIndex
	opts     Options
	log      zerolog.Logger
	newOpID  func() string
}

func NewLedger(st store.Store, gate *chatlock.Gate, undo registry.Undo, requests *registry.RequestIndex, opts Options, log zerolog.Logger) *Ledger {
	if gate == nil {
		gate = chatlock.New()
	}
	if undo == nil {
		undo = registry.NewSetUndo()
	}
	return &Ledger{
		store:    st,
		gate:     gate,
		undo:     undo,
		requests: requests,
		opts:     opts,
		log:      log,
		newOpID:  func() string { return uuid.NewString() },
	}
}

// Requests returns the command request index, or nil when none is wired.
func (l *Ledger) Requests() *registry.RequestIndex { return l.requests }

// WithChat runs fn while holding the chat's lock. Only the ledger
// read-then-write sequence should run inside fn.
func (l *Ledger) WithChat(ctx context.Context, chat string, fn func(ctx context.Context) error) error {
	return l.gate.Do(ctx, chat, fn)
}

func (l *Ledger) EnsureClient(ctx context.Context, externalKey, name string, city *string) (int64, error) {
	externalKey = strings.TrimSpace(externalKey)
	if externalKey == "" {
		return 0, fmt.Errorf("%w: empty client key", domain.ErrClientNotFound)
	}
	return l.store.EnsureClient(ctx, externalKey, strings.TrimSpace(name), city)
}

func (l *Ledger) ClientByKey(ctx context.Context, externalKey string) (domain.Client, error) {
	return l.store.ClientByKey(ctx, strings.TrimSpace(externalKey))
}

func (l *Ledger) DeactivateClient(ctx context.Context, clientID int64) (bool, error) {
	return l.store.DeactivateClient(ctx, clientID)
}

// RekeyClient moves a client to a new external key, e.g. after its chat was
// migrated to a new identity.
func (l *Ledger) RekeyClient(ctx context.Context, clientID int64, newKey string) error {
	newKey = strings.TrimSpace(newKey)
	if newKey == "" {
		return fmt.Errorf("%w: empty client key", domain.ErrClientNotFound)
	}
	if err := l.store.RekeyClient(ctx, clientID, newKey); err != nil {
		return err
	}
	l.log.Info().Int64("client_id", clientID).Str("key", newKey).Msg("client rekeyed")
	return nil
}

func (l *Ledger) AddCurrency(ctx context.Context, clientID int64, code string, precision int32) (int64, error) {
	code, err := money.NormalizeCode(code)
	if err != nil {
		return 0, err
	}
	if err := money.ValidatePrecision(precision); err != nil {
		return 0, err
	}
	return l.store.AddCurrency(ctx, clientID, code, precision)
}

// RemoveCurrency soft-deletes the account. Unless AllowNonZeroRemoval is
// set, an account with a non-zero balance is kept and ErrNonZeroBalance is
// returned.
func (l *Ledger) RemoveCurrency(ctx context.Context, clientID int64, code string) (bool, error) {
	code, err := money.NormalizeCode(code)
	if err != nil {
		return false, err
	}
	if !l.opts.AllowNonZeroRemoval {
		acc, ok, err := l.account(ctx, clientID, code)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
		if !acc.Balance.IsZero() {
			return false, fmt.Errorf("%w: %s %s", domain.ErrNonZeroBalance, code, money.Format(acc.Balance, acc.Precision))
		}
	}
	removed, err := l.store.RemoveCurrency(ctx, clientID, code)
	if err != nil {
		return false, err
	}
	if removed {
		l.log.Info().Int64("client_id", clientID).Str("currency", code).Msg("currency removed")
	}
	return removed, nil
}

func (l *Ledger) Snapshot(ctx context.Context, clientID int64) ([]domain.CurrencyAccount, error) {
	return l.store.Snapshot(ctx, clientID)
}

// EnsureDefaultAccounts opens the default currency set for a client that has
// no active accounts, and returns the resulting wallet.
func (l *Ledger) EnsureDefaultAccounts(ctx context.Context, clientID int64) ([]domain.CurrencyAccount, error) {
	accounts, err := l.store.Snapshot(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if len(accounts) > 0 {
		return accounts, nil
	}
	for _, c := range l.opts.DefaultCurrencies {
		if _, err := l.AddCurrency(ctx, clientID, c.Code, c.Precision); err != nil {
			return nil, fmt.Errorf("default currency %s: %w", c.Code, err)
		}
	}
	return l.store.Snapshot(ctx, clientID)
}

// Adjustment is a single-currency deposit or withdrawal.
type Adjustment struct {
	ClientID       int64
	Currency       string
	Amount         decimal.Decimal
	IdempotencyKey string
	GroupID        *int64
	ActorID        *int64
	Comment        string
	At             time.Time
}

// Deposit credits a positive amount.
func (l *Ledger) Deposit(ctx context.Context, adj Adjustment) (domain.ApplyResult, error) {
	return l.adjust(ctx, adj, domain.Deposit)
}

// Withdraw debits a positive amount. Balances may go negative.
func (l *Ledger) Withdraw(ctx context.Context, adj Adjustment) (domain.ApplyResult, error) {
	return l.adjust(ctx, adj, domain.Withdraw)
}

func (l *Ledger) adjust(ctx context.Context, adj Adjustment, dir domain.Direction) (domain.ApplyResult, error) {
	if !adj.Amount.IsPositive() {
		return domain.ApplyResult{}, fmt.Errorf("%w: amount must be positive", domain.ErrInvalidAmount)
	}
	code, err := money.NormalizeCode(adj.Currency)
	if err != nil {
		return domain.ApplyResult{}, err
	}
	acc, ok, err := l.account(ctx, adj.ClientID, code)
	if err != nil {
		return domain.ApplyResult{}, err
	}
	if !ok {
		return domain.ApplyResult{}, domain.ErrAccountNotFound
	}
	if money.Quantize(adj.Amount, acc.Precision).IsZero() {
		return domain.ApplyResult{}, fmt.Errorf("%w: %s rounds to zero in %s", domain.ErrInvalidAmount, adj.Amount, code)
	}
	return l.apply(ctx, domain.ApplyRequest{
		ClientID:       adj.ClientID,
		Currency:       code,
		Amount:         dir.Signed(adj.Amount),
		IdempotencyKey: adj.IdempotencyKey,
		GroupID:        adj.GroupID,
		ActorID:        adj.ActorID,
		Comment:        adj.Comment,
		Source:         domain.SourceCommand,
		At:             adj.At,
	})
}

// Undo reverses a previously applied signed delta once per (chat, message).
// A second call for the same message returns ErrAlreadyUndone without
// touching the ledger.
func (l *Ledger) Undo(ctx context.Context, chat string, messageID int64, currency string, original decimal.Decimal) (domain.ApplyResult, error) {
	if original.IsZero() {
		return domain.ApplyResult{}, fmt.Errorf("%w: nothing to undo", domain.ErrInvalidAmount)
	}
	code, err := money.NormalizeCode(currency)
	if err != nil {
		return domain.ApplyResult{}, err
	}
	key := registry.Key{Chat: chat, Message: messageID}

	var res domain.ApplyResult
	err = l.WithChat(ctx, chat, func(ctx context.Context) error {
		if l.undo.IsDone(key) {
			undoTotal.WithLabelValues(outcomeAlreadyUndone).Inc()
			return domain.ErrAlreadyUndone
		}
		client, err := l.store.ClientByKey(ctx, chat)
		if err != nil {
			return err
		}
		res, err = l.apply(ctx, domain.ApplyRequest{
			ClientID:       client.ID,
			Currency:       code,
			Amount:         original.Neg(),
			IdempotencyKey: "undo:" + key.String(),
			Comment:        fmt.Sprintf("undo of message %d", messageID),
			Source:         domain.SourceUndo,
		})
		if err != nil {
			undoTotal.WithLabelValues(outcomeError).Inc()
			return err
		}
		l.undo.MarkDone(key)
		undoTotal.WithLabelValues(outcomeApplied).Inc()
		return nil
	})
	return res, err
}

// History returns one page of an account's transactions, newest first.
func (l *Ledger) History(ctx context.Context, q domain.HistoryQuery) (domain.HistoryPage, error) {
	if q.AccountID <= 0 {
		return domain.HistoryPage{}, domain.ErrAccountNotFound
	}
	return l.store.History(ctx, q)
}

// apply is the single path to store.Apply; it records the outcome.
func (l *Ledger) apply(ctx context.Context, req domain.ApplyRequest) (domain.ApplyResult, error) {
	res, err := l.store.Apply(ctx, req)
	switch {
	case err != nil:
		applyTotal.WithLabelValues(req.Source, outcomeError).Inc()
		l.log.Warn().Err(err).
			Int64("client_id", req.ClientID).
			Str("currency", req.Currency).
			Str("key", req.IdempotencyKey).
			Bool("retryable", domain.IsRetryable(err)).
			Msg("ledger apply failed")
		return res, err
	case res.Replayed:
		applyTotal.WithLabelValues(req.Source, outcomeReplayed).Inc()
		l.log.Debug().Int64("txn_id", res.TransactionID).Str("key", req.IdempotencyKey).Msg("ledger apply replayed")
	default:
		applyTotal.WithLabelValues(req.Source, outcomeApplied).Inc()
		l.log.Debug().
			Int64("txn_id", res.TransactionID).
			Int64("client_id", req.ClientID).
			Str("currency", req.Currency).
			Str("amount", req.Amount.String()).
			Str("source", req.Source).
			Msg("ledger apply")
	}
	return res, nil
}

// account finds the client's active account for code.
func (l *Ledger) account(ctx context.Context, clientID int64, code string) (domain.CurrencyAccount, bool, error) {
	accounts, err := l.store.Snapshot(ctx, clientID)
	if err != nil {
		return domain.CurrencyAccount{}, false, err
	}
	for _, a := range accounts {
		if a.Currency == code {
			return a, true, nil
		}
	}
	return domain.CurrencyAccount{}, false, nil
}
