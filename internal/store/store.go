// Package store persists clients, currency accounts, transactions and exchange
// records. Apply is the only operation that changes a balance.
package store

import (
	"context"
	"time"

	"github.com/punchamoorthee/fxledger/internal/domain"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

// Store is implemented by the Postgres, SQLite and in-memory backends.
type Store interface {
	// EnsureClient returns the client for externalKey, creating it or
	// reactivating a soft-deleted one. Name and city are only overwritten with
	// non-empty values that differ from the stored ones.
	EnsureClient(ctx context.Context, externalKey, name string, city *string) (int64, error)
	ClientByKey(ctx context.Context, externalKey string) (domain.Client, error)
	DeactivateClient(ctx context.Context, clientID int64) (bool, error)
	RekeyClient(ctx context.Context, clientID int64, newKey string) error

	AddCurrency(ctx context.Context, clientID int64, code string, precision int32) (int64, error)
	RemoveCurrency(ctx context.Context, clientID int64, code string) (bool, error)
	Snapshot(ctx context.Context, clientID int64) ([]domain.CurrencyAccount, error)

	// Apply changes one account balance by a signed delta and records the
	// transaction, atomically. A repeated (client, idempotency key) returns
	// the original transaction id without touching the balance.
	Apply(ctx context.Context, req domain.ApplyRequest) (domain.ApplyResult, error)
	History(ctx context.Context, q domain.HistoryQuery) (domain.HistoryPage, error)
	// TransactionByKey reports the id of the client's transaction recorded
	// under idempotencyKey.
	TransactionByKey(ctx context.Context, clientID int64, idempotencyKey string) (int64, bool, error)

	SaveExchange(ctx context.Context, ex domain.Exchange) error
	Exchange(ctx context.Context, clientID int64, operationID string) (domain.Exchange, error)

	Ping(ctx context.Context) error
	Close() error
}

// normalizeLimit clamps a requested page size.
func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		return MaxHistoryLimit
	}
	return limit
}

// eventTime resolves the transaction timestamp, normalized to UTC.
func eventTime(at time.Time, now func() time.Time) time.Time {
	if at.IsZero() {
		at = now()
	}
	return at.UTC()
}

// nextCursor returns the cursor after a full page, nil when the page is short.
func nextCursor(txs []domain.Transaction, limit int) *domain.HistoryCursor {
	if len(txs) < limit || len(txs) == 0 {
		return nil
	}
	last := txs[len(txs)-1]
	return &domain.HistoryCursor{At: last.At, ID: last.ID}
}
