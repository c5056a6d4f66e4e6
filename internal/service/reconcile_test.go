package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/fxledger/internal/domain"
	"github.com/punchamoorthee/fxledger/internal/store"
)

// settled seeds a client whose USD/EUR accounts hold exactly the effect of
// one settled exchange.
func settled(t *testing.T, usd, eur string) (*Ledger, int64, domain.Leg, domain.Leg) {
	t.Helper()
	l := newTestLedger(t, store.NewMemoryStore(), defaultOptions())
	id := newClient(t, l, "-100", "USD", "EUR", "USDT")
	a, b := usdForEUR(usd, eur)
	_, err := l.Settle(context.Background(), SettleRequest{ClientID: id, OperationID: "op", LegA: a, LegB: b})
	require.NoError(t, err)
	return l, id, a, b
}

func TestReconcileDeltaOnly(t *testing.T) {
	ctx := context.Background()
	l, id, oldA, oldB := settled(t, "100.00", "92.00")
	newA, newB := usdForEUR("150.00", "92.00")

	ok, err := l.Reconcile(ctx, ReconcileRequest{ClientID: id, OperationID: "edit:op:1", OldA: &oldA, OldB: &oldB, NewA: newA, NewB: newB})
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, "150.00", balance(t, l, id, "USD"))
	assert.Equal(t, "-92.00", balance(t, l, id, "EUR"))
	assert.Equal(t, 1, historyLen(t, l, id, "EUR"), "EUR is untouched")

	page, err := l.History(ctx, domain.HistoryQuery{AccountID: accountID(t, l, id, "USD")})
	require.NoError(t, err)
	require.Len(t, page.Transactions, 2)
	delta := page.Transactions[0]
	assert.Equal(t, "50.00", delta.Amount.StringFixed(2))
	assert.Equal(t, "edit:op:1:delta+:legA", delta.IdempotencyKey)
	assert.Equal(t, domain.SourceExchangeEdit, delta.Source)
}

func TestReconcileNegativeDelta(t *testing.T) {
	ctx := context.Background()
	l, id, oldA, oldB := settled(t, "100.00", "92.00")
	newA, newB := usdForEUR("80.00", "95.50")

	ok, err := l.Reconcile(ctx, ReconcileRequest{ClientID: id, OperationID: "edit:op:1", OldA: &oldA, OldB: &oldB, NewA: newA, NewB: newB})
	require.NoError(t, err)
	assert.True(t, ok)

	// Same result as a single apply of (new - old) per leg.
	assert.Equal(t, "80.00", balance(t, l, id, "USD"))
	assert.Equal(t, "-95.50", balance(t, l, id, "EUR"))

	page, err := l.History(ctx, domain.HistoryQuery{AccountID: accountID(t, l, id, "USD")})
	require.NoError(t, err)
	assert.Equal(t, "edit:op:1:delta-:legA", page.Transactions[0].IdempotencyKey)
	assert.Equal(t, "-20.00", page.Transactions[0].Amount.StringFixed(2))

	page, err = l.History(ctx, domain.HistoryQuery{AccountID: accountID(t, l, id, "EUR")})
	require.NoError(t, err)
	assert.Equal(t, "edit:op:1:delta+:legB", page.Transactions[0].IdempotencyKey)
	assert.Equal(t, "-3.50", page.Transactions[0].Amount.StringFixed(2))
}

func TestReconcileIsRetrySafe(t *testing.T) {
	ctx := context.Background()
	l, id, oldA, oldB := settled(t, "100.00", "92.00")
	newA, newB := usdForEUR("150.00", "90.00")
	req := ReconcileRequest{ClientID: id, OperationID: "edit:op:1", OldA: &oldA, OldB: &oldB, NewA: newA, NewB: newB}

	for i := 0; i < 3; i++ {
		ok, err := l.Reconcile(ctx, req)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	assert.Equal(t, "150.00", balance(t, l, id, "USD"))
	assert.Equal(t, "-90.00", balance(t, l, id, "EUR"))
}

func TestReconcileRebuildOnCurrencyChange(t *testing.T) {
	ctx := context.Background()
	l, id, oldA, oldB := settled(t, "100.00", "92.00")
	newA := domain.Leg{Currency: "USDT", Amount: dec("100.00"), Direction: domain.Deposit}
	newB := domain.Leg{Currency: "EUR", Amount: dec("91.00"), Direction: domain.Withdraw}

	ok, err := l.Reconcile(ctx, ReconcileRequest{ClientID: id, OperationID: "edit:op:1", OldA: &oldA, OldB: &oldB, NewA: newA, NewB: newB})
	require.NoError(t, err)
	assert.True(t, ok)

	// Old currency as if the leg never happened, new one as if only the new
	// leg was applied.
	assert.Equal(t, "0.00", balance(t, l, id, "USD"))
	assert.Equal(t, "100.00", balance(t, l, id, "USDT"))
	assert.Equal(t, "-91.00", balance(t, l, id, "EUR"))

	assert.Equal(t, 2, historyLen(t, l, id, "USD"))
	assert.Equal(t, 1, historyLen(t, l, id, "USDT"))
	assert.Equal(t, 3, historyLen(t, l, id, "EUR"))

	page, err := l.History(ctx, domain.HistoryQuery{AccountID: accountID(t, l, id, "EUR")})
	require.NoError(t, err)
	assert.Equal(t, "edit:op:1:apply:legB", page.Transactions[0].IdempotencyKey)
	assert.Equal(t, "edit:op:1:revert:legB", page.Transactions[1].IdempotencyKey)
}

func TestReconcileWithoutOldState(t *testing.T) {
	ctx := context.Background()
	l, id, oldA, _ := settled(t, "100.00", "92.00")
	newA, newB := usdForEUR("150.00", "92.00")

	ok, err := l.Reconcile(ctx, ReconcileRequest{ClientID: id, OperationID: "edit:op:1", OldA: &oldA, NewA: newA, NewB: newB})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "100.00", balance(t, l, id, "USD"))
	assert.Equal(t, 1, historyLen(t, l, id, "USD"))
}

func TestReconcileSurfacesApplyFailure(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	flaky := &flakyStore{Store: mem, fail: map[string]error{}}
	l := newTestLedger(t, flaky, defaultOptions())
	id := newClient(t, l, "-100", "USD", "EUR")
	a, b := usdForEUR("100", "92")
	_, err := l.Settle(ctx, SettleRequest{ClientID: id, OperationID: "op", LegA: a, LegB: b})
	require.NoError(t, err)

	flaky.fail["edit:op:1:delta+:legB"] = domain.Transient(errInjected)
	newA, newB := usdForEUR("110", "93")
	_, err = l.Reconcile(ctx, ReconcileRequest{ClientID: id, OperationID: "edit:op:1", OldA: &a, OldB: &b, NewA: newA, NewB: newB})
	require.Error(t, err)
	assert.True(t, domain.IsRetryable(err))

	delete(flaky.fail, "edit:op:1:delta+:legB")
	ok, err := l.Reconcile(ctx, ReconcileRequest{ClientID: id, OperationID: "edit:op:1", OldA: &a, OldB: &b, NewA: newA, NewB: newB})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "110.00", balance(t, l, id, "USD"))
	assert.Equal(t, "-93.00", balance(t, l, id, "EUR"))
}
