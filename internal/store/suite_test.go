package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/fxledger/internal/domain"
)

// runStoreSuite exercises the behavior every backend must share.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("apply quantizes and replays", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		clientID, accountID := seedAccount(t, s, "chat-q", "USD", 2)

		r1, err := s.Apply(ctx, applyReq(clientID, "USD", "100.004", "c:1:recv"))
		require.NoError(t, err)
		assert.False(t, r1.Replayed)
		assertBalance(t, s, clientID, "USD", "100.00")

		r2, err := s.Apply(ctx, applyReq(clientID, "USD", "-40", "c:2:pay"))
		require.NoError(t, err)
		assertBalance(t, s, clientID, "USD", "60.00")

		again, err := s.Apply(ctx, applyReq(clientID, "USD", "-40", "c:2:pay"))
		require.NoError(t, err)
		assert.True(t, again.Replayed)
		assert.Equal(t, r2.TransactionID, again.TransactionID)
		assertBalance(t, s, clientID, "USD", "60.00")

		page, err := s.History(ctx, domain.HistoryQuery{AccountID: accountID})
		require.NoError(t, err)
		require.Len(t, page.Transactions, 2)
		assert.Equal(t, "-40.00", page.Transactions[0].Amount.StringFixed(2))
		assert.Equal(t, "60.00", page.Transactions[0].BalanceAfter.StringFixed(2))
		assert.Equal(t, "100.00", page.Transactions[1].Amount.StringFixed(2))
	})

	t.Run("zero precision rounds half away from zero", func(t *testing.T) {
		s := newStore(t)
		clientID, _ := seedAccount(t, s, "chat-z", "RUB", 0)

		_, err := s.Apply(context.Background(), applyReq(clientID, "rub", "10.5", "k1"))
		require.NoError(t, err)
		assertBalance(t, s, clientID, "RUB", "11")
	})

	t.Run("missing and inactive accounts", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		clientID, _ := seedAccount(t, s, "chat-m", "EUR", 2)

		_, err := s.Apply(ctx, applyReq(clientID, "GBP", "1", "k1"))
		assert.ErrorIs(t, err, domain.ErrAccountNotFound)

		removed, err := s.RemoveCurrency(ctx, clientID, "eur")
		require.NoError(t, err)
		assert.True(t, removed)

		removed, err = s.RemoveCurrency(ctx, clientID, "EUR")
		require.NoError(t, err)
		assert.False(t, removed)

		_, err = s.Apply(ctx, applyReq(clientID, "EUR", "1", "k2"))
		assert.ErrorIs(t, err, domain.ErrAccountNotFound)
	})

	t.Run("re-adding a currency reactivates it with its balance", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		clientID, accountID := seedAccount(t, s, "chat-r", "USDT", 2)

		_, err := s.Apply(ctx, applyReq(clientID, "USDT", "5", "k1"))
		require.NoError(t, err)
		_, err = s.RemoveCurrency(ctx, clientID, "USDT")
		require.NoError(t, err)

		snap, err := s.Snapshot(ctx, clientID)
		require.NoError(t, err)
		assert.Empty(t, snap)

		again, err := s.AddCurrency(ctx, clientID, "usdt", 3)
		require.NoError(t, err)
		assert.Equal(t, accountID, again)

		snap, err = s.Snapshot(ctx, clientID)
		require.NoError(t, err)
		require.Len(t, snap, 1)
		assert.Equal(t, int32(3), snap[0].Precision)
		assert.True(t, snap[0].Balance.Equal(decimal.NewFromInt(5)))
	})

	t.Run("add currency for unknown client", func(t *testing.T) {
		s := newStore(t)
		_, err := s.AddCurrency(context.Background(), 9999, "USD", 2)
		assert.ErrorIs(t, err, domain.ErrClientNotFound)
	})

	t.Run("snapshot is ordered by currency", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		clientID, err := s.EnsureClient(ctx, "chat-s", "", nil)
		require.NoError(t, err)
		for _, code := range []string{"USD", "EUR", "RUB"} {
			_, err := s.AddCurrency(ctx, clientID, code, 2)
			require.NoError(t, err)
		}

		snap, err := s.Snapshot(ctx, clientID)
		require.NoError(t, err)
		require.Len(t, snap, 3)
		assert.Equal(t, []string{"EUR", "RUB", "USD"},
			[]string{snap[0].Currency, snap[1].Currency, snap[2].Currency})
		for _, a := range snap {
			assert.True(t, a.Balance.IsZero())
		}
	})

	t.Run("ensure client is idempotent and updates details", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		id, err := s.EnsureClient(ctx, "chat-e", "Alice", nil)
		require.NoError(t, err)

		same, err := s.EnsureClient(ctx, "chat-e", "", nil)
		require.NoError(t, err)
		assert.Equal(t, id, same)

		city := "Moscow"
		_, err = s.EnsureClient(ctx, "chat-e", "Alice B", &city)
		require.NoError(t, err)

		c, err := s.ClientByKey(ctx, "chat-e")
		require.NoError(t, err)
		assert.Equal(t, "Alice B", c.Name)
		require.NotNil(t, c.City)
		assert.Equal(t, "Moscow", *c.City)
		assert.True(t, c.Active)
	})

	t.Run("deactivate and reactivate client", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		id, err := s.EnsureClient(ctx, "chat-d", "Bob", nil)
		require.NoError(t, err)

		ok, err := s.DeactivateClient(ctx, id)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.DeactivateClient(ctx, id)
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = s.ClientByKey(ctx, "chat-d")
		assert.ErrorIs(t, err, domain.ErrClientNotFound)

		back, err := s.EnsureClient(ctx, "chat-d", "", nil)
		require.NoError(t, err)
		assert.Equal(t, id, back)

		c, err := s.ClientByKey(ctx, "chat-d")
		require.NoError(t, err)
		assert.Equal(t, "Bob", c.Name)
	})

	t.Run("rekey client", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		id, err := s.EnsureClient(ctx, "-100", "", nil)
		require.NoError(t, err)
		other, err := s.EnsureClient(ctx, "-200", "", nil)
		require.NoError(t, err)

		require.NoError(t, s.RekeyClient(ctx, id, "-1001"))
		c, err := s.ClientByKey(ctx, "-1001")
		require.NoError(t, err)
		assert.Equal(t, id, c.ID)

		_, err = s.ClientByKey(ctx, "-100")
		assert.ErrorIs(t, err, domain.ErrClientNotFound)

		assert.ErrorIs(t, s.RekeyClient(ctx, other, "-1001"), domain.ErrClientKeyTaken)
		assert.ErrorIs(t, s.RekeyClient(ctx, 9999, "-300"), domain.ErrClientNotFound)
	})

	t.Run("idempotency keys are scoped per client", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		a, _ := seedAccount(t, s, "chat-a", "USD", 2)
		b, _ := seedAccount(t, s, "chat-b", "USD", 2)

		ra, err := s.Apply(ctx, applyReq(a, "USD", "10", "same"))
		require.NoError(t, err)
		rb, err := s.Apply(ctx, applyReq(b, "USD", "20", "same"))
		require.NoError(t, err)

		assert.False(t, rb.Replayed)
		assert.NotEqual(t, ra.TransactionID, rb.TransactionID)
		assertBalance(t, s, a, "USD", "10.00")
		assertBalance(t, s, b, "USD", "20.00")
	})

	t.Run("transaction lookup by key", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		a, _ := seedAccount(t, s, "chat-k", "USD", 2)
		b, _ := seedAccount(t, s, "chat-l", "USD", 2)

		res, err := s.Apply(ctx, applyReq(a, "USD", "5", "op:legA:undo"))
		require.NoError(t, err)

		id, found, err := s.TransactionByKey(ctx, a, "op:legA:undo")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, res.TransactionID, id)

		_, found, err = s.TransactionByKey(ctx, b, "op:legA:undo")
		require.NoError(t, err)
		assert.False(t, found, "keys are scoped per client")

		_, found, err = s.TransactionByKey(ctx, a, "")
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("key replay wins over a different currency", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		clientID, _ := seedAccount(t, s, "chat-x", "USD", 2)
		_, err := s.AddCurrency(ctx, clientID, "EUR", 2)
		require.NoError(t, err)

		first, err := s.Apply(ctx, applyReq(clientID, "USD", "10", "dup"))
		require.NoError(t, err)
		second, err := s.Apply(ctx, applyReq(clientID, "EUR", "99", "dup"))
		require.NoError(t, err)

		assert.True(t, second.Replayed)
		assert.Equal(t, first.TransactionID, second.TransactionID)
		assertBalance(t, s, clientID, "EUR", "0.00")
	})

	t.Run("history pages newest first", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		clientID, accountID := seedAccount(t, s, "chat-h", "USD", 2)

		base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		for i := 0; i < 5; i++ {
			req := applyReq(clientID, "USD", fmt.Sprintf("%d", i+1), fmt.Sprintf("h%d", i))
			req.At = base.Add(time.Duration(i) * time.Minute)
			_, err := s.Apply(ctx, req)
			require.NoError(t, err)
		}

		var amounts []string
		var cursor *domain.HistoryCursor
		for pages := 0; pages < 5; pages++ {
			page, err := s.History(ctx, domain.HistoryQuery{AccountID: accountID, Limit: 2, Cursor: cursor})
			require.NoError(t, err)
			for _, tx := range page.Transactions {
				amounts = append(amounts, tx.Amount.StringFixed(0))
			}
			if page.Next == nil {
				break
			}
			cursor = page.Next
		}
		assert.Equal(t, []string{"5", "4", "3", "2", "1"}, amounts)

		since := base.Add(1 * time.Minute)
		until := base.Add(3 * time.Minute)
		page, err := s.History(ctx, domain.HistoryQuery{AccountID: accountID, Since: &since, Until: &until})
		require.NoError(t, err)
		require.Len(t, page.Transactions, 2)
		assert.Equal(t, "3", page.Transactions[0].Amount.StringFixed(0))
		assert.Equal(t, "2", page.Transactions[1].Amount.StringFixed(0))
		assert.Nil(t, page.Next)
		assert.True(t, page.Transactions[0].At.Equal(base.Add(2*time.Minute)))
	})

	t.Run("history breaks time ties by id", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		clientID, accountID := seedAccount(t, s, "chat-t", "USD", 2)

		at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
		var ids []int64
		for i := 0; i < 3; i++ {
			req := applyReq(clientID, "USD", "1", fmt.Sprintf("t%d", i))
			req.At = at
			r, err := s.Apply(ctx, req)
			require.NoError(t, err)
			ids = append(ids, r.TransactionID)
		}

		page, err := s.History(ctx, domain.HistoryQuery{AccountID: accountID, Limit: 2})
		require.NoError(t, err)
		require.Len(t, page.Transactions, 2)
		require.NotNil(t, page.Next)
		assert.Equal(t, ids[2], page.Transactions[0].ID)
		assert.Equal(t, ids[1], page.Transactions[1].ID)

		rest, err := s.History(ctx, domain.HistoryQuery{AccountID: accountID, Limit: 2, Cursor: page.Next})
		require.NoError(t, err)
		require.Len(t, rest.Transactions, 1)
		assert.Equal(t, ids[0], rest.Transactions[0].ID)
	})

	t.Run("transaction metadata is kept", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		clientID, accountID := seedAccount(t, s, "chat-meta", "USD", 2)

		group, actor := int64(-100500), int64(42)
		req := applyReq(clientID, "USD", "7", "meta")
		req.GroupID, req.ActorID = &group, &actor
		req.Comment = "cash in"
		req.Source = domain.SourceCommand
		_, err := s.Apply(ctx, req)
		require.NoError(t, err)

		page, err := s.History(ctx, domain.HistoryQuery{AccountID: accountID})
		require.NoError(t, err)
		require.Len(t, page.Transactions, 1)
		tx := page.Transactions[0]
		require.NotNil(t, tx.GroupID)
		require.NotNil(t, tx.ActorID)
		assert.Equal(t, group, *tx.GroupID)
		assert.Equal(t, actor, *tx.ActorID)
		assert.Equal(t, "cash in", tx.Comment)
		assert.Equal(t, domain.SourceCommand, tx.Source)
		assert.Equal(t, "meta", tx.IdempotencyKey)
		assert.Equal(t, "USD", tx.Currency)
	})

	t.Run("exchange record revisions", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		clientID, err := s.EnsureClient(ctx, "chat-ex", "", nil)
		require.NoError(t, err)

		_, err = s.Exchange(ctx, clientID, "op-1")
		assert.ErrorIs(t, err, domain.ErrExchangeNotFound)

		ex := domain.Exchange{
			ClientID:    clientID,
			OperationID: "op-1",
			LegA:        domain.Leg{Currency: "USD", Amount: decimal.RequireFromString("100.00"), Direction: domain.Deposit},
			LegB:        domain.Leg{Currency: "EUR", Amount: decimal.RequireFromString("92.00"), Direction: domain.Withdraw},
			Rate:        decimal.RequireFromString("0.92"),
		}
		require.NoError(t, s.SaveExchange(ctx, ex))

		got, err := s.Exchange(ctx, clientID, "op-1")
		require.NoError(t, err)
		assert.Equal(t, 1, got.Revision)
		assert.Equal(t, domain.Deposit, got.LegA.Direction)
		assert.True(t, got.LegB.Amount.Equal(decimal.NewFromInt(92)))

		ex.LegA.Amount = decimal.RequireFromString("120.00")
		ex.Rate = decimal.RequireFromString("0.76666667")
		require.NoError(t, s.SaveExchange(ctx, ex))

		got, err = s.Exchange(ctx, clientID, "op-1")
		require.NoError(t, err)
		assert.Equal(t, 2, got.Revision)
		assert.True(t, got.LegA.Amount.Equal(decimal.NewFromInt(120)))
		assert.True(t, got.Rate.Equal(decimal.RequireFromString("0.76666667")))
	})

	t.Run("concurrent first contact yields one client", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		const workers = 8
		ids := make([]int64, workers)
		errs := make([]error, workers)
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				ids[i], errs[i] = s.EnsureClient(ctx, "chat-race", "", nil)
			}(i)
		}
		wg.Wait()
		for i := range ids {
			require.NoError(t, errs[i])
			assert.Equal(t, ids[0], ids[i])
		}
	})

	t.Run("concurrent applies conserve the balance", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		clientID, _ := seedAccount(t, s, "chat-c", "USD", 2)

		const workers = 8
		var wg sync.WaitGroup
		errs := make(chan error, workers*2)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				key := fmt.Sprintf("w%d", i)
				// Each key is submitted twice; only one may land.
				for j := 0; j < 2; j++ {
					if _, err := s.Apply(ctx, applyReq(clientID, "USD", "1.25", key)); err != nil {
						errs <- err
					}
				}
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}
		assertBalance(t, s, clientID, "USD", "10.00")
	})
}

func seedAccount(t *testing.T, s Store, key, code string, precision int32) (clientID, accountID int64) {
	t.Helper()
	ctx := context.Background()
	clientID, err := s.EnsureClient(ctx, key, "", nil)
	require.NoError(t, err)
	accountID, err = s.AddCurrency(ctx, clientID, code, precision)
	require.NoError(t, err)
	return clientID, accountID
}

func applyReq(clientID int64, code, amount, key string) domain.ApplyRequest {
	return domain.ApplyRequest{
		ClientID:       clientID,
		Currency:       code,
		Amount:         decimal.RequireFromString(amount),
		IdempotencyKey: key,
		Source:         domain.SourceCommand,
	}
}

func assertBalance(t *testing.T, s Store, clientID int64, code, want string) {
	t.Helper()
	snap, err := s.Snapshot(context.Background(), clientID)
	require.NoError(t, err)
	for _, a := range snap {
		if a.Currency == code {
			assert.Equal(t, want, a.Balance.StringFixed(a.Precision), "balance of %s", code)
			return
		}
	}
	t.Fatalf("no active %s account for client %d", code, clientID)
}
