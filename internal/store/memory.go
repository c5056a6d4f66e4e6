package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/punchamoorthee/fxledger/internal/domain"
	"github.com/punchamoorthee/fxledger/internal/money"
)

var _ Store = (*MemoryStore)(nil)

type accountKey struct {
	clientID int64
	code     string
}

type idempotencyKey struct {
	clientID int64
	key      string
}

type exchangeKey struct {
	clientID    int64
	operationID string
}

// MemoryStore keeps the ledger in process memory behind a single mutex.
// It is meant for tests and local experiments; data is lost on restart.
type MemoryStore struct {
	mu sync.Mutex

	clients      map[int64]*domain.Client
	clientByKey  map[string]int64
	accounts     map[int64]*domain.CurrencyAccount
	accountByKey map[accountKey]int64
	transactions []domain.Transaction
	idempotency  map[idempotencyKey]int64
	exchanges    map[exchangeKey]domain.Exchange

	now func() time.Time
}

// NewMemoryStore returns an empty in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		clients:      make(map[int64]*domain.Client),
		clientByKey:  make(map[string]int64),
		accounts:     make(map[int64]*domain.CurrencyAccount),
		accountByKey: make(map[accountKey]int64),
		idempotency:  make(map[idempotencyKey]int64),
		exchanges:    make(map[exchangeKey]domain.Exchange),
		now:          time.Now,
	}
}

func (s *MemoryStore) EnsureClient(_ context.Context, externalKey, name string, city *string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	if id, ok := s.clientByKey[externalKey]; ok {
		c := s.clients[id]
		if name != "" && c.Name != name {
			c.Name = name
			c.UpdatedAt = now
		}
		if city != nil && *city != "" && (c.City == nil || *c.City != *city) {
			v := *city
			c.City = &v
			c.UpdatedAt = now
		}
		if !c.Active {
			c.Active = true
			c.UpdatedAt = now
		}
		return id, nil
	}

	id := int64(len(s.clients) + 1)
	c := &domain.Client{
		ID:          id,
		ExternalKey: externalKey,
		Name:        name,
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if city != nil && *city != "" {
		v := *city
		c.City = &v
	}
	s.clients[id] = c
	s.clientByKey[externalKey] = id
	return id, nil
}

func (s *MemoryStore) ClientByKey(_ context.Context, externalKey string) (domain.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.clientByKey[externalKey]
	if !ok || !s.clients[id].Active {
		return domain.Client{}, domain.ErrClientNotFound
	}
	return *s.clients[id], nil
}

func (s *MemoryStore) DeactivateClient(_ context.Context, clientID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.clients[clientID]
	if !ok || !c.Active {
		return false, nil
	}
	c.Active = false
	c.UpdatedAt = s.now().UTC()
	return true, nil
}

func (s *MemoryStore) RekeyClient(_ context.Context, clientID int64, newKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.clients[clientID]
	if !ok {
		return domain.ErrClientNotFound
	}
	if other, taken := s.clientByKey[newKey]; taken && other != clientID {
		return domain.ErrClientKeyTaken
	}
	delete(s.clientByKey, c.ExternalKey)
	c.ExternalKey = newKey
	c.UpdatedAt = s.now().UTC()
	s.clientByKey[newKey] = clientID
	return nil
}

func (s *MemoryStore) AddCurrency(_ context.Context, clientID int64, code string, precision int32) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[clientID]; !ok {
		return 0, domain.ErrClientNotFound
	}
	code = upper(code)
	key := accountKey{clientID: clientID, code: code}
	if id, ok := s.accountByKey[key]; ok {
		a := s.accounts[id]
		a.Active = true
		a.Precision = precision
		a.DeactivatedAt = nil
		return id, nil
	}

	id := int64(len(s.accounts) + 1)
	s.accounts[id] = &domain.CurrencyAccount{
		ID:        id,
		ClientID:  clientID,
		Currency:  code,
		Precision: precision,
		Active:    true,
	}
	s.accountByKey[key] = id
	return id, nil
}

func (s *MemoryStore) RemoveCurrency(_ context.Context, clientID int64, code string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.accountByKey[accountKey{clientID: clientID, code: upper(code)}]
	if !ok || !s.accounts[id].Active {
		return false, nil
	}
	now := s.now().UTC()
	a := s.accounts[id]
	a.Active = false
	a.DeactivatedAt = &now
	return true, nil
}

func (s *MemoryStore) Snapshot(_ context.Context, clientID int64) ([]domain.CurrencyAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.CurrencyAccount, 0)
	for _, a := range s.accounts {
		if a.ClientID == clientID && a.Active {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })
	return out, nil
}

func (s *MemoryStore) Apply(_ context.Context, req domain.ApplyRequest) (domain.ApplyResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.IdempotencyKey != "" {
		if id, ok := s.idempotency[idempotencyKey{req.ClientID, req.IdempotencyKey}]; ok {
			return domain.ApplyResult{TransactionID: id, Replayed: true}, nil
		}
	}

	id, ok := s.accountByKey[accountKey{clientID: req.ClientID, code: upper(req.Currency)}]
	if !ok || !s.accounts[id].Active {
		return domain.ApplyResult{}, domain.ErrAccountNotFound
	}
	a := s.accounts[id]

	amount := money.Quantize(req.Amount, a.Precision)
	a.Balance = money.Quantize(a.Balance.Add(amount), a.Precision)

	tx := domain.Transaction{
		ID:             int64(len(s.transactions) + 1),
		ClientID:       req.ClientID,
		AccountID:      a.ID,
		Currency:       a.Currency,
		Amount:         amount,
		BalanceAfter:   a.Balance,
		GroupID:        req.GroupID,
		ActorID:        req.ActorID,
		Comment:        req.Comment,
		Source:         req.Source,
		IdempotencyKey: req.IdempotencyKey,
		At:             eventTime(req.At, s.now),
	}
	s.transactions = append(s.transactions, tx)
	if req.IdempotencyKey != "" {
		s.idempotency[idempotencyKey{req.ClientID, req.IdempotencyKey}] = tx.ID
	}
	return domain.ApplyResult{TransactionID: tx.ID}, nil
}

func (s *MemoryStore) TransactionByKey(_ context.Context, clientID int64, key string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if key == "" {
		return 0, false, nil
	}
	id, ok := s.idempotency[idempotencyKey{clientID, key}]
	return id, ok, nil
}

func (s *MemoryStore) History(_ context.Context, q domain.HistoryQuery) (domain.HistoryPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit := normalizeLimit(q.Limit)
	var rows []domain.Transaction
	for _, tx := range s.transactions {
		if tx.AccountID != q.AccountID {
			continue
		}
		if q.Since != nil && tx.At.Before(*q.Since) {
			continue
		}
		if q.Until != nil && !tx.At.Before(*q.Until) {
			continue
		}
		if c := q.Cursor; c != nil && !(tx.At.Before(c.At) || (tx.At.Equal(c.At) && tx.ID < c.ID)) {
			continue
		}
		rows = append(rows, tx)
	}
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].At.Equal(rows[j].At) {
			return rows[i].At.After(rows[j].At)
		}
		return rows[i].ID > rows[j].ID
	})
	if len(rows) > limit {
		rows = rows[:limit]
	}
	if rows == nil {
		rows = []domain.Transaction{}
	}
	return domain.HistoryPage{Transactions: rows, Next: nextCursor(rows, limit)}, nil
}

func (s *MemoryStore) SaveExchange(_ context.Context, ex domain.Exchange) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := exchangeKey{ex.ClientID, ex.OperationID}
	now := s.now().UTC()
	if prev, ok := s.exchanges[key]; ok {
		ex.CreatedAt = prev.CreatedAt
		ex.Revision = prev.Revision + 1
	} else {
		ex.CreatedAt = now
		ex.Revision = 1
	}
	ex.UpdatedAt = now
	s.exchanges[key] = ex
	return nil
}

func (s *MemoryStore) Exchange(_ context.Context, clientID int64, operationID string) (domain.Exchange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ex, ok := s.exchanges[exchangeKey{clientID, operationID}]
	if !ok {
		return domain.Exchange{}, domain.ErrExchangeNotFound
	}
	return ex, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func upper(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
