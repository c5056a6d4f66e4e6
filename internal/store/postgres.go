package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/fxledger/internal/domain"
	"github.com/punchamoorthee/fxledger/internal/money"
)

var _ Store = (*PostgresStore)(nil)

const pgUniqueViolation = "23505"

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS clients (
		id           BIGSERIAL PRIMARY KEY,
		external_key TEXT NOT NULL UNIQUE,
		name         TEXT NOT NULL DEFAULT '',
		city         TEXT,
		is_active    BOOLEAN NOT NULL DEFAULT TRUE,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS client_accounts (
		id             BIGSERIAL PRIMARY KEY,
		client_id      BIGINT NOT NULL REFERENCES clients(id),
		currency_code  TEXT NOT NULL,
		precision      SMALLINT NOT NULL DEFAULT 2 CHECK (precision BETWEEN 0 AND 8),
		balance        NUMERIC(38, 8) NOT NULL DEFAULT 0,
		is_active      BOOLEAN NOT NULL DEFAULT TRUE,
		deactivated_at TIMESTAMPTZ,
		UNIQUE (client_id, currency_code)
	)`,
	`CREATE TABLE IF NOT EXISTS transactions (
		id              BIGSERIAL PRIMARY KEY,
		client_id       BIGINT NOT NULL REFERENCES clients(id),
		account_id      BIGINT NOT NULL REFERENCES client_accounts(id),
		txn_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		amount          NUMERIC(38, 8) NOT NULL,
		balance_after   NUMERIC(38, 8) NOT NULL,
		group_id        BIGINT,
		actor_id        BIGINT,
		comment         TEXT NOT NULL DEFAULT '',
		source          TEXT NOT NULL DEFAULT '',
		idempotency_key TEXT
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_transactions_client_idem
		ON transactions (client_id, idempotency_key) WHERE idempotency_key IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_account_time
		ON transactions (account_id, txn_at DESC, id DESC)`,
	`CREATE TABLE IF NOT EXISTS exchanges (
		client_id       BIGINT NOT NULL REFERENCES clients(id),
		operation_id    TEXT NOT NULL,
		leg_a_currency  TEXT NOT NULL,
		leg_a_amount    NUMERIC(38, 8) NOT NULL,
		leg_a_direction TEXT NOT NULL,
		leg_b_currency  TEXT NOT NULL,
		leg_b_amount    NUMERIC(38, 8) NOT NULL,
		leg_b_direction TEXT NOT NULL,
		rate            NUMERIC(38, 8) NOT NULL,
		comment         TEXT NOT NULL DEFAULT '',
		revision        INTEGER NOT NULL DEFAULT 1,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (client_id, operation_id)
	)`,
}

// PostgresStore is the primary ledger backend. Apply serializes writers per
// account with SELECT ... FOR UPDATE.
type PostgresStore struct {
	Db  *pgxpool.Pool
	now func() time.Time
}

// NewPostgresStore connects to connString and verifies the connection.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return NewPostgresStoreFromPool(pool), nil
}

// NewPostgresStoreFromPool wraps an existing pool.
func NewPostgresStoreFromPool(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{Db: pool, now: time.Now}
}

// Migrate creates the ledger tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	for _, stmt := range postgresSchema {
		if _, err := s.Db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.Db.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.Db.Close()
	return nil
}

func (s *PostgresStore) EnsureClient(ctx context.Context, externalKey, name string, city *string) (int64, error) {
	tx, err := s.Db.Begin(ctx)
	if err != nil {
		return 0, pgErr("tx begin failed", err)
	}
	defer tx.Rollback(ctx)

	var (
		id         int64
		storedName string
		storedCity *string
		active     bool
	)
	err = tx.QueryRow(ctx,
		"SELECT id, name, city, is_active FROM clients WHERE external_key = $1 FOR UPDATE",
		externalKey,
	).Scan(&id, &storedName, &storedCity, &active)

	switch {
	case err == nil:
		nameChanged := name != "" && name != storedName
		cityChanged := city != nil && *city != "" && (storedCity == nil || *storedCity != *city)
		if nameChanged || cityChanged || !active {
			_, err = tx.Exec(ctx, `
				UPDATE clients
				SET name = COALESCE(NULLIF($2, ''), name),
				    city = COALESCE(NULLIF($3, ''), city),
				    is_active = TRUE,
				    updated_at = NOW()
				WHERE id = $1`,
				id, name, city)
			if err != nil {
				return 0, pgErr("client update failed", err)
			}
		}
	case errors.Is(err, pgx.ErrNoRows):
		err = tx.QueryRow(ctx, `
			INSERT INTO clients (external_key, name, city)
			VALUES ($1, $2, NULLIF($3, ''))
			RETURNING id`,
			externalKey, name, city,
		).Scan(&id)
		if pgCode(err) == pgUniqueViolation {
			// Another process created the client first; its row is visible now.
			_ = tx.Rollback(ctx)
			return s.EnsureClient(ctx, externalKey, name, city)
		}
		if err != nil {
			return 0, pgErr("client insert failed", err)
		}
	default:
		return 0, pgErr("client lookup failed", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, pgErr("tx commit failed", err)
	}
	return id, nil
}

func (s *PostgresStore) ClientByKey(ctx context.Context, externalKey string) (domain.Client, error) {
	var c domain.Client
	err := s.Db.QueryRow(ctx, `
		SELECT id, external_key, name, city, is_active, created_at, updated_at
		FROM clients WHERE external_key = $1 AND is_active`,
		externalKey,
	).Scan(&c.ID, &c.ExternalKey, &c.Name, &c.City, &c.Active, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Client{}, domain.ErrClientNotFound
	}
	if err != nil {
		return domain.Client{}, pgErr("client lookup failed", err)
	}
	c.CreatedAt, c.UpdatedAt = c.CreatedAt.UTC(), c.UpdatedAt.UTC()
	return c, nil
}

func (s *PostgresStore) DeactivateClient(ctx context.Context, clientID int64) (bool, error) {
	tag, err := s.Db.Exec(ctx,
		"UPDATE clients SET is_active = FALSE, updated_at = NOW() WHERE id = $1 AND is_active", clientID)
	if err != nil {
		return false, pgErr("client deactivate failed", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) RekeyClient(ctx context.Context, clientID int64, newKey string) error {
	tag, err := s.Db.Exec(ctx,
		"UPDATE clients SET external_key = $2, updated_at = NOW() WHERE id = $1", clientID, newKey)
	if err != nil {
		if pgCode(err) == pgUniqueViolation {
			return domain.ErrClientKeyTaken
		}
		return pgErr("client rekey failed", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrClientNotFound
	}
	return nil
}

func (s *PostgresStore) AddCurrency(ctx context.Context, clientID int64, code string, precision int32) (int64, error) {
	var id int64
	err := s.Db.QueryRow(ctx, `
		INSERT INTO client_accounts (client_id, currency_code, precision)
		VALUES ($1, $2, $3)
		ON CONFLICT (client_id, currency_code)
		DO UPDATE SET is_active = TRUE, precision = EXCLUDED.precision, deactivated_at = NULL
		RETURNING id`,
		clientID, upper(code), precision,
	).Scan(&id)
	if err != nil {
		if pgCode(err) == "23503" {
			return 0, domain.ErrClientNotFound
		}
		return 0, pgErr("account upsert failed", err)
	}
	return id, nil
}

func (s *PostgresStore) RemoveCurrency(ctx context.Context, clientID int64, code string) (bool, error) {
	tag, err := s.Db.Exec(ctx, `
		UPDATE client_accounts
		SET is_active = FALSE, deactivated_at = NOW()
		WHERE client_id = $1 AND currency_code = $2 AND is_active`,
		clientID, upper(code))
	if err != nil {
		return false, pgErr("account deactivate failed", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) Snapshot(ctx context.Context, clientID int64) ([]domain.CurrencyAccount, error) {
	rows, err := s.Db.Query(ctx, `
		SELECT id, currency_code, precision, balance::text
		FROM client_accounts
		WHERE client_id = $1 AND is_active
		ORDER BY currency_code`, clientID)
	if err != nil {
		return nil, pgErr("snapshot query failed", err)
	}
	defer rows.Close()

	out := make([]domain.CurrencyAccount, 0)
	for rows.Next() {
		a := domain.CurrencyAccount{ClientID: clientID, Active: true}
		var balance string
		if err := rows.Scan(&a.ID, &a.Currency, &a.Precision, &balance); err != nil {
			return nil, err
		}
		bal, err := decimal.NewFromString(balance)
		if err != nil {
			return nil, fmt.Errorf("parse balance: %w", err)
		}
		a.Balance = money.Quantize(bal, a.Precision)
		out = append(out, a)
	}
	return out, rows.Err()
}

// Apply executes the balance change inside one transaction with the target
// account row locked for its duration.
func (s *PostgresStore) Apply(ctx context.Context, req domain.ApplyRequest) (domain.ApplyResult, error) {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return domain.ApplyResult{}, pgErr("tx begin failed", err)
	}
	defer tx.Rollback(ctx)

	// 1. Idempotency Check
	if id, found, err := s.lookupIdempotency(ctx, tx, req); err != nil || found {
		return domain.ApplyResult{TransactionID: id, Replayed: found}, err
	}

	// 2. Row Lock
	var (
		accountID int64
		precision *int32
		balance   string
	)
	err = tx.QueryRow(ctx, `
		SELECT id, precision, balance::text
		FROM client_accounts
		WHERE client_id = $1 AND currency_code = $2 AND is_active
		FOR UPDATE`,
		req.ClientID, upper(req.Currency),
	).Scan(&accountID, &precision, &balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ApplyResult{}, domain.ErrAccountNotFound
	}
	if err != nil {
		return domain.ApplyResult{}, pgErr("lock acquisition failed", err)
	}

	// A concurrent call with the same key may have committed while we waited
	// on the lock; read committed lets us see it now.
	if id, found, err := s.lookupIdempotency(ctx, tx, req); err != nil || found {
		return domain.ApplyResult{TransactionID: id, Replayed: found}, err
	}

	prec := int32(money.DefaultPrecision)
	if precision != nil {
		prec = *precision
	}
	current, err := decimal.NewFromString(balance)
	if err != nil {
		return domain.ApplyResult{}, fmt.Errorf("parse balance: %w", err)
	}

	// 3. Quantize
	amount := money.Quantize(req.Amount, prec)
	newBalance := money.Quantize(current.Add(amount), prec)

	// 4. Update Balance
	if _, err = tx.Exec(ctx, "UPDATE client_accounts SET balance = $1::numeric WHERE id = $2",
		newBalance.String(), accountID); err != nil {
		return domain.ApplyResult{}, pgErr("balance update failed", err)
	}

	// 5. Insert Transaction
	var txID int64
	err = tx.QueryRow(ctx, `
		INSERT INTO transactions
			(client_id, account_id, txn_at, amount, balance_after, group_id, actor_id, comment, source, idempotency_key)
		VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6, $7, $8, $9, NULLIF($10, ''))
		RETURNING id`,
		req.ClientID, accountID, eventTime(req.At, s.now), amount.String(), newBalance.String(),
		req.GroupID, req.ActorID, req.Comment, req.Source, req.IdempotencyKey,
	).Scan(&txID)
	if err != nil {
		if pgCode(err) == pgUniqueViolation && req.IdempotencyKey != "" {
			// Same key applied concurrently on another account of this client.
			_ = tx.Rollback(ctx)
			return s.replay(ctx, req)
		}
		return domain.ApplyResult{}, pgErr("transaction insert failed", err)
	}

	// 6. Commit
	if err := tx.Commit(ctx); err != nil {
		return domain.ApplyResult{}, pgErr("tx commit failed", err)
	}
	return domain.ApplyResult{TransactionID: txID}, nil
}

func (s *PostgresStore) lookupIdempotency(ctx context.Context, q pgx.Tx, req domain.ApplyRequest) (int64, bool, error) {
	if req.IdempotencyKey == "" {
		return 0, false, nil
	}
	var id int64
	err := q.QueryRow(ctx,
		"SELECT id FROM transactions WHERE client_id = $1 AND idempotency_key = $2",
		req.ClientID, req.IdempotencyKey,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, pgErr("idempotency query failed", err)
	}
	return id, true, nil
}

func (s *PostgresStore) replay(ctx context.Context, req domain.ApplyRequest) (domain.ApplyResult, error) {
	id, found, err := s.TransactionByKey(ctx, req.ClientID, req.IdempotencyKey)
	if err != nil {
		return domain.ApplyResult{}, err
	}
	if !found {
		return domain.ApplyResult{}, pgErr("idempotency query failed", pgx.ErrNoRows)
	}
	return domain.ApplyResult{TransactionID: id, Replayed: true}, nil
}

func (s *PostgresStore) TransactionByKey(ctx context.Context, clientID int64, idempotencyKey string) (int64, bool, error) {
	if idempotencyKey == "" {
		return 0, false, nil
	}
	var id int64
	err := s.Db.QueryRow(ctx,
		"SELECT id FROM transactions WHERE client_id = $1 AND idempotency_key = $2",
		clientID, idempotencyKey,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, pgErr("idempotency query failed", err)
	}
	return id, true, nil
}

func (s *PostgresStore) History(ctx context.Context, q domain.HistoryQuery) (domain.HistoryPage, error) {
	limit := normalizeLimit(q.Limit)
	where := []string{"t.account_id = $1"}
	args := []any{q.AccountID}
	if q.Since != nil {
		args = append(args, q.Since.UTC())
		where = append(where, fmt.Sprintf("t.txn_at >= $%d", len(args)))
	}
	if q.Until != nil {
		args = append(args, q.Until.UTC())
		where = append(where, fmt.Sprintf("t.txn_at < $%d", len(args)))
	}
	if q.Cursor != nil {
		args = append(args, q.Cursor.At.UTC(), q.Cursor.ID)
		where = append(where, fmt.Sprintf("(t.txn_at, t.id) < ($%d::timestamptz, $%d)", len(args)-1, len(args)))
	}
	args = append(args, limit)

	sql := fmt.Sprintf(`
		SELECT t.id, t.client_id, t.account_id, a.currency_code, t.txn_at, t.amount::text, t.balance_after::text,
		       t.group_id, t.actor_id, t.comment, t.source, COALESCE(t.idempotency_key, ''), a.precision
		FROM transactions t
		JOIN client_accounts a ON a.id = t.account_id
		WHERE %s
		ORDER BY t.txn_at DESC, t.id DESC
		LIMIT $%d`, strings.Join(where, " AND "), len(args))

	rows, err := s.Db.Query(ctx, sql, args...)
	if err != nil {
		return domain.HistoryPage{}, pgErr("history query failed", err)
	}
	defer rows.Close()

	txs := make([]domain.Transaction, 0, limit)
	for rows.Next() {
		var (
			t               domain.Transaction
			amount, balance string
			precision       int32
		)
		if err := rows.Scan(&t.ID, &t.ClientID, &t.AccountID, &t.Currency, &t.At, &amount, &balance,
			&t.GroupID, &t.ActorID, &t.Comment, &t.Source, &t.IdempotencyKey, &precision); err != nil {
			return domain.HistoryPage{}, err
		}
		t.At = t.At.UTC()
		if t.Amount, err = decimal.NewFromString(amount); err != nil {
			return domain.HistoryPage{}, fmt.Errorf("parse amount: %w", err)
		}
		if t.BalanceAfter, err = decimal.NewFromString(balance); err != nil {
			return domain.HistoryPage{}, fmt.Errorf("parse balance: %w", err)
		}
		t.Amount = money.Quantize(t.Amount, precision)
		t.BalanceAfter = money.Quantize(t.BalanceAfter, precision)
		txs = append(txs, t)
	}
	if err := rows.Err(); err != nil {
		return domain.HistoryPage{}, pgErr("history scan failed", err)
	}
	return domain.HistoryPage{Transactions: txs, Next: nextCursor(txs, limit)}, nil
}

func (s *PostgresStore) SaveExchange(ctx context.Context, ex domain.Exchange) error {
	_, err := s.Db.Exec(ctx, `
		INSERT INTO exchanges
			(client_id, operation_id, leg_a_currency, leg_a_amount, leg_a_direction,
			 leg_b_currency, leg_b_amount, leg_b_direction, rate, comment)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7::numeric, $8, $9::numeric, $10)
		ON CONFLICT (client_id, operation_id) DO UPDATE SET
			leg_a_currency = EXCLUDED.leg_a_currency,
			leg_a_amount = EXCLUDED.leg_a_amount,
			leg_a_direction = EXCLUDED.leg_a_direction,
			leg_b_currency = EXCLUDED.leg_b_currency,
			leg_b_amount = EXCLUDED.leg_b_amount,
			leg_b_direction = EXCLUDED.leg_b_direction,
			rate = EXCLUDED.rate,
			comment = EXCLUDED.comment,
			revision = exchanges.revision + 1,
			updated_at = NOW()`,
		ex.ClientID, ex.OperationID,
		ex.LegA.Currency, ex.LegA.Amount.String(), string(ex.LegA.Direction),
		ex.LegB.Currency, ex.LegB.Amount.String(), string(ex.LegB.Direction),
		ex.Rate.String(), ex.Comment)
	if err != nil {
		return pgErr("exchange upsert failed", err)
	}
	return nil
}

func (s *PostgresStore) Exchange(ctx context.Context, clientID int64, operationID string) (domain.Exchange, error) {
	ex := domain.Exchange{ClientID: clientID, OperationID: operationID}
	var aAmount, bAmount, rate, aDir, bDir string
	err := s.Db.QueryRow(ctx, `
		SELECT leg_a_currency, leg_a_amount::text, leg_a_direction,
		       leg_b_currency, leg_b_amount::text, leg_b_direction,
		       rate::text, comment, revision, created_at, updated_at
		FROM exchanges WHERE client_id = $1 AND operation_id = $2`,
		clientID, operationID,
	).Scan(&ex.LegA.Currency, &aAmount, &aDir, &ex.LegB.Currency, &bAmount, &bDir,
		&rate, &ex.Comment, &ex.Revision, &ex.CreatedAt, &ex.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Exchange{}, domain.ErrExchangeNotFound
	}
	if err != nil {
		return domain.Exchange{}, pgErr("exchange lookup failed", err)
	}
	ex.LegA.Direction, ex.LegB.Direction = domain.Direction(aDir), domain.Direction(bDir)
	if ex.LegA.Amount, err = decimal.NewFromString(aAmount); err != nil {
		return domain.Exchange{}, fmt.Errorf("parse leg A amount: %w", err)
	}
	if ex.LegB.Amount, err = decimal.NewFromString(bAmount); err != nil {
		return domain.Exchange{}, fmt.Errorf("parse leg B amount: %w", err)
	}
	if ex.Rate, err = decimal.NewFromString(rate); err != nil {
		return domain.Exchange{}, fmt.Errorf("parse rate: %w", err)
	}
	ex.CreatedAt, ex.UpdatedAt = ex.CreatedAt.UTC(), ex.UpdatedAt.UTC()
	return ex, nil
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// isTransientPg reports connection, timeout, serialization and deadlock
// failures; the whole Apply call can be retried after them.
func isTransientPg(err error) bool {
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return true
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	code := pgCode(err)
	switch {
	case code == "":
		return false
	case strings.HasPrefix(code, "08"), strings.HasPrefix(code, "40"):
		return true
	case code == "57P01", code == "53300":
		return true
	}
	return false
}

func pgErr(msg string, err error) error {
	wrapped := fmt.Errorf("%s: %w", msg, err)
	if isTransientPg(err) {
		return domain.Transient(wrapped)
	}
	return wrapped
}
