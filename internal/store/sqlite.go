package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/punchamoorthee/fxledger/internal/domain"
	"github.com/punchamoorthee/fxledger/internal/money"
)

var _ Store = (*SQLiteStore)(nil)

// sqliteTimeLayout is fixed width so that text comparison orders by time.
const sqliteTimeLayout = "2006-01-02 15:04:05.000000000"

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS clients (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		external_key TEXT NOT NULL UNIQUE,
		name         TEXT NOT NULL DEFAULT '',
		city         TEXT,
		is_active    INTEGER NOT NULL DEFAULT 1,
		created_at   TEXT NOT NULL,
		updated_at   TEXT NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS client_accounts (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		client_id      INTEGER NOT NULL REFERENCES clients(id),
		currency_code  TEXT NOT NULL,
		precision      INTEGER NOT NULL DEFAULT 2,
		balance        TEXT NOT NULL DEFAULT '0',
		is_active      INTEGER NOT NULL DEFAULT 1,
		deactivated_at TEXT,
		UNIQUE (client_id, currency_code)
	);`,
	`CREATE TABLE IF NOT EXISTS transactions (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		client_id       INTEGER NOT NULL REFERENCES clients(id),
		account_id      INTEGER NOT NULL REFERENCES client_accounts(id),
		txn_at          TEXT NOT NULL,
		amount          TEXT NOT NULL,
		balance_after   TEXT NOT NULL,
		group_id        INTEGER,
		actor_id        INTEGER,
		comment         TEXT NOT NULL DEFAULT '',
		source          TEXT NOT NULL DEFAULT '',
		idempotency_key TEXT,
		UNIQUE (client_id, idempotency_key)
	);`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_account_time ON transactions (account_id, txn_at, id);`,
	`CREATE TABLE IF NOT EXISTS exchanges (
		client_id       INTEGER NOT NULL REFERENCES clients(id),
		operation_id    TEXT NOT NULL,
		leg_a_currency  TEXT NOT NULL,
		leg_a_amount    TEXT NOT NULL,
		leg_a_direction TEXT NOT NULL,
		leg_b_currency  TEXT NOT NULL,
		leg_b_amount    TEXT NOT NULL,
		leg_b_direction TEXT NOT NULL,
		rate            TEXT NOT NULL,
		comment         TEXT NOT NULL DEFAULT '',
		revision        INTEGER NOT NULL DEFAULT 1,
		created_at      TEXT NOT NULL,
		updated_at      TEXT NOT NULL,
		PRIMARY KEY (client_id, operation_id)
	);`,
}

// SQLiteStore is the embedded single-node backend. SQLite has no row locks,
// so the whole database is the lock: one connection, immediate transactions.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (creating if needed) the database file at path and
// applies the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("unable to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func sqliteDSN(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	if !strings.HasPrefix(path, "file:") {
		path = "file:" + path
	}
	return path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate"
}

func (s *SQLiteStore) init() error {
	for _, stmt := range sqliteSchema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("sqlite schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) EnsureClient(ctx context.Context, externalKey, name string, city *string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, sqliteErr("tx begin failed", err)
	}
	defer tx.Rollback()

	now := formatSQLiteTime(s.now())
	var (
		id         int64
		storedName string
		storedCity sql.NullString
		active     bool
	)
	err = tx.QueryRowContext(ctx,
		"SELECT id, name, city, is_active FROM clients WHERE external_key = ?", externalKey,
	).Scan(&id, &storedName, &storedCity, &active)

	switch {
	case err == nil:
		newName := storedName
		if name != "" {
			newName = name
		}
		newCity := storedCity
		if city != nil && *city != "" {
			newCity = sql.NullString{String: *city, Valid: true}
		}
		if newName != storedName || newCity != storedCity || !active {
			_, err = tx.ExecContext(ctx,
				"UPDATE clients SET name = ?, city = ?, is_active = 1, updated_at = ? WHERE id = ?",
				newName, newCity, now, id)
			if err != nil {
				return 0, sqliteErr("client update failed", err)
			}
		}
	case errors.Is(err, sql.ErrNoRows):
		var c sql.NullString
		if city != nil && *city != "" {
			c = sql.NullString{String: *city, Valid: true}
		}
		err = tx.QueryRowContext(ctx,
			"INSERT INTO clients (external_key, name, city, created_at, updated_at) VALUES (?, ?, ?, ?, ?) RETURNING id",
			externalKey, name, c, now, now,
		).Scan(&id)
		if err != nil {
			return 0, sqliteErr("client insert failed", err)
		}
	default:
		return 0, sqliteErr("client lookup failed", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, sqliteErr("tx commit failed", err)
	}
	return id, nil
}

func (s *SQLiteStore) ClientByKey(ctx context.Context, externalKey string) (domain.Client, error) {
	var (
		c                    domain.Client
		city                 sql.NullString
		createdAt, updatedAt string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, external_key, name, city, is_active, created_at, updated_at FROM clients WHERE external_key = ? AND is_active = 1",
		externalKey,
	).Scan(&c.ID, &c.ExternalKey, &c.Name, &city, &c.Active, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Client{}, domain.ErrClientNotFound
	}
	if err != nil {
		return domain.Client{}, sqliteErr("client lookup failed", err)
	}
	if city.Valid {
		c.City = &city.String
	}
	if c.CreatedAt, err = parseSQLiteTime(createdAt); err != nil {
		return domain.Client{}, err
	}
	if c.UpdatedAt, err = parseSQLiteTime(updatedAt); err != nil {
		return domain.Client{}, err
	}
	return c, nil
}

func (s *SQLiteStore) DeactivateClient(ctx context.Context, clientID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE clients SET is_active = 0, updated_at = ? WHERE id = ? AND is_active = 1",
		formatSQLiteTime(s.now()), clientID)
	if err != nil {
		return false, sqliteErr("client deactivate failed", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLiteStore) RekeyClient(ctx context.Context, clientID int64, newKey string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE clients SET external_key = ?, updated_at = ? WHERE id = ?",
		newKey, formatSQLiteTime(s.now()), clientID)
	if err != nil {
		if isSQLiteUnique(err) {
			return domain.ErrClientKeyTaken
		}
		return sqliteErr("client rekey failed", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrClientNotFound
	}
	return nil
}

func (s *SQLiteStore) AddCurrency(ctx context.Context, clientID int64, code string, precision int32) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO client_accounts (client_id, currency_code, precision)
		VALUES (?, ?, ?)
		ON CONFLICT (client_id, currency_code)
		DO UPDATE SET is_active = 1, precision = excluded.precision, deactivated_at = NULL
		RETURNING id`,
		clientID, upper(code), precision,
	).Scan(&id)
	if err != nil {
		if isSQLiteConstraint(err) {
			return 0, domain.ErrClientNotFound
		}
		return 0, sqliteErr("account upsert failed", err)
	}
	return id, nil
}

func (s *SQLiteStore) RemoveCurrency(ctx context.Context, clientID int64, code string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE client_accounts
		SET is_active = 0, deactivated_at = ?
		WHERE client_id = ? AND currency_code = ? AND is_active = 1`,
		formatSQLiteTime(s.now()), clientID, upper(code))
	if err != nil {
		return false, sqliteErr("account deactivate failed", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLiteStore) Snapshot(ctx context.Context, clientID int64) ([]domain.CurrencyAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, currency_code, precision, balance
		FROM client_accounts
		WHERE client_id = ? AND is_active = 1
		ORDER BY currency_code`, clientID)
	if err != nil {
		return nil, sqliteErr("snapshot query failed", err)
	}
	defer rows.Close()

	out := make([]domain.CurrencyAccount, 0)
	for rows.Next() {
		a := domain.CurrencyAccount{ClientID: clientID, Active: true}
		var balance string
		if err := rows.Scan(&a.ID, &a.Currency, &a.Precision, &balance); err != nil {
			return nil, err
		}
		if a.Balance, err = decimal.NewFromString(balance); err != nil {
			return nil, fmt.Errorf("parse balance: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Apply(ctx context.Context, req domain.ApplyRequest) (domain.ApplyResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.ApplyResult{}, sqliteErr("tx begin failed", err)
	}
	defer tx.Rollback()

	// 1. Idempotency
	if req.IdempotencyKey != "" {
		var existing int64
		err = tx.QueryRowContext(ctx,
			"SELECT id FROM transactions WHERE client_id = ? AND idempotency_key = ?",
			req.ClientID, req.IdempotencyKey,
		).Scan(&existing)
		if err == nil {
			return domain.ApplyResult{TransactionID: existing, Replayed: true}, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return domain.ApplyResult{}, sqliteErr("idempotency query failed", err)
		}
	}

	// 2. Account (the immediate transaction already holds the write lock)
	var (
		accountID int64
		precision sql.NullInt32
		balance   string
	)
	err = tx.QueryRowContext(ctx,
		"SELECT id, precision, balance FROM client_accounts WHERE client_id = ? AND currency_code = ? AND is_active = 1",
		req.ClientID, upper(req.Currency),
	).Scan(&accountID, &precision, &balance)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ApplyResult{}, domain.ErrAccountNotFound
	}
	if err != nil {
		return domain.ApplyResult{}, sqliteErr("account lookup failed", err)
	}
	prec := int32(money.DefaultPrecision)
	if precision.Valid {
		prec = precision.Int32
	}
	current, err := decimal.NewFromString(balance)
	if err != nil {
		return domain.ApplyResult{}, fmt.Errorf("parse balance: %w", err)
	}

	// 3. Quantize and compute
	amount := money.Quantize(req.Amount, prec)
	newBalance := money.Quantize(current.Add(amount), prec)

	// 4. Balance
	if _, err = tx.ExecContext(ctx, "UPDATE client_accounts SET balance = ? WHERE id = ?",
		newBalance.String(), accountID); err != nil {
		return domain.ApplyResult{}, sqliteErr("balance update failed", err)
	}

	// 5. Transaction row
	var txID int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO transactions
			(client_id, account_id, txn_at, amount, balance_after, group_id, actor_id, comment, source, idempotency_key)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`,
		req.ClientID, accountID, formatSQLiteTime(eventTime(req.At, s.now)),
		amount.String(), newBalance.String(), nullInt64(req.GroupID), nullInt64(req.ActorID),
		req.Comment, req.Source, nullString(req.IdempotencyKey),
	).Scan(&txID)
	if err != nil {
		return domain.ApplyResult{}, sqliteErr("transaction insert failed", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.ApplyResult{}, sqliteErr("tx commit failed", err)
	}
	return domain.ApplyResult{TransactionID: txID}, nil
}

func (s *SQLiteStore) TransactionByKey(ctx context.Context, clientID int64, key string) (int64, bool, error) {
	if key == "" {
		return 0, false, nil
	}
	var id int64
	err := s.db.QueryRowContext(ctx,
		"SELECT id FROM transactions WHERE client_id = ? AND idempotency_key = ?",
		clientID, key,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, sqliteErr("idempotency query failed", err)
	}
	return id, true, nil
}

func (s *SQLiteStore) History(ctx context.Context, q domain.HistoryQuery) (domain.HistoryPage, error) {
	limit := normalizeLimit(q.Limit)
	where := []string{"t.account_id = ?"}
	args := []any{q.AccountID}
	if q.Since != nil {
		where = append(where, "t.txn_at >= ?")
		args = append(args, formatSQLiteTime(*q.Since))
	}
	if q.Until != nil {
		where = append(where, "t.txn_at < ?")
		args = append(args, formatSQLiteTime(*q.Until))
	}
	if q.Cursor != nil {
		where = append(where, "(t.txn_at, t.id) < (?, ?)")
		args = append(args, formatSQLiteTime(q.Cursor.At), q.Cursor.ID)
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.client_id, t.account_id, a.currency_code, t.txn_at, t.amount, t.balance_after,
		       t.group_id, t.actor_id, t.comment, t.source, COALESCE(t.idempotency_key, '')
		FROM transactions t
		JOIN client_accounts a ON a.id = t.account_id
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY t.txn_at DESC, t.id DESC
		LIMIT ?`, args...)
	if err != nil {
		return domain.HistoryPage{}, sqliteErr("history query failed", err)
	}
	defer rows.Close()

	txs := make([]domain.Transaction, 0, limit)
	for rows.Next() {
		var (
			t                   domain.Transaction
			at, amount, balance string
			groupID, actorID    sql.NullInt64
		)
		if err := rows.Scan(&t.ID, &t.ClientID, &t.AccountID, &t.Currency, &at, &amount, &balance,
			&groupID, &actorID, &t.Comment, &t.Source, &t.IdempotencyKey); err != nil {
			return domain.HistoryPage{}, err
		}
		if t.At, err = parseSQLiteTime(at); err != nil {
			return domain.HistoryPage{}, err
		}
		if t.Amount, err = decimal.NewFromString(amount); err != nil {
			return domain.HistoryPage{}, fmt.Errorf("parse amount: %w", err)
		}
		if t.BalanceAfter, err = decimal.NewFromString(balance); err != nil {
			return domain.HistoryPage{}, fmt.Errorf("parse balance: %w", err)
		}
		if groupID.Valid {
			t.GroupID = &groupID.Int64
		}
		if actorID.Valid {
			t.ActorID = &actorID.Int64
		}
		txs = append(txs, t)
	}
	if err := rows.Err(); err != nil {
		return domain.HistoryPage{}, err
	}
	return domain.HistoryPage{Transactions: txs, Next: nextCursor(txs, limit)}, nil
}

func (s *SQLiteStore) SaveExchange(ctx context.Context, ex domain.Exchange) error {
	now := formatSQLiteTime(s.now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO exchanges
			(client_id, operation_id, leg_a_currency, leg_a_amount, leg_a_direction,
			 leg_b_currency, leg_b_amount, leg_b_direction, rate, comment, revision, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT (client_id, operation_id) DO UPDATE SET
			leg_a_currency = excluded.leg_a_currency,
			leg_a_amount = excluded.leg_a_amount,
			leg_a_direction = excluded.leg_a_direction,
			leg_b_currency = excluded.leg_b_currency,
			leg_b_amount = excluded.leg_b_amount,
			leg_b_direction = excluded.leg_b_direction,
			rate = excluded.rate,
			comment = excluded.comment,
			revision = exchanges.revision + 1,
			updated_at = excluded.updated_at`,
		ex.ClientID, ex.OperationID,
		ex.LegA.Currency, ex.LegA.Amount.String(), string(ex.LegA.Direction),
		ex.LegB.Currency, ex.LegB.Amount.String(), string(ex.LegB.Direction),
		ex.Rate.String(), ex.Comment, now, now)
	if err != nil {
		return sqliteErr("exchange upsert failed", err)
	}
	return nil
}

func (s *SQLiteStore) Exchange(ctx context.Context, clientID int64, operationID string) (domain.Exchange, error) {
	ex := domain.Exchange{ClientID: clientID, OperationID: operationID}
	var (
		aAmount, bAmount, rate string
		aDir, bDir             string
		createdAt, updatedAt   string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT leg_a_currency, leg_a_amount, leg_a_direction, leg_b_currency, leg_b_amount, leg_b_direction,
		       rate, comment, revision, created_at, updated_at
		FROM exchanges WHERE client_id = ? AND operation_id = ?`, clientID, operationID,
	).Scan(&ex.LegA.Currency, &aAmount, &aDir, &ex.LegB.Currency, &bAmount, &bDir,
		&rate, &ex.Comment, &ex.Revision, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Exchange{}, domain.ErrExchangeNotFound
	}
	if err != nil {
		return domain.Exchange{}, sqliteErr("exchange lookup failed", err)
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
	if ex.CreatedAt, err = parseSQLiteTime(createdAt); err != nil {
		return domain.Exchange{}, err
	}
	if ex.UpdatedAt, err = parseSQLiteTime(updatedAt); err != nil {
		return domain.Exchange{}, err
	}
	return ex, nil
}

func formatSQLiteTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseSQLiteTime(s string) (time.Time, error) {
	t, err := time.ParseInLocation(sqliteTimeLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func sqliteCode(err error) (int, bool) {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code(), true
	}
	return 0, false
}

func isSQLiteConstraint(err error) bool {
	code, ok := sqliteCode(err)
	return ok && code&0xff == sqlite3.SQLITE_CONSTRAINT
}

func isSQLiteUnique(err error) bool {
	code, ok := sqliteCode(err)
	return ok && code == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}

// sqliteErr wraps err, marking busy/locked database errors as transient.
func sqliteErr(msg string, err error) error {
	err = fmt.Errorf("%s: %w", msg, err)
	if code, ok := sqliteCode(err); ok {
		switch code & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return domain.Transient(err)
		}
	}
	return err
}
