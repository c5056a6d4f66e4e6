package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction sources recorded on every ledger row.
const (
	SourceCommand            = "command"
	SourceExchange           = "exchange"
	SourceExchangeCompensate = "exchange_compensate"
	SourceExchangeEdit       = "exchange_edit"
	SourceUndo               = "undo"
)

// Client is one ledger participant, keyed externally by its chat identity.
type Client struct {
	ID          int64     `json:"id"`
	ExternalKey string    `json:"external_key"`
	Name        string    `json:"name"`
	City        *string   `json:"city,omitempty"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// CurrencyAccount is a client's sub-account in a single currency.
// Balance is always an exact multiple of 10^-Precision.
type CurrencyAccount struct {
	ID            int64           `json:"id"`
	ClientID      int64           `json:"client_id"`
	Currency      string          `json:"currency"`
	Precision     int32           `json:"precision"`
	Balance       decimal.Decimal `json:"balance"`
	Active        bool            `json:"active"`
	DeactivatedAt *time.Time      `json:"deactivated_at,omitempty"`
}

// Transaction is the immutable record of one balance mutation.
type Transaction struct {
	ID             int64           `json:"id"`
	ClientID       int64           `json:"client_id"`
	AccountID      int64           `json:"account_id"`
	Currency       string          `json:"currency"`
	Amount         decimal.Decimal `json:"amount"`
	BalanceAfter   decimal.Decimal `json:"balance_after"`
	GroupID        *int64          `json:"group_id,omitempty"`
	ActorID        *int64          `json:"actor_id,omitempty"`
	Comment        string          `json:"comment,omitempty"`
	Source         string          `json:"source"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	At             time.Time       `json:"at"`
}

// ApplyRequest is the input of the single mutating ledger primitive.
// Amount is a signed delta; the store quantizes it to the account precision.
type ApplyRequest struct {
	ClientID       int64
	Currency       string
	Amount         decimal.Decimal
	IdempotencyKey string
	GroupID        *int64
	ActorID        *int64
	Comment        string
	Source         string
	// At defaults to processing time when zero.
	At time.Time
}

// ApplyResult identifies the transaction an apply call resolved to.
// Replayed is set when the idempotency key matched an earlier transaction
// and nothing was mutated.
type ApplyResult struct {
	TransactionID int64
	Replayed      bool
}

// Direction is how a leg moves money on the client's account.
type Direction string

const (
	Deposit  Direction = "deposit"
	Withdraw Direction = "withdraw"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == Deposit || d == Withdraw
}

// Inverse returns the opposite direction.
func (d Direction) Inverse() Direction {
	if d == Deposit {
		return Withdraw
	}
	return Deposit
}

// Signed returns amount with the sign implied by d.
func (d Direction) Signed(amount decimal.Decimal) decimal.Decimal {
	if d == Withdraw {
		return amount.Neg()
	}
	return amount
}

// Leg is one side of a two-currency exchange.
type Leg struct {
	Currency  string          `json:"currency"`
	Amount    decimal.Decimal `json:"amount"`
	Direction Direction       `json:"direction"`
}

// Exchange is the durable record of a settled two-leg operation, used to
// recall the exact previously applied amounts when the exchange is edited.
type Exchange struct {
	ClientID    int64           `json:"client_id"`
	OperationID string          `json:"operation_id"`
	LegA        Leg             `json:"leg_a"`
	LegB        Leg             `json:"leg_b"`
	Rate        decimal.Decimal `json:"rate"`
	Comment     string          `json:"comment,omitempty"`
	Revision    int             `json:"revision"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// ExchangeResult is the outcome of a successful settlement.
type ExchangeResult struct {
	OperationID     string          `json:"operation_id"`
	LegA            Leg             `json:"leg_a"`
	LegB            Leg             `json:"leg_b"`
	LegATransaction int64           `json:"leg_a_transaction_id"`
	LegBTransaction int64           `json:"leg_b_transaction_id"`
	Rate            decimal.Decimal `json:"rate"`
	Replayed        bool            `json:"replayed"`
}

// HistoryCursor is the keyset position (event time, transaction id) of the
// last row of a history page.
type HistoryCursor struct {
	At time.Time `json:"at"`
	ID int64     `json:"id"`
}

// HistoryQuery selects a page of an account's transactions, newest first.
// Since is inclusive, Until is exclusive.
type HistoryQuery struct {
	AccountID int64
	Limit     int
	Since     *time.Time
	Until     *time.Time
	Cursor    *HistoryCursor
}

// HistoryPage is one page of account history.
type HistoryPage struct {
	Transactions []Transaction  `json:"transactions"`
	Next         *HistoryCursor `json:"next,omitempty"`
}
