package cash

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/ledger"
)

// AccountInput opens a cash account.
type AccountInput struct {
	AccountID     int64
	Opening       decimal.Decimal
	AllowNegative bool
	ActorID       int64
}

// TransferInput moves money between two accounts. RequestID makes the
// transfer safe to replay; without it every call is a new transfer.
type TransferInput struct {
	From      int64
	To        int64
	Amount    decimal.Decimal
	Note      string
	RequestID string
	ActorID   int64
}

// AdjustInput corrects one account by a signed amount.
type AdjustInput struct {
	AccountID int64
	Amount    decimal.Decimal
	Note      string
	RequestID string
	ActorID   int64
}

// Balance is the current state of an account.
type Balance struct {
	AccountID     int64           `json:"account_id"`
	Balance       decimal.Decimal `json:"balance"`
	AllowNegative bool            `json:"allow_negative"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Transfer pairs the two movements of one transfer.
type Transfer struct {
	RefID  string          `json:"ref_id"`
	Amount decimal.Decimal `json:"amount"`
	Debit  ledger.Movement `json:"debit"`
	Credit ledger.Movement `json:"credit"`
}

// StatementLine is a movement and the account balance right after it.
type StatementLine struct {
	ledger.Movement
	RunningBalance decimal.Decimal `json:"running_balance"`
}

// StatementFilter narrows a statement. From is inclusive, To exclusive.
type StatementFilter struct {
	RefType ledger.RefType
	From    time.Time
	To      time.Time
}

func balanceOf(agg ledger.Aggregate) Balance {
	return Balance{
		AccountID:     agg.Subject.ID,
		Balance:       agg.Balance,
		AllowNegative: agg.AllowNegative,
		UpdatedAt:     agg.UpdatedAt,
	}
}
