package inventory

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/ledger"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

var (
	// ErrInvalidQuantity rejects zero or wrongly signed quantities.
	ErrInvalidQuantity = fmt.Errorf("%w: inventory: invalid quantity", shared.ErrValidation)
	// ErrInvalidUnitCost rejects negative unit costs.
	ErrInvalidUnitCost = fmt.Errorf("%w: inventory: invalid unit cost", shared.ErrValidation)
	// ErrInvalidProduct rejects missing product ids.
	ErrInvalidProduct = fmt.Errorf("%w: inventory: product required", shared.ErrValidation)
)

// ProductInput registers a product as a ledger subject.
type ProductInput struct {
	ProductID     int64
	AllowNegative bool
	OpeningQty    decimal.Decimal
	OpeningCost   decimal.Decimal
	ActorID       int64
}

// ReceiptInput posts a cost-bearing purchase receipt.
type ReceiptInput struct {
	ProductID int64
	Qty       decimal.Decimal
	UnitCost  decimal.Decimal
	RefID     string
	BatchID   string
	Note      string
}

// ReversalInput takes a prior receipt back out of stock and cost.
type ReversalInput struct {
	ProductID int64
	Qty       decimal.Decimal
	UnitCost  decimal.Decimal
	RefID     string
	BatchID   string
	Note      string
}

// ReversalBatch is the batch id a reversal of batch is posted under.
func ReversalBatch(batch string) string {
	return "reversal:" + batch
}

// IssueLine is one product leaving stock.
type IssueLine struct {
	ProductID int64
	Qty       decimal.Decimal
}

// IssueInput removes stock for a delivery or sale. Issues never move cost.
type IssueInput struct {
	RefType ledger.RefType
	RefID   string
	Lines   []IssueLine
	Note    string
}

// AdjustmentInput describes a manual stock correction. A positive quantity
// with a unit cost is valued like a receipt.
type AdjustmentInput struct {
	ProductID int64
	Qty       decimal.Decimal
	UnitCost  *decimal.Decimal
	Note      string
	RequestID string
	ActorID   int64
}

// StockLevel summarises stock of a product.
type StockLevel struct {
	ProductID     int64           `json:"product_id"`
	Qty           decimal.Decimal `json:"qty"`
	AvgCost       decimal.Decimal `json:"avg_cost"`
	Value         decimal.Decimal `json:"value"`
	AllowNegative bool            `json:"allow_negative"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// StockCardEntry describes inventory card entry for reports.
type StockCardEntry struct {
	MovementID int64           `json:"movement_id"`
	RefType    ledger.RefType  `json:"ref_type"`
	RefID      string          `json:"ref_id"`
	BatchID    string          `json:"batch_id,omitempty"`
	PostedAt   time.Time       `json:"posted_at"`
	QtyIn      decimal.Decimal `json:"qty_in"`
	QtyOut     decimal.Decimal `json:"qty_out"`
	BalanceQty decimal.Decimal `json:"balance_qty"`
	UnitCost   decimal.Decimal `json:"unit_cost"`
	Note       string          `json:"note,omitempty"`
}

// StockCardFilter filters card entries.
type StockCardFilter struct {
	ProductID int64
	RefType   ledger.RefType
	From      time.Time
	To        time.Time
	Limit     int
}
