package procurement

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/partner"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// Status is the purchase lifecycle state.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusConfirmed Status = "confirmed"
	StatusCancelled Status = "cancelled"
)

// Purchase is a purchase order header.
type Purchase struct {
	ID          int64           `json:"id"`
	Number      string          `json:"number"`
	SupplierID  int64           `json:"supplier_id"`
	Status      Status          `json:"status"`
	Discount    decimal.Decimal `json:"discount"`
	DueDays     int             `json:"due_days"`
	Note        string          `json:"note,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	ConfirmedAt *time.Time      `json:"confirmed_at,omitempty"`
	CancelledAt *time.Time      `json:"cancelled_at,omitempty"`
}

// Item is one ordered product. Deleted items are kept with DeletedAt set.
type Item struct {
	ID               int64           `json:"id" db:"id"`
	PurchaseID       int64           `json:"purchase_id" db:"purchase_id"`
	ProductID        int64           `json:"product_id" db:"product_id"`
	Quantity         decimal.Decimal `json:"quantity" db:"quantity"`
	UnitCost         decimal.Decimal `json:"unit_cost" db:"unit_cost"`
	ReceivedQuantity decimal.Decimal `json:"received_quantity" db:"received_quantity"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
	DeletedAt        *time.Time      `json:"deleted_at,omitempty" db:"deleted_at"`
}

// LineTotal is quantity times unit cost.
func (i Item) LineTotal() decimal.Decimal {
	return i.Quantity.Mul(i.UnitCost)
}

// Receiving is one batch of goods received against an item.
type Receiving struct {
	ID         int64           `json:"id" db:"id"`
	ItemID     int64           `json:"item_id" db:"item_id"`
	BatchID    string          `json:"batch_id" db:"batch_id"`
	Quantity   decimal.Decimal `json:"quantity" db:"quantity"`
	UnitCost   decimal.Decimal `json:"unit_cost" db:"unit_cost"`
	ReceivedAt time.Time       `json:"received_at" db:"received_at"`
	ReversedAt *time.Time      `json:"reversed_at,omitempty" db:"reversed_at"`
}

// PurchaseDetail is a purchase with its live items and payable.
type PurchaseDetail struct {
	Purchase
	Items   []Item            `json:"items"`
	Total   decimal.Decimal   `json:"total"`
	Payable *partner.Document `json:"payable,omitempty"`
}

// Total is the payable amount: line totals less the header discount.
func Total(p Purchase, items []Item) decimal.Decimal {
	sum := decimal.Zero
	for _, item := range items {
		sum = sum.Add(item.LineTotal())
	}
	return sum.Sub(p.Discount).Round(partner.Places)
}

// CreatePurchaseInput describes a new draft purchase.
type CreatePurchaseInput struct {
	Number     string
	SupplierID int64
	Discount   decimal.Decimal
	DueDays    int
	Note       string
	Items      []ItemInput
	ActorID    int64
}

// ItemInput describes one ordered line.
type ItemInput struct {
	ProductID int64           `json:"product_id" validate:"required,gt=0"`
	Quantity  decimal.Decimal `json:"quantity"`
	UnitCost  decimal.Decimal `json:"unit_cost"`
}

func (in ItemInput) validate() error {
	if in.ProductID <= 0 {
		return fmt.Errorf("%w: procurement: product required", shared.ErrValidation)
	}
	if !in.Quantity.IsPositive() {
		return fmt.Errorf("%w: procurement: quantity must be positive", shared.ErrValidation)
	}
	if in.UnitCost.IsNegative() {
		return fmt.Errorf("%w: procurement: negative unit cost", shared.ErrValidation)
	}
	return nil
}

// ReceiveInput receives part of an item under a batch id. The batch id is
// the idempotency key of the receipt.
type ReceiveInput struct {
	ItemID  int64
	BatchID string
	Qty     decimal.Decimal
	Note    string
	ActorID int64
}

var (
	// ErrOverReceipt rejects receipts beyond the ordered quantity.
	ErrOverReceipt = fmt.Errorf("%w: procurement: receipt exceeds ordered quantity", shared.ErrValidation)
)
