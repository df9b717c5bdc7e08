package sales

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/partner"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// ============================================================================
// SALE
// ============================================================================

// SaleStatus represents the lifecycle of a sale.
type SaleStatus string

const (
	SaleStatusDraft     SaleStatus = "draft"
	SaleStatusConfirmed SaleStatus = "confirmed"
	SaleStatusCancelled SaleStatus = "cancelled"
)

type Sale struct {
	ID          int64           `json:"id" db:"id"`
	Number      string          `json:"number" db:"number"`
	CustomerID  int64           `json:"customer_id" db:"customer_id"`
	Status      SaleStatus      `json:"status" db:"status"`
	Discount    decimal.Decimal `json:"discount" db:"discount"`
	DueDays     int             `json:"due_days" db:"due_days"`
	Note        string          `json:"note,omitempty" db:"note"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	ConfirmedAt *time.Time      `json:"confirmed_at,omitempty" db:"confirmed_at"`
	CancelledAt *time.Time      `json:"cancelled_at,omitempty" db:"cancelled_at"`
	Lines       []SaleLine      `json:"lines" db:"-"`
}

type SaleLine struct {
	ID        int64           `json:"id" db:"id"`
	SaleID    int64           `json:"sale_id" db:"sale_id"`
	ProductID int64           `json:"product_id" db:"product_id"`
	Quantity  decimal.Decimal `json:"quantity" db:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price" db:"unit_price"`
}

// LineTotal is quantity times unit price.
func (l SaleLine) LineTotal() decimal.Decimal {
	return l.Quantity.Mul(l.UnitPrice)
}

// Total is the receivable amount: line totals less the header discount,
// rounded to cents.
func (s Sale) Total() decimal.Decimal {
	sum := decimal.Zero
	for _, line := range s.Lines {
		sum = sum.Add(line.LineTotal())
	}
	return sum.Sub(s.Discount).Round(partner.Places)
}

// SaleDetail is a sale with its total and receivable.
type SaleDetail struct {
	Sale
	Total      decimal.Decimal   `json:"total"`
	Receivable *partner.Document `json:"receivable,omitempty"`
}

// ============================================================================
// REQUEST DTOs
// ============================================================================

type CreateSaleRequest struct {
	Number     string                  `json:"number" validate:"max=64"`
	CustomerID int64                   `json:"customer_id" validate:"required,gt=0"`
	Discount   decimal.Decimal         `json:"discount"`
	DueDays    int                     `json:"due_days" validate:"gte=0,lte=365"`
	Note       string                  `json:"note" validate:"max=500"`
	Lines      []CreateSaleLineRequest `json:"lines" validate:"required,min=1,dive"`
}

type CreateSaleLineRequest struct {
	ProductID int64           `json:"product_id" validate:"required,gt=0"`
	Quantity  decimal.Decimal `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

func (req CreateSaleRequest) validate() error {
	if req.CustomerID <= 0 {
		return fmt.Errorf("%w: sales: customer required", shared.ErrValidation)
	}
	if req.Discount.IsNegative() {
		return fmt.Errorf("%w: sales: negative discount", shared.ErrValidation)
	}
	if len(req.Lines) == 0 {
		return fmt.Errorf("%w: sales: at least one line required", shared.ErrValidation)
	}
	for i, line := range req.Lines {
		switch {
		case line.ProductID <= 0:
			return fmt.Errorf("%w: sales: line %d: product required", shared.ErrValidation, i+1)
		case !line.Quantity.IsPositive():
			return fmt.Errorf("%w: sales: line %d: quantity must be positive", shared.ErrValidation, i+1)
		case line.UnitPrice.IsNegative():
			return fmt.Errorf("%w: sales: line %d: negative price", shared.ErrValidation, i+1)
		}
	}
	return nil
}
