package delivery

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// Status represents the lifecycle of a delivery.
type Status string

const (
	StatusPending   Status = "pending"   // Created, stock untouched
	StatusConfirmed Status = "confirmed" // Stock issued
	StatusCancelled Status = "cancelled" // Cancelled before confirmation
)

// IsValid checks if the status is valid
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanConfirm checks if the delivery can be confirmed
func (s Status) CanConfirm() bool {
	return s == StatusPending
}

// CanCancel checks if the delivery can be cancelled. Confirmed deliveries
// already moved stock and stay confirmed.
func (s Status) CanCancel() bool {
	return s == StatusPending
}

// Delivery ships goods to a customer.
type Delivery struct {
	ID          int64      `json:"id" db:"id"`
	Number      string     `json:"number" db:"number"`
	CustomerID  int64      `json:"customer_id" db:"customer_id"`
	SaleID      *int64     `json:"sale_id,omitempty" db:"sale_id"`
	Status      Status     `json:"status" db:"status"`
	Note        string     `json:"note,omitempty" db:"note"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty" db:"confirmed_at"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty" db:"cancelled_at"`
	Lines       []Line     `json:"lines" db:"-"`
}

// Line is one product on a delivery.
type Line struct {
	ID         int64           `json:"id" db:"id"`
	DeliveryID int64           `json:"delivery_id" db:"delivery_id"`
	ProductID  int64           `json:"product_id" db:"product_id"`
	Quantity   decimal.Decimal `json:"quantity" db:"quantity"`
}

// CreateDeliveryRequest represents request to create a delivery
type CreateDeliveryRequest struct {
	Number     string      `json:"number" validate:"max=64"`
	CustomerID int64       `json:"customer_id" validate:"required,gt=0"`
	SaleID     *int64      `json:"sale_id,omitempty" validate:"omitempty,gt=0"`
	Note       string      `json:"note" validate:"max=500"`
	Lines      []LineInput `json:"lines" validate:"required,min=1,dive"`
}

// LineInput represents a line item in create request
type LineInput struct {
	ProductID int64           `json:"product_id" validate:"required,gt=0"`
	Quantity  decimal.Decimal `json:"quantity"`
}

func (req CreateDeliveryRequest) validate() error {
	if req.CustomerID <= 0 {
		return fmt.Errorf("%w: delivery: customer required", shared.ErrValidation)
	}
	if len(req.Lines) == 0 {
		return fmt.Errorf("%w: delivery: at least one line required", shared.ErrValidation)
	}
	for i, line := range req.Lines {
		if line.ProductID <= 0 {
			return fmt.Errorf("%w: delivery: line %d: product required", shared.ErrValidation, i+1)
		}
		if !line.Quantity.IsPositive() {
			return fmt.Errorf("%w: delivery: line %d: quantity must be positive", shared.ErrValidation, i+1)
		}
	}
	return nil
}
