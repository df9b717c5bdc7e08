package delivery

import (
	"context"
	"fmt"

	"github.com/odyssey-erp/odyssey-ledger/internal/inventory"
	"github.com/odyssey-erp/odyssey-ledger/internal/ledger"
)

// InventoryAdapter adapts the inventory.Service to the InventoryService interface
// required by the delivery service.
type InventoryAdapter struct {
	service *inventory.Service
}

// NewInventoryAdapter creates a new inventory adapter
func NewInventoryAdapter(service *inventory.Service) *InventoryAdapter {
	return &InventoryAdapter{service: service}
}

// IssueDelivery removes the delivered quantities from stock under the
// delivery reference. A reference that was already issued fails with
// shared.ErrAlreadyApplied.
func (a *InventoryAdapter) IssueDelivery(ctx context.Context, d Delivery) error {
	if a.service == nil {
		return fmt.Errorf("inventory service not initialized")
	}
	lines := make([]inventory.IssueLine, 0, len(d.Lines))
	for _, line := range d.Lines {
		lines = append(lines, inventory.IssueLine{ProductID: line.ProductID, Qty: line.Quantity})
	}
	_, err := a.service.PostIssue(ctx, inventory.IssueInput{
		RefType: ledger.RefDelivery,
		RefID:   d.Number,
		Lines:   lines,
		Note:    "delivery " + d.Number,
	})
	if err != nil {
		return fmt.Errorf("issue delivery %s: %w", d.Number, err)
	}
	return nil
}
