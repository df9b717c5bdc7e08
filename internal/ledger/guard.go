package ledger

import (
	"context"
	"fmt"

	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// Guard prevents an external reference from being applied twice.
type Guard struct {
	store Store
}

// NewGuard constructs a Guard over the store.
func NewGuard(store Store) *Guard {
	return &Guard{store: store}
}

// CheckAndReserve must run inside the same unit as the postings it protects:
// the existence check and the reservation commit or roll back with them.
func (g *Guard) CheckAndReserve(ctx context.Context, tx Tx, ref Reference) error {
	exists, err := tx.MovementsExist(ctx, ref)
	if err != nil {
		return fmt.Errorf("ledger: guard lookup %s: %w", ref, err)
	}
	if exists {
		return fmt.Errorf("ledger: %s: %w", ref, shared.ErrAlreadyApplied)
	}
	if err := tx.ReserveReference(ctx, ref); err != nil {
		return fmt.Errorf("ledger: reserve %s: %w", ref, err)
	}
	return nil
}

// Applied reports, without reserving, whether ref has been applied.
func (g *Guard) Applied(ctx context.Context, ref Reference) (bool, error) {
	if err := ref.Validate(); err != nil {
		return false, err
	}
	return g.store.ReferenceApplied(ctx, ref)
}
