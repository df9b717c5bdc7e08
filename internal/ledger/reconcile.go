package ledger

import (
	"context"
	"fmt"

	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// Reconcile compares the cached aggregate of subject with the sum of its
// movements, both read from one consistent snapshot.
func (s *Service) Reconcile(ctx context.Context, subject SubjectRef) (Reconciliation, error) {
	if err := subject.Validate(); err != nil {
		return Reconciliation{}, err
	}
	var rec Reconciliation
	err := s.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		agg, err := tx.GetAggregate(ctx, subject)
		if err != nil {
			return err
		}
		sum, err := tx.SumMovements(ctx, subject)
		if err != nil {
			return err
		}
		rec = Reconciliation{
			Subject:   subject,
			Balance:   agg.Balance,
			LedgerSum: sum,
			Drift:     agg.Balance.Sub(sum),
		}
		return nil
	})
	if err != nil {
		return Reconciliation{}, fmt.Errorf("ledger: reconcile %s: %w", subject, err)
	}
	return rec, nil
}

// Subjects lists every subject of kind.
func (s *Service) Subjects(ctx context.Context, kind SubjectKind) ([]SubjectRef, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown subject kind %q", shared.ErrValidation, kind)
	}
	return s.store.ListSubjects(ctx, kind)
}
