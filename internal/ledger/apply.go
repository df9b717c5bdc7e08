package ledger

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/costing"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

type applied struct {
	movements  []Movement
	aggregates map[SubjectRef]Aggregate
}

// apply locks every subject of the posting in a fixed order, checks each
// entry against the running aggregate and only then writes movements and
// aggregates. A failed check leaves the unit without writes.
func (s *Service) apply(ctx context.Context, tx Tx, p Posting) (applied, error) {
	subjects := p.subjects()
	aggs := make(map[SubjectRef]Aggregate, len(subjects))
	for _, ref := range subjects {
		agg, err := tx.LockAggregate(ctx, ref)
		if err != nil {
			return applied{}, fmt.Errorf("ledger: lock %s: %w", ref, err)
		}
		aggs[ref] = agg
	}

	now := s.now()
	movements := make([]Movement, 0, len(p.Entries))
	for _, e := range p.Entries {
		agg := aggs[e.Subject]
		next, err := nextAggregate(agg, e)
		if err != nil {
			return applied{}, err
		}
		movements = append(movements, Movement{
			Subject:   e.Subject,
			Delta:     e.Delta,
			UnitCost:  movementCost(agg, e),
			RefType:   p.Reference.Type,
			RefID:     p.Reference.ID,
			BatchID:   p.Reference.Batch,
			Memo:      e.Memo,
			CreatedAt: now,
		})
		aggs[e.Subject] = next
	}

	for i := range movements {
		m, err := tx.InsertMovement(ctx, movements[i])
		if err != nil {
			return applied{}, fmt.Errorf("ledger: insert movement: %w", err)
		}
		movements[i] = m
	}
	for _, ref := range subjects {
		agg := aggs[ref]
		agg.UpdatedAt = now
		if err := tx.SaveAggregate(ctx, agg); err != nil {
			return applied{}, fmt.Errorf("ledger: save %s: %w", ref, err)
		}
		aggs[ref] = agg
	}
	return applied{movements: movements, aggregates: aggs}, nil
}

func nextAggregate(agg Aggregate, e Entry) (Aggregate, error) {
	next := agg
	next.Balance = agg.Balance.Add(e.Delta)
	if e.Delta.IsNegative() && next.Balance.IsNegative() && !agg.AllowNegative {
		sentinel := shared.ErrInsufficientStock
		if agg.Subject.Kind == SubjectAccount {
			sentinel = shared.ErrInsufficientFunds
		}
		return agg, fmt.Errorf("ledger: %s has %s, requested %s: %w",
			agg.Subject, agg.Balance.String(), e.Delta.Neg().String(), sentinel)
	}
	switch e.Cost {
	case CostReceipt:
		next.AvgCost = costing.Receive(agg.Balance, agg.AvgCost, e.Delta, e.UnitCost)
	case CostReversal:
		next.AvgCost = costing.Reverse(agg.Balance, agg.AvgCost, e.Delta.Neg(), e.UnitCost)
	}
	return next, nil
}

// movementCost is the unit cost stamped on the movement: the receipt cost for
// cost-bearing entries, the prevailing average for other product movements.
func movementCost(agg Aggregate, e Entry) decimal.Decimal {
	if e.Cost != CostNone {
		return e.UnitCost
	}
	if e.Subject.Kind == SubjectProduct {
		return agg.AvgCost
	}
	return decimal.Zero
}
