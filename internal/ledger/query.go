package ledger

import (
	"context"
	"fmt"
	"iter"
)

// Query lazily yields the movements of a subject, newest first. Pages are
// fetched on demand with a keyset cursor, and every range over the returned
// sequence starts again from f.Before (or the newest movement).
func (s *Service) Query(ctx context.Context, f QueryFilter) iter.Seq2[Movement, error] {
	size := f.PageSize
	if size <= 0 {
		size = s.pageSize
	}
	return func(yield func(Movement, error) bool) {
		if err := f.Subject.Validate(); err != nil {
			yield(Movement{}, err)
			return
		}
		page := f
		for {
			movements, err := s.store.ListMovements(ctx, page, size)
			if err != nil {
				yield(Movement{}, fmt.Errorf("ledger: query %s: %w", f.Subject, err))
				return
			}
			for _, m := range movements {
				if !yield(m, nil) {
					return
				}
			}
			if len(movements) < size {
				return
			}
			last := movements[len(movements)-1]
			page.Before = &Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
		}
	}
}

// History locks the aggregate of subject and hands it to visit together with
// the subject's movements, newest first. The lock is held until visit
// returns, so no posting lands between the balance and the movements.
func (s *Service) History(ctx context.Context, subject SubjectRef, visit func(agg Aggregate, movements iter.Seq2[Movement, error]) error) error {
	if err := subject.Validate(); err != nil {
		return err
	}
	return s.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		agg, err := tx.LockAggregate(ctx, subject)
		if err != nil {
			return fmt.Errorf("ledger: history %s: %w", subject, err)
		}
		return visit(agg, s.Query(ctx, QueryFilter{Subject: subject}))
	})
}

// Collect drains up to limit movements of the query. A limit of zero drains all.
func Collect(seq iter.Seq2[Movement, error], limit int) ([]Movement, error) {
	var out []Movement
	for m, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, m)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
