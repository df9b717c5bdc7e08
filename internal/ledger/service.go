package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// Recorder receives posting outcomes for metrics.
type Recorder interface {
	ObservePosting(refType, outcome string)
}

// ServiceConfig carries optional collaborators.
type ServiceConfig struct {
	Logger   *slog.Logger
	Metrics  Recorder
	Clock    func() time.Time
	PageSize int
}

// Service exposes the movement ledger and its aggregate maintainer.
type Service struct {
	store    Store
	guard    *Guard
	logger   *slog.Logger
	metrics  Recorder
	now      func() time.Time
	pageSize int
}

// NewService constructs a Service.
func NewService(store Store, cfg ServiceConfig) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	return &Service{
		store:    store,
		guard:    NewGuard(store),
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		now:      func() time.Time { return cfg.Clock().UTC() },
		pageSize: cfg.PageSize,
	}
}

// Guard exposes the idempotency guard for read-only checks.
func (s *Service) Guard() *Guard {
	return s.guard
}

// AppendInput describes a single movement. UnitCost is only meaningful for
// products: a receipt-type movement carrying it moves the average cost.
type AppendInput struct {
	Subject  SubjectRef
	Delta    decimal.Decimal
	UnitCost *decimal.Decimal
	RefType  RefType
	RefID    string
	BatchID  string
	Memo     string
}

// Append records one movement and updates its subject in the same unit.
// Init movements are only written by OpenSubject.
func (s *Service) Append(ctx context.Context, in AppendInput) (Movement, error) {
	if in.RefType == RefInit {
		err := fmt.Errorf("%w: ledger: init movements come from opening a subject", shared.ErrValidation)
		s.observe(in.RefType, err)
		return Movement{}, err
	}
	entry := Entry{Subject: in.Subject, Delta: in.Delta, Memo: in.Memo}
	if in.UnitCost != nil && in.Subject.Kind == SubjectProduct {
		entry.UnitCost = *in.UnitCost
		entry.Cost = inferCost(in.RefType, in.Delta)
	}
	movements, err := s.Post(ctx, Posting{
		Reference: Reference{Type: in.RefType, ID: in.RefID, Batch: in.BatchID},
		Entries:   []Entry{entry},
	})
	if err != nil {
		return Movement{}, err
	}
	return movements[0], nil
}

func inferCost(refType RefType, delta decimal.Decimal) CostEffect {
	switch refType {
	case RefPurchase:
		if delta.IsPositive() {
			return CostReceipt
		}
		return CostReversal
	case RefAdjustment:
		if delta.IsPositive() {
			return CostReceipt
		}
	}
	return CostNone
}

// Post applies every entry of p atomically.
func (s *Service) Post(ctx context.Context, p Posting) ([]Movement, error) {
	if err := p.validate(); err != nil {
		s.observe(p.Reference.Type, err)
		return nil, err
	}
	var result applied
	err := s.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		if p.Guard {
			if err := s.guard.CheckAndReserve(ctx, tx, p.Reference); err != nil {
				return err
			}
		}
		var err error
		result, err = s.apply(ctx, tx, p)
		return err
	})
	s.observe(p.Reference.Type, err)
	if err != nil {
		return nil, err
	}
	return result.movements, nil
}

func (s *Service) observe(refType RefType, err error) {
	if s.metrics == nil {
		return
	}
	outcome := "applied"
	switch {
	case err == nil:
	case errors.Is(err, shared.ErrAlreadyApplied):
		outcome = "already_applied"
	case errors.Is(err, shared.ErrInsufficientStock), errors.Is(err, shared.ErrInsufficientFunds):
		outcome = "insufficient"
	case errors.Is(err, shared.ErrValidation), errors.Is(err, shared.ErrInvalidDelta):
		outcome = "rejected"
	case errors.Is(err, shared.ErrPersistenceConflict):
		outcome = "conflict"
	default:
		outcome = "error"
	}
	s.metrics.ObservePosting(string(refType), outcome)
}

// GetAggregate returns the cached running total of subject.
func (s *Service) GetAggregate(ctx context.Context, subject SubjectRef) (Aggregate, error) {
	if err := subject.Validate(); err != nil {
		return Aggregate{}, err
	}
	agg, err := s.store.GetAggregate(ctx, subject)
	if err != nil {
		return Aggregate{}, fmt.Errorf("ledger: get %s: %w", subject, err)
	}
	return agg, nil
}

// WithTx runs fn in one ledger unit. Postings and audit writes made with the
// ctx passed to fn commit or roll back together.
func (s *Service) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.store.WithTx(ctx, func(ctx context.Context, _ Tx) error {
		return fn(ctx)
	})
}

// OpenInput describes a new subject and its optional opening balance.
type OpenInput struct {
	Subject       SubjectRef
	AllowNegative bool
	Opening       decimal.Decimal
	OpeningCost   decimal.Decimal
	Memo          string
}

// OpenSubject creates the aggregate and records a non-zero opening balance
// as an init movement in the same unit.
func (s *Service) OpenSubject(ctx context.Context, in OpenInput) (Aggregate, error) {
	if err := in.Subject.Validate(); err != nil {
		return Aggregate{}, err
	}
	if in.OpeningCost.IsNegative() {
		return Aggregate{}, fmt.Errorf("%w: negative opening cost", shared.ErrValidation)
	}
	agg := Aggregate{Subject: in.Subject, AllowNegative: in.AllowNegative, UpdatedAt: s.now()}
	err := s.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.CreateAggregate(ctx, agg); err != nil {
			return fmt.Errorf("ledger: open %s: %w", in.Subject, err)
		}
		if in.Opening.IsZero() {
			return nil
		}
		entry := Entry{Subject: in.Subject, Delta: in.Opening, Memo: in.Memo}
		if in.Subject.Kind == SubjectProduct && in.Opening.IsPositive() {
			entry.Cost = CostReceipt
			entry.UnitCost = in.OpeningCost
		}
		result, err := s.apply(ctx, tx, Posting{
			Reference: Reference{Type: RefInit, ID: in.Subject.String()},
			Entries:   []Entry{entry},
		})
		if err != nil {
			return err
		}
		agg = result.aggregates[in.Subject]
		return nil
	})
	if err != nil {
		return Aggregate{}, err
	}
	s.logger.Info("ledger subject opened", slog.String("subject", in.Subject.String()), slog.String("opening", in.Opening.String()))
	return agg, nil
}

// RemoveSubject purges the init movements of subject and deletes it. Any
// other movement is history that must be kept, so removal is refused.
func (s *Service) RemoveSubject(ctx context.Context, subject SubjectRef) error {
	if err := subject.Validate(); err != nil {
		return err
	}
	return s.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		if _, err := tx.LockAggregate(ctx, subject); err != nil {
			return fmt.Errorf("ledger: remove %s: %w", subject, err)
		}
		inUse, err := tx.HasMovementsExcept(ctx, subject, RefInit)
		if err != nil {
			return fmt.Errorf("ledger: remove %s: %w", subject, err)
		}
		if inUse {
			return fmt.Errorf("ledger: remove %s: %w", subject, shared.ErrSubjectInUse)
		}
		purged, err := tx.PurgeMovements(ctx, subject, RefInit)
		if err != nil {
			return fmt.Errorf("ledger: purge %s: %w", subject, err)
		}
		if err := tx.DeleteAggregate(ctx, subject); err != nil {
			return fmt.Errorf("ledger: delete %s: %w", subject, err)
		}
		s.logger.Info("ledger subject removed", slog.String("subject", subject.String()), slog.Int64("purged", purged))
		return nil
	})
}

// SetAllowNegative toggles whether subject may go below zero.
func (s *Service) SetAllowNegative(ctx context.Context, subject SubjectRef, allow bool) (Aggregate, error) {
	if err := subject.Validate(); err != nil {
		return Aggregate{}, err
	}
	var agg Aggregate
	err := s.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		agg, err = tx.LockAggregate(ctx, subject)
		if err != nil {
			return fmt.Errorf("ledger: %s: %w", subject, err)
		}
		agg.AllowNegative = allow
		agg.UpdatedAt = s.now()
		return tx.SaveAggregate(ctx, agg)
	})
	if err != nil {
		return Aggregate{}, err
	}
	return agg, nil
}
