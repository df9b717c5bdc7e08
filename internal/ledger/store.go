package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// Store persists subjects, movements and applied references.
type Store interface {
	// WithTx runs fn as one atomic unit. Calls made with a ctx that already
	// carries a unit join it.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	GetAggregate(ctx context.Context, subject SubjectRef) (Aggregate, error)
	ListSubjects(ctx context.Context, kind SubjectKind) ([]SubjectRef, error)
	ListMovements(ctx context.Context, filter QueryFilter, limit int) ([]Movement, error)
	ReferenceApplied(ctx context.Context, ref Reference) (bool, error)
}

// Tx is the write side available inside an atomic unit.
type Tx interface {
	// LockAggregate reads the aggregate and holds it until the unit ends.
	LockAggregate(ctx context.Context, subject SubjectRef) (Aggregate, error)
	GetAggregate(ctx context.Context, subject SubjectRef) (Aggregate, error)
	CreateAggregate(ctx context.Context, agg Aggregate) error
	SaveAggregate(ctx context.Context, agg Aggregate) error
	DeleteAggregate(ctx context.Context, subject SubjectRef) error

	InsertMovement(ctx context.Context, m Movement) (Movement, error)
	SumMovements(ctx context.Context, subject SubjectRef) (decimal.Decimal, error)
	// HasMovementsExcept reports whether subject has movements of any type other than except.
	HasMovementsExcept(ctx context.Context, subject SubjectRef, except RefType) (bool, error)
	PurgeMovements(ctx context.Context, subject SubjectRef, refType RefType) (int64, error)

	MovementsExist(ctx context.Context, ref Reference) (bool, error)
	// ReserveReference records ref as applied, failing with ErrAlreadyApplied on a duplicate.
	ReserveReference(ctx context.Context, ref Reference) error
}
