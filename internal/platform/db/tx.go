package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("odyssey-ledger/db")

// Querier is the subset of pgx shared by pools and transactions.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txKey struct{}

// TxManager runs units of work inside a transaction carried by the context.
type TxManager struct {
	pool    *pgxpool.Pool
	iso     pgx.TxIsoLevel
	retries int
	onRetry func()
}

// Option customises a TxManager.
type Option func(*TxManager)

// WithIsolation overrides the default RepeatableRead isolation level.
func WithIsolation(level pgx.TxIsoLevel) Option {
	return func(m *TxManager) { m.iso = level }
}

// WithConflictRetries sets how many times a conflicting unit is re-run.
func WithConflictRetries(n int) Option {
	return func(m *TxManager) {
		if n >= 0 {
			m.retries = n
		}
	}
}

// WithRetryHook registers a callback invoked before every conflict retry.
func WithRetryHook(fn func()) Option {
	return func(m *TxManager) { m.onRetry = fn }
}

// NewTxManager constructs a TxManager over the pool.
func NewTxManager(pool *pgxpool.Pool, opts ...Option) *TxManager {
	m := &TxManager{pool: pool, iso: pgx.RepeatableRead, retries: 1}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// WithinTx executes fn within a transaction. A transaction already present in
// ctx is joined instead of nested, and only the outermost call retries on conflict.
func (m *TxManager) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if InTx(ctx) {
		return fn(ctx)
	}
	return RetryOnConflict(ctx, m.retries, func() error {
		return m.run(ctx, fn)
	}, m.onRetry)
}

func (m *TxManager) run(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, span := tracer.Start(ctx, "db.transaction",
		trace.WithAttributes(attribute.String("db.isolation", string(m.iso))))
	defer span.End()

	tx, err := m.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: m.iso})
	if err != nil {
		return fmt.Errorf("platform/db: begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(context.Background())
	}()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "rolled back")
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("platform/db: commit tx: %w", err)
	}
	return nil
}

// Conn returns the transaction bound to ctx, or the pool when there is none.
func (m *TxManager) Conn(ctx context.Context) Querier {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return m.pool
}

// InTx reports whether ctx carries an open transaction.
func InTx(ctx context.Context) bool {
	_, ok := ctx.Value(txKey{}).(pgx.Tx)
	return ok
}
