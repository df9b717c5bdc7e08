package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"

	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

const (
	deliveryColumns = "id, number, customer_id, sale_id, status, note, created_at, confirmed_at, cancelled_at"
	lineColumns     = "id, delivery_id, product_id, quantity"
)

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	tx *db.TxManager
}

// NewRepository constructs a repository.
func NewRepository(tx *db.TxManager) *Repository {
	return &Repository{tx: tx}
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	CreateDelivery(ctx context.Context, d Delivery) (int64, error)
	InsertLine(ctx context.Context, line Line) (int64, error)
	LockDelivery(ctx context.Context, id int64) (Delivery, error)
	UpdateStatus(ctx context.Context, id int64, status Status, at time.Time) error
}

// WithTx wraps callback in the shared repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return r.tx.WithinTx(ctx, func(ctx context.Context) error {
		return fn(ctx, &txRepo{conn: r.tx.Conn(ctx)})
	})
}

// GetDelivery returns a delivery with its lines.
func (r *Repository) GetDelivery(ctx context.Context, id int64) (Delivery, error) {
	return loadDelivery(ctx, r.tx.Conn(ctx), id, false)
}

func loadDelivery(ctx context.Context, q db.Querier, id int64, forUpdate bool) (Delivery, error) {
	query := `SELECT ` + deliveryColumns + ` FROM deliveries WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var d Delivery
	if err := pgxscan.Get(ctx, q, &d, query, id); err != nil {
		if pgxscan.NotFound(err) {
			return Delivery{}, fmt.Errorf("delivery %d: %w", id, shared.ErrNotFound)
		}
		return Delivery{}, err
	}
	if err := pgxscan.Select(ctx, q, &d.Lines, `SELECT `+lineColumns+` FROM delivery_lines
		WHERE delivery_id = $1 ORDER BY id`, id); err != nil {
		return Delivery{}, err
	}
	return d, nil
}

type txRepo struct {
	conn db.Querier
}

func (t *txRepo) CreateDelivery(ctx context.Context, d Delivery) (int64, error) {
	var id int64
	err := t.conn.QueryRow(ctx, `INSERT INTO deliveries (number, customer_id, sale_id, status, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		d.Number, d.CustomerID, d.SaleID, string(d.Status), d.Note, d.CreatedAt).Scan(&id)
	if db.IsUniqueViolation(err) {
		return 0, fmt.Errorf("%w: delivery number %s already used", shared.ErrValidation, d.Number)
	}
	return id, err
}

func (t *txRepo) InsertLine(ctx context.Context, line Line) (int64, error) {
	var id int64
	err := t.conn.QueryRow(ctx, `INSERT INTO delivery_lines (delivery_id, product_id, quantity)
		VALUES ($1, $2, $3) RETURNING id`, line.DeliveryID, line.ProductID, line.Quantity).Scan(&id)
	return id, err
}

func (t *txRepo) LockDelivery(ctx context.Context, id int64) (Delivery, error) {
	return loadDelivery(ctx, t.conn, id, true)
}

func (t *txRepo) UpdateStatus(ctx context.Context, id int64, status Status, at time.Time) error {
	var query string
	switch status {
	case StatusConfirmed:
		query = `UPDATE deliveries SET status = $2, confirmed_at = $3 WHERE id = $1`
	case StatusCancelled:
		query = `UPDATE deliveries SET status = $2, cancelled_at = $3 WHERE id = $1`
	default:
		return fmt.Errorf("%w: delivery: unexpected status %s", shared.ErrInvalidState, status)
	}
	_, err := t.conn.Exec(ctx, query, id, string(status), at)
	return err
}

var _ RepositoryPort = (*Repository)(nil)
