package sales

import (
	"context"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"

	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

const (
	saleColumns     = "id, number, customer_id, status, discount, due_days, note, created_at, confirmed_at, cancelled_at"
	saleLineColumns = "id, sale_id, product_id, quantity, unit_price"
)

// Repository provides PostgreSQL backed persistence for sales operations.
type Repository struct {
	tx *db.TxManager
}

// NewRepository constructs a repository.
func NewRepository(tx *db.TxManager) *Repository {
	return &Repository{tx: tx}
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	CreateSale(ctx context.Context, sale Sale) (int64, error)
	InsertSaleLine(ctx context.Context, line SaleLine) (int64, error)
	LockSale(ctx context.Context, id int64) (Sale, error)
	UpdateSaleStatus(ctx context.Context, id int64, status SaleStatus, at time.Time) error
}

// WithTx wraps callback in the shared repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return r.tx.WithinTx(ctx, func(ctx context.Context) error {
		return fn(ctx, &txRepo{conn: r.tx.Conn(ctx)})
	})
}

// GetSale returns a sale with its lines.
func (r *Repository) GetSale(ctx context.Context, id int64) (Sale, error) {
	return loadSale(ctx, r.tx.Conn(ctx), id, false)
}

func loadSale(ctx context.Context, q db.Querier, id int64, forUpdate bool) (Sale, error) {
	query := `SELECT ` + saleColumns + ` FROM sales WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var sale Sale
	if err := pgxscan.Get(ctx, q, &sale, query, id); err != nil {
		if pgxscan.NotFound(err) {
			return Sale{}, fmt.Errorf("sales: sale %d: %w", id, shared.ErrNotFound)
		}
		return Sale{}, err
	}
	if err := pgxscan.Select(ctx, q, &sale.Lines, `SELECT `+saleLineColumns+` FROM sale_lines
		WHERE sale_id = $1 ORDER BY id`, id); err != nil {
		return Sale{}, err
	}
	return sale, nil
}

type txRepo struct {
	conn db.Querier
}

func (t *txRepo) CreateSale(ctx context.Context, sale Sale) (int64, error) {
	var id int64
	err := t.conn.QueryRow(ctx, `INSERT INTO sales (number, customer_id, status, discount, due_days, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		sale.Number, sale.CustomerID, string(sale.Status), sale.Discount, sale.DueDays, sale.Note, sale.CreatedAt).Scan(&id)
	if db.IsUniqueViolation(err) {
		return 0, fmt.Errorf("%w: sale number %s already used", shared.ErrValidation, sale.Number)
	}
	return id, err
}

func (t *txRepo) InsertSaleLine(ctx context.Context, line SaleLine) (int64, error) {
	var id int64
	err := t.conn.QueryRow(ctx, `INSERT INTO sale_lines (sale_id, product_id, quantity, unit_price)
		VALUES ($1, $2, $3, $4) RETURNING id`, line.SaleID, line.ProductID, line.Quantity, line.UnitPrice).Scan(&id)
	return id, err
}

func (t *txRepo) LockSale(ctx context.Context, id int64) (Sale, error) {
	return loadSale(ctx, t.conn, id, true)
}

func (t *txRepo) UpdateSaleStatus(ctx context.Context, id int64, status SaleStatus, at time.Time) error {
	var query string
	switch status {
	case SaleStatusConfirmed:
		query = `UPDATE sales SET status = $2, confirmed_at = $3 WHERE id = $1`
	case SaleStatusCancelled:
		query = `UPDATE sales SET status = $2, cancelled_at = $3 WHERE id = $1`
	default:
		return fmt.Errorf("%w: sales: unexpected status %s", shared.ErrInvalidState, status)
	}
	_, err := t.conn.Exec(ctx, query, id, string(status), at)
	return err
}

var _ RepositoryPort = (*Repository)(nil)
