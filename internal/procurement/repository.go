package procurement

import (
	"context"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

const (
	purchaseColumns  = "id, number, supplier_id, status, discount, due_days, note, created_at, confirmed_at, cancelled_at"
	itemColumns      = "id, purchase_id, product_id, quantity, unit_cost, received_quantity, created_at, deleted_at"
	receivingColumns = "id, item_id, batch_id, quantity, unit_cost, received_at, reversed_at"
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
	CreatePurchase(ctx context.Context, p Purchase) (int64, error)
	InsertItem(ctx context.Context, item Item) (int64, error)
	LockPurchase(ctx context.Context, id int64) (Purchase, []Item, error)
	LockItem(ctx context.Context, id int64) (Item, error)
	UpdatePurchaseStatus(ctx context.Context, id int64, status Status, at time.Time) error
	ReceivingExists(ctx context.Context, itemID int64, batchID string) (bool, error)
	InsertReceiving(ctx context.Context, r Receiving) (int64, error)
	AddReceived(ctx context.Context, itemID int64, qty decimal.Decimal) error
	ListReceivings(ctx context.Context, itemID int64) ([]Receiving, error)
	MarkReceivingReversed(ctx context.Context, id int64, at time.Time) error
	DeleteItem(ctx context.Context, id int64, at time.Time) error
}

type purchaseRow struct {
	ID          int64           `db:"id"`
	Number      string          `db:"number"`
	SupplierID  int64           `db:"supplier_id"`
	Status      string          `db:"status"`
	Discount    decimal.Decimal `db:"discount"`
	DueDays     int             `db:"due_days"`
	Note        string          `db:"note"`
	CreatedAt   time.Time       `db:"created_at"`
	ConfirmedAt *time.Time      `db:"confirmed_at"`
	CancelledAt *time.Time      `db:"cancelled_at"`
}

func (r purchaseRow) purchase() Purchase {
	return Purchase{
		ID:          r.ID,
		Number:      r.Number,
		SupplierID:  r.SupplierID,
		Status:      Status(r.Status),
		Discount:    r.Discount,
		DueDays:     r.DueDays,
		Note:        r.Note,
		CreatedAt:   r.CreatedAt,
		ConfirmedAt: r.ConfirmedAt,
		CancelledAt: r.CancelledAt,
	}
}

// WithTx wraps callback in the shared repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return r.tx.WithinTx(ctx, func(ctx context.Context) error {
		return fn(ctx, &txRepo{conn: r.tx.Conn(ctx)})
	})
}

// GetPurchase returns the purchase and its live items.
func (r *Repository) GetPurchase(ctx context.Context, id int64) (Purchase, []Item, error) {
	return loadPurchase(ctx, r.tx.Conn(ctx), id, false)
}

// GetItem returns a live item.
func (r *Repository) GetItem(ctx context.Context, id int64) (Item, error) {
	return loadItem(ctx, r.tx.Conn(ctx), id, false)
}

// ListReceivings returns the receipts of an item that were not reversed.
func (r *Repository) ListReceivings(ctx context.Context, itemID int64) ([]Receiving, error) {
	return listReceivings(ctx, r.tx.Conn(ctx), itemID)
}

func loadPurchase(ctx context.Context, q db.Querier, id int64, forUpdate bool) (Purchase, []Item, error) {
	query := `SELECT ` + purchaseColumns + ` FROM purchases WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var row purchaseRow
	if err := pgxscan.Get(ctx, q, &row, query, id); err != nil {
		if pgxscan.NotFound(err) {
			return Purchase{}, nil, fmt.Errorf("procurement: purchase %d: %w", id, shared.ErrNotFound)
		}
		return Purchase{}, nil, err
	}
	var items []Item
	err := pgxscan.Select(ctx, q, &items, `SELECT `+itemColumns+` FROM purchase_items
		WHERE purchase_id = $1 AND deleted_at IS NULL ORDER BY id`, id)
	if err != nil {
		return Purchase{}, nil, err
	}
	return row.purchase(), items, nil
}

func loadItem(ctx context.Context, q db.Querier, id int64, forUpdate bool) (Item, error) {
	query := `SELECT ` + itemColumns + ` FROM purchase_items WHERE id = $1 AND deleted_at IS NULL`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var item Item
	if err := pgxscan.Get(ctx, q, &item, query, id); err != nil {
		if pgxscan.NotFound(err) {
			return Item{}, fmt.Errorf("procurement: item %d: %w", id, shared.ErrNotFound)
		}
		return Item{}, err
	}
	return item, nil
}

func listReceivings(ctx context.Context, q db.Querier, itemID int64) ([]Receiving, error) {
	var out []Receiving
	err := pgxscan.Select(ctx, q, &out, `SELECT `+receivingColumns+` FROM purchase_receivings
		WHERE item_id = $1 AND reversed_at IS NULL ORDER BY id`, itemID)
	return out, err
}

type txRepo struct {
	conn db.Querier
}

func (t *txRepo) CreatePurchase(ctx context.Context, p Purchase) (int64, error) {
	var id int64
	err := t.conn.QueryRow(ctx, `INSERT INTO purchases (number, supplier_id, status, discount, due_days, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		p.Number, p.SupplierID, string(p.Status), p.Discount, p.DueDays, p.Note, p.CreatedAt).Scan(&id)
	return id, err
}

func (t *txRepo) InsertItem(ctx context.Context, item Item) (int64, error) {
	var id int64
	err := t.conn.QueryRow(ctx, `INSERT INTO purchase_items (purchase_id, product_id, quantity, unit_cost, received_quantity, created_at)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		item.PurchaseID, item.ProductID, item.Quantity, item.UnitCost, item.ReceivedQuantity, item.CreatedAt).Scan(&id)
	return id, err
}

func (t *txRepo) LockPurchase(ctx context.Context, id int64) (Purchase, []Item, error) {
	return loadPurchase(ctx, t.conn, id, true)
}

func (t *txRepo) LockItem(ctx context.Context, id int64) (Item, error) {
	return loadItem(ctx, t.conn, id, true)
}

func (t *txRepo) UpdatePurchaseStatus(ctx context.Context, id int64, status Status, at time.Time) error {
	query := `UPDATE purchases SET status = $2 WHERE id = $1`
	switch status {
	case StatusConfirmed:
		query = `UPDATE purchases SET status = $2, confirmed_at = $3 WHERE id = $1`
	case StatusCancelled:
		query = `UPDATE purchases SET status = $2, cancelled_at = $3 WHERE id = $1`
	default:
		_, err := t.conn.Exec(ctx, query, id, string(status))
		return err
	}
	_, err := t.conn.Exec(ctx, query, id, string(status), at)
	return err
}

func (t *txRepo) ReceivingExists(ctx context.Context, itemID int64, batchID string) (bool, error) {
	var exists bool
	err := t.conn.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM purchase_receivings WHERE item_id = $1 AND batch_id = $2)`,
		itemID, batchID).Scan(&exists)
	return exists, err
}

func (t *txRepo) InsertReceiving(ctx context.Context, r Receiving) (int64, error) {
	var id int64
	err := t.conn.QueryRow(ctx, `INSERT INTO purchase_receivings (item_id, batch_id, quantity, unit_cost, received_at)
		VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		r.ItemID, r.BatchID, r.Quantity, r.UnitCost, r.ReceivedAt).Scan(&id)
	if db.IsUniqueViolation(err) {
		return 0, fmt.Errorf("procurement: item %d batch %s: %w", r.ItemID, r.BatchID, shared.ErrAlreadyApplied)
	}
	return id, err
}

func (t *txRepo) AddReceived(ctx context.Context, itemID int64, qty decimal.Decimal) error {
	_, err := t.conn.Exec(ctx, `UPDATE purchase_items SET received_quantity = received_quantity + $2 WHERE id = $1`, itemID, qty)
	return err
}

func (t *txRepo) ListReceivings(ctx context.Context, itemID int64) ([]Receiving, error) {
	return listReceivings(ctx, t.conn, itemID)
}

func (t *txRepo) MarkReceivingReversed(ctx context.Context, id int64, at time.Time) error {
	_, err := t.conn.Exec(ctx, `UPDATE purchase_receivings SET reversed_at = $2 WHERE id = $1`, id, at)
	return err
}

func (t *txRepo) DeleteItem(ctx context.Context, id int64, at time.Time) error {
	tag, err := t.conn.Exec(ctx, `UPDATE purchase_items SET deleted_at = $2 WHERE id = $1 AND deleted_at IS NULL`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("procurement: item %d: %w", id, shared.ErrNotFound)
	}
	return nil
}

var _ RepositoryPort = (*Repository)(nil)
