package partner

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var accountColumns = []string{
	"id", "partner_id", "direction", "document_ref", "line_ref", "amount",
	"paid_amount", "status", "due_at", "voided_at", "created_at", "updated_at",
}

// PgRepository stores partner accounts in PostgreSQL.
type PgRepository struct {
	tx *db.TxManager
}

// NewRepository constructs a PgRepository.
func NewRepository(tx *db.TxManager) *PgRepository {
	return &PgRepository{tx: tx}
}

type accountRow struct {
	ID          int64           `db:"id"`
	PartnerID   int64           `db:"partner_id"`
	Direction   string          `db:"direction"`
	DocumentRef string          `db:"document_ref"`
	LineRef     string          `db:"line_ref"`
	Amount      decimal.Decimal `db:"amount"`
	PaidAmount  decimal.Decimal `db:"paid_amount"`
	Status      string          `db:"status"`
	DueAt       time.Time       `db:"due_at"`
	VoidedAt    *time.Time      `db:"voided_at"`
	CreatedAt   time.Time       `db:"created_at"`
	UpdatedAt   time.Time       `db:"updated_at"`
}

func (r accountRow) account() Account {
	return Account{
		ID:          r.ID,
		PartnerID:   r.PartnerID,
		Direction:   Direction(r.Direction),
		DocumentRef: r.DocumentRef,
		LineRef:     r.LineRef,
		Amount:      r.Amount,
		Paid:        r.PaidAmount,
		Status:      Status(r.Status),
		DueAt:       r.DueAt,
		VoidedAt:    r.VoidedAt,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

// WithTx runs fn inside the shared transaction.
func (r *PgRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return r.tx.WithinTx(ctx, func(ctx context.Context) error {
		return fn(ctx, &pgTx{conn: r.tx.Conn(ctx)})
	})
}

// ListDocument returns the live lines of one document.
func (r *PgRepository) ListDocument(ctx context.Context, direction Direction, documentRef string) ([]Account, error) {
	return selectAccounts(ctx, r.tx.Conn(ctx), documentQuery(direction, documentRef))
}

// ListOutstanding returns every live line that still has money owed.
func (r *PgRepository) ListOutstanding(ctx context.Context, direction Direction) ([]Account, error) {
	q := psql.Select(accountColumns...).
		From("partner_accounts").
		Where(sq.Eq{"direction": string(direction), "voided_at": nil}).
		Where(sq.NotEq{"status": string(StatusPaid)}).
		OrderBy("due_at", "id")
	return selectAccounts(ctx, r.tx.Conn(ctx), q)
}

func documentQuery(direction Direction, documentRef string) sq.SelectBuilder {
	return psql.Select(accountColumns...).
		From("partner_accounts").
		Where(sq.Eq{"direction": string(direction), "document_ref": documentRef, "voided_at": nil}).
		OrderBy("id")
}

func selectAccounts(ctx context.Context, conn db.Querier, q sq.SelectBuilder) ([]Account, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build partner query: %w", err)
	}
	var rows []accountRow
	if err := pgxscan.Select(ctx, conn, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]Account, len(rows))
	for i, row := range rows {
		out[i] = row.account()
	}
	return out, nil
}

type pgTx struct {
	conn db.Querier
}

func (t *pgTx) LockDocument(ctx context.Context, direction Direction, documentRef string) ([]Account, error) {
	return selectAccounts(ctx, t.conn, documentQuery(direction, documentRef).Suffix("FOR UPDATE"))
}

// InsertAccount revives a voided line with the same ref instead of failing
// on the unique key.
func (t *pgTx) InsertAccount(ctx context.Context, a Account) (Account, error) {
	err := t.conn.QueryRow(ctx, `INSERT INTO partner_accounts
		(partner_id, direction, document_ref, line_ref, amount, paid_amount, status, due_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		ON CONFLICT (direction, document_ref, line_ref) DO UPDATE
		SET partner_id = EXCLUDED.partner_id, amount = EXCLUDED.amount, paid_amount = EXCLUDED.paid_amount,
			status = EXCLUDED.status, due_at = EXCLUDED.due_at, voided_at = NULL, updated_at = EXCLUDED.updated_at
		RETURNING id, created_at`,
		a.PartnerID, string(a.Direction), a.DocumentRef, a.LineRef, a.Amount, a.Paid, string(a.Status), a.DueAt, a.CreatedAt,
	).Scan(&a.ID, &a.CreatedAt)
	return a, err
}

func (t *pgTx) UpdateAccount(ctx context.Context, a Account) error {
	_, err := t.conn.Exec(ctx, `UPDATE partner_accounts
		SET amount = $2, paid_amount = $3, status = $4, due_at = $5, updated_at = $6
		WHERE id = $1`,
		a.ID, a.Amount, a.Paid, string(a.Status), a.DueAt, a.UpdatedAt)
	return err
}

func (t *pgTx) VoidAccount(ctx context.Context, id int64, at time.Time) error {
	_, err := t.conn.Exec(ctx, `UPDATE partner_accounts SET voided_at = $2, updated_at = $2 WHERE id = $1`, id, at)
	return err
}

var (
	_ Repository = (*PgRepository)(nil)
	_ Repository = (*MemoryRepository)(nil)
)
