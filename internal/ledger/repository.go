package ledger

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

const subjectColumns = "kind, id, balance, avg_cost, allow_negative, updated_at"

var movementColumns = []string{
	"id", "subject_kind", "subject_id", "delta", "unit_cost",
	"ref_type", "ref_id", "batch_id", "memo", "created_at",
}

// Repository is the PostgreSQL Store.
type Repository struct {
	tx *db.TxManager
}

// NewRepository constructs a Repository.
func NewRepository(tx *db.TxManager) *Repository {
	return &Repository{tx: tx}
}

type subjectRow struct {
	Kind          string          `db:"kind"`
	ID            int64           `db:"id"`
	Balance       decimal.Decimal `db:"balance"`
	AvgCost       decimal.Decimal `db:"avg_cost"`
	AllowNegative bool            `db:"allow_negative"`
	UpdatedAt     time.Time       `db:"updated_at"`
}

func (r subjectRow) aggregate() Aggregate {
	return Aggregate{
		Subject:       SubjectRef{Kind: SubjectKind(r.Kind), ID: r.ID},
		Balance:       r.Balance,
		AvgCost:       r.AvgCost,
		AllowNegative: r.AllowNegative,
		UpdatedAt:     r.UpdatedAt,
	}
}

type movementRow struct {
	ID          int64           `db:"id"`
	SubjectKind string          `db:"subject_kind"`
	SubjectID   int64           `db:"subject_id"`
	Delta       decimal.Decimal `db:"delta"`
	UnitCost    decimal.Decimal `db:"unit_cost"`
	RefType     string          `db:"ref_type"`
	RefID       string          `db:"ref_id"`
	BatchID     string          `db:"batch_id"`
	Memo        string          `db:"memo"`
	CreatedAt   time.Time       `db:"created_at"`
}

func (r movementRow) movement() Movement {
	return Movement{
		ID:        r.ID,
		Subject:   SubjectRef{Kind: SubjectKind(r.SubjectKind), ID: r.SubjectID},
		Delta:     r.Delta,
		UnitCost:  r.UnitCost,
		RefType:   RefType(r.RefType),
		RefID:     r.RefID,
		BatchID:   r.BatchID,
		Memo:      r.Memo,
		CreatedAt: r.CreatedAt,
	}
}

// WithTx implements Store on top of the shared transaction manager, so a
// posting joins any document transaction already carried by ctx.
func (r *Repository) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return r.tx.WithinTx(ctx, func(ctx context.Context) error {
		return fn(ctx, &pgTx{conn: r.tx.Conn(ctx)})
	})
}

// GetAggregate implements Store.
func (r *Repository) GetAggregate(ctx context.Context, subject SubjectRef) (Aggregate, error) {
	return getAggregate(ctx, r.tx.Conn(ctx), subject, false)
}

// ListSubjects implements Store.
func (r *Repository) ListSubjects(ctx context.Context, kind SubjectKind) ([]SubjectRef, error) {
	rows, err := r.tx.Conn(ctx).Query(ctx, `SELECT id FROM ledger_subjects WHERE kind = $1 ORDER BY id`, string(kind))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var refs []SubjectRef
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		refs = append(refs, SubjectRef{Kind: kind, ID: id})
	}
	return refs, rows.Err()
}

// ListMovements implements Store.
func (r *Repository) ListMovements(ctx context.Context, f QueryFilter, limit int) ([]Movement, error) {
	q := psql.Select(movementColumns...).
		From("ledger_movements").
		Where(sq.Eq{"subject_kind": string(f.Subject.Kind), "subject_id": f.Subject.ID})
	if f.RefType != "" {
		q = q.Where(sq.Eq{"ref_type": string(f.RefType)})
	}
	if !f.From.IsZero() {
		q = q.Where(sq.GtOrEq{"created_at": f.From})
	}
	if !f.To.IsZero() {
		q = q.Where(sq.Lt{"created_at": f.To})
	}
	if f.Before != nil {
		q = q.Where("(created_at, id) < (?, ?)", f.Before.CreatedAt, f.Before.ID)
	}
	q = q.OrderBy("created_at DESC", "id DESC")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build movement query: %w", err)
	}
	var rows []movementRow
	if err := pgxscan.Select(ctx, r.tx.Conn(ctx), &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]Movement, len(rows))
	for i, row := range rows {
		out[i] = row.movement()
	}
	return out, nil
}

// ReferenceApplied implements Store.
func (r *Repository) ReferenceApplied(ctx context.Context, ref Reference) (bool, error) {
	var applied bool
	err := r.tx.Conn(ctx).QueryRow(ctx, `SELECT EXISTS (
		SELECT 1 FROM ledger_references WHERE ref_type = $1 AND ref_id = $2 AND batch_id = $3
	) OR EXISTS (
		SELECT 1 FROM ledger_movements WHERE ref_type = $1 AND ref_id = $2 AND batch_id = $3
	)`, string(ref.Type), ref.ID, ref.Batch).Scan(&applied)
	return applied, err
}

func getAggregate(ctx context.Context, q db.Querier, subject SubjectRef, forUpdate bool) (Aggregate, error) {
	query := `SELECT ` + subjectColumns + ` FROM ledger_subjects WHERE kind = $1 AND id = $2`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var row subjectRow
	if err := pgxscan.Get(ctx, q, &row, query, string(subject.Kind), subject.ID); err != nil {
		if pgxscan.NotFound(err) {
			return Aggregate{}, shared.ErrNotFound
		}
		return Aggregate{}, err
	}
	return row.aggregate(), nil
}

type pgTx struct {
	conn db.Querier
}

func (t *pgTx) LockAggregate(ctx context.Context, subject SubjectRef) (Aggregate, error) {
	return getAggregate(ctx, t.conn, subject, true)
}

func (t *pgTx) GetAggregate(ctx context.Context, subject SubjectRef) (Aggregate, error) {
	return getAggregate(ctx, t.conn, subject, false)
}

func (t *pgTx) CreateAggregate(ctx context.Context, agg Aggregate) error {
	tag, err := t.conn.Exec(ctx, `INSERT INTO ledger_subjects (kind, id, balance, avg_cost, allow_negative, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (kind, id) DO NOTHING`,
		string(agg.Subject.Kind), agg.Subject.ID, agg.Balance, agg.AvgCost, agg.AllowNegative, agg.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrSubjectExists
	}
	return nil
}

func (t *pgTx) SaveAggregate(ctx context.Context, agg Aggregate) error {
	tag, err := t.conn.Exec(ctx, `UPDATE ledger_subjects
		SET balance = $3, avg_cost = $4, allow_negative = $5, updated_at = $6
		WHERE kind = $1 AND id = $2`,
		string(agg.Subject.Kind), agg.Subject.ID, agg.Balance, agg.AvgCost, agg.AllowNegative, agg.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (t *pgTx) DeleteAggregate(ctx context.Context, subject SubjectRef) error {
	tag, err := t.conn.Exec(ctx, `DELETE FROM ledger_subjects WHERE kind = $1 AND id = $2`, string(subject.Kind), subject.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (t *pgTx) InsertMovement(ctx context.Context, m Movement) (Movement, error) {
	err := t.conn.QueryRow(ctx, `INSERT INTO ledger_movements
		(subject_kind, subject_id, delta, unit_cost, ref_type, ref_id, batch_id, memo, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at`,
		string(m.Subject.Kind), m.Subject.ID, m.Delta, m.UnitCost, string(m.RefType), m.RefID, m.BatchID, m.Memo, m.CreatedAt,
	).Scan(&m.ID, &m.CreatedAt)
	return m, err
}

func (t *pgTx) SumMovements(ctx context.Context, subject SubjectRef) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := t.conn.QueryRow(ctx, `SELECT COALESCE(SUM(delta), 0) FROM ledger_movements WHERE subject_kind = $1 AND subject_id = $2`,
		string(subject.Kind), subject.ID).Scan(&sum)
	return sum, err
}

func (t *pgTx) HasMovementsExcept(ctx context.Context, subject SubjectRef, except RefType) (bool, error) {
	var exists bool
	err := t.conn.QueryRow(ctx, `SELECT EXISTS (
		SELECT 1 FROM ledger_movements WHERE subject_kind = $1 AND subject_id = $2 AND ref_type <> $3
	)`, string(subject.Kind), subject.ID, string(except)).Scan(&exists)
	return exists, err
}

func (t *pgTx) PurgeMovements(ctx context.Context, subject SubjectRef, refType RefType) (int64, error) {
	tag, err := t.conn.Exec(ctx, `DELETE FROM ledger_movements WHERE subject_kind = $1 AND subject_id = $2 AND ref_type = $3`,
		string(subject.Kind), subject.ID, string(refType))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (t *pgTx) MovementsExist(ctx context.Context, ref Reference) (bool, error) {
	var exists bool
	err := t.conn.QueryRow(ctx, `SELECT EXISTS (
		SELECT 1 FROM ledger_movements WHERE ref_type = $1 AND ref_id = $2 AND batch_id = $3
	)`, string(ref.Type), ref.ID, ref.Batch).Scan(&exists)
	return exists, err
}

func (t *pgTx) ReserveReference(ctx context.Context, ref Reference) error {
	_, err := t.conn.Exec(ctx, `INSERT INTO ledger_references (ref_type, ref_id, batch_id) VALUES ($1, $2, $3)`,
		string(ref.Type), ref.ID, ref.Batch)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return shared.ErrAlreadyApplied
		}
		return err
	}
	return nil
}

var (
	_ Store = (*Repository)(nil)
	_ Store = (*MemoryStore)(nil)
)
