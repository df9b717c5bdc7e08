package partner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/ledger"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// Repository persists partner accounts.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	ListDocument(ctx context.Context, direction Direction, documentRef string) ([]Account, error)
	ListOutstanding(ctx context.Context, direction Direction) ([]Account, error)
}

// TxRepository exposes mutations available inside a transaction.
type TxRepository interface {
	LockDocument(ctx context.Context, direction Direction, documentRef string) ([]Account, error)
	InsertAccount(ctx context.Context, account Account) (Account, error)
	UpdateAccount(ctx context.Context, account Account) error
	VoidAccount(ctx context.Context, id int64, at time.Time) error
}

// LedgerPort posts settlement movements.
type LedgerPort interface {
	Post(ctx context.Context, p ledger.Posting) ([]ledger.Movement, error)
}

// AuditPort records settlements.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service maintains receivable and payable lines.
type Service struct {
	repo   Repository
	ledger LedgerPort
	audit  AuditPort
	logger *slog.Logger
	now    func() time.Time
}

// NewService builds a partner service. audit may be nil.
func NewService(repo Repository, ledger LedgerPort, audit AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, ledger: ledger, audit: audit, logger: logger, now: time.Now}
}

// OpenDocument allocates the document total over its lines. Lines that
// already exist are left untouched, so replaying an open is harmless.
func (s *Service) OpenDocument(ctx context.Context, in DocumentInput) (Document, error) {
	if err := in.validate(); err != nil {
		return Document{}, err
	}
	set, err := Allocate(in.Total, in.Lines)
	if err != nil {
		return Document{}, err
	}
	var doc Document
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		existing, err := tx.LockDocument(ctx, in.Direction, in.DocumentRef)
		if err != nil {
			return err
		}
		byRef := indexLines(existing)
		lines := make([]Account, 0, len(set.Lines))
		for _, alloc := range set.Lines {
			if acc, ok := byRef[alloc.Ref]; ok {
				lines = append(lines, acc)
				continue
			}
			acc, err := tx.InsertAccount(ctx, s.newAccount(in, alloc, decimal.Zero))
			if err != nil {
				return err
			}
			lines = append(lines, acc)
		}
		doc = newDocument(lines)
		return nil
	})
	if err != nil {
		return Document{}, err
	}
	s.logger.Info("partner document opened",
		slog.String("direction", string(in.Direction)),
		slog.String("document_ref", in.DocumentRef),
		slog.String("total", set.Total.String()))
	return doc, nil
}

// Reallocate recomputes every line of a document against a new total and
// line set. Paid money moves with the lines; lines no longer present are
// voided and their payments carried over.
func (s *Service) Reallocate(ctx context.Context, in DocumentInput) (Document, error) {
	if err := in.validate(); err != nil {
		return Document{}, err
	}
	set, err := Allocate(in.Total, in.Lines)
	if err != nil {
		return Document{}, err
	}
	var doc Document
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		existing, err := tx.LockDocument(ctx, in.Direction, in.DocumentRef)
		if err != nil {
			return err
		}
		paid := decimal.Zero
		oldRefs := make([]string, 0, len(existing))
		for _, acc := range existing {
			paid = paid.Add(acc.Paid)
			oldRefs = append(oldRefs, acc.LineRef)
		}
		paidByRef, unapplied := Carryover(set, oldRefs, paid)
		if unapplied.IsPositive() {
			return fmt.Errorf("%w: partner: %s paid %s exceeds new total %s", shared.ErrInvalidState, in.DocumentRef, paid, set.Total)
		}

		now := s.now().UTC()
		byRef := indexLines(existing)
		lines := make([]Account, 0, len(set.Lines))
		for _, alloc := range set.Lines {
			linePaid := paidByRef[alloc.Ref]
			acc, ok := byRef[alloc.Ref]
			if !ok {
				acc, err = tx.InsertAccount(ctx, s.newAccount(in, alloc, linePaid))
				if err != nil {
					return err
				}
				lines = append(lines, acc)
				continue
			}
			delete(byRef, alloc.Ref)
			acc.Amount = alloc.Allocated
			acc.Paid = linePaid
			acc.Status = StatusOf(acc.Amount, acc.Paid)
			if !in.DueAt.IsZero() {
				acc.DueAt = in.DueAt
			}
			acc.UpdatedAt = now
			if err := tx.UpdateAccount(ctx, acc); err != nil {
				return err
			}
			lines = append(lines, acc)
		}
		for _, stale := range byRef {
			stale.Paid = decimal.Zero
			stale.UpdatedAt = now
			if err := tx.UpdateAccount(ctx, stale); err != nil {
				return err
			}
			if err := tx.VoidAccount(ctx, stale.ID, now); err != nil {
				return err
			}
		}
		doc = newDocument(lines)
		return nil
	})
	if err != nil {
		return Document{}, err
	}
	s.logger.Info("partner document reallocated",
		slog.String("direction", string(in.Direction)),
		slog.String("document_ref", in.DocumentRef),
		slog.String("total", set.Total.String()))
	return doc, nil
}

// VoidDocument cancels every line of a document that has not been paid.
func (s *Service) VoidDocument(ctx context.Context, direction Direction, documentRef string) error {
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		lines, err := tx.LockDocument(ctx, direction, documentRef)
		if err != nil {
			return err
		}
		if len(lines) == 0 {
			return fmt.Errorf("partner: %s %s: %w", direction, documentRef, shared.ErrNotFound)
		}
		for _, line := range lines {
			if line.Paid.IsPositive() {
				return fmt.Errorf("%w: partner: %s has payments", shared.ErrInvalidState, documentRef)
			}
		}
		now := s.now().UTC()
		for _, line := range lines {
			if err := tx.VoidAccount(ctx, line.ID, now); err != nil {
				return err
			}
		}
		return nil
	})
}

// Settle posts a payment against a document. The cash account moves in the
// same unit as the lines, and the amount is spread over open lines in
// proportion to what each still owes.
func (s *Service) Settle(ctx context.Context, in SettleInput) (Settlement, error) {
	if in.Direction != Receivable && in.Direction != Payable {
		return Settlement{}, fmt.Errorf("%w: partner: unknown direction %q", shared.ErrValidation, in.Direction)
	}
	if in.DocumentRef == "" || in.CashAccountID <= 0 {
		return Settlement{}, fmt.Errorf("%w: partner: document and cash account required", shared.ErrValidation)
	}
	amount := in.Amount.Round(Places)
	if !amount.IsPositive() {
		return Settlement{}, fmt.Errorf("partner: settle %s: %w", in.DocumentRef, shared.ErrInvalidAmount)
	}
	batch := in.RequestID
	if batch == "" {
		batch = uuid.NewString()
	}
	ref := ledger.Reference{Type: ledger.RefSettlement, ID: in.DocumentRef, Batch: batch}

	result := Settlement{Reference: ref.String(), Amount: amount}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		result.Applied = nil
		lines, err := tx.LockDocument(ctx, in.Direction, in.DocumentRef)
		if err != nil {
			return err
		}
		if len(lines) == 0 {
			return fmt.Errorf("partner: %s %s: %w", in.Direction, in.DocumentRef, shared.ErrNotFound)
		}
		shares, err := spread(amount, lines)
		if err != nil {
			return err
		}

		delta := amount
		if in.Direction == Payable {
			delta = amount.Neg()
		}
		_, err = s.ledger.Post(ctx, ledger.Posting{
			Reference: ref,
			Guard:     true,
			Entries: []ledger.Entry{{
				Subject: ledger.Account(in.CashAccountID),
				Delta:   delta,
				Memo:    in.Note,
			}},
		})
		if err != nil {
			return err
		}

		now := s.now().UTC()
		for i, line := range lines {
			share, ok := shares[line.LineRef]
			if !ok {
				continue
			}
			line.Paid = line.Paid.Add(share)
			line.Status = StatusOf(line.Amount, line.Paid)
			line.UpdatedAt = now
			if err := tx.UpdateAccount(ctx, line); err != nil {
				return err
			}
			lines[i] = line
			result.Applied = append(result.Applied, Applied{LineRef: line.LineRef, Amount: share})
		}
		result.Document = newDocument(lines)
		return s.recordSettle(ctx, in, result)
	})
	if err != nil {
		return Settlement{}, err
	}
	s.logger.Info("partner document settled",
		slog.String("direction", string(in.Direction)),
		slog.String("document_ref", in.DocumentRef),
		slog.String("amount", amount.String()),
		slog.Int64("actor_id", in.ActorID))
	return result, nil
}

func (s *Service) recordSettle(ctx context.Context, in SettleInput, result Settlement) error {
	if s.audit == nil {
		return nil
	}
	actorID := in.ActorID
	if actorID == 0 {
		actorID = shared.ActorFromContext(ctx)
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   "partner:settle",
		Entity:   string(in.Direction),
		EntityID: in.DocumentRef,
		Meta: map[string]any{
			"amount":          result.Amount.String(),
			"cash_account_id": in.CashAccountID,
			"reference":       result.Reference,
			"lines":           len(result.Applied),
		},
	})
	if err != nil {
		return fmt.Errorf("partner audit settle: %w", err)
	}
	return nil
}

// spread splits amount over lines in proportion to their outstanding
// balances without paying any line beyond what it owes.
func spread(amount decimal.Decimal, lines []Account) (map[string]decimal.Decimal, error) {
	outstanding := decimal.Zero
	weights := make([]Line, 0, len(lines))
	for _, line := range lines {
		owed := line.Outstanding()
		if !owed.IsPositive() {
			continue
		}
		outstanding = outstanding.Add(owed)
		weights = append(weights, Line{Ref: line.LineRef, Portion: owed})
	}
	if amount.GreaterThan(outstanding) {
		return nil, fmt.Errorf("%w: partner: amount %s exceeds outstanding %s", shared.ErrInvalidAmount, amount, outstanding)
	}
	set, err := Allocate(amount, weights)
	if err != nil {
		return nil, err
	}
	owed := make(map[string]decimal.Decimal, len(weights))
	for _, w := range weights {
		owed[w.Ref] = w.Portion
	}
	shares := make(map[string]decimal.Decimal, len(set.Lines))
	overflow := decimal.Zero
	for _, alloc := range set.Lines {
		share := decimal.Min(alloc.Allocated, owed[alloc.Ref])
		shares[alloc.Ref] = share
		overflow = overflow.Add(alloc.Allocated.Sub(share))
	}
	for _, w := range weights {
		if !overflow.IsPositive() {
			break
		}
		headroom := w.Portion.Sub(shares[w.Ref])
		if !headroom.IsPositive() {
			continue
		}
		add := decimal.Min(headroom, overflow)
		shares[w.Ref] = shares[w.Ref].Add(add)
		overflow = overflow.Sub(add)
	}
	return shares, nil
}

// ListDocument returns the live lines of a document.
func (s *Service) ListDocument(ctx context.Context, direction Direction, documentRef string) (Document, error) {
	lines, err := s.repo.ListDocument(ctx, direction, documentRef)
	if err != nil {
		return Document{}, err
	}
	if len(lines) == 0 {
		return Document{}, fmt.Errorf("partner: %s %s: %w", direction, documentRef, shared.ErrNotFound)
	}
	return newDocument(lines), nil
}

// Aging groups outstanding lines by days past due.
func (s *Service) Aging(ctx context.Context, direction Direction, asOf time.Time) (AgingBucket, error) {
	lines, err := s.repo.ListOutstanding(ctx, direction)
	if err != nil {
		return AgingBucket{}, err
	}
	if asOf.IsZero() {
		asOf = s.now()
	}
	bucket := AgingBucket{
		Current:   decimal.Zero,
		Bucket30:  decimal.Zero,
		Bucket60:  decimal.Zero,
		Bucket90:  decimal.Zero,
		Bucket120: decimal.Zero,
	}
	for _, line := range lines {
		owed := line.Outstanding()
		if !owed.IsPositive() {
			continue
		}
		days := int(asOf.Sub(line.DueAt).Hours() / 24)
		switch {
		case days <= 0:
			bucket.Current = bucket.Current.Add(owed)
		case days <= 30:
			bucket.Bucket30 = bucket.Bucket30.Add(owed)
		case days <= 60:
			bucket.Bucket60 = bucket.Bucket60.Add(owed)
		case days <= 90:
			bucket.Bucket90 = bucket.Bucket90.Add(owed)
		default:
			bucket.Bucket120 = bucket.Bucket120.Add(owed)
		}
	}
	return bucket, nil
}

func (s *Service) newAccount(in DocumentInput, alloc Allocation, paid decimal.Decimal) Account {
	now := s.now().UTC()
	due := in.DueAt
	if due.IsZero() {
		due = now
	}
	return Account{
		PartnerID:   in.PartnerID,
		Direction:   in.Direction,
		DocumentRef: in.DocumentRef,
		LineRef:     alloc.Ref,
		Amount:      alloc.Allocated,
		Paid:        paid,
		Status:      StatusOf(alloc.Allocated, paid),
		DueAt:       due,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func indexLines(lines []Account) map[string]Account {
	byRef := make(map[string]Account, len(lines))
	for _, line := range lines {
		byRef[line.LineRef] = line
	}
	return byRef
}
