package sales

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/partner"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetSale(ctx context.Context, id int64) (Sale, error)
}

// ReceivablePort maintains the customer's receivable lines.
type ReceivablePort interface {
	OpenDocument(ctx context.Context, in partner.DocumentInput) (partner.Document, error)
	VoidDocument(ctx context.Context, direction partner.Direction, documentRef string) error
	ListDocument(ctx context.Context, direction partner.Direction, documentRef string) (partner.Document, error)
}

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service provides business logic for sales operations.
type Service struct {
	repo        RepositoryPort
	receivables ReceivablePort
	audit       AuditPort
	logger      *slog.Logger
	now         func() time.Time
}

// NewService constructs a sales service.
func NewService(repo RepositoryPort, receivables ReceivablePort, audit AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, receivables: receivables, audit: audit, logger: logger, now: time.Now}
}

// ============================================================================
// SALE OPERATIONS
// ============================================================================

// CreateSale stores a draft sale.
func (s *Service) CreateSale(ctx context.Context, req CreateSaleRequest, createdBy int64) (SaleDetail, error) {
	if err := req.validate(); err != nil {
		return SaleDetail{}, err
	}
	if req.Number == "" {
		req.Number = "SO-" + strings.ToUpper(uuid.NewString()[:8])
	}
	if req.DueDays <= 0 {
		req.DueDays = 30
	}
	sale := Sale{
		Number:     req.Number,
		CustomerID: req.CustomerID,
		Status:     SaleStatusDraft,
		Discount:   req.Discount,
		DueDays:    req.DueDays,
		Note:       req.Note,
		CreatedAt:  s.now().UTC(),
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.CreateSale(ctx, sale)
		if err != nil {
			return fmt.Errorf("create sale: %w", err)
		}
		sale.ID = id
		sale.Lines = sale.Lines[:0]
		for _, in := range req.Lines {
			line := SaleLine{SaleID: id, ProductID: in.ProductID, Quantity: in.Quantity, UnitPrice: in.UnitPrice}
			if line.ID, err = tx.InsertSaleLine(ctx, line); err != nil {
				return fmt.Errorf("insert line: %w", err)
			}
			sale.Lines = append(sale.Lines, line)
		}
		return s.record(ctx, createdBy, "sale:create", id, map[string]any{"number": sale.Number})
	})
	if err != nil {
		return SaleDetail{}, err
	}
	return SaleDetail{Sale: sale, Total: sale.Total()}, nil
}

// ConfirmSale confirms a draft sale and opens its receivable, allocated
// across the lines by line value.
func (s *Service) ConfirmSale(ctx context.Context, id, actorID int64) (SaleDetail, error) {
	var detail SaleDetail
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		sale, err := tx.LockSale(ctx, id)
		if err != nil {
			return err
		}
		if sale.Status != SaleStatusDraft {
			return fmt.Errorf("%w: sales: sale %s is %s", shared.ErrInvalidState, sale.Number, sale.Status)
		}
		total := sale.Total()
		if total.IsNegative() {
			return fmt.Errorf("%w: sales: discount exceeds sale value", shared.ErrValidation)
		}
		now := s.now().UTC()
		if err := tx.UpdateSaleStatus(ctx, id, SaleStatusConfirmed, now); err != nil {
			return err
		}
		sale.Status = SaleStatusConfirmed
		sale.ConfirmedAt = &now
		detail = SaleDetail{Sale: sale, Total: total}
		if total.IsPositive() {
			doc, err := s.receivables.OpenDocument(ctx, receivableInput(sale, total))
			if err != nil {
				return err
			}
			detail.Receivable = &doc
		}
		return s.record(ctx, actorID, "sale:confirm", id, map[string]any{"total": total.String()})
	})
	if err != nil {
		return SaleDetail{}, err
	}
	s.logger.Info("sale confirmed", slog.String("number", detail.Number), slog.String("total", detail.Total.String()))
	return detail, nil
}

// CancelSale cancels a sale and voids its receivable. Sales with any
// payment received stay open.
func (s *Service) CancelSale(ctx context.Context, id, actorID int64) (SaleDetail, error) {
	var detail SaleDetail
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		sale, err := tx.LockSale(ctx, id)
		if err != nil {
			return err
		}
		if sale.Status == SaleStatusCancelled {
			return fmt.Errorf("%w: sales: sale %s already cancelled", shared.ErrInvalidState, sale.Number)
		}
		if sale.Status == SaleStatusConfirmed {
			doc, err := s.receivables.ListDocument(ctx, partner.Receivable, sale.Number)
			switch {
			case errors.Is(err, shared.ErrNotFound):
			case err != nil:
				return err
			case doc.Paid.IsPositive():
				return fmt.Errorf("%w: sales: sale %s has payments", shared.ErrInvalidState, sale.Number)
			default:
				if err := s.receivables.VoidDocument(ctx, partner.Receivable, sale.Number); err != nil {
					return err
				}
			}
		}
		now := s.now().UTC()
		if err := tx.UpdateSaleStatus(ctx, id, SaleStatusCancelled, now); err != nil {
			return err
		}
		sale.Status = SaleStatusCancelled
		sale.CancelledAt = &now
		detail = SaleDetail{Sale: sale, Total: sale.Total()}
		return s.record(ctx, actorID, "sale:cancel", id, nil)
	})
	if err != nil {
		return SaleDetail{}, err
	}
	return detail, nil
}

// GetSale returns the sale with its receivable, if any.
func (s *Service) GetSale(ctx context.Context, id int64) (SaleDetail, error) {
	sale, err := s.repo.GetSale(ctx, id)
	if err != nil {
		return SaleDetail{}, err
	}
	detail := SaleDetail{Sale: sale, Total: sale.Total()}
	if sale.Status != SaleStatusConfirmed {
		return detail, nil
	}
	doc, err := s.receivables.ListDocument(ctx, partner.Receivable, sale.Number)
	switch {
	case err == nil:
		detail.Receivable = &doc
	case !errors.Is(err, shared.ErrNotFound):
		return SaleDetail{}, err
	}
	return detail, nil
}

func receivableInput(sale Sale, total decimal.Decimal) partner.DocumentInput {
	lines := make([]partner.Line, 0, len(sale.Lines))
	for _, line := range sale.Lines {
		lines = append(lines, partner.Line{Ref: strconv.FormatInt(line.ID, 10), Portion: line.LineTotal()})
	}
	due := sale.CreatedAt.AddDate(0, 0, sale.DueDays)
	if sale.ConfirmedAt != nil {
		due = sale.ConfirmedAt.AddDate(0, 0, sale.DueDays)
	}
	return partner.DocumentInput{
		Direction:   partner.Receivable,
		PartnerID:   sale.CustomerID,
		DocumentRef: sale.Number,
		Total:       total,
		Lines:       lines,
		DueAt:       due,
	}
}

func (s *Service) record(ctx context.Context, actorID int64, action string, id int64, meta map[string]any) error {
	if s.audit == nil {
		return nil
	}
	if actorID == 0 {
		actorID = shared.ActorFromContext(ctx)
	}
	err := s.audit.Record(ctx, shared.AuditLog{ActorID: actorID, Action: action, Entity: "sale", EntityID: strconv.FormatInt(id, 10), Meta: meta})
	if err != nil {
		return fmt.Errorf("sales audit %s: %w", action, err)
	}
	return nil
}
