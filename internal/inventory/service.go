package inventory

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"strconv"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/costing"
	"github.com/odyssey-erp/odyssey-ledger/internal/ledger"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// LedgerPort is the part of the ledger inventory relies on.
type LedgerPort interface {
	Post(ctx context.Context, p ledger.Posting) ([]ledger.Movement, error)
	OpenSubject(ctx context.Context, in ledger.OpenInput) (ledger.Aggregate, error)
	RemoveSubject(ctx context.Context, subject ledger.SubjectRef) error
	GetAggregate(ctx context.Context, subject ledger.SubjectRef) (ledger.Aggregate, error)
	History(ctx context.Context, subject ledger.SubjectRef, visit func(agg ledger.Aggregate, movements iter.Seq2[ledger.Movement, error]) error) error
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service coordinates inventory operations.
type Service struct {
	ledger LedgerPort
	audit  AuditPort
	logger *slog.Logger
}

// NewService builds Service.
func NewService(ledger LedgerPort, audit AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{ledger: ledger, audit: audit, logger: logger}
}

// RegisterProduct opens the product's stock subject with optional opening stock.
func (s *Service) RegisterProduct(ctx context.Context, input ProductInput) (StockLevel, error) {
	if input.ProductID <= 0 {
		return StockLevel{}, ErrInvalidProduct
	}
	if input.OpeningCost.IsNegative() {
		return StockLevel{}, ErrInvalidUnitCost
	}
	var agg ledger.Aggregate
	err := s.ledger.WithTx(ctx, func(ctx context.Context) error {
		var err error
		agg, err = s.ledger.OpenSubject(ctx, ledger.OpenInput{
			Subject:       ledger.Product(input.ProductID),
			AllowNegative: input.AllowNegative,
			Opening:       input.OpeningQty,
			OpeningCost:   input.OpeningCost,
			Memo:          "opening stock",
		})
		if err != nil {
			return err
		}
		return s.record(ctx, input.ActorID, "inventory:register", input.ProductID, map[string]any{
			"opening_qty":  input.OpeningQty.String(),
			"opening_cost": input.OpeningCost.String(),
		})
	})
	if err != nil {
		return StockLevel{}, err
	}
	return stockLevel(agg), nil
}

// RemoveProduct deletes a product that only has opening stock.
func (s *Service) RemoveProduct(ctx context.Context, productID, actorID int64) error {
	if productID <= 0 {
		return ErrInvalidProduct
	}
	return s.ledger.WithTx(ctx, func(ctx context.Context) error {
		if err := s.ledger.RemoveSubject(ctx, ledger.Product(productID)); err != nil {
			return err
		}
		return s.record(ctx, actorID, "inventory:remove", productID, nil)
	})
}

// PostReceipt posts a purchase receipt once per (RefID, BatchID).
func (s *Service) PostReceipt(ctx context.Context, input ReceiptInput) (ledger.Movement, error) {
	if input.ProductID <= 0 {
		return ledger.Movement{}, ErrInvalidProduct
	}
	if !input.Qty.IsPositive() {
		return ledger.Movement{}, ErrInvalidQuantity
	}
	if input.UnitCost.IsNegative() {
		return ledger.Movement{}, ErrInvalidUnitCost
	}
	movements, err := s.ledger.Post(ctx, ledger.Posting{
		Reference: ledger.Reference{Type: ledger.RefPurchase, ID: input.RefID, Batch: input.BatchID},
		Guard:     true,
		Entries: []ledger.Entry{{
			Subject:  ledger.Product(input.ProductID),
			Delta:    input.Qty,
			UnitCost: input.UnitCost,
			Cost:     ledger.CostReceipt,
			Memo:     input.Note,
		}},
	})
	if err != nil {
		return ledger.Movement{}, err
	}
	return movements[0], nil
}

// ReverseReceipt undoes a receipt posted under (RefID, BatchID), once.
func (s *Service) ReverseReceipt(ctx context.Context, input ReversalInput) (ledger.Movement, error) {
	if input.ProductID <= 0 {
		return ledger.Movement{}, ErrInvalidProduct
	}
	if !input.Qty.IsPositive() {
		return ledger.Movement{}, ErrInvalidQuantity
	}
	if input.UnitCost.IsNegative() {
		return ledger.Movement{}, ErrInvalidUnitCost
	}
	movements, err := s.ledger.Post(ctx, ledger.Posting{
		Reference: ledger.Reference{Type: ledger.RefPurchase, ID: input.RefID, Batch: ReversalBatch(input.BatchID)},
		Guard:     true,
		Entries: []ledger.Entry{{
			Subject:  ledger.Product(input.ProductID),
			Delta:    input.Qty.Neg(),
			UnitCost: input.UnitCost,
			Cost:     ledger.CostReversal,
			Memo:     input.Note,
		}},
	})
	if err != nil {
		return ledger.Movement{}, err
	}
	return movements[0], nil
}

// PostIssue removes stock for every line in one guarded unit.
func (s *Service) PostIssue(ctx context.Context, input IssueInput) ([]ledger.Movement, error) {
	if input.RefType != ledger.RefDelivery && input.RefType != ledger.RefSale {
		return nil, fmt.Errorf("%w: inventory: issue reference must be delivery or sale", shared.ErrValidation)
	}
	if len(input.Lines) == 0 {
		return nil, ErrInvalidQuantity
	}
	entries := make([]ledger.Entry, 0, len(input.Lines))
	for _, line := range input.Lines {
		if line.ProductID <= 0 {
			return nil, ErrInvalidProduct
		}
		if !line.Qty.IsPositive() {
			return nil, ErrInvalidQuantity
		}
		entries = append(entries, ledger.Entry{
			Subject: ledger.Product(line.ProductID),
			Delta:   line.Qty.Neg(),
			Memo:    input.Note,
		})
	}
	return s.ledger.Post(ctx, ledger.Posting{
		Reference: ledger.Reference{Type: input.RefType, ID: input.RefID},
		Guard:     true,
		Entries:   entries,
	})
}

// PostAdjustment posts a manual correction which may be positive or negative.
func (s *Service) PostAdjustment(ctx context.Context, input AdjustmentInput) (ledger.Movement, error) {
	if input.ProductID <= 0 {
		return ledger.Movement{}, ErrInvalidProduct
	}
	if input.Qty.IsZero() {
		return ledger.Movement{}, ErrInvalidQuantity
	}
	entry := ledger.Entry{Subject: ledger.Product(input.ProductID), Delta: input.Qty, Memo: input.Note}
	if input.UnitCost != nil && input.Qty.IsPositive() {
		if input.UnitCost.IsNegative() {
			return ledger.Movement{}, ErrInvalidUnitCost
		}
		entry.UnitCost = *input.UnitCost
		entry.Cost = ledger.CostReceipt
	}
	refID := input.RequestID
	if refID == "" {
		refID = uuid.NewString()
	}
	var movements []ledger.Movement
	err := s.ledger.WithTx(ctx, func(ctx context.Context) error {
		var err error
		movements, err = s.ledger.Post(ctx, ledger.Posting{
			Reference: ledger.Reference{Type: ledger.RefAdjustment, ID: refID},
			Guard:     input.RequestID != "",
			Entries:   []ledger.Entry{entry},
		})
		if err != nil {
			return err
		}
		return s.record(ctx, input.ActorID, "inventory:adjust", input.ProductID, map[string]any{
			"qty":    input.Qty.String(),
			"ref_id": refID,
			"note":   input.Note,
		})
	})
	if err != nil {
		return ledger.Movement{}, err
	}
	s.logger.Info("stock adjusted",
		slog.Int64("product_id", input.ProductID),
		slog.String("qty", input.Qty.String()),
		slog.String("ref_id", refID))
	return movements[0], nil
}

// GetStock returns the current stock level of a product.
func (s *Service) GetStock(ctx context.Context, productID int64) (StockLevel, error) {
	if productID <= 0 {
		return StockLevel{}, ErrInvalidProduct
	}
	agg, err := s.ledger.GetAggregate(ctx, ledger.Product(productID))
	if err != nil {
		return StockLevel{}, err
	}
	return stockLevel(agg), nil
}

// StockCard lists movements newest first with the balance after each one.
// Balances are rebuilt backwards from the aggregate read in the same unit,
// so newer movements outside the filter are still walked.
func (s *Service) StockCard(ctx context.Context, filter StockCardFilter) ([]StockCardEntry, error) {
	if filter.ProductID <= 0 {
		return nil, ErrInvalidProduct
	}
	var entries []StockCardEntry
	err := s.ledger.History(ctx, ledger.Product(filter.ProductID), func(agg ledger.Aggregate, movements iter.Seq2[ledger.Movement, error]) error {
		balance := agg.Balance
		for m, err := range movements {
			if err != nil {
				return err
			}
			after := balance
			balance = balance.Sub(m.Delta)
			if !filter.From.IsZero() && m.CreatedAt.Before(filter.From) {
				return nil
			}
			if !filter.To.IsZero() && !m.CreatedAt.Before(filter.To) {
				continue
			}
			if filter.RefType != "" && m.RefType != filter.RefType {
				continue
			}
			entries = append(entries, cardEntry(m, after))
			if filter.Limit > 0 && len(entries) >= filter.Limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func cardEntry(m ledger.Movement, after decimal.Decimal) StockCardEntry {
	entry := StockCardEntry{
		MovementID: m.ID,
		RefType:    m.RefType,
		RefID:      m.RefID,
		BatchID:    m.BatchID,
		PostedAt:   m.CreatedAt,
		QtyIn:      decimal.Zero,
		QtyOut:     decimal.Zero,
		BalanceQty: after,
		UnitCost:   m.UnitCost,
		Note:       m.Memo,
	}
	if m.Delta.IsPositive() {
		entry.QtyIn = m.Delta
	} else {
		entry.QtyOut = m.Delta.Neg()
	}
	return entry
}

func stockLevel(agg ledger.Aggregate) StockLevel {
	return StockLevel{
		ProductID:     agg.Subject.ID,
		Qty:           agg.Balance,
		AvgCost:       agg.AvgCost,
		Value:         costing.Value(agg.Balance, agg.AvgCost),
		AllowNegative: agg.AllowNegative,
		UpdatedAt:     agg.UpdatedAt,
	}
}

// record writes the audit row with the ctx of the ledger unit it belongs to.
func (s *Service) record(ctx context.Context, actorID int64, action string, productID int64, meta map[string]any) error {
	if s.audit == nil {
		return nil
	}
	if actorID == 0 {
		actorID = shared.ActorFromContext(ctx)
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "product",
		EntityID: strconv.FormatInt(productID, 10),
		Meta:     meta,
	})
	if err != nil {
		return fmt.Errorf("inventory audit %s: %w", action, err)
	}
	return nil
}
