package procurement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/inventory"
	"github.com/odyssey-erp/odyssey-ledger/internal/ledger"
	"github.com/odyssey-erp/odyssey-ledger/internal/partner"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetPurchase(ctx context.Context, id int64) (Purchase, []Item, error)
	GetItem(ctx context.Context, id int64) (Item, error)
	ListReceivings(ctx context.Context, itemID int64) ([]Receiving, error)
}

// InventoryPort posts receipts and their reversals.
type InventoryPort interface {
	PostReceipt(ctx context.Context, input inventory.ReceiptInput) (ledger.Movement, error)
	ReverseReceipt(ctx context.Context, input inventory.ReversalInput) (ledger.Movement, error)
}

// PayablePort maintains the supplier's payable lines.
type PayablePort interface {
	OpenDocument(ctx context.Context, in partner.DocumentInput) (partner.Document, error)
	Reallocate(ctx context.Context, in partner.DocumentInput) (partner.Document, error)
	VoidDocument(ctx context.Context, direction partner.Direction, documentRef string) error
	ListDocument(ctx context.Context, direction partner.Direction, documentRef string) (partner.Document, error)
}

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service orchestrates procurement flows.
type Service struct {
	repo      RepositoryPort
	inventory InventoryPort
	payables  PayablePort
	audit     AuditPort
	logger    *slog.Logger
	now       func() time.Time
}

// NewService constructs procurement service.
func NewService(repo RepositoryPort, inventory InventoryPort, payables PayablePort, audit AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, inventory: inventory, payables: payables, audit: audit, logger: logger, now: time.Now}
}

// CreatePurchase persists a draft purchase and its items.
func (s *Service) CreatePurchase(ctx context.Context, input CreatePurchaseInput) (PurchaseDetail, error) {
	if input.SupplierID <= 0 {
		return PurchaseDetail{}, fmt.Errorf("%w: procurement: supplier required", shared.ErrValidation)
	}
	if input.Discount.IsNegative() {
		return PurchaseDetail{}, fmt.Errorf("%w: procurement: negative discount", shared.ErrValidation)
	}
	for _, item := range input.Items {
		if err := item.validate(); err != nil {
			return PurchaseDetail{}, err
		}
	}
	if input.Number == "" {
		input.Number = generateNumber("PO")
	}
	if input.DueDays <= 0 {
		input.DueDays = 30
	}
	now := s.now().UTC()
	purchase := Purchase{
		Number:     input.Number,
		SupplierID: input.SupplierID,
		Status:     StatusDraft,
		Discount:   input.Discount,
		DueDays:    input.DueDays,
		Note:       input.Note,
		CreatedAt:  now,
	}
	var items []Item
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.CreatePurchase(ctx, purchase)
		if err != nil {
			return err
		}
		purchase.ID = id
		items = items[:0]
		for _, in := range input.Items {
			item, err := insertItem(ctx, tx, id, in, now)
			if err != nil {
				return err
			}
			items = append(items, item)
		}
		return s.recordAudit(ctx, input.ActorID, "purchase:create", id, map[string]any{"number": purchase.Number})
	})
	if err != nil {
		return PurchaseDetail{}, err
	}
	return PurchaseDetail{Purchase: purchase, Items: items, Total: Total(purchase, items)}, nil
}

// AddItem appends an item. On a confirmed purchase the payable is
// reallocated over the new item set, keeping what was already paid.
func (s *Service) AddItem(ctx context.Context, purchaseID int64, input ItemInput) (Item, error) {
	if err := input.validate(); err != nil {
		return Item{}, err
	}
	var item Item
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		purchase, items, err := tx.LockPurchase(ctx, purchaseID)
		if err != nil {
			return err
		}
		if purchase.Status == StatusCancelled {
			return fmt.Errorf("%w: procurement: purchase %s is cancelled", shared.ErrInvalidState, purchase.Number)
		}
		item, err = insertItem(ctx, tx, purchaseID, input, s.now().UTC())
		if err != nil {
			return err
		}
		if purchase.Status != StatusConfirmed {
			return nil
		}
		return s.syncPayable(ctx, purchase, append(items, item))
	})
	if err != nil {
		return Item{}, err
	}
	return item, nil
}

// ConfirmPurchase freezes the purchase and opens its payable.
func (s *Service) ConfirmPurchase(ctx context.Context, purchaseID, actorID int64) (PurchaseDetail, error) {
	var detail PurchaseDetail
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		purchase, items, err := tx.LockPurchase(ctx, purchaseID)
		if err != nil {
			return err
		}
		if purchase.Status != StatusDraft {
			return fmt.Errorf("%w: procurement: purchase %s is %s", shared.ErrInvalidState, purchase.Number, purchase.Status)
		}
		if len(items) == 0 {
			return fmt.Errorf("%w: procurement: purchase %s has no items", shared.ErrValidation, purchase.Number)
		}
		total := Total(purchase, items)
		if total.IsNegative() {
			return fmt.Errorf("%w: procurement: discount exceeds purchase value", shared.ErrValidation)
		}
		now := s.now().UTC()
		if err := tx.UpdatePurchaseStatus(ctx, purchaseID, StatusConfirmed, now); err != nil {
			return err
		}
		purchase.Status = StatusConfirmed
		purchase.ConfirmedAt = &now
		detail = PurchaseDetail{Purchase: purchase, Items: items, Total: total}
		if total.IsPositive() {
			doc, err := s.payables.OpenDocument(ctx, s.payableInput(purchase, items, total))
			if err != nil {
				return err
			}
			detail.Payable = &doc
		}
		return s.recordAudit(ctx, actorID, "purchase:confirm", purchaseID, map[string]any{"total": total.String()})
	})
	if err != nil {
		return PurchaseDetail{}, err
	}
	s.logger.Info("purchase confirmed", slog.String("number", detail.Number), slog.String("total", detail.Total.String()))
	return detail, nil
}

// CancelPurchase cancels a purchase nothing has been received against and
// voids its payable.
func (s *Service) CancelPurchase(ctx context.Context, purchaseID, actorID int64) error {
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		purchase, items, err := tx.LockPurchase(ctx, purchaseID)
		if err != nil {
			return err
		}
		if purchase.Status == StatusCancelled {
			return fmt.Errorf("%w: procurement: purchase %s already cancelled", shared.ErrInvalidState, purchase.Number)
		}
		for _, item := range items {
			if item.ReceivedQuantity.IsPositive() {
				return fmt.Errorf("%w: procurement: purchase %s has receipts", shared.ErrInvalidState, purchase.Number)
			}
		}
		if purchase.Status == StatusConfirmed {
			err := s.payables.VoidDocument(ctx, partner.Payable, purchase.Number)
			if err != nil && !errors.Is(err, shared.ErrNotFound) {
				return err
			}
		}
		if err := tx.UpdatePurchaseStatus(ctx, purchaseID, StatusCancelled, s.now().UTC()); err != nil {
			return err
		}
		return s.recordAudit(ctx, actorID, "purchase:cancel", purchaseID, nil)
	})
}

// ReceivePurchaseItem posts a receipt batch for an item of a confirmed
// purchase. A batch id that was already received returns ErrAlreadyApplied.
func (s *Service) ReceivePurchaseItem(ctx context.Context, input ReceiveInput) (Receiving, error) {
	if !input.Qty.IsPositive() {
		return Receiving{}, inventory.ErrInvalidQuantity
	}
	if input.BatchID == "" {
		return Receiving{}, fmt.Errorf("%w: procurement: batch id required", shared.ErrValidation)
	}
	target, err := s.repo.GetItem(ctx, input.ItemID)
	if err != nil {
		return Receiving{}, err
	}
	var receiving Receiving
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		purchase, _, err := tx.LockPurchase(ctx, target.PurchaseID)
		if err != nil {
			return err
		}
		if purchase.Status != StatusConfirmed {
			return fmt.Errorf("%w: procurement: purchase %s is %s", shared.ErrInvalidState, purchase.Number, purchase.Status)
		}
		item, err := tx.LockItem(ctx, input.ItemID)
		if err != nil {
			return err
		}
		exists, err := tx.ReceivingExists(ctx, item.ID, input.BatchID)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("procurement: item %d batch %s: %w", item.ID, input.BatchID, shared.ErrAlreadyApplied)
		}
		if item.ReceivedQuantity.Add(input.Qty).GreaterThan(item.Quantity) {
			return fmt.Errorf("%w: received %s of %s, requested %s", ErrOverReceipt, item.ReceivedQuantity, item.Quantity, input.Qty)
		}
		if _, err := s.inventory.PostReceipt(ctx, inventory.ReceiptInput{
			ProductID: item.ProductID,
			Qty:       input.Qty,
			UnitCost:  item.UnitCost,
			RefID:     receiptRef(item),
			BatchID:   input.BatchID,
			Note:      input.Note,
		}); err != nil {
			return err
		}
		receiving = Receiving{
			ItemID:     item.ID,
			BatchID:    input.BatchID,
			Quantity:   input.Qty,
			UnitCost:   item.UnitCost,
			ReceivedAt: s.now().UTC(),
		}
		if receiving.ID, err = tx.InsertReceiving(ctx, receiving); err != nil {
			return err
		}
		if err := tx.AddReceived(ctx, item.ID, input.Qty); err != nil {
			return err
		}
		return s.recordAudit(ctx, input.ActorID, "purchase:receive", purchase.ID, map[string]any{
			"item_id":  item.ID,
			"batch_id": input.BatchID,
			"qty":      input.Qty.String(),
		})
	})
	if err != nil {
		return Receiving{}, err
	}
	s.logger.Info("purchase item received",
		slog.Int64("item_id", input.ItemID),
		slog.String("batch_id", input.BatchID),
		slog.String("qty", input.Qty.String()))
	return receiving, nil
}

// DeleteItem reverses every receipt of the item, removes it and
// reallocates the payable. Items of a purchase that has payments are kept.
func (s *Service) DeleteItem(ctx context.Context, itemID, actorID int64) error {
	target, err := s.repo.GetItem(ctx, itemID)
	if err != nil {
		return err
	}
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		purchase, items, err := tx.LockPurchase(ctx, target.PurchaseID)
		if err != nil {
			return err
		}
		if purchase.Status == StatusCancelled {
			return fmt.Errorf("%w: procurement: purchase %s is cancelled", shared.ErrInvalidState, purchase.Number)
		}
		item, err := tx.LockItem(ctx, itemID)
		if err != nil {
			return err
		}
		if purchase.Status == StatusConfirmed {
			doc, err := s.payables.ListDocument(ctx, partner.Payable, purchase.Number)
			switch {
			case errors.Is(err, shared.ErrNotFound):
			case err != nil:
				return err
			case doc.Paid.IsPositive():
				return fmt.Errorf("%w: procurement: purchase %s has payments", shared.ErrInvalidState, purchase.Number)
			}
		}

		receivings, err := tx.ListReceivings(ctx, itemID)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		for _, rcv := range receivings {
			if _, err := s.inventory.ReverseReceipt(ctx, inventory.ReversalInput{
				ProductID: item.ProductID,
				Qty:       rcv.Quantity,
				UnitCost:  rcv.UnitCost,
				RefID:     receiptRef(item),
				BatchID:   rcv.BatchID,
				Note:      "item deleted",
			}); err != nil {
				return err
			}
			if err := tx.MarkReceivingReversed(ctx, rcv.ID, now); err != nil {
				return err
			}
		}
		if err := tx.DeleteItem(ctx, itemID, now); err != nil {
			return err
		}
		if purchase.Status == StatusConfirmed {
			remaining := make([]Item, 0, len(items))
			for _, it := range items {
				if it.ID != itemID {
					remaining = append(remaining, it)
				}
			}
			if err := s.syncPayable(ctx, purchase, remaining); err != nil {
				return err
			}
		}
		return s.recordAudit(ctx, actorID, "purchase:delete_item", purchase.ID, map[string]any{"item_id": itemID})
	})
}

// GetPurchase returns the purchase, its live items and its payable.
func (s *Service) GetPurchase(ctx context.Context, purchaseID int64) (PurchaseDetail, error) {
	purchase, items, err := s.repo.GetPurchase(ctx, purchaseID)
	if err != nil {
		return PurchaseDetail{}, err
	}
	detail := PurchaseDetail{Purchase: purchase, Items: items, Total: Total(purchase, items)}
	if purchase.Status == StatusConfirmed {
		doc, err := s.payables.ListDocument(ctx, partner.Payable, purchase.Number)
		switch {
		case err == nil:
			detail.Payable = &doc
		case !errors.Is(err, shared.ErrNotFound):
			return PurchaseDetail{}, err
		}
	}
	return detail, nil
}

// Receivings lists the live receipt batches of an item.
func (s *Service) Receivings(ctx context.Context, itemID int64) ([]Receiving, error) {
	return s.repo.ListReceivings(ctx, itemID)
}

// syncPayable reallocates the payable over items, voiding it when nothing
// is left to pay.
func (s *Service) syncPayable(ctx context.Context, purchase Purchase, items []Item) error {
	total := Total(purchase, items)
	if total.IsNegative() {
		return fmt.Errorf("%w: procurement: discount exceeds purchase value", shared.ErrInvalidState)
	}
	if total.IsZero() {
		err := s.payables.VoidDocument(ctx, partner.Payable, purchase.Number)
		if errors.Is(err, shared.ErrNotFound) {
			return nil
		}
		return err
	}
	_, err := s.payables.Reallocate(ctx, s.payableInput(purchase, items, total))
	return err
}

func (s *Service) payableInput(purchase Purchase, items []Item, total decimal.Decimal) partner.DocumentInput {
	lines := make([]partner.Line, 0, len(items))
	for _, item := range items {
		lines = append(lines, partner.Line{Ref: strconv.FormatInt(item.ID, 10), Portion: item.LineTotal()})
	}
	due := s.now().UTC().AddDate(0, 0, purchase.DueDays)
	if purchase.ConfirmedAt != nil {
		due = purchase.ConfirmedAt.AddDate(0, 0, purchase.DueDays)
	}
	return partner.DocumentInput{
		Direction:   partner.Payable,
		PartnerID:   purchase.SupplierID,
		DocumentRef: purchase.Number,
		Total:       total,
		Lines:       lines,
		DueAt:       due,
	}
}

func insertItem(ctx context.Context, tx TxRepository, purchaseID int64, in ItemInput, now time.Time) (Item, error) {
	item := Item{
		PurchaseID:       purchaseID,
		ProductID:        in.ProductID,
		Quantity:         in.Quantity,
		UnitCost:         in.UnitCost,
		ReceivedQuantity: decimal.Zero,
		CreatedAt:        now,
	}
	id, err := tx.InsertItem(ctx, item)
	if err != nil {
		return Item{}, err
	}
	item.ID = id
	return item, nil
}

// receiptRef keys the ledger movements of one purchase item.
func receiptRef(item Item) string {
	return fmt.Sprintf("%d:%d", item.PurchaseID, item.ID)
}

// recordAudit runs inside the caller's transaction so the audit row and the
// change it describes commit together.
func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, entityID int64, meta map[string]any) error {
	if s.audit == nil {
		return nil
	}
	if actorID == 0 {
		actorID = shared.ActorFromContext(ctx)
	}
	err := s.audit.Record(ctx, shared.AuditLog{ActorID: actorID, Action: action, Entity: "purchase", EntityID: strconv.FormatInt(entityID, 10), Meta: meta})
	if err != nil {
		return fmt.Errorf("procurement audit %s: %w", action, err)
	}
	return nil
}

func generateNumber(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}
