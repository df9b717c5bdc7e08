package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetDelivery(ctx context.Context, id int64) (Delivery, error)
}

// InventoryService defines interface for inventory operations
type InventoryService interface {
	IssueDelivery(ctx context.Context, d Delivery) error
}

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service provides business logic for delivery operations.
type Service struct {
	repo      RepositoryPort
	inventory InventoryService
	audit     AuditPort
	logger    *slog.Logger
	now       func() time.Time
}

// NewService constructs a delivery service.
func NewService(repo RepositoryPort, inventory InventoryService, audit AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, inventory: inventory, audit: audit, logger: logger, now: time.Now}
}

// CreateDelivery stores a pending delivery. Stock is untouched until confirmation.
func (s *Service) CreateDelivery(ctx context.Context, req CreateDeliveryRequest, actorID int64) (Delivery, error) {
	if err := req.validate(); err != nil {
		return Delivery{}, err
	}
	if req.Number == "" {
		req.Number = "DO-" + strings.ToUpper(uuid.NewString()[:8])
	}
	d := Delivery{
		Number:     req.Number,
		CustomerID: req.CustomerID,
		SaleID:     req.SaleID,
		Status:     StatusPending,
		Note:       req.Note,
		CreatedAt:  s.now().UTC(),
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.CreateDelivery(ctx, d)
		if err != nil {
			return fmt.Errorf("create delivery: %w", err)
		}
		d.ID = id
		d.Lines = d.Lines[:0]
		for _, in := range req.Lines {
			line := Line{DeliveryID: id, ProductID: in.ProductID, Quantity: in.Quantity}
			if line.ID, err = tx.InsertLine(ctx, line); err != nil {
				return fmt.Errorf("insert line: %w", err)
			}
			d.Lines = append(d.Lines, line)
		}
		return s.record(ctx, actorID, "delivery:create", id, map[string]any{"number": d.Number})
	})
	if err != nil {
		return Delivery{}, err
	}
	return d, nil
}

// ConfirmDelivery issues the delivered stock and marks the delivery
// confirmed in one transaction. Confirming twice returns shared.ErrAlreadyApplied
// and leaves stock unchanged.
func (s *Service) ConfirmDelivery(ctx context.Context, id, actorID int64) (Delivery, error) {
	var confirmed Delivery
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		d, err := tx.LockDelivery(ctx, id)
		if err != nil {
			return err
		}
		switch d.Status {
		case StatusConfirmed:
			return fmt.Errorf("delivery %s: %w", d.Number, shared.ErrAlreadyApplied)
		case StatusCancelled:
			return fmt.Errorf("%w: delivery %s is cancelled", shared.ErrInvalidState, d.Number)
		}
		if len(d.Lines) == 0 {
			return fmt.Errorf("%w: delivery %s has no lines", shared.ErrValidation, d.Number)
		}
		if err := s.inventory.IssueDelivery(ctx, d); err != nil {
			return err
		}
		now := s.now().UTC()
		if err := tx.UpdateStatus(ctx, id, StatusConfirmed, now); err != nil {
			return fmt.Errorf("update status: %w", err)
		}
		d.Status = StatusConfirmed
		d.ConfirmedAt = &now
		confirmed = d
		return s.record(ctx, actorID, "delivery:confirm", id, map[string]any{"number": d.Number})
	})
	if err != nil {
		return Delivery{}, err
	}
	s.logger.Info("delivery confirmed", slog.String("number", confirmed.Number), slog.Int("lines", len(confirmed.Lines)))
	return confirmed, nil
}

// CancelDelivery cancels a pending delivery.
func (s *Service) CancelDelivery(ctx context.Context, id, actorID int64) (Delivery, error) {
	var cancelled Delivery
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		d, err := tx.LockDelivery(ctx, id)
		if err != nil {
			return err
		}
		if !d.Status.CanCancel() {
			return fmt.Errorf("%w: cannot cancel delivery %s in status %s", shared.ErrInvalidState, d.Number, d.Status)
		}
		now := s.now().UTC()
		if err := tx.UpdateStatus(ctx, id, StatusCancelled, now); err != nil {
			return err
		}
		d.Status = StatusCancelled
		d.CancelledAt = &now
		cancelled = d
		return s.record(ctx, actorID, "delivery:cancel", id, nil)
	})
	if err != nil {
		return Delivery{}, err
	}
	return cancelled, nil
}

// GetDelivery retrieves a delivery with its lines.
func (s *Service) GetDelivery(ctx context.Context, id int64) (Delivery, error) {
	return s.repo.GetDelivery(ctx, id)
}

// record writes the audit row inside the caller's transaction; a failed
// write rolls the change back with it.
func (s *Service) record(ctx context.Context, actorID int64, action string, id int64, meta map[string]any) error {
	if s.audit == nil {
		return nil
	}
	if actorID == 0 {
		actorID = shared.ActorFromContext(ctx)
	}
	err := s.audit.Record(ctx, shared.AuditLog{ActorID: actorID, Action: action, Entity: "delivery", EntityID: strconv.FormatInt(id, 10), Meta: meta})
	if err != nil {
		return fmt.Errorf("delivery audit %s: %w", action, err)
	}
	return nil
}
