package procurement

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// Handler manages procurement endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers procurement routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/purchases", h.createPurchase)
	r.Route("/purchases/{id}", func(r chi.Router) {
		r.Get("/", h.getPurchase)
		r.Post("/items", h.addItem)
		r.Post("/confirm", h.confirmPurchase)
		r.Post("/cancel", h.cancelPurchase)
	})
	r.Get("/items/{id}/receivings", h.listReceivings)
	r.Post("/items/{id}/receivings", h.receiveItem)
	r.Delete("/items/{id}", h.deleteItem)
}

type createPurchaseRequest struct {
	Number     string          `json:"number" validate:"max=64"`
	SupplierID int64           `json:"supplier_id" validate:"required,gt=0"`
	Discount   decimal.Decimal `json:"discount"`
	DueDays    int             `json:"due_days" validate:"gte=0,lte=365"`
	Note       string          `json:"note" validate:"max=500"`
	Items      []ItemInput     `json:"items" validate:"dive"`
}

func (h *Handler) createPurchase(w http.ResponseWriter, r *http.Request) {
	var req createPurchaseRequest
	if err := httpx.Bind(r, h.validate, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	detail, err := h.service.CreatePurchase(r.Context(), CreatePurchaseInput{
		Number:     req.Number,
		SupplierID: req.SupplierID,
		Discount:   req.Discount,
		DueDays:    req.DueDays,
		Note:       req.Note,
		Items:      req.Items,
		ActorID:    shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.fail(w, "create purchase", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, detail)
}

func (h *Handler) getPurchase(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathInt64(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	detail, err := h.service.GetPurchase(r.Context(), id)
	if err != nil {
		h.fail(w, "get purchase", err)
		return
	}
	httpx.JSON(w, http.StatusOK, detail)
}

func (h *Handler) addItem(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathInt64(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req ItemInput
	if err := httpx.Bind(r, h.validate, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	item, err := h.service.AddItem(r.Context(), id, req)
	if err != nil {
		h.fail(w, "add item", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, item)
}

func (h *Handler) confirmPurchase(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathInt64(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	detail, err := h.service.ConfirmPurchase(r.Context(), id, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.fail(w, "confirm purchase", err)
		return
	}
	httpx.JSON(w, http.StatusOK, detail)
}

func (h *Handler) cancelPurchase(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathInt64(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.service.CancelPurchase(r.Context(), id, shared.ActorFromContext(r.Context())); err != nil {
		h.fail(w, "cancel purchase", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type receiveRequest struct {
	BatchID string          `json:"batch_id" validate:"required,max=128"`
	Qty     decimal.Decimal `json:"qty"`
	Note    string          `json:"note" validate:"max=500"`
}

func (h *Handler) receiveItem(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathInt64(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req receiveRequest
	if err := httpx.Bind(r, h.validate, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	rcv, err := h.service.ReceivePurchaseItem(r.Context(), ReceiveInput{
		ItemID:  id,
		BatchID: req.BatchID,
		Qty:     req.Qty,
		Note:    req.Note,
		ActorID: shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.fail(w, "receive item", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, rcv)
}

func (h *Handler) listReceivings(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathInt64(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	receivings, err := h.service.Receivings(r.Context(), id)
	if err != nil {
		h.fail(w, "list receivings", err)
		return
	}
	if receivings == nil {
		receivings = []Receiving{}
	}
	httpx.JSON(w, http.StatusOK, receivings)
}

func (h *Handler) deleteItem(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathInt64(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.service.DeleteItem(r.Context(), id, shared.ActorFromContext(r.Context())); err != nil {
		h.fail(w, "delete item", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	h.logger.Warn(op, slog.Any("error", err))
	httpx.RespondError(w, err)
}
