package inventory

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/ledger"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// Handler wires inventory endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds inventory handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers inventory routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/products", h.registerProduct)
	r.Get("/products/{id}", h.getStock)
	r.Delete("/products/{id}", h.removeProduct)
	r.Get("/products/{id}/card", h.stockCard)
	r.Post("/adjustments", h.postAdjustment)
}

type registerRequest struct {
	ProductID     int64           `json:"product_id" validate:"required,gt=0"`
	AllowNegative bool            `json:"allow_negative"`
	OpeningQty    decimal.Decimal `json:"opening_qty"`
	OpeningCost   decimal.Decimal `json:"opening_cost"`
}

func (h *Handler) registerProduct(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := httpx.Bind(r, h.validate, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	level, err := h.service.RegisterProduct(r.Context(), ProductInput{
		ProductID:     req.ProductID,
		AllowNegative: req.AllowNegative,
		OpeningQty:    req.OpeningQty,
		OpeningCost:   req.OpeningCost,
	})
	if err != nil {
		h.fail(w, "register product", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, level)
}

func (h *Handler) getStock(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathInt64(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	level, err := h.service.GetStock(r.Context(), id)
	if err != nil {
		h.fail(w, "get stock", err)
		return
	}
	httpx.JSON(w, http.StatusOK, level)
}

func (h *Handler) removeProduct(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathInt64(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.service.RemoveProduct(r.Context(), id, 0); err != nil {
		h.fail(w, "remove product", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) stockCard(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathInt64(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	filter := StockCardFilter{ProductID: id, RefType: ledger.RefType(r.URL.Query().Get("ref_type")), Limit: 100}
	if v := r.URL.Query().Get("from"); v != "" {
		if filter.From, err = time.Parse(time.RFC3339, v); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid from")
			return
		}
	}
	if v := r.URL.Query().Get("to"); v != "" {
		if filter.To, err = time.Parse(time.RFC3339, v); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid to")
			return
		}
	}
	entries, err := h.service.StockCard(r.Context(), filter)
	if err != nil {
		h.fail(w, "stock card", err)
		return
	}
	if entries == nil {
		entries = []StockCardEntry{}
	}
	httpx.JSON(w, http.StatusOK, entries)
}

type adjustmentRequest struct {
	ProductID int64            `json:"product_id" validate:"required,gt=0"`
	Qty       decimal.Decimal  `json:"qty"`
	UnitCost  *decimal.Decimal `json:"unit_cost,omitempty"`
	Note      string           `json:"note" validate:"max=500"`
	RequestID string           `json:"request_id" validate:"max=128"`
}

func (h *Handler) postAdjustment(w http.ResponseWriter, r *http.Request) {
	var req adjustmentRequest
	if err := httpx.Bind(r, h.validate, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	movement, err := h.service.PostAdjustment(r.Context(), AdjustmentInput{
		ProductID: req.ProductID,
		Qty:       req.Qty,
		UnitCost:  req.UnitCost,
		Note:      req.Note,
		RequestID: req.RequestID,
		ActorID:   shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.fail(w, "post adjustment", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, movement)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	h.logger.Warn(op, slog.Any("error", err))
	httpx.RespondError(w, err)
}
