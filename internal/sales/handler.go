package sales

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/odyssey-ledger/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// Handler manages sales endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers sales routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/sales", h.createSale)
	r.Route("/sales/{id}", func(r chi.Router) {
		r.Get("/", h.showSale)
		r.Post("/confirm", h.confirmSale)
		r.Post("/cancel", h.cancelSale)
	})
}

func (h *Handler) createSale(w http.ResponseWriter, r *http.Request) {
	var req CreateSaleRequest
	if err := httpx.Bind(r, h.validate, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	detail, err := h.service.CreateSale(r.Context(), req, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.fail(w, "create sale", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, detail)
}

func (h *Handler) showSale(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathInt64(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	detail, err := h.service.GetSale(r.Context(), id)
	if err != nil {
		h.fail(w, "get sale", err)
		return
	}
	httpx.JSON(w, http.StatusOK, detail)
}

func (h *Handler) confirmSale(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathInt64(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	detail, err := h.service.ConfirmSale(r.Context(), id, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.fail(w, "confirm sale", err)
		return
	}
	httpx.JSON(w, http.StatusOK, detail)
}

func (h *Handler) cancelSale(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathInt64(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	detail, err := h.service.CancelSale(r.Context(), id, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.fail(w, "cancel sale", err)
		return
	}
	httpx.JSON(w, http.StatusOK, detail)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	h.logger.Warn(op, slog.Any("error", err))
	httpx.RespondError(w, err)
}
