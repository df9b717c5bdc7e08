package delivery

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/odyssey-ledger/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// Handler manages delivery endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers delivery routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/deliveries", h.createDelivery)
	r.Route("/deliveries/{id}", func(r chi.Router) {
		r.Get("/", h.showDelivery)
		r.Post("/confirm", h.confirmDelivery)
		r.Post("/cancel", h.cancelDelivery)
	})
}

func (h *Handler) createDelivery(w http.ResponseWriter, r *http.Request) {
	var req CreateDeliveryRequest
	if err := httpx.Bind(r, h.validate, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	d, err := h.service.CreateDelivery(r.Context(), req, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.fail(w, "create delivery", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, d)
}

func (h *Handler) showDelivery(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathInt64(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	d, err := h.service.GetDelivery(r.Context(), id)
	if err != nil {
		h.fail(w, "get delivery", err)
		return
	}
	httpx.JSON(w, http.StatusOK, d)
}

func (h *Handler) confirmDelivery(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathInt64(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	d, err := h.service.ConfirmDelivery(r.Context(), id, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.fail(w, "confirm delivery", err)
		return
	}
	httpx.JSON(w, http.StatusOK, d)
}

func (h *Handler) cancelDelivery(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathInt64(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	d, err := h.service.CancelDelivery(r.Context(), id, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.fail(w, "cancel delivery", err)
		return
	}
	httpx.JSON(w, http.StatusOK, d)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	h.logger.Warn(op, slog.Any("error", err))
	httpx.RespondError(w, err)
}
