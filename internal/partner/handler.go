package partner

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// Handler exposes partner account endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers partner routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/allocations", h.allocate)
	r.Get("/documents/{direction}/{ref}", h.getDocument)
	r.Post("/settlements", h.settle)
	r.Get("/aging/{direction}", h.aging)
}

type allocateRequest struct {
	Direction   string          `json:"direction" validate:"required,oneof=AR AP"`
	PartnerID   int64           `json:"partner_id"`
	DocumentRef string          `json:"document_ref" validate:"max=128"`
	Total       decimal.Decimal `json:"total"`
	DueAt       time.Time       `json:"due_at"`
	Lines       []Line          `json:"lines" validate:"required,min=1,dive"`
	Reallocate  bool            `json:"reallocate"`
	Preview     bool            `json:"preview"`
}

func (h *Handler) allocate(w http.ResponseWriter, r *http.Request) {
	var req allocateRequest
	if err := httpx.Bind(r, h.validate, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if req.Preview {
		set, err := Allocate(req.Total, req.Lines)
		if err != nil {
			h.fail(w, "preview allocation", err)
			return
		}
		httpx.JSON(w, http.StatusOK, set)
		return
	}
	input := DocumentInput{
		Direction:   Direction(req.Direction),
		PartnerID:   req.PartnerID,
		DocumentRef: req.DocumentRef,
		Total:       req.Total,
		Lines:       req.Lines,
		DueAt:       req.DueAt,
	}
	var (
		doc    Document
		err    error
		status = http.StatusCreated
	)
	if req.Reallocate {
		doc, err = h.service.Reallocate(r.Context(), input)
		status = http.StatusOK
	} else {
		doc, err = h.service.OpenDocument(r.Context(), input)
	}
	if err != nil {
		h.fail(w, "allocate document", err)
		return
	}
	httpx.JSON(w, status, doc)
}

func (h *Handler) getDocument(w http.ResponseWriter, r *http.Request) {
	direction, err := ParseDirection(chi.URLParam(r, "direction"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	doc, err := h.service.ListDocument(r.Context(), direction, chi.URLParam(r, "ref"))
	if err != nil {
		h.fail(w, "get document", err)
		return
	}
	httpx.JSON(w, http.StatusOK, doc)
}

type settleRequest struct {
	Direction     string          `json:"direction" validate:"required,oneof=AR AP"`
	DocumentRef   string          `json:"document_ref" validate:"required,max=128"`
	CashAccountID int64           `json:"cash_account_id" validate:"required,gt=0"`
	Amount        decimal.Decimal `json:"amount"`
	RequestID     string          `json:"request_id" validate:"max=128"`
	Note          string          `json:"note" validate:"max=500"`
}

func (h *Handler) settle(w http.ResponseWriter, r *http.Request) {
	var req settleRequest
	if err := httpx.Bind(r, h.validate, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	result, err := h.service.Settle(r.Context(), SettleInput{
		Direction:     Direction(req.Direction),
		DocumentRef:   req.DocumentRef,
		CashAccountID: req.CashAccountID,
		Amount:        req.Amount,
		RequestID:     req.RequestID,
		Note:          req.Note,
		ActorID:       shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.fail(w, "settle document", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, result)
}

func (h *Handler) aging(w http.ResponseWriter, r *http.Request) {
	direction, err := ParseDirection(chi.URLParam(r, "direction"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var asOf time.Time
	if v := r.URL.Query().Get("as_of"); v != "" {
		asOf, err = time.Parse(time.DateOnly, v)
		if err != nil {
			httpx.RespondError(w, fmt.Errorf("%w: as_of must be YYYY-MM-DD", shared.ErrValidation))
			return
		}
	}
	bucket, err := h.service.Aging(r.Context(), direction, asOf)
	if err != nil {
		h.fail(w, "aging", err)
		return
	}
	httpx.JSON(w, http.StatusOK, bucket)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	h.logger.Warn(op, slog.Any("error", err))
	httpx.RespondError(w, err)
}
