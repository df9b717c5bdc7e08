package cash

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/ledger"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// Handler exposes cash endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers cash routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/accounts", h.openAccount)
	r.Get("/accounts/{id}", h.balance)
	r.Get("/accounts/{id}/statement", h.statement)
	r.Post("/transfers", h.transfer)
	r.Post("/adjustments", h.adjust)
}

type openRequest struct {
	AccountID     int64           `json:"account_id" validate:"required,gt=0"`
	Opening       decimal.Decimal `json:"opening"`
	AllowNegative bool            `json:"allow_negative"`
}

func (h *Handler) openAccount(w http.ResponseWriter, r *http.Request) {
	var req openRequest
	if err := httpx.Bind(r, h.validate, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	bal, err := h.service.OpenAccount(r.Context(), AccountInput{
		AccountID:     req.AccountID,
		Opening:       req.Opening,
		AllowNegative: req.AllowNegative,
	})
	if err != nil {
		h.fail(w, "open account", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, bal)
}

func (h *Handler) balance(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathInt64(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	bal, err := h.service.Balance(r.Context(), id)
	if err != nil {
		h.fail(w, "account balance", err)
		return
	}
	httpx.JSON(w, http.StatusOK, bal)
}

func (h *Handler) statement(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathInt64(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	q := r.URL.Query()
	var filter StatementFilter
	if v := q.Get("ref_type"); v != "" {
		filter.RefType = ledger.RefType(v)
		if !filter.RefType.Valid() {
			httpx.RespondError(w, fmt.Errorf("%w: unknown ref_type %q", shared.ErrValidation, v))
			return
		}
	}
	for name, dst := range map[string]*time.Time{"from": &filter.From, "to": &filter.To} {
		if v := q.Get(name); v != "" {
			if *dst, err = time.Parse(time.RFC3339, v); err != nil {
				httpx.RespondError(w, fmt.Errorf("%w: invalid %s", shared.ErrValidation, name))
				return
			}
		}
	}
	limit := 100
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit <= 0 {
			httpx.RespondError(w, fmt.Errorf("%w: limit", shared.ErrValidation))
			return
		}
	}
	lines, err := CollectStatement(h.service.Statement(r.Context(), id, filter), limit)
	if err != nil {
		h.fail(w, "account statement", err)
		return
	}
	if lines == nil {
		lines = []StatementLine{}
	}
	httpx.JSON(w, http.StatusOK, lines)
}

type transferRequest struct {
	From      int64           `json:"from" validate:"required,gt=0"`
	To        int64           `json:"to" validate:"required,gt=0"`
	Amount    decimal.Decimal `json:"amount"`
	Note      string          `json:"note" validate:"max=500"`
	RequestID string          `json:"request_id" validate:"max=128"`
}

func (h *Handler) transfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := httpx.Bind(r, h.validate, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if req.RequestID == "" {
		req.RequestID = r.Header.Get("Idempotency-Key")
	}
	tr, err := h.service.Transfer(r.Context(), TransferInput{
		From:      req.From,
		To:        req.To,
		Amount:    req.Amount,
		Note:      req.Note,
		RequestID: req.RequestID,
		ActorID:   shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.fail(w, "transfer", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, tr)
}

type adjustRequest struct {
	AccountID int64           `json:"account_id" validate:"required,gt=0"`
	Amount    decimal.Decimal `json:"amount"`
	Note      string          `json:"note" validate:"max=500"`
	RequestID string          `json:"request_id" validate:"max=128"`
}

func (h *Handler) adjust(w http.ResponseWriter, r *http.Request) {
	var req adjustRequest
	if err := httpx.Bind(r, h.validate, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if req.RequestID == "" {
		req.RequestID = r.Header.Get("Idempotency-Key")
	}
	m, err := h.service.Adjust(r.Context(), AdjustInput{
		AccountID: req.AccountID,
		Amount:    req.Amount,
		Note:      req.Note,
		RequestID: req.RequestID,
		ActorID:   shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.fail(w, "adjust account", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, m)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	h.logger.Warn(op, slog.Any("error", err))
	httpx.RespondError(w, err)
}
