package ledger

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

const maxPageLimit = 500

// Handler exposes ledger endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers ledger routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/movements", h.appendMovement)
	r.Route("/subjects/{kind}/{id}", func(r chi.Router) {
		r.Get("/", h.getAggregate)
		r.Get("/movements", h.listMovements)
		r.Get("/reconcile", h.reconcile)
	})
}

type appendRequest struct {
	SubjectKind string           `json:"subject_kind" validate:"required,oneof=product account"`
	SubjectID   int64            `json:"subject_id" validate:"required,gt=0"`
	Delta       decimal.Decimal  `json:"delta"`
	UnitCost    *decimal.Decimal `json:"unit_cost,omitempty"`
	RefType     string           `json:"ref_type" validate:"required"`
	RefID       string           `json:"ref_id" validate:"required,max=128"`
	BatchID     string           `json:"batch_id" validate:"max=128"`
	Memo        string           `json:"memo" validate:"max=500"`
}

func (h *Handler) appendMovement(w http.ResponseWriter, r *http.Request) {
	var req appendRequest
	if err := httpx.Bind(r, h.validate, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	movement, err := h.service.Append(r.Context(), AppendInput{
		Subject:  SubjectRef{Kind: SubjectKind(req.SubjectKind), ID: req.SubjectID},
		Delta:    req.Delta,
		UnitCost: req.UnitCost,
		RefType:  RefType(req.RefType),
		RefID:    req.RefID,
		BatchID:  req.BatchID,
		Memo:     req.Memo,
	})
	if err != nil {
		h.fail(w, "append movement", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, movement)
}

func (h *Handler) getAggregate(w http.ResponseWriter, r *http.Request) {
	subject, err := subjectFromPath(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	agg, err := h.service.GetAggregate(r.Context(), subject)
	if err != nil {
		h.fail(w, "get aggregate", err)
		return
	}
	httpx.JSON(w, http.StatusOK, agg)
}

type movementPage struct {
	Items      []Movement `json:"items"`
	NextCursor *Cursor    `json:"next_cursor,omitempty"`
}

func (h *Handler) listMovements(w http.ResponseWriter, r *http.Request) {
	subject, err := subjectFromPath(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	filter, limit, err := parseQueryFilter(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	filter.Subject = subject
	filter.PageSize = limit + 1

	items, err := Collect(h.service.Query(r.Context(), filter), limit+1)
	if err != nil {
		h.fail(w, "list movements", err)
		return
	}
	page := movementPage{Items: items}
	if len(items) > limit {
		page.Items = items[:limit]
		last := page.Items[limit-1]
		page.NextCursor = &Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
	if page.Items == nil {
		page.Items = []Movement{}
	}
	httpx.JSON(w, http.StatusOK, page)
}

func (h *Handler) reconcile(w http.ResponseWriter, r *http.Request) {
	subject, err := subjectFromPath(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	rec, err := h.service.Reconcile(r.Context(), subject)
	if err != nil {
		h.fail(w, "reconcile", err)
		return
	}
	httpx.JSON(w, http.StatusOK, rec)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	h.logger.Warn(op, slog.Any("error", err))
	httpx.RespondError(w, err)
}

func subjectFromPath(r *http.Request) (SubjectRef, error) {
	id, err := httpx.PathInt64(r, "id")
	if err != nil {
		return SubjectRef{}, err
	}
	subject := SubjectRef{Kind: SubjectKind(chi.URLParam(r, "kind")), ID: id}
	return subject, subject.Validate()
}

func parseQueryFilter(r *http.Request) (QueryFilter, int, error) {
	q := r.URL.Query()
	var f QueryFilter
	if v := q.Get("ref_type"); v != "" {
		f.RefType = RefType(v)
		if !f.RefType.Valid() {
			return f, 0, fmt.Errorf("%w: unknown ref_type %q", shared.ErrValidation, v)
		}
	}
	var err error
	if f.From, err = parseTime(q.Get("from")); err != nil {
		return f, 0, err
	}
	if f.To, err = parseTime(q.Get("to")); err != nil {
		return f, 0, err
	}
	if v := q.Get("before_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return f, 0, fmt.Errorf("%w: before_id", shared.ErrValidation)
		}
		at, err := parseTime(q.Get("before_at"))
		if err != nil || at.IsZero() {
			return f, 0, fmt.Errorf("%w: before_at required with before_id", shared.ErrValidation)
		}
		f.Before = &Cursor{CreatedAt: at, ID: id}
	}
	limit := 50
	if v := q.Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit <= 0 {
			return f, 0, fmt.Errorf("%w: limit", shared.ErrValidation)
		}
	}
	return f, min(limit, maxPageLimit), nil
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid time %q", shared.ErrValidation, v)
	}
	return t, nil
}
