// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, shared.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, shared.ErrValidation),
		errors.Is(err, shared.ErrInvalidDelta),
		errors.Is(err, shared.ErrInvalidAmount),
		errors.Is(err, shared.ErrZeroAmount):
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, shared.ErrAlreadyApplied):
		Problem(w, http.StatusConflict, "Already Applied", err.Error())
	case errors.Is(err, shared.ErrInvalidState),
		errors.Is(err, shared.ErrSubjectExists),
		errors.Is(err, shared.ErrSubjectInUse):
		Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, shared.ErrPersistenceConflict):
		Problem(w, http.StatusConflict, "Concurrent Modification", "retry the request")
	case errors.Is(err, shared.ErrInsufficientStock), errors.Is(err, shared.ErrInsufficientFunds):
		Problem(w, http.StatusUnprocessableEntity, "Insufficient Balance", err.Error())
	case errors.Is(err, shared.ErrAllocationMismatch):
		slog.Default().Error("allocation invariant broken", slog.Any("error", err))
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
