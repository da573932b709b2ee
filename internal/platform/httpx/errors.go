package httpx

import (
	"errors"
	"net/http"

	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/platform/db"
	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/shared"
)

// RespondError maps core errors to HTTP responses using RFC7807.
// The mapping follows the error taxonomy: validation 400, not-found 404,
// state-conflict 409, insufficient-stock 422, integrity and unknown 500.
func RespondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, shared.ErrValidation):
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, shared.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case shared.IsStateConflict(err):
		Problem(w, http.StatusConflict, "State Conflict", err.Error())
	case errors.Is(err, db.ErrSerialization):
		Problem(w, http.StatusConflict, "Concurrent Update", "the operation lost a concurrency race, retry the request")
	case shared.IsInsufficientStock(err):
		Problem(w, http.StatusUnprocessableEntity, "Insufficient Stock", err.Error())
	case errors.Is(err, shared.ErrTenantRequired):
		Problem(w, http.StatusInternalServerError, "Tenant Not Resolved", "")
	case errors.Is(err, shared.ErrIntegrity):
		Problem(w, http.StatusInternalServerError, "Integrity Violation", "")
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
