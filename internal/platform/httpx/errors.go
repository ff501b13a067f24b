// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"

	"github.com/odyssey-erp/odyssey-iam/internal/shared"
)

// RespondError maps domain error classes to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	var verr *shared.ValidationError
	switch {
	case errors.As(err, &verr):
		JSON(w, http.StatusUnprocessableEntity, ValidationProblem{
			ProblemDetail: ProblemDetail{
				Title:  "Validation Failed",
				Status: http.StatusUnprocessableEntity,
				Detail: verr.Error(),
			},
			Fields: verr.Fields,
		})
	case errors.Is(err, shared.ErrValidation):
		Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error())
	case errors.Is(err, shared.ErrUnauthorized):
		Problem(w, http.StatusUnauthorized, "Unauthorized", err.Error())
	case errors.Is(err, shared.ErrForbidden):
		Problem(w, http.StatusForbidden, "Forbidden", err.Error())
	case errors.Is(err, shared.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, shared.ErrConflict):
		Problem(w, http.StatusConflict, "Conflict", err.Error())
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

// StatusFor returns the status code RespondError would write for err.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, shared.ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, shared.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, shared.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, shared.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, shared.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
