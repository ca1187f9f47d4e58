package server

import (
	"net/http"

	"marketrails/internal/domain"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

var kindStatus = map[string]int{
	domain.ErrInvalidPrice.Error():           http.StatusBadRequest,
	domain.ErrEmptyName.Error():              http.StatusBadRequest,
	domain.ErrProductNotFound.Error():        http.StatusNotFound,
	domain.ErrProductNotAvailable.Error():    http.StatusConflict,
	domain.ErrUnauthorized.Error():           http.StatusForbidden,
	domain.ErrInvalidState.Error():           http.StatusConflict,
	domain.ErrTransferFailed.Error():         http.StatusPaymentRequired,
	domain.ErrEscrowDeploymentFailed.Error(): http.StatusServiceUnavailable,
}

// statusFor maps an error kind to its HTTP status. Errors without a kind are
// internal.
func statusFor(err error) int {
	if status, ok := kindStatus[domain.KindName(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// writeError renders err with its kind name verbatim in the error field.
func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	body := errorBody{Error: domain.KindName(err), Message: err.Error()}
	if status == http.StatusInternalServerError {
		body.Message = "internal error"
	}
	writeJSON(w, status, body)
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: "BadRequest", Message: msg})
}
