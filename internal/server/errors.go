package server

import (
	"errors"
	"net/http"

	auditdomain "github.com/clubworks/memberd/internal/audit/domain"
	paymentdomain "github.com/clubworks/memberd/internal/payment/domain"
)

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

func errorBody(errType, message string) errorResponse {
	return errorResponse{Error: errorPayload{Type: errType, Message: message}}
}

func mapIntakeError(err error) (int, errorResponse) {
	switch {
	case errors.Is(err, paymentdomain.ErrInvalidSignature):
		return http.StatusUnauthorized, errorBody("invalid_signature", "signature verification failed")
	case errors.Is(err, paymentdomain.ErrStaleTimestamp):
		return http.StatusUnauthorized, errorBody("stale_timestamp", "signature timestamp outside tolerance")
	case errors.Is(err, paymentdomain.ErrInvalidPayload):
		return http.StatusBadRequest, errorBody("invalid_payload", "payload is not valid JSON")
	default:
		return http.StatusInternalServerError, errorBody("internal_error", "event intake failed")
	}
}

func mapAuditError(err error) (int, errorResponse) {
	switch {
	case errors.Is(err, auditdomain.ErrInvalidPageToken):
		return http.StatusBadRequest, errorBody("invalid_request", "invalid page token")
	case errors.Is(err, auditdomain.ErrInvalidTimeRange):
		return http.StatusBadRequest, errorBody("invalid_request", "start must be before end")
	default:
		return http.StatusInternalServerError, errorBody("internal_error", "audit query failed")
	}
}
