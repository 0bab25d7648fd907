package service

import (
	"encoding/json"
	"net/http"

	"github.com/helioslabs/ctxd/models"
)

func errorStatus(errType string) int {
	switch errType {
	case models.ErrTypeValidation:
		return http.StatusBadRequest
	case models.ErrTypePermission:
		return http.StatusForbidden
	case models.ErrTypeAuthentication:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func writeHTTPError(w http.ResponseWriter, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(errorStatus(errType))
	json.NewEncoder(w).Encode(models.ErrorResponse{
		Type:      models.MsgError,
		ErrorType: errType,
		Message:   message,
	})
}

func errorFrame(errType, message string) []byte {
	payload, _ := json.Marshal(models.ErrorResponse{
		Type:      models.MsgError,
		ErrorType: errType,
		Message:   message,
	})
	return payload
}
