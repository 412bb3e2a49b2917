package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/bcnelson/hostbeat/internal/domain"
)

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(&domain.StandardErrorResponse{
		Error: domain.StandardError{Code: code, Message: message},
	})
}
