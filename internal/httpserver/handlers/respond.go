package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/MrSnakeDoc/marks/internal/domain"
	"github.com/MrSnakeDoc/marks/internal/live"
)

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, errorStatus(err), errorResponse{Error: err.Error(), Kind: live.ErrorKind(err)})
}

// errorStatus maps synchronizer failures to HTTP statuses.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidDraft):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNoSession), errors.Is(err, domain.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrClosed):
		return http.StatusServiceUnavailable
	case domain.KindOf(err) != "":
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
