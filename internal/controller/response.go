package controller

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	appErrors "github.com/unclebandit/mailfleet-backend/internal/errors"
)

// WriteJSON encodes v with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// WriteError maps application errors onto HTTP status codes.
func WriteError(w http.ResponseWriter, err error) {
	var capErr *appErrors.InsufficientCapacityError
	var stateErr *appErrors.InvalidStateTransitionError
	var validationErr *appErrors.ValidationError

	switch {
	case appErrors.IsNotFound(err):
		WriteJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.As(err, &stateErr):
		WriteJSON(w, http.StatusConflict, map[string]string{
			"error":          err.Error(),
			"current_status": stateErr.Current,
			"requested":      stateErr.Requested,
		})
	case errors.As(err, &capErr):
		WriteJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"error":    err.Error(),
			"capacity": capErr,
		})
	case errors.Is(err, appErrors.ErrNoEligibleIdentities):
		WriteJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
	case errors.As(err, &validationErr):
		WriteJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error(), "field": validationErr.Field})
	default:
		WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

// IDParam reads a positive integer URL parameter.
func IDParam(r *http.Request, name string) (int, error) {
	id, err := strconv.Atoi(chi.URLParam(r, name))
	if err != nil || id <= 0 {
		return 0, appErrors.NewValidation(name, "must be a positive integer")
	}
	return id, nil
}
