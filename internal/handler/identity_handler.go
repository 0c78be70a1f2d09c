// internal/handler/identity_handler.go
package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/unclebandit/mailfleet-backend/internal/controller"
	appErrors "github.com/unclebandit/mailfleet-backend/internal/errors"
	"github.com/unclebandit/mailfleet-backend/internal/service"
)

// IdentityHandler holds the dependencies for identity group HTTP handlers
type IdentityHandler struct {
	Service *service.IdentityService
}

// NewIdentityHandler creates a new IdentityHandler with the given service
func NewIdentityHandler(svc *service.IdentityService) *IdentityHandler {
	return &IdentityHandler{Service: svc}
}

func (h *IdentityHandler) Routes(r chi.Router) {
	r.Post("/identity-groups", h.CreateGroupHandler)
	r.Get("/identity-groups", h.ListGroupsHandler)
	r.Post("/identity-groups/{id}/toggle", h.ToggleGroupHandler)
	r.Post("/identity-groups/{id}/sync", h.SyncIdentitiesHandler)
	r.Get("/identity-groups/{id}/identities", h.ListIdentitiesHandler)
}

// CreateGroupHandler handles creating a new identity group
func (h *IdentityHandler) CreateGroupHandler(w http.ResponseWriter, r *http.Request) {
	var payload service.CreateGroupInput
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		controller.WriteError(w, appErrors.NewValidation("body", "invalid request body: "+err.Error()))
		return
	}

	group, err := h.Service.CreateGroup(r.Context(), payload)
	if err != nil {
		controller.WriteError(w, err)
		return
	}
	controller.WriteJSON(w, http.StatusCreated, group)
}

// ListGroupsHandler returns every identity group
func (h *IdentityHandler) ListGroupsHandler(w http.ResponseWriter, r *http.Request) {
	groups, err := h.Service.ListGroups(r.Context())
	if err != nil {
		controller.WriteError(w, err)
		return
	}
	controller.WriteJSON(w, http.StatusOK, map[string]interface{}{"data": groups})
}

func (h *IdentityHandler) ToggleGroupHandler(w http.ResponseWriter, r *http.Request) {
	id, err := controller.IDParam(r, "id")
	if err != nil {
		controller.WriteError(w, err)
		return
	}
	group, err := h.Service.ToggleGroup(r.Context(), id)
	if err != nil {
		controller.WriteError(w, err)
		return
	}
	controller.WriteJSON(w, http.StatusOK, group)
}

// SyncIdentitiesHandler replaces the group's identity list
func (h *IdentityHandler) SyncIdentitiesHandler(w http.ResponseWriter, r *http.Request) {
	id, err := controller.IDParam(r, "id")
	if err != nil {
		controller.WriteError(w, err)
		return
	}
	var payload struct {
		Identities []service.IdentityInput `json:"identities"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		controller.WriteError(w, appErrors.NewValidation("body", "invalid request body: "+err.Error()))
		return
	}

	result, err := h.Service.SyncIdentities(r.Context(), id, payload.Identities)
	if err != nil {
		controller.WriteError(w, err)
		return
	}
	controller.WriteJSON(w, http.StatusOK, result)
}

func (h *IdentityHandler) ListIdentitiesHandler(w http.ResponseWriter, r *http.Request) {
	id, err := controller.IDParam(r, "id")
	if err != nil {
		controller.WriteError(w, err)
		return
	}
	identities, err := h.Service.ListIdentities(r.Context(), id)
	if err != nil {
		controller.WriteError(w, err)
		return
	}
	controller.WriteJSON(w, http.StatusOK, map[string]interface{}{"group_id": id, "data": identities})
}
