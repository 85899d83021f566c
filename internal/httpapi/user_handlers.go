package httpapi

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"perimeter.org/internal/authz"
)

type createUserRequest struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type updateUserRequest struct {
	Name     *string        `json:"name"`
	Metadata map[string]any `json:"metadata"`
}

func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	if !a.authorize(w, r, orgID, actionUserList, orgResource(orgID, "users")) {
		return
	}
	users, err := a.svc.ListUsers(r.Context(), orgID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (a *API) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	if !a.authorize(w, r, orgID, actionUserCreate, orgResource(orgID, "users")) {
		return
	}
	var req createUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	user, err := a.svc.CreateUser(r.Context(), authz.User{
		ID:             req.ID,
		OrganizationID: orgID,
		Name:           req.Name,
		Metadata:       req.Metadata,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.audit(r, "user.create", map[string]any{
		"organization_id": orgID,
		"user_id":         user.ID,
	})
	w.Header().Set("Location", fmt.Sprintf("/v1/organizations/%s/users/%s", orgID, user.ID))
	writeJSON(w, http.StatusCreated, user)
}

func (a *API) handleGetUser(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	userID := chi.URLParam(r, "userID")
	if !a.authorize(w, r, orgID, actionUserRead, orgResource(orgID, "users", userID)) {
		return
	}
	user, err := a.svc.GetUser(r.Context(), orgID, userID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *API) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	userID := chi.URLParam(r, "userID")
	if !a.authorize(w, r, orgID, actionUserUpdate, orgResource(orgID, "users", userID)) {
		return
	}
	var req updateUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	user, err := a.svc.UpdateUser(r.Context(), orgID, userID, authz.UserUpdate{
		Name:     req.Name,
		Metadata: req.Metadata,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.audit(r, "user.update", map[string]any{
		"organization_id": orgID,
		"user_id":         userID,
	})
	writeJSON(w, http.StatusOK, user)
}

func (a *API) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	userID := chi.URLParam(r, "userID")
	if !a.authorize(w, r, orgID, actionUserDelete, orgResource(orgID, "users", userID)) {
		return
	}
	if err := a.svc.DeleteUser(r.Context(), orgID, userID); err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.audit(r, "user.delete", map[string]any{
		"organization_id": orgID,
		"user_id":         userID,
	})
	w.WriteHeader(http.StatusNoContent)
}
