package httpapi

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"perimeter.org/internal/authz"
)

type updateOrganizationRequest struct {
	Name        *string        `json:"name"`
	Description *string        `json:"description"`
	Metadata    map[string]any `json:"metadata"`
}

func (a *API) handleListOrganizations(w http.ResponseWriter, r *http.Request) {
	sub := subject(r)
	if !a.authorize(w, r, sub.OrganizationID, actionOrgList, "/authorization/organization") {
		return
	}
	orgs, err := a.svc.ListOrganizations(r.Context())
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orgs)
}

func (a *API) handleCreateOrganization(w http.ResponseWriter, r *http.Request) {
	sub := subject(r)
	if !a.authorize(w, r, sub.OrganizationID, actionOrgCreate, "/authorization/organization") {
		return
	}
	var req authz.OrganizationCreate
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	created, err := a.svc.CreateOrganization(r.Context(), req)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.audit(r, "organization.create", map[string]any{
		"organization_id": created.Organization.ID,
		"name":            created.Organization.Name,
	})
	w.Header().Set("Location", fmt.Sprintf("/v1/organizations/%s", created.Organization.ID))
	writeJSON(w, http.StatusCreated, created)
}

func (a *API) handleGetOrganization(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	if !a.authorize(w, r, orgID, actionOrgRead, orgResource(orgID)) {
		return
	}
	org, err := a.svc.GetOrganization(r.Context(), orgID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, org)
}

func (a *API) handleUpdateOrganization(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	if !a.authorize(w, r, orgID, actionOrgUpdate, orgResource(orgID)) {
		return
	}
	var req updateOrganizationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	org, err := a.svc.UpdateOrganization(r.Context(), orgID, authz.OrganizationUpdate{
		Name:        req.Name,
		Description: req.Description,
		Metadata:    req.Metadata,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.audit(r, "organization.update", map[string]any{"organization_id": orgID})
	writeJSON(w, http.StatusOK, org)
}

func (a *API) handleDeleteOrganization(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	if !a.authorize(w, r, orgID, actionOrgDelete, orgResource(orgID)) {
		return
	}
	if err := a.svc.DeleteOrganization(r.Context(), orgID); err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.audit(r, "organization.delete", map[string]any{"organization_id": orgID})
	w.WriteHeader(http.StatusNoContent)
}
