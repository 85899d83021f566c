package httpapi

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"perimeter.org/internal/authz"
)

type createPolicyRequest struct {
	ID         string            `json:"id,omitempty"`
	Name       string            `json:"name"`
	Version    string            `json:"version,omitempty"`
	Statements []authz.Statement `json:"statements"`
}

type updatePolicyRequest struct {
	Name       *string           `json:"name"`
	Version    *string           `json:"version"`
	Statements []authz.Statement `json:"statements"`
}

func (a *API) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	if !a.authorize(w, r, orgID, actionPolicyList, orgResource(orgID, "policies")) {
		return
	}
	policies, err := a.svc.ListPolicies(r.Context(), orgID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, policies)
}

func (a *API) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	if !a.authorize(w, r, orgID, actionPolicyCreate, orgResource(orgID, "policies")) {
		return
	}
	var req createPolicyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	policy, err := a.svc.CreatePolicy(r.Context(), authz.Policy{
		ID:             req.ID,
		OrganizationID: orgID,
		Name:           req.Name,
		Version:        req.Version,
		Statements:     req.Statements,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.audit(r, "policy.create", map[string]any{
		"organization_id": orgID,
		"policy_id":       policy.ID,
	})
	w.Header().Set("Location", fmt.Sprintf("/v1/organizations/%s/policies/%s", orgID, policy.ID))
	writeJSON(w, http.StatusCreated, policy)
}

func (a *API) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	policyID := chi.URLParam(r, "policyID")
	if !a.authorize(w, r, orgID, actionPolicyRead, orgResource(orgID, "policies", policyID)) {
		return
	}
	policy, err := a.svc.GetPolicy(r.Context(), orgID, policyID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, policy)
}

func (a *API) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	policyID := chi.URLParam(r, "policyID")
	if !a.authorize(w, r, orgID, actionPolicyUpdate, orgResource(orgID, "policies", policyID)) {
		return
	}
	var req updatePolicyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	policy, err := a.svc.UpdatePolicy(r.Context(), orgID, policyID, authz.PolicyUpdate{
		Name:       req.Name,
		Version:    req.Version,
		Statements: req.Statements,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.audit(r, "policy.update", map[string]any{
		"organization_id": orgID,
		"policy_id":       policyID,
	})
	writeJSON(w, http.StatusOK, policy)
}

func (a *API) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	policyID := chi.URLParam(r, "policyID")
	if !a.authorize(w, r, orgID, actionPolicyDelete, orgResource(orgID, "policies", policyID)) {
		return
	}
	if err := a.svc.DeletePolicy(r.Context(), orgID, policyID); err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.audit(r, "policy.delete", map[string]any{
		"organization_id": orgID,
		"policy_id":       policyID,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handlePolicyVariables(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	policyID := chi.URLParam(r, "policyID")
	if !a.authorize(w, r, orgID, actionPolicyRead, orgResource(orgID, "policies", policyID)) {
		return
	}
	vars, err := a.svc.PolicyVariables(r.Context(), orgID, policyID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"variables": vars})
}

func (a *API) handlePolicyInstances(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	policyID := chi.URLParam(r, "policyID")
	if !a.authorize(w, r, orgID, actionPolicyRead, orgResource(orgID, "policies", policyID)) {
		return
	}
	attachments, err := a.svc.PolicyAttachments(r.Context(), orgID, policyID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, attachments)
}

// Shared policies live outside any organization; managing them is
// checked against the caller's own organization context.

func (a *API) handleListSharedPolicies(w http.ResponseWriter, r *http.Request) {
	sub := subject(r)
	if !a.authorize(w, r, sub.OrganizationID, actionPolicyList, "/authorization/policies") {
		return
	}
	policies, err := a.svc.ListSharedPolicies(r.Context())
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, policies)
}

func (a *API) handleCreateSharedPolicy(w http.ResponseWriter, r *http.Request) {
	sub := subject(r)
	if !a.authorize(w, r, sub.OrganizationID, actionPolicyCreate, "/authorization/policies") {
		return
	}
	var req createPolicyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	policy, err := a.svc.CreatePolicy(r.Context(), authz.Policy{
		ID:         req.ID,
		Name:       req.Name,
		Version:    req.Version,
		Statements: req.Statements,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.audit(r, "policy.shared.create", map[string]any{"policy_id": policy.ID})
	w.Header().Set("Location", fmt.Sprintf("/v1/shared-policies/%s", policy.ID))
	writeJSON(w, http.StatusCreated, policy)
}

func (a *API) handleGetSharedPolicy(w http.ResponseWriter, r *http.Request) {
	sub := subject(r)
	policyID := chi.URLParam(r, "policyID")
	if !a.authorize(w, r, sub.OrganizationID, actionPolicyRead, "/authorization/policies/"+policyID) {
		return
	}
	policy, err := a.svc.GetPolicy(r.Context(), "", policyID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, policy)
}

func (a *API) handleUpdateSharedPolicy(w http.ResponseWriter, r *http.Request) {
	sub := subject(r)
	policyID := chi.URLParam(r, "policyID")
	if !a.authorize(w, r, sub.OrganizationID, actionPolicyUpdate, "/authorization/policies/"+policyID) {
		return
	}
	var req updatePolicyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	policy, err := a.svc.UpdatePolicy(r.Context(), "", policyID, authz.PolicyUpdate{
		Name:       req.Name,
		Version:    req.Version,
		Statements: req.Statements,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.audit(r, "policy.shared.update", map[string]any{"policy_id": policyID})
	writeJSON(w, http.StatusOK, policy)
}

func (a *API) handleDeleteSharedPolicy(w http.ResponseWriter, r *http.Request) {
	sub := subject(r)
	policyID := chi.URLParam(r, "policyID")
	if !a.authorize(w, r, sub.OrganizationID, actionPolicyDelete, "/authorization/policies/"+policyID) {
		return
	}
	if err := a.svc.DeletePolicy(r.Context(), "", policyID); err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.audit(r, "policy.shared.delete", map[string]any{"policy_id": policyID})
	w.WriteHeader(http.StatusNoContent)
}
