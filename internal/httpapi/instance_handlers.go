package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"perimeter.org/internal/authz"
)

type attachPoliciesRequest struct {
	Policies []authz.PolicyRef `json:"policies"`
}

func entityRef(r *http.Request) (authz.EntityRef, error) {
	kind, err := authz.ParseEntityKind(chi.URLParam(r, "entity"))
	if err != nil {
		return authz.EntityRef{}, err
	}
	return authz.EntityRef{
		Kind:           kind,
		ID:             chi.URLParam(r, "entityID"),
		OrganizationID: chi.URLParam(r, "orgID"),
	}, nil
}

func (a *API) handleListEntityPolicies(w http.ResponseWriter, r *http.Request) {
	owner, err := entityRef(r)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if !a.authorize(w, r, owner.OrganizationID, actionPolicyRead,
		orgResource(owner.OrganizationID, string(owner.Kind), owner.ID, "policies")) {
		return
	}
	instances, err := a.svc.ListInstances(r.Context(), owner)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, instances)
}

func (a *API) handleAddEntityPolicies(w http.ResponseWriter, r *http.Request) {
	owner, err := entityRef(r)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if !a.authorize(w, r, owner.OrganizationID, actionPolicyAttach,
		orgResource(owner.OrganizationID, string(owner.Kind), owner.ID, "policies")) {
		return
	}
	var req attachPoliciesRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	instances, err := a.svc.AddPolicies(r.Context(), owner, req.Policies)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.audit(r, "policy.attach", map[string]any{
		"organization_id": owner.OrganizationID,
		"entity_type":     owner.Kind,
		"entity_id":       owner.ID,
		"count":           len(req.Policies),
	})
	writeJSON(w, http.StatusOK, instances)
}

func (a *API) handleReplaceEntityPolicies(w http.ResponseWriter, r *http.Request) {
	owner, err := entityRef(r)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if !a.authorize(w, r, owner.OrganizationID, actionPolicyAttach,
		orgResource(owner.OrganizationID, string(owner.Kind), owner.ID, "policies")) {
		return
	}
	var req attachPoliciesRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	instances, err := a.svc.ReplacePolicies(r.Context(), owner, req.Policies)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.audit(r, "policy.replace", map[string]any{
		"organization_id": owner.OrganizationID,
		"entity_type":     owner.Kind,
		"entity_id":       owner.ID,
		"count":           len(req.Policies),
	})
	writeJSON(w, http.StatusOK, instances)
}

func (a *API) handleDeleteEntityPolicies(w http.ResponseWriter, r *http.Request) {
	owner, err := entityRef(r)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if !a.authorize(w, r, owner.OrganizationID, actionPolicyDetach,
		orgResource(owner.OrganizationID, string(owner.Kind), owner.ID, "policies")) {
		return
	}
	if err := a.svc.DeletePolicies(r.Context(), owner); err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.audit(r, "policy.detach", map[string]any{
		"organization_id": owner.OrganizationID,
		"entity_type":     owner.Kind,
		"entity_id":       owner.ID,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleDeleteEntityPolicy(w http.ResponseWriter, r *http.Request) {
	owner, err := entityRef(r)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	policyID := chi.URLParam(r, "policyID")
	if !a.authorize(w, r, owner.OrganizationID, actionPolicyDetach,
		orgResource(owner.OrganizationID, string(owner.Kind), owner.ID, "policies", policyID)) {
		return
	}
	instanceID := r.URL.Query().Get("instance")
	if err := a.svc.DeletePolicyInstance(r.Context(), owner, policyID, instanceID); err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.audit(r, "policy.detach", map[string]any{
		"organization_id": owner.OrganizationID,
		"entity_type":     owner.Kind,
		"entity_id":       owner.ID,
		"policy_id":       policyID,
		"instance":        instanceID,
	})
	w.WriteHeader(http.StatusNoContent)
}
