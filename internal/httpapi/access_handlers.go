package httpapi

import (
	"net/http"
	"time"

	"perimeter.org/internal/authz"
	"perimeter.org/internal/obs"
)

type accessRequest struct {
	UserID    string            `json:"userId"`
	Action    string            `json:"action"`
	Resource  string            `json:"resource"`
	Variables map[string]string `json:"variables,omitempty"`
}

type actionsRequest struct {
	UserID    string            `json:"userId"`
	Resource  string            `json:"resource,omitempty"`
	Resources []string          `json:"resources,omitempty"`
	Variables map[string]string `json:"variables,omitempty"`
}

func (a *API) handleAccess(w http.ResponseWriter, r *http.Request) {
	sub := subject(r)
	var req accessRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	start := time.Now()
	allowed, err := a.engine.IsAuthorized(r.Context(), authz.Check{
		UserID:         req.UserID,
		Action:         req.Action,
		Resource:       req.Resource,
		OrganizationID: sub.OrganizationID,
		Variables:      req.Variables,
	})
	obs.ObserveDecisionDuration(time.Since(start).Seconds())
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.audit(r, "authorization.access", map[string]any{
		"user_id":  req.UserID,
		"action":   req.Action,
		"resource": req.Resource,
		"access":   allowed,
	})
	writeJSON(w, http.StatusOK, map[string]any{"access": allowed})
}

func (a *API) handleActions(w http.ResponseWriter, r *http.Request) {
	sub := subject(r)
	var req actionsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	single := len(req.Resources) == 0
	resources := req.Resources
	if single {
		resources = []string{req.Resource}
	}
	result, err := a.engine.ListActions(r.Context(), authz.ActionsQuery{
		UserID:         req.UserID,
		OrganizationID: sub.OrganizationID,
		Resources:      resources,
		Variables:      req.Variables,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if single {
		writeJSON(w, http.StatusOK, map[string]any{"actions": result[0].Actions})
		return
	}
	writeJSON(w, http.StatusOK, result)
}
