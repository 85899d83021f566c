package httpapi

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"perimeter.org/internal/authz"
)

type createTeamRequest struct {
	ID          string         `json:"id,omitempty"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	ParentID    string         `json:"parentId,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type updateTeamRequest struct {
	Name        *string        `json:"name"`
	Description *string        `json:"description"`
	Metadata    map[string]any `json:"metadata"`
}

type moveTeamRequest struct {
	ParentID string `json:"parentId"`
}

type teamMembersRequest struct {
	Users []string `json:"users"`
}

func (a *API) handleListTeams(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	if !a.authorize(w, r, orgID, actionTeamList, orgResource(orgID, "teams")) {
		return
	}
	teams, err := a.svc.ListTeams(r.Context(), orgID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, teams)
}

func (a *API) handleCreateTeam(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	if !a.authorize(w, r, orgID, actionTeamCreate, orgResource(orgID, "teams")) {
		return
	}
	var req createTeamRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	team, err := a.svc.CreateTeam(r.Context(), authz.Team{
		ID:             req.ID,
		OrganizationID: orgID,
		Name:           req.Name,
		Description:    req.Description,
		ParentID:       req.ParentID,
		Metadata:       req.Metadata,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.audit(r, "team.create", map[string]any{
		"organization_id": orgID,
		"team_id":         team.ID,
	})
	w.Header().Set("Location", fmt.Sprintf("/v1/organizations/%s/teams/%s", orgID, team.ID))
	writeJSON(w, http.StatusCreated, team)
}

func (a *API) handleGetTeam(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	teamID := chi.URLParam(r, "teamID")
	if !a.authorize(w, r, orgID, actionTeamRead, orgResource(orgID, "teams", teamID)) {
		return
	}
	team, err := a.svc.GetTeam(r.Context(), orgID, teamID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, team)
}

func (a *API) handleUpdateTeam(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	teamID := chi.URLParam(r, "teamID")
	if !a.authorize(w, r, orgID, actionTeamUpdate, orgResource(orgID, "teams", teamID)) {
		return
	}
	var req updateTeamRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	team, err := a.svc.UpdateTeam(r.Context(), orgID, teamID, authz.TeamUpdate{
		Name:        req.Name,
		Description: req.Description,
		Metadata:    req.Metadata,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.audit(r, "team.update", map[string]any{
		"organization_id": orgID,
		"team_id":         teamID,
	})
	writeJSON(w, http.StatusOK, team)
}

func (a *API) handleDeleteTeam(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	teamID := chi.URLParam(r, "teamID")
	if !a.authorize(w, r, orgID, actionTeamDelete, orgResource(orgID, "teams", teamID)) {
		return
	}
	if err := a.svc.DeleteTeam(r.Context(), orgID, teamID); err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.audit(r, "team.delete", map[string]any{
		"organization_id": orgID,
		"team_id":         teamID,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleMoveTeam(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	teamID := chi.URLParam(r, "teamID")
	if !a.authorize(w, r, orgID, actionTeamUpdate, orgResource(orgID, "teams", teamID)) {
		return
	}
	var req moveTeamRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	team, err := a.svc.MoveTeam(r.Context(), orgID, teamID, req.ParentID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.audit(r, "team.move", map[string]any{
		"organization_id": orgID,
		"team_id":         teamID,
		"parent_id":       req.ParentID,
	})
	writeJSON(w, http.StatusOK, team)
}

func (a *API) handleUnnestTeam(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	teamID := chi.URLParam(r, "teamID")
	if !a.authorize(w, r, orgID, actionTeamUpdate, orgResource(orgID, "teams", teamID)) {
		return
	}
	team, err := a.svc.MoveTeam(r.Context(), orgID, teamID, "")
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.audit(r, "team.move", map[string]any{
		"organization_id": orgID,
		"team_id":         teamID,
		"parent_id":       "",
	})
	writeJSON(w, http.StatusOK, team)
}

func (a *API) handleTeamMembers(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	teamID := chi.URLParam(r, "teamID")
	if !a.authorize(w, r, orgID, actionTeamRead, orgResource(orgID, "teams", teamID)) {
		return
	}
	users, err := a.svc.TeamMembers(r.Context(), orgID, teamID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (a *API) handleAddTeamMembers(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	teamID := chi.URLParam(r, "teamID")
	if !a.authorize(w, r, orgID, actionTeamUpdate, orgResource(orgID, "teams", teamID)) {
		return
	}
	var req teamMembersRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	team, err := a.svc.AddTeamMembers(r.Context(), orgID, teamID, req.Users)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.audit(r, "team.members.add", map[string]any{
		"organization_id": orgID,
		"team_id":         teamID,
		"count":           len(req.Users),
	})
	writeJSON(w, http.StatusOK, team)
}

func (a *API) handleReplaceTeamMembers(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	teamID := chi.URLParam(r, "teamID")
	if !a.authorize(w, r, orgID, actionTeamUpdate, orgResource(orgID, "teams", teamID)) {
		return
	}
	var req teamMembersRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	team, err := a.svc.ReplaceTeamMembers(r.Context(), orgID, teamID, req.Users)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.audit(r, "team.members.replace", map[string]any{
		"organization_id": orgID,
		"team_id":         teamID,
		"count":           len(req.Users),
	})
	writeJSON(w, http.StatusOK, team)
}

func (a *API) handleRemoveTeamMember(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	teamID := chi.URLParam(r, "teamID")
	userID := chi.URLParam(r, "userID")
	if !a.authorize(w, r, orgID, actionTeamUpdate, orgResource(orgID, "teams", teamID)) {
		return
	}
	if err := a.svc.RemoveTeamMember(r.Context(), orgID, teamID, userID); err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.audit(r, "team.members.remove", map[string]any{
		"organization_id": orgID,
		"team_id":         teamID,
		"user_id":         userID,
	})
	w.WriteHeader(http.StatusNoContent)
}
