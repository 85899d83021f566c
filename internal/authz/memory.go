package authz

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// InMemory implements Store and DecisionStore with in-process maps.
// It backs tests and lets the service run without Postgres for local
// development; cascade semantics match the SQL store.
type InMemory struct {
	mu        sync.RWMutex
	orgs      map[string]Organization
	teams     map[string]Team            // team id -> team
	members   map[string]map[string]bool // team id -> user ids
	users     map[string]User            // user id -> user
	policies  map[string]Policy
	instances []instanceRow
	seq       uint64
}

type instanceRow struct {
	owner EntityRef
	inst  PolicyInstance
	seq   uint64
}

var (
	_ Store         = (*InMemory)(nil)
	_ DecisionStore = (*InMemory)(nil)
)

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{
		orgs:     make(map[string]Organization),
		teams:    make(map[string]Team),
		members:  make(map[string]map[string]bool),
		users:    make(map[string]User),
		policies: make(map[string]Policy),
	}
}

func (s *InMemory) CreateOrganization(ctx context.Context, org Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orgs[org.ID]; ok {
		return fmt.Errorf("%w: organization %q already exists", ErrConflict, org.ID)
	}
	now := time.Now().UTC()
	org.CreatedAt, org.UpdatedAt = now, now
	s.orgs[org.ID] = org
	return nil
}

func (s *InMemory) GetOrganization(ctx context.Context, id string) (Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	org, ok := s.orgs[id]
	if !ok {
		return Organization{}, fmt.Errorf("%w: organization %q", ErrNotFound, id)
	}
	return org, nil
}

func (s *InMemory) UpdateOrganization(ctx context.Context, id string, upd OrganizationUpdate) (Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	org, ok := s.orgs[id]
	if !ok {
		return Organization{}, fmt.Errorf("%w: organization %q", ErrNotFound, id)
	}
	if upd.Name != nil {
		org.Name = *upd.Name
	}
	if upd.Description != nil {
		org.Description = *upd.Description
	}
	if upd.Metadata != nil {
		org.Metadata = upd.Metadata
	}
	org.UpdatedAt = time.Now().UTC()
	s.orgs[id] = org
	return org, nil
}

func (s *InMemory) DeleteOrganization(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orgs[id]; !ok {
		return fmt.Errorf("%w: organization %q", ErrNotFound, id)
	}
	delete(s.orgs, id)
	for teamID, team := range s.teams {
		if team.OrganizationID == id {
			delete(s.teams, teamID)
			delete(s.members, teamID)
			s.dropInstancesLocked(EntityTeam, teamID)
		}
	}
	for userID, user := range s.users {
		if user.OrganizationID == id {
			delete(s.users, userID)
			s.dropInstancesLocked(EntityUser, userID)
		}
	}
	for policyID, p := range s.policies {
		if p.OrganizationID == id {
			delete(s.policies, policyID)
			s.dropPolicyInstancesLocked(policyID)
		}
	}
	s.dropInstancesLocked(EntityOrganization, id)
	return nil
}

func (s *InMemory) ListOrganizations(ctx context.Context) ([]Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Organization, 0, len(s.orgs))
	for _, org := range s.orgs {
		out = append(out, org)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemory) CreateTeam(ctx context.Context, team Team) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orgs[team.OrganizationID]; !ok {
		return fmt.Errorf("%w: organization %q", ErrNotFound, team.OrganizationID)
	}
	if _, ok := s.teams[team.ID]; ok {
		return fmt.Errorf("%w: team %q already exists", ErrConflict, team.ID)
	}
	team.Path = team.ID
	if team.ParentID != "" {
		parent, ok := s.teams[team.ParentID]
		if !ok || parent.OrganizationID != team.OrganizationID {
			return fmt.Errorf("%w: parent team %q", ErrNotFound, team.ParentID)
		}
		team.Path = parent.Path + "." + team.ID
	}
	now := time.Now().UTC()
	team.CreatedAt, team.UpdatedAt = now, now
	team.Users = nil
	s.teams[team.ID] = team
	s.members[team.ID] = make(map[string]bool)
	return nil
}

func (s *InMemory) getTeamLocked(orgID, id string) (Team, error) {
	team, ok := s.teams[id]
	if !ok || team.OrganizationID != orgID {
		return Team{}, fmt.Errorf("%w: team %q in organization %q", ErrNotFound, id, orgID)
	}
	return team, nil
}

func (s *InMemory) GetTeam(ctx context.Context, orgID, id string) (Team, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	team, err := s.getTeamLocked(orgID, id)
	if err != nil {
		return Team{}, err
	}
	team.Users = sortedKeys(s.members[id])
	return team, nil
}

func (s *InMemory) UpdateTeam(ctx context.Context, orgID, id string, upd TeamUpdate) (Team, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	team, err := s.getTeamLocked(orgID, id)
	if err != nil {
		return Team{}, err
	}
	if upd.Name != nil {
		team.Name = *upd.Name
	}
	if upd.Description != nil {
		team.Description = *upd.Description
	}
	if upd.Metadata != nil {
		team.Metadata = upd.Metadata
	}
	team.UpdatedAt = time.Now().UTC()
	s.teams[id] = team
	return team, nil
}

// DeleteTeam removes the team and its whole subtree.
func (s *InMemory) DeleteTeam(ctx context.Context, orgID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	team, err := s.getTeamLocked(orgID, id)
	if err != nil {
		return err
	}
	prefix := team.Path + "."
	for teamID, t := range s.teams {
		if t.OrganizationID != orgID {
			continue
		}
		if t.ID == id || strings.HasPrefix(t.Path, prefix) {
			delete(s.teams, teamID)
			delete(s.members, teamID)
			s.dropInstancesLocked(EntityTeam, teamID)
		}
	}
	return nil
}

func (s *InMemory) ListTeams(ctx context.Context, orgID string) ([]Team, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.orgs[orgID]; !ok {
		return nil, fmt.Errorf("%w: organization %q", ErrNotFound, orgID)
	}
	var out []Team
	for _, team := range s.teams {
		if team.OrganizationID == orgID {
			team.Users = sortedKeys(s.members[team.ID])
			out = append(out, team)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (s *InMemory) MoveTeam(ctx context.Context, orgID, id, parentID string) (Team, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	team, err := s.getTeamLocked(orgID, id)
	if err != nil {
		return Team{}, err
	}
	newPath := team.ID
	if parentID != "" {
		parent, err := s.getTeamLocked(orgID, parentID)
		if err != nil {
			return Team{}, err
		}
		if parent.Path == team.Path || strings.HasPrefix(parent.Path, team.Path+".") {
			return Team{}, fmt.Errorf("%w: cannot move team %q under its own subtree", ErrValidation, id)
		}
		newPath = parent.Path + "." + team.ID
	}
	oldPrefix := team.Path + "."
	for teamID, t := range s.teams {
		if t.OrganizationID != orgID {
			continue
		}
		switch {
		case t.ID == id:
			t.ParentID = parentID
			t.Path = newPath
		case strings.HasPrefix(t.Path, oldPrefix):
			t.Path = newPath + "." + strings.TrimPrefix(t.Path, oldPrefix)
		default:
			continue
		}
		t.UpdatedAt = time.Now().UTC()
		s.teams[teamID] = t
	}
	return s.getTeamLocked(orgID, id)
}

func (s *InMemory) AddTeamMembers(ctx context.Context, orgID, teamID string, userIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addMembersLocked(orgID, teamID, userIDs)
}

func (s *InMemory) addMembersLocked(orgID, teamID string, userIDs []string) error {
	if _, err := s.getTeamLocked(orgID, teamID); err != nil {
		return err
	}
	for _, userID := range userIDs {
		user, ok := s.users[userID]
		if !ok || user.OrganizationID != orgID {
			return fmt.Errorf("%w: user %q in organization %q", ErrNotFound, userID, orgID)
		}
	}
	for _, userID := range userIDs {
		s.members[teamID][userID] = true
	}
	return nil
}

func (s *InMemory) ReplaceTeamMembers(ctx context.Context, orgID, teamID string, userIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.getTeamLocked(orgID, teamID); err != nil {
		return err
	}
	s.members[teamID] = make(map[string]bool)
	return s.addMembersLocked(orgID, teamID, userIDs)
}

func (s *InMemory) RemoveTeamMember(ctx context.Context, orgID, teamID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.getTeamLocked(orgID, teamID); err != nil {
		return err
	}
	delete(s.members[teamID], userID)
	return nil
}

func (s *InMemory) TeamMembers(ctx context.Context, orgID, teamID string) ([]User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, err := s.getTeamLocked(orgID, teamID); err != nil {
		return nil, err
	}
	var out []User
	for userID := range s.members[teamID] {
		if user, ok := s.users[userID]; ok {
			user.Teams = s.userTeamIDsLocked(userID)
			out = append(out, user)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemory) CreateUser(ctx context.Context, user User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orgs[user.OrganizationID]; !ok {
		return fmt.Errorf("%w: organization %q", ErrNotFound, user.OrganizationID)
	}
	if _, ok := s.users[user.ID]; ok {
		return fmt.Errorf("%w: user %q already exists", ErrConflict, user.ID)
	}
	now := time.Now().UTC()
	user.CreatedAt, user.UpdatedAt = now, now
	user.Teams = nil
	s.users[user.ID] = user
	return nil
}

func (s *InMemory) userTeamIDsLocked(userID string) []string {
	var ids []string
	for teamID, members := range s.members {
		if members[userID] {
			ids = append(ids, teamID)
		}
	}
	sort.Strings(ids)
	return ids
}

func (s *InMemory) GetUser(ctx context.Context, orgID, id string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[id]
	if !ok || user.OrganizationID != orgID {
		return User{}, fmt.Errorf("%w: user %q in organization %q", ErrNotFound, id, orgID)
	}
	user.Teams = s.userTeamIDsLocked(id)
	return user, nil
}

func (s *InMemory) GetUserByID(ctx context.Context, id string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[id]
	if !ok {
		return User{}, fmt.Errorf("%w: user %q", ErrNotFound, id)
	}
	user.Teams = s.userTeamIDsLocked(id)
	return user, nil
}

func (s *InMemory) UpdateUser(ctx context.Context, orgID, id string, upd UserUpdate) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[id]
	if !ok || user.OrganizationID != orgID {
		return User{}, fmt.Errorf("%w: user %q in organization %q", ErrNotFound, id, orgID)
	}
	if upd.Name != nil {
		user.Name = *upd.Name
	}
	if upd.Metadata != nil {
		user.Metadata = upd.Metadata
	}
	user.UpdatedAt = time.Now().UTC()
	s.users[id] = user
	user.Teams = s.userTeamIDsLocked(id)
	return user, nil
}

func (s *InMemory) DeleteUser(ctx context.Context, orgID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[id]
	if !ok || user.OrganizationID != orgID {
		return fmt.Errorf("%w: user %q in organization %q", ErrNotFound, id, orgID)
	}
	delete(s.users, id)
	for _, members := range s.members {
		delete(members, id)
	}
	s.dropInstancesLocked(EntityUser, id)
	return nil
}

func (s *InMemory) ListUsers(ctx context.Context, orgID string) ([]User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.orgs[orgID]; !ok {
		return nil, fmt.Errorf("%w: organization %q", ErrNotFound, orgID)
	}
	var out []User
	for _, user := range s.users {
		if user.OrganizationID == orgID {
			user.Teams = s.userTeamIDsLocked(user.ID)
			out = append(out, user)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemory) UserTeams(ctx context.Context, orgID, userID string) ([]Team, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[userID]
	if !ok || user.OrganizationID != orgID {
		return nil, fmt.Errorf("%w: user %q in organization %q", ErrNotFound, userID, orgID)
	}
	var out []Team
	for teamID, members := range s.members {
		if members[userID] {
			out = append(out, s.teams[teamID])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (s *InMemory) CreatePolicy(ctx context.Context, p Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.OrganizationID != "" {
		if _, ok := s.orgs[p.OrganizationID]; !ok {
			return fmt.Errorf("%w: organization %q", ErrNotFound, p.OrganizationID)
		}
	}
	if _, ok := s.policies[p.ID]; ok {
		return fmt.Errorf("%w: policy %q already exists", ErrConflict, p.ID)
	}
	s.policies[p.ID] = p
	return nil
}

func (s *InMemory) GetPolicy(ctx context.Context, orgID, id string) (Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[id]
	if !ok || p.OrganizationID != orgID {
		return Policy{}, fmt.Errorf("%w: policy %q in organization %q", ErrNotFound, id, orgID)
	}
	return p, nil
}

func (s *InMemory) UpdatePolicy(ctx context.Context, orgID, id string, upd PolicyUpdate) (Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.policies[id]
	if !ok || p.OrganizationID != orgID {
		return Policy{}, fmt.Errorf("%w: policy %q in organization %q", ErrNotFound, id, orgID)
	}
	if upd.Name != nil {
		p.Name = *upd.Name
	}
	if upd.Version != nil {
		p.Version = *upd.Version
	}
	if upd.Statements != nil {
		p.Statements = upd.Statements
	}
	s.policies[id] = p
	return p, nil
}

func (s *InMemory) DeletePolicy(ctx context.Context, orgID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.policies[id]
	if !ok || p.OrganizationID != orgID {
		return fmt.Errorf("%w: policy %q in organization %q", ErrNotFound, id, orgID)
	}
	delete(s.policies, id)
	s.dropPolicyInstancesLocked(id)
	return nil
}

func (s *InMemory) ListPolicies(ctx context.Context, orgID string) ([]Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.orgs[orgID]; !ok {
		return nil, fmt.Errorf("%w: organization %q", ErrNotFound, orgID)
	}
	return s.listPoliciesLocked(orgID), nil
}

func (s *InMemory) ListSharedPolicies(ctx context.Context) ([]Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listPoliciesLocked(""), nil
}

func (s *InMemory) listPoliciesLocked(orgID string) []Policy {
	var out []Policy
	for _, p := range s.policies {
		if p.OrganizationID == orgID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *InMemory) AddInstances(ctx context.Context, owner EntityRef, instances []PolicyInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inst := range instances {
		s.seq++
		s.instances = append(s.instances, instanceRow{owner: canonicalOwner(owner), inst: inst, seq: s.seq})
	}
	return nil
}

func (s *InMemory) ReplaceInstances(ctx context.Context, owner EntityRef, instances []PolicyInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropInstancesLocked(owner.Kind, owner.ID)
	for _, inst := range instances {
		s.seq++
		s.instances = append(s.instances, instanceRow{owner: canonicalOwner(owner), inst: inst, seq: s.seq})
	}
	return nil
}

func (s *InMemory) DeleteInstances(ctx context.Context, owner EntityRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropInstancesLocked(owner.Kind, owner.ID)
	return nil
}

func (s *InMemory) DeleteInstance(ctx context.Context, owner EntityRef, policyID, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.instances[:0]
	for _, row := range s.instances {
		match := row.owner.Kind == owner.Kind && row.owner.ID == owner.ID &&
			row.inst.PolicyID == policyID &&
			(instanceID == "" || row.inst.Instance == instanceID)
		if !match {
			kept = append(kept, row)
		}
	}
	s.instances = kept
	return nil
}

func (s *InMemory) ListInstances(ctx context.Context, owner EntityRef) ([]PolicyInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []PolicyInstance
	for _, row := range s.instances {
		if row.owner.Kind == owner.Kind && row.owner.ID == owner.ID {
			out = append(out, row.inst)
		}
	}
	return out, nil
}

func (s *InMemory) PolicyAttachments(ctx context.Context, policyID string) ([]Attachment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Attachment
	for _, kind := range []EntityKind{EntityOrganization, EntityTeam, EntityUser} {
		for _, row := range s.instances {
			if row.owner.Kind == kind && row.inst.PolicyID == policyID {
				out = append(out, Attachment{
					EntityKind: row.owner.Kind,
					EntityID:   row.owner.ID,
					Instance:   row.inst.Instance,
					Variables:  row.inst.Variables,
				})
			}
		}
	}
	return out, nil
}

func (s *InMemory) EntityInstances(ctx context.Context, owner EntityRef) ([]AppliedPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []AppliedPolicy
	for _, row := range s.instances {
		if row.owner.Kind != owner.Kind || row.owner.ID != owner.ID {
			continue
		}
		p, ok := s.policies[row.inst.PolicyID]
		if !ok {
			continue
		}
		out = append(out, AppliedPolicy{
			PolicyID:   p.ID,
			Name:       p.Name,
			Version:    p.Version,
			Instance:   row.inst.Instance,
			Variables:  row.inst.Variables,
			Statements: p.Statements,
		})
	}
	return out, nil
}

func (s *InMemory) dropInstancesLocked(kind EntityKind, id string) {
	kept := s.instances[:0]
	for _, row := range s.instances {
		if row.owner.Kind != kind || row.owner.ID != id {
			kept = append(kept, row)
		}
	}
	s.instances = kept
}

func (s *InMemory) dropPolicyInstancesLocked(policyID string) {
	kept := s.instances[:0]
	for _, row := range s.instances {
		if row.inst.PolicyID != policyID {
			kept = append(kept, row)
		}
	}
	s.instances = kept
}

func canonicalOwner(owner EntityRef) EntityRef {
	return EntityRef{Kind: owner.Kind, ID: owner.ID, OrganizationID: owner.OrganizationID}
}

func sortedKeys(set map[string]bool) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
