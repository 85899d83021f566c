package authz

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"perimeter.org/internal/ids"
)

// DefaultPolicyVersion is stamped on policies created without one.
const DefaultPolicyVersion = "0.1"

// Service validates directory and policy mutations before handing them
// to the store. Entity ids are minted here when the caller does not
// supply one.
type Service struct {
	store Store
}

// NewService builds the management service over the given store.
func NewService(store Store) (*Service, error) {
	if store == nil {
		return nil, errors.New("authz store is required")
	}
	return &Service{store: store}, nil
}

// BootstrapUser optionally seeds a newly created organization with an
// administrator.
type BootstrapUser struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
}

// OrganizationCreate is the create payload for an organization.
type OrganizationCreate struct {
	ID          string         `json:"id,omitempty"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	User        *BootstrapUser `json:"user,omitempty"`
}

// OrganizationCreated reports the new organization together with the
// default admin policy and, when requested, the bootstrap user it was
// attached to.
type OrganizationCreated struct {
	Organization Organization `json:"organization"`
	Policy       Policy       `json:"policy"`
	User         *User        `json:"user,omitempty"`
}

// CreateOrganization creates the organization, installs its default
// admin policy, and optionally creates an admin user holding an
// instance of that policy.
func (s *Service) CreateOrganization(ctx context.Context, in OrganizationCreate) (OrganizationCreated, error) {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return OrganizationCreated{}, fmt.Errorf("%w: organization name is required", ErrValidation)
	}
	in.ID = strings.TrimSpace(in.ID)
	if in.ID == "" {
		in.ID = ids.New()
	}
	org := Organization{
		ID:          in.ID,
		Name:        in.Name,
		Description: strings.TrimSpace(in.Description),
		Metadata:    in.Metadata,
	}
	if err := s.store.CreateOrganization(ctx, org); err != nil {
		return OrganizationCreated{}, err
	}
	created, err := s.store.GetOrganization(ctx, org.ID)
	if err != nil {
		return OrganizationCreated{}, err
	}

	policy := defaultAdminPolicy(org.ID)
	if err := s.store.CreatePolicy(ctx, policy); err != nil {
		return OrganizationCreated{}, err
	}

	out := OrganizationCreated{Organization: created, Policy: policy}
	if in.User != nil {
		admin, err := s.CreateUser(ctx, User{
			ID:             in.User.ID,
			OrganizationID: org.ID,
			Name:           in.User.Name,
		})
		if err != nil {
			return OrganizationCreated{}, err
		}
		owner := EntityRef{Kind: EntityUser, ID: admin.ID, OrganizationID: org.ID}
		if _, err := s.AddPolicies(ctx, owner, []PolicyRef{{ID: policy.ID}}); err != nil {
			return OrganizationCreated{}, err
		}
		out.User = &admin
	}
	return out, nil
}

// defaultAdminPolicy grants full access to the organization's own
// management surface.
func defaultAdminPolicy(orgID string) Policy {
	return Policy{
		ID:             ids.New(),
		OrganizationID: orgID,
		Name:           "admin",
		Version:        DefaultPolicyVersion,
		Statements: []Statement{{
			Effect: EffectAllow,
			Action: []string{"authorization:*"},
			Resource: []string{
				"/authorization/organization/" + orgID,
				"/authorization/organization/" + orgID + "/*",
			},
		}},
	}
}

func (s *Service) GetOrganization(ctx context.Context, id string) (Organization, error) {
	if strings.TrimSpace(id) == "" {
		return Organization{}, fmt.Errorf("%w: organization id is required", ErrValidation)
	}
	return s.store.GetOrganization(ctx, id)
}

func (s *Service) ListOrganizations(ctx context.Context) ([]Organization, error) {
	return s.store.ListOrganizations(ctx)
}

func (s *Service) UpdateOrganization(ctx context.Context, id string, upd OrganizationUpdate) (Organization, error) {
	if strings.TrimSpace(id) == "" {
		return Organization{}, fmt.Errorf("%w: organization id is required", ErrValidation)
	}
	if upd.Name != nil && strings.TrimSpace(*upd.Name) == "" {
		return Organization{}, fmt.Errorf("%w: organization name cannot be empty", ErrValidation)
	}
	return s.store.UpdateOrganization(ctx, id, upd)
}

// DeleteOrganization removes the organization with its teams, users,
// policies, and every instance any of them owned.
func (s *Service) DeleteOrganization(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: organization id is required", ErrValidation)
	}
	return s.store.DeleteOrganization(ctx, id)
}

// CreateTeam creates a team, nested under ParentID when set. The path
// is derived from the parent chain by the store.
func (s *Service) CreateTeam(ctx context.Context, team Team) (Team, error) {
	team.Name = strings.TrimSpace(team.Name)
	team.OrganizationID = strings.TrimSpace(team.OrganizationID)
	team.ParentID = strings.TrimSpace(team.ParentID)
	switch {
	case team.OrganizationID == "":
		return Team{}, fmt.Errorf("%w: organization id is required", ErrValidation)
	case team.Name == "":
		return Team{}, fmt.Errorf("%w: team name is required", ErrValidation)
	}
	if team.ID = strings.TrimSpace(team.ID); team.ID == "" {
		team.ID = ids.New()
	}
	if strings.ContainsRune(team.ID, '.') {
		return Team{}, fmt.Errorf("%w: team id cannot contain %q", ErrValidation, ".")
	}
	if err := s.store.CreateTeam(ctx, team); err != nil {
		return Team{}, err
	}
	return s.store.GetTeam(ctx, team.OrganizationID, team.ID)
}

func (s *Service) GetTeam(ctx context.Context, orgID, id string) (Team, error) {
	if err := requireIDs(map[string]string{"organization id": orgID, "team id": id}); err != nil {
		return Team{}, err
	}
	return s.store.GetTeam(ctx, orgID, id)
}

func (s *Service) ListTeams(ctx context.Context, orgID string) ([]Team, error) {
	if strings.TrimSpace(orgID) == "" {
		return nil, fmt.Errorf("%w: organization id is required", ErrValidation)
	}
	return s.store.ListTeams(ctx, orgID)
}

func (s *Service) UpdateTeam(ctx context.Context, orgID, id string, upd TeamUpdate) (Team, error) {
	if err := requireIDs(map[string]string{"organization id": orgID, "team id": id}); err != nil {
		return Team{}, err
	}
	if upd.Name != nil && strings.TrimSpace(*upd.Name) == "" {
		return Team{}, fmt.Errorf("%w: team name cannot be empty", ErrValidation)
	}
	return s.store.UpdateTeam(ctx, orgID, id, upd)
}

// DeleteTeam removes the team and every descendant team, including
// their memberships and policy instances.
func (s *Service) DeleteTeam(ctx context.Context, orgID, id string) error {
	if err := requireIDs(map[string]string{"organization id": orgID, "team id": id}); err != nil {
		return err
	}
	return s.store.DeleteTeam(ctx, orgID, id)
}

// MoveTeam re-parents the team under parentID, or promotes it to a
// root team when parentID is empty. Moving a team under itself or one
// of its descendants is rejected.
func (s *Service) MoveTeam(ctx context.Context, orgID, id, parentID string) (Team, error) {
	if err := requireIDs(map[string]string{"organization id": orgID, "team id": id}); err != nil {
		return Team{}, err
	}
	parentID = strings.TrimSpace(parentID)
	if parentID == id {
		return Team{}, fmt.Errorf("%w: team cannot be its own parent", ErrValidation)
	}
	return s.store.MoveTeam(ctx, orgID, id, parentID)
}

func (s *Service) AddTeamMembers(ctx context.Context, orgID, teamID string, userIDs []string) (Team, error) {
	if err := requireIDs(map[string]string{"organization id": orgID, "team id": teamID}); err != nil {
		return Team{}, err
	}
	cleaned, err := cleanIDList(userIDs, "user id")
	if err != nil {
		return Team{}, err
	}
	if err := s.store.AddTeamMembers(ctx, orgID, teamID, cleaned); err != nil {
		return Team{}, err
	}
	return s.store.GetTeam(ctx, orgID, teamID)
}

func (s *Service) ReplaceTeamMembers(ctx context.Context, orgID, teamID string, userIDs []string) (Team, error) {
	if err := requireIDs(map[string]string{"organization id": orgID, "team id": teamID}); err != nil {
		return Team{}, err
	}
	cleaned, err := cleanIDList(userIDs, "user id")
	if err != nil {
		return Team{}, err
	}
	if err := s.store.ReplaceTeamMembers(ctx, orgID, teamID, cleaned); err != nil {
		return Team{}, err
	}
	return s.store.GetTeam(ctx, orgID, teamID)
}

func (s *Service) RemoveTeamMember(ctx context.Context, orgID, teamID, userID string) error {
	if err := requireIDs(map[string]string{"organization id": orgID, "team id": teamID, "user id": userID}); err != nil {
		return err
	}
	return s.store.RemoveTeamMember(ctx, orgID, teamID, userID)
}

func (s *Service) TeamMembers(ctx context.Context, orgID, teamID string) ([]User, error) {
	if err := requireIDs(map[string]string{"organization id": orgID, "team id": teamID}); err != nil {
		return nil, err
	}
	return s.store.TeamMembers(ctx, orgID, teamID)
}

func (s *Service) CreateUser(ctx context.Context, user User) (User, error) {
	user.Name = strings.TrimSpace(user.Name)
	user.OrganizationID = strings.TrimSpace(user.OrganizationID)
	switch {
	case user.OrganizationID == "":
		return User{}, fmt.Errorf("%w: organization id is required", ErrValidation)
	case user.Name == "":
		return User{}, fmt.Errorf("%w: user name is required", ErrValidation)
	}
	if user.ID = strings.TrimSpace(user.ID); user.ID == "" {
		user.ID = ids.New()
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return User{}, err
	}
	return s.store.GetUser(ctx, user.OrganizationID, user.ID)
}

func (s *Service) GetUser(ctx context.Context, orgID, id string) (User, error) {
	if err := requireIDs(map[string]string{"organization id": orgID, "user id": id}); err != nil {
		return User{}, err
	}
	return s.store.GetUser(ctx, orgID, id)
}

func (s *Service) ListUsers(ctx context.Context, orgID string) ([]User, error) {
	if strings.TrimSpace(orgID) == "" {
		return nil, fmt.Errorf("%w: organization id is required", ErrValidation)
	}
	return s.store.ListUsers(ctx, orgID)
}

func (s *Service) UpdateUser(ctx context.Context, orgID, id string, upd UserUpdate) (User, error) {
	if err := requireIDs(map[string]string{"organization id": orgID, "user id": id}); err != nil {
		return User{}, err
	}
	if upd.Name != nil && strings.TrimSpace(*upd.Name) == "" {
		return User{}, fmt.Errorf("%w: user name cannot be empty", ErrValidation)
	}
	return s.store.UpdateUser(ctx, orgID, id, upd)
}

// DeleteUser removes the user together with its memberships and policy
// instances.
func (s *Service) DeleteUser(ctx context.Context, orgID, id string) error {
	if err := requireIDs(map[string]string{"organization id": orgID, "user id": id}); err != nil {
		return err
	}
	return s.store.DeleteUser(ctx, orgID, id)
}

// CreatePolicy stores a policy document. An empty OrganizationID makes
// the policy shared across organizations.
func (s *Service) CreatePolicy(ctx context.Context, p Policy) (Policy, error) {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return Policy{}, fmt.Errorf("%w: policy name is required", ErrValidation)
	}
	if p.Version = strings.TrimSpace(p.Version); p.Version == "" {
		p.Version = DefaultPolicyVersion
	}
	if err := validateStatements(p.Statements); err != nil {
		return Policy{}, err
	}
	if p.ID = strings.TrimSpace(p.ID); p.ID == "" {
		p.ID = ids.New()
	}
	if err := s.store.CreatePolicy(ctx, p); err != nil {
		return Policy{}, err
	}
	return s.store.GetPolicy(ctx, p.OrganizationID, p.ID)
}

// GetPolicy fetches an organization's policy; an empty orgID addresses
// the shared pool.
func (s *Service) GetPolicy(ctx context.Context, orgID, id string) (Policy, error) {
	if strings.TrimSpace(id) == "" {
		return Policy{}, fmt.Errorf("%w: policy id is required", ErrValidation)
	}
	return s.store.GetPolicy(ctx, orgID, id)
}

func (s *Service) ListPolicies(ctx context.Context, orgID string) ([]Policy, error) {
	if strings.TrimSpace(orgID) == "" {
		return nil, fmt.Errorf("%w: organization id is required", ErrValidation)
	}
	return s.store.ListPolicies(ctx, orgID)
}

func (s *Service) ListSharedPolicies(ctx context.Context) ([]Policy, error) {
	return s.store.ListSharedPolicies(ctx)
}

// UpdatePolicy changes the document in place; every existing instance
// references the updated statements from then on.
func (s *Service) UpdatePolicy(ctx context.Context, orgID, id string, upd PolicyUpdate) (Policy, error) {
	if strings.TrimSpace(id) == "" {
		return Policy{}, fmt.Errorf("%w: policy id is required", ErrValidation)
	}
	if upd.Name != nil && strings.TrimSpace(*upd.Name) == "" {
		return Policy{}, fmt.Errorf("%w: policy name cannot be empty", ErrValidation)
	}
	if upd.Statements != nil {
		if err := validateStatements(upd.Statements); err != nil {
			return Policy{}, err
		}
	}
	return s.store.UpdatePolicy(ctx, orgID, id, upd)
}

// DeletePolicy removes the document and every instance referencing it.
func (s *Service) DeletePolicy(ctx context.Context, orgID, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: policy id is required", ErrValidation)
	}
	return s.store.DeletePolicy(ctx, orgID, id)
}

// PolicyVariables returns the distinct `${...}` placeholders used by
// the policy's statements.
func (s *Service) PolicyVariables(ctx context.Context, orgID, id string) ([]string, error) {
	p, err := s.GetPolicy(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	return ExtractVariableNames(p.Statements), nil
}

func validateStatements(statements []Statement) error {
	if len(statements) == 0 {
		return fmt.Errorf("%w: at least one statement is required", ErrValidation)
	}
	for i, st := range statements {
		if st.Effect != EffectAllow && st.Effect != EffectDeny {
			return fmt.Errorf("%w: statement %d: effect must be %q or %q", ErrValidation, i, EffectAllow, EffectDeny)
		}
		if len(st.Action) == 0 {
			return fmt.Errorf("%w: statement %d: at least one action is required", ErrValidation, i)
		}
		if len(st.Resource) == 0 {
			return fmt.Errorf("%w: statement %d: at least one resource is required", ErrValidation, i)
		}
	}
	return nil
}

func requireIDs(fields map[string]string) error {
	for _, name := range []string{"organization id", "team id", "user id", "policy id"} {
		if v, ok := fields[name]; ok && strings.TrimSpace(v) == "" {
			return fmt.Errorf("%w: %s is required", ErrValidation, name)
		}
	}
	return nil
}

func cleanIDList(raw []string, what string) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([]string, 0, len(raw))
	for _, id := range raw {
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, fmt.Errorf("%w: %s cannot be empty", ErrValidation, what)
		}
		out = append(out, id)
	}
	return out, nil
}
