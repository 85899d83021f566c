package authz

import "context"

// DirectoryStore persists organizations, teams, users, and team
// membership. Implementations return ErrNotFound-wrapped errors for
// missing rows and ErrConflict-wrapped errors for duplicates.
type DirectoryStore interface {
	CreateOrganization(ctx context.Context, org Organization) error
	GetOrganization(ctx context.Context, id string) (Organization, error)
	UpdateOrganization(ctx context.Context, id string, upd OrganizationUpdate) (Organization, error)
	DeleteOrganization(ctx context.Context, id string) error
	ListOrganizations(ctx context.Context) ([]Organization, error)

	CreateTeam(ctx context.Context, team Team) error
	GetTeam(ctx context.Context, orgID, id string) (Team, error)
	UpdateTeam(ctx context.Context, orgID, id string, upd TeamUpdate) (Team, error)
	// DeleteTeam removes the team together with its entire subtree.
	DeleteTeam(ctx context.Context, orgID, id string) error
	ListTeams(ctx context.Context, orgID string) ([]Team, error)
	// MoveTeam re-parents the team; an empty parentID promotes it to a
	// root team. The whole subtree's paths are rewritten atomically.
	MoveTeam(ctx context.Context, orgID, id, parentID string) (Team, error)
	AddTeamMembers(ctx context.Context, orgID, teamID string, userIDs []string) error
	ReplaceTeamMembers(ctx context.Context, orgID, teamID string, userIDs []string) error
	RemoveTeamMember(ctx context.Context, orgID, teamID, userID string) error
	TeamMembers(ctx context.Context, orgID, teamID string) ([]User, error)

	CreateUser(ctx context.Context, user User) error
	GetUser(ctx context.Context, orgID, id string) (User, error)
	// GetUserByID looks a user up without an organization scope; the
	// impersonation path needs the caller's home organization before an
	// effective one is known.
	GetUserByID(ctx context.Context, id string) (User, error)
	UpdateUser(ctx context.Context, orgID, id string, upd UserUpdate) (User, error)
	DeleteUser(ctx context.Context, orgID, id string) error
	ListUsers(ctx context.Context, orgID string) ([]User, error)
	UserTeams(ctx context.Context, orgID, userID string) ([]Team, error)
}

// PolicyStore persists policy documents and their attachments.
// Policies with an empty organization id are shared across
// organizations.
type PolicyStore interface {
	CreatePolicy(ctx context.Context, p Policy) error
	GetPolicy(ctx context.Context, orgID, id string) (Policy, error)
	UpdatePolicy(ctx context.Context, orgID, id string, upd PolicyUpdate) (Policy, error)
	DeletePolicy(ctx context.Context, orgID, id string) error
	ListPolicies(ctx context.Context, orgID string) ([]Policy, error)
	ListSharedPolicies(ctx context.Context) ([]Policy, error)

	AddInstances(ctx context.Context, owner EntityRef, instances []PolicyInstance) error
	ReplaceInstances(ctx context.Context, owner EntityRef, instances []PolicyInstance) error
	// DeleteInstances drops every attachment owned by the entity.
	DeleteInstances(ctx context.Context, owner EntityRef) error
	// DeleteInstance drops attachments of one policy; with a non-empty
	// instanceID only that single attachment goes.
	DeleteInstance(ctx context.Context, owner EntityRef, policyID, instanceID string) error
	ListInstances(ctx context.Context, owner EntityRef) ([]PolicyInstance, error)
	// PolicyAttachments reports where a policy is attached, ordered
	// organization owners first, then teams, then users.
	PolicyAttachments(ctx context.Context, policyID string) ([]Attachment, error)
	// EntityInstances joins an entity's attachments with their policy
	// documents in attachment order.
	EntityInstances(ctx context.Context, owner EntityRef) ([]AppliedPolicy, error)
}

// AggregatorStore is the slice of persistence the instance aggregator
// reads from.
type AggregatorStore interface {
	GetUser(ctx context.Context, orgID, id string) (User, error)
	UserTeams(ctx context.Context, orgID, userID string) ([]Team, error)
	EntityInstances(ctx context.Context, owner EntityRef) ([]AppliedPolicy, error)
}

// DecisionStore is everything the decision engine needs: aggregation
// reads plus the lookups backing impersonation.
type DecisionStore interface {
	AggregatorStore
	GetOrganization(ctx context.Context, id string) (Organization, error)
	GetUserByID(ctx context.Context, id string) (User, error)
}

// Store is the full persistence surface the service layer composes.
type Store interface {
	DirectoryStore
	PolicyStore
}
