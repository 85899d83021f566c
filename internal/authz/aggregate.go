package authz

import "context"

// Aggregator gathers every policy instance that applies to a user
// inside one organization.
type Aggregator struct {
	store AggregatorStore
}

// NewAggregator builds an aggregator over the given store.
func NewAggregator(store AggregatorStore) *Aggregator {
	return &Aggregator{store: store}
}

// Collect returns the applied policies for the user in attachment
// precedence order: the organization's own instances first, then for
// each team the user belongs to its ancestor chain from the root down
// followed by the team itself, and finally the user's direct
// instances. The user must exist in the organization.
func (a *Aggregator) Collect(ctx context.Context, orgID, userID string) ([]AppliedPolicy, error) {
	if _, err := a.store.GetUser(ctx, orgID, userID); err != nil {
		return nil, err
	}

	var out []AppliedPolicy
	orgPolicies, err := a.store.EntityInstances(ctx, EntityRef{
		Kind:           EntityOrganization,
		ID:             orgID,
		OrganizationID: orgID,
	})
	if err != nil {
		return nil, err
	}
	out = append(out, orgPolicies...)

	teams, err := a.store.UserTeams(ctx, orgID, userID)
	if err != nil {
		return nil, err
	}
	for _, team := range teams {
		chain := append(team.Ancestors(), team.ID)
		for _, teamID := range chain {
			teamPolicies, err := a.store.EntityInstances(ctx, EntityRef{
				Kind:           EntityTeam,
				ID:             teamID,
				OrganizationID: orgID,
			})
			if err != nil {
				return nil, err
			}
			out = append(out, teamPolicies...)
		}
	}

	userPolicies, err := a.store.EntityInstances(ctx, EntityRef{
		Kind:           EntityUser,
		ID:             userID,
		OrganizationID: orgID,
	})
	if err != nil {
		return nil, err
	}
	return append(out, userPolicies...), nil
}
