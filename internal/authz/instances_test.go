package authz

import (
	"context"
	"errors"
	"testing"
)

func seedInstanceFixture(t *testing.T) (*Service, EntityRef) {
	t.Helper()
	svc, _ := newService(t)
	ctx := context.Background()
	if _, err := svc.CreateOrganization(ctx, OrganizationCreate{ID: "org1", Name: "Org"}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.CreateUser(ctx, User{ID: "u1", OrganizationID: "org1", Name: "u1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.CreatePolicy(ctx, Policy{
		ID:             "p1",
		OrganizationID: "org1",
		Name:           "p1",
		Statements:     []Statement{{Effect: EffectAllow, Action: []string{"read"}, Resource: []string{"*"}}},
	}); err != nil {
		t.Fatal(err)
	}
	return svc, EntityRef{Kind: EntityUser, ID: "u1", OrganizationID: "org1"}
}

func TestAddPoliciesRoundTrip(t *testing.T) {
	svc, owner := seedInstanceFixture(t)
	ctx := context.Background()

	got, err := svc.AddPolicies(ctx, owner, []PolicyRef{
		{ID: "p1", Variables: map[string]string{"var1": "a"}},
		{ID: "p1", Variables: map[string]string{"var1": "a"}},
		{ID: "p1"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 instances, got %d", len(got))
	}
	seen := make(map[string]bool)
	for _, inst := range got {
		if inst.PolicyID != "p1" {
			t.Fatalf("unexpected policy id %q", inst.PolicyID)
		}
		if inst.Instance == "" || seen[inst.Instance] {
			t.Fatalf("instance ids must be unique and non-empty: %+v", got)
		}
		seen[inst.Instance] = true
	}
	if got[0].Variables["var1"] != "a" || got[2].Variables != nil {
		t.Fatalf("variables not preserved: %+v", got)
	}
}

func TestAddPoliciesUnknownPolicy(t *testing.T) {
	svc, owner := seedInstanceFixture(t)
	_, err := svc.AddPolicies(context.Background(), owner, []PolicyRef{{ID: "nope"}})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAddPoliciesForeignPolicy(t *testing.T) {
	svc, owner := seedInstanceFixture(t)
	ctx := context.Background()
	if _, err := svc.CreateOrganization(ctx, OrganizationCreate{ID: "org2", Name: "Other"}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.CreatePolicy(ctx, Policy{
		ID:             "p-foreign",
		OrganizationID: "org2",
		Name:           "foreign",
		Statements:     []Statement{{Effect: EffectAllow, Action: []string{"read"}, Resource: []string{"*"}}},
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.AddPolicies(ctx, owner, []PolicyRef{{ID: "p-foreign"}}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("foreign non-shared policy must not attach, got %v", err)
	}
}

func TestAddPoliciesSharedPolicy(t *testing.T) {
	svc, owner := seedInstanceFixture(t)
	ctx := context.Background()
	if _, err := svc.CreatePolicy(ctx, Policy{
		ID:         "p-shared",
		Name:       "shared",
		Statements: []Statement{{Effect: EffectAllow, Action: []string{"ping"}, Resource: []string{"*"}}},
	}); err != nil {
		t.Fatal(err)
	}
	got, err := svc.AddPolicies(ctx, owner, []PolicyRef{{ID: "p-shared"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].PolicyID != "p-shared" {
		t.Fatalf("shared policy must attach: %+v", got)
	}
}

func TestAddPoliciesMissingEntity(t *testing.T) {
	svc, _ := seedInstanceFixture(t)
	owner := EntityRef{Kind: EntityUser, ID: "ghost", OrganizationID: "org1"}
	_, err := svc.AddPolicies(context.Background(), owner, []PolicyRef{{ID: "p1"}})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for a missing entity, got %v", err)
	}
}

func TestReplacePoliciesEmptyClears(t *testing.T) {
	svc, owner := seedInstanceFixture(t)
	ctx := context.Background()
	if _, err := svc.AddPolicies(ctx, owner, []PolicyRef{{ID: "p1"}, {ID: "p1"}}); err != nil {
		t.Fatal(err)
	}
	got, err := svc.ReplacePolicies(ctx, owner, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("replace with empty set must clear, got %+v", got)
	}
}

func TestDeletePolicyInstanceScoping(t *testing.T) {
	svc, owner := seedInstanceFixture(t)
	ctx := context.Background()
	instances, err := svc.AddPolicies(ctx, owner, []PolicyRef{{ID: "p1"}, {ID: "p1"}, {ID: "p1"}})
	if err != nil {
		t.Fatal(err)
	}

	// One specific attachment.
	if err := svc.DeletePolicyInstance(ctx, owner, "p1", instances[1].Instance); err != nil {
		t.Fatal(err)
	}
	rest, err := svc.ListInstances(ctx, owner)
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 2 {
		t.Fatalf("expected 2 instances left, got %+v", rest)
	}
	for _, inst := range rest {
		if inst.Instance == instances[1].Instance {
			t.Fatal("targeted instance still present")
		}
	}

	// Deleting a non-matching instance id is a no-op.
	if err := svc.DeletePolicyInstance(ctx, owner, "p1", "no-such-instance"); err != nil {
		t.Fatal(err)
	}

	// Without an instance id every attachment of the policy goes.
	if err := svc.DeletePolicyInstance(ctx, owner, "p1", ""); err != nil {
		t.Fatal(err)
	}
	rest, err = svc.ListInstances(ctx, owner)
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 0 {
		t.Fatalf("expected no instances, got %+v", rest)
	}
}

func TestDeletePoliciesClearsEntity(t *testing.T) {
	svc, owner := seedInstanceFixture(t)
	ctx := context.Background()
	if _, err := svc.AddPolicies(ctx, owner, []PolicyRef{{ID: "p1"}}); err != nil {
		t.Fatal(err)
	}
	if err := svc.DeletePolicies(ctx, owner); err != nil {
		t.Fatal(err)
	}
	got, err := svc.ListInstances(ctx, owner)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no instances, got %+v", got)
	}
}

func TestPolicyAttachmentsOrdering(t *testing.T) {
	svc, userOwner := seedInstanceFixture(t)
	ctx := context.Background()
	if _, err := svc.CreateTeam(ctx, Team{ID: "t1", OrganizationID: "org1", Name: "Team"}); err != nil {
		t.Fatal(err)
	}

	teamOwner := EntityRef{Kind: EntityTeam, ID: "t1", OrganizationID: "org1"}
	orgOwner := EntityRef{Kind: EntityOrganization, ID: "org1", OrganizationID: "org1"}
	for _, owner := range []EntityRef{userOwner, teamOwner, orgOwner} {
		if _, err := svc.AddPolicies(ctx, owner, []PolicyRef{{ID: "p1"}}); err != nil {
			t.Fatal(err)
		}
	}

	got, err := svc.PolicyAttachments(ctx, "org1", "p1")
	if err != nil {
		t.Fatal(err)
	}
	kinds := make([]EntityKind, 0, len(got))
	for _, a := range got {
		kinds = append(kinds, a.EntityKind)
	}
	want := []EntityKind{EntityOrganization, EntityTeam, EntityUser}
	if len(kinds) != len(want) {
		t.Fatalf("attachment order = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("attachment order = %v, want %v", kinds, want)
		}
	}
}

func TestEntityDeletionDropsInstances(t *testing.T) {
	svc, owner := seedInstanceFixture(t)
	ctx := context.Background()
	if _, err := svc.AddPolicies(ctx, owner, []PolicyRef{{ID: "p1"}}); err != nil {
		t.Fatal(err)
	}
	if err := svc.DeleteUser(ctx, "org1", "u1"); err != nil {
		t.Fatal(err)
	}
	attachments, err := svc.PolicyAttachments(ctx, "org1", "p1")
	if err != nil {
		t.Fatal(err)
	}
	if len(attachments) != 0 {
		t.Fatalf("deleting the user must drop its instances, got %+v", attachments)
	}
}
