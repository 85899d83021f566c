package authz

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/google/uuid"
)

const superOrgID = "ROOT"

type fixture struct {
	t     *testing.T
	store *InMemory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{t: t, store: NewInMemory()}
	f.org("org1")
	f.user("u1", "org1")
	return f
}

func (f *fixture) engine(opts ...EngineOption) *Engine {
	return NewEngine(f.store, opts...)
}

func (f *fixture) org(id string) {
	f.t.Helper()
	if err := f.store.CreateOrganization(context.Background(), Organization{ID: id, Name: id}); err != nil {
		f.t.Fatalf("create organization %s: %v", id, err)
	}
}

func (f *fixture) user(id, orgID string) {
	f.t.Helper()
	if err := f.store.CreateUser(context.Background(), User{ID: id, OrganizationID: orgID, Name: id}); err != nil {
		f.t.Fatalf("create user %s: %v", id, err)
	}
}

func (f *fixture) team(id, orgID, parentID string, members ...string) {
	f.t.Helper()
	ctx := context.Background()
	if err := f.store.CreateTeam(ctx, Team{ID: id, OrganizationID: orgID, Name: id, ParentID: parentID}); err != nil {
		f.t.Fatalf("create team %s: %v", id, err)
	}
	if len(members) > 0 {
		if err := f.store.AddTeamMembers(ctx, orgID, id, members); err != nil {
			f.t.Fatalf("add members to %s: %v", id, err)
		}
	}
}

func (f *fixture) policy(id, orgID string, statements ...Statement) {
	f.t.Helper()
	p := Policy{ID: id, OrganizationID: orgID, Name: id, Version: "0.1", Statements: statements}
	if err := f.store.CreatePolicy(context.Background(), p); err != nil {
		f.t.Fatalf("create policy %s: %v", id, err)
	}
}

func (f *fixture) attach(kind EntityKind, entityID, orgID, policyID string, vars map[string]string) {
	f.t.Helper()
	owner := EntityRef{Kind: kind, ID: entityID, OrganizationID: orgID}
	inst := PolicyInstance{PolicyID: policyID, Instance: uuid.NewString(), Variables: vars}
	if err := f.store.AddInstances(context.Background(), owner, []PolicyInstance{inst}); err != nil {
		f.t.Fatalf("attach %s to %s/%s: %v", policyID, kind, entityID, err)
	}
}

func allow(actions, resources []string) Statement {
	return Statement{Effect: EffectAllow, Action: actions, Resource: resources}
}

func deny(actions, resources []string) Statement {
	return Statement{Effect: EffectDeny, Action: actions, Resource: resources}
}

func TestIsAuthorizedDefaultDeny(t *testing.T) {
	f := newFixture(t)
	ok, err := f.engine().IsAuthorized(context.Background(), Check{
		UserID: "u1", Action: "read", Resource: "db:balance", OrganizationID: "org1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected default deny")
	}
}

func TestIsAuthorizedOrganizationLevelAllow(t *testing.T) {
	f := newFixture(t)
	f.policy("p-read", "org1", allow([]string{"read"}, []string{"org:documents"}))
	f.attach(EntityOrganization, "org1", "org1", "p-read", nil)

	ok, err := f.engine().IsAuthorized(context.Background(), Check{
		UserID: "u1", Action: "read", Resource: "org:documents", OrganizationID: "org1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected organization policy to grant access")
	}
}

func TestIsAuthorizedInstanceVariables(t *testing.T) {
	f := newFixture(t)
	f.policy("p-var", "org1", allow([]string{"read"}, []string{"${var1}"}))
	f.attach(EntityUser, "u1", "org1", "p-var", map[string]string{"var1": "res:1"})

	e := f.engine()
	ok, err := e.IsAuthorized(context.Background(), Check{
		UserID: "u1", Action: "read", Resource: "res:1", OrganizationID: "org1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected resolved variable to match res:1")
	}
	ok, err = e.IsAuthorized(context.Background(), Check{
		UserID: "u1", Action: "read", Resource: "res:2", OrganizationID: "org1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("res:2 must not match the bound variable")
	}
}

func TestIsAuthorizedContextVariables(t *testing.T) {
	f := newFixture(t)
	f.policy("p-own", "org1", allow([]string{"read"}, []string{"/docs/${udaru.userId}/*"}))
	f.attach(EntityOrganization, "org1", "org1", "p-own", nil)

	e := f.engine()
	ok, err := e.IsAuthorized(context.Background(), Check{
		UserID: "u1", Action: "read", Resource: "/docs/u1/report", OrganizationID: "org1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected subject id to resolve into the resource pattern")
	}
	ok, err = e.IsAuthorized(context.Background(), Check{
		UserID: "u1", Action: "read", Resource: "/docs/u2/report", OrganizationID: "org1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("another user's documents must stay closed")
	}
}

func TestIsAuthorizedAncestorTeamDenyWins(t *testing.T) {
	f := newFixture(t)
	f.team("parent", "org1", "")
	f.team("child", "org1", "parent", "u1")
	f.policy("p-allow", "org1", allow([]string{"read"}, []string{"X"}))
	f.policy("p-deny", "org1", deny([]string{"read"}, []string{"X"}))
	f.attach(EntityUser, "u1", "org1", "p-allow", nil)
	f.attach(EntityTeam, "parent", "org1", "p-deny", nil)

	ok, err := f.engine().IsAuthorized(context.Background(), Check{
		UserID: "u1", Action: "read", Resource: "X", OrganizationID: "org1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("ancestor team deny must override the user's allow")
	}
}

func TestIsAuthorizedDenyOverridesBothOrders(t *testing.T) {
	run := func(t *testing.T, wire func(f *fixture)) {
		f := newFixture(t)
		f.policy("p-allow", "org1", allow([]string{"write"}, []string{"doc:1"}))
		f.policy("p-deny", "org1", deny([]string{"write"}, []string{"doc:1"}))
		wire(f)
		ok, err := f.engine().IsAuthorized(context.Background(), Check{
			UserID: "u1", Action: "write", Resource: "doc:1", OrganizationID: "org1",
		})
		if err != nil {
			t.Fatal(err)
		}
		if ok {
			t.Fatal("deny must override allow")
		}
	}
	t.Run("allow before deny", func(t *testing.T) {
		run(t, func(f *fixture) {
			f.attach(EntityOrganization, "org1", "org1", "p-allow", nil)
			f.attach(EntityUser, "u1", "org1", "p-deny", nil)
		})
	})
	t.Run("deny before allow", func(t *testing.T) {
		run(t, func(f *fixture) {
			f.attach(EntityOrganization, "org1", "org1", "p-deny", nil)
			f.attach(EntityUser, "u1", "org1", "p-allow", nil)
		})
	})
}

func TestIsAuthorizedSharedPolicy(t *testing.T) {
	f := newFixture(t)
	f.policy("p-shared", "", allow([]string{"ping"}, []string{"svc:health"}))
	f.attach(EntityUser, "u1", "org1", "p-shared", nil)

	ok, err := f.engine().IsAuthorized(context.Background(), Check{
		UserID: "u1", Action: "ping", Resource: "svc:health", OrganizationID: "org1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("shared policy instance must apply")
	}
}

func TestIsAuthorizedUnknownUser(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine().IsAuthorized(context.Background(), Check{
		UserID: "ghost", Action: "read", Resource: "X", OrganizationID: "org1",
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestIsAuthorizedValidation(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine().IsAuthorized(context.Background(), Check{
		UserID: "u1", Resource: "X", OrganizationID: "org1",
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestSuperuserImplicitAllow(t *testing.T) {
	f := newFixture(t)
	f.org(superOrgID)
	f.user("root-1", superOrgID)

	e := f.engine(WithSuperOrganization(superOrgID))
	ok, err := e.IsAuthorized(context.Background(), Check{
		UserID: "root-1", Action: "anything", Resource: "anywhere", OrganizationID: superOrgID,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("superuser must pass by default")
	}
}

func TestSuperuserExplicitDenyStillWins(t *testing.T) {
	f := newFixture(t)
	f.org(superOrgID)
	f.user("root-1", superOrgID)
	f.policy("p-deny", superOrgID, deny([]string{"drop"}, []string{"db:*"}))
	f.attach(EntityUser, "root-1", superOrgID, "p-deny", nil)

	e := f.engine(WithSuperOrganization(superOrgID))
	ok, err := e.IsAuthorized(context.Background(), Check{
		UserID: "root-1", Action: "drop", Resource: "db:prod", OrganizationID: superOrgID,
	})
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("an explicit deny must beat the implicit overlay")
	}
}

func TestSuperuserEvaluatedInForeignOrganization(t *testing.T) {
	f := newFixture(t)
	f.org(superOrgID)
	f.user("root-1", superOrgID)

	e := f.engine(WithSuperOrganization(superOrgID))
	ok, err := e.IsAuthorized(context.Background(), Check{
		UserID: "root-1", Action: "read", Resource: "org:documents", OrganizationID: "org1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("superuser must pass inside a foreign organization")
	}

	_, err = e.IsAuthorized(context.Background(), Check{
		UserID: "root-1", Action: "read", Resource: "org:documents", OrganizationID: "nope",
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for a missing organization, got %v", err)
	}
}

func TestEffectiveOrganization(t *testing.T) {
	f := newFixture(t)
	f.org(superOrgID)
	f.user("root-1", superOrgID)
	e := f.engine(WithSuperOrganization(superOrgID))
	ctx := context.Background()

	org, err := e.EffectiveOrganization(ctx, Subject{UserID: "u1"})
	if err != nil || org != "org1" {
		t.Fatalf("home organization: got %q, %v", org, err)
	}

	_, err = e.EffectiveOrganization(ctx, Subject{UserID: "u1", ImpersonatedOrg: superOrgID})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for a non-superuser, got %v", err)
	}

	org, err = e.EffectiveOrganization(ctx, Subject{UserID: "root-1", ImpersonatedOrg: "org1"})
	if err != nil || org != "org1" {
		t.Fatalf("impersonation: got %q, %v", org, err)
	}

	_, err = e.EffectiveOrganization(ctx, Subject{UserID: "root-1", ImpersonatedOrg: "nope"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for a missing target, got %v", err)
	}
}

func TestDecisionHookObservesAndVetoes(t *testing.T) {
	f := newFixture(t)
	f.policy("p-read", "org1", allow([]string{"read"}, []string{"doc:1"}))
	f.attach(EntityUser, "u1", "org1", "p-read", nil)

	e := f.engine()
	var seen []bool
	e.OnDecision(func(_ context.Context, chk *Check, allowed bool) error {
		if chk.UserID != "u1" {
			t.Fatalf("unexpected check subject %q", chk.UserID)
		}
		seen = append(seen, allowed)
		return nil
	})

	ok, err := e.IsAuthorized(context.Background(), Check{
		UserID: "u1", Action: "read", Resource: "doc:1", OrganizationID: "org1",
	})
	if err != nil || !ok {
		t.Fatalf("expected allow, got %v, %v", ok, err)
	}
	if !reflect.DeepEqual(seen, []bool{true}) {
		t.Fatalf("hook observations: %v", seen)
	}

	e.OnDecision(func(context.Context, *Check, bool) error {
		return errors.New("kaput")
	})
	ok, err = e.IsAuthorized(context.Background(), Check{
		UserID: "u1", Action: "read", Resource: "doc:1", OrganizationID: "org1",
	})
	if !errors.Is(err, ErrInternal) {
		t.Fatalf("hook failure must close the call, got %v", err)
	}
	if ok {
		t.Fatal("a failed call must not report access")
	}
}

type stubDecisionStore struct {
	getUserFn         func(ctx context.Context, orgID, id string) (User, error)
	getUserByIDFn     func(ctx context.Context, id string) (User, error)
	getOrganizationFn func(ctx context.Context, id string) (Organization, error)
	userTeamsFn       func(ctx context.Context, orgID, userID string) ([]Team, error)
	entityInstancesFn func(ctx context.Context, owner EntityRef) ([]AppliedPolicy, error)
}

func (s *stubDecisionStore) GetUser(ctx context.Context, orgID, id string) (User, error) {
	if s.getUserFn != nil {
		return s.getUserFn(ctx, orgID, id)
	}
	return User{ID: id, OrganizationID: orgID}, nil
}

func (s *stubDecisionStore) GetUserByID(ctx context.Context, id string) (User, error) {
	if s.getUserByIDFn != nil {
		return s.getUserByIDFn(ctx, id)
	}
	return User{ID: id}, nil
}

func (s *stubDecisionStore) GetOrganization(ctx context.Context, id string) (Organization, error) {
	if s.getOrganizationFn != nil {
		return s.getOrganizationFn(ctx, id)
	}
	return Organization{ID: id}, nil
}

func (s *stubDecisionStore) UserTeams(ctx context.Context, orgID, userID string) ([]Team, error) {
	if s.userTeamsFn != nil {
		return s.userTeamsFn(ctx, orgID, userID)
	}
	return nil, nil
}

func (s *stubDecisionStore) EntityInstances(ctx context.Context, owner EntityRef) ([]AppliedPolicy, error) {
	if s.entityInstancesFn != nil {
		return s.entityInstancesFn(ctx, owner)
	}
	return nil, nil
}

func TestIsAuthorizedCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	store := &stubDecisionStore{
		entityInstancesFn: func(ctx context.Context, _ EntityRef) ([]AppliedPolicy, error) {
			cancel()
			return nil, ctx.Err()
		},
	}
	_, err := NewEngine(store).IsAuthorized(ctx, Check{
		UserID: "u1", Action: "read", Resource: "X", OrganizationID: "org1",
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestListActions(t *testing.T) {
	f := newFixture(t)
	f.policy("p-docs", "org1",
		allow([]string{"read", "list"}, []string{"/docs/*"}),
		allow([]string{"docs:*"}, []string{"/docs/*"}),
	)
	f.policy("p-admin", "org1", allow([]string{"approve"}, []string{"/docs/reports"}))
	f.policy("p-deny", "org1", deny([]string{"list"}, []string{"/docs/secret"}))
	f.attach(EntityOrganization, "org1", "org1", "p-docs", nil)
	f.attach(EntityUser, "u1", "org1", "p-admin", nil)
	f.attach(EntityUser, "u1", "org1", "p-deny", nil)

	got, err := f.engine().ListActions(context.Background(), ActionsQuery{
		UserID:         "u1",
		OrganizationID: "org1",
		Resources:      []string{"/docs/secret", "/docs/reports", "/elsewhere"},
	})
	if err != nil {
		t.Fatal(err)
	}
	want := []ResourceActions{
		{Resource: "/docs/secret", Actions: []string{"read"}},
		{Resource: "/docs/reports", Actions: []string{"approve", "list", "read"}},
		{Resource: "/elsewhere", Actions: []string{}},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ListActions = %+v, want %+v", got, want)
	}
}

func TestListActionsWildcardDenyRemovesEverything(t *testing.T) {
	f := newFixture(t)
	f.policy("p-allow", "org1", allow([]string{"read", "write"}, []string{"doc:1"}))
	f.policy("p-deny", "org1", deny([]string{"*"}, []string{"doc:1"}))
	f.team("t1", "org1", "", "u1")
	f.attach(EntityUser, "u1", "org1", "p-allow", nil)
	f.attach(EntityTeam, "t1", "org1", "p-deny", nil)

	got, err := f.engine().ListActions(context.Background(), ActionsQuery{
		UserID: "u1", OrganizationID: "org1", Resources: []string{"doc:1"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || len(got[0].Actions) != 0 {
		t.Fatalf("expected empty action set, got %+v", got)
	}
}

func TestAggregatorCollectOrder(t *testing.T) {
	f := newFixture(t)
	f.team("root-team", "org1", "")
	f.team("mid", "org1", "root-team")
	f.team("leaf", "org1", "mid", "u1")
	for _, id := range []string{"p-org", "p-root", "p-mid", "p-leaf", "p-user"} {
		f.policy(id, "org1", allow([]string{"read"}, []string{"X"}))
	}
	f.attach(EntityUser, "u1", "org1", "p-user", nil)
	f.attach(EntityTeam, "leaf", "org1", "p-leaf", nil)
	f.attach(EntityTeam, "mid", "org1", "p-mid", nil)
	f.attach(EntityTeam, "root-team", "org1", "p-root", nil)
	f.attach(EntityOrganization, "org1", "org1", "p-org", nil)

	applied, err := NewAggregator(f.store).Collect(context.Background(), "org1", "u1")
	if err != nil {
		t.Fatal(err)
	}
	var order []string
	for _, ap := range applied {
		order = append(order, ap.PolicyID)
	}
	want := []string{"p-org", "p-root", "p-mid", "p-leaf", "p-user"}
	if !reflect.DeepEqual(order, want) {
		t.Fatalf("aggregation order = %v, want %v", order, want)
	}
}
