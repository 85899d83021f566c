package pg

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"perimeter.org/internal/authz"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db), mock
}

func expectMet(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateOrganizationConflict(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("insert into organizations").
		WithArgs("org1", "Org", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})

	err := store.CreateOrganization(context.Background(), authz.Organization{ID: "org1", Name: "Org"})
	if !errors.Is(err, authz.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	expectMet(t, mock)
}

func TestCreateUserMissingOrganization(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("insert into users").
		WithArgs("u1", "ghost-org", "User", sqlmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: pgErrForeignKeyViolation})

	err := store.CreateUser(context.Background(), authz.User{ID: "u1", OrganizationID: "ghost-org", Name: "User"})
	if !errors.Is(err, authz.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	expectMet(t, mock)
}

func TestGetPolicyNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("select id, organization_id, name, version, statements").
		WithArgs("p1", sqlmock.AnyArg()).
		WillReturnError(sql.ErrNoRows)

	_, err := store.GetPolicy(context.Background(), "org1", "p1")
	if !errors.Is(err, authz.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	expectMet(t, mock)
}

func TestReplaceInstancesSingleTransaction(t *testing.T) {
	store, mock := newMockStore(t)
	owner := authz.EntityRef{Kind: authz.EntityUser, ID: "u1", OrganizationID: "org1"}

	mock.ExpectBegin()
	mock.ExpectExec("delete from policy_instances").
		WithArgs("user", "u1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("insert into policy_instances").
		WithArgs("i-1", "user", "u1", "p1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("insert into policy_instances").
		WithArgs("i-2", "user", "u1", "p2", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := store.ReplaceInstances(context.Background(), owner, []authz.PolicyInstance{
		{PolicyID: "p1", Instance: "i-1"},
		{PolicyID: "p2", Instance: "i-2", Variables: map[string]string{"var1": "a"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	expectMet(t, mock)
}

func TestReplaceInstancesRollsBackOnInsertFailure(t *testing.T) {
	store, mock := newMockStore(t)
	owner := authz.EntityRef{Kind: authz.EntityUser, ID: "u1", OrganizationID: "org1"}

	mock.ExpectBegin()
	mock.ExpectExec("delete from policy_instances").
		WithArgs("user", "u1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("insert into policy_instances").
		WithArgs("i-1", "user", "u1", "ghost", sqlmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: pgErrForeignKeyViolation})
	mock.ExpectRollback()

	err := store.ReplaceInstances(context.Background(), owner, []authz.PolicyInstance{
		{PolicyID: "ghost", Instance: "i-1"},
	})
	if !errors.Is(err, authz.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	expectMet(t, mock)
}

func TestEntityInstancesPreservesCreationOrder(t *testing.T) {
	store, mock := newMockStore(t)
	rows := sqlmock.NewRows([]string{"id", "name", "version", "instance_id", "variables", "statements"}).
		AddRow("p1", "first", "0.1", "i-1", []byte(`{"var1":"a"}`), []byte(`[{"Effect":"Allow","Action":["read"],"Resource":["*"]}]`)).
		AddRow("p2", "second", "0.1", "i-2", []byte(`{}`), []byte(`[{"Effect":"Deny","Action":["*"],"Resource":["db:prod"]}]`))
	mock.ExpectQuery("select p.id, p.name, p.version, i.instance_id").
		WithArgs("team", "t1").
		WillReturnRows(rows)

	applied, err := store.EntityInstances(context.Background(), authz.EntityRef{
		Kind: authz.EntityTeam, ID: "t1", OrganizationID: "org1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(applied) != 2 || applied[0].PolicyID != "p1" || applied[1].PolicyID != "p2" {
		t.Fatalf("unexpected order: %+v", applied)
	}
	if applied[0].Variables["var1"] != "a" {
		t.Fatalf("variables lost: %+v", applied[0])
	}
	if applied[1].Variables != nil {
		t.Fatalf("empty variables should decode to nil, got %+v", applied[1].Variables)
	}
	if applied[1].Statements[0].Effect != authz.EffectDeny {
		t.Fatalf("statements lost: %+v", applied[1])
	}
	expectMet(t, mock)
}

func TestMoveTeamRejectsOwnSubtree(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select path from teams").
		WithArgs("org1", "a").
		WillReturnRows(sqlmock.NewRows([]string{"path"}).AddRow("root.a"))
	mock.ExpectQuery("select path from teams").
		WithArgs("org1", "b").
		WillReturnRows(sqlmock.NewRows([]string{"path"}).AddRow("root.a.b"))
	mock.ExpectRollback()

	_, err := store.MoveTeam(context.Background(), "org1", "a", "b")
	if !errors.Is(err, authz.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	expectMet(t, mock)
}

func TestDeleteOrganizationClearsOwnedInstances(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("delete from policy_instances").
		WithArgs("org1").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("delete from organizations").
		WithArgs("org1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := store.DeleteOrganization(context.Background(), "org1"); err != nil {
		t.Fatal(err)
	}
	expectMet(t, mock)
}

func TestDeleteOrganizationNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("delete from policy_instances").
		WithArgs("ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("delete from organizations").
		WithArgs("ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := store.DeleteOrganization(context.Background(), "ghost")
	if !errors.Is(err, authz.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	expectMet(t, mock)
}
