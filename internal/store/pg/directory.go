package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"perimeter.org/internal/authz"
)

func (s *Store) CreateOrganization(ctx context.Context, org authz.Organization) error {
	metaJSON, err := marshalMeta(org.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into organizations (id, name, description, metadata)
		values ($1, $2, $3, $4)
	`, org.ID, org.Name, nullIfEmpty(org.Description), metaJSON)
	if err != nil {
		return mapWriteError(err, fmt.Sprintf("organization %q", org.ID))
	}
	return nil
}

func (s *Store) GetOrganization(ctx context.Context, id string) (authz.Organization, error) {
	var (
		org    authz.Organization
		desc   sql.NullString
		rawMet []byte
	)
	err := s.db.QueryRowContext(ctx, `
		select id, name, description, metadata, created_at, updated_at
		from organizations
		where id = $1
	`, id).Scan(&org.ID, &org.Name, &desc, &rawMet, &org.CreatedAt, &org.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return authz.Organization{}, fmt.Errorf("%w: organization %q", authz.ErrNotFound, id)
	}
	if err != nil {
		return authz.Organization{}, err
	}
	org.Description = desc.String
	if org.Metadata, err = unmarshalMeta(rawMet); err != nil {
		return authz.Organization{}, err
	}
	return org, nil
}

func (s *Store) UpdateOrganization(ctx context.Context, id string, upd authz.OrganizationUpdate) (authz.Organization, error) {
	var (
		setClauses []string
		args       []any
		idx        = 1
	)
	if upd.Name != nil {
		setClauses = append(setClauses, fmt.Sprintf("name = $%d", idx))
		args = append(args, *upd.Name)
		idx++
	}
	if upd.Description != nil {
		setClauses = append(setClauses, fmt.Sprintf("description = $%d", idx))
		args = append(args, nullIfEmpty(*upd.Description))
		idx++
	}
	if upd.Metadata != nil {
		raw, err := marshalMeta(upd.Metadata)
		if err != nil {
			return authz.Organization{}, err
		}
		setClauses = append(setClauses, fmt.Sprintf("metadata = $%d", idx))
		args = append(args, raw)
		idx++
	}
	if len(setClauses) > 0 {
		setClauses = append(setClauses, "updated_at = now()")
		query := fmt.Sprintf(`update organizations set %s where id = $%d`, strings.Join(setClauses, ", "), idx)
		args = append(args, id)
		if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
			return authz.Organization{}, err
		}
	}
	return s.GetOrganization(ctx, id)
}

// DeleteOrganization removes the organization. Teams, users, and
// org-scoped policies go via foreign keys; instance rows owned by the
// organization's entities have no FK and are cleared in the same
// transaction.
func (s *Store) DeleteOrganization(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		delete from policy_instances
		where (owner_type = 'organization' and owner_id = $1)
		   or (owner_type = 'team' and owner_id in (select id from teams where organization_id = $1))
		   or (owner_type = 'user' and owner_id in (select id from users where organization_id = $1))
	`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `delete from organizations where id = $1`, id)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return fmt.Errorf("%w: organization %q", authz.ErrNotFound, id)
	}
	return tx.Commit()
}

func (s *Store) ListOrganizations(ctx context.Context) ([]authz.Organization, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, name, description, metadata, created_at, updated_at
		from organizations
		order by id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []authz.Organization
	for rows.Next() {
		var (
			org    authz.Organization
			desc   sql.NullString
			rawMet []byte
		)
		if err := rows.Scan(&org.ID, &org.Name, &desc, &rawMet, &org.CreatedAt, &org.UpdatedAt); err != nil {
			return nil, err
		}
		org.Description = desc.String
		if org.Metadata, err = unmarshalMeta(rawMet); err != nil {
			return nil, err
		}
		result = append(result, org)
	}
	return result, rows.Err()
}

func (s *Store) CreateUser(ctx context.Context, user authz.User) error {
	metaJSON, err := marshalMeta(user.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into users (id, organization_id, name, metadata)
		values ($1, $2, $3, $4)
	`, user.ID, user.OrganizationID, user.Name, metaJSON)
	if err != nil {
		return mapWriteError(err, fmt.Sprintf("user %q", user.ID))
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, orgID, id string) (authz.User, error) {
	user, err := s.scanUser(ctx, `
		select id, organization_id, name, metadata, created_at, updated_at
		from users
		where organization_id = $1 and id = $2
	`, orgID, id)
	if errors.Is(err, sql.ErrNoRows) {
		return authz.User{}, fmt.Errorf("%w: user %q in organization %q", authz.ErrNotFound, id, orgID)
	}
	return user, err
}

func (s *Store) GetUserByID(ctx context.Context, id string) (authz.User, error) {
	user, err := s.scanUser(ctx, `
		select id, organization_id, name, metadata, created_at, updated_at
		from users
		where id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return authz.User{}, fmt.Errorf("%w: user %q", authz.ErrNotFound, id)
	}
	return user, err
}

func (s *Store) scanUser(ctx context.Context, query string, args ...any) (authz.User, error) {
	var (
		user   authz.User
		rawMet []byte
	)
	err := s.db.QueryRowContext(ctx, query, args...).
		Scan(&user.ID, &user.OrganizationID, &user.Name, &rawMet, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return authz.User{}, err
	}
	if user.Metadata, err = unmarshalMeta(rawMet); err != nil {
		return authz.User{}, err
	}
	if user.Teams, err = s.memberTeamIDs(ctx, user.ID); err != nil {
		return authz.User{}, err
	}
	return user, nil
}

func (s *Store) memberTeamIDs(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		select team_id from team_members where user_id = $1 order by team_id
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) UpdateUser(ctx context.Context, orgID, id string, upd authz.UserUpdate) (authz.User, error) {
	var (
		setClauses []string
		args       []any
		idx        = 1
	)
	if upd.Name != nil {
		setClauses = append(setClauses, fmt.Sprintf("name = $%d", idx))
		args = append(args, *upd.Name)
		idx++
	}
	if upd.Metadata != nil {
		raw, err := marshalMeta(upd.Metadata)
		if err != nil {
			return authz.User{}, err
		}
		setClauses = append(setClauses, fmt.Sprintf("metadata = $%d", idx))
		args = append(args, raw)
		idx++
	}
	if len(setClauses) > 0 {
		setClauses = append(setClauses, "updated_at = now()")
		query := fmt.Sprintf(`update users set %s where organization_id = $%d and id = $%d`,
			strings.Join(setClauses, ", "), idx, idx+1)
		args = append(args, orgID, id)
		if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
			return authz.User{}, err
		}
	}
	return s.GetUser(ctx, orgID, id)
}

// DeleteUser removes the user; memberships cascade and the user's
// instance rows are cleared in the same transaction.
func (s *Store) DeleteUser(ctx context.Context, orgID, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		delete from policy_instances where owner_type = 'user' and owner_id = $1
	`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
		delete from users where organization_id = $1 and id = $2
	`, orgID, id)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return fmt.Errorf("%w: user %q in organization %q", authz.ErrNotFound, id, orgID)
	}
	return tx.Commit()
}

func (s *Store) ListUsers(ctx context.Context, orgID string) ([]authz.User, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, organization_id, name, metadata, created_at, updated_at
		from users
		where organization_id = $1
		order by id
	`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []authz.User
	for rows.Next() {
		var (
			user   authz.User
			rawMet []byte
		)
		if err := rows.Scan(&user.ID, &user.OrganizationID, &user.Name, &rawMet, &user.CreatedAt, &user.UpdatedAt); err != nil {
			return nil, err
		}
		if user.Metadata, err = unmarshalMeta(rawMet); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range users {
		if users[i].Teams, err = s.memberTeamIDs(ctx, users[i].ID); err != nil {
			return nil, err
		}
	}
	return users, nil
}

func (s *Store) UserTeams(ctx context.Context, orgID, userID string) ([]authz.Team, error) {
	if _, err := s.GetUser(ctx, orgID, userID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		select t.id, t.organization_id, t.name, t.description, t.parent_id, t.path, t.metadata, t.created_at, t.updated_at
		from teams t
		join team_members m on m.team_id = t.id
		where t.organization_id = $1 and m.user_id = $2
		order by t.path
	`, orgID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTeams(rows)
}
