package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"perimeter.org/internal/authz"
)

func (s *Store) CreateTeam(ctx context.Context, team authz.Team) error {
	metaJSON, err := marshalMeta(team.Metadata)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	path := team.ID
	if team.ParentID != "" {
		var parentPath string
		err := tx.QueryRowContext(ctx, `
			select path from teams where organization_id = $1 and id = $2
		`, team.OrganizationID, team.ParentID).Scan(&parentPath)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: parent team %q in organization %q", authz.ErrNotFound, team.ParentID, team.OrganizationID)
		}
		if err != nil {
			return err
		}
		path = parentPath + "." + team.ID
	}

	if _, err := tx.ExecContext(ctx, `
		insert into teams (id, organization_id, name, description, parent_id, path, metadata)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, team.ID, team.OrganizationID, team.Name, nullIfEmpty(team.Description),
		nullIfEmpty(team.ParentID), path, metaJSON); err != nil {
		return mapWriteError(err, fmt.Sprintf("team %q", team.ID))
	}
	return tx.Commit()
}

func (s *Store) GetTeam(ctx context.Context, orgID, id string) (authz.Team, error) {
	var (
		team     authz.Team
		desc     sql.NullString
		parentID sql.NullString
		rawMet   []byte
	)
	err := s.db.QueryRowContext(ctx, `
		select id, organization_id, name, description, parent_id, path, metadata, created_at, updated_at
		from teams
		where organization_id = $1 and id = $2
	`, orgID, id).Scan(&team.ID, &team.OrganizationID, &team.Name, &desc, &parentID,
		&team.Path, &rawMet, &team.CreatedAt, &team.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return authz.Team{}, fmt.Errorf("%w: team %q in organization %q", authz.ErrNotFound, id, orgID)
	}
	if err != nil {
		return authz.Team{}, err
	}
	team.Description = desc.String
	team.ParentID = parentID.String
	if team.Metadata, err = unmarshalMeta(rawMet); err != nil {
		return authz.Team{}, err
	}

	rows, err := s.db.QueryContext(ctx, `
		select user_id from team_members where team_id = $1 order by user_id
	`, id)
	if err != nil {
		return authz.Team{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return authz.Team{}, err
		}
		team.Users = append(team.Users, userID)
	}
	return team, rows.Err()
}

func (s *Store) UpdateTeam(ctx context.Context, orgID, id string, upd authz.TeamUpdate) (authz.Team, error) {
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
			return authz.Team{}, err
		}
		setClauses = append(setClauses, fmt.Sprintf("metadata = $%d", idx))
		args = append(args, raw)
		idx++
	}
	if len(setClauses) > 0 {
		setClauses = append(setClauses, "updated_at = now()")
		query := fmt.Sprintf(`update teams set %s where organization_id = $%d and id = $%d`,
			strings.Join(setClauses, ", "), idx, idx+1)
		args = append(args, orgID, id)
		if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
			return authz.Team{}, err
		}
	}
	return s.GetTeam(ctx, orgID, id)
}

// DeleteTeam removes the team and its whole subtree; descendant
// memberships cascade and the subtree's instance rows are cleared in
// the same transaction.
func (s *Store) DeleteTeam(ctx context.Context, orgID, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var path string
	err = tx.QueryRowContext(ctx, `
		select path from teams where organization_id = $1 and id = $2
	`, orgID, id).Scan(&path)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: team %q in organization %q", authz.ErrNotFound, id, orgID)
	}
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		delete from policy_instances
		where owner_type = 'team'
		  and owner_id in (
			select id from teams
			where organization_id = $1 and (path = $2 or path like $3)
		  )
	`, orgID, path, path+".%"); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		delete from teams
		where organization_id = $1 and (path = $2 or path like $3)
	`, orgID, path, path+".%"); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) ListTeams(ctx context.Context, orgID string) ([]authz.Team, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, organization_id, name, description, parent_id, path, metadata, created_at, updated_at
		from teams
		where organization_id = $1
		order by path
	`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTeams(rows)
}

// MoveTeam re-parents the team and rewrites every descendant's path in
// one transaction. An empty parentID promotes the team to a root.
func (s *Store) MoveTeam(ctx context.Context, orgID, id, parentID string) (authz.Team, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return authz.Team{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var oldPath string
	err = tx.QueryRowContext(ctx, `
		select path from teams where organization_id = $1 and id = $2
	`, orgID, id).Scan(&oldPath)
	if errors.Is(err, sql.ErrNoRows) {
		return authz.Team{}, fmt.Errorf("%w: team %q in organization %q", authz.ErrNotFound, id, orgID)
	}
	if err != nil {
		return authz.Team{}, err
	}

	newPath := id
	if parentID != "" {
		var parentPath string
		err := tx.QueryRowContext(ctx, `
			select path from teams where organization_id = $1 and id = $2
		`, orgID, parentID).Scan(&parentPath)
		if errors.Is(err, sql.ErrNoRows) {
			return authz.Team{}, fmt.Errorf("%w: parent team %q in organization %q", authz.ErrNotFound, parentID, orgID)
		}
		if err != nil {
			return authz.Team{}, err
		}
		if parentPath == oldPath || strings.HasPrefix(parentPath, oldPath+".") {
			return authz.Team{}, fmt.Errorf("%w: cannot move team %q under its own subtree", authz.ErrValidation, id)
		}
		newPath = parentPath + "." + id
	}

	if _, err := tx.ExecContext(ctx, `
		update teams
		set path = $1 || substring(path from $2), updated_at = now()
		where organization_id = $3 and (path = $4 or path like $5)
	`, newPath, len(oldPath)+1, orgID, oldPath, oldPath+".%"); err != nil {
		return authz.Team{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		update teams set parent_id = $1, updated_at = now()
		where organization_id = $2 and id = $3
	`, nullIfEmpty(parentID), orgID, id); err != nil {
		return authz.Team{}, err
	}
	if err := tx.Commit(); err != nil {
		return authz.Team{}, err
	}
	return s.GetTeam(ctx, orgID, id)
}

// AddTeamMembers inserts memberships, skipping pairs that already
// exist. Users must belong to the team's organization.
func (s *Store) AddTeamMembers(ctx context.Context, orgID, teamID string, userIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := addMembersTx(ctx, tx, orgID, teamID, userIDs); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) ReplaceTeamMembers(ctx context.Context, orgID, teamID string, userIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := checkTeamTx(ctx, tx, orgID, teamID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `delete from team_members where team_id = $1`, teamID); err != nil {
		return err
	}
	if err := addMembersTx(ctx, tx, orgID, teamID, userIDs); err != nil {
		return err
	}
	return tx.Commit()
}

func addMembersTx(ctx context.Context, tx *sql.Tx, orgID, teamID string, userIDs []string) error {
	if err := checkTeamTx(ctx, tx, orgID, teamID); err != nil {
		return err
	}
	for _, userID := range userIDs {
		res, err := tx.ExecContext(ctx, `
			insert into team_members (team_id, user_id)
			select $1, id from users where organization_id = $2 and id = $3
			on conflict (team_id, user_id) do nothing
		`, teamID, orgID, userID)
		if err != nil {
			return err
		}
		aff, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if aff == 0 {
			// Either the user is missing or the row already existed;
			// distinguish with a lookup.
			var exists bool
			if err := tx.QueryRowContext(ctx, `
				select exists(select 1 from users where organization_id = $1 and id = $2)
			`, orgID, userID).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return fmt.Errorf("%w: user %q in organization %q", authz.ErrNotFound, userID, orgID)
			}
		}
	}
	return nil
}

func checkTeamTx(ctx context.Context, tx *sql.Tx, orgID, teamID string) error {
	var exists bool
	if err := tx.QueryRowContext(ctx, `
		select exists(select 1 from teams where organization_id = $1 and id = $2)
	`, orgID, teamID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: team %q in organization %q", authz.ErrNotFound, teamID, orgID)
	}
	return nil
}

func (s *Store) RemoveTeamMember(ctx context.Context, orgID, teamID, userID string) error {
	res, err := s.db.ExecContext(ctx, `
		delete from team_members
		where team_id = $1 and user_id = $2
		  and team_id in (select id from teams where organization_id = $3)
	`, teamID, userID, orgID)
	if err != nil {
		return err
	}
	if _, err := res.RowsAffected(); err != nil {
		return err
	}
	return nil
}

func (s *Store) TeamMembers(ctx context.Context, orgID, teamID string) ([]authz.User, error) {
	if _, err := s.GetTeam(ctx, orgID, teamID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		select u.id, u.organization_id, u.name, u.metadata, u.created_at, u.updated_at
		from users u
		join team_members m on m.user_id = u.id
		where m.team_id = $1
		order by u.id
	`, teamID)
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
	return users, rows.Err()
}

func collectTeams(rows *sql.Rows) ([]authz.Team, error) {
	var teams []authz.Team
	for rows.Next() {
		var (
			team     authz.Team
			desc     sql.NullString
			parentID sql.NullString
			rawMet   []byte
		)
		if err := rows.Scan(&team.ID, &team.OrganizationID, &team.Name, &desc, &parentID,
			&team.Path, &rawMet, &team.CreatedAt, &team.UpdatedAt); err != nil {
			return nil, err
		}
		team.Description = desc.String
		team.ParentID = parentID.String
		var err error
		if team.Metadata, err = unmarshalMeta(rawMet); err != nil {
			return nil, err
		}
		teams = append(teams, team)
	}
	return teams, rows.Err()
}
