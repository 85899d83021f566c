package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"perimeter.org/internal/authz"
)

func (s *Store) CreatePolicy(ctx context.Context, p authz.Policy) error {
	raw, err := marshalStatements(p.Statements)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into policies (id, organization_id, name, version, statements)
		values ($1, $2, $3, $4, $5)
	`, p.ID, nullIfEmpty(p.OrganizationID), p.Name, p.Version, raw)
	if err != nil {
		return mapWriteError(err, fmt.Sprintf("policy %q", p.ID))
	}
	return nil
}

// GetPolicy fetches by id within one organization scope; an empty
// orgID addresses the shared pool.
func (s *Store) GetPolicy(ctx context.Context, orgID, id string) (authz.Policy, error) {
	var (
		p      authz.Policy
		org    sql.NullString
		rawSts []byte
	)
	err := s.db.QueryRowContext(ctx, `
		select id, organization_id, name, version, statements
		from policies
		where id = $1 and organization_id is not distinct from $2
	`, id, nullIfEmpty(orgID)).Scan(&p.ID, &org, &p.Name, &p.Version, &rawSts)
	if errors.Is(err, sql.ErrNoRows) {
		return authz.Policy{}, fmt.Errorf("%w: policy %q in organization %q", authz.ErrNotFound, id, orgID)
	}
	if err != nil {
		return authz.Policy{}, err
	}
	p.OrganizationID = org.String
	if p.Statements, err = unmarshalStatements(rawSts); err != nil {
		return authz.Policy{}, err
	}
	return p, nil
}

func (s *Store) UpdatePolicy(ctx context.Context, orgID, id string, upd authz.PolicyUpdate) (authz.Policy, error) {
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
	if upd.Version != nil {
		setClauses = append(setClauses, fmt.Sprintf("version = $%d", idx))
		args = append(args, *upd.Version)
		idx++
	}
	if upd.Statements != nil {
		raw, err := marshalStatements(upd.Statements)
		if err != nil {
			return authz.Policy{}, err
		}
		setClauses = append(setClauses, fmt.Sprintf("statements = $%d", idx))
		args = append(args, raw)
		idx++
	}
	if len(setClauses) > 0 {
		query := fmt.Sprintf(`update policies set %s where id = $%d and organization_id is not distinct from $%d`,
			strings.Join(setClauses, ", "), idx, idx+1)
		args = append(args, id, nullIfEmpty(orgID))
		if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
			return authz.Policy{}, err
		}
	}
	return s.GetPolicy(ctx, orgID, id)
}

// DeletePolicy removes the document; its instance rows cascade.
func (s *Store) DeletePolicy(ctx context.Context, orgID, id string) error {
	res, err := s.db.ExecContext(ctx, `
		delete from policies
		where id = $1 and organization_id is not distinct from $2
	`, id, nullIfEmpty(orgID))
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return fmt.Errorf("%w: policy %q in organization %q", authz.ErrNotFound, id, orgID)
	}
	return nil
}

func (s *Store) ListPolicies(ctx context.Context, orgID string) ([]authz.Policy, error) {
	return s.queryPolicies(ctx, `
		select id, organization_id, name, version, statements
		from policies
		where organization_id = $1
		order by id
	`, orgID)
}

func (s *Store) ListSharedPolicies(ctx context.Context) ([]authz.Policy, error) {
	return s.queryPolicies(ctx, `
		select id, organization_id, name, version, statements
		from policies
		where organization_id is null
		order by id
	`)
}

func (s *Store) queryPolicies(ctx context.Context, query string, args ...any) ([]authz.Policy, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var policies []authz.Policy
	for rows.Next() {
		var (
			p      authz.Policy
			org    sql.NullString
			rawSts []byte
		)
		if err := rows.Scan(&p.ID, &org, &p.Name, &p.Version, &rawSts); err != nil {
			return nil, err
		}
		p.OrganizationID = org.String
		if p.Statements, err = unmarshalStatements(rawSts); err != nil {
			return nil, err
		}
		policies = append(policies, p)
	}
	return policies, rows.Err()
}

func (s *Store) AddInstances(ctx context.Context, owner authz.EntityRef, instances []authz.PolicyInstance) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertInstancesTx(ctx, tx, owner, instances); err != nil {
		return err
	}
	return tx.Commit()
}

// ReplaceInstances clears and reinstalls the entity's attachments in
// one transaction so a concurrent decision never observes a partial
// swap.
func (s *Store) ReplaceInstances(ctx context.Context, owner authz.EntityRef, instances []authz.PolicyInstance) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		delete from policy_instances where owner_type = $1 and owner_id = $2
	`, string(owner.Kind), owner.ID); err != nil {
		return err
	}
	if err := insertInstancesTx(ctx, tx, owner, instances); err != nil {
		return err
	}
	return tx.Commit()
}

func insertInstancesTx(ctx context.Context, tx *sql.Tx, owner authz.EntityRef, instances []authz.PolicyInstance) error {
	for _, inst := range instances {
		rawVars, err := marshalVars(inst.Variables)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			insert into policy_instances (instance_id, owner_type, owner_id, policy_id, variables)
			values ($1, $2, $3, $4, $5)
		`, inst.Instance, string(owner.Kind), owner.ID, inst.PolicyID, rawVars); err != nil {
			return mapWriteError(err, fmt.Sprintf("policy instance %q", inst.Instance))
		}
	}
	return nil
}

func (s *Store) DeleteInstances(ctx context.Context, owner authz.EntityRef) error {
	_, err := s.db.ExecContext(ctx, `
		delete from policy_instances where owner_type = $1 and owner_id = $2
	`, string(owner.Kind), owner.ID)
	return err
}

// DeleteInstance is a no-op when nothing matches.
func (s *Store) DeleteInstance(ctx context.Context, owner authz.EntityRef, policyID, instanceID string) error {
	if instanceID != "" {
		_, err := s.db.ExecContext(ctx, `
			delete from policy_instances
			where owner_type = $1 and owner_id = $2 and policy_id = $3 and instance_id = $4
		`, string(owner.Kind), owner.ID, policyID, instanceID)
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		delete from policy_instances
		where owner_type = $1 and owner_id = $2 and policy_id = $3
	`, string(owner.Kind), owner.ID, policyID)
	return err
}

func (s *Store) ListInstances(ctx context.Context, owner authz.EntityRef) ([]authz.PolicyInstance, error) {
	rows, err := s.db.QueryContext(ctx, `
		select policy_id, instance_id, variables
		from policy_instances
		where owner_type = $1 and owner_id = $2
		order by seq
	`, string(owner.Kind), owner.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []authz.PolicyInstance
	for rows.Next() {
		var (
			inst    authz.PolicyInstance
			rawVars []byte
		)
		if err := rows.Scan(&inst.PolicyID, &inst.Instance, &rawVars); err != nil {
			return nil, err
		}
		if inst.Variables, err = unmarshalVars(rawVars); err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

// PolicyAttachments lists where a policy is attached, organizations
// first, then teams, then users, creation order within each kind.
func (s *Store) PolicyAttachments(ctx context.Context, policyID string) ([]authz.Attachment, error) {
	rows, err := s.db.QueryContext(ctx, `
		select owner_type, owner_id, instance_id, variables
		from policy_instances
		where policy_id = $1
		order by case owner_type when 'organization' then 0 when 'team' then 1 else 2 end, seq
	`, policyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attachments []authz.Attachment
	for rows.Next() {
		var (
			a       authz.Attachment
			kind    string
			rawVars []byte
		)
		if err := rows.Scan(&kind, &a.EntityID, &a.Instance, &rawVars); err != nil {
			return nil, err
		}
		a.EntityKind = authz.EntityKind(kind)
		if a.Variables, err = unmarshalVars(rawVars); err != nil {
			return nil, err
		}
		attachments = append(attachments, a)
	}
	return attachments, rows.Err()
}

// EntityInstances joins an entity's attachments with their policy
// documents in attachment order; it feeds the decision aggregator.
func (s *Store) EntityInstances(ctx context.Context, owner authz.EntityRef) ([]authz.AppliedPolicy, error) {
	rows, err := s.db.QueryContext(ctx, `
		select p.id, p.name, p.version, i.instance_id, i.variables, p.statements
		from policy_instances i
		join policies p on p.id = i.policy_id
		where i.owner_type = $1 and i.owner_id = $2
		order by i.seq
	`, string(owner.Kind), owner.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var applied []authz.AppliedPolicy
	for rows.Next() {
		var (
			ap      authz.AppliedPolicy
			rawVars []byte
			rawSts  []byte
		)
		if err := rows.Scan(&ap.PolicyID, &ap.Name, &ap.Version, &ap.Instance, &rawVars, &rawSts); err != nil {
			return nil, err
		}
		if ap.Variables, err = unmarshalVars(rawVars); err != nil {
			return nil, err
		}
		if ap.Statements, err = unmarshalStatements(rawSts); err != nil {
			return nil, err
		}
		applied = append(applied, ap)
	}
	return applied, rows.Err()
}
