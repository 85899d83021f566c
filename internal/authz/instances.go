package authz

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// AddPolicies appends one instance per ref to the entity. A fresh
// instance id is minted per ref, so repeating a policy id attaches it
// again rather than updating the earlier attachment.
func (s *Service) AddPolicies(ctx context.Context, owner EntityRef, refs []PolicyRef) ([]PolicyInstance, error) {
	if err := s.checkOwner(ctx, owner); err != nil {
		return nil, err
	}
	instances, err := s.mintInstances(ctx, owner, refs)
	if err != nil {
		return nil, err
	}
	if len(instances) > 0 {
		if err := s.store.AddInstances(ctx, owner, instances); err != nil {
			return nil, err
		}
	}
	return s.store.ListInstances(ctx, owner)
}

// ReplacePolicies atomically swaps the entity's instances for the
// given set. An empty set clears every attachment.
func (s *Service) ReplacePolicies(ctx context.Context, owner EntityRef, refs []PolicyRef) ([]PolicyInstance, error) {
	if err := s.checkOwner(ctx, owner); err != nil {
		return nil, err
	}
	instances, err := s.mintInstances(ctx, owner, refs)
	if err != nil {
		return nil, err
	}
	if err := s.store.ReplaceInstances(ctx, owner, instances); err != nil {
		return nil, err
	}
	return s.store.ListInstances(ctx, owner)
}

// DeletePolicies removes every attachment owned by the entity.
func (s *Service) DeletePolicies(ctx context.Context, owner EntityRef) error {
	if err := s.checkOwner(ctx, owner); err != nil {
		return err
	}
	return s.store.DeleteInstances(ctx, owner)
}

// DeletePolicyInstance removes the entity's attachments of one policy.
// With a non-empty instanceID only that attachment goes; with an empty
// one every attachment of the policy goes. Removing something that is
// not attached is a no-op.
func (s *Service) DeletePolicyInstance(ctx context.Context, owner EntityRef, policyID, instanceID string) error {
	if err := s.checkOwner(ctx, owner); err != nil {
		return err
	}
	if strings.TrimSpace(policyID) == "" {
		return fmt.Errorf("%w: policy id is required", ErrValidation)
	}
	return s.store.DeleteInstance(ctx, owner, policyID, strings.TrimSpace(instanceID))
}

// ListInstances returns the entity's attachments in creation order.
func (s *Service) ListInstances(ctx context.Context, owner EntityRef) ([]PolicyInstance, error) {
	if err := s.checkOwner(ctx, owner); err != nil {
		return nil, err
	}
	return s.store.ListInstances(ctx, owner)
}

// PolicyAttachments lists every entity the policy is attached to,
// organizations first, then teams, then users.
func (s *Service) PolicyAttachments(ctx context.Context, orgID, policyID string) ([]Attachment, error) {
	if _, err := s.GetPolicy(ctx, orgID, policyID); err != nil {
		return nil, err
	}
	return s.store.PolicyAttachments(ctx, policyID)
}

// checkOwner verifies that the attachment target exists. A missing
// target rejects the mutation rather than creating orphan rows.
func (s *Service) checkOwner(ctx context.Context, owner EntityRef) error {
	if _, err := ParseEntityKind(string(owner.Kind)); err != nil {
		return err
	}
	if err := requireIDs(map[string]string{"organization id": owner.OrganizationID}); err != nil {
		return err
	}
	if strings.TrimSpace(owner.ID) == "" {
		return fmt.Errorf("%w: entity id is required", ErrValidation)
	}
	var err error
	switch owner.Kind {
	case EntityOrganization:
		if owner.ID != owner.OrganizationID {
			return fmt.Errorf("%w: organization entity id must equal the organization id", ErrValidation)
		}
		_, err = s.store.GetOrganization(ctx, owner.ID)
	case EntityTeam:
		_, err = s.store.GetTeam(ctx, owner.OrganizationID, owner.ID)
	case EntityUser:
		_, err = s.store.GetUser(ctx, owner.OrganizationID, owner.ID)
	}
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: %s %q does not exist in organization %q", ErrForbidden, owner.Kind, owner.ID, owner.OrganizationID)
	}
	return err
}

// mintInstances validates each referenced policy and assigns instance
// ids. Referenced policies must belong to the entity's organization or
// be shared.
func (s *Service) mintInstances(ctx context.Context, owner EntityRef, refs []PolicyRef) ([]PolicyInstance, error) {
	instances := make([]PolicyInstance, 0, len(refs))
	for _, ref := range refs {
		ref.ID = strings.TrimSpace(ref.ID)
		if ref.ID == "" {
			return nil, fmt.Errorf("%w: policy id is required", ErrValidation)
		}
		if err := s.resolvePolicyRef(ctx, owner.OrganizationID, ref.ID); err != nil {
			return nil, err
		}
		instances = append(instances, PolicyInstance{
			PolicyID:  ref.ID,
			Instance:  uuid.NewString(),
			Variables: ref.Variables,
		})
	}
	return instances, nil
}

func (s *Service) resolvePolicyRef(ctx context.Context, orgID, policyID string) error {
	_, err := s.store.GetPolicy(ctx, orgID, policyID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNotFound) {
		return err
	}
	if _, sharedErr := s.store.GetPolicy(ctx, "", policyID); sharedErr == nil {
		return nil
	}
	return fmt.Errorf("%w: policy %q is not available to organization %q", ErrNotFound, policyID, orgID)
}
