package authz

import (
	"encoding/json"
	"fmt"
	"time"
)

// Effect is the outcome a statement contributes to a decision.
type Effect string

const (
	EffectAllow Effect = "Allow"
	EffectDeny  Effect = "Deny"
)

// Statement grants or denies a set of action patterns over a set of
// resource patterns. Patterns may contain `*` wildcards and `${name}`
// variable placeholders resolved per policy instance.
type Statement struct {
	Sid      string   `json:"Sid,omitempty"`
	Effect   Effect   `json:"Effect"`
	Action   []string `json:"Action"`
	Resource []string `json:"Resource"`
}

// Policy is a named, versioned list of statements. A policy with an
// empty OrganizationID is shared: visible to, and attachable by, every
// organization.
type Policy struct {
	ID             string      `json:"id"`
	OrganizationID string      `json:"organizationId,omitempty"`
	Name           string      `json:"name"`
	Version        string      `json:"version"`
	Statements     []Statement `json:"statements"`
}

// Shared reports whether the policy is cross-organization.
func (p Policy) Shared() bool { return p.OrganizationID == "" }

// PolicyInstance is one attachment of a policy to an entity. The same
// policy may be attached to the same entity several times, each time
// with its own instance id and variable bindings; exact duplicates are
// legal and deliberately not collapsed.
type PolicyInstance struct {
	PolicyID  string            `json:"policyId"`
	Instance  string            `json:"instance"`
	Variables map[string]string `json:"variables"`
}

// PolicyRef names a policy to attach. Its JSON form is either a bare
// policy id string or an object {"id": ..., "variables": {...}}.
type PolicyRef struct {
	ID        string            `json:"id"`
	Variables map[string]string `json:"variables,omitempty"`
}

// UnmarshalJSON accepts both the bare-string and the object form.
func (r *PolicyRef) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &r.ID)
	}
	type ref PolicyRef
	var v ref
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*r = PolicyRef(v)
	return nil
}

// EntityKind identifies the owner of a policy instance.
type EntityKind string

const (
	EntityOrganization EntityKind = "organization"
	EntityTeam         EntityKind = "team"
	EntityUser         EntityKind = "user"
)

// ParseEntityKind validates a kind string from the wire.
func ParseEntityKind(s string) (EntityKind, error) {
	switch EntityKind(s) {
	case EntityOrganization, EntityTeam, EntityUser:
		return EntityKind(s), nil
	}
	return "", fmt.Errorf("%w: unknown entity kind %q", ErrValidation, s)
}

// EntityRef addresses one policy-carrying entity within an
// organization. For organizations ID equals OrganizationID.
type EntityRef struct {
	Kind           EntityKind `json:"entityType"`
	ID             string     `json:"entityId"`
	OrganizationID string     `json:"organizationId"`
}

// Attachment is the reverse-lookup view of a policy instance: where a
// given policy is attached and with which variable bindings.
type Attachment struct {
	EntityKind EntityKind        `json:"entityType"`
	EntityID   string            `json:"entityId"`
	Instance   string            `json:"instance"`
	Variables  map[string]string `json:"variables"`
}

// AppliedPolicy is an aggregated policy instance joined with the policy
// body it references, ready for evaluation.
type AppliedPolicy struct {
	PolicyID   string
	Name       string
	Version    string
	Instance   string
	Variables  map[string]string
	Statements []Statement
}

// Organization owns teams, users and policies.
type Organization struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Team is a possibly nested group of users. Path is the dot-separated
// chain of ancestor team ids ending with the team's own id; it always
// reflects the current parent chain.
type Team struct {
	ID             string         `json:"id"`
	OrganizationID string         `json:"organizationId"`
	Name           string         `json:"name"`
	Description    string         `json:"description,omitempty"`
	ParentID       string         `json:"parentId,omitempty"`
	Path           string         `json:"path"`
	Users          []string       `json:"users,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Ancestors returns the ids of the team's ancestors, outermost first,
// derived from the materialized path.
func (t Team) Ancestors() []string {
	ids := splitPath(t.Path)
	if len(ids) <= 1 {
		return nil
	}
	return ids[:len(ids)-1]
}

func splitPath(path string) []string {
	if path == "" {
		return nil
	}
	var ids []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			ids = append(ids, path[start:i])
			start = i + 1
		}
	}
	return append(ids, path[start:])
}

// User belongs to exactly one organization. Teams is a read-only view
// of direct memberships.
type User struct {
	ID             string         `json:"id"`
	OrganizationID string         `json:"organizationId"`
	Name           string         `json:"name"`
	Teams          []string       `json:"teams,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Update payloads use pointer fields so handlers can distinguish
// "absent" from "set to empty".

type OrganizationUpdate struct {
	Name        *string
	Description *string
	Metadata    map[string]any
}

type TeamUpdate struct {
	Name        *string
	Description *string
	Metadata    map[string]any
}

type UserUpdate struct {
	Name     *string
	Metadata map[string]any
}

type PolicyUpdate struct {
	Name       *string
	Version    *string
	Statements []Statement
}
