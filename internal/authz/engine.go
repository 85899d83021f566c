package authz

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Check is one authorization question: may UserID perform Action on
// Resource within OrganizationID. Variables carries optional
// request-level bindings layered under the fixed subject context.
type Check struct {
	UserID         string            `json:"userId"`
	Action         string            `json:"action"`
	Resource       string            `json:"resource"`
	OrganizationID string            `json:"organizationId"`
	Variables      map[string]string `json:"variables,omitempty"`
}

// ActionsQuery asks which actions a user may perform on each of the
// given resources within an organization.
type ActionsQuery struct {
	UserID         string
	OrganizationID string
	Resources      []string
	Variables      map[string]string
}

// ResourceActions pairs one queried resource with the allowed actions.
type ResourceActions struct {
	Resource string   `json:"resource"`
	Actions  []string `json:"actions"`
}

// DecisionHook observes every decision after the fold and before it is
// returned. A non-nil error fails the whole call closed; a hook cannot
// turn a deny into an allow.
type DecisionHook func(ctx context.Context, chk *Check, allowed bool) error

// Engine answers authorization questions against the stored policy
// graph. It holds no per-call state and is safe for concurrent use.
type Engine struct {
	store    DecisionStore
	agg      *Aggregator
	superOrg string

	mu    sync.RWMutex
	hooks []DecisionHook
}

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

// WithSuperOrganization marks an organization whose users carry an
// implicit allow-all policy. Empty disables the overlay.
func WithSuperOrganization(id string) EngineOption {
	return func(e *Engine) { e.superOrg = strings.TrimSpace(id) }
}

// NewEngine builds a decision engine over the given store.
func NewEngine(store DecisionStore, opts ...EngineOption) *Engine {
	e := &Engine{store: store, agg: NewAggregator(store)}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// OnDecision registers a hook invoked after every IsAuthorized fold.
func (e *Engine) OnDecision(fn DecisionHook) {
	if fn == nil {
		return
	}
	e.mu.Lock()
	e.hooks = append(e.hooks, fn)
	e.mu.Unlock()
}

// SuperOrganization returns the configured super organization id.
func (e *Engine) SuperOrganization() string { return e.superOrg }

func (e *Engine) isSuperOrg(orgID string) bool {
	return e.superOrg != "" && orgID == e.superOrg
}

// EffectiveOrganization resolves the organization a subject operates
// in. Without impersonation it is the subject's home organization.
// Impersonating a different organization requires the subject to be a
// superuser and the target organization to exist.
func (e *Engine) EffectiveOrganization(ctx context.Context, sub Subject) (string, error) {
	actor, err := e.store.GetUserByID(ctx, sub.UserID)
	if err != nil {
		return "", err
	}
	target := strings.TrimSpace(sub.ImpersonatedOrg)
	if target == "" || target == actor.OrganizationID {
		return actor.OrganizationID, nil
	}
	if !e.isSuperOrg(actor.OrganizationID) {
		return "", fmt.Errorf("%w: organization impersonation requires a superuser", ErrForbidden)
	}
	if _, err := e.store.GetOrganization(ctx, target); err != nil {
		return "", err
	}
	return target, nil
}

// IsAuthorized reports whether the check passes. A denied check is a
// successful call with a false result; errors mean the question could
// not be answered.
func (e *Engine) IsAuthorized(ctx context.Context, chk Check) (bool, error) {
	if err := chk.validate(); err != nil {
		return false, err
	}
	applied, super, err := e.collectApplied(ctx, chk.OrganizationID, chk.UserID)
	if err != nil {
		return false, err
	}
	bag := BuildVariables(chk.UserID, chk.OrganizationID, chk.Variables)
	allowed := evaluate(applied, chk.Action, chk.Resource, bag)
	if !allowed && super {
		// The overlay is an ordinary Allow */* layered on top, so an
		// explicit Deny in the fold above has already won.
		allowed = !denied(applied, chk.Action, chk.Resource, bag)
	}
	if err := e.runHooks(ctx, &chk, allowed); err != nil {
		return false, fmt.Errorf("%w: decision hook: %v", ErrInternal, err)
	}
	return allowed, nil
}

// ListActions answers the actions query per resource, preserving the
// input resource order. Wildcard Allow actions are not enumerable and
// contribute nothing; wildcard Deny actions remove every action they
// cover.
func (e *Engine) ListActions(ctx context.Context, q ActionsQuery) ([]ResourceActions, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	applied, _, err := e.collectApplied(ctx, q.OrganizationID, q.UserID)
	if err != nil {
		return nil, err
	}
	bag := BuildVariables(q.UserID, q.OrganizationID, q.Variables)
	out := make([]ResourceActions, 0, len(q.Resources))
	for _, resource := range q.Resources {
		out = append(out, ResourceActions{
			Resource: resource,
			Actions:  allowedActions(applied, resource, bag),
		})
	}
	return out, nil
}

// collectApplied aggregates the user's instances in the effective
// organization and reports whether the user is a superuser. A
// superuser evaluated inside a foreign organization has no rows there;
// the overlay alone speaks for them, but the organization must exist.
func (e *Engine) collectApplied(ctx context.Context, orgID, userID string) ([]AppliedPolicy, bool, error) {
	if e.superOrg == "" {
		applied, err := e.agg.Collect(ctx, orgID, userID)
		return applied, false, err
	}
	actor, err := e.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	super := e.isSuperOrg(actor.OrganizationID)
	if super && orgID != actor.OrganizationID {
		if _, err := e.store.GetOrganization(ctx, orgID); err != nil {
			return nil, false, err
		}
		return nil, true, nil
	}
	applied, err := e.agg.Collect(ctx, orgID, userID)
	return applied, super, err
}

func (e *Engine) runHooks(ctx context.Context, chk *Check, allowed bool) error {
	e.mu.RLock()
	hooks := e.hooks
	e.mu.RUnlock()
	for _, fn := range hooks {
		if err := fn(ctx, chk, allowed); err != nil {
			return err
		}
	}
	return nil
}

func (chk Check) validate() error {
	switch {
	case strings.TrimSpace(chk.UserID) == "":
		return fmt.Errorf("%w: user id is required", ErrValidation)
	case strings.TrimSpace(chk.Action) == "":
		return fmt.Errorf("%w: action is required", ErrValidation)
	case strings.TrimSpace(chk.Resource) == "":
		return fmt.Errorf("%w: resource is required", ErrValidation)
	case strings.TrimSpace(chk.OrganizationID) == "":
		return fmt.Errorf("%w: organization id is required", ErrValidation)
	}
	return nil
}

func (q ActionsQuery) validate() error {
	switch {
	case strings.TrimSpace(q.UserID) == "":
		return fmt.Errorf("%w: user id is required", ErrValidation)
	case strings.TrimSpace(q.OrganizationID) == "":
		return fmt.Errorf("%w: organization id is required", ErrValidation)
	case len(q.Resources) == 0:
		return fmt.Errorf("%w: at least one resource is required", ErrValidation)
	}
	for _, r := range q.Resources {
		if strings.TrimSpace(r) == "" {
			return fmt.Errorf("%w: resource is required", ErrValidation)
		}
	}
	return nil
}

// evaluate folds matching statements with Deny overriding Allow and
// default deny.
func evaluate(applied []AppliedPolicy, action, resource string, bag map[string]string) bool {
	allowed := false
	for _, ap := range applied {
		vars := mergeVariables(bag, ap.Variables)
		for _, st := range ap.Statements {
			rst := ResolveStatement(st, vars)
			if !MatchAny(rst.Action, action) || !MatchAny(rst.Resource, resource) {
				continue
			}
			if rst.Effect == EffectDeny {
				return false
			}
			allowed = true
		}
	}
	return allowed
}

// denied reports whether any matching statement denies the pair.
func denied(applied []AppliedPolicy, action, resource string, bag map[string]string) bool {
	for _, ap := range applied {
		vars := mergeVariables(bag, ap.Variables)
		for _, st := range ap.Statements {
			if st.Effect != EffectDeny {
				continue
			}
			rst := ResolveStatement(st, vars)
			if MatchAny(rst.Action, action) && MatchAny(rst.Resource, resource) {
				return true
			}
		}
	}
	return false
}

// allowedActions computes the distinct allowed action set for one
// resource: concrete Allow actions minus anything a matching Deny
// pattern covers, sorted.
func allowedActions(applied []AppliedPolicy, resource string, bag map[string]string) []string {
	allow := make(map[string]struct{})
	var denyPatterns []string
	for _, ap := range applied {
		vars := mergeVariables(bag, ap.Variables)
		for _, st := range ap.Statements {
			rst := ResolveStatement(st, vars)
			if !MatchAny(rst.Resource, resource) {
				continue
			}
			if rst.Effect == EffectDeny {
				denyPatterns = append(denyPatterns, rst.Action...)
				continue
			}
			for _, action := range rst.Action {
				if strings.ContainsRune(action, '*') {
					continue
				}
				allow[action] = struct{}{}
			}
		}
	}
	actions := make([]string, 0, len(allow))
	for action := range allow {
		if MatchAny(denyPatterns, action) {
			continue
		}
		actions = append(actions, action)
	}
	sort.Strings(actions)
	return actions
}
