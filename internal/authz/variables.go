package authz

import (
	"regexp"
	"sort"
)

// Placeholders have the form `${name}` where name is one or more ASCII
// identifier characters. There is no nesting and no escape syntax: a
// literal `${` that never closes is simply not a placeholder and passes
// through untouched.
var placeholderPattern = regexp.MustCompile(`\$\{([A-Za-z0-9_.]+)\}`)

// Resolve expands `${name}` placeholders in template using vars.
// Placeholders with no binding are left verbatim so an administrator
// can see which variables a policy still needs.
func Resolve(template string, vars map[string]string) string {
	return placeholderPattern.ReplaceAllStringFunc(template, func(m string) string {
		name := m[2 : len(m)-1]
		if v, ok := vars[name]; ok {
			return v
		}
		return m
	})
}

// ResolveStatement returns a copy of st with every Action and Resource
// entry resolved against vars. The input statement is not modified.
func ResolveStatement(st Statement, vars map[string]string) Statement {
	out := st
	out.Action = resolveAll(st.Action, vars)
	out.Resource = resolveAll(st.Resource, vars)
	return out
}

func resolveAll(templates []string, vars map[string]string) []string {
	if len(templates) == 0 {
		return nil
	}
	out := make([]string, len(templates))
	for i, t := range templates {
		out[i] = Resolve(t, vars)
	}
	return out
}

// ExtractVariableNames returns the distinct `${name}` placeholders
// appearing anywhere in the statements, sorted for stable introspection
// output. The returned values keep their `${...}` form.
func ExtractVariableNames(statements []Statement) []string {
	seen := make(map[string]struct{})
	collect := func(values []string) {
		for _, v := range values {
			for _, m := range placeholderPattern.FindAllString(v, -1) {
				seen[m] = struct{}{}
			}
		}
	}
	for _, st := range statements {
		collect(st.Action)
		collect(st.Resource)
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Context variable names seeded into every evaluation bag.
const (
	VarUserID         = "udaru.userId"
	VarOrganizationID = "udaru.organizationId"
)

// BuildVariables assembles the per-evaluation variable bag: request
// supplied pairs first, then the fixed subject context, which always
// wins on collision.
func BuildVariables(userID, organizationID string, extra map[string]string) map[string]string {
	bag := make(map[string]string, len(extra)+2)
	for k, v := range extra {
		bag[k] = v
	}
	bag[VarUserID] = userID
	bag[VarOrganizationID] = organizationID
	return bag
}

// mergeVariables layers per-instance bindings under the evaluation bag;
// the bag's fixed context entries stay authoritative.
func mergeVariables(bag, instance map[string]string) map[string]string {
	if len(instance) == 0 {
		return bag
	}
	merged := make(map[string]string, len(bag)+len(instance))
	for k, v := range instance {
		merged[k] = v
	}
	for k, v := range bag {
		merged[k] = v
	}
	return merged
}
