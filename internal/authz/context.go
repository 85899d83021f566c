package authz

import "context"

// Subject identifies the caller of a request after authentication.
// ImpersonatedOrg is set when a superuser asked to act inside another
// organization for the duration of the request.
type Subject struct {
	UserID          string
	OrganizationID  string
	ImpersonatedOrg string
}

type subjectContextKey struct{}

// ContextWithSubject attaches the authenticated subject to the context.
func ContextWithSubject(ctx context.Context, sub Subject) context.Context {
	return context.WithValue(ctx, subjectContextKey{}, &sub)
}

// SubjectFromContext extracts the authenticated subject from the context.
func SubjectFromContext(ctx context.Context) (Subject, bool) {
	if ctx == nil {
		return Subject{}, false
	}
	if sub, ok := ctx.Value(subjectContextKey{}).(*Subject); ok && sub != nil {
		return *sub, true
	}
	return Subject{}, false
}
