package authz

import "errors"

var (
	// ErrNotFound marks references to users, teams, organizations or
	// policies that do not exist or live outside the expected
	// organization scope.
	ErrNotFound = errors.New("not found")

	// ErrValidation marks malformed input: empty identifiers, missing
	// required fields, unsupported statement effects.
	ErrValidation = errors.New("invalid input")

	// ErrForbidden marks operations the subject is not allowed to
	// perform, including failed impersonation checks.
	ErrForbidden = errors.New("forbidden")

	// ErrConflict marks creation attempts with an already-taken id.
	ErrConflict = errors.New("resource conflict")

	// ErrInternal marks storage or hook failures. The HTTP layer never
	// exposes the wrapped detail to callers.
	ErrInternal = errors.New("internal error")
)
