package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"perimeter.org/internal/authz"
)

const (
	authHeader = "Authorization"
	orgHeader  = "X-Perimeter-Org"
	bearer     = "Bearer "
)

var publicPaths = []string{
	"/v1/info",
}

// withSubject authenticates the caller and resolves the organization
// the request operates in, honoring the impersonation header for
// superusers. The resolved subject is stored in the request context
// with OrganizationID set to the effective organization.
func (a *API) withSubject(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		userID, err := a.subjectID(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}

		sub := authz.Subject{
			UserID:          userID,
			ImpersonatedOrg: strings.TrimSpace(r.Header.Get(orgHeader)),
		}
		effOrg, err := a.engine.EffectiveOrganization(r.Context(), sub)
		if err != nil {
			switch {
			case errors.Is(err, authz.ErrForbidden):
				writeError(w, r, http.StatusForbidden, err.Error())
			case errors.Is(err, authz.ErrNotFound) && sub.ImpersonatedOrg == "":
				writeError(w, r, http.StatusUnauthorized, "unknown subject")
			case errors.Is(err, authz.ErrNotFound):
				writeError(w, r, http.StatusNotFound, err.Error())
			default:
				writeError(w, r, http.StatusInternalServerError, "authentication error")
			}
			return
		}
		sub.OrganizationID = effOrg

		ctx := authz.ContextWithSubject(r.Context(), sub)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// subjectID extracts the caller's user id from the Authorization
// header: the subject claim of an HS256 token when a secret is
// configured, the raw header value otherwise.
func (a *API) subjectID(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing authorization header")
	}
	if a.secret == nil {
		return header, nil
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", errors.New("invalid token")
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", errors.New("token subject missing")
	}
	return claims.Subject, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
