package server

import (
	"net/http"

	"github.com/replicant-partners/chrysalis/internal/auth"
	"github.com/replicant-partners/chrysalis/internal/model"
)

// RoleMiddlewareFn builds the middleware that gates a route behind a
// minimum operator role. Passed to extra route registrars so enterprise
// code can reuse the same operator-JWT check the built-in routes use,
// without importing internal/auth directly.
type RoleMiddlewareFn func(role model.OperatorRole) func(http.Handler) http.Handler

// requireOperatorRole rejects requests that carry no valid operator JWT, or
// one whose role doesn't satisfy the route's minimum. Unlike
// checkOperatorRead (used by the built-in read endpoints, which treat a
// missing token as anonymous-but-allowed), a role-gated route has no
// anonymous path — extra routes registered this way are assumed to need an
// actual operator identity.
func requireOperatorRole(jwtMgr *auth.JWTManager, role model.OperatorRole) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := operatorClaims(jwtMgr, r)
			if err != nil || claims == nil {
				writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "operator token required")
				return
			}
			if !roleSatisfies(claims.Role, role) {
				writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "insufficient operator role")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// roleSatisfies implements the two-level hierarchy: admin satisfies any
// requirement, reader only satisfies a reader requirement.
func roleSatisfies(have, need model.OperatorRole) bool {
	if have == model.RoleOperatorAdmin {
		return true
	}
	return have == need
}
