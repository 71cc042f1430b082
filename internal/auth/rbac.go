package auth

import "net/http"

type Permission string

const (
	PermDocumentsRead  Permission = "documents:read"
	PermDocumentsWrite Permission = "documents:write"
	PermSearch         Permission = "search:query"
	PermAdminRead      Permission = "admin:read"
	PermAdminWrite     Permission = "admin:write"
	PermWildcard       Permission = "*"
)

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// DefaultRoles grants every signed-in user their own documents and search,
// and admins everything. Supabase stamps ordinary sessions "authenticated".
func DefaultRoles() map[string][]Permission {
	user := []Permission{PermDocumentsRead, PermDocumentsWrite, PermSearch}
	return map[string][]Permission{
		RoleUser:        user,
		"authenticated": user,
		RoleAdmin:       {PermWildcard},
	}
}

// RBAC checks permissions carried by the verified token. A token may list
// permissions explicitly; otherwise its role decides, and a token without a
// role is treated as RoleUser.
type RBAC struct {
	roles map[string][]Permission
}

func NewRBAC(roles map[string][]Permission) *RBAC {
	return &RBAC{roles: roles}
}

func (r *RBAC) RequirePermission(perm Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			claims := ClaimsFromContext(req.Context())
			if claims == nil {
				writeError(w, http.StatusForbidden, "no user in context")
				return
			}
			if !r.Allowed(claims, perm) {
				writeError(w, http.StatusForbidden, "insufficient permissions")
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

func (r *RBAC) Allowed(claims *Claims, perm Permission) bool {
	if len(claims.Permissions) > 0 {
		for _, p := range claims.Permissions {
			if Permission(p) == PermWildcard || Permission(p) == perm {
				return true
			}
		}
		return false
	}

	role := claims.Role
	if role == "" {
		role = RoleUser
	}
	for _, p := range r.roles[role] {
		if p == PermWildcard || p == perm {
			return true
		}
	}
	return false
}
