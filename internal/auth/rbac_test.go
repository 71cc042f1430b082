package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestRBAC_Allowed(t *testing.T) {
	r := NewRBAC(DefaultRoles())

	tests := []struct {
		name   string
		claims Claims
		perm   Permission
		want   bool
	}{
		{"no role reads documents", Claims{}, PermDocumentsRead, true},
		{"no role searches", Claims{}, PermSearch, true},
		{"no role cannot reset breakers", Claims{}, PermAdminWrite, false},
		{"supabase session is a user", Claims{Role: "authenticated"}, PermDocumentsWrite, true},
		{"supabase session is not an admin", Claims{Role: "authenticated"}, PermAdminRead, false},
		{"admin has everything", Claims{Role: RoleAdmin}, PermAdminWrite, true},
		{"unknown role has nothing", Claims{Role: "guest"}, PermDocumentsRead, false},
		{"explicit grant", Claims{Permissions: []string{"admin:read"}}, PermAdminRead, true},
		{"explicit grants replace the role", Claims{Role: RoleAdmin, Permissions: []string{"search:query"}}, PermAdminWrite, false},
		{"explicit wildcard", Claims{Permissions: []string{"*"}}, PermAdminWrite, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.Allowed(&tt.claims, tt.perm))
		})
	}
}

func TestRequirePermission(t *testing.T) {
	r := NewRBAC(DefaultRoles())
	guard := func(m *JWTMiddleware, req *http.Request) int {
		h := m.Authenticate(r.RequirePermission(PermAdminWrite)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	user := uuid.New()

	disabled := NewJWTMiddleware("", true)
	req := httptest.NewRequest(http.MethodPost, "/breakers/reset", nil)
	req.Header.Set(UserHeader, user.String())
	assert.Equal(t, http.StatusForbidden, guard(disabled, req))

	req = httptest.NewRequest(http.MethodPost, "/breakers/reset", nil)
	req.Header.Set(UserHeader, user.String())
	req.Header.Set(RoleHeader, RoleAdmin)
	assert.Equal(t, http.StatusNoContent, guard(disabled, req))

	m := NewJWTMiddleware(secret, false)
	c := claimsFor(user.String(), time.Now().Add(time.Hour))
	c.Role = "authenticated"
	req = httptest.NewRequest(http.MethodPost, "/breakers/reset", nil)
	req.Header.Set("Authorization", "Bearer "+sign(t, secret, jwt.SigningMethodHS256, c))
	assert.Equal(t, http.StatusForbidden, guard(m, req))

	c.Role = RoleAdmin
	req = httptest.NewRequest(http.MethodPost, "/breakers/reset", nil)
	req.Header.Set("Authorization", "Bearer "+sign(t, secret, jwt.SigningMethodHS256, c))
	assert.Equal(t, http.StatusNoContent, guard(m, req))

	bare := r.RequirePermission(PermDocumentsRead)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	rec := httptest.NewRecorder()
	bare.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/documents", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "no user in context")
}
