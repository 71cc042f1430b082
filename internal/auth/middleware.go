// Package auth resolves the authenticated user for a request. Tokens are
// issued elsewhere; this package only verifies them.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// UserHeader and RoleHeader carry the caller when authentication is
// disabled.
const (
	UserHeader = "X-User-ID"
	RoleHeader = "X-User-Role"
)

type Claims struct {
	Email       string   `json:"email,omitempty"`
	Role        string   `json:"role,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	jwt.RegisteredClaims
}

type JWTMiddleware struct {
	secret   []byte
	disabled bool
}

// NewJWTMiddleware verifies HS256 bearer tokens signed with secret. With
// disabled set, the user id and role are read from the X-User-ID and
// X-User-Role headers instead.
func NewJWTMiddleware(secret string, disabled bool) *JWTMiddleware {
	return &JWTMiddleware{
		secret:   []byte(secret),
		disabled: disabled,
	}
}

func (m *JWTMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.disabled {
			userID, err := uuid.Parse(r.Header.Get(UserHeader))
			if err != nil {
				writeError(w, http.StatusUnauthorized, "missing or invalid "+UserHeader+" header")
				return
			}
			claims := &Claims{
				Role:             r.Header.Get(RoleHeader),
				RegisteredClaims: jwt.RegisteredClaims{Subject: userID.String()},
			}
			ctx := context.WithValue(WithUserID(r.Context(), userID), claimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		tokenStr := extractBearerToken(r)
		if tokenStr == "" {
			writeError(w, http.StatusUnauthorized, "missing authorization token")
			return
		}

		claims, err := m.Parse(tokenStr)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		userID, err := uuid.Parse(claims.Subject)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid user ID in token")
			return
		}

		ctx := WithUserID(r.Context(), userID)
		ctx = context.WithValue(ctx, claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Parse verifies the token signature and expiry.
func (m *JWTMiddleware) Parse(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

type ctxKey string

const (
	claimsKey ctxKey = "claims"
	userKey   ctxKey = "user_id"
)

func WithUserID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, userKey, id)
}

// UserIDFromContext returns uuid.Nil for unauthenticated requests.
func UserIDFromContext(ctx context.Context) uuid.UUID {
	id, _ := ctx.Value(userKey).(uuid.UUID)
	return id
}

func ClaimsFromContext(ctx context.Context) *Claims {
	c, _ := ctx.Value(claimsKey).(*Claims)
	return c
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
