// Package middleware provides the HTTP middleware chain: JWT authentication,
// per-user rate limiting and CORS.
package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/AgentPay-Network/wallet_layer/pkg/logger"
)

type contextKey string

const (
	userIDKey   contextKey = "user_id"
	walletIDKey contextKey = "wallet_id"
	roleKey     contextKey = "role"
)

// Claims are the JWT claims accepted by the API. WalletID scopes the token to
// one wallet; an empty WalletID grants access to all of the user's wallets.
type Claims struct {
	UserID   string `json:"user_id"`
	WalletID string `json:"wallet_id,omitempty"`
	Role     string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// AuthMiddleware validates bearer tokens and stamps the request context with
// the caller's identity.
type AuthMiddleware struct {
	secret    []byte
	skipPaths map[string]bool
	log       *logger.Logger
}

// NewAuthMiddleware creates an HMAC-verified auth middleware. Paths in
// skipPaths bypass authentication entirely.
func NewAuthMiddleware(secret []byte, skipPaths []string, log *logger.Logger) *AuthMiddleware {
	skip := make(map[string]bool, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = true
	}
	if log == nil {
		log = logger.NewDefault("auth")
	}
	return &AuthMiddleware{secret: secret, skipPaths: skip, log: log}
}

// Handler returns the middleware handler.
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skipPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		if header == "" {
			unauthorized(w, "missing Authorization header")
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			unauthorized(w, "invalid Authorization header format")
			return
		}

		claims, err := m.validateToken(parts[1])
		if err != nil {
			m.log.WithError(err).WithField("path", r.URL.Path).Warn("token validation failed")
			unauthorized(w, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, claims.UserID)
		if claims.WalletID != "" {
			ctx = context.WithValue(ctx, walletIDKey, claims.WalletID)
		}
		if claims.Role != "" {
			ctx = context.WithValue(ctx, roleKey, claims.Role)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *AuthMiddleware) validateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid claims")
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("token has no user_id")
	}
	return claims, nil
}

// GetUserID extracts the authenticated user id from the context.
func GetUserID(ctx context.Context) string {
	v, _ := ctx.Value(userIDKey).(string)
	return v
}

// GetWalletID extracts the token's wallet scope from the context.
func GetWalletID(ctx context.Context) string {
	v, _ := ctx.Value(walletIDKey).(string)
	return v
}

// GetRole extracts the caller's role from the context.
func GetRole(ctx context.Context) string {
	v, _ := ctx.Value(roleKey).(string)
	return v
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
