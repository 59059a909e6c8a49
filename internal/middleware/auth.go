// Package middleware provides the HTTP middleware in front of the ledger API.
package middleware

import (
	"context"
	"crypto/rsa"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/custody_ledger/pkg/logger"
)

type contextKey string

const (
	userIDKey contextKey = "user_id"
	rolesKey  contextKey = "roles"
)

// Claims are the bearer token claims. The subject is the caller's user id.
type Claims struct {
	Role  string   `json:"role,omitempty"`
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

func (c *Claims) allRoles() []string {
	roles := append([]string(nil), c.Roles...)
	if c.Role != "" {
		roles = append(roles, c.Role)
	}
	return roles
}

// AuthConfig configures token validation.
type AuthConfig struct {
	PublicKey *rsa.PublicKey
	Issuer    string
	Audience  string
	SkipPaths []string
}

// AuthMiddleware validates RS256 bearer tokens.
type AuthMiddleware struct {
	publicKey *rsa.PublicKey
	parser    *jwt.Parser
	log       *logger.Logger
	skipPaths map[string]bool
}

// NewAuthMiddleware creates the middleware.
func NewAuthMiddleware(cfg AuthConfig, log *logger.Logger) *AuthMiddleware {
	if log == nil {
		log = logger.NewDefault("auth")
	}
	skip := make(map[string]bool, len(cfg.SkipPaths))
	for _, path := range cfg.SkipPaths {
		skip[path] = true
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return &AuthMiddleware{
		publicKey: cfg.PublicKey,
		parser:    jwt.NewParser(opts...),
		log:       log,
		skipPaths: skip,
	}
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
			m.reject(w, r, "missing Authorization header", nil)
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			m.reject(w, r, "invalid Authorization header format", nil)
			return
		}

		claims, err := m.validateToken(parts[1])
		if err != nil {
			m.reject(w, r, "invalid token", err)
			return
		}

		ctx := WithUser(r.Context(), claims.Subject, claims.allRoles()...)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *AuthMiddleware) validateToken(raw string) (*Claims, error) {
	claims := &Claims{}
	token, err := m.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return m.publicKey, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("token is not valid")
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, fmt.Errorf("token has no subject")
	}
	return claims, nil
}

func (m *AuthMiddleware) reject(w http.ResponseWriter, r *http.Request, message string, err error) {
	entry := m.log.WithFields(logrus.Fields{"path": r.URL.Path, "method": r.Method})
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Warn("authentication failed")
	writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", message)
}

// RequireRole rejects callers that do not carry role.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !HasRole(r.Context(), role) {
				writeError(w, http.StatusForbidden, "FORBIDDEN", role+" role required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WithUser stores the authenticated caller on ctx.
func WithUser(ctx context.Context, userID string, roles ...string) context.Context {
	ctx = context.WithValue(ctx, userIDKey, userID)
	return context.WithValue(ctx, rolesKey, roles)
}

// GetUserID returns the authenticated user id, or "".
func GetUserID(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}

// HasRole reports whether the caller carries role.
func HasRole(ctx context.Context, role string) bool {
	roles, _ := ctx.Value(rolesKey).([]string)
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

// LoadRSAPublicKey parses a PEM public key given inline or, when pemText is
// empty, read from path.
func LoadRSAPublicKey(pemText, path string) (*rsa.PublicKey, error) {
	data := []byte(strings.TrimSpace(pemText))
	if len(data) == 0 && path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read public key: %w", err)
		}
	}
	if len(data) == 0 {
		return nil, nil
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	return key, nil
}
