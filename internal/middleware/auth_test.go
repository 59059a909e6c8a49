package middleware

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/custody_ledger/pkg/logger"
)

func generateTestKeys(t *testing.T) (*rsa.PrivateKey, *rsa.PublicKey) {
	t.Helper()
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return privateKey, &privateKey.PublicKey
}

func signToken(t *testing.T, key *rsa.PrivateKey, claims *Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	require.NoError(t, err)
	return token
}

func validClaims(subject string, roles ...string) *Claims {
	return &Claims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    "custody",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
}

func echoUser() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(GetUserID(r.Context())))
	})
}

func serve(h http.Handler, path, authorization string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAuthMiddleware_Handler(t *testing.T) {
	privateKey, publicKey := generateTestKeys(t)
	otherKey, _ := generateTestKeys(t)
	mw := NewAuthMiddleware(AuthConfig{
		PublicKey: publicKey,
		Issuer:    "custody",
		SkipPaths: []string{"/healthz"},
	}, logger.NewNop())
	handler := mw.Handler(echoUser())

	expired := validClaims("user-1")
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	wrongIssuer := validClaims("user-1")
	wrongIssuer.Issuer = "someone-else"
	noSubject := validClaims("")

	tests := []struct {
		name          string
		path          string
		authorization string
		wantStatus    int
		wantBody      string
	}{
		{name: "skip path", path: "/healthz", wantStatus: http.StatusOK},
		{name: "missing header", path: "/accounts", wantStatus: http.StatusUnauthorized},
		{name: "basic scheme", path: "/accounts", authorization: "Basic abc", wantStatus: http.StatusUnauthorized},
		{name: "garbage token", path: "/accounts", authorization: "Bearer not-a-jwt", wantStatus: http.StatusUnauthorized},
		{name: "expired", path: "/accounts", authorization: "Bearer " + signToken(t, privateKey, expired), wantStatus: http.StatusUnauthorized},
		{name: "wrong key", path: "/accounts", authorization: "Bearer " + signToken(t, otherKey, validClaims("user-1")), wantStatus: http.StatusUnauthorized},
		{name: "wrong issuer", path: "/accounts", authorization: "Bearer " + signToken(t, privateKey, wrongIssuer), wantStatus: http.StatusUnauthorized},
		{name: "no subject", path: "/accounts", authorization: "Bearer " + signToken(t, privateKey, noSubject), wantStatus: http.StatusUnauthorized},
		{name: "valid", path: "/accounts", authorization: "Bearer " + signToken(t, privateKey, validClaims("user-1")), wantStatus: http.StatusOK, wantBody: "user-1"},
		{name: "lowercase scheme", path: "/accounts", authorization: "bearer " + signToken(t, privateKey, validClaims("user-2")), wantStatus: http.StatusOK, wantBody: "user-2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(handler, tt.path, tt.authorization)
			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantBody != "" {
				assert.Equal(t, tt.wantBody, rec.Body.String())
			}
			if tt.wantStatus == http.StatusUnauthorized {
				var body errorBody
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
				assert.Equal(t, "UNAUTHORIZED", body.Code)
			}
		})
	}
}

func TestAuthMiddleware_RejectsHS256(t *testing.T) {
	_, publicKey := generateTestKeys(t)
	mw := NewAuthMiddleware(AuthConfig{PublicKey: publicKey}, logger.NewNop())

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, validClaims("user-1")).SignedString([]byte("secret"))
	require.NoError(t, err)

	rec := serve(mw.Handler(echoUser()), "/accounts", "Bearer "+token)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireRole(t *testing.T) {
	privateKey, publicKey := generateTestKeys(t)
	mw := NewAuthMiddleware(AuthConfig{PublicKey: publicKey}, logger.NewNop())
	handler := mw.Handler(RequireRole("operator")(echoUser()))

	rec := serve(handler, "/indexer/status", "Bearer "+signToken(t, privateKey, validClaims("user-1")))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = serve(handler, "/indexer/status", "Bearer "+signToken(t, privateKey, validClaims("ops-1", "operator")))
	assert.Equal(t, http.StatusOK, rec.Code)

	single := validClaims("ops-2")
	single.Role = "operator"
	rec = serve(handler, "/indexer/status", "Bearer "+signToken(t, privateKey, single))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLoadRSAPublicKey(t *testing.T) {
	_, publicKey := generateTestKeys(t)
	der, err := x509.MarshalPKIXPublicKey(publicKey)
	require.NoError(t, err)
	pemText := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))

	key, err := LoadRSAPublicKey(pemText, "")
	require.NoError(t, err)
	assert.True(t, publicKey.Equal(key))

	path := filepath.Join(t.TempDir(), "auth.pem")
	require.NoError(t, os.WriteFile(path, []byte(pemText), 0o600))
	key, err = LoadRSAPublicKey("", path)
	require.NoError(t, err)
	assert.True(t, publicKey.Equal(key))

	key, err = LoadRSAPublicKey("", "")
	require.NoError(t, err)
	assert.Nil(t, key)

	_, err = LoadRSAPublicKey("not pem", "")
	assert.Error(t, err)
}
