package httpapi

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	app "github.com/R3E-Network/custody_ledger/internal/app"
	"github.com/R3E-Network/custody_ledger/internal/config"
	"github.com/R3E-Network/custody_ledger/internal/middleware"
	"github.com/R3E-Network/custody_ledger/pkg/logger"
	"github.com/R3E-Network/custody_ledger/pkg/testutil"
)

func newTestApplication(t *testing.T) *app.Application {
	t.Helper()
	cfg := config.Default()
	cfg.Indexer.Enabled = false
	cfg.Withdrawal.RecheckDelay = 0
	application, err := app.New(cfg, app.Dependencies{
		Client: testutil.NewMockLedgerClient(100),
		Signer: testutil.NewMockSigner(),
	}, logger.NewNop())
	require.NoError(t, err)
	return application
}

type client struct {
	t       *testing.T
	handler http.Handler
	token   string
}

func (c *client) do(method, path string, body any) *httptest.ResponseRecorder {
	c.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(c.t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	rec := httptest.NewRecorder()
	c.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (c *client) register(identifier string) string {
	c.t.Helper()
	rec := c.do(http.MethodPost, "/accounts", map[string]any{"identifier": identifier})
	require.Equal(c.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[map[string]any](c.t, rec)["id"].(string)
}

func (c *client) credit(accountID, amount, ref string) {
	c.t.Helper()
	rec := c.do(http.MethodPost, "/ledger/credit", map[string]any{
		"account_id":   accountID,
		"asset":        "GAS",
		"amount":       amount,
		"kind":         "deposit",
		"reference_id": ref,
	})
	require.Equal(c.t, http.StatusCreated, rec.Code, rec.Body.String())
}

func (c *client) balance(accountID string) map[string]any {
	c.t.Helper()
	rec := c.do(http.MethodGet, "/accounts/"+accountID+"/balances/gas", nil)
	require.Equal(c.t, http.StatusOK, rec.Code, rec.Body.String())
	return decodeBody[map[string]any](c.t, rec)
}

func newClient(t *testing.T) *client {
	return &client{t: t, handler: NewHandler(newTestApplication(t), Options{Log: logger.NewNop()})}
}

func TestHandler_CreditAndBalance(t *testing.T) {
	c := newClient(t)
	alice := c.register("@alice")

	c.credit(alice, "1.5", "dep-1")

	// Exact replay returns the prior posting.
	rec := c.do(http.MethodPost, "/ledger/credit", map[string]any{
		"account_id": alice, "asset": "GAS", "amount": "1.5", "kind": "DEPOSIT", "reference_id": "dep-1",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody[map[string]any](t, rec)["duplicate"])

	bal := c.balance(alice)
	assert.Equal(t, float64(150000000), bal["available"])
	assert.Equal(t, "1.5", bal["available_display"])
	assert.Equal(t, "0", bal["held_display"])

	rec = c.do(http.MethodGet, "/accounts/"+alice+"/entries/GAS?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]map[string]any](t, rec), 1)
}

func TestHandler_ErrorRendering(t *testing.T) {
	c := newClient(t)
	alice := c.register("@alice")
	c.credit(alice, "1", "dep-1")

	tests := []struct {
		name       string
		method     string
		path       string
		body       any
		wantStatus int
		wantCode   string
	}{
		{
			name: "insufficient funds", method: http.MethodPost, path: "/ledger/debit",
			body:       map[string]any{"account_id": alice, "asset": "GAS", "amount": "2", "kind": "WITHDRAW", "reference_id": "d-1"},
			wantStatus: http.StatusUnprocessableEntity, wantCode: "INSUFFICIENT_FUNDS",
		},
		{
			name: "unknown asset", method: http.MethodPost, path: "/ledger/credit",
			body:       map[string]any{"account_id": alice, "asset": "DOGE", "amount": "1", "reference_id": "c-1"},
			wantStatus: http.StatusBadRequest, wantCode: "INVALID_ARGUMENT",
		},
		{
			name: "too precise", method: http.MethodPost, path: "/ledger/credit",
			body:       map[string]any{"account_id": alice, "asset": "GAS", "amount": "0.000000001", "reference_id": "c-2"},
			wantStatus: http.StatusBadRequest, wantCode: "INVALID_ARGUMENT",
		},
		{
			name: "fractional neo", method: http.MethodPost, path: "/ledger/credit",
			body:       map[string]any{"account_id": alice, "asset": "NEO", "amount": "1.5", "reference_id": "c-3"},
			wantStatus: http.StatusBadRequest, wantCode: "INVALID_ARGUMENT",
		},
		{
			name: "unknown field", method: http.MethodPost, path: "/accounts",
			body:       map[string]any{"identifier": "@x", "extra": true},
			wantStatus: http.StatusBadRequest, wantCode: "INVALID_ARGUMENT",
		},
		{
			name: "missing account", method: http.MethodGet, path: "/accounts/nope",
			wantStatus: http.StatusNotFound, wantCode: "NOT_FOUND",
		},
		{
			name: "missing hold", method: http.MethodPost, path: "/holds/nope/consume",
			wantStatus: http.StatusNotFound, wantCode: "NOT_FOUND",
		},
		{
			name: "reused reference", method: http.MethodPost, path: "/ledger/credit",
			body:       map[string]any{"account_id": alice, "asset": "GAS", "amount": "3", "kind": "DEPOSIT", "reference_id": "dep-1"},
			wantStatus: http.StatusConflict, wantCode: "DUPLICATE_OPERATION",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := c.do(tt.method, tt.path, tt.body)
			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			body := decodeBody[map[string]any](t, rec)
			assert.Equal(t, tt.wantCode, body["code"])
			assert.NotEmpty(t, body["message"])
		})
	}
}

func TestHandler_HoldLifecycle(t *testing.T) {
	c := newClient(t)
	alice := c.register("@alice")
	bob := c.register("@bob")
	c.credit(alice, "10", "dep-1")

	rec := c.do(http.MethodPost, "/holds", map[string]any{
		"account_id": alice, "asset": "GAS", "amount": "4", "purpose": "escrow", "reference_id": "order-1",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	holdID := decodeBody[map[string]any](t, rec)["id"].(string)

	bal := c.balance(alice)
	assert.Equal(t, "6", bal["available_display"])
	assert.Equal(t, "4", bal["held_display"])

	rec = c.do(http.MethodPost, "/holds/"+holdID+"/release", map[string]any{"amount": "1", "reference": "partial-1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = c.do(http.MethodPost, "/holds/"+holdID+"/transfer", map[string]any{"to_account_id": bob, "reference": "settle-1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, "7", c.balance(alice)["available_display"])
	assert.Equal(t, "0", c.balance(alice)["held_display"])
	assert.Equal(t, "3", c.balance(bob)["available_display"])

	rec = c.do(http.MethodGet, "/holds/"+holdID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "CONSUMED", decodeBody[map[string]any](t, rec)["status"])
}

func TestHandler_PendingTransferSettlesOnRegistration(t *testing.T) {
	c := newClient(t)
	alice := c.register("@alice")
	c.credit(alice, "2", "dep-1")

	rec := c.do(http.MethodPost, "/pending-transfers", map[string]any{
		"sender_id": alice, "recipient_identifier": "@bob", "asset": "GAS", "amount": "1",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	pt := decodeBody[map[string]any](t, rec)
	assert.Equal(t, "PENDING", pt["status"])
	id := pt["id"].(string)

	assert.Equal(t, "1", c.balance(alice)["held_display"])

	bob := c.register("@bob")

	rec = c.do(http.MethodGet, "/pending-transfers/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	settled := decodeBody[map[string]any](t, rec)
	assert.Equal(t, "COMPLETED", settled["status"])
	assert.Equal(t, bob, settled["recipient_account_id"])

	assert.Equal(t, "1", c.balance(bob)["available_display"])
	assert.Equal(t, "1", c.balance(alice)["available_display"])
	assert.Equal(t, "0", c.balance(alice)["held_display"])
}

func TestHandler_CancelPendingTransfer(t *testing.T) {
	c := newClient(t)
	alice := c.register("@alice")
	c.credit(alice, "2", "dep-1")

	rec := c.do(http.MethodPost, "/pending-transfers", map[string]any{
		"request_id": "pt-1", "sender_id": alice, "recipient_identifier": "@carol", "asset": "GAS", "amount": "0.5",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = c.do(http.MethodPost, "/pending-transfers/pt-1/cancel", map[string]any{"sender_id": "someone-else"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = c.do(http.MethodPost, "/pending-transfers/pt-1/cancel", map[string]any{"sender_id": alice})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "CANCELLED", decodeBody[map[string]any](t, rec)["status"])
	assert.Equal(t, "2", c.balance(alice)["available_display"])

	rec = c.do(http.MethodGet, "/accounts/"+alice+"/pending-transfers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]map[string]any](t, rec), 1)
}

func TestHandler_Withdrawal(t *testing.T) {
	c := newClient(t)
	alice := c.register("@alice")
	c.credit(alice, "5", "dep-1")

	body := map[string]any{
		"request_id": "w-1", "account_id": alice, "to_address": "Ndestination", "asset": "GAS", "amount": "2",
	}
	rec := c.do(http.MethodPost, "/withdrawals", body)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	wd := decodeBody[map[string]any](t, rec)
	assert.Equal(t, "SUBMITTED", wd["status"])

	// Replaying the request id returns the same withdrawal.
	rec = c.do(http.MethodPost, "/withdrawals", body)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, wd["id"], decodeBody[map[string]any](t, rec)["id"])

	body["amount"] = "3"
	rec = c.do(http.MethodPost, "/withdrawals", body)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = c.do(http.MethodGet, "/withdrawals/w-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = c.do(http.MethodGet, "/accounts/"+alice+"/withdrawals", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]map[string]any](t, rec), 1)

	bal := c.balance(alice)
	assert.Equal(t, "3", bal["available_display"])
	assert.Equal(t, "2", bal["held_display"])
}

func TestHandler_SponsorAndIndexer(t *testing.T) {
	c := newClient(t)

	rec := c.do(http.MethodPost, "/sponsor/check", map[string]any{"user_id": "u-1", "kind": "withdrawal"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, decodeBody[map[string]any](t, rec)["sponsored"])

	rec = c.do(http.MethodPost, "/sponsor/record", map[string]any{"user_id": "u-1", "reference": "w-1", "fee": "0.001"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = c.do(http.MethodGet, "/sponsor/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = c.do(http.MethodPost, "/indexer/process", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, float64(100), decodeBody[map[string]any](t, rec)["checkpoint"])

	rec = c.do(http.MethodGet, "/indexer/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decodeBody[map[string]any](t, rec)["running"])

	rec = c.do(http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = c.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandler_Authentication(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	sign := func(subject string, roles ...string) string {
		token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, &middleware.Claims{
			Roles: roles,
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   subject,
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		}).SignedString(key)
		require.NoError(t, err)
		return token
	}

	handler := NewHandler(newTestApplication(t), Options{
		Auth:         middleware.NewAuthMiddleware(middleware.AuthConfig{PublicKey: &key.PublicKey}, logger.NewNop()),
		RateLimiter:  middleware.NewRateLimiter(1000, 1000, logger.NewNop()),
		OperatorRole: "operator",
		Log:          logger.NewNop(),
	})

	anon := &client{t: t, handler: handler}
	user := &client{t: t, handler: handler, token: sign("user-1")}
	operator := &client{t: t, handler: handler, token: sign("ops-1", "operator")}

	assert.Equal(t, http.StatusOK, anon.do(http.MethodGet, "/healthz", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, anon.do(http.MethodPost, "/accounts", map[string]any{"identifier": "@a"}).Code)

	alice := user.register("@alice")
	assert.Equal(t, http.StatusForbidden, user.do(http.MethodPost, "/ledger/credit", map[string]any{
		"account_id": alice, "asset": "GAS", "amount": "1", "reference_id": "x",
	}).Code)
	assert.Equal(t, http.StatusForbidden, user.do(http.MethodGet, "/indexer/status", nil).Code)

	operator.credit(alice, "1", "dep-1")
	assert.Equal(t, http.StatusOK, operator.do(http.MethodGet, "/indexer/status", nil).Code)
	assert.Equal(t, "1", user.balance(alice)["available_display"])
}
