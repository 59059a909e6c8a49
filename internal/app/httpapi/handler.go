// Package httpapi exposes the ledger operations over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	app "github.com/R3E-Network/custody_ledger/internal/app"
	ledgerdomain "github.com/R3E-Network/custody_ledger/internal/app/domain/ledger"
	"github.com/R3E-Network/custody_ledger/internal/app/metrics"
	"github.com/R3E-Network/custody_ledger/internal/app/services/ledger"
	"github.com/R3E-Network/custody_ledger/internal/app/services/transfers"
	"github.com/R3E-Network/custody_ledger/internal/app/services/withdrawal"
	"github.com/R3E-Network/custody_ledger/internal/errors"
	"github.com/R3E-Network/custody_ledger/internal/middleware"
	"github.com/R3E-Network/custody_ledger/pkg/logger"
)

const maxBodyBytes = 1 << 20

// Options configures the HTTP surface. A nil Auth disables authentication
// and role checks; a nil RateLimiter disables rate limiting.
type Options struct {
	Auth         *middleware.AuthMiddleware
	RateLimiter  *middleware.RateLimiter
	OperatorRole string
	Log          *logger.Logger
}

// handler bundles HTTP endpoints for the application services.
type handler struct {
	app     *app.Application
	amounts amounts
	log     *logger.Logger
}

// NewHandler returns a router exposing the ledger REST API.
func NewHandler(application *app.Application, opts Options) http.Handler {
	log := opts.Log
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	h := &handler{app: application, amounts: amounts{assets: application.Assets}, log: log}

	root := mux.NewRouter()
	root.Use(middleware.LoggingMiddleware(log), middleware.MetricsMiddleware())
	root.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, errors.NotFound("route", r.URL.Path))
	})
	root.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMethodNotAllowed)
	})

	root.HandleFunc("/healthz", h.healthz).Methods(http.MethodGet)
	root.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := root.NewRoute().Subrouter()
	if opts.Auth != nil {
		api.Use(opts.Auth.Handler)
	}
	if opts.RateLimiter != nil {
		api.Use(opts.RateLimiter.Handler)
	}

	api.HandleFunc("/accounts", h.registerAccount).Methods(http.MethodPost)
	api.HandleFunc("/accounts/{id}", h.getAccount).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{id}/balances/{asset}", h.getBalance).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{id}/entries/{asset}", h.listEntries).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{id}/withdrawals", h.listWithdrawals).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{id}/pending-transfers", h.listPendingTransfers).Methods(http.MethodGet)

	api.HandleFunc("/withdrawals", h.requestWithdrawal).Methods(http.MethodPost)
	api.HandleFunc("/withdrawals/{id}", h.getWithdrawal).Methods(http.MethodGet)

	api.HandleFunc("/sponsor/check", h.sponsorCheck).Methods(http.MethodPost)
	api.HandleFunc("/sponsor/status", h.sponsorStatus).Methods(http.MethodGet)

	api.HandleFunc("/pending-transfers", h.createPendingTransfer).Methods(http.MethodPost)
	api.HandleFunc("/pending-transfers/{id}", h.getPendingTransfer).Methods(http.MethodGet)
	api.HandleFunc("/pending-transfers/{id}/cancel", h.cancelPendingTransfer).Methods(http.MethodPost)

	ops := api.NewRoute().Subrouter()
	if opts.Auth != nil {
		role := opts.OperatorRole
		if role == "" {
			role = "operator"
		}
		ops.Use(middleware.RequireRole(role))
	}

	ops.HandleFunc("/ledger/credit", h.credit).Methods(http.MethodPost)
	ops.HandleFunc("/ledger/debit", h.debit).Methods(http.MethodPost)

	ops.HandleFunc("/holds", h.createHold).Methods(http.MethodPost)
	ops.HandleFunc("/holds/{id}", h.getHold).Methods(http.MethodGet)
	ops.HandleFunc("/holds/{id}/release", h.releaseHold).Methods(http.MethodPost)
	ops.HandleFunc("/holds/{id}/consume", h.consumeHold).Methods(http.MethodPost)
	ops.HandleFunc("/holds/{id}/transfer", h.transferHold).Methods(http.MethodPost)
	ops.HandleFunc("/holds/{id}/cancel", h.cancelHold).Methods(http.MethodPost)

	ops.HandleFunc("/sponsor/record", h.sponsorRecord).Methods(http.MethodPost)
	ops.HandleFunc("/pending-transfers/resolve", h.resolvePendingTransfers).Methods(http.MethodPost)

	ops.HandleFunc("/indexer/status", h.indexerStatus).Methods(http.MethodGet)
	ops.HandleFunc("/indexer/start", h.indexerStart).Methods(http.MethodPost)
	ops.HandleFunc("/indexer/stop", h.indexerStop).Methods(http.MethodPost)
	ops.HandleFunc("/indexer/process", h.indexerProcess).Methods(http.MethodPost)

	return root
}

func (h *handler) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.app.Ready(ctx); err != nil {
		h.log.WithError(err).Warn("readiness check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"services": h.app.Services(),
		"indexer":  h.app.Indexer.Status().Running,
	})
}

// ---------------------------------------------------------------------------
// accounts and balances

func (h *handler) registerAccount(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Identifier string `json:"identifier"`
	}
	if !h.decode(w, r, &payload) {
		return
	}
	acct, err := h.app.Accounts.Register(r.Context(), payload.Identifier)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, acct)
}

func (h *handler) getAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := h.app.Accounts.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

type balanceView struct {
	ledgerdomain.Balance
	AvailableDisplay string `json:"available_display"`
	HeldDisplay      string `json:"held_display"`
}

func (h *handler) getBalance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	symbol, _, err := h.amounts.asset(vars["asset"])
	if err != nil {
		writeError(w, err)
		return
	}
	bal, err := h.app.Ledger.Balance(r.Context(), vars["id"], symbol)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceView{
		Balance:          bal,
		AvailableDisplay: h.amounts.display(symbol, bal.Available),
		HeldDisplay:      h.amounts.display(symbol, bal.Held),
	})
}

func (h *handler) listEntries(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	symbol, _, err := h.amounts.asset(vars["asset"])
	if err != nil {
		writeError(w, err)
		return
	}
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, err)
		return
	}
	entries, err := h.app.Ledger.Entries(r.Context(), vars["id"], symbol, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// ---------------------------------------------------------------------------
// ledger postings

type postingPayload struct {
	AccountID   string          `json:"account_id"`
	Asset       string          `json:"asset"`
	Amount      decimal.Decimal `json:"amount"`
	Kind        string          `json:"kind,omitempty"`
	ReferenceID string          `json:"reference_id"`
}

func (h *handler) postingRequest(w http.ResponseWriter, r *http.Request) (ledger.PostingRequest, bool) {
	var payload postingPayload
	if !h.decode(w, r, &payload) {
		return ledger.PostingRequest{}, false
	}
	symbol, units, err := h.amounts.units(payload.Asset, payload.Amount, false)
	if err != nil {
		writeError(w, err)
		return ledger.PostingRequest{}, false
	}
	return ledger.PostingRequest{
		AccountID:   payload.AccountID,
		Asset:       symbol,
		Amount:      units,
		Kind:        ledgerdomain.Kind(strings.ToUpper(strings.TrimSpace(payload.Kind))),
		ReferenceID: payload.ReferenceID,
	}, true
}

func (h *handler) credit(w http.ResponseWriter, r *http.Request) {
	req, ok := h.postingRequest(w, r)
	if !ok {
		return
	}
	posting, err := h.app.Ledger.Credit(r.Context(), req)
	h.writePosting(w, posting, err)
}

func (h *handler) debit(w http.ResponseWriter, r *http.Request) {
	req, ok := h.postingRequest(w, r)
	if !ok {
		return
	}
	posting, err := h.app.Ledger.Debit(r.Context(), req)
	h.writePosting(w, posting, err)
}

func (h *handler) writePosting(w http.ResponseWriter, posting ledger.Posting, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusCreated
	if posting.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, posting)
}

// ---------------------------------------------------------------------------
// holds

func (h *handler) createHold(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		AccountID   string          `json:"account_id"`
		Asset       string          `json:"asset"`
		Amount      decimal.Decimal `json:"amount"`
		Purpose     string          `json:"purpose"`
		ReferenceID string          `json:"reference_id"`
	}
	if !h.decode(w, r, &payload) {
		return
	}
	symbol, units, err := h.amounts.units(payload.Asset, payload.Amount, false)
	if err != nil {
		writeError(w, err)
		return
	}
	hold, err := h.app.Ledger.CreateHold(r.Context(), ledger.HoldRequest{
		AccountID:   payload.AccountID,
		Asset:       symbol,
		Amount:      units,
		Purpose:     ledgerdomain.HoldPurpose(strings.ToUpper(strings.TrimSpace(payload.Purpose))),
		ReferenceID: payload.ReferenceID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, hold)
}

func (h *handler) getHold(w http.ResponseWriter, r *http.Request) {
	hold, err := h.app.Ledger.GetHold(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hold)
}

// holdAmount converts an optional partial amount in the hold's asset.
func (h *handler) holdAmount(ctx context.Context, holdID string, amount decimal.Decimal) (uint64, error) {
	if amount.IsZero() {
		return 0, nil
	}
	hold, err := h.app.Ledger.GetHold(ctx, holdID)
	if err != nil {
		return 0, err
	}
	_, units, err := h.amounts.units(hold.Asset, amount, false)
	return units, err
}

func (h *handler) releaseHold(w http.ResponseWriter, r *http.Request) {
	holdID := mux.Vars(r)["id"]
	var payload struct {
		Amount    decimal.Decimal `json:"amount"`
		Reference string          `json:"reference"`
	}
	if !h.decodeOptional(w, r, &payload) {
		return
	}
	var opts []ledger.ReleaseOption
	units, err := h.holdAmount(r.Context(), holdID, payload.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	if units > 0 {
		opts = append(opts, ledger.WithAmount(units))
	}
	if payload.Reference != "" {
		opts = append(opts, ledger.WithReference(payload.Reference))
	}
	receipt, err := h.app.Ledger.ReleaseHold(r.Context(), holdID, opts...)
	writeReceipt(w, receipt, err)
}

func (h *handler) consumeHold(w http.ResponseWriter, r *http.Request) {
	receipt, err := h.app.Ledger.ConsumeHold(r.Context(), mux.Vars(r)["id"])
	writeReceipt(w, receipt, err)
}

func (h *handler) cancelHold(w http.ResponseWriter, r *http.Request) {
	receipt, err := h.app.Ledger.CancelHold(r.Context(), mux.Vars(r)["id"])
	writeReceipt(w, receipt, err)
}

func (h *handler) transferHold(w http.ResponseWriter, r *http.Request) {
	holdID := mux.Vars(r)["id"]
	var payload struct {
		ToAccountID string          `json:"to_account_id"`
		Amount      decimal.Decimal `json:"amount"`
		Reference   string          `json:"reference"`
	}
	if !h.decode(w, r, &payload) {
		return
	}
	units, err := h.holdAmount(r.Context(), holdID, payload.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	receipt, err := h.app.Ledger.TransferFromHold(r.Context(), ledger.HoldTransfer{
		HoldID:      holdID,
		ToAccountID: payload.ToAccountID,
		Amount:      units,
		Reference:   payload.Reference,
	})
	writeReceipt(w, receipt, err)
}

func writeReceipt(w http.ResponseWriter, receipt ledger.HoldReceipt, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

// ---------------------------------------------------------------------------
// withdrawals

func (h *handler) requestWithdrawal(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		RequestID string          `json:"request_id"`
		AccountID string          `json:"account_id"`
		ToAddress string          `json:"to_address"`
		Asset     string          `json:"asset"`
		Amount    decimal.Decimal `json:"amount"`
	}
	if !h.decode(w, r, &payload) {
		return
	}
	if payload.AccountID == "" {
		payload.AccountID = middleware.GetUserID(r.Context())
	}
	symbol, units, err := h.amounts.units(payload.Asset, payload.Amount, false)
	if err != nil {
		writeError(w, err)
		return
	}
	wd, err := h.app.Withdrawals.RequestWithdrawal(r.Context(), withdrawal.Request{
		RequestID: payload.RequestID,
		AccountID: payload.AccountID,
		ToAddress: payload.ToAddress,
		Asset:     symbol,
		Amount:    units,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, wd)
}

func (h *handler) getWithdrawal(w http.ResponseWriter, r *http.Request) {
	wd, err := h.app.Withdrawals.GetWithdrawal(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wd)
}

func (h *handler) listWithdrawals(w http.ResponseWriter, r *http.Request) {
	list, err := h.app.Withdrawals.ListWithdrawals(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// ---------------------------------------------------------------------------
// sponsor

func (h *handler) sponsorCheck(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		UserID string `json:"user_id"`
		Kind   string `json:"kind"`
	}
	if !h.decode(w, r, &payload) {
		return
	}
	if payload.UserID == "" {
		payload.UserID = middleware.GetUserID(r.Context())
	}
	ok, err := h.app.Sponsor.CanSponsor(r.Context(), payload.UserID, payload.Kind)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sponsored":    ok,
		"fee_estimate": h.app.Sponsor.EstimateFee(payload.Kind),
	})
}

func (h *handler) sponsorRecord(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		UserID    string          `json:"user_id"`
		Reference string          `json:"reference"`
		Fee       decimal.Decimal `json:"fee"`
	}
	if !h.decode(w, r, &payload) {
		return
	}
	_, fee, err := h.amounts.units(h.app.Config().Withdrawal.FeeAsset, payload.Fee, true)
	if err != nil {
		writeError(w, err)
		return
	}
	usage, err := h.app.Sponsor.RecordSponsorship(r.Context(), payload.UserID, payload.Reference, fee)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

func (h *handler) sponsorStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.app.Sponsor.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// ---------------------------------------------------------------------------
// pending transfers

func (h *handler) createPendingTransfer(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		RequestID           string          `json:"request_id"`
		SenderID            string          `json:"sender_id"`
		RecipientIdentifier string          `json:"recipient_identifier"`
		Asset               string          `json:"asset"`
		Amount              decimal.Decimal `json:"amount"`
	}
	if !h.decode(w, r, &payload) {
		return
	}
	if payload.SenderID == "" {
		payload.SenderID = middleware.GetUserID(r.Context())
	}
	symbol, units, err := h.amounts.units(payload.Asset, payload.Amount, false)
	if err != nil {
		writeError(w, err)
		return
	}
	pt, err := h.app.Transfers.Create(r.Context(), transfers.CreateRequest{
		RequestID:           payload.RequestID,
		SenderID:            payload.SenderID,
		RecipientIdentifier: payload.RecipientIdentifier,
		Asset:               symbol,
		Amount:              units,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, pt)
}

func (h *handler) getPendingTransfer(w http.ResponseWriter, r *http.Request) {
	pt, err := h.app.Transfers.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pt)
}

func (h *handler) listPendingTransfers(w http.ResponseWriter, r *http.Request) {
	list, err := h.app.Transfers.ListBySender(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *handler) cancelPendingTransfer(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		SenderID string `json:"sender_id"`
	}
	if !h.decodeOptional(w, r, &payload) {
		return
	}
	if payload.SenderID == "" {
		payload.SenderID = middleware.GetUserID(r.Context())
	}
	pt, err := h.app.Transfers.Cancel(r.Context(), mux.Vars(r)["id"], payload.SenderID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pt)
}

func (h *handler) resolvePendingTransfers(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		AccountID  string `json:"account_id"`
		Identifier string `json:"identifier"`
	}
	if !h.decode(w, r, &payload) {
		return
	}
	settled, err := h.app.Transfers.ResolveForNewAccount(r.Context(), payload.AccountID, payload.Identifier)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settled)
}

// ---------------------------------------------------------------------------
// indexer

func (h *handler) indexerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.app.Indexer.Status())
}

func (h *handler) indexerStart(w http.ResponseWriter, r *http.Request) {
	// The polling loop outlives the request.
	if err := h.app.Indexer.Start(context.WithoutCancel(r.Context())); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.app.Indexer.Status())
}

func (h *handler) indexerStop(w http.ResponseWriter, r *http.Request) {
	if err := h.app.Indexer.Stop(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.app.Indexer.Status())
}

func (h *handler) indexerProcess(w http.ResponseWriter, r *http.Request) {
	result, err := h.app.Indexer.ForceProcess(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ---------------------------------------------------------------------------
// helpers

func (h *handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := decodeJSON(r.Body, dst); err != nil {
		writeError(w, errors.InvalidArgument("invalid request body: %v", err))
		return false
	}
	return true
}

// decodeOptional accepts an empty body.
func (h *handler) decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := decodeJSON(r.Body, dst); err != nil && err != io.EOF {
		writeError(w, errors.InvalidArgument("invalid request body: %v", err))
		return false
	}
	return true
}

func decodeJSON(body io.ReadCloser, dst any) error {
	defer body.Close()
	dec := json.NewDecoder(io.LimitReader(body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func queryLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, errors.InvalidArgument("limit must be a non-negative integer")
	}
	return limit, nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError renders err as {code, message, details} with the code's status.
func writeError(w http.ResponseWriter, err error) {
	se := errors.GetServiceError(errors.Translate(err, "request failed"))
	writeJSON(w, se.Code.HTTPStatus(), se)
}
