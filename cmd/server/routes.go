package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/tapfolio/tapfolio/internal/billing"
	"github.com/tapfolio/tapfolio/internal/features"
	"github.com/tapfolio/tapfolio/internal/platform/cache"
	"github.com/tapfolio/tapfolio/internal/platform/database"
)

// mux builds the HTTP router.
func (a *app) mux(db *database.DB, cacheClient *cache.Cache) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealthz)
	mux.HandleFunc("GET /readyz", handleReadyz(db, cacheClient))

	mux.HandleFunc("POST /v1/accounts", a.handleCreateAccount)
	mux.HandleFunc("GET /v1/accounts/{id}/balance", a.handleBalance)
	mux.HandleFunc("POST /v1/accounts/{id}/credits", a.handleCredit)
	mux.HandleFunc("GET /v1/accounts/{id}/statement", a.handleStatement)

	mux.HandleFunc("POST /v1/accounts/{id}/profile", a.handleGenerateProfile)
	mux.HandleFunc("POST /v1/accounts/{id}/insights", a.handleInsights)
	mux.HandleFunc("POST /v1/accounts/{id}/plan", a.handlePlan)
	mux.Handle("GET /v1/chat", a.chat)

	return mux
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func handleReadyz(db *database.DB, cacheClient *cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := db.HealthCheck(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "database unavailable"})
			return
		}
		if cacheClient != nil {
			if err := cacheClient.HealthCheck(r.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "cache unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func (a *app) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID   string `json:"id"`
		Tier string `json:"tier"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "id is required"})
		return
	}

	if err := a.ledger.CreateAccount(r.Context(), body.ID, body.Tier); err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": body.ID})
}

func (a *app) handleBalance(w http.ResponseWriter, r *http.Request) {
	accountID := r.PathValue("id")

	balance, err := a.ledger.GetBalance(r.Context(), accountID)
	if err != nil {
		writeBillingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account_id": accountID, "balance": balance})
}

// handleCredit is the administrative/periodic credit interface: monthly
// allotments, referral bonuses, donations, subscription upgrades. Credits
// bypass the coordinator but still go through the ledger store so the
// balance/entry invariant holds uniformly.
func (a *app) handleCredit(w http.ResponseWriter, r *http.Request) {
	accountID := r.PathValue("id")

	var body struct {
		Amount int64  `json:"amount"`
		Kind   string `json:"kind"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Amount <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "amount must be positive"})
		return
	}
	kind := billing.EntryKind(body.Kind)
	if kind == "" {
		kind = billing.KindEarned
	}

	entry, err := a.ledger.ApplyEntry(r.Context(), accountID, body.Amount, kind, "")
	if err != nil {
		writeBillingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (a *app) handleStatement(w http.ResponseWriter, r *http.Request) {
	accountID := r.PathValue("id")

	// Render before touching the response so failures can still map onto a
	// proper status instead of a 200 with an empty attachment.
	var buf bytes.Buffer
	if err := billing.WriteStatement(r.Context(), a.ledger, accountID, &buf); err != nil {
		slog.Error("statement export failed", "account_id", accountID, "error", err)
		writeBillingError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="statement.xlsx"`)
	if _, err := buf.WriteTo(w); err != nil {
		slog.Debug("statement write failed", "account_id", accountID, "error", err)
	}
}

func (a *app) handleGenerateProfile(w http.ResponseWriter, r *http.Request) {
	accountID := r.PathValue("id")

	var body features.ProfileInput
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}

	content, err := a.features.GenerateProfile(r.Context(), accountID, body)
	if err != nil {
		writeBillingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"content": content})
}

func (a *app) handleInsights(w http.ResponseWriter, r *http.Request) {
	accountID := r.PathValue("id")

	var body struct {
		Contacts []features.Contact `json:"contacts"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.Contacts) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "contacts are required"})
		return
	}

	content, err := a.features.NetworkInsights(r.Context(), accountID, body.Contacts)
	if err != nil {
		writeBillingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"content": content})
}

func (a *app) handlePlan(w http.ResponseWriter, r *http.Request) {
	accountID := r.PathValue("id")

	var body struct {
		Contact features.Contact `json:"contact"`
		Goal    string           `json:"goal"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Goal == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "goal is required"})
		return
	}

	content, err := a.features.CommunicationPlan(r.Context(), accountID, body.Contact, body.Goal)
	if err != nil {
		writeBillingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"content": content})
}

// writeBillingError maps the billing taxonomy onto HTTP statuses the UI can
// route on: 402 sends the user to the top-up flow, 503/409 to try-again.
func writeBillingError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, billing.ErrAccountNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "account not found"})
	case errors.Is(err, billing.ErrInsufficientTokens), errors.Is(err, billing.ErrInsufficientBalance):
		writeJSON(w, http.StatusPaymentRequired, map[string]string{"error": "insufficient tokens"})
	case errors.Is(err, billing.ErrBillingRace):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "balance changed, retry"})
	case errors.Is(err, billing.ErrAIProvider):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "generation failed, try again"})
	default:
		slog.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("response encode failed", "error", err)
	}
}
