package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tapfolio/tapfolio/internal/ai"
	"github.com/tapfolio/tapfolio/internal/billing"
	"github.com/tapfolio/tapfolio/internal/chat"
	"github.com/tapfolio/tapfolio/internal/features"
)

// newTestApp wires the app against in-memory stores and a mock provider. The
// readyz route is not exercised here, so db and cache stay nil.
func newTestApp(t *testing.T, provider ai.Provider) (*app, *http.ServeMux) {
	t.Helper()

	ledger := billing.NewMemoryLedgerStore()
	requests := billing.NewMemoryRequestStore()

	coord, err := billing.NewCoordinator(billing.CoordinatorConfig{
		Ledger:   ledger,
		Requests: requests,
		Meter:    billing.NewMeter(billing.DefaultPricing()),
	})
	if err != nil {
		t.Fatal(err)
	}

	router := ai.NewRouter()
	router.Register("mock", provider)

	featureSvc, err := features.NewService(coord, router)
	if err != nil {
		t.Fatal(err)
	}

	a := &app{
		ledger:   ledger,
		features: featureSvc,
		chat:     chat.NewGateway(featureSvc),
	}
	return a, a.mux(nil, nil)
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestAccountLifecycle(t *testing.T) {
	_, mux := newTestApp(t, ai.NewMockProvider("ok"))

	rec := doJSON(t, mux, "POST", "/v1/accounts", map[string]string{"id": "acct-1", "tier": "free"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create account status = %d, want 201", rec.Code)
	}

	rec = doJSON(t, mux, "POST", "/v1/accounts", map[string]string{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("create without id status = %d, want 400", rec.Code)
	}

	rec = doJSON(t, mux, "POST", "/v1/accounts/acct-1/credits", map[string]any{"amount": 100, "kind": "subscription"})
	if rec.Code != http.StatusOK {
		t.Fatalf("credit status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, mux, "GET", "/v1/accounts/acct-1/balance", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("balance status = %d, want 200", rec.Code)
	}
	var balance struct {
		Balance int64 `json:"balance"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &balance); err != nil {
		t.Fatal(err)
	}
	if balance.Balance != 100 {
		t.Errorf("balance = %d, want 100", balance.Balance)
	}

	rec = doJSON(t, mux, "GET", "/v1/accounts/ghost/balance", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown account status = %d, want 404", rec.Code)
	}
}

func TestCreditValidation(t *testing.T) {
	_, mux := newTestApp(t, ai.NewMockProvider("ok"))
	doJSON(t, mux, "POST", "/v1/accounts", map[string]string{"id": "acct-1"})

	rec := doJSON(t, mux, "POST", "/v1/accounts/acct-1/credits", map[string]any{"amount": -5})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("negative credit status = %d, want 400", rec.Code)
	}
	rec = doJSON(t, mux, "POST", "/v1/accounts/acct-1/credits", map[string]any{"amount": 0})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("zero credit status = %d, want 400", rec.Code)
	}
}

func TestGenerateProfileRoute(t *testing.T) {
	_, mux := newTestApp(t, ai.NewMockProvider("A crisp two-sentence bio."))
	doJSON(t, mux, "POST", "/v1/accounts", map[string]string{"id": "acct-1"})
	doJSON(t, mux, "POST", "/v1/accounts/acct-1/credits", map[string]any{"amount": 50})

	rec := doJSON(t, mux, "POST", "/v1/accounts/acct-1/profile", map[string]any{
		"Name":     "Dana Osei",
		"Headline": "Consultant",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("profile status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "crisp two-sentence bio") {
		t.Errorf("body = %s, want generated content", rec.Body.String())
	}
}

func TestFeatureRoutesBillingStatuses(t *testing.T) {
	t.Run("payment-required", func(t *testing.T) {
		_, mux := newTestApp(t, ai.NewMockProvider("ok"))
		doJSON(t, mux, "POST", "/v1/accounts", map[string]string{"id": "acct-1"})
		// No credits: any feature call is rejected up front.
		rec := doJSON(t, mux, "POST", "/v1/accounts/acct-1/profile", map[string]any{"Name": "x"})
		if rec.Code != http.StatusPaymentRequired {
			t.Errorf("status = %d, want 402", rec.Code)
		}
	})

	t.Run("provider-unavailable", func(t *testing.T) {
		failing := ai.NewMockProvider("")
		failing.Err = context.DeadlineExceeded
		_, mux := newTestApp(t, failing)
		doJSON(t, mux, "POST", "/v1/accounts", map[string]string{"id": "acct-1"})
		doJSON(t, mux, "POST", "/v1/accounts/acct-1/credits", map[string]any{"amount": 50})

		rec := doJSON(t, mux, "POST", "/v1/accounts/acct-1/profile", map[string]any{"Name": "x"})
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want 503", rec.Code)
		}
	})
}

func TestInsightsAndPlanValidation(t *testing.T) {
	_, mux := newTestApp(t, ai.NewMockProvider("ok"))
	doJSON(t, mux, "POST", "/v1/accounts", map[string]string{"id": "acct-1"})
	doJSON(t, mux, "POST", "/v1/accounts/acct-1/credits", map[string]any{"amount": 50})

	rec := doJSON(t, mux, "POST", "/v1/accounts/acct-1/insights", map[string]any{"contacts": []any{}})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("insights without contacts status = %d, want 400", rec.Code)
	}

	rec = doJSON(t, mux, "POST", "/v1/accounts/acct-1/plan", map[string]any{"contact": map[string]any{"Name": "x"}})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("plan without goal status = %d, want 400", rec.Code)
	}

	rec = doJSON(t, mux, "POST", "/v1/accounts/acct-1/plan", map[string]any{
		"contact": map[string]any{"ID": "ct-1", "Name": "Miguel"},
		"goal":    "book a call",
	})
	if rec.Code != http.StatusOK {
		t.Errorf("plan status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
}

func TestStatementRoute(t *testing.T) {
	_, mux := newTestApp(t, ai.NewMockProvider("ok"))
	doJSON(t, mux, "POST", "/v1/accounts", map[string]string{"id": "acct-1"})
	doJSON(t, mux, "POST", "/v1/accounts/acct-1/credits", map[string]any{"amount": 25})

	rec := doJSON(t, mux, "GET", "/v1/accounts/acct-1/statement", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("statement status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); !strings.Contains(got, "spreadsheetml") {
		t.Errorf("Content-Type = %q, want xlsx", got)
	}
	if rec.Body.Len() == 0 {
		t.Error("statement body is empty")
	}
}

func TestStatementRoute_UnknownAccount(t *testing.T) {
	_, mux := newTestApp(t, ai.NewMockProvider("ok"))

	rec := doJSON(t, mux, "GET", "/v1/accounts/ghost/statement", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); strings.Contains(got, "spreadsheetml") {
		t.Errorf("Content-Type = %q, want no attachment headers on failure", got)
	}
}

func TestHealthz(t *testing.T) {
	_, mux := newTestApp(t, ai.NewMockProvider("ok"))
	rec := doJSON(t, mux, "GET", "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("healthz status = %d, want 200", rec.Code)
	}
}
