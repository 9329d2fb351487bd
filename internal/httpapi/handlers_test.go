package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"tokocabang/backend/internal/domain"
	"tokocabang/backend/internal/service"
	"tokocabang/backend/internal/store/memory"
)

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo := memory.NewSeeded()
	svc := service.New(repo, nil, nil, "br-pusat")
	auth := NewAuthManager("test-secret-key", time.Hour, svc)

	return New(svc, auth, nil, "*")
}

func loginAs(t *testing.T, handler http.Handler, username string, password string) string {
	t.Helper()

	payload, _ := json.Marshal(map[string]string{
		"username": username,
		"password": password,
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("login %s: expected 200, got %d (body: %s)", username, rec.Code, rec.Body.String())
	}

	var body domain.LoginResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode login body: %v", err)
	}
	if body.AccessToken == "" {
		t.Fatalf("empty access token for %s", username)
	}
	return body.AccessToken
}

func authedRequest(method string, path string, token string, payload any) *http.Request {
	var req *http.Request
	if payload != nil {
		raw, _ := json.Marshal(payload)
		req = httptest.NewRequest(method, path, bytes.NewReader(raw))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	payload, _ := json.Marshal(map[string]string{
		"username": "admin",
		"password": "wrongpassword",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestHandleLogin_RateLimit(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	payload, _ := json.Marshal(map[string]string{
		"username": "admin",
		"password": "badpass",
	})

	var last int
	for i := 0; i < 6; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		last = rec.Code
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("expected 429 on sixth attempt, got %d", last)
	}
}

func TestCheckoutEndToEnd(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginAs(t, handler, "kasir.pusat", "cashier123")

	req := authedRequest(http.MethodPost, "/api/v1/checkout", token, domain.CheckoutRequest{
		BranchID:       "br-pusat",
		IdempotencyKey: "http-chk-1",
		PaymentMethod:  domain.PaymentCash,
		AmountPaid:     200000,
		Lines:          []domain.CartLine{{ProductID: "prd-beras", Quantity: 2}},
	})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var resp domain.CheckoutResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode checkout response: %v", err)
	}
	if resp.Sale.InvoiceNumber == "" {
		t.Fatalf("expected invoice number, got %+v", resp.Sale)
	}
	if resp.Sale.ChangeAmount != 200000-2*78000 {
		t.Fatalf("unexpected change amount %d", resp.Sale.ChangeAmount)
	}

	// Replaying the same request body returns the committed sale, not a new one.
	replay := authedRequest(http.MethodPost, "/api/v1/checkout", token, domain.CheckoutRequest{
		BranchID:       "br-pusat",
		IdempotencyKey: "http-chk-1",
		PaymentMethod:  domain.PaymentCash,
		AmountPaid:     200000,
		Lines:          []domain.CartLine{{ProductID: "prd-beras", Quantity: 2}},
	})
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, replay)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on replay, got %d", rec.Code)
	}
	var replayResp domain.CheckoutResponse
	if err := json.NewDecoder(rec.Body).Decode(&replayResp); err != nil {
		t.Fatalf("decode replay response: %v", err)
	}
	if !replayResp.Duplicate || replayResp.Sale.ID != resp.Sale.ID {
		t.Fatalf("expected duplicate replay of sale %s, got %+v", resp.Sale.ID, replayResp)
	}

	// The lookup endpoint sees the committed sale.
	lookup := authedRequest(http.MethodGet, "/api/v1/checkout/idempotency/http-chk-1", token, nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, lookup)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on lookup, got %d", rec.Code)
	}
	var lookupBody struct {
		Found bool        `json:"found"`
		Sale  domain.Sale `json:"sale"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&lookupBody); err != nil {
		t.Fatalf("decode lookup response: %v", err)
	}
	if !lookupBody.Found || lookupBody.Sale.ID != resp.Sale.ID {
		t.Fatalf("lookup mismatch: %+v", lookupBody)
	}
}

func TestCheckoutInsufficientStockReturnsConflict(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginAs(t, handler, "kasir.pusat", "cashier123")

	req := authedRequest(http.MethodPost, "/api/v1/checkout", token, domain.CheckoutRequest{
		BranchID:       "br-pusat",
		IdempotencyKey: "http-chk-conflict",
		PaymentMethod:  domain.PaymentDebitCard,
		Lines:          []domain.CartLine{{ProductID: "prd-beras", Quantity: 9999}},
	})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestMovementsRequireManagerRole(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	cashierToken := loginAs(t, handler, "kasir.pusat", "cashier123")

	req := authedRequest(http.MethodPost, "/api/v1/movements", cashierToken, map[string]any{
		"type":       "RECEIVE",
		"product_id": "prd-beras",
		"branch_id":  "br-pusat",
		"quantity":   5,
	})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for cashier, got %d", rec.Code)
	}
}

func TestMovementFlowThroughAPI(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginAs(t, handler, "admin", "admin123")

	req := authedRequest(http.MethodPost, "/api/v1/movements", token, map[string]any{
		"type":           "TRANSFER",
		"product_id":     "prd-minyak",
		"from_branch_id": "br-pusat",
		"to_branch_id":   "br-timur",
		"quantity":       10,
	})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	stockReq := authedRequest(http.MethodGet, "/api/v1/stock?product_id=prd-minyak&branch_id=br-timur", token, nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, stockReq)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var stockBody struct {
		Quantity int `json:"quantity"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&stockBody); err != nil {
		t.Fatalf("decode stock body: %v", err)
	}
	if stockBody.Quantity != 50 {
		t.Fatalf("expected 50 after transfer into seed 40, got %d", stockBody.Quantity)
	}

	listReq := authedRequest(http.MethodGet, "/api/v1/movements?product_id=prd-minyak&type=TRANSFER", token, nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, listReq)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 listing movements, got %d", rec.Code)
	}
	var listBody struct {
		Movements []domain.Movement `json:"movements"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&listBody); err != nil {
		t.Fatalf("decode movements: %v", err)
	}
	if len(listBody.Movements) != 2 {
		t.Fatalf("expected 2 transfer legs, got %d", len(listBody.Movements))
	}
}

func TestAssignStaffRequiresAdmin(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	cashierToken := loginAs(t, handler, "kasir.pusat", "cashier123")
	req := authedRequest(http.MethodPost, "/api/v1/staff/assign", cashierToken, domain.AssignStaffRequest{
		BranchID: "br-pusat",
		UserID:   "usr-kasir-2",
		Role:     domain.RoleCashier,
	})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for cashier, got %d", rec.Code)
	}

	adminToken := loginAs(t, handler, "admin", "admin123")
	req = authedRequest(http.MethodPost, "/api/v1/staff/assign", adminToken, domain.AssignStaffRequest{
		BranchID: "br-pusat",
		UserID:   "usr-kasir-2",
		Role:     domain.RoleCashier,
	})
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for admin, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestMissingBearerToken(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	paths := []string{"/api/v1/checkout", "/api/v1/movements", "/api/v1/staff/assign"}
	for _, path := range paths {
		req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader([]byte("{}")))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401 without token, got %d", path, rec.Code)
		}
	}
}

func TestSecurityHeadersPresent(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	for header, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
	} {
		if got := rec.Header().Get(header); got != want {
			t.Fatalf("expected %s=%s, got %q", header, want, got)
		}
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatalf("expected request id header")
	}
}

func TestSalesListingScopedByBranch(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginAs(t, handler, "kasir.pusat", "cashier123")

	for i := 0; i < 2; i++ {
		req := authedRequest(http.MethodPost, "/api/v1/checkout", token, domain.CheckoutRequest{
			BranchID:       "br-pusat",
			IdempotencyKey: fmt.Sprintf("http-sale-%d", i),
			PaymentMethod:  domain.PaymentDebitCard,
			Lines:          []domain.CartLine{{ProductID: "prd-sabun", Quantity: 1}},
		})
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusCreated {
			t.Fatalf("checkout %d: expected 201, got %d", i, rec.Code)
		}
	}

	req := authedRequest(http.MethodGet, "/api/v1/sales?branch_id=br-pusat", token, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Sales []domain.Sale `json:"sales"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode sales: %v", err)
	}
	if len(body.Sales) != 2 {
		t.Fatalf("expected 2 sales, got %d", len(body.Sales))
	}

	empty := authedRequest(http.MethodGet, "/api/v1/sales?branch_id=br-barat", token, nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, empty)
	var emptyBody struct {
		Sales []domain.Sale `json:"sales"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&emptyBody); err != nil {
		t.Fatalf("decode sales: %v", err)
	}
	if len(emptyBody.Sales) != 0 {
		t.Fatalf("expected no sales for other branch, got %d", len(emptyBody.Sales))
	}
}
