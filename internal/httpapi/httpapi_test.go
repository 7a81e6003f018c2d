package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"naladrink/pos/internal/cart"
	"naladrink/pos/internal/command"
	"naladrink/pos/internal/domain"
	"naladrink/pos/internal/reconcile"
	"naladrink/pos/internal/remote/memory"
	"naladrink/pos/internal/session"
)

type fixture struct {
	api    *API
	caches *reconcile.Caches
	cart   *cart.Cart
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.NewSeeded("test-secret", time.Hour)
	caches := reconcile.NewCaches()
	rec := reconcile.New(store, caches)
	gate := session.NewGate(store, rec)
	if err := gate.Start(context.Background()); err != nil {
		t.Fatalf("gate start failed: %v", err)
	}
	t.Cleanup(gate.Close)
	t.Cleanup(rec.Stop)

	staged := cart.New()
	return &fixture{
		api:    New(gate, caches, staged, command.New(store), "http://127.0.0.1:3000"),
		caches: caches,
		cart:   staged,
	}
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.api.Handler().ServeHTTP(rec, req)
	return rec
}

func (f *fixture) login(t *testing.T, email, password string) string {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"email":    email,
		"password": password,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("login failed with status %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || resp.Token == "" {
		t.Fatalf("no token in login response: %s", rec.Body.String())
	}
	return resp.Token
}

func TestHealthIsPublic(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestLoginReturnsUserTokenAndViews(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"email":    "kasir@naladrink.id",
		"password": "kasir123",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		User  domain.User    `json:"user"`
		Token string         `json:"token"`
		Views []session.View `json:"views"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.User.Role != domain.RoleKasir || resp.Token == "" {
		t.Fatalf("unexpected login response: %+v", resp)
	}
	if len(resp.Views) != 2 {
		t.Fatalf("expected kasir's 2 views, got %v", resp.Views)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"email":    "admin@naladrink.id",
		"password": "salah",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestLoginIsRateLimited(t *testing.T) {
	f := newFixture(t)
	bad := map[string]string{"email": "admin@naladrink.id", "password": "salah"}
	var last int
	for i := 0; i < 6; i++ {
		last = f.do(t, http.MethodPost, "/api/v1/auth/login", "", bad).Code
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after repeated attempts, got %d", last)
	}
}

func TestProtectedRoutesRequireValidBearer(t *testing.T) {
	f := newFixture(t)

	if rec := f.do(t, http.MethodGet, "/api/v1/products", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/api/v1/products", "not-a-real-token", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with bogus token, got %d", rec.Code)
	}
}

func TestKasirCannotReachAdminSurfaces(t *testing.T) {
	f := newFixture(t)
	token := f.login(t, "kasir@naladrink.id", "kasir123")

	if rec := f.do(t, http.MethodGet, "/api/v1/users", token, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 on users, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/api/v1/reports/summary", token, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 on reports, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/api/v1/products", token, map[string]any{
		"name": "Baru", "size": "Reguler", "price": 5000, "is_active": true,
	}); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 on product create, got %d", rec.Code)
	}

	// The shared POS surfaces stay open.
	if rec := f.do(t, http.MethodGet, "/api/v1/products", token, nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on product list, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/api/v1/expenses", token, nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on expenses, got %d", rec.Code)
	}
}

func TestCartCheckoutFlow(t *testing.T) {
	f := newFixture(t)
	token := f.login(t, "admin@naladrink.id", "admin123")

	products := f.caches.Products()
	if len(products) == 0 {
		t.Fatalf("expected seeded products after login")
	}
	target := products[0]

	for i := 0; i < 2; i++ {
		rec := f.do(t, http.MethodPost, "/api/v1/cart", token, map[string]string{"productId": target.ID})
		if rec.Code != http.StatusOK {
			t.Fatalf("cart add failed: %d %s", rec.Code, rec.Body.String())
		}
	}
	if f.cart.Len() != 1 || f.cart.Total() != 2*target.Price {
		t.Fatalf("expected one line qty 2, got %d lines total %d", f.cart.Len(), f.cart.Total())
	}

	// Short cash must reject and leave the cart intact.
	rec := f.do(t, http.MethodPost, "/api/v1/checkout", token, map[string]any{
		"payment_method":  "Tunai",
		"amount_received": target.Price,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for short cash, got %d: %s", rec.Code, rec.Body.String())
	}
	if f.cart.Len() != 1 {
		t.Fatalf("failed checkout must not clear the cart")
	}

	rec = f.do(t, http.MethodPost, "/api/v1/checkout", token, map[string]any{
		"payment_method":  "Tunai",
		"amount_received": 2*target.Price + 5000,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("checkout failed: %d %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Transaction domain.Transaction `json:"transaction"`
		Receipt     string             `json:"receipt"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode checkout response: %v", err)
	}
	if resp.Transaction.Change != 5000 {
		t.Fatalf("expected change 5000, got %d", resp.Transaction.Change)
	}
	if !strings.Contains(resp.Receipt, target.Name) {
		t.Fatalf("receipt missing product name:\n%s", resp.Receipt)
	}
	if f.cart.Len() != 0 {
		t.Fatalf("successful checkout must clear the cart")
	}
}

func TestTransactionReceiptRoute(t *testing.T) {
	f := newFixture(t)
	token := f.login(t, "admin@naladrink.id", "admin123")

	target := f.caches.Products()[0]
	if rec := f.do(t, http.MethodPost, "/api/v1/cart", token, map[string]string{"productId": target.ID}); rec.Code != http.StatusOK {
		t.Fatalf("cart add failed: %d", rec.Code)
	}
	rec := f.do(t, http.MethodPost, "/api/v1/checkout", token, map[string]any{"payment_method": "QRIS"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("checkout failed: %d %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Transaction domain.Transaction `json:"transaction"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode checkout response: %v", err)
	}

	// The cache copy arrives through the event stream; wait for it.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := f.caches.TransactionByID(resp.Transaction.ID); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("transaction never reached the cache")
		}
		time.Sleep(5 * time.Millisecond)
	}

	path := fmt.Sprintf("/api/v1/transactions/%s/receipt", resp.Transaction.ID)
	out := f.do(t, http.MethodGet, path, token, nil)
	if out.Code != http.StatusOK {
		t.Fatalf("receipt route failed: %d %s", out.Code, out.Body.String())
	}
	if ct := out.Header().Get("Content-Type"); !strings.Contains(ct, "text/plain") {
		t.Fatalf("expected plain text receipt, got %q", ct)
	}

	if missing := f.do(t, http.MethodGet, "/api/v1/transactions/no-such/receipt", token, nil); missing.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown transaction, got %d", missing.Code)
	}
}

func TestCartRejectsUnknownAndInactiveProducts(t *testing.T) {
	f := newFixture(t)
	token := f.login(t, "admin@naladrink.id", "admin123")

	if rec := f.do(t, http.MethodPost, "/api/v1/cart", token, map[string]string{"productId": "no-such"}); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown product, got %d", rec.Code)
	}

	target := f.caches.Products()[0]
	if rec := f.do(t, http.MethodPatch, "/api/v1/products/"+target.ID, token, map[string]any{
		"name": target.Name, "size": target.Size, "price": target.Price, "is_active": false,
	}); rec.Code != http.StatusAccepted {
		t.Fatalf("deactivate failed: %d %s", rec.Code, rec.Body.String())
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if p, ok := f.caches.ProductByID(target.ID); ok && !p.Active {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("deactivation never reached the cache")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if rec := f.do(t, http.MethodPost, "/api/v1/cart", token, map[string]string{"productId": target.ID}); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for inactive product, got %d", rec.Code)
	}
}

func TestLogoutInvalidatesToken(t *testing.T) {
	f := newFixture(t)
	token := f.login(t, "admin@naladrink.id", "admin123")

	if rec := f.do(t, http.MethodPost, "/api/v1/auth/logout", token, nil); rec.Code != http.StatusOK {
		t.Fatalf("logout failed: %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/api/v1/products", token, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 after logout, got %d", rec.Code)
	}
}
