// Package httpapi is the terminal's presentation surface. Handlers read from
// the caches and issue commands; none of them write cache state directly.
package httpapi

import (
	"crypto/hmac"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"naladrink/pos/internal/cart"
	"naladrink/pos/internal/command"
	"naladrink/pos/internal/domain"
	"naladrink/pos/internal/receipt"
	"naladrink/pos/internal/reconcile"
	"naladrink/pos/internal/report"
	"naladrink/pos/internal/session"
)

type API struct {
	gate          *session.Gate
	caches        *reconcile.Caches
	cart          *cart.Cart
	commands      *command.Handler
	allowedOrigin string
	loginLimiter  *attemptLimiter
}

func New(gate *session.Gate, caches *reconcile.Caches, c *cart.Cart, commands *command.Handler, allowedOrigin string) *API {
	return &API{
		gate:          gate,
		caches:        caches,
		cart:          c,
		commands:      commands,
		allowedOrigin: allowedOrigin,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
	}
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	kept = append(kept, now)
	l.entries[key] = kept
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/api/v1/auth/login", a.handleLogin)
	mux.HandleFunc("/api/v1/auth/logout", a.requireAuth(a.handleLogout))
	mux.HandleFunc("/api/v1/auth/session", a.requireAuth(a.handleSession))

	mux.HandleFunc("/api/v1/products", a.requireAuth(a.handleProducts, session.ViewPOS))
	mux.HandleFunc("/api/v1/products/", a.requireAuth(a.handleProductActions, session.ViewProducts))

	mux.HandleFunc("/api/v1/expenses", a.requireAuth(a.handleExpenses, session.ViewExpenses))
	mux.HandleFunc("/api/v1/expenses/", a.requireAuth(a.handleExpenseActions, session.ViewExpenses))

	mux.HandleFunc("/api/v1/transactions", a.requireAuth(a.handleTransactions, session.ViewPOS))
	mux.HandleFunc("/api/v1/transactions/", a.requireAuth(a.handleTransactionActions, session.ViewPOS))

	mux.HandleFunc("/api/v1/cart", a.requireAuth(a.handleCart, session.ViewPOS))
	mux.HandleFunc("/api/v1/cart/items/", a.requireAuth(a.handleCartItemActions, session.ViewPOS))
	mux.HandleFunc("/api/v1/checkout", a.requireAuth(a.handleCheckout, session.ViewPOS))

	mux.HandleFunc("/api/v1/reports/summary", a.requireAuth(a.handleReportSummary, session.ViewReports))
	mux.HandleFunc("/api/v1/users", a.requireAuth(a.handleUsers, session.ViewDataManagement))

	return a.withMiddleware(mux)
}

// requireAuth checks the bearer token against the single active session and,
// when views are given, requires the signed-in role to hold at least one of
// them.
func (a *API) requireAuth(next http.HandlerFunc, views ...session.View) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		active := a.gate.AccessToken()
		if active == "" || !hmac.Equal([]byte(token), []byte(active)) {
			writeError(w, http.StatusUnauthorized, errors.New("invalid or expired token"))
			return
		}

		user, ok := a.gate.CurrentUser()
		if !ok {
			writeError(w, http.StatusUnauthorized, errors.New("no signed-in user"))
			return
		}

		if len(views) > 0 && !anyViewAllowed(user.Role, views) {
			writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}

		next(w, r)
	}
}

func anyViewAllowed(role domain.Role, views []session.View) bool {
	for _, v := range views {
		if session.Allowed(role, v) {
			return true
		}
	}
	return false
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	user, err := a.gate.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user":  user,
		"token": a.gate.AccessToken(),
		"views": session.ViewsFor(user.Role),
	})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	a.cart.Clear()
	if err := a.gate.Logout(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *API) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	user, ok := a.gate.CurrentUser()
	if !ok {
		writeError(w, http.StatusUnauthorized, errors.New("no signed-in user"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user":  user,
		"views": session.ViewsFor(user.Role),
	})
}

func (a *API) handleProducts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"products": a.caches.Products()})
	case http.MethodPost:
		user, _ := a.gate.CurrentUser()
		if !session.Allowed(user.Role, session.ViewProducts) {
			writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}

		var p domain.Product
		if err := decodeJSON(r, &p); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		p.ID = ""
		if err := a.commands.SaveProduct(r.Context(), p); err != nil {
			writeError(w, http.StatusUnprocessableEntity, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleProductActions(w http.ResponseWriter, r *http.Request) {
	id := pathTail(r.URL.Path, "/api/v1/products/")
	if id == "" {
		writeError(w, http.StatusBadRequest, errors.New("product id required"))
		return
	}

	switch r.Method {
	case http.MethodPatch:
		var p domain.Product
		if err := decodeJSON(r, &p); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		p.ID = id
		if err := a.commands.SaveProduct(r.Context(), p); err != nil {
			writeError(w, http.StatusUnprocessableEntity, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
	case http.MethodDelete:
		if err := a.commands.DeleteProduct(r.Context(), id); err != nil {
			writeError(w, http.StatusUnprocessableEntity, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleExpenses(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"expenses": a.caches.Expenses()})
	case http.MethodPost:
		var e domain.Expense
		if err := decodeJSON(r, &e); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		e.ID = ""
		if err := a.commands.SaveExpense(r.Context(), e); err != nil {
			writeError(w, http.StatusUnprocessableEntity, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleExpenseActions(w http.ResponseWriter, r *http.Request) {
	id := pathTail(r.URL.Path, "/api/v1/expenses/")
	if id == "" {
		writeError(w, http.StatusBadRequest, errors.New("expense id required"))
		return
	}

	switch r.Method {
	case http.MethodPatch:
		var e domain.Expense
		if err := decodeJSON(r, &e); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		e.ID = id
		if err := a.commands.SaveExpense(r.Context(), e); err != nil {
			writeError(w, http.StatusUnprocessableEntity, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
	case http.MethodDelete:
		if err := a.commands.DeleteExpense(r.Context(), id); err != nil {
			writeError(w, http.StatusUnprocessableEntity, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleTransactions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": a.caches.Transactions()})
}

func (a *API) handleTransactionActions(w http.ResponseWriter, r *http.Request) {
	tail := pathTail(r.URL.Path, "/api/v1/transactions/")
	if tail == "" {
		writeError(w, http.StatusBadRequest, errors.New("transaction id required"))
		return
	}

	if id, ok := strings.CutSuffix(tail, "/receipt"); ok {
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		id = strings.Trim(id, "/")
		t, found := a.caches.TransactionByID(id)
		if !found {
			writeError(w, http.StatusNotFound, errors.New("transaction not found"))
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(receipt.Render(t, a.caches.Products())))
		return
	}

	if r.Method != http.MethodDelete {
		writeMethodNotAllowed(w)
		return
	}

	// Wiping history is a data-management action, not a cashier one.
	user, _ := a.gate.CurrentUser()
	if !session.Allowed(user.Role, session.ViewDataManagement) {
		writeError(w, http.StatusForbidden, errors.New("forbidden role"))
		return
	}
	if err := a.commands.DeleteTransaction(r.Context(), tail); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func (a *API) handleCart(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{
			"items": a.cart.Items(),
			"total": a.cart.Total(),
		})
	case http.MethodPost:
		var req struct {
			ProductID string `json:"productId"`
		}
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		p, ok := a.caches.ProductByID(req.ProductID)
		if !ok {
			writeError(w, http.StatusNotFound, errors.New("product not found"))
			return
		}
		if !p.Active {
			writeError(w, http.StatusUnprocessableEntity, errors.New("produk tidak aktif"))
			return
		}
		a.cart.Add(p)
		writeJSON(w, http.StatusOK, map[string]any{
			"items": a.cart.Items(),
			"total": a.cart.Total(),
		})
	case http.MethodDelete:
		a.cart.Clear()
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleCartItemActions(w http.ResponseWriter, r *http.Request) {
	productID := pathTail(r.URL.Path, "/api/v1/cart/items/")
	if productID == "" {
		writeError(w, http.StatusBadRequest, errors.New("product id required"))
		return
	}

	switch r.Method {
	case http.MethodPatch:
		var req struct {
			Quantity int `json:"quantity"`
		}
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		a.cart.SetQuantity(productID, req.Quantity)
	case http.MethodDelete:
		a.cart.Remove(productID)
	default:
		writeMethodNotAllowed(w)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"items": a.cart.Items(),
		"total": a.cart.Total(),
	})
}

func (a *API) handleCheckout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req struct {
		PaymentMethod  domain.PaymentMethod `json:"payment_method"`
		AmountReceived int64                `json:"amount_received"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	cashier, ok := a.gate.CurrentUser()
	if !ok {
		writeError(w, http.StatusUnauthorized, errors.New("no signed-in user"))
		return
	}

	t, err := a.commands.Checkout(r.Context(), cashier, a.cart.Items(), req.PaymentMethod, req.AmountReceived)
	if err != nil {
		status := http.StatusUnprocessableEntity
		if errors.Is(err, domain.ErrInsufficientFunds) {
			status = http.StatusBadRequest
		}
		// The cart is deliberately left intact so the cashier can retry.
		writeError(w, status, err)
		return
	}

	a.cart.Clear()
	writeJSON(w, http.StatusCreated, map[string]any{
		"transaction": t,
		"receipt":     receipt.Render(t, a.caches.Products()),
	})
}

func (a *API) handleReportSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	mode := report.Mode(strings.TrimSpace(r.URL.Query().Get("mode")))
	if mode == "" {
		mode = report.ModeDaily
	}
	period := strings.TrimSpace(r.URL.Query().Get("period"))
	if period == "" {
		layout := "2006-01-02"
		if mode == report.ModeMonthly {
			layout = "2006-01"
		}
		period = time.Now().UTC().Format(layout)
	}

	summary, err := report.Build(a.caches.Transactions(), a.caches.Expenses(), a.caches.Products(), mode, period)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (a *API) handleUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": a.caches.Users()})
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodPost || r.Method == http.MethodPatch {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		startedAt := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(startedAt))
	})
}

func pathTail(path string, prefix string) string {
	if !strings.HasPrefix(path, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.Trim(strings.TrimPrefix(path, prefix), "/"))
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

func writeError(w http.ResponseWriter, status int, err error) {
	// 4xx messages are user-facing; 5xx stay generic so internals never leak.
	msg := err.Error()
	if status >= 500 {
		log.Printf("internal error (status %d): %v", status, err)
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
