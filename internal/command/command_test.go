package command

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"naladrink/pos/internal/domain"
	"naladrink/pos/internal/remote"
	"naladrink/pos/internal/remote/memory"
)

func newHandler() (*Handler, *memory.Store) {
	store := memory.New("test-secret", time.Hour)
	return New(store), store
}

var cashier = domain.User{ID: "u-1", Name: "Naila", Role: domain.RoleAdmin}

func cartLine(productID string, qty int, unitPrice int64) domain.CartItem {
	return domain.CartItem{
		ProductID: productID,
		Name:      "Es Teh Manis",
		Size:      domain.SizeReguler,
		Quantity:  qty,
		UnitPrice: unitPrice,
		Subtotal:  int64(qty) * unitPrice,
	}
}

func TestCheckoutWritesHeaderThenDetails(t *testing.T) {
	h, store := newHandler()
	ctx := context.Background()

	items := []domain.CartItem{cartLine("p-1", 2, 5000), cartLine("p-2", 1, 12000)}
	tx, err := h.Checkout(ctx, cashier, items, domain.PaymentTunai, 25000)
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}

	if tx.ID == "" {
		t.Fatalf("expected assigned transaction id")
	}
	if tx.Total != 22000 || tx.Change != 3000 {
		t.Fatalf("expected total 22000 change 3000, got total %d change %d", tx.Total, tx.Change)
	}
	if tx.CashierName != "Naila" {
		t.Fatalf("expected echoed cashier name, got %q", tx.CashierName)
	}
	if len(tx.Details) != 2 {
		t.Fatalf("expected 2 detail lines, got %d", len(tx.Details))
	}
	if err := tx.Validate(); err != nil {
		t.Fatalf("echoed transaction violates invariants: %v", err)
	}

	raw, err := store.SelectOne(ctx, remote.TableTransactions, tx.ID, remote.JoinDetails)
	if err != nil {
		t.Fatalf("stored transaction not readable: %v", err)
	}
	var stored domain.Transaction
	if err := json.Unmarshal(raw, &stored); err != nil {
		t.Fatalf("decode stored transaction: %v", err)
	}
	if len(stored.Details) != 2 {
		t.Fatalf("expected 2 stored detail rows, got %d", len(stored.Details))
	}
	for _, d := range stored.Details {
		if d.TransactionID != tx.ID {
			t.Fatalf("detail row not linked to header: %+v", d)
		}
	}
}

func TestCheckoutRejectsInsufficientCashBeforeAnyWrite(t *testing.T) {
	h, store := newHandler()
	ctx := context.Background()

	_, err := h.Checkout(ctx, cashier, []domain.CartItem{cartLine("p-1", 2, 5000)}, domain.PaymentTunai, 9999)
	if !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	rows, err := store.Select(ctx, remote.TableTransactions, "date desc")
	if err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("rejection must happen before any remote write, found %d rows", len(rows))
	}
}

func TestCheckoutNonCashIgnoresAmountReceived(t *testing.T) {
	h, _ := newHandler()

	tx, err := h.Checkout(context.Background(), cashier, []domain.CartItem{cartLine("p-1", 1, 9000)}, domain.PaymentQRIS, 0)
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	if tx.AmountReceived != 0 || tx.Change != 0 {
		t.Fatalf("non-cash sale must not carry cash fields, got received %d change %d", tx.AmountReceived, tx.Change)
	}
}

func TestCheckoutValidatesCartShape(t *testing.T) {
	h, _ := newHandler()
	ctx := context.Background()

	if _, err := h.Checkout(ctx, cashier, nil, domain.PaymentTunai, 10000); err == nil {
		t.Fatalf("expected empty cart to be rejected")
	}

	bad := cartLine("p-1", 2, 5000)
	bad.Subtotal = 123
	if _, err := h.Checkout(ctx, cashier, []domain.CartItem{bad}, domain.PaymentTunai, 10000); err == nil {
		t.Fatalf("expected inconsistent subtotal to be rejected")
	}

	zero := cartLine("p-1", 0, 5000)
	if _, err := h.Checkout(ctx, cashier, []domain.CartItem{zero}, domain.PaymentTunai, 10000); err == nil {
		t.Fatalf("expected zero quantity to be rejected")
	}

	if _, err := h.Checkout(ctx, domain.User{}, []domain.CartItem{cartLine("p-1", 1, 5000)}, domain.PaymentTunai, 10000); err == nil {
		t.Fatalf("expected missing cashier to be rejected")
	}

	if _, err := h.Checkout(ctx, cashier, []domain.CartItem{cartLine("p-1", 1, 5000)}, domain.PaymentMethod("Cek"), 10000); err == nil {
		t.Fatalf("expected unknown payment method to be rejected")
	}
}

func TestCheckoutAssignsTransactionCode(t *testing.T) {
	h, _ := newHandler()
	tx, err := h.Checkout(context.Background(), cashier, []domain.CartItem{cartLine("p-1", 1, 5000)}, domain.PaymentTunai, 5000)
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	if len(tx.Code) < 6 || tx.Code[:5] != "NALA-" {
		t.Fatalf("expected NALA- transaction code, got %q", tx.Code)
	}
}

func TestSaveProductInsertsAndUpdates(t *testing.T) {
	h, store := newHandler()
	ctx := context.Background()

	if err := h.SaveProduct(ctx, domain.Product{Name: "Teh Tarik", Size: domain.SizeReguler, Price: 10000, Active: true}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	rows, err := store.Select(ctx, remote.TableProducts, "name asc")
	if err != nil || len(rows) != 1 {
		t.Fatalf("expected 1 product, got %d (%v)", len(rows), err)
	}
	var p domain.Product
	if err := json.Unmarshal(rows[0], &p); err != nil {
		t.Fatalf("decode product: %v", err)
	}

	p.Price = 11000
	p.Active = false
	if err := h.SaveProduct(ctx, p); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	raw, err := store.SelectOne(ctx, remote.TableProducts, p.ID, "")
	if err != nil {
		t.Fatalf("select updated product: %v", err)
	}
	var updated domain.Product
	if err := json.Unmarshal(raw, &updated); err != nil {
		t.Fatalf("decode updated product: %v", err)
	}
	if updated.Price != 11000 || updated.Active {
		t.Fatalf("expected price 11000 inactive, got price %d active %v", updated.Price, updated.Active)
	}

	if err := h.SaveProduct(ctx, domain.Product{Name: "", Size: domain.SizeReguler}); err == nil {
		t.Fatalf("expected invalid product to be rejected")
	}
}

func TestSaveExpenseDefaultsDate(t *testing.T) {
	h, store := newHandler()
	ctx := context.Background()

	if err := h.SaveExpense(ctx, domain.Expense{Description: "galon", Category: domain.CategoryBahanBaku, Amount: 20000}); err != nil {
		t.Fatalf("save expense failed: %v", err)
	}
	rows, err := store.Select(ctx, remote.TableExpenses, "date desc")
	if err != nil || len(rows) != 1 {
		t.Fatalf("expected 1 expense, got %d (%v)", len(rows), err)
	}
	var e domain.Expense
	if err := json.Unmarshal(rows[0], &e); err != nil {
		t.Fatalf("decode expense: %v", err)
	}
	if e.Date.IsZero() {
		t.Fatalf("expected defaulted expense date")
	}
}

func TestDeleteCommandsPropagateNotFound(t *testing.T) {
	h, _ := newHandler()
	ctx := context.Background()

	if err := h.DeleteProduct(ctx, "missing"); !errors.Is(err, remote.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := h.DeleteExpense(ctx, "missing"); !errors.Is(err, remote.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := h.DeleteTransaction(ctx, "missing"); !errors.Is(err, remote.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
