// Package command holds the optimistic write handlers. Each handler issues
// its remote write and reports only accept or reject; the visible data
// update arrives later through the reconciler's event path, never
// synchronously from here.
package command

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"naladrink/pos/internal/domain"
	"naladrink/pos/internal/remote"
	"naladrink/pos/internal/xid"
)

type Handler struct {
	client remote.Client
}

func New(client remote.Client) *Handler {
	return &Handler{client: client}
}

// SaveProduct creates the product when it has no id, otherwise updates it.
func (h *Handler) SaveProduct(ctx context.Context, p domain.Product) error {
	if err := p.Validate(); err != nil {
		return err
	}

	if p.ID == "" {
		if _, err := h.client.Insert(ctx, remote.TableProducts, p); err != nil {
			return fmt.Errorf("gagal menyimpan produk: %w", err)
		}
		return nil
	}

	patch := map[string]any{
		"name":      p.Name,
		"size":      p.Size,
		"price":     p.Price,
		"is_active": p.Active,
		"image_url": p.ImageURL,
	}
	if _, err := h.client.Update(ctx, remote.TableProducts, p.ID, patch); err != nil {
		return fmt.Errorf("gagal menyimpan produk: %w", err)
	}
	return nil
}

func (h *Handler) DeleteProduct(ctx context.Context, id string) error {
	if err := h.client.Delete(ctx, remote.TableProducts, id); err != nil {
		return fmt.Errorf("gagal menghapus produk: %w", err)
	}
	return nil
}

func (h *Handler) SaveExpense(ctx context.Context, e domain.Expense) error {
	if e.Date.IsZero() {
		e.Date = time.Now().UTC()
	}
	if err := e.Validate(); err != nil {
		return err
	}

	if e.ID == "" {
		if _, err := h.client.Insert(ctx, remote.TableExpenses, e); err != nil {
			return fmt.Errorf("gagal menyimpan pengeluaran: %w", err)
		}
		return nil
	}

	patch := map[string]any{
		"description": e.Description,
		"amount":      e.Amount,
		"category":    e.Category,
	}
	if _, err := h.client.Update(ctx, remote.TableExpenses, e.ID, patch); err != nil {
		return fmt.Errorf("gagal menyimpan pengeluaran: %w", err)
	}
	return nil
}

func (h *Handler) DeleteExpense(ctx context.Context, id string) error {
	if err := h.client.Delete(ctx, remote.TableExpenses, id); err != nil {
		return fmt.Errorf("gagal menghapus pengeluaran: %w", err)
	}
	return nil
}

func (h *Handler) DeleteTransaction(ctx context.Context, id string) error {
	if err := h.client.Delete(ctx, remote.TableTransactions, id); err != nil {
		return fmt.Errorf("gagal menghapus transaksi: %w", err)
	}
	return nil
}

// Checkout writes the transaction header and then its line items, in that
// order. There is no compensating delete if the detail write fails after the
// header succeeded: the orphaned header is a documented, accepted risk, and
// the caller must not clear the cart so the cashier can retry.
//
// The returned transaction echoes what was submitted (for the receipt view);
// the cache copy arrives through the subscription like any other change.
func (h *Handler) Checkout(ctx context.Context, cashier domain.User, items []domain.CartItem, method domain.PaymentMethod, amountReceived int64) (domain.Transaction, error) {
	if len(items) == 0 {
		return domain.Transaction{}, fmt.Errorf("keranjang kosong")
	}
	if cashier.ID == "" {
		return domain.Transaction{}, fmt.Errorf("transaction cashier id is required")
	}
	if !method.Valid() {
		return domain.Transaction{}, fmt.Errorf("invalid payment method %q", method)
	}

	var total int64
	for _, item := range items {
		if item.Quantity < 1 {
			return domain.Transaction{}, fmt.Errorf("detail quantity must be positive")
		}
		if item.Subtotal != int64(item.Quantity)*item.UnitPrice {
			return domain.Transaction{}, fmt.Errorf("cart subtotal for %s is inconsistent", item.Name)
		}
		total += item.Subtotal
	}

	var change int64
	if method == domain.PaymentTunai {
		if amountReceived < total {
			return domain.Transaction{}, domain.ErrInsufficientFunds
		}
		change = amountReceived - total
	} else {
		amountReceived = 0
	}

	now := time.Now().UTC()
	header := domain.Transaction{
		Code:           xid.TransactionCode(now),
		Date:           now,
		CashierID:      cashier.ID,
		Total:          total,
		PaymentMethod:  method,
		AmountReceived: amountReceived,
		Change:         change,
	}

	raw, err := h.client.Insert(ctx, remote.TableTransactions, header)
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("gagal menyimpan transaksi: %w", err)
	}
	var inserted domain.Transaction
	if err := json.Unmarshal(raw, &inserted); err != nil {
		return domain.Transaction{}, fmt.Errorf("gagal menyimpan transaksi: %w", err)
	}

	details := make([]domain.TransactionDetail, 0, len(items))
	for _, item := range items {
		details = append(details, domain.TransactionDetail{
			ID:            xid.New(),
			TransactionID: inserted.ID,
			ProductID:     item.ProductID,
			Quantity:      item.Quantity,
			UnitPrice:     item.UnitPrice,
			Subtotal:      item.Subtotal,
		})
	}
	if _, err := h.client.Insert(ctx, remote.TableTransactionDetails, details); err != nil {
		return domain.Transaction{}, fmt.Errorf("gagal menyimpan detail transaksi: %w", err)
	}

	inserted.CashierName = cashier.Name
	inserted.Details = details
	return inserted, nil
}
