package receipt

import (
	"strings"
	"testing"
	"time"

	"naladrink/pos/internal/domain"
)

func TestRupiahFormatting(t *testing.T) {
	cases := []struct {
		in   int64
		want string
	}{
		{0, "0"},
		{500, "500"},
		{5000, "5.000"},
		{45000, "45.000"},
		{1250000, "1.250.000"},
		{-8000, "-8.000"},
	}
	for _, tc := range cases {
		if got := Rupiah(tc.in); got != tc.want {
			t.Fatalf("Rupiah(%d) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestRenderCashReceipt(t *testing.T) {
	products := []domain.Product{
		{ID: "p-1", Name: "Es Teh Manis", Size: domain.SizeJumbo, Price: 8000},
	}
	tx := domain.Transaction{
		ID:             "tx-1",
		Code:           "NALA-1700000000000",
		Date:           time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC),
		CashierName:    "Naila",
		Total:          16000,
		PaymentMethod:  domain.PaymentTunai,
		AmountReceived: 20000,
		Change:         4000,
		Details: []domain.TransactionDetail{
			{ProductID: "p-1", Quantity: 2, UnitPrice: 8000, Subtotal: 16000},
		},
	}

	out := Render(tx, products)
	for _, want := range []string{
		"NALA-1700000000000",
		"Kasir: Naila",
		"Es Teh Manis (Jumbo)",
		"2 x 8.000",
		"Rp 16.000",
		"Bayar",
		"Rp 20.000",
		"Kembali",
		"Rp 4.000",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("receipt missing %q:\n%s", want, out)
		}
	}
}

func TestRenderNonCashOmitsChangeLines(t *testing.T) {
	tx := domain.Transaction{
		Code:          "NALA-1700000000001",
		Date:          time.Now().UTC(),
		CashierName:   "Kasir Pagi",
		Total:         9000,
		PaymentMethod: domain.PaymentQRIS,
		Details: []domain.TransactionDetail{
			{ProductID: "ghost", Quantity: 1, UnitPrice: 9000, Subtotal: 9000},
		},
	}

	out := Render(tx, nil)
	if strings.Contains(out, "Bayar") || strings.Contains(out, "Kembali") {
		t.Fatalf("QRIS receipt should not carry cash lines:\n%s", out)
	}
	if !strings.Contains(out, "Unknown") {
		t.Fatalf("deleted product should render as Unknown:\n%s", out)
	}
	if !strings.Contains(out, "QRIS") {
		t.Fatalf("receipt should name the payment method:\n%s", out)
	}
}
