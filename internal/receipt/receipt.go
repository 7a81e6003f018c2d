// Package receipt renders the printable text receipt for a completed
// transaction. Purely derived from cache state, not a wire format.
package receipt

import (
	"fmt"
	"strings"

	"naladrink/pos/internal/domain"
)

const width = 32

// Render produces the monospace receipt. Product names are resolved from the
// product cache; a product deleted since the sale renders as "Unknown".
func Render(t domain.Transaction, products []domain.Product) string {
	var b strings.Builder

	center(&b, "Naladrink")
	center(&b, "Terima Kasih!")
	rule(&b)
	center(&b, t.Code)
	rule(&b)
	fmt.Fprintf(&b, "Kasir: %s\n", t.CashierName)
	fmt.Fprintf(&b, "Tanggal: %s\n", t.Date.Format("02/01/2006 15:04"))
	rule(&b)
	row(&b, "ITEM", "TOTAL")

	for _, d := range t.Details {
		name, size := "Unknown", domain.ProductSize("")
		for _, p := range products {
			if p.ID == d.ProductID {
				name, size = p.Name, p.Size
				break
			}
		}
		label := name
		if size != "" {
			label = fmt.Sprintf("%s (%s)", name, size)
		}
		b.WriteString(label)
		b.WriteByte('\n')
		row(&b, fmt.Sprintf("  %d x %s", d.Quantity, Rupiah(d.UnitPrice)), Rupiah(d.Subtotal))
	}

	rule(&b)
	row(&b, "Total", "Rp "+Rupiah(t.Total))
	row(&b, "Metode", string(t.PaymentMethod))
	if t.PaymentMethod == domain.PaymentTunai {
		row(&b, "Bayar", "Rp "+Rupiah(t.AmountReceived))
		row(&b, "Kembali", "Rp "+Rupiah(t.Change))
	}
	rule(&b)
	center(&b, "Semoga harimu menyenangkan!")

	return b.String()
}

// Rupiah formats an amount with Indonesian thousand separators: 45000 ->
// "45.000".
func Rupiah(amount int64) string {
	negative := amount < 0
	if negative {
		amount = -amount
	}
	digits := fmt.Sprintf("%d", amount)

	var b strings.Builder
	for i, r := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			b.WriteByte('.')
		}
		b.WriteRune(r)
	}
	if negative {
		return "-" + b.String()
	}
	return b.String()
}

func center(b *strings.Builder, text string) {
	pad := (width - len(text)) / 2
	if pad < 0 {
		pad = 0
	}
	b.WriteString(strings.Repeat(" ", pad))
	b.WriteString(text)
	b.WriteByte('\n')
}

func rule(b *strings.Builder) {
	b.WriteString(strings.Repeat("-", width))
	b.WriteByte('\n')
}

func row(b *strings.Builder, left string, right string) {
	gap := width - len(left) - len(right)
	if gap < 1 {
		gap = 1
	}
	b.WriteString(left)
	b.WriteString(strings.Repeat(" ", gap))
	b.WriteString(right)
	b.WriteByte('\n')
}
