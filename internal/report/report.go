// Package report computes sales and expense summaries over the caches.
// Reports are a derivation of cache state; nothing here talks to the remote
// store.
package report

import (
	"fmt"
	"sort"
	"time"

	"naladrink/pos/internal/domain"
)

type Mode string

const (
	ModeDaily   Mode = "daily"
	ModeMonthly Mode = "monthly"
)

const (
	dayLayout   = "2006-01-02"
	monthLayout = "2006-01"
)

type BestSeller struct {
	ProductID string             `json:"product_id"`
	Name      string             `json:"name"`
	Size      domain.ProductSize `json:"size"`
	Quantity  int                `json:"quantity"`
}

type Summary struct {
	Mode             Mode         `json:"mode"`
	Period           string       `json:"period"`
	TotalRevenue     int64        `json:"total_revenue"`
	TotalExpenses    int64        `json:"total_expenses"`
	NetProfit        int64        `json:"net_profit"`
	TransactionCount int          `json:"transaction_count"`
	BestSellers      []BestSeller `json:"best_sellers"`
}

// Build aggregates one period. Period is "2006-01-02" for daily mode and
// "2006-01" for monthly.
func Build(transactions []domain.Transaction, expenses []domain.Expense, products []domain.Product, mode Mode, period string) (Summary, error) {
	layout := dayLayout
	switch mode {
	case ModeDaily:
	case ModeMonthly:
		layout = monthLayout
	default:
		return Summary{}, fmt.Errorf("unknown report mode %q", mode)
	}
	if _, err := time.Parse(layout, period); err != nil {
		return Summary{}, fmt.Errorf("invalid period %q for %s report", period, mode)
	}

	summary := Summary{Mode: mode, Period: period}

	sales := make(map[string]*BestSeller)
	for _, t := range transactions {
		if t.Date.UTC().Format(layout) != period {
			continue
		}
		summary.TotalRevenue += t.Total
		summary.TransactionCount++

		for _, d := range t.Details {
			entry, ok := sales[d.ProductID]
			if !ok {
				name, size := "Unknown", domain.ProductSize("")
				for _, p := range products {
					if p.ID == d.ProductID {
						name, size = p.Name, p.Size
						break
					}
				}
				entry = &BestSeller{ProductID: d.ProductID, Name: name, Size: size}
				sales[d.ProductID] = entry
			}
			entry.Quantity += d.Quantity
		}
	}

	for _, e := range expenses {
		if e.Date.UTC().Format(layout) != period {
			continue
		}
		summary.TotalExpenses += e.Amount
	}
	summary.NetProfit = summary.TotalRevenue - summary.TotalExpenses

	sellers := make([]BestSeller, 0, len(sales))
	for _, entry := range sales {
		sellers = append(sellers, *entry)
	}
	sort.Slice(sellers, func(i, j int) bool {
		if sellers[i].Quantity != sellers[j].Quantity {
			return sellers[i].Quantity > sellers[j].Quantity
		}
		return sellers[i].Name < sellers[j].Name
	})
	if len(sellers) > 5 {
		sellers = sellers[:5]
	}
	summary.BestSellers = sellers

	return summary, nil
}
