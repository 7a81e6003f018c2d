package report

import (
	"testing"
	"time"

	"naladrink/pos/internal/domain"
)

func fixtureData() ([]domain.Transaction, []domain.Expense, []domain.Product) {
	day := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	otherDay := day.AddDate(0, 0, -3)

	products := []domain.Product{
		{ID: "p-1", Name: "Es Teh Manis", Size: domain.SizeReguler, Price: 5000},
		{ID: "p-2", Name: "Kopi Susu", Size: domain.SizeReguler, Price: 12000},
	}
	transactions := []domain.Transaction{
		{
			ID: "tx-1", Date: day, Total: 22000, PaymentMethod: domain.PaymentQRIS,
			Details: []domain.TransactionDetail{
				{ProductID: "p-1", Quantity: 2, UnitPrice: 5000, Subtotal: 10000},
				{ProductID: "p-2", Quantity: 1, UnitPrice: 12000, Subtotal: 12000},
			},
		},
		{
			ID: "tx-2", Date: day.Add(2 * time.Hour), Total: 15000, PaymentMethod: domain.PaymentTunai,
			Details: []domain.TransactionDetail{
				{ProductID: "p-1", Quantity: 3, UnitPrice: 5000, Subtotal: 15000},
			},
		},
		{
			ID: "tx-3", Date: otherDay, Total: 12000, PaymentMethod: domain.PaymentTunai,
			Details: []domain.TransactionDetail{
				{ProductID: "p-2", Quantity: 1, UnitPrice: 12000, Subtotal: 12000},
			},
		},
	}
	expenses := []domain.Expense{
		{ID: "e-1", Date: day, Description: "es batu", Category: domain.CategoryBahanBaku, Amount: 10000},
		{ID: "e-2", Date: otherDay, Description: "listrik", Category: domain.CategoryOperasional, Amount: 50000},
	}
	return transactions, expenses, products
}

func TestDailySummaryAggregatesOnePeriod(t *testing.T) {
	transactions, expenses, products := fixtureData()

	summary, err := Build(transactions, expenses, products, ModeDaily, "2026-03-14")
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if summary.TotalRevenue != 37000 {
		t.Fatalf("expected revenue 37000, got %d", summary.TotalRevenue)
	}
	if summary.TotalExpenses != 10000 {
		t.Fatalf("expected expenses 10000, got %d", summary.TotalExpenses)
	}
	if summary.NetProfit != 27000 {
		t.Fatalf("expected net profit 27000, got %d", summary.NetProfit)
	}
	if summary.TransactionCount != 2 {
		t.Fatalf("expected 2 transactions, got %d", summary.TransactionCount)
	}

	if len(summary.BestSellers) != 2 {
		t.Fatalf("expected 2 best sellers, got %d", len(summary.BestSellers))
	}
	if summary.BestSellers[0].ProductID != "p-1" || summary.BestSellers[0].Quantity != 5 {
		t.Fatalf("expected p-1 with qty 5 on top, got %s qty %d", summary.BestSellers[0].ProductID, summary.BestSellers[0].Quantity)
	}
	if summary.BestSellers[0].Name != "Es Teh Manis" {
		t.Fatalf("expected resolved product name, got %q", summary.BestSellers[0].Name)
	}
}

func TestMonthlySummarySpansWholeMonth(t *testing.T) {
	transactions, expenses, products := fixtureData()

	summary, err := Build(transactions, expenses, products, ModeMonthly, "2026-03")
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if summary.TotalRevenue != 49000 {
		t.Fatalf("expected revenue 49000, got %d", summary.TotalRevenue)
	}
	if summary.TotalExpenses != 60000 {
		t.Fatalf("expected expenses 60000, got %d", summary.TotalExpenses)
	}
	if summary.NetProfit != -11000 {
		t.Fatalf("expected net profit -11000, got %d", summary.NetProfit)
	}
	if summary.TransactionCount != 3 {
		t.Fatalf("expected 3 transactions, got %d", summary.TransactionCount)
	}
}

func TestBestSellersCappedAtFive(t *testing.T) {
	day := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	var details []domain.TransactionDetail
	for i := 0; i < 8; i++ {
		details = append(details, domain.TransactionDetail{
			ProductID: string(rune('a' + i)),
			Quantity:  i + 1,
			UnitPrice: 1000,
			Subtotal:  int64(i+1) * 1000,
		})
	}
	var total int64
	for _, d := range details {
		total += d.Subtotal
	}
	transactions := []domain.Transaction{{ID: "tx-1", Date: day, Total: total, Details: details}}

	summary, err := Build(transactions, nil, nil, ModeDaily, "2026-03-14")
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if len(summary.BestSellers) != 5 {
		t.Fatalf("expected best sellers capped at 5, got %d", len(summary.BestSellers))
	}
	if summary.BestSellers[0].Quantity != 8 {
		t.Fatalf("expected highest quantity first, got %d", summary.BestSellers[0].Quantity)
	}
	if summary.BestSellers[0].Name != "Unknown" {
		t.Fatalf("expected unresolved product to render as Unknown, got %q", summary.BestSellers[0].Name)
	}
}

func TestBuildRejectsBadModeAndPeriod(t *testing.T) {
	if _, err := Build(nil, nil, nil, Mode("weekly"), "2026-03-14"); err == nil {
		t.Fatalf("expected unknown mode to be rejected")
	}
	if _, err := Build(nil, nil, nil, ModeDaily, "14-03-2026"); err == nil {
		t.Fatalf("expected malformed daily period to be rejected")
	}
	if _, err := Build(nil, nil, nil, ModeMonthly, "2026-03-14"); err == nil {
		t.Fatalf("expected daily period in monthly mode to be rejected")
	}
}
