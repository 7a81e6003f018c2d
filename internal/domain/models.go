package domain

import (
	"fmt"
	"strings"
	"time"
)

type ProductSize string

const (
	SizeReguler ProductSize = "Reguler"
	SizeJumbo   ProductSize = "Jumbo"
	SizeLiteran ProductSize = "Literan"
)

func (s ProductSize) Valid() bool {
	switch s {
	case SizeReguler, SizeJumbo, SizeLiteran:
		return true
	}
	return false
}

type PaymentMethod string

const (
	PaymentTunai   PaymentMethod = "Tunai"
	PaymentQRIS    PaymentMethod = "QRIS"
	PaymentEWallet PaymentMethod = "E-Wallet"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentTunai, PaymentQRIS, PaymentEWallet:
		return true
	}
	return false
}

type ExpenseCategory string

const (
	CategoryOperasional ExpenseCategory = "Operasional"
	CategoryBahanBaku   ExpenseCategory = "Bahan Baku"
	CategoryLainnya     ExpenseCategory = "Lainnya"
)

func (c ExpenseCategory) Valid() bool {
	switch c {
	case CategoryOperasional, CategoryBahanBaku, CategoryLainnya:
		return true
	}
	return false
}

type Role string

const (
	RoleAdmin Role = "Admin"
	RoleKasir Role = "Kasir"
)

// ErrInsufficientFunds is returned when a cash payment does not cover the
// transaction total. It is rejected before any remote call.
var ErrInsufficientFunds = fmt.Errorf("uang diterima tidak cukup")

// Product mirrors the remote "products" table. Prices are integer rupiah.
type Product struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	Size      ProductSize `json:"size"`
	Price     int64       `json:"price"`
	Active    bool        `json:"is_active"`
	ImageURL  string      `json:"image_url,omitempty"`
	CreatedAt time.Time   `json:"created_at,omitempty"`
	UpdatedAt time.Time   `json:"updated_at,omitempty"`
}

func (p Product) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("product name is required")
	}
	if !p.Size.Valid() {
		return fmt.Errorf("invalid product size %q", p.Size)
	}
	if p.Price < 0 {
		return fmt.Errorf("product price must not be negative")
	}
	return nil
}

// User mirrors the remote "users" table. Accounts are managed outside this
// application; the client only ever reads them.
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// Expense mirrors the remote "expenses" table.
type Expense struct {
	ID          string          `json:"id"`
	Date        time.Time       `json:"date"`
	Description string          `json:"description"`
	Category    ExpenseCategory `json:"category"`
	Amount      int64           `json:"amount"`
	CreatedAt   time.Time       `json:"created_at,omitempty"`
}

func (e Expense) Validate() error {
	if strings.TrimSpace(e.Description) == "" {
		return fmt.Errorf("expense description is required")
	}
	if !e.Category.Valid() {
		return fmt.Errorf("invalid expense category %q", e.Category)
	}
	if e.Amount < 0 {
		return fmt.Errorf("expense amount must not be negative")
	}
	return nil
}

// TransactionDetail mirrors the remote "transaction_details" table. Detail
// rows are immutable after creation: unit_price is a snapshot of the product
// price at sale time.
type TransactionDetail struct {
	ID            string `json:"id"`
	TransactionID string `json:"transaction_id"`
	ProductID     string `json:"product_id"`
	Quantity      int    `json:"quantity"`
	UnitPrice     int64  `json:"unit_price"`
	Subtotal      int64  `json:"subtotal"`
}

func (d TransactionDetail) Validate() error {
	if d.ProductID == "" {
		return fmt.Errorf("detail product id is required")
	}
	if d.Quantity < 1 {
		return fmt.Errorf("detail quantity must be positive")
	}
	if d.UnitPrice < 0 {
		return fmt.Errorf("detail unit price must not be negative")
	}
	if d.Subtotal != int64(d.Quantity)*d.UnitPrice {
		return fmt.Errorf("detail subtotal %d does not equal quantity x unit price", d.Subtotal)
	}
	return nil
}

// Transaction mirrors the remote "transactions" table, denormalized with its
// detail rows and the cashier's display name. CashierName is looked up from
// the user cache at read time and never stored.
type Transaction struct {
	ID             string              `json:"id"`
	Code           string              `json:"transaction_code"`
	Date           time.Time           `json:"date"`
	CashierID      string              `json:"cashier_id"`
	CashierName    string              `json:"cashier_name,omitempty"`
	Total          int64               `json:"total"`
	PaymentMethod  PaymentMethod       `json:"payment_method"`
	AmountReceived int64               `json:"amount_received,omitempty"`
	Change         int64               `json:"change,omitempty"`
	Notes          string              `json:"notes,omitempty"`
	Details        []TransactionDetail `json:"details,omitempty"`
}

func (t Transaction) Validate() error {
	if t.CashierID == "" {
		return fmt.Errorf("transaction cashier id is required")
	}
	if !t.PaymentMethod.Valid() {
		return fmt.Errorf("invalid payment method %q", t.PaymentMethod)
	}
	if len(t.Details) == 0 {
		return fmt.Errorf("transaction has no line items")
	}

	var sum int64
	for _, detail := range t.Details {
		if err := detail.Validate(); err != nil {
			return err
		}
		sum += detail.Subtotal
	}
	if t.Total != sum {
		return fmt.Errorf("transaction total %d does not equal sum of detail subtotals %d", t.Total, sum)
	}

	if t.PaymentMethod == PaymentTunai {
		if t.AmountReceived < t.Total {
			return ErrInsufficientFunds
		}
		if t.Change != t.AmountReceived-t.Total {
			return fmt.Errorf("transaction change %d does not equal amount received minus total", t.Change)
		}
	}
	return nil
}

// CartItem is transient client-side state, never persisted until checkout.
type CartItem struct {
	ProductID string      `json:"productId"`
	Name      string      `json:"name"`
	Size      ProductSize `json:"size"`
	Quantity  int         `json:"quantity"`
	UnitPrice int64       `json:"unitPrice"`
	Subtotal  int64       `json:"subtotal"`
}
