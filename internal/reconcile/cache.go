package reconcile

import (
	"slices"
	"strings"
	"sync"

	"naladrink/pos/internal/domain"
)

// Caches is the session-scoped in-memory mirror of the remote entity tables.
// It has exactly one writer, the Reconciler; every view and command handler
// only reads. All accessors return copies.
type Caches struct {
	mu           sync.RWMutex
	products     []domain.Product
	transactions []domain.Transaction
	expenses     []domain.Expense
	users        []domain.User
}

func NewCaches() *Caches {
	return &Caches{}
}

func (c *Caches) Products() []domain.Product {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.products)
}

func (c *Caches) Transactions() []domain.Transaction {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.transactions)
}

func (c *Caches) Expenses() []domain.Expense {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.expenses)
}

func (c *Caches) Users() []domain.User {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.users)
}

func (c *Caches) ProductByID(id string) (domain.Product, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, p := range c.products {
		if p.ID == id {
			return p, true
		}
	}
	return domain.Product{}, false
}

func (c *Caches) TransactionByID(id string) (domain.Transaction, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, t := range c.transactions {
		if t.ID == id {
			return t, true
		}
	}
	return domain.Transaction{}, false
}

func (c *Caches) UserByID(id string) (domain.User, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, u := range c.users {
		if u.ID == id {
			return u, true
		}
	}
	return domain.User{}, false
}

// Clear wipes all four collections. Part of the hard reset on logout.
func (c *Caches) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.products = nil
	c.transactions = nil
	c.expenses = nil
	c.users = nil
}

func (c *Caches) seed(users []domain.User, products []domain.Product, transactions []domain.Transaction, expenses []domain.Expense) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.users = users
	c.products = products
	c.transactions = transactions
	c.expenses = expenses
	sortProducts(c.products)
	sortTransactions(c.transactions)
	sortExpenses(c.expenses)
}

// upsertProduct replaces an existing entry with the same id, or appends.
// Idempotent under redelivery. The re-sort is unconditional: simplicity over
// efficiency at shop-sized data volumes.
func (c *Caches) upsertProduct(p domain.Product) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.products = upsert(c.products, p, func(existing domain.Product) bool { return existing.ID == p.ID })
	sortProducts(c.products)
}

// updateProduct replaces the entry with the same id in place. An update for
// an id not held locally is a no-op, not an error: the row may have been
// removed or never seeded here.
func (c *Caches) updateProduct(p domain.Product) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if replace(c.products, p, func(existing domain.Product) bool { return existing.ID == p.ID }) {
		sortProducts(c.products)
	}
}

func (c *Caches) removeProduct(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.products = remove(c.products, func(existing domain.Product) bool { return existing.ID == id })
}

func (c *Caches) upsertTransaction(t domain.Transaction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transactions = upsert(c.transactions, t, func(existing domain.Transaction) bool { return existing.ID == t.ID })
	sortTransactions(c.transactions)
}

func (c *Caches) updateTransaction(t domain.Transaction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if replace(c.transactions, t, func(existing domain.Transaction) bool { return existing.ID == t.ID }) {
		sortTransactions(c.transactions)
	}
}

func (c *Caches) removeTransaction(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transactions = remove(c.transactions, func(existing domain.Transaction) bool { return existing.ID == id })
}

func (c *Caches) upsertExpense(e domain.Expense) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expenses = upsert(c.expenses, e, func(existing domain.Expense) bool { return existing.ID == e.ID })
	sortExpenses(c.expenses)
}

func (c *Caches) updateExpense(e domain.Expense) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if replace(c.expenses, e, func(existing domain.Expense) bool { return existing.ID == e.ID }) {
		sortExpenses(c.expenses)
	}
}

func (c *Caches) removeExpense(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expenses = remove(c.expenses, func(existing domain.Expense) bool { return existing.ID == id })
}

func upsert[T any](items []T, item T, match func(T) bool) []T {
	for i := range items {
		if match(items[i]) {
			items[i] = item
			return items
		}
	}
	return append(items, item)
}

func replace[T any](items []T, item T, match func(T) bool) bool {
	for i := range items {
		if match(items[i]) {
			items[i] = item
			return true
		}
	}
	return false
}

func remove[T any](items []T, match func(T) bool) []T {
	return slices.DeleteFunc(items, match)
}

func sortProducts(products []domain.Product) {
	slices.SortStableFunc(products, func(a, b domain.Product) int {
		return strings.Compare(a.Name, b.Name)
	})
}

func sortTransactions(transactions []domain.Transaction) {
	slices.SortStableFunc(transactions, func(a, b domain.Transaction) int {
		return b.Date.Compare(a.Date)
	})
}

func sortExpenses(expenses []domain.Expense) {
	slices.SortStableFunc(expenses, func(a, b domain.Expense) int {
		return b.Date.Compare(a.Date)
	})
}
