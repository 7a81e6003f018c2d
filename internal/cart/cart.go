// Package cart is the pre-transaction staging area: pure client-side state
// keyed by product id, destroyed on successful checkout or explicit removal.
package cart

import (
	"slices"
	"sync"

	"naladrink/pos/internal/domain"
)

type Cart struct {
	mu    sync.Mutex
	items []domain.CartItem
}

func New() *Cart {
	return &Cart{}
}

// Add increments the quantity when the product is already staged, otherwise
// appends a new line seeded at quantity 1.
func (c *Cart) Add(p domain.Product) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.items {
		if c.items[i].ProductID == p.ID {
			c.items[i].Quantity++
			c.items[i].Subtotal = int64(c.items[i].Quantity) * c.items[i].UnitPrice
			return
		}
	}
	c.items = append(c.items, domain.CartItem{
		ProductID: p.ID,
		Name:      p.Name,
		Size:      p.Size,
		Quantity:  1,
		UnitPrice: p.Price,
		Subtotal:  p.Price,
	})
}

// SetQuantity updates a line's quantity. Zero or below removes the line
// entirely; that is not an error.
func (c *Cart) SetQuantity(productID string, quantity int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if quantity <= 0 {
		c.items = slices.DeleteFunc(c.items, func(item domain.CartItem) bool {
			return item.ProductID == productID
		})
		return
	}
	for i := range c.items {
		if c.items[i].ProductID == productID {
			c.items[i].Quantity = quantity
			c.items[i].Subtotal = int64(quantity) * c.items[i].UnitPrice
			return
		}
	}
}

// Remove drops a line unconditionally; no-op if absent.
func (c *Cart) Remove(productID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = slices.DeleteFunc(c.items, func(item domain.CartItem) bool {
		return item.ProductID == productID
	})
}

func (c *Cart) Items() []domain.CartItem {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.items)
}

// Total is recomputed on every read, never cached.
func (c *Cart) Total() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var total int64
	for _, item := range c.items {
		total += item.Subtotal
	}
	return total
}

func (c *Cart) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Clear empties the cart. Called exactly once, on the success path of
// checkout.
func (c *Cart) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = nil
}
