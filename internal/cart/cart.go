package cart

import (
	"errors"

	"vending-kiosk/internal/catalog"
	"vending-kiosk/internal/models"

	"github.com/shopspring/decimal"
)

// MaxQuantity bounds a single cart line
const MaxQuantity = 99

var (
	// ErrOutOfStock is returned when adding an item whose last known stock is zero
	ErrOutOfStock = errors.New("item out of stock")
	// ErrQuantityLimit is returned when a line would exceed MaxQuantity
	ErrQuantityLimit = errors.New("quantity limit exceeded")
)

// PriceFunc resolves the current unit price of an item
type PriceFunc func(name string) (decimal.Decimal, bool)

// Cart keeps lines in insertion order and looks them up by item name.
// It is not safe for concurrent use; the controller serializes access.
type Cart struct {
	lines []models.CartLine
}

// New creates an empty cart
func New() *Cart {
	return &Cart{}
}

// Add increments the line for item by qty, creating it if needed.
// qty below one is treated as one. A line never exceeds MaxQuantity.
func (c *Cart) Add(item models.Item, qty int) error {
	if !item.InStock() {
		return ErrOutOfStock
	}
	if qty < 1 {
		qty = 1
	}
	if qty > MaxQuantity {
		return ErrQuantityLimit
	}

	if i := c.indexOf(item.Name); i >= 0 {
		if qty > MaxQuantity-c.lines[i].Quantity {
			return ErrQuantityLimit
		}
		c.lines[i].Quantity += qty
		return nil
	}
	c.lines = append(c.lines, models.CartLine{ItemName: item.Name, Quantity: qty})
	return nil
}

// Remove deletes the whole line for name. Missing lines are ignored.
func (c *Cart) Remove(name string) bool {
	i := c.indexOf(name)
	if i < 0 {
		return false
	}
	c.lines = append(c.lines[:i], c.lines[i+1:]...)
	return true
}

// Quantity returns the requested quantity for name, zero if absent
func (c *Cart) Quantity(name string) int {
	if i := c.indexOf(name); i >= 0 {
		return c.lines[i].Quantity
	}
	return 0
}

// Lines returns a copy of the lines in insertion order
func (c *Cart) Lines() []models.CartLine {
	out := make([]models.CartLine, len(c.lines))
	copy(out, c.lines)
	return out
}

// Len returns the number of distinct lines
func (c *Cart) Len() int {
	return len(c.lines)
}

// Empty reports whether the cart has no lines
func (c *Cart) Empty() bool {
	return len(c.lines) == 0
}

// Clear removes every line
func (c *Cart) Clear() {
	c.lines = nil
}

// Total sums quantity * current price. Lines without a price contribute nothing.
func (c *Cart) Total(price PriceFunc) decimal.Decimal {
	total := decimal.Zero
	for _, l := range c.lines {
		p, ok := price(l.ItemName)
		if !ok {
			continue
		}
		total = total.Add(p.Mul(decimal.NewFromInt(int64(l.Quantity))))
	}
	return total
}

// Priced attaches current prices to every line
func (c *Cart) Priced(price PriceFunc) []models.PricedLine {
	out := make([]models.PricedLine, 0, len(c.lines))
	for _, l := range c.lines {
		p, ok := price(l.ItemName)
		out = append(out, models.PricedLine{
			CartLine:  l,
			UnitPrice: p,
			Subtotal:  p.Mul(decimal.NewFromInt(int64(l.Quantity))),
			Available: ok,
		})
	}
	return out
}

func (c *Cart) indexOf(name string) int {
	key := catalog.Key(name)
	for i, l := range c.lines {
		if catalog.Key(l.ItemName) == key {
			return i
		}
	}
	return -1
}
