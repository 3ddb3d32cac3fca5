// Package catalog holds the last fetched view of the machine's items.
package catalog

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"vending-kiosk/internal/models"

	"github.com/shopspring/decimal"
)

// Fetcher retrieves the full item list from the remote service
type Fetcher interface {
	ListItems(ctx context.Context) ([]models.Item, error)
}

// Snapshot is an immutable item list with a case-insensitive index
type Snapshot struct {
	items []models.Item
	index map[string]int
}

// NewSnapshot builds a snapshot. A later duplicate name (case-insensitively) wins.
func NewSnapshot(items []models.Item) *Snapshot {
	s := &Snapshot{
		items: make([]models.Item, 0, len(items)),
		index: make(map[string]int, len(items)),
	}
	for _, it := range items {
		key := Key(it.Name)
		if i, ok := s.index[key]; ok {
			s.items[i] = it
			continue
		}
		s.index[key] = len(s.items)
		s.items = append(s.items, it)
	}
	return s
}

// Key normalizes an item name for lookups
func Key(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Find looks up an item by name, ignoring case
func (s *Snapshot) Find(name string) (models.Item, bool) {
	if s == nil {
		return models.Item{}, false
	}
	i, ok := s.index[Key(name)]
	if !ok {
		return models.Item{}, false
	}
	return s.items[i], true
}

// Items returns a copy of the items in fetch order
func (s *Snapshot) Items() []models.Item {
	if s == nil {
		return []models.Item{}
	}
	out := make([]models.Item, len(s.items))
	copy(out, s.items)
	return out
}

// Len returns the number of items
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.items)
}

// Catalog owns the current snapshot and swaps it wholesale on refresh
type Catalog struct {
	fetcher Fetcher
	current atomic.Pointer[Snapshot]
}

// New creates an empty catalog
func New(fetcher Fetcher) *Catalog {
	c := &Catalog{fetcher: fetcher}
	c.current.Store(NewSnapshot(nil))
	return c
}

// Refresh fetches the item list and replaces the snapshot.
// On failure the previous snapshot stays in place.
func (c *Catalog) Refresh(ctx context.Context) (*Snapshot, error) {
	items, err := c.fetcher.ListItems(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch items: %w", err)
	}

	snap := NewSnapshot(items)
	c.current.Store(snap)
	return snap, nil
}

// Current returns the snapshot readers should use
func (c *Catalog) Current() *Snapshot {
	return c.current.Load()
}

// Find looks up an item in the current snapshot
func (c *Catalog) Find(name string) (models.Item, bool) {
	return c.Current().Find(name)
}

// Price returns the current price of an item, or false if it is not listed
func (c *Catalog) Price(name string) (decimal.Decimal, bool) {
	it, ok := c.Find(name)
	if !ok {
		return decimal.Zero, false
	}
	return it.Price, true
}

// Reset discards the snapshot
func (c *Catalog) Reset() {
	c.current.Store(NewSnapshot(nil))
}
