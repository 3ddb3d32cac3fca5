package cart

import (
	"math"
	"testing"

	"vending-kiosk/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func item(name, price string, stock int) models.Item {
	return models.Item{Name: name, Price: decimal.RequireFromString(price), Stock: stock}
}

func prices(m map[string]string) PriceFunc {
	return func(name string) (decimal.Decimal, bool) {
		p, ok := m[name]
		if !ok {
			return decimal.Zero, false
		}
		return decimal.RequireFromString(p), true
	}
}

func TestAddOutOfStock(t *testing.T) {
	c := New()
	err := c.Add(item("Chips", "1.50", 0), 1)
	assert.ErrorIs(t, err, ErrOutOfStock)
	assert.True(t, c.Empty())
}

func TestAddIncrementsExistingLine(t *testing.T) {
	c := New()
	coke := item("Coke", "1.00", 5)

	require.NoError(t, c.Add(coke, 1))
	require.NoError(t, c.Add(item("coke", "1.00", 5), 1))
	require.NoError(t, c.Add(item("Water", "1.00", 5), 0))

	assert.Equal(t, []models.CartLine{
		{ItemName: "Coke", Quantity: 2},
		{ItemName: "Water", Quantity: 1},
	}, c.Lines())
}

func TestAddDoesNotCapAtStock(t *testing.T) {
	c := New()
	require.NoError(t, c.Add(item("Coke", "1.00", 1), 3))
	assert.Equal(t, 3, c.Quantity("coke"))
}

func TestAddRejectsQuantityOverLimit(t *testing.T) {
	c := New()
	coke := item("Coke", "1.00", 5)

	assert.ErrorIs(t, c.Add(coke, math.MaxInt), ErrQuantityLimit)
	assert.True(t, c.Empty())

	require.NoError(t, c.Add(coke, MaxQuantity-1))
	require.NoError(t, c.Add(coke, 1))
	assert.ErrorIs(t, c.Add(coke, 1), ErrQuantityLimit)
	assert.ErrorIs(t, c.Add(coke, math.MaxInt), ErrQuantityLimit)
	assert.Equal(t, MaxQuantity, c.Quantity("Coke"))
	assert.True(t, c.Total(prices(map[string]string{"Coke": "1.00"})).Equal(decimal.NewFromInt(MaxQuantity)))
}

func TestRemoveDeletesWholeLine(t *testing.T) {
	c := New()
	require.NoError(t, c.Add(item("Coke", "1.00", 5), 4))
	require.NoError(t, c.Add(item("Water", "1.00", 5), 1))

	assert.True(t, c.Remove("COKE"))
	assert.False(t, c.Remove("pepsi"))
	assert.Equal(t, 0, c.Quantity("Coke"))
	assert.Equal(t, 1, c.Len())
}

func TestTotalUsesCurrentPrices(t *testing.T) {
	c := New()
	require.NoError(t, c.Add(item("Coke", "1.00", 5), 2))
	require.NoError(t, c.Add(item("Chips", "1.25", 5), 1))

	assert.Equal(t, "3.25", c.Total(prices(map[string]string{"Coke": "1.00", "Chips": "1.25"})).StringFixed(2))
	assert.Equal(t, "3.55", c.Total(prices(map[string]string{"Coke": "1.15", "Chips": "1.25"})).StringFixed(2))
	assert.Equal(t, "2.00", c.Total(prices(map[string]string{"Coke": "1.00"})).StringFixed(2))
}

func TestTotalAvoidsFloatDrift(t *testing.T) {
	c := New()
	require.NoError(t, c.Add(item("Gum", "0.10", 5), 3))

	total := c.Total(prices(map[string]string{"Gum": "0.10"}))
	assert.True(t, total.Equal(decimal.RequireFromString("0.30")))
}

func TestPriced(t *testing.T) {
	c := New()
	require.NoError(t, c.Add(item("Coke", "1.50", 5), 2))
	require.NoError(t, c.Add(item("Gone", "2.00", 5), 1))

	lines := c.Priced(prices(map[string]string{"Coke": "1.50"}))
	require.Len(t, lines, 2)
	assert.True(t, lines[0].Available)
	assert.Equal(t, "3.00", lines[0].Subtotal.StringFixed(2))
	assert.False(t, lines[1].Available)
}

func TestClear(t *testing.T) {
	c := New()
	require.NoError(t, c.Add(item("Coke", "1.00", 5), 1))
	c.Clear()
	assert.True(t, c.Empty())
	assert.Empty(t, c.Lines())
}
