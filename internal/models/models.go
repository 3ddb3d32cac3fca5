package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Item is a catalog entry as reported by the remote service
type Item struct {
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
	Stock int             `json:"quantity"`
}

// InStock reports whether the item can still be selected
func (i Item) InStock() bool {
	return i.Stock > 0
}

// CartLine is a requested quantity of one item
type CartLine struct {
	ItemName string `json:"item"`
	Quantity int    `json:"quantity"`
}

// PricedLine is a cart line with the current catalog price attached
type PricedLine struct {
	CartLine
	UnitPrice decimal.Decimal `json:"unit_price"`
	Subtotal  decimal.Decimal `json:"subtotal"`
	Available bool            `json:"available"`
}

// PurchasedLine is a cart line the remote service confirmed
type PurchasedLine struct {
	ItemName  string          `json:"item"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Balance   decimal.Decimal `json:"balance_after"`
}

// Sale is a recorded purchased line in the sales history
type Sale struct {
	ID          int64           `db:"id" json:"id"`
	EventID     string          `db:"event_id" json:"event_id"`
	MachineID   string          `db:"machine_id" json:"machine_id"`
	SessionID   string          `db:"session_id" json:"session_id"`
	ItemName    string          `db:"item_name" json:"item"`
	Quantity    int             `db:"quantity" json:"quantity"`
	UnitPrice   decimal.Decimal `db:"unit_price" json:"unit_price"`
	PurchasedAt time.Time       `db:"purchased_at" json:"purchased_at"`
}

// ProcessedEvent for idempotency
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}
