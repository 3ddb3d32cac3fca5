package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Event types
const (
	EventTypeSessionStarted     = "SESSION_STARTED"
	EventTypeSessionEnded       = "SESSION_ENDED"
	EventTypeCatalogUpdated     = "CATALOG_UPDATED"
	EventTypeBalanceChanged     = "BALANCE_CHANGED"
	EventTypeCartChanged        = "CART_CHANGED"
	EventTypePurchaseSucceeded  = "PURCHASE_SUCCEEDED"
	EventTypePurchaseFailed     = "PURCHASE_FAILED"
	EventTypeDispensingStarted  = "DISPENSING_STARTED"
	EventTypeDispensingFinished = "DISPENSING_FINISHED"
	EventTypeChangeReturned     = "CHANGE_RETURNED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// NewBaseEvent stamps a fresh id and time
func NewBaseEvent(eventType string) BaseEvent {
	return BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now(),
	}
}

// KioskEvent is emitted by the transaction controller on every observable change.
// Fields that do not apply to an event type are left zero.
type KioskEvent struct {
	BaseEvent
	MachineID string          `json:"machine_id,omitempty"`
	SessionID string          `json:"session_id"`
	State     string          `json:"state"`
	Balance   decimal.Decimal `json:"balance"`
	CartTotal decimal.Decimal `json:"cart_total"`
	Item      string          `json:"item,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Change    decimal.Decimal `json:"change"`
	Lines     []PurchasedLine `json:"lines,omitempty"`
}
