package controller

import (
	"errors"
	"strings"

	"vending-kiosk/internal/catalog"
	"vending-kiosk/internal/ledgerclient"
)

// Kind classifies controller errors
type Kind uint8

const (
	KindOther Kind = iota
	KindNetwork
	KindPaymentRejected
	KindOutOfStock
	KindInsufficientFunds
	KindInvalidAmount
	KindPartialPurchase
	KindCatalogUnavailable
	KindInvalidState
	KindBusy
	KindEmptyCart
	KindItemUnavailable
	KindInvalidQuantity
)

var kindNames = map[Kind]string{
	KindOther:              "error",
	KindNetwork:            "network error",
	KindPaymentRejected:    "payment rejected",
	KindOutOfStock:         "out of stock",
	KindInsufficientFunds:  "insufficient funds",
	KindInvalidAmount:      "invalid amount",
	KindPartialPurchase:    "partial purchase failure",
	KindCatalogUnavailable: "catalog unavailable",
	KindInvalidState:       "invalid state",
	KindBusy:               "operation in progress",
	KindEmptyCart:          "cart is empty",
	KindItemUnavailable:    "item unavailable",
	KindInvalidQuantity:    "invalid quantity",
}

var kindCodes = map[Kind]string{
	KindOther:              "ERROR",
	KindNetwork:            "NETWORK_ERROR",
	KindPaymentRejected:    "PAYMENT_REJECTED",
	KindOutOfStock:         "OUT_OF_STOCK",
	KindInsufficientFunds:  "INSUFFICIENT_FUNDS",
	KindInvalidAmount:      "INVALID_AMOUNT",
	KindPartialPurchase:    "PARTIAL_PURCHASE_FAILURE",
	KindCatalogUnavailable: "CATALOG_UNAVAILABLE",
	KindInvalidState:       "INVALID_STATE",
	KindBusy:               "BUSY",
	KindEmptyCart:          "EMPTY_CART",
	KindItemUnavailable:    "ITEM_UNAVAILABLE",
	KindInvalidQuantity:    "INVALID_QUANTITY",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return kindNames[KindOther]
}

// Code is the stable identifier used on the wire and in metrics
func (k Kind) Code() string {
	if s, ok := kindCodes[k]; ok {
		return s
	}
	return kindCodes[KindOther]
}

// Retryable reports whether re-invoking the same operation may succeed unchanged
func (k Kind) Retryable() bool {
	return k == KindNetwork || k == KindCatalogUnavailable || k == KindBusy
}

// Error is the tagged result of a failed controller operation.
// Msg is customer-facing text; for remote rejections it is the service's own message.
type Error struct {
	Kind Kind
	Op   string
	Item string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Item != "" {
		b.WriteString(" (")
		b.WriteString(e.Item)
		b.WriteString(")")
	}
	switch {
	case e.Msg != "":
		b.WriteString(": ")
		b.WriteString(e.Msg)
	case e.Err != nil:
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on Kind, and on Op/Item when the target sets them
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	if t.Op != "" && t.Op != e.Op {
		return false
	}
	if t.Item != "" && catalog.Key(t.Item) != catalog.Key(e.Item) {
		return false
	}
	return true
}

// Sentinels for errors.Is
var (
	ErrNetwork            = &Error{Kind: KindNetwork}
	ErrPaymentRejected    = &Error{Kind: KindPaymentRejected}
	ErrOutOfStock         = &Error{Kind: KindOutOfStock}
	ErrInsufficientFunds  = &Error{Kind: KindInsufficientFunds}
	ErrInvalidAmount      = &Error{Kind: KindInvalidAmount}
	ErrPartialPurchase    = &Error{Kind: KindPartialPurchase}
	ErrCatalogUnavailable = &Error{Kind: KindCatalogUnavailable}
	ErrInvalidState       = &Error{Kind: KindInvalidState}
	ErrBusy               = &Error{Kind: KindBusy}
	ErrEmptyCart          = &Error{Kind: KindEmptyCart}
	ErrItemUnavailable    = &Error{Kind: KindItemUnavailable}
	ErrInvalidQuantity    = &Error{Kind: KindInvalidQuantity}
)

// KindOf returns the kind of the outermost controller error in err's chain
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindOther
}

// remoteError wraps a ledger failure as kind. A rejection keeps the service's
// message; a transport failure is nested as a network error.
func remoteError(op string, kind Kind, item string, err error) *Error {
	e := &Error{Kind: kind, Op: op, Item: item, Err: err}

	var apiErr *ledgerclient.APIError
	if errors.As(err, &apiErr) {
		e.Msg = apiErr.Message
		return e
	}

	e.Msg = "vending service unavailable, please try again"
	if kind != KindNetwork {
		e.Err = &Error{Kind: KindNetwork, Op: op, Err: err}
	}
	return e
}
