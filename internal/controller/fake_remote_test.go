package controller

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"vending-kiosk/internal/ledgerclient"
	"vending-kiosk/internal/models"

	"github.com/shopspring/decimal"
)

// fakeLedger behaves like the vending service: it owns stock and balance and
// answers with the same error texts.
type fakeLedger struct {
	mu      sync.Mutex
	items   []models.Item
	balance decimal.Decimal
	fee     decimal.Decimal
	calls   []string

	listErr     error
	insertErr   error
	changeErr   error
	purchaseErr map[string]error
	// changeValue, when set, replaces the change ReturnChange reports
	changeValue *decimal.Decimal
	// block, when set, is received from before InsertMoney answers
	block chan struct{}
}

func newFakeLedger(items ...models.Item) *fakeLedger {
	return &fakeLedger{items: items, balance: decimal.Zero, purchaseErr: map[string]error{}}
}

func item(name, price string, stock int) models.Item {
	return models.Item{Name: name, Price: decimal.RequireFromString(price), Stock: stock}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func rejected(msg string) error {
	return &ledgerclient.APIError{StatusCode: http.StatusBadRequest, Message: msg}
}

func unreachable() error {
	return fmt.Errorf("%w: dial tcp 127.0.0.1:8080: connection refused", ledgerclient.ErrTransport)
}

func (f *fakeLedger) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeLedger) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeLedger) countCalls(prefix string) int {
	n := 0
	for _, c := range f.Calls() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (f *fakeLedger) setItem(it models.Item) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.items {
		if strings.EqualFold(f.items[i].Name, it.Name) {
			f.items[i] = it
			return
		}
	}
	f.items = append(f.items, it)
}

func (f *fakeLedger) ListItems(ctx context.Context) ([]models.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("items")
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]models.Item, len(f.items))
	copy(out, f.items)
	return out, nil
}

func (f *fakeLedger) InsertMoney(ctx context.Context, amount decimal.Decimal) (decimal.Decimal, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("insert-money " + amount.String())
	if f.insertErr != nil {
		return decimal.Zero, f.insertErr
	}
	f.balance = f.balance.Add(amount).Sub(f.fee)
	return f.balance, nil
}

func (f *fakeLedger) Purchase(ctx context.Context, name string, quantity int) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(fmt.Sprintf("purchase %s %d", name, quantity))
	if err, ok := f.purchaseErr[name]; ok {
		return decimal.Zero, err
	}
	for i := range f.items {
		if f.items[i].Name != name {
			continue
		}
		if f.items[i].Stock < quantity {
			return decimal.Zero, rejected("Item out of stock")
		}
		cost := f.items[i].Price.Mul(decimal.NewFromInt(int64(quantity)))
		if f.balance.LessThan(cost) {
			return decimal.Zero, rejected("Insufficient balance")
		}
		f.items[i].Stock -= quantity
		f.balance = f.balance.Sub(cost)
		return f.balance, nil
	}
	return decimal.Zero, rejected("Item not found")
}

func (f *fakeLedger) ReturnChange(ctx context.Context) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("return-change")
	if f.changeErr != nil {
		return decimal.Zero, f.changeErr
	}
	change := f.balance
	f.balance = decimal.Zero
	if f.changeValue != nil {
		change = *f.changeValue
	}
	return change, nil
}
