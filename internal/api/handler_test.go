package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"vending-kiosk/internal/controller"
	"vending-kiosk/internal/ledgerclient"
	"vending-kiosk/internal/models"
	"vending-kiosk/internal/session"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memLedger is an in-memory vending service
type memLedger struct {
	mu      sync.Mutex
	items   []models.Item
	balance decimal.Decimal
	down    bool
}

func (l *memLedger) ListItems(ctx context.Context) ([]models.Item, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.down {
		return nil, ledgerclient.ErrTransport
	}
	return append([]models.Item(nil), l.items...), nil
}

func (l *memLedger) InsertMoney(ctx context.Context, amount decimal.Decimal) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balance = l.balance.Add(amount)
	return l.balance, nil
}

func (l *memLedger) Purchase(ctx context.Context, name string, quantity int) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.items {
		if l.items[i].Name != name {
			continue
		}
		if l.items[i].Stock < quantity {
			return decimal.Zero, &ledgerclient.APIError{StatusCode: http.StatusBadRequest, Message: "Item out of stock"}
		}
		l.items[i].Stock -= quantity
		l.balance = l.balance.Sub(l.items[i].Price.Mul(decimal.NewFromInt(int64(quantity))))
		return l.balance, nil
	}
	return decimal.Zero, &ledgerclient.APIError{StatusCode: http.StatusBadRequest, Message: "Item not found"}
}

func (l *memLedger) ReturnChange(ctx context.Context) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	change := l.balance
	l.balance = decimal.Zero
	return change, nil
}

type heldScheduler struct{}

type heldTimer struct{}

func (heldTimer) Stop() bool { return true }

func (heldScheduler) AfterFunc(d time.Duration, f func()) session.Timer { return heldTimer{} }

type staticSales struct {
	sales []models.Sale
	limit int
}

func (s *staticSales) ListSales(ctx context.Context, machineID string, limit int) ([]models.Sale, error) {
	s.limit = limit
	return s.sales, nil
}

type testKiosk struct {
	ledger *memLedger
	ctrl   *controller.Controller
	flow   *session.Flow
	router *gin.Engine
	h      *Handler
}

func newTestKiosk(t *testing.T, sales SalesLister) *testKiosk {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ledger := &memLedger{items: []models.Item{
		{Name: "Coke", Price: decimal.RequireFromString("1.25"), Stock: 3},
		{Name: "Chips", Price: decimal.RequireFromString("0.75"), Stock: 0},
	}}
	ctrl := controller.New(ledger, "vm-test")
	flow := session.NewFlow(ctrl, heldScheduler{}, session.Config{DispenseDelay: time.Second, DisplayDelay: time.Second})
	t.Cleanup(flow.Close)

	h := NewHandler(ctrl, flow, sales, "vm-test")
	router := gin.New()
	h.SetupRoutes(router)
	return &testKiosk{ledger: ledger, ctrl: ctrl, flow: flow, router: router, h: h}
}

func (k *testKiosk) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	k.router.ServeHTTP(w, req)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return w, out
}

func TestHealthCheck(t *testing.T) {
	k := newTestKiosk(t, nil)
	w, body := k.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", body["status"])
}

func TestReadinessCheck(t *testing.T) {
	k := newTestKiosk(t, nil)
	k.h.AddReadinessCheck("redis", func(ctx context.Context) error { return nil })

	w, _ := k.do(t, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusOK, w.Code)

	k.h.AddReadinessCheck("database", func(ctx context.Context) error { return errors.New("connection refused") })
	w, body := k.do(t, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, body["failed"], "database")
}

func TestShoppingOverHTTP(t *testing.T) {
	k := newTestKiosk(t, nil)

	w, body := k.do(t, http.MethodPost, "/api/v1/session/start", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "SHOPPING", body["state"])
	assert.Equal(t, "SHOPPING", body["stage"])
	assert.Len(t, body["catalog"], 2)

	w, body = k.do(t, http.MethodPost, "/api/v1/cart/items", `{"item":"coke","quantity":2}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "2.5", body["cart_total"])

	w, body = k.do(t, http.MethodPost, "/api/v1/purchase", "")
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, "INSUFFICIENT_FUNDS", body["code"])

	w, body = k.do(t, http.MethodPost, "/api/v1/money", `{"amount": 3}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "3", body["balance"])

	w, body = k.do(t, http.MethodPost, "/api/v1/purchase", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "DISPENSING", body["state"])
	assert.Equal(t, "DISPENSING", body["stage"])
	assert.Equal(t, "0.5", body["balance"])
	assert.Empty(t, body["cart"])
}

func TestSelectOutOfStock(t *testing.T) {
	k := newTestKiosk(t, nil)
	k.do(t, http.MethodPost, "/api/v1/session/start", "")

	w, body := k.do(t, http.MethodPost, "/api/v1/cart/items", `{"item":"Chips"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "OUT_OF_STOCK", body["code"])
	assert.Equal(t, false, body["retryable"])
}

func TestSelectQuantityOverLimit(t *testing.T) {
	k := newTestKiosk(t, nil)
	k.do(t, http.MethodPost, "/api/v1/session/start", "")

	w, body := k.do(t, http.MethodPost, "/api/v1/cart/items", `{"item":"coke","quantity":1000}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_QUANTITY", body["code"])
	assert.Empty(t, k.ctrl.Cart())
}

func TestSelectRequiresItem(t *testing.T) {
	k := newTestKiosk(t, nil)
	w, body := k.do(t, http.MethodPost, "/api/v1/cart/items", `{"quantity":1}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Invalid request body", body["error"])
}

func TestInvalidAmount(t *testing.T) {
	k := newTestKiosk(t, nil)
	k.do(t, http.MethodPost, "/api/v1/session/start", "")

	w, body := k.do(t, http.MethodPost, "/api/v1/money", `{"amount": -1}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_AMOUNT", body["code"])
}

func TestOperationsBeforeSessionConflict(t *testing.T) {
	k := newTestKiosk(t, nil)

	w, body := k.do(t, http.MethodPost, "/api/v1/money", `{"amount": 1}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "INVALID_STATE", body["code"])
	state := body["state"].(map[string]interface{})
	assert.Equal(t, "IDLE", state["state"])
}

func TestStartSessionWhenLedgerDown(t *testing.T) {
	k := newTestKiosk(t, nil)
	k.ledger.down = true

	w, body := k.do(t, http.MethodPost, "/api/v1/session/start", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "CATALOG_UNAVAILABLE", body["code"])
	assert.Equal(t, session.StageWelcome, k.flow.Stage())
}

func TestDeselectAndReturnChange(t *testing.T) {
	k := newTestKiosk(t, nil)
	k.do(t, http.MethodPost, "/api/v1/session/start", "")
	k.do(t, http.MethodPost, "/api/v1/cart/items", `{"item":"Coke"}`)

	w, body := k.do(t, http.MethodDelete, "/api/v1/cart/items/Coke", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, body["cart"])

	k.do(t, http.MethodPost, "/api/v1/money", `{"amount": "2.00"}`)
	w, body = k.do(t, http.MethodPost, "/api/v1/return-change", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "2", body["change"])
}

func TestEndSession(t *testing.T) {
	k := newTestKiosk(t, nil)
	k.do(t, http.MethodPost, "/api/v1/session/start", "")
	k.do(t, http.MethodPost, "/api/v1/money", `{"amount": 1.5}`)

	w, body := k.do(t, http.MethodPost, "/api/v1/session/end", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1.5", body["change"])
	state := body["state"].(map[string]interface{})
	assert.Equal(t, "IDLE", state["state"])
	assert.Equal(t, "WELCOME", state["stage"])
}

func TestListSales(t *testing.T) {
	k := newTestKiosk(t, nil)
	w, _ := k.do(t, http.MethodGet, "/api/v1/sales", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	sales := &staticSales{sales: []models.Sale{{ID: 1, ItemName: "Coke", Quantity: 1, UnitPrice: decimal.RequireFromString("1.25")}}}
	k = newTestKiosk(t, sales)

	w, body := k.do(t, http.MethodGet, "/api/v1/sales?limit=5000", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["sales"], 1)
	assert.Equal(t, maxSalesLimit, sales.limit)

	w, _ = k.do(t, http.MethodGet, "/api/v1/sales?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusConflict, statusFor(controller.KindBusy))
	assert.Equal(t, http.StatusBadRequest, statusFor(controller.KindInvalidQuantity))
	assert.Equal(t, http.StatusUnprocessableEntity, statusFor(controller.KindPartialPurchase))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(controller.KindNetwork))
	assert.Equal(t, http.StatusInternalServerError, statusFor(controller.KindOther))
}

func TestStreamEvents(t *testing.T) {
	k := newTestKiosk(t, nil)
	srv := httptest.NewServer(k.router)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	events := make(chan string, 16)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			if name, ok := strings.CutPrefix(scanner.Text(), "event:"); ok {
				events <- name
			}
		}
		close(events)
	}()

	next := func() string {
		select {
		case ev := <-events:
			return ev
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for event")
			return ""
		}
	}

	assert.Equal(t, "STATE", next())

	require.NoError(t, k.ctrl.StartSession(context.Background()))
	assert.Equal(t, models.EventTypeSessionStarted, next())
	assert.Equal(t, models.EventTypeCatalogUpdated, next())
}
