// Package controller implements the transaction controller for one customer
// session: balance, cart and the purchase protocol against the remote ledger.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"vending-kiosk/internal/cart"
	"vending-kiosk/internal/catalog"
	"vending-kiosk/internal/models"
	"vending-kiosk/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// State of the controller
type State int

const (
	StateIdle State = iota
	StateShopping
	StatePurchasing
	StateDispensing
	StateSettled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateShopping:
		return "SHOPPING"
	case StatePurchasing:
		return "PURCHASING"
	case StateDispensing:
		return "DISPENSING"
	case StateSettled:
		return "SETTLED"
	}
	return fmt.Sprintf("STATE(%d)", int(s))
}

// Operation names used in errors, logs and metrics
const (
	OpStartSession     = "start_session"
	OpRefreshCatalog   = "refresh_catalog"
	OpInsertMoney      = "insert_money"
	OpSelectItem       = "select_item"
	OpDeselectItem     = "deselect_item"
	OpPurchase         = "purchase"
	OpFinishDispensing = "finish_dispensing"
	OpResetTransaction = "reset_transaction"
	OpEndSession       = "end_session"
)

// Remote is the inventory/ledger service as the controller needs it
type Remote interface {
	catalog.Fetcher
	InsertMoney(ctx context.Context, amount decimal.Decimal) (decimal.Decimal, error)
	Purchase(ctx context.Context, item string, quantity int) (decimal.Decimal, error)
	ReturnChange(ctx context.Context) (decimal.Decimal, error)
}

// View is a consistent read-only copy of controller state
type View struct {
	State     string              `json:"state"`
	SessionID string              `json:"session_id"`
	Loading   bool                `json:"loading"`
	Balance   decimal.Decimal     `json:"balance"`
	CartTotal decimal.Decimal     `json:"cart_total"`
	Cart      []models.PricedLine `json:"cart"`
	Catalog   []models.Item       `json:"catalog"`
}

// Controller is the per-machine transaction state machine.
// Remote calls run without mu held; the loading latch keeps them from overlapping.
type Controller struct {
	remote    Remote
	catalog   *catalog.Catalog
	machineID string
	logger    *zap.Logger

	mu        sync.RWMutex
	state     State
	loading   bool
	balance   decimal.Decimal
	cart      *cart.Cart
	sessionID string

	observers
}

// New creates an idle controller
func New(remote Remote, machineID string) *Controller {
	return &Controller{
		remote:    remote,
		catalog:   catalog.New(remote),
		machineID: machineID,
		logger:    util.GetLogger().With(zap.String("component", "controller"), zap.String("machine_id", machineID)),
		state:     StateIdle,
		balance:   decimal.Zero,
		cart:      cart.New(),
	}
}

// State returns the current state
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Balance returns the last known server balance
func (c *Controller) Balance() decimal.Decimal {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.balance
}

// CartTotal prices the cart at current catalog prices
func (c *Controller) CartTotal() decimal.Decimal {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cart.Total(c.catalog.Price)
}

// Cart returns the cart lines in insertion order
func (c *Controller) Cart() []models.CartLine {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cart.Lines()
}

// Catalog returns the current catalog snapshot
func (c *Controller) Catalog() *catalog.Snapshot {
	return c.catalog.Current()
}

// Snapshot returns a consistent view for presentation layers
func (c *Controller) Snapshot() View {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return View{
		State:     c.state.String(),
		SessionID: c.sessionID,
		Loading:   c.loading,
		Balance:   c.balance,
		CartTotal: c.cart.Total(c.catalog.Price),
		Cart:      c.cart.Priced(c.catalog.Price),
		Catalog:   c.catalog.Current().Items(),
	}
}

// StartSession moves Idle -> Shopping after a successful catalog fetch
func (c *Controller) StartSession(ctx context.Context) error {
	ctx, span := util.StartSpan(ctx, "Controller.StartSession")
	defer span.End()

	if err := c.acquire(OpStartSession, StateIdle); err != nil {
		return c.reject(err)
	}

	snap, err := c.catalog.Refresh(ctx)

	c.mu.Lock()
	c.loading = false
	if err != nil {
		c.mu.Unlock()
		return c.reject(remoteError(OpStartSession, KindCatalogUnavailable, "", err))
	}
	c.state = StateShopping
	c.sessionID = uuid.New().String()
	c.balance = decimal.Zero
	c.cart.Clear()
	events := []models.KioskEvent{
		c.eventLocked(models.EventTypeSessionStarted),
		c.eventLocked(models.EventTypeCatalogUpdated),
	}
	sessionID := c.sessionID
	c.mu.Unlock()

	util.SessionsStartedTotal.Inc()
	util.SessionBalance.Set(0)
	c.logger.Info("Session started",
		zap.String("session_id", sessionID),
		zap.Int("items", snap.Len()))

	c.emit(events...)
	return nil
}

// RefreshCatalog re-fetches the catalog while shopping. Cart lines are left as they are.
func (c *Controller) RefreshCatalog(ctx context.Context) error {
	ctx, span := util.StartSpan(ctx, "Controller.RefreshCatalog")
	defer span.End()

	if err := c.acquire(OpRefreshCatalog, StateShopping); err != nil {
		return c.reject(err)
	}

	_, err := c.catalog.Refresh(ctx)

	c.mu.Lock()
	c.loading = false
	if err != nil {
		c.mu.Unlock()
		return c.reject(remoteError(OpRefreshCatalog, KindCatalogUnavailable, "", err))
	}
	events := []models.KioskEvent{
		c.eventLocked(models.EventTypeCatalogUpdated),
		c.eventLocked(models.EventTypeCartChanged),
	}
	c.mu.Unlock()

	c.emit(events...)
	return nil
}

// InsertMoney credits amount through the remote ledger and adopts the balance it reports
func (c *Controller) InsertMoney(ctx context.Context, amount decimal.Decimal) error {
	ctx, span := util.StartSpan(ctx, "Controller.InsertMoney")
	defer span.End()
	span.SetAttributes(attribute.String("amount", amount.String()))

	if !amount.IsPositive() {
		return c.reject(&Error{Kind: KindInvalidAmount, Op: OpInsertMoney, Msg: "amount must be positive"})
	}
	if err := c.acquire(OpInsertMoney, StateShopping); err != nil {
		return c.reject(err)
	}

	balance, err := c.remote.InsertMoney(ctx, amount)
	if err == nil {
		err = checkBalance(balance)
	}

	c.mu.Lock()
	c.loading = false
	if err != nil {
		c.mu.Unlock()
		return c.reject(remoteError(OpInsertMoney, KindPaymentRejected, "", err))
	}
	c.balance = balance
	event := c.eventLocked(models.EventTypeBalanceChanged)
	c.mu.Unlock()

	util.MoneyInsertedTotal.Add(amount.InexactFloat64())
	util.SessionBalance.Set(balance.InexactFloat64())
	c.logger.Info("Money inserted",
		zap.Stringer("amount", amount),
		zap.Stringer("balance", balance))

	c.emit(event)
	return nil
}

// SelectItem adds qty units of the named item to the cart. No remote call is made.
func (c *Controller) SelectItem(name string, qty int) error {
	c.mu.Lock()
	if c.state != StateShopping {
		c.mu.Unlock()
		return c.reject(c.invalidStateLocked(OpSelectItem))
	}

	item, ok := c.catalog.Find(name)
	if !ok {
		c.mu.Unlock()
		return c.reject(&Error{Kind: KindItemUnavailable, Op: OpSelectItem, Item: name, Msg: "item not found"})
	}
	if err := c.cart.Add(item, qty); err != nil {
		c.mu.Unlock()
		if errors.Is(err, cart.ErrQuantityLimit) {
			return c.reject(&Error{Kind: KindInvalidQuantity, Op: OpSelectItem, Item: item.Name,
				Msg: fmt.Sprintf("at most %d of one item per purchase", cart.MaxQuantity), Err: err})
		}
		return c.reject(&Error{Kind: KindOutOfStock, Op: OpSelectItem, Item: item.Name, Msg: "item out of stock", Err: err})
	}
	event := c.eventLocked(models.EventTypeCartChanged)
	event.Item = item.Name
	c.mu.Unlock()

	c.emit(event)
	return nil
}

// DeselectItem removes the whole line for name. Unknown names are a no-op.
func (c *Controller) DeselectItem(name string) error {
	c.mu.Lock()
	if c.state != StateShopping {
		c.mu.Unlock()
		return c.reject(c.invalidStateLocked(OpDeselectItem))
	}
	if !c.cart.Remove(name) {
		c.mu.Unlock()
		return nil
	}
	event := c.eventLocked(models.EventTypeCartChanged)
	event.Item = name
	c.mu.Unlock()

	c.emit(event)
	return nil
}

// FinishDispensing moves Dispensing -> Settled
func (c *Controller) FinishDispensing() error {
	c.mu.Lock()
	if c.state != StateDispensing {
		c.mu.Unlock()
		return c.reject(c.invalidStateLocked(OpFinishDispensing))
	}
	c.state = StateSettled
	event := c.eventLocked(models.EventTypeDispensingFinished)
	c.mu.Unlock()

	c.emit(event)
	return nil
}

// ResetTransaction returns the whole balance as change. The cart is kept.
func (c *Controller) ResetTransaction(ctx context.Context) (decimal.Decimal, error) {
	ctx, span := util.StartSpan(ctx, "Controller.ResetTransaction")
	defer span.End()

	if err := c.acquire(OpResetTransaction, StateShopping); err != nil {
		return decimal.Zero, c.reject(err)
	}

	change, err := c.remote.ReturnChange(ctx)
	if err == nil {
		err = checkChange(change)
	}

	c.mu.Lock()
	c.loading = false
	if err != nil {
		c.mu.Unlock()
		return decimal.Zero, c.reject(remoteError(OpResetTransaction, KindPaymentRejected, "", err))
	}
	c.balance = decimal.Zero
	event := c.eventLocked(models.EventTypeChangeReturned)
	event.Change = change
	balanceEvent := c.eventLocked(models.EventTypeBalanceChanged)
	c.mu.Unlock()

	util.ChangeReturnedTotal.Add(change.InexactFloat64())
	util.SessionBalance.Set(0)
	c.logger.Info("Change returned", zap.Stringer("change", change))

	c.emit(event, balanceEvent)
	return change, nil
}

// EndSession closes the session from Shopping (abandoned) or Settled (completed).
// The ledger is always asked for change first; if that fails nothing changes.
func (c *Controller) EndSession(ctx context.Context) (decimal.Decimal, error) {
	ctx, span := util.StartSpan(ctx, "Controller.EndSession")
	defer span.End()

	if err := c.acquire(OpEndSession, StateShopping, StateSettled); err != nil {
		return decimal.Zero, c.reject(err)
	}

	// The server balance is authoritative: a credit whose reply was lost is
	// still paid out here.
	change, err := c.remote.ReturnChange(ctx)
	if err == nil {
		err = checkChange(change)
	}
	if err != nil {
		c.mu.Lock()
		c.loading = false
		c.mu.Unlock()
		return decimal.Zero, c.reject(remoteError(OpEndSession, KindPaymentRejected, "", err))
	}
	owed := change.IsPositive()

	c.mu.Lock()
	c.loading = false
	outcome := "completed"
	if c.state == StateShopping {
		outcome = "abandoned"
	}
	var events []models.KioskEvent
	c.balance = decimal.Zero
	c.cart.Clear()
	c.catalog.Reset()
	c.state = StateIdle
	if owed {
		ev := c.eventLocked(models.EventTypeChangeReturned)
		ev.Change = change
		events = append(events, ev)
	}
	events = append(events,
		c.eventLocked(models.EventTypeBalanceChanged),
		c.eventLocked(models.EventTypeCartChanged))
	ended := c.eventLocked(models.EventTypeSessionEnded)
	ended.Reason = outcome
	ended.Change = change
	events = append(events, ended)
	sessionID := c.sessionID
	c.sessionID = ""
	c.mu.Unlock()

	if owed {
		util.ChangeReturnedTotal.Add(change.InexactFloat64())
	}
	util.SessionBalance.Set(0)
	util.SessionsEndedTotal.WithLabelValues(outcome).Inc()
	c.logger.Info("Session ended",
		zap.String("session_id", sessionID),
		zap.String("outcome", outcome),
		zap.Stringer("change", change))

	c.emit(events...)
	return change, nil
}

// acquire checks the state and takes the loading latch
func (c *Controller) acquire(op string, allowed ...State) *Error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkLocked(op, allowed...); err != nil {
		return err
	}
	c.loading = true
	return nil
}

func (c *Controller) checkLocked(op string, allowed ...State) *Error {
	if c.loading {
		return &Error{Kind: KindBusy, Op: op, Msg: "another operation is in progress"}
	}
	for _, s := range allowed {
		if c.state == s {
			return nil
		}
	}
	return c.invalidStateLocked(op)
}

func (c *Controller) invalidStateLocked(op string) *Error {
	return &Error{Kind: KindInvalidState, Op: op, Msg: fmt.Sprintf("not allowed while %s", c.state)}
}

// reject records a failed operation and returns it as an error
func (c *Controller) reject(err *Error) error {
	util.OperationsRejectedTotal.WithLabelValues(err.Op, err.Kind.Code()).Inc()
	c.logger.Warn("Operation rejected",
		zap.String("op", err.Op),
		zap.String("kind", err.Kind.Code()),
		zap.String("item", err.Item),
		zap.Error(err))
	return err
}

// eventLocked builds an event carrying the current state; mu must be held
func (c *Controller) eventLocked(eventType string) models.KioskEvent {
	return models.KioskEvent{
		BaseEvent: models.NewBaseEvent(eventType),
		MachineID: c.machineID,
		SessionID: c.sessionID,
		State:     c.state.String(),
		Balance:   c.balance,
		CartTotal: c.cart.Total(c.catalog.Price),
	}
}

// checkBalance guards the Balance >= 0 invariant against a misbehaving service
func checkBalance(balance decimal.Decimal) error {
	if balance.IsNegative() {
		return fmt.Errorf("ledger reported negative balance %s", balance)
	}
	return nil
}

func checkChange(change decimal.Decimal) error {
	if change.IsNegative() {
		return fmt.Errorf("ledger reported negative change %s", change)
	}
	return nil
}
