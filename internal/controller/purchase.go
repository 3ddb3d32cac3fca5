package controller

import (
	"context"
	"fmt"
	"time"

	"vending-kiosk/internal/cart"
	"vending-kiosk/internal/models"
	"vending-kiosk/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Purchase buys every cart line, in cart order, one remote call at a time.
// Each call's returned balance becomes the session balance before the next call.
// The first failing line stops the run: earlier lines stay bought and leave the
// cart, the failing line and everything after it stay in the cart.
func (c *Controller) Purchase(ctx context.Context) error {
	ctx, span := util.StartSpan(ctx, "Controller.Purchase")
	defer span.End()

	c.mu.Lock()
	if err := c.checkLocked(OpPurchase, StateShopping); err != nil {
		c.mu.Unlock()
		return c.reject(err)
	}
	if c.cart.Empty() {
		c.mu.Unlock()
		return c.reject(&Error{Kind: KindEmptyCart, Op: OpPurchase, Msg: "select at least one item"})
	}

	snap := c.catalog.Current()
	lines := c.cart.Lines()
	for _, l := range lines {
		if l.Quantity < 1 || l.Quantity > cart.MaxQuantity {
			c.mu.Unlock()
			return c.reject(&Error{Kind: KindInvalidQuantity, Op: OpPurchase, Item: l.ItemName,
				Msg: fmt.Sprintf("quantity %d is out of range", l.Quantity)})
		}
		if _, ok := snap.Find(l.ItemName); !ok {
			c.mu.Unlock()
			return c.reject(&Error{Kind: KindItemUnavailable, Op: OpPurchase, Item: l.ItemName,
				Msg: "item is no longer offered, remove it from the cart"})
		}
	}

	total := c.cart.Total(c.catalog.Price)
	if total.IsNegative() {
		c.mu.Unlock()
		return c.reject(&Error{Kind: KindInvalidQuantity, Op: OpPurchase, Msg: "cart total is negative"})
	}
	if total.GreaterThan(c.balance) {
		balance := c.balance
		c.mu.Unlock()
		util.PurchasesTotal.WithLabelValues("insufficient_funds").Inc()
		return c.reject(&Error{Kind: KindInsufficientFunds, Op: OpPurchase,
			Msg: fmt.Sprintf("total %s exceeds balance %s", total.StringFixed(2), balance.StringFixed(2))})
	}

	c.loading = true
	c.state = StatePurchasing
	sessionID := c.sessionID
	c.mu.Unlock()

	// a panic below must not leave the controller latched in Purchasing
	settled := false
	defer func() {
		if settled {
			return
		}
		c.mu.Lock()
		c.loading = false
		if c.state == StatePurchasing {
			c.state = StateShopping
		}
		c.mu.Unlock()
	}()

	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.Int("lines", len(lines)),
		attribute.String("total", total.String()))
	c.logger.Info("Purchase started",
		zap.String("session_id", sessionID),
		zap.Int("lines", len(lines)),
		zap.Stringer("total", total))

	start := time.Now()
	purchased := make([]models.PurchasedLine, 0, len(lines))
	var failure *Error

	for _, line := range lines {
		item, _ := snap.Find(line.ItemName)

		balance, err := c.remote.Purchase(ctx, item.Name, line.Quantity)
		if err == nil {
			err = checkBalance(balance)
		}
		if err != nil {
			failure = remoteError(OpPurchase, KindPartialPurchase, item.Name, err)
			break
		}

		bought := models.PurchasedLine{
			ItemName:  item.Name,
			Quantity:  line.Quantity,
			UnitPrice: item.Price,
			Balance:   balance,
		}
		purchased = append(purchased, bought)

		c.mu.Lock()
		c.balance = balance
		c.cart.Remove(line.ItemName)
		progress := []models.KioskEvent{
			c.eventLocked(models.EventTypeBalanceChanged),
			c.eventLocked(models.EventTypeCartChanged),
		}
		c.mu.Unlock()

		util.ItemsSoldTotal.WithLabelValues(item.Name).Add(float64(line.Quantity))
		util.SessionBalance.Set(balance.InexactFloat64())
		c.logger.Info("Line purchased",
			zap.String("item", item.Name),
			zap.Int("quantity", line.Quantity),
			zap.Stringer("balance", balance))

		c.emit(progress...)
	}

	refreshed := c.refreshAfterPurchase(ctx)

	c.mu.Lock()
	c.loading = false
	settled = true
	var events []models.KioskEvent
	if failure != nil {
		c.state = StateShopping
		ev := c.eventLocked(models.EventTypePurchaseFailed)
		ev.Item = failure.Item
		ev.Reason = failure.Msg
		ev.Lines = purchased
		events = append(events, ev)
	} else {
		c.cart.Clear()
		c.state = StateDispensing
		ev := c.eventLocked(models.EventTypePurchaseSucceeded)
		ev.Lines = purchased
		events = append(events, ev, c.eventLocked(models.EventTypeCartChanged))
	}
	if refreshed {
		events = append(events, c.eventLocked(models.EventTypeCatalogUpdated))
	}
	if failure == nil {
		events = append(events, c.eventLocked(models.EventTypeDispensingStarted))
	}
	c.mu.Unlock()

	c.emit(events...)

	if failure != nil {
		util.PurchasesTotal.WithLabelValues("partial_failure").Inc()
		c.logger.Warn("Purchase stopped",
			zap.String("item", failure.Item),
			zap.Int("purchased_lines", len(purchased)),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(failure))
		return c.reject(failure)
	}

	util.PurchasesTotal.WithLabelValues("success").Inc()
	c.logger.Info("Purchase completed",
		zap.String("session_id", sessionID),
		zap.Int("lines", len(purchased)),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

// refreshAfterPurchase picks up the stock the purchase consumed. Failure only costs
// freshness, so it is logged rather than returned.
func (c *Controller) refreshAfterPurchase(ctx context.Context) bool {
	if _, err := c.catalog.Refresh(ctx); err != nil {
		c.logger.Warn("Catalog refresh after purchase failed", zap.Error(err))
		return false
	}
	return true
}
