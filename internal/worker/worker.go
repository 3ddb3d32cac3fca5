package worker

import (
	"context"
	"fmt"
	"time"

	"vending-kiosk/internal/broker"
	"vending-kiosk/internal/models"
	"vending-kiosk/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const idempotencyTTL = 24 * time.Hour

// SalesRecorder persists purchased lines
type SalesRecorder interface {
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	RecordSales(ctx context.Context, eventID, eventType string, sales []models.Sale) (bool, error)
}

// IdempotencyCache is a fast path in front of the store's processed_events
type IdempotencyCache interface {
	CheckIdempotencyKey(ctx context.Context, key string) (bool, error)
	SetIdempotencyKey(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// MessageSource feeds messages to a handler until ctx is done
type MessageSource interface {
	StartConsuming(ctx context.Context, handler broker.MessageHandler) error
	Close() error
}

// AuditWorker turns kiosk purchase events into sales history rows
type AuditWorker struct {
	source       MessageSource
	eventHandler *broker.EventHandler
	recorder     SalesRecorder
	cache        IdempotencyCache
	logger       *zap.Logger
}

// NewAuditWorker creates a new audit worker. cache may be nil.
func NewAuditWorker(source MessageSource, recorder SalesRecorder, cache IdempotencyCache) *AuditWorker {
	w := &AuditWorker{
		source:       source,
		eventHandler: broker.NewEventHandler(),
		recorder:     recorder,
		cache:        cache,
		logger:       util.GetLogger().With(zap.String("component", "audit_worker")),
	}

	w.eventHandler.OnPurchaseSucceeded(w.HandlePurchaseSucceeded)
	w.eventHandler.OnPurchaseFailed(w.HandlePurchaseFailed)
	return w
}

// Start starts the worker
func (w *AuditWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting audit worker")
	return w.source.StartConsuming(ctx, w.HandleMessage)
}

// Stop stops the worker
func (w *AuditWorker) Stop() error {
	w.logger.Info("Stopping audit worker")
	return w.source.Close()
}

// HandleMessage routes one broker message
func (w *AuditWorker) HandleMessage(ctx context.Context, msg kafka.Message) error {
	return w.eventHandler.HandleMessage(ctx, msg)
}

// HandlePurchaseSucceeded records every confirmed line of the event once
func (w *AuditWorker) HandlePurchaseSucceeded(ctx context.Context, event *models.KioskEvent) error {
	ctx, span := util.StartSpan(ctx, "AuditWorker.HandlePurchaseSucceeded")
	defer span.End()

	if w.cache != nil {
		seen, err := w.cache.CheckIdempotencyKey(ctx, event.EventID)
		if err != nil {
			w.logger.Warn("Idempotency cache unavailable", zap.Error(err))
		} else if seen {
			w.logger.Debug("Event already recorded", zap.String("event_id", event.EventID))
			return nil
		}
	}

	processed, err := w.recorder.IsEventProcessed(ctx, event.EventID)
	if err != nil {
		return fmt.Errorf("failed to check event: %w", err)
	}
	if processed {
		w.logger.Debug("Event already in store", zap.String("event_id", event.EventID))
		w.remember(ctx, event.EventID)
		return nil
	}

	sales := SalesFromEvent(event)
	recorded, err := w.recorder.RecordSales(ctx, event.EventID, event.EventType, sales)
	if err != nil {
		return fmt.Errorf("failed to record sales: %w", err)
	}

	if recorded {
		util.SalesRecordedTotal.Add(float64(len(sales)))
		w.logger.Info("Sales recorded",
			zap.String("event_id", event.EventID),
			zap.String("session_id", event.SessionID),
			zap.Int("lines", len(sales)))
	}

	w.remember(ctx, event.EventID)
	return nil
}

func (w *AuditWorker) remember(ctx context.Context, eventID string) {
	if w.cache == nil {
		return
	}
	if err := w.cache.SetIdempotencyKey(ctx, eventID, "recorded", idempotencyTTL); err != nil {
		w.logger.Warn("Failed to set idempotency key", zap.Error(err))
	}
}

// HandlePurchaseFailed logs failed purchases; nothing was sold
func (w *AuditWorker) HandlePurchaseFailed(ctx context.Context, event *models.KioskEvent) error {
	w.logger.Info("Purchase failed",
		zap.String("session_id", event.SessionID),
		zap.String("item", event.Item),
		zap.String("reason", event.Reason),
		zap.Int("lines_sold", len(event.Lines)))

	if len(event.Lines) == 0 {
		return nil
	}
	// lines confirmed before the failing one were still sold
	return w.HandlePurchaseSucceeded(ctx, event)
}

// SalesFromEvent maps the purchased lines of event to sale rows
func SalesFromEvent(event *models.KioskEvent) []models.Sale {
	sales := make([]models.Sale, 0, len(event.Lines))
	for _, line := range event.Lines {
		sales = append(sales, models.Sale{
			EventID:     event.EventID,
			MachineID:   event.MachineID,
			SessionID:   event.SessionID,
			ItemName:    line.ItemName,
			Quantity:    line.Quantity,
			UnitPrice:   line.UnitPrice,
			PurchasedAt: event.Timestamp,
		})
	}
	return sales
}
