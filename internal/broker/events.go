package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"vending-kiosk/internal/models"
	"vending-kiosk/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Publisher writes one keyed event to the broker
type Publisher interface {
	PublishEvent(ctx context.Context, key string, event interface{}) error
}

// EventPublisher forwards controller events to Kafka in the background so a
// slow broker never holds up the kiosk.
type EventPublisher struct {
	publisher Publisher
	queue     chan models.KioskEvent
	logger    *zap.Logger
}

// NewEventPublisher creates a new event publisher with a queue of buffer events
func NewEventPublisher(publisher Publisher, buffer int) *EventPublisher {
	if buffer < 1 {
		buffer = 1
	}
	return &EventPublisher{
		publisher: publisher,
		queue:     make(chan models.KioskEvent, buffer),
		logger:    util.GetLogger().With(zap.String("component", "event_publisher")),
	}
}

// EventKey partitions events by session so one session stays ordered
func EventKey(ev models.KioskEvent) string {
	if ev.SessionID == "" {
		return fmt.Sprintf("machine-%s", ev.MachineID)
	}
	return fmt.Sprintf("session-%s", ev.SessionID)
}

// Listen queues ev for publishing. It never blocks; when the queue is full the
// event is dropped.
func (ep *EventPublisher) Listen(ev models.KioskEvent) {
	select {
	case ep.queue <- ev:
	default:
		util.EventsPublishedTotal.WithLabelValues("dropped").Inc()
		ep.logger.Warn("Event queue full, dropping event",
			zap.String("event_type", ev.EventType),
			zap.String("event_id", ev.EventID))
	}
}

// Publish sends ev synchronously
func (ep *EventPublisher) Publish(ctx context.Context, ev models.KioskEvent) error {
	if err := ep.publisher.PublishEvent(ctx, EventKey(ev), ev); err != nil {
		util.EventsPublishedTotal.WithLabelValues("failed").Inc()
		return err
	}
	util.EventsPublishedTotal.WithLabelValues("published").Inc()
	return nil
}

// Run publishes queued events until ctx is done, then flushes what is left
func (ep *EventPublisher) Run(ctx context.Context) {
	for {
		select {
		case ev := <-ep.queue:
			ep.publishLogged(ctx, ev)
		case <-ctx.Done():
			ep.flush()
			return
		}
	}
}

func (ep *EventPublisher) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case ev := <-ep.queue:
			ep.publishLogged(ctx, ev)
		default:
			return
		}
	}
}

func (ep *EventPublisher) publishLogged(ctx context.Context, ev models.KioskEvent) {
	if err := ep.Publish(ctx, ev); err != nil {
		ep.logger.Error("Failed to publish event",
			zap.String("event_type", ev.EventType),
			zap.String("event_id", ev.EventID),
			zap.Error(err))
	}
}

// EventHandler handles incoming events
type EventHandler struct {
	onPurchaseSucceeded func(context.Context, *models.KioskEvent) error
	onPurchaseFailed    func(context.Context, *models.KioskEvent) error
	logger              *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger().With(zap.String("component", "event_handler"))}
}

// OnPurchaseSucceeded registers a handler for PURCHASE_SUCCEEDED events
func (eh *EventHandler) OnPurchaseSucceeded(handler func(context.Context, *models.KioskEvent) error) {
	eh.onPurchaseSucceeded = handler
}

// OnPurchaseFailed registers a handler for PURCHASE_FAILED events
func (eh *EventHandler) OnPurchaseFailed(handler func(context.Context, *models.KioskEvent) error) {
	eh.onPurchaseFailed = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	eh.logger.Debug("Handling event",
		zap.String("event_type", baseEvent.EventType),
		zap.String("event_id", baseEvent.EventID))

	var handler func(context.Context, *models.KioskEvent) error
	switch baseEvent.EventType {
	case models.EventTypePurchaseSucceeded:
		handler = eh.onPurchaseSucceeded
	case models.EventTypePurchaseFailed:
		handler = eh.onPurchaseFailed
	}
	if handler == nil {
		return nil
	}

	var event models.KioskEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return fmt.Errorf("failed to unmarshal %s event: %w", baseEvent.EventType, err)
	}
	return handler(ctx, &event)
}
