package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"vending-kiosk/internal/models"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *recordingWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error { return nil }

func (w *recordingWriter) messages() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.msgs...)
}

func purchaseEvent() models.KioskEvent {
	return models.KioskEvent{
		BaseEvent: models.NewBaseEvent(models.EventTypePurchaseSucceeded),
		MachineID: "vm-01",
		SessionID: "s-1",
		State:     "DISPENSING",
		Balance:   decimal.RequireFromString("0.50"),
		Lines: []models.PurchasedLine{
			{ItemName: "Coke", Quantity: 2, UnitPrice: decimal.RequireFromString("1.25"), Balance: decimal.RequireFromString("0.50")},
		},
	}
}

func TestEventKey(t *testing.T) {
	assert.Equal(t, "session-s-1", EventKey(models.KioskEvent{SessionID: "s-1"}))
	assert.Equal(t, "machine-vm-01", EventKey(models.KioskEvent{MachineID: "vm-01"}))
}

func TestPublishWritesKeyedMessage(t *testing.T) {
	writer := &recordingWriter{}
	ep := NewEventPublisher(NewProducerWithWriter(writer), 4)

	ev := purchaseEvent()
	require.NoError(t, ep.Publish(context.Background(), ev))

	msgs := writer.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "session-s-1", string(msgs[0].Key))

	var decoded models.KioskEvent
	require.NoError(t, json.Unmarshal(msgs[0].Value, &decoded))
	assert.Equal(t, ev.EventID, decoded.EventID)
	assert.True(t, decoded.Balance.Equal(ev.Balance))
	require.Len(t, decoded.Lines, 1)
	assert.Equal(t, "Coke", decoded.Lines[0].ItemName)
}

func TestPublishFailure(t *testing.T) {
	writer := &recordingWriter{err: errors.New("broker down")}
	ep := NewEventPublisher(NewProducerWithWriter(writer), 1)

	err := ep.Publish(context.Background(), purchaseEvent())
	assert.ErrorContains(t, err, "failed to write message to kafka")
}

func TestListenDropsWhenQueueFull(t *testing.T) {
	writer := &recordingWriter{}
	ep := NewEventPublisher(NewProducerWithWriter(writer), 1)

	ep.Listen(purchaseEvent())
	ep.Listen(purchaseEvent())
	assert.Len(t, ep.queue, 1)
}

func TestRunFlushesOnShutdown(t *testing.T) {
	writer := &recordingWriter{}
	ep := NewEventPublisher(NewProducerWithWriter(writer), 8)
	for i := 0; i < 3; i++ {
		ep.Listen(purchaseEvent())
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		ep.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(writer.messages()) == 3 }, time.Second, 10*time.Millisecond)
	cancel()
	<-done
}

func TestHandleMessageRoutes(t *testing.T) {
	eh := NewEventHandler()

	var succeeded, failed []string
	eh.OnPurchaseSucceeded(func(ctx context.Context, ev *models.KioskEvent) error {
		succeeded = append(succeeded, ev.EventID)
		return nil
	})
	eh.OnPurchaseFailed(func(ctx context.Context, ev *models.KioskEvent) error {
		failed = append(failed, ev.Item)
		return nil
	})

	ok := purchaseEvent()
	value, err := json.Marshal(ok)
	require.NoError(t, err)
	require.NoError(t, eh.HandleMessage(context.Background(), kafka.Message{Value: value}))

	bad := models.KioskEvent{BaseEvent: models.NewBaseEvent(models.EventTypePurchaseFailed), Item: "Chips"}
	value, err = json.Marshal(bad)
	require.NoError(t, err)
	require.NoError(t, eh.HandleMessage(context.Background(), kafka.Message{Value: value}))

	other := models.KioskEvent{BaseEvent: models.NewBaseEvent(models.EventTypeCartChanged)}
	value, err = json.Marshal(other)
	require.NoError(t, err)
	require.NoError(t, eh.HandleMessage(context.Background(), kafka.Message{Value: value}))

	assert.Equal(t, []string{ok.EventID}, succeeded)
	assert.Equal(t, []string{"Chips"}, failed)
}

func TestHandleMessageRejectsGarbage(t *testing.T) {
	eh := NewEventHandler()
	err := eh.HandleMessage(context.Background(), kafka.Message{Value: []byte("not json")})
	assert.ErrorContains(t, err, "failed to unmarshal base event")
}
