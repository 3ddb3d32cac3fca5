package controller

import (
	"sync"

	"vending-kiosk/internal/models"
)

// Listener receives controller events. Listeners run synchronously on the
// goroutine that made the change, after the controller's lock is released, so
// they may read controller state but should hand long work off elsewhere.
type Listener func(event models.KioskEvent)

type subscription struct {
	id int
	fn Listener
}

type observers struct {
	lmu    sync.Mutex
	nextID int
	subs   []subscription
}

// Subscribe registers l and returns a function that removes it
func (o *observers) Subscribe(l Listener) func() {
	o.lmu.Lock()
	defer o.lmu.Unlock()

	o.nextID++
	id := o.nextID
	o.subs = append(o.subs, subscription{id: id, fn: l})

	return func() {
		o.lmu.Lock()
		defer o.lmu.Unlock()
		for i, s := range o.subs {
			if s.id == id {
				o.subs = append(o.subs[:i:i], o.subs[i+1:]...)
				return
			}
		}
	}
}

// emit delivers events in order to every listener in registration order
func (o *observers) emit(events ...models.KioskEvent) {
	o.lmu.Lock()
	subs := make([]subscription, len(o.subs))
	copy(subs, o.subs)
	o.lmu.Unlock()

	for _, ev := range events {
		for _, s := range subs {
			s.fn(ev)
		}
	}
}
