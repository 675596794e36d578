package events

import (
	"context"
	"errors"
	"sync"
)

// Handler receives events from a Bus.
type Handler func(ctx context.Context, event *Event)

type subscription struct {
	ctx     context.Context
	handler Handler
}

// Bus delivers events to in-process subscribers. Handlers run
// synchronously on the publishing goroutine, so a Bus is normally placed
// behind a Dispatcher.
type Bus struct {
	mu   sync.Mutex
	subs map[int]*subscription
	next int
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]*subscription)}
}

// Subscribe registers handler until ctx is done.
func (b *Bus) Subscribe(ctx context.Context, handler Handler) error {
	if handler == nil {
		return errors.New("handler is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	b.mu.Lock()
	b.next++
	id := b.next
	b.subs[id] = &subscription{ctx: ctx, handler: handler}
	b.mu.Unlock()

	if ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			b.remove(id)
		}()
	}
	return nil
}

// Publish delivers event to every live subscriber.
func (b *Bus) Publish(_ context.Context, event *Event) error {
	b.mu.Lock()
	subs := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		if sub.ctx.Err() != nil {
			continue
		}
		copied := *event
		sub.handler(sub.ctx, &copied)
	}
	return nil
}

// Len returns the number of subscribers.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Bus) remove(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}
