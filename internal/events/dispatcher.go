package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/vyrodovalexey/tradegw/internal/observability"
)

// Dispatcher defaults.
const (
	DefaultQueueSize      = 1024
	DefaultPublishTimeout = 2 * time.Second
)

var (
	// ErrQueueFull is returned when an event is dropped because the
	// dispatch queue has no room.
	ErrQueueFull = errors.New("event queue full")

	// ErrDispatcherClosed is returned by Publish after Close.
	ErrDispatcherClosed = errors.New("event dispatcher closed")
)

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithQueueSize sets the queue capacity.
func WithQueueSize(size int) DispatcherOption {
	return func(d *Dispatcher) {
		if size > 0 {
			d.queueSize = size
		}
	}
}

// WithPublishTimeout bounds each delivery to the sink.
func WithPublishTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// WithDispatcherLogger sets the logger.
func WithDispatcherLogger(logger observability.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithDispatcherMetrics sets the metrics.
func WithDispatcherMetrics(metrics *Metrics) DispatcherOption {
	return func(d *Dispatcher) {
		d.metrics = metrics
	}
}

// Dispatcher decouples event producers from a slow sink. Publish only
// enqueues and never blocks; a single worker goroutine drains the queue
// into the sink in order. Events that do not fit are dropped and
// counted.
type Dispatcher struct {
	sink      Publisher
	queue     chan *Event
	queueSize int
	timeout   time.Duration
	logger    observability.Logger
	metrics   *Metrics

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewDispatcher creates a dispatcher delivering to sink and starts its
// worker.
func NewDispatcher(sink Publisher, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		sink:      sink,
		queueSize: DefaultQueueSize,
		timeout:   DefaultPublishTimeout,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.sink == nil {
		d.sink = NewNoopPublisher()
	}
	if d.logger == nil {
		d.logger = observability.NopLogger()
	}
	d.queue = make(chan *Event, d.queueSize)

	go d.run()
	return d
}

// Publish enqueues event for asynchronous delivery. ctx is not used for
// delivery; the worker applies its own timeout.
func (d *Dispatcher) Publish(_ context.Context, event *Event) error {
	if event == nil {
		return nil
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.metrics.recordDropped(event.Type)
		return ErrDispatcherClosed
	}

	select {
	case d.queue <- event:
		return nil
	default:
		d.metrics.recordDropped(event.Type)
		return ErrQueueFull
	}
}

// Pending returns the number of queued events.
func (d *Dispatcher) Pending() int {
	return len(d.queue)
}

// Close stops accepting events and waits until the queued ones are
// delivered or ctx is done.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)

	for event := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		err := d.sink.Publish(ctx, event)
		cancel()

		d.metrics.recordPublished(event.Type, err)
		if err != nil {
			d.logger.Warn("failed to publish event",
				observability.String("event_id", event.ID),
				observability.String("event_type", string(event.Type)),
				observability.Error(err),
			)
		}
	}
}
