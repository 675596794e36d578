package events

import (
	"context"
	"errors"

	"github.com/vyrodovalexey/tradegw/internal/observability"
)

// Publisher delivers events to a sink.
type Publisher interface {
	Publish(ctx context.Context, event *Event) error
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(ctx context.Context, event *Event) error

// Publish calls f.
func (f PublisherFunc) Publish(ctx context.Context, event *Event) error {
	return f(ctx, event)
}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, *Event) error { return nil }

// NewNoopPublisher returns a publisher that discards every event.
func NewNoopPublisher() Publisher {
	return noopPublisher{}
}

// multiPublisher fans an event out to several publishers.
type multiPublisher struct {
	publishers []Publisher
}

// Multi returns a publisher that delivers to every non-nil publisher in
// order. All publishers are tried; their errors are joined.
func Multi(publishers ...Publisher) Publisher {
	filtered := make([]Publisher, 0, len(publishers))
	for _, p := range publishers {
		if p != nil {
			filtered = append(filtered, p)
		}
	}
	return &multiPublisher{publishers: filtered}
}

func (m *multiPublisher) Publish(ctx context.Context, event *Event) error {
	var errs []error
	for _, p := range m.publishers {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogPublisher writes events to the structured log. Request events are
// logged at debug, breaker transitions at info.
type LogPublisher struct {
	logger observability.Logger
}

// NewLogPublisher creates a new LogPublisher.
func NewLogPublisher(logger observability.Logger) *LogPublisher {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &LogPublisher{logger: logger}
}

// Publish logs the event.
func (p *LogPublisher) Publish(_ context.Context, event *Event) error {
	fields := []observability.Field{
		observability.String("event_id", event.ID),
		observability.String("event_type", string(event.Type)),
	}
	if event.RequestID != "" {
		fields = append(fields, observability.String("request_id", event.RequestID))
	}
	if event.Upstream != "" {
		fields = append(fields, observability.String("upstream", event.Upstream))
	}

	switch event.Type {
	case TypeBreakerStateChanged:
		fields = append(fields,
			observability.String("from", event.FromState),
			observability.String("to", event.ToState),
		)
		p.logger.Info("breaker state changed", fields...)
	case TypeRequestRejected:
		fields = append(fields,
			observability.String("stage", event.Stage),
			observability.String("reason", event.Reason),
		)
		if event.RetryAfter > 0 {
			fields = append(fields, observability.Duration("retry_after", event.RetryAfter))
		}
		p.logger.Debug("request rejected", fields...)
	default:
		fields = append(fields,
			observability.String("identity", event.Identity),
			observability.String("route", event.Route),
		)
		p.logger.Debug("request allowed", fields...)
	}
	return nil
}
