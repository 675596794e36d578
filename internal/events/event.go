package events

import (
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of admission event.
type Type string

// Event types.
const (
	TypeRequestAllowed      Type = "request_allowed"
	TypeRequestRejected     Type = "request_rejected"
	TypeBreakerStateChanged Type = "breaker_state_changed"
)

// Decision values carried by request events.
const (
	DecisionForward = "forward"
	DecisionReject  = "reject"
)

// Event is an operational record of an admission decision or a breaker
// transition. Events never carry raw credentials.
type Event struct {
	// ID is a random UUID.
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	RequestID string `json:"request_id,omitempty"`
	Identity  string `json:"identity,omitempty"`
	Route     string `json:"route,omitempty"`
	Upstream  string `json:"upstream,omitempty"`

	Decision string `json:"decision,omitempty"`
	Stage    string `json:"stage,omitempty"`
	Reason   string `json:"reason,omitempty"`

	// RetryAfter is set on rate-limited rejections.
	RetryAfter time.Duration `json:"retry_after,omitempty"`

	// FromState and ToState are set on breaker transitions.
	FromState string `json:"from_state,omitempty"`
	ToState   string `json:"to_state,omitempty"`
}

// NewEvent creates an event of the given type stamped at ts.
func NewEvent(eventType Type, ts time.Time) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: ts.UTC(),
	}
}

// RequestAllowed creates a request_allowed event.
func RequestAllowed(ts time.Time, identity, route, upstream string) *Event {
	e := NewEvent(TypeRequestAllowed, ts)
	e.Identity = identity
	e.Route = route
	e.Upstream = upstream
	e.Decision = DecisionForward
	return e
}

// RequestRejected creates a request_rejected event.
func RequestRejected(ts time.Time, stage, reason string) *Event {
	e := NewEvent(TypeRequestRejected, ts)
	e.Decision = DecisionReject
	e.Stage = stage
	e.Reason = reason
	return e
}

// BreakerStateChanged creates a breaker_state_changed event.
func BreakerStateChanged(ts time.Time, upstream, from, to string) *Event {
	e := NewEvent(TypeBreakerStateChanged, ts)
	e.Upstream = upstream
	e.FromState = from
	e.ToState = to
	return e
}

// WithRequestID sets the request ID.
func (e *Event) WithRequestID(id string) *Event {
	e.RequestID = id
	return e
}

// WithIdentity sets the caller subject.
func (e *Event) WithIdentity(subject string) *Event {
	e.Identity = subject
	return e
}

// WithRoute sets the route name and upstream.
func (e *Event) WithRoute(route, upstream string) *Event {
	e.Route = route
	e.Upstream = upstream
	return e
}

// WithRetryAfter sets the retry hint.
func (e *Event) WithRetryAfter(d time.Duration) *Event {
	e.RetryAfter = d
	return e
}
