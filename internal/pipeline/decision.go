package pipeline

import (
	"time"

	"github.com/vyrodovalexey/tradegw/internal/auth"
	"github.com/vyrodovalexey/tradegw/internal/circuitbreaker"
	"github.com/vyrodovalexey/tradegw/internal/ratelimit"
	"github.com/vyrodovalexey/tradegw/internal/router"
)

// Stage names an admission stage.
type Stage string

// Admission stages in execution order.
const (
	StageAuthenticate Stage = "authenticate"
	StageRoute        Stage = "route"
	StageAuthorize    Stage = "authorize"
	StageRateLimit    Stage = "ratelimit"
	StageBreaker      Stage = "breaker"
)

// Request describes an inbound request. Only the fields admission needs
// are carried; the body never reaches the pipeline.
type Request struct {
	Method     string
	Path       string
	Credential string
	ArrivedAt  time.Time
	RequestID  string
}

// Decision is either *Forward or *Reject.
type Decision interface {
	isDecision()
}

// Forward admits the request to Rule's upstream. Ticket must be passed
// back through Report once the upstream call finishes.
type Forward struct {
	Rule      router.RouteRule
	Upstream  string
	Identity  *auth.CallerIdentity
	Ticket    circuitbreaker.Ticket
	RateLimit ratelimit.Result
	RequestID string
}

// Reject stops the request. Err is one of the typed errors in
// internal/util. Identity and Rule hold what earlier stages established
// and are nil when the request failed before reaching them.
type Reject struct {
	Err      error
	Stage    Stage
	Identity *auth.CallerIdentity
	Rule     *router.RouteRule
}

func (*Forward) isDecision() {}
func (*Reject) isDecision()  {}

// Error implements the error interface so a Reject can be returned as
// an error directly.
func (r *Reject) Error() string {
	return string(r.Stage) + ": " + r.Err.Error()
}

// Unwrap returns the typed admission error.
func (r *Reject) Unwrap() error {
	return r.Err
}
