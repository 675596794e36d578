package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/tradegw/internal/circuitbreaker"
	"github.com/vyrodovalexey/tradegw/internal/middleware"
	"github.com/vyrodovalexey/tradegw/internal/observability"
	"github.com/vyrodovalexey/tradegw/internal/pipeline"
	"github.com/vyrodovalexey/tradegw/internal/proxy"
	"github.com/vyrodovalexey/tradegw/internal/util"
)

// Response headers.
const (
	HeaderRetryAfter         = "Retry-After"
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderWWWAuthenticate    = "WWW-Authenticate"
)

// Outcome labels for upstream metrics.
const (
	outcomeSuccess = "success"
	outcomeFailure = "failure"
)

// ErrorResponse is the JSON body of a rejected request.
type ErrorResponse struct {
	Error      string `json:"error"`
	Reason     string `json:"reason"`
	Stage      string `json:"stage"`
	RequestID  string `json:"request_id,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// handle is the catch-all handler: admission, then forwarding. The
// request path is canonicalized first, so admission and the upstream see
// the same path.
func (g *Gateway) handle(c *gin.Context) {
	requestID := middleware.RequestIDFrom(c)

	if cleaned := util.CleanPath(c.Request.URL.Path); cleaned != c.Request.URL.Path {
		c.Request.URL.Path = cleaned
		c.Request.URL.RawPath = ""
	}

	ctx := observability.ExtractTraceContext(c.Request.Context(), c.Request)
	ctx, span := g.tracer.Start(ctx, c.Request.Method+" "+c.Request.URL.Path,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.request.method", c.Request.Method),
			attribute.String("url.path", c.Request.URL.Path),
		),
	)
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	decision := g.admission.Handle(ctx, pipeline.Request{
		Method:     c.Request.Method,
		Path:       c.Request.URL.Path,
		Credential: bearerToken(c.GetHeader("Authorization")),
		ArrivedAt:  g.clock.Now(),
		RequestID:  requestID,
	})

	switch d := decision.(type) {
	case *pipeline.Reject:
		span.SetStatus(codes.Error, pipeline.ReasonOf(d.Err))
		g.reject(c, d, requestID)
	case *pipeline.Forward:
		g.forward(c, d)
	default:
		c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorResponse{
			Error:     "internal server error",
			Reason:    "internal",
			RequestID: requestID,
		})
	}
	span.SetAttributes(attribute.Int("http.response.status_code", c.Writer.Status()))
}

func (g *Gateway) reject(c *gin.Context, d *pipeline.Reject, requestID string) {
	status := util.HTTPStatus(d.Err)
	body := ErrorResponse{
		Error:     statusText(status),
		Reason:    pipeline.ReasonOf(d.Err),
		Stage:     string(d.Stage),
		RequestID: requestID,
	}

	if retryAfter, ok := util.RetryAfter(d.Err); ok {
		seconds := util.RetryAfterSeconds(retryAfter)
		body.RetryAfter = seconds
		c.Header(HeaderRetryAfter, strconv.Itoa(seconds))
		c.Header(HeaderRateLimitRemaining, "0")
	}
	if status == http.StatusUnauthorized {
		c.Header(HeaderWWWAuthenticate, `Bearer error="invalid_token"`)
	}

	c.AbortWithStatusJSON(status, body)
}

func (g *Gateway) forward(c *gin.Context, d *pipeline.Forward) {
	ctx := util.ContextWithRoute(c.Request.Context(), d.Rule.Name)
	ctx = util.ContextWithUpstream(ctx, d.Upstream)
	c.Request = c.Request.WithContext(ctx)

	if d.RateLimit.Limit > 0 {
		c.Header(HeaderRateLimitLimit, strconv.Itoa(d.RateLimit.Limit))
		c.Header(HeaderRateLimitRemaining, strconv.Itoa(d.RateLimit.Remaining))
	}
	if d.Identity != nil {
		c.Request.Header.Set(proxy.HeaderCallerSubject, d.Identity.Subject)
	}

	// A response copy that fails midway panics with http.ErrAbortHandler.
	// The admitted call still has to reach the breaker, or a HalfOpen
	// trial would stay in flight.
	start := g.clock.Now()
	defer func() {
		if r := recover(); r != nil {
			err, ok := r.(error)
			if !ok {
				err = fmt.Errorf("%v", r)
			}
			g.report(ctx, d, proxy.Outcome{
				StatusCode: c.Writer.Status(),
				Err:        util.NewUpstreamTransportError(d.Upstream, err),
				Duration:   g.clock.Now().Sub(start),
			})
			panic(r)
		}
	}()

	g.report(ctx, d, g.forwarder.Forward(c.Writer, c.Request, d.Upstream))
}

func (g *Gateway) report(ctx context.Context, d *pipeline.Forward, out proxy.Outcome) {
	outcome, label := circuitbreaker.OutcomeSuccess, outcomeSuccess
	if out.Failed() {
		outcome, label = circuitbreaker.OutcomeFailure, outcomeFailure
		g.logger.Debug("upstream call counted as failure",
			observability.String("upstream", d.Upstream),
			observability.Int("status", out.StatusCode),
			observability.String("request_id", d.RequestID),
			observability.Error(out.Err),
		)
	}

	// The outcome must reach the breaker even when the client has gone.
	g.admission.Report(context.WithoutCancel(ctx), d, outcome)
	g.metrics.RecordUpstream(d.Upstream, label, out.Duration)
}

// bearerToken extracts the token from an Authorization header. Anything
// other than the Bearer scheme yields "", which fails authentication as
// malformed.
func bearerToken(header string) string {
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

func statusText(status int) string {
	if status == util.StatusClientClosedRequest {
		return "client closed request"
	}
	return strings.ToLower(http.StatusText(status))
}
