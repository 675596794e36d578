package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sort"
	"sync/atomic"
	"time"

	"github.com/vyrodovalexey/tradegw/internal/observability"
	"github.com/vyrodovalexey/tradegw/internal/util"
)

// hopHeaders are headers that should not be forwarded.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Forwarding headers set on every proxied request.
const (
	HeaderRequestID     = "X-Request-ID"
	HeaderCallerSubject = "X-Caller-Subject"
)

// Target is a named upstream base URL.
type Target struct {
	Name    string
	URL     string
	Timeout time.Duration
}

type upstream struct {
	name    string
	target  *url.URL
	timeout time.Duration
}

// Outcome describes a finished upstream call.
type Outcome struct {
	// StatusCode is the status written to the client.
	StatusCode int
	// Err is non-nil when the call counts as an upstream failure: a
	// transport error or a 5xx status. It is a *util.UpstreamError.
	Err      error
	Duration time.Duration
}

// Failed reports whether the call counts against the upstream's breaker.
func (o Outcome) Failed() bool {
	return o.Err != nil
}

// Upstreams forwards admitted requests to named upstreams. The upstream
// table can be swapped at runtime.
type Upstreams struct {
	table         atomic.Pointer[map[string]*upstream]
	logger        observability.Logger
	transport     http.RoundTripper
	flushInterval time.Duration
}

// Option configures Upstreams.
type Option func(*Upstreams)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(u *Upstreams) {
		u.logger = logger
	}
}

// WithTransport sets the round tripper used for upstream calls.
func WithTransport(transport http.RoundTripper) Option {
	return func(u *Upstreams) {
		u.transport = transport
	}
}

// WithFlushInterval sets the flush interval for streaming responses.
func WithFlushInterval(interval time.Duration) Option {
	return func(u *Upstreams) {
		u.flushInterval = interval
	}
}

// New creates the upstream table from targets.
func New(targets []Target, opts ...Option) (*Upstreams, error) {
	u := &Upstreams{
		logger:        observability.NopLogger(),
		flushInterval: -1,
	}
	for _, opt := range opts {
		opt(u)
	}
	if err := u.Replace(targets); err != nil {
		return nil, err
	}
	return u, nil
}

// Replace swaps the upstream table. On error the current table is kept.
func (u *Upstreams) Replace(targets []Target) error {
	table := make(map[string]*upstream, len(targets))
	for _, t := range targets {
		if _, dup := table[t.Name]; dup {
			return fmt.Errorf("%w: duplicate upstream %q", util.ErrInvalidInput, t.Name)
		}
		if err := util.ValidateURL(t.URL); err != nil {
			return fmt.Errorf("%w: upstream %q: %w", util.ErrInvalidInput, t.Name, err)
		}
		target, err := url.Parse(t.URL)
		if err != nil {
			return fmt.Errorf("%w: upstream %q: %w", util.ErrInvalidInput, t.Name, err)
		}
		table[t.Name] = &upstream{name: t.Name, target: target, timeout: t.Timeout}
	}
	u.table.Store(&table)
	return nil
}

// Names returns the configured upstream names, sorted.
func (u *Upstreams) Names() []string {
	table := *u.table.Load()
	names := make([]string, 0, len(table))
	for name := range table {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// URL returns the base URL of the named upstream.
func (u *Upstreams) URL(name string) (string, bool) {
	up, ok := (*u.table.Load())[name]
	if !ok {
		return "", false
	}
	return up.target.String(), true
}

// Forward proxies r to the named upstream and classifies the result. An
// unknown upstream is answered with 502 and reported as a failure.
func (u *Upstreams) Forward(w http.ResponseWriter, r *http.Request, name string) Outcome {
	start := time.Now()
	sw := util.NewStatusCapturingResponseWriter(w)

	up, ok := (*u.table.Load())[name]
	if !ok {
		err := fmt.Errorf("upstream %q is not configured", name)
		writeBadGateway(sw)
		return Outcome{
			StatusCode: sw.StatusCode,
			Err:        util.NewUpstreamTransportError(name, err),
			Duration:   time.Since(start),
		}
	}

	var transportErr error
	rp := &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			director(req, up.target, r)
		},
		Transport:     u.transport,
		FlushInterval: u.flushInterval,
		ErrorHandler: func(w http.ResponseWriter, req *http.Request, err error) {
			transportErr = err
			u.logger.Warn("upstream call failed",
				observability.String("upstream", up.name),
				observability.String("path", req.URL.Path),
				observability.String("request_id", util.RequestIDFromContext(req.Context())),
				observability.Error(err),
			)
			writeBadGateway(w)
		},
	}

	if up.timeout > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), up.timeout)
		defer cancel()
		r = r.WithContext(ctx)
	}

	rp.ServeHTTP(sw, r)

	out := Outcome{StatusCode: sw.StatusCode, Duration: time.Since(start)}
	switch {
	case transportErr != nil:
		out.Err = util.NewUpstreamTransportError(up.name, transportErr)
	case util.IsServerFailure(sw.StatusCode):
		out.Err = util.NewUpstreamStatusError(up.name, sw.StatusCode)
	}
	return out
}

// director rewrites the outbound request onto target. The target's path
// is prepended to the inbound path and the inbound trace context replaces
// any traceparent the client sent. httputil.ReverseProxy appends
// X-Forwarded-For itself.
func director(req *http.Request, target *url.URL, originalReq *http.Request) {
	req.URL.Scheme = target.Scheme
	req.URL.Host = target.Host
	req.URL.Path, req.URL.RawPath = joinURLPath(target, originalReq.URL)

	if target.RawQuery == "" || req.URL.RawQuery == "" {
		req.URL.RawQuery = target.RawQuery + req.URL.RawQuery
	} else {
		req.URL.RawQuery = target.RawQuery + "&" + req.URL.RawQuery
	}

	for _, h := range hopHeaders {
		req.Header.Del(h)
	}

	if originalReq.TLS != nil {
		req.Header.Set("X-Forwarded-Proto", "https")
	} else {
		req.Header.Set("X-Forwarded-Proto", "http")
	}
	req.Header.Set("X-Forwarded-Host", originalReq.Host)

	if id := util.RequestIDFromContext(originalReq.Context()); id != "" {
		req.Header.Set(HeaderRequestID, id)
	}
	observability.InjectTraceContext(originalReq.Context(), req)

	req.Host = target.Host
}

func joinURLPath(a, b *url.URL) (path, rawpath string) {
	if a.RawPath == "" && b.RawPath == "" {
		return singleJoiningSlash(a.Path, b.Path), ""
	}
	apath := a.EscapedPath()
	bpath := b.EscapedPath()
	joined := singleJoiningSlash(apath, bpath)
	unescaped, err := url.PathUnescape(joined)
	if err != nil {
		return singleJoiningSlash(a.Path, b.Path), ""
	}
	return unescaped, joined
}

func singleJoiningSlash(a, b string) string {
	aslash := len(a) > 0 && a[len(a)-1] == '/'
	bslash := len(b) > 0 && b[0] == '/'
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash && b != "":
		return a + "/" + b
	case a == "" && b == "":
		return "/"
	}
	return a + b
}

func writeBadGateway(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadGateway)
	_, _ = io.WriteString(w, `{"error":"bad gateway","message":"failed to reach upstream"}`)
}
