// Package proxy forwards admitted requests to named upstreams.
//
// Upstreams holds a swappable table of upstream base URLs. Forward
// reverse-proxies one request, strips hop-by-hop headers, sets the
// X-Forwarded-* and X-Request-ID headers and reports an Outcome. The
// outcome counts as a failure when the round trip fails or the upstream
// answers with a 5xx status; the caller feeds it to the upstream's
// circuit breaker.
package proxy
