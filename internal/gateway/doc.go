// Package gateway is the front HTTP server. Every inbound request is
// decided by the admission pipeline; rejections are mapped to status
// codes and JSON bodies, and forwarded requests are proxied to their
// upstream with the outcome reported back to the circuit breaker.
package gateway
