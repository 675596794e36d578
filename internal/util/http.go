package util

import (
	"fmt"
	"net/http"
)

// UpstreamError records why a forwarded call counts as a failure against
// its upstream: either a transport error or a 5xx status.
type UpstreamError struct {
	Upstream   string
	StatusCode int
	Cause      error
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("upstream %s: %v", e.Upstream, e.Cause)
	}
	return fmt.Sprintf("upstream %s: status %d", e.Upstream, e.StatusCode)
}

// Unwrap returns the underlying error.
func (e *UpstreamError) Unwrap() error {
	return e.Cause
}

// NewUpstreamStatusError creates an UpstreamError for a server-side status.
func NewUpstreamStatusError(upstream string, statusCode int) *UpstreamError {
	return &UpstreamError{Upstream: upstream, StatusCode: statusCode}
}

// NewUpstreamTransportError creates an UpstreamError for a failed round trip.
func NewUpstreamTransportError(upstream string, cause error) *UpstreamError {
	return &UpstreamError{Upstream: upstream, StatusCode: http.StatusBadGateway, Cause: cause}
}

// IsServerFailure reports whether status counts as an upstream failure.
func IsServerFailure(status int) bool {
	return status >= http.StatusInternalServerError
}

// StatusCapturingResponseWriter wraps http.ResponseWriter to track status code.
// The gateway uses it to classify the outcome of a proxied call after the
// reverse proxy has written the response.
type StatusCapturingResponseWriter struct {
	http.ResponseWriter
	StatusCode    int
	HeaderWritten bool
}

// NewStatusCapturingResponseWriter creates a new StatusCapturingResponseWriter
// wrapping the provided http.ResponseWriter with a default status of 200 OK.
func NewStatusCapturingResponseWriter(w http.ResponseWriter) *StatusCapturingResponseWriter {
	return &StatusCapturingResponseWriter{
		ResponseWriter: w,
		StatusCode:     http.StatusOK,
	}
}

// WriteHeader captures the status code and writes it to the underlying ResponseWriter.
func (w *StatusCapturingResponseWriter) WriteHeader(code int) {
	if w.HeaderWritten {
		return
	}
	w.StatusCode = code
	w.HeaderWritten = true
	w.ResponseWriter.WriteHeader(code)
}

// Write writes data to the underlying ResponseWriter and marks header as written.
func (w *StatusCapturingResponseWriter) Write(b []byte) (int, error) {
	if !w.HeaderWritten {
		w.HeaderWritten = true
	}
	return w.ResponseWriter.Write(b)
}

// Flush implements http.Flusher interface for streaming support.
func (w *StatusCapturingResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Compile-time interface assertion.
var _ http.Flusher = (*StatusCapturingResponseWriter)(nil)
