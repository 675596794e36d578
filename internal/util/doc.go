// Package util provides the error taxonomy and small shared helpers
// used across the gateway.
//
// # Error Conventions
//
// This project follows a standardized error pattern across all packages:
//
//   - Sentinel errors (errors.New) for well-known, stable conditions
//     that callers check with errors.Is(). Example: ErrNotFound.
//   - Structured error types for context-rich errors that carry
//     additional fields (e.g., RateLimitedError, ForbiddenError). Each
//     type implements Error(), Unwrap() (if wrapping), and Is().
//   - fmt.Errorf with %w for ad-hoc wrapping that adds context to an
//     existing error without introducing a new type.
//
// Admission rejections are ordinary values of these types and carry
// what the HTTP layer needs to pick a status code:
//
//	status := util.HTTPStatus(err)
//	if d, ok := util.RetryAfter(err); ok {
//		w.Header().Set("Retry-After", strconv.Itoa(util.RetryAfterSeconds(d)))
//	}
//
// # Context Helpers
//
//	ctx = util.ContextWithRequestID(ctx, "req-123")
//	requestID := util.RequestIDFromContext(ctx)
//
// # HTTP Utilities
//
// Response writer wrappers for status code capture:
//
//	w := util.NewStatusCapturingResponseWriter(responseWriter)
//	handler.ServeHTTP(w, r)
//	statusCode := w.StatusCode
package util
