// Package router maps requests to route rules for the gateway.
//
// A rule matches on an optional HTTP method and a path, compared either
// exactly or as a segment-boundary prefix. When several rules match,
// the most specific wins:
//
//   - exact matches beat prefix matches
//   - longer paths beat shorter ones
//   - method-specific rules beat any-method rules
//   - otherwise the rule registered first wins
//
// # Usage
//
//	r := router.New(router.WithLogger(logger))
//	err := r.Register(router.RouteRule{
//	    Path:          "/orders",
//	    Match:         router.MatchPrefix,
//	    Upstream:      "orders",
//	    RequiredScope: "orders:write",
//	})
//
//	rule, err := r.Resolve(http.MethodPost, "/orders/42")
//
// Resolve never blocks on writers: every Register, Unregister or Replace
// publishes a new immutable rule set with a single atomic store.
package router
