// Package middleware provides the gin middleware shared by the gateway
// and admin servers: request IDs, access logging and panic recovery.
package middleware
