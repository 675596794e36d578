// Package admin serves the operator API: the live route table, circuit
// breaker stats and resets, rate limit resets, and the health probes.
package admin
