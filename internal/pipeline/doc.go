// Package pipeline decides, for every inbound request, whether it is
// forwarded to an upstream or rejected.
//
// Stages run in a fixed order and the first failure wins:
//
//  1. authenticate the bearer credential
//  2. resolve the route rule
//  3. check the rule's required scope
//  4. take a rate limit slot for the caller
//  5. admit through the upstream's circuit breaker
//
// Requests rejected by an early stage never touch rate limit counters or
// breaker state. A forwarded request carries a breaker ticket; the caller
// must hand it back through Report with the upstream outcome.
package pipeline
