// Package events publishes operational events about admission decisions
// and circuit breaker transitions.
//
// Producers publish through a Dispatcher, which never blocks: events are
// queued and a worker delivers them to the configured sink, usually a
// Multi of a LogPublisher, a RedisPublisher and an in-process Bus.
package events
