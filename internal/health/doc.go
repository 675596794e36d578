// Package health serves the gateway's liveness and readiness probes.
//
// Liveness only reports that the process is up. Readiness runs every
// registered Check concurrently under a timeout: a failed critical check
// (such as the Redis connection backing distributed rate limiting) makes
// the gateway unready, while failed non-critical checks (upstream
// reachability) only degrade the report. During shutdown the checker is
// put into draining mode so that load balancers stop sending traffic
// before the listeners close.
package health
