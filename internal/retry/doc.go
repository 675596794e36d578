// Package retry runs an operation with exponential backoff and jitter
// until it succeeds, the attempts run out, or the context is done.
//
//	err := retry.Do(ctx, "redis_connect", cfg, func(ctx context.Context) error {
//	    return client.Ping(ctx).Err()
//	}, nil)
package retry
