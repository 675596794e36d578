package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/vyrodovalexey/tradegw/internal/clock"
)

// sweeper runs a sweep function periodically until stopped.
type sweeper struct {
	interval time.Duration
	clock    clock.Clock
	sweep    func(now time.Time) int

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Start launches the periodic sweep. Calling Start on a running sweeper
// is a no-op.
func (s *sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweep(s.clock.Now())
			}
		}
	}(s.done)
}

// Stop ends the periodic sweep and waits for it to exit. Safe to call
// multiple times.
func (s *sweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
