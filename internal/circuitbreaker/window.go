package circuitbreaker

import "time"

// rollingWindow counts outcomes over a trailing window split into
// fixed-width buckets. It is not safe for concurrent use.
type rollingWindow struct {
	width   int64
	buckets []outcomeBucket
}

type outcomeBucket struct {
	index     int64
	successes int
	failures  int
}

func newRollingWindow(window time.Duration, n int) *rollingWindow {
	width := window.Nanoseconds() / int64(n)
	if width < 1 {
		width = 1
	}
	return &rollingWindow{
		width:   width,
		buckets: make([]outcomeBucket, n),
	}
}

func (w *rollingWindow) add(now time.Time, failure bool) {
	idx := now.UnixNano() / w.width
	b := &w.buckets[int(idx%int64(len(w.buckets)))]
	if b.index != idx {
		*b = outcomeBucket{index: idx}
	}
	if failure {
		b.failures++
	} else {
		b.successes++
	}
}

// totals returns the outcomes recorded in buckets still inside the
// window at now.
func (w *rollingWindow) totals(now time.Time) (successes, failures int) {
	current := now.UnixNano() / w.width
	oldest := current - int64(len(w.buckets)) + 1
	for i := range w.buckets {
		b := &w.buckets[i]
		if b.index < oldest || b.index > current {
			continue
		}
		successes += b.successes
		failures += b.failures
	}
	return successes, failures
}

func (w *rollingWindow) reset() {
	for i := range w.buckets {
		w.buckets[i] = outcomeBucket{}
	}
}
