// Package risk implements the pre-trade check chain, position sizing and the
// kill switch circuit breaker.
package risk

import "time"

// window is an append-then-filter sliding window over event timestamps.
// Eviction is lazy: stale entries are dropped on each read, so bursts are
// caught regardless of bucket alignment. Not safe for concurrent use; the
// owner serializes access.
type window struct {
	span  time.Duration
	times []time.Time
}

func newWindow(span time.Duration) *window {
	return &window{span: span}
}

func (w *window) add(t time.Time) {
	w.times = append(w.times, t)
}

func (w *window) prune(now time.Time) {
	cutoff := now.Add(-w.span)
	i := 0
	for i < len(w.times) && !w.times[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.times = w.times[i:]
	}
}

func (w *window) count(now time.Time) int {
	w.prune(now)
	return len(w.times)
}

// utilization returns count/cap clamped to [0, 1]. A zero cap reads as idle.
func (w *window) utilization(now time.Time, cap int) float64 {
	if cap <= 0 {
		return 0
	}
	u := float64(w.count(now)) / float64(cap)
	if u > 1 {
		return 1
	}
	return u
}

func (w *window) reset() {
	w.times = w.times[:0]
}
