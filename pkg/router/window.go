package router

import (
	"sort"
	"sync"
)

// latencyWindow keeps the last N local inference latencies and answers p95
// queries over them. Zero samples reports p95 of 0 so an idle router always
// considers its local tier fast enough.
type latencyWindow struct {
	mu      sync.Mutex
	samples []int64
	next    int
	full    bool
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = 50
	}
	return &latencyWindow{samples: make([]int64, size)}
}

func (w *latencyWindow) Add(ms int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples[w.next] = ms
	w.next++
	if w.next == len(w.samples) {
		w.next = 0
		w.full = true
	}
}

func (w *latencyWindow) P95() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := w.next
	if w.full {
		n = len(w.samples)
	}
	if n == 0 {
		return 0
	}
	sorted := make([]int64, n)
	copy(sorted, w.samples[:n])
	if w.full {
		copy(sorted, w.samples)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := (n*95 + 99) / 100 // ceil(n * 0.95)
	if idx > n {
		idx = n
	}
	return sorted[idx-1]
}
