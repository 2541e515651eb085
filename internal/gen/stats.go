package gen

import (
	"sync"
	"time"
)

// Stats counts generation outcomes across worker goroutines.
type Stats struct {
	mu        sync.Mutex
	processed int
	failed    int
	start     time.Time
}

func NewStats() *Stats {
	return &Stats{start: time.Now()}
}

func (s *Stats) AddProcessed() {
	s.mu.Lock()
	s.processed++
	s.mu.Unlock()
}

func (s *Stats) AddFailed() {
	s.mu.Lock()
	s.failed++
	s.mu.Unlock()
}

// Snapshot returns the current counters and elapsed wall time.
func (s *Stats) Snapshot() (processed, failed int, elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processed, s.failed, time.Since(s.start)
}
