package harmonic

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// ProgressTracker reports harmonization progress periodically instead of
// per event.
type ProgressTracker struct {
	total    int64
	done     atomic.Int64
	interval time.Duration
	start    time.Time
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewProgressTracker creates a tracker for total events, logging every
// interval.
func NewProgressTracker(total int64, interval time.Duration) *ProgressTracker {
	return &ProgressTracker{
		total:    total,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the background goroutine that logs progress periodically.
func (p *ProgressTracker) Start() {
	p.start = time.Now()
	go p.run()
}

// Stop signals the tracker to stop and waits for the final report.
func (p *ProgressTracker) Stop() {
	close(p.stopCh)
	<-p.doneCh
}

// Add records n harmonized events.
func (p *ProgressTracker) Add(n int64) {
	p.done.Add(n)
}

func (p *ProgressTracker) run() {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.report()
		case <-p.stopCh:
			p.report() // Final report before stopping
			return
		}
	}
}

func (p *ProgressTracker) report() {
	done := p.done.Load()
	elapsed := time.Since(p.start)

	var percent float64
	if p.total > 0 {
		percent = float64(done) / float64(p.total) * 100
	}
	var rate float64
	if elapsed > 0 {
		rate = float64(done) / elapsed.Seconds()
	}

	slog.Info("harmonizing",
		slog.Int64("events", done),
		slog.Int64("total", p.total),
		slog.String("percent", fmt.Sprintf("%.1f%%", percent)),
		slog.String("rate", fmt.Sprintf("%.0f events/s", rate)),
		slog.Duration("elapsed", elapsed.Round(time.Second)))
}
