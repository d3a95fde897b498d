package harmonic_test

import (
	"testing"
	"time"

	"github.com/attpc/harmonizer/harmonic"
)

func TestProgressTrackerStartStop(t *testing.T) {
	p := harmonic.NewProgressTracker(100, time.Hour)
	p.Start()
	p.Add(25)
	p.Add(75)
	// Stop waits for the reporting goroutine, so a hang here fails the test
	// by timeout.
	p.Stop()
}

func TestProgressTrackerConcurrentAdd(t *testing.T) {
	p := harmonic.NewProgressTracker(1000, time.Hour)
	p.Start()
	done := make(chan struct{})
	for i := 0; i < 4; i++ {
		go func() {
			for j := 0; j < 250; j++ {
				p.Add(1)
			}
			done <- struct{}{}
		}()
	}
	for i := 0; i < 4; i++ {
		<-done
	}
	p.Stop()
}
