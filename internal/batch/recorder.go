package batch

import (
	"sync"
	"time"
)

// Recorder keeps a bounded window of recent batch outcomes and summarizes
// them as the Stats fed back into Next. One Recorder per embedding run;
// it is safe for concurrent use.
type Recorder struct {
	mu      sync.Mutex
	window  int
	samples []sample
}

type sample struct {
	latencyMS float64
	success   bool
}

// NewRecorder creates a Recorder that remembers the last window batches.
// A window of 0 falls back to 8.
func NewRecorder(window int) *Recorder {
	if window <= 0 {
		window = 8
	}
	return &Recorder{window: window}
}

// Record notes one completed batch.
func (r *Recorder) Record(elapsed time.Duration, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, sample{latencyMS: float64(elapsed.Milliseconds()), success: success})
	if len(r.samples) > r.window {
		r.samples = r.samples[len(r.samples)-r.window:]
	}
}

// Stats summarizes the recorded window. With no samples yet it returns the
// zero Stats, which Next treats as "no feedback".
func (r *Recorder) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.samples) == 0 {
		return Stats{}
	}
	var latencySum float64
	ok := 0
	for _, s := range r.samples {
		latencySum += s.latencyMS
		if s.success {
			ok++
		}
	}
	return Stats{
		AvgLatencyMS: latencySum / float64(len(r.samples)),
		SuccessRate:  float64(ok) / float64(len(r.samples)),
	}
}
