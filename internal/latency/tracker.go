package latency

import (
	"sync"
	"time"
)

// Stats holds running response latency statistics for one session
type Stats struct {
	FirstResponseMs float64 `json:"firstResponseMs"`
	LastResponseMs  float64 `json:"lastResponseMs"`
	AvgResponseMs   float64 `json:"avgResponseMs"`
	MinResponseMs   float64 `json:"minResponseMs"`
	MaxResponseMs   float64 `json:"maxResponseMs"`
	TotalResponses  int     `json:"totalResponses"`
	InterimCount    int     `json:"interimCount"`
	FinalCount      int     `json:"finalCount"`
}

// Tracker measures the time between transcription responses.
//
// Each measurement is taken from the previous interim response, or from the
// session start when there is none. A final response ends the utterance and
// resets the reference back to the session start.
type Tracker struct {
	mu              sync.Mutex
	sessionStart    time.Time
	lastMeasurement time.Time
	sum             float64
	stats           Stats
}

// NewTracker creates a tracker with zero stats
func NewTracker() *Tracker {
	return &Tracker{}
}

// Reset zeroes all counters and forgets the session start
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.sessionStart = time.Time{}
	t.lastMeasurement = time.Time{}
	t.sum = 0
	t.stats = Stats{}
}

// Start resets the tracker and records the session start time
func (t *Tracker) Start(at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.sessionStart = at
	t.lastMeasurement = time.Time{}
	t.sum = 0
	t.stats = Stats{}
}

// Observe records one transcript response received at the given time and
// returns the measured latency.
func (t *Tracker) Observe(isFinal bool, at time.Time) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	base := t.lastMeasurement
	if base.IsZero() {
		base = t.sessionStart
	}
	if base.IsZero() {
		// Response before the session started
		base = at
	}

	latency := at.Sub(base)
	if latency < 0 {
		latency = 0
	}
	ms := float64(latency) / float64(time.Millisecond)

	s := &t.stats
	if s.TotalResponses == 0 {
		s.FirstResponseMs = ms
		s.MinResponseMs = ms
		s.MaxResponseMs = ms
	} else {
		if ms < s.MinResponseMs {
			s.MinResponseMs = ms
		}
		if ms > s.MaxResponseMs {
			s.MaxResponseMs = ms
		}
	}
	s.LastResponseMs = ms
	s.TotalResponses++
	t.sum += ms
	s.AvgResponseMs = t.sum / float64(s.TotalResponses)

	if isFinal {
		s.FinalCount++
		t.lastMeasurement = time.Time{}
	} else {
		s.InterimCount++
		t.lastMeasurement = at
	}

	return latency
}

// Stats returns a snapshot of the current statistics
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}
