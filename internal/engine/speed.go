package engine

import (
	"sync"
	"time"
)

// SpeedCalculator keeps a rolling window of per-second byte counts and
// reports the average as the current transfer speed.
type SpeedCalculator struct {
	mu sync.Mutex

	samples    []int64
	maxSamples int
	current    int64
	windowEnd  time.Time
}

// NewSpeedCalculator creates a calculator averaging over windowSeconds.
func NewSpeedCalculator(windowSeconds int) *SpeedCalculator {
	if windowSeconds <= 0 {
		windowSeconds = 5
	}
	return &SpeedCalculator{
		maxSamples: windowSeconds,
		windowEnd:  time.Now().Add(time.Second),
	}
}

// AddBytes records transferred bytes, rotating the per-second bucket as
// wall time advances.
func (s *SpeedCalculator) AddBytes(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rotateLocked(time.Now())
	s.current += n
}

// GetSpeed returns the average bytes/sec over the window.
func (s *SpeedCalculator) GetSpeed() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rotateLocked(time.Now())

	if len(s.samples) == 0 {
		return s.current
	}

	var sum int64
	for _, sample := range s.samples {
		sum += sample
	}
	return sum / int64(len(s.samples))
}

func (s *SpeedCalculator) rotateLocked(now time.Time) {
	for !now.Before(s.windowEnd) {
		s.samples = append(s.samples, s.current)
		if len(s.samples) > s.maxSamples {
			s.samples = s.samples[len(s.samples)-s.maxSamples:]
		}
		s.current = 0
		s.windowEnd = s.windowEnd.Add(time.Second)

		// Long idle gaps: jump the window instead of looping per second.
		if now.Sub(s.windowEnd) > time.Duration(s.maxSamples)*time.Second {
			s.samples = s.samples[:0]
			s.windowEnd = now.Add(time.Second)
			break
		}
	}
}
