package engine

import (
	"testing"
	"time"
)

func TestSpeedCalculatorAveragesWindow(t *testing.T) {
	s := NewSpeedCalculator(2)

	s.AddBytes(1000)
	if got := s.GetSpeed(); got != 1000 {
		t.Fatalf("speed before first rotation = %d, want 1000", got)
	}
}

func TestSpeedCalculatorRotation(t *testing.T) {
	s := NewSpeedCalculator(5)

	s.AddBytes(5000)
	time.Sleep(1100 * time.Millisecond)
	s.AddBytes(3000)

	speed := s.GetSpeed()
	if speed <= 0 {
		t.Fatalf("speed = %d, want positive after rotation", speed)
	}
}

func TestSpeedCalculatorIdleGap(t *testing.T) {
	s := NewSpeedCalculator(1)

	s.AddBytes(1 << 20)
	time.Sleep(2100 * time.Millisecond)

	// After an idle gap longer than the window the old burst must not
	// still dominate the reading.
	if got := s.GetSpeed(); got > 1<<20/2 {
		t.Fatalf("stale speed %d reported after idle gap", got)
	}
}
