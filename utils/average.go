package utils

import "time"

// RollingAverage averages the last NumSamples durations added to it. Slots
// that have not been filled yet count as zero, matching a cold start.
type RollingAverage struct {
	data []time.Duration
	pos  int
}

// NewRollingAverage returns a rolling average computed over numSamples samples.
func NewRollingAverage(numSamples int) *RollingAverage {
	return &RollingAverage{data: make([]time.Duration, numSamples), pos: 0}
}

// NumSamples returns the window size.
func (ra *RollingAverage) NumSamples() int {
	return len(ra.data)
}

// Add records one sample, evicting the oldest.
func (ra *RollingAverage) Add(d time.Duration) {
	ra.data[ra.pos] = d
	ra.pos++
	if ra.pos >= len(ra.data) {
		ra.pos = 0
	}
}

// Average returns the mean over the window.
func (ra *RollingAverage) Average() time.Duration {
	var sum time.Duration

	for _, d := range ra.data {
		sum += d
	}

	return sum / time.Duration(len(ra.data))
}
