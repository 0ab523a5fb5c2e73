// Package window implements the per-second sliding window counter that backs
// every tripwire detector.
//
// A Counter keeps one bucket per second of the trailing window in a ring and
// maintains the window total incrementally, so observing an event costs O(1)
// amortized and O(window) in the worst case regardless of how much history
// has been seen.
//
// Counter is not safe for concurrent use. Detectors wrap it in a mutex.
package window

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidWindow is returned by New when the window is shorter than one second.
	ErrInvalidWindow = errors.New("window must be at least 1 second")
	// ErrInvalidThreshold is returned by New when the threshold is below one.
	ErrInvalidThreshold = errors.New("threshold must be at least 1")
)

// Decision is the outcome of observing a single event.
type Decision int

const (
	NoFire Decision = iota
	Fire
)

func (d Decision) String() string {
	switch d {
	case Fire:
		return "fire"
	case NoFire:
		return "no-fire"
	default:
		return fmt.Sprintf("Decision(%d)", int(d))
	}
}

// Counter counts events per absolute second over a trailing window and reports
// when the windowed total reaches the threshold.
type Counter struct {
	windowSeconds    int
	threshold        int
	resetOnThreshold bool

	buckets []int
	head    int   // ring index holding headSecond
	primed  bool  // headSecond is meaningful
	headSec int64 // most recent materialized second
	sum     int

	dropped uint64
}

// New returns an empty counter. It is the only place a Counter rejects input.
func New(windowSeconds, threshold int, resetOnThreshold bool) (*Counter, error) {
	if windowSeconds < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidWindow, windowSeconds)
	}
	if threshold < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidThreshold, threshold)
	}
	return &Counter{
		windowSeconds:    windowSeconds,
		threshold:        threshold,
		resetOnThreshold: resetOnThreshold,
		buckets:          make([]int, windowSeconds),
	}, nil
}

// Observe records one event that happened during second (Unix seconds) and
// reports whether the window total has reached the threshold.
//
// Events older than the representable window are dropped without effect.
// Observe never fails.
func (c *Counter) Observe(second int64) Decision {
	if !c.primed {
		c.Prime(second)
	}

	switch {
	case second > c.headSec:
		c.advance(distance(second, c.headSec))
		c.headSec = second
	case distance(c.headSec, second) >= uint64(c.windowSeconds):
		c.dropped++
		return NoFire
	}

	back := int(distance(c.headSec, second))
	idx := (c.head - back + c.windowSeconds) % c.windowSeconds
	c.buckets[idx]++
	c.sum++

	if c.sum < c.threshold {
		return NoFire
	}
	if c.resetOnThreshold {
		c.Reset()
	}
	return Fire
}

// Prime materializes the head of the window at second without counting an
// event. It has no effect once the counter holds a head second, because the
// head never moves backwards.
func (c *Counter) Prime(second int64) {
	if c.primed {
		return
	}
	c.primed = true
	c.headSec = second
	c.head = 0
	c.Reset()
}

// Reset zeroes every bucket and the running sum. The head second is kept so
// later events are still judged against the same timeline.
func (c *Counter) Reset() {
	for i := range c.buckets {
		c.buckets[i] = 0
	}
	c.sum = 0
}

// advance rolls the ring forward by steps seconds, evicting the slot that
// falls out of the window at each step.
func (c *Counter) advance(steps uint64) {
	if steps >= uint64(c.windowSeconds) {
		c.head = int((uint64(c.head) + steps%uint64(c.windowSeconds)) % uint64(c.windowSeconds))
		c.Reset()
		return
	}
	for i := uint64(0); i < steps; i++ {
		c.head = (c.head + 1) % c.windowSeconds
		c.sum -= c.buckets[c.head]
		c.buckets[c.head] = 0
	}
}

// Sum returns the number of events currently inside the window.
func (c *Counter) Sum() int { return c.sum }

// HeadSecond returns the most recent materialized second, and false if the
// counter has not been primed or observed anything yet.
func (c *Counter) HeadSecond() (int64, bool) { return c.headSec, c.primed }

// Dropped returns how many events were rejected as older than the window.
func (c *Counter) Dropped() uint64 { return c.dropped }

func (c *Counter) Window() int            { return c.windowSeconds }
func (c *Counter) Threshold() int         { return c.threshold }
func (c *Counter) ResetOnThreshold() bool { return c.resetOnThreshold }

// distance returns a-b for a >= b without overflowing on extreme values.
func distance(a, b int64) uint64 {
	return uint64(a) - uint64(b)
}
