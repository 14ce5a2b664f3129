// Package lowpass implements a single-pole IIR low-pass filter with a wall-clock time step.
package lowpass

import (
	"math"
	"time"
)

var nowFn = time.Now

// Filter is not safe for concurrent use.
type Filter struct {
	cutoffHz float64
	rc       float64

	out    float64
	last   time.Time
	primed bool
}

// New returns a filter with the given cutoff frequency. A non-positive cutoff
// makes the filter a pass-through.
func New(cutoffHz float64) *Filter {
	f := &Filter{cutoffHz: cutoffHz}
	if cutoffHz > 0 {
		f.rc = 1 / (2 * math.Pi * cutoffHz)
	}
	return f
}

func (f *Filter) CutoffHz() float64 { return f.cutoffHz }

// Filter smooths input using the time elapsed since the previous call.
func (f *Filter) Filter(input float64) float64 {
	return f.FilterAt(input, nowFn())
}

// FilterAt is Filter with an explicit sample time.
func (f *Filter) FilterAt(input float64, now time.Time) float64 {
	if !f.primed {
		// First call: seed the output so there is no start-up transient.
		f.primed = true
		f.last = now
		f.out = input
		return f.out
	}
	dt := now.Sub(f.last).Seconds()
	f.last = now
	f.out = f.step(input, dt)
	return f.out
}

// Step advances the filter by a fixed dt (seconds) without consulting the clock.
func (f *Filter) Step(input, dt float64) float64 {
	if !f.primed {
		f.primed = true
		f.out = input
		return f.out
	}
	f.out = f.step(input, dt)
	return f.out
}

func (f *Filter) step(input, dt float64) float64 {
	a := Alpha(f.rc, dt)
	return a*input + (1-a)*f.out
}

// Alpha returns dt/(rc+dt). Non-positive dt holds the output, rc==0 passes the input through.
func Alpha(rc, dt float64) float64 {
	if dt <= 0 || math.IsNaN(dt) {
		return 0
	}
	if rc <= 0 || math.IsInf(dt, 1) {
		return 1
	}
	return dt / (rc + dt)
}

// Output returns the last output without advancing the filter.
func (f *Filter) Output() float64 { return f.out }

// Reset forgets the output and timestamp; the next sample seeds the filter again.
func (f *Filter) Reset() {
	f.out = 0
	f.last = time.Time{}
	f.primed = false
}
