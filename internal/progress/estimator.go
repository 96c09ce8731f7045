// Package progress turns execution signals into a best-effort completion estimate.
// A nil result always means "unknown", never zero.
package progress

import (
	"math"
	"sync"
	"time"
)

type Mode string

const (
	// ModeLines counts output lines against an expected total (wordlists, host lists).
	ModeLines Mode = "lines"
	// ModeElapsed compares wall time to the tool's average duration.
	ModeElapsed Mode = "elapsed"
)

const (
	maxLinesFraction   = 0.99
	maxElapsedFraction = 0.95
)

// Profile describes how a tool's progress should be read.
type Profile struct {
	Mode          Mode
	AvgDuration   time.Duration
	ExpectedLines int
}

// Estimate is a snapshot; either field may be nil.
type Estimate struct {
	Fraction *float64
	ETA      *time.Duration
}

// Percent returns the fraction as a 0..100 value rounded to one decimal.
func (e Estimate) Percent() *float64 {
	if e.Fraction == nil {
		return nil
	}
	p := math.Round(*e.Fraction*1000) / 10
	return &p
}

// Seconds returns the ETA rounded up to whole seconds.
func (e Estimate) Seconds() *int {
	if e.ETA == nil {
		return nil
	}
	s := int(math.Ceil(e.ETA.Seconds()))
	return &s
}

// Estimator is fed by one execution and read by the scheduler.
type Estimator struct {
	mu      sync.Mutex
	profile Profile
	aggr    int
	start   time.Time
	lines   int
}

func New(p Profile, aggressiveness int, start time.Time) *Estimator {
	return &Estimator{profile: p, aggr: aggressiveness, start: start}
}

// AddLines records n more lines of tool output.
func (e *Estimator) AddLines(n int) {
	e.mu.Lock()
	e.lines += n
	e.mu.Unlock()
}

// ExpectedDuration scales the average by aggressiveness: louder runs finish faster.
func ExpectedDuration(avg time.Duration, aggressiveness int) time.Duration {
	if avg <= 0 {
		return 0
	}
	factor := 1.5 - 0.1*float64(aggressiveness)
	if factor < 0.5 {
		factor = 0.5
	}
	return time.Duration(math.Round(float64(avg) * factor))
}

func (e *Estimator) Estimate(now time.Time) Estimate {
	e.mu.Lock()
	lines := e.lines
	e.mu.Unlock()

	elapsed := now.Sub(e.start)
	if elapsed < 0 {
		elapsed = 0
	}
	expected := ExpectedDuration(e.profile.AvgDuration, e.aggr)

	if e.profile.Mode == ModeLines && e.profile.ExpectedLines > 0 {
		f := math.Min(float64(lines)/float64(e.profile.ExpectedLines), maxLinesFraction)
		var eta *time.Duration
		total := expected
		if f > 0 {
			// extrapolate from the observed rate once there is one
			total = time.Duration(math.Round(float64(elapsed) / f))
		}
		if total > 0 {
			d := time.Duration(math.Round((1 - f) * float64(total)))
			eta = &d
		}
		return Estimate{Fraction: &f, ETA: eta}
	}

	if expected <= 0 {
		return Estimate{}
	}
	f := math.Min(float64(elapsed)/float64(expected), maxElapsedFraction)
	d := time.Duration(math.Round((1 - f) * float64(expected)))
	return Estimate{Fraction: &f, ETA: &d}
}
