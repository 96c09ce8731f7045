package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestElapsedModeClampsBelowCompletion(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	e := New(Profile{Mode: ModeElapsed, AvgDuration: 100 * time.Second}, 5, start)

	// aggressiveness 5 -> expected 100s
	est := e.Estimate(start.Add(50 * time.Second))
	require.NotNil(t, est.Fraction)
	assert.InDelta(t, 0.5, *est.Fraction, 1e-9)
	assert.Equal(t, 50*time.Second, *est.ETA)
	assert.InDelta(t, 50.0, *est.Percent(), 1e-9)
	assert.Equal(t, 50, *est.Seconds())

	est = e.Estimate(start.Add(time.Hour))
	assert.InDelta(t, 0.95, *est.Fraction, 1e-9)
}

func TestLinesMode(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	e := New(Profile{Mode: ModeLines, ExpectedLines: 200}, 5, start)

	est := e.Estimate(start)
	require.NotNil(t, est.Fraction)
	assert.Zero(t, *est.Fraction)
	assert.Nil(t, est.ETA, "no rate and no average yet")

	e.AddLines(50)
	est = e.Estimate(start.Add(10 * time.Second))
	assert.InDelta(t, 0.25, *est.Fraction, 1e-9)
	assert.Equal(t, 30*time.Second, *est.ETA)

	e.AddLines(1000)
	est = e.Estimate(start.Add(20 * time.Second))
	assert.InDelta(t, 0.99, *est.Fraction, 1e-9)
}

func TestUnknownEstimate(t *testing.T) {
	e := New(Profile{Mode: ModeLines}, 5, time.Now())
	est := e.Estimate(time.Now())
	assert.Nil(t, est.Fraction)
	assert.Nil(t, est.ETA)
	assert.Nil(t, est.Percent())
	assert.Nil(t, est.Seconds())
}

func TestExpectedDurationShrinksWithAggressiveness(t *testing.T) {
	avg := 100 * time.Second
	assert.Equal(t, 140*time.Second, ExpectedDuration(avg, 1))
	assert.Equal(t, 50*time.Second, ExpectedDuration(avg, 10))
	assert.Greater(t, ExpectedDuration(avg, 3), ExpectedDuration(avg, 7))
}
