package pacer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedJitter(d time.Duration) func(time.Duration) time.Duration {
	return func(time.Duration) time.Duration { return d }
}

func TestDomain(t *testing.T) {
	assert.Equal(t, "gmail.com", Domain("Jane.Doe@GMAIL.com"))
	assert.Equal(t, "example.com", Domain(" <lead@example.com>"))
	assert.Equal(t, "", Domain("no-at-sign@"))
}

func TestPlanSpacesPerDomain(t *testing.T) {
	p := New(Options{
		DefaultInterval: 5 * time.Second,
		DomainIntervals: map[string]time.Duration{"Gmail.com": 20 * time.Second},
	}).WithJitter(fixedJitter(0))

	delays := p.Plan([]string{"a@gmail.com", "b@corp.io", "c@gmail.com", "d@corp.io", "e@gmail.com"}, BatchOptions{})
	assert.Equal(t, []time.Duration{0, 0, 20 * time.Second, 5 * time.Second, 40 * time.Second}, delays)
}

func TestPlanPacingInvariant(t *testing.T) {
	interval := 20 * time.Second
	maxJitter := 2 * time.Second
	p := New(Options{
		DefaultInterval: time.Second,
		DomainIntervals: map[string]time.Duration{"yahoo.com": interval},
		MaxJitter:       maxJitter,
	})

	addrs := make([]string, 25)
	for i := range addrs {
		addrs[i] = "user@yahoo.com"
	}

	for run := 0; run < 20; run++ {
		for k, d := range p.Plan(addrs, BatchOptions{}) {
			lower := time.Duration(k) * interval
			upper := time.Duration(k+1)*interval + maxJitter
			assert.GreaterOrEqual(t, d, lower)
			assert.Less(t, d, upper)
			assert.Less(t, d-lower, maxJitter)
		}
	}
}

func TestPlanBulkScenario(t *testing.T) {
	p := New(Options{
		DefaultInterval: 5 * time.Second,
		DomainIntervals: map[string]time.Duration{"a.example": 20 * time.Second},
		MaxJitter:       time.Second,
	})

	addrs := []string{
		"1@a.example", "1@b.example", "2@a.example", "3@a.example", "2@b.example",
		"4@a.example", "3@b.example", "5@a.example", "6@a.example", "4@b.example",
	}
	delays := p.Plan(addrs, BatchOptions{})
	require.Len(t, delays, 10)

	sixthA := delays[8]
	fourthB := delays[9]
	assert.InDelta(t, float64(100*time.Second), float64(sixthA), float64(time.Second))
	assert.InDelta(t, float64(15*time.Second), float64(fourthB), float64(time.Second))
}

func TestPlanBatchOverrides(t *testing.T) {
	p := New(Options{
		DefaultInterval: 5 * time.Second,
		DomainIntervals: map[string]time.Duration{"gmail.com": 20 * time.Second},
	})

	var seenMax time.Duration
	p = p.WithJitter(func(max time.Duration) time.Duration {
		seenMax = max
		return 0
	})

	delays := p.Plan([]string{"a@x.io", "b@x.io", "c@gmail.com", "d@gmail.com"}, BatchOptions{
		Interval:  30 * time.Second,
		MaxJitter: 500 * time.Millisecond,
	})
	assert.Equal(t, []time.Duration{0, 30 * time.Second, 0, 20 * time.Second}, delays)
	assert.Equal(t, 500*time.Millisecond, seenMax)
}

func TestPlanHourlyCap(t *testing.T) {
	p := New(Options{DefaultInterval: time.Second, HourlyLimit: 2}).WithJitter(fixedJitter(0))

	delays := p.Plan([]string{"a@x.io", "b@y.io", "c@z.io", "d@w.io", "e@v.io"}, BatchOptions{})
	assert.Equal(t, []time.Duration{0, 0, time.Hour, time.Hour, 2 * time.Hour}, delays)
}

func TestPlanEmpty(t *testing.T) {
	assert.Empty(t, New(Options{}).Plan(nil, BatchOptions{}))
}
