package ingest

import (
	"time"

	"marketsync/pkg/venue"
)

// Backoff is the per-unit pacing and retry controller. Its base interval is
// the venue's advertised minimum request interval.
type Backoff struct {
	base      time.Duration
	successes int
	failures  int
}

// Decision is the controller's answer to a failed fetch.
type Decision struct {
	Class venue.Class
	Retry bool
	Sleep time.Duration
}

// NewBackoff returns a controller for one unit.
func NewBackoff(minInterval time.Duration) *Backoff {
	if minInterval <= 0 {
		minInterval = venue.DefaultMinRequestInterval
	}
	return &Backoff{base: minInterval}
}

// Base returns the base interval.
func (b *Backoff) Base() time.Duration { return b.base }

// Pacing is the steady-state delay between successful requests.
func (b *Backoff) Pacing() time.Duration { return b.base }

// OnSuccess records a persisted batch.
func (b *Backoff) OnSuccess() {
	b.successes++
	b.failures = 0
}

// Failures returns the number of consecutive failures since the last success.
func (b *Backoff) Failures() int { return b.failures }

// OnFailure classifies the next step after a failed fetch. Throttling sleeps
// cycle with the unit's batch count and stay within [base×10, base×30], so a
// run of failures at the same cursor sleeps a constant amount.
func (b *Backoff) OnFailure(class venue.Class) Decision {
	b.failures++
	d := Decision{Class: class}
	switch class {
	case venue.ClassRateLimited:
		step := 5 * (b.successes%5 + 1)
		if step > 30 {
			step = 30
		}
		d.Sleep = maxDuration(b.base*10, b.base*time.Duration(step))
		d.Retry = true
	case venue.ClassAntiAbuse:
		d.Sleep = maxDuration(b.base*20, b.base*10)
		d.Retry = true
	case venue.ClassTransientNetwork, venue.ClassTransientOther:
		d.Sleep = b.base * 2
		d.Retry = true
	default:
		d.Retry = false
	}
	return d
}

// PersistRetrySleep is the delay before retrying a failed storage write.
func (b *Backoff) PersistRetrySleep() time.Duration { return b.base * 2 }

func maxDuration(a, c time.Duration) time.Duration {
	if a > c {
		return a
	}
	return c
}
