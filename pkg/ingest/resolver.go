package ingest

import (
	"context"
	"fmt"
	"time"

	"marketsync/pkg/checkpoint"
	"marketsync/pkg/venue"
)

// DefaultLookback is how far back a stream starts when the venue gives no
// usable listing time.
const DefaultLookback = 5 * 365 * 24 * time.Hour

// Resolution explains where a stream resumes.
type Resolution struct {
	Since      int64
	Persisted  *int64
	Checkpoint *int64
	// Base is max(Persisted, Checkpoint), nil when neither exists.
	Base        *int64
	FromListing bool
	Fallback    bool
}

// ResumePoint computes the first open time to fetch. When storage or the
// checkpoint knows a timestamp, the later of the two plus one step is used.
// Otherwise the listing time is used, falling back to now-DefaultLookback
// when it is missing, non-positive or in the future.
func ResumePoint(persisted, checkpointed, listedAt *int64, stepMillis int64, now time.Time) Resolution {
	res := Resolution{Persisted: persisted, Checkpoint: checkpointed}
	switch {
	case persisted != nil && checkpointed != nil:
		base := *persisted
		if *checkpointed > base {
			base = *checkpointed
		}
		res.Base = &base
	case persisted != nil:
		base := *persisted
		res.Base = &base
	case checkpointed != nil:
		base := *checkpointed
		res.Base = &base
	}
	if res.Base != nil {
		res.Since = *res.Base + stepMillis
		return res
	}

	nowMs := now.UnixMilli()
	if listedAt != nil && *listedAt > 0 && *listedAt <= nowMs {
		res.Since = *listedAt
		res.FromListing = true
		return res
	}
	res.Since = now.Add(-DefaultLookback).UnixMilli()
	res.Fallback = true
	return res
}

// ReachesHorizon reports whether a stream whose last persisted point is
// lastTS has nothing left to fetch before horizon.
func ReachesHorizon(lastTS, horizon, stepMillis int64) bool {
	return lastTS >= horizon-stepMillis
}

// Resolver reads the two sources of truth for a unit's resume point.
type Resolver struct {
	Store    Store
	Progress *checkpoint.Record
	Now      func() time.Time
}

// Resolve loads the persisted max timestamp and the checkpoint for the unit.
func (r *Resolver) Resolve(ctx context.Context, unit Unit) (Resolution, error) {
	persisted, err := r.Store.MaxTimestamp(ctx, unit.ID)
	if err != nil {
		return Resolution{}, &PersistError{Op: "max timestamp", Stream: unit.ID, Err: err}
	}
	var checkpointed *int64
	if r.Progress != nil {
		checkpointed = r.Progress.LastTimestamp(unit.ID.Venue, unit.ID.Key())
	}
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	return ResumePoint(persisted, checkpointed, listingTime(unit.Instrument), unit.StepMillis, now()), nil
}

func listingTime(inst venue.Instrument) *int64 {
	return inst.ListedAt
}

// PersistError is a storage failure (PersistenceFailure in the taxonomy).
type PersistError struct {
	Op     string
	Stream StreamID
	Err    error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("ingest: persist %s %s: %v", e.Op, e.Stream, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }
