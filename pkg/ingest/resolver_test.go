package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketsync/pkg/checkpoint"
	"marketsync/pkg/venue"
)

const hour = int64(time.Hour / time.Millisecond)

func ptr(v int64) *int64 { return &v }

func TestResumePoint(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fallback := now.Add(-DefaultLookback).UnixMilli()

	tests := []struct {
		name       string
		persisted  *int64
		checkpoint *int64
		listed     *int64
		want       int64
		listing    bool
		fallback   bool
	}{
		{name: "both, checkpoint ahead", persisted: ptr(10 * hour), checkpoint: ptr(12 * hour), want: 13 * hour},
		{name: "both, storage ahead", persisted: ptr(20 * hour), checkpoint: ptr(12 * hour), want: 21 * hour},
		{name: "storage only", persisted: ptr(5 * hour), want: 6 * hour},
		{name: "checkpoint only", checkpoint: ptr(7 * hour), listed: ptr(1), want: 8 * hour},
		{name: "listing", listed: ptr(3 * hour), want: 3 * hour, listing: true},
		{name: "no listing", want: fallback, fallback: true},
		{name: "listing in future", listed: ptr(now.Add(time.Hour).UnixMilli()), want: fallback, fallback: true},
		{name: "listing zero", listed: ptr(0), want: fallback, fallback: true},
		{name: "listing negative", listed: ptr(-5), want: fallback, fallback: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := ResumePoint(tt.persisted, tt.checkpoint, tt.listed, hour, now)
			assert.Equal(t, tt.want, res.Since)
			assert.Equal(t, tt.listing, res.FromListing)
			assert.Equal(t, tt.fallback, res.Fallback)
		})
	}
}

func TestResumePointMonotonic(t *testing.T) {
	now := time.Now()
	for _, p := range []int64{0, hour, 50 * hour} {
		for _, c := range []int64{0, hour, 50 * hour} {
			res := ResumePoint(ptr(p), ptr(c), nil, hour, now)
			assert.Equal(t, max(p, c)+hour, res.Since)
			require.NotNil(t, res.Base)
		}
	}
}

func TestReachesHorizon(t *testing.T) {
	assert.True(t, ReachesHorizon(100, 100, 10))
	assert.True(t, ReachesHorizon(90, 100, 10))
	assert.False(t, ReachesHorizon(89, 100, 10))
}

type staticStore struct {
	Store
	max *int64
	err error
}

func (s staticStore) MaxTimestamp(context.Context, StreamID) (*int64, error) { return s.max, s.err }

func TestResolverCombinesSources(t *testing.T) {
	unit := Unit{
		ID:         StreamID{Venue: "v", Category: venue.CategorySpot, Symbol: "BTC/USDT", Timeframe: "1h"},
		StepMillis: hour,
	}
	rec := checkpoint.New()
	rec.MarkBatchComplete("v", unit.ID.Key(), 30*hour, time.Now())

	r := &Resolver{Store: staticStore{max: ptr(20 * hour)}, Progress: rec}
	res, err := r.Resolve(context.Background(), unit)
	require.NoError(t, err)
	assert.Equal(t, 31*hour, res.Since)
	assert.Equal(t, int64(20*hour), *res.Persisted)
	assert.Equal(t, int64(30*hour), *res.Checkpoint)
}

func TestResolverStoreError(t *testing.T) {
	boom := errors.New("connection refused")
	r := &Resolver{Store: staticStore{err: boom}}
	_, err := r.Resolve(context.Background(), Unit{StepMillis: hour})
	var pe *PersistError
	require.ErrorAs(t, err, &pe)
	assert.ErrorIs(t, err, boom)
}
