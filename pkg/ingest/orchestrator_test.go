package ingest_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketsync/pkg/checkpoint"
	"marketsync/pkg/ingest"
	"marketsync/pkg/ingest/memstore"
	"marketsync/pkg/venue"
	"marketsync/pkg/venue/sim"
)

const hourMs = int64(time.Hour / time.Millisecond)

func scenarioOrchestrator(t *testing.T, src venue.Source, store ingest.Store, rec *checkpoint.Record) (*ingest.Orchestrator, *checkpoint.FileStore, *sleepRecorder) {
	t.Helper()
	files := checkpoint.NewFileStore(filepath.Join(t.TempDir(), "checkpoint.json"))
	sleeper := &sleepRecorder{}
	o := &ingest.Orchestrator{
		Config: ingest.Config{
			Timeframes: []string{"1h"},
			Horizon:    time.UnixMilli(scenarioHorizon),
			BatchLimit: 3,
		},
		Venues:      []ingest.VenueRuntime{{Source: src, Store: store}},
		Progress:    rec,
		Checkpoints: files,
		// Five years before this clock is before epoch, so fresh streams start at 0.
		Now:   func() time.Time { return time.UnixMilli(100_000_000_000) },
		Sleep: sleeper.Sleep,
	}
	return o, files, sleeper
}

func TestOrchestratorScenario(t *testing.T) {
	ctx := context.Background()
	src := scenarioSource()
	store := memstore.New()
	o, files, _ := scenarioOrchestrator(t, src, store, nil)

	report, err := o.Run(ctx)
	require.NoError(t, err)
	require.Len(t, report.Units, 1)
	unit := report.Units[0]
	assert.Equal(t, ingest.StatusComplete, unit.Status)
	assert.Equal(t, 2, unit.Batches)
	assert.Equal(t, 6, unit.Rows)
	assert.Equal(t, 1, report.CompletedUnits())
	assert.Equal(t, []string{"scenario"}, report.CompletedVenues())
	assert.False(t, report.Interrupted)

	saved, err := files.Load(ctx)
	require.NoError(t, err)
	key := unit.ID.Key()
	require.NotNil(t, saved.LastTimestamp("scenario", key))
	assert.Equal(t, scenarioHorizon, *saved.LastTimestamp("scenario", key))
	assert.True(t, saved.IsStreamComplete("scenario", key))
	assert.True(t, saved.IsVenueComplete("scenario"))
	start, end := saved.RunWindow()
	assert.NotEmpty(t, start)
	assert.NotEmpty(t, end)
}

func TestOrchestratorSkipsCompletedStream(t *testing.T) {
	ctx := context.Background()
	src := scenarioSource()
	rec := checkpoint.New()
	id := ingest.StreamID{Venue: "scenario", Category: venue.CategorySpot, Symbol: "BTC/USDT", Timeframe: "1h"}
	rec.MarkBatchComplete("scenario", id.Key(), 5*hourMs, time.Now())
	rec.MarkStreamComplete("scenario", id.Key(), time.Now())

	o, _, _ := scenarioOrchestrator(t, src, memstore.New(), rec)
	report, err := o.Run(ctx)
	require.NoError(t, err)
	require.Len(t, report.Units, 1)
	assert.Equal(t, ingest.StatusSkipped, report.Units[0].Status)
	assert.Empty(t, src.requests(), "no fetch for a completed unit")
	assert.True(t, rec.IsVenueComplete("scenario"))

	// A completed venue is not even listed on the next run.
	listed := src.listed
	report, err = o.Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Units)
	require.Len(t, report.Venues, 1)
	assert.True(t, report.Venues[0].Skipped)
	assert.Equal(t, listed, src.listed)
	// The skipped venue's streams still count toward the totals.
	assert.Equal(t, 1, report.Venues[0].Units)
	assert.Equal(t, 1, report.Total())
	assert.Equal(t, 1, report.CompletedUnits())
	assert.Equal(t, 1, report.Count(ingest.StatusSkipped))
}

func TestOrchestratorRecheckReopensStaleStream(t *testing.T) {
	ctx := context.Background()
	src := scenarioSource()
	rec := checkpoint.New()
	id := ingest.StreamID{Venue: "scenario", Category: venue.CategorySpot, Symbol: "BTC/USDT", Timeframe: "1h"}
	rec.MarkBatchComplete("scenario", id.Key(), 2*scenarioStep, time.Now())
	rec.MarkStreamComplete("scenario", id.Key(), time.Now())
	rec.MarkVenueComplete("scenario", time.Now())

	o, _, _ := scenarioOrchestrator(t, src, memstore.New(), rec)
	o.Config.RecheckCompleted = true
	report, err := o.Run(ctx)
	require.NoError(t, err)
	require.Len(t, report.Units, 1)
	assert.Equal(t, ingest.StatusComplete, report.Units[0].Status)
	assert.Equal(t, []int64{2*scenarioStep + hourMs}, src.requests())
	assert.Equal(t, scenarioHorizon, *rec.LastTimestamp("scenario", id.Key()))
}

func TestOrchestratorUpToDateShortCircuits(t *testing.T) {
	ctx := context.Background()
	src := scenarioSource()
	store := memstore.New()
	id := ingest.StreamID{Venue: "scenario", Category: venue.CategorySpot, Symbol: "BTC/USDT", Timeframe: "1h"}
	require.NoError(t, store.EnsureTable(ctx, id))
	_, err := store.UpsertBatch(ctx, id, []ingest.StoredRow{{Timestamp: scenarioHorizon - hourMs, Open: 1, High: 1, Low: 1, Close: 1}})
	require.NoError(t, err)

	o, _, _ := scenarioOrchestrator(t, src, store, nil)
	report, err := o.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, ingest.StatusUpToDate, report.Units[0].Status)
	assert.Empty(t, src.requests())
	assert.True(t, o.Progress.IsStreamComplete("scenario", id.Key()))
}

func TestOrchestratorCheckpointAheadOfEmptyStore(t *testing.T) {
	ctx := context.Background()
	src := scenarioSource()
	src.times = []int64{0, scenarioStep, scenarioHorizon}
	rec := checkpoint.New()
	id := ingest.StreamID{Venue: "scenario", Category: venue.CategorySpot, Symbol: "BTC/USDT", Timeframe: "1h"}
	rec.MarkBatchComplete("scenario", id.Key(), scenarioHorizon, time.Now())
	store := memstore.New()

	o, _, _ := scenarioOrchestrator(t, src, store, rec)
	report, err := o.Run(ctx)
	require.NoError(t, err)
	require.Len(t, report.Units, 1)

	// The cursor still resumes after the checkpoint, but nothing stored reaches the horizon.
	assert.Equal(t, ingest.StatusPartial, report.Units[0].Status)
	assert.Equal(t, []int64{scenarioHorizon + hourMs}, src.requests())
	assert.Empty(t, store.Rows(id))
	assert.False(t, rec.IsStreamComplete("scenario", id.Key()))
	assert.False(t, rec.IsVenueComplete("scenario"))
	assert.Empty(t, report.CompletedVenues())
}

func TestOrchestratorPartialWhenVenueRunsDry(t *testing.T) {
	ctx := context.Background()
	src := scenarioSource()
	src.times = []int64{0, hourMs}
	o, _, _ := scenarioOrchestrator(t, src, memstore.New(), nil)

	report, err := o.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, ingest.StatusPartial, report.Units[0].Status)
	assert.Empty(t, report.CompletedVenues())
	key := report.Units[0].ID.Key()
	assert.False(t, o.Progress.IsStreamComplete("scenario", key))
	assert.Equal(t, hourMs, *o.Progress.LastTimestamp("scenario", key))
}

type flakyListing struct {
	*seriesSource
	fails int
}

func (f *flakyListing) ListInstruments(ctx context.Context) ([]venue.Instrument, error) {
	if f.fails > 0 {
		f.fails--
		return nil, errors.New("502 bad gateway")
	}
	return f.seriesSource.ListInstruments(ctx)
}

func TestOrchestratorListingRetries(t *testing.T) {
	ctx := context.Background()
	src := &flakyListing{seriesSource: scenarioSource(), fails: 2}
	o, _, sleeper := scenarioOrchestrator(t, src, memstore.New(), nil)

	report, err := o.Run(ctx)
	require.NoError(t, err)
	require.Len(t, report.Units, 1)
	sleeps := sleeper.all()
	require.GreaterOrEqual(t, len(sleeps), 2)
	assert.Equal(t, []time.Duration{5 * time.Millisecond, 10 * time.Millisecond}, sleeps[:2])

	src = &flakyListing{seriesSource: scenarioSource(), fails: 3}
	o, _, _ = scenarioOrchestrator(t, src, memstore.New(), nil)
	report, err = o.Run(ctx)
	require.NoError(t, err)
	require.Len(t, report.Venues, 1)
	assert.Error(t, report.Venues[0].Err)
	assert.Empty(t, report.Units)
}

func TestOrchestratorCanceledRun(t *testing.T) {
	src := scenarioSource()
	o, files, _ := scenarioOrchestrator(t, src, memstore.New(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := o.Run(ctx)
	require.NoError(t, err, "checkpoint saves ignore cancellation")
	assert.True(t, report.Interrupted)
	require.Len(t, report.Units, 1)
	assert.Equal(t, ingest.StatusCanceled, report.Units[0].Status)
	assert.Empty(t, src.requests())

	saved, err := files.Load(context.Background())
	require.NoError(t, err)
	assert.False(t, saved.IsVenueComplete("scenario"))
}

func simVenue(name string, end int64, opts ...sim.Option) *sim.Source {
	listed := end - 48*hourMs
	base := []sim.Option{
		sim.WithEnd(end),
		sim.WithInstruments(
			venue.Instrument{Symbol: "BTC/USDT:USDT", Category: venue.CategorySwap, Active: true, ListedAt: &listed},
			venue.Instrument{Symbol: "ETH/USDT", Category: venue.CategorySpot, Active: true, ListedAt: &listed},
		),
	}
	return sim.New(name, append(base, opts...)...)
}

func TestOrchestratorMultiVenue(t *testing.T) {
	ctx := context.Background()
	end := int64(1_700_000_000_000)
	end -= end % (24 * hourMs)
	alpha, beta := simVenue("alpha", end), simVenue("beta", end)
	stores := map[string]*memstore.Store{"alpha": memstore.New(), "beta": memstore.New()}
	sleeper := &sleepRecorder{}
	o := &ingest.Orchestrator{
		Config: ingest.Config{
			Timeframes:  []string{"1d", "1h", "7m"},
			Horizon:     time.UnixMilli(end),
			BatchLimit:  20,
			Parallelism: 2,
		},
		Venues: []ingest.VenueRuntime{
			{Source: beta, Store: stores["beta"]},
			{Source: alpha, Store: stores["alpha"]},
		},
		Checkpoints: checkpoint.NewFileStore(filepath.Join(t.TempDir(), "cp.json")),
		Sleep:       sleeper.Sleep,
	}

	report, err := o.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 8, report.Total())
	assert.Equal(t, 8, report.CompletedUnits())
	assert.Equal(t, []string{"alpha", "beta"}, report.CompletedVenues())
	assert.Equal(t, 2*(2*49+2*3), report.Rows())

	hourly := ingest.StreamID{Venue: "alpha", Category: venue.CategorySwap, Symbol: "BTC/USDT:USDT", Timeframe: "1h"}
	rows := stores["alpha"].Rows(hourly)
	require.Len(t, rows, 49)
	assert.Equal(t, end, rows[len(rows)-1].Timestamp)
	assert.NotNil(t, rows[0].FundingRate, "swap rows carry the funding snapshot")

	// Second run is a pure resume: nothing left to fetch.
	calls := alpha.Calls()
	report, err = o.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, calls, alpha.Calls())
	assert.Zero(t, report.Rows())
}

func TestOrchestratorPlanOrderAndAllowlist(t *testing.T) {
	ctx := context.Background()
	end := int64(1_700_000_000_000)
	src := simVenue("alpha", end)
	o := &ingest.Orchestrator{Config: ingest.Config{Timeframes: []string{"1d", "1h", "1h"}}}

	units, err := o.Plan(ctx, ingest.VenueRuntime{Source: src, Store: memstore.New()})
	require.NoError(t, err)
	var keys []string
	for _, u := range units {
		keys = append(keys, u.ID.Key())
	}
	assert.Equal(t, []string{
		"spot_ETH/USDT_1h", "spot_ETH/USDT_1d",
		"swap_BTC/USDT:USDT_1h", "swap_BTC/USDT:USDT_1d",
	}, keys)
	assert.Equal(t, hourMs, units[0].StepMillis)

	units, err = o.Plan(ctx, ingest.VenueRuntime{
		Source: src,
		Store:  memstore.New(),
		Config: &venue.VenueConfig{Categories: []string{"perp"}},
	})
	require.NoError(t, err)
	require.Len(t, units, 2)
	assert.Equal(t, venue.CategorySwap, units[0].ID.Category)

	o.Config.Timeframes = []string{"7m"}
	_, err = o.Plan(ctx, ingest.VenueRuntime{Source: src})
	assert.Error(t, err)
}

func TestOrchestratorAbortedUnitDoesNotStopVenue(t *testing.T) {
	ctx := context.Background()
	end := int64(1_700_000_000_000)
	end -= end % (24 * hourMs)
	src := simVenue("alpha", end)
	src.ScriptSymbol("ETH/USDT", venue.NewError("alpha", "candles", venue.ClassNotFoundOrInvalid, venue.ErrNotFound))
	store := memstore.New()
	o := &ingest.Orchestrator{
		Config: ingest.Config{Timeframes: []string{"1d"}, Horizon: time.UnixMilli(end)},
		Venues: []ingest.VenueRuntime{{Source: src, Store: store}},
		Sleep:  (&sleepRecorder{}).Sleep,
	}

	report, err := o.Run(ctx)
	require.NoError(t, err)
	require.Len(t, report.Units, 2)
	assert.Equal(t, ingest.StatusAborted, report.Units[0].Status)
	assert.Equal(t, ingest.StatusComplete, report.Units[1].Status)
	assert.Equal(t, 1, report.Count(ingest.StatusAborted))
	assert.Empty(t, report.CompletedVenues())
}

func TestResync(t *testing.T) {
	ctx := context.Background()
	end := int64(1_700_000_000_000)
	end -= end % (24 * hourMs)
	src := simVenue("alpha", end)
	store := memstore.New()
	rt := ingest.VenueRuntime{Source: src, Store: store}
	o := &ingest.Orchestrator{
		Config: ingest.Config{Timeframes: []string{"1h", "1d"}, Horizon: time.UnixMilli(end)},
		Venues: []ingest.VenueRuntime{rt},
		Sleep:  (&sleepRecorder{}).Sleep,
	}
	_, err := o.Run(ctx)
	require.NoError(t, err)
	require.True(t, o.Progress.IsVenueComplete("alpha"))

	done, err := o.Resync(ctx, rt, ingest.ResyncFilter{Categories: []string{"swap"}, Timeframes: []string{"1h"}})
	require.NoError(t, err)
	require.Len(t, done, 1)
	id := done[0]
	assert.Equal(t, "swap_BTC/USDT:USDT_1h", id.Key())
	count, err := store.RowCount(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Nil(t, o.Progress.LastTimestamp("alpha", id.Key()))
	assert.False(t, o.Progress.IsVenueComplete("alpha"))
	assert.True(t, o.Progress.IsStreamComplete("alpha", "swap_BTC/USDT:USDT_1d"))

	// The next run refetches only the reset stream.
	report, err := o.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 49, report.Rows())
	assert.True(t, o.Progress.IsVenueComplete("alpha"))
}

type noTruncate struct{ ingest.Store }

func TestResyncRequiresTruncater(t *testing.T) {
	src := simVenue("alpha", 1_700_000_000_000)
	o := &ingest.Orchestrator{}
	_, err := o.Resync(context.Background(), ingest.VenueRuntime{Source: src, Store: noTruncate{memstore.New()}}, ingest.ResyncFilter{})
	assert.Error(t, err)
}
