package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zeromicro/go-zero/core/logx"
	"golang.org/x/sync/errgroup"

	"marketsync/pkg/checkpoint"
	"marketsync/pkg/timeframe"
	"marketsync/pkg/venue"
)

const DefaultListRetries = 3

// Config tunes a run.
type Config struct {
	// Timeframes are the desired timeframes; each venue runs the
	// intersection with what it serves. Empty means every served timeframe.
	Timeframes []string
	// Horizon is the cutoff; zero means the time the run starts.
	Horizon          time.Time
	BatchLimit       int
	PersistRetries   int
	ListRetries      int
	Parallelism      int
	RecheckCompleted bool
}

// VenueRuntime bundles everything the orchestrator needs for one venue.
// Store is owned by this venue's processing context.
type VenueRuntime struct {
	Source venue.Source
	// Config carries the venue's category and symbol allowlists; optional.
	Config *venue.VenueConfig
	Store  Store
}

// UnitStatus is the final status of one unit in a run.
type UnitStatus int

const (
	// StatusComplete: the unit reached the horizon in this run.
	StatusComplete UnitStatus = iota
	// StatusUpToDate: persisted data already reached the horizon.
	StatusUpToDate
	// StatusSkipped: the checkpoint already marked the unit complete.
	StatusSkipped
	// StatusPartial: the venue ran out of data before the horizon.
	StatusPartial
	// StatusAborted: a permanent venue error stopped the unit.
	StatusAborted
	// StatusFailed: storage or checkpoint persistence failed.
	StatusFailed
	// StatusCanceled: the run was interrupted.
	StatusCanceled
)

func (s UnitStatus) String() string {
	switch s {
	case StatusComplete:
		return "complete"
	case StatusUpToDate:
		return "up_to_date"
	case StatusSkipped:
		return "skipped"
	case StatusPartial:
		return "partial"
	case StatusAborted:
		return "aborted"
	case StatusFailed:
		return "failed"
	case StatusCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("UnitStatus(%d)", int(s))
	}
}

// Completed reports whether the stream is complete after the run.
func (s UnitStatus) Completed() bool {
	return s == StatusComplete || s == StatusUpToDate || s == StatusSkipped
}

// UnitResult is the outcome of one unit.
type UnitResult struct {
	ID      StreamID
	Status  UnitStatus
	Since   int64
	Batches int
	Rows    int
	Skipped int
	Err     error
}

// VenueResult is the outcome of one venue.
type VenueResult struct {
	Venue     string
	Units     int
	Completed bool
	// Skipped is set when the venue was already complete and not rechecked;
	// Units then counts the streams recorded for it.
	Skipped bool
	Err     error
}

// Report summarises a run.
type Report struct {
	Horizon     int64
	Started     time.Time
	Elapsed     time.Duration
	Interrupted bool
	Venues      []VenueResult
	Units       []UnitResult
}

// Total is the number of planned units plus the recorded streams of venues
// skipped as already complete.
func (r *Report) Total() int { return len(r.Units) + r.skippedVenueUnits() }

func (r *Report) skippedVenueUnits() int {
	n := 0
	for _, v := range r.Venues {
		if v.Skipped {
			n += v.Units
		}
	}
	return n
}

// Count returns the number of units with the given status. Streams of
// skipped venues count as StatusSkipped.
func (r *Report) Count(status UnitStatus) int {
	n := 0
	if status == StatusSkipped {
		n = r.skippedVenueUnits()
	}
	for _, u := range r.Units {
		if u.Status == status {
			n++
		}
	}
	return n
}

// CompletedUnits counts units whose stream is complete after the run.
func (r *Report) CompletedUnits() int {
	n := r.skippedVenueUnits()
	for _, u := range r.Units {
		if u.Status.Completed() {
			n++
		}
	}
	return n
}

// Rows is the total number of rows written.
func (r *Report) Rows() int {
	n := 0
	for _, u := range r.Units {
		n += u.Rows
	}
	return n
}

// Batches is the total number of persisted batches.
func (r *Report) Batches() int {
	n := 0
	for _, u := range r.Units {
		n += u.Batches
	}
	return n
}

// CompletedVenues lists venues that are complete after the run.
func (r *Report) CompletedVenues() []string {
	var out []string
	for _, v := range r.Venues {
		if v.Completed {
			out = append(out, v.Venue)
		}
	}
	return out
}

// Orchestrator walks venues, categories, instruments and timeframes in a
// deterministic order and drives one FetchLoop per unit. It owns the
// progress record: nested stages report progress through callbacks and only
// the orchestrator saves it.
type Orchestrator struct {
	Config      Config
	Venues      []VenueRuntime
	Progress    *checkpoint.Record
	Checkpoints checkpoint.Store
	Observer    Observer
	Now         func() time.Time
	Sleep       func(ctx context.Context, d time.Duration) error

	saveMu sync.Mutex
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) error {
	if o.Sleep != nil {
		return o.Sleep(ctx, d)
	}
	return sleepWithContext(ctx, d)
}

func (o *Orchestrator) observer() Observer {
	if o.Observer != nil {
		return o.Observer
	}
	return nopObserver{}
}

// save persists the progress record. Saves are serialised and run detached
// from cancellation so that an interrupt never leaves a torn checkpoint.
func (o *Orchestrator) save(ctx context.Context) error {
	if o.Checkpoints == nil {
		return nil
	}
	o.saveMu.Lock()
	defer o.saveMu.Unlock()
	return o.Checkpoints.Save(context.WithoutCancel(ctx), o.Progress)
}

// Run processes every configured venue. Venues run in parallel up to
// Config.Parallelism; units within a venue run sequentially. The returned
// error is non-nil only when the final checkpoint save fails.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	if o.Progress == nil {
		o.Progress = checkpoint.New()
	}
	started := o.now()
	horizon := o.Config.Horizon
	if horizon.IsZero() {
		horizon = started
	}
	report := &Report{Horizon: horizon.UnixMilli(), Started: started}

	o.Progress.Begin(started)
	if err := o.save(ctx); err != nil {
		return report, fmt.Errorf("save checkpoint: %w", err)
	}

	venues := append([]VenueRuntime(nil), o.Venues...)
	sort.SliceStable(venues, func(i, j int) bool {
		return venues[i].Source.Name() < venues[j].Source.Name()
	})

	var mu sync.Mutex
	g := new(errgroup.Group)
	if o.Config.Parallelism > 0 {
		g.SetLimit(o.Config.Parallelism)
	}
	for _, rt := range venues {
		g.Go(func() error {
			vr, units := o.runVenue(ctx, rt, report.Horizon)
			mu.Lock()
			report.Venues = append(report.Venues, vr)
			report.Units = append(report.Units, units...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(report.Venues, func(i, j int) bool { return report.Venues[i].Venue < report.Venues[j].Venue })
	report.Interrupted = ctx.Err() != nil
	report.Elapsed = o.now().Sub(started)

	o.Progress.Finish(o.now())
	if err := o.save(ctx); err != nil {
		return report, fmt.Errorf("save checkpoint: %w", err)
	}
	return report, nil
}

func (o *Orchestrator) runVenue(ctx context.Context, rt VenueRuntime, horizon int64) (VenueResult, []UnitResult) {
	name := rt.Source.Name()
	logger := logx.WithContext(ctx)
	res := VenueResult{Venue: name}

	if o.Progress.IsVenueComplete(name) && !o.Config.RecheckCompleted {
		res.Completed, res.Skipped = true, true
		res.Units = len(o.Progress.Streams(name))
		logger.Infof("ingest: venue=%s already complete, skipping %d streams", name, res.Units)
		return res, nil
	}

	units, err := o.Plan(ctx, rt)
	if err != nil {
		logger.Errorf("ingest: venue=%s planning failed: %v", name, err)
		res.Err = err
		return res, nil
	}
	res.Units = len(units)
	logger.Infof("ingest: venue=%s planned %d units", name, len(units))

	pace := NewBackoff(venue.MinInterval(rt.Source)).Pacing()
	results := make([]UnitResult, 0, len(units))
	for i, unit := range units {
		if ctx.Err() != nil {
			for _, rest := range units[i:] {
				results = append(results, UnitResult{ID: rest.ID, Status: StatusCanceled, Err: ctx.Err()})
			}
			break
		}
		ur := o.runUnit(ctx, rt, unit, horizon)
		o.observer().UnitFinished(name, ur.Status)
		results = append(results, ur)
		if i < len(units)-1 && ur.Status != StatusSkipped {
			_ = o.sleep(ctx, pace)
		}
	}

	all := len(units) > 0
	for _, r := range results {
		if !r.Status.Completed() {
			all = false
			break
		}
	}
	switch {
	case all:
		o.Progress.MarkVenueComplete(name, o.now())
		res.Completed = true
	case o.Progress.IsVenueComplete(name):
		o.Progress.ReopenVenue(name, o.now())
	}
	done := 0
	for _, r := range results {
		if r.Status.Completed() {
			done++
		}
	}
	logger.Infow("ingest: venue finished",
		logx.Field("venue", name),
		logx.Field("units", len(results)),
		logx.Field("completed_units", done),
		logx.Field("complete", res.Completed))
	if err := o.save(ctx); err != nil {
		logger.Errorf("ingest: venue=%s checkpoint save failed: %v", name, err)
		res.Err = err
	}
	return res, results
}

// Plan lists the venue's instruments and expands them into units, in the
// order they are processed: category, symbol, then timeframe duration.
func (o *Orchestrator) Plan(ctx context.Context, rt VenueRuntime) ([]Unit, error) {
	instruments, err := o.listInstruments(ctx, rt.Source)
	if err != nil {
		return nil, err
	}
	tfs := o.timeframes(rt.Source)
	if len(tfs) == 0 {
		return nil, fmt.Errorf("venue %s serves none of the requested timeframes", rt.Source.Name())
	}

	sort.SliceStable(instruments, func(i, j int) bool {
		a, b := instruments[i], instruments[j]
		if a.Category.Rank() != b.Category.Rank() {
			return a.Category.Rank() < b.Category.Rank()
		}
		return a.Symbol < b.Symbol
	})

	var units []Unit
	seen := make(map[string]struct{})
	for _, inst := range instruments {
		if rt.Config != nil && (!rt.Config.CategoryAllowed(inst.Category) || !rt.Config.SymbolAllowed(inst.Symbol)) {
			continue
		}
		for _, tf := range tfs {
			step, err := timeframe.Millis(tf)
			if err != nil {
				continue
			}
			id := StreamID{Venue: rt.Source.Name(), Category: inst.Category, Symbol: inst.Symbol, Timeframe: tf}
			if _, dup := seen[id.Key()]; dup {
				continue
			}
			seen[id.Key()] = struct{}{}
			units = append(units, Unit{ID: id, Instrument: inst, StepMillis: step})
		}
	}
	return units, nil
}

func (o *Orchestrator) listInstruments(ctx context.Context, src venue.Source) ([]venue.Instrument, error) {
	retries := o.Config.ListRetries
	if retries <= 0 {
		retries = DefaultListRetries
	}
	base := venue.MinInterval(src)
	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		instruments, err := src.ListInstruments(ctx)
		if err == nil {
			return instruments, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if venue.Classify(err) == venue.ClassNotFoundOrInvalid || attempt == retries {
			break
		}
		d := base * 5 * time.Duration(attempt)
		logx.WithContext(ctx).Infof("ingest: venue=%s list instruments attempt=%d failed, retry_in=%s err=%v", src.Name(), attempt, d, err)
		if err := o.sleep(ctx, d); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("list instruments: %w", lastErr)
}

func (o *Orchestrator) timeframes(src venue.Source) []string {
	served := make(map[string]struct{})
	for _, tf := range src.Timeframes() {
		served[tf] = struct{}{}
	}
	desired := o.Config.Timeframes
	if len(desired) == 0 {
		desired = src.Timeframes()
	}
	var out []string
	seen := make(map[string]struct{})
	for _, tf := range desired {
		tf = strings.TrimSpace(tf)
		if _, ok := served[tf]; !ok || !timeframe.Valid(tf) {
			continue
		}
		if _, dup := seen[tf]; dup {
			continue
		}
		seen[tf] = struct{}{}
		out = append(out, tf)
	}
	timeframe.Sort(out)
	return out
}

func (o *Orchestrator) runUnit(ctx context.Context, rt VenueRuntime, unit Unit, horizon int64) UnitResult {
	id := unit.ID
	key := id.Key()
	logger := logx.WithContext(ctx)
	res := UnitResult{ID: id}
	fail := func(status UnitStatus, err error) UnitResult {
		res.Status = status
		res.Err = err
		return res
	}

	if o.Progress.IsStreamComplete(id.Venue, key) && !o.Config.RecheckCompleted {
		res.Status = StatusSkipped
		return res
	}

	if err := rt.Store.EnsureTable(ctx, id); err != nil {
		logger.Errorf("ingest: ensure table stream=%s: %v", id, err)
		return fail(StatusFailed, &PersistError{Op: "ensure table", Stream: id, Err: err})
	}

	resolver := &Resolver{Store: rt.Store, Progress: o.Progress, Now: o.now}
	resolution, err := resolver.Resolve(ctx, unit)
	if err != nil {
		logger.Errorf("ingest: resolve stream=%s: %v", id, err)
		return fail(StatusFailed, err)
	}
	res.Since = resolution.Since

	// Completion is judged on stored data only; the checkpoint just moves the cursor.
	if resolution.Persisted != nil && ReachesHorizon(*resolution.Persisted, horizon, unit.StepMillis) {
		o.Progress.MarkStreamComplete(id.Venue, key, o.now())
		if err := o.save(ctx); err != nil {
			return fail(StatusFailed, fmt.Errorf("save checkpoint: %w", err))
		}
		res.Status = StatusUpToDate
		return res
	}
	if o.Progress.IsStreamComplete(id.Venue, key) {
		// Completed earlier but the persisted tail no longer reaches the horizon.
		logger.Infof("ingest: stream=%s reopened, data ends before horizon", id)
		o.Progress.ReopenStream(id.Venue, key, o.now())
	}
	if resolution.Checkpoint != nil && (resolution.Persisted == nil || *resolution.Checkpoint > *resolution.Persisted) {
		logger.Infof("ingest: stream=%s checkpoint is ahead of stored data, resuming from checkpoint", id)
	}

	logger.Infof("ingest: start stream=%s since=%s listing=%t fallback=%t",
		id, time.UnixMilli(resolution.Since).UTC().Format(time.RFC3339), resolution.FromListing, resolution.Fallback)

	backoff := NewBackoff(venue.MinInterval(rt.Source))
	snaps := &SnapshotCache{Source: rt.Source, Pace: backoff.Pacing(), Sleep: o.Sleep, Now: o.now}
	snap := snaps.Capture(ctx, unit.Instrument)

	loop := &FetchLoop{
		Source:         rt.Source,
		Store:          rt.Store,
		Merger:         &Merger{Instrument: unit.Instrument},
		Snapshot:       snap,
		Backoff:        backoff,
		BatchLimit:     o.Config.BatchLimit,
		Horizon:        horizon,
		PersistRetries: o.Config.PersistRetries,
		Observer:       o.observer(),
		Sleep:          o.Sleep,
		Commit: func(ctx context.Context, lastTS int64) error {
			o.Progress.MarkBatchComplete(id.Venue, key, lastTS, o.now())
			return o.save(ctx)
		},
	}
	out := loop.Run(ctx, unit, resolution.Since)
	res.Batches, res.Rows, res.Skipped = out.Batches, out.Rows, out.Skipped

	if out.State == StateAborted {
		var pe *PersistError
		switch {
		case errors.Is(out.Err, context.Canceled) || errors.Is(out.Err, context.DeadlineExceeded):
			return fail(StatusCanceled, out.Err)
		case errors.As(out.Err, &pe) || venue.Classify(out.Err) != venue.ClassNotFoundOrInvalid:
			logger.Errorf("ingest: stream=%s failed after %d batches: %v", id, out.Batches, out.Err)
			return fail(StatusFailed, out.Err)
		default:
			logger.Errorf("ingest: stream=%s aborted after %d batches: %v", id, out.Batches, out.Err)
			return fail(StatusAborted, out.Err)
		}
	}

	last := resolution.Persisted
	if out.LastTimestamp != nil {
		last = out.LastTimestamp
	}
	if out.HitHorizon || (last != nil && ReachesHorizon(*last, horizon, unit.StepMillis)) {
		o.Progress.MarkStreamComplete(id.Venue, key, o.now())
		if err := o.save(ctx); err != nil {
			return fail(StatusFailed, fmt.Errorf("save checkpoint: %w", err))
		}
		res.Status = StatusComplete
	} else {
		res.Status = StatusPartial
	}
	logger.Infof("ingest: finish stream=%s status=%s batches=%d rows=%d skipped=%d",
		id, res.Status, res.Batches, res.Rows, res.Skipped)
	return res
}
