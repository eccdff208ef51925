package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zeromicro/go-zero/core/logx"

	"marketsync/pkg/venue"
)

const (
	DefaultBatchLimit     = 2000
	DefaultPersistRetries = 5
)

// State is a BatchFetchLoop state.
type State int

const (
	StateFetching State = iota
	StateInserting
	StateAdvancing
	StateDone
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateFetching:
		return "FETCHING"
	case StateInserting:
		return "INSERTING"
	case StateAdvancing:
		return "ADVANCING"
	case StateDone:
		return "DONE"
	case StateAborted:
		return "ABORTED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// CommitFunc is invoked after every persisted batch with the timestamp of
// the batch's last point. It must make the progress durable before
// returning; an error aborts the unit.
type CommitFunc func(ctx context.Context, lastTS int64) error

// Outcome summarises one run of the loop.
type Outcome struct {
	State   State
	Batches int
	Rows    int
	Skipped int
	// LastTimestamp is the last point of the last persisted batch.
	LastTimestamp *int64
	// HitHorizon is set when the loop stopped on the horizon cutoff rather
	// than on an empty batch.
	HitHorizon bool
	Err        error
}

// FetchLoop drives bounded fetches of one stream from a cursor up to the
// horizon, persisting and committing after every batch.
type FetchLoop struct {
	Source         venue.Source
	Store          Store
	Merger         *Merger
	Snapshot       *Snapshot
	Backoff        *Backoff
	BatchLimit     int
	Horizon        int64
	PersistRetries int
	Commit         CommitFunc
	Observer       Observer
	Sleep          func(ctx context.Context, d time.Duration) error
}

func (l *FetchLoop) defaults() {
	if l.BatchLimit <= 0 {
		l.BatchLimit = DefaultBatchLimit
	}
	if l.PersistRetries <= 0 {
		l.PersistRetries = DefaultPersistRetries
	}
	if l.Backoff == nil {
		l.Backoff = NewBackoff(venue.MinInterval(l.Source))
	}
	if l.Observer == nil {
		l.Observer = nopObserver{}
	}
	if l.Sleep == nil {
		l.Sleep = sleepWithContext
	}
	if l.Merger == nil {
		l.Merger = &Merger{}
	}
}

// Run fetches unit from since. Throttling and transient failures are retried
// at the same cursor; NotFoundOrInvalid, exhausted storage retries, commit
// failures and cancellation abort.
func (l *FetchLoop) Run(ctx context.Context, unit Unit, since int64) Outcome {
	l.defaults()
	id := unit.ID
	logger := logx.WithContext(ctx)
	out := Outcome{State: StateFetching}
	cursor := since

	abort := func(err error) Outcome {
		out.State = StateAborted
		out.Err = err
		return out
	}

	for {
		if err := ctx.Err(); err != nil {
			return abort(err)
		}

		// FETCHING
		started := time.Now()
		points, err := l.Source.FetchCandles(ctx, unit.Instrument, id.Timeframe, cursor, l.BatchLimit)
		if err != nil {
			if ctx.Err() != nil {
				return abort(ctx.Err())
			}
			class := venue.Classify(err)
			d := l.Backoff.OnFailure(class)
			if !d.Retry {
				logger.Errorf("ingest: abort stream=%s cursor=%d class=%s err=%v", id, cursor, class, err)
				return abort(err)
			}
			logger.Infof("ingest: backoff stream=%s cursor=%d class=%s sleep=%s failures=%d err=%v",
				id, cursor, class, d.Sleep, l.Backoff.Failures(), err)
			l.Observer.BackoffSlept(id.Venue, class, d.Sleep)
			if err := l.Sleep(ctx, d.Sleep); err != nil {
				return abort(err)
			}
			continue
		}
		l.Observer.BatchFetched(id.Venue, id.Timeframe, len(points), time.Since(started))
		if len(points) == 0 {
			out.State = StateDone
			return out
		}

		points = forwardOnly(points, cursor)
		if len(points) == 0 {
			// The venue keeps returning data behind the cursor; nothing new exists.
			logger.Infof("ingest: stream=%s returned no points at or after cursor=%d, stopping", id, cursor)
			out.State = StateDone
			return out
		}

		// INSERTING
		rows, skipped := l.Merger.MergeBatch(points, l.Snapshot)
		if skipped > 0 {
			out.Skipped += skipped
			l.Observer.PointsSkipped(id.Venue, skipped)
			logger.Infof("ingest: stream=%s skipped %d invalid points", id, skipped)
		}
		written, err := l.persist(ctx, id, rows)
		if err != nil {
			return abort(err)
		}
		out.Rows += written
		l.Observer.RowsWritten(id.Venue, written)

		// ADVANCING
		lastTS := points[len(points)-1].Timestamp
		if l.Commit != nil {
			if err := l.Commit(ctx, lastTS); err != nil {
				logger.Errorf("ingest: checkpoint commit failed stream=%s ts=%d err=%v", id, lastTS, err)
				return abort(fmt.Errorf("commit checkpoint: %w", err))
			}
		}
		out.Batches++
		out.LastTimestamp = &lastTS
		l.Backoff.OnSuccess()
		logger.Infof("ingest: batch stream=%s batch=%d rows=%d last_ts=%s",
			id, out.Batches, written, time.UnixMilli(lastTS).UTC().Format(time.RFC3339))
		cursor = lastTS + 1

		if lastTS >= l.Horizon {
			out.State = StateDone
			out.HitHorizon = true
			return out
		}
		if err := l.Sleep(ctx, l.Backoff.Pacing()); err != nil {
			return abort(err)
		}
	}
}

// persist upserts rows, retrying storage failures at the same cursor up to
// PersistRetries times.
func (l *FetchLoop) persist(ctx context.Context, id StreamID, rows []StoredRow) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	var lastErr error
	for attempt := 0; attempt <= l.PersistRetries; attempt++ {
		n, err := l.Store.UpsertBatch(ctx, id, rows)
		if err == nil {
			return n, nil
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		lastErr = err
		if attempt == l.PersistRetries {
			break
		}
		d := l.Backoff.PersistRetrySleep()
		logx.WithContext(ctx).Errorf("ingest: upsert failed stream=%s attempt=%d retry_in=%s err=%v", id, attempt+1, d, err)
		if err := l.Sleep(ctx, d); err != nil {
			return 0, err
		}
	}
	var pe *PersistError
	if errors.As(lastErr, &pe) {
		return 0, lastErr
	}
	return 0, &PersistError{Op: "upsert", Stream: id, Err: lastErr}
}

// forwardOnly drops points before the cursor and any point that does not
// strictly increase, preserving fetch order.
func forwardOnly(points []venue.Candle, cursor int64) []venue.Candle {
	out := points[:0:0]
	prev := cursor - 1
	for _, p := range points {
		if p.Timestamp < cursor || p.Timestamp <= prev {
			continue
		}
		out = append(out, p)
		prev = p.Timestamp
	}
	return out
}
