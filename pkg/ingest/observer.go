package ingest

import (
	"context"
	"time"

	"marketsync/pkg/venue"
)

// Observer receives pipeline events, typically to feed metrics.
type Observer interface {
	BatchFetched(venueName, timeframe string, points int, latency time.Duration)
	RowsWritten(venueName string, rows int)
	PointsSkipped(venueName string, points int)
	BackoffSlept(venueName string, class venue.Class, d time.Duration)
	UnitFinished(venueName string, status UnitStatus)
}

type nopObserver struct{}

func (nopObserver) BatchFetched(string, string, int, time.Duration) {}
func (nopObserver) RowsWritten(string, int)                         {}
func (nopObserver) PointsSkipped(string, int)                       {}
func (nopObserver) BackoffSlept(string, venue.Class, time.Duration) {}
func (nopObserver) UnitFinished(string, UnitStatus)                 {}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
