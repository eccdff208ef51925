package ingest

import (
	"context"
	"fmt"
	"strings"

	"github.com/zeromicro/go-zero/core/logx"

	"marketsync/pkg/checkpoint"
)

// ResyncFilter selects streams for an explicit re-sync. Empty fields match
// everything.
type ResyncFilter struct {
	Categories []string
	Symbols    []string
	Timeframes []string
}

func (f ResyncFilter) match(id StreamID) bool {
	return matchAny(f.Categories, string(id.Category)) &&
		matchAny(f.Symbols, id.Symbol) &&
		matchAny(f.Timeframes, id.Timeframe)
}

func matchAny(allowed []string, v string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if strings.EqualFold(strings.TrimSpace(a), v) {
			return true
		}
	}
	return false
}

// Resync truncates the selected streams and clears their checkpoint state so
// that the next run refetches them from the listing time. It is the only
// destructive path; resume runs never truncate.
func (o *Orchestrator) Resync(ctx context.Context, rt VenueRuntime, filter ResyncFilter) ([]StreamID, error) {
	truncater, ok := rt.Store.(Truncater)
	if !ok {
		return nil, fmt.Errorf("resync: store for venue %s does not support truncation", rt.Source.Name())
	}
	if o.Progress == nil {
		o.Progress = checkpoint.New()
	}
	units, err := o.Plan(ctx, rt)
	if err != nil {
		return nil, err
	}
	var done []StreamID
	for _, unit := range units {
		if !filter.match(unit.ID) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return done, err
		}
		if err := rt.Store.EnsureTable(ctx, unit.ID); err != nil {
			return done, &PersistError{Op: "ensure table", Stream: unit.ID, Err: err}
		}
		if err := truncater.Truncate(ctx, unit.ID); err != nil {
			return done, &PersistError{Op: "truncate", Stream: unit.ID, Err: err}
		}
		o.Progress.ResetStream(unit.ID.Venue, unit.ID.Key(), o.now())
		if err := o.save(ctx); err != nil {
			return done, fmt.Errorf("save checkpoint: %w", err)
		}
		logx.WithContext(ctx).Infof("ingest: resync stream=%s truncated and reset", unit.ID)
		done = append(done, unit.ID)
	}
	return done, nil
}
