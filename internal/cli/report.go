package cli

import (
	"fmt"
	"strings"
	"time"

	"marketsync/pkg/checkpoint"
	"marketsync/pkg/ingest"
)

var reportStatuses = []ingest.UnitStatus{
	ingest.StatusComplete,
	ingest.StatusUpToDate,
	ingest.StatusSkipped,
	ingest.StatusPartial,
	ingest.StatusAborted,
	ingest.StatusFailed,
	ingest.StatusCanceled,
}

// ReportLines renders the end-of-run summary: completed versus total units,
// elapsed time, per-status counts and per-venue outcomes.
func ReportLines(r *ingest.Report) []string {
	if r == nil {
		return []string{"Run: no report"}
	}
	state := "finished"
	if r.Interrupted {
		state = "interrupted"
	}
	lines := []string{
		fmt.Sprintf("Run %s: %d/%d units complete in %s", state, r.CompletedUnits(), r.Total(), r.Elapsed.Round(time.Millisecond)),
		fmt.Sprintf("Horizon: %s", time.UnixMilli(r.Horizon).UTC().Format(time.RFC3339)),
		fmt.Sprintf("Rows written: %d in %d batches", r.Rows(), r.Batches()),
	}

	counts := make([]string, 0, len(reportStatuses))
	for _, s := range reportStatuses {
		if n := r.Count(s); n > 0 {
			counts = append(counts, fmt.Sprintf("%s=%d", s, n))
		}
	}
	if len(counts) > 0 {
		lines = append(lines, "Units: "+strings.Join(counts, " "))
	}

	completed := r.CompletedVenues()
	lines = append(lines, fmt.Sprintf("Venues complete: %d/%d", len(completed), len(r.Venues)))
	for _, v := range r.Venues {
		switch {
		case v.Err != nil:
			lines = append(lines, fmt.Sprintf("  %s: error: %v", v.Venue, v.Err))
		case v.Skipped:
			lines = append(lines, fmt.Sprintf("  %s: already complete (%d units)", v.Venue, v.Units))
		case v.Completed:
			lines = append(lines, fmt.Sprintf("  %s: complete (%d units)", v.Venue, v.Units))
		default:
			lines = append(lines, fmt.Sprintf("  %s: incomplete (%d units)", v.Venue, v.Units))
		}
	}
	for _, u := range r.Units {
		if u.Err != nil {
			lines = append(lines, fmt.Sprintf("  %s %s: %v", u.ID, u.Status, u.Err))
		}
	}
	return lines
}

// ProgressLines renders a checkpoint record per venue and stream.
func ProgressLines(rec *checkpoint.Record) []string {
	if rec == nil {
		return []string{"Checkpoint: empty"}
	}
	start, end := rec.RunWindow()
	lines := []string{fmt.Sprintf("Last run: start=%s end=%s", valueOr(start, "-"), valueOr(end, "-"))}
	venues := rec.Venues()
	if len(venues) == 0 {
		return append(lines, "No venues recorded")
	}
	for _, name := range venues {
		status := "in progress"
		if rec.IsVenueComplete(name) {
			status = "complete"
		}
		lines = append(lines, fmt.Sprintf("%s: %s", name, status))
		for _, key := range rec.Streams(name) {
			sp, _ := rec.Stream(name, key)
			last := "-"
			if sp.LastTimestamp != nil {
				last = time.UnixMilli(*sp.LastTimestamp).UTC().Format(time.RFC3339)
			}
			done := ""
			if sp.Completed {
				done = " complete"
			}
			lines = append(lines, fmt.Sprintf("  %s last=%s%s", key, last, done))
		}
	}
	return lines
}
