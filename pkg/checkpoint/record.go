package checkpoint

import (
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// StreamProgress is the persisted progress of one stream.
type StreamProgress struct {
	LastTimestamp *int64 `json:"last_timestamp,omitempty"` // epoch ms of the last persisted point
	Completed     bool   `json:"completed"`
	LastUpdated   string `json:"last_updated,omitempty"`
}

// VenueProgress groups stream progress under one venue.
type VenueProgress struct {
	Streams     map[string]*StreamProgress `json:"streams"`
	LastUpdated string                     `json:"last_updated,omitempty"`
}

type document struct {
	Exchanges          map[string]*VenueProgress `json:"exchanges"`
	CompletedExchanges []string                  `json:"completed_exchanges"`
	LastUpdated        string                    `json:"last_updated,omitempty"`
	StartTime          string                    `json:"start_time,omitempty"`
	EndTime            string                    `json:"end_time,omitempty"`
}

// Record is the in-memory progress document shared by all units of a run.
// All methods are safe for concurrent use; venues update disjoint subtrees.
type Record struct {
	mu  sync.Mutex
	doc document
}

// New returns an empty record.
func New() *Record {
	return &Record{doc: document{Exchanges: make(map[string]*VenueProgress)}}
}

func stamp(now time.Time) string {
	return now.UTC().Format(time.RFC3339Nano)
}

func (r *Record) venueLocked(venue string) *VenueProgress {
	if r.doc.Exchanges == nil {
		r.doc.Exchanges = make(map[string]*VenueProgress)
	}
	vp, ok := r.doc.Exchanges[venue]
	if !ok || vp == nil {
		vp = &VenueProgress{}
		r.doc.Exchanges[venue] = vp
	}
	if vp.Streams == nil {
		vp.Streams = make(map[string]*StreamProgress)
	}
	return vp
}

func (r *Record) streamLocked(venue, key string) *StreamProgress {
	vp := r.venueLocked(venue)
	sp, ok := vp.Streams[key]
	if !ok || sp == nil {
		sp = &StreamProgress{}
		vp.Streams[key] = sp
	}
	return sp
}

func (r *Record) touchLocked(venue string, now time.Time) {
	ts := stamp(now)
	r.venueLocked(venue).LastUpdated = ts
	r.doc.LastUpdated = ts
}

// Stream returns a copy of the stream's progress.
func (r *Record) Stream(venue, key string) (StreamProgress, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	vp, ok := r.doc.Exchanges[venue]
	if !ok || vp == nil {
		return StreamProgress{}, false
	}
	sp, ok := vp.Streams[key]
	if !ok || sp == nil {
		return StreamProgress{}, false
	}
	out := *sp
	if sp.LastTimestamp != nil {
		v := *sp.LastTimestamp
		out.LastTimestamp = &v
	}
	return out, true
}

// LastTimestamp returns the stream's last persisted timestamp, if any.
func (r *Record) LastTimestamp(venue, key string) *int64 {
	sp, ok := r.Stream(venue, key)
	if !ok {
		return nil
	}
	return sp.LastTimestamp
}

// IsStreamComplete reports whether the stream was marked complete.
func (r *Record) IsStreamComplete(venue, key string) bool {
	sp, ok := r.Stream(venue, key)
	return ok && sp.Completed
}

// MarkBatchComplete records that every point up to lastTS is persisted. The
// stored timestamp never moves backwards.
func (r *Record) MarkBatchComplete(venue, key string, lastTS int64, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sp := r.streamLocked(venue, key)
	if sp.LastTimestamp == nil || lastTS > *sp.LastTimestamp {
		v := lastTS
		sp.LastTimestamp = &v
	}
	sp.LastUpdated = stamp(now)
	r.touchLocked(venue, now)
}

// MarkStreamComplete flags the stream as having reached the horizon.
func (r *Record) MarkStreamComplete(venue, key string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sp := r.streamLocked(venue, key)
	sp.Completed = true
	sp.LastUpdated = stamp(now)
	r.touchLocked(venue, now)
}

// ReopenStream revokes the completion flag, keeping the last timestamp.
func (r *Record) ReopenStream(venue, key string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	vp, ok := r.doc.Exchanges[venue]
	if !ok || vp == nil {
		return
	}
	if sp, ok := vp.Streams[key]; ok && sp != nil && sp.Completed {
		sp.Completed = false
		sp.LastUpdated = stamp(now)
		r.touchLocked(venue, now)
	}
}

// ResetStream forgets all progress of the stream.
func (r *Record) ResetStream(venue, key string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	vp, ok := r.doc.Exchanges[venue]
	if !ok || vp == nil {
		return
	}
	delete(vp.Streams, key)
	r.removeCompletedLocked(venue)
	r.touchLocked(venue, now)
}

// MarkVenueComplete adds the venue to the completed set.
func (r *Record) MarkVenueComplete(venue string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range r.doc.CompletedExchanges {
		if v == venue {
			return
		}
	}
	r.doc.CompletedExchanges = append(r.doc.CompletedExchanges, venue)
	sort.Strings(r.doc.CompletedExchanges)
	r.touchLocked(venue, now)
}

// IsVenueComplete reports whether the venue is in the completed set.
func (r *Record) IsVenueComplete(venue string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range r.doc.CompletedExchanges {
		if v == venue {
			return true
		}
	}
	return false
}

// ReopenVenue removes the venue from the completed set.
func (r *Record) ReopenVenue(venue string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.removeCompletedLocked(venue) {
		r.touchLocked(venue, now)
	}
}

func (r *Record) removeCompletedLocked(venue string) bool {
	for i, v := range r.doc.CompletedExchanges {
		if v == venue {
			r.doc.CompletedExchanges = append(r.doc.CompletedExchanges[:i], r.doc.CompletedExchanges[i+1:]...)
			return true
		}
	}
	return false
}

// Begin stamps the start of a run and clears the previous end time.
func (r *Record) Begin(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.doc.StartTime = stamp(now)
	r.doc.EndTime = ""
	r.doc.LastUpdated = stamp(now)
}

// Finish stamps the end of a run.
func (r *Record) Finish(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.doc.EndTime = stamp(now)
	r.doc.LastUpdated = stamp(now)
}

// Venues lists venues with recorded progress, sorted.
func (r *Record) Venues() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.doc.Exchanges))
	for v := range r.doc.Exchanges {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Streams lists stream keys recorded for a venue, sorted.
func (r *Record) Streams(venue string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	vp, ok := r.doc.Exchanges[venue]
	if !ok || vp == nil {
		return nil
	}
	out := make([]string, 0, len(vp.Streams))
	for k := range vp.Streams {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// CompletedVenues returns a copy of the completed venue set.
func (r *Record) CompletedVenues() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.doc.CompletedExchanges...)
}

// RunWindow returns the recorded start and end of the latest run.
func (r *Record) RunWindow() (start, end string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.StartTime, r.doc.EndTime
}

// Merge folds other into r. The later timestamp of each stream wins;
// completion flags, of streams and of venues, come from whichever side was
// updated more recently, so a stale copy cannot revive a revoked completion.
func (r *Record) Merge(other *Record) {
	if other == nil || other == r {
		return
	}
	other.mu.Lock()
	src := cloneDocument(other.doc)
	other.mu.Unlock()

	otherDone := make(map[string]bool, len(src.CompletedExchanges))
	for _, v := range src.CompletedExchanges {
		otherDone[v] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for venue, ovp := range src.Exchanges {
		if ovp == nil {
			continue
		}
		vp := r.venueLocked(venue)
		for key, osp := range ovp.Streams {
			if osp == nil {
				continue
			}
			sp, ok := vp.Streams[key]
			if !ok || sp == nil {
				vp.Streams[key] = osp
				continue
			}
			if osp.LastTimestamp != nil && (sp.LastTimestamp == nil || *osp.LastTimestamp > *sp.LastTimestamp) {
				sp.LastTimestamp = osp.LastTimestamp
			}
			switch {
			case newer(sp.LastUpdated, osp.LastUpdated):
				sp.Completed = osp.Completed
			case !newer(osp.LastUpdated, sp.LastUpdated):
				sp.Completed = sp.Completed || osp.Completed
			}
			sp.LastUpdated = later(sp.LastUpdated, osp.LastUpdated)
		}
		switch {
		case newer(vp.LastUpdated, ovp.LastUpdated):
			r.setCompletedLocked(venue, otherDone[venue])
		case !newer(ovp.LastUpdated, vp.LastUpdated) && otherDone[venue]:
			r.setCompletedLocked(venue, true)
		}
		vp.LastUpdated = later(vp.LastUpdated, ovp.LastUpdated)
	}
	for venue := range otherDone {
		if _, tracked := src.Exchanges[venue]; !tracked {
			r.setCompletedLocked(venue, true)
		}
	}
	r.doc.LastUpdated = later(r.doc.LastUpdated, src.LastUpdated)
	r.doc.StartTime = later(r.doc.StartTime, src.StartTime)
	r.doc.EndTime = later(r.doc.EndTime, src.EndTime)
}

func (r *Record) setCompletedLocked(venue string, done bool) {
	if !done {
		r.removeCompletedLocked(venue)
		return
	}
	for _, v := range r.doc.CompletedExchanges {
		if v == venue {
			return
		}
	}
	r.doc.CompletedExchanges = append(r.doc.CompletedExchanges, venue)
	sort.Strings(r.doc.CompletedExchanges)
}

// newer reports whether stamp b is strictly more recent than a.
func newer(a, b string) bool {
	return a != b && later(a, b) == b
}

// later returns the more recent RFC3339 stamp. Unparsable values lose to
// parsable ones.
func later(a, b string) string {
	ta, errA := time.Parse(time.RFC3339Nano, a)
	tb, errB := time.Parse(time.RFC3339Nano, b)
	switch {
	case errA != nil && errB != nil:
		if b > a {
			return b
		}
		return a
	case errA != nil:
		return b
	case errB != nil:
		return a
	case tb.After(ta):
		return b
	default:
		return a
	}
}

func cloneDocument(d document) document {
	data, _ := json.Marshal(d)
	var out document
	_ = json.Unmarshal(data, &out)
	return out
}

// MarshalJSON encodes the record under its lock.
func (r *Record) MarshalJSON() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc := r.doc
	if doc.Exchanges == nil {
		doc.Exchanges = map[string]*VenueProgress{}
	}
	if doc.CompletedExchanges == nil {
		doc.CompletedExchanges = []string{}
	}
	return json.Marshal(doc)
}

// UnmarshalJSON replaces the record's content.
func (r *Record) UnmarshalJSON(data []byte) error {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	if doc.Exchanges == nil {
		doc.Exchanges = make(map[string]*VenueProgress)
	}
	for _, vp := range doc.Exchanges {
		if vp != nil && vp.Streams == nil {
			vp.Streams = make(map[string]*StreamProgress)
		}
	}
	r.mu.Lock()
	r.doc = doc
	r.mu.Unlock()
	return nil
}
