// Package metrics exposes ingestion progress as Prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/zeromicro/go-zero/core/logx"

	"marketsync/pkg/ingest"
	"marketsync/pkg/venue"
)

// Recorder implements ingest.Observer using Prometheus.
type Recorder struct {
	batches  *prometheus.CounterVec
	rows     *prometheus.CounterVec
	skipped  *prometheus.CounterVec
	backoffs *prometheus.CounterVec
	slept    *prometheus.CounterVec
	units    *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// New registers the recorder's collectors with reg. A nil reg uses the
// default registerer.
func New(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Recorder{
		batches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketsync_batches_total",
				Help: "Total number of non-empty candle batches fetched",
			},
			[]string{"venue", "timeframe"},
		),
		rows: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketsync_rows_written_total",
				Help: "Total number of rows upserted into storage",
			},
			[]string{"venue"},
		),
		skipped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketsync_points_skipped_total",
				Help: "Total number of incomplete points dropped before storage",
			},
			[]string{"venue"},
		),
		backoffs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketsync_backoffs_total",
				Help: "Total number of backoff sleeps by failure class",
			},
			[]string{"venue", "class"},
		),
		slept: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketsync_backoff_seconds_total",
				Help: "Total time spent in backoff sleeps",
			},
			[]string{"venue", "class"},
		),
		units: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketsync_units_total",
				Help: "Work units finished by outcome",
			},
			[]string{"venue", "status"},
		),
		latency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "marketsync_fetch_duration_seconds",
				Help:    "Duration of candle batch fetches in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"venue"},
		),
	}
}

func (r *Recorder) BatchFetched(venueName, timeframe string, points int, latency time.Duration) {
	r.latency.WithLabelValues(venueName).Observe(latency.Seconds())
	if points > 0 {
		r.batches.WithLabelValues(venueName, timeframe).Inc()
	}
}

func (r *Recorder) RowsWritten(venueName string, rows int) {
	r.rows.WithLabelValues(venueName).Add(float64(rows))
}

func (r *Recorder) PointsSkipped(venueName string, points int) {
	r.skipped.WithLabelValues(venueName).Add(float64(points))
}

func (r *Recorder) BackoffSlept(venueName string, class venue.Class, d time.Duration) {
	r.backoffs.WithLabelValues(venueName, class.String()).Inc()
	r.slept.WithLabelValues(venueName, class.String()).Add(d.Seconds())
}

func (r *Recorder) UnitFinished(venueName string, status ingest.UnitStatus) {
	r.units.WithLabelValues(venueName, status.String()).Inc()
}

var _ ingest.Observer = (*Recorder)(nil)

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer) error {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logx.Infof("metrics: serving on %s/metrics", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
