package svc

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver
	"github.com/prometheus/client_golang/prometheus"
	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/stores/redis"
	"github.com/zeromicro/go-zero/core/stores/sqlx"

	"marketsync/internal/cache"
	"marketsync/internal/config"
	"marketsync/internal/metrics"
	"marketsync/internal/persistence/candles"
	"marketsync/internal/persistence/chstore"
	"marketsync/pkg/checkpoint"
	"marketsync/pkg/ingest"
	"marketsync/pkg/ingest/memstore"
	"marketsync/pkg/venue"
	_ "marketsync/pkg/venue/exchanges/hyperliquid"
	_ "marketsync/pkg/venue/sim"
)

type ServiceContext struct {
	Config config.Config

	VenueConfig *venue.Config
	Sources     map[string]venue.Source

	// Storage; exactly one backend is populated, selected by Storage.Driver.
	DBConn     sqlx.SqlConn
	ClickHouse *sql.DB
	Memory     *memstore.Store

	Redis       *redis.Redis
	Checkpoints checkpoint.Store

	Metrics  *metrics.Recorder
	Registry *prometheus.Registry
}

// New wires sources, storage and the checkpoint store from c. Storage
// backends that need a server are pinged before returning.
func New(ctx context.Context, c config.Config) (*ServiceContext, error) {
	if !c.Venue.Loaded() {
		return nil, fmt.Errorf("venue config not loaded")
	}
	svc := &ServiceContext{Config: c, VenueConfig: c.Venue.Value}

	// Test environment runs against venue testnets where the adapter has one.
	if c.IsTestEnv() {
		for _, vc := range svc.VenueConfig.Venues {
			vc.Testnet = true
		}
	}
	names, err := c.SelectedVenues()
	if err != nil {
		return nil, err
	}
	svc.Sources = make(map[string]venue.Source, len(names))
	for _, name := range names {
		src, err := svc.VenueConfig.BuildSource(name)
		if err != nil {
			return nil, err
		}
		svc.Sources[name] = src
	}

	switch c.Storage.Driver {
	case config.DriverClickHouse:
		db, err := chstore.Open(ctx, c.ClickHouse)
		if err != nil {
			return nil, err
		}
		svc.ClickHouse = db
	case config.DriverMemory:
		svc.Memory = memstore.New()
	default:
		conn := sqlx.NewSqlConn("pgx", c.Postgres.DSN)
		db, err := conn.RawDB()
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		if c.Postgres.MaxOpen > 0 {
			db.SetMaxOpenConns(c.Postgres.MaxOpen)
		}
		if c.Postgres.MaxIdle > 0 {
			db.SetMaxIdleConns(c.Postgres.MaxIdle)
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			return nil, fmt.Errorf("postgres ping: %w", err)
		}
		svc.DBConn = conn
	}

	var store checkpoint.Store = checkpoint.NewFileStore(c.CheckpointPath())
	switch {
	case svc.Memory != nil:
		// Dry runs never persist progress.
		logx.Infof("svc: memory storage, checkpoint kept in memory instead of %s", c.CheckpointPath())
		store = checkpoint.NewMemoryStore()
	case c.Checkpoint.Redis:
		rds, err := redis.NewRedis(c.Redis)
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		svc.Redis = rds
		store = &checkpoint.Mirror{
			Primary:   store,
			Secondary: checkpoint.NewRedisStore(rds, cache.CheckpointKey(c.Checkpoint.Identity)),
		}
	}
	svc.Checkpoints = store

	if c.Metrics.Addr != "" {
		svc.Registry = prometheus.NewRegistry()
		svc.Metrics = metrics.New(svc.Registry)
	}
	return svc, nil
}

// NewStore returns a storage handle for one venue-processing context.
func (s *ServiceContext) NewStore() ingest.Store {
	switch {
	case s.ClickHouse != nil:
		return chstore.NewStore(s.ClickHouse)
	case s.Memory != nil:
		return s.Memory
	default:
		return candles.NewStore(s.DBConn)
	}
}

// Runtimes pairs every selected venue with its config and a store.
func (s *ServiceContext) Runtimes() []ingest.VenueRuntime {
	out := make([]ingest.VenueRuntime, 0, len(s.Sources))
	for name, src := range s.Sources {
		out = append(out, ingest.VenueRuntime{
			Source: src,
			Config: s.VenueConfig.Venues[name],
			Store:  s.NewStore(),
		})
	}
	return out
}

// Orchestrator loads the progress record and returns a ready orchestrator.
// A checkpoint that cannot be read fails here, before any unit starts.
func (s *ServiceContext) Orchestrator(ctx context.Context, cfg ingest.Config) (*ingest.Orchestrator, error) {
	rec, err := s.Checkpoints.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	o := &ingest.Orchestrator{
		Config:      cfg,
		Venues:      s.Runtimes(),
		Progress:    rec,
		Checkpoints: s.Checkpoints,
	}
	if s.Metrics != nil {
		o.Observer = s.Metrics
	}
	return o, nil
}

func (s *ServiceContext) Close() {
	if s.ClickHouse != nil {
		if err := s.ClickHouse.Close(); err != nil {
			logx.Errorf("svc: close clickhouse: %v", err)
		}
	}
	if s.DBConn != nil {
		if db, err := s.DBConn.RawDB(); err == nil {
			_ = db.Close()
		}
	}
}
