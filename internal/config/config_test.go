package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketsync/pkg/confkit"
	_ "marketsync/pkg/venue/exchanges/hyperliquid"
	_ "marketsync/pkg/venue/sim"
)

const venueYAML = `
venues:
  simx:
    type: sim
    min_interval: ${SIMX_INTERVAL}
    timeframes: [1h, 1d]
    options:
      instruments: "spot:BTC/USDT,swap:ETH/USDT:USDT"
  simy:
    type: sim
`

func writeConfig(t *testing.T, main string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "venue.yaml"), []byte(venueYAML), 0o600))
	path := filepath.Join(dir, "marketsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(main), 0o600))
	return path
}

func TestLoad_defaultsAndSections(t *testing.T) {
	t.Setenv("SIMX_INTERVAL", "25ms")
	t.Setenv("TEST_PG_DSN", "postgres://u:p@localhost:5432/md?sslmode=disable")
	path := writeConfig(t, `
Env: dev
Postgres:
  DSN: ${TEST_PG_DSN}
Venue:
  File: venue.yaml
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.Env)
	assert.Equal(t, DriverPostgres, cfg.Storage.Driver)
	assert.Equal(t, "postgres://u:p@localhost:5432/md?sslmode=disable", cfg.Postgres.DSN)
	assert.Equal(t, 10, cfg.Postgres.MaxOpen)
	assert.Equal(t, 2000, cfg.Ingest.BatchLimit)
	assert.Equal(t, 5, cfg.Ingest.PersistRetries)
	assert.Equal(t, 3, cfg.Ingest.ListRetries)
	assert.Equal(t, 4, cfg.Ingest.Parallelism)
	assert.Equal(t, "now", cfg.Ingest.Horizon)
	assert.Equal(t, "default", cfg.Checkpoint.Identity)

	assert.Equal(t, path, cfg.MainPath())
	assert.Equal(t, filepath.Dir(path), cfg.BaseDir())
	assert.Equal(t, filepath.Join(filepath.Dir(path), "data", "checkpoint.json"), cfg.CheckpointPath())

	require.NotNil(t, cfg.Venue.Value)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "venue.yaml"), cfg.Venue.File)
	simx := cfg.Venue.Value.Venues["simx"]
	require.NotNil(t, simx)
	assert.Equal(t, 25*time.Millisecond, simx.MinInterval)

	names, err := cfg.SelectedVenues()
	require.NoError(t, err)
	assert.Equal(t, []string{"simx", "simy"}, names)
}

func TestLoad_absentSectionsTakeDefaults(t *testing.T) {
	path := writeConfig(t, "Storage:\n  Driver: memory\nVenue:\n  File: venue.yaml\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "data/checkpoint.json", cfg.Checkpoint.Path)
	assert.Equal(t, "default", cfg.Checkpoint.Identity)
	assert.False(t, cfg.Checkpoint.Redis)
	assert.Equal(t, "now", cfg.Ingest.Horizon)
	assert.Equal(t, 2000, cfg.Ingest.BatchLimit)
	assert.Equal(t, 4, cfg.Ingest.Parallelism)
	assert.Equal(t, 10, cfg.Postgres.MaxOpen)
	assert.Equal(t, 10, cfg.ClickHouse.MaxOpenConns)
	assert.Equal(t, 5*time.Second, cfg.ClickHouse.PingTimeout)

	path = writeConfig(t, "Postgres:\n  DSN: postgres://localhost/md\nVenue:\n  File: venue.yaml\n")
	cfg, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, DriverPostgres, cfg.Storage.Driver)
}

func TestLoad_ingestSection(t *testing.T) {
	path := writeConfig(t, `
Storage:
  Driver: memory
Ingest:
  Venues: [simy, simx, simy]
  Timeframes: [1d, 1h]
  Horizon: "2024-01-31"
  BatchLimit: 500
  Parallelism: 2
  RecheckCompleted: true
Venue:
  File: venue.yaml
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.IsTestEnv())

	names, err := cfg.SelectedVenues()
	require.NoError(t, err)
	assert.Equal(t, []string{"simx", "simy"}, names)

	ic, err := cfg.IngestConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"1d", "1h"}, ic.Timeframes)
	assert.Equal(t, 500, ic.BatchLimit)
	assert.Equal(t, 2, ic.Parallelism)
	assert.True(t, ic.RecheckCompleted)
	assert.Equal(t, time.Date(2024, 1, 31, 23, 59, 59, int(999*time.Millisecond), time.UTC), ic.Horizon)
}

func TestValidate(t *testing.T) {
	t.Setenv("SIMX_INTERVAL", "")
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "postgres needs dsn",
			body: "Venue:\n  File: venue.yaml\n",
			want: "postgres.dsn is required",
		},
		{
			name: "clickhouse needs dsn",
			body: "Storage:\n  Driver: clickhouse\nVenue:\n  File: venue.yaml\n",
			want: "clickhouse.dsn is required",
		},
		{
			name: "venue section required",
			body: "Storage:\n  Driver: memory\n",
			want: "venue section is required",
		},
		{
			name: "bad timeframe",
			body: "Storage:\n  Driver: memory\nIngest:\n  Timeframes: [7m]\nVenue:\n  File: venue.yaml\n",
			want: "unsupported timeframe",
		},
		{
			name: "bad horizon",
			body: "Storage:\n  Driver: memory\nIngest:\n  Horizon: yesterday\nVenue:\n  File: venue.yaml\n",
			want: "invalid horizon",
		},
		{
			name: "unknown venue",
			body: "Storage:\n  Driver: memory\nIngest:\n  Venues: [nope]\nVenue:\n  File: venue.yaml\n",
			want: "unknown venue",
		},
		{
			name: "redis mirror needs host",
			body: "Storage:\n  Driver: memory\nCheckpoint:\n  Redis: true\nVenue:\n  File: venue.yaml\n",
			want: "checkpoint.redis requires redis.host",
		},
		{
			name: "bad env",
			body: "Env: staging\nStorage:\n  Driver: memory\nVenue:\n  File: venue.yaml\n",
			want: "env must be one of",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseHorizon(t *testing.T) {
	zero, err := ParseHorizon("now")
	require.NoError(t, err)
	assert.True(t, zero.IsZero())

	zero, err = ParseHorizon("  ")
	require.NoError(t, err)
	assert.True(t, zero.IsZero())

	ts, err := ParseHorizon("2024-03-01T12:00:00+02:00")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), ts)

	day, err := ParseHorizon("2024-03-01")
	require.NoError(t, err)
	assert.Equal(t, int64(1709337599999), day.UnixMilli())

	_, err = ParseHorizon("03/01/2024")
	require.Error(t, err)
}

func TestApplyOverrides(t *testing.T) {
	path := writeConfig(t, "Storage:\n  Driver: memory\nVenue:\n  File: venue.yaml\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	require.NoError(t, cfg.ApplyOverrides("simy, simy", "1d;4h", "2024-02-01T00:00:00Z"))
	assert.Equal(t, []string{"simy"}, cfg.Ingest.Venues)
	assert.Equal(t, []string{"1d", "4h"}, cfg.Ingest.Timeframes)
	assert.Equal(t, "2024-02-01T00:00:00Z", cfg.Ingest.Horizon)

	require.NoError(t, cfg.ApplyOverrides("", "", ""))
	assert.Equal(t, []string{"simy"}, cfg.Ingest.Venues)

	assert.ErrorContains(t, cfg.ApplyOverrides("", "9x", ""), "unsupported timeframe")
	assert.ErrorContains(t, cfg.ApplyOverrides("ghost", "1h", ""), "unknown venue")
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, SplitList(" a,b;;c a "))
	assert.Empty(t, SplitList(""))
}

func TestShippedConfig(t *testing.T) {
	t.Setenv("MARKETSYNC_ENV", "dev")
	t.Setenv("POSTGRES_DSN", "postgres://u:p@localhost:5432/marketsync?sslmode=disable")

	cfg, err := Load(confkit.MustProjectPath("etc/marketsync.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.Env)
	assert.Equal(t, DriverPostgres, cfg.Storage.Driver)
	assert.Equal(t, []string{"1h", "4h", "1d"}, cfg.Ingest.Timeframes)
	names, err := cfg.SelectedVenues()
	require.NoError(t, err)
	assert.Equal(t, []string{"hyperliquid", "sim"}, names)

	hl := cfg.Venue.Value.Venues["hyperliquid"]
	require.NotNil(t, hl)
	assert.Equal(t, 250*time.Millisecond, hl.MinInterval)
	assert.True(t, hl.SymbolAllowed("btc/usdc:usdc"))
	assert.False(t, hl.SymbolAllowed("DOGE/USDC:USDC"))
}
