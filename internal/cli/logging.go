package cli

import (
	"fmt"
	"strings"

	"github.com/zeromicro/go-zero/core/logx"

	"marketsync/internal/config"
	"marketsync/pkg/confkit"
)

// ConfigSummaryLines returns human readable lines describing the loaded app config.
func ConfigSummaryLines(cfg *config.Config) []string {
	if cfg == nil {
		return []string{"Configuration: <nil>"}
	}

	lines := []string{
		fmt.Sprintf("Environment: %s", cfg.Env),
		fmt.Sprintf("Storage driver: %s", cfg.Storage.Driver),
		fmt.Sprintf("Postgres: %s", presence(cfg.Postgres.DSN != "")),
		fmt.Sprintf("ClickHouse: %s", presence(cfg.ClickHouse.Enabled())),
		fmt.Sprintf("Redis: %s", presence(strings.TrimSpace(cfg.Redis.Host) != "")),
		fmt.Sprintf("Checkpoint: %s (identity %s, redis mirror %s)", cfg.CheckpointPath(), cfg.Checkpoint.Identity, onOff(cfg.Checkpoint.Redis)),
		fmt.Sprintf("Horizon: %s", cfg.Ingest.Horizon),
		fmt.Sprintf("Timeframes: %s", listOrAll(cfg.Ingest.Timeframes)),
		fmt.Sprintf("Venues: %s", listOrAll(cfg.Ingest.Venues)),
		fmt.Sprintf("Batch limit / parallelism: %d / %d", cfg.Ingest.BatchLimit, cfg.Ingest.Parallelism),
		fmt.Sprintf("Metrics: %s", valueOr(cfg.Metrics.Addr, "disabled")),
		sectionLine("Venue config", cfg.Venue),
		fmt.Sprintf("Dotenv: %s", listOr(confkit.LoadedDotenvFiles(), "none")),
	}

	return lines
}

// LogConfigSummary emits the configuration summary using logx.
func LogConfigSummary(cfg *config.Config) {
	lines := ConfigSummaryLines(cfg)
	if len(lines) == 0 {
		return
	}
	logx.Info("configuration summary")
	for _, line := range lines {
		logx.Infof("config • %s", line)
	}
}

func presence(ok bool) string {
	if ok {
		return "configured"
	}
	return "not configured"
}

func onOff(ok bool) string {
	if ok {
		return "on"
	}
	return "off"
}

func valueOr(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

func listOrAll(items []string) string {
	return listOr(items, "all")
}

func listOr(items []string, fallback string) string {
	if len(items) == 0 {
		return fallback
	}
	return strings.Join(items, ",")
}

func sectionLine[T any](name string, section confkit.Section[T]) string {
	switch {
	case strings.TrimSpace(section.File) != "":
		return fmt.Sprintf("%s: %s", name, section.File)
	case section.Value != nil:
		return fmt.Sprintf("%s: inline", name)
	default:
		return fmt.Sprintf("%s: not configured", name)
	}
}
