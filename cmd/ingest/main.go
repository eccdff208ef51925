package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/zeromicro/go-zero/core/logx"

	"marketsync/internal/cli"
	"marketsync/internal/config"
	"marketsync/internal/metrics"
	"marketsync/internal/svc"
	"marketsync/pkg/ingest"
)

var (
	configFile = flag.String("f", "etc/marketsync.yaml", "the config file")
	venues     = flag.String("venues", "", "comma separated venues to ingest (default: all configured)")
	timeframes = flag.String("timeframes", "", "comma separated timeframes, e.g. 1h,1d (default: config)")
	horizon    = flag.String("horizon", "", "end of range: now, RFC3339 or YYYY-MM-DD (default: config)")
	recheck    = flag.Bool("recheck", false, "re-examine streams and venues already marked complete")
)

func main() {
	flag.Parse()
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 2
	}
	if err := cfg.ApplyOverrides(*venues, *timeframes, *horizon); err != nil {
		fmt.Fprintf(os.Stderr, "flags: %v\n", err)
		return 2
	}
	if *recheck {
		cfg.Ingest.RecheckCompleted = true
	}
	logx.MustSetup(cfg.Log)
	defer logx.Close()
	cli.LogConfigSummary(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sc, err := svc.New(ctx, *cfg)
	if err != nil {
		logx.Errorf("ingest: startup failed: %v", err)
		return 1
	}
	defer sc.Close()

	if sc.Metrics != nil {
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Addr, sc.Registry); err != nil {
				logx.Errorf("metrics: %v", err)
			}
		}()
	}

	ingestCfg, err := cfg.IngestConfig()
	if err != nil {
		logx.Errorf("ingest: %v", err)
		return 2
	}
	orch, err := sc.Orchestrator(ctx, ingestCfg)
	if err != nil {
		logx.Errorf("ingest: startup failed: %v", err)
		return 1
	}

	report, runErr := orch.Run(ctx)
	for _, line := range cli.ReportLines(report) {
		logx.Info(line)
		fmt.Println(line)
	}
	switch {
	case runErr != nil:
		logx.Errorf("ingest: %v", runErr)
		return 1
	case report.Interrupted:
		return 130
	case report.Count(ingest.StatusFailed) > 0:
		return 1
	}
	for _, v := range report.Venues {
		if v.Err != nil {
			return 1
		}
	}
	return 0
}
