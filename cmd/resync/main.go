// Command resync truncates selected streams and resets their checkpoint so
// the next ingest run refetches them from the listing time.
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
	"marketsync/internal/svc"
	"marketsync/pkg/ingest"
)

var (
	configFile = flag.String("f", "etc/marketsync.yaml", "the config file")
	venues     = flag.String("venues", "", "comma separated venues (default: all configured)")
	timeframes = flag.String("timeframes", "", "comma separated timeframes to reset (default: all)")
	categories = flag.String("categories", "", "comma separated categories to reset (default: all)")
	symbols    = flag.String("symbols", "", "comma separated symbols to reset (default: all)")
	confirm    = flag.Bool("yes", false, "confirm the destructive resync")
)

func main() {
	flag.Parse()
	os.Exit(run())
}

func run() int {
	if !*confirm {
		fmt.Fprintln(os.Stderr, "resync deletes stored rows; pass -yes to confirm")
		return 2
	}
	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 2
	}
	if err := cfg.ApplyOverrides(*venues, "", ""); err != nil {
		fmt.Fprintf(os.Stderr, "flags: %v\n", err)
		return 2
	}
	logx.MustSetup(cfg.Log)
	defer logx.Close()
	cli.LogConfigSummary(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sc, err := svc.New(ctx, *cfg)
	if err != nil {
		logx.Errorf("resync: startup failed: %v", err)
		return 1
	}
	defer sc.Close()

	ingestCfg, err := cfg.IngestConfig()
	if err != nil {
		logx.Errorf("resync: %v", err)
		return 2
	}
	orch, err := sc.Orchestrator(ctx, ingestCfg)
	if err != nil {
		logx.Errorf("resync: startup failed: %v", err)
		return 1
	}
	filter := ingest.ResyncFilter{
		Categories: config.SplitList(*categories),
		Symbols:    config.SplitList(*symbols),
		Timeframes: config.SplitList(*timeframes),
	}
	code := 0
	for _, rt := range orch.Venues {
		reset, err := orch.Resync(ctx, rt, filter)
		for _, id := range reset {
			fmt.Printf("reset %s\n", id)
		}
		if err != nil {
			logx.Errorf("resync: venue=%s: %v", rt.Source.Name(), err)
			code = 1
		}
	}
	return code
}
