// Command progress prints the checkpoint record without touching it.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/zeromicro/go-zero/core/stores/redis"

	"marketsync/internal/cache"
	"marketsync/internal/cli"
	"marketsync/internal/config"
	"marketsync/pkg/checkpoint"
)

var (
	configFile = flag.String("f", "etc/marketsync.yaml", "the config file")
	fromRedis  = flag.Bool("redis", false, "read the Redis mirror instead of the checkpoint file")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(2)
	}

	var store checkpoint.Store = checkpoint.NewFileStore(cfg.CheckpointPath())
	source := cfg.CheckpointPath()
	if *fromRedis {
		rds, err := redis.NewRedis(cfg.Redis)
		if err != nil {
			fmt.Fprintf(os.Stderr, "redis: %v\n", err)
			os.Exit(1)
		}
		key := cache.CheckpointKey(cfg.Checkpoint.Identity)
		store = checkpoint.NewRedisStore(rds, key)
		source = "redis:" + key
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rec, err := store.Load(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load checkpoint: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Checkpoint: %s\n", source)
	for _, line := range cli.ProgressLines(rec) {
		fmt.Println(line)
	}
}
