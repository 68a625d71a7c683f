// Command verify checks the session prerequisites without starting a
// strategy: it loads the settings, performs the credential exchange (or the
// Redis ping) and lists the aggregators visible to the account.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"em-agg-sdk/internal/config"
	"em-agg-sdk/internal/logging"
	"em-agg-sdk/internal/transport"
	"em-agg-sdk/internal/transport/connected"
	"em-agg-sdk/internal/transport/redisbus"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "path to yaml settings file")
	simFile := flag.String("i", "", "path to simulation JSON file")
	listAggregators := flag.Bool("list", false, "also list the aggregators visible to the account")
	flag.Parse()

	if err := config.LoadEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}
	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		fatal(err)
	}
	if *simFile != "" {
		if err := config.ApplySimulationFile(cfg, *simFile); err != nil {
			fatal(err)
		}
	}
	if cfg.Aggregator.Name == "" {
		cfg.Aggregator.Name = "verify"
	}
	if err := config.Validate(cfg); err != nil {
		fatal(err)
	}
	log := logging.New(cfg.Log)
	defer func() { _ = log.Sync() }()

	var tr transport.Transport
	if cfg.API.RunOnRedis {
		bus, err := redisbus.New(cfg.Redis.URL, log, nil)
		if err != nil {
			fatal(err)
		}
		tr = bus
	} else {
		tr = connected.New(cfg.API, nil, log, nil)
	}
	defer func() { _ = tr.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := tr.Open(ctx); err != nil {
		log.Error("connectivity check failed", zap.Error(err))
		os.Exit(1)
	}
	log.Info("connectivity check passed",
		zap.Bool("run_on_redis", cfg.API.RunOnRedis),
		zap.String("simulation_id", cfg.API.SimulationID))

	if *listAggregators {
		raw, err := tr.Request(ctx, "", "list-aggregators", map[string]any{"type": "LIST"})
		if err != nil {
			log.Error("aggregator listing failed", zap.Error(err))
			os.Exit(1)
		}
		var pretty any
		if err := json.Unmarshal(raw, &pretty); err == nil {
			out, _ := json.MarshalIndent(pretty, "", "  ")
			fmt.Println(string(out))
		} else {
			fmt.Println(string(raw))
		}
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
