package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"em-agg-sdk/internal/app"
	"em-agg-sdk/internal/config"
	"em-agg-sdk/internal/logging"
	"em-agg-sdk/internal/setups"

	"go.uber.org/zap"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	switch os.Args[1] {
	case "run":
		os.Exit(runCommand(os.Args[2:]))
	case "setups":
		fmt.Println(strings.Join(setups.Names(), "\n"))
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: agg run --setup <name> [flags]")
	fmt.Fprintln(os.Stderr, "       agg setups")
}

func runCommand(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	setupName := fs.String("setup", "", "registered setup to run")
	configPath := fs.String("config", "", "path to yaml settings file")
	username := fs.String("u", "", "exchange username")
	password := fs.String("p", "", "exchange password")
	domain := fs.String("d", "", "exchange HTTP root")
	wsDomain := fs.String("w", "", "exchange WebSocket root")
	simFile := fs.String("i", "", "path to simulation JSON file (uuid, domain_name, web_socket_domain_name)")
	simulationID := fs.String("s", "", "simulation id")
	baseSetupPath := fs.String("base-setup-path", "", "accepted for compatibility; setups are compiled in")
	runOnRedis := fs.Bool("run-on-redis", false, "use the Redis transport instead of the connected session")
	logLevel := fs.String("l", "", "log level (debug, info, warn, error)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *setupName == "" {
		fmt.Fprintln(os.Stderr, "run: --setup is required; known setups:", strings.Join(setups.Names(), ", "))
		return 2
	}
	if *baseSetupPath != "" {
		fmt.Fprintln(os.Stderr, "run: --base-setup-path is ignored; setups are compiled in (see `agg setups`)")
	}

	if err := config.LoadEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}
	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load settings: %v\n", err)
		return 1
	}
	applyFlags(cfg, *username, *password, *domain, *wsDomain, *simulationID, *runOnRedis, *logLevel)
	if *simFile != "" {
		if err := config.ApplySimulationFile(cfg, *simFile); err != nil {
			fmt.Fprintf(os.Stderr, "failed to apply simulation file: %v\n", err)
			return 1
		}
	}
	if cfg.Aggregator.Name == "" {
		cfg.Aggregator.Name = *setupName
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "invalid settings: %v\n", err)
		return 1
	}

	log := logging.New(cfg.Log)
	defer func() { _ = log.Sync() }()

	application, err := app.New(cfg, *setupName, log)
	if err != nil {
		log.Error("failed to initialize session", zap.Error(err))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("session terminated", zap.Error(err))
		return 1
	}
	return 0
}

func applyFlags(cfg *config.Config, username, password, domain, wsDomain, simulationID string, runOnRedis bool, logLevel string) {
	if username != "" {
		cfg.API.Username = username
	}
	if password != "" {
		cfg.API.Password = password
	}
	if domain != "" {
		cfg.API.DomainName = domain
	}
	if wsDomain != "" {
		cfg.API.WebsocketDomainName = wsDomain
	}
	if simulationID != "" {
		cfg.API.SimulationID = simulationID
	}
	if runOnRedis {
		cfg.API.RunOnRedis = true
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
}
