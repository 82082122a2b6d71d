// Command onion-grater is a filtering reverse-proxy in front of a Tor-style
// controller: it authenticates to the controller on behalf of clients,
// identifies each client by OS-level attributes, selects a per-client
// policy, and relays only the operations that policy permits.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/nabijaczleweli/onion-grater/internal/config"
	"github.com/nabijaczleweli/onion-grater/internal/policy"
	"github.com/nabijaczleweli/onion-grater/internal/server"
	"github.com/nabijaczleweli/onion-grater/internal/telemetry"
)

var version = "dev"

func main() {
	os.Exit(run(os.Args))
}

func run(args []string) int {
	progName := "onion-grater"
	if len(args) > 0 {
		progName = args[0]
	}

	cfg, err := config.Parse(progName, args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			fmt.Printf("onion-grater version %s\n", version)
			return 0
		}
		log.Printf("%v", err)
		return 2
	}

	stdlog := log.New(os.Stderr, "", log.LstdFlags)
	logger := telemetry.NewLogger(stdlog, cfg.Debug)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics, err := telemetry.NewMetrics(ctx, cfg.Debug)
	if err != nil {
		log.Printf("telemetry setup failed: %v", err)
		return 1
	}
	defer metrics.Shutdown(context.Background())

	store, err := policy.Load(cfg.PolicyDir, func(path string, err error) {
		logger.Event("policy.load_skipped", "path", path, "err", err.Error())
	})
	if err != nil {
		log.Printf("failed to load policy directory %s: %v", cfg.PolicyDir, err)
		return 1
	}

	srv := server.New(cfg, store, logger, metrics)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run() }()

	select {
	case <-sigCh:
		logger.Event("server.shutdown", "reason", "signal")
		return 0
	case err := <-errCh:
		log.Printf("server stopped: %v", err)
		return 1
	}
}
