// Command token-server runs a cluster flow control token server.
//
//	token-server -config /etc/clusterflow/clusterflow.yaml
//
// Settings under "server" are reloaded when the file changes; every other
// section is read once at startup. Environment variables prefixed with
// CLUSTERFLOW_ override file values, e.g. CLUSTERFLOW_SERVER_PORT=18730.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/vnykmshr/clusterflow/internal/config"
	"github.com/vnykmshr/clusterflow/internal/logging"
	"github.com/vnykmshr/clusterflow/internal/tokenserver"
)

func main() {
	configPath := flag.String("config", "", "path to the configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "token-server: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	app, err := tokenserver.New(cfg, logger)
	if err != nil {
		return err
	}

	// The watching loader logs through the configured logger, so it reads
	// the file a second time.
	loader := config.NewLoader(configPath, logger)
	if _, err := loader.Load(); err != nil {
		return err
	}
	loader.Watch(func(updated *config.Config) {
		if err := app.Settings().Replace(updated.Server); err != nil {
			logger.Error("server settings rejected", zap.Error(err))
		}
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("token server starting",
		zap.Int("port", cfg.Server.Port),
		zap.Strings("namespaces", cfg.Server.Namespaces),
		zap.String("rules", cfg.Rules.Source))
	return app.Run(ctx)
}
