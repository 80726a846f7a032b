// Courseledger - order, payment, and referral reward ledger for the academy
package main

import (
	"context"
	"os"

	"github.com/kwang-dev/courseledger/internal/config"
	"github.com/kwang-dev/courseledger/internal/logging"
	"github.com/kwang-dev/courseledger/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting courseledger",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"order_ttl_minutes", cfg.OrderTTLMinutes,
		"sweep_interval_sec", cfg.SweepIntervalSec,
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
