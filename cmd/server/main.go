// Deferred payment facilitator - settlement batching for x402 agent payments
package main

import (
	"context"
	"os"

	"github.com/deferredpay/facilitator/internal/config"
	"github.com/deferredpay/facilitator/internal/logging"
	"github.com/deferredpay/facilitator/internal/server"
)

// Build info, set by ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting facilitator",
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
		"chain_id", cfg.ChainID,
		"contract_address", cfg.ContractAddress,
	)

	srv, err := server.New(cfg)
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
