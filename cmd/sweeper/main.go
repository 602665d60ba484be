package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"

	"whatsapp-bridge/handler"
	"whatsapp-bridge/internal/app"
	"whatsapp-bridge/internal/config"
	"whatsapp-bridge/internal/telemetry"
)

func main() {
	start, err := setup(context.Background())
	if err != nil {
		slog.Error("sweeper failed to start", "err", err)
		os.Exit(1)
	}
	start()
}

// setup builds the sweep handler and returns the function that hands it to
// the Lambda runtime. Telemetry is flushed on SIGTERM, or right away when
// setup fails after it was initialised.
func setup(ctx context.Context) (start func(), err error) {
	// ---- Configuration (read only here) ----
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	logger, _, err := telemetry.NewLogger(cfg.Log.Level, "")
	if err != nil {
		return nil, fmt.Errorf("set up logging: %w", err)
	}
	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry.Dir)
	if err != nil {
		return nil, fmt.Errorf("set up telemetry: %w", err)
	}
	flush := func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			logger.Error("telemetry shutdown failed", "err", err)
		}
	}
	defer func() {
		if err != nil {
			flush()
		}
	}()

	// ---- Clients ----
	creds, err := app.Credentials(ctx, cfg.Carrier)
	if err != nil {
		return nil, fmt.Errorf("resolve carrier credentials: %w", err)
	}
	client, err := app.CarrierClient(creds, cfg.Carrier)
	if err != nil {
		return nil, fmt.Errorf("create carrier client: %w", err)
	}

	// ---- Handler ----
	sweeper, err := app.NewSweeper(client, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("create sweeper: %w", err)
	}
	h, err := handler.NewSweepHandler(sweeper, logger)
	if err != nil {
		return nil, fmt.Errorf("create handler: %w", err)
	}

	return func() {
		lambda.StartWithOptions(h.Handle, lambda.WithEnableSIGTERM(flush))
	}, nil
}
