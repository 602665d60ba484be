package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"whatsapp-bridge/handler"
	"whatsapp-bridge/internal/app"
	"whatsapp-bridge/internal/config"
	"whatsapp-bridge/internal/hookguard"
	"whatsapp-bridge/internal/repository"
	"whatsapp-bridge/internal/session"
	"whatsapp-bridge/internal/signature"
	"whatsapp-bridge/internal/telemetry"
	"whatsapp-bridge/internal/usecase"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := godotenv.Load(); err != nil {
		slog.Warn("no .env file loaded, using process environment", "err", err)
	}
	if err := run(ctx); err != nil {
		stop()
		slog.Error("whatsapp bridge stopped", "err", err)
		os.Exit(1)
	}
}

// run owns every resource it opens, so its defers run before main exits.
func run(ctx context.Context) error {
	// ---- Configuration (read only here) ----
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, closeLog, err := telemetry.NewLogger(cfg.Log.Level, cfg.Log.File)
	if err != nil {
		return fmt.Errorf("set up logging: %w", err)
	}
	defer closeLog()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry.Dir)
	if err != nil {
		return fmt.Errorf("set up telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			logger.Error("telemetry shutdown failed", "err", err)
		}
	}()

	// ---- Carrier ----
	creds, err := app.Credentials(ctx, cfg.Carrier)
	if err != nil {
		return fmt.Errorf("resolve carrier credentials: %w", err)
	}

	// ---- Sessions ----
	store, closeStore, err := repository.Open(ctx, cfg.Session.StoreURL, cfg.Session.TTL)
	if err != nil {
		return fmt.Errorf("open session store %q: %w", cfg.Session.StoreURL, err)
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Error("session store close failed", "err", err)
		}
	}()
	correlator, err := session.NewCorrelator(store)
	if err != nil {
		return fmt.Errorf("create session correlator: %w", err)
	}
	secret := cfg.Session.CookieSecret
	if secret == "" {
		logger.Warn("SESSION_COOKIE_SECRET not set, signing session cookies with the carrier auth token")
		secret = creds.AuthToken
	}

	// ---- Business handler ----
	business, err := usecase.NewRegistry().Resolve(cfg.Hooks.Handler)
	if err != nil {
		return fmt.Errorf("resolve business handler %q: %w", cfg.Hooks.Handler, err)
	}
	receiver, err := usecase.NewReceiver(business, logger)
	if err != nil {
		return fmt.Errorf("create receiver: %w", err)
	}

	var followup handler.FollowupSender
	if cfg.Hooks.LateReplyFollowup {
		client, err := app.CarrierClient(creds, cfg.Carrier)
		if err != nil {
			return fmt.Errorf("create carrier client: %w", err)
		}
		messenger, err := app.NewMessenger(client, cfg, logger)
		if err != nil {
			return fmt.Errorf("create messenger: %w", err)
		}
		followup = messenger
	}

	// ---- Handler ----
	guard := hookguard.New(cfg.Hooks.GuardTimeout, hookguard.Result{}, logger)
	guard.HandlerBudget = cfg.Hooks.HandlerBudget

	h, err := handler.NewHandler(handler.Deps{
		Processor: receiver,
		Sessions:  correlator,
		Cookies:   session.NewCookies(secret, cfg.Session.TTL, cfg.Server.Protocol == "https"),
		Guard:     guard,
		AuthToken: creds.AuthToken,
		ExternalURL: signature.ExternalURL{
			Protocol: cfg.Server.Protocol,
			Host:     cfg.Server.Host,
			Port:     cfg.Server.Port,
		},
		Followup: followup,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("create handler: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           h.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	logger.Info("whatsapp bridge listening", "addr", cfg.Server.Addr, "handler", cfg.Hooks.Handler)
	if err := runServer(ctx, srv); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	logger.Info("whatsapp bridge stopped")
	return nil
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
