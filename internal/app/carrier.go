// Package app assembles the carrier client and usecases shared by the entry points.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"

	"whatsapp-bridge/internal/config"
	"whatsapp-bridge/internal/integrations/paramstore"
	"whatsapp-bridge/internal/integrations/twilio"
	"whatsapp-bridge/internal/usecase"
)

// Credentials returns the carrier credentials from the environment, or from
// Parameter Store when only TWILIO_PARAM_NAME is set.
func Credentials(ctx context.Context, cfg config.CarrierConfig) (twilio.Credentials, error) {
	if err := cfg.Validate(); err != nil {
		return twilio.Credentials{}, err
	}
	if cfg.HasStaticCredentials() {
		return twilio.Credentials{AccountSID: cfg.AccountSID, AuthToken: cfg.AuthToken}, nil
	}
	ps, err := paramstore.NewFromConfig(ctx)
	if err != nil {
		return twilio.Credentials{}, fmt.Errorf("create parameter store client: %w", err)
	}
	return twilio.CredentialsFromParamStore(ctx, ps, cfg.ParamName)
}

// CarrierClient builds a REST client traced through the global tracer provider.
func CarrierClient(creds twilio.Credentials, cfg config.CarrierConfig) (*twilio.Client, error) {
	opts := []twilio.Option{twilio.WithTracerProvider(otel.GetTracerProvider())}
	if cfg.APIBaseURL != "" {
		opts = append(opts, twilio.WithBaseURL(cfg.APIBaseURL))
	}
	return twilio.NewClient(creds, opts...)
}

func NewBridge(api usecase.ConversationAPI, cfg *config.Config, logger *slog.Logger) (*usecase.Bridge, error) {
	return usecase.NewBridge(api, usecase.BridgeConfig{
		ProxyNumber:   cfg.Carrier.WhatsAppNumber,
		InactiveTimer: cfg.Bridge.InactiveTimer,
		ClosedTimer:   cfg.Bridge.ClosedTimer,
	}, logger)
}

func NewSweeper(api usecase.UserAPI, cfg *config.Config, logger *slog.Logger) (*usecase.Sweeper, error) {
	return usecase.NewSweeper(api, usecase.SweeperConfig{
		RetentionDays: cfg.Sweep.RetentionDays,
		Concurrency:   cfg.Sweep.Concurrency,
		EvaluateFirst: cfg.Sweep.EvaluateFirst,
		DefaultAgent:  cfg.Bridge.AgentName,
		MeterProvider: otel.GetMeterProvider(),
	}, logger)
}

func NewMessenger(sender usecase.MessageSender, cfg *config.Config, logger *slog.Logger) (*usecase.Messenger, error) {
	return usecase.NewMessenger(sender, cfg.Carrier.WhatsAppNumber, usecase.JSONRenderer{}, logger)
}
