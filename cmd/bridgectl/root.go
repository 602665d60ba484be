package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"whatsapp-bridge/internal/app"
	"whatsapp-bridge/internal/config"
	"whatsapp-bridge/internal/integrations/twilio"
)

var (
	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	sidStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("62"))
)

// env holds what every subcommand needs to reach the carrier.
type env struct {
	cfg    *config.Config
	client *twilio.Client
	logger *slog.Logger
}

func loadEnv(ctx context.Context, cmd *cobra.Command) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: cfg.Log.Level}))

	creds, err := app.Credentials(ctx, cfg.Carrier)
	if err != nil {
		return nil, err
	}
	client, err := app.CarrierClient(creds, cfg.Carrier)
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, client: client, logger: logger}, nil
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "bridgectl",
		Short: "Operate the WhatsApp bridge from the command line",
		Long: `bridgectl talks to the carrier with the same configuration as the server.

It can open agent conversations, send one-off WhatsApp messages, inspect
content templates, run the retention sweep on demand and reset stored sessions.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newAgentConversationCmd(),
		newSendCmd(),
		newContentCmd(),
		newSweepCmd(),
		newSessionCmd(),
	)
	return root
}

func printField(cmd *cobra.Command, label, value string) {
	fmt.Fprintf(cmd.OutOrStdout(), "   %s %s\n", labelStyle.Render(label+":"), sidStyle.Render(value))
}

func fail(cmd *cobra.Command, msg string) error {
	fmt.Fprintln(cmd.OutOrStdout(), errorStyle.Render("✗ "+msg))
	return errors.New(msg)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
