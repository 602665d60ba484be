package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"whatsapp-bridge/internal/app"
	"whatsapp-bridge/internal/config"
	"whatsapp-bridge/internal/repository"
	"whatsapp-bridge/internal/session"
	"whatsapp-bridge/internal/usecase"
)

func newAgentConversationCmd() *cobra.Command {
	var (
		agent, customer         string
		agentReal, customerReal string
		message, contentSID     string
		vars                    map[string]string
	)
	cmd := &cobra.Command{
		Use:   "agent-conversation",
		Short: "Open (or reuse) a conversation between an agent and a customer",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := loadEnv(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			bridge, err := app.NewBridge(e.client, e.cfg, e.logger)
			if err != nil {
				return err
			}

			res, ok := bridge.StartAgentConversation(cmd.Context(), usecase.StartAgentConversationInput{
				Sender:               agent,
				Receiver:             customer,
				AgentRealNumber:      agentReal,
				OtherPartyRealNumber: customerReal,
			})
			if !ok {
				return fail(cmd, "conversation could not be started")
			}
			status := "✓ Conversation created"
			if res.Existing {
				status = "✓ Active conversation reused"
			}
			fmt.Fprintln(cmd.OutOrStdout(), successStyle.Render(status))
			printField(cmd, "sid", res.Conversation.SID)
			printField(cmd, "name", res.Conversation.FriendlyName)

			switch {
			case contentSID != "":
				if _, ok := bridge.SendAgentContentTemplate(cmd.Context(), res.Conversation.SID, contentSID, vars, agent); !ok {
					return fail(cmd, "content template not sent")
				}
				fmt.Fprintln(cmd.OutOrStdout(), successStyle.Render("✓ Content template sent"))
			case message != "":
				if _, ok := bridge.SendAgentMessage(cmd.Context(), res.Conversation.SID, message, agent); !ok {
					return fail(cmd, "message not sent")
				}
				fmt.Fprintln(cmd.OutOrStdout(), successStyle.Render("✓ Message sent"))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&agent, "agent", "", "agent WhatsApp number")
	cmd.Flags().StringVar(&customer, "customer", "", "customer WhatsApp number")
	cmd.Flags().StringVar(&agentReal, "agent-real", "", "agent number used to look up existing conversations")
	cmd.Flags().StringVar(&customerReal, "customer-real", "", "customer number used to look up existing conversations")
	cmd.Flags().StringVarP(&message, "message", "m", "", "first message posted by the agent")
	cmd.Flags().StringVar(&contentSID, "content-sid", "", "content template posted by the agent instead of a message")
	cmd.Flags().StringToStringVar(&vars, "var", nil, "content template variable (repeatable, key=value)")
	_ = cmd.MarkFlagRequired("agent")
	_ = cmd.MarkFlagRequired("customer")
	return cmd
}

func newSendCmd() *cobra.Command {
	var to, message string
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a WhatsApp message from the business number",
		Long: `Send a WhatsApp message from the business number.

The message may be plain text or a JSON envelope such as
{"contentSid":"HX...","contentVariables":{"1":"Ana"}}.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := loadEnv(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			messenger, err := app.NewMessenger(e.client, e.cfg, e.logger)
			if err != nil {
				return err
			}
			sent, ok := messenger.SendTextMessage(cmd.Context(), e.cfg.Carrier.WhatsAppNumber, to, message, nil)
			if !ok {
				return fail(cmd, "message not sent")
			}
			fmt.Fprintln(cmd.OutOrStdout(), successStyle.Render("✓ Message sent"))
			printField(cmd, "sid", sent.SID)
			printField(cmd, "status", sent.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "recipient WhatsApp number")
	cmd.Flags().StringVarP(&message, "message", "m", "", "message text or JSON envelope")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("message")
	return cmd
}

func newContentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "content <content-sid>",
		Short: "Show a content template and its variables",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			bridge, err := app.NewBridge(e.client, e.cfg, e.logger)
			if err != nil {
				return err
			}
			tpl, ok := bridge.GetContentTemplate(cmd.Context(), args[0])
			if !ok {
				return fail(cmd, "content template not found")
			}
			fmt.Fprintln(cmd.OutOrStdout(), successStyle.Render("✓ "+tpl.FriendlyName))
			printField(cmd, "sid", tpl.SID)
			printField(cmd, "language", tpl.Language)
			keys := make([]string, 0, len(tpl.Variables))
			for k := range tpl.Variables {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				printField(cmd, "{{"+k+"}}", tpl.Variables[k])
			}
			return nil
		},
	}
}

func newSweepCmd() *cobra.Command {
	var agent string
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete conversations and users past the retention window",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := loadEnv(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			sweeper, err := app.NewSweeper(e.client, e.cfg, e.logger)
			if err != nil {
				return err
			}
			report, err := sweeper.Sweep(cmd.Context(), usecase.SweepInput{Agent: strings.TrimSpace(agent)})
			if err != nil {
				return fail(cmd, "sweep interrupted: "+err.Error())
			}
			fmt.Fprintln(cmd.OutOrStdout(), successStyle.Render("✓ Sweep finished"))
			printField(cmd, "users scanned", fmt.Sprint(report.UsersScanned))
			printField(cmd, "conversations deleted", fmt.Sprint(report.ConversationsDeleted))
			printField(cmd, "users deleted", fmt.Sprint(report.UsersDeleted))
			printField(cmd, "failures", fmt.Sprint(report.Failures))
			return nil
		},
	}
	cmd.Flags().StringVar(&agent, "agent", "", "identity to protect from deletion (defaults to WHATSAPP_AGENT_NAME)")
	return cmd
}

func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect or reset stored webhook sessions",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "clear <session-key>",
		Short: "Forget every conversation stored under a session key",
		Long: `Forget every conversation stored under a session key.

The key is the value carried by the wa_session cookie; the server logs it at
debug level for each inbound message. Only shared backends (dynamodb://, sqlite://) are reachable
from here; a memory:// store lives inside the server process.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			store, closeStore, err := repository.Open(cmd.Context(), cfg.Session.StoreURL, cfg.Session.TTL)
			if err != nil {
				return err
			}
			defer func() { _ = closeStore() }()

			correlator, err := session.NewCorrelator(store)
			if err != nil {
				return err
			}
			if err := correlator.Clear(cmd.Context(), args[0]); err != nil {
				return fail(cmd, "session not cleared: "+err.Error())
			}
			fmt.Fprintln(cmd.OutOrStdout(), successStyle.Render("✓ Session cleared"))
			printField(cmd, "key", args[0])
			printField(cmd, "store", cfg.Session.StoreURL)
			return nil
		},
	})
	return cmd
}
