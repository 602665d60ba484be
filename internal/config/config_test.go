package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{
		"PORT", "SERVER_PROTOCOL", "SERVER_HOST", "SERVER_PORT", "SESSION_TTL", "SESSION_STORE_URL",
		"HOOK_GUARD_TIMEOUT", "HOOK_HANDLER_BUDGET", "LATE_REPLY_FOLLOWUP", "WHATSAPP_HANDLER",
		"RETENTION_DAYS", "SWEEP_CONCURRENCY", "SWEEP_EVALUATE_FIRST", "LOG_LEVEL", "WHATSAPP_AGENT_NAME",
		"CONVERSATION_INACTIVE_TIMER", "CONVERSATION_CLOSED_TIMER",
	} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.Server.Addr)
	require.Equal(t, "https", cfg.Server.Protocol)
	require.Equal(t, "memory://", cfg.Session.StoreURL)
	require.Equal(t, 15*time.Minute, cfg.Session.TTL)
	require.LessOrEqual(t, cfg.Session.TTL, time.Hour)
	require.Equal(t, 4800*time.Millisecond, cfg.Hooks.GuardTimeout)
	require.Equal(t, time.Minute, cfg.Hooks.HandlerBudget)
	require.False(t, cfg.Hooks.LateReplyFollowup)
	require.Equal(t, "echo", cfg.Hooks.Handler)
	require.Equal(t, SweepConfig{RetentionDays: 7, Concurrency: 4}, cfg.Sweep)
	require.Equal(t, slog.LevelInfo, cfg.Log.Level)
	require.Equal(t, BridgeConfig{AgentName: "AGENT", InactiveTimer: "PT10M", ClosedTimer: "PT36000S"}, cfg.Bridge)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "127.0.0.1:9000")
	t.Setenv("SERVER_PROTOCOL", "HTTP")
	t.Setenv("SERVER_HOST", "bot.example.com")
	t.Setenv("SERVER_PORT", "8443")
	t.Setenv("HOOK_GUARD_TIMEOUT", "3000")
	t.Setenv("HOOK_HANDLER_BUDGET", "2m")
	t.Setenv("LATE_REPLY_FOLLOWUP", "true")
	t.Setenv("SWEEP_EVALUATE_FIRST", "1")
	t.Setenv("RETENTION_DAYS", "14")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("TWILIO_ACCOUNT_SID", "AC1")
	t.Setenv("TWILIO_AUTH_TOKEN", "tok")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ServerConfig{Addr: "127.0.0.1:9000", Protocol: "http", Host: "bot.example.com", Port: "8443"}, cfg.Server)
	require.Equal(t, 3*time.Second, cfg.Hooks.GuardTimeout)
	require.Equal(t, 2*time.Minute, cfg.Hooks.HandlerBudget)
	require.True(t, cfg.Hooks.LateReplyFollowup)
	require.True(t, cfg.Sweep.EvaluateFirst)
	require.Equal(t, 14, cfg.Sweep.RetentionDays)
	require.Equal(t, slog.LevelDebug, cfg.Log.Level)
	require.True(t, cfg.Carrier.HasStaticCredentials())
	require.NoError(t, cfg.Carrier.Validate())
}

func TestLoad_InvalidValues(t *testing.T) {
	cases := []struct {
		key, value, wantErr string
	}{
		{"PORT", "80 80", "invalid PORT"},
		{"SERVER_PROTOCOL", "ftp", "invalid SERVER_PROTOCOL"},
		{"HOOK_GUARD_TIMEOUT", "5s", "HOOK_GUARD_TIMEOUT"},
		{"HOOK_GUARD_TIMEOUT", "soon", "HOOK_GUARD_TIMEOUT"},
		{"SESSION_TTL", "-1h", "SESSION_TTL"},
		{"SERVER_HOST", "bot.example.com:8443", "SERVER_HOST"},
		{"LATE_REPLY_FOLLOWUP", "maybe", "LATE_REPLY_FOLLOWUP"},
		{"RETENTION_DAYS", "week", "RETENTION_DAYS"},
		{"SWEEP_CONCURRENCY", "0", "must be positive"},
		{"LOG_LEVEL", "loud", "LOG_LEVEL"},
	}
	for _, tc := range cases {
		t.Run(tc.key+"="+tc.value, func(t *testing.T) {
			t.Setenv("SERVER_PORT", "8443")
			t.Setenv(tc.key, tc.value)
			_, err := Load()
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestCarrierConfig_Validate(t *testing.T) {
	require.Error(t, CarrierConfig{}.Validate())
	require.Error(t, CarrierConfig{AccountSID: "AC1"}.Validate())
	require.NoError(t, CarrierConfig{ParamName: "/whatsapp-bridge/twilio"}.Validate())
}

func TestLoad_ServerHostWithPort(t *testing.T) {
	t.Setenv("SERVER_HOST", "bot.example.com:8443")
	t.Setenv("SERVER_PORT", "")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "bot.example.com:8443", cfg.Server.Host)
	require.Empty(t, cfg.Server.Port)
}
