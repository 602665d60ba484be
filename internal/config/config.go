package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config aggregates every setting of the bridge processes.
type Config struct {
	Server    ServerConfig
	Carrier   CarrierConfig
	Session   SessionConfig
	Hooks     HookConfig
	Bridge    BridgeConfig
	Sweep     SweepConfig
	Log       LogConfig
	Telemetry TelemetryConfig
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}
	session, err := loadSessionConfig()
	if err != nil {
		return nil, err
	}
	hooks, err := loadHookConfig()
	if err != nil {
		return nil, err
	}
	sweep, err := loadSweepConfig()
	if err != nil {
		return nil, err
	}
	logCfg, err := loadLogConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:  server,
		Carrier: loadCarrierConfig(),
		Session: session,
		Hooks:   hooks,
		Bridge: BridgeConfig{
			AgentName:     getEnvOrDefault("WHATSAPP_AGENT_NAME", "AGENT"),
			InactiveTimer: getEnvOrDefault("CONVERSATION_INACTIVE_TIMER", "PT10M"),
			ClosedTimer:   getEnvOrDefault("CONVERSATION_CLOSED_TIMER", "PT36000S"),
		},
		Sweep:     sweep,
		Log:       logCfg,
		Telemetry: TelemetryConfig{Dir: strings.TrimSpace(os.Getenv("TELEMETRY_DIR"))},
	}, nil
}

// ServerConfig describes the HTTP listener and the public URL the carrier signs.
type ServerConfig struct {
	Addr     string
	Protocol string
	Host     string
	Port     string
}

func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}
	var addr string
	switch {
	case strings.Contains(port, ":"):
		addr = port
	case strings.Contains(port, " "):
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	default:
		addr = ":" + port
	}

	protocol := strings.ToLower(getEnvOrDefault("SERVER_PROTOCOL", "https"))
	if protocol != "http" && protocol != "https" {
		return ServerConfig{}, fmt.Errorf("invalid SERVER_PROTOCOL value: %q", protocol)
	}
	host := strings.TrimSpace(os.Getenv("SERVER_HOST"))
	externalPort := strings.TrimSpace(os.Getenv("SERVER_PORT"))
	if externalPort != "" && strings.Contains(host, ":") {
		return ServerConfig{}, fmt.Errorf("invalid SERVER_HOST value: %q already carries a port, unset SERVER_PORT", host)
	}
	return ServerConfig{
		Addr:     addr,
		Protocol: protocol,
		Host:     host,
		Port:     externalPort,
	}, nil
}

// CarrierConfig holds the Twilio account and the business WhatsApp number.
type CarrierConfig struct {
	AccountSID     string
	AuthToken      string
	ParamName      string
	WhatsAppNumber string
	APIBaseURL     string
}

func loadCarrierConfig() CarrierConfig {
	return CarrierConfig{
		AccountSID:     strings.TrimSpace(os.Getenv("TWILIO_ACCOUNT_SID")),
		AuthToken:      strings.TrimSpace(os.Getenv("TWILIO_AUTH_TOKEN")),
		ParamName:      strings.TrimSpace(os.Getenv("TWILIO_PARAM_NAME")),
		WhatsAppNumber: strings.TrimSpace(os.Getenv("TWILIO_WHATSAPP_NUMBER")),
		APIBaseURL:     strings.TrimSpace(os.Getenv("TWILIO_API_BASE_URL")),
	}
}

// HasStaticCredentials reports whether credentials come from the environment.
func (c CarrierConfig) HasStaticCredentials() bool {
	return c.AccountSID != "" && c.AuthToken != ""
}

// Validate requires credentials from either the environment or Parameter Store.
func (c CarrierConfig) Validate() error {
	if !c.HasStaticCredentials() && c.ParamName == "" {
		return errors.New("carrier credentials missing: set TWILIO_ACCOUNT_SID and TWILIO_AUTH_TOKEN, or TWILIO_PARAM_NAME")
	}
	return nil
}

type SessionConfig struct {
	CookieSecret string
	StoreURL     string
	TTL          time.Duration
}

func loadSessionConfig() (SessionConfig, error) {
	ttl, err := parseDurationEnv("SESSION_TTL", 15*time.Minute)
	if err != nil {
		return SessionConfig{}, err
	}
	if ttl <= 0 {
		return SessionConfig{}, fmt.Errorf("invalid SESSION_TTL value: %s", ttl)
	}
	return SessionConfig{
		CookieSecret: strings.TrimSpace(os.Getenv("SESSION_COOKIE_SECRET")),
		StoreURL:     getEnvOrDefault("SESSION_STORE_URL", "memory://"),
		TTL:          ttl,
	}, nil
}

// HookConfig controls business handler selection and the webhook deadline guard.
type HookConfig struct {
	Handler           string
	GuardTimeout      time.Duration
	HandlerBudget     time.Duration
	LateReplyFollowup bool
}

// maxGuardTimeout is the carrier's webhook deadline.
const maxGuardTimeout = 5 * time.Second

func loadHookConfig() (HookConfig, error) {
	timeout, err := parseDurationEnv("HOOK_GUARD_TIMEOUT", 4800*time.Millisecond)
	if err != nil {
		return HookConfig{}, err
	}
	if timeout <= 0 || timeout >= maxGuardTimeout {
		return HookConfig{}, fmt.Errorf("invalid HOOK_GUARD_TIMEOUT value %s: must be between 0 and %s", timeout, maxGuardTimeout)
	}
	budget, err := parseDurationEnv("HOOK_HANDLER_BUDGET", 60*time.Second)
	if err != nil {
		return HookConfig{}, err
	}
	followup, err := parseBoolEnv("LATE_REPLY_FOLLOWUP", false)
	if err != nil {
		return HookConfig{}, err
	}
	return HookConfig{
		Handler:           getEnvOrDefault("WHATSAPP_HANDLER", "echo"),
		GuardTimeout:      timeout,
		HandlerBudget:     budget,
		LateReplyFollowup: followup,
	}, nil
}

type BridgeConfig struct {
	AgentName     string
	InactiveTimer string
	ClosedTimer   string
}

type SweepConfig struct {
	RetentionDays int
	Concurrency   int
	EvaluateFirst bool
}

func loadSweepConfig() (SweepConfig, error) {
	days, err := parseIntEnv("RETENTION_DAYS", 7)
	if err != nil {
		return SweepConfig{}, err
	}
	concurrency, err := parseIntEnv("SWEEP_CONCURRENCY", 4)
	if err != nil {
		return SweepConfig{}, err
	}
	evaluateFirst, err := parseBoolEnv("SWEEP_EVALUATE_FIRST", false)
	if err != nil {
		return SweepConfig{}, err
	}
	if days < 1 || concurrency < 1 {
		return SweepConfig{}, fmt.Errorf("RETENTION_DAYS and SWEEP_CONCURRENCY must be positive, got %d and %d", days, concurrency)
	}
	return SweepConfig{RetentionDays: days, Concurrency: concurrency, EvaluateFirst: evaluateFirst}, nil
}

type LogConfig struct {
	Level slog.Level
	File  string
}

func loadLogConfig() (LogConfig, error) {
	var level slog.Level
	raw := getEnvOrDefault("LOG_LEVEL", "info")
	if err := level.UnmarshalText([]byte(raw)); err != nil {
		return LogConfig{}, fmt.Errorf("invalid LOG_LEVEL value %q: %w", raw, err)
	}
	return LogConfig{Level: level, File: strings.TrimSpace(os.Getenv("LOG_FILE"))}, nil
}

type TelemetryConfig struct {
	// Dir receives rotated trace and metric files; empty disables export.
	Dir string
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}
	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseIntEnv(key string, defaultValue int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

// parseDurationEnv accepts Go durations ("4.8s") or whole milliseconds ("4800").
func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}
	if ms, err := strconv.Atoi(raw); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}
