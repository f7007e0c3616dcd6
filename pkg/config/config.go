package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the trade bridge.
type Config struct {
	Port string

	// Broker gateway
	GatewayURL        string
	ClientIDBase      int
	ClientIDOffset    int
	IdentityRetries   int
	MinServerVersion  int
	ConnectTimeout    time.Duration
	ReconnectBase     time.Duration
	ReconnectCap      time.Duration
	OutboundRatePerSec float64

	// Risk limits
	MaxOrderQty        float64
	MaxNotional        float64
	MinPrice           float64
	MaxOrdersPerMinute int

	// Reconciliation
	SettleWindow          time.Duration
	ReconcileInterval     time.Duration
	PendingParentStatuses []string

	// Exit plans
	ExitPolicyPath string

	// Database
	DBPath string

	// Operator API
	JWTSecret   string
	OperatorKey string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		Port:               getEnv("PORT", "8090"),
		GatewayURL:         getEnv("GATEWAY_URL", "ws://127.0.0.1:7497/ws"),
		ClientIDBase:       getEnvInt("CLIENT_ID_BASE", 1),
		ClientIDOffset:     getEnvInt("CLIENT_ID_OFFSET", 0),
		IdentityRetries:    getEnvInt("CLIENT_ID_RETRIES", 5),
		MinServerVersion:   getEnvInt("MIN_SERVER_VERSION", 100),
		ConnectTimeout:     getEnvDuration("CONNECT_TIMEOUT", 10*time.Second),
		ReconnectBase:      getEnvDuration("RECONNECT_BASE", 2*time.Second),
		ReconnectCap:       getEnvDuration("RECONNECT_CAP", 5*time.Minute),
		OutboundRatePerSec: getEnvFloat("OUTBOUND_RATE_PER_SEC", 40),

		MaxOrderQty:        getEnvFloat("MAX_ORDER_QTY", 1000),
		MaxNotional:        getEnvFloat("MAX_NOTIONAL", 50000),
		MinPrice:           getEnvFloat("MIN_PRICE", 1.0),
		MaxOrdersPerMinute: getEnvInt("MAX_ORDERS_PER_MINUTE", 10),

		SettleWindow:          getEnvDuration("SETTLE_WINDOW", 3*time.Second),
		ReconcileInterval:     getEnvDuration("RECONCILE_INTERVAL", 30*time.Minute),
		PendingParentStatuses: splitAndTrim(getEnv("PENDING_PARENT_STATUSES", "PendingSubmit,PreSubmitted,Submitted")),

		ExitPolicyPath: getEnv("EXIT_POLICY_PATH", "./config/exit_policy.yaml"),

		DBPath: getEnv("DB_PATH", "./data/tradebridge.db"),

		JWTSecret:   getEnv("JWT_SECRET", "dev-secret"),
		OperatorKey: getEnv("OPERATOR_KEY", ""),
	}, nil
}

// AccountMode infers paper/live from the configured gateway endpoint.
// Convention follows the gateway's port scheme: 7497/4002 are paper ports.
func (c *Config) AccountMode() string {
	if strings.Contains(c.GatewayURL, ":7497") || strings.Contains(c.GatewayURL, ":4002") {
		return "paper"
	}
	return "live"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
