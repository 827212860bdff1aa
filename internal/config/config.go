package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"profitdraw/internal/payout"

	"github.com/shopspring/decimal"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

type StoreConfig struct {
	Backend       string
	DatabaseURL   string
	PGMaxConns    int32
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

type EventsConfig struct {
	NATSURL       string
	Stream        string
	SubjectPrefix string
}

type APIConfig struct {
	Addr            string
	Store           StoreConfig
	Events          EventsConfig
	SupabaseURL     string
	SupabaseAnonKey string
	AdminToken      string
	Payout          payout.Config
}

type WorkerConfig struct {
	Store       StoreConfig
	Events      EventsConfig
	Schedule    string
	RunOnce     bool
	Period      string
	Parallelism int
	MetricsAddr string
	Payout      payout.Config
}

type CLIConfig struct {
	APIBaseURL string
	AdminToken string
}

func LoadAPIFromEnv() (APIConfig, error) {
	addr := os.Getenv("PORT")
	if addr != "" {
		if !strings.HasPrefix(addr, ":") {
			addr = ":" + addr
		}
	} else {
		addr = envDefault("PROFITDRAW_API_ADDR", ":8080")
	}

	cfg := APIConfig{
		Addr:            addr,
		Events:          loadEvents(),
		SupabaseURL:     strings.TrimRight(strings.TrimSpace(os.Getenv("SUPABASE_URL")), "/"),
		SupabaseAnonKey: strings.TrimSpace(os.Getenv("SUPABASE_ANON_KEY")),
		AdminToken:      strings.TrimSpace(os.Getenv("PROFITDRAW_ADMIN_TOKEN")),
	}
	var err error
	if cfg.Store, err = loadStore(); err != nil {
		return cfg, err
	}
	if cfg.Payout, err = loadPayout(); err != nil {
		return cfg, err
	}
	if cfg.SupabaseURL == "" {
		return cfg, fmt.Errorf("SUPABASE_URL is required")
	}
	if cfg.SupabaseAnonKey == "" {
		return cfg, fmt.Errorf("SUPABASE_ANON_KEY is required")
	}
	if len(cfg.AdminToken) < 16 {
		return cfg, fmt.Errorf("PROFITDRAW_ADMIN_TOKEN is required (at least 16 characters)")
	}
	return cfg, nil
}

func LoadWorkerFromEnv() (WorkerConfig, error) {
	cfg := WorkerConfig{
		Events:      loadEvents(),
		Schedule:    envDefault("PROFITDRAW_WORKER_SCHEDULE", "0 0 2 1 * *"),
		RunOnce:     envBoolDefault("PROFITDRAW_WORKER_RUN_ONCE", false),
		Period:      strings.TrimSpace(os.Getenv("PROFITDRAW_WORKER_PERIOD")),
		Parallelism: envIntDefault("PROFITDRAW_WORKER_PARALLELISM", 4),
		MetricsAddr: envDefault("PROFITDRAW_WORKER_METRICS_ADDR", ":9091"),
	}
	var err error
	if cfg.Store, err = loadStore(); err != nil {
		return cfg, err
	}
	if cfg.Payout, err = loadPayout(); err != nil {
		return cfg, err
	}
	if cfg.Period != "" {
		if _, err := payout.ParsePeriod(cfg.Period); err != nil {
			return cfg, fmt.Errorf("PROFITDRAW_WORKER_PERIOD: %w", err)
		}
	}
	if cfg.Parallelism < 1 {
		return cfg, fmt.Errorf("PROFITDRAW_WORKER_PARALLELISM must be >= 1")
	}
	return cfg, nil
}

func LoadCLIFromEnv() CLIConfig {
	return CLIConfig{
		APIBaseURL: strings.TrimRight(envDefault("PDCTL_API_BASE_URL", "http://localhost:8080"), "/"),
		AdminToken: strings.TrimSpace(os.Getenv("PROFITDRAW_ADMIN_TOKEN")),
	}
}

func loadStore() (StoreConfig, error) {
	cfg := StoreConfig{
		Backend:       strings.ToLower(envDefault("PROFITDRAW_STORE", StorePostgres)),
		DatabaseURL:   strings.TrimSpace(os.Getenv("DATABASE_URL")),
		PGMaxConns:    int32(envIntDefault("PROFITDRAW_PG_MAX_CONNS", 20)),
		RedisAddr:     strings.TrimSpace(os.Getenv("PROFITDRAW_REDIS_ADDR")),
		RedisPassword: os.Getenv("PROFITDRAW_REDIS_PASSWORD"),
		RedisDB:       envIntDefault("PROFITDRAW_REDIS_DB", 0),
	}
	switch cfg.Backend {
	case StoreMemory:
	case StorePostgres:
		if cfg.DatabaseURL == "" {
			return cfg, fmt.Errorf("DATABASE_URL is required for the postgres store")
		}
	case StoreRedis:
		if cfg.RedisAddr == "" {
			return cfg, fmt.Errorf("PROFITDRAW_REDIS_ADDR is required for the redis store")
		}
	default:
		return cfg, fmt.Errorf("PROFITDRAW_STORE must be memory, postgres or redis, got %q", cfg.Backend)
	}
	return cfg, nil
}

func loadEvents() EventsConfig {
	return EventsConfig{
		NATSURL:       strings.TrimSpace(os.Getenv("PROFITDRAW_NATS_URL")),
		Stream:        envDefault("PROFITDRAW_EVENTS_STREAM", "PROFITDRAW"),
		SubjectPrefix: strings.TrimSuffix(envDefault("PROFITDRAW_EVENTS_SUBJECT_PREFIX", "profitdraw"), "."),
	}
}

// loadPayout reads the economic parameters. The ticket unit has no default.
func loadPayout() (payout.Config, error) {
	var cfg payout.Config
	raw := strings.TrimSpace(os.Getenv("PROFITDRAW_TICKET_UNIT"))
	if raw == "" {
		return cfg, fmt.Errorf("PROFITDRAW_TICKET_UNIT is required")
	}
	unit, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return cfg, fmt.Errorf("PROFITDRAW_TICKET_UNIT: %w", err)
	}
	cfg.TicketUnit = unit

	cfg.CreditTokenRate, err = decimal.NewFromString(envDefault("PROFITDRAW_CREDIT_TOKEN_RATE", "1"))
	if err != nil {
		return cfg, fmt.Errorf("PROFITDRAW_CREDIT_TOKEN_RATE: %w", err)
	}
	if rates := envList("PROFITDRAW_COMMISSION_RATES"); len(rates) > 0 {
		if cfg.CommissionRates, err = payout.ParseRates(rates); err != nil {
			return cfg, fmt.Errorf("PROFITDRAW_COMMISSION_RATES: %w", err)
		}
	}
	cfg.BatchSize = envIntDefault("PROFITDRAW_BATCH_SIZE", payout.MaxBatchSize)
	cfg.WithdrawalFeeBps = int64(envIntDefault("PROFITDRAW_WITHDRAWAL_FEE_BPS", 0))
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func envDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envDurationDefault(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envIntDefault(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBoolDefault(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ShutdownTimeout is how long binaries wait for in-flight work on SIGTERM.
func ShutdownTimeout() time.Duration {
	return envDurationDefault("PROFITDRAW_SHUTDOWN_TIMEOUT", 15*time.Second)
}
