// Package configs provides application configuration loaded from environment variables.
// All configuration is externalized via environment variables for 12-factor app compliance.
package configs

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// AppConfig holds all application configuration.
// Load it once at startup using AppLoad().
type AppConfig struct {
	// LogLevel is the logrus level name (debug, info, warn, error).
	LogLevel string

	Database DatabaseConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	Chain    ChainConfig
	Poller   PollerConfig
	Matching MatchingConfig
	Manager  ManagerConfig
	Cluster  ClusterConfig
	Server   ServerConfig
}

// DatabaseConfig holds the Postgres connection settings.
type DatabaseConfig struct {
	// DSN is the Postgres connection string.
	DSN string
}

// RedisConfig holds cache connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// Prefix namespaces every key written by this deployment.
	Prefix string

	// DefaultTTL bounds snapshot entries (orders, markers, metrics).
	DefaultTTL time.Duration
}

// KafkaConfig holds broker connection settings.
type KafkaConfig struct {
	// Brokers is the bootstrap broker list (e.g., "localhost:9092").
	Brokers []string

	// GroupPrefix prefixes consumer group ids; the worker shard index is appended.
	GroupPrefix string

	Partitions        int
	ReplicationFactor int

	// Prefetch caps fetched but unacknowledged messages per consumer.
	Prefetch int

	// MaxRetries is the requeue budget before a message is dead-lettered.
	MaxRetries int

	RetryBaseDelay time.Duration
	ReconnectDelay time.Duration
	MessageTTL     time.Duration
}

// ChainConfig holds RPC endpoint settings.
type ChainConfig struct {
	// RPCEndpoints is the shared endpoint pool (comma-separated in env).
	RPCEndpoints []string

	// RequestsPerSecond is the per-endpoint rate limit.
	RequestsPerSecond float64

	CallTimeout time.Duration

	// ReceiptPollInterval is how often a pending transaction receipt is polled.
	ReceiptPollInterval time.Duration
	ReceiptTimeout      time.Duration
}

// PollerConfig holds event poller settings.
type PollerConfig struct {
	Interval             time.Duration
	MaxBlockRange        uint64
	MaxReconnectAttempts int
	BackoffBase          time.Duration
	BackoffMax           time.Duration
	PublishRetryDelay    time.Duration
}

// MatchingConfig holds matching engine settings.
type MatchingConfig struct {
	MaxBatch int

	// GasPriceCeiling is in wei; matches are deferred above it.
	GasPriceCeiling *big.Int

	GasLimit        uint64
	GasLimitMax     uint64
	GasBumpFactor   float64
	GasRecheckDelay time.Duration
	RetryDelay      time.Duration
	MailboxSize     int
}

// ManagerConfig holds exchange manager settings.
type ManagerConfig struct {
	MaxContracts    int
	StartupBatch    int
	StartupCooldown time.Duration
	HealthInterval  time.Duration
	PingTimeout     time.Duration
	UnhealthyGrace  time.Duration
	MetricsInterval time.Duration
	StopGrace       time.Duration
}

// ClusterConfig holds coordinator settings.
type ClusterConfig struct {
	Workers            int
	SpawnStagger       time.Duration
	StartupTimeout     time.Duration
	HealthInterval     time.Duration
	HealthTimeout      time.Duration
	StaleAfter         time.Duration
	ShutdownGrace      time.Duration
	EmergencyExitDelay time.Duration
	RestartOnExit      bool

	// DiagnosticsDir receives crash reports written on emergency shutdown.
	DiagnosticsDir string
}

// ServerConfig holds the per-worker status server settings.
type ServerConfig struct {
	// BasePort is offset by the worker index; 0 disables the server.
	BasePort int
}

// AppLoad loads all application configuration from environment variables.
// It attempts to load a .env file first (for local development).
// Call this once at application startup.
func AppLoad() *AppConfig {
	_ = godotenv.Load() // Ignore error - .env is optional

	return &AppConfig{
		LogLevel: getEnv("LOG_LEVEL", "info"),
		Database: DatabaseConfig{
			DSN: getDatabaseDSN(),
		},
		Redis: RedisConfig{
			Addr:       getEnv("REDIS_ADDR", "localhost:6379"),
			Password:   getEnv("REDIS_PASSWORD", ""),
			DB:         getEnvInt("REDIS_DB", 0),
			Prefix:     getEnv("REDIS_PREFIX", "dexmatch"),
			DefaultTTL: getEnvDuration("REDIS_DEFAULT_TTL", time.Hour),
		},
		Kafka: KafkaConfig{
			Brokers:           getEnvList("KAFKA_BROKERS", []string{"localhost:9092"}),
			GroupPrefix:       getEnv("KAFKA_GROUP_PREFIX", "dexmatch"),
			Partitions:        getEnvInt("KAFKA_PARTITIONS", 6),
			ReplicationFactor: getEnvInt("KAFKA_REPLICATION_FACTOR", 1),
			Prefetch:          getEnvInt("KAFKA_PREFETCH", 10),
			MaxRetries:        getEnvInt("KAFKA_MAX_RETRIES", 3),
			RetryBaseDelay:    getEnvDuration("KAFKA_RETRY_BASE_DELAY", 2*time.Second),
			ReconnectDelay:    getEnvDuration("BROKER_RECONNECT_DELAY", 5*time.Second),
			MessageTTL:        getEnvDuration("KAFKA_MESSAGE_TTL", 24*time.Hour),
		},
		Chain: ChainConfig{
			RPCEndpoints:        getEnvList("RPC_ENDPOINTS", nil),
			RequestsPerSecond:   getEnvFloat("RPC_REQUESTS_PER_SECOND", 20),
			CallTimeout:         getEnvDuration("RPC_CALL_TIMEOUT", 10*time.Second),
			ReceiptPollInterval: getEnvDuration("RPC_RECEIPT_POLL_INTERVAL", 2*time.Second),
			ReceiptTimeout:      getEnvDuration("RPC_RECEIPT_TIMEOUT", 3*time.Minute),
		},
		Poller: PollerConfig{
			Interval:             getEnvDuration("POLLER_INTERVAL", 15*time.Second),
			MaxBlockRange:        uint64(getEnvInt("POLLER_MAX_BLOCK_RANGE", 2000)),
			MaxReconnectAttempts: getEnvInt("POLLER_MAX_RECONNECT_ATTEMPTS", 10),
			BackoffBase:          getEnvDuration("POLLER_BACKOFF_BASE", time.Second),
			BackoffMax:           getEnvDuration("POLLER_BACKOFF_MAX", 30*time.Second),
			PublishRetryDelay:    getEnvDuration("POLLER_PUBLISH_RETRY_DELAY", 2*time.Second),
		},
		Matching: MatchingConfig{
			MaxBatch:        getEnvInt("MATCH_MAX_BATCH", 10),
			GasPriceCeiling: getEnvBigInt("MATCH_GAS_PRICE_CEILING", big.NewInt(100_000_000_000)),
			GasLimit:        uint64(getEnvInt("MATCH_GAS_LIMIT", 500_000)),
			GasLimitMax:     uint64(getEnvInt("MATCH_GAS_LIMIT_MAX", 3_000_000)),
			GasBumpFactor:   getEnvFloat("MATCH_GAS_BUMP_FACTOR", 1.5),
			GasRecheckDelay: getEnvDuration("MATCH_GAS_RECHECK_DELAY", 30*time.Second),
			RetryDelay:      getEnvDuration("MATCH_RETRY_DELAY", 5*time.Second),
			MailboxSize:     getEnvInt("MATCH_MAILBOX_SIZE", 256),
		},
		Manager: ManagerConfig{
			MaxContracts:    getEnvInt("MANAGER_MAX_CONTRACTS", 50),
			StartupBatch:    getEnvInt("MANAGER_STARTUP_BATCH", 5),
			StartupCooldown: getEnvDuration("MANAGER_STARTUP_COOLDOWN", 2*time.Second),
			HealthInterval:  getEnvDuration("MANAGER_HEALTH_INTERVAL", 30*time.Second),
			PingTimeout:     getEnvDuration("MANAGER_PING_TIMEOUT", 5*time.Second),
			UnhealthyGrace:  getEnvDuration("MANAGER_UNHEALTHY_GRACE", time.Minute),
			MetricsInterval: getEnvDuration("MANAGER_METRICS_INTERVAL", 30*time.Second),
			StopGrace:       getEnvDuration("MANAGER_STOP_GRACE", 10*time.Second),
		},
		Cluster: ClusterConfig{
			Workers:            getEnvInt("CLUSTER_WORKERS", runtime.NumCPU()),
			SpawnStagger:       getEnvDuration("CLUSTER_SPAWN_STAGGER", time.Second),
			StartupTimeout:     getEnvDuration("CLUSTER_STARTUP_TIMEOUT", 30*time.Second),
			HealthInterval:     getEnvDuration("CLUSTER_HEALTH_INTERVAL", 15*time.Second),
			HealthTimeout:      getEnvDuration("CLUSTER_HEALTH_TIMEOUT", 5*time.Second),
			StaleAfter:         getEnvDuration("CLUSTER_STALE_AFTER", time.Minute),
			ShutdownGrace:      getEnvDuration("CLUSTER_SHUTDOWN_GRACE", 30*time.Second),
			EmergencyExitDelay: getEnvDuration("CLUSTER_EMERGENCY_EXIT_DELAY", time.Second),
			RestartOnExit:      getEnvBool("CLUSTER_RESTART_ON_EXIT", true),
			DiagnosticsDir:     getEnv("CLUSTER_DIAGNOSTICS_DIR", "data/diagnostics"),
		},
		Server: ServerConfig{
			BasePort: getEnvInt("STATUS_BASE_PORT", 9100),
		},
	}
}

// Validate reports configuration that makes startup pointless.
// The coordinator calls it before forking any worker.
func (c *AppConfig) Validate() error {
	var errs []error
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database DSN is empty"))
	}
	if c.Redis.Addr == "" {
		errs = append(errs, errors.New("REDIS_ADDR is empty"))
	}
	if len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("KAFKA_BROKERS is empty"))
	}
	if len(c.Chain.RPCEndpoints) == 0 {
		errs = append(errs, errors.New("RPC_ENDPOINTS is empty"))
	}
	if c.Matching.MaxBatch < 2 {
		errs = append(errs, fmt.Errorf("MATCH_MAX_BATCH must be at least 2, got %d", c.Matching.MaxBatch))
	}
	if c.Matching.GasBumpFactor <= 1 {
		errs = append(errs, fmt.Errorf("MATCH_GAS_BUMP_FACTOR must be greater than 1, got %v", c.Matching.GasBumpFactor))
	}
	if c.Manager.MaxContracts <= 0 {
		errs = append(errs, errors.New("MANAGER_MAX_CONTRACTS must be positive"))
	}
	if c.Cluster.Workers <= 0 {
		errs = append(errs, errors.New("CLUSTER_WORKERS must be positive"))
	}
	return errors.Join(errs...)
}

// NewLogger builds the process logger. Output goes to stderr so worker
// processes keep stdout free.
func NewLogger(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	return logger
}

// getDatabaseDSN constructs the Postgres DSN from environment variables.
// DATABASE_URL wins when set.
func getDatabaseDSN() string {
	if dsn := getEnv("DATABASE_URL", ""); dsn != "" {
		return dsn
	}
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		getEnv("POSTGRES_HOST", "localhost"),
		getEnv("POSTGRES_PORT", "5432"),
		getEnv("POSTGRES_USER", "dexmatch"),
		getEnv("POSTGRES_PASSWORD", "dexmatch"),
		getEnv("POSTGRES_DB", "dexmatch"),
		getEnv("POSTGRES_SSLMODE", "disable"),
	)
}

// getEnv returns the environment variable value or a default.
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvInt returns the environment variable as int or a default.
func getEnvInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvDuration accepts Go duration strings ("15s", "2m").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvList splits a comma-separated variable, dropping empty items.
func getEnvList(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(valueStr, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnvBigInt(key string, defaultValue *big.Int) *big.Int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, ok := new(big.Int).SetString(valueStr, 10)
	if !ok {
		return defaultValue
	}
	return value
}
