package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds process configuration read from the environment.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	LogLevel    string

	SnowflakeNode int64

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBPath            string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	// SequenceBackend selects the invoice number counter: "database" or "redis".
	SequenceBackend    string
	RedisAddr          string
	RedisPassword      string
	RedisDB            int
	// RefreshLockEnabled serialises draft refresh runs across processes through redis.
	RefreshLockEnabled bool

	MetricsEnabled        bool
	MetricsPushgatewayURL string

	OtelEnabled          bool
	OtelExporterEndpoint string
	OtelExporterProtocol string
	OtelSamplingRatio    float64

	// InvoicingConfigPath is an extra directory searched for invoicing.yml.
	InvoicingConfigPath string
}

const (
	SequenceBackendDatabase = "database"
	SequenceBackendRedis    = "redis"

	OtelProtocolGRPC = "grpc"
	OtelProtocolHTTP = "http"
)

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:               getenv("APP_SERVICE", "invoicecore"),
		AppVersion:            getenv("APP_VERSION", "0.1.0"),
		Environment:           getenv("ENVIRONMENT", "development"),
		LogLevel:              strings.ToLower(strings.TrimSpace(getenv("LOG_LEVEL", "info"))),
		SnowflakeNode:         getenvInt64("SNOWFLAKE_NODE", 1),
		DBType:                getenv("DATABASE_TYPE", "postgres"),
		DBHost:                getenv("DATABASE_HOST", "localhost"),
		DBPort:                getenv("DATABASE_PORT", "5432"),
		DBName:                getenv("DATABASE_NAME", "postgres"),
		DBUser:                getenv("DATABASE_USER", "postgres"),
		DBPassword:            getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:             getenv("DATABASE_SSLMODE", "disable"),
		DBPath:                getenv("DATABASE_PATH", "invoicecore.db"),
		DBMaxIdleConn:         int(getenvInt64("DATABASE_MAX_IDLE_CONN", 5)),
		DBMaxOpenConn:         int(getenvInt64("DATABASE_MAX_OPEN_CONN", 20)),
		DBConnMaxLifetime:     int(getenvInt64("DATABASE_CONN_MAX_LIFETIME", 300)),
		DBConnMaxIdleTime:     int(getenvInt64("DATABASE_CONN_MAX_IDLE_TIME", 60)),
		SequenceBackend:       normalizeSequenceBackend(getenv("SEQUENCE_BACKEND", SequenceBackendDatabase)),
		RedisAddr:             getenv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:         getenv("REDIS_PASSWORD", ""),
		RedisDB:               int(getenvInt64("REDIS_DB", 0)),
		RefreshLockEnabled:    getenvBool("REFRESH_LOCK_ENABLED", false),
		MetricsEnabled:        getenvBool("METRICS_ENABLED", false),
		MetricsPushgatewayURL: strings.TrimSpace(getenv("METRICS_PUSHGATEWAY_URL", "")),
		OtelEnabled:           getenvBool("OTEL_ENABLED", false),
		OtelExporterEndpoint:  strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317")),
		OtelExporterProtocol:  normalizeOtelProtocol(getenv("OTEL_EXPORTER_OTLP_PROTOCOL", OtelProtocolGRPC)),
		OtelSamplingRatio:     clampRatio(getenvFloat("OTEL_SAMPLING_RATIO", 1)),
		InvoicingConfigPath:   strings.TrimSpace(getenv("INVOICING_CONFIG_PATH", "")),
	}

	return cfg
}

// UsesRedis reports whether any component needs a redis connection.
func (c Config) UsesRedis() bool {
	return c.SequenceBackend == SequenceBackendRedis || c.RefreshLockEnabled
}

func normalizeOtelProtocol(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case OtelProtocolHTTP, "http/protobuf":
		return OtelProtocolHTTP
	default:
		return OtelProtocolGRPC
	}
}

func clampRatio(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

func normalizeSequenceBackend(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case SequenceBackendRedis:
		return SequenceBackendRedis
	default:
		return SequenceBackendDatabase
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}
