package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	StoreMySQL  = "mysql"
	StoreMemory = "memory"
)

type Config struct {
	ServiceName string
	HTTPAddr    string
	GRPCAddr    string

	StoreDriver   string
	MySQLDSN      string
	MigrateOnBoot bool
	RedisAddr     string
	RedisPoolSize int

	KafkaBrokers []string
	KafkaTopic   string

	WorkerCount int
	QueueSize   int
	MaxAttempts int

	TaxRate               decimal.Decimal
	FlatShipping          decimal.Decimal
	FreeShippingThreshold decimal.Decimal
	DiscountRate          decimal.Decimal

	WorkflowDir          string
	TimeoutSweepInterval time.Duration
	ShutdownTimeout      time.Duration

	LogLevel     string
	LogFormat    string
	OTLPEndpoint string
}

func LoadConfig() (*Config, error) {
	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "commerce-core"),
		HTTPAddr:    getEnv("HTTP_ADDR", ":8080"),
		GRPCAddr:    getEnv("GRPC_ADDR", ":50051"),

		StoreDriver: getEnv("STORE_DRIVER", StoreMySQL),
		MySQLDSN:    getEnv("MYSQL_DSN", "root:root@tcp(localhost:3306)/commerce"),
		RedisAddr:   getEnv("REDIS_ADDR", "localhost:6379"),
		KafkaTopic:  getEnv("KAFKA_TOPIC", "commerce-notifications"),
		WorkflowDir: os.Getenv("WORKFLOW_DIR"),

		LogLevel:     getEnv("LOG_LEVEL", "info"),
		LogFormat:    getEnv("LOG_FORMAT", "json"),
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = parseKafkaBrokers(brokers)
	}

	var err error
	if cfg.MigrateOnBoot, err = getBool("MIGRATE_ON_BOOT", true); err != nil {
		return nil, err
	}
	if cfg.RedisPoolSize, err = getInt("REDIS_POOL_SIZE", 100); err != nil {
		return nil, err
	}
	if cfg.WorkerCount, err = getInt("WORKER_COUNT", 10); err != nil {
		return nil, err
	}
	if cfg.QueueSize, err = getInt("QUEUE_SIZE", 10000); err != nil {
		return nil, err
	}
	if cfg.MaxAttempts, err = getInt("MAX_ATTEMPTS", 3); err != nil {
		return nil, err
	}
	if cfg.TaxRate, err = getDecimal("TAX_RATE", "0.10"); err != nil {
		return nil, err
	}
	if cfg.FlatShipping, err = getDecimal("FLAT_SHIPPING", "5.00"); err != nil {
		return nil, err
	}
	if cfg.FreeShippingThreshold, err = getDecimal("FREE_SHIPPING_THRESHOLD", "100.00"); err != nil {
		return nil, err
	}
	if cfg.DiscountRate, err = getDecimal("DISCOUNT_RATE", "0"); err != nil {
		return nil, err
	}
	if cfg.TimeoutSweepInterval, err = getDuration("TIMEOUT_SWEEP_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	if cfg.ShutdownTimeout, err = getDuration("SHUTDOWN_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.HTTPAddr == "" {
		return fmt.Errorf("HTTP_ADDR is required")
	}
	if c.GRPCAddr == "" {
		return fmt.Errorf("GRPC_ADDR is required")
	}
	switch c.StoreDriver {
	case StoreMySQL:
		if c.MySQLDSN == "" {
			return fmt.Errorf("MYSQL_DSN is required for the mysql store")
		}
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required for the mysql store")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", StoreMySQL, StoreMemory, c.StoreDriver)
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		return fmt.Errorf("KAFKA_TOPIC is required when KAFKA_BROKERS is set")
	}
	if c.WorkerCount < 1 {
		return fmt.Errorf("WORKER_COUNT must be positive")
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("QUEUE_SIZE must be positive")
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("MAX_ATTEMPTS must be positive")
	}
	for name, rate := range map[string]decimal.Decimal{"TAX_RATE": c.TaxRate, "DISCOUNT_RATE": c.DiscountRate} {
		if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(1)) {
			return fmt.Errorf("%s must be between 0 and 1", name)
		}
	}
	if c.FlatShipping.IsNegative() || c.FreeShippingThreshold.IsNegative() {
		return fmt.Errorf("shipping amounts must not be negative")
	}
	if c.TimeoutSweepInterval <= 0 {
		return fmt.Errorf("TIMEOUT_SWEEP_INTERVAL must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func getDecimal(key, defaultValue string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(getEnv(key, defaultValue))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func parseKafkaBrokers(brokers string) []string {
	var out []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}
