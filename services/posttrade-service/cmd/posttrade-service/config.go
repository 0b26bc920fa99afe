package main

import (
	"fmt"
	"time"

	"github.com/dangoth/posttrade-poc-sub000/libs/config"
)

const (
	driverPostgres = "postgres"
	driverMemory   = "memory"
)

type settings struct {
	Service  string
	Port     string
	LogLevel string

	StorageDriver string
	DatabaseURL   string
	ApplySchema   bool
	DBMaxConns    int

	KafkaBrokers     string
	KafkaTopicPrefix string
	RedisAddr        string

	PollInterval   time.Duration
	BatchSize      int
	RetryInterval  time.Duration
	RetryDelay     time.Duration
	MaxRetryCount  int
	PublishTimeout time.Duration

	IdempotencyTTL   time.Duration
	PurgeInterval    time.Duration
	LegacyCutover    time.Time
	AdminTimeout     time.Duration
	AdminBodyLimitKB int
}

func loadSettings() (settings, error) {
	s := settings{
		Service:          config.String("SERVICE_NAME", "posttrade-service"),
		LogLevel:         config.String("LOG_LEVEL", "info"),
		StorageDriver:    config.String("STORAGE_DRIVER", driverPostgres),
		ApplySchema:      config.Bool("DB_APPLY_SCHEMA", false),
		KafkaBrokers:     config.String("KAFKA_BROKERS", ""),
		KafkaTopicPrefix: config.String("KAFKA_TOPIC_PREFIX", "posttrade"),
		RedisAddr:        config.String("REDIS_ADDR", ""),
	}

	var err error
	if s.Port, err = config.Port("PORT", "8090"); err != nil {
		return s, err
	}
	switch s.StorageDriver {
	case driverPostgres:
		if s.DatabaseURL, err = config.RequiredString("DATABASE_URL"); err != nil {
			return s, err
		}
	case driverMemory:
	default:
		return s, fmt.Errorf("STORAGE_DRIVER must be %q or %q (got %q)", driverPostgres, driverMemory, s.StorageDriver)
	}
	if s.KafkaBrokers == "" {
		return s, fmt.Errorf("KAFKA_BROKERS is required")
	}

	ints := []struct {
		key      string
		fallback int
		dst      *int
	}{
		{"DB_MAX_CONNS", 10, &s.DBMaxConns},
		{"OUTBOX_BATCH_SIZE", 50, &s.BatchSize},
		{"OUTBOX_MAX_RETRY_COUNT", 3, &s.MaxRetryCount},
		{"ADMIN_BODY_LIMIT_KB", 64, &s.AdminBodyLimitKB},
	}
	for _, v := range ints {
		if *v.dst, err = config.Int(v.key, v.fallback); err != nil {
			return s, err
		}
	}

	durations := []struct {
		key      string
		fallback time.Duration
		dst      *time.Duration
	}{
		{"OUTBOX_POLL_INTERVAL", time.Second, &s.PollInterval},
		{"OUTBOX_RETRY_INTERVAL", time.Minute, &s.RetryInterval},
		{"OUTBOX_RETRY_DELAY", 5 * time.Minute, &s.RetryDelay},
		{"KAFKA_WRITE_TIMEOUT", 10 * time.Second, &s.PublishTimeout},
		{"IDEMPOTENCY_TTL", 24 * time.Hour, &s.IdempotencyTTL},
		{"IDEMPOTENCY_PURGE_INTERVAL", time.Hour, &s.PurgeInterval},
		{"ADMIN_REQUEST_TIMEOUT", 15 * time.Second, &s.AdminTimeout},
	}
	for _, v := range durations {
		if *v.dst, err = config.Duration(v.key, v.fallback); err != nil {
			return s, err
		}
	}

	if s.LegacyCutover, err = config.Time("SCHEMA_LEGACY_CUTOVER"); err != nil {
		return s, err
	}
	return s, nil
}
