// Package config содержит логику чтения конфигурации сервиса расчётов.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса расчётов.
type Config struct {
	RunAddress          string        `env:"RUN_ADDRESS"`
	DatabaseURI         string        `env:"DATABASE_URI"`
	LegacySystemAddress string        `env:"LEGACY_SYSTEM_ADDRESS"`
	WebhookSecret       string        `env:"WEBHOOK_SECRET"`
	OperatorToken       string        `env:"OPERATOR_TOKEN"`
	RatesFile           string        `env:"RATES_FILE"`
	NATSURL             string        `env:"NATS_URL"`
	CheckpointDir       string        `env:"CHECKPOINT_DIR"`
	LookupTimeout       time.Duration `env:"LOOKUP_TIMEOUT"`
	ImportBatchSize     int           `env:"IMPORT_BATCH_SIZE"`
	ImportRate          float64       `env:"IMPORT_RATE"`
	ReconcileInterval   time.Duration `env:"RECONCILE_INTERVAL"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	fromEnv := Config{}
	if err := env.Parse(&fromEnv); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	cfg := &Config{}

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.LegacySystemAddress, "r", "", "legacy sales system address")
	flag.StringVar(&cfg.WebhookSecret, "w", "", "webhook HMAC secret")
	flag.StringVar(&cfg.OperatorToken, "t", "", "operator bearer token")
	flag.StringVar(&cfg.RatesFile, "rates", "", "commission rates file")
	flag.StringVar(&cfg.NATSURL, "nats", "", "NATS server URL for domain events")
	flag.StringVar(&cfg.CheckpointDir, "checkpoint", "", "checkpoint storage directory")
	flag.DurationVar(&cfg.LookupTimeout, "lookup-timeout", 3*time.Second, "external lookup timeout")
	flag.IntVar(&cfg.ImportBatchSize, "batch", 100, "import batch size")
	flag.Float64Var(&cfg.ImportRate, "import-rate", 0, "import records per second, 0 is unlimited")
	flag.DurationVar(&cfg.ReconcileInterval, "reconcile-interval", 0, "scheduled reconciliation interval, 0 is off")

	flag.Parse()

	override(&cfg.RunAddress, fromEnv.RunAddress)
	override(&cfg.DatabaseURI, fromEnv.DatabaseURI)
	override(&cfg.LegacySystemAddress, fromEnv.LegacySystemAddress)
	override(&cfg.WebhookSecret, fromEnv.WebhookSecret)
	override(&cfg.OperatorToken, fromEnv.OperatorToken)
	override(&cfg.RatesFile, fromEnv.RatesFile)
	override(&cfg.NATSURL, fromEnv.NATSURL)
	override(&cfg.CheckpointDir, fromEnv.CheckpointDir)
	override(&cfg.LookupTimeout, fromEnv.LookupTimeout)
	override(&cfg.ImportBatchSize, fromEnv.ImportBatchSize)
	override(&cfg.ImportRate, fromEnv.ImportRate)
	override(&cfg.ReconcileInterval, fromEnv.ReconcileInterval)

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = 3 * time.Second
	}
	if cfg.ImportBatchSize <= 0 {
		cfg.ImportBatchSize = 100
	}
	if cfg.ImportRate < 0 {
		return nil, fmt.Errorf("import rate must not be negative")
	}

	return cfg, nil
}

func override[T comparable](dst *T, v T) {
	var zero T
	if v != zero {
		*dst = v
	}
}
