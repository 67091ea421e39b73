package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"subflow/internal/subflow/connection"
	"subflow/internal/subflow/consumer"
	"subflow/internal/subflow/controller"
	"subflow/internal/subflow/metrics"
	"subflow/internal/subflow/producer"
	"subflow/internal/subflow/subscription"
	"subflow/internal/subflow/tracing"
)

const (
	storeMemory    = "memory"
	storeCouchbase = "couchbase"
)

type Config struct {
	LogLevel string `env:"LOG_LEVEL" envDefault:"info" yaml:"logLevel"`
	// Store selects the durable log: memory or couchbase.
	Store string `env:"STORE" envDefault:"memory" yaml:"store"`

	Couchbase    CouchbaseConfig      `yaml:"couchbase"`
	Metrics      metrics.ServerConfig `yaml:"metrics"`
	Tracing      tracing.Config       `yaml:"tracing"`
	Controller   controller.Config    `yaml:"controller"`
	Producer     producer.Config      `yaml:"producer"`
	Consumer     consumer.Config      `yaml:"consumer"`
	Subscription subscription.Config  `yaml:"subscription"`
	Connection   connection.Config    `yaml:"connection"`
	Simulation   SimulationConfig     `yaml:"simulation"`
}

type CouchbaseConfig struct {
	ConnectionString string        `env:"COUCHBASE_CONNECTION_STRING" envDefault:"couchbase://localhost" yaml:"connectionString"`
	Username         string        `env:"COUCHBASE_USERNAME" envDefault:"Administrator" yaml:"username"`
	Password         string        `env:"COUCHBASE_PASSWORD" envDefault:"password" yaml:"password"`
	BucketName       string        `env:"COUCHBASE_BUCKET_NAME" envDefault:"subflow" yaml:"bucket"`
	ScopeName        string        `env:"COUCHBASE_SCOPE_NAME" envDefault:"_default" yaml:"scope"`
	TxnTimeout       time.Duration `env:"COUCHBASE_TRANSACTION_TIMEOUT" envDefault:"10s" yaml:"transactionTimeout"`
}

type SimulationConfig struct {
	Topic           string        `env:"SIM_TOPIC" envDefault:"orders" yaml:"topic"`
	Batches         int           `env:"SIM_BATCHES" envDefault:"200" yaml:"batches"`
	EventsPerBatch  int           `env:"SIM_EVENTS_PER_BATCH" envDefault:"5" yaml:"eventsPerBatch"`
	SharedConsumers int           `env:"SIM_SHARED_CONSUMERS" envDefault:"3" yaml:"sharedConsumers"`
	ReceiverQueue   int           `env:"SIM_RECEIVER_QUEUE" envDefault:"100" yaml:"receiverQueue"`
	NackRatio       float64       `env:"SIM_NACK_RATIO" envDefault:"0.05" yaml:"nackRatio"`
	FailoverAfter   int           `env:"SIM_FAILOVER_AFTER" envDefault:"50" yaml:"failoverAfter"`
	Timeout         time.Duration `env:"SIM_TIMEOUT" envDefault:"2m" yaml:"timeout"`
}

// loadConfig reads path, when given, and then applies the environment on
// top. Defaults only fill what neither source set.
func loadConfig(path string) (Config, error) {
	var cfg Config

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{SetDefaultsForZeroValuesOnly: true}); err != nil {
		return Config{}, fmt.Errorf("failed to parse environment variables: %w", err)
	}

	switch cfg.Store {
	case storeMemory, storeCouchbase:
	default:
		return Config{}, fmt.Errorf("unknown store %q", cfg.Store)
	}

	return cfg, nil
}

func newLogger(level string) (*zap.Logger, error) {
	config := zap.NewProductionConfig()

	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		log.Printf("invalid log level %q, defaulting to info: %v", level, err)
		zapLevel = zapcore.InfoLevel
	}
	config.Level = zap.NewAtomicLevelAt(zapLevel)

	logger, err := config.Build(zap.AddCaller())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return logger, nil
}
