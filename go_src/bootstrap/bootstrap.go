// Package bootstrap opens the resources shared by the squareoff commands:
// configuration, the position store, the RabbitMQ channel and the optional
// Redis lock.
package bootstrap

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"squareoff/go_src/configuration"
	"squareoff/go_src/database"
	"squareoff/go_src/job_queue"
	"squareoff/go_src/pg_store"
	"squareoff/go_src/position"
	"squareoff/go_src/position_lock"
	"squareoff/go_src/trade_exceptions"

	"github.com/joho/godotenv"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

const (
	ConfigPathEnvVar  = "SQUAREOFF_CONFIG_PATH"
	DefaultConfigPath = "./config/config.json"

	dialAttempts = 5
	dialWait     = 5 * time.Second
)

// LoadConfig reads an optional .env file, then the config file named by
// SQUAREOFF_CONFIG_PATH (or the default path), and validates it.
func LoadConfig() (*configuration.Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("Ignoring unreadable .env file: %v", err)
	}

	configPath := os.Getenv(ConfigPathEnvVar)
	if configPath == "" {
		log.Printf("Environment variable %s not set, using default config path: %s", ConfigPathEnvVar, DefaultConfigPath)
		configPath = DefaultConfigPath
	}
	cfg, err := configuration.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from %s: %w", configPath, err)
	}
	if err := cfg.ValidateConfig(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", configPath, err)
	}
	return cfg, nil
}

// OpenStore opens the position store selected by database.type. The
// returned close func is never nil.
func OpenStore(ctx context.Context, cfg *configuration.Config) (position.Store, func(), error) {
	switch cfg.Database.Type {
	case "duckdb":
		opts, err := database.OptionsFromConfig(cfg)
		if err != nil {
			return nil, func() {}, &trade_exceptions.ConfigurationError{Key: "database.db_name", Message: err.Error()}
		}
		tdb, err := database.Open(ctx, opts)
		if err != nil {
			return nil, func() {}, err
		}
		pm := database.NewPositionManager(tdb)
		if err := pm.CreateSchemaPositions(); err != nil {
			tdb.Close()
			return nil, func() {}, err
		}
		logrus.Infof("Position store: DuckDB at %s", tdb.Path())
		return pm, func() { tdb.Close() }, nil

	case "postgres":
		pool, err := pg_store.Connect(ctx, cfg.Database.DSN, cfg.Database.MaxOpenConns)
		if err != nil {
			return nil, func() {}, err
		}
		s := pg_store.NewPositionStore(pool)
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, func() {}, err
		}
		logrus.Info("Position store: PostgreSQL")
		return s, pool.Close, nil

	case "memory":
		logrus.Warn("Position store: in-memory, nothing survives a restart")
		return position.NewMemoryStore(), func() {}, nil
	}
	return nil, func() {}, &trade_exceptions.ConfigurationError{Message: fmt.Sprintf("unknown database type '%s'", cfg.Database.Type), Key: "database.type"}
}

// Queue is an open RabbitMQ channel with the exit topology declared.
type Queue struct {
	Conn     *amqp.Connection
	Channel  *amqp.Channel
	Topology job_queue.Topology
}

// OpenQueue dials RabbitMQ, opens a channel and declares the topology.
func OpenQueue(ctx context.Context, cfg *configuration.Config) (*Queue, error) {
	conn, err := job_queue.Dial(ctx, cfg.AMQPURL(), dialAttempts, dialWait)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a RabbitMQ channel: %w", err)
	}
	topo := job_queue.Topology{Exchange: cfg.RabbitMQ.Exchange, Queue: cfg.RabbitMQ.Queue}
	if err := topo.Declare(ch); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	logrus.Infof("RabbitMQ topology ready: exchange '%s', queue '%s'", topo.Exchange, topo.Queue)
	return &Queue{Conn: conn, Channel: ch, Topology: topo}, nil
}

// Close closes the channel and the connection.
func (q *Queue) Close() {
	if q == nil {
		return
	}
	if q.Channel != nil {
		q.Channel.Close()
	}
	if q.Conn != nil {
		q.Conn.Close()
	}
}

// ConsumerConfig maps the rabbitmq section onto the consumer settings.
func ConsumerConfig(cfg *configuration.Config, tag string) job_queue.ConsumerConfig {
	return job_queue.ConsumerConfig{
		Tag:         tag,
		Workers:     cfg.RabbitMQ.Workers,
		Prefetch:    cfg.RabbitMQ.Prefetch,
		MaxAttempts: cfg.RabbitMQ.MaxAttempts,
		RetryBase:   time.Duration(cfg.RabbitMQ.RetryBaseSeconds) * time.Second,
		RetryMax:    time.Duration(cfg.RabbitMQ.RetryMaxSeconds) * time.Second,
	}
}

// OpenLocker returns the Redis locker when redis.enabled. Otherwise the
// lock only covers workers in this process.
func OpenLocker(ctx context.Context, cfg *configuration.Config) (position_lock.Locker, func(), error) {
	if !cfg.Redis.Enabled {
		logrus.Info("Redis disabled, per-order lock is in-process only")
		return position_lock.NewLocalLocker(), func() {}, nil
	}
	rdb, err := position_lock.Dial(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return nil, func() {}, err
	}
	logrus.Infof("Per-order Redis lock enabled at %s", cfg.Redis.Addr)
	return position_lock.NewRedisLocker(rdb), func() { rdb.Close() }, nil
}
