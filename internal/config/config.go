package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Service     string            `yaml:"service"`
	HTTP        HTTPConfig        `yaml:"http"`
	GRPC        GRPCConfig        `yaml:"grpc"`
	Store       StoreConfig       `yaml:"store"`
	Redis       RedisConfig       `yaml:"redis"`
	Kafka       KafkaConfig       `yaml:"kafka"`
	Log         LogConfig         `yaml:"log"`
	Tracing     TracingConfig     `yaml:"tracing"`
	Reservation ReservationConfig `yaml:"reservation"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type GRPCConfig struct {
	Addr string `yaml:"addr"`
}

type StoreConfig struct {
	Driver   string `yaml:"driver"` // mysql | memory
	MySQLDSN string `yaml:"mysql_dsn"`
	Migrate  bool   `yaml:"migrate"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

type TracingConfig struct {
	JaegerEndpoint string `yaml:"jaeger_endpoint"`
}

type ReservationConfig struct {
	LockTTL         time.Duration `yaml:"lock_ttl"`
	LockWaitTimeout time.Duration `yaml:"lock_wait_timeout"`
	LockRetries     int           `yaml:"lock_retries"`
	LockBackoffBase time.Duration `yaml:"lock_backoff_base"`
	LockBackoffMax  time.Duration `yaml:"lock_backoff_max"`
	TxTimeout       time.Duration `yaml:"tx_timeout"`
}

type SchedulerConfig struct {
	Interval  time.Duration `yaml:"interval"`
	BatchSize int           `yaml:"batch_size"`
}

const (
	DriverMySQL  = "mysql"
	DriverMemory = "memory"
)

func Default() Config {
	return Config{
		Service: "offer-reservation",
		HTTP:    HTTPConfig{Addr: ":8080", ShutdownTimeout: 10 * time.Second},
		GRPC:    GRPCConfig{Addr: ":50051"},
		Store: StoreConfig{
			Driver:   DriverMySQL,
			MySQLDSN: "root:root@tcp(localhost:3306)/offers?parseTime=true&loc=UTC",
			Migrate:  true,
		},
		Redis: RedisConfig{Addr: "localhost:6379"},
		Kafka: KafkaConfig{Topic: "offer-reservation-events"},
		Log:   LogConfig{Level: "info"},
		Reservation: ReservationConfig{
			LockTTL:         5 * time.Second,
			LockWaitTimeout: time.Second,
			LockRetries:     5,
			LockBackoffBase: 20 * time.Millisecond,
			LockBackoffMax:  200 * time.Millisecond,
			TxTimeout:       3 * time.Second,
		},
		Scheduler: SchedulerConfig{Interval: time.Minute, BatchSize: 500},
	}
}

// Load reads defaults, then the YAML file named by CONFIG_FILE, then
// environment overrides.
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func (c *Config) applyEnv() error {
	c.HTTP.Addr = getEnv("HTTP_ADDR", c.HTTP.Addr)
	c.GRPC.Addr = getEnv("GRPC_ADDR", c.GRPC.Addr)
	c.Store.Driver = getEnv("STORE_DRIVER", c.Store.Driver)
	c.Store.MySQLDSN = getEnv("MYSQL_DSN", c.Store.MySQLDSN)
	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Kafka.Topic = getEnv("KAFKA_TOPIC", c.Kafka.Topic)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Tracing.JaegerEndpoint = getEnv("JAEGER_ENDPOINT", c.Tracing.JaegerEndpoint)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		c.Kafka.Brokers = nil
		for _, b := range strings.Split(brokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				c.Kafka.Brokers = append(c.Kafka.Brokers, b)
			}
		}
	}

	if v := os.Getenv("SCHEDULER_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("SCHEDULER_INTERVAL: %w", err)
		}
		c.Scheduler.Interval = d
	}
	if v := os.Getenv("LOCK_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("LOCK_RETRIES: %w", err)
		}
		c.Reservation.LockRetries = n
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case DriverMySQL:
		if c.Store.MySQLDSN == "" {
			errs = append(errs, errors.New("store.mysql_dsn is required for the mysql driver"))
		}
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr is required for the mysql driver"))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not one of mysql, memory", c.Store.Driver))
	}

	r := c.Reservation
	if r.LockTTL <= 0 || r.LockWaitTimeout <= 0 || r.TxTimeout <= 0 {
		errs = append(errs, errors.New("reservation timeouts must be positive"))
	}
	if r.LockRetries < 0 {
		errs = append(errs, errors.New("reservation.lock_retries must not be negative"))
	}
	if r.LockBackoffBase <= 0 || r.LockBackoffMax < r.LockBackoffBase {
		errs = append(errs, errors.New("reservation lock backoff must satisfy 0 < base <= max"))
	}
	if c.Scheduler.Interval <= 0 || c.Scheduler.BatchSize <= 0 {
		errs = append(errs, errors.New("scheduler interval and batch_size must be positive"))
	}
	return errors.Join(errs...)
}
