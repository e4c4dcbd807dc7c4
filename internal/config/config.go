// Package config 服务配置
package config

import (
	"strconv"
	"time"

	pkgconfig "github.com/ordersaga/orchestrator/pkg/config"
)

// Config 服务配置
type Config struct {
	ServiceName string
	HTTPPort    int

	// PostgreSQL
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string

	// Redis
	RedisAddr     string
	RedisPassword string

	// Order events
	EventStream   string
	ConsumerGroup string
	ConsumerName  string
	OutcomeStream string

	// Downstream services
	InventoryBaseURL string
	PaymentBaseURL   string
	OrderBaseURL     string
	InternalToken    string

	// Step client
	StepTimeout  time.Duration
	MaxRetries   int
	RetryBackoff time.Duration

	// Circuit breaker
	BreakerFailureRate float64
	BreakerMinRequests int64
	BreakerWindow      time.Duration
	BreakerCooldown    time.Duration

	// Outcome publishing
	PublishTimeout time.Duration
	PublishRetries int

	// Recovery
	RecoverOlderThan time.Duration

	// Tracing
	TracingEnabled    bool
	TracingEndpoint   string
	TracingSampleRate float64
}

// Load 加载配置
func Load() *Config {
	return &Config{
		ServiceName: pkgconfig.GetEnv("SERVICE_NAME", "saga-orchestrator"),
		HTTPPort:    pkgconfig.GetEnvInt("HTTP_PORT", 8090),

		DBHost:     pkgconfig.GetEnv("DB_HOST", "localhost"),
		DBPort:     pkgconfig.GetEnvInt("DB_PORT", 5432),
		DBUser:     pkgconfig.GetEnv("DB_USER", "ordersaga"),
		DBPassword: pkgconfig.GetEnv("DB_PASSWORD", "ordersaga123"),
		DBName:     pkgconfig.GetEnv("DB_NAME", "ordersaga"),

		RedisAddr:     pkgconfig.GetEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: pkgconfig.GetEnv("REDIS_PASSWORD", ""),

		EventStream:   pkgconfig.GetEnv("EVENT_STREAM", "order:events"),
		ConsumerGroup: pkgconfig.GetEnv("CONSUMER_GROUP", "saga-orchestrator"),
		ConsumerName:  pkgconfig.GetEnv("CONSUMER_NAME", ""),
		OutcomeStream: pkgconfig.GetEnv("OUTCOME_STREAM", "saga:outcomes"),

		InventoryBaseURL: pkgconfig.GetEnv("INVENTORY_BASE_URL", "http://localhost:8091"),
		PaymentBaseURL:   pkgconfig.GetEnv("PAYMENT_BASE_URL", "http://localhost:8092"),
		OrderBaseURL:     pkgconfig.GetEnv("ORDER_BASE_URL", "http://localhost:8093"),
		InternalToken:    pkgconfig.GetEnv("SAGA_INTERNAL_TOKEN", pkgconfig.InsecureDevSecret),

		StepTimeout:  pkgconfig.GetEnvDuration("STEP_TIMEOUT", 3*time.Second),
		MaxRetries:   pkgconfig.GetEnvInt("STEP_MAX_RETRIES", 2),
		RetryBackoff: pkgconfig.GetEnvDuration("STEP_RETRY_BACKOFF", 200*time.Millisecond),

		BreakerFailureRate: pkgconfig.GetEnvFloat64("BREAKER_FAILURE_RATE", 0.5),
		BreakerMinRequests: int64(pkgconfig.GetEnvInt("BREAKER_MIN_REQUESTS", 5)),
		BreakerWindow:      pkgconfig.GetEnvDuration("BREAKER_WINDOW", 10*time.Second),
		BreakerCooldown:    pkgconfig.GetEnvDuration("BREAKER_COOLDOWN", 30*time.Second),

		PublishTimeout: pkgconfig.GetEnvDuration("PUBLISH_TIMEOUT", 3*time.Second),
		PublishRetries: pkgconfig.GetEnvInt("PUBLISH_RETRIES", 2),

		RecoverOlderThan: pkgconfig.GetEnvDuration("RECOVER_OLDER_THAN", 30*time.Second),

		TracingEnabled:    pkgconfig.GetEnvBool("TRACING_ENABLED", false),
		TracingEndpoint:   pkgconfig.GetEnv("TRACING_ENDPOINT", "http://localhost:14268/api/traces"),
		TracingSampleRate: pkgconfig.GetEnvFloat64("TRACING_SAMPLE_RATE", 1.0),
	}
}

// DSN 返回数据库连接字符串
func (c *Config) DSN() string {
	return "host=" + c.DBHost +
		" port=" + strconv.Itoa(c.DBPort) +
		" user=" + c.DBUser +
		" password=" + c.DBPassword +
		" dbname=" + c.DBName +
		" sslmode=disable"
}
