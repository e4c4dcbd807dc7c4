package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/ordersaga/orchestrator/internal/breaker"
	"github.com/ordersaga/orchestrator/internal/config"
	"github.com/ordersaga/orchestrator/internal/ingress"
	"github.com/ordersaga/orchestrator/internal/metrics"
	"github.com/ordersaga/orchestrator/internal/publisher"
	"github.com/ordersaga/orchestrator/internal/repository"
	"github.com/ordersaga/orchestrator/internal/saga"
	"github.com/ordersaga/orchestrator/internal/step"
	pkgconfig "github.com/ordersaga/orchestrator/pkg/config"
	"github.com/ordersaga/orchestrator/pkg/health"
	"github.com/ordersaga/orchestrator/pkg/logger"
	"github.com/ordersaga/orchestrator/pkg/tracing"
)

type redisHealthClient struct {
	client *redis.Client
}

func (c redisHealthClient) Ping(ctx context.Context) health.RedisPingCmd {
	return c.client.Ping(ctx)
}

func main() {
	cfg := config.Load()
	l := logger.New(cfg.ServiceName, os.Stdout)
	l.Info(fmt.Sprintf("Starting %s...", cfg.ServiceName))

	if pkgconfig.IsInsecureDevSecret(cfg.InternalToken) {
		l.Warn("SAGA_INTERNAL_TOKEN uses the dev placeholder, do not run this in production")
	}

	shutdown, err := tracing.Init(tracing.Config{
		ServiceName: cfg.ServiceName,
		Endpoint:    cfg.TracingEndpoint,
		Enabled:     cfg.TracingEnabled,
		SampleRate:  cfg.TracingSampleRate,
	})
	if err != nil {
		l.Error(fmt.Sprintf("Init tracing: %v", err))
		os.Exit(1)
	}
	defer shutdown(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 数据库
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		l.Error(fmt.Sprintf("Open database: %v", err))
		os.Exit(1)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		l.Error(fmt.Sprintf("Ping database: %v", err))
		os.Exit(1)
	}
	l.Info("Connected to PostgreSQL")

	// Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	defer redisClient.Close()

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		l.Error(fmt.Sprintf("Ping Redis: %v", err))
		os.Exit(1)
	}
	l.Info("Connected to Redis")

	m := metrics.New()
	store := repository.NewSagaRepository(db)

	steps := step.NewClient(step.Config{
		InventoryBaseURL: cfg.InventoryBaseURL,
		PaymentBaseURL:   cfg.PaymentBaseURL,
		OrderBaseURL:     cfg.OrderBaseURL,
		Token:            cfg.InternalToken,
		Timeout:          cfg.StepTimeout,
		MaxRetries:       cfg.MaxRetries,
		RetryBackoff:     cfg.RetryBackoff,
	}, breaker.Config{
		FailureRate: cfg.BreakerFailureRate,
		MinRequests: cfg.BreakerMinRequests,
		Window:      cfg.BreakerWindow,
		Cooldown:    cfg.BreakerCooldown,
	}, m, l)

	pub := publisher.New(redisClient, publisher.Config{
		OrderBaseURL:  cfg.OrderBaseURL,
		Token:         cfg.InternalToken,
		OutcomeStream: cfg.OutcomeStream,
		Timeout:       cfg.PublishTimeout,
		MaxRetries:    cfg.PublishRetries,
		RetryBackoff:  cfg.RetryBackoff,
	}, m, l)

	engine := saga.NewEngine(store, steps, pub, m, l)

	// 崩溃恢复：续跑所有滞留的非终态实例
	resumed, err := engine.Recover(ctx, cfg.RecoverOlderThan)
	if err != nil {
		l.Error(fmt.Sprintf("Recover sagas: %v", err))
		os.Exit(1)
	}
	if resumed > 0 {
		l.Infof("Resumed unfinished sagas", map[string]interface{}{"count": resumed})
	}

	consumer := ingress.NewConsumer(redisClient, engine, m, l, &ingress.Config{
		Stream:   cfg.EventStream,
		Group:    cfg.ConsumerGroup,
		Consumer: cfg.ConsumerName,
	})
	if err := consumer.Start(ctx); err != nil {
		l.Error(fmt.Sprintf("Start consumer: %v", err))
		os.Exit(1)
	}

	healthz := health.New()
	healthz.Register(health.NewPostgresChecker(db))
	healthz.Register(health.NewRedisChecker(redisHealthClient{client: redisClient}))
	healthz.Register(consumer.LoopChecker())
	healthz.SetReady(true)

	mux := http.NewServeMux()
	mux.HandleFunc("/health/live", healthz.LiveHandler())
	mux.HandleFunc("/health/ready", healthz.ReadyHandler())
	mux.Handle("/metrics", m.Handler())

	// 运维接口
	mux.HandleFunc("/v1/sagas", func(w http.ResponseWriter, r *http.Request) {
		orderID := r.URL.Query().Get("orderId")
		if orderID == "" {
			http.Error(w, "orderId required", http.StatusBadRequest)
			return
		}
		inst, err := engine.Instance(r.Context(), orderID)
		if err != nil {
			if errors.Is(err, saga.ErrNotFound) {
				http.Error(w, "saga not found", http.StatusNotFound)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(inst)
	})

	mux.HandleFunc("/v1/sagas/quarantined", func(w http.ResponseWriter, r *http.Request) {
		instances, err := engine.Quarantined(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if instances == nil {
			instances = []*saga.Instance{}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(instances)
	})

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: mux,
	}

	go func() {
		l.Info(fmt.Sprintf("HTTP server listening on :%d", cfg.HTTPPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			l.Error(fmt.Sprintf("HTTP server error: %v", err))
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	l.Info("Shutting down...")
	healthz.SetReady(false)
	cancel()
	consumer.Wait()
	pub.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)
	l.Info("Shutdown complete")
}
