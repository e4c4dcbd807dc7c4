// Package ingress 订单事件流消费者
package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ordersaga/orchestrator/internal/metrics"
	"github.com/ordersaga/orchestrator/internal/saga"
	"github.com/ordersaga/orchestrator/pkg/health"
	"github.com/ordersaga/orchestrator/pkg/logger"
	"github.com/ordersaga/orchestrator/pkg/tracing"
)

// EventHandler 事件的最终去处
type EventHandler interface {
	HandleEvent(ctx context.Context, ev *saga.TriggerEvent) error
}

// Config 消费配置
type Config struct {
	Stream      string
	Group       string
	Consumer    string
	BatchSize   int64
	Block       time.Duration
	ClaimIdle   time.Duration
	MaxRetries  int64
	MaxInflight int
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.Consumer == "" {
		cfg.Consumer = "orchestrator-" + uuid.NewString()[:8]
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Block <= 0 {
		cfg.Block = 1000 * time.Millisecond
	}
	if cfg.ClaimIdle <= 0 {
		cfg.ClaimIdle = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 10
	}
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 64
	}
	return cfg
}

// Consumer 从订单事件流拉取触发事件并交给引擎。
// 每条消息在自己的 goroutine 里处理：一个订单的 saga 再慢，
// 也不会挡住其他订单的事件（同单串行由引擎的按单锁保证）。
// 处理失败不 ack：消息留在 pending 列表里等待重投，
// 超过重试上限的转入 DLQ。
type Consumer struct {
	redis   *redis.Client
	handler EventHandler
	metrics *metrics.Metrics
	log     *logger.Logger
	cfg     Config

	sem  chan struct{}
	wg   sync.WaitGroup
	loop *health.LoopMonitor
}

// NewConsumer 创建消费者
func NewConsumer(redisClient *redis.Client, handler EventHandler, m *metrics.Metrics, log *logger.Logger, cfg *Config) *Consumer {
	resolved := cfg.withDefaults()
	return &Consumer{
		redis:   redisClient,
		handler: handler,
		metrics: m,
		log:     log,
		cfg:     resolved,
		sem:     make(chan struct{}, resolved.MaxInflight),
		loop:    health.NewLoopMonitor("event_consumer", 45*time.Second),
	}
}

// Start 建组并启动消费循环
func (c *Consumer) Start(ctx context.Context) error {
	err := c.redis.XGroupCreateMkStream(ctx, c.cfg.Stream, c.cfg.Group, "0").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return fmt.Errorf("create consumer group: %w", err)
	}

	c.loop.Tick()
	go c.consumeLoop(ctx)
	return nil
}

// LoopChecker 消费循环的就绪探针
func (c *Consumer) LoopChecker() health.Checker {
	return c.loop
}

// Wait 等待所有在途消息处理完成（优雅停机用）
func (c *Consumer) Wait() {
	c.wg.Wait()
}

func (c *Consumer) consumeLoop(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			c.loop.SetError(fmt.Errorf("panic: %v", r))
			c.log.Errorf("consume loop panic", map[string]interface{}{
				"panic": fmt.Sprint(r),
				"stack": string(debug.Stack()),
			})
		}
	}()

	c.log.WithField("stream", c.cfg.Stream).WithField("group", c.cfg.Group).Info("consuming order events")

	pendingTicker := time.NewTicker(30 * time.Second)
	defer pendingTicker.Stop()

	if err := c.processPending(ctx); err != nil {
		c.loop.SetError(err)
		c.log.WithError(err).Warn("process pending failed")
	}

	for {
		c.loop.Tick()

		select {
		case <-ctx.Done():
			return
		case <-pendingTicker.C:
			if err := c.processPending(ctx); err != nil {
				c.loop.SetError(err)
				c.log.WithError(err).Warn("process pending failed")
			}
			continue
		default:
		}

		if err := c.consumeOnce(ctx); err != nil {
			c.loop.SetError(err)
			c.log.WithError(err).Warn("read stream failed")
		}
	}
}

func (c *Consumer) consumeOnce(ctx context.Context) error {
	results, err := c.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		Streams:  []string{c.cfg.Stream, ">"},
		Count:    c.cfg.BatchSize,
		Block:    c.cfg.Block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil
		}
		return err
	}

	for _, result := range results {
		for _, msg := range result.Messages {
			c.dispatch(ctx, msg)
		}
	}
	return nil
}

// dispatch 并发处理一条消息，成功才 ack。
// 信号量只限制在途总量，不串行化不同订单。
func (c *Consumer) dispatch(ctx context.Context, msg redis.XMessage) {
	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	c.wg.Add(1)
	go func() {
		defer func() {
			<-c.sem
			c.wg.Done()
		}()
		if err := c.processMessage(ctx, msg); err != nil {
			c.metrics.IncStreamError(c.cfg.Stream, c.cfg.Group)
			c.log.WithField("msgId", msg.ID).WithError(err).Warn("process event failed")
			return
		}
		c.redis.XAck(ctx, c.cfg.Stream, c.cfg.Group, msg.ID)
	}()
}

// processPending 认领滞留消息：同组的其他消费者崩溃后，
// 它们未确认的消息由存活者接手。
func (c *Consumer) processPending(ctx context.Context) error {
	if summary, err := c.redis.XPending(ctx, c.cfg.Stream, c.cfg.Group).Result(); err == nil {
		c.metrics.SetStreamPending(c.cfg.Stream, c.cfg.Group, summary.Count)
	}

	pending, err := c.redis.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.cfg.Stream,
		Group:  c.cfg.Group,
		Start:  "-",
		End:    "+",
		Count:  c.cfg.BatchSize,
	}).Result()
	if err != nil {
		return err
	}

	var ids []string
	dlqIDs := make(map[string]int64)
	for _, entry := range pending {
		if entry.Idle >= c.cfg.ClaimIdle {
			ids = append(ids, entry.ID)
			if entry.RetryCount > c.cfg.MaxRetries {
				dlqIDs[entry.ID] = entry.RetryCount
			}
		}
	}
	if len(ids) == 0 {
		return nil
	}

	claimed, err := c.redis.XClaim(ctx, &redis.XClaimArgs{
		Stream:   c.cfg.Stream,
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		MinIdle:  c.cfg.ClaimIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return err
	}

	for _, msg := range claimed {
		if retryCount, toDLQ := dlqIDs[msg.ID]; toDLQ {
			if err := c.sendToDLQ(ctx, &msg, fmt.Sprintf("max retries exceeded: %d", retryCount)); err != nil {
				c.metrics.IncStreamError(c.cfg.Stream, c.cfg.Group)
				c.log.WithField("msgId", msg.ID).WithError(err).Warn("send dlq failed")
				continue
			}
			c.metrics.IncStreamDLQ(c.cfg.Stream, c.cfg.Group)
			c.redis.XAck(ctx, c.cfg.Stream, c.cfg.Group, msg.ID)
			continue
		}
		c.dispatch(ctx, msg)
	}
	return nil
}

func (c *Consumer) sendToDLQ(ctx context.Context, msg *redis.XMessage, reason string) error {
	dlqStream := c.cfg.Stream + ":dlq"
	_, err := c.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: dlqStream,
		Values: map[string]interface{}{
			"stream":   c.cfg.Stream,
			"msgId":    msg.ID,
			"reason":   reason,
			"data":     msg.Values["data"],
			"tsMs":     time.Now().UnixMilli(),
			"group":    c.cfg.Group,
			"consumer": c.cfg.Consumer,
		},
	}).Result()
	return err
}

func (c *Consumer) processMessage(ctx context.Context, msg redis.XMessage) error {
	data, ok := msg.Values["data"].(string)
	if !ok {
		// 格式不对的消息没有重试价值，直接 ack 掉
		return nil
	}

	var event saga.TriggerEvent
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		return fmt.Errorf("unmarshal trigger event: %w", err)
	}

	ctx = tracing.ExtractStream(ctx, msg.Values)
	return c.handler.HandleEvent(ctx, &event)
}
