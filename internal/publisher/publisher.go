// Package publisher saga 终态对外上报
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ordersaga/orchestrator/internal/metrics"
	"github.com/ordersaga/orchestrator/internal/saga"
	"github.com/ordersaga/orchestrator/pkg/logger"
	"github.com/ordersaga/orchestrator/pkg/tracing"
)

// Config 上报配置
type Config struct {
	OrderBaseURL  string
	Token         string
	OutcomeStream string
	Timeout       time.Duration
	MaxRetries    int
	RetryBackoff  time.Duration
}

// Publisher 把终态同步回订单服务并发布结果事件。
// 引擎只在终态落库后调用它，上报失败不回滚 saga，
// 只计数告警，留给对账处理。
type Publisher struct {
	redis   *redis.Client
	http    *http.Client
	cfg     Config
	metrics *metrics.Metrics
	log     *logger.Logger
	wg      sync.WaitGroup
}

// New 创建上报器
func New(redisClient *redis.Client, cfg Config, m *metrics.Metrics, log *logger.Logger) *Publisher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 200 * time.Millisecond
	}
	return &Publisher{
		redis:   redisClient,
		http:    &http.Client{Timeout: cfg.Timeout},
		cfg:     cfg,
		metrics: m,
		log:     log,
	}
}

// outcomeEvent 发布到结果流的事件体
type outcomeEvent struct {
	OrderID     string `json:"orderId"`
	Status      string `json:"status"`
	Source      string `json:"source"`
	TimestampMs int64  `json:"timestampMs"`
	Message     string `json:"message,omitempty"`
}

// Publish 上报一个终态实例。
// COMPLETED 的订单状态已由 finalize 步骤写回，这里只发事件；
// 失败终态额外把订单标记为 REJECTED 并带上原因。
// 调用方持有按单锁，这里只同步试一次，重试转后台。
func (p *Publisher) Publish(ctx context.Context, inst *saga.Instance) {
	reason := failureReason(inst)

	if inst.State != saga.StateCompleted {
		if err := p.updateOrderStatus(ctx, inst.OrderID, reason); err != nil {
			p.metrics.IncPublishFailure()
			p.log.WithOrder(inst.OrderID).WithError(err).Warn("order status writeback failed, retrying in background")
			p.retryWriteback(inst.OrderID, reason)
		}
	}

	if err := p.emitEvent(ctx, inst, reason); err != nil {
		p.metrics.IncPublishFailure()
		p.log.WithOrder(inst.OrderID).WithError(err).Error("outcome event publish failed")
	}
}

// Wait 等待后台重试收尾（优雅停机用）
func (p *Publisher) Wait() {
	p.wg.Wait()
}

func (p *Publisher) updateOrderStatus(ctx context.Context, orderID, reason string) error {
	q := url.Values{}
	q.Set("status", string(saga.StateRejected))
	if reason != "" {
		q.Set("message", reason)
	}
	rawURL := p.cfg.OrderBaseURL + "/orders/" + url.PathEscape(orderID) + "/status?" + q.Encode()
	return p.patchOnce(ctx, rawURL, "saga:"+orderID+":reject")
}

// retryWriteback 在后台按退避重试写回，最终失败只计数告警，
// 留给对账兜底。
func (p *Publisher) retryWriteback(orderID, reason string) {
	if p.cfg.MaxRetries <= 0 {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		var lastErr error
		for attempt := 1; attempt <= p.cfg.MaxRetries; attempt++ {
			time.Sleep(p.cfg.RetryBackoff * time.Duration(1<<(attempt-1)))
			ctx, cancel := context.WithTimeout(context.Background(), p.cfg.Timeout)
			lastErr = p.updateOrderStatus(ctx, orderID, reason)
			cancel()
			if lastErr == nil {
				return
			}
		}
		p.metrics.IncPublishFailure()
		p.log.WithOrder(orderID).WithError(lastErr).Error("order status writeback failed after retries")
	}()
}

func (p *Publisher) patchOnce(ctx context.Context, rawURL, idemKey string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, rawURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.Token)
	req.Header.Set("Idempotency-Key", idemKey)
	tracing.InjectHTTP(ctx, req)

	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("status code: %d", resp.StatusCode)
	}
	return nil
}

func (p *Publisher) emitEvent(ctx context.Context, inst *saga.Instance, reason string) error {
	event := outcomeEvent{
		OrderID:     inst.OrderID,
		Status:      string(inst.State),
		Source:      "saga-orchestrator",
		TimestampMs: time.Now().UnixMilli(),
		Message:     reason,
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal outcome event: %w", err)
	}

	values := map[string]interface{}{"data": string(data)}
	tracing.InjectStream(ctx, values)

	return p.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: p.cfg.OutcomeStream,
		Values: values,
	}).Err()
}

func failureReason(inst *saga.Instance) string {
	switch inst.State {
	case saga.StateCompleted:
		return ""
	case saga.StateCompensated:
		if inst.LastError != "" {
			return inst.LastError
		}
		return "order rolled back"
	default:
		return inst.LastError
	}
}
