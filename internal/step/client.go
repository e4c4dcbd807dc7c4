// Package step 远程步骤调用封装：超时、有界重试、熔断
package step

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/ordersaga/orchestrator/internal/breaker"
	"github.com/ordersaga/orchestrator/internal/metrics"
	"github.com/ordersaga/orchestrator/internal/saga"
	"github.com/ordersaga/orchestrator/pkg/logger"
	"github.com/ordersaga/orchestrator/pkg/tracing"
)

// 下游目标，每个目标一个进程级熔断器
const (
	TargetInventory = "inventory"
	TargetPayment   = "payment"
	TargetOrder     = "order"
)

// Config 步骤调用配置
type Config struct {
	InventoryBaseURL string
	PaymentBaseURL   string
	OrderBaseURL     string
	Token            string // 内部服务 bearer 凭证
	Timeout          time.Duration
	MaxRetries       int
	RetryBackoff     time.Duration
}

// Client 统一的步骤调用方。
// 只负责远程调用与结果分类，不改动 saga 状态。
type Client struct {
	cfg      Config
	http     *http.Client
	breakers map[string]*breaker.Breaker
	log      *logger.Logger
	metrics  *metrics.Metrics
}

// NewClient 创建步骤调用方
func NewClient(cfg Config, bcfg breaker.Config, m *metrics.Metrics, log *logger.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 200 * time.Millisecond
	}

	return &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout: cfg.Timeout,
		},
		breakers: map[string]*breaker.Breaker{
			TargetInventory: breaker.New(TargetInventory, bcfg),
			TargetPayment:   breaker.New(TargetPayment, bcfg),
			TargetOrder:     breaker.New(TargetOrder, bcfg),
		},
		log:     log,
		metrics: m,
	}
}

// Breaker 返回目标的熔断器（测试与运维可见性）
func (c *Client) Breaker(target string) *breaker.Breaker {
	return c.breakers[target]
}

type reserveRequest struct {
	IdempotencyKey string      `json:"idempotencyKey"`
	OrderID        string      `json:"orderId"`
	Items          []saga.Item `json:"items"`
}

type chargeRequest struct {
	IdempotencyKey string `json:"idempotencyKey"`
	OrderID        string `json:"orderId"`
	Amount         int64  `json:"amount"`
}

type apiResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// Execute 执行正向步骤
func (c *Client) Execute(ctx context.Context, step saga.Step, inst *saga.Instance) saga.Outcome {
	switch step {
	case saga.StepReserve:
		key := idempotencyKey(inst.OrderID, "reserve")
		body := &reserveRequest{
			IdempotencyKey: key,
			OrderID:        inst.OrderID,
			Items:          inst.Payload.Items,
		}
		return c.call(ctx, step, TargetInventory, http.MethodPost, c.cfg.InventoryBaseURL+"/inventory/reserve", key, body)
	case saga.StepCharge:
		key := idempotencyKey(inst.OrderID, "charge")
		body := &chargeRequest{
			IdempotencyKey: key,
			OrderID:        inst.OrderID,
			Amount:         inst.Payload.TotalAmount,
		}
		return c.call(ctx, step, TargetPayment, http.MethodPost, c.cfg.PaymentBaseURL+"/payments/"+url.PathEscape(inst.OrderID)+"/charge", key, body)
	case saga.StepFinalize:
		u := c.cfg.OrderBaseURL + "/orders/" + url.PathEscape(inst.OrderID) + "/status?status=COMPLETED"
		return c.call(ctx, step, TargetOrder, http.MethodPatch, u, idempotencyKey(inst.OrderID, "finalize"), nil)
	default:
		return saga.Outcome{Step: step, Err: fmt.Errorf("unknown step: %s", step)}
	}
}

// Compensate 执行撤销步骤。撤销操作使用自己的幂等键，可安全重放。
func (c *Client) Compensate(ctx context.Context, step saga.Step, inst *saga.Instance) saga.Outcome {
	switch step {
	case saga.StepReserve:
		key := idempotencyKey(inst.OrderID, "release")
		body := &reserveRequest{
			IdempotencyKey: key,
			OrderID:        inst.OrderID,
			Items:          inst.Payload.Items,
		}
		return c.call(ctx, step, TargetInventory, http.MethodPost, c.cfg.InventoryBaseURL+"/inventory/release", key, body)
	case saga.StepCharge:
		key := idempotencyKey(inst.OrderID, "refund")
		body := &chargeRequest{
			IdempotencyKey: key,
			OrderID:        inst.OrderID,
			Amount:         inst.Payload.TotalAmount,
		}
		return c.call(ctx, step, TargetPayment, http.MethodPost, c.cfg.PaymentBaseURL+"/payments/"+url.PathEscape(inst.OrderID)+"/refund", key, body)
	default:
		return saga.Outcome{Step: step, Err: fmt.Errorf("no compensation for step: %s", step)}
	}
}

// call 带重试与熔断的一次逻辑调用。
// 熔断开启立即以 unavailable 返回，不发起网络请求也不消耗重试预算。
func (c *Client) call(ctx context.Context, step saga.Step, target, method, rawURL, idemKey string, body interface{}) saga.Outcome {
	ctx, span := tracing.StartSpan(ctx, "step."+string(step))
	span.SetAttributes(attribute.String("step.target", target))
	defer span.End()

	br := c.breakers[target]

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.cfg.RetryBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return c.outcome(target, saga.Outcome{Step: step, Retryable: true, Err: ctx.Err()})
			}
		}

		if !br.Allow() {
			c.log.WithStep(string(step)).WithField("target", target).Warn("circuit open, step failed fast")
			return c.outcome(target, saga.Outcome{Step: step, Retryable: true, Err: fmt.Errorf("%s: %w", target, breaker.ErrOpen)})
		}

		succeeded, retryable, err := c.doOnce(ctx, method, rawURL, idemKey, body)
		br.Record(err == nil || !retryable)

		if succeeded {
			return c.outcome(target, saga.Outcome{Step: step, Succeeded: true})
		}
		if !retryable {
			return c.outcome(target, saga.Outcome{Step: step, Retryable: false, Err: err})
		}
		lastErr = err
		c.log.WithStep(string(step)).WithField("attempt", attempt+1).WithError(err).Debug("transient step failure")
	}

	return c.outcome(target, saga.Outcome{Step: step, Retryable: true, Err: fmt.Errorf("retry budget exhausted: %w", lastErr)})
}

// doOnce 单次调用；retryable 区分瞬时故障与业务拒绝
func (c *Client) doOnce(ctx context.Context, method, rawURL, idemKey string, body interface{}) (succeeded, retryable bool, err error) {
	var reader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return false, false, fmt.Errorf("marshal body: %w", err)
		}
		reader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return false, false, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Idempotency-Key", idemKey)
	tracing.InjectHTTP(ctx, req)

	resp, err := c.http.Do(req)
	if err != nil {
		return false, true, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return false, true, fmt.Errorf("status code: %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return false, false, fmt.Errorf("rejected: status code %d", resp.StatusCode)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, true, fmt.Errorf("read response: %w", err)
	}
	if len(respBody) == 0 {
		// 状态更新类接口返回空体，2xx 即成功
		return true, false, nil
	}

	var parsed apiResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return false, false, fmt.Errorf("decode response: %w", err)
	}
	if !parsed.Success {
		msg := parsed.Message
		if msg == "" {
			msg = "declined by downstream"
		}
		return false, false, errors.New(msg)
	}
	return true, false, nil
}

// outcome 统一出口，顺带刷新熔断器状态指标
func (c *Client) outcome(target string, out saga.Outcome) saga.Outcome {
	c.metrics.SetBreakerState(target, int(c.breakers[target].State()))
	return out
}

func idempotencyKey(orderID, op string) string {
	return "saga:" + orderID + ":" + op
}
