package publisher

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ordersaga/orchestrator/internal/saga"
	"github.com/ordersaga/orchestrator/pkg/logger"
)

func testPublisher(t *testing.T, orderURL string) (*Publisher, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { redisClient.Close() })

	p := New(redisClient, Config{
		OrderBaseURL:  orderURL,
		Token:         "internal-token",
		OutcomeStream: "saga:outcomes",
		Timeout:       time.Second,
		MaxRetries:    2,
		RetryBackoff:  time.Millisecond,
	}, nil, logger.New("publisher-test", io.Discard))
	return p, redisClient
}

func terminalInstance(state saga.State, lastError string) *saga.Instance {
	return &saga.Instance{
		OrderID:   "order-77",
		State:     state,
		LastError: lastError,
	}
}

func readOutcome(t *testing.T, redisClient *redis.Client) outcomeEvent {
	t.Helper()
	entries, err := redisClient.XRange(context.Background(), "saga:outcomes", "-", "+").Result()
	if err != nil {
		t.Fatalf("read outcomes: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 outcome event, got %d", len(entries))
	}
	data, ok := entries[0].Values["data"].(string)
	if !ok {
		t.Fatalf("missing data field: %v", entries[0].Values)
	}
	var event outcomeEvent
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		t.Fatalf("decode outcome event: %v", err)
	}
	return event
}

func TestPublishCompletedSkipsStatusWriteback(t *testing.T) {
	var statusCalls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		statusCalls.Add(1)
	}))
	defer srv.Close()

	p, redisClient := testPublisher(t, srv.URL)
	p.Publish(context.Background(), terminalInstance(saga.StateCompleted, ""))

	if statusCalls.Load() != 0 {
		t.Fatal("completed saga must not write back order status")
	}
	event := readOutcome(t, redisClient)
	if event.Status != "COMPLETED" || event.OrderID != "order-77" {
		t.Fatalf("unexpected outcome event: %+v", event)
	}
	if event.Source != "saga-orchestrator" {
		t.Fatalf("unexpected source: %s", event.Source)
	}
}

func TestPublishRejectedWritesBackWithReason(t *testing.T) {
	var gotPath, gotStatus, gotReason, gotAuth, gotIdemKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotStatus = r.URL.Query().Get("status")
		gotReason = r.URL.Query().Get("message")
		gotAuth = r.Header.Get("Authorization")
		gotIdemKey = r.Header.Get("Idempotency-Key")
		if r.Method != http.MethodPatch {
			t.Errorf("expected PATCH, got %s", r.Method)
		}
	}))
	defer srv.Close()

	p, redisClient := testPublisher(t, srv.URL)
	p.Publish(context.Background(), terminalInstance(saga.StateRejected, "Inventory insufficient"))

	if gotPath != "/orders/order-77/status" {
		t.Fatalf("unexpected path: %s", gotPath)
	}
	if gotStatus != "REJECTED" || gotReason != "Inventory insufficient" {
		t.Fatalf("unexpected status writeback: status=%s reason=%s", gotStatus, gotReason)
	}
	if gotAuth != "Bearer internal-token" {
		t.Fatalf("unexpected auth header: %s", gotAuth)
	}
	if gotIdemKey != "saga:order-77:reject" {
		t.Fatalf("unexpected idempotency key: %s", gotIdemKey)
	}

	event := readOutcome(t, redisClient)
	if event.Status != "REJECTED" || event.Message != "Inventory insufficient" {
		t.Fatalf("unexpected outcome event: %+v", event)
	}
}

func TestPublishCompensatedDefaultReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	p, redisClient := testPublisher(t, srv.URL)
	p.Publish(context.Background(), terminalInstance(saga.StateCompensated, ""))

	event := readOutcome(t, redisClient)
	if event.Status != "COMPENSATED" || event.Message != "order rolled back" {
		t.Fatalf("unexpected outcome event: %+v", event)
	}
}

// 写回重试在后台跑，Publish 本身只同步试一次就返回
func TestPublishRetriesStatusWritebackInBackground(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { redisClient.Close() })

	p := New(redisClient, Config{
		OrderBaseURL:  srv.URL,
		Token:         "internal-token",
		OutcomeStream: "saga:outcomes",
		Timeout:       time.Second,
		MaxRetries:    2,
		RetryBackoff:  200 * time.Millisecond,
	}, nil, logger.New("publisher-test", io.Discard))

	p.Publish(context.Background(), terminalInstance(saga.StateCompensationFailed, "refund timeout"))

	// 返回时重试还没到退避窗口，只发生过那次失败的同步尝试
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected 1 synchronous attempt at return, got %d", got)
	}

	p.Wait()
	if got := calls.Load(); got != 2 {
		t.Fatalf("expected background retry after 503, got %d calls", got)
	}
	event := readOutcome(t, redisClient)
	if event.Status != "COMPENSATION_FAILED" || event.Message != "refund timeout" {
		t.Fatalf("unexpected outcome event: %+v", event)
	}
}

func TestPublishEventDespiteWritebackFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p, redisClient := testPublisher(t, srv.URL)
	p.Publish(context.Background(), terminalInstance(saga.StateRejected, "declined"))

	// 写回失败不吞事件
	event := readOutcome(t, redisClient)
	if event.Status != "REJECTED" {
		t.Fatalf("unexpected outcome event: %+v", event)
	}
	p.Wait()
}
