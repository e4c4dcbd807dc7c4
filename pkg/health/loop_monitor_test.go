package health

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestLoopMonitorNeverTicked(t *testing.T) {
	m := NewLoopMonitor("consume_loop", time.Second)
	res := m.Check(context.Background())
	if res.Status != StatusDown {
		t.Fatalf("expected down before first tick, got %s", res.Status)
	}
	if res.Message != "loop never started" {
		t.Fatalf("unexpected message: %q", res.Message)
	}
}

func TestLoopMonitorUpAfterTick(t *testing.T) {
	m := NewLoopMonitor("consume_loop", time.Minute)
	m.Tick()
	res := m.Check(context.Background())
	if res.Status != StatusUp {
		t.Fatalf("expected up after tick, got %s (%s)", res.Status, res.Message)
	}
	if m.Name() != "consume_loop" {
		t.Fatalf("unexpected name: %q", m.Name())
	}
}

func TestLoopMonitorStaleHeartbeat(t *testing.T) {
	m := NewLoopMonitor("consume_loop", time.Nanosecond)
	m.Tick()
	m.SetError(errors.New("read stream failed"))
	time.Sleep(2 * time.Millisecond)

	res := m.Check(context.Background())
	if res.Status != StatusDown {
		t.Fatalf("expected down after stale heartbeat, got %s", res.Status)
	}
	if !strings.Contains(res.Message, "no heartbeat") || !strings.Contains(res.Message, "read stream failed") {
		t.Fatalf("unexpected message: %q", res.Message)
	}
}

func TestLoopMonitorNilErrorIgnored(t *testing.T) {
	m := NewLoopMonitor("consume_loop", time.Minute)
	m.Tick()
	m.SetError(nil)
	res := m.Check(context.Background())
	if res.Message != "" {
		t.Fatalf("nil error should not leave a message, got %q", res.Message)
	}
}
