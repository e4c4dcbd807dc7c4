package health

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// LoopMonitor 后台循环的心跳探针，作为 Checker 挂进就绪检查。
// 循环每轮调 Tick()，超过 maxAge 没有心跳就判 down。
type LoopMonitor struct {
	name   string
	maxAge time.Duration

	lastTickUnixNano atomic.Int64
	lastErr          atomic.Value // string
}

func NewLoopMonitor(name string, maxAge time.Duration) *LoopMonitor {
	if maxAge <= 0 {
		maxAge = 10 * time.Second
	}
	return &LoopMonitor{name: name, maxAge: maxAge}
}

// Tick 记录一次心跳
func (m *LoopMonitor) Tick() {
	m.lastTickUnixNano.Store(time.Now().UnixNano())
}

// SetError 记录循环最近一次的错误，供检查结果展示
func (m *LoopMonitor) SetError(err error) {
	if err == nil {
		return
	}
	m.lastErr.Store(err.Error())
}

func (m *LoopMonitor) lastError() string {
	if v := m.lastErr.Load(); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func (m *LoopMonitor) Name() string { return m.name }

func (m *LoopMonitor) Check(_ context.Context) CheckResult {
	lastErr := m.lastError()
	last := m.lastTickUnixNano.Load()
	if last <= 0 {
		return CheckResult{Status: StatusDown, Message: "loop never started"}
	}

	age := time.Since(time.Unix(0, last))
	if age < 0 {
		age = 0
	}
	if age > m.maxAge {
		msg := fmt.Sprintf("no heartbeat for %s", age.Round(time.Millisecond))
		if lastErr != "" {
			msg += ": " + lastErr
		}
		return CheckResult{Status: StatusDown, Message: msg}
	}
	return CheckResult{Status: StatusUp, Message: lastErr}
}
