// Package breaker 下游目标熔断器
package breaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen 熔断开启，调用被直接拒绝
var ErrOpen = errors.New("circuit breaker is open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Config 熔断配置
type Config struct {
	FailureRate float64       // 触发熔断的失败率阈值 (0-1]
	MinRequests int64         // 窗口内参与判断的最小请求数
	Window      time.Duration // 滑动统计窗口
	Cooldown    time.Duration // 熔断后的冷却时间
}

// DefaultConfig 默认配置
var DefaultConfig = Config{
	FailureRate: 0.5,
	MinRequests: 5,
	Window:      10 * time.Second,
	Cooldown:    30 * time.Second,
}

const bucketCount = 10

type bucket struct {
	requests int64
	failures int64
}

// Breaker 单个下游目标的熔断器，进程内共享。
// 滑动窗口分桶统计失败率；开启后冷却期内快速失败，
// 冷却结束放行单个半开探测，探测成功才恢复。
type Breaker struct {
	name string
	cfg  Config

	mu         sync.Mutex
	state      State
	openedAt   time.Time
	probing    bool
	buckets    [bucketCount]bucket
	current    int
	lastRotate time.Time
	now        func() time.Time
}

// New 创建熔断器
func New(name string, cfg Config) *Breaker {
	if cfg.FailureRate <= 0 || cfg.FailureRate > 1 {
		cfg.FailureRate = DefaultConfig.FailureRate
	}
	if cfg.MinRequests <= 0 {
		cfg.MinRequests = DefaultConfig.MinRequests
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig.Window
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultConfig.Cooldown
	}
	return &Breaker{
		name:       name,
		cfg:        cfg,
		state:      StateClosed,
		lastRotate: time.Now(),
		now:        time.Now,
	}
}

func (b *Breaker) Name() string { return b.name }

// Allow 报告一次调用能否发起。
// 开启状态下冷却结束后只放行一个半开探测，其余调用继续快速失败。
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			return false
		}
		if b.probing {
			return false
		}
		b.state = StateHalfOpen
		b.probing = true
		return true
	default: // StateHalfOpen
		return false
	}
}

// Record 记录一次被放行调用的结果
func (b *Breaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.probing = false
		if success {
			b.reset()
			b.state = StateClosed
		} else {
			b.state = StateOpen
			b.openedAt = b.now()
		}
		return
	}

	b.rotate()
	b.buckets[b.current].requests++
	if !success {
		b.buckets[b.current].failures++
	}

	if b.state == StateClosed && !success && b.shouldTrip() {
		b.state = StateOpen
		b.openedAt = b.now()
	}
}

// State 当前状态
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	// 只读访问也要推进窗口，否则陈旧失败会卡住统计
	b.rotate()
	return b.state
}

func (b *Breaker) shouldTrip() bool {
	var requests, failures int64
	for i := range b.buckets {
		requests += b.buckets[i].requests
		failures += b.buckets[i].failures
	}
	if requests < b.cfg.MinRequests {
		return false
	}
	return float64(failures)/float64(requests) >= b.cfg.FailureRate
}

func (b *Breaker) rotate() {
	bucketDur := b.cfg.Window / bucketCount
	elapsed := b.now().Sub(b.lastRotate)
	if elapsed < bucketDur {
		return
	}

	steps := int64(elapsed / bucketDur)
	if steps >= bucketCount {
		// 整个窗口都过期了，对齐到当前时刻重新计数
		for i := range b.buckets {
			b.buckets[i] = bucket{}
		}
		b.current = 0
		b.lastRotate = b.now()
		return
	}
	for i := int64(0); i < steps; i++ {
		b.current = (b.current + 1) % bucketCount
		b.buckets[b.current] = bucket{}
	}
	// 只推进整桶，保留不足一桶的余量，窗口不漂移
	b.lastRotate = b.lastRotate.Add(time.Duration(steps) * bucketDur)
}

func (b *Breaker) reset() {
	for i := range b.buckets {
		b.buckets[i] = bucket{}
	}
	b.current = 0
	b.lastRotate = b.now()
	b.openedAt = time.Time{}
	b.probing = false
}
