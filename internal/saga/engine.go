package saga

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/ordersaga/orchestrator/internal/metrics"
	"github.com/ordersaga/orchestrator/pkg/logger"
	"github.com/ordersaga/orchestrator/pkg/tracing"
)

// Engine saga 状态机：顺序执行正向步骤，失败时按账本补偿。
// 同一 orderID 的处理串行化；不同订单完全并行。
type Engine struct {
	store     Store
	steps     StepClient
	publisher OutcomePublisher
	metrics   *metrics.Metrics
	log       *logger.Logger

	locks orderLocks
}

// NewEngine 创建执行引擎
func NewEngine(store Store, steps StepClient, publisher OutcomePublisher, m *metrics.Metrics, log *logger.Logger) *Engine {
	return &Engine{
		store:     store,
		steps:     steps,
		publisher: publisher,
		metrics:   m,
		log:       log,
	}
}

// HandleEvent 处理一条触发事件。重复投递是常态：
// 已存在且不在初始状态的实例直接幂等忽略，不会重启。
// 返回错误表示暂存失败，事件应当重投。
func (e *Engine) HandleEvent(ctx context.Context, ev *TriggerEvent) error {
	if ev == nil || ev.OrderID == "" {
		return nil
	}
	if !strings.EqualFold(ev.Status, string(StatePending)) || ev.Payload == nil {
		// 其他服务回写的状态事件，不触发 saga
		return nil
	}

	unlock := e.locks.acquire(ev.OrderID)
	defer unlock()

	ctx = logger.ContextWithOrderID(ctx, ev.OrderID)

	inst, err := e.store.Get(ctx, ev.OrderID)
	switch {
	case err == nil:
		if inst.State != StatePending {
			e.log.WithOrder(ev.OrderID).WithField("state", inst.State).
				Debug("duplicate trigger event ignored")
			return nil
		}
		// PENDING 残留：首个步骤尚未尝试，直接恢复执行
	case errors.Is(err, ErrNotFound):
		now := time.Now().UnixMilli()
		inst = &Instance{
			OrderID:      ev.OrderID,
			Payload:      *ev.Payload,
			State:        StatePending,
			CreateTimeMs: now,
			UpdateTimeMs: now,
		}
		if err := e.store.Create(ctx, inst); err != nil {
			if errors.Is(err, ErrAlreadyExists) {
				return nil
			}
			return fmt.Errorf("create saga instance: %w", err)
		}
		e.metrics.IncSagaStarted()
	default:
		return fmt.Errorf("load saga instance: %w", err)
	}

	return e.run(ctx, inst)
}

// Recover 恢复所有非终态实例：从持久化的 CommittedSteps 续跑，
// 而不是从 PENDING 重来，避免重复预占。
// olderThan 过滤掉最近刚更新过的实例，防止与在途执行竞争。
func (e *Engine) Recover(ctx context.Context, olderThan time.Duration) (int, error) {
	unfinished, err := e.store.ListUnfinished(ctx)
	if err != nil {
		return 0, fmt.Errorf("list unfinished sagas: %w", err)
	}

	cutoff := time.Now().Add(-olderThan).UnixMilli()
	resumed := 0
	for _, inst := range unfinished {
		if inst.UpdateTimeMs > cutoff {
			continue
		}
		resumed++
		go func(orderID string) {
			unlock := e.locks.acquire(orderID)
			defer unlock()

			// 持锁后重读，避免用过期快照续跑
			current, err := e.store.Get(ctx, orderID)
			if err != nil || current.State.Terminal() {
				return
			}
			rctx := logger.ContextWithOrderID(ctx, orderID)
			if current.State == StateCompensating {
				if err := e.compensate(rctx, current); err != nil {
					e.log.WithOrder(orderID).WithError(err).Error("saga compensation recovery failed")
				}
				return
			}
			if err := e.run(rctx, current); err != nil {
				e.log.WithOrder(orderID).WithError(err).Error("saga recovery failed")
			}
		}(inst.OrderID)
	}
	return resumed, nil
}

// Instance 查询单个实例（运维接口）
func (e *Engine) Instance(ctx context.Context, orderID string) (*Instance, error) {
	return e.store.Get(ctx, orderID)
}

// Quarantined 列出补偿失败、需要人工介入的实例
func (e *Engine) Quarantined(ctx context.Context) ([]*Instance, error) {
	return e.store.ListQuarantined(ctx)
}

func (e *Engine) run(ctx context.Context, inst *Instance) error {
	ctx, span := tracing.StartSpan(ctx, "saga.run")
	span.SetAttributes(attribute.String("order.id", inst.OrderID))
	defer span.End()

	for {
		step, ok := inst.NextStep()
		if !ok {
			break
		}

		inst.Attempts++
		if err := e.transition(ctx, inst, progressState(step)); err != nil {
			return err
		}

		out := e.steps.Execute(ctx, step, inst)
		if out.Succeeded {
			e.metrics.IncStepAttempt(string(step), "success")
			if err := RecordCommit(inst, step); err != nil {
				return err
			}
			if step == StepFinalize {
				break
			}
			if err := e.transition(ctx, inst, committedState(step)); err != nil {
				return err
			}
			continue
		}

		e.metrics.IncStepAttempt(string(step), failureLabel(out))
		inst.LastError = outcomeError(out)
		tracing.SetError(ctx, out.Err)
		e.log.WithOrder(inst.OrderID).WithStep(string(step)).
			WithField("retryable", out.Retryable).
			WithError(out.Err).Warn("saga step failed")

		// 首个步骤的业务拒绝：什么都没提交，无需补偿
		if step == StepReserve && !out.Retryable && len(inst.CommittedSteps) == 0 {
			return e.finish(ctx, inst, StateRejected)
		}
		return e.compensate(ctx, inst)
	}

	return e.finish(ctx, inst, StateCompleted)
}

// compensate 按账本逆序执行撤销，全部成功才算补偿完成。
// 任一撤销耗尽重试预算即进入隔离终态，交由人工处理。
func (e *Engine) compensate(ctx context.Context, inst *Instance) error {
	ctx, span := tracing.StartSpan(ctx, "saga.compensate")
	span.SetAttributes(attribute.String("order.id", inst.OrderID))
	defer span.End()

	if inst.State != StateCompensating {
		if err := e.transition(ctx, inst, StateCompensating); err != nil {
			return err
		}
	}

	for _, step := range PlanCompensation(inst) {
		out := e.steps.Compensate(ctx, step, inst)
		if !out.Succeeded {
			e.metrics.IncCompensation("failed")
			inst.LastError = outcomeError(out)
			tracing.SetError(ctx, out.Err)
			e.log.WithOrder(inst.OrderID).WithStep(string(step)).
				WithError(out.Err).Error("compensation step exhausted, saga quarantined")
			return e.finish(ctx, inst, StateCompensationFailed)
		}
	}

	e.metrics.IncCompensation("completed")
	return e.finish(ctx, inst, StateCompensated)
}

// transition 落库后才继续：每次步骤尝试前，实例必须已持久化
func (e *Engine) transition(ctx context.Context, inst *Instance, state State) error {
	inst.State = state
	inst.UpdateTimeMs = time.Now().UnixMilli()
	if err := e.store.Update(ctx, inst); err != nil {
		return fmt.Errorf("persist saga state %s: %w", state, err)
	}
	return nil
}

// finish 写入终态，之后才上报结果：不会把中间状态当成终态对外报告
func (e *Engine) finish(ctx context.Context, inst *Instance, state State) error {
	if err := e.transition(ctx, inst, state); err != nil {
		return err
	}

	e.metrics.IncSagaTerminal(string(state))
	e.metrics.ObserveSagaDuration(time.Duration(inst.UpdateTimeMs-inst.CreateTimeMs) * time.Millisecond)
	e.log.WithOrder(inst.OrderID).WithField("state", state).Info("saga finished")

	if e.publisher != nil {
		e.publisher.Publish(ctx, inst)
	}
	return nil
}

func progressState(step Step) State {
	switch step {
	case StepReserve:
		return StateReserving
	case StepCharge:
		return StateCharging
	default:
		return StateFinalizing
	}
}

func committedState(step Step) State {
	switch step {
	case StepReserve:
		return StateReserved
	default:
		return StateCharged
	}
}

func failureLabel(out Outcome) string {
	if out.Retryable {
		return "retry_exhausted"
	}
	return "rejected"
}

func outcomeError(out Outcome) string {
	if out.Err != nil {
		return out.Err.Error()
	}
	return fmt.Sprintf("step %s failed", out.Step)
}

// orderLocks 按 orderID 串行化的锁表，空闲即回收
type orderLocks struct {
	mu sync.Mutex
	m  map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func (l *orderLocks) acquire(orderID string) (unlock func()) {
	l.mu.Lock()
	if l.m == nil {
		l.m = make(map[string]*lockEntry)
	}
	entry := l.m[orderID]
	if entry == nil {
		entry = &lockEntry{}
		l.m[orderID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.m, orderID)
		}
		l.mu.Unlock()
	}
}
