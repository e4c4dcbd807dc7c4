// Package saga 订单 saga 编排核心
package saga

import (
	"context"
	"errors"
)

// State saga 生命周期状态
type State string

const (
	StatePending            State = "PENDING"
	StateReserving          State = "RESERVING"
	StateReserved           State = "RESERVED"
	StateCharging           State = "CHARGING"
	StateCharged            State = "CHARGED"
	StateFinalizing         State = "FINALIZING"
	StateCompleted          State = "COMPLETED"
	StateRejected           State = "REJECTED"
	StateCompensating       State = "COMPENSATING"
	StateCompensated        State = "COMPENSATED"
	StateCompensationFailed State = "COMPENSATION_FAILED"
)

// Terminal 是否终态（终态后实例不可变）
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateRejected, StateCompensated, StateCompensationFailed:
		return true
	}
	return false
}

// Step 正向步骤
type Step string

const (
	StepReserve  Step = "reserve"
	StepCharge   Step = "charge"
	StepFinalize Step = "finalize"
)

// ForwardOrder 正向步骤的固定顺序；CommittedSteps 永远是它的前缀
var ForwardOrder = []Step{StepReserve, StepCharge, StepFinalize}

var (
	ErrNotFound      = errors.New("saga instance not found")
	ErrAlreadyExists = errors.New("saga instance already exists")
	ErrTerminalState = errors.New("saga instance is terminal")
)

// Item 订单行
type Item struct {
	SKU      string `json:"sku"`
	Quantity int64  `json:"quantity"`
	Price    int64  `json:"price"` // 最小货币单位
}

// Payload 正向步骤所需的订单数据，saga 启动后不可变
type Payload struct {
	CustomerID  string `json:"customerId"`
	TotalAmount int64  `json:"totalAmount"` // 最小货币单位
	Items       []Item `json:"items"`
}

// Instance saga 实例，协调的最小单元
type Instance struct {
	OrderID        string
	Payload        Payload
	State          State
	CommittedSteps []Step
	LastError      string
	Attempts       int
	CreateTimeMs   int64
	UpdateTimeMs   int64
}

// HasCommitted 步骤是否已确认提交
func (i *Instance) HasCommitted(step Step) bool {
	for _, s := range i.CommittedSteps {
		if s == step {
			return true
		}
	}
	return false
}

// NextStep 下一个待执行的正向步骤；全部完成时返回 false
func (i *Instance) NextStep() (Step, bool) {
	if len(i.CommittedSteps) >= len(ForwardOrder) {
		return "", false
	}
	return ForwardOrder[len(i.CommittedSteps)], true
}

// TriggerEvent 入站触发事件（与订单服务发布的事件结构一致）
type TriggerEvent struct {
	OrderID     string   `json:"orderId"`
	Payload     *Payload `json:"payload,omitempty"`
	Status      string   `json:"status"`
	Source      string   `json:"source,omitempty"`
	TimestampMs int64    `json:"timestampMs"`
	Message     string   `json:"message,omitempty"`
}

// Outcome 一次步骤调用的统一结果
type Outcome struct {
	Step      Step
	Succeeded bool
	Retryable bool
	Err       error
}

// StepClient 步骤调用方：正向执行与补偿撤销
type StepClient interface {
	Execute(ctx context.Context, step Step, inst *Instance) Outcome
	Compensate(ctx context.Context, step Step, inst *Instance) Outcome
}

// Store saga 实例持久化；每次步骤尝试前先落库
type Store interface {
	Create(ctx context.Context, inst *Instance) error
	Get(ctx context.Context, orderID string) (*Instance, error)
	Update(ctx context.Context, inst *Instance) error
	ListUnfinished(ctx context.Context) ([]*Instance, error)
	ListQuarantined(ctx context.Context) ([]*Instance, error)
}

// OutcomePublisher 终态上报；只在终态落库之后调用
type OutcomePublisher interface {
	Publish(ctx context.Context, inst *Instance)
}
