// Package repository saga 实例数据访问层
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ordersaga/orchestrator/internal/saga"
)

// SagaRepository saga 实例仓储，payload 与账本以 JSON 落库
type SagaRepository struct {
	db *sql.DB
}

// NewSagaRepository 创建仓储
func NewSagaRepository(db *sql.DB) *SagaRepository {
	return &SagaRepository{db: db}
}

// Create 创建实例。order_id 唯一约束保证同一订单只落一条
func (r *SagaRepository) Create(ctx context.Context, inst *saga.Instance) error {
	payload, steps, err := marshalInstance(inst)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO order_saga.sagas
		(order_id, payload, state, committed_steps, last_error, attempts, create_time_ms, update_time_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = r.db.ExecContext(ctx, query,
		inst.OrderID, payload, string(inst.State), steps,
		inst.LastError, inst.Attempts, inst.CreateTimeMs, inst.UpdateTimeMs,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return saga.ErrAlreadyExists
		}
		return fmt.Errorf("insert saga: %w", err)
	}
	return nil
}

// Get 获取实例
func (r *SagaRepository) Get(ctx context.Context, orderID string) (*saga.Instance, error) {
	query := `
		SELECT order_id, payload, state, committed_steps, last_error, attempts, create_time_ms, update_time_ms
		FROM order_saga.sagas
		WHERE order_id = $1
	`
	return scanInstance(r.db.QueryRowContext(ctx, query, orderID))
}

// Update 整行回写状态、账本和错误
func (r *SagaRepository) Update(ctx context.Context, inst *saga.Instance) error {
	payload, steps, err := marshalInstance(inst)
	if err != nil {
		return err
	}
	query := `
		UPDATE order_saga.sagas
		SET payload = $1, state = $2, committed_steps = $3, last_error = $4,
		    attempts = $5, update_time_ms = $6
		WHERE order_id = $7
	`
	result, err := r.db.ExecContext(ctx, query,
		payload, string(inst.State), steps, inst.LastError,
		inst.Attempts, inst.UpdateTimeMs, inst.OrderID,
	)
	if err != nil {
		return fmt.Errorf("update saga: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return saga.ErrNotFound
	}
	return nil
}

// ListUnfinished 列出所有非终态实例，供启动恢复
func (r *SagaRepository) ListUnfinished(ctx context.Context) ([]*saga.Instance, error) {
	query := `
		SELECT order_id, payload, state, committed_steps, last_error, attempts, create_time_ms, update_time_ms
		FROM order_saga.sagas
		WHERE state NOT IN ($1, $2, $3, $4)
		ORDER BY update_time_ms ASC
	`
	return r.queryInstances(ctx, query,
		string(saga.StateCompleted), string(saga.StateRejected),
		string(saga.StateCompensated), string(saga.StateCompensationFailed),
	)
}

// ListQuarantined 列出补偿失败的实例，供运维接口
func (r *SagaRepository) ListQuarantined(ctx context.Context) ([]*saga.Instance, error) {
	query := `
		SELECT order_id, payload, state, committed_steps, last_error, attempts, create_time_ms, update_time_ms
		FROM order_saga.sagas
		WHERE state = $1
		ORDER BY update_time_ms ASC
	`
	return r.queryInstances(ctx, query, string(saga.StateCompensationFailed))
}

func (r *SagaRepository) queryInstances(ctx context.Context, query string, args ...interface{}) ([]*saga.Instance, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sagas: %w", err)
	}
	defer rows.Close()

	var instances []*saga.Instance
	for rows.Next() {
		inst, err := scanInstanceRow(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanInstance(row *sql.Row) (*saga.Instance, error) {
	inst, err := scanInstanceRow(row)
	if err == sql.ErrNoRows {
		return nil, saga.ErrNotFound
	}
	return inst, err
}

func scanInstanceRow(row rowScanner) (*saga.Instance, error) {
	var inst saga.Instance
	var payload, steps []byte
	var lastError sql.NullString

	err := row.Scan(
		&inst.OrderID, &payload, &inst.State, &steps,
		&lastError, &inst.Attempts, &inst.CreateTimeMs, &inst.UpdateTimeMs,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan saga: %w", err)
	}

	if err := json.Unmarshal(payload, &inst.Payload); err != nil {
		return nil, fmt.Errorf("decode saga payload: %w", err)
	}
	if len(steps) > 0 {
		if err := json.Unmarshal(steps, &inst.CommittedSteps); err != nil {
			return nil, fmt.Errorf("decode committed steps: %w", err)
		}
	}
	inst.LastError = lastError.String

	return &inst, nil
}

func marshalInstance(inst *saga.Instance) (payload, steps []byte, err error) {
	payload, err = json.Marshal(inst.Payload)
	if err != nil {
		return nil, nil, fmt.Errorf("encode saga payload: %w", err)
	}
	committed := inst.CommittedSteps
	if committed == nil {
		committed = []saga.Step{}
	}
	steps, err = json.Marshal(committed)
	if err != nil {
		return nil, nil, fmt.Errorf("encode committed steps: %w", err)
	}
	return payload, steps, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}
