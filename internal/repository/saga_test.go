package repository

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/ordersaga/orchestrator/internal/saga"
)

func testInstance() *saga.Instance {
	return &saga.Instance{
		OrderID: "order-1001",
		Payload: saga.Payload{
			CustomerID:  "customer-7",
			TotalAmount: 12500,
			Items:       []saga.Item{{SKU: "SKU-42", Quantity: 2, Price: 6250}},
		},
		State:          saga.StatePending,
		CommittedSteps: nil,
		CreateTimeMs:   1700000000000,
		UpdateTimeMs:   1700000000000,
	}
}

func TestSagaRepository_Create(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	repo := NewSagaRepository(db)
	inst := testInstance()

	query := regexp.QuoteMeta(`
		INSERT INTO order_saga.sagas
		(order_id, payload, state, committed_steps, last_error, attempts, create_time_ms, update_time_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`)

	mock.ExpectExec(query).
		WithArgs(
			inst.OrderID,
			[]byte(`{"customerId":"customer-7","totalAmount":12500,"items":[{"sku":"SKU-42","quantity":2,"price":6250}]}`),
			"PENDING", []byte(`[]`), "", 0,
			inst.CreateTimeMs, inst.UpdateTimeMs,
		).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := repo.Create(context.Background(), inst); err != nil {
		t.Fatalf("create saga: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSagaRepository_CreateDuplicate(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	repo := NewSagaRepository(db)

	mock.ExpectExec("INSERT INTO order_saga.sagas").
		WillReturnError(errors.New(`pq: duplicate key value violates unique constraint "sagas_pkey"`))

	err = repo.Create(context.Background(), testInstance())
	if !errors.Is(err, saga.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestSagaRepository_Get(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	repo := NewSagaRepository(db)

	rows := sqlmock.NewRows([]string{
		"order_id", "payload", "state", "committed_steps", "last_error", "attempts", "create_time_ms", "update_time_ms",
	}).AddRow(
		"order-1001",
		[]byte(`{"customerId":"customer-7","totalAmount":12500,"items":[{"sku":"SKU-42","quantity":2,"price":6250}]}`),
		"CHARGED",
		[]byte(`["reserve","charge"]`),
		"", 2, int64(1700000000000), int64(1700000005000),
	)

	mock.ExpectQuery("SELECT .+ FROM order_saga.sagas").
		WithArgs("order-1001").
		WillReturnRows(rows)

	inst, err := repo.Get(context.Background(), "order-1001")
	if err != nil {
		t.Fatalf("get saga: %v", err)
	}
	if inst.State != saga.StateCharged {
		t.Fatalf("expected CHARGED, got %s", inst.State)
	}
	if len(inst.CommittedSteps) != 2 || inst.CommittedSteps[1] != saga.StepCharge {
		t.Fatalf("unexpected ledger: %v", inst.CommittedSteps)
	}
	if inst.Payload.CustomerID != "customer-7" || len(inst.Payload.Items) != 1 {
		t.Fatalf("unexpected payload: %+v", inst.Payload)
	}
}

func TestSagaRepository_GetNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	repo := NewSagaRepository(db)

	mock.ExpectQuery("SELECT .+ FROM order_saga.sagas").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{
			"order_id", "payload", "state", "committed_steps", "last_error", "attempts", "create_time_ms", "update_time_ms",
		}))

	_, err = repo.Get(context.Background(), "missing")
	if !errors.Is(err, saga.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSagaRepository_Update(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	repo := NewSagaRepository(db)
	inst := testInstance()
	inst.State = saga.StateCompensated
	inst.CommittedSteps = []saga.Step{saga.StepReserve}
	inst.LastError = "card declined"
	inst.Attempts = 3
	inst.UpdateTimeMs = 1700000009000

	mock.ExpectExec("UPDATE order_saga.sagas").
		WithArgs(
			sqlmock.AnyArg(), "COMPENSATED", []byte(`["reserve"]`), "card declined",
			3, inst.UpdateTimeMs, inst.OrderID,
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.Update(context.Background(), inst); err != nil {
		t.Fatalf("update saga: %v", err)
	}
}

func TestSagaRepository_UpdateMissingRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	repo := NewSagaRepository(db)

	mock.ExpectExec("UPDATE order_saga.sagas").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = repo.Update(context.Background(), testInstance())
	if !errors.Is(err, saga.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSagaRepository_ListUnfinished(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	repo := NewSagaRepository(db)

	rows := sqlmock.NewRows([]string{
		"order_id", "payload", "state", "committed_steps", "last_error", "attempts", "create_time_ms", "update_time_ms",
	}).AddRow(
		"order-1", []byte(`{"customerId":"c1","totalAmount":100,"items":null}`),
		"RESERVING", []byte(`[]`), "", 1, int64(1), int64(2),
	).AddRow(
		"order-2", []byte(`{"customerId":"c2","totalAmount":200,"items":null}`),
		"COMPENSATING", []byte(`["reserve"]`), "timeout", 4, int64(3), int64(4),
	)

	mock.ExpectQuery("SELECT .+ FROM order_saga.sagas").
		WithArgs("COMPLETED", "REJECTED", "COMPENSATED", "COMPENSATION_FAILED").
		WillReturnRows(rows)

	instances, err := repo.ListUnfinished(context.Background())
	if err != nil {
		t.Fatalf("list unfinished: %v", err)
	}
	if len(instances) != 2 {
		t.Fatalf("expected 2 instances, got %d", len(instances))
	}
	if instances[1].State != saga.StateCompensating || instances[1].LastError != "timeout" {
		t.Fatalf("unexpected second instance: %+v", instances[1])
	}
}

func TestSagaRepository_ListQuarantined(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	repo := NewSagaRepository(db)

	rows := sqlmock.NewRows([]string{
		"order_id", "payload", "state", "committed_steps", "last_error", "attempts", "create_time_ms", "update_time_ms",
	}).AddRow(
		"order-bad", []byte(`{"customerId":"c1","totalAmount":100,"items":null}`),
		"COMPENSATION_FAILED", []byte(`["reserve","charge"]`), "refund timeout", 6, int64(1), int64(2),
	)

	mock.ExpectQuery("SELECT .+ FROM order_saga.sagas").
		WithArgs("COMPENSATION_FAILED").
		WillReturnRows(rows)

	instances, err := repo.ListQuarantined(context.Background())
	if err != nil {
		t.Fatalf("list quarantined: %v", err)
	}
	if len(instances) != 1 || instances[0].OrderID != "order-bad" {
		t.Fatalf("unexpected result: %+v", instances)
	}
}
