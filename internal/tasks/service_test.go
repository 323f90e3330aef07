package tasks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/mlbill/internal/state"
)

func newFixture(t *testing.T) (*Service, *state.MemoryStore, *state.MemoryQueue) {
	t.Helper()
	store := state.NewMemoryStore()
	queue := state.NewMemoryQueue()
	ctx := context.Background()
	if err := store.CreateAccount(ctx, state.AccountRecord{
		ID: "a1", Username: "alice", Balance: decimal.NewFromInt(100),
	}); err != nil {
		t.Fatalf("create account: %v", err)
	}
	if err := store.CreateModel(ctx, state.ModelRecord{
		ID: "m1", Name: "demo", CostPerRequest: decimal.NewFromInt(10),
	}); err != nil {
		t.Fatalf("create model: %v", err)
	}
	return NewService(store, queue), store, queue
}

func TestSubmitCreatesAndPublishes(t *testing.T) {
	svc, store, queue := newFixture(t)
	ctx := context.Background()

	task, err := svc.Submit(ctx, "a1", "m1", `{"text":"hi"}`)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if task.Status != state.TaskPending {
		t.Fatalf("expected pending, got %s", task.Status)
	}
	if !task.Cost.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("expected cost snapshot 10, got %s", task.Cost)
	}

	stored, ok, err := store.GetTask(ctx, task.ID)
	if err != nil || !ok {
		t.Fatalf("task not committed: ok=%v err=%v", ok, err)
	}
	if stored.ModelID != "m1" {
		t.Fatalf("expected model m1, got %s", stored.ModelID)
	}

	claims, err := queue.Claim(ctx, 1, "w1", time.Second)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claims) != 1 || claims[0].Ref.TaskID != task.ID {
		t.Fatalf("expected published task id, got %+v", claims)
	}
}

func TestSubmitCostSnapshotSurvivesPriceChange(t *testing.T) {
	svc, store, _ := newFixture(t)
	ctx := context.Background()

	task, err := svc.Submit(ctx, "a1", "m1", "{}")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	// Reprice the model after submission.
	if err := store.CreateModel(ctx, state.ModelRecord{
		ID: "m1", Name: "demo", CostPerRequest: decimal.NewFromInt(99),
	}); err != nil {
		t.Fatalf("reprice model: %v", err)
	}
	stored, _, _ := store.GetTask(ctx, task.ID)
	if !stored.Cost.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("cost snapshot must not follow catalog, got %s", stored.Cost)
	}
}

func TestSubmitUnknownModelOrAccount(t *testing.T) {
	svc, _, _ := newFixture(t)
	ctx := context.Background()

	if _, err := svc.Submit(ctx, "a1", "missing", "{}"); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for model, got %v", err)
	}
	if _, err := svc.Submit(ctx, "missing", "m1", "{}"); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for account, got %v", err)
	}
}

func TestRepublishStale(t *testing.T) {
	svc, store, queue := newFixture(t)
	ctx := context.Background()

	// A committed task whose publish never happened.
	if err := store.CreateTask(ctx, state.TaskRecord{
		ID: "t-orphan", AccountID: "a1", ModelID: "m1",
		Cost: decimal.NewFromInt(10), Status: state.TaskPending,
		CreatedAt: time.Now().UTC().Add(-time.Hour),
	}); err != nil {
		t.Fatalf("create orphan: %v", err)
	}

	n, err := svc.RepublishStale(ctx, time.Minute, 100)
	if err != nil {
		t.Fatalf("republish: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 republished, got %d", n)
	}
	claims, err := queue.Claim(ctx, 1, "w1", time.Second)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claims) != 1 || claims[0].Ref.TaskID != "t-orphan" {
		t.Fatalf("expected orphan on queue, got %+v", claims)
	}

	// Fresh pending tasks stay put.
	if _, err := svc.Submit(ctx, "a1", "m1", "{}"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	n, err = svc.RepublishStale(ctx, time.Minute, 100)
	if err != nil {
		t.Fatalf("second republish: %v", err)
	}
	if n != 0 {
		t.Fatalf("fresh tasks must not be republished, got %d", n)
	}
}
