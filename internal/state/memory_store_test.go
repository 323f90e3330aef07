package state

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func seedAccount(t *testing.T, s *MemoryStore, id string, balance int64) {
	t.Helper()
	err := s.CreateAccount(context.Background(), AccountRecord{
		ID:       id,
		Username: "user-" + id,
		Balance:  decimal.NewFromInt(balance),
	})
	if err != nil {
		t.Fatalf("create account %s: %v", id, err)
	}
}

func TestMemoryStoreDuplicateUsername(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.CreateAccount(ctx, AccountRecord{ID: "a1", Username: "alice"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := s.CreateAccount(ctx, AccountRecord{ID: "a2", Username: "alice"})
	if !errors.Is(err, ErrDuplicateUsername) {
		t.Fatalf("expected ErrDuplicateUsername, got %v", err)
	}
}

func TestMemoryStoreApplyEntryBalanceRules(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedAccount(t, s, "a1", 0)

	if _, err := s.ApplyEntry(ctx, LedgerEntryRecord{
		ID: "e1", AccountID: "a1", Kind: EntryDeposit, Amount: decimal.NewFromInt(50),
	}); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := s.ApplyEntry(ctx, LedgerEntryRecord{
		ID: "e2", AccountID: "a1", Kind: EntryWithdrawal, Amount: decimal.NewFromInt(30),
	}); err != nil {
		t.Fatalf("withdrawal: %v", err)
	}
	_, err := s.ApplyEntry(ctx, LedgerEntryRecord{
		ID: "e3", AccountID: "a1", Kind: EntryWithdrawal, Amount: decimal.NewFromInt(21),
	})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	balance, ok, err := s.BalanceOf(ctx, "a1")
	if err != nil || !ok {
		t.Fatalf("balance: ok=%v err=%v", ok, err)
	}
	if !balance.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("expected balance 20, got %s", balance)
	}
	entries, err := s.ListEntriesByAccount(ctx, "a1")
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("rejected entry must not be recorded, got %d entries", len(entries))
	}
}

func TestMemoryStoreTaskChargeIdempotent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedAccount(t, s, "a1", 100)

	first, err := s.ApplyEntry(ctx, LedgerEntryRecord{
		ID: "e1", AccountID: "a1", Kind: EntryTaskCharge, Amount: decimal.NewFromInt(10), TaskID: "t1",
	})
	if err != nil {
		t.Fatalf("first charge: %v", err)
	}
	second, err := s.ApplyEntry(ctx, LedgerEntryRecord{
		ID: "e2", AccountID: "a1", Kind: EntryTaskCharge, Amount: decimal.NewFromInt(10), TaskID: "t1",
	})
	if err != nil {
		t.Fatalf("second charge: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected existing entry back, got %s vs %s", second.ID, first.ID)
	}
	balance, _, _ := s.BalanceOf(ctx, "a1")
	if !balance.Equal(decimal.NewFromInt(90)) {
		t.Fatalf("balance must move once, got %s", balance)
	}
}

func TestMemoryStoreTransitionTask(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if err := s.CreateTask(ctx, TaskRecord{ID: "t1", Status: TaskPending}); err != nil {
		t.Fatalf("create task: %v", err)
	}

	got, err := s.TransitionTask(ctx, "t1", TaskPending, TaskProcessing, "", "")
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if got.Status != TaskProcessing {
		t.Fatalf("expected processing, got %s", got.Status)
	}

	if _, err := s.TransitionTask(ctx, "t1", TaskPending, TaskProcessing, "", ""); !errors.Is(err, ErrStaleTransition) {
		t.Fatalf("expected ErrStaleTransition, got %v", err)
	}
	if _, err := s.TransitionTask(ctx, "missing", TaskPending, TaskProcessing, "", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreCompleteTaskWithCharge(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedAccount(t, s, "a1", 100)
	if err := s.CreateTask(ctx, TaskRecord{ID: "t1", AccountID: "a1", Status: TaskProcessing}); err != nil {
		t.Fatalf("create task: %v", err)
	}
	entry := LedgerEntryRecord{
		ID: "e1", AccountID: "a1", Kind: EntryTaskCharge, Amount: decimal.NewFromInt(10), TaskID: "t1",
	}

	applied, err := s.CompleteTaskWithCharge(ctx, entry, "result-1")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	task, _, _ := s.GetTask(ctx, "t1")
	if task.Status != TaskCompleted || task.Result != "result-1" {
		t.Fatalf("expected completed task with result, got %+v", task)
	}
	balance, _, _ := s.BalanceOf(ctx, "a1")
	if !balance.Equal(decimal.NewFromInt(90)) {
		t.Fatalf("expected balance 90, got %s", balance)
	}

	// Redelivery: same call again returns the existing charge, no new debit.
	entry.ID = "e2"
	again, err := s.CompleteTaskWithCharge(ctx, entry, "result-1")
	if err != nil {
		t.Fatalf("redelivered complete: %v", err)
	}
	if again.ID != applied.ID {
		t.Fatalf("expected existing charge back, got %s vs %s", again.ID, applied.ID)
	}
	balance, _, _ = s.BalanceOf(ctx, "a1")
	if !balance.Equal(decimal.NewFromInt(90)) {
		t.Fatalf("redelivery must not re-charge, got %s", balance)
	}
}

func TestMemoryStoreCompleteTaskWithChargeInsufficientFunds(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedAccount(t, s, "a1", 5)
	if err := s.CreateTask(ctx, TaskRecord{ID: "t1", AccountID: "a1", Status: TaskProcessing}); err != nil {
		t.Fatalf("create task: %v", err)
	}

	_, err := s.CompleteTaskWithCharge(ctx, LedgerEntryRecord{
		ID: "e1", AccountID: "a1", Kind: EntryTaskCharge, Amount: decimal.NewFromInt(10), TaskID: "t1",
	}, "result")
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	// Neither half of the unit may land.
	task, _, _ := s.GetTask(ctx, "t1")
	if task.Status != TaskProcessing {
		t.Fatalf("task must stay processing, got %s", task.Status)
	}
	if _, charged, _ := s.GetChargeForTask(ctx, "t1"); charged {
		t.Fatalf("no charge may exist after failed completion")
	}
}

func TestMemoryStoreListStalePendingTasks(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	old := time.Now().UTC().Add(-time.Hour)
	if err := s.CreateTask(ctx, TaskRecord{ID: "t-old", Status: TaskPending, CreatedAt: old}); err != nil {
		t.Fatalf("create old: %v", err)
	}
	if err := s.CreateTask(ctx, TaskRecord{ID: "t-new", Status: TaskPending}); err != nil {
		t.Fatalf("create new: %v", err)
	}
	if err := s.CreateTask(ctx, TaskRecord{ID: "t-done", Status: TaskCompleted, CreatedAt: old}); err != nil {
		t.Fatalf("create done: %v", err)
	}

	stale, err := s.ListStalePendingTasks(ctx, time.Now().UTC().Add(-time.Minute), 10)
	if err != nil {
		t.Fatalf("list stale: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != "t-old" {
		t.Fatalf("expected only t-old, got %+v", stale)
	}
}
