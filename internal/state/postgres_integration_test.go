package state

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func TestPostgresStoreIntegrationLedgerAndTasks(t *testing.T) {
	dsn := os.Getenv("MLBILL_POSTGRES_DSN_INTEGRATION")
	if dsn == "" {
		t.Skip("set MLBILL_POSTGRES_DSN_INTEGRATION to run Postgres integration tests")
	}
	store, err := NewPostgresStore(dsn)
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}

	ctx := context.Background()
	suffix := time.Now().UTC().Format("20060102150405")
	accountID := uuid.NewString()
	if err := store.CreateAccount(ctx, AccountRecord{
		ID:       accountID,
		Username: "itest-" + suffix,
		Balance:  decimal.Zero,
	}); err != nil {
		t.Fatalf("create account: %v", err)
	}

	if _, err := store.ApplyEntry(ctx, LedgerEntryRecord{
		ID: uuid.NewString(), AccountID: accountID, Kind: EntryDeposit, Amount: decimal.NewFromInt(100),
	}); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	taskID := uuid.NewString()
	if err := store.CreateTask(ctx, TaskRecord{
		ID: taskID, AccountID: accountID, ModelID: "m-itest",
		Cost: decimal.NewFromInt(10), Input: "{}", Status: TaskPending,
	}); err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := store.TransitionTask(ctx, taskID, TaskPending, TaskProcessing, "", ""); err != nil {
		t.Fatalf("transition: %v", err)
	}

	entry := LedgerEntryRecord{
		ID: uuid.NewString(), AccountID: accountID, Kind: EntryTaskCharge,
		Amount: decimal.NewFromInt(10), TaskID: taskID,
	}
	applied, err := store.CompleteTaskWithCharge(ctx, entry, "ok")
	if err != nil {
		t.Fatalf("complete with charge: %v", err)
	}

	// Redelivery must be a no-op returning the original entry.
	entry.ID = uuid.NewString()
	again, err := store.CompleteTaskWithCharge(ctx, entry, "ok")
	if err != nil {
		t.Fatalf("redelivered complete: %v", err)
	}
	if again.ID != applied.ID {
		t.Fatalf("expected existing charge back, got %s vs %s", again.ID, applied.ID)
	}

	balance, ok, err := store.BalanceOf(ctx, accountID)
	if err != nil || !ok {
		t.Fatalf("balance: ok=%v err=%v", ok, err)
	}
	if !balance.Equal(decimal.NewFromInt(90)) {
		t.Fatalf("expected balance 90, got %s", balance)
	}

	if _, err := store.ApplyEntry(ctx, LedgerEntryRecord{
		ID: uuid.NewString(), AccountID: accountID, Kind: EntryWithdrawal, Amount: decimal.NewFromInt(1000),
	}); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
}
