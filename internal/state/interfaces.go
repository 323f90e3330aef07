package state

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

type Store interface {
	CreateAccount(ctx context.Context, account AccountRecord) error
	GetAccount(ctx context.Context, accountID string) (AccountRecord, bool, error)
	GetAccountByUsername(ctx context.Context, username string) (AccountRecord, bool, error)
	BalanceOf(ctx context.Context, accountID string) (decimal.Decimal, bool, error)

	CreateModel(ctx context.Context, model ModelRecord) error
	GetModel(ctx context.Context, modelID string) (ModelRecord, bool, error)
	ListModels(ctx context.Context) ([]ModelRecord, error)

	CreateTask(ctx context.Context, task TaskRecord) error
	GetTask(ctx context.Context, taskID string) (TaskRecord, bool, error)
	ListTasksByAccount(ctx context.Context, accountID string) ([]TaskRecord, error)
	// ListStalePendingTasks returns pending tasks created before olderThan,
	// oldest first. Used by the republish sweep that closes the producer's
	// commit-then-publish gap.
	ListStalePendingTasks(ctx context.Context, olderThan time.Time, limit int) ([]TaskRecord, error)
	// TransitionTask applies status from -> to only if the task's current
	// status equals from; otherwise ErrStaleTransition. Result and errText
	// overwrite the task's result/error fields on success.
	TransitionTask(ctx context.Context, taskID, from, to, result, errText string) (TaskRecord, error)

	// ApplyEntry appends a ledger entry and adjusts the account balance in
	// one atomic step. Deposits add; withdrawals and task charges subtract
	// behind a balance >= amount predicate (ErrInsufficientFunds).
	ApplyEntry(ctx context.Context, entry LedgerEntryRecord) (LedgerEntryRecord, error)
	// GetChargeForTask reports whether a task_charge entry already exists
	// for the task, backing the ledger's idempotency guard.
	GetChargeForTask(ctx context.Context, taskID string) (LedgerEntryRecord, bool, error)
	ListEntriesByAccount(ctx context.Context, accountID string) ([]LedgerEntryRecord, error)

	// CompleteTaskWithCharge commits the task charge and the
	// processing -> completed transition as one unit: both happen or
	// neither does. Redelivery of an already-completed task returns the
	// existing charge without side effects.
	CompleteTaskWithCharge(ctx context.Context, entry LedgerEntryRecord, result string) (LedgerEntryRecord, error)
}

type Queue interface {
	Enqueue(ctx context.Context, ref TaskRef) error
	Claim(ctx context.Context, max int, consumer string, visibilityTimeout time.Duration) ([]QueueClaim, error)
	Ack(ctx context.Context, claims []QueueClaim) error
	Nack(ctx context.Context, claims []QueueClaim, reason string) error
	RequeueExpired(ctx context.Context, now time.Time, max int) (int, error)
	ListDeadLetters(ctx context.Context, limit int) ([]TaskRef, error)
	RequeueDeadLetters(ctx context.Context, refs []TaskRef) (int, error)
}
