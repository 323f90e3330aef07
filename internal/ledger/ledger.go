// Package ledger owns account balances. Every balance change flows through
// an append-only entry applied by the store in one atomic step, so the sum
// of entries always equals the cached balance and the balance never goes
// negative under any interleaving.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/mlbill/internal/observability"
	"github.com/example/mlbill/internal/state"
)

// ErrInvalidAmount rejects non-positive deposit and withdrawal amounts.
var ErrInvalidAmount = errors.New("amount must be positive")

type Ledger struct {
	store state.Store
}

func New(store state.Store) *Ledger {
	return &Ledger{store: store}
}

func (l *Ledger) Deposit(ctx context.Context, accountID string, amount decimal.Decimal) (state.LedgerEntryRecord, error) {
	return l.apply(ctx, state.LedgerEntryRecord{
		AccountID: accountID,
		Kind:      state.EntryDeposit,
		Amount:    amount,
	})
}

func (l *Ledger) Withdraw(ctx context.Context, accountID string, amount decimal.Decimal) (state.LedgerEntryRecord, error) {
	return l.apply(ctx, state.LedgerEntryRecord{
		AccountID: accountID,
		Kind:      state.EntryWithdrawal,
		Amount:    amount,
	})
}

// ChargeForTask debits the model cost snapshotted on the task. It is
// idempotent per task: a redelivered message that retries the charge gets
// the already-committed entry back and the balance moves only once.
func (l *Ledger) ChargeForTask(ctx context.Context, accountID, taskID string, amount decimal.Decimal) (state.LedgerEntryRecord, error) {
	return l.apply(ctx, state.LedgerEntryRecord{
		AccountID: accountID,
		Kind:      state.EntryTaskCharge,
		Amount:    amount,
		TaskID:    taskID,
	})
}

func (l *Ledger) apply(ctx context.Context, entry state.LedgerEntryRecord) (state.LedgerEntryRecord, error) {
	ctx, span := observability.StartSpan(ctx, "ledger.apply",
		attribute.String("account.id", entry.AccountID),
		attribute.String("entry.kind", entry.Kind),
	)
	defer span.End()
	if !entry.Amount.IsPositive() {
		return state.LedgerEntryRecord{}, ErrInvalidAmount
	}
	entry.ID = uuid.NewString()
	entry.CreatedAt = time.Now().UTC()
	applied, err := l.store.ApplyEntry(ctx, entry)
	if err != nil {
		return state.LedgerEntryRecord{}, err
	}
	observability.Default.IncCounter("ledger_entries_total", map[string]string{"kind": applied.Kind}, 1)
	return applied, nil
}

func (l *Ledger) BalanceOf(ctx context.Context, accountID string) (decimal.Decimal, error) {
	balance, ok, err := l.store.BalanceOf(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	if !ok {
		return decimal.Zero, state.ErrNotFound
	}
	return balance, nil
}

// Entries returns the account's ledger history ordered by timestamp.
func (l *Ledger) Entries(ctx context.Context, accountID string) ([]state.LedgerEntryRecord, error) {
	return l.store.ListEntriesByAccount(ctx, accountID)
}
