package state

import (
	"time"

	"github.com/shopspring/decimal"
)

// Task lifecycle. Pending and Processing are transient; Completed and
// Failed are terminal and never left again.
const (
	TaskPending    = "pending"
	TaskProcessing = "processing"
	TaskCompleted  = "completed"
	TaskFailed     = "failed"
)

// Ledger entry kinds.
const (
	EntryDeposit    = "deposit"
	EntryWithdrawal = "withdrawal"
	EntryTaskCharge = "task_charge"
)

type AccountRecord struct {
	ID             string
	Username       string
	CredentialHash string
	Role           string
	Balance        decimal.Decimal
	CreatedAt      time.Time
}

type ModelRecord struct {
	ID             string
	Name           string
	Description    string
	CostPerRequest decimal.Decimal
	CreatedAt      time.Time
}

type TaskRecord struct {
	ID        string
	AccountID string
	ModelID   string
	// Cost is the model's cost_per_request snapshotted at submission time.
	// Later catalog price changes never change what a task is charged.
	Cost      decimal.Decimal
	Input     string
	Status    string
	Result    string
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (t TaskRecord) Terminal() bool {
	return t.Status == TaskCompleted || t.Status == TaskFailed
}

// LedgerEntryRecord is append-only; entries are never updated or deleted.
// TaskID is set iff Kind == EntryTaskCharge.
type LedgerEntryRecord struct {
	ID        string
	AccountID string
	Kind      string
	Amount    decimal.Decimal
	TaskID    string
	CreatedAt time.Time
}

// TaskRef is the entire queue message: a pointer, not a payload carrier.
// Consumers re-read the authoritative task record.
type TaskRef struct {
	TaskID string
}

type QueueClaim struct {
	Ref       TaskRef
	Receipt   string
	ClaimedBy string
	ClaimedAt time.Time
	VisibleAt time.Time
}
