package state

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStore keeps everything behind one mutex, which makes every Store
// operation trivially atomic. It is the reference for the consistency
// contract the SQL backend implements with transactions.
type MemoryStore struct {
	mu        sync.Mutex
	accounts  map[string]AccountRecord
	usernames map[string]string
	models    map[string]ModelRecord
	tasks     map[string]TaskRecord
	entries   []LedgerEntryRecord
	charges   map[string]LedgerEntryRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:  make(map[string]AccountRecord),
		usernames: make(map[string]string),
		models:    make(map[string]ModelRecord),
		tasks:     make(map[string]TaskRecord),
		entries:   make([]LedgerEntryRecord, 0, 128),
		charges:   make(map[string]LedgerEntryRecord),
	}
}

func (m *MemoryStore) CreateAccount(_ context.Context, account AccountRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, taken := m.usernames[account.Username]; taken {
		return ErrDuplicateUsername
	}
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now().UTC()
	}
	m.accounts[account.ID] = account
	m.usernames[account.Username] = account.ID
	return nil
}

func (m *MemoryStore) GetAccount(_ context.Context, accountID string) (AccountRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[accountID]
	return a, ok, nil
}

func (m *MemoryStore) GetAccountByUsername(_ context.Context, username string) (AccountRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.usernames[username]
	if !ok {
		return AccountRecord{}, false, nil
	}
	a, ok := m.accounts[id]
	return a, ok, nil
}

func (m *MemoryStore) BalanceOf(_ context.Context, accountID string) (decimal.Decimal, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[accountID]
	if !ok {
		return decimal.Zero, false, nil
	}
	return a.Balance, true, nil
}

func (m *MemoryStore) CreateModel(_ context.Context, model ModelRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	m.models[model.ID] = model
	return nil
}

func (m *MemoryStore) GetModel(_ context.Context, modelID string) (ModelRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mo, ok := m.models[modelID]
	return mo, ok, nil
}

func (m *MemoryStore) ListModels(_ context.Context) ([]ModelRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ModelRecord, 0, len(m.models))
	for _, mo := range m.models {
		out = append(out, mo)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) CreateTask(_ context.Context, task TaskRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = TaskPending
	}
	m.tasks[task.ID] = task
	return nil
}

func (m *MemoryStore) GetTask(_ context.Context, taskID string) (TaskRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	return t, ok, nil
}

func (m *MemoryStore) ListTasksByAccount(_ context.Context, accountID string) ([]TaskRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TaskRecord, 0, 16)
	for _, t := range m.tasks {
		if t.AccountID == accountID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ListStalePendingTasks(_ context.Context, olderThan time.Time, limit int) ([]TaskRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TaskRecord, 0, 16)
	for _, t := range m.tasks {
		if t.Status == TaskPending && t.CreatedAt.Before(olderThan) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) TransitionTask(_ context.Context, taskID, from, to, result, errText string) (TaskRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return TaskRecord{}, ErrNotFound
	}
	if t.Status != from {
		return TaskRecord{}, ErrStaleTransition
	}
	t.Status = to
	t.Result = result
	t.Error = errText
	t.UpdatedAt = time.Now().UTC()
	m.tasks[taskID] = t
	return t, nil
}

func (m *MemoryStore) ApplyEntry(_ context.Context, entry LedgerEntryRecord) (LedgerEntryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applyEntryLocked(entry)
}

// applyEntryLocked is the single place balances change: the entry append
// and the balance adjustment commit together under the store mutex.
func (m *MemoryStore) applyEntryLocked(entry LedgerEntryRecord) (LedgerEntryRecord, error) {
	a, ok := m.accounts[entry.AccountID]
	if !ok {
		return LedgerEntryRecord{}, ErrNotFound
	}
	if entry.Kind == EntryTaskCharge {
		if existing, charged := m.charges[entry.TaskID]; charged {
			return existing, nil
		}
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	switch entry.Kind {
	case EntryDeposit:
		a.Balance = a.Balance.Add(entry.Amount)
	case EntryWithdrawal, EntryTaskCharge:
		if a.Balance.LessThan(entry.Amount) {
			return LedgerEntryRecord{}, ErrInsufficientFunds
		}
		a.Balance = a.Balance.Sub(entry.Amount)
	default:
		return LedgerEntryRecord{}, ErrNotFound
	}
	m.accounts[entry.AccountID] = a
	m.entries = append(m.entries, entry)
	if entry.Kind == EntryTaskCharge {
		m.charges[entry.TaskID] = entry
	}
	return entry, nil
}

func (m *MemoryStore) GetChargeForTask(_ context.Context, taskID string) (LedgerEntryRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.charges[taskID]
	return e, ok, nil
}

func (m *MemoryStore) ListEntriesByAccount(_ context.Context, accountID string) ([]LedgerEntryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]LedgerEntryRecord, 0, 16)
	for _, e := range m.entries {
		if e.AccountID == accountID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) CompleteTaskWithCharge(_ context.Context, entry LedgerEntryRecord, result string) (LedgerEntryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[entry.TaskID]
	if !ok {
		return LedgerEntryRecord{}, ErrNotFound
	}
	if existing, charged := m.charges[entry.TaskID]; charged && t.Status == TaskCompleted {
		return existing, nil
	}
	if t.Status != TaskProcessing {
		return LedgerEntryRecord{}, ErrStaleTransition
	}
	applied, err := m.applyEntryLocked(entry)
	if err != nil {
		return LedgerEntryRecord{}, err
	}
	t.Status = TaskCompleted
	t.Result = result
	t.Error = ""
	t.UpdatedAt = time.Now().UTC()
	m.tasks[entry.TaskID] = t
	return applied, nil
}
