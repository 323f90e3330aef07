package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/mlbill/db/migrations"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if !hasSQLDriver("pgx") {
		return nil, errors.New("pgx SQL driver is not linked; import github.com/jackc/pgx/v5/stdlib")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	store := &PostgresStore{db: db}
	if err := store.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func hasSQLDriver(name string) bool {
	for _, d := range sql.Drivers() {
		if d == name {
			return true
		}
	}
	return false
}

func (p *PostgresStore) Close() error {
	return p.db.Close()
}

func (p *PostgresStore) ensureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL)`); err != nil {
		return err
	}
	files, err := listMigrationFiles(migrations.Files)
	if err != nil {
		return err
	}
	for _, file := range files {
		applied, err := p.isMigrationApplied(ctx, file)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		if err := p.applyMigration(ctx, file); err != nil {
			return err
		}
	}
	return nil
}

func (p *PostgresStore) isMigrationApplied(ctx context.Context, version string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, version).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) applyMigration(ctx context.Context, file string) error {
	sqlBytes, err := migrations.Files.ReadFile(file)
	if err != nil {
		return err
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, string(sqlBytes)); err != nil {
		return fmt.Errorf("apply migration %s: %w", file, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES ($1, $2)`, file, time.Now().UTC()); err != nil {
		return fmt.Errorf("record migration %s: %w", file, err)
	}
	return tx.Commit()
}

func listMigrationFiles(migFS fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(migFS, ".")
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)
	return files, nil
}

func (p *PostgresStore) CreateAccount(ctx context.Context, account AccountRecord) error {
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now().UTC()
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO accounts (id, username, credential_hash, role, balance, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6)`,
		account.ID, account.Username, account.CredentialHash, account.Role, account.Balance, account.CreatedAt,
	)
	if err != nil && strings.Contains(err.Error(), "accounts_username_key") {
		return ErrDuplicateUsername
	}
	return err
}

func (p *PostgresStore) GetAccount(ctx context.Context, accountID string) (AccountRecord, bool, error) {
	return p.scanAccount(p.db.QueryRowContext(ctx,
		`SELECT id, username, credential_hash, role, balance, created_at FROM accounts WHERE id=$1`, accountID))
}

func (p *PostgresStore) GetAccountByUsername(ctx context.Context, username string) (AccountRecord, bool, error) {
	return p.scanAccount(p.db.QueryRowContext(ctx,
		`SELECT id, username, credential_hash, role, balance, created_at FROM accounts WHERE username=$1`, username))
}

func (p *PostgresStore) scanAccount(row *sql.Row) (AccountRecord, bool, error) {
	var a AccountRecord
	err := row.Scan(&a.ID, &a.Username, &a.CredentialHash, &a.Role, &a.Balance, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return AccountRecord{}, false, nil
	}
	if err != nil {
		return AccountRecord{}, false, err
	}
	return a, true, nil
}

func (p *PostgresStore) BalanceOf(ctx context.Context, accountID string) (decimal.Decimal, bool, error) {
	var balance decimal.Decimal
	err := p.db.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE id=$1`, accountID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, err
	}
	return balance, true, nil
}

func (p *PostgresStore) CreateModel(ctx context.Context, model ModelRecord) error {
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO models (id, name, description, cost_per_request, created_at) VALUES ($1,$2,$3,$4,$5)
		 ON CONFLICT (id) DO NOTHING`,
		model.ID, model.Name, model.Description, model.CostPerRequest, model.CreatedAt,
	)
	return err
}

func (p *PostgresStore) GetModel(ctx context.Context, modelID string) (ModelRecord, bool, error) {
	var m ModelRecord
	err := p.db.QueryRowContext(ctx,
		`SELECT id, name, description, cost_per_request, created_at FROM models WHERE id=$1`, modelID,
	).Scan(&m.ID, &m.Name, &m.Description, &m.CostPerRequest, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ModelRecord{}, false, nil
	}
	if err != nil {
		return ModelRecord{}, false, err
	}
	return m, true, nil
}

func (p *PostgresStore) ListModels(ctx context.Context) ([]ModelRecord, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, name, description, cost_per_request, created_at FROM models ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]ModelRecord, 0)
	for rows.Next() {
		var m ModelRecord
		if err := rows.Scan(&m.ID, &m.Name, &m.Description, &m.CostPerRequest, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CreateTask(ctx context.Context, task TaskRecord) error {
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	if task.Status == "" {
		task.Status = TaskPending
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO tasks (id, account_id, model_id, cost, input, status, result, error_text, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		task.ID, task.AccountID, task.ModelID, task.Cost, task.Input, task.Status, task.Result, task.Error, task.CreatedAt, now,
	)
	return err
}

const taskColumns = `id, account_id, model_id, cost, input, status, result, error_text, created_at, updated_at`

func scanTaskRow(s interface{ Scan(...any) error }) (TaskRecord, error) {
	var t TaskRecord
	err := s.Scan(&t.ID, &t.AccountID, &t.ModelID, &t.Cost, &t.Input, &t.Status, &t.Result, &t.Error, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

func (p *PostgresStore) GetTask(ctx context.Context, taskID string) (TaskRecord, bool, error) {
	t, err := scanTaskRow(p.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=$1`, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return TaskRecord{}, false, nil
	}
	if err != nil {
		return TaskRecord{}, false, err
	}
	return t, true, nil
}

func (p *PostgresStore) ListTasksByAccount(ctx context.Context, accountID string) ([]TaskRecord, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE account_id=$1 ORDER BY created_at`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]TaskRecord, 0)
	for rows.Next() {
		t, err := scanTaskRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListStalePendingTasks(ctx context.Context, olderThan time.Time, limit int) ([]TaskRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status=$1 AND created_at < $2 ORDER BY created_at LIMIT $3`,
		TaskPending, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]TaskRecord, 0)
	for rows.Next() {
		t, err := scanTaskRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *PostgresStore) TransitionTask(ctx context.Context, taskID, from, to, result, errText string) (TaskRecord, error) {
	row := p.db.QueryRowContext(ctx,
		`UPDATE tasks SET status=$3, result=$4, error_text=$5, updated_at=$6
		 WHERE id=$1 AND status=$2
		 RETURNING `+taskColumns,
		taskID, from, to, result, errText, time.Now().UTC())
	t, err := scanTaskRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		// Distinguish a missing task from a lost race.
		if _, ok, lookupErr := p.GetTask(ctx, taskID); lookupErr != nil {
			return TaskRecord{}, lookupErr
		} else if !ok {
			return TaskRecord{}, ErrNotFound
		}
		return TaskRecord{}, ErrStaleTransition
	}
	if err != nil {
		return TaskRecord{}, err
	}
	return t, nil
}

func (p *PostgresStore) ApplyEntry(ctx context.Context, entry LedgerEntryRecord) (LedgerEntryRecord, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return LedgerEntryRecord{}, err
	}
	defer func() { _ = tx.Rollback() }()

	applied, err := p.applyEntryTx(ctx, tx, entry)
	if err != nil {
		return LedgerEntryRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return LedgerEntryRecord{}, err
	}
	return applied, nil
}

// applyEntryTx appends the entry and moves the balance inside the caller's
// transaction. The debit is a single conditional UPDATE: the balance check
// and the decrement cannot be separated by a concurrent writer.
func (p *PostgresStore) applyEntryTx(ctx context.Context, tx *sql.Tx, entry LedgerEntryRecord) (LedgerEntryRecord, error) {
	if entry.Kind == EntryTaskCharge {
		existing, charged, err := getChargeTx(ctx, tx, entry.TaskID)
		if err != nil {
			return LedgerEntryRecord{}, err
		}
		if charged {
			return existing, nil
		}
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	var res sql.Result
	var err error
	switch entry.Kind {
	case EntryDeposit:
		res, err = tx.ExecContext(ctx,
			`UPDATE accounts SET balance = balance + $2 WHERE id=$1`, entry.AccountID, entry.Amount)
	case EntryWithdrawal, EntryTaskCharge:
		res, err = tx.ExecContext(ctx,
			`UPDATE accounts SET balance = balance - $2 WHERE id=$1 AND balance >= $2`, entry.AccountID, entry.Amount)
	default:
		return LedgerEntryRecord{}, fmt.Errorf("unknown ledger entry kind %q", entry.Kind)
	}
	if err != nil {
		return LedgerEntryRecord{}, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return LedgerEntryRecord{}, err
	}
	if rows == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM accounts WHERE id=$1)`, entry.AccountID).Scan(&exists); err != nil {
			return LedgerEntryRecord{}, err
		}
		if !exists {
			return LedgerEntryRecord{}, ErrNotFound
		}
		return LedgerEntryRecord{}, ErrInsufficientFunds
	}

	taskID := sql.NullString{String: entry.TaskID, Valid: entry.TaskID != ""}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ledger_entries (id, account_id, kind, amount, task_id, created_at) VALUES ($1,$2,$3,$4,$5,$6)`,
		entry.ID, entry.AccountID, entry.Kind, entry.Amount, taskID, entry.CreatedAt,
	); err != nil {
		return LedgerEntryRecord{}, err
	}
	return entry, nil
}

func getChargeTx(ctx context.Context, tx *sql.Tx, taskID string) (LedgerEntryRecord, bool, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT id, account_id, kind, amount, task_id, created_at FROM ledger_entries
		 WHERE task_id=$1 AND kind=$2`, taskID, EntryTaskCharge)
	return scanEntry(row)
}

func scanEntry(s interface{ Scan(...any) error }) (LedgerEntryRecord, bool, error) {
	var e LedgerEntryRecord
	var taskID sql.NullString
	err := s.Scan(&e.ID, &e.AccountID, &e.Kind, &e.Amount, &taskID, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return LedgerEntryRecord{}, false, nil
	}
	if err != nil {
		return LedgerEntryRecord{}, false, err
	}
	e.TaskID = taskID.String
	return e, true, nil
}

func (p *PostgresStore) GetChargeForTask(ctx context.Context, taskID string) (LedgerEntryRecord, bool, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT id, account_id, kind, amount, task_id, created_at FROM ledger_entries
		 WHERE task_id=$1 AND kind=$2`, taskID, EntryTaskCharge)
	var e LedgerEntryRecord
	var tid sql.NullString
	err := row.Scan(&e.ID, &e.AccountID, &e.Kind, &e.Amount, &tid, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return LedgerEntryRecord{}, false, nil
	}
	if err != nil {
		return LedgerEntryRecord{}, false, err
	}
	e.TaskID = tid.String
	return e, true, nil
}

func (p *PostgresStore) ListEntriesByAccount(ctx context.Context, accountID string) ([]LedgerEntryRecord, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, account_id, kind, amount, task_id, created_at FROM ledger_entries
		 WHERE account_id=$1 ORDER BY created_at, id`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]LedgerEntryRecord, 0)
	for rows.Next() {
		var e LedgerEntryRecord
		var taskID sql.NullString
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Kind, &e.Amount, &taskID, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.TaskID = taskID.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CompleteTaskWithCharge(ctx context.Context, entry LedgerEntryRecord, result string) (LedgerEntryRecord, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return LedgerEntryRecord{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id=$1 FOR UPDATE`, entry.TaskID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return LedgerEntryRecord{}, ErrNotFound
	}
	if err != nil {
		return LedgerEntryRecord{}, err
	}

	existing, charged, err := getChargeTx(ctx, tx, entry.TaskID)
	if err != nil {
		return LedgerEntryRecord{}, err
	}
	if charged && status == TaskCompleted {
		return existing, nil
	}
	if status != TaskProcessing {
		return LedgerEntryRecord{}, ErrStaleTransition
	}

	applied, err := p.applyEntryTx(ctx, tx, entry)
	if err != nil {
		return LedgerEntryRecord{}, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status=$2, result=$3, error_text='', updated_at=$4 WHERE id=$1 AND status=$5`,
		entry.TaskID, TaskCompleted, result, time.Now().UTC(), TaskProcessing,
	); err != nil {
		return LedgerEntryRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return LedgerEntryRecord{}, err
	}
	return applied, nil
}
