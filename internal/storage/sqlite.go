package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// DB wraps a sql.DB connection to the SQLite ledger database. All mutations
// go through Update, which admits a single writer at a time.
type DB struct {
	db      *sql.DB
	writeMu sync.Mutex
}

// NewDB opens (or creates) a SQLite database at path and runs schema migrations.
func NewDB(path string) (*DB, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	d := &DB{db: sqlDB}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return d, nil
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// migrate creates all required tables if they do not already exist.
func (d *DB) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS params (
    version INTEGER PRIMARY KEY AUTOINCREMENT,
    quorum_threshold_bps INTEGER NOT NULL,
    minimum_stake INTEGER NOT NULL,
    task_ttl_seconds INTEGER NOT NULL,
    default_min_reserve_ratio_bps INTEGER NOT NULL,
    default_max_claim_ratio_bps INTEGER NOT NULL,
    default_emergency_limit INTEGER NOT NULL,
    changed_by TEXT NOT NULL,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS operators (
    address TEXT PRIMARY KEY,
    slot INTEGER NOT NULL UNIQUE,
    stake INTEGER NOT NULL CHECK (stake >= 0),
    active INTEGER NOT NULL DEFAULT 1,
    slashing_history INTEGER NOT NULL DEFAULT 0,
    bls_pubkey BLOB NOT NULL,
    registered_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS registry_counters (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    active_count INTEGER NOT NULL CHECK (active_count >= 0),
    next_slot INTEGER NOT NULL
);

INSERT OR IGNORE INTO registry_counters (id, active_count, next_slot) VALUES (1, 0, 0);

CREATE TABLE IF NOT EXISTS slashings (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    operator TEXT NOT NULL,
    amount INTEGER NOT NULL,
    reason TEXT NOT NULL,
    stake_after INTEGER NOT NULL,
    created_at INTEGER NOT NULL,
    FOREIGN KEY (operator) REFERENCES operators(address)
);

CREATE TABLE IF NOT EXISTS tasks (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    policy_id INTEGER NOT NULL,
    attempt INTEGER NOT NULL,
    task_hash TEXT NOT NULL,
    attestation_hash TEXT NOT NULL,
    payout INTEGER NOT NULL,
    quorum_threshold_bps INTEGER NOT NULL,
    required_stake INTEGER NOT NULL,
    params_version INTEGER NOT NULL,
    status TEXT NOT NULL,
    settlement TEXT NOT NULL DEFAULT '',
    settlement_reason TEXT NOT NULL DEFAULT '',
    aggregate_signature BLOB,
    created_at INTEGER NOT NULL,
    expires_at INTEGER NOT NULL DEFAULT 0,
    completed_at INTEGER NOT NULL DEFAULT 0,
    UNIQUE (policy_id, attempt)
);

CREATE TABLE IF NOT EXISTS task_responses (
    task_id INTEGER NOT NULL,
    seq INTEGER NOT NULL,
    operator TEXT NOT NULL,
    signature BLOB,
    block_height INTEGER NOT NULL,
    created_at INTEGER NOT NULL,
    PRIMARY KEY (task_id, seq),
    UNIQUE (task_id, operator),
    FOREIGN KEY (task_id) REFERENCES tasks(id)
);

CREATE TABLE IF NOT EXISTS policies (
    policy_id INTEGER PRIMARY KEY,
    holder TEXT NOT NULL,
    pool TEXT NOT NULL,
    coverage INTEGER NOT NULL,
    premium INTEGER NOT NULL,
    deductible_bps INTEGER NOT NULL,
    cap_bps INTEGER NOT NULL,
    active INTEGER NOT NULL DEFAULT 1,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS pools (
    pool TEXT PRIMARY KEY,
    total_premiums INTEGER NOT NULL DEFAULT 0,
    reserves INTEGER NOT NULL DEFAULT 0 CHECK (reserves >= 0),
    total_claims_paid INTEGER NOT NULL DEFAULT 0,
    min_reserve_ratio_bps INTEGER NOT NULL,
    max_claim_ratio_bps INTEGER NOT NULL,
    emergency_limit INTEGER NOT NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS policy_claims (
    policy_id INTEGER PRIMARY KEY,
    paid INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS settlements (
    policy_id INTEGER PRIMARY KEY,
    task_id INTEGER NOT NULL,
    amount INTEGER NOT NULL,
    settled_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS balances (
    account TEXT PRIMARY KEY,
    amount INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_log (
    idx INTEGER PRIMARY KEY,
    id TEXT NOT NULL UNIQUE,
    kind TEXT NOT NULL,
    subject TEXT NOT NULL,
    payload TEXT NOT NULL,
    prev_hash TEXT NOT NULL,
    hash TEXT NOT NULL,
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_operators_active ON operators(active);
CREATE INDEX IF NOT EXISTS idx_slashings_operator ON slashings(operator);
CREATE INDEX IF NOT EXISTS idx_tasks_policy ON tasks(policy_id);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_audit_kind ON audit_log(kind);
CREATE INDEX IF NOT EXISTS idx_audit_subject ON audit_log(subject);`
	_, err := d.db.Exec(schema)
	return err
}

// Tx is a ledger transaction. Every read and write of the settlement core
// happens through one, so an operation either commits completely or leaves
// no trace.
type Tx struct {
	ctx      context.Context
	tx       *sql.Tx
	onCommit []func()
	sp       int
}

// Update runs fn inside a write transaction. The transaction commits only if
// fn returns nil; any error rolls back every effect of fn. Writers are
// serialized, so operations are linearizable.
func (d *DB) Update(ctx context.Context, fn func(tx *Tx) error) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	sqlTx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	tx := &Tx{ctx: ctx, tx: sqlTx}
	if err := fn(tx); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	for _, hook := range tx.onCommit {
		hook()
	}
	return nil
}

// View runs fn inside a transaction that is always rolled back, giving fn a
// consistent snapshot.
func (d *DB) View(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer sqlTx.Rollback()
	return fn(&Tx{ctx: ctx, tx: sqlTx})
}

// Context returns the context the transaction was started with.
func (tx *Tx) Context() context.Context {
	return tx.ctx
}

// OnCommit registers fn to run after the enclosing transaction commits. Hooks
// registered inside a savepoint that is rolled back are discarded.
func (tx *Tx) OnCommit(fn func()) {
	tx.onCommit = append(tx.onCommit, fn)
}

// Savepoint runs fn in a nested scope. If fn fails, only its effects are
// rolled back and the outer transaction continues.
func (tx *Tx) Savepoint(fn func() error) error {
	tx.sp++
	name := fmt.Sprintf("sp_%d", tx.sp)
	hooks := len(tx.onCommit)

	if _, err := tx.tx.ExecContext(tx.ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("savepoint: %w", err)
	}
	if err := fn(); err != nil {
		if _, rbErr := tx.tx.ExecContext(tx.ctx, "ROLLBACK TO "+name); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback to savepoint: %w", rbErr))
		}
		if _, relErr := tx.tx.ExecContext(tx.ctx, "RELEASE "+name); relErr != nil {
			return errors.Join(err, fmt.Errorf("release savepoint: %w", relErr))
		}
		tx.onCommit = tx.onCommit[:hooks]
		return err
	}
	if _, err := tx.tx.ExecContext(tx.ctx, "RELEASE "+name); err != nil {
		return fmt.Errorf("release savepoint: %w", err)
	}
	return nil
}

func (tx *Tx) exec(query string, args ...any) (sql.Result, error) {
	return tx.tx.ExecContext(tx.ctx, query, args...)
}

func (tx *Tx) query(query string, args ...any) (*sql.Rows, error) {
	return tx.tx.QueryContext(tx.ctx, query, args...)
}

func (tx *Tx) queryRow(query string, args ...any) *sql.Row {
	return tx.tx.QueryRowContext(tx.ctx, query, args...)
}

// execOne runs an update that must touch exactly one row.
func (tx *Tx) execOne(op string, query string, args ...any) error {
	res, err := tx.exec(query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, sql.ErrNoRows)
	}
	return nil
}

// IsNotFound reports whether err means the requested row does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// boolToInt converts a bool to an integer (0 or 1) for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
