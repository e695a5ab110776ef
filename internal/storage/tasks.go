package storage

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// --- Task CRUD ---

const taskColumns = `id, policy_id, attempt, task_hash, attestation_hash, payout, quorum_threshold_bps,
	required_stake, params_version, status, settlement, settlement_reason, aggregate_signature,
	created_at, expires_at, completed_at`

func scanTask(row rowScanner) (*Task, error) {
	t := &Task{}
	var taskHash, attHash string
	if err := row.Scan(&t.ID, &t.PolicyID, &t.Attempt, &taskHash, &attHash, &t.Payout,
		&t.QuorumThresholdBps, &t.RequiredStake, &t.ParamsVersion, &t.Status, &t.Settlement,
		&t.SettlementReason, &t.AggregateSignature, &t.CreatedAt, &t.ExpiresAt, &t.CompletedAt); err != nil {
		return nil, err
	}
	t.TaskHash = common.HexToHash(taskHash)
	t.AttestationHash = common.HexToHash(attHash)
	return t, nil
}

// InsertTask creates a task. The generated ID is written back into t.
func (tx *Tx) InsertTask(t *Task) error {
	res, err := tx.exec(
		`INSERT INTO tasks (policy_id, attempt, task_hash, attestation_hash, payout, quorum_threshold_bps,
			required_stake, params_version, status, settlement, settlement_reason, aggregate_signature,
			created_at, expires_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.PolicyID, t.Attempt, t.TaskHash.Hex(), t.AttestationHash.Hex(), t.Payout, t.QuorumThresholdBps,
		t.RequiredStake, t.ParamsVersion, t.Status, t.Settlement, t.SettlementReason, t.AggregateSignature,
		t.CreatedAt, t.ExpiresAt, t.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert task id: %w", err)
	}
	t.ID = uint64(id)
	return nil
}

// GetTask retrieves a task by ID.
func (tx *Tx) GetTask(id uint64) (*Task, error) {
	t, err := scanTask(tx.queryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// LatestTaskForPolicy returns the task with the highest attempt for a policy.
func (tx *Tx) LatestTaskForPolicy(policyID uint64) (*Task, error) {
	t, err := scanTask(tx.queryRow(
		`SELECT `+taskColumns+` FROM tasks WHERE policy_id = ? ORDER BY attempt DESC LIMIT 1`, policyID,
	))
	if err != nil {
		return nil, fmt.Errorf("latest task for policy: %w", err)
	}
	return t, nil
}

// UpdateTaskStatus moves a task to status. completedAt is stored as given.
func (tx *Tx) UpdateTaskStatus(id uint64, status string, completedAt int64) error {
	return tx.execOne("update task status",
		`UPDATE tasks SET status = ?, completed_at = ? WHERE id = ?`, status, completedAt, id)
}

// SetTaskSettlement records the settlement outcome of a completed task.
func (tx *Tx) SetTaskSettlement(id uint64, settlement, reason string) error {
	return tx.execOne("set task settlement",
		`UPDATE tasks SET settlement = ?, settlement_reason = ? WHERE id = ?`, settlement, reason, id)
}

// SetTaskAggregate stores the aggregate operator signature a task was
// authorized with.
func (tx *Tx) SetTaskAggregate(id uint64, sig []byte) error {
	return tx.execOne("set task aggregate",
		`UPDATE tasks SET aggregate_signature = ? WHERE id = ?`, sig, id)
}

// ListExpiredOpenTasks returns open tasks whose expiry is set and not after now.
func (tx *Tx) ListExpiredOpenTasks(now int64) ([]Task, error) {
	rows, err := tx.query(
		`SELECT `+taskColumns+` FROM tasks
		 WHERE status IN (?, ?) AND expires_at > 0 AND expires_at <= ?
		 ORDER BY id`, TaskCreated, TaskCollecting, now,
	)
	if err != nil {
		return nil, fmt.Errorf("list expired tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// --- Task responses ---

// InsertResponse appends a response to a task. The sequence number is
// assigned here and written back into r.
func (tx *Tx) InsertResponse(r *TaskResponse) error {
	var seq int64
	if err := tx.queryRow(
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM task_responses WHERE task_id = ?`, r.TaskID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("next response seq: %w", err)
	}
	r.Seq = seq
	_, err := tx.exec(
		`INSERT INTO task_responses (task_id, seq, operator, signature, block_height, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		r.TaskID, r.Seq, r.Operator.Hex(), r.Signature, r.BlockHeight, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert response: %w", err)
	}
	return nil
}

// ListResponses returns a task's responses in arrival order.
func (tx *Tx) ListResponses(taskID uint64) ([]TaskResponse, error) {
	rows, err := tx.query(
		`SELECT task_id, seq, operator, signature, block_height, created_at
		 FROM task_responses WHERE task_id = ? ORDER BY seq`, taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("list responses: %w", err)
	}
	defer rows.Close()

	var out []TaskResponse
	for rows.Next() {
		var r TaskResponse
		var op string
		if err := rows.Scan(&r.TaskID, &r.Seq, &op, &r.Signature, &r.BlockHeight, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan response: %w", err)
		}
		r.Operator = common.HexToAddress(op)
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountResponses returns the number of responses recorded for a task.
func (tx *Tx) CountResponses(taskID uint64) (uint64, error) {
	var n uint64
	if err := tx.queryRow(`SELECT COUNT(*) FROM task_responses WHERE task_id = ?`, taskID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count responses: %w", err)
	}
	return n, nil
}

// HasResponse reports whether operator already responded to a task.
func (tx *Tx) HasResponse(taskID uint64, operator common.Address) (bool, error) {
	var n int
	if err := tx.queryRow(
		`SELECT COUNT(*) FROM task_responses WHERE task_id = ? AND operator = ?`, taskID, operator.Hex(),
	).Scan(&n); err != nil {
		return false, fmt.Errorf("has response: %w", err)
	}
	return n > 0, nil
}
