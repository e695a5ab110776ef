// Package attestation runs the per-claim task state machine: a task is
// created for a claim attempt, collects operator responses, and completes
// once the share of active operators that responded reaches the task's
// quorum threshold.
//
//	created --respond--> collecting --quorum--> completed
//	   \                     |
//	    `------ ttl ---------`--> expired
package attestation

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/ssd-technologies/ilshield/internal/audit"
	"github.com/ssd-technologies/ilshield/internal/core"
	"github.com/ssd-technologies/ilshield/internal/crypto"
	"github.com/ssd-technologies/ilshield/internal/params"
	"github.com/ssd-technologies/ilshield/internal/registry"
	"github.com/ssd-technologies/ilshield/internal/storage"
)

var log = logrus.WithField("component", "attestation")

// CompletionHook runs inside the transaction that completed task.
type CompletionHook func(tx *storage.Tx, task *storage.Task) error

// TaskSpec describes a task to open.
type TaskSpec struct {
	PolicyID        uint64
	ClaimDigest     common.Hash // the task hash binds it to the attempt
	AttestationHash common.Hash
	Payout          uint64
	// QuorumThresholdBps overrides the current parameter when non-zero.
	QuorumThresholdBps uint64
}

// Manager creates tasks and collects responses.
type Manager struct {
	db         *storage.DB
	rec        *audit.Recorder
	verifier   crypto.Verifier
	onComplete CompletionHook
	now        func() time.Time
}

// New creates a task manager.
func New(db *storage.DB, rec *audit.Recorder, verifier crypto.Verifier) *Manager {
	return &Manager{db: db, rec: rec, verifier: verifier, now: time.Now}
}

// OnComplete sets the hook run when Respond completes a task.
func (m *Manager) OnComplete(h CompletionHook) {
	m.onComplete = h
}

func taskSubject(id uint64) string {
	return fmt.Sprintf("task:%d", id)
}

// QuorumMet reports whether responses out of active operators reach
// thresholdBps. Division truncates.
func QuorumMet(responses, active, thresholdBps uint64) bool {
	if responses == 0 || active == 0 {
		return false
	}
	return core.RatioBps(responses, active) >= thresholdBps
}

// expired reports whether an open task's deadline has passed at now.
func expired(t *storage.Task, now int64) bool {
	return t.ExpiresAt > 0 && now >= t.ExpiresAt
}

// CreateTask opens a task for a claim attempt. A policy may hold only one
// live task at a time.
func (m *Manager) CreateTask(tx *storage.Tx, spec TaskSpec) (*storage.Task, error) {
	if spec.PolicyID == 0 {
		return nil, fmt.Errorf("create task: %w", core.ErrPolicyNotFound)
	}
	if !core.ValidBps(spec.QuorumThresholdBps) {
		return nil, fmt.Errorf("create task quorum %d: %w", spec.QuorumThresholdBps, core.ErrInvalidRatio)
	}
	if err := core.CheckAmount(spec.Payout); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	p, err := params.Current(tx)
	if err != nil {
		return nil, err
	}
	now := m.now().Unix()

	attempt := int64(1)
	prev, err := tx.LatestTaskForPolicy(spec.PolicyID)
	switch {
	case storage.IsNotFound(err):
	case err != nil:
		return nil, err
	default:
		attempt = prev.Attempt + 1
		if prev.Open() && expired(prev, now) {
			if err := m.expire(tx, prev, now); err != nil {
				return nil, err
			}
		}
		if prev.Live() {
			return nil, fmt.Errorf("policy %d has live task %d: %w", spec.PolicyID, prev.ID, core.ErrDuplicateTask)
		}
	}

	threshold := spec.QuorumThresholdBps
	if threshold == 0 {
		threshold = p.QuorumThresholdBps
	}
	task := &storage.Task{
		PolicyID:           spec.PolicyID,
		Attempt:            attempt,
		TaskHash:           crypto.AttemptHash(spec.ClaimDigest, attempt),
		AttestationHash:    spec.AttestationHash,
		Payout:             spec.Payout,
		QuorumThresholdBps: threshold,
		RequiredStake:      p.MinimumStake,
		ParamsVersion:      p.Version,
		Status:             storage.TaskCreated,
		CreatedAt:          now,
	}
	if p.TaskTTLSeconds > 0 {
		task.ExpiresAt = now + p.TaskTTLSeconds
	}
	if err := tx.InsertTask(task); err != nil {
		return nil, err
	}
	_, err = m.rec.Record(tx, audit.KindTaskCreated, taskSubject(task.ID), map[string]any{
		"task_id":              task.ID,
		"policy_id":            task.PolicyID,
		"attempt":              task.Attempt,
		"task_hash":            task.TaskHash.Hex(),
		"attestation_hash":     task.AttestationHash.Hex(),
		"payout":               task.Payout,
		"quorum_threshold_bps": task.QuorumThresholdBps,
		"required_stake":       task.RequiredStake,
		"params_version":       task.ParamsVersion,
		"expires_at":           task.ExpiresAt,
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// LoadOpen returns task id if it can still accept responses.
func (m *Manager) LoadOpen(tx *storage.Tx, id uint64) (*storage.Task, error) {
	task, err := tx.GetTask(id)
	if storage.IsNotFound(err) {
		return nil, fmt.Errorf("task %d: %w", id, core.ErrTaskNotFound)
	}
	if err != nil {
		return nil, err
	}
	switch {
	case task.Status == storage.TaskCompleted:
		return nil, fmt.Errorf("task %d: %w", id, core.ErrTaskAlreadyCompleted)
	case task.Status == storage.TaskExpired, expired(task, m.now().Unix()):
		return nil, fmt.Errorf("task %d: %w", id, core.ErrTaskExpired)
	}
	return task, nil
}

// AppendResponse records operator's response to an open task without
// evaluating quorum. sig may be nil when the caller has already verified an
// aggregate covering operator.
func (m *Manager) AppendResponse(tx *storage.Tx, task *storage.Task, operator common.Address, sig []byte) (*storage.TaskResponse, error) {
	if _, err := registry.Eligible(tx, operator, task.RequiredStake); err != nil {
		return nil, err
	}
	dup, err := tx.HasResponse(task.ID, operator)
	if err != nil {
		return nil, err
	}
	if dup {
		return nil, fmt.Errorf("operator %s on task %d: %w", operator.Hex(), task.ID, core.ErrDuplicateResponse)
	}
	height, err := tx.AuditHeight()
	if err != nil {
		return nil, err
	}

	resp := &storage.TaskResponse{
		TaskID:      task.ID,
		Operator:    operator,
		Signature:   sig,
		BlockHeight: height,
		CreatedAt:   m.now().Unix(),
	}
	if err := tx.InsertResponse(resp); err != nil {
		return nil, err
	}
	_, err = m.rec.Record(tx, audit.KindTaskResponse, taskSubject(task.ID), map[string]any{
		"task_id":      task.ID,
		"operator":     operator.Hex(),
		"seq":          resp.Seq,
		"block_height": resp.BlockHeight,
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// EvaluateQuorum completes task if its responses reach quorum over the
// current active operator count, and otherwise moves it to collecting. It
// reports whether the task completed.
func (m *Manager) EvaluateQuorum(tx *storage.Tx, task *storage.Task) (bool, error) {
	responses, err := tx.CountResponses(task.ID)
	if err != nil {
		return false, err
	}
	active, err := tx.ActiveCount()
	if err != nil {
		return false, err
	}

	if !QuorumMet(responses, active, task.QuorumThresholdBps) {
		if responses > 0 && task.Status == storage.TaskCreated {
			if err := tx.UpdateTaskStatus(task.ID, storage.TaskCollecting, 0); err != nil {
				return false, err
			}
			task.Status = storage.TaskCollecting
		}
		return false, nil
	}

	now := m.now().Unix()
	if err := tx.UpdateTaskStatus(task.ID, storage.TaskCompleted, now); err != nil {
		return false, err
	}
	task.Status = storage.TaskCompleted
	task.CompletedAt = now
	_, err = m.rec.Record(tx, audit.KindTaskCompleted, taskSubject(task.ID), map[string]any{
		"task_id":              task.ID,
		"policy_id":            task.PolicyID,
		"responses":            responses,
		"active_operators":     active,
		"response_bps":         core.RatioBps(responses, active),
		"quorum_threshold_bps": task.QuorumThresholdBps,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// RespondTx verifies operator's BLS signature over the task, appends the
// response and evaluates quorum. On completion the completion hook runs in
// the same transaction.
func (m *Manager) RespondTx(tx *storage.Tx, taskID uint64, operator common.Address, sig []byte) (*storage.Task, error) {
	task, err := m.LoadOpen(tx, taskID)
	if err != nil {
		return nil, err
	}
	op, err := registry.Eligible(tx, operator, task.RequiredStake)
	if err != nil {
		return nil, err
	}
	signer := crypto.SignerKey{Operator: operator, PublicKey: op.BLSPublicKey}
	if !m.verifier.VerifyOperatorSignature(task.TaskHash, signer, sig) {
		return nil, fmt.Errorf("operator %s on task %d: %w", operator.Hex(), taskID, core.ErrInvalidBLSSignature)
	}
	if _, err := m.AppendResponse(tx, task, operator, sig); err != nil {
		return nil, err
	}
	completed, err := m.EvaluateQuorum(tx, task)
	if err != nil {
		return nil, err
	}
	if completed && m.onComplete != nil {
		if err := m.onComplete(tx, task); err != nil {
			return nil, err
		}
	}
	return task, nil
}

// Respond records a signed operator response in its own transaction.
func (m *Manager) Respond(ctx context.Context, taskID uint64, operator common.Address, sig []byte) (*storage.Task, error) {
	var task *storage.Task
	err := m.db.Update(ctx, func(tx *storage.Tx) error {
		var err error
		task, err = m.RespondTx(tx, taskID, operator, sig)
		return err
	})
	if err != nil {
		return nil, err
	}
	log.Infof("[attestation] task %d response from %s, status %s", taskID, operator.Hex(), task.Status)
	return task, nil
}

func (m *Manager) expire(tx *storage.Tx, task *storage.Task, now int64) error {
	if err := tx.UpdateTaskStatus(task.ID, storage.TaskExpired, 0); err != nil {
		return err
	}
	task.Status = storage.TaskExpired
	_, err := m.rec.Record(tx, audit.KindTaskExpired, taskSubject(task.ID), map[string]any{
		"task_id":    task.ID,
		"policy_id":  task.PolicyID,
		"expires_at": task.ExpiresAt,
		"expired_at": now,
	})
	return err
}

// ExpireTasks marks every open task past its deadline as expired and
// returns how many were marked.
func (m *Manager) ExpireTasks(ctx context.Context) (int, error) {
	var n int
	err := m.db.Update(ctx, func(tx *storage.Tx) error {
		now := m.now().Unix()
		tasks, err := tx.ListExpiredOpenTasks(now)
		if err != nil {
			return err
		}
		for i := range tasks {
			if err := m.expire(tx, &tasks[i], now); err != nil {
				return err
			}
		}
		n = len(tasks)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Infof("[attestation] expired %d tasks", n)
	}
	return n, nil
}

// Task returns a task by id.
func (m *Manager) Task(ctx context.Context, id uint64) (*storage.Task, error) {
	var task *storage.Task
	err := m.db.View(ctx, func(tx *storage.Tx) error {
		var err error
		task, err = tx.GetTask(id)
		if storage.IsNotFound(err) {
			return fmt.Errorf("task %d: %w", id, core.ErrTaskNotFound)
		}
		return err
	})
	return task, err
}

// Responses returns a task's responses in arrival order.
func (m *Manager) Responses(ctx context.Context, id uint64) ([]storage.TaskResponse, error) {
	var out []storage.TaskResponse
	err := m.db.View(ctx, func(tx *storage.Tx) error {
		if _, err := tx.GetTask(id); err != nil {
			if storage.IsNotFound(err) {
				return fmt.Errorf("task %d: %w", id, core.ErrTaskNotFound)
			}
			return err
		}
		var err error
		out, err = tx.ListResponses(id)
		return err
	})
	return out, err
}
