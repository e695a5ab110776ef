// Package settlement ties claim authorization, operator attestation and
// payout together. A claim is paid only after an authorized compute worker
// signed it and a quorum of staked operators attested to the same digest.
package settlement

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/ssd-technologies/ilshield/internal/attestation"
	"github.com/ssd-technologies/ilshield/internal/audit"
	"github.com/ssd-technologies/ilshield/internal/core"
	"github.com/ssd-technologies/ilshield/internal/crypto"
	"github.com/ssd-technologies/ilshield/internal/registry"
	"github.com/ssd-technologies/ilshield/internal/storage"
	"github.com/ssd-technologies/ilshield/internal/vault"
)

var log = logrus.WithField("component", "settlement")

// ClaimRequest is a compute worker's signed payout for a policy.
type ClaimRequest struct {
	PolicyID        uint64      `json:"policy_id"`
	AttestationHash common.Hash `json:"attestation_hash"`
	Payout          uint64      `json:"payout"`
	WorkerSig       []byte      `json:"worker_signature"`
}

// Attestation is a claim together with the operators' aggregate signature
// over its task.
type Attestation struct {
	ClaimRequest
	Signers      []common.Address `json:"signers"`
	AggregateSig []byte           `json:"aggregate_signature"`
}

// Outcome is the result of a one-shot attestation.
type Outcome struct {
	Task  *storage.Task      `json:"task"`
	Claim *vault.ClaimResult `json:"claim"`
}

// Service is the settlement entry point.
type Service struct {
	db       *storage.DB
	rec      *audit.Recorder
	verifier crypto.Verifier
	tasks    *attestation.Manager
	vault    *vault.Vault
}

// New creates the service and installs its completion hook on tasks.
func New(db *storage.DB, rec *audit.Recorder, verifier crypto.Verifier, tasks *attestation.Manager, v *vault.Vault) *Service {
	s := &Service{db: db, rec: rec, verifier: verifier, tasks: tasks, vault: v}
	tasks.OnComplete(s.settle)
	return s
}

// Digest returns the claim digest the worker signs.
func (r ClaimRequest) Digest() common.Hash {
	return crypto.ClaimDigest(r.PolicyID, r.AttestationHash, r.Payout)
}

// TaskHash returns the hash operators sign for the given attempt at the
// claim.
func (r ClaimRequest) TaskHash(attempt int64) common.Hash {
	return crypto.AttemptHash(r.Digest(), attempt)
}

// authorize runs the checks every claim entry point shares: the policy is
// not settled and the worker signature is valid.
func (s *Service) authorize(tx *storage.Tx, req ClaimRequest) error {
	if req.Payout == 0 {
		return fmt.Errorf("claim on policy %d: %w", req.PolicyID, core.ErrZeroAmount)
	}
	settled, err := tx.IsSettled(req.PolicyID)
	if err != nil {
		return err
	}
	if settled {
		return fmt.Errorf("policy %d: %w", req.PolicyID, core.ErrPolicyAlreadySettled)
	}
	if !s.verifier.VerifyWorkerAuthorization(req.PolicyID, req.AttestationHash, req.Payout, req.WorkerSig) {
		return fmt.Errorf("worker authorization for policy %d: %w", req.PolicyID, core.ErrInvalidSignature)
	}
	return nil
}

// SubmitClaim opens an attestation task for a worker-signed claim after a
// dry run of the payout checks.
func (s *Service) SubmitClaim(ctx context.Context, req ClaimRequest) (*storage.Task, error) {
	var (
		task    *storage.Task
		refused error
	)
	err := s.db.Update(ctx, func(tx *storage.Tx) error {
		if err := s.authorize(tx, req); err != nil {
			return err
		}
		if err := s.vault.ValidateClaimTx(tx, req.PolicyID, req.Payout); err != nil {
			refused = err
			return err
		}
		var err error
		task, err = s.tasks.CreateTask(tx, attestation.TaskSpec{
			PolicyID:        req.PolicyID,
			ClaimDigest:     req.Digest(),
			AttestationHash: req.AttestationHash,
			Payout:          req.Payout,
		})
		return err
	})
	if err != nil {
		log.Warnf("[settlement] claim on policy %d rejected: %v", req.PolicyID, err)
		if refused != nil {
			s.vault.RecordRejection(ctx, "preflight", req.PolicyID, req.Payout, 0, refused)
		}
		return nil, err
	}
	log.Infof("[settlement] task %d opened for policy %d payout %d", task.ID, task.PolicyID, task.Payout)
	return task, nil
}

// Respond records one operator's signed response. The response that
// completes the task also settles its claim.
func (s *Service) Respond(ctx context.Context, taskID uint64, operator common.Address, sig []byte) (*storage.Task, error) {
	return s.tasks.Respond(ctx, taskID, operator, sig)
}

// settle pays a completed task's claim in a savepoint. A rule violation
// rejects the settlement but keeps the completion; anything else aborts.
func (s *Service) settle(tx *storage.Tx, task *storage.Task) error {
	var res *vault.ClaimResult
	err := tx.Savepoint(func() error {
		var err error
		res, err = s.vault.PayClaimTx(tx, task.PolicyID, task.Payout, task.ID)
		return err
	})
	if err != nil {
		code := core.Code(err)
		if code == "Internal" {
			return err
		}
		if err := tx.SetTaskSettlement(task.ID, storage.SettlementRejected, code); err != nil {
			return err
		}
		task.Settlement, task.SettlementReason = storage.SettlementRejected, code
		if recErr := s.vault.RecordRejectionTx(tx, "settlement", task.PolicyID, task.Payout, task.ID, err); recErr != nil {
			return recErr
		}
		log.Warnf("[settlement] task %d completed but claim on policy %d rejected: %v", task.ID, task.PolicyID, err)
		return nil
	}
	if err := tx.SetTaskSettlement(task.ID, storage.SettlementSettled, ""); err != nil {
		return err
	}
	task.Settlement = storage.SettlementSettled
	log.Infof("[settlement] policy %d paid %d to %s, reserves %d", res.PolicyID, res.Amount, res.Holder.Hex(), res.Reserves)
	return nil
}

// openTask returns the policy's open task for req, creating one when the
// policy has none.
func (s *Service) openTask(tx *storage.Tx, req ClaimRequest) (*storage.Task, error) {
	prev, err := tx.LatestTaskForPolicy(req.PolicyID)
	switch {
	case storage.IsNotFound(err):
	case err != nil:
		return nil, err
	case prev.Open() && prev.TaskHash == req.TaskHash(prev.Attempt):
		if task, err := s.tasks.LoadOpen(tx, prev.ID); err == nil {
			return task, nil
		} else if core.Code(err) != "TaskExpired" {
			return nil, err
		}
	}
	return s.tasks.CreateTask(tx, attestation.TaskSpec{
		PolicyID:        req.PolicyID,
		ClaimDigest:     req.Digest(),
		AttestationHash: req.AttestationHash,
		Payout:          req.Payout,
	})
}

// SubmitAttestation verifies a worker-signed claim and an operator aggregate
// signature, records the signers' responses, and pays the claim, all in one
// transaction. Any failure leaves no trace.
func (s *Service) SubmitAttestation(ctx context.Context, att Attestation) (*Outcome, error) {
	var (
		out     *Outcome
		refused error
	)
	err := s.db.Update(ctx, func(tx *storage.Tx) error {
		if err := s.authorize(tx, att.ClaimRequest); err != nil {
			return err
		}
		if len(att.Signers) == 0 {
			return fmt.Errorf("attestation for policy %d has no signers: %w", att.PolicyID, core.ErrThresholdNotMet)
		}
		task, err := s.openTask(tx, att.ClaimRequest)
		if err != nil {
			return err
		}

		keys := make([]crypto.SignerKey, 0, len(att.Signers))
		for _, addr := range att.Signers {
			op, err := registry.Eligible(tx, addr, task.RequiredStake)
			if err != nil {
				return err
			}
			keys = append(keys, crypto.SignerKey{Operator: addr, PublicKey: op.BLSPublicKey})
		}
		if !s.verifier.VerifyAggregateOperatorSignature(task.TaskHash, keys, att.AggregateSig) {
			return fmt.Errorf("aggregate over %d signers on task %d: %w", len(keys), task.ID, core.ErrInvalidBLSSignature)
		}

		for _, addr := range att.Signers {
			responded, err := tx.HasResponse(task.ID, addr)
			if err != nil {
				return err
			}
			if responded {
				continue
			}
			if _, err := s.tasks.AppendResponse(tx, task, addr, nil); err != nil {
				return err
			}
		}
		if err := tx.SetTaskAggregate(task.ID, att.AggregateSig); err != nil {
			return err
		}
		task.AggregateSignature = att.AggregateSig

		completed, err := s.tasks.EvaluateQuorum(tx, task)
		if err != nil {
			return err
		}
		if !completed {
			return fmt.Errorf("task %d below %d bps: %w", task.ID, task.QuorumThresholdBps, core.ErrThresholdNotMet)
		}

		res, err := s.vault.PayClaimTx(tx, task.PolicyID, task.Payout, task.ID)
		if err != nil {
			refused = err
			return err
		}
		if err := tx.SetTaskSettlement(task.ID, storage.SettlementSettled, ""); err != nil {
			return err
		}
		task.Settlement = storage.SettlementSettled
		out = &Outcome{Task: task, Claim: res}
		return nil
	})
	if err != nil {
		log.Warnf("[settlement] attestation for policy %d rejected: %v", att.PolicyID, err)
		if refused != nil {
			s.vault.RecordRejection(ctx, "attestation", att.PolicyID, att.Payout, 0, refused)
		}
		return nil, err
	}
	log.Infof("[settlement] policy %d paid %d via task %d with %d signers", att.PolicyID, out.Claim.Amount, out.Task.ID, len(att.Signers))
	return out, nil
}

// AttemptFor returns the attempt, and the task hash operators must sign, that
// a one-shot attestation of req would settle: the policy's open task for the
// same claim, or the next attempt.
func (s *Service) AttemptFor(ctx context.Context, req ClaimRequest) (int64, common.Hash, error) {
	attempt := int64(1)
	err := s.db.View(ctx, func(tx *storage.Tx) error {
		prev, err := tx.LatestTaskForPolicy(req.PolicyID)
		if storage.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		attempt = prev.Attempt + 1
		if prev.Open() && prev.TaskHash == req.TaskHash(prev.Attempt) {
			if _, err := s.tasks.LoadOpen(tx, prev.ID); err == nil {
				attempt = prev.Attempt
			}
		}
		return nil
	})
	if err != nil {
		return 0, common.Hash{}, err
	}
	return attempt, req.TaskHash(attempt), nil
}
