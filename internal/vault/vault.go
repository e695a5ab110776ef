// Package vault is the premium and reserve ledger. It pays claims only when
// the policy's coverage cap and the pool's reserve ratio both allow it, and
// pays them inside the caller's transaction so a failed transfer undoes the
// bookkeeping with it.
package vault

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/ssd-technologies/ilshield/internal/audit"
	"github.com/ssd-technologies/ilshield/internal/core"
	"github.com/ssd-technologies/ilshield/internal/params"
	"github.com/ssd-technologies/ilshield/internal/storage"
)

var log = logrus.WithField("component", "vault")

// Transferer moves funds out of the vault. It runs inside the ledger
// transaction; returning an error rolls the whole payout back.
type Transferer interface {
	Transfer(tx *storage.Tx, to common.Address, amount uint64) error
}

// BalanceTransferer credits recipients in the ledger's own balances table.
type BalanceTransferer struct{}

func (BalanceTransferer) Transfer(tx *storage.Tx, to common.Address, amount uint64) error {
	if to == (common.Address{}) {
		return errors.New("transfer to zero address")
	}
	_, err := tx.CreditBalance(to, amount)
	return err
}

// PolicySource resolves the policy a claim is paid against.
type PolicySource interface {
	Details(tx *storage.Tx, policyID uint64) (*storage.Policy, error)
}

// Vault manages pool ledgers and claim payouts.
type Vault struct {
	db       *storage.DB
	rec      *audit.Recorder
	policies PolicySource
	transfer Transferer
	now      func() time.Time
}

// New creates a vault. A nil transferer uses BalanceTransferer.
func New(db *storage.DB, rec *audit.Recorder, policies PolicySource, transfer Transferer) *Vault {
	if transfer == nil {
		transfer = BalanceTransferer{}
	}
	return &Vault{db: db, rec: rec, policies: policies, transfer: transfer, now: time.Now}
}

func poolSubject(pool common.Address) string {
	return "pool:" + pool.Hex()
}

func policySubject(id uint64) string {
	return fmt.Sprintf("policy:%d", id)
}

func getPool(tx *storage.Tx, pool common.Address) (*storage.Pool, error) {
	p, err := tx.GetPool(pool)
	if storage.IsNotFound(err) {
		return nil, fmt.Errorf("pool %s: %w", pool.Hex(), core.ErrPoolNotFound)
	}
	return p, err
}

// PoolConfig configures a new pool. Nil fields take the current parameter
// defaults.
type PoolConfig struct {
	Pool               common.Address `json:"pool"`
	MinReserveRatioBps *uint64        `json:"min_reserve_ratio_bps,omitempty"`
	MaxClaimRatioBps   *uint64        `json:"max_claim_ratio_bps,omitempty"`
	EmergencyLimit     *uint64        `json:"emergency_withdrawal_limit,omitempty"`
}

// CreatePool opens an empty pool ledger.
func (v *Vault) CreatePool(ctx context.Context, cfg PoolConfig) (*storage.Pool, error) {
	var pool *storage.Pool
	err := v.db.Update(ctx, func(tx *storage.Tx) error {
		if cfg.Pool == (common.Address{}) {
			return fmt.Errorf("create pool zero address: %w", core.ErrPoolNotFound)
		}
		if _, err := tx.GetPool(cfg.Pool); err == nil {
			return fmt.Errorf("pool %s: %w", cfg.Pool.Hex(), core.ErrPoolExists)
		} else if !storage.IsNotFound(err) {
			return err
		}
		p, err := params.Current(tx)
		if err != nil {
			return err
		}
		now := v.now().Unix()
		pool = &storage.Pool{
			Pool:               cfg.Pool,
			MinReserveRatioBps: p.DefaultMinReserveRatioBps,
			MaxClaimRatioBps:   p.DefaultMaxClaimRatioBps,
			EmergencyLimit:     p.DefaultEmergencyLimit,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		if cfg.MinReserveRatioBps != nil {
			pool.MinReserveRatioBps = *cfg.MinReserveRatioBps
		}
		if cfg.MaxClaimRatioBps != nil {
			pool.MaxClaimRatioBps = *cfg.MaxClaimRatioBps
		}
		if cfg.EmergencyLimit != nil {
			pool.EmergencyLimit = *cfg.EmergencyLimit
		}
		if !core.ValidBps(pool.MinReserveRatioBps) || !core.ValidBps(pool.MaxClaimRatioBps) {
			return fmt.Errorf("pool %s ratios: %w", cfg.Pool.Hex(), core.ErrInvalidRatio)
		}
		if err := core.CheckAmount(pool.EmergencyLimit); err != nil {
			return fmt.Errorf("pool %s emergency limit: %w", cfg.Pool.Hex(), err)
		}
		if err := tx.InsertPool(pool); err != nil {
			return err
		}
		_, err = v.rec.Record(tx, audit.KindPoolCreated, poolSubject(pool.Pool), pool)
		return err
	})
	if err != nil {
		return nil, err
	}
	log.Infof("[vault] pool %s created min_ratio=%d max_claim_ratio=%d", pool.Pool.Hex(), pool.MinReserveRatioBps, pool.MaxClaimRatioBps)
	return pool, nil
}

// DepositPremium adds amount to a pool's premiums and reserves. value is the
// amount the caller actually attached and must equal amount.
func (v *Vault) DepositPremium(ctx context.Context, pool common.Address, amount, value uint64) (*storage.Pool, error) {
	var out *storage.Pool
	err := v.db.Update(ctx, func(tx *storage.Tx) error {
		if amount == 0 {
			return fmt.Errorf("deposit to %s: %w", pool.Hex(), core.ErrZeroAmount)
		}
		if value != amount {
			return fmt.Errorf("deposit to %s: amount %d, value %d: %w", pool.Hex(), amount, value, core.ErrValueMismatch)
		}
		p, err := getPool(tx, pool)
		if err != nil {
			return err
		}
		if p.TotalPremiums, err = core.Add(p.TotalPremiums, amount); err != nil {
			return fmt.Errorf("deposit to %s: %w", pool.Hex(), err)
		}
		if p.Reserves, err = core.Add(p.Reserves, amount); err != nil {
			return fmt.Errorf("deposit to %s: %w", pool.Hex(), err)
		}
		p.UpdatedAt = v.now().Unix()
		if err := tx.UpdatePool(p); err != nil {
			return err
		}
		out = p
		_, err = v.rec.Record(tx, audit.KindPremiumDeposited, poolSubject(pool), map[string]any{
			"pool": pool.Hex(), "amount": amount,
			"total_premiums": p.TotalPremiums, "reserves": p.Reserves,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	log.Infof("[vault] premium %d deposited to %s, reserves %d", amount, pool.Hex(), out.Reserves)
	return out, nil
}

// claimCheck is the state a claim was validated against.
type claimCheck struct {
	policy   *storage.Policy
	pool     *storage.Pool
	paid     uint64
	newPaid  uint64
	ratioBps uint64
}

// checkClaim runs the read-only claim checks: policy resolution, coverage
// cap, reserves, and the post-payout reserve ratio.
func (v *Vault) checkClaim(tx *storage.Tx, policyID, amount uint64) (*claimCheck, error) {
	if amount == 0 {
		return nil, fmt.Errorf("claim on policy %d: %w", policyID, core.ErrZeroAmount)
	}
	if err := core.CheckAmount(amount); err != nil {
		return nil, fmt.Errorf("claim on policy %d: %w", policyID, err)
	}
	pol, err := v.policies.Details(tx, policyID)
	if err != nil {
		return nil, err
	}
	pool, err := getPool(tx, pol.Pool)
	if err != nil {
		return nil, err
	}

	paid, err := tx.PolicyClaimsPaid(policyID)
	if err != nil {
		return nil, err
	}
	limit := core.MulBps(pol.Coverage, pool.MaxClaimRatioBps)
	newPaid, err := core.Add(paid, amount)
	if err != nil || newPaid > limit {
		return nil, fmt.Errorf("policy %d: paid %d + %d exceeds %d: %w", policyID, paid, amount, limit, core.ErrInvalidClaimAmount)
	}

	if pool.Reserves < amount {
		return nil, fmt.Errorf("pool %s reserves %d < %d: %w", pool.Pool.Hex(), pool.Reserves, amount, core.ErrInsufficientReserves)
	}

	ratio := core.RatioBps(pool.Reserves-amount, pool.TotalPremiums)
	if pool.TotalPremiums > 0 && ratio < pool.MinReserveRatioBps {
		return nil, fmt.Errorf("pool %s ratio %d < %d: %w", pool.Pool.Hex(), ratio, pool.MinReserveRatioBps, core.ErrReserveRatioViolation)
	}

	return &claimCheck{policy: pol, pool: pool, paid: paid, newPaid: newPaid, ratioBps: ratio}, nil
}

// ClaimResult describes a paid claim.
type ClaimResult struct {
	PolicyID        uint64         `json:"policy_id"`
	TaskID          uint64         `json:"task_id,omitempty"`
	Holder          common.Address `json:"holder"`
	Pool            common.Address `json:"pool"`
	Amount          uint64         `json:"amount"`
	Reserves        uint64         `json:"reserves"`
	ReserveRatioBps uint64         `json:"reserve_ratio_bps"`
	PolicyPaid      uint64         `json:"policy_claims_paid"`
}

// PayClaimTx pays amount to the holder of policyID inside tx and marks the
// policy settled. taskID links the settlement to the task that authorized
// it, 0 for a direct payout.
func (v *Vault) PayClaimTx(tx *storage.Tx, policyID, amount, taskID uint64) (*ClaimResult, error) {
	settled, err := tx.IsSettled(policyID)
	if err != nil {
		return nil, err
	}
	if settled {
		return nil, fmt.Errorf("policy %d: %w", policyID, core.ErrPolicyAlreadySettled)
	}
	c, err := v.checkClaim(tx, policyID, amount)
	if err != nil {
		return nil, err
	}

	now := v.now().Unix()
	pool := c.pool
	pool.Reserves -= amount
	if pool.TotalClaimsPaid, err = core.Add(pool.TotalClaimsPaid, amount); err != nil {
		return nil, fmt.Errorf("pay claim %d: %w", policyID, err)
	}
	pool.UpdatedAt = now
	if err := tx.UpdatePool(pool); err != nil {
		return nil, err
	}
	if err := tx.SetPolicyClaimsPaid(policyID, c.newPaid); err != nil {
		return nil, err
	}
	if err := tx.MarkSettled(&storage.Settlement{PolicyID: policyID, TaskID: taskID, Amount: amount, SettledAt: now}); err != nil {
		return nil, err
	}
	if err := v.transfer.Transfer(tx, c.policy.Holder, amount); err != nil {
		return nil, fmt.Errorf("pay claim %d to %s: %w: %w", policyID, c.policy.Holder.Hex(), core.ErrTransferFailed, err)
	}

	res := &ClaimResult{
		PolicyID:        policyID,
		TaskID:          taskID,
		Holder:          c.policy.Holder,
		Pool:            pool.Pool,
		Amount:          amount,
		Reserves:        pool.Reserves,
		ReserveRatioBps: c.ratioBps,
		PolicyPaid:      c.newPaid,
	}
	if _, err := v.rec.Record(tx, audit.KindClaimSettled, policySubject(policyID), res); err != nil {
		return nil, err
	}
	return res, nil
}

// PayClaim pays a claim in its own transaction.
func (v *Vault) PayClaim(ctx context.Context, policyID, amount uint64) (*ClaimResult, error) {
	var res *ClaimResult
	err := v.db.Update(ctx, func(tx *storage.Tx) error {
		var err error
		res, err = v.PayClaimTx(tx, policyID, amount, 0)
		return err
	})
	if err != nil {
		log.Warnf("[vault] claim %d for %d rejected: %v", policyID, amount, err)
		v.RecordRejection(ctx, "direct", policyID, amount, 0, err)
		return nil, err
	}
	log.Infof("[vault] claim %d paid %d to %s, reserves %d", policyID, amount, res.Holder.Hex(), res.Reserves)
	return res, nil
}

// RecordRejectionTx audits a refused claim inside tx. Internal failures are
// not claim decisions and are not recorded.
func (v *Vault) RecordRejectionTx(tx *storage.Tx, stage string, policyID, amount, taskID uint64, cause error) error {
	code := core.Code(cause)
	if code == "Internal" {
		return nil
	}
	_, err := v.rec.Record(tx, audit.KindClaimRejected, policySubject(policyID), map[string]any{
		"stage":     stage,
		"task_id":   taskID,
		"policy_id": policyID,
		"payout":    amount,
		"code":      code,
		"reason":    cause.Error(),
	})
	return err
}

// RecordRejection audits a refused claim in its own transaction, for callers
// whose claim transaction was rolled back.
func (v *Vault) RecordRejection(ctx context.Context, stage string, policyID, amount, taskID uint64, cause error) {
	err := v.db.Update(ctx, func(tx *storage.Tx) error {
		return v.RecordRejectionTx(tx, stage, policyID, amount, taskID, cause)
	})
	if err != nil {
		log.Errorf("[vault] audit rejection of claim %d: %v", policyID, err)
	}
}

// Validation is the outcome of a claim dry run.
type Validation struct {
	OK     bool   `json:"ok"`
	Code   string `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// ValidateClaimTx runs the payout checks without mutating anything.
func (v *Vault) ValidateClaimTx(tx *storage.Tx, policyID, amount uint64) error {
	_, err := v.checkClaim(tx, policyID, amount)
	return err
}

// ValidateClaim reports whether a claim of amount on policyID would pass the
// payout checks right now.
func (v *Vault) ValidateClaim(ctx context.Context, policyID, amount uint64) (Validation, error) {
	var res Validation
	err := v.db.View(ctx, func(tx *storage.Tx) error {
		err := v.ValidateClaimTx(tx, policyID, amount)
		switch code := core.Code(err); code {
		case "":
			res = Validation{OK: true}
		case "Internal":
			return err
		default:
			res = Validation{Code: code, Reason: err.Error()}
		}
		return nil
	})
	return res, err
}

// WithdrawalResult describes an emergency withdrawal.
type WithdrawalResult struct {
	Pool                 common.Address `json:"pool"`
	Recipient            common.Address `json:"recipient"`
	Amount               uint64         `json:"amount"`
	Reserves             uint64         `json:"reserves"`
	RemainingLimit       uint64         `json:"remaining_limit"`
	ReserveRatioBps      uint64         `json:"reserve_ratio_bps"`
	BypassedReserveRatio bool           `json:"bypassed_reserve_ratio"`
}

// EmergencyWithdraw moves amount out of a pool to recipient. It is bounded
// by the pool's emergency limit, which it consumes, and ignores the reserve
// ratio.
func (v *Vault) EmergencyWithdraw(ctx context.Context, pool common.Address, amount uint64, recipient common.Address) (*WithdrawalResult, error) {
	var res *WithdrawalResult
	err := v.db.Update(ctx, func(tx *storage.Tx) error {
		if amount == 0 {
			return fmt.Errorf("emergency withdraw from %s: %w", pool.Hex(), core.ErrZeroAmount)
		}
		p, err := getPool(tx, pool)
		if err != nil {
			return err
		}
		if amount > p.EmergencyLimit {
			return fmt.Errorf("pool %s limit %d < %d: %w", pool.Hex(), p.EmergencyLimit, amount, core.ErrEmergencyLimit)
		}
		if amount > p.Reserves {
			return fmt.Errorf("pool %s reserves %d < %d: %w", pool.Hex(), p.Reserves, amount, core.ErrInsufficientReserves)
		}
		p.Reserves -= amount
		p.EmergencyLimit -= amount
		p.UpdatedAt = v.now().Unix()
		if err := tx.UpdatePool(p); err != nil {
			return err
		}
		if err := v.transfer.Transfer(tx, recipient, amount); err != nil {
			return fmt.Errorf("emergency withdraw to %s: %w: %w", recipient.Hex(), core.ErrTransferFailed, err)
		}

		ratio := core.RatioBps(p.Reserves, p.TotalPremiums)
		res = &WithdrawalResult{
			Pool:                 pool,
			Recipient:            recipient,
			Amount:               amount,
			Reserves:             p.Reserves,
			RemainingLimit:       p.EmergencyLimit,
			ReserveRatioBps:      ratio,
			BypassedReserveRatio: p.TotalPremiums > 0 && ratio < p.MinReserveRatioBps,
		}
		_, err = v.rec.Record(tx, audit.KindEmergencyWithdrawal, poolSubject(pool), res)
		return err
	})
	if err != nil {
		return nil, err
	}
	log.Warnf("[vault] emergency withdrawal of %d from %s to %s, ratio %d bps", amount, pool.Hex(), recipient.Hex(), res.ReserveRatioBps)
	return res, nil
}

// ClearSettlement removes a policy's settled flag so it can be claimed
// again. Cumulative paid amounts are kept, so the coverage cap still holds.
func (v *Vault) ClearSettlement(ctx context.Context, policyID uint64, by string) error {
	err := v.db.Update(ctx, func(tx *storage.Tx) error {
		s, err := tx.GetSettlement(policyID)
		if storage.IsNotFound(err) {
			return fmt.Errorf("policy %d not settled: %w", policyID, core.ErrPolicyNotFound)
		}
		if err != nil {
			return err
		}
		if err := tx.ClearSettlement(policyID); err != nil {
			return err
		}
		if s.TaskID != 0 {
			if err := tx.SetTaskSettlement(s.TaskID, storage.SettlementCleared, "cleared by "+by); err != nil {
				return err
			}
		}
		_, err = v.rec.Record(tx, audit.KindSettlementCleared, policySubject(policyID), map[string]any{
			"policy_id": policyID, "task_id": s.TaskID, "amount": s.Amount, "cleared_by": by,
		})
		return err
	})
	if err != nil {
		return err
	}
	log.Warnf("[vault] settlement of policy %d cleared by %s", policyID, by)
	return nil
}
