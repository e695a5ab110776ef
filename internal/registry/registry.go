// Package registry keeps the staked operator set: registration, stake
// changes, slashing and the active operator count used by quorum checks.
package registry

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
	"github.com/ssd-technologies/ilshield/internal/storage"
)

var log = logrus.WithField("component", "registry")

// Registry owns operator records. Operators are never deleted; deregistered
// or under-staked operators stay dormant with their stake retained.
type Registry struct {
	db  *storage.DB
	rec *audit.Recorder
	now func() time.Time
}

// New creates a registry backed by db.
func New(db *storage.DB, rec *audit.Recorder) *Registry {
	return &Registry{db: db, rec: rec, now: time.Now}
}

func subject(addr common.Address) string {
	return "operator:" + addr.Hex()
}

// lookup returns the operator at addr, or nil if it was never registered.
func lookup(tx *storage.Tx, addr common.Address) (*storage.Operator, error) {
	op, err := tx.GetOperator(addr)
	if storage.IsNotFound(err) {
		return nil, nil
	}
	return op, err
}

// activeOperator returns the operator at addr, failing with ErrInvalidOperator
// unless it exists and is active.
func activeOperator(tx *storage.Tx, addr common.Address) (*storage.Operator, error) {
	op, err := lookup(tx, addr)
	if err != nil {
		return nil, err
	}
	if op == nil || !op.Active {
		return nil, fmt.Errorf("operator %s not active: %w", addr.Hex(), core.ErrInvalidOperator)
	}
	return op, nil
}

// Eligible returns the operator at addr if it is active and holds at least
// requiredStake.
func Eligible(tx *storage.Tx, addr common.Address, requiredStake uint64) (*storage.Operator, error) {
	op, err := activeOperator(tx, addr)
	if err != nil {
		return nil, err
	}
	if op.Stake < requiredStake {
		return nil, fmt.Errorf("operator %s stake %d below %d: %w", addr.Hex(), op.Stake, requiredStake, core.ErrInsufficientStake)
	}
	return op, nil
}

// Register adds stake for addr. A new operator must present a valid BLS
// public key; an active operator's stake is topped up; a dormant operator is
// reactivated with the new stake added to what it retained.
func (r *Registry) Register(ctx context.Context, addr common.Address, stake uint64, blsPubKey []byte) (*storage.Operator, error) {
	var out *storage.Operator
	err := r.db.Update(ctx, func(tx *storage.Tx) error {
		var err error
		out, err = r.register(tx, addr, stake, blsPubKey)
		return err
	})
	if err != nil {
		return nil, err
	}
	log.Infof("[registry] registered %s stake=%d active=%v", addr.Hex(), out.Stake, out.Active)
	return out, nil
}

func (r *Registry) register(tx *storage.Tx, addr common.Address, stake uint64, blsPubKey []byte) (*storage.Operator, error) {
	if addr == (common.Address{}) {
		return nil, fmt.Errorf("register zero address: %w", core.ErrInvalidOperator)
	}
	if err := core.CheckAmount(stake); err != nil {
		return nil, fmt.Errorf("register %s: %w", addr.Hex(), err)
	}
	p, err := params.Current(tx)
	if err != nil {
		return nil, err
	}
	if stake < p.MinimumStake {
		return nil, fmt.Errorf("register %s stake %d below %d: %w", addr.Hex(), stake, p.MinimumStake, core.ErrInsufficientStake)
	}

	now := r.now().Unix()
	op, err := lookup(tx, addr)
	if err != nil {
		return nil, err
	}

	switch {
	case op == nil:
		if _, err := crypto.ParseOperatorPublicKey(blsPubKey); err != nil {
			return nil, fmt.Errorf("register %s: %w", addr.Hex(), core.ErrInvalidBLSSignature)
		}
		op = &storage.Operator{
			Address:      addr,
			Stake:        stake,
			Active:       true,
			BLSPublicKey: blsPubKey,
			RegisteredAt: now,
			UpdatedAt:    now,
		}
		if err := tx.InsertOperator(op); err != nil {
			return nil, err
		}
		if err := tx.AdjustActiveCount(1); err != nil {
			return nil, err
		}
		_, err = r.rec.Record(tx, audit.KindOperatorRegistered, subject(addr), map[string]any{
			"operator": addr.Hex(), "slot": op.Slot, "stake": op.Stake,
		})
		return op, err

	case op.Active:
		total, err := core.Add(op.Stake, stake)
		if err != nil {
			return nil, fmt.Errorf("register %s: %w", addr.Hex(), err)
		}
		op.Stake = total
		op.UpdatedAt = now
		if err := tx.UpdateOperator(op); err != nil {
			return nil, err
		}
		_, err = r.rec.Record(tx, audit.KindOperatorStakeUpdated, subject(addr), map[string]any{
			"operator": addr.Hex(), "added": stake, "stake": op.Stake,
		})
		return op, err

	default:
		total, err := core.Add(op.Stake, stake)
		if err != nil {
			return nil, fmt.Errorf("register %s: %w", addr.Hex(), err)
		}
		if len(blsPubKey) > 0 {
			if _, err := crypto.ParseOperatorPublicKey(blsPubKey); err != nil {
				return nil, fmt.Errorf("register %s: %w", addr.Hex(), core.ErrInvalidBLSSignature)
			}
			op.BLSPublicKey = blsPubKey
		}
		op.Stake = total
		op.Active = true
		op.UpdatedAt = now
		if err := tx.UpdateOperator(op); err != nil {
			return nil, err
		}
		if err := tx.AdjustActiveCount(1); err != nil {
			return nil, err
		}
		_, err = r.rec.Record(tx, audit.KindOperatorReactivated, subject(addr), map[string]any{
			"operator": addr.Hex(), "added": stake, "stake": op.Stake,
		})
		return op, err
	}
}

// Deregister marks an active operator dormant. Its stake is retained.
func (r *Registry) Deregister(ctx context.Context, addr common.Address) error {
	err := r.db.Update(ctx, func(tx *storage.Tx) error {
		op, err := activeOperator(tx, addr)
		if err != nil {
			return err
		}
		if err := r.deactivate(tx, op); err != nil {
			return err
		}
		_, err = r.rec.Record(tx, audit.KindOperatorDeregistered, subject(addr), map[string]any{
			"operator": addr.Hex(), "retained_stake": op.Stake,
		})
		return err
	})
	if err != nil {
		return err
	}
	log.Infof("[registry] deregistered %s", addr.Hex())
	return nil
}

// UpdateStake sets an active operator's stake. Falling below the minimum
// stake deactivates it.
func (r *Registry) UpdateStake(ctx context.Context, addr common.Address, newStake uint64) (*storage.Operator, error) {
	var out *storage.Operator
	err := r.db.Update(ctx, func(tx *storage.Tx) error {
		if err := core.CheckAmount(newStake); err != nil {
			return fmt.Errorf("update stake %s: %w", addr.Hex(), err)
		}
		op, err := activeOperator(tx, addr)
		if err != nil {
			return err
		}
		p, err := params.Current(tx)
		if err != nil {
			return err
		}
		previous := op.Stake
		op.Stake = newStake
		op.UpdatedAt = r.now().Unix()
		if newStake < p.MinimumStake {
			if err := r.deactivate(tx, op); err != nil {
				return err
			}
		} else if err := tx.UpdateOperator(op); err != nil {
			return err
		}
		out = op
		_, err = r.rec.Record(tx, audit.KindOperatorStakeUpdated, subject(addr), map[string]any{
			"operator": addr.Hex(), "previous": previous, "stake": newStake, "active": op.Active,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	log.Infof("[registry] stake of %s set to %d active=%v", addr.Hex(), out.Stake, out.Active)
	return out, nil
}

// Slash moves min(amount, stake) from an active operator's stake into its
// slashing history and records why. Falling below the minimum stake
// deactivates it.
func (r *Registry) Slash(ctx context.Context, addr common.Address, amount uint64, reason string) (*storage.Slashing, error) {
	var out *storage.Slashing
	err := r.db.Update(ctx, func(tx *storage.Tx) error {
		if amount == 0 {
			return fmt.Errorf("slash %s: %w", addr.Hex(), core.ErrZeroAmount)
		}
		op, err := activeOperator(tx, addr)
		if err != nil {
			return err
		}
		p, err := params.Current(tx)
		if err != nil {
			return err
		}

		slashed := min(amount, op.Stake)
		history, err := core.Add(op.SlashingHistory, slashed)
		if err != nil {
			return fmt.Errorf("slash %s: %w", addr.Hex(), err)
		}
		op.Stake -= slashed
		op.SlashingHistory = history
		op.UpdatedAt = r.now().Unix()
		if op.Stake < p.MinimumStake {
			if err := r.deactivate(tx, op); err != nil {
				return err
			}
		} else if err := tx.UpdateOperator(op); err != nil {
			return err
		}

		out = &storage.Slashing{
			Operator:   addr,
			Amount:     slashed,
			Reason:     reason,
			StakeAfter: op.Stake,
			CreatedAt:  op.UpdatedAt,
		}
		if err := tx.InsertSlashing(out); err != nil {
			return err
		}
		_, err = r.rec.Record(tx, audit.KindOperatorSlashed, subject(addr), map[string]any{
			"operator": addr.Hex(), "requested": amount, "slashed": slashed,
			"reason": reason, "stake_after": op.Stake, "active": op.Active,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	log.Warnf("[registry] slashed %s by %d (%s), stake now %d", addr.Hex(), out.Amount, reason, out.StakeAfter)
	return out, nil
}

// deactivate writes op back as inactive and decrements the active count.
func (r *Registry) deactivate(tx *storage.Tx, op *storage.Operator) error {
	op.Active = false
	op.UpdatedAt = r.now().Unix()
	if err := tx.UpdateOperator(op); err != nil {
		return err
	}
	return tx.AdjustActiveCount(-1)
}

// Operator returns the record for addr.
func (r *Registry) Operator(ctx context.Context, addr common.Address) (*storage.Operator, error) {
	var op *storage.Operator
	err := r.db.View(ctx, func(tx *storage.Tx) error {
		var err error
		op, err = lookup(tx, addr)
		if err == nil && op == nil {
			err = fmt.Errorf("operator %s: %w", addr.Hex(), core.ErrInvalidOperator)
		}
		return err
	})
	return op, err
}

// Operators returns every operator in registration order.
func (r *Registry) Operators(ctx context.Context) ([]storage.Operator, error) {
	var ops []storage.Operator
	err := r.db.View(ctx, func(tx *storage.Tx) error {
		var err error
		ops, err = tx.ListOperators(false)
		return err
	})
	return ops, err
}

// ActiveCount returns the number of active operators.
func (r *Registry) ActiveCount(ctx context.Context) (uint64, error) {
	var n uint64
	err := r.db.View(ctx, func(tx *storage.Tx) error {
		var err error
		n, err = tx.ActiveCount()
		return err
	})
	return n, err
}

// Slashings returns the slashing history of addr.
func (r *Registry) Slashings(ctx context.Context, addr common.Address) ([]storage.Slashing, error) {
	var out []storage.Slashing
	err := r.db.View(ctx, func(tx *storage.Tx) error {
		var err error
		out, err = tx.ListSlashings(addr)
		return err
	})
	return out, err
}
