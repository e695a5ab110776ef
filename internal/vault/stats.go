package vault

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/ssd-technologies/ilshield/internal/core"
	"github.com/ssd-technologies/ilshield/internal/storage"
)

// Stats is a pool's ledger plus derived health figures.
type Stats struct {
	storage.Pool
	ReserveRatioBps uint64 `json:"reserve_ratio_bps"`
	// ReserveRatio is reserves/premiums as a percentage with two decimals.
	ReserveRatio string `json:"reserve_ratio"`
	Solvent      bool   `json:"solvent"`
}

func amountDecimal(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0)
}

// ReservePercent formats reserves/premiums as a percentage. No premiums
// counts as fully reserved.
func ReservePercent(reserves, premiums uint64) string {
	if premiums == 0 {
		return "100.00"
	}
	return amountDecimal(reserves).
		Mul(decimal.NewFromInt(100)).
		DivRound(amountDecimal(premiums), 2).
		StringFixed(2)
}

// VaultStats returns the ledger of pool.
func (v *Vault) VaultStats(ctx context.Context, pool common.Address) (*Stats, error) {
	var out *Stats
	err := v.db.View(ctx, func(tx *storage.Tx) error {
		p, err := getPool(tx, pool)
		if err != nil {
			return err
		}
		ratio := core.RatioBps(p.Reserves, p.TotalPremiums)
		out = &Stats{
			Pool:            *p,
			ReserveRatioBps: ratio,
			ReserveRatio:    ReservePercent(p.Reserves, p.TotalPremiums),
			Solvent:         p.TotalPremiums == 0 || ratio >= p.MinReserveRatioBps,
		}
		return nil
	})
	return out, err
}

// ClaimInfo is the claim state of one policy.
type ClaimInfo struct {
	PolicyID   uint64              `json:"policy_id"`
	Pool       common.Address      `json:"pool"`
	Coverage   uint64              `json:"coverage"`
	Paid       uint64              `json:"claims_paid"`
	Cap        uint64              `json:"claim_cap"`
	Remaining  uint64              `json:"remaining"`
	Settled    bool                `json:"settled"`
	Settlement *storage.Settlement `json:"settlement,omitempty"`
}

// PolicyClaimInfo returns how much has been paid on a policy and how much of
// its cap is left.
func (v *Vault) PolicyClaimInfo(ctx context.Context, policyID uint64) (*ClaimInfo, error) {
	var out *ClaimInfo
	err := v.db.View(ctx, func(tx *storage.Tx) error {
		pol, err := tx.GetPolicy(policyID)
		if storage.IsNotFound(err) {
			return fmt.Errorf("policy %d: %w", policyID, core.ErrPolicyNotFound)
		}
		if err != nil {
			return err
		}
		info := &ClaimInfo{PolicyID: policyID, Pool: pol.Pool, Coverage: pol.Coverage}
		if info.Paid, err = tx.PolicyClaimsPaid(policyID); err != nil {
			return err
		}
		if pool, err := tx.GetPool(pol.Pool); err == nil {
			info.Cap = core.MulBps(pol.Coverage, pool.MaxClaimRatioBps)
		} else if !storage.IsNotFound(err) {
			return err
		}
		if info.Cap > info.Paid {
			info.Remaining = info.Cap - info.Paid
		}
		s, err := tx.GetSettlement(policyID)
		switch {
		case err == nil:
			info.Settled = true
			info.Settlement = s
		case !storage.IsNotFound(err):
			return err
		}
		out = info
		return nil
	})
	return out, err
}
