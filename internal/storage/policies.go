package storage

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// --- Policy CRUD ---

// UpsertPolicy creates or replaces a policy record.
func (tx *Tx) UpsertPolicy(p *Policy) error {
	_, err := tx.exec(
		`INSERT INTO policies (policy_id, holder, pool, coverage, premium, deductible_bps, cap_bps, active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(policy_id) DO UPDATE SET
			holder = excluded.holder, pool = excluded.pool, coverage = excluded.coverage,
			premium = excluded.premium, deductible_bps = excluded.deductible_bps,
			cap_bps = excluded.cap_bps, active = excluded.active`,
		p.PolicyID, p.Holder.Hex(), p.Pool.Hex(), p.Coverage, p.Premium, p.DeductibleBps, p.CapBps,
		boolToInt(p.Active), p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert policy: %w", err)
	}
	return nil
}

// GetPolicy retrieves a policy by ID.
func (tx *Tx) GetPolicy(policyID uint64) (*Policy, error) {
	p := &Policy{}
	var holder, pool string
	var active int
	err := tx.queryRow(
		`SELECT policy_id, holder, pool, coverage, premium, deductible_bps, cap_bps, active, created_at
		 FROM policies WHERE policy_id = ?`, policyID,
	).Scan(&p.PolicyID, &holder, &pool, &p.Coverage, &p.Premium, &p.DeductibleBps, &p.CapBps,
		&active, &p.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("get policy: %w", err)
	}
	p.Holder = common.HexToAddress(holder)
	p.Pool = common.HexToAddress(pool)
	p.Active = active == 1
	return p, nil
}
