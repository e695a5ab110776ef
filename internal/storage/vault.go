package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// --- Pool CRUD ---

const poolColumns = `pool, total_premiums, reserves, total_claims_paid, min_reserve_ratio_bps,
	max_claim_ratio_bps, emergency_limit, created_at, updated_at`

// InsertPool creates a pool ledger.
func (tx *Tx) InsertPool(p *Pool) error {
	_, err := tx.exec(
		`INSERT INTO pools (`+poolColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Pool.Hex(), p.TotalPremiums, p.Reserves, p.TotalClaimsPaid, p.MinReserveRatioBps,
		p.MaxClaimRatioBps, p.EmergencyLimit, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert pool: %w", err)
	}
	return nil
}

// GetPool retrieves a pool ledger by pool address.
func (tx *Tx) GetPool(pool common.Address) (*Pool, error) {
	p := &Pool{}
	var addr string
	err := tx.queryRow(`SELECT `+poolColumns+` FROM pools WHERE pool = ?`, pool.Hex()).Scan(
		&addr, &p.TotalPremiums, &p.Reserves, &p.TotalClaimsPaid, &p.MinReserveRatioBps,
		&p.MaxClaimRatioBps, &p.EmergencyLimit, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("get pool: %w", err)
	}
	p.Pool = common.HexToAddress(addr)
	return p, nil
}

// UpdatePool writes back the balances and emergency limit of a pool.
func (tx *Tx) UpdatePool(p *Pool) error {
	return tx.execOne("update pool",
		`UPDATE pools SET total_premiums = ?, reserves = ?, total_claims_paid = ?, emergency_limit = ?, updated_at = ?
		 WHERE pool = ?`,
		p.TotalPremiums, p.Reserves, p.TotalClaimsPaid, p.EmergencyLimit, p.UpdatedAt, p.Pool.Hex(),
	)
}

// --- Per-policy claims ---

// PolicyClaimsPaid returns the cumulative amount paid for a policy, zero if
// nothing was paid yet.
func (tx *Tx) PolicyClaimsPaid(policyID uint64) (uint64, error) {
	var paid uint64
	err := tx.queryRow(`SELECT paid FROM policy_claims WHERE policy_id = ?`, policyID).Scan(&paid)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("policy claims paid: %w", err)
	}
	return paid, nil
}

// SetPolicyClaimsPaid stores the cumulative amount paid for a policy.
func (tx *Tx) SetPolicyClaimsPaid(policyID, paid uint64) error {
	_, err := tx.exec(
		`INSERT INTO policy_claims (policy_id, paid) VALUES (?, ?)
		 ON CONFLICT(policy_id) DO UPDATE SET paid = excluded.paid`, policyID, paid,
	)
	if err != nil {
		return fmt.Errorf("set policy claims paid: %w", err)
	}
	return nil
}

// --- Settlements ---

// IsSettled reports whether a policy has been settled.
func (tx *Tx) IsSettled(policyID uint64) (bool, error) {
	var n int
	if err := tx.queryRow(`SELECT COUNT(*) FROM settlements WHERE policy_id = ?`, policyID).Scan(&n); err != nil {
		return false, fmt.Errorf("is settled: %w", err)
	}
	return n > 0, nil
}

// MarkSettled records a policy as settled. It fails if the policy is already
// settled.
func (tx *Tx) MarkSettled(s *Settlement) error {
	_, err := tx.exec(
		`INSERT INTO settlements (policy_id, task_id, amount, settled_at) VALUES (?, ?, ?, ?)`,
		s.PolicyID, s.TaskID, s.Amount, s.SettledAt,
	)
	if err != nil {
		return fmt.Errorf("mark settled: %w", err)
	}
	return nil
}

// GetSettlement retrieves the settlement record of a policy.
func (tx *Tx) GetSettlement(policyID uint64) (*Settlement, error) {
	s := &Settlement{}
	err := tx.queryRow(
		`SELECT policy_id, task_id, amount, settled_at FROM settlements WHERE policy_id = ?`, policyID,
	).Scan(&s.PolicyID, &s.TaskID, &s.Amount, &s.SettledAt)
	if err != nil {
		return nil, fmt.Errorf("get settlement: %w", err)
	}
	return s, nil
}

// ClearSettlement removes the settlement record of a policy.
func (tx *Tx) ClearSettlement(policyID uint64) error {
	return tx.execOne("clear settlement", `DELETE FROM settlements WHERE policy_id = ?`, policyID)
}

// --- Balances ---

// CreditBalance adds amount to an account balance and returns the new balance.
func (tx *Tx) CreditBalance(account common.Address, amount uint64) (uint64, error) {
	var bal uint64
	err := tx.queryRow(
		`INSERT INTO balances (account, amount) VALUES (?, ?)
		 ON CONFLICT(account) DO UPDATE SET amount = amount + excluded.amount
		 RETURNING amount`, account.Hex(), amount,
	).Scan(&bal)
	if err != nil {
		return 0, fmt.Errorf("credit balance: %w", err)
	}
	return bal, nil
}

// GetBalance returns an account balance, zero for unknown accounts.
func (tx *Tx) GetBalance(account common.Address) (uint64, error) {
	var bal uint64
	err := tx.queryRow(`SELECT amount FROM balances WHERE account = ?`, account.Hex()).Scan(&bal)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return bal, nil
}
