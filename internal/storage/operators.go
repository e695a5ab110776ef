package storage

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// --- Operator CRUD ---

const operatorColumns = `address, slot, stake, active, slashing_history, bls_pubkey, registered_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperator(row rowScanner) (*Operator, error) {
	op := &Operator{}
	var addr string
	var active int
	if err := row.Scan(&addr, &op.Slot, &op.Stake, &active, &op.SlashingHistory,
		&op.BLSPublicKey, &op.RegisteredAt, &op.UpdatedAt); err != nil {
		return nil, err
	}
	op.Address = common.HexToAddress(addr)
	op.Active = active == 1
	return op, nil
}

// InsertOperator creates an operator record and assigns it the next free
// slot. The slot is written back into op.
func (tx *Tx) InsertOperator(op *Operator) error {
	var slot int64
	if err := tx.queryRow(`SELECT next_slot FROM registry_counters WHERE id = 1`).Scan(&slot); err != nil {
		return fmt.Errorf("read next slot: %w", err)
	}
	if _, err := tx.exec(`UPDATE registry_counters SET next_slot = next_slot + 1 WHERE id = 1`); err != nil {
		return fmt.Errorf("advance next slot: %w", err)
	}
	op.Slot = slot
	_, err := tx.exec(
		`INSERT INTO operators (`+operatorColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		op.Address.Hex(), op.Slot, op.Stake, boolToInt(op.Active), op.SlashingHistory,
		op.BLSPublicKey, op.RegisteredAt, op.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert operator: %w", err)
	}
	return nil
}

// GetOperator retrieves an operator by address.
func (tx *Tx) GetOperator(addr common.Address) (*Operator, error) {
	op, err := scanOperator(tx.queryRow(
		`SELECT `+operatorColumns+` FROM operators WHERE address = ?`, addr.Hex(),
	))
	if err != nil {
		return nil, fmt.Errorf("get operator: %w", err)
	}
	return op, nil
}

// UpdateOperator overwrites the mutable fields of an operator.
func (tx *Tx) UpdateOperator(op *Operator) error {
	return tx.execOne("update operator",
		`UPDATE operators SET stake = ?, active = ?, slashing_history = ?, bls_pubkey = ?, updated_at = ?
		 WHERE address = ?`,
		op.Stake, boolToInt(op.Active), op.SlashingHistory, op.BLSPublicKey, op.UpdatedAt,
		op.Address.Hex(),
	)
}

// ListOperators returns operators ordered by slot. If activeOnly is set,
// inactive operators are skipped.
func (tx *Tx) ListOperators(activeOnly bool) ([]Operator, error) {
	q := `SELECT ` + operatorColumns + ` FROM operators`
	if activeOnly {
		q += ` WHERE active = 1`
	}
	q += ` ORDER BY slot`
	rows, err := tx.query(q)
	if err != nil {
		return nil, fmt.Errorf("list operators: %w", err)
	}
	defer rows.Close()

	var ops []Operator
	for rows.Next() {
		op, err := scanOperator(rows)
		if err != nil {
			return nil, fmt.Errorf("scan operator: %w", err)
		}
		ops = append(ops, *op)
	}
	return ops, rows.Err()
}

// ActiveCount returns the maintained count of active operators.
func (tx *Tx) ActiveCount() (uint64, error) {
	var n uint64
	if err := tx.queryRow(`SELECT active_count FROM registry_counters WHERE id = 1`).Scan(&n); err != nil {
		return 0, fmt.Errorf("active count: %w", err)
	}
	return n, nil
}

// AdjustActiveCount adds delta to the active operator count. The schema
// rejects a negative result.
func (tx *Tx) AdjustActiveCount(delta int64) error {
	return tx.execOne("adjust active count",
		`UPDATE registry_counters SET active_count = active_count + ? WHERE id = 1`, delta)
}

// --- Slashings ---

// InsertSlashing records a slashing event. The generated ID is written back
// into s.
func (tx *Tx) InsertSlashing(s *Slashing) error {
	res, err := tx.exec(
		`INSERT INTO slashings (operator, amount, reason, stake_after, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		s.Operator.Hex(), s.Amount, s.Reason, s.StakeAfter, s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert slashing: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert slashing id: %w", err)
	}
	s.ID = id
	return nil
}

// ListSlashings returns the slashing history of an operator, oldest first.
func (tx *Tx) ListSlashings(addr common.Address) ([]Slashing, error) {
	rows, err := tx.query(
		`SELECT id, operator, amount, reason, stake_after, created_at
		 FROM slashings WHERE operator = ? ORDER BY id`, addr.Hex(),
	)
	if err != nil {
		return nil, fmt.Errorf("list slashings: %w", err)
	}
	defer rows.Close()

	var out []Slashing
	for rows.Next() {
		var s Slashing
		var op string
		if err := rows.Scan(&s.ID, &op, &s.Amount, &s.Reason, &s.StakeAfter, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan slashing: %w", err)
		}
		s.Operator = common.HexToAddress(op)
		out = append(out, s)
	}
	return out, rows.Err()
}
