package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

const auditColumns = `idx, id, kind, subject, payload, prev_hash, hash, created_at`

func scanAudit(row rowScanner) (*AuditRecord, error) {
	r := &AuditRecord{}
	var payload string
	if err := row.Scan(&r.Index, &r.ID, &r.Kind, &r.Subject, &payload, &r.PrevHash, &r.Hash, &r.CreatedAt); err != nil {
		return nil, err
	}
	r.Payload = []byte(payload)
	return r, nil
}

// AppendAudit stores a fully formed audit record. Indexes must be contiguous;
// the caller computes the hash chain.
func (tx *Tx) AppendAudit(r *AuditRecord) error {
	_, err := tx.exec(
		`INSERT INTO audit_log (`+auditColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Index, r.ID, r.Kind, r.Subject, string(r.Payload), r.PrevHash, r.Hash, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// LastAudit returns the newest audit record, or nil if the log is empty.
func (tx *Tx) LastAudit() (*AuditRecord, error) {
	r, err := scanAudit(tx.queryRow(`SELECT ` + auditColumns + ` FROM audit_log ORDER BY idx DESC LIMIT 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last audit: %w", err)
	}
	return r, nil
}

// AuditHeight returns the number of audit records, which is also the index
// the next record will take.
func (tx *Tx) AuditHeight() (uint64, error) {
	var n uint64
	if err := tx.queryRow(`SELECT COUNT(*) FROM audit_log`).Scan(&n); err != nil {
		return 0, fmt.Errorf("audit height: %w", err)
	}
	return n, nil
}

// AuditFilter narrows ListAudit. Zero values match everything.
type AuditFilter struct {
	After   int64 // only records with idx > After; use -1 for all
	Kind    string
	Subject string
	Limit   int
}

// ListAudit returns audit records in index order.
func (tx *Tx) ListAudit(f AuditFilter) ([]AuditRecord, error) {
	q := `SELECT ` + auditColumns + ` FROM audit_log WHERE idx > ?`
	args := []any{f.After}
	if f.Kind != "" {
		q += ` AND kind = ?`
		args = append(args, f.Kind)
	}
	if f.Subject != "" {
		q += ` AND subject = ?`
		args = append(args, f.Subject)
	}
	q += ` ORDER BY idx`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := tx.query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var out []AuditRecord
	for rows.Next() {
		r, err := scanAudit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}
