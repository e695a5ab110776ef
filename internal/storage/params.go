package storage

import "fmt"

// InsertParams appends a new parameter version. The assigned version is
// written back into p.
func (tx *Tx) InsertParams(p *Params) error {
	res, err := tx.exec(
		`INSERT INTO params (quorum_threshold_bps, minimum_stake, task_ttl_seconds,
			default_min_reserve_ratio_bps, default_max_claim_ratio_bps, default_emergency_limit,
			changed_by, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.QuorumThresholdBps, p.MinimumStake, p.TaskTTLSeconds, p.DefaultMinReserveRatioBps,
		p.DefaultMaxClaimRatioBps, p.DefaultEmergencyLimit, p.ChangedBy, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert params: %w", err)
	}
	v, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert params version: %w", err)
	}
	p.Version = v
	return nil
}

// LatestParams returns the most recent parameter version.
func (tx *Tx) LatestParams() (*Params, error) {
	p := &Params{}
	err := tx.queryRow(
		`SELECT version, quorum_threshold_bps, minimum_stake, task_ttl_seconds,
			default_min_reserve_ratio_bps, default_max_claim_ratio_bps, default_emergency_limit,
			changed_by, created_at
		 FROM params ORDER BY version DESC LIMIT 1`,
	).Scan(&p.Version, &p.QuorumThresholdBps, &p.MinimumStake, &p.TaskTTLSeconds,
		&p.DefaultMinReserveRatioBps, &p.DefaultMaxClaimRatioBps, &p.DefaultEmergencyLimit,
		&p.ChangedBy, &p.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("latest params: %w", err)
	}
	return p, nil
}
