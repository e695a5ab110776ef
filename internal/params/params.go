// Package params manages the versioned protocol parameters. Every change
// appends a new version; operations read the current version inside their
// own transaction and tasks keep the values they were created with.
package params

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/ssd-technologies/ilshield/internal/audit"
	"github.com/ssd-technologies/ilshield/internal/core"
	"github.com/ssd-technologies/ilshield/internal/storage"
)

var log = logrus.WithField("component", "params")

// Defaults returns the parameters in effect before any version is stored.
func Defaults() storage.Params {
	return storage.Params{
		QuorumThresholdBps:        6667,
		MinimumStake:              1000,
		TaskTTLSeconds:            int64((24 * time.Hour).Seconds()),
		DefaultMinReserveRatioBps: 2000,
		DefaultMaxClaimRatioBps:   core.BpsDenominator,
		DefaultEmergencyLimit:     0,
		ChangedBy:                 "default",
	}
}

// Patch holds the fields to change. Nil fields keep their current value.
type Patch struct {
	QuorumThresholdBps        *uint64 `json:"quorum_threshold_bps,omitempty"`
	MinimumStake              *uint64 `json:"minimum_stake,omitempty"`
	TaskTTLSeconds            *int64  `json:"task_ttl_seconds,omitempty"`
	DefaultMinReserveRatioBps *uint64 `json:"default_min_reserve_ratio_bps,omitempty"`
	DefaultMaxClaimRatioBps   *uint64 `json:"default_max_claim_ratio_bps,omitempty"`
	DefaultEmergencyLimit     *uint64 `json:"default_emergency_limit,omitempty"`
}

// Service reads and updates parameters.
type Service struct {
	db  *storage.DB
	rec *audit.Recorder
}

// NewService creates a parameter service.
func NewService(db *storage.DB, rec *audit.Recorder) *Service {
	return &Service{db: db, rec: rec}
}

// Current returns the latest parameters as seen by tx.
func Current(tx *storage.Tx) (*storage.Params, error) {
	p, err := tx.LatestParams()
	if storage.IsNotFound(err) {
		d := Defaults()
		return &d, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Get returns the latest parameters.
func (s *Service) Get(ctx context.Context) (*storage.Params, error) {
	var p *storage.Params
	err := s.db.View(ctx, func(tx *storage.Tx) error {
		var err error
		p, err = Current(tx)
		return err
	})
	return p, err
}

// Validate checks a full parameter set.
func Validate(p *storage.Params) error {
	if p.QuorumThresholdBps == 0 || !core.ValidBps(p.QuorumThresholdBps) {
		return fmt.Errorf("quorum threshold %d: %w", p.QuorumThresholdBps, core.ErrInvalidRatio)
	}
	if !core.ValidBps(p.DefaultMinReserveRatioBps) {
		return fmt.Errorf("min reserve ratio %d: %w", p.DefaultMinReserveRatioBps, core.ErrInvalidRatio)
	}
	if !core.ValidBps(p.DefaultMaxClaimRatioBps) {
		return fmt.Errorf("max claim ratio %d: %w", p.DefaultMaxClaimRatioBps, core.ErrInvalidRatio)
	}
	if p.MinimumStake == 0 {
		return fmt.Errorf("minimum stake: %w", core.ErrZeroAmount)
	}
	if p.TaskTTLSeconds < 0 {
		return fmt.Errorf("task ttl %d: %w", p.TaskTTLSeconds, core.ErrInvalidRatio)
	}
	if err := core.CheckAmount(p.MinimumStake); err != nil {
		return fmt.Errorf("minimum stake: %w", err)
	}
	if err := core.CheckAmount(p.DefaultEmergencyLimit); err != nil {
		return fmt.Errorf("emergency limit: %w", err)
	}
	return nil
}

// Update applies patch on top of the current version, stores the result as
// a new version and audits the change.
func (s *Service) Update(ctx context.Context, changedBy string, patch Patch) (*storage.Params, error) {
	var (
		next    storage.Params
		dropped int
	)
	err := s.db.Update(ctx, func(tx *storage.Tx) error {
		cur, err := Current(tx)
		if err != nil {
			return err
		}
		next = *cur
		apply(&next, patch)
		next.ChangedBy = changedBy
		next.CreatedAt = time.Now().Unix()
		if err := Validate(&next); err != nil {
			return err
		}
		if err := tx.InsertParams(&next); err != nil {
			return err
		}
		_, err = s.rec.Record(tx, audit.KindParamsUpdated, fmt.Sprintf("params:%d", next.Version), map[string]any{
			"previous_version": cur.Version,
			"params":           next,
		})
		if err != nil {
			return err
		}
		if next.MinimumStake > cur.MinimumStake {
			dropped, err = s.enforceMinimumStake(tx, &next)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	log.Infof("[params] version %d set by %s", next.Version, changedBy)
	if dropped > 0 {
		log.Warnf("[params] minimum stake %d deactivated %d operators", next.MinimumStake, dropped)
	}
	return &next, nil
}

// enforceMinimumStake deactivates every active operator whose stake is below
// p.MinimumStake so that active operators always meet the minimum.
func (s *Service) enforceMinimumStake(tx *storage.Tx, p *storage.Params) (int, error) {
	ops, err := tx.ListOperators(true)
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range ops {
		op := &ops[i]
		if op.Stake >= p.MinimumStake {
			continue
		}
		op.Active = false
		op.UpdatedAt = p.CreatedAt
		if err := tx.UpdateOperator(op); err != nil {
			return n, err
		}
		if err := tx.AdjustActiveCount(-1); err != nil {
			return n, err
		}
		_, err := s.rec.Record(tx, audit.KindOperatorDeregistered, "operator:"+op.Address.Hex(), map[string]any{
			"operator": op.Address.Hex(), "retained_stake": op.Stake,
			"reason": "below minimum stake", "minimum_stake": p.MinimumStake, "params_version": p.Version,
		})
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func apply(p *storage.Params, patch Patch) {
	if patch.QuorumThresholdBps != nil {
		p.QuorumThresholdBps = *patch.QuorumThresholdBps
	}
	if patch.MinimumStake != nil {
		p.MinimumStake = *patch.MinimumStake
	}
	if patch.TaskTTLSeconds != nil {
		p.TaskTTLSeconds = *patch.TaskTTLSeconds
	}
	if patch.DefaultMinReserveRatioBps != nil {
		p.DefaultMinReserveRatioBps = *patch.DefaultMinReserveRatioBps
	}
	if patch.DefaultMaxClaimRatioBps != nil {
		p.DefaultMaxClaimRatioBps = *patch.DefaultMaxClaimRatioBps
	}
	if patch.DefaultEmergencyLimit != nil {
		p.DefaultEmergencyLimit = *patch.DefaultEmergencyLimit
	}
}
