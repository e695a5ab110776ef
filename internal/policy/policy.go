// Package policy is the local policy directory the vault resolves claims
// against. Policy issuance happens elsewhere; this package only stores the
// fields settlement needs.
package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/ssd-technologies/ilshield/internal/audit"
	"github.com/ssd-technologies/ilshield/internal/core"
	"github.com/ssd-technologies/ilshield/internal/storage"
)

var log = logrus.WithField("component", "policy")

// Manager stores and resolves policies.
type Manager struct {
	db  *storage.DB
	rec *audit.Recorder
}

// NewManager creates a policy manager.
func NewManager(db *storage.DB, rec *audit.Recorder) *Manager {
	return &Manager{db: db, rec: rec}
}

// Details resolves a policy inside tx. Unknown policies, a zero holder and
// inactive policies all fail with ErrPolicyNotFound.
func (m *Manager) Details(tx *storage.Tx, policyID uint64) (*storage.Policy, error) {
	p, err := tx.GetPolicy(policyID)
	if storage.IsNotFound(err) {
		return nil, fmt.Errorf("policy %d: %w", policyID, core.ErrPolicyNotFound)
	}
	if err != nil {
		return nil, err
	}
	if p.Holder == (common.Address{}) || !p.Active {
		return nil, fmt.Errorf("policy %d inactive: %w", policyID, core.ErrPolicyNotFound)
	}
	return p, nil
}

// Upsert creates or replaces a policy.
func (m *Manager) Upsert(ctx context.Context, p *storage.Policy) error {
	if p.PolicyID == 0 {
		return fmt.Errorf("policy id: %w", core.ErrZeroAmount)
	}
	if !core.ValidBps(p.DeductibleBps) || !core.ValidBps(p.CapBps) {
		return fmt.Errorf("policy %d: %w", p.PolicyID, core.ErrInvalidRatio)
	}
	if err := core.CheckAmount(p.Coverage); err != nil {
		return fmt.Errorf("policy %d coverage: %w", p.PolicyID, err)
	}
	if err := core.CheckAmount(p.Premium); err != nil {
		return fmt.Errorf("policy %d premium: %w", p.PolicyID, err)
	}
	if p.CreatedAt == 0 {
		p.CreatedAt = time.Now().Unix()
	}
	err := m.db.Update(ctx, func(tx *storage.Tx) error {
		if err := tx.UpsertPolicy(p); err != nil {
			return err
		}
		_, err := m.rec.Record(tx, audit.KindPolicyUpserted, fmt.Sprintf("policy:%d", p.PolicyID), p)
		return err
	})
	if err != nil {
		return err
	}
	log.Infof("[policy] policy %d stored holder=%s pool=%s active=%v", p.PolicyID, p.Holder.Hex(), p.Pool.Hex(), p.Active)
	return nil
}

// Get returns a policy regardless of its status.
func (m *Manager) Get(ctx context.Context, policyID uint64) (*storage.Policy, error) {
	var p *storage.Policy
	err := m.db.View(ctx, func(tx *storage.Tx) error {
		var err error
		p, err = tx.GetPolicy(policyID)
		if storage.IsNotFound(err) {
			return fmt.Errorf("policy %d: %w", policyID, core.ErrPolicyNotFound)
		}
		return err
	})
	return p, err
}
