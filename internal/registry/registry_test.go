package registry

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ssd-technologies/ilshield/internal/audit"
	"github.com/ssd-technologies/ilshield/internal/core"
	"github.com/ssd-technologies/ilshield/internal/crypto"
	"github.com/ssd-technologies/ilshield/internal/params"
	"github.com/ssd-technologies/ilshield/internal/storage"
)

const minStake = 1000 // params.Defaults().MinimumStake

func testRegistry(t *testing.T) (*Registry, *storage.DB) {
	t.Helper()
	db, err := storage.NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db, audit.NewRecorder(nil)), db
}

func testPubKey(t *testing.T, n byte) []byte {
	t.Helper()
	k, err := crypto.OperatorKeyFromSeed(bytes.Repeat([]byte{n}, 32))
	if err != nil {
		t.Fatalf("OperatorKeyFromSeed: %v", err)
	}
	pub, err := crypto.OperatorPublicKey(k)
	if err != nil {
		t.Fatalf("OperatorPublicKey: %v", err)
	}
	return pub
}

func addr(n byte) common.Address {
	return common.BytesToAddress([]byte{n})
}

func mustRegister(t *testing.T, r *Registry, n byte, stake uint64) {
	t.Helper()
	if _, err := r.Register(context.Background(), addr(n), stake, testPubKey(t, n)); err != nil {
		t.Fatalf("Register(%d): %v", n, err)
	}
}

func activeCount(t *testing.T, r *Registry) uint64 {
	t.Helper()
	n, err := r.ActiveCount(context.Background())
	if err != nil {
		t.Fatalf("ActiveCount: %v", err)
	}
	return n
}

func TestRegister_NewOperator(t *testing.T) {
	r, _ := testRegistry(t)
	mustRegister(t, r, 1, minStake)
	mustRegister(t, r, 2, minStake*2)

	op, err := r.Operator(context.Background(), addr(2))
	if err != nil {
		t.Fatalf("Operator: %v", err)
	}
	if !op.Active || op.Stake != minStake*2 || op.Slot != 1 {
		t.Fatalf("unexpected operator %+v", op)
	}
	if got := activeCount(t, r); got != 2 {
		t.Fatalf("active count = %d, want 2", got)
	}
}

func TestRegister_Rejections(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()

	if _, err := r.Register(ctx, addr(1), minStake-1, testPubKey(t, 1)); !errors.Is(err, core.ErrInsufficientStake) {
		t.Fatalf("low stake: got %v", err)
	}
	if _, err := r.Register(ctx, addr(1), minStake, []byte("junk")); !errors.Is(err, core.ErrInvalidBLSSignature) {
		t.Fatalf("bad key: got %v", err)
	}
	if _, err := r.Register(ctx, common.Address{}, minStake, testPubKey(t, 1)); !errors.Is(err, core.ErrInvalidOperator) {
		t.Fatalf("zero address: got %v", err)
	}
	if _, err := r.Register(ctx, addr(1), core.MaxAmount+1, testPubKey(t, 1)); !errors.Is(err, core.ErrAmountOverflow) {
		t.Fatalf("huge stake: got %v", err)
	}
	if got := activeCount(t, r); got != 0 {
		t.Fatalf("failed registrations changed active count to %d", got)
	}
}

func TestRegister_TopUpIsAdditive(t *testing.T) {
	r, _ := testRegistry(t)
	mustRegister(t, r, 1, minStake)
	op, err := r.Register(context.Background(), addr(1), minStake, nil)
	if err != nil {
		t.Fatalf("top-up: %v", err)
	}
	if op.Stake != 2*minStake {
		t.Fatalf("stake = %d, want %d", op.Stake, 2*minStake)
	}
	if got := activeCount(t, r); got != 1 {
		t.Fatalf("top-up should not change active count, got %d", got)
	}
}

func TestDeregister_RetainsStakeAndReactivates(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()
	mustRegister(t, r, 1, minStake)

	if err := r.Deregister(ctx, addr(1)); err != nil {
		t.Fatalf("Deregister: %v", err)
	}
	if err := r.Deregister(ctx, addr(1)); !errors.Is(err, core.ErrInvalidOperator) {
		t.Fatalf("second deregister: got %v", err)
	}
	op, _ := r.Operator(ctx, addr(1))
	if op.Active || op.Stake != minStake {
		t.Fatalf("deregistered operator %+v", op)
	}
	if got := activeCount(t, r); got != 0 {
		t.Fatalf("active count = %d, want 0", got)
	}

	op, err := r.Register(ctx, addr(1), minStake, nil)
	if err != nil {
		t.Fatalf("reactivate: %v", err)
	}
	if !op.Active || op.Stake != 2*minStake || op.Slot != 0 {
		t.Fatalf("reactivated operator %+v", op)
	}
	if got := activeCount(t, r); got != 1 {
		t.Fatalf("active count = %d, want 1", got)
	}
}

func TestUpdateStake(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()
	mustRegister(t, r, 1, minStake)

	op, err := r.UpdateStake(ctx, addr(1), 5*minStake)
	if err != nil || op.Stake != 5*minStake || !op.Active {
		t.Fatalf("raise stake: op=%+v err=%v", op, err)
	}
	op, err = r.UpdateStake(ctx, addr(1), minStake-1)
	if err != nil || op.Active {
		t.Fatalf("stake below minimum should deactivate: op=%+v err=%v", op, err)
	}
	if got := activeCount(t, r); got != 0 {
		t.Fatalf("active count = %d, want 0", got)
	}
	if _, err := r.UpdateStake(ctx, addr(1), 5*minStake); !errors.Is(err, core.ErrInvalidOperator) {
		t.Fatalf("inactive operator: got %v", err)
	}
	if _, err := r.UpdateStake(ctx, addr(9), 5*minStake); !errors.Is(err, core.ErrInvalidOperator) {
		t.Fatalf("unknown operator: got %v", err)
	}
}

func TestSlash_Bound(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()
	mustRegister(t, r, 1, 3*minStake)

	s, err := r.Slash(ctx, addr(1), 500, "missed attestation")
	if err != nil {
		t.Fatalf("Slash: %v", err)
	}
	if s.Amount != 500 || s.StakeAfter != 3*minStake-500 {
		t.Fatalf("unexpected slashing %+v", s)
	}

	// Slashing more than the stake clamps to the stake.
	s, err = r.Slash(ctx, addr(1), 10*minStake, "equivocation")
	if err != nil {
		t.Fatalf("Slash: %v", err)
	}
	if s.Amount != 3*minStake-500 || s.StakeAfter != 0 {
		t.Fatalf("slash should clamp to stake: %+v", s)
	}

	op, _ := r.Operator(ctx, addr(1))
	if op.Stake != 0 || op.SlashingHistory != 3*minStake || op.Active {
		t.Fatalf("unexpected operator after slashing %+v", op)
	}
	if got := activeCount(t, r); got != 0 {
		t.Fatalf("active count = %d, want 0", got)
	}

	history, _ := r.Slashings(ctx, addr(1))
	if len(history) != 2 || history[1].Reason != "equivocation" {
		t.Fatalf("unexpected history %+v", history)
	}

	if _, err := r.Slash(ctx, addr(1), 1, "again"); !errors.Is(err, core.ErrInvalidOperator) {
		t.Fatalf("slashing inactive operator: got %v", err)
	}
}

func TestSlash_ZeroAmount(t *testing.T) {
	r, _ := testRegistry(t)
	mustRegister(t, r, 1, minStake)
	if _, err := r.Slash(context.Background(), addr(1), 0, "noop"); !errors.Is(err, core.ErrZeroAmount) {
		t.Fatalf("got %v", err)
	}
}

func TestActiveCount_MatchesScan(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()
	for n := byte(1); n <= 6; n++ {
		mustRegister(t, r, n, 2*minStake)
	}
	r.Deregister(ctx, addr(2))
	r.UpdateStake(ctx, addr(3), 1)
	r.Slash(ctx, addr(4), 2*minStake, "down")
	r.Slash(ctx, addr(5), 1, "minor")
	r.Register(ctx, addr(2), minStake, nil)

	ops, err := r.Operators(ctx)
	if err != nil {
		t.Fatalf("Operators: %v", err)
	}
	var scanned uint64
	for _, op := range ops {
		if op.Active {
			scanned++
		}
	}
	if got := activeCount(t, r); got != scanned || got != 4 {
		t.Fatalf("counter = %d, scan = %d, want 4", got, scanned)
	}
}

func TestEligible(t *testing.T) {
	r, db := testRegistry(t)
	mustRegister(t, r, 1, minStake)

	db.View(context.Background(), func(tx *storage.Tx) error {
		if _, err := Eligible(tx, addr(1), minStake); err != nil {
			t.Fatalf("eligible operator: %v", err)
		}
		if _, err := Eligible(tx, addr(1), minStake+1); !errors.Is(err, core.ErrInsufficientStake) {
			t.Fatalf("required stake: got %v", err)
		}
		if _, err := Eligible(tx, addr(2), 0); !errors.Is(err, core.ErrInvalidOperator) {
			t.Fatalf("unknown operator: got %v", err)
		}
		return nil
	})
}

func TestRaisingMinimumStakeDeactivatesUnderStaked(t *testing.T) {
	r, db := testRegistry(t)
	ctx := context.Background()
	mustRegister(t, r, 1, minStake)
	mustRegister(t, r, 2, minStake*5)
	mustRegister(t, r, 3, minStake*2)

	ps := params.NewService(db, audit.NewRecorder(nil))
	raised := uint64(minStake * 5)
	if _, err := ps.Update(ctx, "admin", params.Patch{MinimumStake: &raised}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	ops, err := r.Operators(ctx)
	if err != nil {
		t.Fatalf("Operators: %v", err)
	}
	var active uint64
	for _, op := range ops {
		if op.Active {
			active++
			if op.Stake < raised {
				t.Fatalf("operator %s active with stake %d < %d", op.Address.Hex(), op.Stake, raised)
			}
		}
	}
	if active != 1 || activeCount(t, r) != 1 {
		t.Fatalf("active = %d, counter = %d, want 1", active, activeCount(t, r))
	}

	db.View(ctx, func(tx *storage.Tx) error {
		recs, _ := tx.ListAudit(storage.AuditFilter{After: -1, Kind: audit.KindOperatorDeregistered})
		if len(recs) != 2 {
			t.Errorf("got %d deregistration records, want 2", len(recs))
		}
		return nil
	})

	// Lowering the minimum again does not reactivate anyone.
	lowered := uint64(minStake)
	if _, err := ps.Update(ctx, "admin", params.Patch{MinimumStake: &lowered}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if n := activeCount(t, r); n != 1 {
		t.Fatalf("active count = %d after lowering, want 1", n)
	}
}
