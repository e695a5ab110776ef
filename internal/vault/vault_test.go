package vault

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/ssd-technologies/ilshield/internal/audit"
	"github.com/ssd-technologies/ilshield/internal/core"
	"github.com/ssd-technologies/ilshield/internal/policy"
	"github.com/ssd-technologies/ilshield/internal/storage"
)

var (
	testPool   = common.HexToAddress("0xb0")
	testHolder = common.HexToAddress("0xa1")
)

type failingTransferer struct{}

func (failingTransferer) Transfer(*storage.Tx, common.Address, uint64) error {
	return errors.New("recipient rejected funds")
}

type vaultEnv struct {
	db       *storage.DB
	vault    *Vault
	policies *policy.Manager
}

func newVaultEnv(t *testing.T, transfer Transferer) *vaultEnv {
	t.Helper()
	db, err := storage.NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	rec := audit.NewRecorder(nil)
	policies := policy.NewManager(db, rec)
	return &vaultEnv{db: db, vault: New(db, rec, policies, transfer), policies: policies}
}

func u64(v uint64) *uint64 { return &v }

// fundedPool creates testPool with the given ratios and deposits premiums.
func (e *vaultEnv) fundedPool(t *testing.T, minRatio, maxClaimRatio, emergency, premiums uint64) {
	t.Helper()
	ctx := context.Background()
	_, err := e.vault.CreatePool(ctx, PoolConfig{
		Pool:               testPool,
		MinReserveRatioBps: u64(minRatio),
		MaxClaimRatioBps:   u64(maxClaimRatio),
		EmergencyLimit:     u64(emergency),
	})
	require.NoError(t, err)
	if premiums > 0 {
		_, err = e.vault.DepositPremium(ctx, testPool, premiums, premiums)
		require.NoError(t, err)
	}
}

func (e *vaultEnv) addPolicy(t *testing.T, id, coverage uint64) {
	t.Helper()
	require.NoError(t, e.policies.Upsert(context.Background(), &storage.Policy{
		PolicyID: id, Holder: testHolder, Pool: testPool, Coverage: coverage,
		Premium: 10, DeductibleBps: 1000, CapBps: 5000, Active: true,
	}))
}

func (e *vaultEnv) stats(t *testing.T) *Stats {
	t.Helper()
	s, err := e.vault.VaultStats(context.Background(), testPool)
	require.NoError(t, err)
	return s
}

func (e *vaultEnv) balance(t *testing.T, addr common.Address) uint64 {
	t.Helper()
	var bal uint64
	require.NoError(t, e.db.View(context.Background(), func(tx *storage.Tx) error {
		var err error
		bal, err = tx.GetBalance(addr)
		return err
	}))
	return bal
}

func TestPayClaim_HappyPath(t *testing.T) {
	env := newVaultEnv(t, nil)
	env.fundedPool(t, 2000, 10000, 0, 100)
	env.addPolicy(t, 5, 1000)

	res, err := env.vault.PayClaim(context.Background(), 5, 75)
	require.NoError(t, err)
	require.Equal(t, uint64(25), res.Reserves)
	require.Equal(t, uint64(2500), res.ReserveRatioBps)
	require.Equal(t, testHolder, res.Holder)

	s := env.stats(t)
	require.Equal(t, uint64(25), s.Reserves)
	require.Equal(t, uint64(100), s.TotalPremiums)
	require.Equal(t, uint64(75), s.TotalClaimsPaid)
	require.Equal(t, "25.00", s.ReserveRatio)
	require.True(t, s.Solvent)
	require.Equal(t, uint64(75), env.balance(t, testHolder))

	info, err := env.vault.PolicyClaimInfo(context.Background(), 5)
	require.NoError(t, err)
	require.True(t, info.Settled)
	require.Equal(t, uint64(75), info.Paid)
	require.Equal(t, uint64(925), info.Remaining)
}

func TestPayClaim_SolvencyRejection(t *testing.T) {
	env := newVaultEnv(t, nil)
	env.fundedPool(t, 2000, 10000, 0, 100)
	env.addPolicy(t, 5, 1000)

	_, err := env.vault.PayClaim(context.Background(), 5, 85)
	require.ErrorIs(t, err, core.ErrReserveRatioViolation)
	require.Equal(t, uint64(100), env.stats(t).Reserves)

	info, err := env.vault.PolicyClaimInfo(context.Background(), 5)
	require.NoError(t, err)
	require.False(t, info.Settled)
	require.Zero(t, info.Paid)
}

func TestPayClaim_RejectionIsAudited(t *testing.T) {
	env := newVaultEnv(t, nil)
	env.fundedPool(t, 2000, 10000, 0, 100)
	env.addPolicy(t, 5, 1000)
	ctx := context.Background()

	_, err := env.vault.PayClaim(ctx, 5, 85)
	require.ErrorIs(t, err, core.ErrReserveRatioViolation)

	var recs []storage.AuditRecord
	require.NoError(t, env.db.View(ctx, func(tx *storage.Tx) error {
		var err error
		recs, err = tx.ListAudit(storage.AuditFilter{After: -1, Kind: audit.KindClaimRejected})
		return err
	}))
	require.Len(t, recs, 1)
	require.Equal(t, "policy:5", recs[0].Subject)

	var payload struct {
		Stage  string `json:"stage"`
		Code   string `json:"code"`
		Payout uint64 `json:"payout"`
	}
	require.NoError(t, json.Unmarshal(recs[0].Payload, &payload))
	require.Equal(t, "direct", payload.Stage)
	require.Equal(t, "ReserveRatioViolation", payload.Code)
	require.Equal(t, uint64(85), payload.Payout)

	// The rejection is the only change; reserves are untouched.
	require.Equal(t, uint64(100), env.stats(t).Reserves)
}

func TestPayClaim_TransferFailureRollsBack(t *testing.T) {
	env := newVaultEnv(t, failingTransferer{})
	env.fundedPool(t, 2000, 10000, 0, 100)
	env.addPolicy(t, 5, 1000)

	_, err := env.vault.PayClaim(context.Background(), 5, 75)
	require.ErrorIs(t, err, core.ErrTransferFailed)

	s := env.stats(t)
	require.Equal(t, uint64(100), s.Reserves)
	require.Zero(t, s.TotalClaimsPaid)

	info, err := env.vault.PolicyClaimInfo(context.Background(), 5)
	require.NoError(t, err)
	require.False(t, info.Settled)
	require.Zero(t, info.Paid)

	require.NoError(t, env.db.View(context.Background(), func(tx *storage.Tx) error {
		recs, err := tx.ListAudit(storage.AuditFilter{After: -1, Kind: audit.KindClaimSettled})
		require.Empty(t, recs)
		return err
	}))
}

func TestPayClaim_Idempotent(t *testing.T) {
	env := newVaultEnv(t, nil)
	env.fundedPool(t, 0, 10000, 0, 100)
	env.addPolicy(t, 5, 1000)

	_, err := env.vault.PayClaim(context.Background(), 5, 10)
	require.NoError(t, err)
	_, err = env.vault.PayClaim(context.Background(), 5, 10)
	require.ErrorIs(t, err, core.ErrPolicyAlreadySettled)
	require.Equal(t, uint64(90), env.stats(t).Reserves)
}

func TestPayClaim_CoverageCap(t *testing.T) {
	env := newVaultEnv(t, nil)
	env.fundedPool(t, 0, 5000, 0, 1000)
	env.addPolicy(t, 5, 100) // cap = 50
	ctx := context.Background()

	_, err := env.vault.PayClaim(ctx, 5, 51)
	require.ErrorIs(t, err, core.ErrInvalidClaimAmount)

	_, err = env.vault.PayClaim(ctx, 5, 40)
	require.NoError(t, err)

	// Clearing the settlement keeps the cumulative amount.
	require.NoError(t, env.vault.ClearSettlement(ctx, 5, "admin"))
	_, err = env.vault.PayClaim(ctx, 5, 11)
	require.ErrorIs(t, err, core.ErrInvalidClaimAmount)
	_, err = env.vault.PayClaim(ctx, 5, 10)
	require.NoError(t, err)

	info, err := env.vault.PolicyClaimInfo(ctx, 5)
	require.NoError(t, err)
	require.Equal(t, uint64(50), info.Paid)
	require.Equal(t, uint64(50), info.Cap)
	require.Zero(t, info.Remaining)
}

func TestPayClaim_Rejections(t *testing.T) {
	env := newVaultEnv(t, nil)
	env.fundedPool(t, 0, 10000, 0, 100)
	env.addPolicy(t, 5, 1000)
	ctx := context.Background()

	_, err := env.vault.PayClaim(ctx, 5, 101)
	require.ErrorIs(t, err, core.ErrInsufficientReserves)

	_, err = env.vault.PayClaim(ctx, 6, 1)
	require.ErrorIs(t, err, core.ErrPolicyNotFound)

	require.NoError(t, env.policies.Upsert(ctx, &storage.Policy{PolicyID: 7, Holder: testHolder, Pool: testPool, Coverage: 1000}))
	_, err = env.vault.PayClaim(ctx, 7, 1)
	require.ErrorIs(t, err, core.ErrPolicyNotFound)

	require.NoError(t, env.policies.Upsert(ctx, &storage.Policy{PolicyID: 8, Holder: testHolder, Pool: common.HexToAddress("0xdead"), Coverage: 1000, Active: true}))
	_, err = env.vault.PayClaim(ctx, 8, 1)
	require.ErrorIs(t, err, core.ErrPoolNotFound)

	_, err = env.vault.PayClaim(ctx, 5, 0)
	require.ErrorIs(t, err, core.ErrZeroAmount)
}

func TestPayClaim_EmptyPoolSkipsRatio(t *testing.T) {
	env := newVaultEnv(t, nil)
	env.fundedPool(t, 10000, 10000, 0, 0)
	env.addPolicy(t, 5, 1000)

	_, err := env.vault.PayClaim(context.Background(), 5, 1)
	require.ErrorIs(t, err, core.ErrInsufficientReserves)

	v, err := env.vault.ValidateClaim(context.Background(), 5, 1)
	require.NoError(t, err)
	require.Equal(t, "InsufficientReserves", v.Code)
}

func TestValidateClaim_DryRun(t *testing.T) {
	env := newVaultEnv(t, nil)
	env.fundedPool(t, 2000, 10000, 0, 100)
	env.addPolicy(t, 5, 1000)
	ctx := context.Background()

	v, err := env.vault.ValidateClaim(ctx, 5, 85)
	require.NoError(t, err)
	require.False(t, v.OK)
	require.Equal(t, "ReserveRatioViolation", v.Code)
	require.NotEmpty(t, v.Reason)

	v, err = env.vault.ValidateClaim(ctx, 5, 75)
	require.NoError(t, err)
	require.True(t, v.OK)

	require.Equal(t, uint64(100), env.stats(t).Reserves)
}

func TestDepositPremium(t *testing.T) {
	env := newVaultEnv(t, nil)
	env.fundedPool(t, 2000, 10000, 0, 0)
	ctx := context.Background()

	_, err := env.vault.DepositPremium(ctx, testPool, 0, 0)
	require.ErrorIs(t, err, core.ErrZeroAmount)
	_, err = env.vault.DepositPremium(ctx, testPool, 10, 9)
	require.ErrorIs(t, err, core.ErrValueMismatch)
	_, err = env.vault.DepositPremium(ctx, common.HexToAddress("0xdead"), 10, 10)
	require.ErrorIs(t, err, core.ErrPoolNotFound)

	p, err := env.vault.DepositPremium(ctx, testPool, 10, 10)
	require.NoError(t, err)
	require.Equal(t, uint64(10), p.TotalPremiums)
	require.Equal(t, uint64(10), p.Reserves)

	_, err = env.vault.DepositPremium(ctx, testPool, core.MaxAmount, core.MaxAmount)
	require.ErrorIs(t, err, core.ErrAmountOverflow)
	require.Equal(t, uint64(10), env.stats(t).Reserves)
}

func TestCreatePool(t *testing.T) {
	env := newVaultEnv(t, nil)
	ctx := context.Background()

	p, err := env.vault.CreatePool(ctx, PoolConfig{Pool: testPool})
	require.NoError(t, err)
	require.Equal(t, uint64(2000), p.MinReserveRatioBps)
	require.Equal(t, uint64(10000), p.MaxClaimRatioBps)

	_, err = env.vault.CreatePool(ctx, PoolConfig{Pool: testPool})
	require.ErrorIs(t, err, core.ErrPoolExists)

	_, err = env.vault.CreatePool(ctx, PoolConfig{Pool: common.HexToAddress("0xb1"), MinReserveRatioBps: u64(10001)})
	require.ErrorIs(t, err, core.ErrInvalidRatio)
}

func TestEmergencyWithdraw(t *testing.T) {
	env := newVaultEnv(t, nil)
	env.fundedPool(t, 8000, 10000, 30, 100)
	ctx := context.Background()
	treasury := common.HexToAddress("0xc0")

	_, err := env.vault.EmergencyWithdraw(ctx, testPool, 31, treasury)
	require.ErrorIs(t, err, core.ErrEmergencyLimit)

	res, err := env.vault.EmergencyWithdraw(ctx, testPool, 30, treasury)
	require.NoError(t, err)
	require.Equal(t, uint64(70), res.Reserves)
	require.Zero(t, res.RemainingLimit)
	require.True(t, res.BypassedReserveRatio)
	require.Equal(t, uint64(30), env.balance(t, treasury))

	_, err = env.vault.EmergencyWithdraw(ctx, testPool, 1, treasury)
	require.ErrorIs(t, err, core.ErrEmergencyLimit)

	s := env.stats(t)
	require.False(t, s.Solvent)
	require.Equal(t, "70.00", s.ReserveRatio)
}

func TestClearSettlement_NotSettled(t *testing.T) {
	env := newVaultEnv(t, nil)
	err := env.vault.ClearSettlement(context.Background(), 5, "admin")
	require.ErrorIs(t, err, core.ErrPolicyNotFound)
}

func TestSolvencyInvariant(t *testing.T) {
	env := newVaultEnv(t, nil)
	env.fundedPool(t, 3000, 8000, 0, 1000)
	ctx := context.Background()

	amounts := []uint64{120, 300, 5, 250, 90, 60, 400, 33, 70, 1}
	for i, amount := range amounts {
		id := uint64(i + 1)
		env.addPolicy(t, id, 400)
		_, err := env.vault.PayClaim(ctx, id, amount)
		s := env.stats(t)
		require.GreaterOrEqual(t, s.Reserves*10000, s.MinReserveRatioBps*s.TotalPremiums,
			"solvency broken after claim %d of %d (err=%v)", id, amount, err)

		info, infoErr := env.vault.PolicyClaimInfo(ctx, id)
		require.NoError(t, infoErr)
		require.LessOrEqual(t, info.Paid, uint64(400)*8000/10000)
	}
}

func TestReservePercent(t *testing.T) {
	require.Equal(t, "100.00", ReservePercent(0, 0))
	require.Equal(t, "33.33", ReservePercent(1, 3))
	require.Equal(t, "66.67", ReservePercent(2, 3))
	require.Equal(t, "250.00", ReservePercent(5, 2))
}
