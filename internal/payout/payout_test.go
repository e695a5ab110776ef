package payout

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ssd-technologies/ilshield/internal/core"
)

func TestNoLossMeansNoPayout(t *testing.T) {
	hodl, err := HodlValue(1000, 0, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(1000), hodl)

	lp, err := LPValue(1000, 0, 0, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(1000), lp)

	il := ImpermanentLoss(hodl, lp)
	require.Zero(t, il)

	for _, tc := range []struct{ capBps, deductibleBps uint64 }{
		{0, 0}, {5000, 1000}, {10000, 10000},
	} {
		p, err := Payout(il, hodl, tc.capBps, tc.deductibleBps)
		require.NoError(t, err)
		require.Zero(t, p)
	}
}

func TestPayoutWithLoss(t *testing.T) {
	lp, err := LPValue(450, 0, 10, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(460), lp)

	il := ImpermanentLoss(500, lp)
	require.Equal(t, uint64(40), il)

	p, err := Payout(il, 500, 5000, 1000)
	require.NoError(t, err)
	require.Equal(t, uint64(36), p)
}

func TestPayoutCapped(t *testing.T) {
	// Loss of 400 on a hodl of 1000 with a 10% cap.
	p, err := Payout(400, 1000, 1000, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(100), p)
}

func TestPayoutTruncatesDeductible(t *testing.T) {
	// 33 * 1500 / 10000 = 4.95, truncated to 4.
	p, err := Payout(33, 10000, 10000, 1500)
	require.NoError(t, err)
	require.Equal(t, uint64(29), p)
}

func TestPayoutFullDeductible(t *testing.T) {
	p, err := Payout(40, 500, 5000, 10000)
	require.NoError(t, err)
	require.Zero(t, p)
}

func TestPayoutRejectsBadRatios(t *testing.T) {
	_, err := Payout(40, 500, 10001, 0)
	require.ErrorIs(t, err, core.ErrInvalidRatio)
	_, err = Payout(40, 500, 0, 20000)
	require.ErrorIs(t, err, core.ErrInvalidRatio)
}

func TestZeroPriceRejected(t *testing.T) {
	_, err := HodlValue(1, 1, 0)
	require.ErrorIs(t, err, core.ErrInvalidPrice)
	_, err = LPValue(1, 1, 1, 0)
	require.ErrorIs(t, err, core.ErrInvalidPrice)
}

func TestOverflowRejected(t *testing.T) {
	_, err := HodlValue(math.MaxUint64, 0, 2)
	require.ErrorIs(t, err, core.ErrAmountOverflow)
	_, err = LPValue(1, math.MaxUint64, 1, 1)
	require.ErrorIs(t, err, core.ErrAmountOverflow)
}

func TestQuotePosition(t *testing.T) {
	q, err := QuotePosition(Position{X0: 100, Y0: 300, X1: 90, Y1: 350, Fees: 10, P1: 2}, 5000, 1000)
	require.NoError(t, err)
	require.Equal(t, uint64(500), q.Hodl)
	require.Equal(t, uint64(540), q.LP)
	require.Zero(t, q.ImpermanentLoss)
	require.Zero(t, q.Payout)

	q, err = QuotePosition(Position{X0: 100, Y0: 300, X1: 100, Y1: 250, Fees: 10, P1: 2}, 5000, 1000)
	require.NoError(t, err)
	require.Equal(t, uint64(40), q.ImpermanentLoss)
	require.Equal(t, uint64(4), q.Deductible)
	require.Equal(t, uint64(250), q.Cap)
	require.Equal(t, uint64(36), q.Payout)
}

func TestValidatePrices(t *testing.T) {
	ok, accepted := ValidatePrices([]uint64{100, 105, 103}, []uint64{1, 2, 3}, 500)
	require.True(t, ok)
	require.Equal(t, []uint64{105, 103}, accepted)

	ok, accepted = ValidatePrices([]uint64{100, 120, 121}, []uint64{1, 2, 3}, 500)
	require.False(t, ok)
	require.Equal(t, []uint64{121}, accepted)

	ok, _ = ValidatePrices([]uint64{100, 101}, []uint64{2, 2}, 500)
	require.False(t, ok)

	ok, _ = ValidatePrices([]uint64{0, 101}, []uint64{1, 2}, 500)
	require.False(t, ok)

	ok, accepted = ValidatePrices(nil, nil, 500)
	require.False(t, ok)
	require.Nil(t, accepted)

	ok, _ = ValidatePrices([]uint64{1, 2}, []uint64{1}, 500)
	require.False(t, ok)

	// A jump whose ratio does not fit in a uint64 is still a deviation.
	ok, accepted = ValidatePrices([]uint64{1, 1844674407370957}, []uint64{1, 2}, 10000)
	require.False(t, ok)
	require.Empty(t, accepted)

	ok, _ = ValidatePrices([]uint64{1, math.MaxUint64}, []uint64{1, 2}, math.MaxUint64-1)
	require.False(t, ok)
}
