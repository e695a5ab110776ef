package core

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common/math"
)

// BpsDenominator is 100% expressed in basis points.
const BpsDenominator = 10000

// MaxAmount is the largest token amount the ledger stores. SQLite integers
// are signed 64-bit.
const MaxAmount uint64 = 1<<63 - 1

// ValidBps reports whether bps is within [0, 10000].
func ValidBps(bps uint64) bool {
	return bps <= BpsDenominator
}

// CheckAmount rejects amounts the ledger cannot represent.
func CheckAmount(amount uint64) error {
	if amount > MaxAmount {
		return fmt.Errorf("%d exceeds %d: %w", amount, MaxAmount, ErrAmountOverflow)
	}
	return nil
}

// Add returns a+b, failing with ErrAmountOverflow instead of wrapping.
func Add(a, b uint64) (uint64, error) {
	sum, overflow := math.SafeAdd(a, b)
	if overflow || sum > MaxAmount {
		return 0, fmt.Errorf("%d + %d: %w", a, b, ErrAmountOverflow)
	}
	return sum, nil
}

// Mul returns a*b, failing with ErrAmountOverflow instead of wrapping.
func Mul(a, b uint64) (uint64, error) {
	product, overflow := math.SafeMul(a, b)
	if overflow {
		return 0, fmt.Errorf("%d * %d: %w", a, b, ErrAmountOverflow)
	}
	return product, nil
}

// MulBps returns amount*bps/10000 truncated toward zero. The intermediate
// product is computed at full width so large amounts never overflow.
func MulBps(amount, bps uint64) uint64 {
	if product, overflow := math.SafeMul(amount, bps); !overflow {
		return product / BpsDenominator
	}
	p := new(big.Int).Mul(new(big.Int).SetUint64(amount), new(big.Int).SetUint64(bps))
	return p.Quo(p, big.NewInt(BpsDenominator)).Uint64()
}

// RatioBps returns numerator*10000/denominator truncated toward zero. A zero
// denominator is reported as 100%. Ratios too large for a uint64 saturate at
// the maximum value.
func RatioBps(numerator, denominator uint64) uint64 {
	if denominator == 0 {
		return BpsDenominator
	}
	n := new(big.Int).Mul(new(big.Int).SetUint64(numerator), big.NewInt(BpsDenominator))
	n.Quo(n, new(big.Int).SetUint64(denominator))
	if !n.IsUint64() {
		return ^uint64(0)
	}
	return n.Uint64()
}
