// Package payout implements the impermanent-loss and payout-cap arithmetic
// consumed by the settlement path. Every function is pure and uses
// truncating integer division.
package payout

import (
	"fmt"

	"github.com/ssd-technologies/ilshield/internal/core"
)

// HodlValue returns the value of the initial position had it simply been
// held: x0*p1 + y0.
func HodlValue(x0, y0, p1 uint64) (uint64, error) {
	if p1 == 0 {
		return 0, fmt.Errorf("hodl value: %w", core.ErrInvalidPrice)
	}
	v, err := core.Mul(x0, p1)
	if err != nil {
		return 0, fmt.Errorf("hodl value: %w", err)
	}
	v, err = core.Add(v, y0)
	if err != nil {
		return 0, fmt.Errorf("hodl value: %w", err)
	}
	return v, nil
}

// LPValue returns the value of the liquidity position including fees earned:
// x1*p1 + y1 + fees.
func LPValue(x1, y1, fees, p1 uint64) (uint64, error) {
	if p1 == 0 {
		return 0, fmt.Errorf("lp value: %w", core.ErrInvalidPrice)
	}
	v, err := core.Mul(x1, p1)
	if err != nil {
		return 0, fmt.Errorf("lp value: %w", err)
	}
	if v, err = core.Add(v, y1); err != nil {
		return 0, fmt.Errorf("lp value: %w", err)
	}
	if v, err = core.Add(v, fees); err != nil {
		return 0, fmt.Errorf("lp value: %w", err)
	}
	return v, nil
}

// ImpermanentLoss returns max(0, hodl-lp).
func ImpermanentLoss(hodl, lp uint64) uint64 {
	if hodl <= lp {
		return 0
	}
	return hodl - lp
}

// Payout applies the deductible and the cap to an impermanent loss. The
// deductible is a share of the loss; the cap is a share of the hodl value.
func Payout(il, hodl, capBps, deductibleBps uint64) (uint64, error) {
	if !core.ValidBps(capBps) || !core.ValidBps(deductibleBps) {
		return 0, fmt.Errorf("payout: cap %d deductible %d: %w", capBps, deductibleBps, core.ErrInvalidRatio)
	}
	deductible := core.MulBps(il, deductibleBps)
	if il <= deductible {
		return 0, nil
	}
	beforeCap := il - deductible
	limit := core.MulBps(hodl, capBps)
	return min(beforeCap, limit), nil
}

// Position describes a liquidity position before and after a price move.
type Position struct {
	X0   uint64 `json:"x0"`
	Y0   uint64 `json:"y0"`
	X1   uint64 `json:"x1"`
	Y1   uint64 `json:"y1"`
	Fees uint64 `json:"fees"`
	P1   uint64 `json:"p1"`
}

// Quote is the full breakdown of a payout computation.
type Quote struct {
	Hodl            uint64 `json:"hodl"`
	LP              uint64 `json:"lp"`
	ImpermanentLoss uint64 `json:"impermanent_loss"`
	Deductible      uint64 `json:"deductible"`
	Cap             uint64 `json:"cap"`
	Payout          uint64 `json:"payout"`
}

// QuotePosition runs the whole pipeline for pos.
func QuotePosition(pos Position, capBps, deductibleBps uint64) (Quote, error) {
	hodl, err := HodlValue(pos.X0, pos.Y0, pos.P1)
	if err != nil {
		return Quote{}, err
	}
	lp, err := LPValue(pos.X1, pos.Y1, pos.Fees, pos.P1)
	if err != nil {
		return Quote{}, err
	}
	il := ImpermanentLoss(hodl, lp)
	amount, err := Payout(il, hodl, capBps, deductibleBps)
	if err != nil {
		return Quote{}, err
	}
	return Quote{
		Hodl:            hodl,
		LP:              lp,
		ImpermanentLoss: il,
		Deductible:      core.MulBps(il, deductibleBps),
		Cap:             core.MulBps(hodl, capBps),
		Payout:          amount,
	}, nil
}
