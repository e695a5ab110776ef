package payout

import "github.com/ssd-technologies/ilshield/internal/core"

// ValidatePrices sanity-checks an oracle price series before it is used for a
// quote. Each step may move at most deviationBps relative to the previous
// price, and timestamps must be strictly increasing. It returns whether the
// whole series is acceptable together with the prices (after the first) that
// passed the deviation check.
func ValidatePrices(prices, timestamps []uint64, deviationBps uint64) (bool, []uint64) {
	if len(prices) == 0 || len(prices) != len(timestamps) {
		return false, nil
	}

	valid := true
	accepted := make([]uint64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		prev, curr := prices[i-1], prices[i]
		if prev == 0 {
			valid = false
			continue
		}
		var diff uint64
		if curr > prev {
			diff = curr - prev
		} else {
			diff = prev - curr
		}
		if core.RatioBps(diff, prev) > deviationBps {
			valid = false
			continue
		}
		accepted = append(accepted, curr)
	}

	for i := 1; i < len(timestamps); i++ {
		if timestamps[i] <= timestamps[i-1] {
			valid = false
			break
		}
	}
	return valid, accepted
}
