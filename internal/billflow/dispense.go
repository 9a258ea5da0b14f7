package billflow

import (
	"teller/internal/tx"
	"teller/pkg/money"
)

// Unit describes one cassette or recycler slot available for dispensing.
type Unit struct {
	Denomination money.Amount
	Count        int
}

// Solve finds per-unit note counts whose total value equals target
// exactly, respecting each unit's available count. Larger denominations
// are preferred. ok is false when the target cannot be met exactly.
func Solve(units []Unit, target money.Amount) ([]int, bool) {
	counts := make([]int, len(units))

	// largest denomination first, stable over the original unit order
	order := make([]int, len(units))
	for i := range order {
		order[i] = i
	}
	for i := 0; i < len(order); i++ {
		for j := i + 1; j < len(order); j++ {
			if units[order[j]].Denomination.GT(units[order[i]].Denomination) {
				order[i], order[j] = order[j], order[i]
			}
		}
	}

	if solveFrom(units, order, 0, target, counts) {
		return counts, true
	}
	return nil, false
}

func solveFrom(units []Unit, order []int, idx int, remaining money.Amount, counts []int) bool {
	if remaining.IsZero() {
		return true
	}
	if idx == len(order) || remaining.IsNegative() {
		return false
	}

	u := units[order[idx]]
	max := u.Count
	if u.Denomination.IsPositive() {
		if byValue := remaining.Div(u.Denomination).IntPart(); byValue < int64(max) {
			max = int(byValue)
		}
	}

	for n := max; n >= 0; n-- {
		counts[order[idx]] = n
		rest := remaining.Sub(u.Denomination.MulInt(int64(n)))
		if solveFrom(units, order, idx+1, rest, counts) {
			return true
		}
	}
	counts[order[idx]] = 0
	return false
}

// Check verifies that a solution's value equals the target. A nil
// solution checks out trivially (no money moved).
func Check(units []Unit, counts []int, target money.Amount) bool {
	if counts == nil {
		return true
	}
	total := money.Zero()
	for i, n := range counts {
		total = total.Add(units[i].Denomination.MulInt(int64(n)))
	}
	return total.Eq(target)
}

// Batches splits per-unit note counts into sequential hardware batches,
// each dispensing at most limit notes in total. The hardware physically
// cannot present more than limit notes per operation.
func Batches(counts []int, limit int) [][]int {
	if limit <= 0 {
		limit = 1
	}

	remaining := append([]int(nil), counts...)
	var batches [][]int
	for {
		batch := make([]int, len(remaining))
		room := limit
		notes := 0
		for i, n := range remaining {
			take := n
			if take > room {
				take = room
			}
			batch[i] = take
			remaining[i] -= take
			room -= take
			notes += take
		}
		if notes == 0 {
			break
		}
		batches = append(batches, batch)
	}
	return batches
}

// Confirmed reports dispense success: the sum of denomination × dispensed
// across all units must equal the transaction fiat exactly. Anything else
// is a shortfall and must route to the failure path.
func Confirmed(units []tx.UnitRecord, fiat money.Amount) bool {
	total := money.Zero()
	for _, u := range units {
		total = total.Add(u.Denomination.MulInt(int64(u.Dispensed)))
	}
	return total.Eq(fiat)
}

// ActiveDenominations returns the cash-out denominations the UI may
// offer: denominations of units with notes left, whose value fits within
// both the remaining balance and the compliance hard limit.
func ActiveDenominations(units []Unit, balance money.Amount, hardLimit money.Amount, limited bool) []money.Amount {
	var active []money.Amount
	for _, u := range units {
		if u.Count <= 0 {
			continue
		}
		if u.Denomination.GT(balance) {
			continue
		}
		if limited && u.Denomination.GT(hardLimit) {
			continue
		}
		active = append(active, u.Denomination)
	}
	return active
}
