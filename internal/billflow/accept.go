// Package billflow decides what happens to physical cash: whether an
// inserted bill batch may be accepted, and how a cash-out request is
// split into hardware dispense batches. All functions are pure decision
// logic; executing the decisions against hardware is the caller's job.
package billflow

import (
	"teller/pkg/money"
)

// Outcome classifies the fate of an inserted bill batch.
type Outcome string

const (
	// OutcomeStack accepts the batch; the caller commits it to the cashbox.
	OutcomeStack Outcome = "stack"
	// OutcomeRejectOverLimit rejects a batch that exceeds the remaining
	// headroom (balance or compliance cap).
	OutcomeRejectOverLimit Outcome = "rejectOverLimit"
	// OutcomeRejectBelowMinimum rejects a batch that would leave the
	// running total under the coin's minimum transaction size.
	OutcomeRejectBelowMinimum Outcome = "rejectBelowMinimum"
)

// Decision is the result of reading an inserted batch.
type Decision struct {
	Outcome Outcome

	// SendOnly is set with OutcomeRejectOverLimit when even the lowest
	// supported denomination exceeds the new headroom; the validator must
	// be disabled for the rest of the session.
	SendOnly bool

	// HighestBill is the largest denomination still acceptable, reported
	// with OutcomeRejectOverLimit when SendOnly is false.
	HighestBill money.Amount

	// LowestBill is the smallest denomination reaching the minimum
	// transaction size, reported with OutcomeRejectBelowMinimum.
	LowestBill money.Amount
}

// ReadInput is everything the acceptance decision depends on.
type ReadInput struct {
	// BatchFiat is the value of the batch just read by the validator.
	BatchFiat money.Amount
	// CurrentFiat is the transaction total before this batch.
	CurrentFiat money.Amount
	// Balance is the available crypto balance converted to fiat.
	Balance money.Amount
	// Cap is the lowest failed-compliance threshold; CapLimited is false
	// when no tier failed (no cap).
	Cap        money.Amount
	CapLimited bool
	// MinimumTx is the coin's minimum transaction size.
	MinimumTx money.Amount
	// Denominations lists the validator's supported denominations.
	Denominations []money.Amount
}

// headroom is min(balance, compliance cap) minus what was already
// inserted.
func (in ReadInput) headroom() money.Amount {
	limit := in.Balance
	if in.CapLimited {
		limit = money.Min(limit, in.Cap)
	}
	return limit.Sub(in.CurrentFiat)
}

// Read applies the acceptance limits to an inserted batch. The batch is
// accepted whole or rejected whole; partial acceptance never occurs.
func Read(in ReadInput) Decision {
	remaining := in.headroom()

	if remaining.LT(in.BatchFiat) {
		highest, ok := HighestBill(in.Denominations, remaining)
		if !ok {
			return Decision{Outcome: OutcomeRejectOverLimit, SendOnly: true}
		}
		return Decision{Outcome: OutcomeRejectOverLimit, HighestBill: highest}
	}

	if in.CurrentFiat.Add(in.BatchFiat).LT(in.MinimumTx) {
		lowest, _ := LowestBill(in.Denominations, in.MinimumTx)
		return Decision{Outcome: OutcomeRejectBelowMinimum, LowestBill: lowest}
	}

	return Decision{Outcome: OutcomeStack}
}

// HighestBill returns the largest supported denomination not exceeding
// cap. ok is false when every denomination exceeds it.
func HighestBill(denominations []money.Amount, cap money.Amount) (money.Amount, bool) {
	best := money.Zero()
	found := false
	for _, d := range denominations {
		if d.LTE(cap) && (!found || d.GT(best)) {
			best = d
			found = true
		}
	}
	return best, found
}

// LowestBill returns the smallest supported denomination that reaches
// floor. ok is false when no denomination does.
func LowestBill(denominations []money.Amount, floor money.Amount) (money.Amount, bool) {
	best := money.Zero()
	found := false
	for _, d := range denominations {
		if d.GTE(floor) && (!found || d.LT(best)) {
			best = d
			found = true
		}
	}
	return best, found
}
