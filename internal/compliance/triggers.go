package compliance

import (
	"time"

	"teller/pkg/money"
)

// HasTriggered reports whether a single rule fires for the candidate
// transaction given the customer's history. A rule only applies when its
// direction matches the candidate's.
func HasTriggered(rule Trigger, history []HistoryEntry, cand Candidate, now time.Time) bool {
	if !rule.Direction.Matches(cand.Direction) {
		return false
	}

	switch rule.TriggerType {
	case TriggerTxAmount:
		return cand.Fiat.GT(rule.Threshold)
	case TriggerTxVolume:
		return txVolume(rule, history, cand.Fiat, now).GT(rule.Threshold)
	case TriggerTxVelocity:
		return countWithinWindow(history, rule.ThresholdDays, now) >= int(rule.Threshold.IntPart())
	case TriggerConsecutiveDays:
		return consecutiveDays(history, rule.ThresholdDays, now)
	default:
		return false
	}
}

// txVolume sums the fiat of history entries inside the rule's day window,
// plus the candidate amount itself.
func txVolume(rule Trigger, history []HistoryEntry, amount money.Amount, now time.Time) money.Amount {
	total := amount
	for _, h := range history {
		if daysSince(h.CreatedAt, now) < rule.ThresholdDays {
			total = total.Add(h.Fiat)
		}
	}
	return total
}

func countWithinWindow(history []HistoryEntry, days int, now time.Time) int {
	n := 0
	for _, h := range history {
		if daysSince(h.CreatedAt, now) < days {
			n++
		}
	}
	return n
}

// consecutiveDays reports whether every day in the window before today
// has at least one transaction. Today itself is excluded.
func consecutiveDays(history []HistoryEntry, windowDays int, now time.Time) bool {
	perDay := make(map[int]int)
	for _, h := range history {
		perDay[daysSince(h.CreatedAt, now)]++
	}
	for day := 1; day < windowDays; day++ {
		if perDay[day] == 0 {
			return false
		}
	}
	return true
}

// daysSince counts whole calendar days between then and now, both
// truncated to local midnight.
func daysSince(then, now time.Time) int {
	y, m, d := now.Date()
	nowMidnight := time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	y, m, d = then.In(now.Location()).Date()
	thenMidnight := time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	return int(nowMidnight.Sub(thenMidnight).Hours() / 24)
}

// Triggered filters the rule set down to the rules firing for the
// candidate.
func Triggered(rules []Trigger, history []HistoryEntry, cand Candidate, now time.Time) []Trigger {
	var fired []Trigger
	for _, rule := range rules {
		if HasTriggered(rule, history, cand, now) {
			fired = append(fired, rule)
		}
	}
	return fired
}

// AmountToHardLimit computes the minimum remaining fiat headroom across
// all amount/volume rules whose requirement is block or suspend and whose
// direction applies. The second return is false when no such rule exists
// (no hard limit).
func AmountToHardLimit(rules []Trigger, history []HistoryEntry, cand Candidate, now time.Time) (money.Amount, bool) {
	limited := false
	var min money.Amount

	consider := func(remaining money.Amount) {
		if !limited || remaining.LT(min) {
			min = remaining
			limited = true
		}
	}

	for _, rule := range rules {
		if rule.Requirement.Kind != KindBlock && rule.Requirement.Kind != KindSuspend {
			continue
		}
		if !rule.Direction.Matches(cand.Direction) {
			continue
		}
		switch rule.TriggerType {
		case TriggerTxAmount:
			consider(rule.Threshold.Sub(cand.Fiat))
		case TriggerTxVolume:
			consider(rule.Threshold.Sub(txVolume(rule, history, cand.Fiat, now)))
		}
	}
	return min, limited
}

// LowestAmountPerRequirement maps each requirement key to the lowest
// threshold among the amount/volume rules that carry it. Used to cap
// further bill acceptance once a tier has failed.
func LowestAmountPerRequirement(rules []Trigger) map[string]money.Amount {
	lowest := make(map[string]money.Amount)
	for _, rule := range rules {
		if rule.TriggerType != TriggerTxAmount && rule.TriggerType != TriggerTxVolume {
			continue
		}
		key := rule.Requirement.Key()
		if cur, ok := lowest[key]; !ok || rule.Threshold.LT(cur) {
			lowest[key] = rule.Threshold
		}
	}
	return lowest
}
