package compliance

import (
	"fmt"
	"sort"
	"time"

	"teller/internal/tx"
	"teller/pkg/money"
)

// canonicalOrder fixes the order verification screens are presented in.
// The operator-configured authentication tier is always prepended and
// custom information requests always sort last.
var canonicalOrder = []Kind{
	KindIDCardData,
	KindSanctions,
	KindIDCardPhoto,
	KindFacephoto,
	KindUSSSN,
	KindExternal,
	KindSuspend,
	KindBlock,
	KindCustom,
}

// Env carries the per-call evaluation context. The engine reads it for
// the duration of one call and never retains it.
type Env struct {
	Now      time.Time
	AuthTier Kind // KindSMS or KindEmail, operator-configured

	Tx       tx.Record
	Customer Customer

	// Automation is keyed by requirement key.
	Automation map[string]Automation
	// Scanned marks manual tiers whose scan completed during this session.
	Scanned map[string]bool
}

// TiersResult is the outcome of RequiredTiers.
type TiersResult struct {
	Tiers []Requirement
	// Triggered holds the fired rules, custom-request rules already mapped
	// to their request id requirement.
	Triggered []Trigger
	// SuspendTriggerID is the id of the fired suspend rule with the
	// longest suspension, empty when none fired.
	SuspendTriggerID string
	// AmountTriggered maps each requirement key to the lowest threshold
	// that triggered it.
	AmountTriggered map[string]money.Amount
}

// RequiredTiers collects the fired rules and derives the ordered,
// deduplicated set of verification tiers the session must clear. The
// mandatory authentication tier is prepended whenever anything fired.
func RequiredTiers(rules []Trigger, history []HistoryEntry, cand Candidate, env Env) TiersResult {
	fired := Triggered(rules, history, cand, env.Now)

	res := TiersResult{
		Triggered:       fired,
		AmountTriggered: LowestAmountPerRequirement(fired),
	}

	maxSuspension := -1
	for _, rule := range fired {
		if rule.Requirement.Kind == KindSuspend && rule.SuspensionDays > maxSuspension {
			maxSuspension = rule.SuspensionDays
			res.SuspendTriggerID = rule.ID
		}
	}

	if len(fired) == 0 {
		return res
	}

	seen := make(map[string]bool)
	var tiers []Requirement
	add := func(r Requirement) {
		if !seen[r.Key()] {
			seen[r.Key()] = true
			tiers = append(tiers, r)
		}
	}
	add(Fixed(env.AuthTier))
	for _, rule := range fired {
		add(rule.Requirement)
	}

	rank := func(r Requirement) int {
		if r.Kind == env.AuthTier {
			return -1
		}
		for i, k := range canonicalOrder {
			if r.Kind == k {
				return i
			}
		}
		return len(canonicalOrder)
	}
	sort.SliceStable(tiers, func(i, j int) bool {
		return rank(tiers[i]) < rank(tiers[j])
	})

	res.Tiers = tiers
	return res
}

// EvalResult is the outcome of Evaluate.
type EvalResult struct {
	Required     TiersResult
	NonCompliant []Requirement
	// Blocked marks the session for the blocked-customer screen once all
	// tiers resolve: manual tiers under review and external
	// REJECTED/PENDING answers land here.
	Blocked bool
	// ExternalRetry asks the controller to schedule an external
	// compliance retry.
	ExternalRetry bool
}

// Compliant reports whether every required tier is satisfied.
func (r EvalResult) Compliant() bool {
	return len(r.NonCompliant) == 0
}

// Evaluate computes the required tiers and filters out the ones the
// session has not satisfied yet.
func Evaluate(rules []Trigger, history []HistoryEntry, cand Candidate, env Env) EvalResult {
	required := RequiredTiers(rules, history, cand, env)
	res := EvalResult{Required: required}

	for _, tier := range required.Tiers {
		rule := findRule(required.Triggered, tier)
		if !tierCompliant(tier, rule, env, &res) {
			res.NonCompliant = append(res.NonCompliant, tier)
		}
	}
	return res
}

func findRule(rules []Trigger, tier Requirement) *Trigger {
	for i := range rules {
		if rules[i].Requirement.Key() == tier.Key() {
			return &rules[i]
		}
	}
	return nil
}

// tierCompliant applies the per-requirement compliance rule. It may set
// the Blocked or ExternalRetry flags on res as side information; the
// caller owns translating those into screens.
func tierCompliant(tier Requirement, rule *Trigger, env Env, res *EvalResult) bool {
	customer := env.Customer

	switch tier.Kind {
	case KindSMS:
		return env.Tx.Phone != ""
	case KindEmail:
		return env.Tx.Email != ""
	case KindSanctions:
		return customer.SanctionsClear
	case KindBlock, KindSuspend:
		// always routed to a terminal screen
		return false
	case KindIDCardData, KindIDCardPhoto, KindFacephoto, KindUSSSN:
		switch customer.Overrides[tier.Key()] {
		case OverrideVerified:
			return true
		case OverrideBlocked:
			return false
		}
		return dataSufficient(tier, customer.Data[tier.Key()], env, res)
	case KindCustom:
		entry, ok := customer.CustomData[tier.CustomID]
		if !ok {
			return false
		}
		switch entry.Override {
		case OverrideVerified:
			return true
		case OverrideBlocked:
			return false
		}
		return dataSufficient(tier, entry.HasData, env, res)
	case KindExternal:
		if len(customer.External) == 0 {
			return false
		}
		service := ""
		if rule != nil {
			service = rule.ExternalService
		}
		switch customer.External[service] {
		case ExternalApproved:
			return true
		case ExternalRejected, ExternalPending:
			// Both currently share the manual-review flow: report the tier
			// satisfied so the loop completes, and block afterwards.
			res.Blocked = true
			return true
		default: // RETRY or unknown
			res.ExternalRetry = true
			return false
		}
	default:
		panic(fmt.Sprintf("unsupported tier: %s", tier.Key()))
	}
}

// dataSufficient decides whether existing customer data clears a tier.
// Automatic tiers accept any submitted data, pending or not. Manual tiers
// mark the session for review and clear only on existing data or a scan
// completed this session.
func dataSufficient(tier Requirement, hasData bool, env Env, res *EvalResult) bool {
	if env.Automation[tier.Key()] != AutomationManual {
		return hasData
	}
	res.Blocked = true
	return hasData || env.Scanned[tier.Key()]
}
