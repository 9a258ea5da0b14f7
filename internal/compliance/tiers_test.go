package compliance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teller/internal/tx"
	"teller/pkg/money"
)

const customReqID = "7e57ed00-5a1e-4c2a-9b6f-2d3f8a41c0de"

func baseEnv() Env {
	return Env{
		Now:        testNow,
		AuthTier:   KindSMS,
		Automation: map[string]Automation{},
		Scanned:    map[string]bool{},
	}
}

func TestRequiredTiersScenario(t *testing.T) {
	// amount rule: threshold 100, requirement sms, direction cashIn
	rules := []Trigger{amountRule(100, Fixed(KindSMS), DirectionCashIn)}
	env := baseEnv()

	res := RequiredTiers(rules, nil, Candidate{Fiat: money.FromInt(150), Direction: tx.CashIn}, env)
	require.Len(t, res.Tiers, 1)
	assert.Equal(t, KindSMS, res.Tiers[0].Kind)

	res = RequiredTiers(rules, nil, Candidate{Fiat: money.FromInt(50), Direction: tx.CashIn}, env)
	assert.Empty(t, res.Tiers)
}

func TestRequiredTiersOrderingAndDedup(t *testing.T) {
	rules := []Trigger{
		{ID: "c1", Direction: DirectionBoth, Requirement: Custom(customReqID), TriggerType: TriggerTxAmount, Threshold: money.FromInt(10)},
		amountRule(20, Fixed(KindFacephoto), DirectionBoth),
		amountRule(30, Fixed(KindIDCardData), DirectionBoth),
		amountRule(40, Fixed(KindIDCardData), DirectionBoth), // duplicate requirement
		amountRule(50, Fixed(KindSMS), DirectionBoth),        // same as auth tier
	}
	env := baseEnv()

	res := RequiredTiers(rules, nil, Candidate{Fiat: money.FromInt(500), Direction: tx.CashIn}, env)

	keys := make([]string, len(res.Tiers))
	for i, tier := range res.Tiers {
		keys[i] = tier.Key()
	}
	assert.Equal(t, []string{"sms", "idCardData", "facephoto", customReqID}, keys,
		"auth first, canonical order, customs last, no duplicates")

	assert.True(t, res.AmountTriggered["idCardData"].Eq(money.FromInt(30)), "lowest triggering threshold recorded")
}

func TestRequiredTiersSuspendPicksLongest(t *testing.T) {
	short := amountRule(10, Fixed(KindSuspend), DirectionBoth)
	short.ID = "short"
	short.SuspensionDays = 1
	long := amountRule(20, Fixed(KindSuspend), DirectionBoth)
	long.ID = "long"
	long.SuspensionDays = 30

	res := RequiredTiers([]Trigger{short, long}, nil, Candidate{Fiat: money.FromInt(100), Direction: tx.CashIn}, baseEnv())
	assert.Equal(t, "long", res.SuspendTriggerID)
}

func TestEvaluateCompliantWhenAllTiersClear(t *testing.T) {
	rules := []Trigger{amountRule(100, Fixed(KindSMS), DirectionCashIn)}
	env := baseEnv()
	env.Tx.Phone = "+15551234"

	res := Evaluate(rules, nil, Candidate{Fiat: money.FromInt(150), Direction: tx.CashIn}, env)
	assert.True(t, res.Compliant())

	env.Tx.Phone = ""
	res = Evaluate(rules, nil, Candidate{Fiat: money.FromInt(150), Direction: tx.CashIn}, env)
	require.Len(t, res.NonCompliant, 1)
	assert.Equal(t, KindSMS, res.NonCompliant[0].Kind)
}

func TestTierOverridesShortCircuit(t *testing.T) {
	rules := []Trigger{
		amountRule(100, Fixed(KindIDCardData), DirectionCashIn),
	}
	env := baseEnv()
	env.Tx.Phone = "+15551234"
	cand := Candidate{Fiat: money.FromInt(150), Direction: tx.CashIn}

	env.Customer.Overrides = map[string]OverrideStatus{"idCardData": OverrideVerified}
	assert.True(t, Evaluate(rules, nil, cand, env).Compliant())

	env.Customer.Overrides = map[string]OverrideStatus{"idCardData": OverrideBlocked}
	res := Evaluate(rules, nil, cand, env)
	assert.False(t, res.Compliant())
}

func TestManualTierBlocksPending(t *testing.T) {
	rules := []Trigger{amountRule(100, Fixed(KindIDCardData), DirectionCashIn)}
	env := baseEnv()
	env.Tx.Phone = "+15551234"
	env.Automation = map[string]Automation{"idCardData": AutomationManual}
	cand := Candidate{Fiat: money.FromInt(150), Direction: tx.CashIn}

	// no data, no scan: non-compliant and flagged for review
	res := Evaluate(rules, nil, cand, env)
	assert.False(t, res.Compliant())
	assert.True(t, res.Blocked)

	// scan completed this session clears the tier but review still blocks
	env.Scanned = map[string]bool{"idCardData": true}
	res = Evaluate(rules, nil, cand, env)
	assert.True(t, res.Compliant())
	assert.True(t, res.Blocked)
}

func TestAutomaticTierAcceptsPendingData(t *testing.T) {
	rules := []Trigger{amountRule(100, Fixed(KindIDCardData), DirectionCashIn)}
	env := baseEnv()
	env.Tx.Phone = "+15551234"
	env.Customer.Data = map[string]bool{"idCardData": true}

	res := Evaluate(rules, nil, Candidate{Fiat: money.FromInt(150), Direction: tx.CashIn}, env)
	assert.True(t, res.Compliant())
	assert.False(t, res.Blocked)
}

func TestExternalTierAnswers(t *testing.T) {
	rule := amountRule(100, Fixed(KindExternal), DirectionCashIn)
	rule.ExternalService = "chainwatch"
	rules := []Trigger{rule}
	cand := Candidate{Fiat: money.FromInt(150), Direction: tx.CashIn}

	env := baseEnv()
	env.Tx.Phone = "+15551234"

	env.Customer.External = map[string]ExternalAnswer{"chainwatch": ExternalApproved}
	res := Evaluate(rules, nil, cand, env)
	assert.True(t, res.Compliant())
	assert.False(t, res.Blocked)

	// REJECTED and PENDING share the manual-review flow: compliant out of
	// the loop, blocked afterwards.
	for _, answer := range []ExternalAnswer{ExternalRejected, ExternalPending} {
		env.Customer.External = map[string]ExternalAnswer{"chainwatch": answer}
		res = Evaluate(rules, nil, cand, env)
		assert.True(t, res.Compliant(), string(answer))
		assert.True(t, res.Blocked, string(answer))
	}

	env.Customer.External = map[string]ExternalAnswer{"chainwatch": ExternalRetry}
	res = Evaluate(rules, nil, cand, env)
	assert.False(t, res.Compliant())
	assert.True(t, res.ExternalRetry)

	env.Customer.External = nil
	res = Evaluate(rules, nil, cand, env)
	assert.False(t, res.Compliant())
}

func TestBlockAndSuspendNeverCompliant(t *testing.T) {
	rules := []Trigger{
		amountRule(100, Fixed(KindBlock), DirectionCashIn),
	}
	env := baseEnv()
	env.Tx.Phone = "+15551234"
	env.Customer.Overrides = map[string]OverrideStatus{"block": OverrideVerified}

	res := Evaluate(rules, nil, Candidate{Fiat: money.FromInt(150), Direction: tx.CashIn}, env)
	assert.False(t, res.Compliant(), "block tiers have no overrides")
}

func TestCustomTierEvaluation(t *testing.T) {
	rules := []Trigger{{
		ID:          "custom-1",
		Direction:   DirectionBoth,
		Requirement: Custom(customReqID),
		TriggerType: TriggerTxAmount,
		Threshold:   money.FromInt(100),
	}}
	env := baseEnv()
	env.Tx.Phone = "+15551234"
	cand := Candidate{Fiat: money.FromInt(150), Direction: tx.CashIn}

	res := Evaluate(rules, nil, cand, env)
	assert.False(t, res.Compliant(), "no data submitted")

	env.Customer.CustomData = map[string]CustomEntry{customReqID: {HasData: true}}
	assert.True(t, Evaluate(rules, nil, cand, env).Compliant())

	env.Customer.CustomData = map[string]CustomEntry{customReqID: {Override: OverrideBlocked, HasData: true}}
	assert.False(t, Evaluate(rules, nil, cand, env).Compliant())
}
