package session

import (
	"context"
	"time"

	"teller/internal/billflow"
	"teller/internal/compliance"
	"teller/internal/session/tracer"
	"teller/internal/trader"
	"teller/internal/tx"
	"teller/pkg/money"
)

// authTier is the operator-configured identification step that fronts
// every other verification tier.
func (c *Controller) authTier() compliance.Kind {
	if c.pollCfg.AuthMode == trader.AuthEmail {
		return compliance.KindEmail
	}
	return compliance.KindSMS
}

// complianceAmount is the fiat value rules are evaluated against. Before
// any money moves it anticipates the smallest amount the customer could
// commit next, so a rule can never be dodged by the first bill.
func (c *Controller) complianceAmount() money.Amount {
	if c.tx.Direction == tx.CashOut {
		if c.tx.Fiat.IsPositive() {
			return c.tx.Fiat
		}
		return c.minimumFiat()
	}

	if len(c.tx.Bills) > 0 {
		return c.tx.Fiat.Add(c.lastRejected)
	}
	floor := c.lastRejected
	if lowest, ok := billflow.LowestBill(c.device.Denominations(), c.tx.MinimumTx); ok && lowest.GT(floor) {
		floor = lowest
	}
	return c.tx.Fiat.Add(floor)
}

// minimumFiat is the smallest cash-out amount the machine can produce.
func (c *Controller) minimumFiat() money.Amount {
	min := money.Zero()
	for _, u := range c.dispenseUnits() {
		if u.Count <= 0 {
			continue
		}
		if min.IsZero() || u.Denomination.LT(min) {
			min = u.Denomination
		}
	}
	return min
}

func (c *Controller) evaluateCompliance(amount money.Amount) compliance.EvalResult {
	var customer compliance.Customer
	if c.customer != nil {
		customer = *c.customer
	}
	env := compliance.Env{
		Now:        c.now(),
		AuthTier:   c.authTier(),
		Tx:         c.tx,
		Customer:   customer,
		Automation: c.pollCfg.Automation,
		Scanned:    c.scannedTiers,
	}
	cand := compliance.Candidate{Fiat: amount, Direction: c.tx.Direction}
	return compliance.Evaluate(c.pollCfg.Triggers, customer.History, cand, env)
}

// tierCap is the fiat threshold of the tier the customer refused, the
// ceiling further bill acceptance must respect. The value is captured at
// refusal time: recomputing it would let the rule stop firing once the
// evaluated amount dips under the threshold, dissolving the ceiling.
func (c *Controller) tierCap() (money.Amount, bool) {
	if c.failedTier == nil {
		return money.Amount{}, false
	}
	return c.failedCap, true
}

// hardLimit is the remaining headroom before a block or suspend rule
// fires, used to trim the amounts offered to the customer.
func (c *Controller) hardLimit(amount money.Amount) (money.Amount, bool) {
	var customer compliance.Customer
	if c.customer != nil {
		customer = *c.customer
	}
	cand := compliance.Candidate{Fiat: amount, Direction: c.tx.Direction}
	return compliance.AmountToHardLimit(c.pollCfg.Triggers, customer.History, cand, c.now())
}

// runCompliance evaluates the rule set for the current amount. When a
// tier is unmet the session detours to its screen and the caller's flow
// resumes later through resumeAfterAuth; the recorded return state says
// where. Returns true when the flow may continue immediately.
func (c *Controller) runCompliance(returnState State) bool {
	_, span := c.tracer.Start(c.runCtx, tracer.SpanCompliance,
		tracer.String(tracer.AttrTxID, c.tx.ID),
		tracer.String(tracer.AttrState, string(c.state)))
	defer span.End(nil)

	if c.customer != nil && c.customer.Suspended(c.now()) {
		c.showSuspendedAtStart()
		return false
	}

	res := c.evaluateCompliance(c.complianceAmount())
	if res.Compliant() && !res.Blocked {
		return true
	}

	c.returnState = returnState
	if !res.Compliant() && c.failedTier == nil {
		c.routeTier(res)
		return false
	}
	c.showBlocked()
	return false
}

// resumeAfterAuth re-enters the interrupted flow after an auth or
// permission step resolved. Tiers are recomputed from scratch: clearing
// one tier can reveal the next.
func (c *Controller) resumeAfterAuth() {
	if !c.txActive {
		c.transition(StateChooseCoin)
		return
	}
	if c.customer != nil && c.customer.Suspended(c.now()) {
		c.showSuspendedAtStart()
		return
	}

	res := c.evaluateCompliance(c.complianceAmount())
	if !res.Compliant() {
		if c.failedTier == nil {
			c.routeTier(res)
			return
		}
		// the customer already refused a tier: bill flow continues under
		// the refused tier's cap instead of detouring again
		c.resumeReturnState(false)
		return
	}
	if res.Blocked {
		c.showBlocked()
		return
	}
	c.resumeReturnState(true)
}

func (c *Controller) resumeReturnState(compliant bool) {
	ret := c.returnState
	c.returnState = ""

	switch {
	case ret.accepting():
		if ret.firstBill() && !compliant {
			c.transition(StateChooseCoin)
			return
		}
		if c.hwFault {
			// a faulted validator must stay down; send what is in
			c.onValidatorBroken()
			return
		}
		if err := c.device.Reenable(); err != nil {
			c.logger.Warn("re-enabling validator failed", "err", err)
		}
		c.timedState(ret)
	case ret == StateChooseFiat:
		c.startDeposit()
	case ret != "":
		c.timedState(ret)
	default:
		c.transition(StateChooseCoin)
	}
}

// routeTier shows the screen for the first unmet tier.
func (c *Controller) routeTier(res compliance.EvalResult) {
	tier := res.NonCompliant[0]
	if c.metrics != nil {
		c.metrics.ComplianceHolds.WithLabelValues(tier.Key()).Inc()
	}

	switch tier.Kind {
	case compliance.KindSMS:
		c.timedState(StateSMSVerification)
	case compliance.KindEmail:
		c.timedState(StateEmailVerification)
	case compliance.KindIDCardData:
		c.timedState(StatePermissionID)
	case compliance.KindIDCardPhoto, compliance.KindFacephoto:
		c.timedState(StatePermissionPhoto)
	case compliance.KindUSSSN:
		c.timedState(StatePermissionSSN)
	case compliance.KindExternal:
		c.timedState(StatePermissionExtern)
	case compliance.KindCustom:
		c.broadcastAction("customInfoRequest", map[string]any{"id": tier.CustomID})
		c.timedState(StatePermissionCustom)
	case compliance.KindSanctions:
		// nothing the customer can do about a sanctions hit
		c.showBlocked()
	case compliance.KindBlock:
		c.showBlocked()
	case compliance.KindSuspend:
		c.showSuspended(res.Required)
	default:
		c.logger.Error("no screen for tier, blocking", "tier", tier.Key())
		c.showBlocked()
	}
}

func (c *Controller) showBlocked() {
	c.finishCommittedMoney()
	c.timedState(StateBlockedCustomer)
}

func (c *Controller) showSuspended(required compliance.TiersResult) {
	days := 0
	for _, rule := range required.Triggered {
		if rule.ID == required.SuspendTriggerID {
			days = rule.SuspensionDays
		}
	}
	c.finishCommittedMoney()
	c.broadcastAction("suspendedCustomer", map[string]any{"days": days})
	c.timedState(StateSuspended)
}

func (c *Controller) showSuspendedAtStart() {
	until := time.Time{}
	days := 0
	if c.customer != nil {
		until = c.customer.SuspendedUntil
		remaining := trader.UnsuspendIn(*c.customer, c.now())
		days = int((remaining + 24*time.Hour - 1) / (24 * time.Hour))
	}
	c.broadcastAction("hardLimitReached", map[string]any{"until": until, "days": days})
	c.timedState(StateHardLimitReached)
}

// finishCommittedMoney makes sure a compliance dead end never strands
// stacked bills: whatever was accepted is sent.
func (c *Controller) finishCommittedMoney() {
	if c.txActive && c.tx.Direction == tx.CashIn && len(c.tx.Bills) > 0 {
		c.sendStacked()
	}
}

// startPhoneAuth looks the customer up by phone and begins SMS auth.
func (c *Controller) startPhoneAuth(phone string) {
	txID := c.tx.ID
	ctx := c.runCtx
	go func() {
		ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		customer, err := c.client.PhoneCode(ctx, phone)
		c.enqueue(event{kind: evAuthDone, txID: txID, customer: customer, err: err,
			data: map[string]string{"phone": phone}})
	}()
}

func (c *Controller) startEmailAuth(email string) {
	txID := c.tx.ID
	ctx := c.runCtx
	go func() {
		ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		customer, err := c.client.EmailCode(ctx, email)
		c.enqueue(event{kind: evAuthDone, txID: txID, customer: customer, err: err,
			data: map[string]string{"email": email}})
	}()
}

// tagSessionCustomer correlates the session span with a customer without
// putting the contact itself in the trace.
func (c *Controller) tagSessionCustomer(contact string) {
	if c.sessionSpan == nil {
		return
	}
	c.sessionSpan.SetAttributes(
		tracer.String(tracer.AttrCustomer, tracer.HashContact(contact)))
}

func (c *Controller) onAuthDone(ev event) {
	if !c.txActive || ev.txID != c.tx.ID {
		return // stale completion
	}
	if ev.err != nil {
		c.logger.Error("customer auth failed", "err", ev.err)
		c.broadcastAction("authError", nil)
		c.resumeAfterAuth()
		return
	}

	customer := ev.customer
	c.customer = &customer
	patch := tx.Update{}
	if phone := ev.data["phone"]; phone != "" {
		patch.Phone = &phone
		c.tagSessionCustomer(phone)
	}
	if email := ev.data["email"]; email != "" {
		patch.Email = &email
		c.tagSessionCustomer(email)
	}
	if customer.ID != "" {
		patch.CustomerID = &customer.ID
	}
	c.update(patch)

	if customer.Discount > 0 {
		c.broadcastAction("discountApplied", map[string]any{"percent": customer.Discount})
	}
	c.resumeAfterAuth()
}

// grantPermission records that the customer consented to a tier and, for
// scan tiers, that the scan happened this session; the backend learns
// about the submitted data through a customer patch.
func (c *Controller) grantPermission(tier compliance.Requirement) {
	key := tier.Key()
	c.scannedTiers[key] = true

	if c.customer == nil || c.customer.ID == "" {
		c.resumeAfterAuth()
		return
	}

	txID := c.tx.ID
	customerID := c.customer.ID
	ctx := c.runCtx
	go func() {
		ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		customer, err := c.client.UpdateCustomer(ctx, customerID, trader.CustomerPatch{
			Data: map[string]bool{key: true},
			TxID: txID,
		})
		c.enqueue(event{kind: evAuthDone, txID: txID, customer: customer, err: err})
	}()
}

// refusePermission marks the tier failed; bill flow continues capped at
// the refused tier's threshold.
func (c *Controller) refusePermission(tier compliance.Requirement) {
	t := tier
	c.failedTier = &t
	res := c.evaluateCompliance(c.complianceAmount())
	if cap, ok := res.Required.AmountTriggered[tier.Key()]; ok {
		c.failedCap = cap
	} else {
		// the tier stopped firing between the screen and the refusal;
		// never cap below what is already committed
		c.failedCap = c.tx.Fiat
	}
	c.resumeAfterAuth()
}

// currentTier maps the showing permission screen back to its tier.
func (c *Controller) currentTier() (compliance.Requirement, bool) {
	res := c.evaluateCompliance(c.complianceAmount())
	if len(res.NonCompliant) == 0 {
		return compliance.Requirement{}, false
	}
	return res.NonCompliant[0], true
}
