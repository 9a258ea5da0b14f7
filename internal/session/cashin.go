package session

import (
	"teller/internal/billflow"
	"teller/internal/compliance"
	"teller/internal/session/tracer"
	"teller/internal/trader"
	"teller/internal/tx"
	"teller/pkg/money"
)

// onAddressScanned receives the destination wallet address for a cash-in
// transaction.
func (c *Controller) onAddressScanned(address string) {
	if !c.txActive || c.state != StateScanAddress {
		return
	}
	if address == "" {
		c.broadcastAction("badAddress", nil)
		return
	}
	if address == c.tx.ToAddress {
		c.broadcastAction("addressReuse", nil)
	}

	c.update(tx.Update{ToAddress: &address})
	if c.tx.Direction == tx.CashOut {
		c.startDeposit()
		return
	}
	c.startBillAccepting()
}

// startBillAccepting opens the validator once the pre-insert compliance
// gate passes.
func (c *Controller) startBillAccepting() {
	if !c.runCompliance(c.acceptingState()) {
		return
	}
	if c.sendOnly || c.hwFault {
		c.broadcastAction("sendOnly", nil)
		c.finishCashIn()
		return
	}
	if err := c.device.Enable(c.device.Denominations()); err != nil {
		c.logger.Error("enabling validator failed", "err", err)
		c.onValidatorBroken()
		return
	}
	c.transition(StateCashInWait)
	c.timedState(c.acceptingState())
}

func (c *Controller) onValidatorBroken() {
	c.hwFault = true
	c.broadcastAction("sendOnly", map[string]any{"reason": "hardwareFault"})
	if len(c.tx.Bills) > 0 {
		c.finishCashIn()
		return
	}
	c.endSession("hardwareFault")
}

// acceptingState is the bill screen matching current progress. Machines
// with recycler units get the recycler screens: accepted bills become
// dispensable there.
func (c *Controller) acceptingState() State {
	first := len(c.tx.Bills) == 0
	if len(c.recyclers) > 0 {
		if first {
			return StateAcceptingFirstRecyclerBills
		}
		return StateAcceptingRecyclerBills
	}
	if first {
		return StateAcceptingFirstBill
	}
	return StateAcceptingBills
}

// billsRead decides the fate of a batch the validator holds in escrow.
func (c *Controller) billsRead(bills []money.Amount) {
	if !c.state.accepting() || !c.txActive || c.tx.Direction != tx.CashIn {
		c.logger.Warn("bills read outside accepting state, rejecting", "state", c.state)
		if err := c.device.Reject(); err != nil {
			c.logger.Warn("rejecting stray bills failed", "err", err)
		}
		return
	}

	_, span := c.tracer.Start(c.runCtx, tracer.SpanBillAccept,
		tracer.String(tracer.AttrTxID, c.tx.ID))
	defer span.End(nil)

	resume := c.acceptingState()
	c.transition(StateBillsRead)

	batch := money.Sum(bills...)
	cap, capped := c.tierCap()
	coin, _ := c.currentCoin()

	decision := billflow.Read(billflow.ReadInput{
		BatchFiat:     batch,
		CurrentFiat:   c.tx.Fiat,
		Balance:       coin.Balance,
		Cap:           cap,
		CapLimited:    capped,
		MinimumTx:     c.tx.MinimumTx,
		Denominations: c.device.Denominations(),
	})

	switch decision.Outcome {
	case billflow.OutcomeRejectOverLimit:
		c.rejectBatch(batch, "overLimit")
		if decision.SendOnly {
			c.sendOnly = true
			if err := c.device.Disable(); err != nil {
				c.logger.Warn("disabling validator failed", "err", err)
			}
			c.broadcastAction("sendOnly", map[string]any{"reason": "overLimit"})
		} else {
			c.broadcastAction("highBill", map[string]any{"highestBill": decision.HighestBill})
		}
		c.timedState(resume)

	case billflow.OutcomeRejectBelowMinimum:
		c.rejectBatch(batch, "belowMinimum")
		c.broadcastAction("minimumTx", map[string]any{"lowestBill": decision.LowestBill})
		c.timedState(resume)

	case billflow.OutcomeStack:
		// last gate before money moves: would the new total trip a rule?
		res := c.evaluateComplianceWith(batch)
		if !res.Compliant() && c.failedTier == nil {
			c.rejectBatch(batch, "compliance")
			c.returnState = resume
			c.routeTier(res)
			return
		}
		if err := c.device.Stack(); err != nil {
			c.logger.Error("stacking bills failed", "err", err)
			c.rejectBatch(batch, "hardware")
			c.onValidatorBroken()
		}
		// billsValid completes the acceptance
	}
}

// evaluateComplianceWith evaluates as if the escrowed batch were already
// part of the total.
func (c *Controller) evaluateComplianceWith(batch money.Amount) compliance.EvalResult {
	return c.evaluateCompliance(c.tx.Fiat.Add(batch))
}

func (c *Controller) rejectBatch(batch money.Amount, reason string) {
	c.lastRejected = batch
	if c.metrics != nil {
		c.metrics.BillsRejected.WithLabelValues(reason).Inc()
	}
	if err := c.device.Reject(); err != nil {
		c.logger.Warn("rejecting bills failed", "err", err)
	}
}

// billsValid credits a stacked batch to the transaction.
func (c *Controller) billsValid(bills []money.Amount) {
	if !c.txActive || c.tx.Direction != tx.CashIn {
		return
	}

	coin, ok := c.currentCoin()
	if !ok {
		c.logger.Error("stacked bills with no coin config", "cryptoCode", c.tx.CryptoCode)
		return
	}

	batch := make([]tx.Bill, 0, len(bills))
	for _, denomination := range bills {
		atoms := money.Zero()
		if coin.CashInRate.IsPositive() {
			atoms = denomination.Div(coin.CashInRate)
		}
		batch = append(batch, tx.Bill{
			Denomination: denomination,
			Fiat:         denomination,
			CryptoAtoms:  atoms,
			Accepted:     true,
		})
	}

	c.applyTx(tx.WithBills(c.tx, batch, c.now()))
	c.creditRecyclers(batch)
	c.postCurrent()
	if c.metrics != nil {
		c.metrics.BillsAccepted.Add(float64(len(bills)))
	}
	c.lastRejected = money.Zero()

	c.timedState(StateBillInserted)
	c.timedState(c.acceptingState())
	c.completeBillHandling(coin)
}

// creditRecyclers adds stacked bills to the matching recycler unit so
// they count toward cash-out inventory.
func (c *Controller) creditRecyclers(batch []tx.Bill) {
	if len(c.recyclers) == 0 {
		return
	}
	for _, b := range batch {
		for i := range c.recyclers {
			if c.recyclers[i].Denomination.Eq(b.Denomination) {
				c.recyclers[i].Count++
				break
			}
		}
	}
}

// completeBillHandling closes the acceptance window when no further bill
// could be accepted anyway.
func (c *Controller) completeBillHandling(coin trader.Coin) {
	cap, capped := c.tierCap()
	remaining := coin.Balance.Sub(c.tx.Fiat)
	if capped {
		capRemaining := cap.Sub(c.tx.Fiat)
		if capRemaining.LT(remaining) {
			remaining = capRemaining
		}
	}

	if _, ok := billflow.HighestBill(c.device.Denominations(), remaining); ok {
		return
	}

	c.sendOnly = true
	if err := c.device.Disable(); err != nil {
		c.logger.Warn("disabling validator failed", "err", err)
	}
	reason := "balanceLow"
	if capped {
		reason = "hardLimit"
	}
	c.broadcastAction("sendOnly", map[string]any{"reason": reason})
}

// billsRejected reports a returned batch and re-offers the bill screen.
func (c *Controller) billsRejected(bills []money.Amount) {
	if !c.txActive || c.tx.Direction != tx.CashIn {
		return
	}
	c.lastRejected = money.Sum(bills...)
	c.broadcastAction("billsRejected", nil)
	if c.state.accepting() {
		c.timedState(c.acceptingState())
	}
}

// sendStacked commits the accepted total for sending.
func (c *Controller) sendStacked() {
	if c.tx.Send {
		return
	}
	c.update(tx.Update{Send: boolPtr(true)})
}

// finishCashIn ends the buy flow: whatever was stacked is sent.
func (c *Controller) finishCashIn() {
	if !c.txActive || c.tx.Direction != tx.CashIn {
		return
	}
	if err := c.device.Disable(); err != nil {
		c.logger.Warn("disabling validator failed", "err", err)
	}
	if len(c.tx.Bills) == 0 {
		c.endSession("cancelled")
		return
	}
	c.sendStacked()
	if c.metrics != nil {
		c.metrics.Sessions.WithLabelValues(string(tx.CashIn), "completed").Inc()
	}
	c.maybePrintReceipt()
	c.timedState(StateCashInComplete)
}
