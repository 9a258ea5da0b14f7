package session

import (
	"context"
	"time"

	"teller/internal/billflow"
	"teller/internal/compliance"
	"teller/internal/session/tracer"
	"teller/internal/tx"
	domainerrors "teller/pkg/domain-errors"
	"teller/pkg/money"
)

const pollRetryPause = 2 * time.Second

// dispenseUnits is the full cash-out inventory: cassette units plus any
// recycler units fed by cash-in.
func (c *Controller) dispenseUnits() []billflow.Unit {
	if len(c.recyclers) == 0 {
		return c.units
	}
	return append(append([]billflow.Unit(nil), c.units...), c.recyclers...)
}

// decrementUnit takes n bills out of the combined inventory at index i.
func (c *Controller) decrementUnit(i, n int) {
	if i < len(c.units) {
		c.units[i].Count -= n
		return
	}
	if j := i - len(c.units); j < len(c.recyclers) {
		c.recyclers[j].Count -= n
	}
}

// startCashOut opens the amount picker.
func (c *Controller) startCashOut() {
	if len(c.dispenseUnits()) == 0 {
		c.timedState(StateWrongCashOut)
		return
	}
	c.broadcastAction("chooseFiat", map[string]any{
		"activeDenominations": c.activeCashOutDenominations(),
	})
	c.timedState(StateChooseFiat)
}

// activeCashOutDenominations trims the offered buttons to what the
// machine can actually pay and compliance allows.
func (c *Controller) activeCashOutDenominations() []money.Amount {
	limit, limited := c.hardLimit(c.tx.Fiat)
	balance := c.dispensableTotal().Sub(c.tx.Fiat)
	return billflow.ActiveDenominations(c.dispenseUnits(), balance, limit, limited)
}

func (c *Controller) dispensableTotal() money.Amount {
	total := money.Zero()
	for _, u := range c.dispenseUnits() {
		total = total.Add(u.Denomination.MulInt(int64(u.Count)))
	}
	return total
}

// addFiat handles one amount button press.
func (c *Controller) addFiat(amount money.Amount) {
	if c.state != StateChooseFiat || !c.txActive {
		return
	}
	allowed := false
	for _, d := range c.activeCashOutDenominations() {
		if d.Eq(amount) {
			allowed = true
			break
		}
	}
	if !allowed {
		c.broadcastAction("fiatError", nil)
		return
	}

	coin, _ := c.currentCoin()
	proposed := c.tx.Fiat.Add(amount)
	atoms := money.Zero()
	if coin.CashOutRate.IsPositive() {
		atoms = proposed.Div(coin.CashOutRate)
	}
	c.update(tx.Update{Fiat: &proposed, CryptoAtoms: &atoms})
	c.broadcastAction("fiatCredit", map[string]any{
		"activeDenominations": c.activeCashOutDenominations(),
	})
	c.scheduleScreenTimeout(StateChooseFiat)
}

func (c *Controller) clearFiat() {
	if c.state != StateChooseFiat || !c.txActive {
		return
	}
	zero := money.Zero()
	c.update(tx.Update{Fiat: &zero, CryptoAtoms: &zero})
	c.broadcastAction("fiatCredit", map[string]any{
		"activeDenominations": c.activeCashOutDenominations(),
	})
}

// commitCashOut locks the chosen amount and moves to the deposit wait,
// via the compliance gate.
func (c *Controller) commitCashOut() {
	if c.state != StateChooseFiat || !c.txActive || !c.tx.Fiat.IsPositive() {
		return
	}
	if !c.runCompliance(StateChooseFiat) {
		return
	}
	c.startDeposit()
}

// startDeposit publishes the transaction and shows the deposit screen;
// the backend's server copy carries the funding address.
func (c *Controller) startDeposit() {
	if !c.txActive || !c.tx.Fiat.IsPositive() {
		c.transition(StateChooseCoin)
		return
	}
	c.postCurrent()
	c.timedState(StateDeposit)
	c.awaitDispense()
}

// awaitDispense long-polls the backend for the cash-out status. One
// status change produces one event; the handler re-arms while the
// deposit is still pending.
func (c *Controller) awaitDispense() {
	txID := c.tx.ID
	status := c.tx.Status
	ctx := c.runCtx
	go func() {
		for {
			rec, changed, err := c.client.WaitForDispense(ctx, txID, status)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				// pause so a dead backend doesn't spin the poll loop
				time.Sleep(pollRetryPause)
				c.enqueue(event{kind: evDispenseStatus, txID: txID, err: err})
				return
			}
			if changed {
				c.enqueue(event{kind: evDispenseStatus, txID: txID, rec: rec})
				return
			}
		}
	}()
}

func (c *Controller) onDispenseStatus(ev event) {
	if !c.txActive || ev.txID != c.tx.ID {
		return // stale completion from a dropped session
	}
	if c.state != StateDeposit && c.state != StatePendingDeposit {
		return // the screen moved on; drop the update
	}
	if ev.err != nil {
		c.logger.Error("dispense status poll failed", "err", ev.err)
		c.awaitDispense()
		return
	}

	server := ev.rec
	c.tx.Status = server.Status
	if server.ToAddress != "" {
		c.tx.ToAddress = server.ToAddress
	}
	if server.ErrorMessage != "" {
		c.tx.ErrorMessage = server.ErrorMessage
	}

	switch server.Status {
	case tx.StatusRejected:
		c.onDepositRejected()
	case tx.StatusPublished:
		c.transition(StatePendingDeposit)
		c.awaitDispense()
	case tx.StatusAuthorized, tx.StatusInstant, tx.StatusConfirmed:
		c.dispense()
	default:
		c.awaitDispense()
	}
}

// onDepositRejected sends the customer into the redeem-later flow: the
// deposit arrived but cannot be paid out now, so they identify
// themselves and collect once the operator clears it.
func (c *Controller) onDepositRejected() {
	if c.tx.Phone == "" && c.tx.Email == "" {
		c.returnState = StateRedeemLater
		if c.authTier() == compliance.KindEmail {
			c.timedState(StateEmailVerification)
			return
		}
		c.timedState(StateSMSVerification)
		return
	}
	c.timedState(StateRedeemLater)
}

// dispense runs the payout pipeline for an authorized cash-out.
func (c *Controller) dispense() {
	if c.tx.CryptoAtoms.IsZero() {
		c.logger.Error("authorized cash-out carries zero atoms", "tx", c.tx.ID)
		msg := "zero crypto amount on authorized transaction"
		c.update(tx.Update{ErrorMessage: &msg})
		c.timedState(StateFiatTxError)
		return
	}
	if c.tx.DispenseStarted {
		c.logger.Warn("dropping duplicate dispense", "tx", c.tx.ID)
		return
	}

	inventory := c.dispenseUnits()
	counts, ok := billflow.Solve(inventory, c.tx.Fiat)
	if !ok {
		c.logger.Error("cannot compose amount from cassettes", "tx", c.tx.ID, "fiat", c.tx.Fiat)
		c.timedState(StateOutOfCash)
		return
	}

	units := make([]tx.UnitRecord, len(inventory))
	for i, u := range inventory {
		units[i] = tx.UnitRecord{Denomination: u.Denomination, Provisioned: counts[i]}
	}
	c.update(tx.Update{DispenseStarted: boolPtr(true), Units: units})

	batches := billflow.Batches(counts, c.device.DispenseLimit())
	c.transition(StateDispensing)
	c.runDispense(batches)
}

func (c *Controller) runDispense(batches [][]int) {
	txID := c.tx.ID
	units := append([]billflow.Unit(nil), c.dispenseUnits()...)
	ctx := c.runCtx
	go func() {
		ctx, span := c.tracer.Start(ctx, tracer.SpanDispense,
			tracer.String(tracer.AttrTxID, txID),
			tracer.Int64("batches", int64(len(batches))))

		if err := c.device.Init(ctx, units); err != nil {
			span.End(err)
			c.enqueue(event{kind: evDispenseDone, txID: txID, err: err})
			return
		}

		for i, batch := range batches {
			_, batchSpan := c.tracer.Start(ctx, tracer.SpanDispenseUnit,
				tracer.Int64(tracer.AttrBatch, int64(i)))
			res, err := c.device.Dispense(ctx, batch)
			if err != nil {
				batchSpan.End(err)
				span.End(err)
				c.enqueue(event{kind: evDispenseDone, txID: txID, err: err})
				return
			}
			c.enqueue(event{kind: evDispenseBatch, txID: txID, batch: i,
				dispensed: res.Dispensed, rejected: res.Rejected})

			waitCtx, cancel := context.WithTimeout(ctx, dispenseBatchWait)
			err = c.device.WaitForBillsRemoved(waitCtx)
			cancel()
			batchSpan.End(err)
			if err != nil {
				span.End(err)
				c.enqueue(event{kind: evDispenseDone, txID: txID, err: err})
				return
			}
		}
		span.End(nil)
		c.enqueue(event{kind: evDispenseDone, txID: txID})
	}()
}

func (c *Controller) onDispenseBatch(ev event) {
	if !c.txActive || ev.txID != c.tx.ID {
		return
	}
	if c.metrics != nil {
		c.metrics.DispenseBatches.Inc()
	}

	merged := tx.MergeDispense(c.tx.Units, ev.dispensed, ev.rejected)
	c.update(tx.Update{Units: merged})
	for i, n := range ev.dispensed {
		c.decrementUnit(i, n)
	}

	c.broadcastAction("dispensingBatch", map[string]any{
		"batch":     ev.batch,
		"dispensed": dispensedFiat(merged),
		"total":     c.tx.Fiat,
	})
}

func dispensedFiat(units []tx.UnitRecord) money.Amount {
	total := money.Zero()
	for _, u := range units {
		total = total.Add(u.Denomination.MulInt(int64(u.Dispensed)))
	}
	return total
}

// onDispenseDone settles the payout: the transaction is confirmed only
// when the dispensed notes sum to exactly the committed amount.
func (c *Controller) onDispenseDone(ev event) {
	if !c.txActive || ev.txID != c.tx.ID {
		return
	}
	if ev.err != nil {
		c.logger.Error("dispense aborted", "tx", c.tx.ID, "err", ev.err)
		if c.metrics != nil && domainerrors.HasCode(ev.err, domainerrors.CodeHardwareFault) {
			c.metrics.HardwareErrors.Inc()
		}
	}

	if billflow.Confirmed(c.tx.Units, c.tx.Fiat) {
		c.update(tx.Update{DispenseConfirmed: boolPtr(true), Dirty: boolPtr(false)})
		if c.metrics != nil {
			c.metrics.Sessions.WithLabelValues(string(tx.CashOut), "completed").Inc()
		}
		c.maybePrintReceipt()
		c.timedState(StateFiatComplete)
		return
	}

	if c.metrics != nil {
		c.metrics.DispenseShortfalls.Inc()
	}
	short := c.tx.Fiat.Sub(dispensedFiat(c.tx.Units))
	msg := "dispense ended short by " + short.String()
	c.update(tx.Update{ErrorMessage: &msg})
	c.broadcastAction("outOfCash", map[string]any{"short": short})
	c.timedState(StateOutOfCash)
}

// maybePrintReceipt fires the automatic paper receipt when the operator
// enabled it.
func (c *Controller) maybePrintReceipt() {
	if !c.haveCfg || !c.pollCfg.Receipt.Print {
		return
	}
	c.broadcastAction("printReceipt", map[string]any{"automatic": true})
}

