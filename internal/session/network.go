package session

import (
	"context"
	"time"

	"teller/internal/billflow"
	"teller/internal/hardware"
	"teller/internal/trader"
	"teller/internal/tx"
	domainerrors "teller/pkg/domain-errors"
)

func (c *Controller) handlePoll(ev trader.Event) {
	switch ev.Kind {
	case trader.EventPollUpdate:
		c.onPollUpdate(ev.Result)
	case trader.EventNetworkDown:
		if domainerrors.HasCode(ev.Err, domainerrors.CodeUnpaired) {
			c.onUnpaired(ev.Err)
			return
		}
		c.onNetworkDown()
	case trader.EventNetworkUp:
		c.onNetworkUp()
	}
}

func (c *Controller) onPollUpdate(result trader.PollResult) {
	fresh := !c.haveCfg || result.Version != c.pollCfg.Version
	c.pollCfg = result
	c.haveCfg = true
	if fresh {
		c.units = cassettesToUnits(result.Cassettes)
		c.recyclers = cassettesToUnits(result.Recyclers)
		c.applyMachineActions(result.Actions)
	}

	// first healthy poll replays whatever the previous run left dirty
	if !c.resubmitted {
		c.resubmitted = true
		c.resubmitPending()
	}

	// first config moves the machine off the connecting/waiting screens
	if c.state == StateConnecting || c.state == StatePendingIdle {
		c.transition(StateChooseCoin)
	}
}

func cassettesToUnits(cassettes []trader.Cassette) []billflow.Unit {
	units := make([]billflow.Unit, 0, len(cassettes))
	for _, cs := range cassettes {
		units = append(units, billflow.Unit{Denomination: cs.Denomination, Count: cs.Count})
	}
	return units
}

func (c *Controller) applyMachineActions(actions []trader.MachineAction) {
	for _, action := range actions {
		c.logger.Info("machine action requested", "action", action)
		switch action {
		case trader.ActionReboot, trader.ActionShutdown, trader.ActionRestartServices:
			c.broadcastAction("maintenance", map[string]any{"action": string(action)})
			c.transition(StateMaintenance)
		case trader.ActionEmptyUnit:
			for i := range c.units {
				c.units[i].Count = 0
			}
			for i := range c.recyclers {
				c.recyclers[i].Count = 0
			}
			c.broadcastAction("unitsEmptied", nil)
		case trader.ActionRefillUnit:
			c.units = cassettesToUnits(c.pollCfg.Cassettes)
			c.broadcastAction("unitsRefilled", nil)
		case trader.ActionDiagnostics:
			c.broadcastAction("diagnostics", nil)
		default:
			c.logger.Warn("ignoring unknown machine action", "action", action)
		}
	}
}

// onUnpaired handles a credential rejection. The backend revoked the
// pairing, so this is not an outage: the machine parks on the unpaired
// screen until an operator re-pairs it.
func (c *Controller) onUnpaired(err error) {
	c.logger.Error("pairing credential rejected by backend", "err", err)
	c.resetSession()
	c.transition(StateUnpaired)
}

// onNetworkDown classifies the outage: with money committed or an
// address pending the customer must see it immediately; otherwise the
// screen is deferred so a short blip never interrupts browsing.
func (c *Controller) onNetworkDown() {
	if c.netDown {
		return
	}
	c.netDown = true
	if c.metrics != nil {
		c.metrics.NetworkDowns.Inc()
	}

	if c.moneyCommitted() || c.state.inTx() {
		c.forceNetworkDown()
		return
	}

	seq := c.networkSeq.Add(1)
	delay := c.cfg.NetworkDownDelay
	time.AfterFunc(delay, func() {
		c.enqueue(event{kind: evNetworkDownDue, networkSeq: seq})
	})
}

func (c *Controller) moneyCommitted() bool {
	if !c.txActive {
		return false
	}
	if c.tx.Direction == tx.CashIn {
		return len(c.tx.Bills) > 0
	}
	return c.tx.ToAddress != ""
}

func (c *Controller) onNetworkDownDue(seq uint64) {
	if !c.netDown || seq != c.networkSeq.Load() {
		return // recovered, or superseded by a forced transition
	}
	c.forceNetworkDown()
}

func (c *Controller) forceNetworkDown() {
	c.networkSeq.Add(1)
	if c.txActive && c.tx.Direction == tx.CashIn && len(c.tx.Bills) > 0 {
		// committed bills must still be credited once the link is back
		c.finishCashIn()
	}
	c.transition(StateNetworkDown)
}

func (c *Controller) onNetworkUp() {
	if !c.netDown && c.resubmitted {
		return
	}
	wasDown := c.netDown
	c.netDown = false
	c.networkSeq.Add(1) // cancels a pending deferral

	if !c.resubmitted {
		c.resubmitted = true
		c.resubmitPending()
	}

	if wasDown && (c.state == StateNetworkDown || c.state == StateConnecting) {
		c.transition(StateChooseCoin)
	}
}

// resubmitPending replays dirty transactions recovered from the local
// log, once per process, on the first healthy connection.
func (c *Controller) resubmitPending() {
	ctx := c.runCtx
	now := c.now
	go func() {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
		defer cancel()
		count, err := c.store.Prune(ctx, func(ctx context.Context, rec tx.Record) error {
			return c.syncer.Resubmit(ctx, rec, now())
		})
		if count > 0 {
			c.logger.Info("resubmitted pending transactions", "count", count)
		}
		c.enqueue(event{kind: evResubmitDone, err: err})
	}()
}

func (c *Controller) handleHardware(ev hardware.Event) {
	switch ev.Kind {
	case hardware.EventError, hardware.EventDisconnected:
		c.onHardwareFault(ev)
	case hardware.EventBillsRead:
		c.billsRead(ev.Bills)
	case hardware.EventBillsValid:
		c.billsValid(ev.Bills)
	case hardware.EventBillsRejected:
		c.billsRejected(ev.Bills)
	case hardware.EventBillsAccepted:
		c.broadcastAction("acceptingBill", nil)
	case hardware.EventJam, hardware.EventActionRequired:
		c.logger.Error("device needs operator attention", "event", ev.Kind)
		c.broadcastAction("maintenance", map[string]any{"cause": string(ev.Kind)})
		c.transition(StateMaintenance)
	case hardware.EventStackerOpen:
		c.onStackerOpen()
	case hardware.EventStackerClosed:
		c.broadcastAction("stackerClosed", nil)
	case hardware.EventRemoveBills:
		c.broadcastAction("removeBills", nil)
	case hardware.EventLeftoverBills:
		c.broadcastAction("leftoverBillsInCashSlot", nil)
	case hardware.EventStandby, hardware.EventEnabled:
		c.logger.Debug("device event", "kind", ev.Kind)
	}
}

// onHardwareFault degrades the session instead of aborting it: inserted
// money stays credited, further inserts are refused.
func (c *Controller) onHardwareFault(ev hardware.Event) {
	c.logger.Error("hardware fault", "event", ev.Kind, "err", ev.Err)
	if c.metrics != nil {
		c.metrics.HardwareErrors.Inc()
	}
	c.hwFault = true
	if !c.sendOnly {
		c.sendOnly = true
		c.broadcastAction("sendOnly", map[string]any{"reason": "hardwareFault"})
	}
	if err := c.device.Disable(); err != nil {
		c.logger.Warn("disabling validator after fault failed", "err", err)
	}
}

func (c *Controller) onStackerOpen() {
	c.broadcastAction("cashboxRemoved", nil)
	ctx := c.runCtx
	go func() {
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := c.client.NotifyCashboxRemoval(ctx); err != nil {
			c.logger.Warn("cashbox removal notification failed", "err", err)
		}
	}()
}

func (c *Controller) onPostError(err error) {
	switch {
	case domainerrors.HasCode(err, domainerrors.CodeStaleVersion),
		domainerrors.HasCode(err, domainerrors.CodeRatchet):
		// server copy is authoritative; the next update starts from it
		c.logger.Warn("transaction post conflicted", "tx", c.tx.ID, "err", err)
	case domainerrors.HasCode(err, domainerrors.CodeTimeout):
		c.logger.Error("transaction post timed out", "tx", c.tx.ID, "err", err)
		c.applyTx(tx.Apply(c.tx, tx.Update{Timedout: boolPtr(true)}, c.now()))
	default:
		c.logger.Error("transaction post failed", "tx", c.tx.ID, "err", err)
	}
}

func boolPtr(b bool) *bool { return &b }
