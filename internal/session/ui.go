package session

import (
	"context"
	"time"

	"teller/internal/tx"
	"teller/pkg/money"
)

// dispatchUI routes one button press. Unknown buttons are ignored with a
// log line rather than erroring: the UI and controller versions may skew
// during an update window.
func (c *Controller) dispatchUI(button string, data map[string]string) {
	handler, ok := c.uiHandlers()[button]
	if !ok {
		c.logger.Warn("ignoring unknown ui button", "button", button)
		return
	}
	handler(data)
}

func (c *Controller) uiHandlers() map[string]func(map[string]string) {
	return map[string]func(map[string]string){
		"start":             func(map[string]string) { c.onStart() },
		"chooseCoin":        c.onChooseCoin,
		"scanAddress":       func(data map[string]string) { c.onAddressScanned(data["address"]) },
		"cancelScan":        func(map[string]string) { c.cancelFlow() },
		"sendCoins":         func(map[string]string) { c.finishCashIn() },
		"finishBeforeSms":   func(map[string]string) { c.finishCashIn() },
		"cancelTransaction": func(map[string]string) { c.cancelFlow() },

		"fiatButton":       func(data map[string]string) { c.onFiatButton(data["denomination"]) },
		"clearFiat":        func(map[string]string) { c.clearFiat() },
		"chooseFiatCancel": func(map[string]string) { c.cancelFlow() },
		"cashOut":          func(map[string]string) { c.commitCashOut() },
		"depositTimeout":   func(map[string]string) { c.endSession("depositTimeout") },
		"depositCancel":    func(map[string]string) { c.cancelFlow() },
		"redeem":           func(map[string]string) { c.onRedeem() },

		"phoneNumber":      func(data map[string]string) { c.onPhoneNumber(data["phone"]) },
		"email":            func(data map[string]string) { c.onEmail(data["email"]) },
		"cancelPhoneEntry": func(map[string]string) { c.cancelAuthEntry() },
		"cancelEmailEntry": func(map[string]string) { c.cancelAuthEntry() },

		"permissionIdCompliance":    func(map[string]string) { c.onPermission(true) },
		"permissionPhotoCompliance": func(map[string]string) { c.onPermission(true) },
		"permissionSsnCompliance":   func(map[string]string) { c.onPermission(true) },
		"permissionExternal":        func(map[string]string) { c.onPermission(true) },
		"permissionCustomInfo":      func(map[string]string) { c.onPermission(true) },
		"refusePermission":          func(map[string]string) { c.onPermission(false) },
		"blockedCustomerOk":         func(map[string]string) { c.endSession("blocked") },

		"termsAccepted": func(map[string]string) { c.onTermsAccepted() },
		"termsRejected": func(map[string]string) { c.endSession("termsRejected") },

		"insertPromoCode": func(map[string]string) { c.onInsertPromo() },
		"submitPromoCode": func(data map[string]string) { c.onSubmitPromo(data["code"]) },
		"cancelPromoCode": func(map[string]string) { c.onCancelPromo() },

		"continueTransaction": func(map[string]string) { c.onAreYouSureContinue() },
		"finishTransaction":   func(map[string]string) { c.onAreYouSureFinish() },

		"printReceipt":   func(map[string]string) { c.onPrintReceipt() },
		"sendSmsReceipt": func(map[string]string) { c.onSendSmsReceipt() },

		"completed":            func(map[string]string) { c.transition(StateChooseCoin) },
		"idle":                 func(map[string]string) { c.transition(StateChooseCoin) },
		"bye":                  func(map[string]string) { c.transition(StateChooseCoin) },
		"maintenanceRestart":   func(map[string]string) { c.onMaintenanceRestart() },
		"leftoverBillsRemoved": func(map[string]string) { c.broadcastAction("leftoverBillsRemoved", nil) },
	}
}

func (c *Controller) onStart() {
	if c.state != StateChooseCoin && c.state != StateStart {
		return
	}
	c.beginSession()
}

func (c *Controller) onChooseCoin(data map[string]string) {
	if !c.haveCfg {
		c.timedState(StateConnecting)
		return
	}

	dir := tx.CashIn
	if data["direction"] == string(tx.CashOut) {
		if !c.pollCfg.CashOutEnabled {
			c.broadcastAction("fiatError", nil)
			return
		}
		dir = tx.CashOut
	}
	if dir == tx.CashIn {
		if coin, ok := c.pollCfg.Coin(data["cryptoCode"]); ok && coin.Balance.LT(coin.MinimumTx) {
			c.timedState(StateBalanceLow)
			return
		}
	}
	if !c.newTx(data["cryptoCode"], dir) {
		return
	}

	if dir == tx.CashOut {
		c.startCashOut()
		return
	}
	c.timedState(StateScanAddress)
}

func (c *Controller) onFiatButton(raw string) {
	amount, err := money.Parse(raw)
	if err != nil {
		c.logger.Warn("unparseable fiat button", "value", raw)
		return
	}
	c.addFiat(amount)
}

// cancelFlow is the idempotent cancel: with money committed the customer
// confirms first, otherwise the session just ends.
func (c *Controller) cancelFlow() {
	if !c.txActive {
		c.transition(StateChooseCoin)
		return
	}
	if c.moneyCommitted() && c.state != StateAreYouSure {
		c.returnState = c.state
		c.timedState(StateAreYouSure)
		return
	}
	c.abandonSession("cancelled")
}

func (c *Controller) onAreYouSureContinue() {
	if c.state != StateAreYouSure {
		return
	}
	c.resumeReturnState(true)
}

func (c *Controller) onAreYouSureFinish() {
	if c.state != StateAreYouSure {
		return
	}
	c.returnState = ""
	c.abandonSession("cancelled")
}

func (c *Controller) onPhoneNumber(phone string) {
	if c.state != StateSMSVerification || phone == "" {
		return
	}
	c.broadcastAction("authPending", nil)
	c.startPhoneAuth(phone)
}

func (c *Controller) onEmail(email string) {
	if c.state != StateEmailVerification || email == "" {
		return
	}
	c.broadcastAction("authPending", nil)
	c.startEmailAuth(email)
}

// cancelAuthEntry backs out of the auth screen. Committed money is never
// held hostage by a cancelled verification.
func (c *Controller) cancelAuthEntry() {
	if c.state != StateSMSVerification && c.state != StateEmailVerification {
		return
	}
	if c.txActive && c.tx.Direction == tx.CashIn && len(c.tx.Bills) > 0 {
		c.finishCashIn()
		return
	}
	c.endSession("authCancelled")
}

func (c *Controller) onPermission(granted bool) {
	tier, ok := c.currentTier()
	if !ok {
		c.resumeAfterAuth()
		return
	}
	if granted {
		c.broadcastAction("scanWait", map[string]any{"tier": tier.Key()})
		c.grantPermission(tier)
		return
	}
	c.refusePermission(tier)
}

func (c *Controller) onTermsAccepted() {
	if c.state != StateTermsScreen {
		return
	}
	c.timedState(StateChooseCoin)
}

func (c *Controller) onInsertPromo() {
	if !c.txActive {
		return
	}
	c.returnState = c.state
	c.timedState(StateInsertPromo)
}

func (c *Controller) onSubmitPromo(code string) {
	if c.state != StateInsertPromo || code == "" {
		return
	}
	txID := c.tx.ID
	rec := c.tx
	ctx := c.runCtx
	go func() {
		ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		promo, err := c.client.VerifyPromoCode(ctx, code, rec)
		c.enqueue(event{kind: evPromoDone, txID: txID, promo: promo, err: err})
	}()
}

func (c *Controller) onPromoDone(ev event) {
	if !c.txActive || ev.txID != c.tx.ID {
		return
	}
	if ev.err != nil {
		c.broadcastAction("promoError", nil)
		return
	}
	promo := ev.promo
	c.promo = &promo
	c.update(tx.Update{PromoCode: &promo.Code})
	c.broadcastAction("promoApplied", map[string]any{
		"code":     promo.Code,
		"discount": promo.DiscountPercent,
	})
	c.resumeReturnState(true)
}

func (c *Controller) onCancelPromo() {
	if c.state != StateInsertPromo {
		return
	}
	c.resumeReturnState(true)
}

func (c *Controller) onRedeem() {
	if c.state != StateRedeemLater {
		return
	}
	c.update(tx.Update{Timedout: boolPtr(false)})
	c.endSession("redeemLater")
}

func (c *Controller) onPrintReceipt() {
	if !c.haveCfg || !c.pollCfg.Receipt.Paper {
		return
	}
	c.broadcastAction("printReceipt", nil)
}

func (c *Controller) onSendSmsReceipt() {
	if !c.haveCfg || !c.pollCfg.Receipt.SMS || !c.txActive || c.tx.Phone == "" {
		return
	}
	c.broadcastAction("smsReceipt", map[string]any{"phone": maskContact(c.tx.Phone)})
}

// onMaintenanceRestart is the operator's way out of the terminal state.
// It is the one transition allowed to leave maintenance.
func (c *Controller) onMaintenanceRestart() {
	if c.state != StateMaintenance {
		return
	}
	c.state = StateStart
	c.stateView.Store(StateStart)
	c.hwFault = false
	c.resetSession()
	c.transition(StateConnecting)
	if c.poller != nil {
		c.poller.Trigger()
	}
}
