// Package trader talks to the remote backend: polling configuration,
// posting transactions and driving customer lookups. The controller
// depends on the Client interface only; the resty implementation lives
// behind it.
package trader

import (
	"time"

	"teller/internal/compliance"
	"teller/pkg/money"
)

// Coin is one tradeable crypto with its current rates and funding.
type Coin struct {
	CryptoCode  string       `json:"cryptoCode"`
	Display     string       `json:"display"`
	CashInRate  money.Amount `json:"cashIn"`
	CashOutRate money.Amount `json:"cashOut"`
	// Balance is the fiat-denominated funding available for cash-in.
	Balance   money.Amount `json:"balance"`
	MinimumTx money.Amount `json:"minimumTx"`
	ZeroConf  money.Amount `json:"zeroConfLimit"`
}

// Cassette is a cash-out unit as configured server-side. Virtual units
// carry a zero count and exist only so the layout matches the physical
// device.
type Cassette struct {
	Denomination money.Amount `json:"denomination"`
	Count        int          `json:"count"`
}

// Terms is the terms-and-conditions screen content, shown before a
// transaction when the operator enables it.
type Terms struct {
	Title      string `json:"title"`
	Text       string `json:"text"`
	AcceptText string `json:"accept"`
	CancelText string `json:"cancel"`
	Delay      bool   `json:"delay"`
}

// ReceiptOptions selects which receipt channels the operator offers.
type ReceiptOptions struct {
	Paper bool `json:"paper"`
	SMS   bool `json:"sms"`
	Print bool `json:"automaticPrint"`
}

// MachineAction is an operator command delivered through polling.
type MachineAction string

const (
	ActionReboot          MachineAction = "reboot"
	ActionShutdown        MachineAction = "shutdown"
	ActionRestartServices MachineAction = "restartServices"
	ActionEmptyUnit       MachineAction = "emptyUnit"
	ActionRefillUnit      MachineAction = "refillUnit"
	ActionDiagnostics     MachineAction = "diagnostics"
)

// AuthMode selects how a customer identifies before compliance tiers run.
type AuthMode string

const (
	AuthPhone AuthMode = "SMS"
	AuthEmail AuthMode = "EMAIL"
)

// PollResult is one backend configuration snapshot.
type PollResult struct {
	FiatCode string `json:"fiatCode"`
	Locale   string `json:"locale"`

	Coins []Coin `json:"coins"`

	Triggers   []compliance.Trigger             `json:"triggers"`
	Automation map[string]compliance.Automation `json:"triggersAutomation"`

	CashOutEnabled bool       `json:"twoWayMode"`
	Cassettes      []Cassette `json:"cassettes"`
	Recyclers      []Cassette `json:"recyclers"`

	AuthMode AuthMode        `json:"customerAuthentication"`
	Terms    *Terms          `json:"terms,omitempty"`
	Receipt  ReceiptOptions  `json:"receiptOptions"`
	Actions  []MachineAction `json:"machineActions"`

	// Version increments whenever operator config changes; the
	// controller requests a fresh snapshot when entering idle.
	Version int64 `json:"version"`
}

// Coin returns the configured coin for a crypto code.
func (p PollResult) Coin(cryptoCode string) (Coin, bool) {
	for _, c := range p.Coins {
		if c.CryptoCode == cryptoCode {
			return c, true
		}
	}
	return Coin{}, false
}

// CustomerPatch is a partial customer update.
type CustomerPatch struct {
	Phone         *string `json:"phone,omitempty"`
	Email         *string `json:"email,omitempty"`
	TermsAccepted *bool   `json:"termsAccepted,omitempty"`
	// Data marks per-requirement payloads delivered out of band
	// (scans, photos) as present.
	Data map[string]bool `json:"data,omitempty"`
	TxID string          `json:"txId,omitempty"`
}

// Promo is a verified promo code with its discount.
type Promo struct {
	Code            string `json:"code"`
	DiscountPercent int    `json:"discount"`
}

// UnsuspendIn returns how long until the customer is clear again.
func UnsuspendIn(c compliance.Customer, now time.Time) time.Duration {
	if !c.Suspended(now) {
		return 0
	}
	return c.SuspendedUntil.Sub(now)
}
