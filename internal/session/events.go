package session

import (
	"teller/internal/compliance"
	"teller/internal/trader"
	"teller/internal/tx"
	"teller/pkg/money"
)

// event is one item on the controller's single event channel. Exactly one
// of its payload fields is meaningful, selected by kind. Every handler
// runs to completion on the loop goroutine before the next event is read.
type event struct {
	kind eventKind

	// ui
	button string
	data   map[string]string

	// timer
	timeoutSeq uint64

	// deferred network down
	networkSeq uint64

	// async op results; txID guards against stale completions
	txID     string
	rec      tx.Record
	customer compliance.Customer
	promo    trader.Promo
	err      error

	// dispense progress
	batch     int
	dispensed []int
	rejected  []int
}

type eventKind int

const (
	evUI eventKind = iota
	evScreenTimeout
	evNetworkDownDue
	evPostDone
	evAuthDone
	evPromoDone
	evDispenseStatus
	evDispenseBatch
	evDispenseDone
	evResubmitDone
)

// Broadcast is one UI update. The transport fans it out to every
// connected renderer.
type Broadcast struct {
	Action string         `json:"action"`
	State  string         `json:"state"`
	Tx     *RedactedTx    `json:"tx,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}

// RedactedTx is the transaction view safe to hand to the UI process:
// contact details are masked, internal bookkeeping dropped.
type RedactedTx struct {
	ID          string       `json:"id"`
	Direction   tx.Direction `json:"direction,omitempty"`
	Fiat        money.Amount `json:"fiat"`
	CryptoAtoms money.Amount `json:"cryptoAtoms"`
	CryptoCode  string       `json:"cryptoCode,omitempty"`
	FiatCode    string       `json:"fiatCode,omitempty"`
	ToAddress   string       `json:"toAddress,omitempty"`
	Phone       string       `json:"phone,omitempty"`
	Email       string       `json:"email,omitempty"`
	Status      tx.Status    `json:"status,omitempty"`
}

// Redact builds the UI-safe view of a record.
func Redact(rec tx.Record) *RedactedTx {
	return &RedactedTx{
		ID:          rec.ID,
		Direction:   rec.Direction,
		Fiat:        rec.Fiat,
		CryptoAtoms: rec.CryptoAtoms,
		CryptoCode:  rec.CryptoCode,
		FiatCode:    rec.FiatCode,
		ToAddress:   rec.ToAddress,
		Phone:       maskContact(rec.Phone),
		Email:       maskContact(rec.Email),
		Status:      rec.Status,
	}
}

// maskContact keeps just enough of a phone number or email for the
// customer to recognize it on screen.
func maskContact(v string) string {
	if len(v) <= 4 {
		return v
	}
	masked := make([]byte, len(v)-4)
	for i := range masked {
		if v[i] == '@' || v[i] == '.' || v[i] == '+' {
			masked[i] = v[i]
			continue
		}
		masked[i] = '*'
	}
	return string(masked) + v[len(v)-4:]
}

// UI receives controller broadcasts. Implementations must not block.
type UI interface {
	Broadcast(b Broadcast)
}

// UIFunc adapts a function to the UI interface.
type UIFunc func(Broadcast)

func (f UIFunc) Broadcast(b Broadcast) { f(b) }
