// Package tx defines the transaction record exchanged between the session
// controller, the local log and the backend. Records are value objects:
// every change produces a replacement with a bumped version, the previous
// copy is never mutated in place.
package tx

import (
	"time"

	"github.com/google/uuid"

	"teller/pkg/money"
)

// Direction tells whether the customer is inserting cash or withdrawing it.
type Direction string

const (
	CashIn  Direction = "cashIn"
	CashOut Direction = "cashOut"
)

// Status is the backend-owned lifecycle stage of a cash-out transaction.
type Status string

const (
	StatusNone       Status = ""
	StatusPublished  Status = "published"
	StatusAuthorized Status = "authorized"
	StatusInstant    Status = "instant"
	StatusConfirmed  Status = "confirmed"
	StatusRejected   Status = "rejected"
)

// Bill is one accepted or rejected note in the cash-in ledger.
type Bill struct {
	Denomination    money.Amount `json:"denomination"`
	Fiat            money.Amount `json:"fiat"`
	CryptoAtoms     money.Amount `json:"cryptoAtoms"`
	DestinationUnit string       `json:"destinationUnit"`
	Accepted        bool         `json:"accepted"`
}

// UnitRecord tracks one cash unit's part of a cash-out: how many notes
// were provisioned for it and how many the hardware actually dispensed
// or rejected.
type UnitRecord struct {
	Denomination money.Amount `json:"denomination"`
	Provisioned  int          `json:"provisioned"`
	Dispensed    int          `json:"dispensed"`
	Rejected     int          `json:"rejected"`
}

// Record is one customer transaction. Exactly one record is current at a
// time; the session controller owns it exclusively.
type Record struct {
	ID          string       `json:"id"`
	Direction   Direction    `json:"direction,omitempty"`
	Fiat        money.Amount `json:"fiat"`
	CryptoAtoms money.Amount `json:"cryptoAtoms"`
	CryptoCode  string       `json:"cryptoCode,omitempty"`
	FiatCode    string       `json:"fiatCode,omitempty"`
	ToAddress   string       `json:"toAddress,omitempty"`

	Bills []Bill       `json:"bills,omitempty"`
	Units []UnitRecord `json:"units,omitempty"`

	CustomerID    string `json:"customerId,omitempty"`
	Phone         string `json:"phone,omitempty"`
	Email         string `json:"email,omitempty"`
	TermsAccepted bool   `json:"termsAccepted,omitempty"`
	PromoCode     string `json:"promoCode,omitempty"`

	MinimumTx money.Amount `json:"minimumTx"`

	Status            Status `json:"status,omitempty"`
	DispenseStarted   bool   `json:"dispense,omitempty"`
	DispenseConfirmed bool   `json:"dispenseConfirmed,omitempty"`
	Send              bool   `json:"send,omitempty"`
	SendConfirmed     bool   `json:"sendConfirmed,omitempty"`
	Timedout          bool   `json:"timedout,omitempty"`
	ErrorMessage      string `json:"error,omitempty"`

	// Version increases monotonically with every local update. The backend
	// rejects posts carrying a version older than the one it holds.
	Version int `json:"txVersion"`

	// Dirty marks a record that has not been finalized with the backend.
	// Dirty records found in the local log at startup are resubmitted.
	Dirty bool `json:"dirty"`

	DeviceTime time.Time `json:"deviceTime"`
	CreatedAt  time.Time `json:"created"`
}

// New creates a fresh empty record for the next customer session.
func New(now time.Time) Record {
	return Record{
		ID:         uuid.NewString(),
		Version:    1,
		Dirty:      true,
		DeviceTime: now,
		CreatedAt:  now,
	}
}

// Finalized reports whether the record reached a terminal agreement with
// the backend and can be discarded from local storage.
func (r Record) Finalized() bool {
	return !r.Dirty
}

// BillsFiat sums the fiat value of a batch of bills.
func BillsFiat(bills []Bill) money.Amount {
	total := money.Zero()
	for _, b := range bills {
		total = total.Add(b.Fiat)
	}
	return total
}

// AcceptedFiat sums the fiat value of the accepted bills in the ledger.
func (r Record) AcceptedFiat() money.Amount {
	total := money.Zero()
	for _, b := range r.Bills {
		if b.Accepted {
			total = total.Add(b.Fiat)
		}
	}
	return total
}

// DispensedFiat sums denomination × dispensed across all units.
func (r Record) DispensedFiat() money.Amount {
	total := money.Zero()
	for _, u := range r.Units {
		total = total.Add(u.Denomination.MulInt(int64(u.Dispensed)))
	}
	return total
}
