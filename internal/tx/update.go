package tx

import (
	"time"

	"teller/pkg/money"
)

// Update is a patch applied to a record. Nil fields leave the record
// untouched; set fields replace the current value.
type Update struct {
	Direction   *Direction
	Fiat        *money.Amount
	CryptoAtoms *money.Amount
	CryptoCode  *string
	FiatCode    *string
	ToAddress   *string

	CustomerID    *string
	Phone         *string
	Email         *string
	TermsAccepted *bool
	PromoCode     *string

	MinimumTx *money.Amount

	Status            *Status
	DispenseStarted   *bool
	DispenseConfirmed *bool
	Send              *bool
	SendConfirmed     *bool
	Timedout          *bool
	ErrorMessage      *string

	Units []UnitRecord

	Dirty *bool
}

func ptr[T any](v T) *T { return &v }

// Apply returns a copy of r with the patch applied and the version bumped.
func Apply(r Record, u Update, now time.Time) Record {
	next := r
	next.Bills = append([]Bill(nil), r.Bills...)
	next.Units = append([]UnitRecord(nil), r.Units...)

	if u.Direction != nil {
		next.Direction = *u.Direction
	}
	if u.Fiat != nil {
		next.Fiat = *u.Fiat
	}
	if u.CryptoAtoms != nil {
		next.CryptoAtoms = *u.CryptoAtoms
	}
	if u.CryptoCode != nil {
		next.CryptoCode = *u.CryptoCode
	}
	if u.FiatCode != nil {
		next.FiatCode = *u.FiatCode
	}
	if u.ToAddress != nil {
		next.ToAddress = *u.ToAddress
	}
	if u.CustomerID != nil {
		next.CustomerID = *u.CustomerID
	}
	if u.Phone != nil {
		next.Phone = *u.Phone
	}
	if u.Email != nil {
		next.Email = *u.Email
	}
	if u.TermsAccepted != nil {
		next.TermsAccepted = *u.TermsAccepted
	}
	if u.PromoCode != nil {
		next.PromoCode = *u.PromoCode
	}
	if u.MinimumTx != nil {
		next.MinimumTx = *u.MinimumTx
	}
	if u.Status != nil {
		next.Status = *u.Status
	}
	if u.DispenseStarted != nil {
		next.DispenseStarted = *u.DispenseStarted
	}
	if u.DispenseConfirmed != nil {
		next.DispenseConfirmed = *u.DispenseConfirmed
	}
	if u.Send != nil {
		next.Send = *u.Send
	}
	if u.SendConfirmed != nil {
		next.SendConfirmed = *u.SendConfirmed
	}
	if u.Timedout != nil {
		next.Timedout = *u.Timedout
	}
	if u.ErrorMessage != nil {
		next.ErrorMessage = *u.ErrorMessage
	}
	if u.Units != nil {
		next.Units = append([]UnitRecord(nil), u.Units...)
	}
	if u.Dirty != nil {
		next.Dirty = *u.Dirty
	}

	next.Version = r.Version + 1
	next.DeviceTime = now
	return next
}

// WithBills returns a copy of r with an accepted bill batch appended to
// the ledger and the fiat/crypto totals increased by exactly the batch
// value. A batch is appended whole or not at all.
func WithBills(r Record, bills []Bill, now time.Time) Record {
	fiat := r.Fiat
	atoms := r.CryptoAtoms
	for _, b := range bills {
		fiat = fiat.Add(b.Fiat)
		atoms = atoms.Add(b.CryptoAtoms)
	}

	next := Apply(r, Update{Fiat: ptr(fiat), CryptoAtoms: ptr(atoms)}, now)
	next.Bills = append(next.Bills, bills...)
	return next
}

// MergeDispense folds per-unit dispensed/rejected counts reported by the
// hardware into the unit records.
func MergeDispense(units []UnitRecord, dispensed, rejected []int) []UnitRecord {
	merged := append([]UnitRecord(nil), units...)
	for i := range merged {
		if i < len(dispensed) {
			merged[i].Dispensed += dispensed[i]
		}
		if i < len(rejected) {
			merged[i].Rejected += rejected[i]
		}
	}
	return merged
}
