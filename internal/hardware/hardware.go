// Package hardware abstracts the cash devices behind capability
// interfaces. Real device drivers live outside this repository; the
// controller only ever sees these interfaces and the event stream.
package hardware

import (
	"context"
	"fmt"
	"log/slog"

	"teller/internal/billflow"
	domainerrors "teller/pkg/domain-errors"
	"teller/pkg/money"
)

// EventKind names an inbound device event. The set is closed: drivers
// map their native signals onto these kinds, the controller switches
// exhaustively over them.
type EventKind string

const (
	EventError          EventKind = "error"
	EventDisconnected   EventKind = "disconnected"
	EventBillsAccepted  EventKind = "billsAccepted"
	EventBillsRead      EventKind = "billsRead"
	EventBillsValid     EventKind = "billsValid"
	EventBillsRejected  EventKind = "billsRejected"
	EventStandby        EventKind = "standby"
	EventJam            EventKind = "jam"
	EventStackerOpen    EventKind = "stackerOpen"
	EventStackerClosed  EventKind = "stackerClosed"
	EventActionRequired EventKind = "actionRequiredMaintenance"
	EventEnabled        EventKind = "enabled"
	EventRemoveBills    EventKind = "cashSlotRemoveBills"
	EventLeftoverBills  EventKind = "leftoverBillsInCashSlot"
)

// Event is one inbound device notification. Bills carries the batch the
// event refers to (read into escrow, stacked, or returned); Err is set
// only for EventError.
type Event struct {
	Kind  EventKind
	Bills []money.Amount
	Err   error
}

// Validator is the bill acceptance device. Bills pause in escrow after
// a read; the controller decides Stack or Reject per batch.
type Validator interface {
	// Enable starts accepting the given denominations.
	Enable(denominations []money.Amount) error
	Disable() error
	// Reenable resumes acceptance with the last enabled denomination set.
	Reenable() error
	// Reject returns the escrowed batch to the customer.
	Reject() error
	// Stack commits the escrowed batch to the cashbox.
	Stack() error
	OpenShutter(open bool) error
	// CashCount asks the device to re-report any bills held in escrow.
	CashCount() error
	// Denominations lists every bill value the device can read.
	Denominations() []money.Amount
}

// DispenseResult is the per-batch outcome reported by the dispenser,
// counted per cassette in cassette order.
type DispenseResult struct {
	Dispensed []int
	Rejected  []int
}

// Dispenser is the cash-out device.
type Dispenser interface {
	// Init tells the device its cassette layout and counts.
	Init(ctx context.Context, units []billflow.Unit) error
	// Dispense moves one batch (counts per cassette) to the cash slot.
	Dispense(ctx context.Context, counts []int) (DispenseResult, error)
	// WaitForBillsRemoved blocks until the customer empties the cash slot.
	WaitForBillsRemoved(ctx context.Context) error
	// DispenseLimit is the most bills one batch may carry.
	DispenseLimit() int
}

// Device is a full cash machine: validator, dispenser and the event
// stream they share.
type Device interface {
	Validator
	Dispenser
	Events() <-chan Event
	Close() error
}

// Kind selects a device implementation at startup.
type Kind string

const (
	KindMock Kind = "mock"
)

// New builds the configured device. An unknown kind is a configuration
// error, not a runtime fallback.
func New(kind Kind, logger *slog.Logger) (Device, error) {
	switch kind {
	case KindMock:
		return NewMock(logger), nil
	default:
		return nil, domainerrors.New(domainerrors.CodeConfig, fmt.Sprintf("unknown hardware kind %q", kind))
	}
}
