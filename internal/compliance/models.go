// Package compliance evaluates which verification steps a transaction
// legally requires. The package is a pure function layer: callers pass
// trigger rules, customer history and a candidate transaction, and get
// derived values back. Nothing here retains state across calls.
package compliance

import (
	"time"

	"teller/internal/tx"
	"teller/pkg/money"
)

// Kind enumerates the fixed verification requirements. Custom information
// requests are the one open-ended variant and carry their request id.
type Kind string

const (
	KindSMS         Kind = "sms"
	KindEmail       Kind = "email"
	KindIDCardData  Kind = "idCardData"
	KindIDCardPhoto Kind = "idCardPhoto"
	KindFacephoto   Kind = "facephoto"
	KindUSSSN       Kind = "usSsn"
	KindSanctions   Kind = "sanctions"
	KindExternal    Kind = "external"
	KindSuspend     Kind = "suspend"
	KindBlock       Kind = "block"
	KindCustom      Kind = "custom"
)

// Requirement is a tagged variant: a fixed kind, or a custom information
// request identified by its id. The variant is decided when triggers are
// loaded, never inferred from the shape of a string at use time.
type Requirement struct {
	Kind     Kind   `json:"kind"`
	CustomID string `json:"customId,omitempty"`
}

// Fixed builds a requirement for one of the fixed kinds.
func Fixed(k Kind) Requirement {
	return Requirement{Kind: k}
}

// Custom builds a requirement for a custom information request.
func Custom(id string) Requirement {
	return Requirement{Kind: KindCustom, CustomID: id}
}

// Key returns the identity used for deduplication, automation lookup and
// threshold bookkeeping: the kind name, or the request id for customs.
func (r Requirement) Key() string {
	if r.Kind == KindCustom {
		return r.CustomID
	}
	return string(r.Kind)
}

// TriggerType enumerates the conditions a rule can fire on.
type TriggerType string

const (
	TriggerTxAmount        TriggerType = "txAmount"
	TriggerTxVolume        TriggerType = "txVolume"
	TriggerTxVelocity      TriggerType = "txVelocity"
	TriggerConsecutiveDays TriggerType = "consecutiveDays"
)

// Direction filters which transaction directions a rule applies to.
type Direction string

const (
	DirectionCashIn  Direction = "cashIn"
	DirectionCashOut Direction = "cashOut"
	DirectionBoth    Direction = "both"
)

// Matches reports whether the rule direction applies to a transaction
// direction.
func (d Direction) Matches(txDir tx.Direction) bool {
	return d == DirectionBoth || string(d) == string(txDir)
}

// Trigger is one configured compliance rule. Triggers are loaded from the
// backend configuration and never mutated afterwards.
type Trigger struct {
	ID              string       `json:"id"`
	Direction       Direction    `json:"direction"`
	Requirement     Requirement  `json:"requirement"`
	TriggerType     TriggerType  `json:"triggerType"`
	Threshold       money.Amount `json:"threshold"`
	ThresholdDays   int          `json:"thresholdDays,omitempty"`
	ExternalService string       `json:"externalService,omitempty"`
	SuspensionDays  int          `json:"suspensionDays,omitempty"`
}

// Automation tells whether a requirement is resolved automatically by the
// backend or needs operator review.
type Automation string

const (
	AutomationAutomatic Automation = "Automatic"
	AutomationManual    Automation = "Manual"
)

// OverrideStatus is an operator decision attached to a customer's
// requirement data.
type OverrideStatus string

const (
	OverrideNone     OverrideStatus = ""
	OverrideVerified OverrideStatus = "verified"
	OverrideBlocked  OverrideStatus = "blocked"
)

// ExternalAnswer is the verdict of an external compliance service.
type ExternalAnswer string

const (
	ExternalApproved ExternalAnswer = "APPROVED"
	ExternalRejected ExternalAnswer = "REJECTED"
	ExternalPending  ExternalAnswer = "PENDING"
	ExternalRetry    ExternalAnswer = "RETRY"
)

// CustomEntry is a customer's response to a custom information request.
type CustomEntry struct {
	Override OverrideStatus `json:"override,omitempty"`
	HasData  bool           `json:"hasData"`
}

// Customer is the read-through cached copy of a backend customer record,
// held only for the duration of the active session.
type Customer struct {
	ID             string    `json:"id"`
	SanctionsClear bool      `json:"sanctions"`
	SuspendedUntil time.Time `json:"suspendedUntil,omitzero"`

	// Overrides and Data are keyed by requirement key. Data reports
	// whether the customer already submitted something for the
	// requirement, pending or approved.
	Overrides map[string]OverrideStatus `json:"overrides,omitempty"`
	Data      map[string]bool           `json:"data,omitempty"`

	CustomData map[string]CustomEntry    `json:"customFields,omitempty"`
	External   map[string]ExternalAnswer `json:"externalCompliance,omitempty"`

	History  []HistoryEntry `json:"history,omitempty"`
	Discount int            `json:"discount,omitempty"`
}

// Suspended reports whether the customer is under an active suspension.
func (c Customer) Suspended(now time.Time) bool {
	return !c.SuspendedUntil.IsZero() && now.Before(c.SuspendedUntil)
}

// HistoryEntry is one past transaction used by volume, velocity and
// consecutive-day rules.
type HistoryEntry struct {
	Fiat      money.Amount `json:"fiat"`
	CreatedAt time.Time    `json:"created"`
}

// Candidate is the prospective transaction a rule set is evaluated
// against.
type Candidate struct {
	Fiat      money.Amount
	Direction tx.Direction
}
