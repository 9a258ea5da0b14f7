package hardware

import (
	"context"
	"log/slog"
	"sync"

	"teller/internal/billflow"
	domainerrors "teller/pkg/domain-errors"
	"teller/pkg/money"
)

var defaultDenominations = []money.Amount{
	money.FromInt(5),
	money.FromInt(10),
	money.FromInt(20),
	money.FromInt(50),
	money.FromInt(100),
	money.FromInt(200),
	money.FromInt(500),
}

// Mock is an in-memory device for development boxes and tests. Bills are
// inserted with InsertBills and further signals injected with Emit; the
// device tracks escrow, enabled state and cassette counts the way a real
// validator/dispenser pair would.
type Mock struct {
	mu sync.Mutex

	logger *slog.Logger
	events chan Event

	denominations []money.Amount
	enabled       bool
	allowed       []money.Amount
	escrow        []money.Amount
	shutterOpen   bool

	units         []billflow.Unit
	dispenseLimit int
	dispenseErr   error

	billsRemoved chan struct{}
	closed       bool
}

var _ Device = (*Mock)(nil)

// MockOption configures a Mock.
type MockOption func(*Mock)

// WithDenominations overrides the readable bill set.
func WithDenominations(denominations []money.Amount) MockOption {
	return func(m *Mock) {
		m.denominations = append([]money.Amount(nil), denominations...)
	}
}

// WithDispenseLimit overrides the per-batch bill limit.
func WithDispenseLimit(limit int) MockOption {
	return func(m *Mock) {
		m.dispenseLimit = limit
	}
}

// NewMock builds a mock device with a sensible euro-like denomination set.
func NewMock(logger *slog.Logger, opts ...MockOption) *Mock {
	m := &Mock{
		logger:        logger.With("component", "hardware", "kind", KindMock),
		events:        make(chan Event, 16),
		denominations: defaultDenominations,
		dispenseLimit: 20,
		billsRemoved:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

func (m *Mock) Events() <-chan Event { return m.events }

func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.events)
	}
	return nil
}

func (m *Mock) Enable(denominations []money.Amount) error {
	m.mu.Lock()
	m.enabled = true
	m.allowed = append([]money.Amount(nil), denominations...)
	m.mu.Unlock()

	m.emit(Event{Kind: EventEnabled})
	return nil
}

func (m *Mock) Disable() error {
	m.mu.Lock()
	m.enabled = false
	m.mu.Unlock()
	return nil
}

func (m *Mock) Reenable() error {
	m.mu.Lock()
	m.enabled = true
	m.mu.Unlock()

	m.emit(Event{Kind: EventEnabled})
	return nil
}

func (m *Mock) Reject() error {
	m.mu.Lock()
	batch := m.escrow
	m.escrow = nil
	m.mu.Unlock()

	if len(batch) > 0 {
		m.emit(Event{Kind: EventBillsRejected, Bills: batch})
	}
	return nil
}

func (m *Mock) Stack() error {
	m.mu.Lock()
	batch := m.escrow
	m.escrow = nil
	m.mu.Unlock()

	if len(batch) == 0 {
		return domainerrors.New(domainerrors.CodeHardwareFault, "stack requested with empty escrow")
	}
	m.emit(Event{Kind: EventBillsAccepted, Bills: batch})
	m.emit(Event{Kind: EventBillsValid, Bills: batch})
	return nil
}

func (m *Mock) OpenShutter(open bool) error {
	m.mu.Lock()
	m.shutterOpen = open
	m.mu.Unlock()
	return nil
}

func (m *Mock) CashCount() error {
	m.mu.Lock()
	batch := append([]money.Amount(nil), m.escrow...)
	m.mu.Unlock()

	if len(batch) > 0 {
		m.emit(Event{Kind: EventBillsRead, Bills: batch})
	}
	return nil
}

func (m *Mock) Denominations() []money.Amount {
	return append([]money.Amount(nil), m.denominations...)
}

func (m *Mock) DispenseLimit() int { return m.dispenseLimit }

// InsertBills simulates a customer feeding a batch into the validator.
// Unreadable or disabled inserts bounce straight back as rejected.
func (m *Mock) InsertBills(bills ...money.Amount) {
	m.mu.Lock()
	accepted := m.enabled && m.readable(bills)
	if accepted {
		m.escrow = append([]money.Amount(nil), bills...)
	}
	m.mu.Unlock()

	if !accepted {
		m.emit(Event{Kind: EventBillsRejected, Bills: bills})
		return
	}
	m.emit(Event{Kind: EventBillsRead, Bills: bills})
}

func (m *Mock) readable(bills []money.Amount) bool {
	set := m.allowed
	if len(set) == 0 {
		set = m.denominations
	}
	for _, b := range bills {
		found := false
		for _, d := range set {
			if b.Eq(d) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (m *Mock) Init(_ context.Context, units []billflow.Unit) error {
	m.mu.Lock()
	m.units = append([]billflow.Unit(nil), units...)
	m.mu.Unlock()
	return nil
}

func (m *Mock) Dispense(_ context.Context, counts []int) (DispenseResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.dispenseErr != nil {
		return DispenseResult{}, m.dispenseErr
	}
	if len(counts) != len(m.units) {
		return DispenseResult{}, domainerrors.New(domainerrors.CodeHardwareFault, "dispense counts do not match cassette layout")
	}

	res := DispenseResult{
		Dispensed: make([]int, len(counts)),
		Rejected:  make([]int, len(counts)),
	}
	for i, n := range counts {
		if n <= m.units[i].Count {
			res.Dispensed[i] = n
			m.units[i].Count -= n
			continue
		}
		res.Dispensed[i] = m.units[i].Count
		res.Rejected[i] = n - m.units[i].Count
		m.units[i].Count = 0
	}
	return res, nil
}

// SetDispenseError makes every following Dispense call fail, simulating
// a jammed or faulted dispenser.
func (m *Mock) SetDispenseError(err error) {
	m.mu.Lock()
	m.dispenseErr = err
	m.mu.Unlock()
}

func (m *Mock) WaitForBillsRemoved(ctx context.Context) error {
	select {
	case <-m.billsRemoved:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RemoveBills simulates the customer emptying the cash slot.
func (m *Mock) RemoveBills() {
	select {
	case m.billsRemoved <- struct{}{}:
	default:
	}
}

// Emit injects an arbitrary device event, for exercising jam, stacker
// and disconnect handling.
func (m *Mock) Emit(ev Event) {
	m.emit(ev)
}

func (m *Mock) emit(ev Event) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return
	}
	select {
	case m.events <- ev:
	default:
		m.logger.Warn("dropping device event, consumer too slow", "kind", ev.Kind)
	}
}
