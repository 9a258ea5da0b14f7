package session

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"teller/internal/billflow"
	"teller/internal/compliance"
	"teller/internal/hardware"
	"teller/internal/session/tracer"
	"teller/internal/trader"
	"teller/internal/tx"
	"teller/internal/txlog"
	domainerrors "teller/pkg/domain-errors"
	"teller/pkg/money"
)

// recordingTracer captures spans so tests can check what the controller
// traces.
type recordingTracer struct {
	mu    sync.Mutex
	spans []*recordedSpan
}

type recordedSpan struct {
	mu    *sync.Mutex
	name  string
	attrs []tracer.Attribute
	ended bool
}

func (t *recordingTracer) Start(ctx context.Context, name string, attrs ...tracer.Attribute) (context.Context, tracer.Span) {
	t.mu.Lock()
	defer t.mu.Unlock()
	span := &recordedSpan{mu: &t.mu, name: name, attrs: append([]tracer.Attribute(nil), attrs...)}
	t.spans = append(t.spans, span)
	return ctx, span
}

func (t *recordingTracer) named(name string) *recordedSpan {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, span := range t.spans {
		if span.name == name {
			return span
		}
	}
	return nil
}

func (s *recordedSpan) End(error) {
	s.mu.Lock()
	s.ended = true
	s.mu.Unlock()
}

func (s *recordedSpan) SetAttributes(attrs ...tracer.Attribute) {
	s.mu.Lock()
	s.attrs = append(s.attrs, attrs...)
	s.mu.Unlock()
}

func (s *recordedSpan) AddEvent(string, ...tracer.Attribute) {}

func (s *recordedSpan) attr(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.attrs {
		if a.Key == key {
			return a.Value, true
		}
	}
	return nil, false
}

func (s *recordedSpan) done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

type fakeDevice struct {
	mu        sync.Mutex
	denoms    []money.Amount
	enables   int
	disables  int
	reenables int
	rejects   int
	stacks    int
	enableErr error
	stackErr  error
	dispense  func(counts []int) (hardware.DispenseResult, error)
	limit     int
	events    chan hardware.Event
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		denoms: []money.Amount{
			money.FromInt(5), money.FromInt(10), money.FromInt(20),
			money.FromInt(50), money.FromInt(100),
		},
		limit:  20,
		events: make(chan hardware.Event, 8),
	}
}

func (d *fakeDevice) Enable([]money.Amount) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enables++
	return d.enableErr
}

func (d *fakeDevice) Disable() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disables++
	return nil
}

func (d *fakeDevice) Reenable() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reenables++
	return nil
}

func (d *fakeDevice) Reject() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rejects++
	return nil
}

func (d *fakeDevice) Stack() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stacks++
	return d.stackErr
}

func (d *fakeDevice) OpenShutter(bool) error { return nil }
func (d *fakeDevice) CashCount() error       { return nil }

func (d *fakeDevice) Denominations() []money.Amount { return d.denoms }

func (d *fakeDevice) Init(context.Context, []billflow.Unit) error { return nil }

func (d *fakeDevice) Dispense(_ context.Context, counts []int) (hardware.DispenseResult, error) {
	d.mu.Lock()
	fn := d.dispense
	d.mu.Unlock()
	if fn != nil {
		return fn(counts)
	}
	return hardware.DispenseResult{
		Dispensed: append([]int(nil), counts...),
		Rejected:  make([]int, len(counts)),
	}, nil
}

func (d *fakeDevice) WaitForBillsRemoved(context.Context) error { return nil }
func (d *fakeDevice) DispenseLimit() int                        { return d.limit }
func (d *fakeDevice) Events() <-chan hardware.Event             { return d.events }
func (d *fakeDevice) Close() error                              { return nil }

type dispenseStep struct {
	rec     tx.Record
	changed bool
	err     error
}

type fakeClient struct {
	mu          sync.Mutex
	posts       []tx.Record
	postErr     error
	customer    compliance.Customer
	customerErr error
	patched     compliance.Customer
	promo       trader.Promo
	promoErr    error
	dispenseSeq []dispenseStep
	notifies    int
	states      []string
}

func (f *fakeClient) Poll(context.Context) (trader.PollResult, error) {
	return trader.PollResult{}, nil
}

func (f *fakeClient) PostTx(_ context.Context, rec tx.Record) (tx.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.postErr != nil {
		return tx.Record{}, f.postErr
	}
	f.posts = append(f.posts, rec)
	return rec, nil
}

func (f *fakeClient) PhoneCode(context.Context, string) (compliance.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.customer, f.customerErr
}

func (f *fakeClient) EmailCode(context.Context, string) (compliance.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.customer, f.customerErr
}

func (f *fakeClient) UpdateCustomer(context.Context, string, trader.CustomerPatch) (compliance.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.patched, nil
}

func (f *fakeClient) VerifyPromoCode(context.Context, string, tx.Record) (trader.Promo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.promo, f.promoErr
}

func (f *fakeClient) NotifyCashboxRemoval(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifies++
	return nil
}

func (f *fakeClient) WaitForDispense(ctx context.Context, _ string, _ tx.Status) (tx.Record, bool, error) {
	f.mu.Lock()
	if len(f.dispenseSeq) > 0 {
		step := f.dispenseSeq[0]
		f.dispenseSeq = f.dispenseSeq[1:]
		f.mu.Unlock()
		return step.rec, step.changed, step.err
	}
	f.mu.Unlock()
	<-ctx.Done()
	return tx.Record{}, false, ctx.Err()
}

func (f *fakeClient) StateChange(_ context.Context, state string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, state)
	return nil
}

func (f *fakeClient) postCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.posts)
}

func (f *fakeClient) notifyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.notifies
}

type uiRecorder struct {
	mu    sync.Mutex
	casts []Broadcast
}

func (u *uiRecorder) Broadcast(b Broadcast) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.casts = append(u.casts, b)
}

func (u *uiRecorder) actions() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]string, len(u.casts))
	for i, b := range u.casts {
		out[i] = b.Action
	}
	return out
}

func (u *uiRecorder) saw(action string) bool {
	for _, a := range u.actions() {
		if a == action {
			return true
		}
	}
	return false
}

type ControllerSuite struct {
	suite.Suite

	ctrl   *Controller
	device *fakeDevice
	client *fakeClient
	ui     *uiRecorder
	cancel context.CancelFunc
}

func TestControllerSuite(t *testing.T) {
	suite.Run(t, new(ControllerSuite))
}

func (s *ControllerSuite) SetupTest() {
	s.build(Config{
		Paired:           true,
		ScreenTimeout:    time.Minute,
		NetworkDownDelay: time.Minute,
	})
}

func (s *ControllerSuite) TearDownTest() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *ControllerSuite) build(cfg Config) {
	if s.cancel != nil {
		s.cancel()
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s.device = newFakeDevice()
	s.client = &fakeClient{}
	s.ui = &uiRecorder{}

	store, err := txlog.Open(s.T().TempDir(), logger)
	s.Require().NoError(err)
	syncer := txlog.NewSyncer(s.client, store, logger,
		txlog.WithRetryPolicy(1, time.Millisecond, 1.1))
	poller := trader.NewPoller(s.client, logger)

	s.ctrl = New(cfg, s.device, s.client, poller, syncer, store, s.ui, logger)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.ctrl.runCtx = ctx
	s.ctrl.transition(StateConnecting)
}

// pump drains async completions into the handlers until the event
// channel stays quiet.
func (s *ControllerSuite) pump() {
	for {
		select {
		case ev := <-s.ctrl.events:
			s.ctrl.handle(ev)
		case <-time.After(100 * time.Millisecond):
			return
		}
	}
}

// pumpUntil keeps handling events until cond holds or the deadline hits.
func (s *ControllerSuite) pumpUntil(cond func() bool) {
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case ev := <-s.ctrl.events:
			s.ctrl.handle(ev)
		case <-deadline:
			s.Require().FailNow("condition not reached", "state %s", s.ctrl.state)
		}
	}
}

func (s *ControllerSuite) press(button string, data map[string]string) {
	s.ctrl.dispatchUI(button, data)
}

func (s *ControllerSuite) poll(result trader.PollResult) {
	s.ctrl.handlePoll(trader.Event{Kind: trader.EventPollUpdate, Result: result})
}

func basePollResult() trader.PollResult {
	return trader.PollResult{
		Version:  1,
		FiatCode: "USD",
		Coins: []trader.Coin{{
			CryptoCode:  "BTC",
			Display:     "Bitcoin",
			CashInRate:  money.FromInt(50000),
			CashOutRate: money.FromInt(50000),
			Balance:     money.FromInt(10000),
			MinimumTx:   money.FromInt(5),
		}},
		CashOutEnabled: true,
		Cassettes: []trader.Cassette{
			{Denomination: money.FromInt(20), Count: 50},
			{Denomination: money.FromInt(100), Count: 50},
		},
	}
}

// toScanAddress walks a fresh cash-in session up to the address screen.
func (s *ControllerSuite) toScanAddress() {
	s.poll(basePollResult())
	s.Require().Equal(StateChooseCoin, s.ctrl.state)
	s.press("chooseCoin", map[string]string{"cryptoCode": "BTC", "direction": "cashIn"})
	s.Require().Equal(StateScanAddress, s.ctrl.state)
}

// toAccepting continues past the address scan into bill acceptance.
func (s *ControllerSuite) toAccepting() {
	s.toScanAddress()
	s.press("scanAddress", map[string]string{"address": "1BoatSLRHtKNngkdXEeobR76b53LETtpyT"})
	s.Require().Equal(StateAcceptingFirstBill, s.ctrl.state)
	s.pump()
}

// insertBills runs the escrow read plus the stack confirmation the way
// the validator reports them.
func (s *ControllerSuite) insertBills(values ...int64) {
	bills := make([]money.Amount, len(values))
	for i, v := range values {
		bills[i] = money.FromInt(v)
	}
	stacksBefore := s.device.stacks
	s.ctrl.handleHardware(hardware.Event{Kind: hardware.EventBillsRead, Bills: bills})
	if s.device.stacks > stacksBefore {
		s.ctrl.handleHardware(hardware.Event{Kind: hardware.EventBillsValid, Bills: bills})
	}
	s.pump()
}

func (s *ControllerSuite) TestFirstPollLandsOnIdle() {
	s.Require().Equal(StateConnecting, s.ctrl.state)
	s.poll(basePollResult())
	s.Equal(StateChooseCoin, s.ctrl.state)
	s.True(s.ctrl.haveCfg)
	s.Len(s.ctrl.units, 2)
}

func (s *ControllerSuite) TestMaintenanceIsTerminal() {
	s.Require().True(s.ctrl.transition(StateMaintenance))
	s.False(s.ctrl.transition(StateChooseCoin))
	s.False(s.ctrl.transition(StateGoodbye))
	s.Equal(StateMaintenance, s.ctrl.state)

	s.press("maintenanceRestart", nil)
	s.Equal(StateConnecting, s.ctrl.state)
}

func (s *ControllerSuite) TestSameStateTransitionRejected() {
	s.poll(basePollResult())
	s.Require().Equal(StateChooseCoin, s.ctrl.state)
	s.False(s.ctrl.transition(StateChooseCoin))
}

func (s *ControllerSuite) TestIdleBeforeFirstConfigWaitsOnPendingIdle() {
	s.Require().True(s.ctrl.transition(StateChooseCoin))
	s.Equal(StatePendingIdle, s.ctrl.state)

	s.poll(basePollResult())
	s.Equal(StateChooseCoin, s.ctrl.state)
}

func (s *ControllerSuite) TestRevokedPairingParksOnUnpaired() {
	s.poll(basePollResult())
	s.ctrl.handlePoll(trader.Event{
		Kind: trader.EventNetworkDown,
		Err:  domainerrors.New(domainerrors.CodeUnpaired, "credential revoked"),
	})
	s.Equal(StateUnpaired, s.ctrl.state)
	s.False(s.ctrl.netDown)
}

func (s *ControllerSuite) TestLowCoinBalanceBlocksCashIn() {
	result := basePollResult()
	result.Coins[0].Balance = money.FromInt(3)
	s.poll(result)

	s.press("chooseCoin", map[string]string{"cryptoCode": "BTC", "direction": "cashIn"})
	s.Equal(StateBalanceLow, s.ctrl.state)
	s.False(s.ctrl.txActive)
}

func (s *ControllerSuite) TestMachineActionForcesMaintenance() {
	result := basePollResult()
	result.Actions = []trader.MachineAction{trader.ActionReboot}
	s.poll(result)
	s.Equal(StateMaintenance, s.ctrl.state)
	s.True(s.ui.saw("maintenance"))
}

func (s *ControllerSuite) TestUnknownButtonIgnored() {
	s.poll(basePollResult())
	before := s.ctrl.state
	s.press("doesNotExist", nil)
	s.Equal(before, s.ctrl.state)
}

func (s *ControllerSuite) TestScreenTimeoutAbandonsEmptySession() {
	s.build(Config{
		Paired:           true,
		ScreenTimeout:    20 * time.Millisecond,
		NetworkDownDelay: time.Minute,
	})
	s.toScanAddress()

	s.pumpUntil(func() bool { return !s.ctrl.txActive })
	s.Empty(s.ctrl.tx.Bills)
}

func (s *ControllerSuite) TestStaleScreenTimeoutIgnored() {
	s.toScanAddress()
	seq := s.ctrl.timeoutSeq.Load()
	s.ctrl.transition(StateCashInWait) // bumps the sequence
	s.ctrl.handle(event{kind: evScreenTimeout, timeoutSeq: seq})
	s.Equal(StateCashInWait, s.ctrl.state)
	s.True(s.ctrl.txActive)
}

func (s *ControllerSuite) TestCancelWithoutMoneyEndsSession() {
	s.toScanAddress()
	s.press("cancelTransaction", nil)
	s.False(s.ctrl.txActive)
	s.Equal(StateGoodbye, s.ctrl.state)

	// pressing cancel again from an idle screen is harmless
	s.press("cancelTransaction", nil)
	s.Equal(StateChooseCoin, s.ctrl.state)
}

func (s *ControllerSuite) TestCancelWithBillsAsksConfirmation() {
	s.toAccepting()
	s.insertBills(20)
	s.Require().Len(s.ctrl.tx.Bills, 1)

	s.press("cancelTransaction", nil)
	s.Equal(StateAreYouSure, s.ctrl.state)

	s.press("continueTransaction", nil)
	s.Equal(StateAcceptingBills, s.ctrl.state)
	s.Equal(1, s.device.reenables)

	s.press("cancelTransaction", nil)
	s.Require().Equal(StateAreYouSure, s.ctrl.state)
	s.press("finishTransaction", nil)
	s.Equal(StateCashInComplete, s.ctrl.state)
	s.True(s.ctrl.tx.Send)
}

func (s *ControllerSuite) TestBillAcceptedCreditsTransaction() {
	s.toAccepting()
	s.insertBills(20)

	s.Equal(1, s.device.stacks)
	s.Require().Len(s.ctrl.tx.Bills, 1)
	s.True(s.ctrl.tx.Fiat.Eq(money.FromInt(20)))
	s.True(s.ctrl.tx.CryptoAtoms.IsPositive())
	s.Equal(StateAcceptingBills, s.ctrl.state)
	s.Positive(s.client.postCount())
}

func (s *ControllerSuite) TestBillOverBalanceReturned() {
	result := basePollResult()
	result.Coins[0].Balance = money.FromInt(30)
	s.poll(result)
	s.press("chooseCoin", map[string]string{"cryptoCode": "BTC", "direction": "cashIn"})
	s.press("scanAddress", map[string]string{"address": "1BoatSLRHtKNngkdXEeobR76b53LETtpyT"})
	s.pump()

	s.insertBills(50)
	s.Equal(1, s.device.rejects)
	s.Zero(s.device.stacks)
	s.True(s.ui.saw("highBill"))
	s.Equal(StateAcceptingFirstBill, s.ctrl.state)
}

func (s *ControllerSuite) TestAcceptanceClosesWhenNoBillFits() {
	result := basePollResult()
	result.Coins[0].Balance = money.FromInt(24)
	s.poll(result)
	s.press("chooseCoin", map[string]string{"cryptoCode": "BTC", "direction": "cashIn"})
	s.press("scanAddress", map[string]string{"address": "1BoatSLRHtKNngkdXEeobR76b53LETtpyT"})
	s.pump()

	// 20 leaves 4 of balance, below the smallest bill
	s.insertBills(20)
	s.True(s.ctrl.sendOnly)
	s.True(s.ui.saw("sendOnly"))
}

func (s *ControllerSuite) TestComplianceDetourAndResume() {
	result := basePollResult()
	result.Triggers = []compliance.Trigger{{
		ID:          "t-amount",
		Direction:   compliance.DirectionBoth,
		Requirement: compliance.Fixed(compliance.KindSMS),
		TriggerType: compliance.TriggerTxAmount,
		Threshold:   money.FromInt(80),
	}}
	s.poll(result)
	s.press("chooseCoin", map[string]string{"cryptoCode": "BTC", "direction": "cashIn"})
	s.press("scanAddress", map[string]string{"address": "1BoatSLRHtKNngkdXEeobR76b53LETtpyT"})
	s.pump()
	s.Require().Equal(StateAcceptingFirstBill, s.ctrl.state)

	// the batch that would cross the threshold is returned and the
	// session detours to verification
	s.insertBills(100)
	s.Equal(StateSMSVerification, s.ctrl.state)
	s.Equal(1, s.device.rejects)
	s.Empty(s.ctrl.tx.Bills)

	s.client.customer = compliance.Customer{ID: "cust-1", SanctionsClear: true}
	s.press("phoneNumber", map[string]string{"phone": "+15551234567"})
	s.pumpUntil(func() bool { return s.ctrl.state == StateAcceptingFirstBill })

	s.Equal("+15551234567", s.ctrl.tx.Phone)
	s.Equal("cust-1", s.ctrl.tx.CustomerID)
	s.Equal(1, s.device.reenables)

	// the same bill passes now that the tier is cleared
	s.insertBills(100)
	s.Require().Len(s.ctrl.tx.Bills, 1)
	s.True(s.ctrl.tx.Fiat.Eq(money.FromInt(100)))
}

func (s *ControllerSuite) TestRefusedTierCapsFurtherBills() {
	result := basePollResult()
	result.Triggers = []compliance.Trigger{{
		ID:          "t-id",
		Direction:   compliance.DirectionBoth,
		Requirement: compliance.Fixed(compliance.KindIDCardData),
		TriggerType: compliance.TriggerTxAmount,
		Threshold:   money.FromInt(100),
	}}
	s.poll(result)
	s.press("chooseCoin", map[string]string{"cryptoCode": "BTC", "direction": "cashIn"})
	s.press("scanAddress", map[string]string{"address": "1BoatSLRHtKNngkdXEeobR76b53LETtpyT"})
	s.pump()

	s.insertBills(50)
	s.Require().Len(s.ctrl.tx.Bills, 1)

	// crossing the threshold requires phone auth first, then the id tier
	s.insertBills(100)
	s.Require().Equal(StateSMSVerification, s.ctrl.state)
	s.client.customer = compliance.Customer{ID: "cust-1", SanctionsClear: true}
	s.press("phoneNumber", map[string]string{"phone": "+15551234567"})
	s.pumpUntil(func() bool { return s.ctrl.state == StatePermissionID })

	s.press("refusePermission", nil)
	s.Equal(StateAcceptingBills, s.ctrl.state)
	s.Require().NotNil(s.ctrl.failedTier)

	// headroom is now capped at the refused tier's threshold: 100 total,
	// 50 already in, so another 100 cannot fit
	s.insertBills(100)
	s.True(s.ui.saw("highBill"))
	s.Require().Len(s.ctrl.tx.Bills, 1)
	s.True(s.ctrl.tx.Fiat.Eq(money.FromInt(50)))

	// a batch under the ceiling is still fine
	s.insertBills(20)
	s.Require().Len(s.ctrl.tx.Bills, 2)
	s.True(s.ctrl.tx.Fiat.Eq(money.FromInt(70)))

	// the ceiling holds after compliant batches stacked: 70 in, another
	// 50 would make 120
	s.insertBills(50)
	s.Require().Len(s.ctrl.tx.Bills, 2)
	s.True(s.ctrl.tx.Fiat.Eq(money.FromInt(70)))
}

func (s *ControllerSuite) TestSessionSpanCoversTransaction() {
	rec := &recordingTracer{}
	s.ctrl.tracer = rec
	s.poll(basePollResult())

	s.press("chooseCoin", map[string]string{"cryptoCode": "BTC", "direction": "cashIn"})
	span := rec.named(tracer.SpanSession)
	s.Require().NotNil(span)
	dir, ok := span.attr(tracer.AttrDirection)
	s.Require().True(ok)
	s.Equal(string(tx.CashIn), dir)
	s.False(span.done())

	s.press("cancelScan", nil)
	s.pump()
	s.True(span.done())
	_, ok = span.attr(tracer.AttrFiat)
	s.True(ok)
}

func (s *ControllerSuite) TestRecyclerMachineRoutesAndCreditsUnits() {
	result := basePollResult()
	result.Recyclers = []trader.Cassette{{Denomination: money.FromInt(20), Count: 0}}
	s.poll(result)

	s.press("chooseCoin", map[string]string{"cryptoCode": "BTC", "direction": "cashIn"})
	s.press("scanAddress", map[string]string{"address": "1BoatSLRHtKNngkdXEeobR76b53LETtpyT"})
	s.pump()
	s.Require().Equal(StateAcceptingFirstRecyclerBills, s.ctrl.state)

	s.insertBills(20)
	s.Equal(StateAcceptingRecyclerBills, s.ctrl.state)
	s.Require().Len(s.ctrl.recyclers, 1)
	s.Equal(1, s.ctrl.recyclers[0].Count)

	// the recycled bill joins the cash-out inventory
	s.True(s.ctrl.dispensableTotal().Eq(money.FromInt(20*50 + 100*50 + 20)))
}

func (s *ControllerSuite) TestHardwareFaultDegradesToSendOnly() {
	s.toAccepting()
	s.insertBills(20)

	s.ctrl.handleHardware(hardware.Event{Kind: hardware.EventError, Err: context.Canceled})
	s.True(s.ctrl.sendOnly)
	s.True(s.ctrl.hwFault)
	s.True(s.ui.saw("sendOnly"))
	s.Require().Len(s.ctrl.tx.Bills, 1) // credited money survives the fault
}

func (s *ControllerSuite) TestFaultedValidatorStaysDownAfterDetour() {
	result := basePollResult()
	result.Triggers = []compliance.Trigger{{
		ID:          "t-amount",
		Direction:   compliance.DirectionBoth,
		Requirement: compliance.Fixed(compliance.KindSMS),
		TriggerType: compliance.TriggerTxAmount,
		Threshold:   money.FromInt(80),
	}}
	s.poll(result)
	s.press("chooseCoin", map[string]string{"cryptoCode": "BTC", "direction": "cashIn"})
	s.press("scanAddress", map[string]string{"address": "1BoatSLRHtKNngkdXEeobR76b53LETtpyT"})
	s.pump()

	s.insertBills(50)
	s.insertBills(100)
	s.Require().Equal(StateSMSVerification, s.ctrl.state)

	// the validator dies while the customer is on the phone screen
	s.ctrl.handleHardware(hardware.Event{Kind: hardware.EventError, Err: context.Canceled})
	s.Require().True(s.ctrl.hwFault)

	s.client.customer = compliance.Customer{ID: "cust-1", SanctionsClear: true}
	s.press("phoneNumber", map[string]string{"phone": "+15551234567"})
	s.pumpUntil(func() bool { return s.ctrl.state == StateCashInComplete })

	// the resume path must not wake a faulted validator; committed
	// money is sent instead
	s.Equal(0, s.device.reenables)
	s.True(s.ctrl.tx.Send)
}

func (s *ControllerSuite) TestStackerOpenNotifiesBackend() {
	s.poll(basePollResult())
	s.ctrl.handleHardware(hardware.Event{Kind: hardware.EventStackerOpen})
	s.True(s.ui.saw("cashboxRemoved"))
	s.Require().Eventually(func() bool {
		return s.client.notifyCount() == 1
	}, time.Second, 10*time.Millisecond)
}

func (s *ControllerSuite) TestNetworkDownDeferredWhileBrowsing() {
	s.build(Config{
		Paired:           true,
		ScreenTimeout:    time.Minute,
		NetworkDownDelay: 20 * time.Millisecond,
	})
	s.poll(basePollResult())

	s.ctrl.handlePoll(trader.Event{Kind: trader.EventNetworkDown})
	s.Equal(StateChooseCoin, s.ctrl.state) // no immediate interruption

	s.pumpUntil(func() bool { return s.ctrl.state == StateNetworkDown })

	s.ctrl.handlePoll(trader.Event{Kind: trader.EventNetworkUp})
	s.Equal(StateChooseCoin, s.ctrl.state)
}

func (s *ControllerSuite) TestNetworkRecoveryCancelsDeferral() {
	s.build(Config{
		Paired:           true,
		ScreenTimeout:    time.Minute,
		NetworkDownDelay: 20 * time.Millisecond,
	})
	s.poll(basePollResult())

	s.ctrl.handlePoll(trader.Event{Kind: trader.EventNetworkDown})
	s.ctrl.handlePoll(trader.Event{Kind: trader.EventNetworkUp})

	// the deferred timer fires into a recovered controller and must not move it
	time.Sleep(50 * time.Millisecond)
	s.pump()
	s.Equal(StateChooseCoin, s.ctrl.state)
}

func (s *ControllerSuite) TestNetworkDownImmediateWithCommittedBills() {
	s.toAccepting()
	s.insertBills(20)

	s.ctrl.handlePoll(trader.Event{Kind: trader.EventNetworkDown})
	s.Equal(StateNetworkDown, s.ctrl.state)
	s.True(s.ctrl.tx.Send) // committed money is queued for sending
}

func (s *ControllerSuite) TestStalePostCompletionDropped() {
	s.toAccepting()
	s.insertBills(20)
	fiat := s.ctrl.tx.Fiat

	s.ctrl.handle(event{kind: evPostDone, txID: "someone-else",
		rec: tx.Record{Status: tx.StatusRejected}})
	s.True(s.ctrl.tx.Fiat.Eq(fiat))
	s.Equal(tx.StatusNone, s.ctrl.tx.Status)
}

func (s *ControllerSuite) TestPostTimeoutMarksRecord() {
	s.toAccepting()
	s.insertBills(20)

	s.ctrl.handle(event{kind: evPostDone, txID: s.ctrl.tx.ID,
		err: domainerrors.New(domainerrors.CodeTimeout, "post exhausted retries")})
	s.True(s.ctrl.tx.Timedout)
	s.True(s.ctrl.txActive)
}

func (s *ControllerSuite) TestCashOutHappyPath() {
	s.poll(basePollResult())
	s.press("chooseCoin", map[string]string{"cryptoCode": "BTC", "direction": "cashOut"})
	s.Require().Equal(StateChooseFiat, s.ctrl.state)
	s.True(s.ui.saw("chooseFiat"))

	s.press("fiatButton", map[string]string{"denomination": "20"})
	s.press("fiatButton", map[string]string{"denomination": "100"})
	s.True(s.ctrl.tx.Fiat.Eq(money.FromInt(120)))

	s.client.mu.Lock()
	s.client.dispenseSeq = []dispenseStep{{
		rec:     tx.Record{Status: tx.StatusAuthorized, ToAddress: "1BoatSLRHtKNngkdXEeobR76b53LETtpyT"},
		changed: true,
	}}
	s.client.mu.Unlock()

	s.press("cashOut", nil)
	s.Require().Equal(StateDeposit, s.ctrl.state)

	s.pumpUntil(func() bool { return s.ctrl.state == StateFiatComplete })
	s.True(s.ctrl.tx.DispenseConfirmed)
	s.False(s.ctrl.tx.Dirty)
	s.Equal(98, s.ctrl.units[0].Count+s.ctrl.units[1].Count) // one note gone from each cassette
}

func (s *ControllerSuite) TestCashOutShortfall() {
	s.poll(basePollResult())
	s.press("chooseCoin", map[string]string{"cryptoCode": "BTC", "direction": "cashOut"})
	s.press("fiatButton", map[string]string{"denomination": "100"})

	s.device.mu.Lock()
	s.device.dispense = func(counts []int) (hardware.DispenseResult, error) {
		// the 100 cassette jams its note into the reject tray
		return hardware.DispenseResult{
			Dispensed: make([]int, len(counts)),
			Rejected:  append([]int(nil), counts...),
		}, nil
	}
	s.device.mu.Unlock()

	s.client.mu.Lock()
	s.client.dispenseSeq = []dispenseStep{{
		rec: tx.Record{Status: tx.StatusConfirmed}, changed: true,
	}}
	s.client.mu.Unlock()

	s.press("cashOut", nil)
	s.pumpUntil(func() bool { return s.ctrl.state == StateOutOfCash })
	s.False(s.ctrl.tx.DispenseConfirmed)
	s.Contains(s.ctrl.tx.ErrorMessage, "short")
	s.True(s.ui.saw("outOfCash"))
}

func (s *ControllerSuite) TestCashOutRejectedGoesToRedeemLater() {
	s.poll(basePollResult())
	s.press("chooseCoin", map[string]string{"cryptoCode": "BTC", "direction": "cashOut"})
	s.press("fiatButton", map[string]string{"denomination": "20"})

	s.client.mu.Lock()
	s.client.dispenseSeq = []dispenseStep{{
		rec: tx.Record{Status: tx.StatusRejected}, changed: true,
	}}
	s.client.mu.Unlock()

	s.press("cashOut", nil)
	s.pumpUntil(func() bool { return s.ctrl.state == StateSMSVerification })
	s.Equal(StateRedeemLater, s.ctrl.returnState)
}

func (s *ControllerSuite) TestCashOutDeniedDenomination() {
	s.poll(basePollResult())
	s.press("chooseCoin", map[string]string{"cryptoCode": "BTC", "direction": "cashOut"})
	s.press("fiatButton", map[string]string{"denomination": "35"})
	s.True(s.ctrl.tx.Fiat.IsZero())
	s.True(s.ui.saw("fiatError"))
}

func (s *ControllerSuite) TestPromoCodeApplied() {
	s.toScanAddress()
	s.client.promo = trader.Promo{Code: "SAVE10", DiscountPercent: 10}

	s.press("insertPromoCode", nil)
	s.Require().Equal(StateInsertPromo, s.ctrl.state)
	s.press("submitPromoCode", map[string]string{"code": "SAVE10"})
	s.pumpUntil(func() bool { return s.ctrl.state == StateScanAddress })

	s.Equal("SAVE10", s.ctrl.tx.PromoCode)
	s.True(s.ui.saw("promoApplied"))
}

func (s *ControllerSuite) TestTermsShownWhenConfigured() {
	result := basePollResult()
	result.Terms = &trader.Terms{Title: "Terms", Text: "...", AcceptText: "OK", CancelText: "No"}
	s.poll(result)

	s.press("start", nil)
	s.Require().Equal(StateTermsScreen, s.ctrl.state)
	s.press("termsAccepted", nil)
	s.Equal(StateChooseCoin, s.ctrl.state)
}
