// Package session runs the customer-facing state machine. A single
// goroutine owns all mutable session state and drains one event channel
// fed by the hardware, the backend poller, the UI and timers; every
// handler runs to completion before the next event is read, so no
// handler ever observes a half-applied transition.
package session

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"teller/internal/billflow"
	"teller/internal/compliance"
	"teller/internal/hardware"
	"teller/internal/session/metrics"
	"teller/internal/session/tracer"
	"teller/internal/trader"
	"teller/internal/tx"
	"teller/internal/txlog"
	"teller/pkg/money"
)

// Config carries the static controller settings.
type Config struct {
	// Paired is false until an operator pairs the machine; an unpaired
	// machine boots to the virgin screen and stays there.
	Paired bool
	// ScreenTimeout overrides the default idle fallback, for tests.
	ScreenTimeout time.Duration
	// NetworkDownDelay overrides the outage deferral, for tests.
	NetworkDownDelay time.Duration
}

// Controller is the session state machine.
type Controller struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  tracer.Tracer

	device hardware.Device
	client trader.Client
	poller *trader.Poller
	syncer *txlog.Syncer
	store  *txlog.Store
	ui     UI

	now    func() time.Time
	events chan event

	// Everything below is owned by the Run goroutine.
	state       State
	stateView   atomic.Value // State, mirrored for readers off the loop
	returnState State

	pollCfg   trader.PollResult
	haveCfg   bool
	units     []billflow.Unit
	recyclers []billflow.Unit

	tx        tx.Record
	txActive  bool
	txVersion atomic.Int64

	sessionSpan tracer.Span

	customer     *compliance.Customer
	failedTier   *compliance.Requirement
	failedCap    money.Amount
	scannedTiers map[string]bool
	promo        *trader.Promo

	lastRejected money.Amount
	sendOnly     bool
	hwFault      bool

	timeoutSeq   atomic.Uint64
	networkSeq   atomic.Uint64
	netDown      bool
	resubmitted  bool
	sessionStart time.Time
	runCtx       context.Context
}

// Option configures a Controller.
type Option func(*Controller)

// WithMetrics attaches prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithTracer attaches a tracer.
func WithTracer(t tracer.Tracer) Option {
	return func(c *Controller) { c.tracer = t }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// New builds a controller. The UI sink must not block; the poller and
// device event channels are drained by Run.
func New(
	cfg Config,
	device hardware.Device,
	client trader.Client,
	poller *trader.Poller,
	syncer *txlog.Syncer,
	store *txlog.Store,
	ui UI,
	logger *slog.Logger,
	opts ...Option,
) *Controller {
	if cfg.ScreenTimeout <= 0 {
		cfg.ScreenTimeout = 0 // per-state defaults apply
	}
	if cfg.NetworkDownDelay <= 0 {
		cfg.NetworkDownDelay = networkDownDelay
	}
	c := &Controller{
		cfg:          cfg,
		logger:       logger.With("component", "session"),
		tracer:       tracer.NewNoop(),
		device:       device,
		client:       client,
		poller:       poller,
		syncer:       syncer,
		store:        store,
		ui:           ui,
		now:          time.Now,
		events:       make(chan event, 64),
		state:        StateStart,
		scannedTiers: map[string]bool{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// State returns the current screen, for the ops endpoints.
func (c *Controller) State() State {
	if s, ok := c.stateView.Load().(State); ok {
		return s
	}
	return StateStart
}

// SubmitUI enqueues a UI button press. Unknown buttons are ignored by
// the dispatcher with a log line.
func (c *Controller) SubmitUI(button string, data map[string]string) {
	c.enqueue(event{kind: evUI, button: button, data: data})
}

func (c *Controller) enqueue(ev event) {
	select {
	case c.events <- ev:
	default:
		// The loop is wedged or flooded. Dropping is safer than
		// blocking a device callback.
		c.logger.Error("event queue full, dropping event", "kind", ev.kind)
	}
}

// Run drives the controller until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	c.runCtx = ctx

	if !c.cfg.Paired {
		c.transition(StateVirgin)
	} else {
		c.transition(StateConnecting)
	}

	deviceEvents := c.device.Events()
	pollEvents := c.poller.Events()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-deviceEvents:
			if !ok {
				deviceEvents = nil
				continue
			}
			c.handleHardware(ev)
		case ev, ok := <-pollEvents:
			if !ok {
				pollEvents = nil
				continue
			}
			c.handlePoll(ev)
		case ev := <-c.events:
			c.handle(ev)
		}
	}
}

func (c *Controller) handle(ev event) {
	switch ev.kind {
	case evUI:
		c.dispatchUI(ev.button, ev.data)
	case evScreenTimeout:
		c.onScreenTimeout(ev.timeoutSeq)
	case evNetworkDownDue:
		c.onNetworkDownDue(ev.networkSeq)
	case evPostDone:
		c.onPostDone(ev)
	case evAuthDone:
		c.onAuthDone(ev)
	case evPromoDone:
		c.onPromoDone(ev)
	case evDispenseStatus:
		c.onDispenseStatus(ev)
	case evDispenseBatch:
		c.onDispenseBatch(ev)
	case evDispenseDone:
		c.onDispenseDone(ev)
	case evResubmitDone:
		if ev.err != nil {
			c.logger.Error("startup resubmission failed", "err", ev.err)
		}
	}
}

// transition moves to a new screen. A transition is accepted only when
// the target differs from the current state and the machine is not in
// maintenance; maintenance is terminal until an operator restart. Any
// pending screen timeout is cancelled by the move.
func (c *Controller) transition(to State) bool {
	if to == StateChooseCoin && !c.haveCfg {
		// idle needs rates and limits; hold on pendingIdle until the
		// first config poll lands
		to = StatePendingIdle
	}
	if c.state == StateMaintenance || to == c.state {
		return false
	}

	c.timeoutSeq.Add(1) // cancels the pending screen timeout
	from := c.state
	c.state = to
	c.stateView.Store(to)
	c.logger.Info("state transition", "from", from, "to", to)
	if c.metrics != nil {
		c.metrics.Transitions.WithLabelValues(string(to)).Inc()
	}

	c.broadcastState()
	c.reportState(to)

	if to == StateChooseCoin {
		c.enterIdle()
	}
	return true
}

// timedState is a transition that falls back to idle when the customer
// walks away.
func (c *Controller) timedState(to State) {
	if !c.transition(to) {
		return
	}
	c.scheduleScreenTimeout(to)
}

func (c *Controller) scheduleScreenTimeout(s State) {
	d := c.cfg.ScreenTimeout
	if d <= 0 {
		d = s.screenTimeout()
	}
	seq := c.timeoutSeq.Add(1)
	time.AfterFunc(d, func() {
		c.enqueue(event{kind: evScreenTimeout, timeoutSeq: seq})
	})
}

func (c *Controller) onScreenTimeout(seq uint64) {
	if seq != c.timeoutSeq.Load() {
		return // a later transition cancelled this timeout
	}
	c.logger.Info("screen timed out", "state", c.state)
	if c.metrics != nil {
		c.metrics.ScreenTimeouts.Inc()
	}
	c.abandonSession("screenTimeout")
}

// abandonSession ends the session the way a walk-away does: money
// already committed is preserved by sending what was stacked.
func (c *Controller) abandonSession(reason string) {
	if c.txActive && c.tx.Direction == tx.CashIn && len(c.tx.Bills) > 0 && !c.tx.Send {
		c.finishCashIn()
		return
	}
	if c.txActive && c.tx.Direction == tx.CashOut && c.state == StateDeposit {
		c.timedState(StateDepositTimeout)
		return
	}
	c.endSession(reason)
}

// endSession drops the live transaction and returns to idle through the
// goodbye screen.
func (c *Controller) endSession(outcome string) {
	if c.metrics != nil && c.txActive {
		c.metrics.Sessions.WithLabelValues(string(c.tx.Direction), outcome).Inc()
		if !c.sessionStart.IsZero() {
			c.metrics.SessionDurationSec.Observe(c.now().Sub(c.sessionStart).Seconds())
		}
	}
	c.resetSession()
	if c.transition(StateGoodbye) {
		c.scheduleScreenTimeout(StateGoodbye)
	} else {
		c.transition(StateChooseCoin)
	}
}

func (c *Controller) resetSession() {
	if err := c.device.Disable(); err != nil {
		c.logger.Warn("disabling validator failed", "err", err)
	}
	if c.sessionSpan != nil {
		c.sessionSpan.SetAttributes(
			tracer.String(tracer.AttrFiat, c.tx.Fiat.String()),
			tracer.String(tracer.AttrState, string(c.state)))
		c.sessionSpan.End(nil)
		c.sessionSpan = nil
	}
	c.tx = tx.Record{}
	c.txActive = false
	c.txVersion.Store(0)
	c.customer = nil
	c.failedTier = nil
	c.failedCap = money.Zero()
	c.scannedTiers = map[string]bool{}
	c.promo = nil
	c.lastRejected = money.Zero()
	c.sendOnly = false
	c.returnState = ""
	c.sessionStart = time.Time{}
}

// enterIdle runs whenever the machine lands on the idle screen: session
// leftovers are cleared and fresh configuration requested.
func (c *Controller) enterIdle() {
	c.resetSession()
	if c.poller != nil {
		c.poller.Trigger()
	}
}

func (c *Controller) broadcastState() {
	b := Broadcast{Action: string(c.state), State: string(c.state)}
	if c.txActive {
		b.Tx = Redact(c.tx)
	}
	c.ui.Broadcast(b)
}

// broadcastAction sends a UI update without a state change.
func (c *Controller) broadcastAction(action string, data map[string]any) {
	b := Broadcast{Action: action, State: string(c.state), Data: data}
	if c.txActive {
		b.Tx = Redact(c.tx)
	}
	c.ui.Broadcast(b)
}

func (c *Controller) reportState(s State) {
	ctx := c.runCtx
	go func() {
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := c.client.StateChange(ctx, string(s), s == StateChooseCoin); err != nil {
			c.logger.Debug("state change report failed", "err", err)
		}
	}()
}

// beginSession starts a fresh customer interaction from idle.
func (c *Controller) beginSession() {
	c.sessionStart = c.now()
	if c.haveCfg && c.pollCfg.Terms != nil {
		c.timedState(StateTermsScreen)
		return
	}
	c.timedState(StateChooseCoin)
}

// newTx allocates the session transaction once coin and direction are
// chosen.
func (c *Controller) newTx(cryptoCode string, dir tx.Direction) bool {
	coin, ok := c.pollCfg.Coin(cryptoCode)
	if !ok {
		c.logger.Warn("unknown coin chosen", "cryptoCode", cryptoCode)
		return false
	}

	rec := tx.New(c.now())
	rec.Direction = dir
	rec.CryptoCode = coin.CryptoCode
	rec.FiatCode = c.pollCfg.FiatCode
	rec.MinimumTx = coin.MinimumTx
	if c.customer != nil {
		rec.CustomerID = c.customer.ID
	}

	c.tx = rec
	c.txActive = true
	c.txVersion.Store(int64(rec.Version))
	if c.sessionStart.IsZero() {
		c.sessionStart = c.now()
	}
	if c.sessionSpan == nil {
		_, c.sessionSpan = c.tracer.Start(c.runCtx, tracer.SpanSession,
			tracer.String(tracer.AttrTxID, rec.ID),
			tracer.String(tracer.AttrDirection, string(dir)))
	}
	return true
}

// applyTx replaces the live record and keeps the version mirror used by
// in-flight posts to detect supersession.
func (c *Controller) applyTx(rec tx.Record) {
	c.tx = rec
	c.txVersion.Store(int64(rec.Version))
}

// update patches the live transaction and posts the result in the
// background. Post failures surface as evPostDone events.
func (c *Controller) update(patch tx.Update) {
	if !c.txActive {
		return
	}
	c.applyTx(tx.Apply(c.tx, patch, c.now()))
	c.postCurrent()
}

func (c *Controller) postCurrent() {
	rec := c.tx
	posted := rec.Version
	ctx := c.runCtx
	go func() {
		_, span := c.tracer.Start(ctx, tracer.SpanTxPost,
			tracer.String(tracer.AttrTxID, rec.ID),
			tracer.Int64("tx.version", int64(posted)))
		server, err := c.syncer.Post(ctx, rec, func() int {
			return int(c.txVersion.Load())
		})
		span.End(err)
		c.enqueue(event{kind: evPostDone, txID: rec.ID, rec: server, err: err})
	}()
}

func (c *Controller) onPostDone(ev event) {
	if !c.txActive || ev.txID != c.tx.ID {
		return // stale completion from an earlier session
	}
	if ev.err != nil {
		c.onPostError(ev.err)
		return
	}
	// Adopt server-side fields without clobbering local progress: the
	// server copy rules on status and confirmations.
	if ev.rec.Status != tx.StatusNone {
		c.tx.Status = ev.rec.Status
	}
	c.tx.SendConfirmed = c.tx.SendConfirmed || ev.rec.SendConfirmed
}

func (c *Controller) currentCoin() (trader.Coin, bool) {
	if !c.txActive {
		return trader.Coin{}, false
	}
	return c.pollCfg.Coin(c.tx.CryptoCode)
}
