package trader

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// EventKind names a poller notification.
type EventKind string

const (
	// EventPollUpdate carries a fresh configuration snapshot.
	EventPollUpdate EventKind = "pollUpdate"
	// EventNetworkDown fires once when consecutive polls keep failing.
	EventNetworkDown EventKind = "networkDown"
	// EventNetworkUp fires once when polling recovers.
	EventNetworkUp EventKind = "networkUp"
)

// Event is one poller notification.
type Event struct {
	Kind   EventKind
	Result PollResult
	Err    error
}

const (
	defaultPollInterval = 5 * time.Second
	// downThreshold polls must fail back to back before the network is
	// declared down; a single flaky request must not interrupt a session.
	downThreshold = 3
)

// Poller drives the backend poll loop and classifies connectivity.
type Poller struct {
	client   Client
	logger   *slog.Logger
	events   chan Event
	limiter  *rate.Limiter
	wake     chan struct{}
	failures int
	down     bool
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithPollInterval overrides the pacing between polls.
func WithPollInterval(d time.Duration) PollerOption {
	return func(p *Poller) {
		p.limiter = rate.NewLimiter(rate.Every(d), 1)
	}
}

// NewPoller builds a poller over the given client.
func NewPoller(client Client, logger *slog.Logger, opts ...PollerOption) *Poller {
	p := &Poller{
		client:  client,
		logger:  logger.With("component", "poller"),
		events:  make(chan Event, 8),
		limiter: rate.NewLimiter(rate.Every(defaultPollInterval), 1),
		wake:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Events is the poller's notification stream.
func (p *Poller) Events() <-chan Event { return p.events }

// Trigger requests an immediate poll out of cadence, used when the
// controller wants fresh config on idle. A trigger while a poll is
// already in flight is satisfied by the next one.
func (p *Poller) Trigger() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run polls until ctx is cancelled. The event channel closes on return.
func (p *Poller) Run(ctx context.Context) error {
	defer close(p.events)

	for {
		delay := p.limiter.Reserve().Delay()
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-p.wake:
				timer.Stop()
			case <-timer.C:
			}
		}
		if ctx.Err() != nil {
			return nil
		}

		result, err := p.client.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.failed(ctx, err)
			continue
		}
		p.succeeded(ctx, result)
	}
}

func (p *Poller) failed(ctx context.Context, err error) {
	p.failures++
	p.logger.Warn("poll failed", "consecutive", p.failures, "err", err)
	if p.failures >= downThreshold && !p.down {
		p.down = true
		p.send(ctx, Event{Kind: EventNetworkDown, Err: err})
	}
}

func (p *Poller) succeeded(ctx context.Context, result PollResult) {
	p.failures = 0
	if p.down {
		p.down = false
		p.send(ctx, Event{Kind: EventNetworkUp})
	}
	p.send(ctx, Event{Kind: EventPollUpdate, Result: result})
}

func (p *Poller) send(ctx context.Context, ev Event) {
	select {
	case p.events <- ev:
	case <-ctx.Done():
	}
}
