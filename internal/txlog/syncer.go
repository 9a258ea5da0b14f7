package txlog

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"teller/internal/tx"
	"teller/internal/txlog/metrics"
	domainerrors "teller/pkg/domain-errors"
)

// ErrSuperseded marks a post abandoned because a newer version of the
// same transaction appeared locally while the post was still retrying.
var ErrSuperseded = errors.New("transaction update superseded by a newer version")

// Remote posts transaction updates to the backend. Posts are idempotent
// by transaction id and version; the returned record is the server copy.
type Remote interface {
	PostTx(ctx context.Context, rec tx.Record) (tx.Record, error)
}

// Defaults chosen so five tries span roughly twenty seconds:
// 2000 * (1.6608^0 + ... + 1.6608^3) ≈ 20000ms of waiting.
const (
	defaultMaxRetries   = 4 // 4 retries = 5 tries
	defaultMinInterval  = 2 * time.Second
	defaultMultiplier   = 1.6608
	defaultNetworkLimit = 20 * time.Second
)

// Syncer delivers transaction updates to the backend with bounded
// exponential retry and mirrors every accepted update to the local store.
type Syncer struct {
	remote  Remote
	store   *Store
	logger  *slog.Logger
	metrics *metrics.Metrics

	maxRetries   uint64
	minInterval  time.Duration
	multiplier   float64
	networkLimit time.Duration
}

// SyncerOption configures a Syncer.
type SyncerOption func(*Syncer)

// WithRetryPolicy overrides the retry budget and backoff parameters.
func WithRetryPolicy(maxRetries uint64, minInterval time.Duration, multiplier float64) SyncerOption {
	return func(s *Syncer) {
		s.maxRetries = maxRetries
		if minInterval > 0 {
			s.minInterval = minInterval
		}
		if multiplier > 1 {
			s.multiplier = multiplier
		}
	}
}

// WithNetworkTimeout sets how long a post may keep retrying before the
// update it carries is flagged as timed out.
func WithNetworkTimeout(d time.Duration) SyncerOption {
	return func(s *Syncer) {
		s.networkLimit = d
	}
}

// WithMetrics attaches prometheus collectors.
func WithMetrics(m *metrics.Metrics) SyncerOption {
	return func(s *Syncer) {
		s.metrics = m
	}
}

// NewSyncer builds a Syncer over the given backend and local store.
func NewSyncer(remote Remote, store *Store, logger *slog.Logger, opts ...SyncerOption) *Syncer {
	s := &Syncer{
		remote:       remote,
		store:        store,
		logger:       logger.With("component", "txsync"),
		maxRetries:   defaultMaxRetries,
		minInterval:  defaultMinInterval,
		multiplier:   defaultMultiplier,
		networkLimit: defaultNetworkLimit,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Post delivers one update. Transient errors retry with multiplicative
// backoff until the budget runs out, then surface a timeout. Two error
// kinds abort on first occurrence without touching the remaining budget:
// a stale-version conflict and a ratchet violation — in both cases the
// server copy is authoritative and retrying can only do harm.
//
// currentVersion, when non-nil, reports the version of the live record;
// if a newer local version appears while this post is still retrying,
// the post is abandoned (a follow-up update supersedes it).
//
// A successful remote write is followed by a local snapshot write whose
// failure is logged but never propagated.
func (s *Syncer) Post(ctx context.Context, rec tx.Record, currentVersion func() int) (tx.Record, error) {
	started := time.Now()
	timedout := false

	var server tx.Record
	attempt := func() error {
		if s.metrics != nil {
			s.metrics.PostAttempts.Inc()
		}

		snapshot := rec
		if time.Since(started) >= s.networkLimit {
			timedout = true
		}
		snapshot.Timedout = snapshot.Timedout || timedout

		got, err := s.remote.PostTx(ctx, snapshot)
		if err == nil {
			server = got
			return nil
		}

		if domainerrors.HasCode(err, domainerrors.CodeStaleVersion) {
			s.logger.Warn("local transaction is outdated, won't retry", "tx", rec.ID, "err", err)
			s.conflict("stale")
			return backoff.Permanent(err)
		}
		if domainerrors.HasCode(err, domainerrors.CodeRatchet) {
			s.logger.Warn("local transaction conflicts with server, won't retry", "tx", rec.ID, "err", err)
			s.conflict("ratchet")
			return backoff.Permanent(err)
		}
		if currentVersion != nil && currentVersion() > rec.Version {
			s.logger.Warn("abandoning post of outdated update", "tx", rec.ID, "version", rec.Version)
			return backoff.Permanent(ErrSuperseded)
		}

		s.logger.Error("error posting tx, will retry", "tx", rec.ID, "err", err)
		if s.metrics != nil {
			s.metrics.PostRetries.Inc()
		}
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.minInterval
	policy.Multiplier = s.multiplier
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0

	err := backoff.Retry(attempt, backoff.WithContext(backoff.WithMaxRetries(policy, s.maxRetries), ctx))
	if err != nil {
		switch {
		case domainerrors.HasCode(err, domainerrors.CodeStaleVersion),
			domainerrors.HasCode(err, domainerrors.CodeRatchet),
			errors.Is(err, ErrSuperseded),
			ctx.Err() != nil:
			return tx.Record{}, err
		default:
			if s.metrics != nil {
				s.metrics.PostTimeouts.Inc()
			}
			return tx.Record{}, domainerrors.Wrap(err, domainerrors.CodeTimeout, "posting transaction exhausted retries")
		}
	}

	// No big deal if saving the tx details on disk fails.
	if saveErr := s.store.Save(server); saveErr != nil {
		s.logger.Error("error saving transaction to local store (ignoring)", "tx", server.ID, "err", saveErr)
		if s.metrics != nil {
			s.metrics.LocalSaveFails.Inc()
		}
	}
	return server, nil
}

// Resubmit replays one recovered pending transaction: cash-in records are
// forced to send so the backend does not wait for more bills, and both
// directions are marked timed out. Stale and ratchet conflicts are
// swallowed — the backend already knows better.
func (s *Syncer) Resubmit(ctx context.Context, rec tx.Record, now time.Time) error {
	patch := tx.Update{Timedout: boolPtr(true)}
	if rec.Direction == tx.CashIn {
		patch.Send = boolPtr(true)
	}

	_, err := s.Post(ctx, tx.Apply(rec, patch, now), nil)
	if err != nil {
		if domainerrors.HasCode(err, domainerrors.CodeStaleVersion) || domainerrors.HasCode(err, domainerrors.CodeRatchet) {
			return nil
		}
		return err
	}
	if s.metrics != nil {
		s.metrics.Resubmitted.Inc()
	}
	return nil
}

func (s *Syncer) conflict(kind string) {
	if s.metrics != nil {
		s.metrics.PostConflicts.WithLabelValues(kind).Inc()
	}
}

func boolPtr(b bool) *bool { return &b }
