package profile

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel/codes"

	"github.com/mbd888/creditscore/internal/circuitbreaker"
	"github.com/mbd888/creditscore/internal/logging"
	"github.com/mbd888/creditscore/internal/metrics"
	"github.com/mbd888/creditscore/internal/pagination"
	"github.com/mbd888/creditscore/internal/retry"
	"github.com/mbd888/creditscore/internal/traces"
)

// BreakerKey is the circuit breaker key guarding the profile store.
const BreakerKey = "profile-store"

var errCircuitOpen = errors.New("circuit open")

// EventEmitter is notified after a mutation commits.
type EventEmitter interface {
	EmitScoreUpdate(p *Profile, kind EventKind, fields []Field)
}

// Emitters fans one committed update out to several emitters in order.
type Emitters []EventEmitter

func (es Emitters) EmitScoreUpdate(p *Profile, kind EventKind, fields []Field) {
	for _, e := range es {
		if e != nil {
			e.EmitScoreUpdate(p, kind, fields)
		}
	}
}

// Service applies access control over profile mutations and drives the store.
type Service struct {
	store   Store
	owner   common.Address
	retry   retry.Policy
	breaker *circuitbreaker.Breaker
	events  EventEmitter
}

// NewService creates a profile service. owner is the only identity allowed to
// integrate external data and cannot be changed afterwards.
func NewService(store Store, owner common.Address) *Service {
	return &Service{
		store: store,
		owner: owner,
		retry: retry.Policy{
			MaxAttempts: 3,
			BaseDelay:   25 * time.Millisecond,
			MaxDelay:    time.Second,
		},
	}
}

// WithRetryPolicy sets how store conflicts are retried.
func (s *Service) WithRetryPolicy(p retry.Policy) *Service {
	s.retry = p
	return s
}

// WithBreaker guards store writes with a circuit breaker.
func (s *Service) WithBreaker(b *circuitbreaker.Breaker) *Service {
	s.breaker = b
	return s
}

// WithEventEmitter sets an optional emitter for committed updates.
func (s *Service) WithEventEmitter(e EventEmitter) *Service {
	s.events = e
	return s
}

// Owner returns the engine owner.
func (s *Service) Owner() common.Address {
	return s.owner
}

// ReadProfile returns the account's profile, or the default profile if the
// account was never mutated.
func (s *Service) ReadProfile(ctx context.Context, account common.Address) (*Profile, error) {
	ctx, span := traces.StartSpan(ctx, "profile.ReadProfile", traces.Account(Key(account)))
	defer span.End()

	p, err := s.store.Get(ctx, account)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to read profile")
		return nil, &StoreError{Op: "get", Err: err, Retryable: !isContextErr(err)}
	}
	return p, nil
}

// SelfUpdate sets one field of the caller's own profile.
func (s *Service) SelfUpdate(ctx context.Context, caller, account common.Address, field Field, value uint64) (*Profile, error) {
	ctx, span := traces.StartSpan(ctx, "profile.SelfUpdate",
		traces.Account(Key(account)), traces.Caller(Key(caller)), traces.Field(string(field)))
	defer span.End()

	field, err := ParseField(string(field))
	if err != nil {
		metrics.ProfileUpdatesTotal.WithLabelValues(string(KindSelfUpdate), "invalid").Inc()
		return nil, err
	}
	if caller == (common.Address{}) || caller != account {
		metrics.ProfileUpdatesTotal.WithLabelValues(string(KindSelfUpdate), "unauthorized").Inc()
		logging.L(ctx).Warn("self update rejected",
			"caller", Key(caller), "account", Key(account), "field", field)
		span.SetStatus(codes.Error, "unauthorized")
		return nil, ErrUnauthorized
	}

	m := Mutation{Caller: caller, Kind: KindSelfUpdate}
	m.Set(field, value)

	p, err := s.apply(ctx, account, m)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "self update failed")
		return nil, err
	}
	logging.L(ctx).Debug("profile field updated",
		"account", Key(account), "field", field, "score", p.CreditScore)
	return p, nil
}

// UpdateTransactionVolume sets the caller's transaction volume.
func (s *Service) UpdateTransactionVolume(ctx context.Context, caller common.Address, value uint64) (*Profile, error) {
	return s.SelfUpdate(ctx, caller, caller, FieldTransactionVolume, value)
}

// UpdateWalletBalance sets the caller's wallet balance.
func (s *Service) UpdateWalletBalance(ctx context.Context, caller common.Address, value uint64) (*Profile, error) {
	return s.SelfUpdate(ctx, caller, caller, FieldWalletBalance, value)
}

// UpdateTransactionFrequency sets the caller's transaction frequency.
func (s *Service) UpdateTransactionFrequency(ctx context.Context, caller common.Address, value uint64) (*Profile, error) {
	return s.SelfUpdate(ctx, caller, caller, FieldTransactionFrequency, value)
}

// UpdateTransactionMix sets the caller's transaction mix.
func (s *Service) UpdateTransactionMix(ctx context.Context, caller common.Address, value uint64) (*Profile, error) {
	return s.SelfUpdate(ctx, caller, caller, FieldTransactionMix, value)
}

// UpdateNewTransactions sets the caller's new transaction count.
func (s *Service) UpdateNewTransactions(ctx context.Context, caller common.Address, value uint64) (*Profile, error) {
	return s.SelfUpdate(ctx, caller, caller, FieldNewTransactions, value)
}

// IntegrateExternalData sets all five fields of target in one step. Only the
// owner may call it.
func (s *Service) IntegrateExternalData(ctx context.Context, caller, target common.Address, data ExternalData) (*Profile, error) {
	ctx, span := traces.StartSpan(ctx, "profile.IntegrateExternalData",
		traces.Account(Key(target)), traces.Caller(Key(caller)))
	defer span.End()

	if caller == (common.Address{}) || caller != s.owner {
		metrics.ProfileUpdatesTotal.WithLabelValues(string(KindIntegration), "unauthorized").Inc()
		logging.L(ctx).Warn("integration rejected: caller is not the owner",
			"caller", Key(caller), "target", Key(target))
		span.SetStatus(codes.Error, "unauthorized")
		return nil, ErrUnauthorized
	}

	p, err := s.apply(ctx, target, data.Mutation(caller))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "integration failed")
		return nil, err
	}
	span.SetAttributes(traces.Score(p.CreditScore))
	logging.L(ctx).Info("external data integrated",
		"account", Key(target), "score", p.CreditScore, "version", p.Version)
	return p, nil
}

// HistoryPage is one page of score events, newest first.
type HistoryPage struct {
	Events     []*ScoreEvent `json:"events"`
	NextCursor string        `json:"next_cursor,omitempty"`
	HasMore    bool          `json:"has_more"`
}

// History returns a page of the account's score events. cursor is the
// NextCursor of a previous page, or empty for the newest events.
func (s *Service) History(ctx context.Context, account common.Address, limit int, cursor string) (*HistoryPage, error) {
	before, err := pagination.Decode(cursor)
	if err != nil {
		return nil, &ValidationError{Field: "cursor", Message: err.Error()}
	}
	limit = clampLimit(limit, 50, 500)

	events, err := s.store.History(ctx, HistoryQuery{
		Account:       account,
		BeforeVersion: before,
		Limit:         limit + 1,
	})
	if err != nil {
		return nil, &StoreError{Op: "history", Err: err, Retryable: !isContextErr(err)}
	}

	events, next, more := pagination.ComputePage(events, limit, func(ev *ScoreEvent) int64 {
		return ev.Version
	})
	if events == nil {
		events = []*ScoreEvent{}
	}
	return &HistoryPage{Events: events, NextCursor: next, HasMore: more}, nil
}

// List returns recently updated profiles.
func (s *Service) List(ctx context.Context, limit int) ([]*Profile, error) {
	profiles, err := s.store.List(ctx, limit)
	if err != nil {
		return nil, &StoreError{Op: "list", Err: err, Retryable: !isContextErr(err)}
	}
	return profiles, nil
}

// Ping checks the backing store.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// apply validates m and hands it to the store, retrying conflicts within the
// configured budget. Validation happens before any store access.
func (s *Service) apply(ctx context.Context, account common.Address, m Mutation) (*Profile, error) {
	kind := string(m.Kind)
	if err := m.Validate(); err != nil {
		metrics.ProfileUpdatesTotal.WithLabelValues(kind, "invalid").Inc()
		return nil, err
	}

	if s.breaker != nil && !s.breaker.Allow(BreakerKey) {
		metrics.ProfileUpdatesTotal.WithLabelValues(kind, "store_error").Inc()
		return nil, &StoreError{Op: "apply", Err: errCircuitOpen, Retryable: true}
	}

	policy := s.retry
	policy.OnRetry = func(attempt int, err error) {
		metrics.StoreRetriesTotal.Inc()
		logging.L(ctx).Debug("retrying profile update",
			"account", Key(account), "attempt", attempt, "error", err)
	}

	var updated *Profile
	err := policy.Do(ctx, func(ctx context.Context) error {
		p, err := s.store.Apply(ctx, account, m)
		if err != nil {
			if errors.Is(err, ErrConflict) {
				return err
			}
			return retry.Permanent(err)
		}
		updated = p
		return nil
	})
	if err != nil {
		metrics.ProfileUpdatesTotal.WithLabelValues(kind, "store_error").Inc()
		if isContextErr(err) {
			return nil, &StoreError{Op: "apply", Err: err}
		}
		if s.breaker != nil && !errors.Is(err, ErrConflict) {
			s.breaker.RecordFailure(BreakerKey)
		}
		if errors.Is(err, retry.ErrExhausted) {
			logging.L(ctx).Warn("profile update gave up after retries",
				"account", Key(account), "attempts", policy.MaxAttempts, "error", err)
		}
		return nil, &StoreError{Op: "apply", Err: err, Retryable: true}
	}
	if s.breaker != nil {
		s.breaker.RecordSuccess(BreakerKey)
	}

	metrics.ProfileUpdatesTotal.WithLabelValues(kind, "ok").Inc()
	metrics.CreditScore.Observe(float64(updated.CreditScore))
	if s.events != nil {
		s.events.EmitScoreUpdate(updated, m.Kind, m.Fields())
	}
	return updated, nil
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
