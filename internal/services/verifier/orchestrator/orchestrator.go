// Package orchestrator answers "has this account completed this quest?" by
// composing admission control, the claim cache, the circuit breaker and the
// in-flight coalescer around a quest's evaluator, and applies the reward on
// the first success.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/louisbranch/questgate/internal/platform/errors"
	"github.com/louisbranch/questgate/internal/platform/timeouts"
	"github.com/louisbranch/questgate/internal/services/verifier/cache"
	"github.com/louisbranch/questgate/internal/services/verifier/catalog"
	"github.com/louisbranch/questgate/internal/services/verifier/circuit"
	"github.com/louisbranch/questgate/internal/services/verifier/evaluator"
	"github.com/louisbranch/questgate/internal/services/verifier/inflight"
	"github.com/louisbranch/questgate/internal/services/verifier/ledger"
	"github.com/louisbranch/questgate/internal/services/verifier/ratelimit"
	"github.com/louisbranch/questgate/internal/services/verifier/reward"
)

const tracerName = "github.com/louisbranch/questgate/internal/services/verifier/orchestrator"

// Source says which step answered a Verify call.
type Source string

const (
	SourceInvalid     Source = "invalid"
	SourceRateLimited Source = "rate_limited"
	SourceCooldown    Source = "cooldown"
	SourceCache       Source = "cache"
	SourceCircuit     Source = "circuit"
	SourceLive        Source = "live"
	SourceError       Source = "error"
)

// Claim is one caller's request to verify an account against a quest.
type Claim struct {
	// Caller identifies the requester for coarse rate limiting, typically
	// the client network address.
	Caller  string
	Account string
	Quest   catalog.Quest
}

// EvaluationResult is what gets cached for a completed claim.
type EvaluationResult struct {
	Completed   bool           `json:"completed"`
	Payload     map[string]any `json:"payload,omitempty"`
	EvaluatedAt time.Time      `json:"evaluatedAt"`
}

// Result is returned by every Verify call, alongside an error for rejections.
type Result struct {
	EvaluationResult
	Source Source `json:"source"`
}

// Limits are the tunables of the pipeline.
type Limits struct {
	CallerPerMinute      int
	ClaimPerMinute       int
	ResultTTL            time.Duration
	NotCompletedCooldown time.Duration
	ErrorCooldown        time.Duration
	CircuitRetryAfter    time.Duration
	MaxAttempts          int
	BackoffBase          time.Duration
	BackoffJitter        time.Duration
}

// DefaultLimits returns the production tunables.
func DefaultLimits() Limits {
	return Limits{
		CallerPerMinute:      120,
		ClaimPerMinute:       30,
		ResultTTL:            24 * time.Hour,
		NotCompletedCooldown: 60 * time.Second,
		ErrorCooldown:        15 * time.Second,
		CircuitRetryAfter:    30 * time.Second,
		MaxAttempts:          3,
		BackoffBase:          200 * time.Millisecond,
		BackoffJitter:        200 * time.Millisecond,
	}
}

// Deps are the collaborators the orchestrator composes. Ledger and Granter
// may be nil.
type Deps struct {
	CallerLimiter *ratelimit.Limiter
	ClaimLimiter  *ratelimit.Limiter
	Cache         *cache.Cache
	Breaker       *circuit.Breaker
	Ledger        *ledger.Ledger
	Granter       *reward.Granter
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLimits replaces DefaultLimits.
func WithLimits(limits Limits) Option {
	return func(o *Orchestrator) { o.limits = limits }
}

// WithClock overrides the clock used for timestamps and cooldowns.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithRecorder receives every observability record in addition to the log.
func WithRecorder(fn func(Record)) Option {
	return func(o *Orchestrator) { o.recorder = fn }
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	deps     Deps
	limits   Limits
	now      func() time.Time
	recorder func(Record)
	tracer   trace.Tracer
	flights  inflight.Coalescer[flight]
}

// New validates deps and builds an orchestrator.
func New(deps Deps, opts ...Option) (*Orchestrator, error) {
	switch {
	case deps.CallerLimiter == nil || deps.ClaimLimiter == nil:
		return nil, fmt.Errorf("rate limiters are required")
	case deps.Cache == nil:
		return nil, fmt.Errorf("cache is required")
	case deps.Breaker == nil:
		return nil, fmt.Errorf("circuit breaker is required")
	}
	o := &Orchestrator{
		deps:   deps,
		limits: DefaultLimits(),
		now:    time.Now,
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.limits.MaxAttempts < 1 {
		o.limits.MaxAttempts = 1
	}
	return o, nil
}

// ClaimKey is the identity all caching, coalescing and per-claim limiting is
// scoped by.
func ClaimKey(account, questID string) string {
	return "verify:" + strings.TrimSpace(questID) + ":" + NormalizeAccount(account)
}

// NormalizeAccount trims and lowercases an account address.
func NormalizeAccount(account string) string {
	return strings.ToLower(strings.TrimSpace(account))
}

// ResultKey is the cache key of a completed claim.
func ResultKey(claimKey string) string { return "result:" + claimKey }

// CooldownKey is the cache key of a claim that recently failed.
func CooldownKey(claimKey string) string { return "cooldown:" + claimKey }

// cooldownMarker is cached under CooldownKey so later calls can report how
// long is left.
type cooldownMarker struct {
	Until  time.Time `json:"until"`
	Reason string    `json:"reason"`
}

// flight is the outcome shared by every caller of one coalesced evaluation.
type flight struct {
	result  EvaluationResult
	retries int
}

// Verify runs the claim through the pipeline. Rejections return a
// *apperrors.Error carrying the code and RetryAfter; the Result is always
// populated with the answering Source.
func (o *Orchestrator) Verify(ctx context.Context, claim Claim, ev evaluator.Evaluator) (Result, error) {
	started := o.now()
	ctx, span := o.tracer.Start(ctx, "verifier.Verify")
	defer span.End()

	claim.Account = NormalizeAccount(claim.Account)
	claim.Quest.ID = strings.TrimSpace(claim.Quest.ID)
	obs := &observation{key: ClaimKey(claim.Account, claim.Quest.ID)}

	result, err := o.verify(ctx, claim, ev, obs)
	result.Source = obs.source
	o.emit(span, newRecord(ctx, obs, o.now().Sub(started), err))
	return result, err
}

// observation accumulates what the single observability record reports.
type observation struct {
	key     string
	source  Source
	retries int
	shared  bool
}

func (o *Orchestrator) verify(ctx context.Context, claim Claim, ev evaluator.Evaluator, obs *observation) (Result, error) {
	if claim.Account == "" || claim.Quest.ID == "" {
		obs.source = SourceInvalid
		return Result{}, apperrors.New(apperrors.CodeBadRequest, "account and questId are required")
	}
	key := obs.key

	// Unknown quests still spend the caller's budget.
	caller := strings.TrimSpace(claim.Caller)
	if caller == "" {
		caller = "unknown"
	}
	if decision := o.deps.CallerLimiter.Admit(ctx, caller, o.limits.CallerPerMinute); decision.Limited {
		obs.source = SourceRateLimited
		return Result{}, apperrors.WithRetry(apperrors.CodeRateLimited, "too many requests from caller", decision.RetryAfter)
	}
	if ev == nil {
		obs.source = SourceInvalid
		return Result{}, apperrors.New(apperrors.CodeNotFound, fmt.Sprintf("quest %s has no evaluator", claim.Quest.ID))
	}
	if decision := o.deps.ClaimLimiter.Admit(ctx, key, o.limits.ClaimPerMinute); decision.Limited {
		obs.source = SourceRateLimited
		return Result{}, apperrors.WithRetry(apperrors.CodeRateLimited, "too many requests for claim", decision.RetryAfter)
	}

	if raw, ok := o.deps.Cache.Get(ctx, CooldownKey(key)); ok {
		obs.source = SourceCooldown
		return Result{}, apperrors.WithRetry(apperrors.CodeCooldown, "claim is cooling down", o.cooldownRemaining(raw))
	}

	var cached EvaluationResult
	if o.deps.Cache.GetJSON(ctx, ResultKey(key), &cached) {
		obs.source = SourceCache
		return Result{EvaluationResult: cached}, nil
	}

	upstream := ev.Upstream()
	if o.deps.Breaker.IsOpen(upstream) {
		obs.source = SourceCircuit
		return Result{}, apperrors.WithRetry(apperrors.CodeCircuitOpen, "upstream "+upstream+" is degraded", o.limits.CircuitRetryAfter)
	}

	out, shared, err := o.flights.Do(ctx, key, func(flightCtx context.Context) (flight, error) {
		return o.evaluate(flightCtx, claim, ev)
	})
	obs.retries = out.retries
	obs.shared = shared
	if err != nil {
		var domainErr *apperrors.Error
		if errors.As(err, &domainErr) && domainErr.Code == apperrors.CodeCooldown {
			obs.source = SourceLive
		} else {
			obs.source = SourceError
		}
		if !errors.As(err, &domainErr) {
			err = apperrors.Wrap(apperrors.CodeUnknown, "verification abandoned", err)
		}
		return Result{EvaluationResult: out.result}, err
	}
	obs.source = SourceLive
	return Result{EvaluationResult: out.result}, nil
}

func (o *Orchestrator) cooldownRemaining(raw []byte) time.Duration {
	var marker cooldownMarker
	if err := json.Unmarshal(raw, &marker); err != nil || marker.Until.IsZero() {
		return o.limits.NotCompletedCooldown
	}
	remaining := marker.Until.Sub(o.now())
	if remaining <= 0 {
		return time.Second
	}
	return remaining
}

// evaluate runs once per flight: the retry loop, the breaker update and
// every side effect of the outcome.
func (o *Orchestrator) evaluate(ctx context.Context, claim Claim, ev evaluator.Evaluator) (flight, error) {
	key := ClaimKey(claim.Account, claim.Quest.ID)
	upstream := ev.Upstream()
	o.deps.Ledger.WriteAttempt(ctx, claim.Account, claim.Quest.ID)

	attempts := 0
	verdict, err := backoff.Retry(ctx, func() (evaluator.Verdict, error) {
		attempts++
		verdict, err := ev.Check(ctx, claim.Account, claim.Quest.ID)
		if err != nil && !evaluator.Retryable(err) {
			return verdict, backoff.Permanent(err)
		}
		return verdict, err
	},
		backoff.WithBackOff(newJitterBackOff(o.limits.BackoffBase, o.limits.BackoffJitter)),
		backoff.WithMaxTries(uint(o.limits.MaxAttempts)),
	)
	out := flight{retries: attempts - 1}

	if err != nil && evaluator.Retryable(err) {
		o.deps.Breaker.RecordFailure(upstream)
		reason := failureReason(err)
		o.markCooldown(ctx, key, reason, o.limits.ErrorCooldown)
		o.deps.Ledger.WriteFailure(ctx, claim.Account, claim.Quest.ID, reason)
		upstreamErr := apperrors.WithRetry(apperrors.CodeUpstreamError, "upstream check failed: "+err.Error(), o.limits.ErrorCooldown)
		upstreamErr.Status = evaluator.Status(err)
		upstreamErr.Cause = err
		return out, upstreamErr
	}

	// A permanent failure means the upstream answered; the claim is simply
	// not satisfied.
	o.deps.Breaker.RecordSuccess(upstream)
	out.result = EvaluationResult{Completed: err == nil && verdict.Completed, Payload: verdict.Payload, EvaluatedAt: o.now().UTC()}
	if !out.result.Completed {
		o.markCooldown(ctx, key, "not_completed", o.limits.NotCompletedCooldown)
		o.deps.Ledger.WriteFailure(ctx, claim.Account, claim.Quest.ID, "not_completed")
		return out, apperrors.WithRetry(apperrors.CodeCooldown, "quest not completed yet", o.limits.NotCompletedCooldown)
	}

	bestEffort("cache result "+key, o.deps.Cache.Set(ctx, ResultKey(key), out.result, o.limits.ResultTTL))
	o.deps.Ledger.WriteSuccess(ctx, claim.Account, claim.Quest.ID)
	o.grant(ctx, claim)
	return out, nil
}

func (o *Orchestrator) markCooldown(ctx context.Context, key, reason string, ttl time.Duration) {
	marker := cooldownMarker{Until: o.now().Add(ttl).UTC(), Reason: reason}
	bestEffort("cooldown "+key, o.deps.Cache.Set(ctx, CooldownKey(key), marker, ttl))
}

func (o *Orchestrator) grant(ctx context.Context, claim Claim) {
	if o.deps.Granter == nil {
		return
	}
	grantCtx, cancel := context.WithTimeout(ctx, timeouts.LedgerWrite)
	defer cancel()
	_, err := o.deps.Granter.GrantOnce(grantCtx, reward.Grant{
		Account: claim.Account,
		QuestID: claim.Quest.ID,
		Points:  claim.Quest.Points,
		Bonus:   claim.Quest.Bonus,
		Group:   claim.Quest.Group,
	})
	bestEffort("reward "+claim.Quest.ID+" for "+claim.Account, err)
}

// failureReason is the ledger detail for an exhausted evaluation: the
// upstream status when there was one, else the error class.
func failureReason(err error) string {
	if status := evaluator.Status(err); status != 0 {
		return fmt.Sprintf("%d", status)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "upstream_error"
}

// jitterBackOff waits base*2^(n-1) plus up to jitter before retry n.
type jitterBackOff struct {
	base    time.Duration
	jitter  time.Duration
	attempt int
}

func newJitterBackOff(base, jitter time.Duration) *jitterBackOff {
	return &jitterBackOff{base: base, jitter: jitter}
}

func (b *jitterBackOff) NextBackOff() time.Duration {
	b.attempt++
	wait := b.base << (b.attempt - 1)
	if b.jitter > 0 {
		wait += time.Duration(randInt64N(int64(b.jitter)))
	}
	return wait
}

func (b *jitterBackOff) Reset() { b.attempt = 0 }
