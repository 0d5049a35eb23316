// Package generate implements the orchestration pipeline every expensive
// generation passes through: content cache → rate tiers → budget breaker →
// generation lock → bounded provider call → cache write → spend accounting.
package generate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gengate/gengate/internal/budget"
	"github.com/gengate/gengate/internal/content"
	"github.com/gengate/gengate/internal/events"
	"github.com/gengate/gengate/internal/lock"
	"github.com/gengate/gengate/internal/observability"
	"github.com/gengate/gengate/internal/period"
	"github.com/gengate/gengate/internal/ratelimit"
	"github.com/gengate/gengate/internal/refresh"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("gengate.generate")

// Request describes one piece of content to produce or fetch.
type Request struct {
	Identity  string
	Timezone  string
	Kind      string
	Timeframe period.Timeframe
	Variant   string

	// Inputs are the ordered fields the payload is derived from; they feed
	// the input hash, so reordering them invalidates cached content.
	Inputs []string

	// ProviderInputs are forwarded verbatim to the generation provider.
	ProviderInputs map[string]string

	// HasUpstreamData marks identities whose source profile can go stale
	// and is worth a background refresh.
	HasUpstreamData bool

	RequestID string
}

// Result is the outcome of a successful pipeline pass.
type Result struct {
	Payload   json.RawMessage
	FromCache bool
	Model     string
	CostUSD   float64
}

// Options carries the tunables the orchestrator reads per call. Swapped
// wholesale on config reload.
type Options struct {
	Tiers         []ratelimit.Tier
	SchemaVersion int
	LockTTL       time.Duration
	LockRetries   int
	LockBackoff   time.Duration
	GenTimeout    time.Duration
}

// Orchestrator threads a request through the full admission pipeline. All
// stages share one Redis-backed store; every store failure is translated
// into a typed decision or ErrStoreUnavailable, never surfaced raw.
type Orchestrator struct {
	limiter   *ratelimit.Limiter
	breaker   *budget.Breaker
	locks     *lock.Manager
	store     *content.Store
	deriver   *period.Deriver
	generator Generator
	refresher *refresh.Trigger // may be nil (refresh disabled)
	emitter   *events.Emitter  // nil-safe
	metrics   *observability.Metrics
	logger    *slog.Logger

	// opts is read per call without a lock and swapped wholesale on config
	// reload; in-flight requests finish with the options they started with.
	opts atomic.Pointer[Options]
}

// NewOrchestrator wires the pipeline.
func NewOrchestrator(
	limiter *ratelimit.Limiter,
	breaker *budget.Breaker,
	locks *lock.Manager,
	store *content.Store,
	deriver *period.Deriver,
	generator Generator,
	refresher *refresh.Trigger,
	emitter *events.Emitter,
	metrics *observability.Metrics,
	logger *slog.Logger,
	opts Options,
) *Orchestrator {
	o := &Orchestrator{
		limiter:   limiter,
		breaker:   breaker,
		locks:     locks,
		store:     store,
		deriver:   deriver,
		generator: generator,
		refresher: refresher,
		emitter:   emitter,
		metrics:   metrics,
		logger:    logger,
	}
	o.SetOptions(opts)
	return o
}

func (o *Orchestrator) validate(req *Request) error {
	if req.Identity == "" {
		return fmt.Errorf("identity is required")
	}
	if req.Kind == "" {
		return fmt.Errorf("kind is required")
	}
	if !req.Timeframe.Valid() {
		return fmt.Errorf("invalid timeframe %q", req.Timeframe)
	}
	return nil
}

// Generate runs the pipeline for one request.
//
// A cache hit short-circuits before any counter is touched: serving stored
// content consumes no rate-limit quota and mutates no budget. On a miss the
// order is rate tiers, budget, lock, provider — the cheapest rejection wins.
func (o *Orchestrator) Generate(ctx context.Context, req *Request) (*Result, error) {
	if err := o.validate(req); err != nil {
		return nil, err
	}

	start := time.Now()
	opts := o.opts.Load()
	keys := o.deriver.UserPeriodKeys(req.Timezone, time.Now())
	cacheKey := period.ContentKey(req.Kind, req.Identity, req.Timeframe, keys, req.Variant)
	inputHash := content.InputHash(req.Inputs...)

	ctx, span := tracer.Start(ctx, "gengate.cache")
	payload, hit := o.store.Read(ctx, cacheKey, opts.SchemaVersion, inputHash)
	span.SetAttributes(attribute.Bool("cache.hit", hit))
	span.End()

	if hit {
		o.metrics.IncCacheHit()
		o.metrics.IncKindHit(req.Kind, string(req.Timeframe))
		o.emit(req, events.OutcomeHit, "", "", 0, start)
		o.maybeTriggerRefresh(ctx, req)
		return &Result{Payload: payload, FromCache: true}, nil
	}
	o.metrics.IncCacheMiss()

	if err := o.consumeTiers(ctx, opts, req, start); err != nil {
		return nil, err
	}
	if err := o.checkBudget(ctx, req, start); err != nil {
		return nil, err
	}

	res, err := o.generateLocked(ctx, opts, req, keys, cacheKey, inputHash, start)
	if err != nil {
		return nil, err
	}

	o.maybeTriggerRefresh(ctx, req)
	return res, nil
}

// consumeTiers walks the configured rate tiers in order (cooldown first) and
// consumes one call from each. A denial from any tier rejects the request;
// earlier tiers have already been consumed, which is the intended cost of
// probing — the cooldown tier exists precisely to make probing expensive.
func (o *Orchestrator) consumeTiers(ctx context.Context, opts *Options, req *Request, start time.Time) error {
	for _, tier := range opts.Tiers {
		res, err := o.limiter.CheckAndConsume(ctx, tier.Key(req.Identity), tier.Limit, tier.Window)
		if err != nil {
			o.logger.Error("rate tier check failed", "scope", tier.Scope, "error", err)
			return fmt.Errorf("%w: rate limiter", ErrStoreUnavailable)
		}
		if res.Backend == ratelimit.BackendLocal {
			o.metrics.IncFallbackUsed()
		}
		o.metrics.ObserveRemaining(res.Remaining)
		if !res.Allowed {
			o.metrics.IncRateLimited()
			o.emit(req, events.OutcomeRateLimited, string(res.Backend), string(tier.Scope), 0, start)
			return &RateLimitError{Scope: tier.Scope, Limit: tier.Limit, RetryAfter: res.RetryAfter}
		}
	}
	return nil
}

func (o *Orchestrator) checkBudget(ctx context.Context, req *Request, start time.Time) error {
	status := o.breaker.Check(ctx)
	o.metrics.SetBudgetUsed(status.Used)
	if !status.Allowed {
		o.metrics.IncBudgetBlocked()
		o.emit(req, events.OutcomeBudgetBlocked, "", "", 0, start)
		return &BudgetError{Used: status.Used, Limit: status.Limit}
	}
	return nil
}

// generateLocked holds the generation lock across the provider call and the
// cache write. The deferred release runs on every exit path — provider
// failure, timeout, and success alike.
func (o *Orchestrator) generateLocked(ctx context.Context, opts *Options, req *Request, keys period.Keys, cacheKey, inputHash string, start time.Time) (*Result, error) {
	lockKey := period.LockKey(req.Kind, req.Identity, req.Timeframe, keys, req.Variant)

	lease, acquired, err := o.locks.AcquireWithRetry(ctx, lockKey, opts.LockTTL, opts.LockRetries, opts.LockBackoff)
	if err != nil {
		o.logger.Error("generation lock acquire failed", "key", lockKey, "error", err)
		return nil, fmt.Errorf("%w: lock manager", ErrStoreUnavailable)
	}
	if !acquired {
		// The holder may have finished while we retried; its write serves us.
		if payload, hit := o.store.Read(ctx, cacheKey, opts.SchemaVersion, inputHash); hit {
			o.metrics.IncCacheHit()
			o.metrics.IncKindHit(req.Kind, string(req.Timeframe))
			o.emit(req, events.OutcomeHit, "", "", 0, start)
			return &Result{Payload: payload, FromCache: true}, nil
		}
		o.metrics.IncLockBusy()
		o.emit(req, events.OutcomeLockBusy, "", "", 0, start)
		return nil, &LockBusyError{Key: lockKey}
	}
	defer lease.Release(context.WithoutCancel(ctx))

	// Re-check under the lock: a concurrent winner may have written between
	// our first read and the acquisition.
	if payload, hit := o.store.Read(ctx, cacheKey, opts.SchemaVersion, inputHash); hit {
		o.metrics.IncCacheHit()
		o.metrics.IncKindHit(req.Kind, string(req.Timeframe))
		o.emit(req, events.OutcomeHit, "", "", 0, start)
		return &Result{Payload: payload, FromCache: true}, nil
	}

	genCtx, cancel := context.WithTimeout(ctx, opts.GenTimeout)
	defer cancel()

	genCtx, span := tracer.Start(genCtx, "gengate.generate")
	genStart := time.Now()
	resp, err := o.generator.Generate(genCtx, &GeneratorRequest{
		Identity:  req.Identity,
		Kind:      req.Kind,
		Timeframe: string(req.Timeframe),
		PeriodKey: keys.For(req.Timeframe),
		Variant:   req.Variant,
		Inputs:    req.ProviderInputs,
	})
	genDuration := time.Since(genStart)
	span.End()

	if err != nil {
		o.metrics.IncGenerationErrors()
		o.emit(req, events.OutcomeError, "", err.Error(), 0, start)
		return nil, fmt.Errorf("generate content: %w", err)
	}

	o.store.Write(ctx, cacheKey, resp.Payload, opts.SchemaVersion, inputHash)
	cost := o.breaker.Increment(ctx, resp.Model, resp.InputUnits, resp.OutputUnits)

	o.metrics.IncGenerations()
	o.metrics.IncKindGenerated(req.Kind, string(req.Timeframe))
	o.metrics.ObserveGenerationDuration(genDuration.Seconds())
	o.emitModel(req, events.OutcomeGenerated, resp.Model, cost, start)

	return &Result{Payload: resp.Payload, Model: resp.Model, CostUSD: cost}, nil
}

// maybeTriggerRefresh fires a background profile refresh when the identity's
// sync marker is older than its current local day. Never blocks and never
// fails the serving path.
func (o *Orchestrator) maybeTriggerRefresh(ctx context.Context, req *Request) {
	if o.refresher == nil || !req.HasUpstreamData {
		return
	}

	_, span := tracer.Start(ctx, "gengate.refresh")
	defer span.End()

	lastDate := ""
	if marker, ok := o.refresher.LoadMarker(ctx, req.Identity); ok {
		lastDate = marker.LastSyncedLocalDate
	}
	if !o.refresher.IsStale(req.Timezone, lastDate, req.HasUpstreamData) {
		return
	}
	if o.refresher.TriggerRefresh(req.Identity, req.Timezone) {
		o.metrics.IncRefreshTriggered()
	}
}

func (o *Orchestrator) emit(req *Request, outcome events.Outcome, backend, reason string, cost float64, start time.Time) {
	o.emitter.Emit(events.GenerationEvent{
		Identity:   req.Identity,
		Kind:       req.Kind,
		Timeframe:  string(req.Timeframe),
		Variant:    req.Variant,
		Outcome:    outcome,
		Backend:    backend,
		CostUSD:    cost,
		DurationMS: time.Since(start).Milliseconds(),
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		RequestID:  req.RequestID,
		Reason:     reason,
	})
}

func (o *Orchestrator) emitModel(req *Request, outcome events.Outcome, model string, cost float64, start time.Time) {
	o.emitter.Emit(events.GenerationEvent{
		Identity:   req.Identity,
		Kind:       req.Kind,
		Timeframe:  string(req.Timeframe),
		Variant:    req.Variant,
		Outcome:    outcome,
		Model:      model,
		CostUSD:    cost,
		DurationMS: time.Since(start).Milliseconds(),
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		RequestID:  req.RequestID,
	})
}

// SetOptions swaps the per-call tunables. Called at construction and by the
// config reload path.
func (o *Orchestrator) SetOptions(opts Options) {
	if opts.LockTTL <= 0 {
		opts.LockTTL = 2 * time.Minute
	}
	if opts.GenTimeout <= 0 {
		opts.GenTimeout = 60 * time.Second
	}
	o.opts.Store(&opts)
}
