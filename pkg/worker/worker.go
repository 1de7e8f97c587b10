// Package worker implements the Worker Loop of spec.md §4.6: maintains a
// configurable number of in-flight jobs, dispatches them to a user
// callback under a per-job timeout, and classifies outcomes into
// success/error/ghost for the Outcome Processor.
//
// The loop's bookkeeping (in-flight map, throttle buffer, disposed flag)
// is touched from exactly one goroutine — the one running Run — per
// spec.md §5's "one dedicated task serializes access to the loop's
// state" requirement. Pops and callback invocations run concurrently on
// their own goroutines and report back over channels.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/jqcore/jqcore/pkg/job"
	"github.com/jqcore/jqcore/pkg/logger"
	"github.com/jqcore/jqcore/pkg/metrics"
	"github.com/jqcore/jqcore/pkg/pop"
	"github.com/jqcore/jqcore/pkg/ratelimit"
)

// bufferGrace and the throttle windows are the BUFFER_GRACE/
// THROTTLE_LIMIT/THROTTLE_TIMEOUT constants of spec.md §4.6.
const (
	bufferGrace     = 5
	throttleLimit   = 5 * time.Second
	throttleTimeout = 5 * time.Second
)

// Callback is the consumer callback contract of spec.md §6.2. It must
// call done at most once, synchronously or from a later goroutine
// ("returning a deferred value" in the spec's source language maps to
// spawning a goroutine that eventually calls done).
type Callback func(ctx context.Context, view job.PublicView, data any, done func(error))

// Config constructs a Loop.
type Config struct {
	Names          []string
	Callback       Callback
	Concurrency    int                // target in-flight jobs; default 1
	PopTimeout     time.Duration      // per-pop blocking timeout; default 1s
	DefaultTimeout time.Duration      // used when a record's ProcessTimeout is unset; default 30s
	Limiter        *ratelimit.Limiter // optional per-job-name throttle, consulted before dispatch
}

type popResult struct {
	rec *job.Record
	err error
}

// errThrottled marks a popResult that was requeued by the rate limiter
// rather than actually popped empty or failed. handlePop treats it like
// an empty pop: release the slot, no inFlight entry, no error logged.
type errThrottled struct{}

func (errThrottled) Error() string { return "worker: rate limited, requeued" }

type outcomeEvent struct {
	id       string
	success  bool
	timedOut bool
	err      error
}

// inflight is the lease state for one popped job (spec.md §3.4).
type inflight struct {
	rec   *job.Record
	once  sync.Once
	timer *time.Timer
}

// Loop is the Worker Loop: it owns the in-flight map and throttle state,
// and drives pops, dispatch, and outcome processing.
type Loop struct {
	names          []string
	callback       Callback
	concurrency    int
	popModel       *pop.Model
	processor      *Processor
	popTimeout     time.Duration
	defaultTimeout time.Duration
	limiter        *ratelimit.Limiter

	sem      *semaphore.Weighted
	popGroup *errgroup.Group

	inFlight map[string]*inflight
	disposed bool

	throttleBuf    []time.Time
	throttledUntil time.Time

	popResultCh chan popResult
	outcomeCh   chan outcomeEvent
}

// New validates cfg and builds a Loop. Missing job names or a nil
// callback are spec.md §7's BadArgumentError, raised synchronously here
// rather than surfacing later from Run.
func New(popModel *pop.Model, processor *Processor, cfg Config) (*Loop, error) {
	if len(cfg.Names) == 0 {
		return nil, &job.BadArgumentError{Msg: "worker: at least one job name is required"}
	}
	if cfg.Callback == nil {
		return nil, &job.BadArgumentError{Msg: "worker: callback is required"}
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	popTimeout := cfg.PopTimeout
	if popTimeout <= 0 {
		popTimeout = time.Second
	}
	defaultTimeout := cfg.DefaultTimeout
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}

	return &Loop{
		names:          cfg.Names,
		callback:       cfg.Callback,
		concurrency:    concurrency,
		popModel:       popModel,
		processor:      processor,
		popTimeout:     popTimeout,
		defaultTimeout: defaultTimeout,
		limiter:        cfg.Limiter,
		sem:            semaphore.NewWeighted(int64(concurrency)),
		popGroup:       &errgroup.Group{},
		inFlight:       make(map[string]*inflight, concurrency),
		popResultCh:    make(chan popResult, concurrency+bufferGrace),
		outcomeCh:      make(chan outcomeEvent, concurrency+bufferGrace),
	}, nil
}

// Run drives the loop until ctx is cancelled, at which point it disposes
// (stops pending timers, waits for outstanding pops to return) and
// returns ctx.Err().
func (l *Loop) Run(ctx context.Context) error {
	l.maintainConcurrency(ctx)
	for {
		if l.disposed {
			return nil
		}
		select {
		case <-ctx.Done():
			l.dispose()
			return ctx.Err()
		case pr := <-l.popResultCh:
			l.handlePop(ctx, pr)
		case oe := <-l.outcomeCh:
			l.handleOutcome(ctx, oe)
		}
		l.maintainConcurrency(ctx)
	}
}

// InFlightCount returns the current number of leased jobs. Intended for
// tests and metrics; safe to call only from the Run goroutine.
func (l *Loop) InFlightCount() int { return len(l.inFlight) }

func (l *Loop) dispose() {
	l.disposed = true
	for _, e := range l.inFlight {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	_ = l.popGroup.Wait()
}

// maintainConcurrency launches pops until the target in-flight count is
// reached, short-circuiting entirely while throttled.
func (l *Loop) maintainConcurrency(ctx context.Context) {
	if l.disposed {
		return
	}
	if l.shouldThrottle(time.Now()) {
		return
	}
	for len(l.inFlight) < l.concurrency {
		if !l.sem.TryAcquire(1) {
			break
		}
		l.launchPop(ctx)
	}
}

func (l *Loop) launchPop(ctx context.Context) {
	names := l.names
	popModel := l.popModel
	timeout := l.popTimeout
	limiter := l.limiter
	processor := l.processor
	ch := l.popResultCh

	l.popGroup.Go(func() error {
		rec, err := popModel.Pop(ctx, names, timeout)
		if err == nil && limiter != nil {
			allowed, aerr := limiter.Allow(ctx, rec.Name)
			if aerr != nil {
				logger.Log.Error().Err(aerr).Str("name", rec.Name).
					Msg("worker: rate limiter check failed, allowing dispatch")
			} else if !allowed {
				if rerr := processor.Requeue(ctx, rec); rerr != nil {
					logger.Log.Error().Err(rerr).Str("id", rec.ID).Msg("worker: failed to requeue throttled job")
				}
				rec, err = nil, errThrottled{}
			}
		}
		select {
		case ch <- popResult{rec: rec, err: err}:
		case <-ctx.Done():
		}
		return nil
	})
}

func (l *Loop) handlePop(ctx context.Context, pr popResult) {
	l.sem.Release(1)

	if pr.err != nil {
		if job.IsEmpty(pr.err) {
			// Empty pops are routine backpressure, not an error path; they
			// do not count toward throttle accounting (spec.md §4.6).
			return
		}
		if _, ok := pr.err.(errThrottled); ok {
			// Requeued by the rate limiter before ever reaching the
			// callback; not a failure, and shouldn't trip the backoff
			// throttle either.
			return
		}
		logger.Log.Error().Err(pr.err).Msg("worker: pop failed")
		l.recordInvocation(time.Now())
		return
	}

	rec := pr.rec
	e := &inflight{rec: rec}
	l.inFlight[rec.ID] = e
	metrics.InFlight.WithLabelValues(rec.Name).Set(float64(len(l.inFlight)))

	l.dispatch(ctx, e)
}

func (l *Loop) dispatch(ctx context.Context, e *inflight) {
	timeout := e.rec.ProcessTimeout
	if timeout <= 0 {
		timeout = l.defaultTimeout
	}
	id := e.rec.ID

	e.timer = time.AfterFunc(timeout, func() {
		l.complete(e, id, false, true, nil)
	})

	view := e.rec.View()
	data := e.rec.Data
	done := func(err error) {
		l.complete(e, id, err == nil, false, err)
	}

	go l.invoke(ctx, e, view, data, done)
}

// invoke runs the user callback. A panic is recovered, logged, and
// reported as an error outcome so the loop continues for other jobs —
// spec.md §4.6's "re-raised" requirement is honored by surfacing the
// panic through structured logging rather than letting it escape the
// goroutine, which would otherwise terminate the whole process.
func (l *Loop) invoke(ctx context.Context, e *inflight, view job.PublicView, data any, done func(error)) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			logger.Log.Error().Str("id", view.ID).Interface("panic", r).Msg("worker: callback panicked")
			l.complete(e, view.ID, false, false, err)
		}
	}()
	l.callback(ctx, view, data, done)
}

// complete is the idempotent "complete once" primitive: the first of
// doneCallback or the process-timeout timer to fire wins, and later
// calls are silently dropped (spec.md §4.6/§9).
func (l *Loop) complete(e *inflight, id string, success, timedOut bool, err error) {
	fired := false
	e.once.Do(func() {
		fired = true
		if e.timer != nil {
			e.timer.Stop()
		}
	})
	if !fired {
		return
	}

	select {
	case l.outcomeCh <- outcomeEvent{id: id, success: success, timedOut: timedOut, err: err}:
	default:
		logger.Log.Warn().Str("id", id).Msg("worker: outcome channel full, dropping completion")
	}
}

func (l *Loop) handleOutcome(ctx context.Context, oe outcomeEvent) {
	e, ok := l.inFlight[oe.id]
	if !ok {
		return
	}
	delete(l.inFlight, oe.id)
	metrics.InFlight.WithLabelValues(e.rec.Name).Set(float64(len(l.inFlight)))

	rec := e.rec
	processor := l.processor
	outcome := Outcome{Success: oe.success, TimedOut: oe.timedOut, Err: oe.err}

	go func() {
		if err := processor.Process(ctx, rec, outcome); err != nil {
			logger.Log.Error().Err(err).Str("id", rec.ID).
				Msg("worker: outcome processing failed; job remains PROCESSING pending ghost recovery")
		}
	}()
}

// recordInvocation appends to the throttle ring buffer, trimmed to the
// last concurrency+BUFFER_GRACE entries. It does not engage throttling
// itself: shouldThrottle does that on the next maintainConcurrency pass
// when the buffer is full and its oldest entry is within THROTTLE_LIMIT
// of now.
func (l *Loop) recordInvocation(t time.Time) {
	l.throttleBuf = append(l.throttleBuf, t)
	max := l.concurrency + bufferGrace
	if len(l.throttleBuf) > max {
		l.throttleBuf = l.throttleBuf[len(l.throttleBuf)-max:]
	}
}

func (l *Loop) shouldThrottle(now time.Time) bool {
	if !l.throttledUntil.IsZero() {
		if now.Before(l.throttledUntil) {
			return true
		}
		l.throttledUntil = time.Time{}
		l.throttleBuf = l.throttleBuf[:0]
		return false
	}

	max := l.concurrency + bufferGrace
	if len(l.throttleBuf) >= max {
		oldest := l.throttleBuf[0]
		if now.Sub(oldest) < throttleLimit {
			l.throttledUntil = now.Add(throttleTimeout)
			return true
		}
	}
	return false
}
