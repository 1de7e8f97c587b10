// Outcome Processor — spec.md §4.2's state machine, applied to a finished
// job and persisted in the order the spec mandates: update state index,
// save the record, then ask the Queue Router to enqueue (terminal states
// enqueue nothing).
package worker

import (
	"context"
	"time"

	"github.com/jqcore/jqcore/pkg/job"
	"github.com/jqcore/jqcore/pkg/metrics"
	"github.com/jqcore/jqcore/pkg/router"
	"github.com/jqcore/jqcore/pkg/store"
)

// Outcome is what a finished process attempt reported.
type Outcome struct {
	Success  bool
	TimedOut bool
	Err      error
}

// Processor applies the Outcome Processor's transition rules and persists
// the result.
type Processor struct {
	store  *store.Store
	router *router.Router
}

// NewProcessor builds an Outcome Processor over the given Store and
// Router.
func NewProcessor(st *store.Store, rt *router.Router) *Processor {
	return &Processor{store: st, router: rt}
}

// Process mutates rec's last Run and top-level state per the outcome,
// then writes the transition to storage and, if the new state is
// non-terminal, enqueues it.
//
// rec must already hold the Run appended by the Pop Model for this
// attempt (state PROCESSING, StartTime set).
func (p *Processor) Process(ctx context.Context, rec *job.Record, outcome Outcome) error {
	run := rec.LastRun()
	if run == nil {
		return &job.BadArgumentError{Msg: "outcome processor: record has no runs"}
	}
	run.ProcessTime = time.Since(run.StartTime)

	oldState := rec.State

	switch {
	case outcome.Success:
		run.State = job.StateSuccess
		finish(rec, job.StateSuccess, true)

	case outcome.TimedOut:
		run.State = job.StateGhost
		run.ErrorMessage = "process timeout exceeded"
		metrics.GhostTotal.WithLabelValues(rec.Name).Inc()

		// Preserves the source's off-by-one: '>' rather than '>=' against
		// ghostTimes permits one ghost beyond the configured limit before
		// the job is failed (spec.md §9, first Open Question).
		if !rec.GhostRetry || rec.GhostCount() > rec.GhostTimes {
			finish(rec, job.StateFail, false)
		} else {
			rec.State = job.StateGhost
		}

	default:
		run.State = job.StateFail
		if outcome.Err != nil {
			run.ErrorMessage = outcome.Err.Error()
		}

		// §8's invariant (|runs| ≤ retryTimes + 1) and the worked "retry
		// exhaustion" scenario both require retryTimes+1 total attempts
		// before failing, so the boundary is runs.length <= retryTimes
		// rather than spec.md §4.2's literally stated '<' — see
		// SPEC_FULL.md §9's third Open Question resolution.
		if !rec.Retry {
			finish(rec, job.StateFail, false)
		} else if len(rec.Runs) <= rec.RetryTimes {
			rec.State = job.StateRetry
		} else {
			finish(rec, job.StateFail, false)
		}
	}

	if err := p.store.UpdateStateIndex(ctx, rec.ID, oldState, rec.State); err != nil {
		return err
	}
	if err := p.store.Save(ctx, rec); err != nil {
		return err
	}

	outcomeLabel := string(rec.State)
	metrics.JobsProcessed.WithLabelValues(rec.Name, outcomeLabel).Inc()
	metrics.JobDuration.WithLabelValues(rec.Name).Observe(run.ProcessTime.Seconds())

	if rec.State.Terminal() {
		if data, err := rec.Marshal(); err == nil {
			_ = p.store.SetResult(ctx, rec.ID, data)
		}
		return nil
	}

	return p.router.Enqueue(ctx, rec)
}

// Requeue reverts a popped record that was never actually dispatched to
// the callback — the rate limiter denied it — back to QUEUED and pushes
// its id back onto its own queue. The Run the Pop Model appended for the
// lease is dropped since no attempt happened.
func (p *Processor) Requeue(ctx context.Context, rec *job.Record) error {
	if len(rec.Runs) > 0 {
		rec.Runs = rec.Runs[:len(rec.Runs)-1]
	}
	old := rec.State
	rec.State = job.StateQueued
	if err := p.store.UpdateStateIndex(ctx, rec.ID, old, rec.State); err != nil {
		return err
	}
	if err := p.store.Save(ctx, rec); err != nil {
		return err
	}
	return p.router.Requeue(ctx, rec.Name, rec.ID)
}

// finish marks rec terminal: finishTime, totalProcessTime, complete, and
// success are all derived here, never left to the caller (spec.md §4.2
// rule 1 and §3.3's terminal invariant).
func finish(rec *job.Record, state job.State, success bool) {
	rec.State = state
	now := time.Now()
	rec.FinishTime = &now
	rec.Complete = true
	rec.Success = success

	var total time.Duration
	for _, r := range rec.Runs {
		total += r.ProcessTime
	}
	rec.TotalProcessTime = total
}
