package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/jqcore/jqcore/pkg/job"
	"github.com/jqcore/jqcore/pkg/pop"
	"github.com/jqcore/jqcore/pkg/ratelimit"
	"github.com/jqcore/jqcore/pkg/router"
	"github.com/jqcore/jqcore/pkg/scheduler"
	"github.com/jqcore/jqcore/pkg/store"
)

type harness struct {
	mr        *miniredis.Miniredis
	store     *store.Store
	router    *router.Router
	pop       *pop.Model
	processor *Processor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.New(rdb, "goqueue")
	rt := router.New(rdb, st.Namer())
	return &harness{
		mr:        mr,
		store:     st,
		router:    rt,
		pop:       pop.New(st),
		processor: NewProcessor(st, rt),
	}
}

func (h *harness) createAndEnqueue(t *testing.T, rec *job.Record) string {
	t.Helper()
	ctx := context.Background()
	id, err := h.store.Create(ctx, rec)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	fetched, err := h.store.Fetch(ctx, id)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if err := h.router.Enqueue(ctx, fetched); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return id
}

func (h *harness) waitTerminal(t *testing.T, id string, timeout time.Duration) *job.Record {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		rec, err := h.store.Fetch(context.Background(), id)
		if err != nil {
			t.Fatalf("Fetch: %v", err)
		}
		if rec.State.Terminal() {
			return rec
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach a terminal state within %s", id, timeout)
	return nil
}

func runLoop(t *testing.T, h *harness, names []string, concurrency int, cb Callback) (stop func()) {
	t.Helper()
	loop, err := New(h.pop, h.processor, Config{
		Names:       names,
		Callback:    cb,
		Concurrency: concurrency,
		PopTimeout:  20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()
	return func() {
		cancel()
		<-done
	}
}

func TestHappyPath(t *testing.T) {
	h := newHarness(t)
	defer h.mr.Close()

	id := h.createAndEnqueue(t, &job.Record{
		Name: "mail", Data: "hi", Retry: true, RetryTimes: 3,
	})

	stop := runLoop(t, h, []string{"mail"}, 1, func(ctx context.Context, view job.PublicView, data any, done func(error)) {
		done(nil)
	})
	defer stop()

	rec := h.waitTerminal(t, id, time.Second)
	if rec.State != job.StateSuccess {
		t.Fatalf("expected SUCCESS, got %s", rec.State)
	}
	if !rec.Complete || !rec.Success {
		t.Errorf("expected complete=true success=true, got complete=%v success=%v", rec.Complete, rec.Success)
	}
	if len(rec.Runs) != 1 || rec.Runs[0].State != job.StateSuccess {
		t.Fatalf("expected 1 successful run, got %+v", rec.Runs)
	}

	depth, _ := redis.NewClient(&redis.Options{Addr: h.mr.Addr()}).LLen(context.Background(), h.store.Namer().Queue("mail")).Result()
	if depth != 0 {
		t.Errorf("expected job not present in any queue, got queue depth %d", depth)
	}
}

func TestRetryThenSucceed(t *testing.T) {
	h := newHarness(t)
	defer h.mr.Close()

	id := h.createAndEnqueue(t, &job.Record{
		Name: "mail", Retry: true, RetryTimes: 3, RetryInterval: 0,
	})

	var attempts int32
	stop := runLoop(t, h, []string{"mail"}, 1, func(ctx context.Context, view job.PublicView, data any, done func(error)) {
		n := atomic.AddInt32(&attempts, 1)
		if n == 1 {
			done(errors.New("oops"))
			return
		}
		done(nil)
	})
	defer stop()

	rec := h.waitTerminal(t, id, time.Second)
	if rec.State != job.StateSuccess {
		t.Fatalf("expected SUCCESS, got %s", rec.State)
	}
	if len(rec.Runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(rec.Runs))
	}
	if rec.Runs[0].State != job.StateFail {
		t.Errorf("expected run 0 FAIL, got %s", rec.Runs[0].State)
	}
	if rec.Runs[1].State != job.StateSuccess {
		t.Errorf("expected run 1 SUCCESS, got %s", rec.Runs[1].State)
	}
}

func TestRetryExhaustion(t *testing.T) {
	h := newHarness(t)
	defer h.mr.Close()

	id := h.createAndEnqueue(t, &job.Record{
		Name: "mail", Retry: true, RetryTimes: 2, RetryInterval: 0,
	})

	stop := runLoop(t, h, []string{"mail"}, 1, func(ctx context.Context, view job.PublicView, data any, done func(error)) {
		done(errors.New("always fails"))
	})
	defer stop()

	rec := h.waitTerminal(t, id, time.Second)
	if rec.State != job.StateFail {
		t.Fatalf("expected FAIL, got %s", rec.State)
	}
	if rec.Success {
		t.Error("expected success=false")
	}
	if len(rec.Runs) != 3 {
		t.Fatalf("expected 3 runs (retryTimes+1), got %d", len(rec.Runs))
	}
}

func TestGhostOnceThenSucceed(t *testing.T) {
	h := newHarness(t)
	defer h.mr.Close()

	id := h.createAndEnqueue(t, &job.Record{
		Name: "mail", GhostRetry: true, GhostTimes: 1, GhostInterval: 0,
		ProcessTimeout: 50 * time.Millisecond,
	})

	var attempts int32
	stop := runLoop(t, h, []string{"mail"}, 1, func(ctx context.Context, view job.PublicView, data any, done func(error)) {
		n := atomic.AddInt32(&attempts, 1)
		if n == 1 {
			// never call done; let the process timeout fire.
			return
		}
		done(nil)
	})
	defer stop()

	rec := h.waitTerminal(t, id, 2*time.Second)
	if rec.State != job.StateSuccess {
		t.Fatalf("expected SUCCESS, got %s", rec.State)
	}
	if len(rec.Runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(rec.Runs))
	}
	if rec.Runs[0].State != job.StateGhost {
		t.Errorf("expected run 0 GHOST, got %s", rec.Runs[0].State)
	}
	if rec.Runs[1].State != job.StateSuccess {
		t.Errorf("expected run 1 SUCCESS, got %s", rec.Runs[1].State)
	}
}

func TestGhostExhaustion(t *testing.T) {
	h := newHarness(t)
	defer h.mr.Close()

	id := h.createAndEnqueue(t, &job.Record{
		Name: "mail", GhostRetry: true, GhostTimes: 1, GhostInterval: 0,
		ProcessTimeout: 30 * time.Millisecond,
	})

	stop := runLoop(t, h, []string{"mail"}, 1, func(ctx context.Context, view job.PublicView, data any, done func(error)) {
		// never call done; every attempt ghosts.
	})
	defer stop()

	rec := h.waitTerminal(t, id, 2*time.Second)
	if rec.State != job.StateFail {
		t.Fatalf("expected FAIL, got %s", rec.State)
	}
	if len(rec.Runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(rec.Runs))
	}
	for i, r := range rec.Runs {
		if r.State != job.StateGhost {
			t.Errorf("expected run %d GHOST, got %s", i, r.State)
		}
	}
}

func TestThrottledJobIsRequeuedNotDispatched(t *testing.T) {
	h := newHarness(t)
	defer h.mr.Close()

	id := h.createAndEnqueue(t, &job.Record{Name: "mail", Retry: true, RetryTimes: 3})

	// Burst 1, pre-consumed below, so the loop's own pop finds the bucket
	// already empty.
	limiter := ratelimit.New(h.store.Redis(), h.store.Namer(), map[string]ratelimit.Rate{
		"mail": {Limit: 1, Burst: 1},
	})
	if _, err := limiter.Allow(context.Background(), "mail"); err != nil {
		t.Fatalf("pre-exhaust Allow: %v", err)
	}

	var dispatched int32
	loop, err := New(h.pop, h.processor, Config{
		Names:       []string{"mail"},
		Concurrency: 1,
		PopTimeout:  20 * time.Millisecond,
		Limiter:     limiter,
		Callback: func(ctx context.Context, view job.PublicView, data any, done func(error)) {
			atomic.AddInt32(&dispatched, 1)
			done(nil)
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	loop.Run(ctx)

	if atomic.LoadInt32(&dispatched) != 0 {
		t.Fatalf("expected job to never reach the callback while throttled, got %d dispatches", dispatched)
	}

	rec, err := h.store.Fetch(context.Background(), id)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if rec.State != job.StateQueued {
		t.Fatalf("expected requeued job to be QUEUED, got %s", rec.State)
	}
	if len(rec.Runs) != 0 {
		t.Fatalf("expected no runs recorded for a throttled dispatch, got %d", len(rec.Runs))
	}

	depth, _ := h.store.Redis().LLen(context.Background(), h.store.Namer().Queue("mail")).Result()
	if depth != 1 {
		t.Errorf("expected job back on queue:mail, got depth %d", depth)
	}
}

func TestScheduledJobRunsAfterDueTime(t *testing.T) {
	h := newHarness(t)
	defer h.mr.Close()

	due := time.Now().Add(100 * time.Millisecond)
	ctx := context.Background()
	id, err := h.store.Create(ctx, &job.Record{Name: "mail", ScheduledFor: &due})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	// Create leaves the job DELAYED; a Scheduler sweep is what eventually
	// pushes it into queue:mail once it's due (spec.md §4.5).
	rdb := redis.NewClient(&redis.Options{Addr: h.mr.Addr()})
	if err := rdb.ZAdd(ctx, h.store.Namer().Scheduled(), redis.Z{
		Score: float64(due.UnixNano()), Member: id,
	}).Err(); err != nil {
		t.Fatalf("ZAdd: %v", err)
	}

	sched := scheduler.New(h.store, 20*time.Millisecond)
	schedCtx, cancelSched := context.WithCancel(ctx)
	go sched.Run(schedCtx)
	defer cancelSched()

	var called int32
	stop := runLoop(t, h, []string{"mail"}, 1, func(ctx context.Context, view job.PublicView, data any, done func(error)) {
		atomic.AddInt32(&called, 1)
		done(nil)
	})
	defer stop()

	// Within the first 100ms the job must not have run yet.
	time.Sleep(60 * time.Millisecond)
	if atomic.LoadInt32(&called) != 0 {
		t.Fatalf("expected job not yet processed before its due time")
	}

	rec := h.waitTerminal(t, id, 2*time.Second)
	if rec.State != job.StateSuccess {
		t.Fatalf("expected SUCCESS after due time, got %s", rec.State)
	}
}
