package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/jqcore/jqcore/pkg/job"
	"github.com/jqcore/jqcore/pkg/store"
)

func TestScheduledJobBecomesRunnableAfterDueTime(t *testing.T) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer s.Close()

	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	st := store.New(rdb, "goqueue")
	sched := New(st, 10*time.Millisecond)

	ctx := context.Background()
	due := time.Now().Add(20 * time.Millisecond)
	id, err := st.Create(ctx, &job.Record{Name: "mail", ScheduledFor: &due})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	rec, err := st.Fetch(ctx, id)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if rec.State != job.StateDelayed {
		t.Fatalf("expected DELAYED, got %s", rec.State)
	}

	if err := rdb.ZAdd(ctx, st.Namer().Scheduled(), redis.Z{
		Score:  float64(due.UnixNano()),
		Member: id,
	}).Err(); err != nil {
		t.Fatalf("ZAdd: %v", err)
	}

	// Before the due time, a sweep should not move it.
	sched.sweep(ctx)
	stillDelayed, _ := st.Fetch(ctx, id)
	if stillDelayed.State != job.StateDelayed {
		t.Fatalf("expected still DELAYED before due time, got %s", stillDelayed.State)
	}

	time.Sleep(30 * time.Millisecond)
	sched.sweep(ctx)

	activated, err := st.Fetch(ctx, id)
	if err != nil {
		t.Fatalf("Fetch after sweep: %v", err)
	}
	if activated.State != job.StateQueued {
		t.Fatalf("expected QUEUED after due time, got %s", activated.State)
	}

	n, _ := rdb.LLen(ctx, st.Namer().Queue("mail")).Result()
	if n != 1 {
		t.Errorf("expected job pushed to queue:mail, got length %d", n)
	}
}
