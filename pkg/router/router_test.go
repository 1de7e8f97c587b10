package router

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/jqcore/jqcore/pkg/job"
	"github.com/jqcore/jqcore/pkg/keys"
)

func setup(t *testing.T) (*miniredis.Miniredis, *redis.Client, *Router, keys.Namer) {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	names := keys.New("goqueue")
	return s, rdb, New(rdb, names), names
}

func TestEnqueueNewPushesToQueue(t *testing.T) {
	s, rdb, r, names := setup(t)
	defer s.Close()
	ctx := context.Background()

	rec := &job.Record{ID: "1", Name: "mail", State: job.StateNew}
	if err := r.Enqueue(ctx, rec); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	n, _ := rdb.LLen(ctx, names.Queue("mail")).Result()
	if n != 1 {
		t.Errorf("expected queue length 1, got %d", n)
	}
}

func TestEnqueueRetryWithIntervalSchedules(t *testing.T) {
	s, rdb, r, names := setup(t)
	defer s.Close()
	ctx := context.Background()

	rec := &job.Record{ID: "1", Name: "mail", State: job.StateRetry, RetryInterval: time.Minute}
	if err := r.Enqueue(ctx, rec); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	n, _ := rdb.ZCard(ctx, names.Scheduled()).Result()
	if n != 1 {
		t.Errorf("expected scheduled set length 1, got %d", n)
	}
}

func TestEnqueueRetryWithoutIntervalPushesImmediately(t *testing.T) {
	s, rdb, r, names := setup(t)
	defer s.Close()
	ctx := context.Background()

	rec := &job.Record{ID: "1", Name: "mail", State: job.StateRetry}
	if err := r.Enqueue(ctx, rec); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	n, _ := rdb.LLen(ctx, names.Queue("mail")).Result()
	if n != 1 {
		t.Errorf("expected queue length 1, got %d", n)
	}
}

func TestEnqueueTerminalIsNoop(t *testing.T) {
	s, rdb, r, names := setup(t)
	defer s.Close()
	ctx := context.Background()

	for _, st := range []job.State{job.StateSuccess, job.StateFail} {
		rec := &job.Record{ID: "1", Name: "mail", State: st}
		if err := r.Enqueue(ctx, rec); err != nil {
			t.Fatalf("Enqueue(%s): %v", st, err)
		}
	}

	qn, _ := rdb.LLen(ctx, names.Queue("mail")).Result()
	sn, _ := rdb.ZCard(ctx, names.Scheduled()).Result()
	if qn != 0 || sn != 0 {
		t.Errorf("expected no queue/scheduled entries for terminal states, got queue=%d scheduled=%d", qn, sn)
	}
}

func TestPushOrderIsFIFO(t *testing.T) {
	s, rdb, r, names := setup(t)
	defer s.Close()
	ctx := context.Background()

	for _, id := range []string{"1", "2", "3"} {
		rec := &job.Record{ID: id, Name: "mail", State: job.StateNew}
		if err := r.Enqueue(ctx, rec); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	vals, err := rdb.LRange(ctx, names.Queue("mail"), 0, -1).Result()
	if err != nil {
		t.Fatalf("LRange: %v", err)
	}
	want := []string{"1", "2", "3"}
	for i, v := range want {
		if vals[i] != v {
			t.Errorf("position %d: want %s, got %s", i, v, vals[i])
		}
	}
}
