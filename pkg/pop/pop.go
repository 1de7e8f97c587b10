// Package pop implements the Pop Model of spec.md §4.4: a blocking
// multi-list pop across the per-job-name queues, returning a
// fully-hydrated Job Record ready to process.
package pop

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jqcore/jqcore/pkg/job"
	"github.com/jqcore/jqcore/pkg/keys"
	"github.com/jqcore/jqcore/pkg/store"
)

// Model performs blocking pops across the queues of a fixed set of job
// names, hydrating and lease-transitioning whatever it pops.
type Model struct {
	rdb   *redis.Client
	names keys.Namer
	store *store.Store
}

// New builds a Pop Model over the given Store, sharing its Redis client
// and namer.
func New(st *store.Store) *Model {
	return &Model{rdb: st.Redis(), names: st.Namer(), store: st}
}

// Pop blocks up to timeout across queue:<name> for each of names, then
// fetches, leases (PROCESSING + fresh Run), and returns the full Job
// Record. Returns a *job.EmptyError if nothing arrived within timeout.
//
// If the popped id's record is missing or corrupt, the id is discarded
// and Pop is attempted once more — a stale queue entry pointing at a
// record that no longer exists should not wedge the caller.
func (m *Model) Pop(ctx context.Context, names []string, timeout time.Duration) (*job.Record, error) {
	return m.pop(ctx, names, timeout, true)
}

func (m *Model) pop(ctx context.Context, names []string, timeout time.Duration, retryOnMiss bool) (*job.Record, error) {
	queues := make([]string, len(names))
	for i, n := range names {
		queues[i] = m.names.Queue(n)
	}
	result, err := m.rdb.BLPop(ctx, timeout, queues...).Result()
	if err == redis.Nil {
		return nil, &job.EmptyError{}
	}
	if err != nil {
		return nil, &job.StorageError{Op: "pop.blpop", Err: err}
	}

	id := result[1]

	rec, err := m.store.Fetch(ctx, id)
	if err != nil {
		if (job.IsNotFound(err) || job.IsCorrupt(err)) && retryOnMiss {
			return m.pop(ctx, names, timeout, false)
		}
		return nil, err
	}

	old := rec.State
	now := time.Now()
	rec.State = job.StateProcessing
	rec.Runs = append(rec.Runs, job.Run{
		Count:     len(rec.Runs) + 1,
		StartTime: now,
		State:     job.StateProcessing,
	})

	if err := m.store.UpdateStateIndex(ctx, rec.ID, old, job.StateProcessing); err != nil {
		return nil, err
	}
	if err := m.store.Save(ctx, rec); err != nil {
		return nil, err
	}

	return rec, nil
}
