// Package scheduler implements the periodic due-time sweep of spec.md
// §4.5: moves delayed/retry/ghost-delayed ids whose score has passed into
// their active queue.
package scheduler

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jqcore/jqcore/pkg/job"
	"github.com/jqcore/jqcore/pkg/keys"
	"github.com/jqcore/jqcore/pkg/logger"
	"github.com/jqcore/jqcore/pkg/store"
)

// dueScript atomically pops every member of the scheduled set whose score
// is <= now, mirroring the teacher's Lua-script-for-atomicity idiom so
// concurrent scheduler instances never double-claim the same id.
var dueScript = redis.NewScript(`
local scheduled_key = KEYS[1]
local now = tonumber(ARGV[1])
local ids = redis.call('ZRANGEBYSCORE', scheduled_key, '-inf', now)
if #ids > 0 then
	redis.call('ZREMRANGEBYSCORE', scheduled_key, '-inf', now)
end
return ids
`)

// Scheduler periodically moves due ids from the scheduled sorted set into
// their destination queue.
type Scheduler struct {
	store *store.Store
	names keys.Namer
	tick  time.Duration
}

// New builds a Scheduler ticking at the given interval (spec.md suggests
// ~1s).
func New(st *store.Store, tick time.Duration) *Scheduler {
	return &Scheduler{store: st, names: st.Namer(), tick: tick}
}

// Run ticks until ctx is cancelled. Per-id failures within a tick are
// logged and do not abort the rest of the tick.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	now := float64(time.Now().UnixNano())
	result, err := dueScript.Run(ctx, s.store.Redis(), []string{s.names.Scheduled()}, now).Result()
	if err != nil && err != redis.Nil {
		logger.Log.Error().Err(err).Msg("scheduler sweep failed")
		return
	}

	ids, ok := result.([]interface{})
	if !ok {
		return
	}

	for _, raw := range ids {
		id, ok := raw.(string)
		if !ok {
			continue
		}
		if err := s.activate(ctx, id); err != nil {
			logger.Log.Error().Err(err).Str("id", id).Msg("scheduler failed to activate job")
		}
	}
}

// activate fetches id's record, reads its authoritative state, clears its
// delay fields, and pushes it onto its destination queue as QUEUED.
func (s *Scheduler) activate(ctx context.Context, id string) error {
	rec, err := s.store.Fetch(ctx, id)
	if err != nil {
		return err
	}

	old := rec.State
	rec.ScheduledFor = nil
	rec.RetryInterval = 0
	rec.GhostInterval = 0
	rec.State = job.StateQueued

	if err := s.store.UpdateStateIndex(ctx, rec.ID, old, job.StateQueued); err != nil {
		return err
	}
	if err := s.store.Save(ctx, rec); err != nil {
		return err
	}

	if err := s.store.Redis().RPush(ctx, s.names.Queue(rec.Name), rec.ID).Err(); err != nil {
		return &job.StorageError{Op: "scheduler.push", Err: err}
	}
	return nil
}
