// Package router implements the Queue Router of spec.md §4.3: given a Job
// Record, pushes its id onto the correct Redis list or the scheduled
// sorted set based on the record's current state.
package router

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jqcore/jqcore/pkg/job"
	"github.com/jqcore/jqcore/pkg/keys"
)

// Router dispatches a record's id to the queue matching its state.
type Router struct {
	rdb   *redis.Client
	names keys.Namer
}

// New builds a Router over rdb using the given key namer.
func New(rdb *redis.Client, names keys.Namer) *Router {
	return &Router{rdb: rdb, names: names}
}

// Enqueue pushes rec's id onto its destination per spec.md §4.3. Terminal
// states are a no-op (archival only).
func (r *Router) Enqueue(ctx context.Context, rec *job.Record) error {
	switch rec.State {
	case job.StateNew:
		return r.push(ctx, rec.Name, rec.ID)

	case job.StateRetry:
		if rec.RetryInterval > 0 {
			return r.schedule(ctx, rec.ID, time.Now().Add(rec.RetryInterval))
		}
		return r.push(ctx, rec.Name, rec.ID)

	case job.StateGhost:
		if rec.GhostInterval > 0 {
			return r.schedule(ctx, rec.ID, time.Now().Add(rec.GhostInterval))
		}
		return r.push(ctx, rec.Name, rec.ID)

	case job.StateDelayed:
		due := time.Now()
		if rec.ScheduledFor != nil {
			due = *rec.ScheduledFor
		}
		return r.schedule(ctx, rec.ID, due)

	default:
		// Terminal states (SUCCESS, FAIL) and anything else enqueue nothing.
		return nil
	}
}

// Requeue pushes id straight back onto name's queue, bypassing the
// state-based switch in Enqueue. Used by the Worker Loop's rate limiter
// to put a popped-but-not-dispatched job back without touching the
// scheduled set or treating it as a fresh retry/ghost cycle.
func (r *Router) Requeue(ctx context.Context, name, id string) error {
	return r.push(ctx, name, id)
}

func (r *Router) push(ctx context.Context, name, id string) error {
	if err := r.rdb.RPush(ctx, r.names.Queue(name), id).Err(); err != nil {
		return &job.StorageError{Op: "router.push", Err: err}
	}
	return nil
}

func (r *Router) schedule(ctx context.Context, id string, due time.Time) error {
	if err := r.rdb.ZAdd(ctx, r.names.Scheduled(), redis.Z{
		Score:  float64(due.UnixNano()),
		Member: id,
	}).Err(); err != nil {
		return &job.StorageError{Op: "router.schedule", Err: err}
	}
	return nil
}
