// Package store implements the Job Store of spec.md §4.1: CRUD over Job
// Records in Redis, with id allocation, state indexing, and time
// indexing.
package store

import (
	"context"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/redis/go-redis/v9"

	"github.com/jqcore/jqcore/pkg/job"
	"github.com/jqcore/jqcore/pkg/keys"
	"github.com/jqcore/jqcore/pkg/logger"
)

// cacheSize bounds the read-through cache fronting Fetch. Create and Save
// refresh the cached copy, so a job fetched soon after it was written (by
// its creator right after Create, or by the Pop Model after an enqueue)
// skips the full HGETALL; a cache hit still reads the hash's state field.
const cacheSize = 4096

// Store is the Redis-backed Job Store.
type Store struct {
	rdb   *redis.Client
	names keys.Namer
	cache *lru.Cache
}

// New builds a Store against the given Redis client under the given
// namespace prefix.
func New(rdb *redis.Client, namespace string) *Store {
	c, err := lru.New(cacheSize)
	if err != nil {
		// Only returns an error for a non-positive size, which cacheSize
		// never is.
		panic(err)
	}
	return &Store{
		rdb:   rdb,
		names: keys.New(namespace),
		cache: c,
	}
}

// Create allocates the next job id, assigns it to rec, and persists the
// record, its state index membership, and its creation-time index entry.
// Each write is issued in order; the first failure aborts the remaining
// steps and is surfaced as a *job.StorageError.
func (s *Store) Create(ctx context.Context, rec *job.Record) (string, error) {
	id, err := s.rdb.Incr(ctx, s.names.ID()).Result()
	if err != nil {
		return "", &job.StorageError{Op: "create.incr", Err: err}
	}

	rec.ID = strconv.FormatInt(id, 10)
	rec.Defaults()
	now := time.Now()
	rec.CreateTime = now
	rec.UpdateTime = now

	if rec.IsScheduled(now) {
		rec.State = job.StateDelayed
	} else if rec.State == "" {
		rec.State = job.StateNew
	}

	data, err := rec.Marshal()
	if err != nil {
		return "", &job.StorageError{Op: "create.marshal", Err: err}
	}

	if err := s.rdb.HSet(ctx, s.names.Job(rec.ID), map[string]any{
		"itemData": data,
		"state":    string(rec.State),
	}).Err(); err != nil {
		return "", &job.StorageError{Op: "create.hset", Err: err}
	}

	if err := s.rdb.SAdd(ctx, s.names.State(rec.State), rec.ID).Err(); err != nil {
		return "", &job.StorageError{Op: "create.sadd", Err: err}
	}

	if err := s.IndexTime(ctx, rec); err != nil {
		return "", err
	}

	s.cache.Add(rec.ID, cloneRecord(rec))
	return rec.ID, nil
}

// Fetch loads the Job Record for id, applying the hash's separately
// stored state field as authoritative over whatever the serialized
// itemData says (spec.md §4.1's "state field wins" rule).
func (s *Store) Fetch(ctx context.Context, id string) (*job.Record, error) {
	if cached, ok := s.cache.Get(id); ok {
		rec := cloneRecord(cached.(*job.Record))
		return s.applyAuthoritativeState(ctx, id, rec)
	}

	h, err := s.rdb.HGetAll(ctx, s.names.Job(id)).Result()
	if err != nil {
		return nil, &job.StorageError{Op: "fetch.hgetall", Err: err}
	}
	if len(h) == 0 {
		return nil, &job.NotFoundError{ID: id}
	}

	rec, err := job.Unmarshal([]byte(h["itemData"]))
	if err != nil {
		return nil, &job.CorruptError{ID: id, Err: err}
	}
	if rec.ID != id {
		return nil, &job.NotFoundError{ID: id}
	}

	if st, ok := h["state"]; ok && st != "" {
		rec.State = job.State(st)
	}

	s.cache.Add(id, cloneRecord(rec))
	return rec, nil
}

// applyAuthoritativeState re-reads only the hash's state field for a
// cache hit, so a state transition written by another path (e.g. the
// Scheduler) is never masked by a stale cached itemData payload.
func (s *Store) applyAuthoritativeState(ctx context.Context, id string, rec *job.Record) (*job.Record, error) {
	st, err := s.rdb.HGet(ctx, s.names.Job(id), "state").Result()
	if err == redis.Nil {
		return nil, &job.NotFoundError{ID: id}
	}
	if err != nil {
		return nil, &job.StorageError{Op: "fetch.hget.state", Err: err}
	}
	rec.State = job.State(st)
	return rec, nil
}

// Save writes itemData only. Callers that also change the record's state
// must separately call UpdateStateIndex.
func (s *Store) Save(ctx context.Context, rec *job.Record) error {
	rec.UpdateTime = time.Now()
	data, err := rec.Marshal()
	if err != nil {
		return &job.StorageError{Op: "save.marshal", Err: err}
	}
	if err := s.rdb.HSet(ctx, s.names.Job(rec.ID), "itemData", data).Err(); err != nil {
		return &job.StorageError{Op: "save.hset", Err: err}
	}
	s.cache.Add(rec.ID, cloneRecord(rec))
	return nil
}

// UpdateStateIndex moves id's membership from the old state index set to
// the new one and writes the new authoritative state field, driving the
// transition explicitly rather than relying on callers to restore and
// re-overwrite a prior value (spec.md §9, second Open Question).
func (s *Store) UpdateStateIndex(ctx context.Context, id string, old, new_ job.State) error {
	pipe := s.rdb.TxPipeline()
	if old != "" && old != new_ {
		pipe.SRem(ctx, s.names.State(old), id)
	}
	pipe.SAdd(ctx, s.names.State(new_), id)
	pipe.HSet(ctx, s.names.Job(id), "state", string(new_))
	if _, err := pipe.Exec(ctx); err != nil {
		return &job.StorageError{Op: "updateStateIndex", Err: err}
	}
	if cached, ok := s.cache.Get(id); ok {
		rec := cached.(*job.Record)
		rec.State = new_
	}
	return nil
}

// IndexTime writes rec's creation timestamp into the creation-time sorted
// set.
func (s *Store) IndexTime(ctx context.Context, rec *job.Record) error {
	if err := s.rdb.ZAdd(ctx, s.names.TimeIndex(), redis.Z{
		Score:  float64(rec.CreateTime.UnixNano()),
		Member: rec.ID,
	}).Err(); err != nil {
		return &job.StorageError{Op: "indexTime", Err: err}
	}
	return nil
}

// SetResult stores the terminal outcome of a job under a 24h TTL,
// generalized from the teacher's per-task SetResult/GetResult pair.
func (s *Store) SetResult(ctx context.Context, id string, data []byte) error {
	if err := s.rdb.Set(ctx, s.names.Result(id), data, 24*time.Hour).Err(); err != nil {
		return &job.StorageError{Op: "setResult", Err: err}
	}
	return nil
}

// GetResult retrieves a previously stored result. Returns *job.NotFoundError
// if no result has been stored (or it has expired).
func (s *Store) GetResult(ctx context.Context, id string) ([]byte, error) {
	v, err := s.rdb.Get(ctx, s.names.Result(id)).Bytes()
	if err == redis.Nil {
		return nil, &job.NotFoundError{ID: id}
	}
	if err != nil {
		return nil, &job.StorageError{Op: "getResult", Err: err}
	}
	return v, nil
}

// QueueDepths returns the current length of the queue list of each given
// job name (keyed "queue:<name>") and of the scheduled set (keyed
// "scheduled"), for the stats HTTP endpoint and the queue-depth gauge.
// State index sets and the time index are not included.
func (s *Store) QueueDepths(ctx context.Context, names []string) map[string]int64 {
	depths := make(map[string]int64, len(names)+1)
	for _, name := range names {
		if n, err := s.rdb.LLen(ctx, s.names.Queue(name)).Result(); err == nil {
			depths["queue:"+name] = n
		} else {
			logger.Log.Warn().Err(err).Str("queue", name).Msg("failed to read queue depth")
		}
	}
	if n, err := s.rdb.ZCard(ctx, s.names.Scheduled()).Result(); err == nil {
		depths["scheduled"] = n
	}
	return depths
}

// Redis exposes the underlying client for collaborators (Router, Pop
// Model, Scheduler) that need direct Redis access under the same
// namespace.
func (s *Store) Redis() *redis.Client { return s.rdb }

// Namer exposes the key namer this store uses.
func (s *Store) Namer() keys.Namer { return s.names }

func cloneRecord(r *job.Record) *job.Record {
	cp := *r
	cp.Runs = append([]job.Run(nil), r.Runs...)
	return &cp
}

