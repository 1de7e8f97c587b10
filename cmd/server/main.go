// Package main implements the GoQueue HTTP API server for job creation
// and inspection.
//
// API Endpoints:
//
//	POST /jobs              - create a job
//	GET  /jobs/{id}         - fetch a job record
//	GET  /jobs/{id}/result  - fetch a job's stored result
//	GET  /stats             - queue depths
//	GET  /queues/{name}     - inspect the first N ids waiting in a queue
//
// Usage:
//
//	go run ./cmd/server
package main

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/jqcore/jqcore/pkg/config"
	"github.com/jqcore/jqcore/pkg/job"
	"github.com/jqcore/jqcore/pkg/logger"
	"github.com/jqcore/jqcore/pkg/router"
	"github.com/jqcore/jqcore/pkg/store"
)

// authMiddleware wraps an http.HandlerFunc and enforces API Key authentication.
func authMiddleware(next http.HandlerFunc, requiredKey string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if requiredKey == "" {
			next(w, r)
			return
		}
		if r.Header.Get("X-API-Key") != requiredKey {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// enableCORS wraps an http.HandlerFunc and adds CORS headers.
func enableCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key, X-Request-Id")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}

// traceMiddleware stamps every request with a uuid-backed trace id, used
// in structured logs to correlate a create call with the job it produced.
func traceMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get("X-Request-Id")
		if traceID == "" {
			traceID = uuid.New().String()
		}
		w.Header().Set("X-Request-Id", traceID)
		next(w, r)
	}
}

func setupRouter(st *store.Store, rt *router.Router, apiKey string, jobNames []string) *http.ServeMux {
	mux := http.NewServeMux()
	log := logger.WithComponent("server")

	mux.HandleFunc("/jobs", traceMiddleware(enableCORS(authMiddleware(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req struct {
			Name           string `json:"name"`
			Data           any    `json:"data"`
			Retry          bool   `json:"retry"`
			RetryTimes     int    `json:"retryTimes"`
			RetryInterval  int64  `json:"retryIntervalMs"`
			GhostRetry     bool   `json:"ghostRetry"`
			GhostTimes     int    `json:"ghostTimes"`
			GhostInterval  int64  `json:"ghostIntervalMs"`
			ProcessTimeout int64  `json:"processTimeoutMs"`
			ScheduledForMs int64  `json:"scheduledForMs"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Name == "" {
			http.Error(w, "missing name", http.StatusBadRequest)
			return
		}

		rec := &job.Record{
			Name:           req.Name,
			Data:           req.Data,
			Retry:          req.Retry,
			RetryTimes:     req.RetryTimes,
			RetryInterval:  time.Duration(req.RetryInterval) * time.Millisecond,
			GhostRetry:     req.GhostRetry,
			GhostTimes:     req.GhostTimes,
			GhostInterval:  time.Duration(req.GhostInterval) * time.Millisecond,
			ProcessTimeout: time.Duration(req.ProcessTimeout) * time.Millisecond,
		}
		if req.ScheduledForMs > 0 {
			t := time.UnixMilli(req.ScheduledForMs)
			rec.ScheduledFor = &t
		}

		id, err := st.Create(r.Context(), rec)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		fetched, err := st.Fetch(r.Context(), id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if err := rt.Enqueue(r.Context(), fetched); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		log.Info().Str("id", id).Str("name", req.Name).
			Str("trace_id", w.Header().Get("X-Request-Id")).Msg("job created")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"id": id})
	}, apiKey))))

	mux.HandleFunc("/jobs/", traceMiddleware(enableCORS(authMiddleware(func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/jobs/")
		id, sub, _ := strings.Cut(path, "/")
		if id == "" {
			http.Error(w, "missing job id", http.StatusBadRequest)
			return
		}

		if sub == "result" {
			result, err := st.GetResult(r.Context(), id)
			if job.IsNotFound(err) {
				http.Error(w, "result not found", http.StatusNotFound)
				return
			}
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.Write(result)
			return
		}

		rec, err := st.Fetch(r.Context(), id)
		if job.IsNotFound(err) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(rec)
	}, apiKey))))

	mux.HandleFunc("/stats", traceMiddleware(enableCORS(authMiddleware(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		depths := st.QueueDepths(r.Context(), jobNames)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(depths)
	}, apiKey))))

	mux.HandleFunc("/queues/", traceMiddleware(enableCORS(authMiddleware(func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, "/queues/")
		if name == "" {
			http.Error(w, "missing queue name", http.StatusBadRequest)
			return
		}
		ids, err := st.Redis().LRange(r.Context(), st.Namer().Queue(name), 0, 49).Result()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"queue": name, "ids": ids})
	}, apiKey))))

	return mux
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("failed to load configuration")
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	st := store.New(rdb, cfg.Namespace)
	rt := router.New(rdb, st.Namer())

	if cfg.APIKey == "" {
		logger.Log.Warn().Msg("API_KEY not set, authentication disabled")
	}

	jobNames := []string{"mail", "image_resize", "generic"}
	mux := setupRouter(st, rt, cfg.APIKey, jobNames)

	logger.Log.Info().Str("addr", cfg.APIAddr).Msg("server listening")
	if err := http.ListenAndServe(cfg.APIAddr, mux); err != nil {
		logger.Log.Fatal().Err(err).Msg("server failed")
	}
}
