// Package main implements the GoQueue worker process: the Worker Loop of
// spec.md §4.6, wired to a Redis-backed Job Store, Queue Router, Pop
// Model, Scheduler, and housekeeping cron, with Prometheus metrics
// exposed for scraping.
//
// Usage:
//
//	go run ./cmd/worker
//
// Redis address, namespace, concurrency, and timeouts come from
// GOQUEUE_* environment variables (see pkg/config).
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/jqcore/jqcore/pkg/config"
	"github.com/jqcore/jqcore/pkg/job"
	"github.com/jqcore/jqcore/pkg/logger"
	"github.com/jqcore/jqcore/pkg/maintenance"
	"github.com/jqcore/jqcore/pkg/pop"
	"github.com/jqcore/jqcore/pkg/ratelimit"
	"github.com/jqcore/jqcore/pkg/router"
	"github.com/jqcore/jqcore/pkg/scheduler"
	"github.com/jqcore/jqcore/pkg/store"
	"github.com/jqcore/jqcore/pkg/worker"
)

// jobNames lists the job kinds this worker process handles. A production
// deployment would load this from config too; it's fixed here the way
// the teacher fixed its task-type switch in cmd/worker/main.go.
var jobNames = []string{"mail", "image_resize", "generic"}

// rateLimits caps mail and image_resize dispatch independently of the
// loop's overall concurrency; generic jobs are left unthrottled.
var rateLimits = map[string]ratelimit.Rate{
	"mail":         {Limit: 5, Burst: 10},
	"image_resize": {Limit: 2, Burst: 4},
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("failed to load configuration")
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	st := store.New(rdb, cfg.Namespace)
	rt := router.New(rdb, st.Namer())
	popModel := pop.New(st)
	processor := worker.NewProcessor(st, rt)
	limiter := ratelimit.New(rdb, st.Namer(), rateLimits)

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		logger.Log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server listening")
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Log.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Log.Info().Msg("shutting down worker")
		cancel()
	}()

	sched := scheduler.New(st, cfg.SchedulerTick)
	go sched.Run(ctx)

	housekeeper := maintenance.New(st, jobNames)
	if err := housekeeper.Start(cfg.MaintenanceCron); err != nil {
		logger.Log.Error().Err(err).Msg("failed to start housekeeper")
	}
	defer housekeeper.Stop()

	loop, err := worker.New(popModel, processor, worker.Config{
		Names:          jobNames,
		Callback:       dispatch,
		Concurrency:    cfg.WorkerConcurrency,
		PopTimeout:     cfg.PopTimeout,
		DefaultTimeout: cfg.ProcessTimeout,
		Limiter:        limiter,
	})
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("failed to construct worker loop")
	}

	logger.Log.Info().Strs("names", jobNames).Int("concurrency", cfg.WorkerConcurrency).
		Msg("worker loop starting")
	if err := loop.Run(ctx); err != nil && err != context.Canceled {
		logger.Log.Error().Err(err).Msg("worker loop exited")
	}
}

// dispatch routes a popped job to a type-specific handler, mirroring the
// teacher's task.Type switch in cmd/worker/main.go but keyed on job name.
func dispatch(ctx context.Context, view job.PublicView, data any, done func(error)) {
	start := time.Now()
	log := logger.WithComponent("worker")

	var err error
	switch view.Name {
	case "mail":
		err = sendMail(data)
	case "image_resize":
		err = resizeImage(data)
	default:
		err = processGeneric(data)
	}

	log.Info().Str("id", view.ID).Str("name", view.Name).Int("attempt", view.Attempt).
		Dur("elapsed", time.Since(start)).Err(err).Msg("job attempt finished")
	done(err)
}

func sendMail(data any) error {
	time.Sleep(50 * time.Millisecond)
	return nil
}

func resizeImage(data any) error {
	time.Sleep(150 * time.Millisecond)
	return nil
}

func processGeneric(data any) error {
	time.Sleep(10 * time.Millisecond)
	return nil
}
