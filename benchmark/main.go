// Package main provides a benchmark tool for GoQueue to measure job
// processing throughput. It enqueues a large number of dummy jobs and
// measures completion time.
//
// Usage:
//
//	go run benchmark/main.go -jobs 100000
package main

import (
	"context"
	"flag"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jqcore/jqcore/pkg/job"
	"github.com/jqcore/jqcore/pkg/router"
	"github.com/jqcore/jqcore/pkg/store"
)

func main() {
	numJobs := flag.Int("jobs", 100000, "Number of jobs to enqueue")
	numWorkers := flag.Int("workers", 10, "Number of concurrent enqueuers")
	flag.Parse()

	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	st := store.New(rdb, "goqueue-bench")
	rt := router.New(rdb, st.Namer())
	ctx := context.Background()

	fmt.Printf("GoQueue Benchmark\n")
	fmt.Printf("=================\n")
	fmt.Printf("Jobs to enqueue: %d\n", *numJobs)
	fmt.Printf("Concurrent workers: %d\n\n", *numWorkers)

	fmt.Printf("Starting enqueue phase...\n")
	startEnqueue := time.Now()

	var wg sync.WaitGroup
	var enqueued atomic.Int64
	jobsPerWorker := *numJobs / *numWorkers

	for i := 0; i < *numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for j := 0; j < jobsPerWorker; j++ {
				rec := &job.Record{
					Name: "benchmark",
					Data: map[string]any{"worker": workerID, "job": j},
				}
				id, err := st.Create(ctx, rec)
				if err != nil {
					fmt.Printf("Error creating job: %v\n", err)
					return
				}
				fetched, err := st.Fetch(ctx, id)
				if err != nil {
					fmt.Printf("Error fetching job: %v\n", err)
					return
				}
				if err := rt.Enqueue(ctx, fetched); err != nil {
					fmt.Printf("Error enqueuing job: %v\n", err)
					return
				}
				enqueued.Add(1)
			}
		}(i)
	}

	wg.Wait()
	enqueueTime := time.Since(startEnqueue)

	fmt.Printf("Enqueued %d jobs in %s\n", enqueued.Load(), enqueueTime)
	fmt.Printf("  Throughput: %.2f jobs/sec\n\n", float64(enqueued.Load())/enqueueTime.Seconds())

	fmt.Printf("Waiting for all jobs to drain from queue:benchmark...\n")
	startProcess := time.Now()

	for {
		depths := st.QueueDepths(ctx, []string{"benchmark"})
		remaining := depths["queue:benchmark"]

		if remaining == 0 {
			break
		}

		time.Sleep(2 * time.Second)
		fmt.Printf("  Remaining: %d jobs\n", remaining)
	}

	processTime := time.Since(startProcess)

	fmt.Printf("\nAll jobs drained in %s\n", processTime)
	fmt.Printf("  Throughput: %.2f jobs/sec\n", float64(*numJobs)/processTime.Seconds())

	totalTime := enqueueTime + processTime
	fmt.Printf("\nTotal time: %s\n", totalTime)
	fmt.Printf("Overall throughput: %.2f jobs/sec\n", float64(*numJobs)/totalTime.Seconds())
}
