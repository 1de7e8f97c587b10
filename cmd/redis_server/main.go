// Package main runs a standalone in-process Redis server for local
// development against this repository's key layout, so cmd/worker and
// cmd/server can be pointed at 127.0.0.1:6379 without a real Redis
// install.
package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/alicebob/miniredis/v2"

	"github.com/jqcore/jqcore/pkg/config"
	"github.com/jqcore/jqcore/pkg/keys"
)

// jobNames mirrors cmd/worker's job set, only so the startup log can show
// the queue keys a developer will actually see populate.
var jobNames = []string{"mail", "image_resize", "generic"}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	s := miniredis.NewMiniRedis()
	if err := s.StartAddr(cfg.RedisAddr); err != nil {
		log.Fatalf("failed to start miniredis: %v", err)
	}
	defer s.Close()

	log.Printf("miniredis listening on %s, namespace %q", s.Addr(), cfg.Namespace)

	names := keys.New(cfg.Namespace)
	for _, name := range jobNames {
		log.Printf("  %s", names.Queue(name))
	}
	log.Printf("  %s", names.Scheduled())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("shutting down miniredis")
}
