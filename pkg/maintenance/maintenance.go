// Package maintenance runs operational housekeeping on a cron schedule:
// a periodic queue-depth metrics snapshot and a trim of the creation-time
// index beyond a retention window. This is distinct from pkg/scheduler,
// which activates user jobs on an absolute due timestamp — spec.md's
// Non-goals exclude cron syntax for *job* scheduling, not for internal
// operational tasks.
package maintenance

import (
	"context"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jqcore/jqcore/pkg/logger"
	"github.com/jqcore/jqcore/pkg/metrics"
	"github.com/jqcore/jqcore/pkg/store"
)

// Retention is how long, measured from creation time, job ids stay in the
// creation-time index before a housekeeping tick trims them. Ids are
// trimmed whether or not their job has completed.
const Retention = 7 * 24 * time.Hour

// Housekeeper drives periodic maintenance via a cron schedule, kept in
// the teacher's robfig/cron idiom.
type Housekeeper struct {
	store *store.Store
	names []string
	cron  *cron.Cron
}

// New builds a Housekeeper for the given Store, tracking queue depths for
// the given job names.
func New(st *store.Store, jobNames []string) *Housekeeper {
	return &Housekeeper{
		store: st,
		names: jobNames,
		cron:  cron.New(),
	}
}

// Start registers the housekeeping job on spec (a cron expression such as
// "@every 1m") and starts the cron scheduler in the background.
func (h *Housekeeper) Start(spec string) error {
	_, err := h.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		h.tick(ctx)
	})
	if err != nil {
		return err
	}
	h.cron.Start()
	return nil
}

// Stop stops the cron scheduler, waiting for any in-flight tick.
func (h *Housekeeper) Stop() {
	<-h.cron.Stop().Done()
}

func (h *Housekeeper) tick(ctx context.Context) {
	depths := h.store.QueueDepths(ctx, h.names)
	for queue, depth := range depths {
		metrics.QueueDepth.WithLabelValues(queue).Set(float64(depth))
	}

	cutoff := float64(time.Now().Add(-Retention).UnixNano())
	removed, err := h.store.Redis().ZRemRangeByScore(ctx, h.store.Namer().TimeIndex(),
		"-inf", strconv.FormatFloat(cutoff, 'f', -1, 64)).Result()
	if err != nil {
		logger.Log.Error().Err(err).Msg("housekeeping: time-index trim failed")
		return
	}
	if removed > 0 {
		logger.Log.Info().Int64("removed", removed).Msg("housekeeping: trimmed time-index")
	}
}
