package match

import (
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tandem/chat-server/internal/metrics"
)

// ScheduleSweep registers a cron job that evicts already-stale waiting
// entries on the given schedule (standard cron spec, e.g. "@every 1m").
// The sweep never changes matching semantics: it only removes entries the
// claim scan would have skipped and lazily evicted anyway. Returns the
// started cron runner so the caller can Stop it on shutdown.
func ScheduleSweep(spec string, pool *Pool, staleness time.Duration) (*cron.Cron, error) {
	runner := cron.New()
	_, err := runner.AddFunc(spec, func() {
		if dropped := pool.Sweep(time.Now(), staleness); dropped > 0 {
			metrics.WaitingPoolSize.Set(float64(pool.Len()))
			log.Printf("[match] sweep evicted %d stale waiting entries", dropped)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("match: invalid sweep schedule %q: %w", spec, err)
	}
	runner.Start()
	log.Printf("[match] waiting-pool sweep scheduled (%s)", spec)
	return runner, nil
}
