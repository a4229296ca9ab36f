package queue

import (
	"github.com/healthfees-org/workersql-sub000/pkg/log"
	"github.com/robfig/cron/v3"
)

// Sweeper runs the periodic retry_failed_events DLQ sweep as a named cron
// job, distinct from the ad-hoc ticker loops used elsewhere in the core.
type Sweeper struct {
	cron *cron.Cron
	q    *Queue
}

// NewSweeper schedules q.RetryFailedEvents() on the given cron spec (e.g.
// "*/5 * * * *" for every five minutes).
func NewSweeper(q *Queue, spec string) (*Sweeper, error) {
	c := cron.New()
	s := &Sweeper{cron: c, q: q}
	if _, err := c.AddFunc(spec, s.sweep); err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins the cron scheduler in the background.
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop halts the scheduler, waiting for any in-flight sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Sweeper) sweep() {
	clog := log.WithComponent("queue-sweeper")
	requeued, discarded, err := s.q.RetryFailedEvents()
	if err != nil {
		clog.Error().Err(err).Msg("retry_failed_events sweep failed")
		return
	}
	clog.Info().Int("requeued", requeued).Int("discarded", discarded).Msg("retry_failed_events sweep complete")
}
