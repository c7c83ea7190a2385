package daemon

import (
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job is a named unit of scheduled work.
type Job interface {
	Run() error
	Name() string
}

// cronScheduler wraps robfig/cron for the daemon's fixed-cadence jobs
// (log retention). The refresh cycle and snapshot loop run on their own
// self-rescheduling tickers instead, since a cycle that overruns must start
// its successor immediately rather than wait for the next cron tick.
type cronScheduler struct {
	cron *cron.Cron
	log  zerolog.Logger
}

func newCronScheduler(log zerolog.Logger) *cronScheduler {
	return &cronScheduler{
		cron: cron.New(cron.WithSeconds()),
		log:  log.With().Str("component", "scheduler").Logger(),
	}
}

func (s *cronScheduler) start() { s.cron.Start() }

func (s *cronScheduler) stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *cronScheduler) addJob(schedule string, job Job) error {
	_, err := s.cron.AddFunc(schedule, func() {
		s.log.Debug().Str("job", job.Name()).Msg("running scheduled job")
		if err := job.Run(); err != nil {
			s.log.Error().Err(err).Str("job", job.Name()).Msg("scheduled job failed")
		}
	})
	return err
}
