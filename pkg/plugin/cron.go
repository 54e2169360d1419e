package plugin

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/harun/sandbridge/internal/metrics"
)

// scheduleParser accepts the standard five fields, an optional leading
// seconds field, and descriptors such as @hourly or @every 30s.
var scheduleParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule validates a schedule expression
func ParseSchedule(spec string) (cron.Schedule, error) {
	sched, err := scheduleParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid cron schedule %q: %w", spec, err)
	}
	return sched, nil
}

// cronScheduler runs scheduled jobs locally. Ticks never depend on the host
// acknowledging the registration.
type cronScheduler struct {
	cron    *cron.Cron
	logger  zerolog.Logger
	metrics *metrics.Metrics
	plugin  func() string
	ctx     context.Context
}

func newCronScheduler(ctx context.Context, loc *time.Location, logger zerolog.Logger, m *metrics.Metrics, plugin func() string) *cronScheduler {
	if loc == nil {
		loc = time.Local
	}
	return &cronScheduler{
		cron:    cron.New(cron.WithParser(scheduleParser), cron.WithLocation(loc)),
		logger:  logger,
		metrics: m,
		plugin:  plugin,
		ctx:     ctx,
	}
}

func (s *cronScheduler) start() {
	s.cron.Start()
}

// stop halts the scheduler without waiting for running jobs.
func (s *cronScheduler) stop() {
	s.cron.Stop()
}

func (s *cronScheduler) add(spec string, handler CronHandler) (cron.EntryID, error) {
	sched, err := ParseSchedule(spec)
	if err != nil {
		return 0, err
	}

	id := s.cron.Schedule(sched, cron.FuncJob(func() {
		s.tick(spec, handler)
	}))
	return id, nil
}

func (s *cronScheduler) tick(spec string, handler CronHandler) {
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cron handler panicked: %v", r)
		}
		if err != nil {
			s.logger.Error().Err(err).Str("schedule", spec).Msg("Cron job failed")
		}
		s.metrics.RecordCronTick(s.plugin(), err)
	}()

	if s.ctx.Err() != nil {
		return
	}
	err = handler(s.ctx)
}

func (s *cronScheduler) entries() int {
	return len(s.cron.Entries())
}
