package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/linea-world-id/state-bridge-relayer/logging"
	"github.com/linea-world-id/state-bridge-relayer/utils"
)

type Job struct {
	Name     string
	Schedule string
	Timeout  time.Duration
	Func     func(ctx context.Context) error
}

// Scheduler runs jobs on cron schedules. A job is skipped when its previous
// run is still in progress. Running jobs get drain to finish once the
// scheduler is stopped.
type Scheduler struct {
	logger logging.Logger
	cron   *cron.Cron
	drain  time.Duration
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

func New(logger logging.Logger, drain time.Duration) *Scheduler {
	logger = logger.WithField("component", "scheduler")
	l := &cronLogger{logger}
	return &Scheduler{
		logger: logger,
		drain:  drain,
		cron:   cron.New(cron.WithLogger(l), cron.WithChain(cron.Recover(l), cron.SkipIfStillRunning(l))),
		ctx:    context.Background(),
		cancel: func() {},
	}
}

func (s *Scheduler) Add(job *Job) error {
	_, err := s.cron.AddJob(job.Schedule, cron.FuncJob(func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()
		_ = RunOnce(ctx, s.logger, job)
	}))
	if err != nil {
		return fmt.Errorf("can't schedule job %s: %w", job.Name, err)
	}
	s.logger.WithFields(logrus.Fields{
		"job":      job.Name,
		"schedule": job.Schedule,
	}).Info("scheduled job")
	return nil
}

func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = utils.WithDrain(ctx, s.drain)
	s.mu.Unlock()
	s.cron.Start()
}

// Stop prevents new runs and waits for running jobs to return. Jobs still
// running after the drain timeout have their context cancelled.
func (s *Scheduler) Stop() {
	done := s.cron.Stop().Done()
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()

	defer cancel()
	select {
	case <-done:
		return
	default:
	}
	timer := time.NewTimer(s.drain)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		s.logger.Warn("running jobs did not finish in time, cancelling them")
		cancel()
		<-done
	}
}

// RunOnce executes the job a single time, bounded by its timeout.
func RunOnce(ctx context.Context, logger logging.Logger, job *Job) error {
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}
	logger = logger.WithField("job", job.Name)
	start := time.Now()
	err := job.Func(ctx)
	duration := time.Since(start)
	JobDurations.WithLabelValues(job.Name).Observe(duration.Seconds())
	if err != nil {
		JobRuns.WithLabelValues(job.Name, "error").Inc()
		logger.WithError(err).WithField("duration", duration).Error("job failed")
		return err
	}
	JobRuns.WithLabelValues(job.Name, "ok").Inc()
	logger.WithField("duration", duration).Debug("job finished")
	return nil
}

type cronLogger struct {
	logger logging.Logger
}

func fields(keysAndValues []interface{}) logrus.Fields {
	res := make(logrus.Fields, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		res[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return res
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(fields(keysAndValues)).Debug(msg)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.WithError(err).WithFields(fields(keysAndValues)).Error(msg)
}
