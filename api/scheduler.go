/*
scheduler.go - Scheduled batch jobs

PURPOSE:
  Runs the maintenance jobs on cron schedules in the club's time zone:

    recompute_training   rebuild every training rollup from approved
                         entries and repair drift (TrainingAggregator)
    expire_memberships   clear the official flag of lapsed members
                         (AccountService)

DESIGN:
  - robfig/cron with SkipIfStillRunning: a slow run is never overlapped
  - Recover: a panicking job is logged, the scheduler keeps running
  - Each run is timed into metrics.ObserveJob and logged
  - An empty schedule disables that job

USAGE:
  scheduler, err := NewScheduler(engine, cfg.Schedules, loc, log)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: RecomputeTraining endpoint (manual run)
  - rewards/training.go: Recompute
*/
package api

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/warp/points-engine/config"
	"github.com/warp/points-engine/metrics"
	"github.com/warp/points-engine/rewards"
)

const (
	JobRecomputeTraining = "recompute_training"
	JobExpireMemberships = "expire_memberships"
)

// Scheduler owns the cron runner and the job bodies.
type Scheduler struct {
	Engine  *rewards.Engine
	Log     logrus.FieldLogger
	Timeout time.Duration

	cron *cron.Cron
	jobs map[string]func(context.Context) (logrus.Fields, error)
}

// NewScheduler registers every job with a non-empty schedule.
func NewScheduler(engine *rewards.Engine, schedules config.Schedules, loc *time.Location, log logrus.FieldLogger) (*Scheduler, error) {
	logger := cronLogger{log: log}
	s := &Scheduler{
		Engine:  engine,
		Log:     log,
		Timeout: 30 * time.Minute,
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
	}
	s.jobs = map[string]func(context.Context) (logrus.Fields, error){
		JobRecomputeTraining: s.recomputeTraining,
		JobExpireMemberships: s.expireMemberships,
	}

	for name, spec := range map[string]string{
		JobRecomputeTraining: schedules.RecomputeTraining,
		JobExpireMemberships: schedules.ExpireMemberships,
	} {
		if spec == "" {
			log.WithField("job", name).Info("job disabled")
			continue
		}
		name := name
		if _, err := s.cron.AddFunc(spec, func() { _ = s.Run(context.Background(), name) }); err != nil {
			return nil, fmt.Errorf("schedule %s %q: %w", name, spec, err)
		}
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.Log.WithField("jobs", len(s.cron.Entries())).Info("scheduler started")
}

// Stop waits for running jobs to finish or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop().Done()
	select {
	case <-done:
		s.Log.Info("scheduler stopped")
	case <-ctx.Done():
		s.Log.Warn("scheduler stop timed out with jobs still running")
	}
}

// Run executes one job immediately.
func (s *Scheduler) Run(ctx context.Context, name string) error {
	job, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}
	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	started := time.Now()
	fields, err := job(ctx)
	metrics.ObserveJob(name, started, err)

	entry := s.Log.WithFields(fields).WithFields(logrus.Fields{
		"job":         name,
		"duration_ms": time.Since(started).Milliseconds(),
	})
	if err != nil {
		entry.WithError(err).Error("job failed")
		return err
	}
	entry.Info("job completed")
	return nil
}

func (s *Scheduler) recomputeTraining(ctx context.Context) (logrus.Fields, error) {
	res, err := s.Engine.Training.Recompute(ctx, false)
	return logrus.Fields{
		"accounts_scanned": res.AccountsScanned,
		"entries_replayed": res.EntriesReplayed,
		"accounts_updated": res.AccountsUpdated,
	}, err
}

func (s *Scheduler) expireMemberships(ctx context.Context) (logrus.Fields, error) {
	n, err := s.Engine.Accounts.ExpireMemberships(ctx)
	return logrus.Fields{"expired": n}, err
}

// cronLogger adapts logrus to cron.Logger.
type cronLogger struct {
	log logrus.FieldLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.WithFields(kvFields(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.WithFields(kvFields(keysAndValues)).WithError(err).Error(msg)
}

func kvFields(kv []interface{}) logrus.Fields {
	f := logrus.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		f[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return f
}
