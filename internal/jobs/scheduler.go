// Package jobs runs periodic maintenance on a cron schedule.
package jobs

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	"wikimap/api/internal/logging"
	"wikimap/api/internal/metrics"
)

// Job is one scheduled task. Spec uses the standard five-field cron syntax or
// a descriptor such as "@every 10m".
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) error
}

type Scheduler struct {
	cron *cron.Cron
	jobs []Job
}

func NewScheduler(jobs ...Job) *Scheduler {
	return &Scheduler{
		cron: cron.New(),
		jobs: jobs,
	}
}

// Start registers every job and starts the cron loop. A malformed spec fails
// the whole start so misconfiguration is caught at boot.
func (s *Scheduler) Start(ctx context.Context) error {
	for _, job := range s.jobs {
		if _, err := s.cron.AddFunc(job.Spec, func() { s.runOnce(ctx, job) }); err != nil {
			return fmt.Errorf("schedule %s (%q): %w", job.Name, job.Spec, err)
		}
	}
	s.cron.Start()
	logging.Info().Int("jobs", len(s.jobs)).Msg("scheduler started")
	return nil
}

func (s *Scheduler) runOnce(ctx context.Context, job Job) {
	if err := job.Run(ctx); err != nil {
		metrics.SweepRuns.WithLabelValues(job.Name, "error").Inc()
		logging.Error().Err(err).Str("job", job.Name).Msg("scheduled job failed")
		return
	}
	metrics.SweepRuns.WithLabelValues(job.Name, "ok").Inc()
	logging.Debug().Str("job", job.Name).Msg("scheduled job finished")
}

// Stop waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	logging.Info().Msg("scheduler stopped")
}

// Invalidator is the slice of cache.Registry the sweep needs.
type Invalidator interface {
	Invalidate(ctx context.Context, name, key string) error
}

// CacheSweep drops every entry of the named cache on each run, bounding how
// stale it can get if an invalidation was lost.
func CacheSweep(name, spec string, inv Invalidator, cacheName string) Job {
	return Job{
		Name: name,
		Spec: spec,
		Run: func(ctx context.Context) error {
			return inv.Invalidate(ctx, cacheName, "")
		},
	}
}
