package main

import (
	"context"
	"time"

	"Bulwark/internal/biz"
	pkglog "Bulwark/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/robfig/cron/v3"
)

// Scheduler drives every periodic control plane task. It runs as a kratos
// transport.Server so the app owns its lifecycle.
type Scheduler struct {
	cron      *cron.Cron
	breakers  *biz.BreakerRegistry
	queues    *biz.QueueBoundaryManager
	domains   *biz.FailureDomainManager
	validator *biz.AutomatedValidator
	logger    *pkglog.LogHelper

	ctx    context.Context
	cancel context.CancelFunc
}

// schedulerJob is one registered cron entry.
type schedulerJob struct {
	spec    string
	name    string
	timeout time.Duration
	run     func(ctx context.Context)
}

// NewScheduler registers the jobs:
//
//	every minute      validator tick, tenant and service recovery
//	every 30 seconds  queue maintenance
//	every 5 minutes   event and history retention
//	every 10 minutes  idle breaker GC
func NewScheduler(breakers *biz.BreakerRegistry, queues *biz.QueueBoundaryManager, domains *biz.FailureDomainManager, validator *biz.AutomatedValidator, logger log.Logger) (*Scheduler, error) {
	s := &Scheduler{
		cron:      cron.New(cron.WithSeconds()),
		breakers:  breakers,
		queues:    queues,
		domains:   domains,
		validator: validator,
		logger:    pkglog.NewLogHelper(logger),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	for _, job := range s.jobs() {
		job := job
		if _, err := s.cron.AddFunc(job.spec, func() { s.runJob(job) }); err != nil {
			s.logger.Errorw("msg", "failed to register cron job", "job", job.name, "error", err)
			return nil, err
		}
	}
	return s, nil
}

func (s *Scheduler) jobs() []schedulerJob {
	return []schedulerJob{
		{
			// Cron expression: 0 * * * * * (second minute hour dom month dow)
			spec: "0 * * * * *", name: "validation-tick", timeout: 50 * time.Second,
			run: func(ctx context.Context) {
				if n := s.validator.RunDue(ctx, time.Now().Truncate(time.Minute)); n > 0 {
					s.logger.Scheduler("validation tick completed", "rules", n)
				}
			},
		},
		{
			spec: "15 * * * * *", name: "recovery-sweep", timeout: 30 * time.Second,
			run: func(ctx context.Context) {
				tenants := s.domains.RecoverTenants(ctx)
				services := s.domains.RecoverServices(ctx)
				if tenants+services > 0 {
					s.logger.Recovery("recovery sweep completed", "tenants", tenants, "services", services)
				}
			},
		},
		{
			spec: "*/30 * * * * *", name: "queue-maintenance", timeout: 20 * time.Second,
			run: func(ctx context.Context) {
				s.queues.Maintain(ctx)
			},
		},
		{
			spec: "30 */5 * * * *", name: "retention-cleanup", timeout: time.Minute,
			run: func(_ context.Context) {
				events := s.domains.Cleanup()
				results := s.validator.CleanupHistory()
				if events+results > 0 {
					s.logger.Scheduler("retention cleanup completed", "events", events, "results", results)
				}
			},
		},
		{
			spec: "45 */10 * * * *", name: "breaker-gc", timeout: time.Minute,
			run: func(_ context.Context) {
				s.breakers.Sweep(0)
			},
		},
	}
}

func (s *Scheduler) runJob(job schedulerJob) {
	ctx, cancel := context.WithTimeout(s.ctx, job.timeout)
	defer cancel()
	ctx = pkglog.WithCorrelationID(ctx, pkglog.NewCorrelationID())

	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorw("msg", "cron job panicked", "job", job.name, "panic", r)
		}
	}()
	job.run(ctx)
}

// Start implements transport.Server.
func (s *Scheduler) Start(_ context.Context) error {
	s.cron.Start()
	s.logger.Scheduler("cron jobs started", "jobs", len(s.cron.Entries()))
	return nil
}

// Stop implements transport.Server and waits for running jobs.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	s.logger.Scheduler("cron jobs stopped")
	return nil
}
