package main

import (
	"context"
	"testing"
	"time"

	"Bulwark/internal/biz"
	"Bulwark/internal/conf"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	logger := log.DefaultLogger
	c := &conf.Resilience{Queues: []conf.Queue{{Name: "jobs"}}}
	breakers := biz.NewBreakerRegistry(c, nil, nil, nil, logger)
	queues, err := biz.NewQueueBoundaryManager(c, nil, nil, nil, nil, nil, logger)
	require.NoError(t, err)
	domains := biz.NewFailureDomainManager(c, breakers, queues, nil, nil, nil, logger)
	validator, err := biz.NewValidationEngine(c, breakers, queues, domains, nil, nil, nil, nil, logger)
	require.NoError(t, err)

	s, err := NewScheduler(breakers, queues, domains, validator, logger)
	require.NoError(t, err)
	return s
}

func TestScheduler_RegistersJobs(t *testing.T) {
	s := newTestScheduler(t)
	assert.Len(t, s.cron.Entries(), len(s.jobs()))

	names := map[string]bool{}
	for _, job := range s.jobs() {
		names[job.name] = true
		assert.Positive(t, job.timeout)
	}
	for _, want := range []string{"validation-tick", "recovery-sweep", "queue-maintenance", "retention-cleanup", "breaker-gc"} {
		assert.True(t, names[want], want)
	}
}

func TestScheduler_RunJobRecoversPanic(t *testing.T) {
	s := newTestScheduler(t)

	var ran bool
	assert.NotPanics(t, func() {
		s.runJob(schedulerJob{name: "boom", timeout: time.Second, run: func(ctx context.Context) {
			ran = true
			panic("boom")
		}})
	})
	assert.True(t, ran)
}

func TestScheduler_JobsRunWithoutPanicking(t *testing.T) {
	s := newTestScheduler(t)
	for _, job := range s.jobs() {
		job := job
		assert.NotPanics(t, func() { job.run(context.Background()) }, job.name)
	}
}

func TestScheduler_StartStop(t *testing.T) {
	s := newTestScheduler(t)
	require.NoError(t, s.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.Error(t, s.ctx.Err())
}
