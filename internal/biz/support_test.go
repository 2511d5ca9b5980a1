package biz

import (
	"context"
	"os"
	"sync"
	"time"

	"Bulwark/internal/model"

	"github.com/go-kratos/kratos/v2/log"
)

var testLogger = log.NewStdLogger(os.Stdout)

// fakeClock is a manually advanced clock shared by components under test.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// recordingSink collects audit entries.
type recordingSink struct {
	mu      sync.Mutex
	entries []model.AuditEntry
}

func (s *recordingSink) LogEvent(_ context.Context, entry *model.AuditEntry) {
	s.mu.Lock()
	s.entries = append(s.entries, *entry)
	s.mu.Unlock()
}

func (s *recordingSink) actions(action string) []model.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.AuditEntry
	for _, e := range s.entries {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

func newTestOutbox(size int) *EventOutbox {
	return &EventOutbox{ch: make(chan model.ResilienceEvent, size), now: time.Now}
}

func succeed(v interface{}) Operation {
	return func(context.Context) (interface{}, error) { return v, nil }
}

func fail(err error) Operation {
	return func(context.Context) (interface{}, error) { return nil, err }
}
