package sync

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultInterval is the delay between passes.
const DefaultInterval = 60 * time.Second

// Passer runs one sync pass.
type Passer interface {
	RunPass(ctx context.Context) Report
}

// Manager drives passes on a fixed delay and keeps the last report. The
// delay is measured from the end of one pass to the start of the next.
type Manager struct {
	engine   Passer
	interval time.Duration
	log      logrus.FieldLogger

	mu     sync.RWMutex
	last   *Report
	passes int
}

func NewManager(engine Passer, interval time.Duration, log logrus.FieldLogger) *Manager {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Manager{engine: engine, interval: interval, log: log.WithField("component", "sync")}
}

// Run blocks until ctx is done. The first pass starts after one interval.
func (m *Manager) Run(ctx context.Context) error {
	m.log.WithField("interval", m.interval).Info("sync loop started")
	timer := time.NewTimer(m.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			m.log.Info("sync loop stopped")
			return ctx.Err()
		case <-timer.C:
			m.RunOnce(ctx)
			timer.Reset(m.interval)
		}
	}
}

// RunOnce runs a pass immediately and records its report.
func (m *Manager) RunOnce(ctx context.Context) Report {
	report := m.engine.RunPass(ctx)

	m.mu.Lock()
	m.last = &report
	m.passes++
	m.mu.Unlock()
	return report
}

// LastReport returns the most recent pass report, if any pass has run.
func (m *Manager) LastReport() (Report, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.last == nil {
		return Report{}, false
	}
	return *m.last, true
}

func (m *Manager) Passes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.passes
}

func (m *Manager) Interval() time.Duration {
	return m.interval
}
