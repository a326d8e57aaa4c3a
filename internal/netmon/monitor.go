// Package netmon tracks whether the delivery service is reachable.
package netmon

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultInterval is the probe interval used when none is configured.
const DefaultInterval = 10 * time.Second

// Checker probes reachability.
type Checker interface {
	Ping(ctx context.Context) bool
}

// CheckerFunc adapts a function to the Checker interface.
type CheckerFunc func(ctx context.Context) bool

func (f CheckerFunc) Ping(ctx context.Context) bool { return f(ctx) }

// Monitor combines periodic probes with manual reports into a single
// online/offline signal. Callbacks fire on the first observation and on
// every transition after it.
type Monitor struct {
	checker  Checker
	interval time.Duration
	logger   *slog.Logger

	online   atomic.Bool
	observed atomic.Bool

	// updateMu serializes state changes with their notifications so
	// callbacks see transitions in the order they were recorded.
	updateMu sync.Mutex

	mu        sync.RWMutex
	callbacks []func(bool)
}

// New creates a Monitor. A nil checker disables probing; state then changes
// only through Report.
func New(checker Checker, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Monitor{
		checker:  checker,
		interval: interval,
		logger:   slog.Default(),
	}
}

// SetLogger replaces the monitor's logger.
func (m *Monitor) SetLogger(l *slog.Logger) {
	if l != nil {
		m.logger = l
	}
}

// OnChange registers cb to be called with the new state on every transition.
func (m *Monitor) OnChange(cb func(online bool)) {
	if cb == nil {
		return
	}
	m.mu.Lock()
	m.callbacks = append(m.callbacks, cb)
	m.mu.Unlock()
}

// Check probes once and returns the observed state.
func (m *Monitor) Check(ctx context.Context) bool {
	if m.checker == nil {
		return m.online.Load()
	}
	online := m.checker.Ping(ctx)
	m.update(online)
	return online
}

// Report records a state observed outside the monitor, e.g. by the UI.
func (m *Monitor) Report(online bool) {
	m.update(online)
}

// Online returns the last observed state.
func (m *Monitor) Online() bool {
	return m.online.Load()
}

// Run probes immediately and then every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	if m.checker == nil {
		return
	}
	m.Check(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

func (m *Monitor) update(online bool) {
	m.updateMu.Lock()
	defer m.updateMu.Unlock()

	previous := m.online.Swap(online)
	first := !m.observed.Swap(true)

	if first || previous != online {
		m.logger.Info("network reachability changed", "online", online)
		m.notify(online)
	}
}

func (m *Monitor) notify(online bool) {
	m.mu.RLock()
	callbacks := make([]func(bool), len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.mu.RUnlock()

	for _, cb := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("network callback panicked", "panic", r)
				}
			}()
			cb(online)
		}()
	}
}
