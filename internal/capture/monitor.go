package capture

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultStatusInterval is how often the monitor samples the engine
const DefaultStatusInterval = 100 * time.Millisecond

// StatusSink receives every status the monitor samples
type StatusSink interface {
	Publish(Status)
}

// Monitor samples engine status on the control side, logs the transitions
// the real-time path cannot log itself and forwards each sample to its sinks.
type Monitor struct {
	engine   *Engine
	logger   *slog.Logger
	interval time.Duration

	mu    sync.Mutex
	sinks []StatusSink
	last  Status
	seen  bool
}

// NewMonitor creates a monitor for engine. A non-positive interval selects
// DefaultStatusInterval.
func NewMonitor(logger *slog.Logger, engine *Engine, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultStatusInterval
	}
	return &Monitor{
		engine:   engine,
		logger:   logger,
		interval: interval,
	}
}

// Subscribe adds a sink for status samples
func (m *Monitor) Subscribe(sink StatusSink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks = append(m.sinks, sink)
}

// Run polls until ctx is cancelled
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info("Capture monitor started", slog.Duration("interval", m.interval))

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Capture monitor stopped")
			return nil
		case <-ticker.C:
			m.Poll()
		}
	}
}

// Poll samples the engine once, logs changes since the previous sample and
// publishes the result.
func (m *Monitor) Poll() Status {
	status := m.engine.Status()

	m.mu.Lock()
	prev, seen := m.last, m.seen
	m.last, m.seen = status, true
	sinks := append([]StatusSink(nil), m.sinks...)
	m.mu.Unlock()

	if seen {
		m.logTransitions(prev, status)
	}

	for _, sink := range sinks {
		sink.Publish(status)
	}
	return status
}

func (m *Monitor) logTransitions(prev, cur Status) {
	if prev.Paused != cur.Paused {
		if cur.Paused {
			m.logger.Info("Capture paused on silence",
				slog.Float64("silence_seconds", cur.SilenceSeconds),
				slog.Int("write_position", cur.WritePosition))
		} else {
			m.logger.Info("Capture resumed after silence",
				slog.Int("write_position", cur.WritePosition))
		}
	}

	if prev.Frozen != cur.Frozen {
		if cur.Frozen {
			m.logger.Info("Capture frozen", slog.Int("write_position", cur.WritePosition))
		} else {
			m.logger.Info("Capture thawed", slog.Int("write_position", cur.WritePosition))
		}
	}

	if prev.Prepared != cur.Prepared || prev.Capacity != cur.Capacity {
		m.logger.Debug("Capture ring changed",
			slog.Bool("prepared", cur.Prepared),
			slog.Int("capacity", cur.Capacity),
			slog.Float64("duration_seconds", cur.DurationSeconds))
	}
}
