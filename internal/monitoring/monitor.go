package monitoring

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/logging"
	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/metrics"
	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/pipeline"
)

// Alert thresholds
const (
	maxDeadLetters  = 100
	maxQueueDepth   = 1000
	maxFailureRatio = 0.1
)

// Stats is a snapshot of the run queue and of stage outcomes across all
// processes sharing the cache
type Stats struct {
	QueueDepth      int              `json:"queue_depth"`
	DeadLetterDepth int              `json:"dead_letter_depth"`
	Outcomes        map[string]int64 `json:"outcomes"`
	LastUpdated     time.Time        `json:"last_updated"`
}

// QueueProvider reports queue depths
type QueueProvider interface {
	Depth() (int, error)
	DeadLetterDepth() (int, error)
}

// StatsProvider reads shared counters
type StatsProvider interface {
	GetStat(ctx context.Context, stat string) (int64, error)
}

// Monitor periodically collects queue and outcome statistics. Either source
// may be nil.
type Monitor struct {
	queue    QueueProvider
	stats    StatsProvider
	interval time.Duration
	logger   *logging.Logger

	mu      sync.RWMutex
	current Stats
}

// NewMonitor creates a new monitor
func NewMonitor(queue QueueProvider, stats StatsProvider, interval time.Duration, logger *logging.Logger) *Monitor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Monitor{
		queue:    queue,
		stats:    stats,
		interval: interval,
		logger:   logger,
		current:  Stats{Outcomes: map[string]int64{}},
	}
}

// OutcomeKey names the counter for a stage outcome
func OutcomeKey(stage string, outcome pipeline.Outcome) string {
	return stage + ":" + string(outcome)
}

// Start collects in the background until ctx ends
func (m *Monitor) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			if err := m.Collect(ctx); err != nil {
				m.logger.WarnWithErr("Failed to collect run statistics", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// Collect refreshes the snapshot once. Sources that fail keep their last value.
func (m *Monitor) Collect(ctx context.Context) error {
	var errs []error
	next := m.Stats()

	if m.queue != nil {
		if n, err := m.queue.Depth(); err != nil {
			errs = append(errs, fmt.Errorf("failed to get queue depth: %w", err))
		} else {
			next.QueueDepth = n
		}
		if n, err := m.queue.DeadLetterDepth(); err != nil {
			errs = append(errs, fmt.Errorf("failed to get dead letter depth: %w", err))
		} else {
			next.DeadLetterDepth = n
		}
		metrics.UpdateQueueDepth(next.QueueDepth, next.DeadLetterDepth)
	}

	if m.stats != nil {
		for _, stage := range []string{pipeline.StageExtract, pipeline.StageExport} {
			for _, outcome := range []pipeline.Outcome{pipeline.OutcomeSucceeded, pipeline.OutcomeCancelled, pipeline.OutcomeFailed} {
				key := OutcomeKey(stage, outcome)
				n, err := m.stats.GetStat(ctx, key)
				if err != nil {
					errs = append(errs, fmt.Errorf("failed to get %s count: %w", key, err))
					continue
				}
				next.Outcomes[key] = n
			}
		}
	}

	next.LastUpdated = time.Now()
	m.mu.Lock()
	m.current = next
	m.mu.Unlock()

	return errors.Join(errs...)
}

// Stats returns a copy of the latest snapshot
func (m *Monitor) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := m.current
	s.Outcomes = make(map[string]int64, len(m.current.Outcomes))
	for k, v := range m.current.Outcomes {
		s.Outcomes[k] = v
	}
	return s
}

// failureRatio is failed over finished stages
func (s Stats) failureRatio() (float64, bool) {
	var total, failed int64
	for k, v := range s.Outcomes {
		total += v
		if k == OutcomeKey(pipeline.StageExtract, pipeline.OutcomeFailed) || k == OutcomeKey(pipeline.StageExport, pipeline.OutcomeFailed) {
			failed += v
		}
	}
	if total == 0 {
		return 0, false
	}
	return float64(failed) / float64(total), true
}

// Health summarizes the snapshot as healthy, warning or critical
func (m *Monitor) Health() string {
	s := m.Stats()
	if s.DeadLetterDepth > maxDeadLetters {
		return "critical"
	}
	if s.QueueDepth > maxQueueDepth {
		return "warning"
	}
	if r, ok := s.failureRatio(); ok && r > maxFailureRatio {
		return "warning"
	}
	return "healthy"
}

// Alerts lists the thresholds the snapshot exceeds
func (m *Monitor) Alerts() []string {
	s := m.Stats()
	var alerts []string

	if s.DeadLetterDepth > maxDeadLetters {
		alerts = append(alerts, fmt.Sprintf("High dead letter depth: %d requests", s.DeadLetterDepth))
	}
	if s.QueueDepth > maxQueueDepth {
		alerts = append(alerts, fmt.Sprintf("High queue depth: %d runs pending", s.QueueDepth))
	}
	if r, ok := s.failureRatio(); ok && r > maxFailureRatio {
		alerts = append(alerts, fmt.Sprintf("High failure rate: %.1f%%", r*100))
	}
	return alerts
}
