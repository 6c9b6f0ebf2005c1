package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/cache"
	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/logging"
	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/pipeline"
)

type fakeQueue struct {
	depth, dead int
	err         error
}

func (f *fakeQueue) Depth() (int, error)           { return f.depth, f.err }
func (f *fakeQueue) DeadLetterDepth() (int, error) { return f.dead, f.err }

func newStats(t *testing.T) *cache.Cache {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := cache.NewCache(mr.Host(), mr.Server().Addr().Port, "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestMonitor_Collect(t *testing.T) {
	ctx := context.Background()
	stats := newStats(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, stats.IncrementStat(ctx, OutcomeKey(pipeline.StageExtract, pipeline.OutcomeSucceeded)))
	}
	require.NoError(t, stats.IncrementStat(ctx, OutcomeKey(pipeline.StageExport, pipeline.OutcomeFailed)))

	m := NewMonitor(&fakeQueue{depth: 4, dead: 1}, stats, time.Second, logging.NewNop())
	require.NoError(t, m.Collect(ctx))

	s := m.Stats()
	assert.Equal(t, 4, s.QueueDepth)
	assert.Equal(t, 1, s.DeadLetterDepth)
	assert.Equal(t, int64(3), s.Outcomes["extract:succeeded"])
	assert.Equal(t, int64(1), s.Outcomes["export:failed"])
	assert.Equal(t, int64(0), s.Outcomes["export:cancelled"])
	assert.False(t, s.LastUpdated.IsZero())

	// one failure in four finished stages
	assert.Equal(t, "warning", m.Health())
	assert.Equal(t, []string{"High failure rate: 25.0%"}, m.Alerts())
}

func TestMonitor_Health(t *testing.T) {
	tests := []struct {
		name  string
		queue *fakeQueue
		want  string
	}{
		{"idle", &fakeQueue{}, "healthy"},
		{"backlog", &fakeQueue{depth: 5000}, "warning"},
		{"dead letters", &fakeQueue{dead: 500}, "critical"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMonitor(tt.queue, nil, 0, logging.NewNop())
			require.NoError(t, m.Collect(context.Background()))
			assert.Equal(t, tt.want, m.Health())
		})
	}
}

func TestMonitor_CollectKeepsLastValueOnError(t *testing.T) {
	q := &fakeQueue{depth: 7}
	m := NewMonitor(q, nil, 0, logging.NewNop())
	require.NoError(t, m.Collect(context.Background()))

	q.err = errors.New("channel closed")
	assert.Error(t, m.Collect(context.Background()))
	assert.Equal(t, 7, m.Stats().QueueDepth)
}

func TestMonitor_StatsIsACopy(t *testing.T) {
	m := NewMonitor(nil, nil, 0, logging.NewNop())
	s := m.Stats()
	s.Outcomes["extract:failed"] = 9
	assert.Empty(t, m.Stats().Outcomes)
}
