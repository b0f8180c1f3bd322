package metrics

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/digi4care/overstory-sub000/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "metrics.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAssignsMonotonicIDs(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	id1, err := s.Record(domain.SessionMetric{
		SessionID: "builder-1", Capability: domain.CapabilityBuilder,
		StartedAt: now, DurationMs: 1500, RecordedAt: now,
	})
	require.NoError(t, err)
	id2, err := s.Record(domain.SessionMetric{
		SessionID: "builder-2", Capability: domain.CapabilityBuilder,
		StartedAt: now, DurationMs: 2500, RecordedAt: now.Add(time.Second),
	})
	require.NoError(t, err)

	require.Greater(t, id2, id1)
}

func TestListMetricsFiltersByCapabilityAndWindow(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().UTC()

	_, err := s.Record(domain.SessionMetric{SessionID: "scout-1", Capability: domain.CapabilityScout, StartedAt: base, DurationMs: 100, RecordedAt: base})
	require.NoError(t, err)
	_, err = s.Record(domain.SessionMetric{SessionID: "builder-1", Capability: domain.CapabilityBuilder, StartedAt: base, DurationMs: 200, RecordedAt: base.Add(time.Minute)})
	require.NoError(t, err)
	_, err = s.Record(domain.SessionMetric{SessionID: "builder-2", Capability: domain.CapabilityBuilder, StartedAt: base, DurationMs: 300, RecordedAt: base.Add(2 * time.Minute)})
	require.NoError(t, err)

	builders, err := s.ListMetrics(domain.MetricsQuery{Capability: domain.CapabilityBuilder})
	require.NoError(t, err)
	require.Len(t, builders, 2)
	require.Equal(t, int64(200), builders[0].DurationMs)
	require.Equal(t, int64(300), builders[1].DurationMs)

	since := base.Add(90 * time.Second)
	recent, err := s.ListMetrics(domain.MetricsQuery{Since: &since})
	require.NoError(t, err)
	require.Len(t, recent, 1)
	require.Equal(t, "builder-2", recent[0].SessionID)

	limited, err := s.ListMetrics(domain.MetricsQuery{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
}
