package metrics

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecordDispatchAggregatesCounters(t *testing.T) {
	m := &Metrics{startTime: global.startTime}
	m.MinLatencyMs.Store(int64(^uint64(0) >> 1))
	m.tsChan = make(chan timeSeriesEvent, 8)
	m.initTimeSeries()

	m.RecordDispatch("send_email", "default", "success", 12)
	m.RecordDispatch("send_email", "default", "retry_scheduled", 40)
	m.RecordDispatch("send_email", "default", "dead_lettered", 5)

	snap := m.Snapshot()
	dispatches := snap["dispatches"].(map[string]interface{})
	require.Equal(t, int64(3), dispatches["total"])
	require.Equal(t, int64(1), dispatches["success"])
	require.Equal(t, int64(1), dispatches["retry_scheduled"])
	require.Equal(t, int64(1), dispatches["dead_lettered"])
	require.Equal(t, int64(2), dispatches["failed"])
}

func TestTaskStatsTracksPerTaskMinMax(t *testing.T) {
	m := &Metrics{startTime: global.startTime}
	m.MinLatencyMs.Store(int64(^uint64(0) >> 1))
	m.tsChan = make(chan timeSeriesEvent, 8)
	m.initTimeSeries()

	m.RecordDispatch("resize_image", "media", "success", 100)
	m.RecordDispatch("resize_image", "media", "success", 20)
	m.RecordDispatch("resize_image", "media", "success", 300)

	stats := m.TaskStats()["resize_image"].(map[string]interface{})
	require.Equal(t, int64(3), stats["dispatches"])
	require.Equal(t, int64(20), stats["min_ms"])
	require.Equal(t, int64(300), stats["max_ms"])
}

func TestGetTaskMetricsReturnsNilForUnknownTask(t *testing.T) {
	m := &Metrics{startTime: global.startTime}
	require.Nil(t, m.GetTaskMetrics("never-dispatched"))
}
