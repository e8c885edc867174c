package fstorage

import (
	"sync/atomic"
	"time"
)

// MetricsCollector receives operation metrics. Implementations must be safe
// for concurrent use.
type MetricsCollector interface {
	RecordSync(status string, rows int64, duration time.Duration, err error)
	RecordSearch(kind string, k int, duration time.Duration, err error)
	RecordReplay(tables int, duration time.Duration)
}

// NoopMetricsCollector discards all metrics.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordSync(string, int64, time.Duration, error)  {}
func (NoopMetricsCollector) RecordSearch(string, int, time.Duration, error) {}
func (NoopMetricsCollector) RecordReplay(int, time.Duration)                {}

// BasicMetricsCollector counts operations with atomic counters.
type BasicMetricsCollector struct {
	SyncCount      atomic.Int64
	SyncErrors     atomic.Int64
	RowsWritten    atomic.Int64
	SearchCount    atomic.Int64
	SearchErrors   atomic.Int64
	ReplayedTables atomic.Int64
}

func (m *BasicMetricsCollector) RecordSync(_ string, rows int64, _ time.Duration, err error) {
	m.SyncCount.Add(1)
	m.RowsWritten.Add(rows)
	if err != nil {
		m.SyncErrors.Add(1)
	}
}

func (m *BasicMetricsCollector) RecordSearch(_ string, _ int, _ time.Duration, err error) {
	m.SearchCount.Add(1)
	if err != nil {
		m.SearchErrors.Add(1)
	}
}

func (m *BasicMetricsCollector) RecordReplay(tables int, _ time.Duration) {
	m.ReplayedTables.Add(int64(tables))
}
