package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

type streamMetrics struct {
	mu             sync.Mutex
	chunksBySource map[string]uint64
	bytesBySource  map[string]uint64
	failuresByCode map[string]uint64
	pullLatency    *histogram
	activeSessions int64
}

var streamCollector = &streamMetrics{
	chunksBySource: make(map[string]uint64),
	bytesBySource:  make(map[string]uint64),
	failuresByCode: make(map[string]uint64),
	pullLatency:    newHistogram(),
}

// ObserveChunkDelivered records one delivered chunk and its payload size.
func ObserveChunkDelivered(source string, bytes int) {
	streamCollector.mu.Lock()
	defer streamCollector.mu.Unlock()
	streamCollector.chunksBySource[source]++
	if bytes > 0 {
		streamCollector.bytesBySource[source] += uint64(bytes)
	}
}

// ObserveStreamFailure counts a terminal stream failure by error code.
func ObserveStreamFailure(code string) {
	streamCollector.mu.Lock()
	defer streamCollector.mu.Unlock()
	streamCollector.failuresByCode[code]++
}

// ObservePullDuration records how long one source pull took.
func ObservePullDuration(duration time.Duration) {
	streamCollector.mu.Lock()
	defer streamCollector.mu.Unlock()
	streamCollector.pullLatency.observe(duration.Seconds())
}

// SessionOpened increments the active session gauge.
func SessionOpened() {
	streamCollector.mu.Lock()
	defer streamCollector.mu.Unlock()
	streamCollector.activeSessions++
}

// SessionClosed decrements the active session gauge.
func SessionClosed() {
	streamCollector.mu.Lock()
	defer streamCollector.mu.Unlock()
	if streamCollector.activeSessions > 0 {
		streamCollector.activeSessions--
	}
}

func (m *streamMetrics) render() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var builder strings.Builder
	builder.Grow(1024)

	builder.WriteString("# HELP rill_chunks_delivered_total Total number of chunks delivered to consumers.\n")
	builder.WriteString("# TYPE rill_chunks_delivered_total counter\n")
	for _, source := range sortedKeys(m.chunksBySource) {
		builder.WriteString(fmt.Sprintf("rill_chunks_delivered_total{source=\"%s\"} %d\n",
			escape(source), m.chunksBySource[source]))
	}

	builder.WriteString("# HELP rill_bytes_delivered_total Total payload bytes delivered to consumers.\n")
	builder.WriteString("# TYPE rill_bytes_delivered_total counter\n")
	for _, source := range sortedKeys(m.bytesBySource) {
		builder.WriteString(fmt.Sprintf("rill_bytes_delivered_total{source=\"%s\"} %d\n",
			escape(source), m.bytesBySource[source]))
	}

	builder.WriteString("# HELP rill_stream_failures_total Total number of streams that ended in an error state.\n")
	builder.WriteString("# TYPE rill_stream_failures_total counter\n")
	for _, code := range sortedKeys(m.failuresByCode) {
		builder.WriteString(fmt.Sprintf("rill_stream_failures_total{code=\"%s\"} %d\n",
			escape(code), m.failuresByCode[code]))
	}

	builder.WriteString("# HELP rill_pull_duration_seconds Source pull duration in seconds.\n")
	builder.WriteString("# TYPE rill_pull_duration_seconds histogram\n")
	for idx, bound := range m.pullLatency.buckets {
		builder.WriteString(fmt.Sprintf("rill_pull_duration_seconds_bucket{le=\"%s\"} %d\n",
			formatFloat(bound), m.pullLatency.counts[idx]))
	}
	builder.WriteString(fmt.Sprintf("rill_pull_duration_seconds_bucket{le=\"+Inf\"} %d\n", m.pullLatency.count))
	builder.WriteString(fmt.Sprintf("rill_pull_duration_seconds_sum %s\n", formatFloat(m.pullLatency.sum)))
	builder.WriteString(fmt.Sprintf("rill_pull_duration_seconds_count %d\n", m.pullLatency.count))

	builder.WriteString("# HELP rill_active_sessions Number of currently open delivery sessions.\n")
	builder.WriteString("# TYPE rill_active_sessions gauge\n")
	builder.WriteString(fmt.Sprintf("rill_active_sessions %d\n", m.activeSessions))

	return builder.String()
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
