package observability

import (
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsObservers(t *testing.T) {
	m := NewMetrics(fmt.Sprintf("threadvoice_test_obs_%d", time.Now().UnixNano()))

	m.ObserveComment("accepted")
	m.ObserveComment("accepted")
	m.ObserveComment("dropped_seen")
	m.SetStreaming(true)

	if got := testutil.ToFloat64(m.Comments.WithLabelValues("accepted")); got != 2 {
		t.Fatalf("comments_total{accepted} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.StreamingActive); got != 1 {
		t.Fatalf("streaming_active = %v, want 1", got)
	}
	m.SetStreaming(false)
	if got := testutil.ToFloat64(m.StreamingActive); got != 0 {
		t.Fatalf("streaming_active = %v, want 0", got)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveComment("accepted")
	m.ObserveSynthesisLatency(time.Second)
	m.SetStreaming(true)
}
