package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsUseIsolatedRegistries(t *testing.T) {
	first := NewMetrics()
	second := NewMetrics()

	first.ObserveCommit(3)
	first.ObserveCommit(0)
	first.ObserveChange("accepted")
	first.ObserveSync("success", time.Second)

	if got := testutil.ToFloat64(first.DocumentsCommittedTotal); got != 3 {
		t.Fatalf("expected 3 committed documents, got %v", got)
	}
	if got := testutil.ToFloat64(first.CommitsTotal); got != 1 {
		t.Fatalf("expected one commit, got %v", got)
	}
	if got := testutil.ToFloat64(first.ChangesApplied.WithLabelValues("accepted")); got != 1 {
		t.Fatalf("expected one accepted change, got %v", got)
	}
	if got := testutil.ToFloat64(second.DocumentsCommittedTotal); got != 0 {
		t.Fatalf("expected second registry untouched, got %v", got)
	}
	if testutil.ToFloat64(first.LastSyncTimestamp) == 0 {
		t.Fatalf("expected last sync timestamp to be set")
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.ObserveCommit(1)
	m.ObserveStage()
	m.ObserveHTTP("/", "200", time.Millisecond)
	m.SetStaged(2)
}
