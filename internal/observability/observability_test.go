package observability

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestStageWindowSnapshot(t *testing.T) {
	w := newStageWindow(8)
	w.Observe(StageSummarize, 500)
	w.Observe(StageSummarize, 700)
	w.Observe(StageSummarize, 900)
	w.ObserveIndicator("consolidated")
	w.ObserveIndicator("consolidated")

	snap := w.Snapshot()
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Samples != 3 || s.LastMS != 900 || s.P50MS != 700 {
		t.Fatalf("unexpected stats: %+v", s)
	}
	if s.P95MS <= 700 || s.P95MS > 900 {
		t.Fatalf("P95MS = %.2f, want (700,900]", s.P95MS)
	}
	if s.TargetP95MS != 8000 {
		t.Fatalf("TargetP95MS = %.2f, want 8000", s.TargetP95MS)
	}
	if len(snap.Indicators) != 1 || snap.Indicators[0].Count != 2 {
		t.Fatalf("Indicators = %+v, want one with count 2", snap.Indicators)
	}
}

func TestStageWindowWrapsAround(t *testing.T) {
	w := newStageWindow(2)
	w.Observe(StageCommit, 1)
	w.Observe(StageCommit, 2)
	w.Observe(StageCommit, 3)
	snap := w.Snapshot()
	if snap.Stages[0].Samples != 2 || snap.Stages[0].AvgMS != 2.5 {
		t.Fatalf("unexpected stats after wrap: %+v", snap.Stages[0])
	}
}

func TestMetricsRecordConsolidation(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("test", reg)
	m.ObserveConsolidation("consolidated", 120*time.Millisecond)
	m.ObserveConsolidation("below_threshold", time.Millisecond)
	m.AddConsolidated(15, 2)
	m.ProviderError("gemini", "summarize")
	m.ObserveStage(StageTotal, 120*time.Millisecond)

	if got := testutil.ToFloat64(m.ConsolidationRuns.WithLabelValues("consolidated")); got != 1 {
		t.Fatalf("consolidated runs = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.TurnsConsolidated); got != 15 {
		t.Fatalf("turns consolidated = %v, want 15", got)
	}
	if got := testutil.ToFloat64(m.ProviderErrors.WithLabelValues("gemini", "summarize")); got != 1 {
		t.Fatalf("provider errors = %v, want 1", got)
	}
	if snap := m.StageSnapshot(); len(snap.Stages) != 1 || len(snap.Indicators) != 2 {
		t.Fatalf("unexpected stage snapshot: %+v", snap)
	}

	rec := httptest.NewRecorder()
	MetricsHandler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "test_consolidation_runs_total") {
		t.Fatalf("metrics endpoint missing consolidation counter: %d", rec.Code)
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.ObserveConsolidation("x", time.Second)
	m.AddSearchHits(3)
	m.ConversationEvent("turn")
	if snap := m.StageSnapshot(); len(snap.Stages) != 0 {
		t.Fatalf("nil metrics snapshot should be empty")
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewLoggerTo(&buf, "debug", "json")
	if err != nil {
		t.Fatalf("NewLoggerTo() error = %v", err)
	}
	l.WithField("user_id", "u1").Debug("hello")
	if !strings.Contains(buf.String(), `"user_id":"u1"`) {
		t.Fatalf("log output = %q, want json with user_id", buf.String())
	}
	if _, err := NewLoggerTo(&buf, "loud", "json"); err == nil {
		t.Fatalf("expected error for bad level")
	}
	if _, err := NewLoggerTo(&buf, "info", "xml"); err == nil {
		t.Fatalf("expected error for bad format")
	}
}
