package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorderCounts(t *testing.T) {
	r := New()

	r.ObserveDelegation("content", "assigned")
	r.ObserveDelegation("content", "assigned")
	r.ObserveDelegation("ads", "no_agent_available")
	r.IncConflict()
	r.ObserveTask("COMPLETED", "", 2*time.Second)
	r.ObserveTask("FAILED", "collaborator_timeout", 0)

	if got := testutil.ToFloat64(r.delegationsTotal.WithLabelValues("content", "assigned")); got != 2 {
		t.Errorf("expected 2 assigned delegations, got %v", got)
	}
	if got := testutil.ToFloat64(r.conflictsTotal); got != 1 {
		t.Errorf("expected 1 conflict, got %v", got)
	}
	if got := testutil.ToFloat64(r.tasksTotal.WithLabelValues("FAILED", "collaborator_timeout")); got != 1 {
		t.Errorf("expected 1 timed out task, got %v", got)
	}
}

func TestRecordersAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.IncConflict()

	if got := testutil.ToFloat64(b.conflictsTotal); got != 0 {
		t.Errorf("expected separate registries, got %v on second recorder", got)
	}
}

func TestNilRecorder(t *testing.T) {
	var r *Recorder
	r.ObserveDelegation("content", "assigned")
	r.IncConflict()
	r.ObserveTask("COMPLETED", "", time.Second)
	r.SetPool(1, 2, 50)
}

func TestHandlerExposesMetrics(t *testing.T) {
	r := New()
	r.SetPool(3, 22, 81.5)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{"agentpool_agents_busy 3", "agentpool_performance_score_average 81.5"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("expected exposition to contain %q", want)
		}
	}
}
