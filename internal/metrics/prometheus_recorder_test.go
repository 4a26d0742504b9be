package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

func TestPrometheusRecorder(t *testing.T) {
	reg := prom.NewRegistry()
	pr := NewPrometheusRecorder(reg)
	pr.ObserveBuildDuration(500 * time.Millisecond)
	pr.IncBuildOutcome("SUCCESS")
	pr.IncBuildOutcome("SUCCESS")
	pr.IncBuildOutcome("FAILED")
	pr.IncRetry("foo")
	pr.IncPromotion("tested")
	pr.AddPurged(3)
	pr.AddPurged(-1)
	pr.IncSkipped("bar")
	pr.ObserveFetchDuration(time.Second, ResultSuccess)
	pr.SetQueueDepth(4)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(mfs) == 0 {
		t.Fatalf("expected metrics, got none")
	}
	values := map[string]float64{}
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			key := mf.GetName()
			for _, lp := range m.GetLabel() {
				key += "," + lp.GetValue()
			}
			switch {
			case m.GetCounter() != nil:
				values[key] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				values[key] = m.GetGauge().GetValue()
			}
		}
	}
	if got := values["repobuilder_build_outcomes_total,SUCCESS"]; got != 2 {
		t.Fatalf("expected 2 SUCCESS outcomes, got %v", got)
	}
	if got := values["repobuilder_purged_commits_total"]; got != 3 {
		t.Fatalf("negative purge counts must be ignored, got %v", got)
	}
	if got := values["repobuilder_build_queue_depth"]; got != 4 {
		t.Fatalf("expected queue depth 4, got %v", got)
	}
}

func TestNilPrometheusRecorder(t *testing.T) {
	var pr *PrometheusRecorder
	pr.IncBuildOutcome("FAILED")
	pr.ObserveBuildDuration(time.Second)
	pr.AddPurged(1)
}

func TestHTTPHandler(t *testing.T) {
	reg := prom.NewRegistry()
	NewPrometheusRecorder(reg).IncBuildOutcome("RETRY")

	srv := httptest.NewServer(HTTPHandler(reg))
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `repobuilder_build_outcomes_total{status="RETRY"} 1`) {
		t.Fatalf("missing outcome counter in scrape:\n%s", body)
	}
}
