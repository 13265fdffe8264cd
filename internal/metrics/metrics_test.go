package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	m := New()
	m.Run("text", time.Second, nil)
	m.Run("text", time.Second, errors.New("boom"))
	m.Indicator()
	m.Indicator()
	m.Relationship()
	m.Observable()
	m.ObservableSkipped()
	m.CatalogRequest("ctibutler", "ok", 5)
	m.CatalogRequest("ctibutler", "empty", 0)

	if got := testutil.ToFloat64(m.runs.WithLabelValues("text", "error")); got != 1 {
		t.Fatalf("runs{error} = %v", got)
	}
	if got := testutil.ToFloat64(m.indicators); got != 2 {
		t.Fatalf("indicators = %v", got)
	}
	if got := testutil.ToFloat64(m.catalogObjects.WithLabelValues("ctibutler")); got != 5 {
		t.Fatalf("catalog objects = %v", got)
	}
	if got := testutil.CollectAndCount(m.catalogRequests); got != 2 {
		t.Fatalf("catalog request series = %d", got)
	}
	if got := testutil.CollectAndCount(m.runDuration); got != 1 {
		t.Fatalf("run duration series = %d", got)
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.Run("sigma", time.Second, nil)
	m.Indicator()
	m.Relationship()
	m.Observable()
	m.ObservableSkipped()
	m.CatalogRequest("vulmatch", "ok", 1)
	if m.Registry() != nil {
		t.Fatalf("nil metrics should have no registry")
	}
	if err := m.Push(context.Background(), "http://localhost:9091", "job"); err != nil {
		t.Fatalf("Push on nil metrics: %v", err)
	}
}

func TestPush(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := New()
	m.Indicator()
	if err := m.Push(context.Background(), srv.URL, ""); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if path != "/metrics/job/txt2detection" {
		t.Fatalf("unexpected push path %s", path)
	}
	if err := m.Push(context.Background(), "", ""); err != nil {
		t.Fatalf("empty url should be a no-op: %v", err)
	}
}
