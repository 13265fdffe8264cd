package bundlehttp

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"txt2detection/pkg/models"
)

func testOutput() *models.BundleOutput {
	return &models.BundleOutput{
		BundleID: "bundle--1",
		ReportID: "report--1",
		Bundle:   []byte(`{"type":"bundle"}`),
		Rules:    []models.RuleFile{{Name: "rule--a.yml"}, {Name: "rule--b.yml"}},
	}
}

func newTestWriter(t *testing.T, cfg Config) (*Writer, *[]time.Duration) {
	t.Helper()
	w, err := NewWriter(cfg)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	var sleeps []time.Duration
	w.sleep = func(d time.Duration) { sleeps = append(sleeps, d) }
	return w, &sleeps
}

func TestWriteBundlePosts(t *testing.T) {
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method %s", r.Method)
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected content type %q", r.Header.Get("Content-Type"))
		}
		if r.Header.Get("X-Bundle-Id") != "bundle--1" || r.Header.Get("X-Report-Id") != "report--1" {
			t.Errorf("unexpected id headers %q %q", r.Header.Get("X-Bundle-Id"), r.Header.Get("X-Report-Id"))
		}
		if r.Header.Get("X-Rule-Count") != "2" {
			t.Errorf("unexpected rule count %q", r.Header.Get("X-Rule-Count"))
		}
		if r.Header.Get("X-Token") != "t" {
			t.Errorf("custom header missing")
		}
		raw, _ := io.ReadAll(r.Body)
		body = string(raw)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	w, _ := newTestWriter(t, Config{URL: srv.URL, Headers: map[string]string{"X-Token": "t"}})
	defer w.Close()

	if err := w.WriteBundle(testOutput()); err != nil {
		t.Fatalf("WriteBundle: %v", err)
	}
	if body != `{"type":"bundle"}` {
		t.Fatalf("unexpected body %q", body)
	}
	if err := w.WriteBundle(&models.BundleOutput{BundleID: "bundle--2"}); err != nil {
		t.Fatalf("empty bundle should be skipped: %v", err)
	}
}

func TestWriteBundleRetriesServerErrors(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w, sleeps := newTestWriter(t, Config{URL: srv.URL, Retries: 2, Backoff: time.Second})
	if err := w.WriteBundle(testOutput()); err != nil {
		t.Fatalf("WriteBundle: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
	if len(*sleeps) != 2 || (*sleeps)[0] != time.Second || (*sleeps)[1] != 2*time.Second {
		t.Fatalf("unexpected backoff %v", *sleeps)
	}
}

func TestWriteBundleStatusError(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	w, _ := newTestWriter(t, Config{URL: srv.URL, Retries: 1})
	err := w.WriteBundle(testOutput())
	if err == nil || !strings.Contains(err.Error(), "500") || !strings.Contains(err.Error(), "bundle--1") {
		t.Fatalf("expected status error naming the bundle, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls)
	}
}

func TestWriteBundleClientErrorNotRetried(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "bad", http.StatusBadRequest)
	}))
	defer srv.Close()

	w, sleeps := newTestWriter(t, Config{URL: srv.URL})
	if err := w.WriteBundle(testOutput()); err == nil || !strings.Contains(err.Error(), "400") {
		t.Fatalf("expected status error, got %v", err)
	}
	if calls != 1 || len(*sleeps) != 0 {
		t.Fatalf("4xx must not be retried: %d calls", calls)
	}
}

func TestWriteBundleTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	w, sleeps := newTestWriter(t, Config{URL: url, Retries: -1})
	if err := w.WriteBundle(testOutput()); err == nil || !strings.Contains(err.Error(), "bundle--1") {
		t.Fatalf("expected transport error naming the bundle, got %v", err)
	}
	if len(*sleeps) != 0 {
		t.Fatalf("negative retries should disable retrying")
	}
}

func TestNewWriterRequiresURL(t *testing.T) {
	if _, err := NewWriter(Config{}); err == nil {
		t.Fatalf("expected error for empty url")
	}
}
