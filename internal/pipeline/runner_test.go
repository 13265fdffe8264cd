package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"txt2detection/internal/metrics"
	"txt2detection/pkg/models"
)

type captureWriter struct {
	outputs []*models.BundleOutput
	err     error
	closed  bool
}

func (w *captureWriter) WriteBundle(out *models.BundleOutput) error {
	w.outputs = append(w.outputs, out)
	return w.err
}

func (w *captureWriter) Close() error {
	w.closed = true
	return nil
}

var fixedNow = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

func newTestRunner(writers ...BundleWriter) *Runner {
	r := NewRunner(nil, writers, metrics.New(), Defaults{TLPLevel: "clear", Provider: "static"})
	r.now = func() time.Time { return fixedNow }
	return r
}

func evilDetection() *models.Detection {
	return &models.Detection{
		Title: "Evil Process",
		Detection: map[string]interface{}{
			"selection": map[string]interface{}{"DestinationHostname": "evil.com"},
			"condition": "selection",
		},
		Logsource: map[string]interface{}{"product": "windows", "category": "network_connection"},
		Level:     "high",
	}
}

const textInput = `{"success": true, "detections": [{
    "title": "Evil Process",
    "description": "",
    "detection": {"selection": {"DestinationHostname": "evil.com"}, "condition": "selection"},
    "logsource": {"product": "windows", "category": "network_connection"},
    "falsepositives": [],
    "tags": [],
    "indicator_types": [],
    "confidence": 0,
    "level": "high"
}]}`

const sigmaInput = `title: Suspicious Whoami
id: 0cd8e9e2-2ae4-4d6c-8dd1-3bbf48a4c0e3
description: Detects whoami execution
author: Jane Doe
references:
    - https://example.com/whoami
date: 2022/05/01
modified: 2023/01/15
tags:
    - attack.discovery
    - attack.t1033
    - tlp.red
    - dogesec.whoami
logsource:
    category: process_creation
    product: windows
detection:
    selection:
        Image|endswith: \whoami.exe
    condition: selection
level: medium
`

func TestRunnerContainerMode(t *testing.T) {
	w := &captureWriter{}
	r := newTestRunner(w)
	job := &Job{
		Name:       "Test Report",
		Detections: &models.DetectionContainer{Success: true, Detections: []*models.Detection{evilDetection()}},
	}
	b, err := r.Run(context.Background(), job)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if b.Report().ID != "report--9b162504-9708-540e-a80c-44deea73c96c" {
		t.Fatalf("unexpected report id %s", b.Report().ID)
	}
	if b.TLPLevel() != models.TLPClear {
		t.Fatalf("default tlp not applied: %v", b.TLPLevel())
	}
	if len(w.outputs) != 1 {
		t.Fatalf("expected one written bundle, got %d", len(w.outputs))
	}
	out := w.outputs[0]
	if out.BundleID != "bundle--9b162504-9708-540e-a80c-44deea73c96c" || len(out.Rules) != 1 {
		t.Fatalf("unexpected output %+v", out)
	}
	ind := b.Indicators()[0]
	if out.Rules[0].Name != "rule--"+strings.TrimPrefix(ind.ID, "indicator--")+".yml" {
		t.Fatalf("unexpected rule file name %s", out.Rules[0].Name)
	}
	if out.Rules[0].YAML != ind.Pattern {
		t.Fatalf("rule file must hold the indicator pattern")
	}
	if !strings.Contains(string(out.Data), `"success": true`) {
		t.Fatalf("data.json should hold the detection container:\n%s", out.Data)
	}
}

func TestRunnerTextMode(t *testing.T) {
	w := &captureWriter{}
	r := newTestRunner(w)
	b, err := r.Run(context.Background(), &Job{Name: "Text Report", InputText: textInput})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(b.Indicators()) != 1 {
		t.Fatalf("expected one indicator")
	}
	if b.Report().Description != textInput {
		t.Fatalf("input text should become the report description")
	}
}

func TestRunnerTextModeBadProvider(t *testing.T) {
	r := newTestRunner()
	if _, err := r.Run(context.Background(), &Job{Name: "x", InputText: "y", Provider: "unknown"}); err == nil {
		t.Fatalf("expected provider error")
	}
	if _, err := r.Run(context.Background(), &Job{Name: "x", InputText: "not json"}); err == nil {
		t.Fatalf("expected extraction error")
	}
}

func TestRunnerSigmaMode(t *testing.T) {
	w := &captureWriter{}
	r := newTestRunner(w)
	job := &Job{Name: "Sigma Report", SigmaRule: sigmaInput, Labels: []string{"extra.label"}}
	b, err := r.Run(context.Background(), job)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	report := b.Report()
	if report.ID != "report--"+job.ReportID {
		t.Fatalf("report id %s does not match job %s", report.ID, job.ReportID)
	}
	inds := b.Indicators()
	if len(inds) != 1 || inds[0].ID != "indicator--"+job.ReportID {
		t.Fatalf("indicator should take the report id, got %+v", inds)
	}
	if report.CreatedByRef != models.IdentityFromAuthor("Jane Doe").ID {
		t.Fatalf("author identity not used: %s", report.CreatedByRef)
	}
	if got := report.Created.String(); got != "2022-05-01T00:00:00.000Z" {
		t.Fatalf("unexpected created %s", got)
	}
	if got := report.Modified.String(); got != "2023-01-15T00:00:00.000Z" {
		t.Fatalf("unexpected modified %s", got)
	}
	if b.TLPLevel() != models.TLPRed {
		t.Fatalf("tlp from rule tags not applied: %v", b.TLPLevel())
	}
	if report.Description != "Detects whoami execution" {
		t.Fatalf("unexpected description %q", report.Description)
	}
	labels := strings.Join(report.Labels, ",")
	if labels != "extra.label,dogesec.whoami" {
		t.Fatalf("unexpected labels %s", labels)
	}

	var urls []string
	for _, ref := range report.ExternalReferences {
		if ref.URL != "" {
			urls = append(urls, ref.URL)
		}
	}
	if len(urls) != 1 || urls[0] != "https://example.com/whoami" {
		t.Fatalf("rule references not carried: %v", urls)
	}
	if !strings.Contains(inds[0].Pattern, "0cd8e9e2-2ae4-4d6c-8dd1-3bbf48a4c0e3") {
		t.Fatalf("original rule id should be kept as related:\n%s", inds[0].Pattern)
	}
}

func TestRunnerSigmaDescriptionPlaceholder(t *testing.T) {
	r := newTestRunner()
	rule := strings.Replace(sigmaInput, "description: Detects whoami execution\n", "", 1)
	b, err := r.Run(context.Background(), &Job{Name: "Sigma", SigmaRule: rule})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if b.Report().Description != SigmaDescription {
		t.Fatalf("expected placeholder description, got %q", b.Report().Description)
	}
}

func TestRunnerValidation(t *testing.T) {
	w := &captureWriter{}
	r := newTestRunner(w)
	if _, err := r.Run(context.Background(), &Job{InputText: "x"}); err == nil {
		t.Fatalf("expected missing name error")
	}
	if _, err := r.Run(context.Background(), &Job{Name: "x", SigmaRule: sigmaInput, InputText: "y"}); err == nil {
		t.Fatalf("expected mode conflict error")
	}
	if len(w.outputs) != 0 {
		t.Fatalf("invalid jobs must not be written")
	}
}

func TestRunnerWriterErrors(t *testing.T) {
	failing := &captureWriter{err: errors.New("disk full")}
	ok := &captureWriter{}
	r := newTestRunner(failing, ok)
	job := &Job{Name: "x", Detections: &models.DetectionContainer{Success: true, Detections: []*models.Detection{evilDetection()}}}
	b, err := r.Run(context.Background(), job)
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("expected writer error, got %v", err)
	}
	if b == nil || len(ok.outputs) != 1 {
		t.Fatalf("remaining writers must still run")
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !failing.closed || !ok.closed {
		t.Fatalf("writers not closed")
	}
}

func TestRunnerContainerModeExplicitIDs(t *testing.T) {
	for _, id := range []string{
		"indicator--2f3c5b5e-3a36-4b43-9d2c-3f8ff8d1c111",
		"2F3C5B5E-3A36-4B43-9D2C-3F8FF8D1C111",
	} {
		d := evilDetection()
		d.ID = id
		job := &Job{Name: "Test Report", Detections: &models.DetectionContainer{Success: true, Detections: []*models.Detection{d}}}
		b, err := newTestRunner().Run(context.Background(), job)
		if err != nil {
			t.Fatalf("id %s: Run: %v", id, err)
		}
		inds := b.Indicators()
		if len(inds) != 1 || inds[0].ID != "indicator--2f3c5b5e-3a36-4b43-9d2c-3f8ff8d1c111" {
			t.Fatalf("id %s: unexpected indicators %+v", id, inds)
		}
	}
}

func TestRunnerContainerModeMatchesTextMode(t *testing.T) {
	raw := strings.Replace(textInput, `"title": "Evil Process",`, `"id": "indicator--2f3c5b5e-3a36-4b43-9d2c-3f8ff8d1c111", "title": "Evil Process",`, 1)
	job, err := ParseJob([]byte(`{"name": "Queued", "detections": ` + raw + `}`))
	if err != nil {
		t.Fatalf("ParseJob: %v", err)
	}
	fromJob, err := newTestRunner().Run(context.Background(), job)
	if err != nil {
		t.Fatalf("container Run: %v", err)
	}
	fromText, err := newTestRunner().Run(context.Background(), &Job{Name: "Queued", InputText: raw})
	if err != nil {
		t.Fatalf("text Run: %v", err)
	}
	if fromJob.Indicators()[0].ID != fromText.Indicators()[0].ID {
		t.Fatalf("indicator ids differ: %s vs %s", fromJob.Indicators()[0].ID, fromText.Indicators()[0].ID)
	}
}

func TestRunnerContainerModeNullDetection(t *testing.T) {
	job := &Job{Name: "x", Detections: &models.DetectionContainer{Success: true, Detections: []*models.Detection{nil}}}
	if _, err := newTestRunner().Run(context.Background(), job); err == nil {
		t.Fatalf("expected error for null detection")
	}
}
