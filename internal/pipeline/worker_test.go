package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type sliceSource struct {
	payloads [][]byte
	errs     []error
	cancel   context.CancelFunc
	closed   bool
}

func (s *sliceSource) Pop(ctx context.Context) ([]byte, error) {
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return nil, err
	}
	if len(s.payloads) == 0 {
		s.cancel()
		return nil, nil
	}
	p := s.payloads[0]
	s.payloads = s.payloads[1:]
	return p, nil
}

func (s *sliceSource) Close() error {
	s.closed = true
	return nil
}

func TestWorkerRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	source := &sliceSource{
		cancel: cancel,
		payloads: [][]byte{
			[]byte(`not json`),
			[]byte(`{"name":"Good","detections":{"success":true,"detections":[]}}`),
			[]byte(`{"input_text":"missing name"}`),
		},
	}
	w := &captureWriter{}
	type result struct {
		name string
		err  error
	}
	var results []result
	worker := NewWorker(source, newTestRunner(w), func(_ context.Context, job *Job, err error) {
		results = append(results, result{job.Name, err})
	})

	if err := worker.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 finished jobs, got %+v", results)
	}
	if results[0].name != "Good" || results[0].err != nil {
		t.Fatalf("unexpected first result %+v", results[0])
	}
	if results[1].err == nil {
		t.Fatalf("job without name should fail")
	}
	if len(w.outputs) != 1 {
		t.Fatalf("expected one written bundle, got %d", len(w.outputs))
	}

	if err := worker.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !source.closed || !w.closed {
		t.Fatalf("source and writers must be closed")
	}
}

func TestWorkerBacksOffOnPopError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	source := &sliceSource{cancel: cancel, errs: []error{errors.New("connection refused")}}
	worker := NewWorker(source, newTestRunner(), nil)
	worker.backoff = 0
	if err := worker.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v", err)
	}
	if len(source.errs) != 0 {
		t.Fatalf("worker should retry after a pop error")
	}
}

type failingSource struct {
	sliceSource
	failed []string
}

func (s *failingSource) Fail(_ context.Context, payload []byte, reason error) error {
	s.failed = append(s.failed, string(payload)+" => "+reason.Error())
	return nil
}

func TestWorkerParksFailedJobs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	source := &failingSource{sliceSource: sliceSource{
		cancel: cancel,
		payloads: [][]byte{
			[]byte(`not json`),
			[]byte(`{"name":"Good","detections":{"success":true,"detections":[]}}`),
			[]byte(`{"input_text":"missing name"}`),
		},
	}}
	worker := NewWorker(source, newTestRunner(&captureWriter{err: errors.New("disk full")}), nil)
	if err := worker.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v", err)
	}
	if len(source.failed) != 2 {
		t.Fatalf("expected 2 parked jobs, got %v", source.failed)
	}
	if !strings.HasPrefix(source.failed[0], "not json => ") || !strings.HasPrefix(source.failed[1], `{"input_text"`) {
		t.Fatalf("unexpected parked jobs %v", source.failed)
	}
}
