package pipeline

import (
	"context"
	"time"

	"txt2detection/internal/logger"
)

// JobSource yields raw job documents. Pop returns nil, nil when nothing
// arrived before its own timeout.
type JobSource interface {
	Pop(ctx context.Context) ([]byte, error)
	Close() error
}

// FailureSink is implemented by sources that keep jobs which could not be
// parsed or run.
type FailureSink interface {
	Fail(ctx context.Context, payload []byte, reason error) error
}

// Worker runs jobs from a source one at a time.
type Worker struct {
	source  JobSource
	runner  *Runner
	backoff time.Duration
	after   func(ctx context.Context, job *Job, err error)
}

// NewWorker creates a worker. after, if set, is called once per job.
func NewWorker(source JobSource, runner *Runner, after func(ctx context.Context, job *Job, err error)) *Worker {
	return &Worker{
		source:  source,
		runner:  runner,
		backoff: 500 * time.Millisecond,
		after:   after,
	}
}

// Run processes jobs until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	logger.Infof("Worker started")
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		payload, err := w.source.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Errorf("Failed to pop job: %v", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.backoff):
			}
			continue
		}
		if payload == nil {
			continue
		}
		w.handle(ctx, payload)
	}
}

func (w *Worker) handle(ctx context.Context, payload []byte) {
	job, err := ParseJob(payload)
	if err != nil {
		logger.Warnf("Dropping job: %v", err)
		w.fail(ctx, payload, err)
		return
	}
	b, err := w.runner.Run(ctx, job)
	switch {
	case err != nil && b == nil:
		logger.Errorf("Job %q failed: %v", job.Name, err)
		w.fail(ctx, payload, err)
	case err != nil:
		logger.Errorf("Job %q bundled as %s with output errors: %v", job.Name, b.Bundle().ID, err)
	default:
		logger.Infof("Job %q written as %s", job.Name, b.Bundle().ID)
	}
	if w.after != nil {
		w.after(ctx, job, err)
	}
}

func (w *Worker) fail(ctx context.Context, payload []byte, reason error) {
	sink, ok := w.source.(FailureSink)
	if !ok {
		return
	}
	if err := sink.Fail(ctx, payload, reason); err != nil {
		logger.Errorf("Failed to park job: %v", err)
	}
}

// Close releases the source and the runner's writers.
func (w *Worker) Close() error {
	if err := w.runner.Close(); err != nil {
		logger.Errorf("Failed to close writers: %v", err)
	}
	return w.source.Close()
}
