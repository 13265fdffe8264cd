package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"txt2detection/internal/bundler"
	"txt2detection/internal/extractor"
	"txt2detection/internal/logger"
	"txt2detection/internal/metrics"
	"txt2detection/internal/rules"
	"txt2detection/pkg/models"
)

// SigmaDescription is the report description for a Sigma rule without one.
const SigmaDescription = "<SIGMA RULE>"

// Defaults fill job fields left empty.
type Defaults struct {
	TLPLevel string
	Status   string
	License  string
	Labels   []string
	Provider string
}

// Runner turns jobs into bundles and hands them to the writers.
type Runner struct {
	resolver bundler.Resolver
	writers  []BundleWriter
	metrics  *metrics.Metrics
	defaults Defaults
	now      func() time.Time
}

// NewRunner creates a runner. resolver may be nil.
func NewRunner(resolver bundler.Resolver, writers []BundleWriter, m *metrics.Metrics, defaults Defaults) *Runner {
	return &Runner{
		resolver: resolver,
		writers:  writers,
		metrics:  m,
		defaults: defaults,
		now:      time.Now,
	}
}

// Run builds the bundle for job and writes it through every writer.
func (r *Runner) Run(ctx context.Context, job *Job) (*bundler.Bundler, error) {
	start := time.Now()
	mode, _ := job.Mode()
	b, err := r.run(ctx, job)
	r.metrics.Run(mode, time.Since(start), err)
	return b, err
}

func (r *Runner) run(ctx context.Context, job *Job) (*bundler.Bundler, error) {
	r.applyDefaults(job)
	if err := job.Validate(); err != nil {
		return nil, err
	}
	job.Prepare(r.now())
	mode, _ := job.Mode()

	var (
		b         *bundler.Bundler
		container *models.DetectionContainer
		err       error
	)
	switch mode {
	case ModeSigma:
		b, container, err = r.sigmaBundle(job)
	case ModeContainer:
		b, err = bundler.New(r.options(job, job.InputText), r.resolver, r.metrics)
		container = job.Detections
	default:
		b, container, err = r.textBundle(ctx, job)
	}
	if err != nil {
		return nil, err
	}
	if container == nil {
		container = &models.DetectionContainer{}
	}
	if err := container.NormalizeIDs(); err != nil {
		return nil, fmt.Errorf("detections: %w", err)
	}

	logger.Infof("bundling %d detections into %s (mode=%s)", len(container.Detections), b.Bundle().ID, mode)
	if err := b.BundleDetections(ctx, container); err != nil {
		return nil, fmt.Errorf("bundle detections: %w", err)
	}

	out, err := Output(b)
	if err != nil {
		return nil, err
	}
	if err := r.write(out); err != nil {
		return b, err
	}
	return b, nil
}

func (r *Runner) applyDefaults(job *Job) {
	if job.TLPLevel == "" {
		job.TLPLevel = r.defaults.TLPLevel
	}
	if job.Status == "" {
		job.Status = r.defaults.Status
	}
	if job.License == "" {
		job.License = r.defaults.License
	}
	if len(job.Labels) == 0 {
		job.Labels = r.defaults.Labels
	}
	if job.Provider == "" {
		job.Provider = r.defaults.Provider
	}
}

func (r *Runner) options(job *Job, description string) bundler.Options {
	return bundler.Options{
		Name:          job.Name,
		Description:   description,
		Identity:      job.Identity,
		TLPLevel:      job.TLPLevel,
		Labels:        job.Labels,
		Created:       job.Created,
		ReportID:      job.ReportID,
		ExternalRefs:  job.ExternalRefs,
		ReferenceURLs: job.ReferenceURLs,
		License:       job.License,
		Status:        job.Status,
	}
}

func (r *Runner) textBundle(ctx context.Context, job *Job) (*bundler.Bundler, *models.DetectionContainer, error) {
	if job.Provider == "" {
		return nil, nil, fmt.Errorf("provider is required for text input")
	}
	provider, err := extractor.Parse(job.Provider)
	if err != nil {
		return nil, nil, err
	}
	b, err := bundler.New(r.options(job, job.InputText), r.resolver, r.metrics)
	if err != nil {
		return nil, nil, err
	}
	container, err := provider.Detections(ctx, job.InputText)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", provider.Name(), err)
	}
	return b, container, nil
}

// sigmaBundle takes dates, TLP level, extra labels and references and, when
// no identity is given, the author from the rule itself. The rule's
// detection id becomes the report id.
func (r *Runner) sigmaBundle(job *Job) (*bundler.Bundler, *models.DetectionContainer, error) {
	d, err := rules.ParseSigmaRule([]byte(job.SigmaRule))
	if err != nil {
		return nil, nil, err
	}

	opts := r.options(job, d.Description)
	if opts.Description == "" {
		opts.Description = SigmaDescription
	}
	if opts.Identity == nil && strings.TrimSpace(d.Author) != "" {
		opts.Identity = models.IdentityFromAuthor(d.Author)
	}
	if d.Date != "" {
		if opts.Created, err = rules.ParseRuleDate(d.Date); err != nil {
			return nil, nil, err
		}
	}
	if d.Modified != "" {
		if opts.Modified, err = rules.ParseRuleDate(d.Modified); err != nil {
			return nil, nil, err
		}
	}
	if level, ok := d.TLPLevel(); ok {
		opts.TLPLevel = level.Name()
	}
	opts.Labels = append(append([]string(nil), job.Labels...), d.Labels()...)
	opts.ReferenceURLs = append(append([]string(nil), job.ReferenceURLs...), d.References...)

	if err := d.AssignID(job.ReportID); err != nil {
		return nil, nil, err
	}

	b, err := bundler.New(opts, r.resolver, r.metrics)
	if err != nil {
		return nil, nil, err
	}
	return b, &models.DetectionContainer{Success: true, Detections: []*models.Detection{d}}, nil
}

func (r *Runner) write(out *models.BundleOutput) error {
	var errs []error
	for _, w := range r.writers {
		if err := w.WriteBundle(out); err != nil {
			logger.Errorf("Failed to write bundle %s: %v", out.BundleID, err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every writer.
func (r *Runner) Close() error {
	var errs []error
	for _, w := range r.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Output collects the serialized artifacts of a finished bundler.
func Output(b *bundler.Bundler) (*models.BundleOutput, error) {
	bundleJSON, err := b.ToJSON()
	if err != nil {
		return nil, err
	}
	data, err := marshalIndent(b.Detections())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal detections: %w", err)
	}

	out := &models.BundleOutput{
		BundleID: b.Bundle().ID,
		ReportID: b.Report().ID,
		Bundle:   bundleJSON,
		Data:     data,
	}
	for _, ind := range b.Indicators() {
		out.Rules = append(out.Rules, models.RuleFile{
			Name: strings.Replace(ind.ID, "indicator", "rule", 1) + ".yml",
			YAML: ind.Pattern,
		})
	}
	return out, nil
}

func marshalIndent(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
