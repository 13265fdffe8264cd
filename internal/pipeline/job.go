package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"txt2detection/internal/bundler"
	"txt2detection/pkg/models"
)

// Run modes.
const (
	ModeText      = "text"
	ModeSigma     = "sigma"
	ModeContainer = "container"
)

// Job is one bundling request. Exactly one of InputText, SigmaRule or
// Detections drives the run; InputText may accompany Detections as the
// report description.
type Job struct {
	Name          string                     `json:"name"`
	InputText     string                     `json:"input_text,omitempty"`
	SigmaRule     string                     `json:"sigma_rule,omitempty"`
	Detections    *models.DetectionContainer `json:"detections,omitempty"`
	Provider      string                     `json:"provider,omitempty"`
	TLPLevel      string                     `json:"tlp_level,omitempty"`
	Labels        []string                   `json:"labels,omitempty"`
	Created       time.Time                  `json:"created,omitempty"`
	Identity      *models.Identity           `json:"identity,omitempty"`
	ReportID      string                     `json:"report_id,omitempty"`
	ExternalRefs  []models.ExternalReference `json:"external_refs,omitempty"`
	ReferenceURLs []string                   `json:"reference_urls,omitempty"`
	License       string                     `json:"license,omitempty"`
	Status        string                     `json:"status,omitempty"`
}

// ParseJob decodes a job document.
func ParseJob(payload []byte) (*Job, error) {
	var job Job
	if err := json.Unmarshal(payload, &job); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &job, nil
}

// Mode reports which input drives the job.
func (j *Job) Mode() (string, error) {
	switch {
	case j.SigmaRule != "" && (j.InputText != "" || j.Detections != nil):
		return "", fmt.Errorf("sigma rule cannot be combined with input text or detections")
	case j.SigmaRule != "":
		return ModeSigma, nil
	case j.Detections != nil:
		return ModeContainer, nil
	case j.InputText != "":
		return ModeText, nil
	}
	return "", fmt.Errorf("job has no input text, sigma rule or detections")
}

// Validate checks the fields that do not depend on the mode.
func (j *Job) Validate() error {
	if strings.TrimSpace(j.Name) == "" {
		return fmt.Errorf("job name is required")
	}
	if _, err := j.Mode(); err != nil {
		return err
	}
	for _, label := range j.Labels {
		if err := ValidateLabel(label); err != nil {
			return err
		}
	}
	if j.TLPLevel != "" {
		if _, err := models.ParseTLPLevel(j.TLPLevel); err != nil {
			return err
		}
	}
	return nil
}

// Prepare fills Created and ReportID when unset, so the report id is known
// before the run starts.
func (j *Job) Prepare(now time.Time) {
	if j.Created.IsZero() {
		j.Created = now
	}
	if j.ReportID == "" {
		createdBy := ""
		if j.Identity != nil {
			createdBy = j.Identity.ID
		}
		j.ReportID = bundler.GenerateReportID(createdBy, j.Created, j.Name)
	}
	j.ReportID = strings.TrimPrefix(j.ReportID, "report--")
}

// ValidateLabel checks a caller label: it must be a {namespace}.{value} tag
// outside the tlp namespace.
func ValidateLabel(label string) error {
	if !models.IsTag(label) {
		return fmt.Errorf("invalid label %q: must follow sigma tag format {namespace}.{label}", label)
	}
	ns, _, _ := strings.Cut(label, ".")
	if ns == models.NamespaceTLP {
		return fmt.Errorf("unsupported tag namespace `%s`", ns)
	}
	return nil
}
