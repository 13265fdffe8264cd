package rules

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	sigma "github.com/bradleyjkemp/sigma-go"
	"gopkg.in/yaml.v3"

	"txt2detection/internal/logger"
	"txt2detection/pkg/models"
)

const (
	// DefaultStatus is used when neither the run nor the rule sets one.
	DefaultStatus = "experimental"

	dateLayout = "2006-01-02"
)

// Statuses are the Sigma rule statuses accepted by the schema.
var Statuses = []string{"stable", "test", "experimental", "deprecated", "unsupported"}

// Context carries the run level values merged into every compiled rule.
type Context struct {
	TLP        models.TLPLevel
	Labels     []string
	Author     string
	Status     string
	License    string
	References []string
	Created    time.Time
	Modified   time.Time
}

// Rule is a Sigma rule in canonical key order.
type Rule struct {
	Title          string                 `yaml:"title,omitempty"`
	ID             string                 `yaml:"id,omitempty"`
	Related        []models.RelatedRule   `yaml:"related,omitempty"`
	Status         string                 `yaml:"status,omitempty"`
	Description    string                 `yaml:"description,omitempty"`
	License        string                 `yaml:"license,omitempty"`
	Author         string                 `yaml:"author,omitempty"`
	References     []string               `yaml:"references,omitempty"`
	Date           string                 `yaml:"date,omitempty"`
	Modified       string                 `yaml:"modified,omitempty"`
	Tags           []string               `yaml:"tags,omitempty"`
	Logsource      map[string]interface{} `yaml:"logsource,omitempty"`
	Detection      map[string]interface{} `yaml:"detection,omitempty"`
	Fields         []string               `yaml:"fields,omitempty"`
	FalsePositives []string               `yaml:"falsepositives,omitempty"`
	Confidence     int                    `yaml:"confidence,omitempty"`
	Level          string                 `yaml:"level,omitempty"`
}

// Compiled is a validated rule and its serialized form.
type Compiled struct {
	ID   string
	Rule *Rule
	YAML string
}

// Compile merges run context into d, validates the result and renders it as
// YAML. Any validation failure is returned as an error.
func Compile(d *models.Detection, rc Context) (*Compiled, error) {
	if d == nil {
		return nil, fmt.Errorf("compile rule: nil detection")
	}
	id := d.DetectionID()
	rule := &Rule{
		Title:          strings.TrimSpace(d.Title),
		ID:             id,
		Related:        d.Related,
		Status:         firstNonEmpty(rc.Status, d.Status, DefaultStatus),
		Description:    d.Description,
		License:        firstNonEmpty(rc.License, d.License),
		Author:         rc.Author,
		References:     nonEmpty(rc.References),
		Date:           ruleDate(d.Date, rc.Created),
		Modified:       ruleDate(d.Modified, rc.Modified),
		Tags:           ruleTags(rc.TLP, d.Tags, rc.Labels),
		Logsource:      d.Logsource,
		Detection:      d.Detection,
		Fields:         d.Fields,
		FalsePositives: nonEmpty(d.FalsePositives),
		Confidence:     d.Confidence,
		Level:          d.Level,
	}

	out, err := Marshal(rule)
	if err != nil {
		return nil, fmt.Errorf("marshal rule %s: %w", id, err)
	}

	var doc map[string]interface{}
	if err := yaml.Unmarshal(out, &doc); err != nil {
		return nil, fmt.Errorf("decode rule %s: %w", id, err)
	}
	if err := ValidateSchema(id, doc); err != nil {
		return nil, err
	}

	parsed, err := sigma.ParseRule(out)
	if err != nil {
		return nil, fmt.Errorf("parse rule %s: %w", id, err)
	}
	if ok, reason := isSimpleSingleEventRule(parsed); !ok {
		logger.Debugf("rule %s: %s", id, reason)
	}

	return &Compiled{ID: id, Rule: rule, YAML: string(out)}, nil
}

// Marshal renders a rule as YAML with a 4 space indent.
func Marshal(rule *Rule) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(4)
	if err := enc.Encode(rule); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func ruleTags(tlp models.TLPLevel, own, labels []string) []string {
	tags := make([]string, 0, 1+len(own)+len(labels))
	tags = append(tags, tlp.Tag())
	tags = append(tags, own...)
	for _, label := range labels {
		tags = append(tags, models.LabelAsTag(label))
	}
	return dedup(tags)
}

func ruleDate(own string, fallback time.Time) string {
	if own != "" {
		return own
	}
	if fallback.IsZero() {
		return ""
	}
	return fallback.UTC().Format(dateLayout)
}

func dedup(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func nonEmpty(values []string) []string {
	var out []string
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			out = append(out, v)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// isSimpleSingleEventRule reports whether the rule can be evaluated against a
// single log event. Rules that cannot are still valid.
func isSimpleSingleEventRule(rule sigma.Rule) (bool, string) {
	if rule.Detection.Timeframe > 0 {
		return false, "timeframe correlation"
	}

	for _, cond := range rule.Detection.Conditions {
		if cond.Aggregation != nil {
			return false, "aggregation condition"
		}
		if !isSimpleSearchExpression(cond.Search) {
			return false, "complex condition expression"
		}
	}

	for name, search := range rule.Detection.Searches {
		if len(search.Keywords) > 0 {
			return false, fmt.Sprintf("keyword search %q", name)
		}
	}

	return true, ""
}

func isSimpleSearchExpression(expr sigma.SearchExpr) bool {
	switch e := expr.(type) {
	case sigma.SearchIdentifier:
		return true
	case sigma.And:
		for _, child := range e {
			if !isSimpleSearchExpression(child) {
				return false
			}
		}
		return true
	case sigma.Or:
		for _, child := range e {
			if !isSimpleSearchExpression(child) {
				return false
			}
		}
		return true
	case sigma.Not:
		return isSimpleSearchExpression(e.Expr)
	default:
		return false
	}
}
