package rules

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"txt2detection/pkg/models"
)

var ruleDateLayouts = []string{dateLayout, "2006/01/02"}

type stringList []string

func (l *stringList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*l = stringList{node.Value}
		return nil
	}
	var values []string
	if err := node.Decode(&values); err != nil {
		return err
	}
	*l = values
	return nil
}

type sigmaFile struct {
	ID             string                 `yaml:"id"`
	Title          string                 `yaml:"title"`
	Related        []models.RelatedRule   `yaml:"related"`
	Status         string                 `yaml:"status"`
	Description    string                 `yaml:"description"`
	License        string                 `yaml:"license"`
	Author         string                 `yaml:"author"`
	References     stringList             `yaml:"references"`
	Date           string                 `yaml:"date"`
	Modified       string                 `yaml:"modified"`
	Tags           stringList             `yaml:"tags"`
	Logsource      map[string]interface{} `yaml:"logsource"`
	Detection      map[string]interface{} `yaml:"detection"`
	Fields         stringList             `yaml:"fields"`
	FalsePositives stringList             `yaml:"falsepositives"`
	Level          string                 `yaml:"level"`
}

// ReadSigmaFile loads a single Sigma rule from disk.
func ReadSigmaFile(path string) (*models.Detection, error) {
	if !isYAMLFile(path) {
		return nil, fmt.Errorf("rule file must end with .yml or .yaml: %s", path)
	}
	raw, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read sigma rule %s: %w", path, err)
	}
	d, err := ParseSigmaRule(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return d, nil
}

// ParseSigmaRule decodes a Sigma rule document into a detection. The rule's
// own id is recorded as a derived relation so the detection can take a new
// id. Structural checks happen when the detection is compiled.
func ParseSigmaRule(raw []byte) (*models.Detection, error) {
	var f sigmaFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode sigma rule: %w", err)
	}
	if strings.TrimSpace(f.Title) == "" {
		return nil, fmt.Errorf("sigma rule: missing title")
	}
	if len(f.Detection) == 0 {
		return nil, fmt.Errorf("sigma rule %q: missing detection", f.Title)
	}

	date, err := normalizeDate(f.Date)
	if err != nil {
		return nil, fmt.Errorf("sigma rule %q: date: %w", f.Title, err)
	}
	modified, err := normalizeDate(f.Modified)
	if err != nil {
		return nil, fmt.Errorf("sigma rule %q: modified: %w", f.Title, err)
	}

	related := append([]models.RelatedRule(nil), f.Related...)
	if id := strings.TrimSpace(f.ID); id != "" {
		related = append(related, models.RelatedRule{ID: id, Type: "derived"})
	}

	tags := make([]string, 0, len(f.Tags))
	for _, tag := range f.Tags {
		tags = append(tags, strings.ToLower(strings.TrimSpace(tag)))
	}

	return &models.Detection{
		Title:          f.Title,
		Description:    f.Description,
		Detection:      f.Detection,
		Logsource:      f.Logsource,
		FalsePositives: f.FalsePositives,
		Tags:           tags,
		Level:          f.Level,
		Related:        related,
		Author:         f.Author,
		References:     f.References,
		Date:           date,
		Modified:       modified,
		Status:         f.Status,
		License:        f.License,
		Fields:         f.Fields,
	}, nil
}

// ParseRuleDate parses a Sigma date field.
func ParseRuleDate(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	for _, layout := range ruleDateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid rule date %q", value)
}

func normalizeDate(value string) (string, error) {
	if strings.TrimSpace(value) == "" {
		return "", nil
	}
	t, err := ParseRuleDate(value)
	if err != nil {
		return "", err
	}
	return t.Format(dateLayout), nil
}

func isYAMLFile(path string) bool {
	lower := strings.ToLower(path)
	return strings.HasSuffix(lower, ".yml") || strings.HasSuffix(lower, ".yaml")
}
