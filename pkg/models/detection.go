package models

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

// Reserved tag namespaces. Tags in these namespaces drive enrichment and
// markings and are never treated as free-form labels.
const (
	NamespaceAttack = "attack"
	NamespaceCVE    = "cve"
	NamespaceTLP    = "tlp"
)

// LabelNamespace prefixes labels that carry no namespace of their own.
const LabelNamespace = "txt2detection"

// MitreTacticMap maps ATT&CK tactic tag names to tactic ids.
var MitreTacticMap = map[string]string{
	"initial-access":       "TA0001",
	"execution":            "TA0002",
	"persistence":          "TA0003",
	"privilege-escalation": "TA0004",
	"defense-evasion":      "TA0005",
	"credential-access":    "TA0006",
	"discovery":            "TA0007",
	"lateral-movement":     "TA0008",
	"collection":           "TA0009",
	"exfiltration":         "TA0010",
	"command-and-control":  "TA0011",
	"impact":               "TA0040",
}

var (
	tagPattern     = regexp.MustCompile(`^[a-z0-9_-]+\.[a-z0-9._-]+$`)
	bareTagPattern = regexp.MustCompile(`^[a-z0-9._-]+$`)
	slugStrip      = regexp.MustCompile(`[^a-z0-9]+`)
)

// IsReservedNamespace reports whether ns is attack, cve or tlp.
func IsReservedNamespace(ns string) bool {
	switch ns {
	case NamespaceAttack, NamespaceCVE, NamespaceTLP:
		return true
	}
	return false
}

// IsTag reports whether s has the {namespace}.{value} shape.
func IsTag(s string) bool {
	return tagPattern.MatchString(s)
}

func splitTag(tag string) (string, string) {
	ns, value, _ := strings.Cut(tag, ".")
	return ns, value
}

// RemoveRuleSpecificTags drops tags in reserved namespaces.
func RemoveRuleSpecificTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		ns, _ := splitTag(tag)
		if IsReservedNamespace(ns) {
			continue
		}
		out = append(out, tag)
	}
	return out
}

// LabelAsTag rewrites a free-form label into a valid Sigma tag.
func LabelAsTag(label string) string {
	label = strings.ToLower(label)
	switch {
	case tagPattern.MatchString(label):
		return label
	case bareTagPattern.MatchString(label):
		return LabelNamespace + "." + label
	default:
		return LabelNamespace + "." + Slugify(label)
	}
}

// Slugify folds s to lower-case ASCII words joined by hyphens.
func Slugify(s string) string {
	var b strings.Builder
	for _, r := range norm.NFKD.String(s) {
		if r > unicode.MaxASCII || unicode.Is(unicode.Mn, r) {
			continue
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return strings.Trim(slugStrip.ReplaceAllString(b.String(), "-"), "-")
}

// RelatedRule references another Sigma rule.
type RelatedRule struct {
	ID   string `json:"id" yaml:"id"`
	Type string `json:"type" yaml:"type"`
}

// Detection is one candidate rule produced by an extractor or read from a
// Sigma file.
type Detection struct {
	ID             string                 `json:"id,omitempty"`
	Title          string                 `json:"title"`
	Description    string                 `json:"description"`
	Detection      map[string]interface{} `json:"detection"`
	Logsource      map[string]interface{} `json:"logsource"`
	FalsePositives []string               `json:"falsepositives"`
	Tags           []string               `json:"tags"`
	IndicatorTypes []string               `json:"indicator_types"`
	Confidence     int                    `json:"confidence"`
	Level          string                 `json:"level"`

	// Present only for rules read from a Sigma file.
	Related      []RelatedRule       `json:"related,omitempty"`
	Author       string              `json:"author,omitempty"`
	References   []string            `json:"references,omitempty"`
	Date         string              `json:"date,omitempty"`
	Modified     string              `json:"modified,omitempty"`
	Status       string              `json:"status,omitempty"`
	License      string              `json:"license,omitempty"`
	Fields       []string            `json:"fields,omitempty"`
	ExternalRefs []ExternalReference `json:"external_references,omitempty"`
}

// DetectionContainer is what an extractor hands to the bundler.
type DetectionContainer struct {
	Success    bool         `json:"success"`
	Detections []*Detection `json:"detections"`
}

// NormalizeIDs rewrites every explicit detection id to its bare lower-case
// uuid form. Detections without an id keep their deterministic id.
func (c *DetectionContainer) NormalizeIDs() error {
	for i, d := range c.Detections {
		if d == nil {
			return fmt.Errorf("detection %d is null", i)
		}
		if d.ID == "" {
			continue
		}
		id := d.ID
		d.ID = ""
		if err := d.AssignID(id); err != nil {
			return err
		}
	}
	return nil
}

// DeterministicID derives the indicator uuid from the rule's semantic content.
func DeterministicID(title string, logic map[string]interface{}) string {
	raw, err := json.Marshal(logic)
	if err != nil {
		raw = []byte(fmt.Sprintf("%v", logic))
	}
	return uuid.NewSHA1(UUIDNamespace, []byte(LabelNamespace+"+"+title+"+"+string(raw))).String()
}

// DetectionID returns the explicit id if one was assigned, otherwise the
// deterministic content id.
func (d *Detection) DetectionID() string {
	if d.ID != "" {
		return d.ID
	}
	return DeterministicID(d.Title, d.Detection)
}

// AssignID sets an explicit id. STIX style ids ("indicator--<uuid>") are
// accepted. A detection keeps its first id; assigning a different one fails.
func (d *Detection) AssignID(id string) error {
	if i := strings.LastIndex(id, "--"); i >= 0 {
		id = id[i+2:]
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("detection %q: invalid id %q: %w", d.Title, id, err)
	}
	id = parsed.String()
	if d.ID != "" && d.ID != id {
		return fmt.Errorf("detection %q: id conflict: already %s, refusing %s", d.Title, d.ID, id)
	}
	d.ID = id
	return nil
}

// Labels returns the tags outside the reserved namespaces.
func (d *Detection) Labels() []string {
	return RemoveRuleSpecificTags(d.Tags)
}

// MitreAttackIDs maps attack.* tags to ATT&CK ids.
func (d *Detection) MitreAttackIDs() []string {
	var out []string
	for _, tag := range d.Tags {
		ns, id := splitTag(tag)
		if ns != NamespaceAttack {
			continue
		}
		if tactic, ok := MitreTacticMap[id]; ok {
			out = append(out, tactic)
			continue
		}
		out = append(out, strings.ToUpper(id))
	}
	return out
}

// CVEIDs maps cve.* tags to CVE ids.
func (d *Detection) CVEIDs() []string {
	var out []string
	for _, tag := range d.Tags {
		ns, id := splitTag(tag)
		if ns != NamespaceCVE {
			continue
		}
		id = strings.ToUpper(id)
		if !strings.HasPrefix(id, "CVE-") {
			id = "CVE-" + id
		}
		out = append(out, id)
	}
	return out
}

// TLPLevel returns the level named by the first usable tlp.* tag.
func (d *Detection) TLPLevel() (TLPLevel, bool) {
	for _, tag := range d.Tags {
		ns, level := splitTag(tag)
		if ns != NamespaceTLP {
			continue
		}
		if l, err := ParseTLPLevel(strings.ReplaceAll(level, "-", "_")); err == nil {
			return l, true
		}
	}
	return 0, false
}
