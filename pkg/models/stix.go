package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// SpecVersion is the STIX specification version emitted by this tool.
const SpecVersion = "2.1"

const timestampLayout = "2006-01-02T15:04:05.000Z"

// Timestamp is a STIX timestamp rendered in UTC with millisecond precision.
type Timestamp struct {
	time.Time
}

// NewTimestamp normalizes t to UTC milliseconds.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t.UTC().Truncate(time.Millisecond)}
}

// String returns the STIX wire form.
func (t Timestamp) String() string {
	return t.UTC().Format(timestampLayout)
}

// MarshalJSON implements json.Marshaler.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("timestamp must be a string: %w", err)
	}
	parsed, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return fmt.Errorf("invalid timestamp %q: %w", raw, err)
	}
	*t = NewTimestamp(parsed)
	return nil
}

// Object is anything that can be placed in a bundle.
type Object interface {
	ObjectID() string
}

// ExternalReference points at information outside the bundle.
type ExternalReference struct {
	SourceName  string            `json:"source_name"`
	Description string            `json:"description,omitempty"`
	URL         string            `json:"url,omitempty"`
	Hashes      map[string]string `json:"hashes,omitempty"`
	ExternalID  string            `json:"external_id,omitempty"`
}

// Identity is a STIX Identity SDO.
type Identity struct {
	Type               string    `json:"type"`
	SpecVersion        string    `json:"spec_version"`
	ID                 string    `json:"id"`
	CreatedByRef       string    `json:"created_by_ref,omitempty"`
	Created            Timestamp `json:"created"`
	Modified           Timestamp `json:"modified"`
	Name               string    `json:"name"`
	Description        string    `json:"description,omitempty"`
	IdentityClass      string    `json:"identity_class,omitempty"`
	Sectors            []string  `json:"sectors,omitempty"`
	ContactInformation string    `json:"contact_information,omitempty"`
	ObjectMarkingRefs  []string  `json:"object_marking_refs,omitempty"`
}

// ObjectID implements Object.
func (i *Identity) ObjectID() string { return i.ID }

// ParseIdentity decodes and checks a caller supplied identity document.
func ParseIdentity(data []byte) (*Identity, error) {
	var ident Identity
	if err := json.Unmarshal(data, &ident); err != nil {
		return nil, fmt.Errorf("decode identity: %w", err)
	}
	if ident.Type == "" {
		ident.Type = "identity"
	}
	if ident.Type != "identity" {
		return nil, fmt.Errorf("identity: unexpected type %q", ident.Type)
	}
	if !strings.HasPrefix(ident.ID, "identity--") {
		return nil, fmt.Errorf("identity: invalid id %q", ident.ID)
	}
	if strings.TrimSpace(ident.Name) == "" {
		return nil, fmt.Errorf("identity: missing name")
	}
	if ident.SpecVersion == "" {
		ident.SpecVersion = SpecVersion
	}
	return &ident, nil
}

// MarkingDefinition is a STIX marking-definition object.
type MarkingDefinition struct {
	Type              string                 `json:"type"`
	SpecVersion       string                 `json:"spec_version"`
	ID                string                 `json:"id"`
	CreatedByRef      string                 `json:"created_by_ref,omitempty"`
	Created           Timestamp              `json:"created"`
	Name              string                 `json:"name,omitempty"`
	DefinitionType    string                 `json:"definition_type,omitempty"`
	Definition        map[string]string      `json:"definition,omitempty"`
	Extensions        map[string]interface{} `json:"extensions,omitempty"`
	ObjectMarkingRefs []string               `json:"object_marking_refs,omitempty"`
}

// ObjectID implements Object.
func (m *MarkingDefinition) ObjectID() string { return m.ID }

// Report is the STIX Report SDO owning the generated indicators.
type Report struct {
	Type               string              `json:"type"`
	SpecVersion        string              `json:"spec_version"`
	ID                 string              `json:"id"`
	CreatedByRef       string              `json:"created_by_ref"`
	Created            Timestamp           `json:"created"`
	Modified           Timestamp           `json:"modified"`
	Name               string              `json:"name"`
	Description        string              `json:"description,omitempty"`
	Published          Timestamp           `json:"published"`
	ObjectRefs         []string            `json:"object_refs"`
	Labels             []string            `json:"labels,omitempty"`
	ObjectMarkingRefs  []string            `json:"object_marking_refs"`
	ExternalReferences []ExternalReference `json:"external_references,omitempty"`
}

// ObjectID implements Object.
func (r *Report) ObjectID() string { return r.ID }

// Indicator is a STIX Indicator SDO carrying a Sigma rule as its pattern.
type Indicator struct {
	Type               string              `json:"type"`
	SpecVersion        string              `json:"spec_version"`
	ID                 string              `json:"id"`
	CreatedByRef       string              `json:"created_by_ref"`
	Created            Timestamp           `json:"created"`
	Modified           Timestamp           `json:"modified"`
	IndicatorTypes     []string            `json:"indicator_types,omitempty"`
	Name               string              `json:"name"`
	Description        string              `json:"description,omitempty"`
	Labels             []string            `json:"labels,omitempty"`
	PatternType        string              `json:"pattern_type"`
	Pattern            string              `json:"pattern"`
	ValidFrom          Timestamp           `json:"valid_from"`
	ObjectMarkingRefs  []string            `json:"object_marking_refs,omitempty"`
	ExternalReferences []ExternalReference `json:"external_references,omitempty"`
}

// ObjectID implements Object.
func (i *Indicator) ObjectID() string { return i.ID }

// Relationship links an indicator to what it detects.
type Relationship struct {
	Type               string              `json:"type"`
	SpecVersion        string              `json:"spec_version"`
	ID                 string              `json:"id"`
	CreatedByRef       string              `json:"created_by_ref"`
	Created            Timestamp           `json:"created"`
	Modified           Timestamp           `json:"modified"`
	RelationshipType   string              `json:"relationship_type"`
	Description        string              `json:"description,omitempty"`
	SourceRef          string              `json:"source_ref"`
	TargetRef          string              `json:"target_ref"`
	ObjectMarkingRefs  []string            `json:"object_marking_refs,omitempty"`
	ExternalReferences []ExternalReference `json:"external_references,omitempty"`
}

// ObjectID implements Object.
func (r *Relationship) ObjectID() string { return r.ID }

// Observable is a STIX Cyber-observable object. Hash based types use Hashes,
// everything else uses Value.
type Observable struct {
	Type        string            `json:"type"`
	SpecVersion string            `json:"spec_version"`
	ID          string            `json:"id"`
	Value       string            `json:"value,omitempty"`
	Hashes      map[string]string `json:"hashes,omitempty"`
}

// ObjectID implements Object.
func (o *Observable) ObjectID() string { return o.ID }

// RawObject is an object received from a remote catalog, kept as decoded.
type RawObject map[string]interface{}

// ObjectID implements Object.
func (o RawObject) ObjectID() string {
	return o.String("id")
}

// String returns a top level string property or "".
func (o RawObject) String(key string) string {
	v, _ := o[key].(string)
	return v
}

// FirstExternalReference returns the first external reference, if any.
func (o RawObject) FirstExternalReference() (ExternalReference, bool) {
	refs, ok := o["external_references"].([]interface{})
	if !ok || len(refs) == 0 {
		return ExternalReference{}, false
	}
	first, ok := refs[0].(map[string]interface{})
	if !ok {
		return ExternalReference{}, false
	}
	raw, err := json.Marshal(first)
	if err != nil {
		return ExternalReference{}, false
	}
	var ref ExternalReference
	if err := json.Unmarshal(raw, &ref); err != nil || ref.SourceName == "" {
		return ExternalReference{}, false
	}
	return ref, true
}

// Bundle is the top level STIX container.
type Bundle struct {
	Type    string   `json:"type"`
	ID      string   `json:"id"`
	Objects []Object `json:"objects"`
}
