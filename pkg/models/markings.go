package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// UUIDNamespace seeds every deterministic id generated by txt2detection.
var UUIDNamespace = uuid.MustParse("116f8cc9-4c31-490a-b26d-342627b12401")

const (
	tlpExtensionID    = "extension-definition--60a3c5c5-0d10-413e-aab3-9e08dde9e88d"
	dogesecIdentity   = "identity--9779a2db-f98c-5f4b-8d08-8ee04e02dbb5"
	dogesecMarking    = "marking-definition--97ba4e8b-04f6-57e8-8f6e-3a0f0a7dc0fb"
	DefaultIdentityID = "identity--a4d70b75-6f4a-5d19-9137-da863edd33d7"
	DefaultMarkingID  = "marking-definition--a4d70b75-6f4a-5d19-9137-da863edd33d7"
)

var (
	registryEpoch = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	tlpEpoch      = time.Date(2022, 10, 1, 0, 0, 0, 0, time.UTC)
)

// TLPLevel is one of the five TLP 2.0 levels.
type TLPLevel int

const (
	TLPClear TLPLevel = iota
	TLPGreen
	TLPAmber
	TLPAmberStrict
	TLPRed
)

type tlpEntry struct {
	name      string
	label     string
	wire      string
	markingID string
}

var tlpTable = [...]tlpEntry{
	TLPClear:       {"clear", "TLP:CLEAR", "clear", "marking-definition--94868c89-83c2-464b-929b-a1a8aa3c8487"},
	TLPGreen:       {"green", "TLP:GREEN", "green", "marking-definition--bab4a63c-aed9-4cf5-a766-dfca5abac2bb"},
	TLPAmber:       {"amber", "TLP:AMBER", "amber", "marking-definition--55d920b0-5e8b-4f79-9ee9-91f868d9b421"},
	TLPAmberStrict: {"amber_strict", "TLP:AMBER+STRICT", "amber+strict", "marking-definition--939a9414-2ddd-4d32-a0cd-375ea402b003"},
	TLPRed:         {"red", "TLP:RED", "red", "marking-definition--e828b379-4e03-4974-9ac4-e53a884c97c1"},
}

// TLPLevels lists every level in ascending order of restriction.
func TLPLevels() []TLPLevel {
	return []TLPLevel{TLPClear, TLPGreen, TLPAmber, TLPAmberStrict, TLPRed}
}

// ParseTLPLevel resolves a level name such as "clear" or "amber_strict".
func ParseTLPLevel(name string) (TLPLevel, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	for i, e := range tlpTable {
		if e.name == key {
			return TLPLevel(i), nil
		}
	}
	return 0, fmt.Errorf("unsupported tlp level: `%s`", name)
}

func (l TLPLevel) valid() bool {
	return l >= TLPClear && l <= TLPRed
}

// Name returns the level name, e.g. "amber_strict".
func (l TLPLevel) Name() string {
	if !l.valid() {
		return fmt.Sprintf("tlp(%d)", int(l))
	}
	return tlpTable[l].name
}

// String implements fmt.Stringer.
func (l TLPLevel) String() string { return l.Name() }

// Tag returns the Sigma tag for the level, e.g. "tlp.amber-strict".
func (l TLPLevel) Tag() string {
	return NamespaceTLP + "." + strings.ReplaceAll(l.Name(), "_", "-")
}

// MarkingID returns the well-known marking-definition id.
func (l TLPLevel) MarkingID() string {
	if !l.valid() {
		return ""
	}
	return tlpTable[l].markingID
}

// Marking returns the marking-definition object for the level.
func (l TLPLevel) Marking() *MarkingDefinition {
	e := tlpTable[TLPClear]
	if l.valid() {
		e = tlpTable[l]
	}
	return &MarkingDefinition{
		Type:        "marking-definition",
		SpecVersion: SpecVersion,
		ID:          e.markingID,
		Created:     NewTimestamp(tlpEpoch),
		Name:        e.label,
		Extensions: map[string]interface{}{
			tlpExtensionID: map[string]interface{}{
				"extension_type": "property-extension",
				"tlp_2_0":        e.wire,
			},
		},
	}
}

// DefaultIdentity is the identity credited when the caller supplies none.
func DefaultIdentity() *Identity {
	return &Identity{
		Type:               "identity",
		SpecVersion:        SpecVersion,
		ID:                 DefaultIdentityID,
		CreatedByRef:       dogesecIdentity,
		Created:            NewTimestamp(registryEpoch),
		Modified:           NewTimestamp(registryEpoch),
		Name:               "txt2detection",
		Description:        "https://github.com/muchdogesec/txt2detection",
		IdentityClass:      "system",
		Sectors:            []string{"technology"},
		ContactInformation: "https://www.dogesec.com/contact/",
		ObjectMarkingRefs:  []string{TLPClear.MarkingID(), dogesecMarking},
	}
}

// DefaultMarking is the statement marking attached to every generated object.
func DefaultMarking() *MarkingDefinition {
	return &MarkingDefinition{
		Type:           "marking-definition",
		SpecVersion:    SpecVersion,
		ID:             DefaultMarkingID,
		CreatedByRef:   dogesecIdentity,
		Created:        NewTimestamp(registryEpoch),
		DefinitionType: "statement",
		Definition: map[string]string{
			"statement": "This object was created using: https://github.com/muchdogesec/txt2detection",
		},
		ObjectMarkingRefs: []string{TLPClear.MarkingID(), dogesecMarking},
	}
}

// IdentityFromAuthor builds a stable identity for a Sigma rule author.
func IdentityFromAuthor(author string) *Identity {
	name := strings.TrimSpace(author)
	id := uuid.NewSHA1(UUIDNamespace, []byte("identity+"+name))
	return &Identity{
		Type:              "identity",
		SpecVersion:       SpecVersion,
		ID:                "identity--" + id.String(),
		CreatedByRef:      DefaultIdentityID,
		Created:           NewTimestamp(registryEpoch),
		Modified:          NewTimestamp(registryEpoch),
		Name:              name,
		IdentityClass:     "individual",
		ObjectMarkingRefs: []string{TLPClear.MarkingID(), DefaultMarkingID},
	}
}
