package bundler

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"txt2detection/internal/logger"
	"txt2detection/internal/metrics"
	"txt2detection/internal/observables"
	"txt2detection/internal/rules"
	"txt2detection/pkg/models"
)

// RelationshipType is used for every relationship the bundler creates.
const RelationshipType = "detects"

const (
	referenceSource      = "txt2detection"
	referenceDescription = "txt2detection-reference"
	descriptionHashName  = "description_md5_hash"
	ruleHashName         = "rule_md5_hash"
)

// Resolver looks up enrichment objects for ATT&CK and CVE ids.
type Resolver interface {
	AttackObjects(ctx context.Context, ids []string) []models.RawObject
	CVEObjects(ctx context.Context, ids []string) []models.RawObject
}

// Options describes the report a bundle is built around.
type Options struct {
	Name          string
	Description   string
	Identity      *models.Identity
	TLPLevel      string
	Labels        []string
	Created       time.Time
	Modified      time.Time
	ReportID      string
	ExternalRefs  []models.ExternalReference
	ReferenceURLs []string
	License       string
	Status        string
}

// Bundler assembles one STIX bundle. It is not safe for concurrent use.
type Bundler struct {
	opts         Options
	tlp          models.TLPLevel
	identity     *models.Identity
	report       *models.Report
	bundle       *models.Bundle
	seen         map[string]struct{}
	externalRefs []models.ExternalReference
	resolver     Resolver
	metrics      *metrics.Metrics
	detections   *models.DetectionContainer
}

// GenerateReportID derives the report uuid from its author, creation time
// and name.
func GenerateReportID(createdByRef string, created time.Time, name string) string {
	if createdByRef == "" {
		createdByRef = models.DefaultIdentityID
	}
	key := createdByRef + "+" + models.NewTimestamp(created).String() + "+" + name
	return uuid.NewSHA1(models.UUIDNamespace, []byte(key)).String()
}

// New creates a bundler with the report, identity and markings in place.
// resolver may be nil, in which case no enrichment objects are fetched.
func New(opts Options, resolver Resolver, m *metrics.Metrics) (*Bundler, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return nil, fmt.Errorf("report name is required")
	}
	tlpName := opts.TLPLevel
	if tlpName == "" {
		tlpName = models.TLPClear.Name()
	}
	tlp, err := models.ParseTLPLevel(tlpName)
	if err != nil {
		return nil, err
	}

	identity := opts.Identity
	if identity == nil {
		identity = models.DefaultIdentity()
	}

	created := opts.Created
	if created.IsZero() {
		created = time.Now()
	}
	modified := opts.Modified
	if modified.IsZero() {
		modified = created
	}

	reportUUID, err := resolveReportID(opts.ReportID, identity.ID, created, opts.Name)
	if err != nil {
		return nil, err
	}

	b := &Bundler{
		opts:     opts,
		tlp:      tlp,
		identity: identity,
		seen:     make(map[string]struct{}),
		resolver: resolver,
		metrics:  m,
	}

	b.externalRefs = append(b.externalRefs, opts.ExternalRefs...)
	for _, u := range opts.ReferenceURLs {
		b.externalRefs = append(b.externalRefs, models.ExternalReference{
			SourceName:  referenceSource,
			URL:         u,
			Description: referenceDescription,
		})
	}

	var reportRefs []models.ExternalReference
	if opts.Description != "" {
		reportRefs = append(reportRefs, models.ExternalReference{
			SourceName: descriptionHashName,
			ExternalID: md5Hex(opts.Description),
		})
	}
	reportRefs = append(reportRefs, b.externalRefs...)

	b.report = &models.Report{
		Type:               "report",
		SpecVersion:        models.SpecVersion,
		ID:                 "report--" + reportUUID,
		CreatedByRef:       identity.ID,
		Created:            models.NewTimestamp(created),
		Modified:           models.NewTimestamp(modified),
		Name:               opts.Name,
		Description:        opts.Description,
		Published:          models.NewTimestamp(created),
		ObjectRefs:         []string{},
		Labels:             models.RemoveRuleSpecificTags(opts.Labels),
		ObjectMarkingRefs:  []string{tlp.MarkingID(), models.DefaultMarkingID},
		ExternalReferences: reportRefs,
	}

	b.bundle = &models.Bundle{Type: "bundle", ID: "bundle--" + reportUUID}
	for _, obj := range []models.Object{tlp.Marking(), models.DefaultMarking(), identity, b.report} {
		b.bundle.Objects = append(b.bundle.Objects, obj)
		b.seen[obj.ObjectID()] = struct{}{}
	}
	return b, nil
}

func resolveReportID(explicit, createdByRef string, created time.Time, name string) (string, error) {
	if explicit == "" {
		return GenerateReportID(createdByRef, created, name), nil
	}
	id, err := uuid.Parse(strings.TrimPrefix(explicit, "report--"))
	if err != nil {
		return "", fmt.Errorf("invalid report id %q: %w", explicit, err)
	}
	return id.String(), nil
}

// AddRef adds obj to the bundle unless an object with the same id is already
// there. When appendToReport is set the id is also listed in the report's
// object_refs. It reports whether the object was added.
func (b *Bundler) AddRef(obj models.Object, appendToReport bool) bool {
	id := obj.ObjectID()
	if _, ok := b.seen[id]; ok {
		return false
	}
	b.seen[id] = struct{}{}
	b.bundle.Objects = append(b.bundle.Objects, obj)
	if appendToReport {
		b.report.ObjectRefs = append(b.report.ObjectRefs, id)
	}
	return true
}

// BundleDetections adds one indicator per detection along with its
// enrichment objects, observables and relationships. A container without
// success produces a bundle with no indicators.
func (b *Bundler) BundleDetections(ctx context.Context, container *models.DetectionContainer) error {
	b.detections = container
	if container == nil || !container.Success {
		logger.Infof("extractor reported no detections; bundle %s has no indicators", b.bundle.ID)
		return nil
	}
	for _, d := range container.Detections {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := b.addRuleIndicator(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bundler) ruleContext() rules.Context {
	return rules.Context{
		TLP:        b.tlp,
		Labels:     b.opts.Labels,
		Author:     b.report.CreatedByRef,
		Status:     b.opts.Status,
		License:    b.opts.License,
		References: b.opts.ReferenceURLs,
		Created:    b.report.Created.Time,
		Modified:   b.report.Modified.Time,
	}
}

func (b *Bundler) addRuleIndicator(ctx context.Context, d *models.Detection) error {
	compiled, err := rules.Compile(d, b.ruleContext())
	if err != nil {
		return err
	}

	refs := make([]models.ExternalReference, 0, len(b.externalRefs)+len(d.ExternalRefs)+1)
	refs = append(refs, b.externalRefs...)
	refs = append(refs, d.ExternalRefs...)
	refs = append(refs, models.ExternalReference{
		SourceName: ruleHashName,
		ExternalID: md5Hex(compiled.YAML),
	})

	indicator := &models.Indicator{
		Type:               "indicator",
		SpecVersion:        models.SpecVersion,
		ID:                 "indicator--" + compiled.ID,
		CreatedByRef:       b.report.CreatedByRef,
		Created:            b.report.Created,
		Modified:           b.report.Modified,
		IndicatorTypes:     d.IndicatorTypes,
		Name:               d.Title,
		Description:        d.Description,
		Labels:             models.RemoveRuleSpecificTags(b.opts.Labels),
		PatternType:        "sigma",
		Pattern:            compiled.YAML,
		ValidFrom:          b.report.Created,
		ObjectMarkingRefs:  append([]string(nil), b.report.ObjectMarkingRefs...),
		ExternalReferences: refs,
	}

	logger.Debugf("===== rule %s =====\n%s", compiled.ID, compiled.YAML)

	if b.resolver != nil {
		for _, obj := range b.resolver.AttackObjects(ctx, d.MitreAttackIDs()) {
			b.AddRef(obj, false)
			b.addRelation(indicator, obj, "")
		}
		for _, obj := range b.resolver.CVEObjects(ctx, d.CVEIDs()) {
			b.AddRef(obj, false)
			b.addRelation(indicator, obj, "")
		}
	}

	if b.AddRef(indicator, true) {
		b.metrics.Indicator()
	}

	for _, c := range observables.Find(d.Detection) {
		obs, err := observables.ToSTIX(c)
		if err != nil {
			logger.Warnf("failed to process observable %s/%s: %v", c.Type, c.Value, err)
			b.metrics.ObservableSkipped()
			continue
		}
		if b.AddRef(obs, false) {
			b.metrics.Observable()
		}
		b.addRelation(indicator, obs, c.Value)
	}
	return nil
}

func (b *Bundler) addRelation(indicator *models.Indicator, target models.Object, targetName string) {
	var extRefs []models.ExternalReference
	if raw, ok := target.(models.RawObject); ok {
		if ref, ok := raw.FirstExternalReference(); ok {
			indicator.ExternalReferences = append(indicator.ExternalReferences, ref)
			extRefs = []models.ExternalReference{ref}
		}
	}
	if targetName == "" {
		targetName = displayName(target)
	}

	targetID := target.ObjectID()
	rel := &models.Relationship{
		Type:               "relationship",
		SpecVersion:        models.SpecVersion,
		ID:                 "relationship--" + uuid.NewSHA1(models.UUIDNamespace, []byte(indicator.ID+"+"+targetID)).String(),
		CreatedByRef:       b.report.CreatedByRef,
		Created:            b.report.Created,
		Modified:           b.report.Modified,
		RelationshipType:   RelationshipType,
		Description:        fmt.Sprintf("%s %s %s", indicator.Name, RelationshipType, targetName),
		SourceRef:          indicator.ID,
		TargetRef:          targetID,
		ObjectMarkingRefs:  append([]string(nil), b.report.ObjectMarkingRefs...),
		ExternalReferences: extRefs,
	}
	if b.AddRef(rel, false) {
		b.metrics.Relationship()
	}
}

func displayName(target models.Object) string {
	raw, ok := target.(models.RawObject)
	if !ok {
		return target.ObjectID()
	}
	name := raw.String("name")
	if ref, ok := raw.FirstExternalReference(); ok && ref.ExternalID != "" {
		if name == "" {
			return ref.ExternalID
		}
		return fmt.Sprintf("%s (%s)", ref.ExternalID, name)
	}
	if name != "" {
		return name
	}
	return target.ObjectID()
}

// Report returns the report object.
func (b *Bundler) Report() *models.Report { return b.report }

// Bundle returns the bundle being built.
func (b *Bundler) Bundle() *models.Bundle { return b.bundle }

// Identity returns the identity credited for the bundle.
func (b *Bundler) Identity() *models.Identity { return b.identity }

// TLPLevel returns the bundle's TLP level.
func (b *Bundler) TLPLevel() models.TLPLevel { return b.tlp }

// Detections returns the container passed to BundleDetections.
func (b *Bundler) Detections() *models.DetectionContainer { return b.detections }

// Indicators returns the sigma indicators in bundle order.
func (b *Bundler) Indicators() []*models.Indicator {
	var out []*models.Indicator
	for _, obj := range b.bundle.Objects {
		if ind, ok := obj.(*models.Indicator); ok && ind.PatternType == "sigma" {
			out = append(out, ind)
		}
	}
	return out
}

// ToJSON renders the bundle with a 4 space indent.
func (b *Bundler) ToJSON() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(b.bundle); err != nil {
		return nil, fmt.Errorf("failed to marshal bundle: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// BundleDict returns the bundle decoded into generic maps.
func (b *Bundler) BundleDict() (map[string]interface{}, error) {
	raw, err := b.ToJSON()
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode bundle: %w", err)
	}
	return out, nil
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
