package rules

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed sigma-detection-rule-schema.json
var sigmaRuleSchema []byte

var (
	schemaOnce sync.Once
	schema     *gojsonschema.Schema
	schemaErr  error
)

// SchemaError lists every schema violation found in a compiled rule.
type SchemaError struct {
	RuleID   string
	Problems []string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("rule %s failed sigma schema validation: %s", e.RuleID, strings.Join(e.Problems, "; "))
}

func loadSchema() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewBytesLoader(sigmaRuleSchema))
		if schemaErr != nil {
			schemaErr = fmt.Errorf("load sigma rule schema: %w", schemaErr)
		}
	})
	return schema, schemaErr
}

// ValidateSchema checks a decoded rule document against the Sigma detection
// rule JSON schema.
func ValidateSchema(ruleID string, doc map[string]interface{}) error {
	s, err := loadSchema()
	if err != nil {
		return err
	}
	result, err := s.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fmt.Errorf("validate rule %s: %w", ruleID, err)
	}
	if result.Valid() {
		return nil
	}
	problems := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		problems = append(problems, fmt.Sprintf("%s: %s", e.Field(), e.Description()))
	}
	return &SchemaError{RuleID: ruleID, Problems: problems}
}
