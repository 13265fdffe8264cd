package models

// RuleFile is one compiled Sigma rule ready to be written out.
type RuleFile struct {
	Name string
	YAML string
}

// BundleOutput is everything a run produces.
type BundleOutput struct {
	BundleID string
	ReportID string
	Bundle   []byte
	Data     []byte
	Rules    []RuleFile
}
