package rules

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleSigmaRule = `title: Mimikatz Command Line
id: a642964e-bead-4bed-8910-1bb4d63e3b4d
status: test
description: Detects mimikatz command line arguments
author: Jane Doe
references:
    - https://example.com/mimikatz
date: 2019/10/22
modified: 2023-02-21
tags:
    - attack.credential-access
    - attack.t1003.001
    - tlp.green
    - Dogesec.Demo
logsource:
    category: process_creation
    product: windows
detection:
    selection:
        CommandLine|contains:
            - sekurlsa::logonpasswords
            - lsadump::sam
    condition: selection
falsepositives: Unlikely
level: high
`

func TestParseSigmaRule(t *testing.T) {
	d, err := ParseSigmaRule([]byte(sampleSigmaRule))
	if err != nil {
		t.Fatalf("ParseSigmaRule: %v", err)
	}
	if d.ID != "" {
		t.Fatalf("rule id must not become the detection id, got %s", d.ID)
	}
	if len(d.Related) != 1 || d.Related[0].ID != "a642964e-bead-4bed-8910-1bb4d63e3b4d" || d.Related[0].Type != "derived" {
		t.Fatalf("unexpected related: %+v", d.Related)
	}
	if d.Date != "2019-10-22" || d.Modified != "2023-02-21" {
		t.Fatalf("unexpected dates: %s %s", d.Date, d.Modified)
	}
	if len(d.FalsePositives) != 1 || d.FalsePositives[0] != "Unlikely" {
		t.Fatalf("scalar falsepositives not normalized: %v", d.FalsePositives)
	}
	if d.Author != "Jane Doe" || len(d.References) != 1 {
		t.Fatalf("unexpected metadata: %+v", d)
	}
	level, ok := d.TLPLevel()
	if !ok || level.Name() != "green" {
		t.Fatalf("expected tlp green from tags, got %v %v", level, ok)
	}
	if labels := d.Labels(); len(labels) != 1 || labels[0] != "dogesec.demo" {
		t.Fatalf("unexpected labels: %v", labels)
	}
}

func TestParseSigmaRuleCompiles(t *testing.T) {
	d, err := ParseSigmaRule([]byte(sampleSigmaRule))
	if err != nil {
		t.Fatalf("ParseSigmaRule: %v", err)
	}
	if err := d.AssignID("report--2f3c5b5e-3a36-4b43-9d2c-3f8ff8d1c111"); err != nil {
		t.Fatalf("AssignID: %v", err)
	}
	compiled, err := Compile(d, sampleContext())
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if compiled.ID != "2f3c5b5e-3a36-4b43-9d2c-3f8ff8d1c111" {
		t.Fatalf("unexpected compiled id %s", compiled.ID)
	}
	if compiled.Rule.Date != "2019-10-22" {
		t.Fatalf("rule date should be kept, got %s", compiled.Rule.Date)
	}
	if len(compiled.Rule.Related) != 1 {
		t.Fatalf("expected related entry in compiled rule")
	}
}

func TestParseSigmaRuleErrors(t *testing.T) {
	cases := map[string]string{
		"not yaml":     "title: [",
		"no detection": "title: x\nlogsource:\n    product: windows\n",
		"bad date":     "title: x\ndate: yesterday\nlogsource:\n    product: windows\ndetection:\n    sel:\n        a: b\n    condition: sel\n",
	}
	for name, raw := range cases {
		if _, err := ParseSigmaRule([]byte(raw)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestReadSigmaFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rule.yml")
	if err := os.WriteFile(path, []byte(sampleSigmaRule), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := ReadSigmaFile(path); err != nil {
		t.Fatalf("ReadSigmaFile: %v", err)
	}
	if _, err := ReadSigmaFile(filepath.Join(dir, "rule.txt")); err == nil {
		t.Fatalf("expected extension error")
	}
}
