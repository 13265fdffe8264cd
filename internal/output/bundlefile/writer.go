package bundlefile

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"txt2detection/internal/logger"
	"txt2detection/pkg/models"
)

// Writer lays each bundle out under {root}/{bundle id}/.
type Writer struct {
	root string
	mu   sync.Mutex
}

// NewWriter creates a directory writer rooted at root.
func NewWriter(root string) (*Writer, error) {
	if root == "" {
		root = "output"
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	logger.Infof("Bundle file writer initialized: %s", root)
	return &Writer{root: root}, nil
}

// Dir returns the directory a bundle is written to.
func (w *Writer) Dir(bundleID string) string {
	return filepath.Join(w.root, bundleID)
}

// WriteBundle replaces {root}/{bundle id} with bundle.json, data.json and
// one rules/rule--{id}.yml per indicator.
func (w *Writer) WriteBundle(out *models.BundleOutput) error {
	if out == nil || out.BundleID == "" {
		return fmt.Errorf("bundle output has no id")
	}
	if strings.ContainsAny(out.BundleID, `/\`) || strings.Contains(out.BundleID, "..") {
		return fmt.Errorf("invalid bundle id %q", out.BundleID)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	dir := w.Dir(out.BundleID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to clear output directory: %w", err)
	}
	rulesDir := filepath.Join(dir, "rules")
	if err := os.MkdirAll(rulesDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	bundlePath := filepath.Join(dir, "bundle.json")
	if err := os.WriteFile(bundlePath, out.Bundle, 0644); err != nil {
		return fmt.Errorf("failed to write bundle: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "data.json"), out.Data, 0644); err != nil {
		return fmt.Errorf("failed to write detections: %w", err)
	}
	for _, rule := range out.Rules {
		if err := os.WriteFile(filepath.Join(rulesDir, filepath.Base(rule.Name)), []byte(rule.YAML), 0644); err != nil {
			return fmt.Errorf("failed to write rule %s: %w", rule.Name, err)
		}
	}

	logger.Infof("Writing bundle output to `%s`", bundlePath)
	return nil
}

// Close is a no-op; every bundle is written and closed in WriteBundle.
func (w *Writer) Close() error {
	return nil
}
