package pipeline

import "txt2detection/pkg/models"

// BundleWriter writes finished bundles.
type BundleWriter interface {
	WriteBundle(out *models.BundleOutput) error
	Close() error
}
