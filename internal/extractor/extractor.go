package extractor

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"txt2detection/pkg/models"
)

// Provider turns report text into candidate detections.
type Provider interface {
	Name() string
	Detections(ctx context.Context, text string) (*models.DetectionContainer, error)
}

// Factory builds a provider for an optional model name.
type Factory func(model string) (Provider, error)

var registry = map[string]Factory{
	StaticProvider: newStatic,
}

// Providers lists the registered provider names.
func Providers() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Parse resolves "provider[:model]" to a provider instance.
func Parse(value string) (Provider, error) {
	name, model, _ := strings.Cut(strings.TrimSpace(value), ":")
	factory, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("invalid provider in `%s`, must be one of %v", value, Providers())
	}
	p, err := factory(model)
	if err != nil {
		return nil, fmt.Errorf("unable to initialize provider `%s`: %w", value, err)
	}
	return p, nil
}
