package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"txt2detection/pkg/models"
)

// StaticProvider reads detections that were extracted ahead of time.
const StaticProvider = "static"

type static struct{}

func newStatic(model string) (Provider, error) {
	if model != "" {
		return nil, fmt.Errorf("%s provider takes no model, got %q", StaticProvider, model)
	}
	return static{}, nil
}

func (static) Name() string { return StaticProvider }

// Detections decodes text as a DetectionContainer JSON document.
func (static) Detections(ctx context.Context, text string) (*models.DetectionContainer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dec := json.NewDecoder(strings.NewReader(text))
	dec.DisallowUnknownFields()
	var container models.DetectionContainer
	if err := dec.Decode(&container); err != nil {
		return nil, fmt.Errorf("decode detection container: %w", err)
	}
	if err := container.NormalizeIDs(); err != nil {
		return nil, err
	}
	return &container, nil
}
