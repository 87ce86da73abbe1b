package entity

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/moatmetrics/moatmetrics/pkg/types"
)

// ErrNoBatch is returned when a source holds nothing for the tenant.
var ErrNoBatch = errors.New("entity: no batch for tenant")

// Source yields typed entity batches. Implemented by the ingestion side.
type Source interface {
	Batch(ctx context.Context, tenant string, w types.Window) (*types.Batch, error)
}

// StaticSource serves fixed batches keyed by tenant.
type StaticSource map[string]*types.Batch

// Batch implements Source.
func (s StaticSource) Batch(_ context.Context, tenant string, _ types.Window) (*types.Batch, error) {
	b, ok := s[tenant]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoBatch, tenant)
	}
	return b, nil
}

// FileSource reads batches from YAML or JSON files. Any "{tenant}"
// placeholder in Path is replaced with the requested tenant.
type FileSource struct {
	Path string
}

// Batch implements Source. The whole file is returned; window filtering is
// the View's job.
func (s FileSource) Batch(ctx context.Context, tenant string, _ types.Window) (*types.Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := strings.ReplaceAll(s.Path, "{tenant}", tenant)
	b, err := LoadBatch(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %q (%s)", ErrNoBatch, tenant, path)
	}
	return b, err
}

// LoadBatch parses one batch file.
func LoadBatch(path string) (*types.Batch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("entity: read batch: %w", err)
	}
	var b types.Batch
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("entity: parse batch: %w", err)
	}
	return &b, nil
}
