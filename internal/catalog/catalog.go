// Package catalog loads pipeline definition files into the store.
package catalog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rendis/maestro/internal/validation"
	"github.com/rendis/maestro/pkg/schema"
)

// PipelineStore is the subset of store.Store the catalog writes to.
type PipelineStore interface {
	UpsertPipeline(ctx context.Context, p *schema.PipelineDefinition) error
}

var extensions = []string{".yaml", ".yml", ".json"}

// Parse decodes every pipeline in data. YAML streams may hold several
// documents separated by "---"; JSON is accepted as a YAML subset.
func Parse(data []byte) ([]*schema.PipelineDefinition, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "pipeline file is empty")
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var defs []*schema.PipelineDefinition
	for {
		var def schema.PipelineDefinition
		err := dec.Decode(&def)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "decode pipeline: %s", err.Error()).WithCause(err)
		}
		defs = append(defs, &def)
	}
	if len(defs) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "pipeline file holds no documents")
	}
	return defs, nil
}

// ParseFile reads and decodes the pipelines in path.
func ParseFile(path string) ([]*schema.PipelineDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	defs, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("catalog: %s: %w", path, err)
	}
	return defs, nil
}

// Loader validates pipeline files and upserts them.
type Loader struct {
	store     PipelineStore
	validator validation.Validator
	logger    *slog.Logger
}

// NewLoader creates a Loader. logger may be nil.
func NewLoader(store PipelineStore, validator validation.Validator, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{store: store, validator: validator, logger: logger}
}

// LoadFile validates every pipeline in path and upserts them. Nothing is
// written unless all of them validate.
func (l *Loader) LoadFile(ctx context.Context, path string) ([]*schema.PipelineDefinition, error) {
	defs, err := ParseFile(path)
	if err != nil {
		return nil, err
	}
	for _, def := range defs {
		if err := l.validator.ValidateDefinition(def); err != nil {
			return nil, fmt.Errorf("catalog: %s: pipeline %q: %w", path, def.ID, err)
		}
	}
	for _, def := range defs {
		if err := l.store.UpsertPipeline(ctx, def); err != nil {
			return nil, fmt.Errorf("catalog: %s: upsert %q: %w", path, def.ID, err)
		}
		l.logger.Info("pipeline loaded",
			slog.String("pipeline_id", def.ID),
			slog.String("strategy", string(def.Strategy)),
			slog.Int("steps", len(def.Steps)),
			slog.String("file", filepath.Base(path)))
	}
	return defs, nil
}

// LoadDir loads every pipeline file directly under dir in name order. A bad
// file does not stop the others; all failures are joined into the error.
func (l *Loader) LoadDir(ctx context.Context, dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("catalog: read dir %s: %w", dir, err)
	}

	seen := make(map[string]string)
	var (
		loaded []string
		errs   []error
	)
	for _, entry := range entries {
		if entry.IsDir() || !slices.Contains(extensions, strings.ToLower(filepath.Ext(entry.Name()))) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		defs, err := l.LoadFile(ctx, path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, def := range defs {
			if prev, dup := seen[def.ID]; dup {
				l.logger.Warn("pipeline defined twice, last file wins",
					slog.String("pipeline_id", def.ID), slog.String("first", prev), slog.String("second", entry.Name()))
			}
			seen[def.ID] = entry.Name()
			loaded = append(loaded, def.ID)
		}
	}
	return loaded, errors.Join(errs...)
}
