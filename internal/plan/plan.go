// Package plan reads chunk plans from YAML. A plan names its chunks with
// short keys so dependencies can be written before chunk IDs exist:
//
//	chunks:
//	  - key: schema
//	    title: Add the orders table
//	    description: Create the migration and model.
//	  - key: api
//	    title: Expose orders over HTTP
//	    depends_on: [schema]
package plan

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mrz1836/chunkflow/internal/domain"
	cferrors "github.com/mrz1836/chunkflow/internal/errors"
	"github.com/mrz1836/chunkflow/internal/scheduler"
)

// File is a parsed plan.
type File struct {
	Chunks []Entry `yaml:"chunks"`
}

// Entry is one planned chunk.
type Entry struct {
	Key         string   `yaml:"key"`
	Title       string   `yaml:"title"`
	Description string   `yaml:"description"`
	DependsOn   []string `yaml:"depends_on"`
}

// Parse decodes a plan strictly; unknown fields are errors.
func Parse(r io.Reader) (*File, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan: %w", err)
	}

	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: plan is empty", cferrors.ErrInvalidPlan)
		}
		return nil, fmt.Errorf("%w: %w", cferrors.ErrInvalidPlan, err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks keys and titles, then the dependency graph expressed in
// keys so errors name what the author wrote.
func (f *File) Validate() error {
	if len(f.Chunks) == 0 {
		return fmt.Errorf("%w: no chunks", cferrors.ErrInvalidPlan)
	}

	seen := make(map[string]bool, len(f.Chunks))
	byKey := make([]*domain.Chunk, 0, len(f.Chunks))
	for i, e := range f.Chunks {
		key := strings.TrimSpace(e.Key)
		switch {
		case key == "":
			return fmt.Errorf("%w: chunk %d has no key", cferrors.ErrInvalidPlan, i+1)
		case strings.TrimSpace(e.Title) == "":
			return fmt.Errorf("%w: chunk %q has no title", cferrors.ErrInvalidPlan, key)
		case seen[key]:
			return fmt.Errorf("%w: duplicate key %q", cferrors.ErrInvalidPlan, key)
		}
		seen[key] = true
		byKey = append(byKey, &domain.Chunk{ID: key, Order: i, Dependencies: trimAll(e.DependsOn)})
	}
	return scheduler.ValidateGraph(byKey)
}

// ToChunks builds pending chunks for specID in plan order. newID allocates
// chunk IDs; dependencies are rewritten from keys to those IDs.
func (f *File) ToChunks(specID string, newID func() string) []*domain.Chunk {
	ids := make(map[string]string, len(f.Chunks))
	for _, e := range f.Chunks {
		ids[strings.TrimSpace(e.Key)] = newID()
	}

	out := make([]*domain.Chunk, 0, len(f.Chunks))
	for i, e := range f.Chunks {
		deps := make([]string, 0, len(e.DependsOn))
		for _, d := range trimAll(e.DependsOn) {
			deps = append(deps, ids[d])
		}
		out = append(out, &domain.Chunk{
			ID:           ids[strings.TrimSpace(e.Key)],
			SpecID:       specID,
			Title:        strings.TrimSpace(e.Title),
			Description:  strings.TrimSpace(e.Description),
			Order:        i,
			Dependencies: deps,
		})
	}
	return out
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, strings.TrimSpace(s))
	}
	return out
}
