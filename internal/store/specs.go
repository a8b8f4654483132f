package store

import (
	"context"
	"fmt"
	"sort"

	"github.com/mrz1836/chunkflow/internal/constants"
	"github.com/mrz1836/chunkflow/internal/domain"
	cferrors "github.com/mrz1836/chunkflow/internal/errors"
)

// CreateProject persists a new project.
func (s *FileStore) CreateProject(ctx context.Context, p *domain.Project) error {
	if p == nil {
		return fmt.Errorf("failed to create project: project %w", cferrors.ErrEmptyValue)
	}
	if err := validateID("project", p.ID); err != nil {
		return fmt.Errorf("failed to create project: %w", err)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now()
	}
	return s.withLock(ctx, func() error {
		if err := createJSON(s.path(projectsDir, p.ID+".json"), p); err != nil {
			return fmt.Errorf("failed to create project '%s': %w", p.ID, err)
		}
		return nil
	})
}

// GetProject returns the project with the given ID.
func (s *FileStore) GetProject(ctx context.Context, id string) (*domain.Project, error) {
	if err := validateID("project", id); err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	var p *domain.Project
	err := s.withLock(ctx, func() error {
		var err error
		p, err = readJSON[domain.Project](s.path(projectsDir, id+".json"))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get project '%s': %w", id, err)
	}
	return p, nil
}

// ListProjects returns all projects sorted by name.
func (s *FileStore) ListProjects(ctx context.Context) ([]*domain.Project, error) {
	var out []*domain.Project
	err := s.withLock(ctx, func() error {
		var err error
		out, err = listJSON[domain.Project](s.path(projectsDir))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// DeleteProject removes a project. Its specifications are left untouched.
func (s *FileStore) DeleteProject(ctx context.Context, id string) error {
	if err := validateID("project", id); err != nil {
		return fmt.Errorf("failed to delete project: %w", err)
	}
	return s.withLock(ctx, func() error {
		if err := removeJSON(s.path(projectsDir, id+".json")); err != nil {
			return fmt.Errorf("failed to delete project '%s': %w", id, err)
		}
		return nil
	})
}

// CreateSpec persists a new specification at version 1 in draft status
// unless the caller already set them.
func (s *FileStore) CreateSpec(ctx context.Context, spec *domain.Specification) error {
	if spec == nil {
		return fmt.Errorf("failed to create specification: specification %w", cferrors.ErrEmptyValue)
	}
	if err := validateID("specification", spec.ID); err != nil {
		return fmt.Errorf("failed to create specification: %w", err)
	}
	now := s.now()
	if spec.Version == 0 {
		spec.Version = 1
	}
	if spec.Status == "" {
		spec.Status = constants.SpecStatusDraft
	}
	if spec.CreatedAt.IsZero() {
		spec.CreatedAt = now
	}
	spec.UpdatedAt = now
	return s.withLock(ctx, func() error {
		if err := createJSON(s.path(specsDir, spec.ID+".json"), spec); err != nil {
			return fmt.Errorf("failed to create specification '%s': %w", spec.ID, err)
		}
		return nil
	})
}

// GetSpec returns the specification with the given ID.
func (s *FileStore) GetSpec(ctx context.Context, id string) (*domain.Specification, error) {
	if err := validateID("specification", id); err != nil {
		return nil, fmt.Errorf("failed to get specification: %w", err)
	}
	var spec *domain.Specification
	err := s.withLock(ctx, func() error {
		var err error
		spec, err = readJSON[domain.Specification](s.path(specsDir, id+".json"))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get specification '%s': %w", id, err)
	}
	return spec, nil
}

// UpdateSpec persists spec and bumps its version. The stored version wins
// over a stale in-memory one, so versions never decrease.
func (s *FileStore) UpdateSpec(ctx context.Context, spec *domain.Specification) error {
	if spec == nil {
		return fmt.Errorf("failed to update specification: specification %w", cferrors.ErrEmptyValue)
	}
	if err := validateID("specification", spec.ID); err != nil {
		return fmt.Errorf("failed to update specification: %w", err)
	}
	return s.withLock(ctx, func() error {
		path := s.path(specsDir, spec.ID+".json")
		current, err := readJSON[domain.Specification](path)
		if err != nil {
			return fmt.Errorf("failed to update specification '%s': %w", spec.ID, err)
		}
		if current.Version > spec.Version {
			spec.Version = current.Version
		}
		spec.Touch(s.now())
		if err := writeJSON(path, spec); err != nil {
			return fmt.Errorf("failed to update specification '%s': %w", spec.ID, err)
		}
		return nil
	})
}

// ListSpecs returns specifications sorted by creation time, oldest first.
func (s *FileStore) ListSpecs(ctx context.Context, projectID string) ([]*domain.Specification, error) {
	var all []*domain.Specification
	err := s.withLock(ctx, func() error {
		var err error
		all, err = listJSON[domain.Specification](s.path(specsDir))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list specifications: %w", err)
	}
	out := all[:0]
	for _, spec := range all {
		if projectID == "" || spec.ProjectID == projectID {
			out = append(out, spec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// DeleteSpec removes a specification together with its chunks and review logs.
func (s *FileStore) DeleteSpec(ctx context.Context, id string) error {
	if err := validateID("specification", id); err != nil {
		return fmt.Errorf("failed to delete specification: %w", err)
	}
	return s.withLock(ctx, func() error {
		if err := removeJSON(s.path(specsDir, id+".json")); err != nil {
			return fmt.Errorf("failed to delete specification '%s': %w", id, err)
		}
		if err := removeAll(s.path(chunksDir, id)); err != nil {
			return fmt.Errorf("failed to delete chunks of '%s': %w", id, err)
		}
		return removeAll(s.path(reviewsDir, id+".jsonl"))
	})
}
