package scheduler

import (
	"fmt"
	"strings"

	"github.com/mrz1836/chunkflow/internal/domain"
	cferrors "github.com/mrz1836/chunkflow/internal/errors"
)

// ValidateGraph rejects dependency sets that are not a DAG over chunks:
// self-dependencies, references to unknown chunks, and cycles.
// The returned error wraps errors.ErrInvalidDependency.
func ValidateGraph(chunks []*domain.Chunk) error {
	byID := index(chunks)
	for _, c := range chunks {
		for _, dep := range c.Dependencies {
			if dep == c.ID {
				return fmt.Errorf("chunk %s depends on itself: %w", c.ID, cferrors.ErrInvalidDependency)
			}
			if _, ok := byID[dep]; !ok {
				return fmt.Errorf("chunk %s depends on unknown chunk %s: %w", c.ID, dep, cferrors.ErrInvalidDependency)
			}
		}
	}

	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(chunks))
	var stack []string

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = grey
		stack = append(stack, id)
		for _, dep := range byID[id].Dependencies {
			switch color[dep] {
			case grey:
				start := 0
				for i, s := range stack {
					if s == dep {
						start = i
						break
					}
				}
				cycle := append(append([]string(nil), stack[start:]...), dep)
				return fmt.Errorf("dependency cycle %s: %w", strings.Join(cycle, " -> "), cferrors.ErrInvalidDependency)
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return nil
	}

	sorted := append([]*domain.Chunk(nil), chunks...)
	byOrder(sorted)
	for _, c := range sorted {
		if color[c.ID] == white {
			if err := visit(c.ID); err != nil {
				return err
			}
		}
	}
	return nil
}
