// Package scheduler computes dependency-aware ordering over the chunks of a
// specification: topological layers and critical path for display, the
// runnable set for live dispatch, and cascading cancellation on failure.
//
// All functions are pure; callers persist any status changes.
package scheduler

import (
	"fmt"
	"sort"

	"github.com/mrz1836/chunkflow/internal/constants"
	"github.com/mrz1836/chunkflow/internal/domain"
)

// byOrder sorts chunks by Order, then ID.
func byOrder(chunks []*domain.Chunk) {
	sort.SliceStable(chunks, func(i, j int) bool {
		if chunks[i].Order != chunks[j].Order {
			return chunks[i].Order < chunks[j].Order
		}
		return chunks[i].ID < chunks[j].ID
	})
}

func index(chunks []*domain.Chunk) map[string]*domain.Chunk {
	m := make(map[string]*domain.Chunk, len(chunks))
	for _, c := range chunks {
		m[c.ID] = c
	}
	return m
}

// dependents builds the reverse dependency edges: dep ID -> IDs depending on it.
func dependents(chunks []*domain.Chunk) map[string][]string {
	rev := make(map[string][]string, len(chunks))
	for _, c := range chunks {
		for _, dep := range c.Dependencies {
			rev[dep] = append(rev[dep], c.ID)
		}
	}
	return rev
}

// AssignLayers groups chunks into topological layers using Kahn's algorithm.
// Layer 0 holds chunks without dependencies; a chunk joins layer L+1 once its
// last dependency was placed in layer L. Chunks that are never reached
// (cycle or dangling dependency) are collected into one extra final layer.
// Chunks within a layer are sorted by Order.
func AssignLayers(chunks []*domain.Chunk) [][]*domain.Chunk {
	if len(chunks) == 0 {
		return nil
	}

	inDegree := make(map[string]int, len(chunks))
	for _, c := range chunks {
		inDegree[c.ID] = len(c.Dependencies)
	}
	rev := dependents(chunks)
	byID := index(chunks)

	var current []*domain.Chunk
	for _, c := range chunks {
		if inDegree[c.ID] == 0 {
			current = append(current, c)
		}
	}

	placed := make(map[string]bool, len(chunks))
	var layers [][]*domain.Chunk
	for len(current) > 0 {
		byOrder(current)
		layers = append(layers, current)

		var next []*domain.Chunk
		for _, c := range current {
			placed[c.ID] = true
			for _, depID := range rev[c.ID] {
				inDegree[depID]--
				if inDegree[depID] == 0 {
					next = append(next, byID[depID])
				}
			}
		}
		current = next
	}

	var unresolved []*domain.Chunk
	for _, c := range chunks {
		if !placed[c.ID] {
			unresolved = append(unresolved, c)
		}
	}
	if len(unresolved) > 0 {
		byOrder(unresolved)
		layers = append(layers, unresolved)
	}
	return layers
}

// CriticalPath returns the longest dependency chain, ordered from the root
// dependency to the final dependent. Ties prefer the lower Order. Dangling
// dependencies are ignored and cycles are cut at the first revisited node.
func CriticalPath(chunks []*domain.Chunk) []*domain.Chunk {
	byID := index(chunks)
	memo := make(map[string][]*domain.Chunk, len(chunks))
	visiting := make(map[string]bool, len(chunks))

	var longest func(c *domain.Chunk) []*domain.Chunk
	longest = func(c *domain.Chunk) []*domain.Chunk {
		if path, ok := memo[c.ID]; ok {
			return path
		}
		if visiting[c.ID] {
			return nil
		}
		visiting[c.ID] = true
		defer delete(visiting, c.ID)

		var best []*domain.Chunk
		for _, depID := range c.Dependencies {
			dep, ok := byID[depID]
			if !ok {
				continue
			}
			p := longest(dep)
			if len(p) > len(best) || (len(p) == len(best) && len(p) > 0 && p[len(p)-1].Order < best[len(best)-1].Order) {
				best = p
			}
		}
		path := make([]*domain.Chunk, 0, len(best)+1)
		path = append(path, best...)
		path = append(path, c)
		memo[c.ID] = path
		return path
	}

	sorted := append([]*domain.Chunk(nil), chunks...)
	byOrder(sorted)
	var best []*domain.Chunk
	for _, c := range sorted {
		if p := longest(c); len(p) > len(best) {
			best = p
		}
	}
	return best
}

// FindRunnable returns the chunks that may be dispatched now: status pending,
// failed or cancelled; not completed or failed in this run; and every
// dependency in completed. The result is sorted by Order, then ID.
func FindRunnable(all []*domain.Chunk, completed, failed IDSet) []*domain.Chunk {
	var out []*domain.Chunk
	for _, c := range all {
		if !c.Status.Retryable() || completed.Has(c.ID) || failed.Has(c.ID) {
			continue
		}
		if DependenciesMet(c, completed) {
			out = append(out, c)
		}
	}
	byOrder(out)
	return out
}

// DependenciesMet reports whether every dependency of c is in completed.
func DependenciesMet(c *domain.Chunk, completed IDSet) bool {
	for _, dep := range c.Dependencies {
		if !completed.Has(dep) {
			return false
		}
	}
	return true
}

// Cancellation is a chunk that must be cancelled because a dependency failed.
type Cancellation struct {
	Chunk  *domain.Chunk
	Reason string
}

// CascadeCancel walks the reverse dependency edges breadth-first from the
// failed chunk and returns every transitively dependent chunk that is not
// already completed or failed, each exactly once, in visit order. The
// returned reason cites the originally failed chunk.
func CascadeCancel(failedID string, all []*domain.Chunk) []Cancellation {
	byID := index(all)
	rev := dependents(all)
	reason := cancelReason(failedID, byID[failedID])

	visited := map[string]bool{failedID: true}
	queue := []string{failedID}
	var out []Cancellation
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		next := append([]string(nil), rev[id]...)
		sort.Strings(next)
		for _, depID := range next {
			if visited[depID] {
				continue
			}
			visited[depID] = true
			queue = append(queue, depID)

			c := byID[depID]
			if c == nil || c.Status == constants.ChunkStatusCompleted || c.Status == constants.ChunkStatusFailed {
				continue
			}
			out = append(out, Cancellation{Chunk: c, Reason: reason})
		}
	}
	return out
}

func cancelReason(id string, c *domain.Chunk) string {
	if c == nil {
		return fmt.Sprintf("dependency %s failed", id)
	}
	return fmt.Sprintf("dependency %q (%s) failed", c.Title, id)
}
