package domain

import (
	"time"

	"github.com/mrz1836/chunkflow/internal/constants"
)

// Specification is a free-text description of work that is decomposed into chunks.
type Specification struct {
	ID        string               `json:"id"`
	ProjectID string               `json:"project_id"`
	Title     string               `json:"title"`
	Content   string               `json:"content"`
	Version   int                  `json:"version"`
	Status    constants.SpecStatus `json:"status"`
	Git       GitInfo              `json:"git"`
	CreatedAt time.Time            `json:"created_at"`
	UpdatedAt time.Time            `json:"updated_at"`
}

// GitInfo records the git workflow state persisted on a specification.
type GitInfo struct {
	// BranchName is the dedicated branch for this specification's work.
	BranchName string `json:"branch_name,omitempty"`

	// OriginalBranch is the branch checked out before the run started.
	OriginalBranch string `json:"original_branch,omitempty"`

	// WorktreePath is set when the run used an isolated worktree.
	WorktreePath string `json:"worktree_path,omitempty"`

	PRURL    string `json:"pr_url,omitempty"`
	PRNumber int    `json:"pr_number,omitempty"`
	PRMerged bool   `json:"pr_merged,omitempty"`
}

// Touch bumps the version and update timestamp. Every mutation of title,
// content, status or git fields must call it; the version never decreases.
func (s *Specification) Touch(now time.Time) {
	s.Version++
	s.UpdatedAt = now
}

// ValidSpecTransitions defines the allowed specification status changes.
//
//nolint:gochecknoglobals // Read-only lookup table
var ValidSpecTransitions = map[constants.SpecStatus][]constants.SpecStatus{
	constants.SpecStatusDraft:     {constants.SpecStatusRunning},
	constants.SpecStatusRunning:   {constants.SpecStatusReview, constants.SpecStatusCompleted, constants.SpecStatusDraft},
	constants.SpecStatusReview:    {constants.SpecStatusRunning, constants.SpecStatusCompleted},
	constants.SpecStatusCompleted: {constants.SpecStatusRunning},
}

// CanTransitionSpec reports whether a specification may move from one status to another.
// Staying in the same status is always allowed.
func CanTransitionSpec(from, to constants.SpecStatus) bool {
	if from == to {
		return true
	}
	for _, target := range ValidSpecTransitions[from] {
		if target == to {
			return true
		}
	}
	return false
}
