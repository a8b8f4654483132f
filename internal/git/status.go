package git

import (
	"strconv"
	"strings"
)

// Status represents the current state of a git working tree.
type Status struct {
	Staged    []FileChange
	Unstaged  []FileChange
	Untracked []string
	Branch    string
	Ahead     int
	Behind    int
}

// FileChange represents a changed file in the working tree.
type FileChange struct {
	Path    string
	Status  ChangeType
	OldPath string // set for renames
}

// ChangeType is the porcelain status letter of a change.
type ChangeType string

// Change type constants for git status.
const (
	ChangeAdded    ChangeType = "A"
	ChangeModified ChangeType = "M"
	ChangeDeleted  ChangeType = "D"
	ChangeRenamed  ChangeType = "R"
	ChangeCopied   ChangeType = "C"
	ChangeUnmerged ChangeType = "U"
)

// IsClean returns true if the working tree has no changes.
func (s *Status) IsClean() bool {
	return len(s.Staged) == 0 && len(s.Unstaged) == 0 && len(s.Untracked) == 0
}

// ChangedFiles returns the distinct paths that are staged, modified or untracked.
func (s *Status) ChangedFiles() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for _, c := range s.Staged {
		add(c.Path)
	}
	for _, c := range s.Unstaged {
		add(c.Path)
	}
	for _, p := range s.Untracked {
		add(p)
	}
	return out
}

// parseStatus parses `git status --porcelain --branch` output.
func parseStatus(output string) *Status {
	status := &Status{
		Staged:    []FileChange{},
		Unstaged:  []FileChange{},
		Untracked: []string{},
	}

	for _, line := range strings.Split(output, "\n") {
		if len(line) < 2 {
			continue
		}
		if strings.HasPrefix(line, "## ") {
			parseBranchLine(line, status)
			continue
		}
		if len(line) < 4 {
			continue
		}

		x, y := line[0], line[1]
		path := strings.TrimSpace(line[3:])
		var oldPath string
		if before, after, ok := strings.Cut(path, " -> "); ok {
			oldPath, path = before, after
		}

		if x == '?' && y == '?' {
			status.Untracked = append(status.Untracked, path)
			continue
		}
		if x != ' ' && x != '?' {
			status.Staged = append(status.Staged, FileChange{Path: path, Status: ChangeType(string(x)), OldPath: oldPath})
		}
		if y != ' ' && y != '?' {
			status.Unstaged = append(status.Unstaged, FileChange{Path: path, Status: ChangeType(string(y)), OldPath: oldPath})
		}
	}
	return status
}

// parseBranchLine parses "## branch...origin/branch [ahead N, behind M]".
func parseBranchLine(line string, status *Status) {
	line = strings.TrimPrefix(line, "## ")
	local, remote, found := strings.Cut(line, "...")
	status.Branch = local
	if !found {
		return
	}

	start := strings.Index(remote, " [")
	if start == -1 || !strings.HasSuffix(remote, "]") {
		return
	}
	info := remote[start+2 : len(remote)-1]
	status.Ahead = parseCount(info, "ahead ")
	status.Behind = parseCount(info, "behind ")
}

func parseCount(info, prefix string) int {
	idx := strings.Index(info, prefix)
	if idx == -1 {
		return 0
	}
	num := info[idx+len(prefix):]
	if comma := strings.Index(num, ","); comma != -1 {
		num = num[:comma]
	}
	n, err := strconv.Atoi(strings.TrimSpace(num))
	if err != nil {
		return 0
	}
	return n
}
