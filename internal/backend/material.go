package backend

import (
	"strings"
)

// MaterialKind identifies what a PromptMaterial asks for.
type MaterialKind string

// Material kinds.
const (
	MaterialExecute     MaterialKind = "execute"
	MaterialChunkReview MaterialKind = "chunk_review"
	MaterialFinalReview MaterialKind = "final_review"
)

// DependencyContext is what a chunk learns about a completed dependency.
type DependencyContext struct {
	Title   string
	Summary string
	Files   []string
}

// ChunkContext summarizes one chunk for the whole-specification review.
type ChunkContext struct {
	Title   string
	Summary string
}

// PromptMaterial is the structured input handed to a backend. It is rendered
// as plain labelled sections with no additional instructions beyond the
// expected response shape of reviews.
type PromptMaterial struct {
	Kind             MaterialKind
	SpecTitle        string
	SpecContent      string
	ChunkTitle       string
	ChunkDescription string
	ChunkOutput      string
	Feedback         string
	Validation       string
	Dependencies     []DependencyContext
	Chunks           []ChunkContext
}

// verdictShape documents the JSON object review backends must return.
const verdictShape = `{"status": "pass" | "needs_fix" | "fail", "feedback": "...", "fix_title": "...", "fix_description": "..."}`

// finalVerdictShape documents the whole-specification review response.
const finalVerdictShape = `{"status": "pass" | "needs_fix" | "fail", "feedback": "...", "fixes": [{"title": "...", "description": "..."}]}`

// Render returns the material as plain text.
func (m PromptMaterial) Render() string {
	var b strings.Builder
	section := func(title, body string) {
		body = strings.TrimSpace(body)
		if body == "" {
			return
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("# ")
		b.WriteString(title)
		b.WriteString("\n\n")
		b.WriteString(body)
	}

	section("Specification: "+m.SpecTitle, m.SpecContent)
	if m.ChunkTitle != "" {
		section("Chunk: "+m.ChunkTitle, m.ChunkDescription)
	}

	if len(m.Dependencies) > 0 {
		var deps strings.Builder
		for i, d := range m.Dependencies {
			if i > 0 {
				deps.WriteString("\n\n")
			}
			deps.WriteString("## " + d.Title + "\n")
			if d.Summary != "" {
				deps.WriteString(strings.TrimSpace(d.Summary) + "\n")
			}
			if len(d.Files) > 0 {
				deps.WriteString("Files: " + strings.Join(d.Files, ", ") + "\n")
			}
		}
		section("Completed dependencies", deps.String())
	}

	section("Previous review feedback", m.Feedback)
	section("Chunk output", m.ChunkOutput)
	section("Validation", m.Validation)

	if len(m.Chunks) > 0 {
		var chunks strings.Builder
		for i, c := range m.Chunks {
			if i > 0 {
				chunks.WriteString("\n\n")
			}
			chunks.WriteString("## " + c.Title + "\n")
			chunks.WriteString(strings.TrimSpace(c.Summary))
		}
		section("Chunks", chunks.String())
	}

	switch m.Kind {
	case MaterialChunkReview:
		section("Response format", verdictShape)
	case MaterialFinalReview:
		section("Response format", finalVerdictShape)
	case MaterialExecute:
	}
	return b.String()
}
