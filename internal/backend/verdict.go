package backend

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mrz1836/chunkflow/internal/constants"
	cferrors "github.com/mrz1836/chunkflow/internal/errors"
)

// FixSpec describes one fix chunk requested by a review.
type FixSpec struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

// Verdict is a parsed review outcome.
//
// Status is always one of pass, needs_fix or fail. A needs_fix verdict always
// carries at least one fix: either Fix (chunk reviews) or Fixes (final
// reviews). Fix.Description falls back to the feedback when the review gave
// no separate fix description.
type Verdict struct {
	Status   constants.ReviewStatus
	Feedback string
	Fix      *FixSpec
	Fixes    []FixSpec
}

// AllFixes returns Fix followed by Fixes.
func (v *Verdict) AllFixes() []FixSpec {
	var out []FixSpec
	if v.Fix != nil {
		out = append(out, *v.Fix)
	}
	return append(out, v.Fixes...)
}

type rawVerdict struct {
	Status         *string   `json:"status"`
	Verdict        *string   `json:"verdict"`
	Feedback       string    `json:"feedback"`
	FixTitle       string    `json:"fix_title"`
	FixDescription string    `json:"fix_description"`
	Fixes          []FixSpec `json:"fixes"`
}

// cliEnvelope is the `--output-format json` wrapper some review commands emit.
type cliEnvelope struct {
	Type   string `json:"type"`
	Result string `json:"result"`
}

// ParseVerdict extracts a Verdict from review output. The output may wrap the
// JSON object in prose, code fences or a CLI result envelope. Anything that
// does not yield a valid status is an ErrVerdictParse; it is never treated as
// a pass.
func ParseVerdict(output string) (*Verdict, error) {
	obj, ok := extractObject(output)
	if !ok {
		return nil, fmt.Errorf("no JSON object in review output: %w", cferrors.ErrVerdictParse)
	}

	var env cliEnvelope
	if err := json.Unmarshal([]byte(obj), &env); err == nil && env.Type == "result" && env.Result != "" {
		return ParseVerdict(env.Result)
	}

	var raw rawVerdict
	if err := json.Unmarshal([]byte(obj), &raw); err != nil {
		return nil, fmt.Errorf("invalid review JSON: %w: %w", cferrors.ErrVerdictParse, err)
	}

	statusPtr := raw.Status
	if statusPtr == nil {
		statusPtr = raw.Verdict
	}
	if statusPtr == nil {
		return nil, fmt.Errorf("review output has no status: %w", cferrors.ErrVerdictParse)
	}

	status := constants.ReviewStatus(strings.ToLower(strings.TrimSpace(*statusPtr)))
	switch status {
	case constants.ReviewStatusPass, constants.ReviewStatusFail:
		return &Verdict{Status: status, Feedback: raw.Feedback}, nil
	case constants.ReviewStatusNeedsFix:
	default:
		return nil, fmt.Errorf("unknown review status %q: %w", *statusPtr, cferrors.ErrVerdictParse)
	}

	v := &Verdict{Status: status, Feedback: raw.Feedback}
	for _, f := range raw.Fixes {
		if strings.TrimSpace(f.Description) == "" && strings.TrimSpace(f.Title) == "" {
			continue
		}
		if f.Description == "" {
			f.Description = f.Title
		}
		v.Fixes = append(v.Fixes, f)
	}

	desc := raw.FixDescription
	if desc == "" && len(v.Fixes) == 0 {
		desc = raw.Feedback
	}
	if desc != "" {
		v.Fix = &FixSpec{Title: raw.FixTitle, Description: desc}
	}
	if v.Fix == nil && len(v.Fixes) == 0 {
		return nil, fmt.Errorf("needs_fix verdict without fix description: %w", cferrors.ErrVerdictParse)
	}
	return v, nil
}

// extractObject returns the outermost {...} span of s.
func extractObject(s string) (string, bool) {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end <= start {
		return "", false
	}
	return s[start : end+1], true
}
