package git

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/mrz1836/chunkflow/internal/ctxutil"
	cferrors "github.com/mrz1836/chunkflow/internal/errors"
)

// branchSuffixFormat is the timestamp layout appended to colliding branch names.
const branchSuffixFormat = "20060102-150405"

// branchNameRegex matches any character that is NOT a lowercase letter, digit, or hyphen.
var branchNameRegex = regexp.MustCompile(`[^a-z0-9-]+`) //nolint:gochecknoglobals // compiled once

// SanitizeBranchName lowercases name, replaces runs of other characters with
// hyphens and trims leading and trailing hyphens.
//
// Example: "Add OAuth2 login!" -> "add-oauth2-login"
func SanitizeBranchName(name string) string {
	name = strings.ToLower(name)
	name = branchNameRegex.ReplaceAllString(name, "-")
	for strings.Contains(name, "--") {
		name = strings.ReplaceAll(name, "--", "-")
	}
	return strings.Trim(name, "-")
}

// GenerateBranchName creates "<prefix>/<slug>" from a specification title.
// The slug is capped at maxSlug characters.
func GenerateBranchName(prefix, title string, maxSlug int) string {
	slug := SanitizeBranchName(title)
	if maxSlug > 0 && len(slug) > maxSlug {
		slug = strings.TrimRight(slug[:maxSlug], "-")
	}
	if slug == "" {
		slug = "spec"
	}
	if prefix == "" {
		return slug
	}
	return prefix + "/" + slug
}

// ValidateBranchName rejects names git would refuse as a branch ref,
// following the rules of git check-ref-format.
func ValidateBranchName(name string) error {
	invalid := func(why string) error {
		return fmt.Errorf("'%s' %s: %w", name, why, cferrors.ErrInvalidBranchName)
	}
	switch {
	case name == "":
		return fmt.Errorf("empty name: %w", cferrors.ErrInvalidBranchName)
	case strings.HasPrefix(name, "-"):
		return invalid("starts with '-'")
	case strings.HasPrefix(name, "/") || strings.HasSuffix(name, "/") || strings.Contains(name, "//"):
		return invalid("has an empty path component")
	case strings.HasSuffix(name, ".") || strings.HasSuffix(name, ".lock"):
		return invalid("has a forbidden suffix")
	case strings.Contains(name, "..") || strings.Contains(name, "@{") || name == "@":
		return invalid("contains a forbidden sequence")
	}
	for _, part := range strings.Split(name, "/") {
		if strings.HasPrefix(part, ".") {
			return invalid("has a component starting with '.'")
		}
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f || strings.ContainsRune(" ~^:?*[\\", r) {
			return invalid(fmt.Sprintf("contains %q", r))
		}
	}
	return nil
}

// BranchExistsChecker reports whether a local branch exists.
type BranchExistsChecker interface {
	BranchExists(ctx context.Context, name string) (bool, error)
}

// UniqueBranchName returns baseName if it is free, otherwise baseName with a
// timestamp suffix. Fails with ErrInvalidBranchName for names git rejects
// and with ErrBranchExists if the suffixed name is taken too.
func UniqueBranchName(ctx context.Context, checker BranchExistsChecker, baseName string, now time.Time) (string, error) {
	if err := ctxutil.Canceled(ctx); err != nil {
		return "", err
	}
	if err := ValidateBranchName(baseName); err != nil {
		return "", err
	}

	exists, err := checker.BranchExists(ctx, baseName)
	if err != nil {
		return "", err
	}
	if !exists {
		return baseName, nil
	}

	uniqueName := fmt.Sprintf("%s-%s", baseName, now.Format(branchSuffixFormat))
	exists, err = checker.BranchExists(ctx, uniqueName)
	if err != nil {
		return "", err
	}
	if exists {
		return "", fmt.Errorf("branch '%s' already exists and timestamp variant also exists: %w",
			baseName, cferrors.ErrBranchExists)
	}
	return uniqueName, nil
}
