// Package sanitize validates paths, glob patterns and file names that
// arrive from untrusted callers such as MCP clients and HTTP uploads.
package sanitize

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	// ErrPathTraversal indicates a path contains directory traversal sequences.
	ErrPathTraversal = errors.New("path contains directory traversal")

	// ErrInvalidPattern indicates a glob pattern is malformed or dangerous.
	ErrInvalidPattern = errors.New("invalid or dangerous pattern")

	// ErrEmptyPath indicates an empty path was provided.
	ErrEmptyPath = errors.New("path cannot be empty")
)

// dangerousPatternChars are shell metacharacters and runaway wildcards.
var dangerousPatternChars = regexp.MustCompile(`[;\|\$\x60\\<>&\(\)\{\}]|\.{3,}|\*{3,}`)

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

const maxNameLen = 200

// ValidatePath cleans path and returns it as an absolute path. Paths that
// contain ".." are rejected. When allowedRoot is set the result must lie
// inside it.
func ValidatePath(path, allowedRoot string) (string, error) {
	if path == "" {
		return "", ErrEmptyPath
	}
	if strings.Contains(path, "..") {
		return "", fmt.Errorf("%w: contains '..'", ErrPathTraversal)
	}

	absPath, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("failed to resolve path: %w", err)
	}

	if allowedRoot != "" {
		absRoot, err := filepath.Abs(allowedRoot)
		if err != nil {
			return "", fmt.Errorf("failed to resolve allowed root: %w", err)
		}
		rel, err := filepath.Rel(absRoot, absPath)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return "", fmt.Errorf("%w: path escapes %s", ErrPathTraversal, allowedRoot)
		}
	}
	return absPath, nil
}

// ValidateGlobPattern rejects empty, traversing, malformed or shell-like
// patterns.
func ValidateGlobPattern(pattern string) error {
	if strings.TrimSpace(pattern) == "" {
		return fmt.Errorf("%w: empty pattern", ErrInvalidPattern)
	}
	if dangerousPatternChars.MatchString(pattern) {
		return fmt.Errorf("%w: contains dangerous characters", ErrInvalidPattern)
	}
	if strings.Contains(pattern, "..") {
		return fmt.Errorf("%w: contains path traversal", ErrInvalidPattern)
	}
	if _, err := filepath.Match(pattern, "probe"); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPattern, err)
	}
	return nil
}

// ValidateGlobPatterns validates each pattern and names the first bad one.
func ValidateGlobPatterns(patterns []string) error {
	for i, p := range patterns {
		if err := ValidateGlobPattern(p); err != nil {
			return fmt.Errorf("pattern[%d] %q: %w", i, p, err)
		}
	}
	return nil
}

// UploadName turns a client-supplied file name into a safe basename that
// keeps the extension. Runs of characters outside [A-Za-z0-9._-] become a
// single underscore. Names with nothing usable left fall back to fallback.
func UploadName(name, fallback string) string {
	name = filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	name = unsafeNameChars.ReplaceAllString(name, "_")

	ext := filepath.Ext(name)
	stem := strings.Trim(strings.TrimSuffix(name, ext), "._")
	if stem == "" {
		return fallback
	}
	if len(stem)+len(ext) > maxNameLen {
		stem = stem[:maxNameLen-len(ext)]
	}
	return stem + ext
}
