// Package ignore reads .ragignore files. A .ragignore lists gitignore-style
// name patterns for PDFs that should be skipped when its directory is
// ingested or watched.
package ignore

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FileName is the ignore file looked up in each ingested directory.
const FileName = ".ragignore"

// Matcher reports whether a file name is ignored. The zero value and a nil
// Matcher ignore nothing.
type Matcher struct {
	patterns []string
}

// Load reads dir/.ragignore. A missing file yields an empty matcher.
func Load(dir string) (*Matcher, error) {
	f, err := os.Open(filepath.Join(dir, FileName))
	if errors.Is(err, fs.ErrNotExist) {
		return &Matcher{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", FileName, err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads patterns, one per line. Blank lines, comments, negations and
// directory patterns are skipped, as are patterns filepath.Match rejects.
func Parse(r io.Reader) (*Matcher, error) {
	m := &Matcher{}
	seen := make(map[string]bool)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		p := parseLine(scanner.Text())
		if p == "" || seen[p] {
			continue
		}
		if _, err := filepath.Match(p, ""); err != nil {
			continue
		}
		seen[p] = true
		m.patterns = append(m.patterns, p)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", FileName, err)
	}
	return m, nil
}

// parseLine returns the name pattern on line, or "" when the line holds
// none.
func parseLine(line string) string {
	line = strings.TrimSpace(line)
	switch {
	case line == "", strings.HasPrefix(line, "#"), strings.HasPrefix(line, "!"):
		return ""
	case strings.HasSuffix(line, "/"):
		// Only files directly in the directory are ingested.
		return ""
	}
	line = strings.TrimPrefix(line, "/")
	line = strings.TrimPrefix(line, "**/")
	if strings.Contains(line, "/") {
		return ""
	}
	return line
}

// Match reports whether the base name of path matches any pattern.
func (m *Matcher) Match(path string) bool {
	if m == nil {
		return false
	}
	name := filepath.Base(path)
	for _, p := range m.patterns {
		if ok, _ := filepath.Match(p, name); ok {
			return true
		}
	}
	return false
}

// Patterns returns the loaded patterns in file order.
func (m *Matcher) Patterns() []string {
	if m == nil {
		return nil
	}
	return append([]string(nil), m.patterns...)
}
