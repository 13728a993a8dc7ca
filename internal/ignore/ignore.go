// Package ignore decides which project paths the workspace tools skip while
// scanning, based on gitignore-style files at the project root.
package ignore

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
)

// DefaultFiles are the ignore files read from the project root.
var DefaultFiles = []string{".gitignore", ".taskloopignore"}

// AlwaysIgnored are directory names skipped regardless of ignore files.
var AlwaysIgnored = []string{".git"}

// Parser reads gitignore-style files.
type Parser struct {
	// IgnoreFiles is the list of ignore file names to look for.
	IgnoreFiles []string

	// FallbackPatterns are used when no ignore files are found.
	FallbackPatterns []string
}

// NewParser creates a parser with the given ignore files and fallbacks.
func NewParser(ignoreFiles, fallbackPatterns []string) *Parser {
	return &Parser{
		IgnoreFiles:      ignoreFiles,
		FallbackPatterns: fallbackPatterns,
	}
}

// ParseProject reads all ignore files from the project root and returns the
// combined raw pattern lines in file order. Negations are kept, since later
// lines may re-include paths excluded earlier.
func (p *Parser) ParseProject(projectRoot string) ([]string, error) {
	var lines []string
	foundAny := false

	for _, name := range p.IgnoreFiles {
		fileLines, err := parseFile(filepath.Join(projectRoot, name))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		lines = append(lines, fileLines...)
		foundAny = true
	}

	if !foundAny {
		return append([]string(nil), p.FallbackPatterns...), nil
	}
	return deduplicate(lines), nil
}

// Matcher matches slash-separated paths relative to the project root.
type Matcher struct {
	m gitignore.Matcher
}

// Load builds a matcher for projectRoot from its ignore files.
func Load(projectRoot string) (*Matcher, error) {
	lines, err := NewParser(DefaultFiles, nil).ParseProject(projectRoot)
	if err != nil {
		return nil, err
	}
	return New(lines), nil
}

// New builds a matcher from raw gitignore lines.
func New(lines []string) *Matcher {
	patterns := make([]gitignore.Pattern, 0, len(lines)+len(AlwaysIgnored))
	for _, name := range AlwaysIgnored {
		patterns = append(patterns, gitignore.ParsePattern(name+"/", nil))
	}
	for _, line := range lines {
		if line = parseLine(line); line != "" {
			patterns = append(patterns, gitignore.ParsePattern(line, nil))
		}
	}
	return &Matcher{m: gitignore.NewMatcher(patterns)}
}

// Ignored reports whether rel (relative to the project root) is excluded.
// A nil matcher ignores nothing.
func (m *Matcher) Ignored(rel string, isDir bool) bool {
	if m == nil || rel == "" || rel == "." {
		return false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	return m.m.Match(parts, isDir)
}

func parseFile(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if line := parseLine(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

// parseLine returns "" for comments and blank lines.
func parseLine(line string) string {
	line = strings.TrimRight(line, " \t\r")
	if line == "" || strings.HasPrefix(line, "#") {
		return ""
	}
	return line
}

func deduplicate(lines []string) []string {
	seen := make(map[string]bool, len(lines))
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if !seen[l] {
			seen[l] = true
			out = append(out, l)
		}
	}
	return out
}
