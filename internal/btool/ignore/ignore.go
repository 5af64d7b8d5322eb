// Package ignore implements optional .btoolignore traversal filtering.
// It is not part of the core backup contract; a source tree with no
// .btoolignore file is backed up in full.
package ignore

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/denormal/go-gitignore"
)

// Filename is the name of the file, at the root of a source tree, that
// holds user-defined ignore patterns.
const Filename = ".btoolignore"

// defaultPatterns are always excluded, independent of any .btoolignore
// content: btool's own metadata directories must never be walked.
var defaultPatterns = []string{
	".git/**",
	".btool/**",
	Filename,
}

// Matcher answers whether a path under a fixed root should be skipped
// during traversal. It is safe for concurrent use.
type Matcher struct {
	mu      sync.Mutex
	root    string
	matcher gitignore.GitIgnore
	loaded  bool
}

// New creates a Matcher for source tree root. Patterns are loaded lazily
// on first use.
func New(root string) *Matcher {
	return &Matcher{root: root}
}

// Ignored reports whether path (absolute, under root) should be
// excluded from traversal.
func (m *Matcher) Ignored(path string) bool {
	m.mu.Lock()
	if !m.loaded {
		m.matcher = load(m.root)
		m.loaded = true
	}
	matcher := m.matcher
	m.mu.Unlock()

	rel, err := filepath.Rel(m.root, path)
	if err != nil {
		return false
	}
	slashed := filepath.ToSlash(rel)

	// Match relative to root; the path need not exist on disk.
	isDir := false
	if info, err := os.Stat(path); err == nil {
		isDir = info.IsDir()
	}
	match := matcher.Relative(slashed, isDir)
	if match == nil {
		return false
	}
	return match.Ignore()
}

func load(root string) gitignore.GitIgnore {
	patterns := make([]string, len(defaultPatterns))
	copy(patterns, defaultPatterns)

	if content, err := os.ReadFile(filepath.Join(root, Filename)); err == nil {
		patterns = append(patterns, strings.Split(string(content), "\n")...)
	}

	var cleaned []string
	for _, p := range patterns {
		trimmed := strings.TrimSpace(p)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		trimmed = strings.ReplaceAll(trimmed, "\\", "/")
		if strings.HasSuffix(trimmed, "/") && !strings.HasSuffix(trimmed, "**/") {
			trimmed += "**"
		}
		cleaned = append(cleaned, trimmed)
	}

	reader := strings.NewReader(strings.Join(cleaned, "\n"))
	matcher := gitignore.New(reader, root, func(gitignore.Error) bool { return false })
	if matcher == nil {
		return gitignore.New(strings.NewReader(""), root, nil)
	}
	return matcher
}
