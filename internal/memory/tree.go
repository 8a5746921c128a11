package memory

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const introLimit = 49

// Tree renders the store's directory layout as an indented markdown listing,
// one line per entry, with a short intro pulled from each document's first
// content line. Planners embed this so the model can pick keys to read.
func (s *Store) Tree() (string, error) {
	var b strings.Builder
	b.WriteString(s.org + "/\n")
	if err := s.renderDir(&b, s.root, 1); err != nil {
		return "", err
	}
	return b.String(), nil
}

func (s *Store) renderDir(b *strings.Builder, dir string, depth int) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	indent := strings.Repeat("  ", depth)
	for _, e := range entries {
		if isIndexFile(e) {
			continue
		}
		if e.IsDir() {
			b.WriteString(indent + "- " + e.Name() + "/\n")
			if err := s.renderDir(b, filepath.Join(dir, e.Name()), depth+1); err != nil {
				return err
			}
			continue
		}
		line := indent + "- " + e.Name()
		if intro := s.introFor(filepath.Join(dir, e.Name())); intro != "" {
			line += ": " + intro
		}
		b.WriteString(line + "\n")
	}
	return nil
}

// introFor returns the first content line of a markdown file, truncated to
// introLimit runes. Non-markdown files and read failures yield no intro.
func (s *Store) introFor(path string) string {
	if !strings.HasSuffix(path, ".md") {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	_, body := splitFrontMatter(string(data))
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "# "))
		if line == "" {
			continue
		}
		runes := []rune(line)
		if len(runes) > introLimit {
			return string(runes[:introLimit])
		}
		return line
	}
	return ""
}

// isIndexFile hides the SQLite index when it lives inside the tree.
func isIndexFile(e fs.DirEntry) bool {
	name := e.Name()
	return strings.HasSuffix(name, ".db") ||
		strings.HasSuffix(name, ".db-wal") ||
		strings.HasSuffix(name, ".db-shm")
}
