package memory

import (
	"context"
	"regexp"
)

// linkPattern matches [[target-key]] wiki references in document bodies.
var linkPattern = regexp.MustCompile(`\[\[([^\[\]]+)\]\]`)

// ParseLinks extracts the outbound link targets from a document body, in
// order of first appearance, without duplicates.
func ParseLinks(content string) []string {
	matches := linkPattern.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return nil
	}

	seen := make(map[string]bool, len(matches))
	var targets []string
	for _, m := range matches {
		t := m[1]
		if !seen[t] {
			seen[t] = true
			targets = append(targets, t)
		}
	}
	return targets
}

// Traverse walks the link graph breadth-first from startKey, bounded by
// maxDepth hops, and returns every reachable key including the start. The
// bound guarantees termination on cyclic graphs.
func (s *Store) Traverse(ctx context.Context, startKey string, maxDepth int) ([]string, error) {
	if maxDepth <= 0 {
		maxDepth = s.traversalDepth
	}

	visited := map[string]bool{startKey: true}
	order := []string{startKey}
	frontier := []string{startKey}

	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, key := range frontier {
			targets, err := s.index.Links(ctx, key)
			if err != nil {
				return nil, err
			}
			for _, t := range targets {
				resolved, ok, err := s.resolveKey(ctx, t)
				if err != nil {
					return nil, err
				}
				if !ok || visited[resolved] {
					continue
				}
				visited[resolved] = true
				order = append(order, resolved)
				next = append(next, resolved)
			}
		}
		frontier = next
	}

	s.log.Debug().
		Str("start", startKey).
		Int("max_depth", maxDepth).
		Int("found", len(order)).
		Msg("traversed link graph")

	return order, nil
}

// resolveKey maps a link target to an existing tracked key, trying the target
// as written and with a .md suffix.
func (s *Store) resolveKey(ctx context.Context, target string) (string, bool, error) {
	ok, err := s.index.Exists(ctx, target)
	if err != nil {
		return "", false, err
	}
	if ok {
		return target, true, nil
	}

	withExt := target + ".md"
	ok, err = s.index.Exists(ctx, withExt)
	if err != nil {
		return "", false, err
	}
	if ok {
		return withExt, true, nil
	}
	return "", false, nil
}
