// Package memory implements the durable markdown document graph: path-keyed
// documents under per-agent and shared namespaces, wiki-link navigation
// bounded by a depth budget, permission-checked optimistic writes, and the
// append-only daily logs maintained by the internal logging path.
package memory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/mobileclaw/mobileclaw/internal/bus"
	"github.com/mobileclaw/mobileclaw/internal/config"
	"github.com/mobileclaw/mobileclaw/pkg/types"
)

// Document is one markdown unit in the graph.
type Document struct {
	Key     string
	Owner   string
	Version int64
	Updated time.Time
	Content string
	Links   []string
}

// frontMatter is the YAML header persisted at the top of each document.
type frontMatter struct {
	Owner   string    `yaml:"owner"`
	Version int64     `yaml:"version"`
	Updated time.Time `yaml:"updated"`
}

// Store is the memory store for one organization. It owns the directory tree
// under root/<org> and the SQLite index beside it.
type Store struct {
	root           string // organization directory
	org            string
	index          *Index
	bus            *bus.Bus
	log            zerolog.Logger
	traversalDepth int

	mu       sync.Mutex
	keyLocks map[string]*sync.Mutex
}

// NewStore opens the store for org, creating the namespace skeleton on first
// use.
func NewStore(cfg config.MemoryConfig, org string, b *bus.Bus, logger zerolog.Logger) (*Store, error) {
	root := filepath.Join(cfg.Root, org)
	for _, dir := range []string{
		filepath.Join(root, "own"),
		filepath.Join(root, "org_shared", "knowledge"),
		filepath.Join(root, "org_shared", "files"),
		filepath.Join(root, "org_shared", "_logs"),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create memory tree: %w", err)
		}
	}

	index, err := OpenIndex(cfg.IndexPath)
	if err != nil {
		return nil, err
	}

	depth := cfg.TraversalDepth
	if depth <= 0 {
		depth = 3
	}

	return &Store{
		root:           root,
		org:            org,
		index:          index,
		bus:            b,
		log:            logger,
		traversalDepth: depth,
		keyLocks:       make(map[string]*sync.Mutex),
	}, nil
}

// Close releases the index.
func (s *Store) Close() error {
	return s.index.Close()
}

// Org returns the organization this store serves.
func (s *Store) Org() string { return s.org }

// Read returns the document at key. Reads are always permitted org-wide.
func (s *Store) Read(ctx context.Context, key string) (*Document, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(s.root, filepath.FromSlash(key)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("memory key %s: %w", key, types.ErrNotFound)
		}
		return nil, fmt.Errorf("read %s: %w", key, err)
	}

	fm, body := splitFrontMatter(string(data))

	version, err := s.index.Version(ctx, key)
	if err != nil {
		return nil, err
	}
	if version == 0 {
		// File predates the index (operator-seeded); adopt it.
		version = 1
		if fm.Version > 0 {
			version = fm.Version
		}
		if err := s.index.Record(ctx, key, fm.Owner, "doc", version, ParseLinks(body)); err != nil {
			return nil, err
		}
	}

	return &Document{
		Key:     key,
		Owner:   fm.Owner,
		Version: version,
		Updated: fm.Updated,
		Content: body,
		Links:   ParseLinks(body),
	}, nil
}

// Write stores content at key after the permission and optimistic version
// checks. baseVersion must be the version the caller read (0 for a new key);
// a mismatch fails with StaleWrite and the caller must re-read. The returned
// slice lists dangling link targets; dangling links warn but never block.
func (s *Store) Write(ctx context.Context, key, content string, actor Actor, baseVersion int64) ([]string, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	if err := checkWrite(key, actor); err != nil {
		return nil, err
	}
	return s.writeInternal(ctx, key, content, actor.Name, baseVersion)
}

// writeInternal performs the serialized write without permission checks; the
// logging path uses it directly for log documents.
func (s *Store) writeInternal(ctx context.Context, key, content, owner string, baseVersion int64) ([]string, error) {
	unlock := s.lockKey(key)
	defer unlock()
	return s.writeLocked(ctx, key, content, owner, baseVersion)
}

// writeLocked requires the caller to hold the key lock.
func (s *Store) writeLocked(ctx context.Context, key, content, owner string, baseVersion int64) ([]string, error) {
	current, err := s.index.Version(ctx, key)
	if err != nil {
		return nil, err
	}
	if current != baseVersion {
		return nil, fmt.Errorf("key %s is at version %d, write based on %d: %w",
			key, current, baseVersion, types.ErrStaleWrite)
	}
	version := current + 1

	links := ParseLinks(content)
	var dangling []string
	for _, target := range links {
		_, ok, err := s.resolveKey(ctx, target)
		if err != nil {
			return nil, err
		}
		if !ok {
			dangling = append(dangling, target)
		}
	}

	fm := frontMatter{Owner: owner, Version: version, Updated: time.Now().UTC()}
	header, err := yaml.Marshal(fm)
	if err != nil {
		return nil, fmt.Errorf("marshal front matter: %w", err)
	}

	path := filepath.Join(s.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create parent of %s: %w", key, err)
	}
	full := "---\n" + string(header) + "---\n" + content
	if err := os.WriteFile(path, []byte(full), 0644); err != nil {
		return nil, fmt.Errorf("write %s: %w", key, err)
	}

	if err := s.index.Record(ctx, key, owner, "doc", version, links); err != nil {
		return nil, err
	}

	s.log.Debug().
		Str("key", key).
		Str("owner", owner).
		Int64("version", version).
		Int("links", len(links)).
		Int("dangling", len(dangling)).
		Msg("memory write")

	s.publish(bus.Event{
		Type:    bus.EventMemoryWrite,
		Content: key,
		Fields:  map[string]any{"owner": owner, "version": version},
	})

	for _, d := range dangling {
		s.log.Warn().Str("key", key).Str("target", d).Msg("dangling link")
	}
	return dangling, nil
}

// ResolveLinks partitions a document's outbound links into resolved keys and
// dangling targets.
func (s *Store) ResolveLinks(ctx context.Context, doc *Document) (existing, dangling []string, err error) {
	for _, target := range doc.Links {
		resolved, ok, err := s.resolveKey(ctx, target)
		if err != nil {
			return nil, nil, err
		}
		if ok {
			existing = append(existing, resolved)
		} else {
			dangling = append(dangling, target)
		}
	}
	return existing, dangling, nil
}

// AttachFile stores a binary attachment under the shared date-grouped files
// subtree and tracks it so links to it resolve. Manager role required.
func (s *Store) AttachFile(ctx context.Context, name string, data []byte, actor Actor) (string, error) {
	if name == "" || strings.ContainsAny(name, "/\\") {
		return "", fmt.Errorf("invalid attachment name %q", name)
	}

	key := fmt.Sprintf("org_shared/files/%s/%s", time.Now().UTC().Format("2006-01-02"), name)
	if err := checkWrite(key, actor); err != nil {
		return "", err
	}

	unlock := s.lockKey(key)
	defer unlock()

	path := filepath.Join(s.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("create attachment dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("write attachment: %w", err)
	}

	version, err := s.index.Version(ctx, key)
	if err != nil {
		return "", err
	}
	if err := s.index.Record(ctx, key, actor.Name, "file", version+1, nil); err != nil {
		return "", err
	}

	s.log.Debug().Str("key", key).Int("bytes", len(data)).Msg("attachment stored")
	return key, nil
}

// lockKey serializes writers per key.
func (s *Store) lockKey(key string) func() {
	s.mu.Lock()
	l, ok := s.keyLocks[key]
	if !ok {
		l = &sync.Mutex{}
		s.keyLocks[key] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func (s *Store) publish(ev bus.Event) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(ev)
}

// splitFrontMatter separates the YAML header from the body. Documents without
// a header are returned whole.
func splitFrontMatter(raw string) (frontMatter, string) {
	var fm frontMatter
	if !strings.HasPrefix(raw, "---\n") {
		return fm, raw
	}
	rest := raw[4:]
	end := strings.Index(rest, "---\n")
	if end < 0 {
		return fm, raw
	}
	if err := yaml.Unmarshal([]byte(rest[:end]), &fm); err != nil {
		return frontMatter{}, raw
	}
	return fm, rest[end+4:]
}
