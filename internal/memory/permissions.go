package memory

import (
	"fmt"
	"path"
	"strings"

	"github.com/mobileclaw/mobileclaw/pkg/types"
)

// Actor is whoever attempts a memory operation.
type Actor struct {
	Name string
	Role types.Role
}

// keyClass is the permission classification of a key.
type keyClass int

const (
	classOwn keyClass = iota
	classSharedWritable
	classLog
	classOther
)

// classify decides which permission rule applies to key for actor.
func classify(key string, actor Actor) keyClass {
	switch {
	case key == "org_shared/log.md", strings.HasPrefix(key, "org_shared/_logs/"):
		return classLog
	case strings.HasPrefix(key, "own/"+actor.Name+"/"):
		return classOwn
	case strings.HasPrefix(key, "org_shared/knowledge/"), strings.HasPrefix(key, "org_shared/files/"):
		return classSharedWritable
	default:
		return classOther
	}
}

// checkWrite enforces the write rules: an actor writes freely under its own
// namespace; shared knowledge and files require Manager; log documents are
// maintained only by the internal logging path and reject every external
// write.
func checkWrite(key string, actor Actor) error {
	switch classify(key, actor) {
	case classOwn:
		return nil
	case classSharedWritable:
		if actor.Role == types.RoleManager {
			return nil
		}
		return fmt.Errorf("%s requires manager role: %w", key, types.ErrPermissionDenied)
	case classLog:
		return fmt.Errorf("%s is an append-only log: %w", key, types.ErrPermissionDenied)
	default:
		return fmt.Errorf("%s is outside %s's writable namespaces: %w", key, actor.Name, types.ErrPermissionDenied)
	}
}

// validateKey rejects keys that escape the organization tree.
func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("empty key")
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return fmt.Errorf("key %q must be a relative slash path", key)
	}
	clean := path.Clean(key)
	if clean != key || strings.HasPrefix(clean, "..") {
		return fmt.Errorf("key %q escapes the memory tree", key)
	}
	return nil
}
