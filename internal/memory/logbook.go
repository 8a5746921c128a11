package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mobileclaw/mobileclaw/internal/bus"
)

// AppendLog appends one entry to the shared daily log. Log documents are
// append-only and reachable only through this path; Write rejects their keys
// for every actor.
func (s *Store) AppendLog(ctx context.Context, agent, entry string) error {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return fmt.Errorf("empty log entry")
	}

	now := time.Now().UTC()
	key := fmt.Sprintf("org_shared/_logs/log_%s.md", now.Format("2006-01-02"))

	unlock := s.lockKey(key)
	defer unlock()

	version, err := s.index.Version(ctx, key)
	if err != nil {
		return err
	}

	var body string
	if version == 0 {
		body = fmt.Sprintf("# Log %s\n", now.Format("2006-01-02"))
	} else {
		doc, err := s.Read(ctx, key)
		if err != nil {
			return err
		}
		body = doc.Content
	}

	line := fmt.Sprintf("- %s [%s] %s\n", now.Format("15:04:05"), agent, entry)
	if _, err := s.writeLocked(ctx, key, body+line, s.org, version); err != nil {
		return err
	}

	s.publish(bus.Event{
		Type:    bus.EventMemoryLog,
		From:    agent,
		Content: entry,
	})
	return nil
}
