// Package episodic appends episode records into monthly partition files
// and maintains a flat session-id index alongside them.
package episodic

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gobwas/glob"

	"github.com/jcmrs/recall/pkg/memory/persist"
)

// IndexFile is the name of the id-to-partition index document.
const IndexFile = "index.json"

var partitionGlob = glob.MustCompile("sessions-*.json")

// IsPartitionName reports whether name is a monthly partition file.
func IsPartitionName(name string) bool {
	return partitionGlob.Match(name)
}

// PartitionName returns the partition filename for an episode timestamp.
func PartitionName(t time.Time) string {
	u := t.UTC()
	return fmt.Sprintf("sessions-%04d-%02d.json", u.Year(), int(u.Month()))
}

// Store persists episodes under a single episodic directory. It assumes
// one logical writer at a time; safety against readers rests entirely
// on the atomic rename in persist.Save.
type Store struct {
	dir string
}

// NewStore opens (creating if needed) the episodic directory.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("episodic: init directory %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the episodic directory path.
func (s *Store) Dir() string { return s.dir }

// Append adds the episode to its monthly partition, then records the
// session in the index. The two writes are independent, not a
// transaction: a crash in between leaves the episode stored but
// unindexed, which is tolerated because LoadAll never reads the index.
// Returns the partition filename the episode landed in.
func (s *Store) Append(ep *Episode) (string, error) {
	name := PartitionName(ep.Timestamp)
	path := filepath.Join(s.dir, name)

	part := persist.Load(path, Partition{})
	if part.Sessions == nil {
		part.Sessions = []Episode{}
	}
	part.Sessions = append(part.Sessions, *ep)
	part.Count = len(part.Sessions)
	part.LastUpdated = ep.Timestamp

	if err := persist.Save(path, part); err != nil {
		return "", fmt.Errorf("episodic: append to %s: %w", name, err)
	}

	if err := s.updateIndex(ep.SessionID, name); err != nil {
		// The index lags but never corrupts; the next successful append
		// or a rebuild catches it up.
		slog.Warn("episodic: index update failed", "session_id", ep.SessionID, "err", err)
	}
	return name, nil
}

func (s *Store) updateIndex(sessionID, partition string) error {
	path := filepath.Join(s.dir, IndexFile)
	idx := persist.Load(path, Index{})
	if idx == nil {
		idx = Index{}
	}
	idx[sessionID] = partition
	return persist.Save(path, idx)
}

// LoadAll aggregates the episodes of every partition in the directory.
// A partition that cannot be parsed, or whose document lacks a sessions
// list, is reported in the corrupt slice and skipped; one bad partition
// never fails the whole read. The context is checked after each
// partition load.
func (s *Store) LoadAll(ctx context.Context) ([]Episode, []string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, nil, fmt.Errorf("episodic: list %s: %w", s.dir, err)
	}

	var sessions []Episode
	var corrupt []string
	for _, e := range entries {
		if e.IsDir() || !IsPartitionName(e.Name()) {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		part := persist.Load[*Partition](path, nil)
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		if part == nil || part.Sessions == nil {
			corrupt = append(corrupt, path)
			slog.Warn("episodic: skipping corrupt partition", "path", path)
			continue
		}
		sessions = append(sessions, part.Sessions...)
	}
	return sessions, corrupt, nil
}
