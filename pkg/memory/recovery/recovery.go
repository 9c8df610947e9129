// Package recovery validates, rebuilds, backs up, and resets a recall
// memory root.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jcmrs/recall/pkg/memory"
	"github.com/jcmrs/recall/pkg/memory/episodic"
	"github.com/jcmrs/recall/pkg/memory/persist"
	"github.com/jcmrs/recall/pkg/memory/procedural"
	"github.com/jcmrs/recall/pkg/memory/semantic"
)

// ErrNoEpisodes reports an empty or missing episode log.
var ErrNoEpisodes = errors.New("recovery: no episodic records found")

// Manager wraps the episodic store and pattern extractor for
// validate/rebuild/reset workflows.
type Manager struct {
	layout     memory.Layout
	thresholds semantic.Thresholds

	Now func() time.Time
}

// NewManager returns a recovery manager over the given memory root.
func NewManager(layout memory.Layout, t semantic.Thresholds) *Manager {
	return &Manager{layout: layout, thresholds: t, Now: time.Now}
}

// Validate re-loads every memory file and reports everything wrong with
// it. It never aborts at the first error; the returned list is
// complete.
func (m *Manager) Validate(ctx context.Context) (bool, []string) {
	var problems []string

	if _, err := os.Stat(m.layout.Root); err != nil {
		problems = append(problems, "memory root not initialized: "+m.layout.Root)
		return false, problems
	}

	episodicDir := m.layout.EpisodicDir()
	if entries, err := os.ReadDir(episodicDir); err == nil {
		for _, e := range entries {
			if ctx.Err() != nil {
				return false, append(problems, "validation interrupted: "+ctx.Err().Error())
			}
			if e.IsDir() || !episodic.IsPartitionName(e.Name()) {
				continue
			}
			path := filepath.Join(episodicDir, e.Name())
			doc := persist.Load[map[string]any](path, nil)
			switch {
			case doc == nil:
				problems = append(problems, "corrupted: "+path)
			default:
				if _, ok := doc["sessions"]; !ok {
					problems = append(problems, "missing 'sessions' key: "+path)
				}
			}
		}
		indexPath := filepath.Join(episodicDir, episodic.IndexFile)
		if fileExists(indexPath) && persist.Load[map[string]any](indexPath, nil) == nil {
			problems = append(problems, "corrupted: "+indexPath)
		}
	}

	semanticDir := m.layout.SemanticDir()
	for _, name := range semantic.KnowledgeFiles() {
		path := filepath.Join(semanticDir, name)
		if fileExists(path) && persist.Load[map[string]any](path, nil) == nil {
			problems = append(problems, "corrupted: "+path)
		}
	}

	metaPath := filepath.Join(m.layout.ProceduralDir(), procedural.MetadataFile)
	if fileExists(metaPath) && persist.Load[map[string]any](metaPath, nil) == nil {
		problems = append(problems, "corrupted: "+metaPath)
	}

	return len(problems) == 0, problems
}

// Rebuild recomputes all derived knowledge from the episode log and
// overwrites the semantic files wholesale. It is a full, idempotent
// recomputation: two rebuilds over an unchanged log write identical
// content.
func (m *Manager) Rebuild(ctx context.Context) ([]semantic.Pattern, error) {
	store, err := episodic.NewStore(m.layout.EpisodicDir())
	if err != nil {
		return nil, fmt.Errorf("recovery: open store: %w", err)
	}
	sessions, corrupt, err := store.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("recovery: load episodes: %w", err)
	}
	if len(corrupt) > 0 {
		slog.Warn("recovery: skipped corrupt partitions during rebuild", "count", len(corrupt))
	}
	if len(sessions) == 0 {
		return nil, ErrNoEpisodes
	}

	patterns, err := semantic.Detect(ctx, sessions, m.thresholds, m.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("recovery: detect patterns: %w", err)
	}
	if len(patterns) == 0 {
		return nil, semantic.ErrNoPatterns
	}

	x := semantic.NewExtractor(store, m.layout.SemanticDir(), m.thresholds, 1)
	x.Now = m.Now
	if err := x.Save(patterns); err != nil {
		return nil, fmt.Errorf("recovery: save knowledge: %w", err)
	}
	return patterns, nil
}

// Reset deletes derived state. With keepEpisodic the episodic tree is
// archived (copied, not moved) first and left in place; without it the
// whole memory root is removed. Derived state goes before raw episodes
// so a crash mid-reset cannot leave derived files referencing a missing
// log.
func (m *Manager) Reset(keepEpisodic bool) error {
	if _, err := os.Stat(m.layout.Root); errors.Is(err, os.ErrNotExist) {
		return nil // nothing to reset
	}

	if keepEpisodic {
		episodicDir := m.layout.EpisodicDir()
		if fileExists(episodicDir) {
			stamp := m.Now().UTC().Format("20060102_150405")
			dst := filepath.Join(filepath.Dir(m.layout.Root), "recall_backup_episodic", "episodic_"+stamp)
			if err := os.MkdirAll(dst, 0o750); err != nil {
				return fmt.Errorf("recovery: create backup directory: %w", err)
			}
			if err := os.CopyFS(dst, os.DirFS(episodicDir)); err != nil {
				return fmt.Errorf("recovery: archive episodic records: %w", err)
			}
			slog.Info("recovery: archived episodic records", "path", dst)
		}
	}

	for _, dir := range []string{m.layout.SemanticDir(), m.layout.ProceduralDir(), m.layout.RulesDir()} {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("recovery: remove %s: %w", dir, err)
		}
	}

	if !keepEpisodic {
		if err := os.RemoveAll(m.layout.Root); err != nil {
			return fmt.Errorf("recovery: remove memory root: %w", err)
		}
	}
	return nil
}

// BackupCorrupt moves a damaged file into a .backup directory beside
// it, stamped for post-mortem inspection, and returns the backup path.
func (m *Manager) BackupCorrupt(path string) (string, error) {
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("recovery: backup source: %w", err)
	}

	backupDir := filepath.Join(filepath.Dir(path), ".backup")
	if err := os.MkdirAll(backupDir, 0o750); err != nil {
		return "", fmt.Errorf("recovery: create backup directory: %w", err)
	}

	base := filepath.Base(path)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	stamp := m.Now().UTC().Format("20060102_150405")
	dst := filepath.Join(backupDir, fmt.Sprintf("%s_%s%s", stem, stamp, ext))

	if err := os.Rename(path, dst); err != nil {
		return "", fmt.Errorf("recovery: move %s: %w", path, err)
	}
	return dst, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
