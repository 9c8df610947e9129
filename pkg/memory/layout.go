// Package memory defines the on-disk layout of a recall memory root.
//
// A memory root holds three stores: episodic/ (monthly session
// partitions plus index.json), semantic/ (derived pattern knowledge),
// and procedural/ (synthesis metadata), alongside rules/ for generated
// rule files and the front-matter config document.
package memory

import "path/filepath"

// DirName is the memory root directory created inside a project.
const DirName = ".recall"

// Layout locates the fixed directory structure under a memory root.
type Layout struct {
	Root string
}

// ProjectLayout returns the layout rooted inside the given project
// directory.
func ProjectLayout(projectPath string) Layout {
	return Layout{Root: filepath.Join(projectPath, DirName)}
}

// EpisodicDir holds the monthly partition files and the index.
func (l Layout) EpisodicDir() string { return filepath.Join(l.Root, "episodic") }

// SemanticDir holds the derived-knowledge files.
func (l Layout) SemanticDir() string { return filepath.Join(l.Root, "semantic") }

// ProceduralDir holds synthesis metadata.
func (l Layout) ProceduralDir() string { return filepath.Join(l.Root, "procedural") }

// RulesDir holds the generated markdown rule files.
func (l Layout) RulesDir() string { return filepath.Join(l.Root, "rules") }

// ConfigPath is the markdown config document with YAML front-matter.
func (l Layout) ConfigPath() string { return filepath.Join(l.Root, "config.md") }
