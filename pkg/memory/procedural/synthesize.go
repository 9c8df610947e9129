// Package procedural turns strong and critical patterns into
// human-readable rule files.
package procedural

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jcmrs/recall/pkg/memory/persist"
	"github.com/jcmrs/recall/pkg/memory/semantic"
)

// MetadataFile records the most recent synthesis run.
const MetadataFile = "rules-metadata.json"

var (
	// ErrNoPatterns reports an empty semantic pattern store.
	ErrNoPatterns = errors.New("procedural: no patterns to synthesize")

	// ErrNoStrongPatterns reports that nothing met the strong tier.
	ErrNoStrongPatterns = errors.New("procedural: no strong or critical patterns")

	// ErrNoRulesWritten reports that every rule file write failed.
	ErrNoRulesWritten = errors.New("procedural: no rule files written")
)

var ruleFiles = []struct {
	name     string
	category semantic.Category
	title    string
}{
	{"user-preferences.md", semantic.CategoryPreference, "User Preferences"},
	{"code-patterns.md", semantic.CategoryCodePattern, "Code Patterns"},
	{"anti-patterns.md", semantic.CategoryAntiPattern, "Anti-Patterns"},
}

// Metadata is the procedural record of a synthesis run.
type Metadata struct {
	LastSynthesis time.Time               `json:"last_synthesis"`
	RuleFiles     []string                `json:"rule_files"`
	PatternCount  int                     `json:"pattern_count"`
	Breakdown     map[string]int          `json:"breakdown"`
	Files         map[string]FileMetadata `json:"files"`
	FailedFiles   map[string]string       `json:"failed_files,omitempty"`
}

// FileMetadata describes one generated rule file.
type FileMetadata struct {
	Created      time.Time `json:"created"`
	PatternCount int       `json:"pattern_count"`
	Confidence   string    `json:"confidence"`
}

// Result reports which rule files a run produced.
type Result struct {
	RuleFiles    []string
	Failed       map[string]string
	PatternCount int
}

// Synthesizer renders rule files from the semantic pattern store.
type Synthesizer struct {
	semanticDir   string
	rulesDir      string
	proceduralDir string

	Now func() time.Time
}

// NewSynthesizer wires a synthesizer to the given directories.
func NewSynthesizer(semanticDir, rulesDir, proceduralDir string) *Synthesizer {
	return &Synthesizer{
		semanticDir:   semanticDir,
		rulesDir:      rulesDir,
		proceduralDir: proceduralDir,
		Now:           time.Now,
	}
}

type patternsDoc struct {
	Patterns []semantic.Pattern `json:"patterns"`
}

// Run loads the pattern store, filters it to strong and critical
// patterns, and writes one markdown rule file per non-empty category.
// Individual file failures are tolerated as long as at least one rule
// file lands; a metadata write failure is never fatal.
func (s *Synthesizer) Run(ctx context.Context) (*Result, error) {
	doc := persist.Load(filepath.Join(s.semanticDir, semantic.PatternsFile), patternsDoc{})
	if len(doc.Patterns) == 0 {
		return nil, ErrNoPatterns
	}

	var strong []semantic.Pattern
	for _, p := range doc.Patterns {
		if p.Strength == semantic.StrengthStrong || p.Strength == semantic.StrengthCritical {
			strong = append(strong, p)
		}
	}
	if len(strong) == 0 {
		return nil, ErrNoStrongPatterns
	}

	if err := os.MkdirAll(s.rulesDir, 0o750); err != nil {
		return nil, fmt.Errorf("procedural: create rules directory: %w", err)
	}

	at := s.Now().UTC()
	result := &Result{Failed: map[string]string{}, PatternCount: len(strong)}
	perFile := map[string]FileMetadata{}
	breakdown := map[string]int{}

	for _, rf := range ruleFiles {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		patterns := semantic.FilterCategory(strong, rf.category)
		breakdown[breakdownKey(rf.category)] = len(patterns)
		if len(patterns) == 0 {
			continue
		}
		content := renderRules(rf.title, patterns, at)
		path := filepath.Join(s.rulesDir, rf.name)
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			slog.Warn("procedural: rule file write failed", "file", rf.name, "err", err)
			result.Failed[rf.name] = err.Error()
			continue
		}
		result.RuleFiles = append(result.RuleFiles, rf.name)
		perFile[rf.name] = FileMetadata{
			Created:      at,
			PatternCount: len(patterns),
			Confidence:   confidence(patterns),
		}
	}

	if len(result.RuleFiles) == 0 {
		return nil, fmt.Errorf("%w: %d failures", ErrNoRulesWritten, len(result.Failed))
	}

	meta := Metadata{
		LastSynthesis: at,
		RuleFiles:     result.RuleFiles,
		PatternCount:  len(strong),
		Breakdown:     breakdown,
		Files:         perFile,
	}
	if len(result.Failed) > 0 {
		meta.FailedFiles = result.Failed
	}
	if err := persist.Save(filepath.Join(s.proceduralDir, MetadataFile), meta); err != nil {
		// Metadata is secondary; the rule files themselves are the
		// deliverable.
		slog.Warn("procedural: metadata write failed", "err", err)
	}
	return result, nil
}

func breakdownKey(c semantic.Category) string {
	switch c {
	case semantic.CategoryPreference:
		return "preferences"
	case semantic.CategoryCodePattern:
		return "code_patterns"
	default:
		return "anti_patterns"
	}
}

func confidence(patterns []semantic.Pattern) string {
	for _, p := range patterns {
		if p.Strength == semantic.StrengthCritical {
			return "high"
		}
	}
	return "medium"
}

// renderRules produces the markdown body of one rule file: patterns
// sorted by strength then occurrences, each with its observation count
// and an evidence preview.
func renderRules(title string, patterns []semantic.Pattern, at time.Time) string {
	sorted := make([]semantic.Pattern, len(patterns))
	copy(sorted, patterns)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Strength.Rank() != sorted[j].Strength.Rank() {
			return sorted[i].Strength.Rank() > sorted[j].Strength.Rank()
		}
		return sorted[i].Occurrences > sorted[j].Occurrences
	})

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", title)
	fmt.Fprintf(&b, "<!-- Auto-generated by recall on %s -->\n", at.Format("2006-01-02 15:04 UTC"))
	conf := "Medium"
	if confidence(sorted) == "high" {
		conf = "High"
	}
	fmt.Fprintf(&b, "<!-- Pattern Count: %d | Confidence: %s -->\n\n", len(sorted), conf)
	fmt.Fprintf(&b, "## %s\n\n", title)

	for _, p := range sorted {
		fmt.Fprintf(&b, "**%s**\n", asRule(p.Description, p.Strength))
		fmt.Fprintf(&b, "- Observed %d times (%s pattern)\n", p.Occurrences, p.Strength)
		if len(p.Evidence) > 0 {
			preview := p.Evidence
			if len(preview) > 5 {
				preview = preview[:5]
			}
			fmt.Fprintf(&b, "- Evidence: %s\n", strings.Join(preview, ", "))
			if len(p.Evidence) > 5 {
				fmt.Fprintf(&b, "  (and %d more)\n", len(p.Evidence)-5)
			}
		}
		b.WriteString("\n")
	}
	return b.String()
}

// asRule rewrites a strong description into imperative form unless it
// already reads as one.
func asRule(description string, strength semantic.Strength) string {
	if strength != semantic.StrengthStrong && strength != semantic.StrengthCritical {
		return description
	}
	lower := strings.ToLower(description)
	for _, prefix := range []string{"always", "never", "avoid", "prefer", "use"} {
		if strings.HasPrefix(lower, prefix) {
			return description
		}
	}
	return "Follow this pattern: " + description
}

// LoadMetadata reads the most recent synthesis metadata, or nil when no
// synthesis has run.
func LoadMetadata(proceduralDir string) *Metadata {
	return persist.Load[*Metadata](filepath.Join(proceduralDir, MetadataFile), nil)
}
