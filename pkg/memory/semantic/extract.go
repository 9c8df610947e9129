package semantic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/jcmrs/recall/pkg/memory/episodic"
	"github.com/jcmrs/recall/pkg/memory/persist"
)

// Fixed names of the derived-knowledge files under the semantic
// directory.
const (
	PatternsFile     = "patterns.json"
	PreferencesFile  = "preferences.json"
	CodePatternsFile = "code-patterns.json"
	AntiPatternsFile = "anti-patterns.json"
)

// maxEvidence bounds the evidence list persisted per pattern; the
// occurrence count always reflects the untruncated total.
const maxEvidence = 10

var (
	// ErrInsufficientSessions is an expected outcome, not corruption:
	// the episode log has not accumulated enough records yet.
	ErrInsufficientSessions = errors.New("semantic: insufficient sessions for extraction")

	// ErrNoPatterns reports that no description met the emerging
	// threshold.
	ErrNoPatterns = errors.New("semantic: no patterns meet the emerging threshold")
)

// evidenceMap accumulates session ids per description, remembering the
// order each description was first encountered.
type evidenceMap struct {
	order         []string
	byDescription map[string][]string
}

func newEvidenceMap() *evidenceMap {
	return &evidenceMap{byDescription: make(map[string][]string)}
}

func (m *evidenceMap) add(description, sessionID string) {
	if _, seen := m.byDescription[description]; !seen {
		m.order = append(m.order, description)
	}
	// Repeated mentions within one episode each add an evidence entry;
	// over-counting is accepted.
	m.byDescription[description] = append(m.byDescription[description], sessionID)
}

// Detect aggregates the annotation lists of every episode into
// frequency-classified patterns. Annotations without a description are
// skipped. Descriptions below the emerging threshold are excluded from
// the output entirely. The context deadline is checked after each
// episode scanned.
func Detect(ctx context.Context, episodes []episodic.Episode, t Thresholds, detectedAt time.Time) ([]Pattern, error) {
	categories := []struct {
		category Category
		pick     func(*episodic.Episode) []episodic.Annotation
	}{
		{CategoryPreference, func(e *episodic.Episode) []episodic.Annotation { return e.UserPreferences }},
		{CategoryCodePattern, func(e *episodic.Episode) []episodic.Annotation { return e.CodePatterns }},
		{CategoryAntiPattern, func(e *episodic.Episode) []episodic.Annotation { return e.AntiPatterns }},
	}

	var patterns []Pattern
	for _, c := range categories {
		ev := newEvidenceMap()
		for i := range episodes {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			ep := &episodes[i]
			sessionID := ep.SessionID
			if sessionID == "" {
				sessionID = "unknown"
			}
			for _, a := range c.pick(ep) {
				if a.Description == "" {
					continue
				}
				ev.add(a.Description, sessionID)
			}
		}
		for _, description := range ev.order {
			ids := ev.byDescription[description]
			occurrences := len(ids)
			if occurrences < t.Emerging {
				continue
			}
			evidence := ids
			if len(evidence) > maxEvidence {
				evidence = evidence[:maxEvidence]
			}
			patterns = append(patterns, Pattern{
				ID:          PatternID(c.category, description),
				Description: description,
				Category:    c.category,
				Strength:    t.Classify(occurrences),
				Occurrences: occurrences,
				Evidence:    evidence,
				DetectedAt:  detectedAt,
			})
		}
	}
	return patterns, nil
}

// FilterCategory returns the patterns of one category, preserving
// order.
func FilterCategory(patterns []Pattern, c Category) []Pattern {
	var out []Pattern
	for _, p := range patterns {
		if p.Category == c {
			out = append(out, p)
		}
	}
	return out
}

// Extractor runs the full extraction pipeline: load every partition,
// detect patterns, and overwrite the derived-knowledge files wholesale.
type Extractor struct {
	store       *episodic.Store
	dir         string
	thresholds  Thresholds
	minSessions int

	// Now is the clock used for detected_at and last_updated stamps.
	// Overridable so rebuilds can be made reproducible in tests.
	Now func() time.Time
}

// NewExtractor returns an extractor writing to the given semantic
// directory.
func NewExtractor(store *episodic.Store, semanticDir string, t Thresholds, minSessions int) *Extractor {
	return &Extractor{
		store:       store,
		dir:         semanticDir,
		thresholds:  t,
		minSessions: minSessions,
		Now:         time.Now,
	}
}

// Run performs one extraction pass. On deadline expiry nothing is
// persisted and the prior knowledge files are left exactly as they
// were; there is no partial-pattern output.
func (x *Extractor) Run(ctx context.Context) ([]Pattern, error) {
	sessions, corrupt, err := x.store.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("semantic: load episodes: %w", err)
	}
	if len(corrupt) > 0 {
		slog.Warn("semantic: skipped corrupt partitions", "count", len(corrupt), "paths", corrupt)
	}
	if len(sessions) < x.minSessions {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrInsufficientSessions, len(sessions), x.minSessions)
	}

	patterns, err := Detect(ctx, sessions, x.thresholds, x.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("semantic: detect patterns: %w", err)
	}
	if err := x.Save(patterns); err != nil {
		return nil, err
	}
	return patterns, nil
}

// Save overwrites the four derived-knowledge files from the given
// pattern set. Prior content is fully replaced, never merged.
func (x *Extractor) Save(patterns []Pattern) error {
	at := x.Now().UTC()
	files := []struct {
		name     string
		key      string
		patterns []Pattern
	}{
		{PatternsFile, "patterns", patterns},
		{PreferencesFile, "preferences", FilterCategory(patterns, CategoryPreference)},
		{CodePatternsFile, "code_patterns", FilterCategory(patterns, CategoryCodePattern)},
		{AntiPatternsFile, "anti_patterns", FilterCategory(patterns, CategoryAntiPattern)},
	}
	for _, f := range files {
		doc := knowledgeDoc(f.key, f.patterns, at)
		if err := persist.Save(filepath.Join(x.dir, f.name), doc); err != nil {
			return fmt.Errorf("semantic: save %s: %w", f.name, err)
		}
	}
	return nil
}

func knowledgeDoc(key string, patterns []Pattern, at time.Time) map[string]any {
	if patterns == nil {
		patterns = []Pattern{}
	}
	return map[string]any{
		key:            patterns,
		"count":        len(patterns),
		"last_updated": at,
	}
}

// KnowledgeFiles lists the fixed derived-knowledge file names.
func KnowledgeFiles() []string {
	return []string{PatternsFile, PreferencesFile, CodePatternsFile, AntiPatternsFile}
}
