package semantic

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmrs/recall/pkg/memory/episodic"
	"github.com/jcmrs/recall/pkg/memory/persist"
)

func TestClassify(t *testing.T) {
	th := DefaultThresholds()
	tests := []struct {
		occurrences int
		want        Strength
	}{
		{0, StrengthWeak},
		{1, StrengthWeak},
		{2, StrengthEmerging},
		{3, StrengthStrong},
		{4, StrengthStrong},
		{5, StrengthCritical},
		{50, StrengthCritical},
	}
	for _, tt := range tests {
		if got := th.Classify(tt.occurrences); got != tt.want {
			t.Errorf("Classify(%d): expected %s, got %s", tt.occurrences, tt.want, got)
		}
	}

	// Strength never decreases as occurrences grow.
	prev := th.Classify(0)
	for n := 1; n <= 20; n++ {
		cur := th.Classify(n)
		if cur.Rank() < prev.Rank() {
			t.Fatalf("Classify not monotonic at %d: %s after %s", n, cur, prev)
		}
		prev = cur
	}
}

func TestPatternID(t *testing.T) {
	id1 := PatternID(CategoryPreference, "prefers table tests")
	id2 := PatternID(CategoryPreference, "prefers table tests")
	if id1 != id2 {
		t.Errorf("Expected deterministic id, got %s vs %s", id1, id2)
	}
	if !strings.HasPrefix(id1, "pref_") {
		t.Errorf("Expected pref_ prefix, got %s", id1)
	}

	// Same description in a different category is a different pattern.
	if PatternID(CategoryAntiPattern, "prefers table tests") == id1 {
		t.Error("Expected category to distinguish ids")
	}
	if !strings.HasPrefix(PatternID(CategoryCodePattern, "x"), "code_") {
		t.Error("Expected code_ prefix for code patterns")
	}
	if !strings.HasPrefix(PatternID(CategoryAntiPattern, "x"), "anti_") {
		t.Error("Expected anti_ prefix for anti-patterns")
	}
}

func annotated(id string, prefs ...string) episodic.Episode {
	ep := episodic.Episode{
		SessionID:    id,
		Timestamp:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Trigger:      episodic.TriggerManual,
		EncodingMode: episodic.ModeContext,
	}
	for _, p := range prefs {
		ep.UserPreferences = append(ep.UserPreferences, episodic.NewAnnotation(p))
	}
	return ep
}

func TestDetectClassifiesByFrequency(t *testing.T) {
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	var episodes []episodic.Episode
	for i := 0; i < 12; i++ {
		ep := annotated(fmt.Sprintf("sess-%d", i), "prefers tabs")
		if i < 3 {
			ep.CodePatterns = []episodic.Annotation{episodic.NewAnnotation("uses table tests")}
		}
		if i < 1 {
			ep.AntiPatterns = []episodic.Annotation{episodic.NewAnnotation("global state")}
		}
		episodes = append(episodes, ep)
	}

	patterns, err := Detect(context.Background(), episodes, DefaultThresholds(), at)
	require.NoError(t, err)

	// "global state" occurs once, below emerging, and is dropped.
	require.Len(t, patterns, 2)

	prefs := FilterCategory(patterns, CategoryPreference)
	require.Len(t, prefs, 1)
	assert.Equal(t, "prefers tabs", prefs[0].Description)
	assert.Equal(t, StrengthCritical, prefs[0].Strength)
	assert.Equal(t, 12, prefs[0].Occurrences)
	// Evidence is truncated but the count is not.
	assert.Len(t, prefs[0].Evidence, 10)
	assert.Equal(t, "sess-0", prefs[0].Evidence[0])
	assert.Equal(t, at, prefs[0].DetectedAt)

	code := FilterCategory(patterns, CategoryCodePattern)
	require.Len(t, code, 1)
	assert.Equal(t, StrengthStrong, code[0].Strength)
	assert.Equal(t, 3, code[0].Occurrences)
	assert.Equal(t, []string{"sess-0", "sess-1", "sess-2"}, code[0].Evidence)
}

func TestDetectSkipsDescriptionlessAnnotations(t *testing.T) {
	ep1 := annotated("sess-1", "prefers tabs", "")
	ep2 := annotated("sess-2", "prefers tabs")
	ep2.UserPreferences = append(ep2.UserPreferences,
		episodic.AnnotationFromValue(map[string]any{"note": "no description key"}))

	patterns, err := Detect(context.Background(), []episodic.Episode{ep1, ep2}, DefaultThresholds(), time.Now())
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.Equal(t, 2, patterns[0].Occurrences)
}

func TestDetectObjectAnnotations(t *testing.T) {
	mk := func(id string) episodic.Episode {
		ep := annotated(id)
		ep.UserPreferences = []episodic.Annotation{
			episodic.AnnotationFromValue(map[string]any{"description": "wants short functions", "weight": 2}),
		}
		return ep
	}
	patterns, err := Detect(context.Background(),
		[]episodic.Episode{mk("a"), mk("b")}, DefaultThresholds(), time.Now())
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.Equal(t, "wants short functions", patterns[0].Description)
}

func TestDetectMissingSessionID(t *testing.T) {
	ep1 := annotated("", "prefers tabs")
	ep2 := annotated("", "prefers tabs")
	patterns, err := Detect(context.Background(), []episodic.Episode{ep1, ep2}, DefaultThresholds(), time.Now())
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.Equal(t, []string{"unknown", "unknown"}, patterns[0].Evidence)
}

func TestDetectCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Detect(ctx, []episodic.Episode{annotated("s", "p")}, DefaultThresholds(), time.Now())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExtractorRun(t *testing.T) {
	dir := t.TempDir()
	store, err := episodic.NewStore(filepath.Join(dir, "episodic"))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		ep := annotated(fmt.Sprintf("sess-%d", i), "prefers tabs")
		_, err := store.Append(&ep)
		require.NoError(t, err)
	}

	semanticDir := filepath.Join(dir, "semantic")
	x := NewExtractor(store, semanticDir, DefaultThresholds(), 2)
	x.Now = func() time.Time { return time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC) }

	patterns, err := x.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, patterns, 1)

	for _, name := range KnowledgeFiles() {
		doc := persist.Load[map[string]any](filepath.Join(semanticDir, name), nil)
		require.NotNil(t, doc, name)
		assert.Contains(t, doc, "count", name)
		assert.Contains(t, doc, "last_updated", name)
	}

	prefsDoc := persist.Load[map[string]any](filepath.Join(semanticDir, PreferencesFile), nil)
	assert.Equal(t, float64(1), prefsDoc["count"])
	antiDoc := persist.Load[map[string]any](filepath.Join(semanticDir, AntiPatternsFile), nil)
	assert.Equal(t, float64(0), antiDoc["count"])
	// Empty categories persist an empty list, not null.
	assert.NotNil(t, antiDoc["anti_patterns"])
}

func TestExtractorInsufficientSessions(t *testing.T) {
	dir := t.TempDir()
	store, err := episodic.NewStore(filepath.Join(dir, "episodic"))
	require.NoError(t, err)

	ep := annotated("sess-1", "prefers tabs")
	_, err = store.Append(&ep)
	require.NoError(t, err)

	x := NewExtractor(store, filepath.Join(dir, "semantic"), DefaultThresholds(), 10)
	_, err = x.Run(context.Background())
	require.ErrorIs(t, err, ErrInsufficientSessions)
	assert.Contains(t, err.Error(), "have 1, need 10")
}

func TestExtractorTimeoutWritesNothing(t *testing.T) {
	dir := t.TempDir()
	store, err := episodic.NewStore(filepath.Join(dir, "episodic"))
	require.NoError(t, err)

	ep := annotated("sess-1", "prefers tabs")
	_, err = store.Append(&ep)
	require.NoError(t, err)

	semanticDir := filepath.Join(dir, "semantic")
	x := NewExtractor(store, semanticDir, DefaultThresholds(), 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = x.Run(ctx)
	require.Error(t, err)

	doc := persist.Load[map[string]any](filepath.Join(semanticDir, PatternsFile), nil)
	assert.Nil(t, doc, "no knowledge file may be written on timeout")
}
