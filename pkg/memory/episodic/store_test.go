package episodic

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jcmrs/recall/pkg/memory/persist"
)

func testEpisode(id string, ts time.Time) *Episode {
	return &Episode{
		SessionID:    id,
		Timestamp:    ts,
		Trigger:      TriggerSessionEnd,
		EncodingMode: ModeContext,
		TaskSummary:  "worked on " + id,
	}
}

func TestPartitionName(t *testing.T) {
	tests := []struct {
		name string
		ts   time.Time
		want string
	}{
		{
			name: "utc timestamp",
			ts:   time.Date(2026, 3, 7, 12, 0, 0, 0, time.UTC),
			want: "sessions-2026-03.json",
		},
		{
			name: "non-utc timestamp normalized",
			ts:   time.Date(2026, 1, 1, 2, 0, 0, 0, time.FixedZone("plus5", 5*3600)),
			want: "sessions-2025-12.json",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PartitionName(tt.ts); got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestIsPartitionName(t *testing.T) {
	valid := []string{"sessions-2026-01.json", "sessions-1999-12.json"}
	invalid := []string{"index.json", "sessions-2026-01.json.tmp", "notes.md", "prefix-sessions-2026-01.json"}

	for _, name := range valid {
		if !IsPartitionName(name) {
			t.Errorf("Expected %q to be a partition name", name)
		}
	}
	for _, name := range invalid {
		if IsPartitionName(name) {
			t.Errorf("Expected %q not to be a partition name", name)
		}
	}
}

func TestAppendCreatesPartitionAndIndex(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	ts := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	name, err := store.Append(testEpisode("sess-1", ts))
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if name != "sessions-2026-02.json" {
		t.Errorf("Expected partition sessions-2026-02.json, got %q", name)
	}

	part := persist.Load(filepath.Join(dir, name), Partition{})
	if len(part.Sessions) != 1 || part.Count != 1 {
		t.Errorf("Expected 1 session, got %d (count %d)", len(part.Sessions), part.Count)
	}
	if !part.LastUpdated.Equal(ts) {
		t.Errorf("Expected last_updated %v, got %v", ts, part.LastUpdated)
	}

	idx := persist.Load(filepath.Join(dir, IndexFile), Index{})
	if idx["sess-1"] != name {
		t.Errorf("Expected index entry for sess-1 -> %q, got %q", name, idx["sess-1"])
	}
}

func TestAppendRecomputesCountFromDisk(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	ts := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	if _, err := store.Append(testEpisode("sess-1", ts)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	// Corrupt the stored count; the next append must recompute it from
	// the sessions list rather than trust the stale value.
	path := filepath.Join(dir, "sessions-2026-02.json")
	part := persist.Load(path, Partition{})
	part.Count = 99
	if err := persist.Save(path, part); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if _, err := store.Append(testEpisode("sess-2", ts.Add(time.Hour))); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	part = persist.Load(path, Partition{})
	if part.Count != 2 || len(part.Sessions) != 2 {
		t.Errorf("Expected recomputed count 2, got %d (%d sessions)", part.Count, len(part.Sessions))
	}
}

func TestAppendSpansMonths(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	jan := time.Date(2026, 1, 31, 23, 0, 0, 0, time.UTC)
	feb := time.Date(2026, 2, 1, 1, 0, 0, 0, time.UTC)
	if _, err := store.Append(testEpisode("sess-jan", jan)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if _, err := store.Append(testEpisode("sess-feb", feb)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	sessions, corrupt, err := store.LoadAll(context.Background())
	if err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}
	if len(corrupt) != 0 {
		t.Errorf("Expected no corrupt partitions, got %v", corrupt)
	}
	if len(sessions) != 2 {
		t.Fatalf("Expected 2 sessions across months, got %d", len(sessions))
	}
}

func TestLoadAllSkipsCorruptPartitions(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	ts := time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC)
	if _, err := store.Append(testEpisode("sess-good", ts)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	tests := []struct {
		name    string
		content string
	}{
		{"sessions-2026-01.json", `{truncated`},
		{"sessions-2026-02.json", `{"sessions": "not-a-list"}`},
		{"sessions-2026-03.json", `{"count": 5}`},
	}
	for _, tt := range tests {
		if err := os.WriteFile(filepath.Join(dir, tt.name), []byte(tt.content), 0o600); err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}
	}

	sessions, corrupt, err := store.LoadAll(context.Background())
	if err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}
	if len(sessions) != 1 || sessions[0].SessionID != "sess-good" {
		t.Errorf("Expected only the good session, got %+v", sessions)
	}
	if len(corrupt) != 3 {
		t.Errorf("Expected 3 corrupt partitions, got %v", corrupt)
	}
}

func TestLoadAllEmptyPartitionIsValid(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	raw := `{"sessions": [], "count": 0}`
	if err := os.WriteFile(filepath.Join(dir, "sessions-2026-05.json"), []byte(raw), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	sessions, corrupt, err := store.LoadAll(context.Background())
	if err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}
	if len(sessions) != 0 || len(corrupt) != 0 {
		t.Errorf("Expected empty valid partition, got %d sessions, corrupt=%v", len(sessions), corrupt)
	}
}

func TestLoadAllHonorsContext(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	ts := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	if _, err := store.Append(testEpisode("sess-1", ts)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := store.LoadAll(ctx); err == nil {
		t.Fatal("Expected canceled context error")
	}
}

func TestEpisodeValidate(t *testing.T) {
	ts := time.Now().UTC()
	ep := testEpisode("sess-1", ts)
	if err := ep.Validate(); err != nil {
		t.Errorf("Expected valid episode, got %v", err)
	}

	ep.SessionID = ""
	if err := ep.Validate(); err == nil {
		t.Error("Expected missing session_id error")
	}

	ep = testEpisode("sess-1", time.Time{})
	if err := ep.Validate(); err == nil {
		t.Error("Expected missing timestamp error")
	}
}

func TestAnnotationForms(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		wantDesc string
	}{
		{"bare string", `"prefers tabs"`, "prefers tabs"},
		{"object with description", `{"description": "uses testify", "weight": 2}`, "uses testify"},
		{"object without description", `{"note": "opaque"}`, ""},
		{"array preserved", `[1, 2, 3]`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var a Annotation
			if err := json.Unmarshal([]byte(tt.raw), &a); err != nil {
				t.Fatalf("Unmarshal failed: %v", err)
			}
			if a.Description != tt.wantDesc {
				t.Errorf("Expected description %q, got %q", tt.wantDesc, a.Description)
			}

			// Round-trip must preserve the original value byte-for-byte
			// up to JSON equivalence.
			out, err := json.Marshal(a)
			if err != nil {
				t.Fatalf("Marshal failed: %v", err)
			}
			var orig, back any
			if err := json.Unmarshal([]byte(tt.raw), &orig); err != nil {
				t.Fatalf("Unmarshal original failed: %v", err)
			}
			if err := json.Unmarshal(out, &back); err != nil {
				t.Fatalf("Unmarshal round-trip failed: %v", err)
			}
			origJSON, _ := json.Marshal(orig)
			backJSON, _ := json.Marshal(back)
			if string(origJSON) != string(backJSON) {
				t.Errorf("Round-trip changed value: %s -> %s", origJSON, backJSON)
			}
		})
	}
}
