package episodic

import (
	"encoding/json"
	"errors"
	"time"
)

// Trigger identifies the event that caused a session to be encoded.
type Trigger string

const (
	TriggerPrecompact Trigger = "precompact"
	TriggerSessionEnd Trigger = "session-end"
	TriggerStop       Trigger = "stop"
	TriggerManual     Trigger = "manual"
)

// EncodingMode records how an episode was captured.
type EncodingMode string

const (
	ModeContext        EncodingMode = "context"
	ModeJSONLFallback  EncodingMode = "jsonl_fallback"
	ModePartialTimeout EncodingMode = "partial_timeout"
)

// Annotation is one entry of an episode's free-form annotation lists.
// On the wire it is either a bare string or an object carrying a
// description field; anything else is preserved verbatim but carries no
// description, and downstream consumers skip it.
type Annotation struct {
	Description string

	raw json.RawMessage // nil for bare-string annotations
}

// NewAnnotation returns a bare-string annotation.
func NewAnnotation(description string) Annotation {
	return Annotation{Description: description}
}

// AnnotationFromValue builds an annotation from a generic JSON value.
func AnnotationFromValue(v any) Annotation {
	if s, ok := v.(string); ok {
		return Annotation{Description: s}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return Annotation{}
	}
	var a Annotation
	_ = a.UnmarshalJSON(b)
	return a
}

// Value returns the annotation as a generic JSON value: a string for
// bare annotations, the decoded structure otherwise.
func (a Annotation) Value() any {
	if a.raw == nil {
		return a.Description
	}
	var v any
	if err := json.Unmarshal(a.raw, &v); err != nil {
		return a.Description
	}
	return v
}

func (a Annotation) MarshalJSON() ([]byte, error) {
	if a.raw != nil {
		return a.raw, nil
	}
	return json.Marshal(a.Description)
}

func (a *Annotation) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		a.Description = s
		a.raw = nil
		return nil
	}
	a.raw = append(json.RawMessage(nil), b...)
	a.Description = ""
	var obj map[string]any
	if err := json.Unmarshal(b, &obj); err == nil {
		if d, ok := obj["description"].(string); ok {
			a.Description = d
		}
	}
	return nil
}

// TranscriptInfo describes the transcript a fallback encoding was
// derived from.
type TranscriptInfo struct {
	Path           string `json:"path"`
	RecordCount    int    `json:"record_count"`
	MalformedLines int    `json:"malformed_lines"`
}

// Episode is one recorded session's experience.
type Episode struct {
	SessionID    string       `json:"session_id"`
	Timestamp    time.Time    `json:"timestamp"`
	ProjectPath  string       `json:"project_path,omitempty"`
	GitBranch    string       `json:"git_branch,omitempty"`
	Trigger      Trigger      `json:"trigger"`
	EncodingMode EncodingMode `json:"encoding_mode"`

	TaskSummary     string   `json:"task_summary,omitempty"`
	WorkSummary     string   `json:"work_summary,omitempty"`
	DesignDecisions []string `json:"design_decisions,omitempty"`
	Challenges      []string `json:"challenges,omitempty"`
	Solutions       []string `json:"solutions,omitempty"`

	UserPreferences []Annotation `json:"user_preferences,omitempty"`
	CodePatterns    []Annotation `json:"code_patterns,omitempty"`
	AntiPatterns    []Annotation `json:"anti_patterns,omitempty"`

	Context    map[string]any  `json:"context,omitempty"`
	Transcript *TranscriptInfo `json:"transcript,omitempty"`

	Limitations []string `json:"limitations,omitempty"`
}

// Validate checks the append preconditions. The store itself never
// validates; callers must do so before Append.
func (e *Episode) Validate() error {
	if e.SessionID == "" {
		return errors.New("episodic: missing session_id")
	}
	if e.Timestamp.IsZero() {
		return errors.New("episodic: missing timestamp")
	}
	return nil
}

// Partition is a monthly batch of episodes. Count and LastUpdated are
// recomputed on every append and never trusted from disk.
type Partition struct {
	Sessions    []Episode `json:"sessions"`
	Count       int       `json:"count"`
	LastUpdated time.Time `json:"last_updated"`
}

// Index maps session ids to the partition file holding them. It is an
// optimization, not a source of truth: LoadAll never consults it.
type Index map[string]string
