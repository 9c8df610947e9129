// Package encode captures one session's experience as an episode
// record: build the record context-first (falling back to a transcript
// scan), scrub it, and append it to the episodic store.
package encode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/jcmrs/recall/pkg/config"
	"github.com/jcmrs/recall/pkg/gitutil"
	"github.com/jcmrs/recall/pkg/memory"
	"github.com/jcmrs/recall/pkg/memory/episodic"
	"github.com/jcmrs/recall/pkg/memory/redact"
)

// ErrEncodingFailed reports that every encoding method came up empty.
var ErrEncodingFailed = errors.New("encode: all encoding methods failed")

const fallbackMarker = "[REDACTED - redaction error]"

// Capture is caller-supplied session content merged into the record by
// the context-first path. All fields are optional.
type Capture struct {
	TaskSummary     string
	WorkSummary     string
	DesignDecisions []string
	Challenges      []string
	Solutions       []string

	UserPreferences []string
	CodePatterns    []string
	AntiPatterns    []string

	Technologies  []string
	FilesModified []string
	ToolsUsed     []string
}

// Encoder owns the redaction/append boundary. The upstream episode
// source (live context or transcript scan) feeds it; the store below it
// never redacts.
type Encoder struct {
	cfg    config.Config
	layout memory.Layout
	store  *episodic.Store
	engine *redact.Engine

	// TranscriptsDir is scanned by the JSONL fallback path.
	TranscriptsDir string

	// Branch looks up the current git branch; nil disables the lookup.
	Branch func(ctx context.Context, dir string) (string, error)

	Now func() time.Time
}

// NewEncoder opens the episodic store under the layout and builds the
// redaction engine from the configured custom patterns.
func NewEncoder(cfg config.Config, layout memory.Layout) (*Encoder, error) {
	store, err := episodic.NewStore(layout.EpisodicDir())
	if err != nil {
		return nil, fmt.Errorf("encode: open store: %w", err)
	}
	return &Encoder{
		cfg:            cfg,
		layout:         layout,
		store:          store,
		engine:         redact.NewEngine(cfg.CustomRedactionPatterns),
		TranscriptsDir: filepath.Join(layout.Root, "transcripts"),
		Branch:         gitutil.CurrentBranch,
		Now:            time.Now,
	}, nil
}

// Store exposes the underlying episodic store.
func (e *Encoder) Store() *episodic.Store { return e.store }

func (e *Encoder) projectPath() string {
	return filepath.Dir(e.layout.Root)
}

// EncodeSession captures the session as an episode and appends it,
// returning the partition filename it landed in. On deadline expiry a
// best-effort partial record tagged partial_timeout is persisted and
// the deadline error is still returned: a partial episode beats losing
// the session's trace, but the operation did not succeed.
func (e *Encoder) EncodeSession(ctx context.Context, trigger episodic.Trigger, sessionID string, capture *Capture) (string, error) {
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	ep, err := e.buildRecord(ctx, sessionID, trigger, capture)
	if ctxErr := ctx.Err(); ctxErr != nil {
		name := e.savePartial(trigger, sessionID)
		return name, fmt.Errorf("encode: deadline exceeded: %w", ctxErr)
	}
	if err != nil {
		return "", err
	}
	if ep == nil {
		return "", ErrEncodingFailed
	}

	if ep.EncodingMode == episodic.ModeContext && ep.TaskSummary == "" {
		ep.Limitations = append(ep.Limitations,
			"Context incomplete - best-effort record created",
			"Some session details may be missing")
		slog.Warn("encode: context incomplete, created best-effort record", "session_id", sessionID)
	}

	if e.cfg.RedactSensitive {
		e.redactRecord(ep)
	}

	if err := ep.Validate(); err != nil {
		return "", fmt.Errorf("encode: invalid record: %w", err)
	}
	name, err := e.store.Append(ep)
	if err != nil {
		return "", fmt.Errorf("encode: persist record: %w", err)
	}

	if e.cfg.ContinuousMode {
		slog.Info("encode: continuous mode, semantic extraction due", "partition", name)
	}
	return name, nil
}

func (e *Encoder) buildRecord(ctx context.Context, sessionID string, trigger episodic.Trigger, capture *Capture) (*episodic.Episode, error) {
	if e.cfg.PreferContext {
		if ep := e.fromContext(ctx, sessionID, trigger, capture); ep != nil {
			return ep, nil
		}
	}
	if e.cfg.FallbackJSONL {
		ep, err := e.scanTranscripts(ctx, sessionID, trigger)
		if err != nil {
			return nil, err
		}
		if ep != nil {
			return ep, nil
		}
	}
	return nil, nil
}

// fromContext builds the preferred, context-first record. It always
// succeeds unless the deadline has already expired.
func (e *Encoder) fromContext(ctx context.Context, sessionID string, trigger episodic.Trigger, capture *Capture) *episodic.Episode {
	if ctx.Err() != nil {
		return nil
	}

	branch := ""
	if e.Branch != nil {
		if b, err := e.Branch(ctx, e.projectPath()); err == nil {
			branch = b
		}
	}

	ep := &episodic.Episode{
		SessionID:    sessionID,
		Timestamp:    e.Now().UTC(),
		ProjectPath:  e.projectPath(),
		GitBranch:    branch,
		Trigger:      trigger,
		EncodingMode: episodic.ModeContext,
		Context: map[string]any{
			"technologies":   []string{},
			"files_modified": []string{},
			"tools_used":     []string{},
		},
	}
	if capture == nil {
		return ep
	}

	ep.TaskSummary = capture.TaskSummary
	ep.WorkSummary = capture.WorkSummary
	ep.DesignDecisions = capture.DesignDecisions
	ep.Challenges = capture.Challenges
	ep.Solutions = capture.Solutions
	ep.UserPreferences = toAnnotations(capture.UserPreferences)
	ep.CodePatterns = toAnnotations(capture.CodePatterns)
	ep.AntiPatterns = toAnnotations(capture.AntiPatterns)
	ep.Context = map[string]any{
		"technologies":   orEmpty(capture.Technologies),
		"files_modified": orEmpty(capture.FilesModified),
		"tools_used":     orEmpty(capture.ToolsUsed),
	}
	return ep
}

// savePartial persists a minimal record after a timeout, best-effort.
func (e *Encoder) savePartial(trigger episodic.Trigger, sessionID string) string {
	timeout := e.cfg.EncodeTimeout
	ep := &episodic.Episode{
		SessionID:    sessionID,
		Timestamp:    e.Now().UTC(),
		ProjectPath:  e.projectPath(),
		Trigger:      trigger,
		EncodingMode: episodic.ModePartialTimeout,
		TaskSummary:  fmt.Sprintf("[TIMEOUT] Encoding exceeded %s", timeout),
		Limitations: []string{
			fmt.Sprintf("Encoding timeout at %s", timeout),
			"Partial record only",
		},
	}
	name, err := e.store.Append(ep)
	if err != nil {
		slog.Warn("encode: failed to save partial record", "err", err)
		return ""
	}
	slog.Warn("encode: saved partial record after timeout", "partition", name)
	return name
}

// redactRecord scrubs the episode in place. If the scrub panics for any
// reason, a conservative fallback wholesale-replaces the known
// sensitive fields: destroying sensitive-looking content beats leaking
// a partially scrubbed record into storage.
func (e *Encoder) redactRecord(ep *episodic.Episode) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("encode: redaction failed, applying conservative fallback", "reason", r)
			overRedact(ep)
		}
	}()
	if n := scrubEpisode(e.engine, ep); n > 0 {
		slog.Info("encode: redacted sensitive items", "count", n)
	}
}

// scrubEpisode redacts the episode's content fields. Identity and
// envelope fields (session id, timestamp, trigger, encoding mode) are
// exempt: partition naming and the index depend on them, and the
// generic token matcher would otherwise destroy the session id itself.
func scrubEpisode(eng *redact.Engine, ep *episodic.Episode) int {
	total := 0
	str := func(p *string) {
		s, n := eng.ScrubString(*p)
		*p = s
		total += n
	}
	list := func(vals []string) {
		for i := range vals {
			str(&vals[i])
		}
	}
	annotations := func(vals []episodic.Annotation) {
		for i := range vals {
			v, n := eng.Scrub(vals[i].Value())
			vals[i] = episodic.AnnotationFromValue(v)
			total += n
		}
	}

	str(&ep.ProjectPath)
	str(&ep.GitBranch)
	str(&ep.TaskSummary)
	str(&ep.WorkSummary)
	list(ep.DesignDecisions)
	list(ep.Challenges)
	list(ep.Solutions)
	list(ep.Limitations)
	annotations(ep.UserPreferences)
	annotations(ep.CodePatterns)
	annotations(ep.AntiPatterns)

	if ep.Context != nil {
		v, n := eng.Scrub(ep.Context)
		if m, ok := v.(map[string]any); ok {
			ep.Context = m
		}
		total += n
	}
	if ep.Transcript != nil {
		str(&ep.Transcript.Path)
	}
	return total
}

func overRedact(ep *episodic.Episode) {
	if ep.WorkSummary != "" {
		ep.WorkSummary = fallbackMarker
	}
	for i := range ep.Challenges {
		ep.Challenges[i] = fallbackMarker
	}
	for i := range ep.Solutions {
		ep.Solutions[i] = fallbackMarker
	}
}

func toAnnotations(vals []string) []episodic.Annotation {
	if len(vals) == 0 {
		return nil
	}
	out := make([]episodic.Annotation, len(vals))
	for i, v := range vals {
		out[i] = episodic.NewAnnotation(v)
	}
	return out
}

func orEmpty(vals []string) []string {
	if vals == nil {
		return []string{}
	}
	return vals
}
