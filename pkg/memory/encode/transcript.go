package encode

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/jcmrs/recall/pkg/memory/episodic"
)

const (
	maxTranscriptRecords = 1000
	maxFilesModified     = 20
	maxChallenges        = 5
	maxMalformedWarnings = 5

	// transcript lines can be large; scanner buffer sized accordingly
	maxTranscriptLine = 1 << 20
)

// scanTranscripts builds a best-effort record from the first JSONL
// transcript under TranscriptsDir that yields any records. Individually
// malformed lines are skipped and counted, never fatal. Returns nil
// (no error) when no transcript is found: the fallback simply has
// nothing to offer.
func (e *Encoder) scanTranscripts(ctx context.Context, sessionID string, trigger episodic.Trigger) (*episodic.Episode, error) {
	dir := e.TranscriptsDir
	if _, err := os.Stat(dir); err != nil {
		slog.Warn("encode: transcript directory not found", "dir", dir)
		return nil, nil
	}

	var records []map[string]any
	var transcriptPath string
	malformed := 0

	walkErr := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // skip unreadable entries
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if d.IsDir() || filepath.Ext(p) != ".jsonl" {
			return nil
		}
		recs, bad, rerr := readJSONL(ctx, p, maxTranscriptRecords)
		if rerr != nil {
			if ctx.Err() != nil {
				return rerr
			}
			slog.Warn("encode: error reading transcript", "path", p, "err", rerr)
			return nil
		}
		malformed += bad
		if len(recs) > 0 {
			records = recs
			transcriptPath = p
			return fs.SkipAll
		}
		return nil
	})
	if walkErr != nil {
		return nil, walkErr
	}

	if malformed > 0 {
		slog.Warn("encode: skipped malformed transcript lines",
			"malformed", malformed, "valid", len(records))
	}
	if len(records) == 0 {
		slog.Warn("encode: no transcript records found", "dir", dir)
		return nil, nil
	}

	toolCounts := map[string]int{}
	var toolsUsed []string
	seenFile := map[string]bool{}
	var files []string
	var errMsgs []string

	for _, r := range records {
		if name, ok := r["tool_name"].(string); ok {
			if toolCounts[name] == 0 {
				toolsUsed = append(toolsUsed, name)
			}
			toolCounts[name]++
		}
		if in, ok := r["tool_input"].(map[string]any); ok {
			if fp, ok := in["file_path"].(string); ok && !seenFile[fp] {
				seenFile[fp] = true
				if len(files) < maxFilesModified {
					files = append(files, fp)
				}
			}
		}
		if msg, ok := r["error"]; ok {
			errMsgs = append(errMsgs, fmt.Sprint(msg))
		}
	}

	branch := ""
	if e.Branch != nil {
		if b, err := e.Branch(ctx, e.projectPath()); err == nil {
			branch = b
		}
	}

	work := "Used tools: none detected"
	if len(toolsUsed) > 0 {
		work = "Used tools: " + strings.Join(toolsUsed, ", ")
	}
	challenges := errMsgs
	if len(challenges) > maxChallenges {
		challenges = challenges[:maxChallenges]
	}

	ep := &episodic.Episode{
		SessionID:    sessionID,
		Timestamp:    e.Now().UTC(),
		ProjectPath:  e.projectPath(),
		GitBranch:    branch,
		Trigger:      trigger,
		EncodingMode: episodic.ModeJSONLFallback,
		TaskSummary:  fmt.Sprintf("Session with %d transcript records", len(records)),
		WorkSummary:  work,
		Challenges:   challenges,
		Context: map[string]any{
			"technologies":   []string{},
			"files_modified": orEmpty(files),
			"tools_used":     orEmpty(toolsUsed),
			"tool_counts":    toolCounts,
		},
		Transcript: &episodic.TranscriptInfo{
			Path:           transcriptPath,
			RecordCount:    len(records),
			MalformedLines: malformed,
		},
	}

	if malformed > 0 {
		ep.Limitations = append(ep.Limitations,
			fmt.Sprintf("Skipped %d malformed JSONL lines", malformed))
	}
	if len(records) < 10 {
		ep.Limitations = append(ep.Limitations,
			fmt.Sprintf("Limited data: only %d valid records", len(records)))
	}
	return ep, nil
}

// readJSONL parses up to limit records from a JSONL file, skipping
// blank and malformed lines. The malformed count is returned alongside
// the records; only the first few malformed lines are logged.
func readJSONL(ctx context.Context, path string, limit int) ([]map[string]any, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("encode: open transcript: %w", err)
	}
	defer f.Close()

	var records []map[string]any
	malformed := 0
	lineNum := 0

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxTranscriptLine)
	for sc.Scan() {
		lineNum++
		if err := ctx.Err(); err != nil {
			return nil, malformed, err
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var rec map[string]any
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			malformed++
			if malformed <= maxMalformedWarnings {
				slog.Warn("encode: malformed transcript line",
					"path", path, "line", lineNum, "err", err)
			}
			continue
		}
		records = append(records, rec)
		if len(records) >= limit {
			break
		}
	}
	if err := sc.Err(); err != nil {
		return records, malformed, fmt.Errorf("encode: read transcript: %w", err)
	}
	return records, malformed, nil
}
