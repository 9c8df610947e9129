// Package persist provides crash-safe load and save of JSON documents.
//
// Save follows a temp-write, fsync, verify, atomic-rename sequence so a
// reader (or a crash mid-write) can never observe a half-written
// document. Load never fails: missing, unparsable, or wrongly shaped
// content all degrade to a caller-supplied default.
package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

const (
	// DefaultMaxRetries bounds the write attempts made by Save.
	DefaultMaxRetries = 3

	retryBackoff = 100 * time.Millisecond
	tmpSuffix    = ".tmp"
)

// Load reads the JSON document at path into a value of type T. If the
// file is absent, def is returned. If the content is corrupted, a lossy
// repair-by-truncation is attempted before giving up and returning def.
func Load[T any](path string, def T) T {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return def
	}
	if err != nil {
		slog.Warn("persist: unreadable file, using default", "path", path, "err", err)
		return def
	}
	var out T
	if err := json.Unmarshal(b, &out); err != nil {
		slog.Warn("persist: corrupted JSON, attempting repair", "path", path, "err", err)
		if repaired, ok := repair[T](b); ok {
			slog.Warn("persist: recovered truncated prefix, trailing data discarded", "path", path)
			return repaired
		}
		return def
	}
	return out
}

// repair scans backward for the last closing brace or bracket that
// yields a parseable prefix. Recovery is lossy: everything past the
// truncation point is discarded.
func repair[T any](b []byte) (T, bool) {
	var zero T
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] != '}' && b[i] != ']' {
			continue
		}
		var candidate T
		if err := json.Unmarshal(b[:i+1], &candidate); err == nil {
			return candidate, true
		}
	}
	return zero, false
}

// Save atomically writes doc as indented JSON to path, retrying up to
// DefaultMaxRetries times. Failure means the document was not updated;
// the prior file content is untouched until the rename succeeds.
func Save(path string, doc any) error {
	return SaveWithRetries(path, doc, DefaultMaxRetries)
}

// SaveWithRetries is Save with an explicit retry bound. Attempts back
// off by 100ms times the attempt number.
func SaveWithRetries(path string, doc any, maxRetries int) error {
	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		err := writeAtomic(path, doc)
		if err == nil {
			return nil
		}
		lastErr = err
		removeTmp(path)
		if attempt < maxRetries {
			slog.Warn("persist: save attempt failed, retrying",
				"path", path, "attempt", attempt, "err", err)
			time.Sleep(retryBackoff * time.Duration(attempt))
		}
	}
	return fmt.Errorf("persist: save %s after %d attempts: %w", path, maxRetries, lastErr)
}

func writeAtomic(path string, doc any) error {
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("persist: encode document: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("persist: create directory: %w", err)
	}

	tmp := path + tmpSuffix
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("persist: create temp file: %w", err)
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		return fmt.Errorf("persist: write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("persist: sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("persist: close temp file: %w", err)
	}

	// Re-read and re-parse before the rename so a serialization bug can
	// never replace a good document with a broken one.
	check, err := os.ReadFile(tmp)
	if err != nil {
		return fmt.Errorf("persist: verify temp file: %w", err)
	}
	if !json.Valid(check) {
		return fmt.Errorf("persist: temp file failed JSON verification: %s", tmp)
	}

	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("persist: atomic rename %s: %w", path, err)
	}
	return nil
}

func removeTmp(path string) {
	_ = os.Remove(path + tmpSuffix) // best-effort cleanup
}
