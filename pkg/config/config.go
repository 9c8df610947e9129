// Package config loads recall settings from a markdown document with
// YAML front-matter. Any load failure, from a missing file to malformed
// YAML, degrades to the documented defaults; configuration is an
// immutable value object and is never reloaded mid-operation.
package config

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const frontMatterDelimiter = "---"

// Config holds every recognized option with integer options already
// clamped to their documented ranges.
type Config struct {
	// Triggers
	TriggerPrecompact bool
	TriggerSessionEnd bool
	TriggerStop       bool

	// Processing
	ContinuousMode bool
	AutoSynthesize bool

	// Thresholds
	MinSessions     int
	EmergingPattern int
	StrongPattern   int
	CriticalPattern int

	// Encoding
	PreferContext bool
	FallbackJSONL bool

	// Privacy
	RedactSensitive         bool
	CustomRedactionPatterns []string

	// Timeouts
	EncodeTimeout     time.Duration
	ExtractTimeout    time.Duration
	SynthesizeTimeout time.Duration
}

// Default returns the documented default configuration.
func Default() Config {
	return Config{
		TriggerPrecompact: true,
		TriggerSessionEnd: true,
		TriggerStop:       false,
		ContinuousMode:    true,
		AutoSynthesize:    false,
		MinSessions:       10,
		EmergingPattern:   2,
		StrongPattern:     3,
		CriticalPattern:   5,
		PreferContext:     true,
		FallbackJSONL:     true,
		RedactSensitive:   true,
		EncodeTimeout:     30 * time.Second,
		ExtractTimeout:    60 * time.Second,
		SynthesizeTimeout: 45 * time.Second,
	}
}

// fileConfig mirrors the recognized front-matter keys. Pointer fields
// distinguish "absent" from an explicit zero value.
type fileConfig struct {
	Precompact *bool `yaml:"precompact"`
	SessionEnd *bool `yaml:"session_end"`
	Stop       *bool `yaml:"stop"`

	ContinuousMode *bool `yaml:"continuous_mode"`
	AutoSynthesize *bool `yaml:"auto_synthesize"`

	MinSessions     *int `yaml:"min_sessions"`
	EmergingPattern *int `yaml:"emerging_pattern"`
	StrongPattern   *int `yaml:"strong_pattern"`
	CriticalPattern *int `yaml:"critical_pattern"`

	PreferContext *bool `yaml:"prefer_context"`
	FallbackJSONL *bool `yaml:"fallback_jsonl"`

	RedactSensitive         *bool    `yaml:"redact_sensitive"`
	CustomRedactionPatterns []string `yaml:"custom_redaction_patterns"`

	Encode     *int `yaml:"encode"`
	Extract    *int `yaml:"extract"`
	Synthesize *int `yaml:"synthesize"`
}

// Load reads the config document at path. A missing file, missing
// front-matter block, or unparsable YAML all return Default().
func Load(path string) Config {
	cfg := Default()

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg
	}
	block, ok := frontMatter(string(raw))
	if !ok {
		slog.Warn("config: no front-matter block, using defaults", "path", path)
		return cfg
	}

	var fc fileConfig
	if err := yaml.Unmarshal([]byte(block), &fc); err != nil {
		slog.Warn("config: front-matter parse error, using defaults", "path", path, "err", err)
		return cfg
	}

	applyBool(&cfg.TriggerPrecompact, fc.Precompact)
	applyBool(&cfg.TriggerSessionEnd, fc.SessionEnd)
	applyBool(&cfg.TriggerStop, fc.Stop)
	applyBool(&cfg.ContinuousMode, fc.ContinuousMode)
	applyBool(&cfg.AutoSynthesize, fc.AutoSynthesize)
	applyBool(&cfg.PreferContext, fc.PreferContext)
	applyBool(&cfg.FallbackJSONL, fc.FallbackJSONL)
	applyBool(&cfg.RedactSensitive, fc.RedactSensitive)

	applyInt(&cfg.MinSessions, fc.MinSessions, 1, 1000)
	applyInt(&cfg.EmergingPattern, fc.EmergingPattern, 1, 100)
	applyInt(&cfg.StrongPattern, fc.StrongPattern, 1, 100)
	applyInt(&cfg.CriticalPattern, fc.CriticalPattern, 1, 100)

	applySeconds(&cfg.EncodeTimeout, fc.Encode, 5, 300)
	applySeconds(&cfg.ExtractTimeout, fc.Extract, 5, 600)
	applySeconds(&cfg.SynthesizeTimeout, fc.Synthesize, 5, 300)

	cfg.CustomRedactionPatterns = fc.CustomRedactionPatterns

	// Threshold ordering is enforced here, once, so downstream
	// classification can assume emerging <= strong <= critical.
	if !(cfg.EmergingPattern <= cfg.StrongPattern && cfg.StrongPattern <= cfg.CriticalPattern) {
		def := Default()
		slog.Warn("config: thresholds out of order, reverting to defaults",
			"emerging", cfg.EmergingPattern, "strong", cfg.StrongPattern, "critical", cfg.CriticalPattern)
		cfg.EmergingPattern = def.EmergingPattern
		cfg.StrongPattern = def.StrongPattern
		cfg.CriticalPattern = def.CriticalPattern
	}
	return cfg
}

// frontMatter extracts the YAML block between the leading --- markers.
func frontMatter(s string) (string, bool) {
	if !strings.HasPrefix(s, frontMatterDelimiter) {
		return "", false
	}
	rest := s[len(frontMatterDelimiter):]
	idx := strings.Index(rest, "\n"+frontMatterDelimiter)
	if idx == -1 {
		return "", false
	}
	return rest[:idx], true
}

func applyBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func applyInt(dst *int, v *int, min, max int) {
	if v == nil {
		return
	}
	*dst = clamp(*v, min, max)
}

func applySeconds(dst *time.Duration, v *int, min, max int) {
	if v == nil {
		return
	}
	*dst = time.Duration(clamp(*v, min, max)) * time.Second
}

func clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
