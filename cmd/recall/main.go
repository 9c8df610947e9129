// Package main provides the recall command line tool: encode session
// episodes, extract behavioral patterns from them, synthesize rule
// files, and recover a damaged memory root.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jcmrs/recall/pkg/config"
	"github.com/jcmrs/recall/pkg/memory"
	"github.com/jcmrs/recall/pkg/memory/encode"
	"github.com/jcmrs/recall/pkg/memory/episodic"
	"github.com/jcmrs/recall/pkg/memory/procedural"
	"github.com/jcmrs/recall/pkg/memory/recovery"
	"github.com/jcmrs/recall/pkg/memory/semantic"
)

const version = "0.1.0"

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type app struct {
	projectPath string
}

func (a *app) layout() memory.Layout {
	return memory.ProjectLayout(a.projectPath)
}

func (a *app) config() config.Config {
	return config.Load(a.layout().ConfigPath())
}

func (a *app) thresholds(cfg config.Config) semantic.Thresholds {
	return semantic.Thresholds{
		Emerging: cfg.EmergingPattern,
		Strong:   cfg.StrongPattern,
		Critical: cfg.CriticalPattern,
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "recall",
		Short:         "Persistent session memory for coding agents",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if a.projectPath == "" {
				a.projectPath = os.Getenv("RECALL_PROJECT_DIR")
			}
			if a.projectPath == "" {
				a.projectPath, _ = os.Getwd()
			}
		},
	}
	root.PersistentFlags().StringVar(&a.projectPath, "project", "", "project root (default: $RECALL_PROJECT_DIR or the working directory)")

	root.AddCommand(
		newEncodeCmd(a),
		newExtractCmd(a),
		newSynthesizeCmd(a),
		newValidateCmd(a),
		newRebuildCmd(a),
		newResetCmd(a),
		newBackupCmd(a),
	)
	return root
}

func newEncodeCmd(a *app) *cobra.Command {
	var triggerName string
	var sessionID string

	cmd := &cobra.Command{
		Use:   "encode",
		Short: "Encode the current session as an episodic record",
		RunE: func(cmd *cobra.Command, args []string) error {
			trigger, err := parseTrigger(triggerName)
			if err != nil {
				return err
			}
			cfg := a.config()

			enc, err := encode.NewEncoder(cfg, a.layout())
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.EncodeTimeout)
			defer cancel()

			name, err := enc.EncodeSession(ctx, trigger, sessionID, nil)
			if errors.Is(err, context.DeadlineExceeded) && name != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "Encoding timed out; partial record saved: %s\n", name)
				return err
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Episodic record saved: %s\n", name)
			return nil
		},
	}
	cmd.Flags().StringVar(&triggerName, "trigger", "", "trigger event: precompact, session-end, stop, or manual")
	cmd.Flags().StringVar(&sessionID, "session-id", "", "session id (generated when omitted)")
	_ = cmd.MarkFlagRequired("trigger")
	return cmd
}

func newExtractCmd(a *app) *cobra.Command {
	minSessions := -1

	cmd := &cobra.Command{
		Use:   "extract",
		Short: "Extract behavioral patterns from the episodic record log",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.config()
			min := cfg.MinSessions
			if minSessions >= 0 {
				min = minSessions
			}

			store, err := episodic.NewStore(a.layout().EpisodicDir())
			if err != nil {
				return err
			}
			x := semantic.NewExtractor(store, a.layout().SemanticDir(), a.thresholds(cfg), min)

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.ExtractTimeout)
			defer cancel()

			patterns, err := x.Run(ctx)
			if errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("extraction timeout (%s exceeded); nothing was written", cfg.ExtractTimeout)
			}
			if err != nil {
				return err
			}

			report(cmd, patterns)
			if cfg.AutoSynthesize {
				return runSynthesis(cmd.Context(), a, cfg)
			}
			if n := strongCount(patterns); n > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "%d strong patterns detected. Run `recall synthesize` to generate rules.\n", n)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&minSessions, "min-sessions", -1, "minimum sessions before extraction (default: configured value)")
	return cmd
}

func report(cmd *cobra.Command, patterns []semantic.Pattern) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Detected %d patterns\n", len(patterns))
	for _, c := range []struct {
		label    string
		category semantic.Category
	}{
		{"preferences", semantic.CategoryPreference},
		{"code patterns", semantic.CategoryCodePattern},
		{"anti-patterns", semantic.CategoryAntiPattern},
	} {
		fmt.Fprintf(out, "  - %d %s\n", len(semantic.FilterCategory(patterns, c.category)), c.label)
	}
}

func strongCount(patterns []semantic.Pattern) int {
	n := 0
	for _, p := range patterns {
		if p.Strength == semantic.StrengthStrong || p.Strength == semantic.StrengthCritical {
			n++
		}
	}
	return n
}

func runSynthesis(ctx context.Context, a *app, cfg config.Config) error {
	l := a.layout()
	s := procedural.NewSynthesizer(l.SemanticDir(), l.RulesDir(), l.ProceduralDir())

	ctx, cancel := context.WithTimeout(ctx, cfg.SynthesizeTimeout)
	defer cancel()

	res, err := s.Run(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Generated %d rule file(s) in %s\n", len(res.RuleFiles), l.RulesDir())
	for name, reason := range res.Failed {
		fmt.Fprintf(os.Stderr, "  failed: %s: %s\n", name, reason)
	}
	return nil
}

func newSynthesizeCmd(a *app) *cobra.Command {
	var autoApprove bool

	cmd := &cobra.Command{
		Use:   "synthesize",
		Short: "Generate rule files from strong and critical patterns",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !autoApprove {
				ok, err := confirm(cmd, "Overwrite rule files from the current pattern store? [y/N] ")
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(cmd.OutOrStdout(), "Aborted")
					return nil
				}
			}
			return runSynthesis(cmd.Context(), a, a.config())
		},
	}
	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "write rule files without confirmation")
	return cmd
}

func confirm(cmd *cobra.Command, prompt string) (bool, error) {
	fmt.Fprint(cmd.OutOrStdout(), prompt)
	r := bufio.NewReader(cmd.InOrStdin())
	line, err := r.ReadString('\n')
	if err != nil && line == "" {
		return false, nil
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}

func newValidateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check every memory file for corruption",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.config()
			m := recovery.NewManager(a.layout(), a.thresholds(cfg))
			ok, problems := m.Validate(cmd.Context())
			if ok {
				fmt.Fprintln(cmd.OutOrStdout(), "All memory files valid")
				return nil
			}
			for _, p := range problems {
				fmt.Fprintf(cmd.ErrOrStderr(), "  - %s\n", p)
			}
			return fmt.Errorf("validation failed: %d problems", len(problems))
		},
	}
}

func newRebuildCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild derived knowledge from the episodic record log",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.config()
			m := recovery.NewManager(a.layout(), a.thresholds(cfg))

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.ExtractTimeout)
			defer cancel()

			patterns, err := m.Rebuild(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Rebuilt semantic knowledge: %d patterns\n", len(patterns))
			return nil
		},
	}
}

func newResetCmd(a *app) *cobra.Command {
	var removeEpisodic bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Reset the memory root to a clean state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.config()
			m := recovery.NewManager(a.layout(), a.thresholds(cfg))
			if err := m.Reset(!removeEpisodic); err != nil {
				return err
			}
			if removeEpisodic {
				fmt.Fprintln(cmd.OutOrStdout(), "Reset complete; all memory removed")
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "Reset complete; episodic records preserved")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&removeEpisodic, "remove-episodic", false, "also remove episodic records (default: keep)")
	return cmd
}

func newBackupCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "backup <file>",
		Short: "Move a corrupted file into a timestamped .backup directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.config()
			m := recovery.NewManager(a.layout(), a.thresholds(cfg))
			dst, err := m.BackupCorrupt(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Backed up to: %s\n", dst)
			return nil
		},
	}
}

func parseTrigger(name string) (episodic.Trigger, error) {
	switch t := episodic.Trigger(name); t {
	case episodic.TriggerPrecompact, episodic.TriggerSessionEnd, episodic.TriggerStop, episodic.TriggerManual:
		return t, nil
	default:
		return "", fmt.Errorf("unknown trigger %q (expected precompact, session-end, stop, or manual)", name)
	}
}
