package gitutil

import (
	"context"
	"testing"
)

func TestCurrentBranchOutsideRepo(t *testing.T) {
	// A bare temp directory is never a git repository; the lookup must
	// fail rather than return an empty branch silently.
	if _, err := CurrentBranch(context.Background(), t.TempDir()); err == nil {
		t.Error("Expected error outside a repository")
	}
}

func TestCurrentBranchCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := CurrentBranch(ctx, t.TempDir()); err == nil {
		t.Error("Expected error with canceled context")
	}
}
