package spawner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
)

// worktreeLinks are untracked config paths symlinked from the repo root into
// each fresh worktree so workers find their tool configuration.
var worktreeLinks = []string{".env", ".agentrc", ".agents"}

var branchSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// branchForIssue derives the isolation branch name for an issue.
func branchForIssue(issueID string) string {
	return "issue/" + branchSanitizer.ReplaceAllString(issueID, "-")
}

// worktreeDir derives the worktree path for a branch. Pure so tests and
// cleanup can compute it independently.
func worktreeDir(repoRoot, branch string) string {
	return filepath.Join(repoRoot, ".worktrees", branchSanitizer.ReplaceAllString(branch, "-"))
}

// setupWorktree prepares an isolated working copy for the issue and returns
// its path. Any failure falls back to the repo root: isolation is best
// effort, the claim still gets processed.
func setupWorktree(ctx context.Context, repoRoot, issueID string) (dir string, isolated bool) {
	branch := branchForIssue(issueID)
	dir = worktreeDir(repoRoot, branch)

	if _, err := os.Stat(dir); err == nil {
		// Reuse: discard leftovers from the previous run.
		if err := runGit(ctx, dir, "reset", "--hard"); err != nil {
			slog.Warn("Worktree reset failed, using repo root", "dir", dir, "error", err)
			return repoRoot, false
		}
		if err := runGit(ctx, dir, "clean", "-fd"); err != nil {
			slog.Warn("Worktree clean failed, using repo root", "dir", dir, "error", err)
			return repoRoot, false
		}
		linkConfigs(repoRoot, dir)
		return dir, true
	}

	var err error
	if branchExists(ctx, repoRoot, branch) {
		err = runGit(ctx, repoRoot, "worktree", "add", dir, branch)
	} else {
		err = runGit(ctx, repoRoot, "worktree", "add", "-b", branch, dir)
	}
	if err != nil {
		slog.Warn("Worktree creation failed, using repo root",
			"branch", branch, "error", err)
		return repoRoot, false
	}

	linkConfigs(repoRoot, dir)
	return dir, true
}

// removeWorktree drops a worktree after a clean completion.
func removeWorktree(ctx context.Context, repoRoot, issueID string) {
	dir := worktreeDir(repoRoot, branchForIssue(issueID))
	if err := runGit(ctx, repoRoot, "worktree", "remove", "--force", dir); err != nil {
		slog.Warn("Worktree removal failed", "dir", dir, "error", err)
	}
}

func branchExists(ctx context.Context, repoRoot, branch string) bool {
	return runGit(ctx, repoRoot, "show-ref", "--verify", "--quiet", "refs/heads/"+branch) == nil
}

// linkConfigs symlinks untracked config paths into the worktree. Existing
// targets are never overwritten; failures only warn.
func linkConfigs(repoRoot, dir string) {
	for _, name := range worktreeLinks {
		src := filepath.Join(repoRoot, name)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		dst := filepath.Join(dir, name)
		if _, err := os.Lstat(dst); err == nil {
			continue
		}
		if err := os.Symlink(src, dst); err != nil {
			slog.Warn("Config symlink failed", "target", dst, "error", err)
		}
	}
}

func runGit(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(output))
		if msg == "" {
			msg = err.Error()
		}
		return fmt.Errorf("git %s: %s", strings.Join(args, " "), msg)
	}
	return nil
}
