// Package git wraps the git CLI for the worktree coordinator, shelling out
// rather than depending on a Go git library.
package git

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Git runs git subcommands rooted at a repository's working directory.
type Git struct {
	RepoRoot string
}

// New returns a Git bound to repoRoot.
func New(repoRoot string) *Git {
	return &Git{RepoRoot: repoRoot}
}

// WorktreeEntry is one row of `git worktree list --porcelain`.
type WorktreeEntry struct {
	Path   string
	Branch string
	Head   string
}

// ListWorktrees parses `git worktree list --porcelain` output.
func (g *Git) ListWorktrees(ctx context.Context) ([]WorktreeEntry, error) {
	output, err := g.run(ctx, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("git: list worktrees: %w", err)
	}

	var entries []WorktreeEntry
	var current *WorktreeEntry
	for _, line := range strings.Split(output, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			if current != nil {
				entries = append(entries, *current)
			}
			current = &WorktreeEntry{Path: strings.TrimPrefix(line, "worktree ")}
		case strings.HasPrefix(line, "HEAD "):
			if current != nil {
				current.Head = strings.TrimPrefix(line, "HEAD ")
			}
		case strings.HasPrefix(line, "branch "):
			if current != nil {
				branch := strings.TrimPrefix(line, "branch ")
				current.Branch = strings.TrimPrefix(branch, "refs/heads/")
			}
		}
	}
	if current != nil {
		entries = append(entries, *current)
	}
	return entries, nil
}

// AddWorktreeFromBase creates a new worktree at path on a new branch cut
// from baseRef.
func (g *Git) AddWorktreeFromBase(ctx context.Context, path, branch, baseRef string) error {
	if _, err := g.run(ctx, "worktree", "add", "-b", branch, path, baseRef); err != nil {
		return fmt.Errorf("git: add worktree from %s: %w", baseRef, err)
	}
	return nil
}

// RemoveWorktree removes path's worktree, optionally forcing removal of
// uncommitted changes.
func (g *Git) RemoveWorktree(ctx context.Context, path string, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, path)
	if _, err := g.run(ctx, args...); err != nil {
		return fmt.Errorf("git: remove worktree %s: %w", path, err)
	}
	return nil
}

// DeleteBranch deletes a local branch, forcing if the branch has unmerged
// commits the caller has already decided to discard.
func (g *Git) DeleteBranch(ctx context.Context, branch string, force bool) error {
	flag := "-d"
	if force {
		flag = "-D"
	}
	if _, err := g.run(ctx, "branch", flag, branch); err != nil {
		return fmt.Errorf("git: delete branch %s: %w", branch, err)
	}
	return nil
}

// PruneWorktrees removes administrative files for worktrees whose
// directories are gone.
func (g *Git) PruneWorktrees(ctx context.Context) error {
	if _, err := g.run(ctx, "worktree", "prune"); err != nil {
		return fmt.Errorf("git: prune worktrees: %w", err)
	}
	return nil
}

// MergeBranch merges branch into the current HEAD of the repository root
// working tree and returns the resulting commit hash.
func (g *Git) MergeBranch(ctx context.Context, branch string) (string, error) {
	if _, err := g.run(ctx, "merge", "--no-ff", branch); err != nil {
		return "", fmt.Errorf("git: merge %s: %w", branch, err)
	}
	out, err := g.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("git: resolve merge commit: %w", err)
	}
	return strings.TrimSpace(out), nil
}

func (g *Git) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if g.RepoRoot != "" {
		cmd.Dir = g.RepoRoot
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %s", strings.Join(args, " "), strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}
