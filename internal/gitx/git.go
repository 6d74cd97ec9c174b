// Package gitx wraps the git plumbing the control plane needs: worktree
// management, branch management, commit resolution, merging, and guarded
// pushes. All invocations go through the subprocess supervisor.
package gitx

import (
	"context"
	"fmt"
	"strings"
	"time"

	"codexplane.io/controlplane/internal/execx"
)

const defaultTimeout = 60 * time.Second

// Client runs git commands against one repository root.
type Client struct {
	repoRoot    string
	sup         *execx.Supervisor
	authorName  string
	authorEmail string
}

// CommandError carries git's stderr tail for error surfacing.
type CommandError struct {
	Args   []string
	Output string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("git_command_failed: git %s: %s", strings.Join(e.Args, " "), strings.TrimSpace(e.Output))
}

// NewClient creates a git client for the repository root. The supervisor
// policy is internal: only git runs, with a minimal environment.
func NewClient(repoRoot, authorName, authorEmail string) *Client {
	return &Client{
		repoRoot: repoRoot,
		sup: execx.NewSupervisor(execx.Policy{
			AllowedCommands: []string{"git"},
			EnvAllowlist:    []string{"PATH", "HOME", "LANG", "LC_ALL", "TMPDIR"},
		}),
		authorName:  authorName,
		authorEmail: authorEmail,
	}
}

// RepoRoot returns the repository root path.
func (c *Client) RepoRoot() string {
	return c.repoRoot
}

func (c *Client) run(ctx context.Context, dir string, timeout time.Duration, args ...string) (string, error) {
	if dir == "" {
		dir = c.repoRoot
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	res, err := c.sup.Run(ctx, execx.Options{
		Argv:    append([]string{"git"}, args...),
		Dir:     dir,
		Timeout: timeout,
		EnvOverlay: map[string]string{
			"GIT_AUTHOR_NAME":     c.authorName,
			"GIT_AUTHOR_EMAIL":    c.authorEmail,
			"GIT_COMMITTER_NAME":  c.authorName,
			"GIT_COMMITTER_EMAIL": c.authorEmail,
		},
	})
	if err != nil {
		return "", fmt.Errorf("run git %s: %w", strings.Join(args, " "), err)
	}
	if res.Failed() {
		return res.Output, &CommandError{Args: args, Output: res.OutputExcerpt}
	}
	return res.Output, nil
}

// RevParse resolves a ref to a SHA in the given directory.
func (c *Client) RevParse(ctx context.Context, dir, ref string) (string, error) {
	out, err := c.run(ctx, dir, 0, "rev-parse", ref)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Head resolves HEAD in the given directory.
func (c *Client) Head(ctx context.Context, dir string) (string, error) {
	return c.RevParse(ctx, dir, "HEAD")
}

// CurrentBranch returns the checked-out branch name.
func (c *Client) CurrentBranch(ctx context.Context, dir string) (string, error) {
	out, err := c.run(ctx, dir, 0, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// BranchExists reports whether a local branch exists.
func (c *Client) BranchExists(ctx context.Context, branch string) (bool, error) {
	_, err := c.run(ctx, c.repoRoot, 0, "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	if err != nil {
		var cmdErr *CommandError
		if asCommandError(err, &cmdErr) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// CreateBranch creates a local branch at the current HEAD.
func (c *Client) CreateBranch(ctx context.Context, branch string) error {
	_, err := c.run(ctx, c.repoRoot, 0, "branch", branch)
	return err
}

// DeleteBranch force-deletes a local branch.
func (c *Client) DeleteBranch(ctx context.Context, branch string) error {
	_, err := c.run(ctx, c.repoRoot, 0, "branch", "-D", branch)
	return err
}

// Switch checks out a branch in the given directory.
func (c *Client) Switch(ctx context.Context, dir, branch string) error {
	_, err := c.run(ctx, dir, 0, "switch", branch)
	return err
}

// WorktreeEntry is one worktree from `git worktree list --porcelain`.
type WorktreeEntry struct {
	Path   string
	Branch string // short branch name, empty when detached
}

// WorktreeList parses the registered worktrees of the repository.
func (c *Client) WorktreeList(ctx context.Context) ([]WorktreeEntry, error) {
	out, err := c.run(ctx, c.repoRoot, 0, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return parseWorktreePorcelain(out), nil
}

// WorktreeAdd registers a worktree at path checked out on branch.
func (c *Client) WorktreeAdd(ctx context.Context, path, branch string) error {
	_, err := c.run(ctx, c.repoRoot, 0, "worktree", "add", path, branch)
	return err
}

// WorktreeRemove unregisters and deletes a worktree.
func (c *Client) WorktreeRemove(ctx context.Context, path string) error {
	_, err := c.run(ctx, c.repoRoot, 0, "worktree", "remove", "--force", path)
	return err
}

// StatusPorcelain returns the porcelain status of a worktree.
func (c *Client) StatusPorcelain(ctx context.Context, dir string) (string, error) {
	return c.run(ctx, dir, 0, "status", "--porcelain")
}

// AddAll stages every change in a worktree.
func (c *Client) AddAll(ctx context.Context, dir string) error {
	_, err := c.run(ctx, dir, 0, "add", "-A")
	return err
}

// Commit creates a commit in a worktree.
func (c *Client) Commit(ctx context.Context, dir, message string) error {
	_, err := c.run(ctx, dir, 0, "commit", "-m", message)
	return err
}

// MergeNoFF merges a SHA into the current branch with a merge commit.
func (c *Client) MergeNoFF(ctx context.Context, sha string) (string, error) {
	return c.run(ctx, c.repoRoot, 0, "merge", "--no-ff", "--no-edit", sha)
}

// MergeAbort aborts an in-progress merge.
func (c *Client) MergeAbort(ctx context.Context) error {
	_, err := c.run(ctx, c.repoRoot, 0, "merge", "--abort")
	return err
}

// RemoteGetURL returns the URL of a remote.
func (c *Client) RemoteGetURL(ctx context.Context, remote string) (string, error) {
	out, err := c.run(ctx, c.repoRoot, 0, "remote", "get-url", remote)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// FetchPrune fetches a remote with pruning.
func (c *Client) FetchPrune(ctx context.Context, remote string, timeout time.Duration) error {
	_, err := c.run(ctx, c.repoRoot, timeout, "fetch", "--prune", remote)
	return err
}

// IsAncestor reports whether ancestor is reachable from descendant.
func (c *Client) IsAncestor(ctx context.Context, ancestor, descendant string) (bool, error) {
	_, err := c.run(ctx, c.repoRoot, 0, "merge-base", "--is-ancestor", ancestor, descendant)
	if err != nil {
		var cmdErr *CommandError
		if asCommandError(err, &cmdErr) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Push pushes a local ref to a remote branch, optionally as a dry run.
func (c *Client) Push(ctx context.Context, remote, localRef, remoteBranch string, dryRun bool, timeout time.Duration) (string, error) {
	args := []string{"push", "--porcelain"}
	if dryRun {
		args = append(args, "--dry-run")
	}
	args = append(args, remote, localRef+":refs/heads/"+remoteBranch)
	return c.run(ctx, c.repoRoot, timeout, args...)
}

func parseWorktreePorcelain(out string) []WorktreeEntry {
	var entries []WorktreeEntry
	var cur *WorktreeEntry
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "worktree "):
			if cur != nil {
				entries = append(entries, *cur)
			}
			cur = &WorktreeEntry{Path: strings.TrimPrefix(line, "worktree ")}
		case strings.HasPrefix(line, "branch ") && cur != nil:
			cur.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		case line == "" && cur != nil:
			entries = append(entries, *cur)
			cur = nil
		}
	}
	if cur != nil {
		entries = append(entries, *cur)
	}
	return entries
}

func asCommandError(err error, target **CommandError) bool {
	if e, ok := err.(*CommandError); ok {
		*target = e
		return true
	}
	return false
}
