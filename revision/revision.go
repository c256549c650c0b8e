// Package revision captures the git state of a source tree at publish time.
package revision

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/git-pkgs/depot/internal/core"
)

var (
	ErrNotRepository = errors.New("not a git repository")
	ErrGitMissing    = errors.New("git executable not found")
)

// Capturer runs git in a directory.
type Capturer struct {
	git string
}

// New returns a Capturer using the git found on PATH.
func New() *Capturer {
	return &Capturer{git: "git"}
}

// WithExecutable returns a Capturer that runs path instead of "git".
func WithExecutable(path string) *Capturer {
	return &Capturer{git: path}
}

// Capture is New().Capture.
func Capture(ctx context.Context, dir string) (*core.RevisionInfo, error) {
	return New().Capture(ctx, dir)
}

// Capture reads HEAD's commit, branch, tag, author and dirty state for dir.
// Branch and tag are empty when HEAD is detached or untagged.
func (c *Capturer) Capture(ctx context.Context, dir string) (*core.RevisionInfo, error) {
	if _, err := exec.LookPath(c.git); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGitMissing, err)
	}
	if _, err := c.run(ctx, dir, "rev-parse", "--git-dir"); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotRepository, dir)
	}

	commit, err := c.run(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return nil, err
	}
	short, err := c.run(ctx, dir, "rev-parse", "--short", "HEAD")
	if err != nil {
		return nil, err
	}

	info := &core.RevisionInfo{CommitHash: commit, CommitShort: short}

	if branch, err := c.run(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD"); err == nil && branch != "HEAD" {
		info.Branch = branch
	}
	// exits non-zero when HEAD carries no tag
	if tag, err := c.run(ctx, dir, "describe", "--tags", "--abbrev=0", "--exact-match"); err == nil {
		info.Tag = tag
	}

	logOut, err := c.run(ctx, dir, "log", "-1", "--pretty=format:%an%x00%ae%x00%cI%x00%s")
	if err != nil {
		return nil, err
	}
	if parts := strings.SplitN(logOut, "\x00", 4); len(parts) == 4 {
		info.Author = parts[0]
		info.AuthorEmail = parts[1]
		if t, err := time.Parse(time.RFC3339, parts[2]); err == nil {
			utc := t.UTC()
			info.CommitTime = &utc
		}
		info.CommitMessage = parts[3]
	}

	status, err := c.run(ctx, dir, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	info.IsDirty = status != ""

	remotes, err := c.run(ctx, dir, "remote", "-v")
	if err != nil {
		return nil, err
	}
	info.Remotes = parseRemotes(remotes)

	return info, nil
}

// parseRemotes reads `git remote -v` output, keeping one entry per remote
// name in first-seen order.
func parseRemotes(out string) []core.Remote {
	var remotes []core.Remote
	seen := make(map[string]bool)
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 || seen[fields[0]] {
			continue
		}
		seen[fields[0]] = true
		remotes = append(remotes, core.Remote{Name: fields[0], URL: fields[1]})
	}
	return remotes
}

func (c *Capturer) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, c.git, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "LC_ALL=C")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(string(out)), nil
}
