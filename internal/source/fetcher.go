package source

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/slipway-sh/slipway/internal/logging"
)

// Checkout is one fetched working copy. Callers must Close it when the run
// finishes, on every path.
type Checkout struct {
	Dir    string
	Commit string
}

// Close removes the working directory.
func (c *Checkout) Close() error {
	if c == nil || c.Dir == "" {
		return nil
	}
	return os.RemoveAll(c.Dir)
}

// Fetcher shallow-clones git repositories into isolated directories under a
// base working directory.
type Fetcher struct {
	baseDir string
}

// NewFetcher creates a fetcher rooted at baseDir, creating it if needed.
func NewFetcher(baseDir string) (*Fetcher, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("could not create work directory: %w", err)
	}
	return &Fetcher{baseDir: baseDir}, nil
}

// BaseDir returns the directory checkouts are created under.
func (f *Fetcher) BaseDir() string { return f.baseDir }

// Fetch shallow-clones branch of repoURL, optionally pinned to commit, and
// returns the checkout with its resolved commit. The directory is removed
// on any error.
func (f *Fetcher) Fetch(ctx context.Context, repoURL, branch, commit string) (*Checkout, error) {
	dir, err := os.MkdirTemp(f.baseDir, "checkout-*")
	if err != nil {
		return nil, fmt.Errorf("could not create checkout directory: %w", err)
	}

	cleanup := func(err error) (*Checkout, error) {
		os.RemoveAll(dir)
		return nil, err
	}

	args := []string{"clone", "--depth", "1", "--single-branch"}
	if branch != "" {
		args = append(args, "--branch", branch)
	}
	args = append(args, repoURL, dir)
	if _, err := runGit(ctx, "", args...); err != nil {
		return cleanup(fmt.Errorf("could not clone '%s': %w", repoURL, err))
	}

	if commit != "" {
		if _, err := runGit(ctx, dir, "fetch", "--depth", "1", "origin", commit); err != nil {
			return cleanup(fmt.Errorf("could not fetch commit %s: %w", commit, err))
		}
		if _, err := runGit(ctx, dir, "checkout", commit); err != nil {
			return cleanup(fmt.Errorf("could not checkout commit %s: %w", commit, err))
		}
	}

	head, err := runGit(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return cleanup(fmt.Errorf("could not resolve HEAD: %w", err))
	}

	logging.L().Debug("fetched source",
		zap.String("repo", repoURL),
		zap.String("commit", head),
		zap.String("dir", dir))
	return &Checkout{Dir: dir, Commit: head}, nil
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	var out, errOut bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errOut
	if err := cmd.Run(); err != nil {
		// A kill by context cancellation surfaces as "signal: killed";
		// report the context error so callers can classify it.
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		if msg := strings.TrimSpace(errOut.String()); msg != "" {
			return "", fmt.Errorf("git %s: %s: %w", args[0], msg, err)
		}
		return "", fmt.Errorf("git %s: %w", args[0], err)
	}
	return strings.TrimSpace(out.String()), nil
}
