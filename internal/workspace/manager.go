// Package workspace clones target repositories into isolated per-task paths.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relaydev/relay/internal/common/logger"
)

var (
	// ErrCloneFailed is returned when git cannot produce a usable checkout.
	ErrCloneFailed = errors.New("clone failed")
	// ErrAuthFailed is returned when the remote rejects our credentials.
	ErrAuthFailed = errors.New("repository auth failed")
	// ErrDiskFull is returned when the filesystem is out of space.
	ErrDiskFull = errors.New("disk full")
)

// templateDir is the shared clone each task workspace is a worktree of.
const templateDir = ".template"

// Config holds workspace manager settings.
type Config struct {
	Root         string
	ReaperMaxAge time.Duration
}

// Manager clones and hands out per-task repository workspaces.
//
// Layout: <root>/<installation>/<repo>/.template is a shallow clone shared
// by all tasks for that repository; each task gets a detached worktree at
// <root>/<installation>/<repo>/<task-id>.
type Manager struct {
	cfg Config
	log *logger.Logger

	// repoMus serializes clone/fetch per repository directory so concurrent
	// tasks for the same repo don't race a full clone.
	repoMus sync.Map
}

// NewManager creates a workspace manager rooted at cfg.Root.
func NewManager(cfg Config, log *logger.Logger) (*Manager, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("workspace root is required")
	}
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Manager{
		cfg: cfg,
		log: log.WithFields(zap.String("component", "workspace")),
	}, nil
}

// repoMu returns (or lazily creates) the mutex for a repository path.
func (m *Manager) repoMu(path string) *sync.Mutex {
	mu, _ := m.repoMus.LoadOrStore(path, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Acquire prepares an isolated workspace for a task, cloning or refreshing
// the repository template first. Returns the workspace path.
func (m *Manager) Acquire(ctx context.Context, installationID, repo, cloneURL, targetRef, taskID string) (string, error) {
	repoDir := filepath.Join(m.cfg.Root, installationID, sanitizeRepo(repo))
	template := filepath.Join(repoDir, templateDir)
	taskPath := filepath.Join(repoDir, taskID)

	mu := m.repoMu(repoDir)
	mu.Lock()
	defer mu.Unlock()

	if err := m.ensureTemplate(ctx, template, cloneURL, targetRef); err != nil {
		return "", err
	}

	// A stale directory from a crashed attempt is replaced wholesale.
	if _, err := os.Stat(taskPath); err == nil {
		_ = os.RemoveAll(taskPath)
		m.pruneWorktrees(ctx, template)
	}

	ref := targetRef
	if ref == "" {
		ref = "HEAD"
	}
	if out, err := m.git(ctx, template, "worktree", "add", "--detach", taskPath, ref); err != nil {
		// Shallow templates may not carry the ref yet; unshallow on demand
		// and retry once.
		if uout, uerr := m.git(ctx, template, "fetch", "--unshallow", "origin"); uerr != nil {
			m.log.Debug("unshallow fetch failed", zap.String("output", uout), zap.Error(uerr))
		}
		if out2, err2 := m.git(ctx, template, "worktree", "add", "--detach", taskPath, ref); err2 != nil {
			return "", classifyGitError(out+"\n"+out2, err2)
		}
	}

	m.log.Info("workspace acquired",
		zap.String("task_id", taskID),
		zap.String("repo", repo),
		zap.String("ref", ref),
		zap.String("path", taskPath))
	return taskPath, nil
}

// ensureTemplate clones the repository template at depth 1 for the target
// ref, or fetches the ref when the template already exists.
func (m *Manager) ensureTemplate(ctx context.Context, template, cloneURL, targetRef string) error {
	gitDir := filepath.Join(template, ".git")
	if info, err := os.Stat(gitDir); err == nil && info.IsDir() {
		args := []string{"fetch", "--depth", "1", "origin"}
		if targetRef != "" {
			args = append(args, targetRef)
		}
		if out, err := m.git(ctx, template, args...); err != nil {
			// Fetch failure on an existing template is non-fatal; the
			// worktree step will fail loudly if the ref is unusable.
			m.log.Warn("template fetch failed", zap.String("output", out), zap.Error(err))
		}
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(template), 0o755); err != nil {
		return fmt.Errorf("create repo directory: %w", err)
	}

	args := []string{"clone", "--depth", "1"}
	if targetRef != "" {
		args = append(args, "--branch", targetRef)
	}
	args = append(args, cloneURL, template)
	if out, err := m.git(ctx, "", args...); err != nil {
		return classifyGitError(out, err)
	}
	return nil
}

// Release deletes a task workspace. Advisory: callers invoke it on terminal
// transition; the reaper covers leaks.
func (m *Manager) Release(ctx context.Context, path string) {
	if path == "" {
		return
	}
	if err := os.RemoveAll(path); err != nil {
		m.log.Warn("failed to remove workspace", zap.String("path", path), zap.Error(err))
		return
	}
	m.pruneWorktrees(ctx, filepath.Join(filepath.Dir(path), templateDir))
}

// RunReaper deletes task workspaces older than the configured age until the
// context is cancelled. Templates are kept; only per-task directories are
// reaped, by age alone.
func (m *Manager) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reapOnce(ctx)
		}
	}
}

func (m *Manager) reapOnce(ctx context.Context) {
	cutoff := time.Now().Add(-m.cfg.ReaperMaxAge)
	installations, err := os.ReadDir(m.cfg.Root)
	if err != nil {
		return
	}
	for _, inst := range installations {
		if !inst.IsDir() {
			continue
		}
		repos, err := os.ReadDir(filepath.Join(m.cfg.Root, inst.Name()))
		if err != nil {
			continue
		}
		for _, repo := range repos {
			if !repo.IsDir() {
				continue
			}
			repoDir := filepath.Join(m.cfg.Root, inst.Name(), repo.Name())
			tasks, err := os.ReadDir(repoDir)
			if err != nil {
				continue
			}
			for _, t := range tasks {
				if !t.IsDir() || t.Name() == templateDir {
					continue
				}
				path := filepath.Join(repoDir, t.Name())
				info, err := os.Stat(path)
				if err != nil || info.ModTime().After(cutoff) {
					continue
				}
				m.log.Info("reaping stale workspace", zap.String("path", path))
				_ = os.RemoveAll(path)
				m.pruneWorktrees(ctx, filepath.Join(repoDir, templateDir))
			}
		}
	}
}

func (m *Manager) pruneWorktrees(ctx context.Context, template string) {
	if _, err := os.Stat(template); err != nil {
		return
	}
	if out, err := m.git(ctx, template, "worktree", "prune"); err != nil {
		m.log.Debug("worktree prune failed", zap.String("output", out), zap.Error(err))
	}
}

// git runs a git command, optionally inside dir, returning combined output.
func (m *Manager) git(ctx context.Context, dir string, args ...string) (string, error) {
	if dir != "" {
		args = append([]string{"-C", dir}, args...)
	}
	cmd := exec.CommandContext(ctx, "git", args...)
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// classifyGitError maps git output to the workspace error taxonomy.
func classifyGitError(output string, err error) error {
	lower := strings.ToLower(output)
	switch {
	case strings.Contains(lower, "authentication failed"),
		strings.Contains(lower, "could not read username"),
		strings.Contains(lower, "permission denied"):
		return fmt.Errorf("%w: %s", ErrAuthFailed, firstLine(output))
	case strings.Contains(lower, "no space left on device"):
		return fmt.Errorf("%w: %s", ErrDiskFull, firstLine(output))
	default:
		return fmt.Errorf("%w: %s: %v", ErrCloneFailed, firstLine(output), err)
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// sanitizeRepo flattens a repository full name into a single path element.
func sanitizeRepo(repo string) string {
	return strings.ReplaceAll(repo, "/", "__")
}
