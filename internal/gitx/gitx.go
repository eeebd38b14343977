// Package gitx reads repository state straight from the .git control
// directory, falling back to the git binary only for commit metadata.
package gitx

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// IsRepo reports whether path is the root of a git repository.
func IsRepo(path string) bool {
	fi, err := os.Stat(filepath.Join(path, ".git"))
	if err != nil {
		return false
	}
	// .git may be a file for worktrees/submodules
	return fi.IsDir() || fi.Mode().IsRegular()
}

// RepoRoot walks up from path to find the enclosing repository root.
func RepoRoot(path string) (string, bool) {
	current, err := filepath.Abs(path)
	if err != nil {
		return "", false
	}

	for {
		if IsRepo(current) {
			return current, true
		}
		parent := filepath.Dir(current)
		if parent == current {
			return "", false
		}
		current = parent
	}
}

// GitDir resolves the control directory for a repository, following the
// "gitdir:" indirection used by worktrees.
func GitDir(repoPath string) (string, error) {
	dotGit := filepath.Join(repoPath, ".git")

	fi, err := os.Stat(dotGit)
	if err != nil {
		return "", fmt.Errorf("stat .git: %w", err)
	}
	if fi.IsDir() {
		return dotGit, nil
	}

	data, err := os.ReadFile(dotGit)
	if err != nil {
		return "", fmt.Errorf("read .git file: %w", err)
	}

	line := strings.TrimSpace(string(data))
	const prefix = "gitdir:"
	if !strings.HasPrefix(line, prefix) {
		return "", fmt.Errorf("unrecognized .git file in %s", repoPath)
	}

	dir := strings.TrimSpace(strings.TrimPrefix(line, prefix))
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(repoPath, dir)
	}
	return dir, nil
}

// CurrentBranch reads the checked-out branch from .git/HEAD. A detached
// HEAD yields the short commit hash.
func CurrentBranch(repoPath string) (string, error) {
	gitDir, err := GitDir(repoPath)
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(filepath.Join(gitDir, "HEAD"))
	if err != nil {
		return "", fmt.Errorf("read HEAD: %w", err)
	}

	head := strings.TrimSpace(string(data))
	if ref, ok := strings.CutPrefix(head, "ref: "); ok {
		return strings.TrimPrefix(ref, "refs/heads/"), nil
	}

	// Detached HEAD: bare commit hash
	if len(head) >= 8 {
		return head[:8], nil
	}
	return head, nil
}

// HeadCommit reads the hash of the most recent commit from the HEAD reflog.
// Returns ("", nil) for a repository with no commits yet.
func HeadCommit(repoPath string) (string, error) {
	gitDir, err := GitDir(repoPath)
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(filepath.Join(gitDir, "logs", "HEAD"))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read HEAD reflog: %w", err)
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	last := lines[len(lines)-1]

	// Reflog format: old-hash new-hash author timestamp\tmessage
	parts := strings.SplitN(last, " ", 3)
	if len(parts) < 2 {
		return "", nil
	}
	return parts[1], nil
}

// CommitMessage returns the subject line of a commit.
func CommitMessage(repoPath, hash string) (string, error) {
	return runGit(repoPath, "log", "-1", "--format=%s", hash)
}

// RepoName returns the display name of the repository (directory name).
func RepoName(repoPath string) string {
	return filepath.Base(repoPath)
}

func runGit(repoPath string, args ...string) (string, error) {
	cmd := exec.Command("git", append([]string{"-C", repoPath}, args...)...)
	output, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(output)), nil
}
