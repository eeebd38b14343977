package watch

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRepo fabricates a working tree with a minimal .git control directory.
func fakeRepo(t *testing.T, branch string) string {
	t.Helper()
	root := t.TempDir()
	gitDir := filepath.Join(root, ".git")
	require.NoError(t, os.MkdirAll(filepath.Join(gitDir, "logs"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(gitDir, "HEAD"), []byte("ref: refs/heads/"+branch+"\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(gitDir, "logs", "HEAD"),
		[]byte("0000000 aaaa111 Dev <dev@example.com> 1700000000 +0000\tcommit (initial): start\n"), 0644))
	return root
}

func startWatcher(t *testing.T, root string) (*RepoWatcher, chan Event) {
	t.Helper()
	events := make(chan Event, 32)
	w, err := NewRepoWatcher(1, root, events, 50*time.Millisecond, func(int64, error) {})
	require.NoError(t, err)
	require.NoError(t, w.Start())
	t.Cleanup(func() { w.Stop() })
	return w, events
}

func awaitKind(t *testing.T, events chan Event, kind Kind) Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", kind)
			return Event{}
		}
	}
}

func TestWatcher_FileChangeDebounced(t *testing.T) {
	root := fakeRepo(t, "main")
	w, events := startWatcher(t, root)

	require.NoError(t, os.WriteFile(filepath.Join(root, "main.go"), []byte("package main\n"), 0644))

	// First activity announces the watch
	entered := awaitKind(t, events, Entered)
	assert.Equal(t, int64(1), entered.RepoID)
	assert.Equal(t, "main", entered.Branch)

	ev := awaitKind(t, events, FileChanged)
	assert.Equal(t, "main.go", ev.Path)
	assert.Equal(t, "main", ev.Branch)
	assert.Equal(t, root, ev.RepoPath)
	assert.Equal(t, "main", w.Branch())
}

func TestWatcher_RapidWritesCollapse(t *testing.T) {
	root := fakeRepo(t, "main")
	_, events := startWatcher(t, root)

	path := filepath.Join(root, "main.go")
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte("package main\n"), 0644))
		time.Sleep(5 * time.Millisecond)
	}

	awaitKind(t, events, FileChanged)

	// The burst quiets down; no second event for the same path
	select {
	case ev := <-events:
		assert.NotEqual(t, FileChanged, ev.Kind, "burst of writes should emit one FileChanged")
	case <-time.After(600 * time.Millisecond):
	}
}

func TestWatcher_IgnoredDirectories(t *testing.T) {
	root := fakeRepo(t, "main")
	vendored := filepath.Join(root, "vendor", "dep")
	require.NoError(t, os.MkdirAll(vendored, 0755))
	_, events := startWatcher(t, root)

	require.NoError(t, os.WriteFile(filepath.Join(vendored, "dep.go"), []byte("package dep\n"), 0644))

	select {
	case ev := <-events:
		t.Fatalf("unexpected event for vendored file: %v %s", ev.Kind, ev.Path)
	case <-time.After(600 * time.Millisecond):
	}
}

func TestWatcher_BranchChange(t *testing.T) {
	root := fakeRepo(t, "main")
	w, events := startWatcher(t, root)

	require.NoError(t, os.WriteFile(filepath.Join(root, ".git", "HEAD"),
		[]byte("ref: refs/heads/feature/ABC-42-login\n"), 0644))

	ev := awaitKind(t, events, BranchChanged)
	assert.Equal(t, "main", ev.PrevBranch)
	assert.Equal(t, "feature/ABC-42-login", ev.Branch)
	assert.Equal(t, "feature/ABC-42-login", w.Branch())
}

func TestWatcher_CommitDetected(t *testing.T) {
	root := fakeRepo(t, "main")
	_, events := startWatcher(t, root)

	reflog := filepath.Join(root, ".git", "logs", "HEAD")
	f, err := os.OpenFile(reflog, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString("aaaa111 bbbb222 Dev <dev@example.com> 1700000100 +0000\tcommit: add login form\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	ev := awaitKind(t, events, CommitDetected)
	assert.Equal(t, "bbbb222", ev.Commit)
	assert.Equal(t, "main", ev.Branch)
}

func TestWatcher_CheckoutDoesNotLookLikeCommit(t *testing.T) {
	root := fakeRepo(t, "main")
	_, events := startWatcher(t, root)

	// A checkout rewrites HEAD and appends a reflog entry
	require.NoError(t, os.WriteFile(filepath.Join(root, ".git", "HEAD"),
		[]byte("ref: refs/heads/feature/ABC-1-x\n"), 0644))
	f, err := os.OpenFile(filepath.Join(root, ".git", "logs", "HEAD"), os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	f.WriteString("aaaa111 aaaa111 Dev <dev@example.com> 1700000200 +0000\tcheckout: moving from main to feature/ABC-1-x\n")
	require.NoError(t, f.Close())

	awaitKind(t, events, BranchChanged)

	select {
	case ev := <-events:
		assert.NotEqual(t, CommitDetected, ev.Kind, "checkout must not register as a commit")
	case <-time.After(600 * time.Millisecond):
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	root := fakeRepo(t, "main")
	w, _ := startWatcher(t, root)

	assert.True(t, w.IsRunning())
	require.NoError(t, w.Stop())
	assert.False(t, w.IsRunning())
	assert.NoError(t, w.Stop())
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "entered", Entered.String())
	assert.Equal(t, "file_changed", FileChanged.String())
	assert.Equal(t, "commit_detected", CommitDetected.String())
	assert.Equal(t, "branch_changed", BranchChanged.String())
}
