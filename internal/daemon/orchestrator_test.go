package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devpeace/devpeace/internal/config"
	"github.com/devpeace/devpeace/internal/models"
	"github.com/devpeace/devpeace/internal/store"
)

func fakeRepo(t *testing.T, branch string) string {
	t.Helper()
	root := t.TempDir()
	gitDir := filepath.Join(root, ".git")
	require.NoError(t, os.MkdirAll(filepath.Join(gitDir, "logs"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(gitDir, "HEAD"), []byte("ref: refs/heads/"+branch+"\n"), 0644))
	return root
}

// startOrchestrator runs an orchestrator loop against a scratch store and
// stops it when the test ends.
func startOrchestrator(t *testing.T) (*Orchestrator, *store.Store) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Service.DataDir = t.TempDir()
	cfg.Tracking.TickSeconds = 1

	st, err := store.Open(cfg.DatabasePath())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	orch := New(cfg, "", st)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- orch.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("orchestrator did not stop")
		}
	})

	return orch, st
}

func TestOrchestrator_AddListRemoveRepo(t *testing.T) {
	orch, _ := startOrchestrator(t)
	root := fakeRepo(t, "main")

	repo, err := orch.AddRepo(root)
	require.NoError(t, err)
	assert.Equal(t, filepath.Base(root), repo.Name)
	assert.True(t, repo.Enabled)

	_, err = orch.AddRepo(root)
	assert.Error(t, err, "double registration must be rejected")

	repos, err := orch.ListRepos()
	require.NoError(t, err)
	require.Len(t, repos, 1)
	assert.True(t, repos[0].Watching)
	assert.Nil(t, repos[0].Session)

	require.NoError(t, orch.RemoveRepo(repo.ID))
	repos, err = orch.ListRepos()
	require.NoError(t, err)
	assert.Empty(t, repos)
}

func TestOrchestrator_AddRepoResolvesRoot(t *testing.T) {
	orch, _ := startOrchestrator(t)
	root := fakeRepo(t, "main")
	nested := filepath.Join(root, "internal", "deep")
	require.NoError(t, os.MkdirAll(nested, 0755))

	repo, err := orch.AddRepo(nested)
	require.NoError(t, err)
	assert.Equal(t, root, repo.Path)
}

func TestOrchestrator_AddRepoRejectsNonRepo(t *testing.T) {
	orch, _ := startOrchestrator(t)
	_, err := orch.AddRepo(t.TempDir())
	assert.Error(t, err)
}

func TestOrchestrator_Status(t *testing.T) {
	orch, _ := startOrchestrator(t)

	st, err := orch.GetStatus()
	require.NoError(t, err)
	assert.True(t, st.Watching)
	assert.Equal(t, 0, st.Repos)
	assert.False(t, st.JiraConfigured)
	assert.False(t, st.AuthBlocked)
}

func TestOrchestrator_StopStartWatch(t *testing.T) {
	orch, _ := startOrchestrator(t)
	root := fakeRepo(t, "main")

	_, err := orch.AddRepo(root)
	require.NoError(t, err)

	require.NoError(t, orch.StopWatch())
	st, err := orch.GetStatus()
	require.NoError(t, err)
	assert.False(t, st.Watching)

	repos, err := orch.ListRepos()
	require.NoError(t, err)
	require.Len(t, repos, 1)
	assert.False(t, repos[0].Watching)

	require.NoError(t, orch.StartWatch())
	repos, err = orch.ListRepos()
	require.NoError(t, err)
	assert.True(t, repos[0].Watching)
}

func TestOrchestrator_AssociateOrphan(t *testing.T) {
	orch, st := startOrchestrator(t)

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, st.InsertOrphan(&models.OrphanRecord{
		ID:        "orphan-1",
		RepoName:  "myproject",
		Branch:    "experiments",
		Duration:  20 * time.Minute,
		Comment:   "worked on myproject",
		StartedAt: now.Add(-20 * time.Minute),
		ClosedAt:  now,
	}))

	orphans, err := orch.Orphans()
	require.NoError(t, err)
	require.Len(t, orphans, 1)

	entry, err := orch.AssociateOrphan("orphan-1", "abc-42")
	require.NoError(t, err)
	assert.Equal(t, "ABC-42", entry.IssueKey)
	assert.Equal(t, 20*time.Minute, entry.Duration)
	assert.Equal(t, models.StatusPending, entry.Status)

	orphans, err = orch.Orphans()
	require.NoError(t, err)
	assert.Empty(t, orphans)

	// Same orphan cannot be spent twice
	_, err = orch.AssociateOrphan("orphan-1", "ABC-42")
	assert.Error(t, err)

	_, err = orch.AssociateOrphan("missing", "ABC-42")
	assert.Error(t, err)

	_, err = orch.AssociateOrphan("orphan-1", "not a key")
	assert.Error(t, err)
}

func TestOrchestrator_RetryWorklog(t *testing.T) {
	orch, st := startOrchestrator(t)

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, st.InsertWorklog(&models.WorklogEntry{
		ID: "e1", IssueKey: "ABC-1", RepoName: "p", Duration: time.Hour,
		StartedAt: now.Add(-time.Hour), ClosedAt: now,
		Status: models.StatusFailed, Attempts: 5,
	}))

	require.NoError(t, orch.RetryWorklog("e1"))

	e, err := st.GetWorklog("e1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, e.Status)
	assert.Equal(t, 0, e.Attempts)

	// Pending entries are not retryable, only failed and needs_review
	assert.Error(t, orch.RetryWorklog("e1"))
	assert.Error(t, orch.RetryWorklog("missing"))
}

func TestPersistClosed_RetriesAfterStoreOutage(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Service.DataDir = t.TempDir()

	st, err := store.Open(cfg.DatabasePath())
	require.NoError(t, err)

	orch := New(cfg, "", st)
	orch.repoNames[1] = "myproject"

	require.NoError(t, st.Close())

	end := time.Now()
	sess := &models.Session{
		RepoID: 1, Branch: "feature/ABC-42-login", IssueKey: "ABC-42",
		StartedAt: end.Add(-30 * time.Minute), LastActivity: end, EndedAt: &end,
	}
	orch.persistClosed(sess)
	require.Len(t, orch.retryClosed, 1, "a failed write must stay queued, not vanish")

	reopened, err := store.Open(cfg.DatabasePath())
	require.NoError(t, err)
	t.Cleanup(func() { reopened.Close() })
	orch.st = reopened

	orch.flushUnsaved()
	assert.Empty(t, orch.retryClosed)

	pending, err := reopened.PendingWorklogs()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "ABC-42", pending[0].IssueKey)
	assert.Equal(t, 30*time.Minute, pending[0].Duration)
}

func TestRecover_ClosesSessionWhenBranchMoved(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Service.DataDir = t.TempDir()
	cfg.Tracking.TickSeconds = 1

	st, err := store.Open(cfg.DatabasePath())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	root := fakeRepo(t, "unrelated-work")
	repo, err := st.AddRepo(root, "myproject")
	require.NoError(t, err)

	last := time.Now().Add(-5 * time.Minute)
	require.NoError(t, st.CreateSession(&models.Session{
		RepoID: repo.ID, Branch: "feature/ABC-42-login", IssueKey: "ABC-42",
		StartedAt: last.Add(-30 * time.Minute), LastActivity: last,
	}))

	orch := New(cfg, "", st)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- orch.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("orchestrator did not stop")
		}
	})

	// HEAD no longer matches the persisted session, so recovery closes
	// it instead of letting new activity extend the stale issue key
	status, err := orch.GetStatus()
	require.NoError(t, err)
	assert.Empty(t, status.OpenSessions)

	open, err := st.OpenSessions()
	require.NoError(t, err)
	assert.Empty(t, open)

	pending, err := st.PendingWorklogs()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "ABC-42", pending[0].IssueKey)
	assert.Equal(t, 30*time.Minute, pending[0].Duration)
}
