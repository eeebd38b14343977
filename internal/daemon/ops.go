package daemon

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/devpeace/devpeace/internal/branch"
	"github.com/devpeace/devpeace/internal/config"
	"github.com/devpeace/devpeace/internal/gitx"
	"github.com/devpeace/devpeace/internal/jira"
	"github.com/devpeace/devpeace/internal/models"
	"github.com/devpeace/devpeace/internal/watch"
	"github.com/devpeace/devpeace/internal/worklog"
)

// Control operations. Each one runs on the orchestrator loop so it sees
// consistent state; callers may invoke them from any goroutine.

// AddRepo registers a repository and starts watching it.
func (o *Orchestrator) AddRepo(path string) (*models.Repo, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve path: %w", err)
	}
	if root, ok := gitx.RepoRoot(abs); ok {
		abs = root
	}
	if !gitx.IsRepo(abs) {
		return nil, fmt.Errorf("not a git repository: %s", abs)
	}

	name := gitx.RepoName(abs)
	if ov, err := config.LoadRepoOverride(abs); err == nil && ov != nil && ov.Name != "" {
		name = ov.Name
	}

	var repo *models.Repo
	var opErr error
	err = o.run(func() {
		if existing, err := o.st.GetRepoByPath(abs); err == nil && existing != nil {
			opErr = fmt.Errorf("repository already registered: %s", abs)
			return
		}

		repo, opErr = o.st.AddRepo(abs, name)
		if opErr != nil {
			return
		}
		o.repoNames[repo.ID] = repo.Name

		if o.watching {
			if err := o.startWatcher(repo); err != nil {
				o.log.Warn().Err(err).Str("path", abs).Msg("Repository added but watch failed")
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return repo, opErr
}

// RemoveRepo unregisters a repository. Its open session, if any, is
// closed and finalized first.
func (o *Orchestrator) RemoveRepo(id int64) error {
	var opErr error
	err := o.run(func() {
		if w, ok := o.watchers[id]; ok {
			_ = w.Stop()
			delete(o.watchers, id)
		}
		if s := o.tracker.CloseRepo(id, time.Now()); s != nil {
			o.persistClosed(s)
		}
		o.tracker.Forget(id)
		delete(o.repoNames, id)
		opErr = o.st.RemoveRepo(id)
	})
	if err != nil {
		return err
	}
	return opErr
}

// ListRepos returns registered repositories with their live watch state.
func (o *Orchestrator) ListRepos() ([]RepoView, error) {
	var out []RepoView
	var opErr error
	err := o.run(func() {
		repos, err := o.st.ListRepos()
		if err != nil {
			opErr = err
			return
		}
		out = make([]RepoView, 0, len(repos))
		for _, r := range repos {
			_, watching := o.watchers[r.ID]
			out = append(out, RepoView{
				Repo:     r,
				Watching: watching,
				Session:  o.tracker.Open(r.ID),
			})
		}
	})
	if err != nil {
		return nil, err
	}
	return out, opErr
}

// GetStatus returns a snapshot of the orchestrator state.
func (o *Orchestrator) GetStatus() (*Status, error) {
	var st *Status
	var opErr error
	err := o.run(func() {
		counts, err := o.st.CountAll()
		if err != nil {
			opErr = err
			return
		}
		st = &Status{
			Watching:       o.watching,
			Repos:          len(o.repoNames),
			OpenSessions:   o.tracker.OpenSessions(),
			Counts:         counts,
			Inflight:       o.queue.InflightCount(),
			AuthBlocked:    o.queue.Blocked(),
			JiraConfigured: o.client != nil,
		}
	})
	if err != nil {
		return nil, err
	}
	return st, opErr
}

// Orphans returns unresolved orphan records, newest first.
func (o *Orchestrator) Orphans() ([]*models.OrphanRecord, error) {
	var out []*models.OrphanRecord
	var opErr error
	err := o.run(func() {
		out, opErr = o.st.UnresolvedOrphans()
	})
	if err != nil {
		return nil, err
	}
	return out, opErr
}

// Worklogs returns worklog entries with the given status.
func (o *Orchestrator) Worklogs(status string) ([]*models.WorklogEntry, error) {
	var out []*models.WorklogEntry
	var opErr error
	err := o.run(func() {
		out, opErr = o.st.WorklogsByStatus(status)
	})
	if err != nil {
		return nil, err
	}
	return out, opErr
}

// AssociateOrphan assigns an issue key to an orphan record and queues
// the resulting worklog entry for submission.
func (o *Orchestrator) AssociateOrphan(id, issueKey string) (*models.WorklogEntry, error) {
	key, ok := branch.Normalize(issueKey)
	if !ok {
		return nil, fmt.Errorf("invalid issue key: %s", issueKey)
	}

	// Validate against the tracker up front when credentials exist, so
	// a typo surfaces here instead of as a needs_review entry later.
	if o.client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := o.client.GetIssue(ctx, key); err != nil {
			if jira.ClassOf(err) == jira.ClassNotFound {
				return nil, fmt.Errorf("issue not found: %s", key)
			}
			// Transient or auth trouble falls through; the queue
			// handles it on submission.
		}
	}

	var entry *models.WorklogEntry
	var opErr error
	err := o.run(func() {
		orphan, err := o.st.GetOrphan(id)
		if err != nil {
			opErr = err
			return
		}
		if orphan == nil {
			opErr = fmt.Errorf("orphan not found: %s", id)
			return
		}
		if orphan.Resolved {
			opErr = fmt.Errorf("orphan already resolved: %s", id)
			return
		}

		entry = worklog.FromOrphan(orphan, key)
		if opErr = o.st.AssociateOrphan(entry, id); opErr != nil {
			entry = nil
			return
		}
		o.log.Info().
			Str("orphan_id", id).
			Str("issue_key", key).
			Str("entry_id", entry.ID).
			Msg("Orphan associated")
		o.dispatch(time.Now())
	})
	if err != nil {
		return nil, err
	}
	return entry, opErr
}

// RetryWorklog requeues a failed or needs-review entry.
func (o *Orchestrator) RetryWorklog(id string) error {
	var opErr error
	err := o.run(func() {
		e, err := o.st.GetWorklog(id)
		if err != nil {
			opErr = err
			return
		}
		if e == nil {
			opErr = fmt.Errorf("worklog entry not found: %s", id)
			return
		}
		if e.Status != models.StatusFailed && e.Status != models.StatusNeedsReview {
			opErr = fmt.Errorf("entry is %s, nothing to retry", e.Status)
			return
		}
		worklog.ResetForRetry(e)
		if opErr = o.st.UpdateWorklog(e); opErr != nil {
			return
		}
		o.dispatch(time.Now())
	})
	if err != nil {
		return err
	}
	return opErr
}

// StartWatch resumes watching all enabled repositories.
func (o *Orchestrator) StartWatch() error {
	var opErr error
	err := o.run(func() {
		if o.watching {
			return
		}
		o.watching = true
		repos, err := o.st.ListRepos()
		if err != nil {
			opErr = err
			return
		}
		for _, r := range repos {
			if !r.Enabled {
				continue
			}
			if err := o.startWatcher(&r); err != nil {
				o.log.Warn().Err(err).Str("path", r.Path).Msg("Cannot resume watch")
			}
		}
		o.log.Info().Msg("Watching resumed")
	})
	if err != nil {
		return err
	}
	return opErr
}

// StopWatch pauses watching. Open sessions close immediately.
func (o *Orchestrator) StopWatch() error {
	return o.run(func() {
		if !o.watching {
			return
		}
		o.watching = false
		for _, w := range o.watchers {
			_ = w.Stop()
		}
		o.watchers = make(map[int64]*watch.RepoWatcher)
		for _, s := range o.tracker.CloseAll(time.Now()) {
			o.persistClosed(s)
		}
		o.log.Info().Msg("Watching paused")
	})
}

// ConfigureJira verifies new tracker credentials, persists them, and
// releases any auth hold on the submission queue.
func (o *Orchestrator) ConfigureJira(url, username, token string) error {
	client := jira.NewClient(url, username, token)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := client.Myself(ctx); err != nil {
		return fmt.Errorf("verify credentials: %w", err)
	}

	var opErr error
	err := o.run(func() {
		o.cfg.Jira.URL = url
		o.cfg.Jira.Username = username
		o.cfg.Jira.APIToken = token
		if o.configPath != "" {
			if err := o.cfg.Save(o.configPath); err != nil {
				o.log.Warn().Err(err).Msg("Credentials verified but config save failed")
			}
		}
		o.client = client
		o.queue.SetGateway(client)
		o.log.Info().Str("url", url).Str("username", username).Msg("Tracker credentials updated")
		o.dispatch(time.Now())
	})
	if err != nil {
		return err
	}
	return opErr
}
