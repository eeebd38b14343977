// Package track maintains the per-repository session state machine.
//
// Each repository cycles Idle -> Active -> Idle for the lifetime of its
// watch. A session opens on the first activity, extends on further
// activity, and closes on a branch change or when the idle timeout
// elapses. At most one session is open per repository.
package track

import (
	"time"

	"github.com/devpeace/devpeace/internal/models"
	"github.com/devpeace/devpeace/internal/watch"
)

// Extract resolves a branch name to an issue key.
type Extract func(branch string) (string, bool)

// Tracker owns the open sessions for all watched repositories. It is driven
// exclusively from the orchestrator loop, so it needs no locking.
type Tracker struct {
	idleTimeout time.Duration
	open        map[int64]*models.Session // repo id -> open session
	extractors  map[int64]Extract
	defaultEx   Extract
}

// New creates a tracker.
func New(idleTimeout time.Duration, extract Extract) *Tracker {
	return &Tracker{
		idleTimeout: idleTimeout,
		open:        make(map[int64]*models.Session),
		extractors:  make(map[int64]Extract),
		defaultEx:   extract,
	}
}

// SetExtractor installs a repository-specific issue extractor, used when a
// repository carries local project-key overrides.
func (t *Tracker) SetExtractor(repoID int64, extract Extract) {
	if extract == nil {
		delete(t.extractors, repoID)
		return
	}
	t.extractors[repoID] = extract
}

// Open returns the open session for a repository, or nil.
func (t *Tracker) Open(repoID int64) *models.Session {
	return t.open[repoID]
}

// OpenCount returns the number of repositories with an open session.
func (t *Tracker) OpenCount() int {
	return len(t.open)
}

// OpenSessions returns all open sessions.
func (t *Tracker) OpenSessions() []*models.Session {
	out := make([]*models.Session, 0, len(t.open))
	for _, s := range t.open {
		out = append(out, s)
	}
	return out
}

// Restore re-registers a session loaded from the store as open.
func (t *Tracker) Restore(s *models.Session) {
	t.open[s.RepoID] = s
}

// HandleEvent advances the state machine for one watcher event. It returns
// the session closed by this event (nil if none) and the session opened by
// it (nil if none). The caller persists both.
func (t *Tracker) HandleEvent(ev watch.Event) (closed, opened *models.Session) {
	switch ev.Kind {
	case watch.BranchChanged:
		// A branch switch closes the running session and starts a fresh
		// one under the new branch. A checkout on an idle repository is
		// not work on its own; a session waits for real activity.
		if s := t.open[ev.RepoID]; s != nil {
			closed = t.close(s, ev.At)
			opened = t.openSession(ev, ev.Branch)
		}

	case watch.Entered, watch.FileChanged, watch.CommitDetected:
		s := t.open[ev.RepoID]
		if s == nil {
			opened = t.openSession(ev, ev.Branch)
			s = opened
		}
		s.LastActivity = ev.At
		if ev.Kind == watch.CommitDetected {
			s.Commits = append(s.Commits, models.Commit{
				Hash:    ev.Commit,
				Message: ev.Message,
				At:      ev.At,
			})
		}
	}

	return closed, opened
}

// CheckIdle closes every session whose last activity is older than the idle
// timeout. Returns the closed sessions.
func (t *Tracker) CheckIdle(now time.Time) []*models.Session {
	var closed []*models.Session
	for _, s := range t.open {
		if now.Sub(s.LastActivity) >= t.idleTimeout {
			// The session ends when activity stopped, not when the
			// timeout fired.
			closed = append(closed, t.close(s, s.LastActivity))
		}
	}
	return closed
}

// CloseAll closes every open session, used on shutdown and repo removal.
func (t *Tracker) CloseAll(now time.Time) []*models.Session {
	var closed []*models.Session
	for _, s := range t.open {
		closed = append(closed, t.close(s, now))
	}
	return closed
}

// CloseRepo closes the open session of one repository, if any.
func (t *Tracker) CloseRepo(repoID int64, now time.Time) *models.Session {
	s := t.open[repoID]
	if s == nil {
		return nil
	}
	return t.close(s, now)
}

// Forget drops all state for a repository without closing anything.
func (t *Tracker) Forget(repoID int64) {
	delete(t.open, repoID)
	delete(t.extractors, repoID)
}

func (t *Tracker) openSession(ev watch.Event, branchName string) *models.Session {
	key := ""
	if branchName != "" {
		if k, ok := t.extractFor(ev.RepoID)(branchName); ok {
			key = k
		}
	}

	s := &models.Session{
		RepoID:       ev.RepoID,
		Branch:       branchName,
		IssueKey:     key,
		StartedAt:    ev.At,
		LastActivity: ev.At,
	}
	t.open[ev.RepoID] = s
	return s
}

func (t *Tracker) close(s *models.Session, end time.Time) *models.Session {
	if end.Before(s.StartedAt) {
		end = s.StartedAt
	}
	e := end
	s.EndedAt = &e
	s.LastActivity = end
	delete(t.open, s.RepoID)
	return s
}

func (t *Tracker) extractFor(repoID int64) Extract {
	if ex, ok := t.extractors[repoID]; ok {
		return ex
	}
	return t.defaultEx
}
