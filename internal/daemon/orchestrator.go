package daemon

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/devpeace/devpeace/internal/branch"
	"github.com/devpeace/devpeace/internal/config"
	"github.com/devpeace/devpeace/internal/gitx"
	"github.com/devpeace/devpeace/internal/jira"
	"github.com/devpeace/devpeace/internal/logger"
	"github.com/devpeace/devpeace/internal/models"
	"github.com/devpeace/devpeace/internal/store"
	"github.com/devpeace/devpeace/internal/track"
	"github.com/devpeace/devpeace/internal/watch"
	"github.com/devpeace/devpeace/internal/worklog"
)

// shutdownGrace bounds how long shutdown waits for in-flight submissions.
const shutdownGrace = 10 * time.Second

// RepoView is a repository with its live watch state.
type RepoView struct {
	models.Repo
	Watching bool            `json:"watching"`
	Session  *models.Session `json:"session,omitempty"`
}

// Status is a snapshot of the orchestrator.
type Status struct {
	Watching       bool              `json:"watching"`
	Repos          int               `json:"repos"`
	OpenSessions   []*models.Session `json:"open_sessions"`
	Counts         store.Counts      `json:"counts"`
	Inflight       int               `json:"inflight"`
	AuthBlocked    bool              `json:"auth_blocked"`
	JiraConfigured bool              `json:"jira_configured"`
}

type watchError struct {
	repoID int64
	err    error
}

// Orchestrator owns all mutable tracking state. Watcher events, ticks,
// submission results and control commands are serialized through its
// loop, so the tracker and store see a single writer.
type Orchestrator struct {
	cfg        *config.Config
	configPath string
	st         *store.Store
	tracker    *track.Tracker
	agg        *worklog.Aggregator
	queue      *worklog.Queue
	client     *jira.Client
	log        arbor.ILogger

	events    chan watch.Event
	cmds      chan func()
	watchErrs chan watchError

	watchers  map[int64]*watch.RepoWatcher
	repoNames map[int64]string
	watching  bool

	// Sessions whose store writes failed; the tick retries them until
	// the store accepts them, so tracked time is never dropped.
	retryOpen   map[int64]*models.Session
	retryClosed []*models.Session

	doneCh chan struct{}
}

// New creates an orchestrator over an open store.
func New(cfg *config.Config, configPath string, st *store.Store) *Orchestrator {
	defaultEx := branch.NewExtractor(cfg.Tracking.ProjectKeys)

	var client *jira.Client
	if cfg.JiraConfigured() {
		client = jira.NewClient(cfg.Jira.URL, cfg.Jira.Username, cfg.Jira.APIToken)
	}

	q := worklog.NewQueue(nil, cfg.Jira.MaxConcurrent, cfg.Jira.MaxAttempts, time.Duration(cfg.Jira.BackoffMs)*time.Millisecond)
	if client != nil {
		q.SetGateway(client)
	}

	return &Orchestrator{
		cfg:        cfg,
		configPath: configPath,
		st:         st,
		tracker:    track.New(cfg.IdleTimeout(), defaultEx.Extract),
		agg:        worklog.NewAggregator(cfg.MinLogDuration()),
		queue:      q,
		client:     client,
		log:        logger.GetLogger(),
		events:     make(chan watch.Event, 256),
		cmds:       make(chan func(), 16),
		watchErrs:  make(chan watchError, 16),
		watchers:   make(map[int64]*watch.RepoWatcher),
		repoNames:  make(map[int64]string),
		retryOpen:  make(map[int64]*models.Session),
		watching:   true,
		doneCh:     make(chan struct{}),
	}
}

// Run drives the orchestrator until ctx is cancelled. It recovers state
// persisted by a previous run before processing anything new.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer close(o.doneCh)

	if err := o.recover(); err != nil {
		return fmt.Errorf("recover state: %w", err)
	}

	ticker := time.NewTicker(o.cfg.Tick())
	defer ticker.Stop()

	o.log.Info().
		Str("repos", strconv.Itoa(len(o.repoNames))).
		Str("open_sessions", strconv.Itoa(o.tracker.OpenCount())).
		Msg("Orchestrator started")

	for {
		select {
		case <-ctx.Done():
			o.shutdown()
			return nil

		case ev := <-o.events:
			o.handleEvent(ev)

		case <-ticker.C:
			o.tick(time.Now())

		case res := <-o.queue.Results():
			o.handleResult(res, time.Now())

		case fn := <-o.cmds:
			fn()

		case we := <-o.watchErrs:
			o.handleWatchError(we)
		}
	}
}

// recover reloads repositories and open sessions from the store and
// restarts their watchers.
func (o *Orchestrator) recover() error {
	repos, err := o.st.ListRepos()
	if err != nil {
		return err
	}
	paths := make(map[int64]string, len(repos))
	for _, r := range repos {
		o.repoNames[r.ID] = r.Name
		paths[r.ID] = r.Path
		if !r.Enabled {
			continue
		}
		if err := o.startWatcher(&r); err != nil {
			o.log.Warn().Err(err).Str("path", r.Path).Msg("Cannot watch repository, disabling")
			_ = o.st.SetRepoEnabled(r.ID, false)
		}
	}

	// Sessions left open by a crash resume where they stopped; the idle
	// check closes them if the gap has grown too large. A session whose
	// branch moved while the daemon was down closes right away, so work
	// on the new branch cannot extend it.
	open, err := o.st.OpenSessions()
	if err != nil {
		return err
	}
	for _, s := range open {
		o.tracker.Restore(s)
		path, ok := paths[s.RepoID]
		if !ok {
			continue
		}
		cur, err := gitx.CurrentBranch(path)
		if err != nil || cur == s.Branch {
			continue
		}
		o.log.Info().
			Str("repo_id", strconv.FormatInt(s.RepoID, 10)).
			Str("from", s.Branch).
			Str("to", cur).
			Msg("Branch moved while stopped, closing restored session")
		o.persistClosed(o.tracker.CloseRepo(s.RepoID, s.LastActivity))
	}

	return nil
}

func (o *Orchestrator) handleEvent(ev watch.Event) {
	if ev.Kind == watch.BranchChanged {
		o.log.Debug().
			Str("repo_id", strconv.FormatInt(ev.RepoID, 10)).
			Str("from", ev.PrevBranch).
			Str("to", ev.Branch).
			Msg("Branch switch")
	}

	closed, opened := o.tracker.HandleEvent(ev)

	if closed != nil {
		o.persistClosed(closed)
	}

	if opened != nil {
		if err := o.st.CreateSession(opened); err != nil {
			o.log.Error().Err(err).Str("repo_id", strconv.FormatInt(ev.RepoID, 10)).Msg("Persist session open failed, will retry")
			o.retryOpen[opened.RepoID] = opened
		} else {
			o.log.Info().
				Str("repo_id", strconv.FormatInt(ev.RepoID, 10)).
				Str("branch", opened.Branch).
				Str("issue_key", opened.IssueKey).
				Msg("Session opened")
		}
	} else if s := o.tracker.Open(ev.RepoID); s != nil {
		if err := o.st.UpdateSession(s); err != nil {
			o.log.Error().Err(err).Str("session_id", strconv.FormatInt(s.ID, 10)).Msg("Persist session update failed")
		}
	}

	_ = o.st.TouchRepo(ev.RepoID, ev.At)
}

func (o *Orchestrator) tick(now time.Time) {
	o.flushUnsaved()

	for _, s := range o.tracker.CheckIdle(now) {
		o.log.Info().
			Str("repo_id", strconv.FormatInt(s.RepoID, 10)).
			Str("branch", s.Branch).
			Str("duration", s.Duration().String()).
			Msg("Session closed idle")
		o.persistClosed(s)
	}

	o.dispatch(now)
}

func (o *Orchestrator) dispatch(now time.Time) {
	pending, err := o.st.PendingWorklogs()
	if err != nil {
		o.log.Error().Err(err).Msg("Load pending worklogs failed")
		return
	}
	launched := o.queue.Dispatch(context.Background(), now, pending)
	for _, e := range launched {
		o.log.Info().
			Str("entry_id", e.ID).
			Str("issue_key", e.IssueKey).
			Str("attempts", strconv.Itoa(e.Attempts)).
			Msg("Submitting worklog")
	}
}

// persistClosed writes the closed session and finalizes it into a
// worklog entry or orphan record. On store failure the session joins
// the retry list instead of being dropped.
func (o *Orchestrator) persistClosed(s *models.Session) {
	if o.retryOpen[s.RepoID] == s {
		delete(o.retryOpen, s.RepoID)
	}
	if err := o.finalizeSession(s); err != nil {
		o.log.Error().Err(err).Str("repo_id", strconv.FormatInt(s.RepoID, 10)).Msg("Persist closed session failed, queued for retry")
		o.retryClosed = append(o.retryClosed, s)
	}
}

func (o *Orchestrator) finalizeSession(s *models.Session) error {
	// Close the session row before inserting anything derived from it,
	// so a restart cannot resurrect a session that already produced a
	// worklog entry.
	if s.ID != 0 {
		if err := o.st.CloseSession(s); err != nil {
			return fmt.Errorf("close session %d: %w", s.ID, err)
		}
	}

	name := o.repoNames[s.RepoID]
	entry, orphan := o.agg.Finalize(s, name)

	switch {
	case entry != nil:
		if err := o.st.InsertWorklog(entry); err != nil {
			return fmt.Errorf("insert worklog entry for %s: %w", entry.IssueKey, err)
		}
		o.log.Info().
			Str("entry_id", entry.ID).
			Str("issue_key", entry.IssueKey).
			Str("duration", entry.Duration.String()).
			Msg("Worklog entry queued")

	case orphan != nil:
		if err := o.st.InsertOrphan(orphan); err != nil {
			return fmt.Errorf("insert orphan record for %s: %w", orphan.Branch, err)
		}
		o.log.Warn().
			Str("repo", orphan.RepoName).
			Str("branch", orphan.Branch).
			Str("duration", orphan.Duration.String()).
			Msg("No issue key on branch, orphan recorded")

	default:
		o.log.Debug().Str("repo_id", strconv.FormatInt(s.RepoID, 10)).Msg("Session too short, discarded")
	}
	return nil
}

// flushUnsaved retries store writes that failed earlier.
func (o *Orchestrator) flushUnsaved() {
	for id, s := range o.retryOpen {
		if s.EndedAt != nil {
			delete(o.retryOpen, id)
			continue
		}
		if err := o.st.CreateSession(s); err == nil {
			delete(o.retryOpen, id)
		}
	}

	if len(o.retryClosed) == 0 {
		return
	}
	remaining := o.retryClosed[:0]
	for _, s := range o.retryClosed {
		if err := o.finalizeSession(s); err != nil {
			remaining = append(remaining, s)
		} else {
			o.log.Info().Str("repo_id", strconv.FormatInt(s.RepoID, 10)).Msg("Recovered unsaved closed session")
		}
	}
	o.retryClosed = remaining
}

func (o *Orchestrator) handleResult(res worklog.Result, now time.Time) {
	e, err := o.st.GetWorklog(res.EntryID)
	if err != nil || e == nil {
		o.queue.Apply(&models.WorklogEntry{ID: res.EntryID}, res, now)
		o.log.Error().Err(err).Str("entry_id", res.EntryID).Msg("Submission result for unknown entry")
		return
	}

	o.queue.Apply(e, res, now)
	if err := o.st.UpdateWorklog(e); err != nil {
		o.log.Error().Err(err).Str("entry_id", e.ID).Msg("Persist submission result failed")
		return
	}

	switch {
	case res.Err == nil:
		o.log.Info().
			Str("entry_id", e.ID).
			Str("issue_key", e.IssueKey).
			Str("remote_id", e.RemoteID).
			Msg("Worklog submitted")
	case o.queue.Blocked():
		o.log.Error().Err(res.Err).Msg("Tracker rejected credentials, submissions held")
	default:
		o.log.Warn().Err(res.Err).
			Str("entry_id", e.ID).
			Str("status", e.Status).
			Str("attempts", strconv.Itoa(e.Attempts)).
			Msg("Worklog submission failed")
	}
}

func (o *Orchestrator) handleWatchError(we watchError) {
	o.log.Warn().Err(we.err).Str("repo_id", strconv.FormatInt(we.repoID, 10)).Msg("Watcher error, disabling repository")

	if w, ok := o.watchers[we.repoID]; ok {
		_ = w.Stop()
		delete(o.watchers, we.repoID)
	}
	if s := o.tracker.CloseRepo(we.repoID, time.Now()); s != nil {
		o.persistClosed(s)
	}
	_ = o.st.SetRepoEnabled(we.repoID, false)
}

// shutdown closes open sessions, persists everything, and grants
// in-flight submissions a bounded grace period.
func (o *Orchestrator) shutdown() {
	for _, w := range o.watchers {
		_ = w.Stop()
	}
	o.watchers = make(map[int64]*watch.RepoWatcher)

	now := time.Now()
	for _, s := range o.tracker.CloseAll(now) {
		o.persistClosed(s)
	}

	o.flushUnsaved()
	if len(o.retryClosed) > 0 {
		o.log.Error().Str("sessions", strconv.Itoa(len(o.retryClosed))).Msg("Closed sessions could not be persisted")
	}

	if n := o.queue.InflightCount(); n > 0 {
		o.log.Info().Str("inflight", strconv.Itoa(n)).Msg("Waiting for in-flight submissions")
		deadline := time.After(shutdownGrace)
		for o.queue.InflightCount() > 0 {
			select {
			case res := <-o.queue.Results():
				o.handleResult(res, time.Now())
			case <-deadline:
				o.log.Warn().Str("inflight", strconv.Itoa(o.queue.InflightCount())).Msg("Shutdown grace expired")
				return
			}
		}
	}

	o.log.Info().Msg("Orchestrator stopped")
}

// startWatcher creates and starts a watcher for one repository, wiring
// a repository-local override if present.
func (o *Orchestrator) startWatcher(r *models.Repo) error {
	if _, ok := o.watchers[r.ID]; ok {
		return nil
	}

	onError := func(repoID int64, err error) {
		select {
		case o.watchErrs <- watchError{repoID: repoID, err: err}:
		default:
		}
	}

	w, err := watch.NewRepoWatcher(r.ID, r.Path, o.events, o.cfg.Debounce(), onError)
	if err != nil {
		return err
	}
	if err := w.Start(); err != nil {
		return err
	}
	o.watchers[r.ID] = w

	ov, err := config.LoadRepoOverride(r.Path)
	if err != nil {
		o.log.Warn().Err(err).Str("path", r.Path).Msg("Bad repository override file, ignoring")
	} else if ov != nil {
		keys := o.cfg.ProjectKeysFor(ov)
		o.tracker.SetExtractor(r.ID, branch.NewExtractor(keys).Extract)
	}

	return nil
}

// run executes fn on the orchestrator loop and waits for it.
func (o *Orchestrator) run(fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		fn()
		close(done)
	}
	select {
	case o.cmds <- wrapped:
	case <-o.doneCh:
		return fmt.Errorf("orchestrator stopped")
	}
	select {
	case <-done:
		return nil
	case <-o.doneCh:
		return fmt.Errorf("orchestrator stopped")
	}
}
