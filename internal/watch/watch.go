// Package watch observes registered repositories for git and working-tree
// activity and emits typed events.
package watch

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/devpeace/devpeace/internal/gitx"
)

// Kind identifies the type of repository activity.
type Kind int

const (
	// Entered is emitted once per watch, on the first detected activity.
	Entered Kind = iota
	// FileChanged is a debounced working-tree modification.
	FileChanged
	// CommitDetected is a new commit on the current branch.
	CommitDetected
	// BranchChanged is a checkout of a different branch.
	BranchChanged
)

func (k Kind) String() string {
	switch k {
	case Entered:
		return "entered"
	case FileChanged:
		return "file_changed"
	case CommitDetected:
		return "commit_detected"
	case BranchChanged:
		return "branch_changed"
	default:
		return "unknown"
	}
}

// Event is a single repository activity observation.
type Event struct {
	RepoID   int64
	RepoPath string
	Kind     Kind

	Path       string // FileChanged: path relative to the repository root
	Branch     string // BranchChanged: new branch
	PrevBranch string // BranchChanged: previous branch
	Commit     string // CommitDetected: commit hash
	Message    string // CommitDetected: commit subject

	At time.Time
}

// RepoWatcher watches a single repository. Events go to a shared channel;
// watch failures go to the error callback so the owner can disable just
// this repository.
type RepoWatcher struct {
	repoID   int64
	root     string
	gitDir   string
	watcher  *fsnotify.Watcher
	events   chan<- Event
	onError  func(repoID int64, err error)
	debounce time.Duration

	running bool
	stopCh  chan struct{}
	mu      sync.RWMutex

	// Debouncing state
	pending   map[string]time.Time
	entered   bool
	pendingMu sync.Mutex

	// Owned by the event goroutine
	lastBranch string
	lastHead   string
}

// NewRepoWatcher creates a watcher for one repository.
func NewRepoWatcher(repoID int64, root string, events chan<- Event, debounce time.Duration, onError func(int64, error)) (*RepoWatcher, error) {
	gitDir, err := gitx.GitDir(root)
	if err != nil {
		return nil, fmt.Errorf("resolve git dir: %w", err)
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	w := &RepoWatcher{
		repoID:   repoID,
		root:     root,
		gitDir:   gitDir,
		watcher:  fsWatcher,
		events:   events,
		onError:  onError,
		debounce: debounce,
		stopCh:   make(chan struct{}),
		pending:  make(map[string]time.Time),
	}

	// Seed git state so the first observed change is a real transition
	if b, err := gitx.CurrentBranch(root); err == nil {
		w.lastBranch = b
	}
	if h, err := gitx.HeadCommit(root); err == nil {
		w.lastHead = h
	}

	return w, nil
}

// Start begins watching for repository activity.
func (w *RepoWatcher) Start() error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.addDirectories(); err != nil {
		return fmt.Errorf("add directories: %w", err)
	}

	go w.processEvents()
	go w.processDebounced()

	return nil
}

// Stop stops the watcher.
func (w *RepoWatcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return nil
	}

	w.running = false
	close(w.stopCh)

	return w.watcher.Close()
}

// IsRunning returns whether the watcher is active.
func (w *RepoWatcher) IsRunning() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

// Branch returns the branch last observed on this repository.
func (w *RepoWatcher) Branch() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastBranch
}

// addDirectories registers the working tree and the git control directory.
func (w *RepoWatcher) addDirectories() error {
	err := filepath.Walk(w.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			// Paths can vanish mid-walk during git operations
			return nil
		}

		if !info.IsDir() {
			return nil
		}

		rel, _ := filepath.Rel(w.root, path)
		if w.shouldSkipDir(rel) {
			return filepath.SkipDir
		}

		if err := w.watcher.Add(path); err != nil {
			w.onError(w.repoID, fmt.Errorf("watch %s: %w", path, err))
		}

		return nil
	})
	if err != nil {
		return err
	}

	// HEAD and logs/HEAD live in the control directory
	if err := w.watcher.Add(w.gitDir); err != nil {
		return fmt.Errorf("watch git dir: %w", err)
	}
	logsDir := filepath.Join(w.gitDir, "logs")
	if _, err := os.Stat(logsDir); err == nil {
		if err := w.watcher.Add(logsDir); err != nil {
			w.onError(w.repoID, fmt.Errorf("watch reflog dir: %w", err))
		}
	}

	return nil
}

// shouldSkipDir checks if a working-tree directory should be skipped.
func (w *RepoWatcher) shouldSkipDir(relPath string) bool {
	skipDirs := []string{".git", "vendor", "node_modules", ".venv", "__pycache__", "target", "dist"}

	for _, dir := range skipDirs {
		if relPath == dir || strings.HasPrefix(relPath, dir+string(filepath.Separator)) {
			return true
		}
	}

	return false
}

// processEvents handles raw file system events.
func (w *RepoWatcher) processEvents() {
	for {
		select {
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleRawEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.onError(w.repoID, err)
		}
	}
}

func (w *RepoWatcher) handleRawEvent(event fsnotify.Event) {
	name := filepath.Clean(event.Name)

	if name == w.gitDir || strings.HasPrefix(name, w.gitDir+string(filepath.Separator)) {
		w.handleGitEvent(name, event.Op)
		return
	}

	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}

	rel, err := filepath.Rel(w.root, name)
	if err != nil || w.shouldSkipDir(rel) {
		return
	}

	// Newly created directories need their own watch
	if event.Op&fsnotify.Create != 0 {
		if fi, err := os.Stat(name); err == nil && fi.IsDir() {
			_ = w.watcher.Add(name)
			return
		}
	}

	w.pendingMu.Lock()
	w.pending[rel] = time.Now()
	w.pendingMu.Unlock()
}

// handleGitEvent decides between branch change and commit by comparing the
// previous and new branch names.
func (w *RepoWatcher) handleGitEvent(name string, op fsnotify.Op) {
	if op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}

	switch {
	case name == filepath.Join(w.gitDir, "HEAD"):
		branch, err := gitx.CurrentBranch(w.root)
		if err != nil || branch == "" {
			return // HEAD can be mid-rewrite during git operations
		}
		if branch == w.lastBranch {
			return
		}
		prev := w.lastBranch
		w.setBranch(branch)
		if head, err := gitx.HeadCommit(w.root); err == nil {
			// A checkout writes a reflog entry that is not a commit
			w.lastHead = head
		}
		if prev == "" {
			return // first observation, not a change
		}
		w.emit(Event{Kind: BranchChanged, Branch: branch, PrevBranch: prev})

	case name == filepath.Join(w.gitDir, "logs", "HEAD"):
		head, err := gitx.HeadCommit(w.root)
		if err != nil || head == "" || head == w.lastHead {
			return
		}
		branch, err := gitx.CurrentBranch(w.root)
		if err != nil {
			return
		}
		if branch != w.lastBranch {
			// Checkout in flight; the HEAD event reports it
			return
		}
		w.lastHead = head
		msg, _ := gitx.CommitMessage(w.root, head)
		w.emit(Event{Kind: CommitDetected, Commit: head, Message: msg})
	}
}

func (w *RepoWatcher) setBranch(branch string) {
	w.mu.Lock()
	w.lastBranch = branch
	w.mu.Unlock()
}

// processDebounced flushes pending file changes after the debounce window.
func (w *RepoWatcher) processDebounced() {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return

		case <-ticker.C:
			w.flushPending()
		}
	}
}

// flushPending emits one FileChanged per path that has been quiet for the
// full debounce window.
func (w *RepoWatcher) flushPending() {
	now := time.Now()

	w.pendingMu.Lock()
	var due []string
	for path, ts := range w.pending {
		if now.Sub(ts) < w.debounce {
			continue
		}
		delete(w.pending, path)
		due = append(due, path)
	}
	w.pendingMu.Unlock()

	for _, path := range due {
		w.emit(Event{Kind: FileChanged, Path: path})
	}
}

// emit stamps and delivers an event, preceded by a one-time Entered event.
func (w *RepoWatcher) emit(ev Event) {
	w.pendingMu.Lock()
	first := !w.entered
	w.entered = true
	w.pendingMu.Unlock()

	if first {
		w.send(Event{RepoID: w.repoID, RepoPath: w.root, Kind: Entered, Branch: w.Branch(), At: time.Now()})
	}

	// Every event carries the branch it was observed on
	if ev.Branch == "" {
		ev.Branch = w.Branch()
	}
	ev.RepoID = w.repoID
	ev.RepoPath = w.root
	ev.At = time.Now()
	w.send(ev)
}

func (w *RepoWatcher) send(ev Event) {
	select {
	case w.events <- ev:
	case <-w.stopCh:
	}
}
