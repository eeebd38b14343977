// Package models defines the shared data model for devpeace.
package models

import "time"

// Repo is a git repository registered for watching.
type Repo struct {
	ID           int64
	Path         string
	Name         string
	Enabled      bool
	CreatedAt    time.Time
	LastActivity *time.Time
}

// Commit is one commit observed during a session.
type Commit struct {
	Hash    string    `json:"hash"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Session is a continuous span of activity in one repository. A session is
// open while EndedAt is nil; at most one open session exists per repository.
type Session struct {
	ID           int64
	RepoID       int64
	Branch       string
	IssueKey     string // empty when the branch carries no issue key
	StartedAt    time.Time
	LastActivity time.Time
	EndedAt      *time.Time
	Commits      []Commit
}

// Duration returns the elapsed time of the session, using LastActivity as
// the end for open sessions.
func (s *Session) Duration() time.Duration {
	end := s.LastActivity
	if s.EndedAt != nil {
		end = *s.EndedAt
	}
	return end.Sub(s.StartedAt)
}

// Submission status for worklog entries.
const (
	StatusPending     = "pending"
	StatusSubmitted   = "submitted"
	StatusFailed      = "failed"
	StatusNeedsReview = "needs_review" // issue key rejected by the tracker
)

// WorklogEntry is a closed session with a resolved issue key, queued for
// submission to the tracker. Immutable once Status is submitted.
type WorklogEntry struct {
	ID       string
	IssueKey string
	RepoName string
	Duration time.Duration
	Comment  string

	StartedAt time.Time // session start, reported as the worklog start
	ClosedAt  time.Time // session close, drives per-issue submission order

	Status      string
	Attempts    int
	NextAttempt time.Time

	// Per-operation completion markers. A retry only performs the
	// operations that have not succeeded yet.
	WorklogPosted bool
	CommentPosted bool
	RemoteID      string // worklog id assigned by the tracker

	CreatedAt time.Time
}

// Clone returns a copy safe to hand to another goroutine.
func (e *WorklogEntry) Clone() *WorklogEntry {
	c := *e
	return &c
}

// OrphanRecord is a closed session with no resolvable issue key, kept until
// a user assigns one manually.
type OrphanRecord struct {
	ID       string
	RepoName string
	Branch   string
	Duration time.Duration
	Comment  string

	StartedAt time.Time
	ClosedAt  time.Time

	Resolved    bool
	AssignedKey string

	CreatedAt time.Time
}
