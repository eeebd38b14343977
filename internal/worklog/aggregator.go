// Package worklog turns closed sessions into worklog entries or orphan
// records and drives their submission to the tracker.
package worklog

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/devpeace/devpeace/internal/models"
)

// Aggregator finalizes closed sessions.
type Aggregator struct {
	minDuration time.Duration
}

// NewAggregator creates an aggregator. Sessions shorter than minDuration
// are discarded as too short to be meaningful.
func NewAggregator(minDuration time.Duration) *Aggregator {
	return &Aggregator{minDuration: minDuration}
}

// Finalize converts a closed session into exactly one of: a pending
// worklog entry (issue key resolved), an orphan record (no key), or
// nothing (below the minimum duration).
func (a *Aggregator) Finalize(s *models.Session, repoName string) (*models.WorklogEntry, *models.OrphanRecord) {
	d := s.Duration()
	if d < a.minDuration {
		return nil, nil
	}

	closedAt := s.LastActivity
	if s.EndedAt != nil {
		closedAt = *s.EndedAt
	}
	comment := CommentText(s.Commits, repoName)

	if s.IssueKey == "" {
		return nil, &models.OrphanRecord{
			ID:        uuid.NewString(),
			RepoName:  repoName,
			Branch:    s.Branch,
			Duration:  d,
			Comment:   comment,
			StartedAt: s.StartedAt,
			ClosedAt:  closedAt,
		}
	}

	return &models.WorklogEntry{
		ID:        uuid.NewString(),
		IssueKey:  s.IssueKey,
		RepoName:  repoName,
		Duration:  d,
		Comment:   comment,
		StartedAt: s.StartedAt,
		ClosedAt:  closedAt,
		Status:    models.StatusPending,
	}, nil
}

// FromOrphan converts a manually associated orphan into a fresh pending
// worklog entry.
func FromOrphan(o *models.OrphanRecord, issueKey string) *models.WorklogEntry {
	return &models.WorklogEntry{
		ID:        uuid.NewString(),
		IssueKey:  issueKey,
		RepoName:  o.RepoName,
		Duration:  o.Duration,
		Comment:   o.Comment,
		StartedAt: o.StartedAt,
		ClosedAt:  o.ClosedAt,
		Status:    models.StatusPending,
	}
}

// CommentText renders one line per commit (short hash, time, message) in
// chronological order, falling back to a generic placeholder when the
// session saw no commits.
func CommentText(commits []models.Commit, repoName string) string {
	if len(commits) == 0 {
		return fmt.Sprintf("worked on %s", repoName)
	}

	var b strings.Builder
	for i, c := range commits {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(shortHash(c.Hash))
		b.WriteByte(' ')
		b.WriteString(c.At.Format("15:04"))
		b.WriteByte(' ')
		b.WriteString(c.Message)
	}
	return b.String()
}

func shortHash(h string) string {
	if len(h) > 7 {
		return h[:7]
	}
	return h
}
