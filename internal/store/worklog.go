package store

import (
	"database/sql"
	"time"

	"github.com/devpeace/devpeace/internal/models"
)

const insertWorklog = `INSERT INTO worklog_entries
 (id, issue_key, repo_name, duration_sec, comment, started_at, closed_at,
  status, attempts, next_attempt, worklog_posted, comment_posted, remote_id)
 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func insertWorklogArgs(e *models.WorklogEntry) []any {
	return []any{
		e.ID, e.IssueKey, e.RepoName, int64(e.Duration.Seconds()), e.Comment,
		e.StartedAt, e.ClosedAt, e.Status, e.Attempts, nullTime(e.NextAttempt),
		e.WorklogPosted, e.CommentPosted, e.RemoteID,
	}
}

// InsertWorklog persists a new worklog entry.
func (s *Store) InsertWorklog(e *models.WorklogEntry) error {
	_, err := s.db.Exec(insertWorklog, insertWorklogArgs(e)...)
	return err
}

// UpdateWorklog persists submission progress for an entry.
func (s *Store) UpdateWorklog(e *models.WorklogEntry) error {
	_, err := s.db.Exec(
		`UPDATE worklog_entries
		 SET status = ?, attempts = ?, next_attempt = ?, worklog_posted = ?,
		     comment_posted = ?, remote_id = ?, issue_key = ?
		 WHERE id = ?`,
		e.Status, e.Attempts, nullTime(e.NextAttempt), e.WorklogPosted,
		e.CommentPosted, e.RemoteID, e.IssueKey, e.ID,
	)
	return err
}

// GetWorklog returns one entry by id, or nil when absent.
func (s *Store) GetWorklog(id string) (*models.WorklogEntry, error) {
	rows, err := s.db.Query(selectWorklog+" WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanWorklog(rows)
}

// PendingWorklogs returns entries awaiting submission, ordered by session
// close time so per-issue chronology is preserved.
func (s *Store) PendingWorklogs() ([]*models.WorklogEntry, error) {
	return s.queryWorklogs(selectWorklog+" WHERE status = ? ORDER BY closed_at", models.StatusPending)
}

// WorklogsByStatus returns all entries with the given status.
func (s *Store) WorklogsByStatus(status string) ([]*models.WorklogEntry, error) {
	return s.queryWorklogs(selectWorklog+" WHERE status = ? ORDER BY closed_at", status)
}

// Counts summarizes outstanding work for the status endpoint.
type Counts struct {
	Pending     int
	Failed      int
	NeedsReview int
	Submitted   int
	Orphans     int
}

// CountAll returns pending/failed/review/submitted worklog counts plus the
// number of unresolved orphans.
func (s *Store) CountAll() (Counts, error) {
	var c Counts

	rows, err := s.db.Query("SELECT status, COUNT(*) FROM worklog_entries GROUP BY status")
	if err != nil {
		return c, err
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return c, err
		}
		switch status {
		case models.StatusPending:
			c.Pending = n
		case models.StatusFailed:
			c.Failed = n
		case models.StatusNeedsReview:
			c.NeedsReview = n
		case models.StatusSubmitted:
			c.Submitted = n
		}
	}
	if err := rows.Err(); err != nil {
		return c, err
	}

	if err := s.db.QueryRow(
		"SELECT COUNT(*) FROM orphan_records WHERE resolved = 0",
	).Scan(&c.Orphans); err != nil {
		return c, err
	}

	return c, nil
}

const selectWorklog = `SELECT id, issue_key, repo_name, duration_sec, comment, started_at,
 closed_at, status, attempts, next_attempt, worklog_posted, comment_posted, remote_id, created_at
 FROM worklog_entries`

func (s *Store) queryWorklogs(query string, args ...any) ([]*models.WorklogEntry, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.WorklogEntry
	for rows.Next() {
		e, err := scanWorklog(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanWorklog(rows *sql.Rows) (*models.WorklogEntry, error) {
	var e models.WorklogEntry
	var durationSec int64
	var nextAttempt sql.NullTime

	if err := rows.Scan(&e.ID, &e.IssueKey, &e.RepoName, &durationSec, &e.Comment,
		&e.StartedAt, &e.ClosedAt, &e.Status, &e.Attempts, &nextAttempt,
		&e.WorklogPosted, &e.CommentPosted, &e.RemoteID, &e.CreatedAt); err != nil {
		return nil, err
	}

	e.Duration = time.Duration(durationSec) * time.Second
	if nextAttempt.Valid {
		e.NextAttempt = nextAttempt.Time
	}
	return &e, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
